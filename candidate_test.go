package taps

import (
	"context"
	"net"
	"testing"
)

type stubAdapter struct {
	name    string
	alpn    bool
	feature FeatureVector
}

func newStubAdapter(name string, alpn bool) *stubAdapter {
	var f FeatureVector
	for i := range f {
		f[i] = NoPreference
	}
	return &stubAdapter{name: name, alpn: alpn, feature: f}
}

func (s *stubAdapter) Name() string        { return s.name }
func (s *stubAdapter) Features() FeatureVector { return s.feature }
func (s *stubAdapter) SupportsALPN() bool  { return s.alpn }
func (s *stubAdapter) Init(ctx context.Context, conn *Connection) error { return nil }
func (s *stubAdapter) InitWithSend(ctx context.Context, conn *Connection, msg *Message) error {
	return nil
}
func (s *stubAdapter) Send(conn *Connection, msg *Message) error { return nil }
func (s *stubAdapter) Close(conn *Connection) error              { return nil }
func (s *stubAdapter) Abort(conn *Connection) error              { return nil }
func (s *stubAdapter) Listen(sm *SocketManager) error            { return nil }
func (s *stubAdapter) StopListen(sm *SocketManager) error        { return nil }
func (s *stubAdapter) CloseSocket(sm *SocketManager) error       { return nil }
func (s *stubAdapter) RemoteEndpointFromPeer(conn *Connection) (*RemoteEndpoint, error) {
	return nil, nil
}
func (s *stubAdapter) RetargetProtocolConnection(from, to *Connection) error { return nil }
func (s *stubAdapter) CloneConnection(src, dst *Connection) error            { return nil }
func (s *stubAdapter) FreeState(conn *Connection)                           {}
func (s *stubAdapter) FreeSocketState(sm *SocketManager)                    {}
func (s *stubAdapter) FreeGroupState(grp *ConnectionGroup)                  {}

type fixedResolver struct{ ips []net.IP }

func (f fixedResolver) LookupIP(ctx context.Context, hostname string) ([]net.IP, error) {
	return f.ips, nil
}

func TestPruneCandidatesRejectsRequireProhibitConflict(t *testing.T) {
	reliable := newStubAdapter("reliable", false)
	reliable.feature[Reliability] = Require

	unreliable := newStubAdapter("unreliable", false)
	unreliable.feature[Reliability] = Prohibit

	nodes := []*CandidateNode{
		{Local: NewLocalEndpoint(), Adapter: reliable},
		{Local: NewLocalEndpoint(), Adapter: unreliable},
	}

	props := NewTransportProperties()
	_ = props.Selection.SetPreference(Reliability, Require)

	pruned := PruneCandidates(nodes, &props.Selection)
	if len(pruned) != 1 || pruned[0].Adapter.Name() != "reliable" {
		t.Fatalf("expected only the reliable adapter to survive pruning, got %d candidates", len(pruned))
	}
}

func TestPruneCandidatesRejectsRequireOnDifferentInterfaceType(t *testing.T) {
	adapter := newStubAdapter("any", false)

	nodes := []*CandidateNode{
		{Local: NewLocalEndpoint().WithInterface("eth0"), Adapter: adapter},
		{Local: NewLocalEndpoint().WithInterface("wlan0"), Adapter: adapter},
	}

	props := NewTransportProperties()
	if err := props.Selection.SetInterface(Interface, "wifi", Require); err != nil {
		t.Fatalf("SetInterface: %v", err)
	}

	pruned := PruneCandidates(nodes, &props.Selection)
	if len(pruned) != 1 || pruned[0].Local.Interface != "wlan0" {
		t.Fatalf("expected only the wifi-bound candidate to survive a Require(wifi) selection, got %d candidates", len(pruned))
	}
}

func TestOrderCandidatesScoresRequireMatchHighest(t *testing.T) {
	strong := newStubAdapter("strong", false)
	strong.feature[Reliability] = Require
	strong.feature[CongestionControl] = Require

	weak := newStubAdapter("weak", false)
	weak.feature[Reliability] = Prefer

	nodes := []*CandidateNode{
		{Local: NewLocalEndpoint(), Adapter: weak},
		{Local: NewLocalEndpoint(), Adapter: strong},
	}
	props := NewTransportProperties()

	ordered := OrderCandidates(nodes, &props.Selection)
	if ordered[0].Adapter.Name() != "strong" {
		t.Fatalf("expected strong adapter first, got %s", ordered[0].Adapter.Name())
	}
}

func TestGatherCandidatesFansOutPerALPN(t *testing.T) {
	quicLike := newStubAdapter("quiclike", true)
	registry := NewAdapterRegistry()
	registry.Register(quicLike)

	remote := NewRemoteEndpoint().WithHostname("example.test").WithPort(443)
	resolver := fixedResolver{ips: []net.IP{net.IPv4(10, 0, 0, 1)}}

	local := NewLocalEndpoint().WithAddress(net.IPv4(127, 0, 0, 1))
	nodes, err := GatherCandidatesForALPN(context.Background(), local, remote, registry, resolver, "h3")
	if err != nil {
		t.Fatalf("GatherCandidatesForALPN: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ALPN != "h3" {
		t.Fatalf("expected one h3-tagged node, got %+v", nodes)
	}
}
