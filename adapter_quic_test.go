package taps

import (
	"context"
	"crypto/x509"
	"net"
	"testing"
	"time"

	"github.com/ikhovind/gotaps/internal/devcert"
)

// Loopback QUIC scenarios, grounded on spec.md §8's S4 (multistreaming via
// Clone, one ConnectionGroup per underlying QUIC connection) and S6 (0-RTT
// early data). TCP/UDP's loopback scenarios live in integration_test.go;
// QUIC needs its own fixture because it requires a certificate and ALPN.

func newLoopbackQUICPair(t *testing.T, alpn string) (rt *Runtime, serverPre, clientPre *Preconnection, port uint16) {
	t.Helper()

	cert, err := devcert.GenerateSelfSigned()
	if err != nil {
		t.Fatalf("devcert.GenerateSelfSigned: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse self-signed cert: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	port = freePort(t)
	rt = NewRuntime()
	rt.Registry().Register(NewQUICAdapter(nil))

	local := NewLocalEndpoint().WithAddress(net.IPv4(127, 0, 0, 1)).WithPort(port)
	serverPre = rt.NewPreconnection(local, nil)
	if err := serverPre.SecurityParameters().SetALPN([]string{alpn}); err != nil {
		t.Fatalf("server SetALPN: %v", err)
	}
	if err := serverPre.SecurityParameters().AddServerCertificate(CertificateBundle{Loaded: &cert}); err != nil {
		t.Fatalf("AddServerCertificate: %v", err)
	}

	remote := NewRemoteEndpoint().WithHostname("localhost").WithPort(port)
	resolver := fixedResolver{ips: []net.IP{net.IPv4(127, 0, 0, 1)}}
	clientPre = rt.NewPreconnection(nil, remote, WithResolver(resolver))
	if err := clientPre.SecurityParameters().SetALPN([]string{alpn}); err != nil {
		t.Fatalf("client SetALPN: %v", err)
	}
	clientPre.SecurityParameters().SetRootCAs(pool)

	return rt, serverPre, clientPre, port
}

func TestQUICCloneSharesGroupWithoutCrossTalk(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rt, serverPre, clientPre, _ := newLoopbackQUICPair(t, "taps-s4")
	defer rt.Close()

	accepted := make(chan *Connection, 4)
	listener, err := serverPre.Listen(ctx, ListenerCallbacks{
		ConnectionReceived: func(conn *Connection) { accepted <- conn },
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer listener.Stop(ctx)

	clientReady := make(chan *Connection, 1)
	stream1, err := clientPre.Initiate(ctx, ConnectionCallbacks{
		Ready: func(conn *Connection) error {
			clientReady <- conn
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	select {
	case stream1 = <-clientReady:
	case <-ctx.Done():
		t.Fatal("timed out waiting for client stream1 Ready")
	}

	var serverStream1 *Connection
	select {
	case serverStream1 = <-accepted:
	case <-ctx.Done():
		t.Fatal("timed out waiting for server to accept stream1")
	}

	cloneReady := make(chan *Connection, 1)
	stream2, err := stream1.Clone(ConnectionCallbacks{
		Ready: func(conn *Connection) error {
			cloneReady <- conn
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	select {
	case <-cloneReady:
	case <-ctx.Done():
		t.Fatal("timed out waiting for cloned stream2 Ready")
	}

	if stream2.Group() != stream1.Group() {
		t.Fatal("cloned stream must stay in the same ConnectionGroup as its source")
	}

	var serverStream2 *Connection
	select {
	case serverStream2 = <-accepted:
	case <-ctx.Done():
		t.Fatal("timed out waiting for server to accept stream2")
	}
	if serverStream2.Group() != serverStream1.Group() {
		t.Fatal("server-side accepted streams from one QUIC connection must share a group")
	}

	if err := stream1.Send(NewMessage([]byte("on-stream-1"))); err != nil {
		t.Fatalf("stream1 Send: %v", err)
	}
	if err := stream2.Send(NewMessage([]byte("on-stream-2"))); err != nil {
		t.Fatalf("stream2 Send: %v", err)
	}

	got1 := make(chan string, 1)
	serverStream1.Receive(func(conn *Connection, msg *Message, err error) {
		if err != nil {
			t.Errorf("serverStream1 receive error: %v", err)
			return
		}
		got1 <- string(msg.Data)
	})
	got2 := make(chan string, 1)
	serverStream2.Receive(func(conn *Connection, msg *Message, err error) {
		if err != nil {
			t.Errorf("serverStream2 receive error: %v", err)
			return
		}
		got2 <- string(msg.Data)
	})

	select {
	case payload := <-got1:
		if payload != "on-stream-1" {
			t.Fatalf("serverStream1 got %q, want the stream1 payload (no cross-talk)", payload)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for serverStream1's message")
	}
	select {
	case payload := <-got2:
		if payload != "on-stream-2" {
			t.Fatalf("serverStream2 got %q, want the stream2 payload (no cross-talk)", payload)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for serverStream2's message")
	}
}

func TestQUICInitWithSendGatesEarlyDataOnSafelyReplayable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rt, serverPre, clientPre, _ := newLoopbackQUICPair(t, "taps-s6")
	defer rt.Close()

	listener, err := serverPre.Listen(ctx, ListenerCallbacks{})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer listener.Stop(ctx)

	msg := NewMessage([]byte("early"))
	msg.Context.Properties.SafelyReplayable = true

	clientReady := make(chan *Connection, 1)
	conn, err := clientPre.InitiateWithSend(ctx, msg, ConnectionCallbacks{
		Ready: func(conn *Connection) error {
			clientReady <- conn
			return nil
		},
	})
	if err != nil {
		t.Fatalf("InitiateWithSend: %v", err)
	}
	select {
	case conn = <-clientReady:
	case <-ctx.Done():
		t.Fatal("timed out waiting for Ready")
	}
	if !conn.EarlyDataAttempted() {
		t.Fatal("expected EarlyDataAttempted() once a SafelyReplayable message rode InitiateWithSend")
	}

	// A second, non-replayable message must not attempt 0-RTT even though
	// the candidate and transport are identical.
	resolver := fixedResolver{ips: []net.IP{net.IPv4(127, 0, 0, 1)}}
	clientPre2 := rt.NewPreconnection(nil, clientPre.remote, WithResolver(resolver))
	clientPre2.SetSecurityParameters(clientPre.SecurityParameters())

	notReplayable := NewMessage([]byte("normal"))
	clientReady2 := make(chan *Connection, 1)
	conn2, err := clientPre2.InitiateWithSend(ctx, notReplayable, ConnectionCallbacks{
		Ready: func(conn *Connection) error {
			clientReady2 <- conn
			return nil
		},
	})
	if err != nil {
		t.Fatalf("InitiateWithSend (not replayable): %v", err)
	}
	select {
	case conn2 = <-clientReady2:
	case <-ctx.Done():
		t.Fatal("timed out waiting for second Ready")
	}
	if conn2.EarlyDataAttempted() {
		t.Fatal("expected EarlyDataAttempted() to stay false without SafelyReplayable")
	}
}
