package taps

import (
	"context"
	"log/slog"

	"github.com/ikhovind/gotaps/internal/metrics"
)

// Preconnection is the entry point described in spec.md §4 and §6: the
// application configures endpoints and transport/security properties on
// it, then calls Initiate, InitiateWithSend, Listen, or Rendezvous to
// start candidate gathering.
type Preconnection struct {
	local    *LocalEndpoint
	remote   *RemoteEndpoint
	props    *TransportProperties
	security *SecurityParameters

	registry *AdapterRegistry
	resolver HostResolver

	logger   *slog.Logger
	metrics  *metrics.Registry
	dispatch Dispatcher
}

// PreconnectionOption configures a Preconnection at construction time.
type PreconnectionOption func(*Preconnection)

// WithResolver overrides the default host resolver (used by tests to
// inject a fixed-answer resolver instead of resolving DNS for real).
func WithResolver(r HostResolver) PreconnectionOption {
	return func(p *Preconnection) { p.resolver = r }
}

// WithLogger attaches a structured logger; nil leaves the default.
func WithLogger(logger *slog.Logger) PreconnectionOption {
	return func(p *Preconnection) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// withMetrics attaches the owning Runtime's metrics registry; unexported
// because applications configure metrics through a Runtime, not directly.
func withMetrics(reg *metrics.Registry) PreconnectionOption {
	return func(p *Preconnection) { p.metrics = reg }
}

// withDispatch attaches the owning Runtime's callback dispatcher;
// unexported for the same reason withMetrics is.
func withDispatch(d Dispatcher) PreconnectionOption {
	return func(p *Preconnection) { p.dispatch = d }
}

// NewPreconnection constructs a Preconnection from the supplied endpoints
// (either may be nil: nil remote means passive/listen-only, nil local
// means "any available local endpoint") and a registry of protocol
// adapters to race over.
func NewPreconnection(local *LocalEndpoint, remote *RemoteEndpoint, registry *AdapterRegistry, opts ...PreconnectionOption) *Preconnection {
	p := &Preconnection{
		local:    local,
		remote:   remote,
		props:    NewTransportProperties(),
		security: NewSecurityParameters(),
		registry: registry,
		resolver: NewSingleflightResolver(DefaultHostResolver{}),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Preconnection) TransportProperties() *TransportProperties { return p.props }

func (p *Preconnection) SecurityParameters() *SecurityParameters { return p.security }

func (p *Preconnection) SetTransportProperties(props *TransportProperties) {
	if props != nil {
		p.props = props
	}
}

func (p *Preconnection) SetSecurityParameters(sec *SecurityParameters) {
	if sec != nil {
		p.security = sec
	}
}

// gatherPrunedOrdered runs the full C4 pipeline (gather, per-ALPN fan-out,
// prune, order) for this Preconnection's current configuration.
func (p *Preconnection) gatherPrunedOrdered(ctx context.Context) ([]*CandidateNode, error) {
	var all []*CandidateNode

	if p.security.HasALPN() {
		for _, alpn := range p.security.ALPN {
			nodes, err := GatherCandidatesForALPN(ctx, p.local, p.remote, p.registry, p.resolver, alpn)
			if err != nil {
				return nil, err
			}
			all = append(all, nodes...)
		}
		// Non-ALPN adapters (TCP/UDP) only need to appear once, not once
		// per configured ALPN value; GatherCandidatesForALPN already
		// produced a full set per iteration, so drop duplicate non-ALPN
		// leaves from every iteration after the first.
		all = dedupeNonALPN(all)
	} else {
		nodes, err := GatherCandidates(ctx, p.local, p.remote, p.registry, p.resolver)
		if err != nil {
			return nil, err
		}
		all = nodes
	}

	pruned := PruneCandidates(all, &p.props.Selection)
	if len(pruned) == 0 {
		return nil, &ErrNoCandidate{Reason: "all candidates pruned by selection properties"}
	}
	return OrderCandidates(pruned, &p.props.Selection), nil
}

func dedupeNonALPN(nodes []*CandidateNode) []*CandidateNode {
	seen := make(map[string]bool)
	out := make([]*CandidateNode, 0, len(nodes))
	for _, n := range nodes {
		if n.Adapter.SupportsALPN() {
			out = append(out, n)
			continue
		}
		key := n.Adapter.Name() + "|" + n.Local.socketAddress()
		if n.Remote != nil {
			key += "|" + n.Remote.socketAddress()
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, n)
	}
	return out
}

// Initiate gathers, prunes and orders candidates, then returns a Connection
// in state Establishing immediately and races the candidates in the
// background (spec.md §4.3, §1's "does not expose a blocking synchronous
// API" non-goal). receive() calls made before the race settles simply
// queue; the winner's ready callback fires once one candidate reaches
// Established, or establishment_error fires if every candidate fails.
// Gathering/pruning failures (no candidates survive selection at all) are
// the one synchronous error Initiate still returns, since no Connection —
// and so no handle to deliver an async callback against — exists yet.
func (p *Preconnection) Initiate(ctx context.Context, cbs ConnectionCallbacks) (*Connection, error) {
	return p.initiate(ctx, nil, cbs)
}

// InitiateWithSend is Initiate's early-data variant: msg may ride along
// with the handshake (0-RTT) on adapters and properties that allow it.
func (p *Preconnection) InitiateWithSend(ctx context.Context, msg *Message, cbs ConnectionCallbacks) (*Connection, error) {
	return p.initiate(ctx, msg, cbs)
}

func (p *Preconnection) initiate(ctx context.Context, msg *Message, cbs ConnectionCallbacks) (*Connection, error) {
	candidates, err := p.gatherPrunedOrdered(ctx)
	if err != nil {
		return nil, err
	}

	group := newConnectionGroup(nil, p.logger, p.metrics, p.dispatch)
	conn := newConnection(group, nil, RoleClient, p.logger)
	conn.callbacks = cbs
	conn.properties = p.props.DeepCopy()
	conn.security = p.security.DeepCopy()

	raceCtx, cancel := context.WithCancel(ctx)
	conn.setRaceCancel(cancel)

	go func() {
		defer conn.clearRaceCancel()
		_, _ = Race(raceCtx, candidates, msg, RaceOptions{
			Logger:   p.logger,
			Metrics:  p.metrics,
			Dispatch: p.dispatch,
			Security: p.security,
		}, conn)
	}()

	return conn, nil
}

// Listen gathers and prunes local candidates (remote must be unset) and
// binds a SocketManager per surviving leaf, returning a Listener that
// delivers accepted Connections to cbs.ConnectionReceived (spec.md §4,
// §6).
func (p *Preconnection) Listen(ctx context.Context, cbs ListenerCallbacks) (*Listener, error) {
	if p.remote != nil {
		return nil, &ErrInvalidArgument{What: "listen requires no remote endpoint"}
	}

	var all []*CandidateNode
	if p.security.HasALPN() {
		for _, alpn := range p.security.ALPN {
			nodes, err := GatherCandidatesForALPN(ctx, p.local, nil, p.registry, p.resolver, alpn)
			if err != nil {
				return nil, err
			}
			all = append(all, nodes...)
		}
		all = dedupeNonALPN(all)
	} else {
		nodes, err := GatherCandidates(ctx, p.local, nil, p.registry, p.resolver)
		if err != nil {
			return nil, err
		}
		all = nodes
	}

	pruned := PruneCandidates(all, &p.props.Selection)
	if len(pruned) == 0 {
		return nil, &ErrNoCandidate{Reason: "all local candidates pruned by selection properties"}
	}
	ordered := OrderCandidates(pruned, &p.props.Selection)

	listener := newListener(p.props.DeepCopy(), p.security.DeepCopy(), cbs, p.logger, p.dispatch)

	bound := make(map[string]bool)
	for _, n := range ordered {
		key := n.Adapter.Name() + "|" + n.Local.socketAddress()
		if bound[key] {
			continue
		}
		sm := NewSocketManager(n.Adapter, listener, p.logger, p.metrics, p.dispatch)
		sm.SetBindLocal(n.Local)
		if err := n.Adapter.Listen(sm); err != nil {
			listener.deliverError(err)
			continue
		}
		listener.attach(sm)
		bound[key] = true
	}

	if len(listener.managers) == 0 {
		return nil, &ErrNoCandidate{Reason: "no adapter could bind any local candidate"}
	}
	return listener, nil
}

// Rendezvous performs a simultaneous-open connection establishment: it
// binds local candidates exactly as Listen does, while concurrently
// racing outbound attempts toward remote exactly as Initiate does, and
// resolves to whichever side completes first (spec.md §4's C8 entry
// point list). The loser side is torn down: an inbound accept arriving
// after the outbound race already won is closed immediately, and a
// still-listening Listener is stopped once an outbound attempt wins.
func (p *Preconnection) Rendezvous(ctx context.Context, cbs ConnectionCallbacks) (*Connection, error) {
	if p.remote == nil {
		return nil, &ErrInvalidArgument{What: "rendezvous requires both a local and a remote endpoint"}
	}

	type outcome struct {
		conn *Connection
		err  error
	}
	results := make(chan outcome, 2)

	listenerCbs := ListenerCallbacks{
		ConnectionReceived: func(conn *Connection) {
			conn.callbacks = cbs
			conn.invokeReady()
			results <- outcome{conn: conn}
		},
	}
	listener, err := p.Listen(ctx, listenerCbs)
	if err != nil {
		return nil, err
	}

	// Initiate now returns its Connection immediately (in Establishing),
	// well before the race settles, so the race's own outcome has to be
	// observed through cbs rather than through Initiate's return value.
	raceCbs := cbs
	raceCbs.Ready = func(conn *Connection) error {
		results <- outcome{conn: conn}
		if cbs.Ready != nil {
			return cbs.Ready(conn)
		}
		return nil
	}
	raceCbs.EstablishmentError = func(conn *Connection, err error) error {
		results <- outcome{err: err}
		if cbs.EstablishmentError != nil {
			return cbs.EstablishmentError(conn, err)
		}
		return nil
	}

	if _, initErr := p.Initiate(ctx, raceCbs); initErr != nil {
		_ = listener.Stop(ctx)
		return nil, initErr
	}

	res := <-results
	_ = listener.Stop(ctx)
	if res.err != nil {
		select {
		case second := <-results:
			if second.err == nil {
				return second.conn, nil
			}
		default:
		}
		return nil, res.err
	}
	return res.conn, nil
}
