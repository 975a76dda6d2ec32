package taps

import "context"

// FeatureVector expresses an adapter's native SelectionProperty defaults,
// per spec.md §3's ProtocolAdapter record. Properties the adapter has no
// opinion on are NoPreference, the zero value, so pruning and scoring
// treat them as neutral.
type FeatureVector [selectionPropertyCount]Preference

// Requires reports whether the adapter's native value for prop is Require.
func (f FeatureVector) Requires(prop SelectionProperty) bool { return f[prop] == Require }

// Prohibits reports whether the adapter's native value for prop is
// Prohibit.
func (f FeatureVector) Prohibits(prop SelectionProperty) bool { return f[prop] == Prohibit }

// Adapter is the uniform operation set every concrete transport must
// implement toward the core (spec.md §3's ProtocolAdapter, §4.6's
// contracts). The struct-of-function-pointers in the original C is
// modeled here as an interface with one concrete type per protocol,
// selected at candidate-leaf time and stored by tag (spec.md §9,
// "Protocol polymorphism").
type Adapter interface {
	// Name is the adapter's stable identifier ("tcp", "udp", "quic"),
	// used for logging and for CandidateNode tagging.
	Name() string

	// Features returns the adapter's native SelectionProperty defaults.
	Features() FeatureVector

	// SupportsALPN reports whether this adapter is ALPN-addressable
	// (QUIC); gates the per-ALPN candidate fan-out in spec.md §4.2.
	SupportsALPN() bool

	// Init establishes conn (outbound) and returns nil once conn can
	// carry data, or an error. It does not invoke conn's callbacks: the
	// racing engine fires ready or establishment_error on the
	// user-visible Connection from Init's result.
	Init(ctx context.Context, conn *Connection) error

	// InitWithSend is the early-data variant used by initiate_with_send:
	// msg may be sent as part of the handshake (0-RTT) if the adapter
	// and message properties allow it.
	InitWithSend(ctx context.Context, conn *Connection, msg *Message) error

	// Send transmits msg on an already-Established conn. Completion is
	// signaled by conn's sent or send_error callback.
	Send(conn *Connection, msg *Message) error

	// Close begins a graceful shutdown of conn.
	Close(conn *Connection) error

	// Abort requests an immediate, non-graceful teardown of conn.
	Abort(conn *Connection) error

	// Listen starts accepting inbound connections/datagrams for sm.
	Listen(sm *SocketManager) error

	// StopListen halts new-connection acceptance on sm without closing
	// already-established connections.
	StopListen(sm *SocketManager) error

	// CloseSocket releases the OS socket owned by sm. Called exactly
	// once, when sm's reference count reaches zero.
	CloseSocket(sm *SocketManager) error

	// RemoteEndpointFromPeer extracts the concrete remote endpoint the
	// adapter observed for conn (used after an inbound accept, when the
	// Connection's RemoteEndpoint wasn't known in advance).
	RemoteEndpointFromPeer(conn *Connection) (*RemoteEndpoint, error)

	// RetargetProtocolConnection repoints the adapter's internal
	// back-pointers from a winning racing attempt's Connection onto the
	// user-visible Connection, per spec.md §4.3.
	RetargetProtocolConnection(from, to *Connection) error

	// CloneConnection populates dst's protocol state from src's,
	// allocating a new stream (QUIC) or a new OS socket (TCP/UDP).
	CloneConnection(src, dst *Connection) error

	// FreeState releases conn's adapter-private protocol state.
	FreeState(conn *Connection)

	// FreeSocketState releases sm's adapter-private protocol state.
	FreeSocketState(sm *SocketManager)

	// FreeGroupState releases grp's adapter-private shared protocol
	// state (the QUIC picoquic_cnx_t equivalent).
	FreeGroupState(grp *ConnectionGroup)
}

// AdapterRegistry is the process-wide (well: per-Runtime, see spec.md §9
// open question (b)) set of registered protocol adapters that candidate
// gathering draws from.
type AdapterRegistry struct {
	adapters []Adapter
}

func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{}
}

func (r *AdapterRegistry) Register(a Adapter) {
	r.adapters = append(r.adapters, a)
}

func (r *AdapterRegistry) All() []Adapter {
	return r.adapters
}

func (r *AdapterRegistry) ByName(name string) Adapter {
	for _, a := range r.adapters {
		if a.Name() == name {
			return a
		}
	}
	return nil
}
