package taps

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ikhovind/gotaps/internal/metrics"
)

// SocketManager is the reference-counted owner of an underlying OS
// socket, decoupling socket lifetime from Connection lifetime (spec.md
// §3, §4.4). For connection-oriented adapters it accepts inbound handles
// and produces one Connection per accept; for connectionless adapters
// (UDP) it demultiplexes inbound datagrams by peer address into the
// matching Connection, or synthesizes one and notifies the attached
// Listener. The QUIC adapter does not use the demultiplexing table;
// quic-go separates peers itself.
type SocketManager struct {
	mu sync.Mutex

	adapter Adapter

	// protoState is the adapter-private socket state (a *net.TCPListener,
	// a *net.UDPConn, a *quic.Listener, ...).
	protoState any

	refCount int

	// demux maps a peer address string to the Connection it is bound to.
	// Only used by connectionless/multiplexed adapters.
	demux map[string]*Connection

	connections map[string]*Connection // all attached connections, by ID

	listener *Listener

	// bindLocal is the resolved local candidate this socket manager was
	// created to bind, set by Preconnection.Listen before Adapter.Listen
	// is called.
	bindLocal *LocalEndpoint

	// dispatch is handed to every ConnectionGroup this socket manager's
	// adapter creates (server-accepted groups), so accepted connections get
	// the same serialized callback delivery as outbound ones.
	dispatch Dispatcher

	logger  *slog.Logger
	metrics *metrics.Registry
}

// NewSocketManager creates a SocketManager with refcount 1, optionally
// owned by listener (nil for a client-initiated socket). reg and dispatch
// may both be nil.
func NewSocketManager(adapter Adapter, listener *Listener, logger *slog.Logger, reg *metrics.Registry, dispatch Dispatcher) *SocketManager {
	if logger == nil {
		logger = slog.Default()
	}
	reg.SocketManagerOpened()
	return &SocketManager{
		adapter:     adapter,
		refCount:    1,
		demux:       make(map[string]*Connection),
		connections: make(map[string]*Connection),
		listener:    listener,
		dispatch:    dispatch,
		logger:      logger.With("component", "socket_manager"),
		metrics:     reg,
	}
}

// Dispatcher returns the callback dispatcher this socket manager hands to
// groups it creates (may be nil).
func (sm *SocketManager) Dispatcher() Dispatcher { return sm.dispatch }

func (sm *SocketManager) ProtoState() any {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.protoState
}

func (sm *SocketManager) SetProtoState(state any) {
	sm.mu.Lock()
	sm.protoState = state
	sm.mu.Unlock()
}

func (sm *SocketManager) Listener() *Listener {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.listener
}

// Metrics returns the metrics registry this socket manager reports to
// (may be nil).
func (sm *SocketManager) Metrics() *metrics.Registry {
	return sm.metrics
}

// BindLocal returns the resolved local candidate this socket manager was
// created to bind.
func (sm *SocketManager) BindLocal() *LocalEndpoint {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.bindLocal
}

func (sm *SocketManager) SetBindLocal(l *LocalEndpoint) {
	sm.mu.Lock()
	sm.bindLocal = l
	sm.mu.Unlock()
}

// RefCount returns the current reference count (testable property 4
// verifies this reaches zero and triggers a free).
func (sm *SocketManager) RefCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.refCount
}

// Ref increments the reference count; called whenever a new Connection or
// Listener attaches to this socket.
func (sm *SocketManager) Ref() {
	sm.mu.Lock()
	sm.refCount++
	sm.mu.Unlock()
}

// Unref decrements the reference count; on reaching zero it closes the
// underlying OS socket through the adapter and frees protocol state
// (invariant 2).
func (sm *SocketManager) Unref() {
	sm.mu.Lock()
	sm.refCount--
	shouldClose := sm.refCount <= 0
	sm.mu.Unlock()

	if shouldClose {
		sm.closeSocket()
	}
}

func (sm *SocketManager) closeSocket() {
	if sm.adapter != nil {
		if err := sm.adapter.CloseSocket(sm); err != nil {
			sm.logger.Warn("close socket failed", "error", err)
		}
		sm.adapter.FreeSocketState(sm)
	}
	sm.metrics.SocketManagerClosed()
}

// InsertConnection adds a (peerAddr -> conn) entry to the demultiplexing
// table, rejecting duplicates.
func (sm *SocketManager) InsertConnection(peerAddr string, conn *Connection) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, exists := sm.demux[peerAddr]; exists {
		return &errAlreadyExists{Key: peerAddr}
	}
	sm.demux[peerAddr] = conn
	sm.connections[conn.id] = conn
	return nil
}

// GetConnectionFromRemote looks up a Connection already bound to
// peerAddr, without creating one.
func (sm *SocketManager) GetConnectionFromRemote(peerAddr string) (*Connection, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	c, ok := sm.demux[peerAddr]
	return c, ok
}

// GetOrCreate returns the Connection bound to peerAddr, creating a new
// one via newFn if none exists yet and wasNew reports which happened.
func (sm *SocketManager) GetOrCreate(peerAddr string, newFn func() *Connection) (conn *Connection, wasNew bool) {
	sm.mu.Lock()
	if c, ok := sm.demux[peerAddr]; ok {
		sm.mu.Unlock()
		return c, false
	}
	sm.mu.Unlock()

	c := newFn()

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if existing, ok := sm.demux[peerAddr]; ok {
		// Lost the race to a concurrent creator (single-threaded loop
		// makes this defensive only, never actually concurrent).
		return existing, false
	}
	sm.demux[peerAddr] = c
	sm.connections[c.id] = c
	return c, true
}

// RemoveConnection removes conn from the demux table (if present) and
// drops the socket manager's reference.
func (sm *SocketManager) RemoveConnection(conn *Connection) {
	sm.mu.Lock()
	for addr, c := range sm.demux {
		if c.id == conn.id {
			delete(sm.demux, addr)
			break
		}
	}
	delete(sm.connections, conn.id)
	sm.mu.Unlock()
	sm.Unref()
}

// MultiplexReceived looks up (or creates, if a Listener is attached) the
// Connection for peerAddr and delivers msg to it. If no Listener is
// attached and no Connection exists yet, the datagram is dropped (mirrors
// the original's "only creates if a Listener is attached" rule).
func (sm *SocketManager) MultiplexReceived(data []byte, peerAddr string, newConn func() *Connection) {
	sm.mu.Lock()
	listener := sm.listener
	conn, exists := sm.demux[peerAddr]
	sm.mu.Unlock()

	if !exists {
		if listener == nil {
			sm.logger.Debug("dropping datagram from unknown peer, no listener attached", "peer", peerAddr)
			return
		}
		if listener.State() == ListenerClosed {
			// spec.md §9 open question (c): a listener stopping and a new
			// peer datagram arriving in the same turn must not synthesize
			// a connection.
			sm.logger.Debug("dropping datagram, listener already closed", "peer", peerAddr)
			return
		}
		conn = newConn()
		sm.mu.Lock()
		sm.demux[peerAddr] = conn
		sm.connections[conn.id] = conn
		sm.mu.Unlock()
		listener.deliverAccepted(conn)
	}

	conn.onProtocolReceive(data)
}

// handleClosedConnection is invoked when a Connection reaches a terminal
// state. It removes the connection from the demux table and, if no
// Listener is attached and no connections remain, releases the socket
// manager's reference (spec.md §4.4).
func (sm *SocketManager) handleClosedConnection(conn *Connection) {
	sm.mu.Lock()
	for addr, c := range sm.demux {
		if c.id == conn.id {
			delete(sm.demux, addr)
			break
		}
	}
	delete(sm.connections, conn.id)
	listener := sm.listener
	remaining := len(sm.connections)
	sm.mu.Unlock()

	if listener == nil && remaining == 0 {
		sm.Unref()
	}
}

// ListenerStop transitions the attached Listener to Closed, stops
// accepting new connections, and releases the socket manager's
// listener-held reference if no connections remain.
func (sm *SocketManager) ListenerStop() error {
	sm.mu.Lock()
	listener := sm.listener
	remaining := len(sm.connections)
	sm.listener = nil
	sm.mu.Unlock()

	if listener == nil {
		return nil
	}
	listener.setState(ListenerClosed)

	var err error
	if sm.adapter != nil {
		err = sm.adapter.StopListen(sm)
	}

	if remaining == 0 {
		sm.Unref()
	}
	if err != nil {
		return fmt.Errorf("taps: stop listen: %w", err)
	}
	return nil
}
