package taps

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ikhovind/gotaps/idgen"
)

// Dispatcher submits fn for execution, serializing it against every other
// callback the same Runtime delivers (spec.md §5's single-threaded
// cooperative event loop, applied to callback delivery rather than to
// adapter I/O). A nil Dispatcher runs fn inline on the calling goroutine,
// which is what every Connection built without a Runtime behind it gets.
type Dispatcher func(fn func())

// ConnectionState is the four-value state machine of spec.md §3's
// invariant 3: transitions are monotonic Establishing -> Established ->
// Closing -> Closed, never backward, never skipping in reverse.
type ConnectionState int

const (
	Establishing ConnectionState = iota
	Established
	Closing
	Closed
)

func (s ConnectionState) String() string {
	switch s {
	case Establishing:
		return "establishing"
	case Established:
		return "established"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionRole distinguishes the side of the handshake a Connection
// played.
type ConnectionRole int

const (
	RoleClient ConnectionRole = iota
	RoleServer
)

// SocketType distinguishes a Connection with its own OS socket
// (Standalone: TCP, UDP) from one sharing an OS socket with siblings in
// its ConnectionGroup (Multiplexed: QUIC streams, UDP-demuxed peers).
type SocketType int

const (
	Standalone SocketType = iota
	Multiplexed
)

// ReceiveCallback is invoked with either a received message (err nil) or
// a delivery failure (msg nil, err non-nil).
type ReceiveCallback func(conn *Connection, msg *Message, err error)

// ConnectionCallbacks is the user-visible callback vtable of spec.md §6.
// Each handler may be nil. The error a handler returns is discarded: it is
// neither logged nor passed on. Handlers must not block and may re-enter
// the API (spec.md §5, reentry tolerance).
type ConnectionCallbacks struct {
	Ready               func(conn *Connection) error
	Closed              func(conn *Connection) error
	ConnectionError     func(conn *Connection, err error) error
	EstablishmentError  func(conn *Connection, err error) error
	Sent                func(conn *Connection, msg *Message) error
	SendError           func(conn *Connection, msg *Message, err error) error
	SoftError           func(conn *Connection, err error) error
	PathChange          func(conn *Connection) error
}

// receiveQueue implements spec.md §9's single ReceiveState enum: at any
// time either pendingCallbacks or pendingMessages is non-empty, never
// both (invariant 4).
type receiveQueue struct {
	mu        sync.Mutex
	callbacks []ReceiveCallback
	messages  []*Message
}

// deliver feeds one message through the queue; returns the callback to
// invoke (nil if the message was buffered instead).
func (q *receiveQueue) deliver(msg *Message) ReceiveCallback {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.callbacks) > 0 {
		cb := q.callbacks[0]
		q.callbacks = q.callbacks[1:]
		return cb
	}
	q.messages = append(q.messages, msg)
	return nil
}

// deliverError drains one queued callback (if any) with an error instead
// of a message; used when the connection closes with callbacks still
// pending.
func (q *receiveQueue) deliverError(err error) ReceiveCallback {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.callbacks) > 0 {
		cb := q.callbacks[0]
		q.callbacks = q.callbacks[1:]
		return cb
	}
	return nil
}

// Connection is the user-visible handle described in spec.md §3. It
// always belongs to exactly one ConnectionGroup (invariant 1).
type Connection struct {
	mu sync.Mutex

	id    string
	group *ConnectionGroup

	properties *TransportProperties
	security   *SecurityParameters
	local      *LocalEndpoint
	remote     *RemoteEndpoint

	adapter    Adapter
	protoState any // protocol-private state: tcpConnState/udpConnState/quicStreamState
	framer     Framer

	socketType SocketType
	role       ConnectionRole

	callbacks ConnectionCallbacks
	recvQueue receiveQueue

	state ConnectionState

	// dispatch serializes callback delivery; inherited from the group's
	// Runtime, nil when none is attached.
	dispatch Dispatcher

	// earlyDataAttempted records whether initiate_with_send dialed this
	// connection with 0-RTT allowed for a SafelyReplayable message (spec.md
	// §4.6's per-connection stream state); adoptFrom carries it over from
	// the winning racing attempt.
	earlyDataAttempted bool

	// raceCancel, when non-nil, cancels the still-in-flight racing attempt
	// this user-visible Connection was created ahead of (spec.md §4.3): set
	// by Preconnection.initiate before Race starts, cleared once Race
	// returns. Close/Abort use it to tear down a race no winner has been
	// promoted from yet, since c.adapter is still nil at that point.
	raceCancel context.CancelFunc

	logger *slog.Logger
}

// newConnection constructs a Connection in state Establishing and adds it
// to group. group must be non-nil: invariant 1 forbids a groupless
// Connection.
func newConnection(group *ConnectionGroup, adapter Adapter, role ConnectionRole, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	id := idgen.New()
	c := &Connection{
		id:         id,
		group:      group,
		properties: NewTransportProperties(),
		security:   NewSecurityParameters(),
		adapter:    adapter,
		framer:     PassthroughFramer{},
		socketType: Standalone,
		role:       role,
		state:      Establishing,
		dispatch:   group.dispatch,
		logger:     logger.With("component", "connection", "connection_id", id, "group_id", group.id),
	}
	group.addMember(c)
	group.metrics.ConnectionOpened()
	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) Group() *ConnectionGroup { return c.group }

func (c *Connection) LocalEndpoint() *LocalEndpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Connection) RemoteEndpoint() *RemoteEndpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Connection) Properties() *TransportProperties { return c.properties }

func (c *Connection) Security() *SecurityParameters { return c.security }

func (c *Connection) Adapter() Adapter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adapter
}

// EarlyDataAttempted reports whether this connection was dialed with 0-RTT
// allowed for a SafelyReplayable initiate_with_send message (spec.md §4.6).
// It does not report whether the server accepted the early data.
func (c *Connection) EarlyDataAttempted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.earlyDataAttempted
}

func (c *Connection) setEarlyDataAttempted(v bool) {
	c.mu.Lock()
	c.earlyDataAttempted = v
	c.mu.Unlock()
}

// setRaceCancel/clearRaceCancel are used by Preconnection.initiate to let
// Close/Abort tear down a still-in-flight race (see raceCancel's doc).
func (c *Connection) setRaceCancel(cancel context.CancelFunc) {
	c.mu.Lock()
	c.raceCancel = cancel
	c.mu.Unlock()
}

func (c *Connection) clearRaceCancel() {
	c.mu.Lock()
	c.raceCancel = nil
	c.mu.Unlock()
}

// adoptFrom copies a winning racing attempt's protocol identity onto c, the
// pre-created user-visible Connection (spec.md §4.3's
// retarget_protocol_connection step, driven by the racing engine after
// Adapter.RetargetProtocolConnection has repointed the adapter's own
// back-pointers).
func (c *Connection) adoptFrom(src *Connection) {
	early := src.EarlyDataAttempted()
	c.mu.Lock()
	c.adapter = src.adapter
	c.local = src.local
	c.remote = src.remote
	c.socketType = src.socketType
	c.earlyDataAttempted = early
	c.mu.Unlock()
}

func (c *Connection) Role() ConnectionRole { return c.role }

func (c *Connection) SetFramer(f Framer) {
	if f == nil {
		f = PassthroughFramer{}
	}
	c.framer = f
}

func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition moves the connection to next, enforcing monotonicity
// (invariant 3). A no-op transition to the same state is allowed
// (idempotent close). Returns false if next would move backward.
func (c *Connection) transition(next ConnectionState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if next < c.state {
		return false
	}
	c.state = next
	c.properties.Connection.setReadOnlyEnum(ConnState, int(next))
	c.properties.Connection.setReadOnlyBool(CanSend, next == Established)
	c.properties.Connection.setReadOnlyBool(CanReceive, next == Established || next == Closing)
	return true
}

// Send delegates to the protocol adapter. Returns ErrNotConnected if the
// connection is not Established.
func (c *Connection) Send(msg *Message) error {
	if c.State() != Established {
		return &ErrNotConnected{ConnectionID: c.id}
	}
	encoded, err := c.framer.Encode(msg)
	if err != nil {
		return fmt.Errorf("taps: encode message: %w", err)
	}
	wire := &Message{Data: encoded, Context: msg.Context}
	if err := c.Adapter().Send(c, wire); err != nil {
		if c.callbacks.SendError != nil {
			_ = c.callbacks.SendError(c, msg, err)
		}
		return err
	}
	return nil
}

// Receive dispatches the next buffered message to cb immediately, or
// queues cb until one arrives (spec.md §4.5).
func (c *Connection) Receive(cb ReceiveCallback) {
	c.recvQueue.mu.Lock()
	if len(c.recvQueue.messages) > 0 {
		msg := c.recvQueue.messages[0]
		c.recvQueue.messages = c.recvQueue.messages[1:]
		c.recvQueue.mu.Unlock()
		c.runCallback(func() { cb(c, msg, nil) })
		return
	}
	c.recvQueue.callbacks = append(c.recvQueue.callbacks, cb)
	c.recvQueue.mu.Unlock()
}

// onProtocolReceive is the adapter's upcall delivering raw received bytes
// (spec.md §4.5). Bytes run through the framer, then each resulting
// message is dispatched per the receive-queue rules.
func (c *Connection) onProtocolReceive(buf []byte) {
	msgs, err := c.framer.Feed(buf)
	if err != nil {
		c.logger.Error("framer error", "connection", c.id, "error", err)
		return
	}
	for _, m := range msgs {
		m := m
		cb := c.recvQueue.deliver(m)
		if cb != nil {
			c.runCallback(func() { cb(c, m, nil) })
		}
	}
}

// Close initiates graceful shutdown through the adapter. Subsequent sends
// fail with ErrNotConnected. If called while a race is still choosing an
// adapter (spec.md §4.3), it cancels the race instead of touching a nil
// adapter; the race's own cleanup path then delivers establishment_error.
func (c *Connection) Close() error {
	if c.State() == Closed {
		return nil
	}
	c.transition(Closing)
	if adapter := c.Adapter(); adapter != nil {
		return adapter.Close(c)
	}
	c.mu.Lock()
	cancel := c.raceCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Abort requests a hard reset (TCP RST, QUIC immediate close, UDP socket
// close). Like Close, cancels an in-flight race rather than dereferencing a
// nil adapter if no winner has been promoted yet.
func (c *Connection) Abort() error {
	if c.State() == Closed {
		return nil
	}
	c.transition(Closing)
	if adapter := c.Adapter(); adapter != nil {
		return adapter.Abort(c)
	}
	c.mu.Lock()
	cancel := c.raceCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// CloseGroup closes every connection in this Connection's group.
func (c *Connection) CloseGroup() error {
	return c.group.closeAll()
}

// AbortGroup aborts every connection in this Connection's group.
func (c *Connection) AbortGroup() error {
	return c.group.abortAll()
}

// Clone creates a new Connection in the same ConnectionGroup, copying
// endpoints, properties, security parameters, and protocol adapter, then
// delegating to adapter.CloneConnection (spec.md §4.5). For QUIC this
// allocates a new stream on the shared connection; for TCP/UDP each clone
// opens its own OS socket.
func (c *Connection) Clone(cbs ConnectionCallbacks) (*Connection, error) {
	adapter := c.Adapter()
	dst := newConnection(c.group, adapter, c.role, c.logger)
	dst.properties = c.properties.DeepCopy()
	dst.security = c.security.DeepCopy()
	dst.local = c.LocalEndpoint().clone()
	dst.remote = c.RemoteEndpoint().clone()
	dst.callbacks = cbs
	dst.socketType = c.socketType
	if err := adapter.CloneConnection(c, dst); err != nil {
		c.group.removeMember(dst.id)
		return nil, fmt.Errorf("taps: clone connection: %w", err)
	}
	return dst, nil
}

// --- callback invocation helpers, used by adapters and the racing engine ---

// runCallback submits fn through c.dispatch, or runs it inline if no
// dispatcher is attached (see Dispatcher's doc comment).
func (c *Connection) runCallback(fn func()) {
	if c.dispatch != nil {
		c.dispatch(fn)
		return
	}
	fn()
}

func (c *Connection) invokeReady() {
	if !c.transition(Established) {
		return
	}
	if c.callbacks.Ready != nil {
		c.runCallback(func() { _ = c.callbacks.Ready(c) })
	}
}

// invokeClosed, invokeConnectionError and invokeEstablishmentError each
// return without effect once the connection is already Closed, so a
// connection gets exactly one terminal callback.
func (c *Connection) invokeClosed() {
	if c.State() == Closed {
		return
	}
	c.transition(Closed)
	c.drainReceiveQueueWithError(&ErrNotConnected{ConnectionID: c.id})
	if c.callbacks.Closed != nil {
		c.runCallback(func() { _ = c.callbacks.Closed(c) })
	}
	c.group.metrics.ConnectionClosed()
	c.group.onMemberTerminal(c)
}

func (c *Connection) invokeConnectionError(err error) {
	if c.State() == Closed {
		return
	}
	c.transition(Closed)
	c.drainReceiveQueueWithError(err)
	if c.callbacks.ConnectionError != nil {
		c.runCallback(func() { _ = c.callbacks.ConnectionError(c, err) })
	}
	c.group.metrics.ConnectionClosed()
	c.group.onMemberTerminal(c)
}

func (c *Connection) invokeEstablishmentError(err error) {
	if c.State() == Closed {
		return
	}
	c.transition(Closed)
	c.drainReceiveQueueWithError(err)
	if c.callbacks.EstablishmentError != nil {
		c.runCallback(func() { _ = c.callbacks.EstablishmentError(c, err) })
	}
	c.group.metrics.ConnectionClosed()
	c.group.onMemberTerminal(c)
}

func (c *Connection) invokeSent(msg *Message) {
	if c.callbacks.Sent != nil {
		c.runCallback(func() { _ = c.callbacks.Sent(c, msg) })
	}
}

func (c *Connection) invokeSendError(msg *Message, err error) {
	if c.callbacks.SendError != nil {
		c.runCallback(func() { _ = c.callbacks.SendError(c, msg, err) })
	}
}

func (c *Connection) invokeSoftError(err error) {
	if c.callbacks.SoftError != nil {
		c.runCallback(func() { _ = c.callbacks.SoftError(c, err) })
	}
}

func (c *Connection) invokePathChange() {
	if c.callbacks.PathChange != nil {
		c.runCallback(func() { _ = c.callbacks.PathChange(c) })
	}
}

func (c *Connection) drainReceiveQueueWithError(err error) {
	for {
		cb := c.recvQueue.deliverError(err)
		if cb == nil {
			return
		}
		c.runCallback(func() { cb(c, nil, err) })
	}
}
