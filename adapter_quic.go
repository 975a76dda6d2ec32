package taps

import (
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/ikhovind/gotaps/internal/devcert"
	"github.com/ikhovind/gotaps/internal/ticketstore"
)

// quicGroupState is the shared protocol state stored on a ConnectionGroup
// whose members are streams of one underlying QUIC connection. owner is an
// atomic indirection: watchGroup dereferences it on every close observation
// so RetargetProtocolConnection can repoint an already-running watcher at
// the winning race's user ConnectionGroup.
type quicGroupState struct {
	conn  *quic.Conn
	owner atomic.Pointer[ConnectionGroup]
}

// quicStreamState is the per-Connection adapter state: a stream plus a
// back-pointer to the connection it was opened on. owner mirrors
// quicGroupState's: readLoop dereferences it on every frame so retargeting
// can repoint a running read loop at the user Connection.
type quicStreamState struct {
	conn   *quic.Conn
	stream *quic.Stream
	closed bool
	owner  atomic.Pointer[Connection]
}

// QUICAdapter implements Adapter over quic-go. A ConnectionGroup maps to
// one native QUIC connection; every Connection in the group maps to one
// bidirectional stream on it, matching spec.md §3's "multistreaming shares
// one ConnectionGroup" model. Outbound (Init) dials a fresh QUIC connection
// per racing attempt and opens its first stream; Clone and server-side
// accepts open additional streams on an already-established connection
// without dialing again.
type QUICAdapter struct {
	tickets *ticketstore.Store
}

// NewQUICAdapter constructs a QUICAdapter. tickets may be nil, in which
// case 0-RTT session resumption across process restarts is unavailable but
// in-process resumption (quic-go's own connection cache) still works.
func NewQUICAdapter(tickets *ticketstore.Store) *QUICAdapter {
	return &QUICAdapter{tickets: tickets}
}

func (a *QUICAdapter) Name() string { return "quic" }

func (a *QUICAdapter) SupportsALPN() bool { return true }

func (a *QUICAdapter) Features() FeatureVector {
	var f FeatureVector
	for i := range f {
		f[i] = NoPreference
	}
	f[Reliability] = Require
	f[PreserveOrder] = Require
	f[PreserveMsgBoundaries] = Prohibit
	f[Multistreaming] = Require
	f[FullChecksumSend] = Require
	f[FullChecksumRecv] = Require
	f[CongestionControl] = Require
	f[ZeroRttMsg] = Prefer
	return f
}

// quicConfig returns the quic-go transport config a QUICAdapter dial or
// listen uses. allow0RTT is only set for outbound dials attempting early
// data (spec.md §4.6): it's what lets quic.DialAddr return before the
// handshake is confirmed when a matching session ticket is cached, so a
// stream write issued immediately after Init rides the connection's
// early-data path instead of blocking for the full handshake. Listeners
// always allow 0-RTT acceptance, independent of what any given client
// attempted.
func quicConfig(allow0RTT bool) *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  2 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
		Allow0RTT:       allow0RTT,
	}
}

func (a *QUICAdapter) clientTLSConfig(conn *Connection) *tls.Config {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS13,
		NextProtos: conn.security.ALPN,
		ServerName: conn.remote.Hostname,
		RootCAs:    conn.security.RootCAs,
	}
	if a.tickets != nil {
		cfg.ClientSessionCache = a.tickets
	}
	for _, b := range conn.security.ClientCertificates {
		if b.Loaded != nil {
			cfg.Certificates = append(cfg.Certificates, *b.Loaded)
			continue
		}
		cert, err := tls.LoadX509KeyPair(b.CertPath, b.KeyPath)
		if err == nil {
			cfg.Certificates = append(cfg.Certificates, cert)
		}
	}
	return cfg
}

func (a *QUICAdapter) serverTLSConfig(security *SecurityParameters) (*tls.Config, error) {
	if len(security.ServerCertificates) == 0 {
		return devcert.Config(security.ALPN)
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS13, NextProtos: security.ALPN}
	for _, b := range security.ServerCertificates {
		if b.Loaded != nil {
			cfg.Certificates = append(cfg.Certificates, *b.Loaded)
			continue
		}
		cert, err := tls.LoadX509KeyPair(b.CertPath, b.KeyPath)
		if err != nil {
			return nil, &ErrInvalidArgument{What: "quic server certificate: " + err.Error()}
		}
		cfg.Certificates = append(cfg.Certificates, cert)
	}
	return cfg, nil
}

func (a *QUICAdapter) Init(ctx context.Context, conn *Connection) error {
	return a.dial(ctx, conn, false)
}

// dial opens the QUIC connection and its first stream. allow0RTT controls
// whether the dial's quic.Config permits returning before the handshake is
// confirmed (spec.md §4.6); InitWithSend sets it only when the outbound
// message is SafelyReplayable.
func (a *QUICAdapter) dial(ctx context.Context, conn *Connection, allow0RTT bool) error {
	tlsCfg := a.clientTLSConfig(conn)
	raw, err := quic.DialAddr(ctx, conn.remote.socketAddress(), tlsCfg, quicConfig(allow0RTT))
	if err != nil {
		return &ErrIO{Op: "quic dial", Cause: err}
	}
	stream, err := raw.OpenStreamSync(ctx)
	if err != nil {
		raw.CloseWithError(0, "open stream failed")
		return &ErrIO{Op: "quic open stream", Cause: err}
	}
	groupState := &quicGroupState{conn: raw}
	groupState.owner.Store(conn.group)
	conn.group.SetGroupState(groupState)
	streamState := &quicStreamState{conn: raw, stream: stream}
	streamState.owner.Store(conn)
	conn.protoState = streamState
	conn.socketType = Multiplexed
	go a.readLoop(streamState, stream)
	go a.watchGroup(groupState)
	return nil
}

// InitWithSend dials and opens the first stream exactly as Init, but rides
// msg as 0-RTT early data when msg.Context.Properties.SafelyReplayable is
// set (spec.md §4.3/§4.6): the dial allows an early return once a matching
// session ticket is cached, quic-go transmits the stream write issued
// immediately afterward over the connection's early-data path, and the
// attempt is recorded on the Connection (attempted_early_data). When the
// message is not marked replayable, 0-RTT is never attempted: the dial
// waits out the full handshake exactly like Init before the message is
// queued for transmission.
func (a *QUICAdapter) InitWithSend(ctx context.Context, conn *Connection, msg *Message) error {
	replayable := msg != nil && msg.Context != nil && msg.Context.Properties.SafelyReplayable
	if err := a.dial(ctx, conn, replayable); err != nil {
		return err
	}
	if replayable {
		conn.setEarlyDataAttempted(true)
	}
	return a.Send(conn, msg)
}

func (a *QUICAdapter) readLoop(state *quicStreamState, stream *quic.Stream) {
	buf := make([]byte, 64*1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			state.owner.Load().onProtocolReceive(data)
		}
		if err != nil {
			conn := state.owner.Load()
			if state.closed {
				conn.invokeClosed()
				return
			}
			var streamErr *quic.StreamError
			if ok := asStreamError(err, &streamErr); ok {
				conn.invokeConnectionError(&ErrStreamReset{StreamID: int64(streamErr.StreamID)})
				return
			}
			conn.invokeConnectionError(&ErrIO{Op: "quic stream read", Cause: err})
			return
		}
	}
}

// asStreamError unwraps err into a *quic.StreamError if it is one. Split
// out so the type assertion stays in one place.
func asStreamError(err error, target **quic.StreamError) bool {
	se, ok := err.(*quic.StreamError)
	if ok {
		*target = se
	}
	return ok
}

// watchGroup observes the shared QUIC connection's context for a
// connection-level close (graceful or stateless reset) and, if it ends
// before every member connection closed its own stream, delivers
// ErrStatelessReset to every still-open member (spec.md §3's group-wide
// vs per-stream error distinction, SPEC_FULL.md supplemented feature #5).
func (a *QUICAdapter) watchGroup(state *quicGroupState) {
	<-state.conn.Context().Done()
	group := state.owner.Load()
	for _, member := range group.Members() {
		if member.State() == Closed {
			continue
		}
		member.invokeConnectionError(&ErrStatelessReset{})
	}
}

func (a *QUICAdapter) Send(conn *Connection, msg *Message) error {
	state, ok := conn.protoState.(*quicStreamState)
	if !ok || state.stream == nil {
		return &ErrNotConnected{ConnectionID: conn.id}
	}
	if _, err := state.stream.Write(msg.Data); err != nil {
		return &ErrIO{Op: "quic stream write", Cause: err}
	}
	conn.invokeSent(msg)
	return nil
}

func (a *QUICAdapter) Close(conn *Connection) error {
	state, ok := conn.protoState.(*quicStreamState)
	if !ok || state.stream == nil {
		conn.invokeClosed()
		return nil
	}
	state.closed = true
	err := state.stream.Close()
	conn.invokeClosed()
	return err
}

func (a *QUICAdapter) Abort(conn *Connection) error {
	state, ok := conn.protoState.(*quicStreamState)
	if !ok || state.stream == nil {
		conn.invokeClosed()
		return nil
	}
	state.closed = true
	state.stream.CancelWrite(0)
	state.stream.CancelRead(0)
	conn.invokeClosed()
	return nil
}

func (a *QUICAdapter) Listen(sm *SocketManager) error {
	if sm.Listener() == nil {
		return &ErrInvalidArgument{What: "quic listen requires a Listener"}
	}
	local := sm.BindLocal()
	if local == nil {
		local = NewLocalEndpoint()
	}
	security := sm.Listener().security
	tlsCfg, err := a.serverTLSConfig(security)
	if err != nil {
		return err
	}
	ln, err := quic.ListenAddr(local.socketAddress(), tlsCfg, quicConfig(true))
	if err != nil {
		return &ErrAddressInUse{Address: local.socketAddress(), Cause: err}
	}
	sm.SetProtoState(ln)
	go a.acceptLoop(sm, ln)
	return nil
}

func (a *QUICAdapter) acceptLoop(sm *SocketManager, ln *quic.Listener) {
	for {
		raw, err := ln.Accept(context.Background())
		if err != nil {
			return
		}
		listener := sm.Listener()
		if listener == nil || listener.State() == ListenerClosed {
			raw.CloseWithError(0, "listener stopped")
			return
		}
		group := newConnectionGroup(sm, listener.logger, sm.Metrics(), sm.Dispatcher())
		groupState := &quicGroupState{conn: raw}
		groupState.owner.Store(group)
		group.SetGroupState(groupState)
		sm.Ref()
		go a.watchGroup(groupState)
		go a.acceptStreams(sm, listener, group, raw)
	}
}

// acceptStreams accepts every stream the peer opens on one QUIC connection,
// synthesizing a Connection per stream (spec.md §4.4's "listener delivers
// one Connection per accepted peer" generalized to per-stream for a
// multistreaming adapter).
func (a *QUICAdapter) acceptStreams(sm *SocketManager, listener *Listener, group *ConnectionGroup, raw *quic.Conn) {
	for {
		stream, err := raw.AcceptStream(context.Background())
		if err != nil {
			return
		}
		if listener.State() == ListenerClosed {
			stream.CancelRead(0)
			stream.CancelWrite(0)
			return
		}
		conn := newConnection(group, a, RoleServer, listener.logger)
		streamState := &quicStreamState{conn: raw, stream: stream}
		streamState.owner.Store(conn)
		conn.protoState = streamState
		conn.socketType = Multiplexed
		if addr, ok := raw.RemoteAddr().(*net.UDPAddr); ok {
			conn.remote = &RemoteEndpoint{Address: addr.IP, Port: uint16(addr.Port)}
		}
		conn.invokeReady()
		go a.readLoop(streamState, stream)
		listener.deliverAccepted(conn)
	}
}

func (a *QUICAdapter) StopListen(sm *SocketManager) error {
	ln, ok := sm.ProtoState().(*quic.Listener)
	if !ok || ln == nil {
		return nil
	}
	return ln.Close()
}

func (a *QUICAdapter) CloseSocket(sm *SocketManager) error {
	if ln, ok := sm.ProtoState().(*quic.Listener); ok && ln != nil {
		return ln.Close()
	}
	return nil
}

func (a *QUICAdapter) RemoteEndpointFromPeer(conn *Connection) (*RemoteEndpoint, error) {
	state, ok := conn.protoState.(*quicStreamState)
	if !ok || state.conn == nil {
		return nil, &ErrNotConnected{ConnectionID: conn.id}
	}
	addr, ok := state.conn.RemoteAddr().(*net.UDPAddr)
	if !ok {
		return nil, &ErrInvalidEndpoint{Reason: "non-UDP quic remote address"}
	}
	return &RemoteEndpoint{Address: addr.IP, Port: uint16(addr.Port)}, nil
}

// RetargetProtocolConnection migrates both the winning attempt's stream
// state and its ConnectionGroup's shared QUIC-connection state onto to:
// readLoop and watchGroup, already running against the throwaway attempt
// Connection/group, start delivering to the user handle on their very next
// iteration once the atomic owner pointers below are swapped.
func (a *QUICAdapter) RetargetProtocolConnection(from, to *Connection) error {
	streamState, ok := from.protoState.(*quicStreamState)
	if !ok {
		return &ErrNotConnected{ConnectionID: from.id}
	}
	streamState.owner.Store(to)
	to.protoState = streamState

	if groupState, ok := from.group.GroupState().(*quicGroupState); ok {
		groupState.owner.Store(to.group)
		to.group.SetGroupState(groupState)
		from.group.SetGroupState(nil)
	}
	return nil
}

// CloneConnection opens a new stream on the same underlying QUIC connection
// as src, rather than dialing again: the whole point of a QUIC
// ConnectionGroup is that its members share one transport (spec.md §3).
func (a *QUICAdapter) CloneConnection(src, dst *Connection) error {
	srcState, ok := src.protoState.(*quicStreamState)
	if !ok {
		return &ErrNotConnected{ConnectionID: src.id}
	}
	var stream *quic.Stream
	var err error
	if src.role == RoleClient {
		stream, err = srcState.conn.OpenStreamSync(context.Background())
	} else {
		stream, err = srcState.conn.AcceptStream(context.Background())
	}
	if err != nil {
		return &ErrIO{Op: "quic clone open stream", Cause: err}
	}
	dstState := &quicStreamState{conn: srcState.conn, stream: stream}
	dstState.owner.Store(dst)
	dst.protoState = dstState
	dst.socketType = Multiplexed
	go a.readLoop(dstState, stream)
	dst.invokeReady()
	return nil
}

func (a *QUICAdapter) FreeState(conn *Connection) { conn.protoState = nil }

func (a *QUICAdapter) FreeSocketState(sm *SocketManager) { sm.SetProtoState(nil) }

// FreeGroupState closes the shared QUIC connection once every stream in the
// group has terminated (ConnectionGroup.onMemberTerminal only calls this
// when active member count reaches zero).
func (a *QUICAdapter) FreeGroupState(grp *ConnectionGroup) {
	state, ok := grp.GroupState().(*quicGroupState)
	if !ok || state.conn == nil {
		return
	}
	state.conn.CloseWithError(0, "group closed")
}
