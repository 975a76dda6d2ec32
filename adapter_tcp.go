package taps

import (
	"context"
	"net"
	"sync/atomic"
	"time"
)

// tcpConnState is the adapter-private state stashed on Connection.protoState
// for a TCP-backed connection. owner is an atomic indirection rather than a
// fixed field on readLoop's stack: RetargetProtocolConnection repoints it at
// the long-lived user Connection once a race is won, so a readLoop goroutine
// already running against the winning attempt's throwaway Connection starts
// delivering callbacks to the user handle instead, without restarting the
// goroutine or losing already-buffered reads.
type tcpConnState struct {
	conn   net.Conn
	closed bool
	owner  atomic.Pointer[Connection]
}

// TCPAdapter implements Adapter over net.TCPConn/net.TCPListener. Each
// Connection owns its own socket (SocketType Standalone); Clone opens a
// fresh TCP connection to the same remote rather than sharing one.
type TCPAdapter struct{}

func NewTCPAdapter() *TCPAdapter { return &TCPAdapter{} }

func (a *TCPAdapter) Name() string { return "tcp" }

func (a *TCPAdapter) SupportsALPN() bool { return false }

func (a *TCPAdapter) Features() FeatureVector {
	var f FeatureVector
	for i := range f {
		f[i] = NoPreference
	}
	f[Reliability] = Require
	f[PreserveOrder] = Require
	f[PreserveMsgBoundaries] = Prohibit
	f[Multistreaming] = Prohibit
	f[FullChecksumSend] = Require
	f[FullChecksumRecv] = Require
	f[CongestionControl] = Require
	f[ZeroRttMsg] = Prohibit
	return f
}

func (a *TCPAdapter) Init(ctx context.Context, conn *Connection) error {
	var d net.Dialer
	if conn.local != nil && conn.local.Address != nil {
		d.LocalAddr = &net.TCPAddr{IP: conn.local.Address, Port: int(conn.local.Port)}
	}
	raw, err := d.DialContext(ctx, "tcp", conn.remote.socketAddress())
	if err != nil {
		return &ErrIO{Op: "tcp dial", Cause: err}
	}
	state := &tcpConnState{conn: raw}
	state.owner.Store(conn)
	conn.protoState = state
	go a.readLoop(state, raw)
	return nil
}

func (a *TCPAdapter) InitWithSend(ctx context.Context, conn *Connection, msg *Message) error {
	// TCP has no 0-RTT early-data path; the handshake completes first, then
	// the message is sent normally.
	if err := a.Init(ctx, conn); err != nil {
		return err
	}
	return a.Send(conn, msg)
}

func (a *TCPAdapter) readLoop(state *tcpConnState, raw net.Conn) {
	buf := make([]byte, 64*1024)
	for {
		n, err := raw.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			state.owner.Load().onProtocolReceive(data)
		}
		if err != nil {
			// Release the socket so the peer's own read loop sees EOF too.
			_ = raw.Close()
			conn := state.owner.Load()
			if state.closed {
				conn.invokeClosed()
				return
			}
			conn.invokeConnectionError(&ErrIO{Op: "tcp read", Cause: err})
			return
		}
	}
}

func (a *TCPAdapter) Send(conn *Connection, msg *Message) error {
	state, ok := conn.protoState.(*tcpConnState)
	if !ok || state.conn == nil {
		return &ErrNotConnected{ConnectionID: conn.id}
	}
	if _, err := state.conn.Write(msg.Data); err != nil {
		return &ErrIO{Op: "tcp write", Cause: err}
	}
	conn.invokeSent(msg)
	return nil
}

func (a *TCPAdapter) Close(conn *Connection) error {
	state, ok := conn.protoState.(*tcpConnState)
	if !ok || state.conn == nil {
		return nil
	}
	state.closed = true
	if tc, ok := state.conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
		return nil
	}
	return state.conn.Close()
}

func (a *TCPAdapter) Abort(conn *Connection) error {
	state, ok := conn.protoState.(*tcpConnState)
	if !ok || state.conn == nil {
		return nil
	}
	state.closed = true
	if tc, ok := state.conn.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	return state.conn.Close()
}

func (a *TCPAdapter) Listen(sm *SocketManager) error {
	if sm.Listener() == nil {
		return &ErrInvalidArgument{What: "tcp listen requires a Listener"}
	}
	local := sm.BindLocal()
	if local == nil {
		local = NewLocalEndpoint()
	}
	laddr, err := net.ResolveTCPAddr("tcp", local.socketAddress())
	if err != nil {
		return &ErrInvalidEndpoint{Reason: err.Error()}
	}
	ln, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return &ErrAddressInUse{Address: local.socketAddress(), Cause: err}
	}
	sm.SetProtoState(ln)
	go a.acceptLoop(sm, ln)
	return nil
}

func (a *TCPAdapter) acceptLoop(sm *SocketManager, ln *net.TCPListener) {
	for {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		listener := sm.Listener()
		if listener == nil || listener.State() == ListenerClosed {
			_ = raw.Close()
			return
		}
		group := newConnectionGroup(sm, listener.logger, sm.Metrics(), sm.Dispatcher())
		conn := newConnection(group, a, RoleServer, listener.logger)
		state := &tcpConnState{conn: raw}
		state.owner.Store(conn)
		conn.protoState = state
		if tcpAddr, ok := raw.RemoteAddr().(*net.TCPAddr); ok {
			conn.remote = &RemoteEndpoint{Address: tcpAddr.IP, Port: uint16(tcpAddr.Port)}
		}
		sm.Ref()
		conn.invokeReady()
		go a.readLoop(state, raw)
		listener.deliverAccepted(conn)
	}
}

func (a *TCPAdapter) StopListen(sm *SocketManager) error {
	ln, ok := sm.ProtoState().(*net.TCPListener)
	if !ok || ln == nil {
		return nil
	}
	return ln.Close()
}

func (a *TCPAdapter) CloseSocket(sm *SocketManager) error {
	if ln, ok := sm.ProtoState().(*net.TCPListener); ok && ln != nil {
		return ln.Close()
	}
	return nil
}

func (a *TCPAdapter) RemoteEndpointFromPeer(conn *Connection) (*RemoteEndpoint, error) {
	state, ok := conn.protoState.(*tcpConnState)
	if !ok || state.conn == nil {
		return nil, &ErrNotConnected{ConnectionID: conn.id}
	}
	addr, ok := state.conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil, &ErrInvalidEndpoint{Reason: "non-TCP remote address"}
	}
	return &RemoteEndpoint{Address: addr.IP, Port: uint16(addr.Port)}, nil
}

func (a *TCPAdapter) RetargetProtocolConnection(from, to *Connection) error {
	state, ok := from.protoState.(*tcpConnState)
	if !ok {
		return &ErrNotConnected{ConnectionID: from.id}
	}
	state.owner.Store(to)
	to.protoState = state
	return nil
}

func (a *TCPAdapter) CloneConnection(src, dst *Connection) error {
	d := &net.Dialer{Timeout: 10 * time.Second}
	raw, err := d.Dial("tcp", src.remote.socketAddress())
	if err != nil {
		return &ErrIO{Op: "tcp clone dial", Cause: err}
	}
	state := &tcpConnState{conn: raw}
	state.owner.Store(dst)
	dst.protoState = state
	go a.readLoop(state, raw)
	dst.invokeReady()
	return nil
}

func (a *TCPAdapter) FreeState(conn *Connection) { conn.protoState = nil }

func (a *TCPAdapter) FreeSocketState(sm *SocketManager) { sm.SetProtoState(nil) }

func (a *TCPAdapter) FreeGroupState(grp *ConnectionGroup) {}
