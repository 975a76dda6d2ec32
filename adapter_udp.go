package taps

import (
	"context"
	"net"
	"sync/atomic"
)

// udpConnState is the adapter-private state for a UDP-backed connection.
// Standalone (client-initiated) connections own their *net.UDPConn
// directly; server-side connections synthesized by demultiplexing share
// their SocketManager's *net.UDPConn and only record the peer address.
// owner is only meaningful for Standalone state: its readLoop goroutine
// dereferences it on every datagram so RetargetProtocolConnection can
// repoint a running read loop at the winning race's user Connection
// (Multiplexed state has no background goroutine of its own — demuxLoop
// delivers synchronously through the owning SocketManager instead).
type udpConnState struct {
	conn  *net.UDPConn // set for Standalone connections only
	peer  *net.UDPAddr
	sm    *SocketManager // set for Multiplexed connections only
	owner atomic.Pointer[Connection]
}

// UDPAdapter implements Adapter over net.UDPConn. Outbound connections get
// their own connected UDP socket; inbound traffic on a Listener's shared
// socket is demultiplexed by peer address through the SocketManager
// (spec.md §4.4).
type UDPAdapter struct{}

func NewUDPAdapter() *UDPAdapter { return &UDPAdapter{} }

func (a *UDPAdapter) Name() string { return "udp" }

func (a *UDPAdapter) SupportsALPN() bool { return false }

func (a *UDPAdapter) Features() FeatureVector {
	var f FeatureVector
	for i := range f {
		f[i] = NoPreference
	}
	f[Reliability] = Prohibit
	f[PreserveOrder] = Prohibit
	f[PreserveMsgBoundaries] = Require
	f[Multistreaming] = Prohibit
	f[FullChecksumSend] = Require
	f[FullChecksumRecv] = Require
	f[CongestionControl] = Prohibit
	f[ZeroRttMsg] = NoPreference
	return f
}

func (a *UDPAdapter) Init(ctx context.Context, conn *Connection) error {
	var laddr *net.UDPAddr
	if conn.local != nil && conn.local.Address != nil {
		laddr = &net.UDPAddr{IP: conn.local.Address, Port: int(conn.local.Port)}
	}
	raddr, err := net.ResolveUDPAddr("udp", conn.remote.socketAddress())
	if err != nil {
		return &ErrInvalidEndpoint{Reason: err.Error()}
	}
	raw, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return &ErrIO{Op: "udp dial", Cause: err}
	}
	state := &udpConnState{conn: raw, peer: raddr}
	state.owner.Store(conn)
	conn.protoState = state
	conn.socketType = Standalone
	go a.readLoop(state, raw)
	return nil
}

func (a *UDPAdapter) InitWithSend(ctx context.Context, conn *Connection, msg *Message) error {
	if err := a.Init(ctx, conn); err != nil {
		return err
	}
	return a.Send(conn, msg)
}

func (a *UDPAdapter) readLoop(state *udpConnState, raw *net.UDPConn) {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := raw.ReadFromUDP(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			state.owner.Load().onProtocolReceive(data)
		}
		if err != nil {
			state.owner.Load().invokeConnectionError(&ErrIO{Op: "udp read", Cause: err})
			return
		}
	}
}

func (a *UDPAdapter) Send(conn *Connection, msg *Message) error {
	state, ok := conn.protoState.(*udpConnState)
	if !ok {
		return &ErrNotConnected{ConnectionID: conn.id}
	}
	var err error
	if state.conn != nil {
		_, err = state.conn.Write(msg.Data)
	} else if state.sm != nil && state.peer != nil {
		sock, _ := state.sm.ProtoState().(*net.UDPConn)
		if sock == nil {
			return &ErrNotConnected{ConnectionID: conn.id}
		}
		_, err = sock.WriteToUDP(msg.Data, state.peer)
	} else {
		return &ErrNotConnected{ConnectionID: conn.id}
	}
	if err != nil {
		return &ErrIO{Op: "udp write", Cause: err}
	}
	conn.invokeSent(msg)
	return nil
}

func (a *UDPAdapter) Close(conn *Connection) error {
	return a.teardown(conn)
}

func (a *UDPAdapter) Abort(conn *Connection) error {
	return a.teardown(conn)
}

func (a *UDPAdapter) teardown(conn *Connection) error {
	state, ok := conn.protoState.(*udpConnState)
	if !ok {
		conn.invokeClosed()
		return nil
	}
	if state.conn != nil {
		err := state.conn.Close()
		conn.invokeClosed()
		return err
	}
	if state.sm != nil {
		state.sm.RemoveConnection(conn)
	}
	conn.invokeClosed()
	return nil
}

func (a *UDPAdapter) Listen(sm *SocketManager) error {
	if sm.Listener() == nil {
		return &ErrInvalidArgument{What: "udp listen requires a Listener"}
	}
	local := sm.BindLocal()
	if local == nil {
		local = NewLocalEndpoint()
	}
	laddr, err := net.ResolveUDPAddr("udp", local.socketAddress())
	if err != nil {
		return &ErrInvalidEndpoint{Reason: err.Error()}
	}
	raw, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return &ErrAddressInUse{Address: local.socketAddress(), Cause: err}
	}
	sm.SetProtoState(raw)
	go a.demuxLoop(sm, raw)
	return nil
}

func (a *UDPAdapter) demuxLoop(sm *SocketManager, raw *net.UDPConn) {
	buf := make([]byte, 64*1024)
	for {
		n, peer, err := raw.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		listener := sm.Listener()
		sm.MultiplexReceived(data, peer.String(), func() *Connection {
			group := newConnectionGroup(sm, listener.logger, sm.Metrics(), sm.Dispatcher())
			conn := newConnection(group, a, RoleServer, listener.logger)
			conn.protoState = &udpConnState{sm: sm, peer: peer}
			conn.remote = &RemoteEndpoint{Address: peer.IP, Port: uint16(peer.Port)}
			conn.socketType = Multiplexed
			sm.Ref()
			conn.invokeReady()
			return conn
		})
	}
}

func (a *UDPAdapter) StopListen(sm *SocketManager) error {
	// The listening socket is shared with the connections demultiplexed
	// from it, so it stays open; CloseSocket closes it once the socket
	// manager's last reference is released.
	return nil
}

func (a *UDPAdapter) CloseSocket(sm *SocketManager) error {
	raw, ok := sm.ProtoState().(*net.UDPConn)
	if !ok || raw == nil {
		return nil
	}
	return raw.Close()
}

func (a *UDPAdapter) RemoteEndpointFromPeer(conn *Connection) (*RemoteEndpoint, error) {
	state, ok := conn.protoState.(*udpConnState)
	if !ok || state.peer == nil {
		return nil, &ErrNotConnected{ConnectionID: conn.id}
	}
	return &RemoteEndpoint{Address: state.peer.IP, Port: uint16(state.peer.Port)}, nil
}

func (a *UDPAdapter) RetargetProtocolConnection(from, to *Connection) error {
	state, ok := from.protoState.(*udpConnState)
	if !ok {
		return &ErrNotConnected{ConnectionID: from.id}
	}
	// Race only ever produces Standalone (client-dialed) UDP attempts, so
	// the Multiplexed/state.sm branch never reaches here.
	state.owner.Store(to)
	to.protoState = state
	return nil
}

func (a *UDPAdapter) CloneConnection(src, dst *Connection) error {
	srcState, ok := src.protoState.(*udpConnState)
	if !ok {
		return &ErrNotConnected{ConnectionID: src.id}
	}
	if srcState.conn != nil {
		raddr := srcState.conn.RemoteAddr().(*net.UDPAddr)
		raw, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			return &ErrIO{Op: "udp clone dial", Cause: err}
		}
		state := &udpConnState{conn: raw, peer: raddr}
		state.owner.Store(dst)
		dst.protoState = state
		go a.readLoop(state, raw)
		dst.invokeReady()
		return nil
	}
	// Cloning a multiplexed (server-demuxed) connection shares the same
	// listening socket and peer address; there is nothing new to dial.
	dst.protoState = &udpConnState{sm: srcState.sm, peer: srcState.peer}
	srcState.sm.Ref()
	dst.invokeReady()
	return nil
}

func (a *UDPAdapter) FreeState(conn *Connection) { conn.protoState = nil }

func (a *UDPAdapter) FreeSocketState(sm *SocketManager) { sm.SetProtoState(nil) }

func (a *UDPAdapter) FreeGroupState(grp *ConnectionGroup) {}
