package taps

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ikhovind/gotaps/idgen"
)

// ListenerState tracks whether a Listener is still accepting inbound
// connections.
type ListenerState int

const (
	ListenerActive ListenerState = iota
	ListenerClosed
)

func (s ListenerState) String() string {
	if s == ListenerClosed {
		return "closed"
	}
	return "active"
}

// ListenerCallbacks is the user-visible vtable for a passive Preconnection
// (spec.md §6): ConnectionReceived fires once per accepted Connection,
// ListenError reports a non-fatal accept-path failure, Stopped fires once
// when the listener finishes stopping.
type ListenerCallbacks struct {
	ConnectionReceived func(conn *Connection)
	ListenError        func(err error)
	Stopped            func()
}

// Listener is the handle returned by Preconnection.Listen (spec.md §4,
// §6). It owns one or more SocketManagers, one per gathered-and-pruned
// local candidate it bound to.
type Listener struct {
	mu sync.Mutex

	id       string
	props    *TransportProperties
	security *SecurityParameters

	callbacks ListenerCallbacks

	managers []*SocketManager
	state    ListenerState

	dispatch Dispatcher

	logger *slog.Logger
}

func newListener(props *TransportProperties, security *SecurityParameters, cbs ListenerCallbacks, logger *slog.Logger, dispatch Dispatcher) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	id := idgen.New()
	return &Listener{
		id:        id,
		props:     props,
		security:  security,
		callbacks: cbs,
		state:     ListenerActive,
		dispatch:  dispatch,
		logger:    logger.With("component", "listener", "listener_id", id),
	}
}

// runCallback submits fn through l.dispatch, or runs it inline if none is
// attached, matching Connection's callback-serialization behavior.
func (l *Listener) runCallback(fn func()) {
	if l.dispatch != nil {
		l.dispatch(fn)
		return
	}
	fn()
}

func (l *Listener) ID() string { return l.id }

func (l *Listener) State() ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) setState(s ListenerState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Listener) attach(sm *SocketManager) {
	l.mu.Lock()
	l.managers = append(l.managers, sm)
	l.mu.Unlock()
}

// deliverAccepted fires ConnectionReceived for a newly synthesized or
// accepted Connection.
func (l *Listener) deliverAccepted(conn *Connection) {
	if l.callbacks.ConnectionReceived != nil {
		l.runCallback(func() { l.callbacks.ConnectionReceived(conn) })
	}
}

func (l *Listener) deliverError(err error) {
	if l.callbacks.ListenError != nil {
		l.runCallback(func() { l.callbacks.ListenError(err) })
	}
}

// Stop halts acceptance of new connections across every SocketManager this
// Listener owns, without closing already-accepted connections (spec.md
// §4.4). Safe to call more than once.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.state == ListenerClosed {
		l.mu.Unlock()
		return nil
	}
	managers := append([]*SocketManager(nil), l.managers...)
	l.mu.Unlock()

	var firstErr error
	for _, sm := range managers {
		if err := sm.ListenerStop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.callbacks.Stopped != nil {
		l.runCallback(l.callbacks.Stopped)
	}
	return firstErr
}
