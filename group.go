package taps

import (
	"log/slog"
	"sync"

	"github.com/ikhovind/gotaps/idgen"
	"github.com/ikhovind/gotaps/internal/metrics"
)

// ConnectionGroup is the set of Connections sharing an underlying
// transport (spec.md §3): QUIC streams on one picoquic-equivalent
// connection, or cloned TCP/UDP peers of one origin. Created with its
// first connection, freed when the last connection leaves.
type ConnectionGroup struct {
	mu      sync.Mutex
	id      string
	members map[string]*Connection

	// groupState is the adapter-private shared protocol state (for QUIC:
	// the underlying *quic.Conn and its stream allocator).
	groupState any

	socketManager *SocketManager

	// dispatch serializes callback delivery for every Connection created in
	// this group; inherited by each member at newConnection time.
	dispatch Dispatcher

	logger  *slog.Logger
	metrics *metrics.Registry
}

// newConnectionGroup creates an empty group bound to sm. sm is nil for
// client-initiated groups and stays nil: nothing assigns one later. reg
// and dispatch may both be nil.
func newConnectionGroup(sm *SocketManager, logger *slog.Logger, reg *metrics.Registry, dispatch Dispatcher) *ConnectionGroup {
	if logger == nil {
		logger = slog.Default()
	}
	id := idgen.New()
	reg.GroupCreated()
	return &ConnectionGroup{
		id:            id,
		members:       make(map[string]*Connection),
		socketManager: sm,
		dispatch:      dispatch,
		logger:        logger.With("component", "group", "group_id", id),
		metrics:       reg,
	}
}

func (g *ConnectionGroup) ID() string { return g.id }

func (g *ConnectionGroup) SocketManager() *SocketManager {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.socketManager
}

func (g *ConnectionGroup) GroupState() any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.groupState
}

func (g *ConnectionGroup) SetGroupState(state any) {
	g.mu.Lock()
	g.groupState = state
	g.mu.Unlock()
}

func (g *ConnectionGroup) addMember(c *Connection) {
	g.mu.Lock()
	g.members[c.id] = c
	g.mu.Unlock()
}

func (g *ConnectionGroup) removeMember(id string) {
	g.mu.Lock()
	delete(g.members, id)
	g.mu.Unlock()
}

// NumActiveConnections returns the count of members not in state Closed
// (invariant 6).
func (g *ConnectionGroup) NumActiveConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.members {
		if c.State() != Closed {
			n++
		}
	}
	return n
}

// Members returns a snapshot of the group's current connections.
func (g *ConnectionGroup) Members() []*Connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Connection, 0, len(g.members))
	for _, c := range g.members {
		out = append(out, c)
	}
	return out
}

func (g *ConnectionGroup) closeAll() error {
	var firstErr error
	for _, c := range g.Members() {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (g *ConnectionGroup) abortAll() error {
	var firstErr error
	for _, c := range g.Members() {
		if err := c.Abort(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// onMemberTerminal is called once a Connection transitions to Closed. It
// reports c to the group's socket manager, if any, through
// handleClosedConnection; once no active members remain, it invokes the
// adapter's FreeGroupState (when group state is set) and clears the group
// state, per the lifecycle in spec.md §3.
func (g *ConnectionGroup) onMemberTerminal(c *Connection) {
	g.mu.Lock()
	sm := g.socketManager
	active := 0
	for _, m := range g.members {
		if m.State() != Closed {
			active++
		}
	}
	groupState := g.groupState
	g.mu.Unlock()

	if sm != nil {
		sm.handleClosedConnection(c)
	}

	if active == 0 {
		if c.adapter != nil && groupState != nil {
			c.adapter.FreeGroupState(g)
		}
		g.mu.Lock()
		g.groupState = nil
		g.mu.Unlock()
		g.metrics.GroupFreed()
	}
}
