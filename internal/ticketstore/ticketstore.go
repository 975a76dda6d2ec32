// Package ticketstore persists QUIC/TLS session tickets to a SQLite
// database, so a client reconnecting to a previously-visited server can
// resume with 0-RTT across process restarts (spec.md §1's one named
// exception to "does not persist state").
package ticketstore

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/ikhovind/gotaps/dbopen"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_tickets (
	server_name TEXT PRIMARY KEY,
	ticket      BLOB NOT NULL,
	updated_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
`

// Store is a crypto/tls.ClientSessionCache backed by a SQLite database. It
// also keeps an in-memory copy so repeated lookups within one process
// don't round-trip to disk.
type Store struct {
	mu  sync.RWMutex
	db  *sql.DB
	mem map[string]*tls.ClientSessionState
}

// Open opens (creating if necessary) a session ticket store at path. An
// empty path yields an in-memory-only store useful for tests and for
// SecurityParameters that never set SessionTicketStorePath.
func Open(path string) (*Store, error) {
	if path == "" {
		return &Store{mem: make(map[string]*tls.ClientSessionState)}, nil
	}
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(schema))
	if err != nil {
		return nil, fmt.Errorf("ticketstore: open %s: %w", path, err)
	}
	return &Store{db: db, mem: make(map[string]*tls.ClientSessionState)}, nil
}

// Close releases the underlying database handle, if any.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get implements tls.ClientSessionCache.
func (s *Store) Get(sessionKey string) (*tls.ClientSessionState, bool) {
	s.mu.RLock()
	if state, ok := s.mem[sessionKey]; ok {
		s.mu.RUnlock()
		return state, true
	}
	s.mu.RUnlock()

	if s.db == nil {
		return nil, false
	}

	var blob []byte
	err := s.db.QueryRowContext(context.Background(),
		`SELECT ticket FROM session_tickets WHERE server_name = ?`, sessionKey).Scan(&blob)
	if err != nil {
		return nil, false
	}
	state, err := decodeSessionState(blob)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	s.mem[sessionKey] = state
	s.mu.Unlock()
	return state, true
}

// Put implements tls.ClientSessionCache.
func (s *Store) Put(sessionKey string, state *tls.ClientSessionState) {
	s.mu.Lock()
	if state == nil {
		delete(s.mem, sessionKey)
	} else {
		s.mem[sessionKey] = state
	}
	s.mu.Unlock()

	if s.db == nil || state == nil {
		return
	}
	blob, err := encodeSessionState(state)
	if err != nil {
		return
	}
	_, _ = s.db.ExecContext(context.Background(),
		`INSERT INTO session_tickets (server_name, ticket) VALUES (?, ?)
		 ON CONFLICT(server_name) DO UPDATE SET ticket = excluded.ticket, updated_at = strftime('%s','now')`,
		sessionKey, blob)
}

// encodeSessionState/decodeSessionState round-trip a ClientSessionState
// through its wire-format bytes via crypto/tls's own session-state
// marshaling, keeping the store oblivious to TLS internals: the ticket and
// the rest of the resumption state travel together as a single blob that
// tls.ParseSessionState can reconstruct later, across process restarts.
// The ticket rides as the last entry of the encoded state's Extra list.
func encodeSessionState(state *tls.ClientSessionState) ([]byte, error) {
	ticket, cs, err := state.ResumptionState()
	if err != nil {
		return nil, err
	}
	withTicket := *cs
	withTicket.Extra = append(append([][]byte(nil), cs.Extra...), ticket)
	return withTicket.Bytes()
}

func decodeSessionState(blob []byte) (*tls.ClientSessionState, error) {
	cs, err := tls.ParseSessionState(blob)
	if err != nil {
		return nil, err
	}
	if len(cs.Extra) == 0 {
		return nil, fmt.Errorf("ticketstore: stored session state carries no ticket")
	}
	ticket := cs.Extra[len(cs.Extra)-1]
	cs.Extra = cs.Extra[:len(cs.Extra)-1]
	return tls.NewResumptionState(ticket, cs)
}
