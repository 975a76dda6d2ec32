package taps

import (
	"context"
	"errors"
	"testing"
	"time"
)

// scriptedAdapter is a stubAdapter whose Init blocks until either ctx is
// canceled (simulating an abandoned loser) or a fixed delay elapses, then
// succeeds or fails per the fields below. It also records whether Abort was
// called, so racing_test can assert losers are torn down.
type scriptedAdapter struct {
	*stubAdapter
	delay     time.Duration
	failWith  error
	aborted   chan struct{}
}

func newScriptedAdapter(name string, delay time.Duration, failWith error) *scriptedAdapter {
	return &scriptedAdapter{
		stubAdapter: newStubAdapter(name, false),
		delay:       delay,
		failWith:    failWith,
		aborted:     make(chan struct{}, 1),
	}
}

func (s *scriptedAdapter) Init(ctx context.Context, conn *Connection) error {
	timer := time.NewTimer(s.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	if s.failWith != nil {
		return s.failWith
	}
	conn.transition(Established)
	return nil
}

func (s *scriptedAdapter) Abort(conn *Connection) error {
	select {
	case s.aborted <- struct{}{}:
	default:
	}
	return nil
}

// newRaceTarget builds the user-visible Connection Preconnection.initiate
// would have created before launching Race, wired with callbacks so tests
// can observe the asynchronous Ready/EstablishmentError delivery.
func newRaceTarget() (*Connection, chan *Connection, chan error) {
	ready := make(chan *Connection, 1)
	estErr := make(chan error, 1)
	group := newConnectionGroup(nil, nil, nil, nil)
	target := newConnection(group, nil, RoleClient, nil)
	target.callbacks = ConnectionCallbacks{
		Ready: func(c *Connection) error {
			ready <- c
			return nil
		},
		EstablishmentError: func(c *Connection, err error) error {
			estErr <- err
			return nil
		},
	}
	return target, ready, estErr
}

func TestRaceReturnsFastestWinnerAndAbortsLoser(t *testing.T) {
	fast := newScriptedAdapter("fast", 10*time.Millisecond, nil)
	slow := newScriptedAdapter("slow", 200*time.Millisecond, nil)

	candidates := []*CandidateNode{
		{Local: NewLocalEndpoint(), Adapter: fast},
		{Local: NewLocalEndpoint(), Adapter: slow},
	}

	target, ready, _ := newRaceTarget()
	attempt, err := Race(context.Background(), candidates, nil, RaceOptions{StaggerDelay: time.Millisecond}, target)
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if attempt.Candidate.Adapter.Name() != "fast" {
		t.Fatalf("expected fast adapter to win, got %s", attempt.Candidate.Adapter.Name())
	}

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("expected target's Ready callback to fire")
	}
	if target.State() != Established {
		t.Fatalf("target state = %v, want Established", target.State())
	}
	if target.Adapter() != fast {
		t.Fatalf("target adapter = %v, want the winning fast adapter", target.Adapter())
	}

	select {
	case <-slow.aborted:
	case <-time.After(time.Second):
		t.Fatal("expected slow loser to be aborted")
	}
}

func TestRaceAllFailReturnsErrNoCandidate(t *testing.T) {
	failA := newScriptedAdapter("a", time.Millisecond, errors.New("refused"))
	failB := newScriptedAdapter("b", time.Millisecond, errors.New("unreachable"))

	candidates := []*CandidateNode{
		{Local: NewLocalEndpoint(), Adapter: failA},
		{Local: NewLocalEndpoint(), Adapter: failB},
	}

	target, _, estErr := newRaceTarget()
	_, err := Race(context.Background(), candidates, nil, RaceOptions{StaggerDelay: time.Millisecond}, target)
	if err == nil {
		t.Fatal("expected error when every candidate fails")
	}
	var noCand *ErrNoCandidate
	if !errors.As(err, &noCand) {
		t.Fatalf("expected ErrNoCandidate, got %T: %v", err, err)
	}

	select {
	case gotErr := <-estErr:
		if gotErr == nil {
			t.Fatal("expected a non-nil error delivered to EstablishmentError")
		}
	case <-time.After(time.Second):
		t.Fatal("expected target's EstablishmentError callback to fire")
	}
	if target.State() != Closed {
		t.Fatalf("target state = %v, want Closed after every attempt fails", target.State())
	}
}

func TestRaceEmptyCandidateSet(t *testing.T) {
	target, _, estErr := newRaceTarget()
	_, err := Race(context.Background(), nil, nil, RaceOptions{}, target)
	if err == nil {
		t.Fatal("expected error racing an empty candidate set")
	}
	select {
	case <-estErr:
	case <-time.After(time.Second):
		t.Fatal("expected target's EstablishmentError callback to fire for an empty candidate set")
	}
}

func TestRaceStaggersAttemptStart(t *testing.T) {
	// With a large stagger and only one candidate able to succeed quickly,
	// the second candidate's Init must not even start until the stagger
	// delay has elapsed — verified indirectly by the winner being the
	// first-listed candidate despite both having the same per-attempt delay.
	first := newScriptedAdapter("first", 20*time.Millisecond, nil)
	second := newScriptedAdapter("second", 20*time.Millisecond, nil)

	candidates := []*CandidateNode{
		{Local: NewLocalEndpoint(), Adapter: first},
		{Local: NewLocalEndpoint(), Adapter: second},
	}

	target, _, _ := newRaceTarget()
	attempt, err := Race(context.Background(), candidates, nil, RaceOptions{StaggerDelay: 100 * time.Millisecond}, target)
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if attempt.Candidate.Adapter.Name() != "first" {
		t.Fatalf("expected first candidate to win under stagger, got %s", attempt.Candidate.Adapter.Name())
	}
}
