package taps

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ikhovind/gotaps/internal/kit"
	"github.com/ikhovind/gotaps/internal/metrics"
)

// AttemptState is one racing attempt's lifecycle, per spec.md §4.3.
type AttemptState int

const (
	AttemptPending AttemptState = iota
	AttemptConnecting
	AttemptSucceeded
	AttemptFailed
	AttemptCanceled
)

func (s AttemptState) String() string {
	switch s {
	case AttemptPending:
		return "pending"
	case AttemptConnecting:
		return "connecting"
	case AttemptSucceeded:
		return "succeeded"
	case AttemptFailed:
		return "failed"
	case AttemptCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// RaceAttempt tracks one candidate's connection attempt.
type RaceAttempt struct {
	mu        sync.Mutex
	Candidate *CandidateNode
	Conn      *Connection
	state     AttemptState
	cancel    context.CancelFunc
	err       error
}

func (a *RaceAttempt) State() AttemptState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *RaceAttempt) setState(s AttemptState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// DefaultStaggerDelay is the Happy-Eyeballs-style delay between starting
// successive racing attempts (spec.md §4.3).
const DefaultStaggerDelay = 250 * time.Millisecond

// RaceOptions configures Race.
type RaceOptions struct {
	StaggerDelay time.Duration
	Group        *ConnectionGroup
	Logger       *slog.Logger
	Metrics      *metrics.Registry

	// Dispatch is handed to each attempt's own ConnectionGroup so the
	// per-attempt Connections serialize any callback delivery the same way
	// the eventual winner does; the attempt Connections themselves carry
	// no application callbacks (target does).
	Dispatch Dispatcher

	// Security is handed to each attempt's Connection before Init runs, so
	// ALPN-addressable adapters (QUIC) see the caller's certificates and
	// ALPN list at dial time rather than only after the race is won.
	Security *SecurityParameters
}

// raceResult is delivered on the internal completion channel by the first
// goroutine to finish, win or lose.
type raceResult struct {
	attempt *RaceAttempt
	err     error
}

// Race starts one Init (or InitWithSend, when msg is non-nil) per ordered
// candidate, staggered by opts.StaggerDelay. target is the user-visible
// Connection Preconnection.initiate already returned to the caller in
// state Establishing (spec.md §4.3): on a winning attempt, Race calls the
// winning adapter's RetargetProtocolConnection to hand the live socket over
// to target, adopts the winner's adapter/endpoints onto target, and fires
// target's Ready callback — all from Race's own goroutine, never blocking
// the original Initiate caller. Every other in-flight attempt is canceled
// and its Connection aborted. If every attempt fails, target's
// EstablishmentError callback fires with the last observed error wrapped
// in ErrNoCandidate (spec.md §4.3's "exactly one winner" invariant). The
// returned (*RaceAttempt, error) pair mirrors the winner (or the failure)
// for callers, such as tests, that want to inspect the race directly.
func Race(ctx context.Context, candidates []*CandidateNode, msg *Message, opts RaceOptions, target *Connection) (*RaceAttempt, error) {
	if len(candidates) == 0 {
		err := &ErrNoCandidate{Reason: "empty candidate set"}
		if target != nil {
			target.invokeEstablishmentError(err)
		}
		return nil, err
	}
	if opts.StaggerDelay <= 0 {
		opts.StaggerDelay = DefaultStaggerDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "racer")

	raceCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	opts.Metrics.RaceStarted()
	defer opts.Metrics.RaceFinished()

	attempts := make([]*RaceAttempt, len(candidates))
	results := make(chan raceResult, len(candidates))
	var wg sync.WaitGroup

	for i, cand := range candidates {
		i, cand := i, cand
		delay := time.Duration(i) * opts.StaggerDelay

		attemptCtx, attemptCancel := context.WithCancel(raceCtx)
		attempt := &RaceAttempt{Candidate: cand, state: AttemptPending, cancel: attemptCancel}
		attempts[i] = attempt

		wg.Add(1)
		go func() {
			defer wg.Done()
			if delay > 0 {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-attemptCtx.Done():
					attempt.setState(AttemptCanceled)
					return
				case <-timer.C:
				}
			}

			attempt.setState(AttemptConnecting)

			group := opts.Group
			if group == nil {
				group = newConnectionGroup(nil, logger, opts.Metrics, opts.Dispatch)
			}
			conn := newConnection(group, cand.Adapter, RoleClient, logger)
			conn.local = cand.Local
			conn.remote = cand.Remote
			if opts.Security != nil {
				conn.security = opts.Security.DeepCopy()
			}
			if cand.ALPN != "" {
				conn.security.ALPN = []string{cand.ALPN}
			}
			attempt.Conn = conn

			initCtx := kit.WithConnectionID(attemptCtx, conn.id)
			initCtx = kit.WithGroupID(initCtx, group.id)
			initCtx = kit.WithProtocol(initCtx, cand.Adapter.Name())
			initCtx = kit.WithAttemptIndex(initCtx, i)

			var err error
			if msg != nil {
				err = cand.Adapter.InitWithSend(initCtx, conn, msg)
			} else {
				err = cand.Adapter.Init(initCtx, conn)
			}

			if err != nil {
				attempt.setState(AttemptFailed)
				attempt.mu.Lock()
				attempt.err = err
				attempt.mu.Unlock()
				results <- raceResult{attempt: attempt, err: err}
				return
			}

			if attemptCtx.Err() != nil {
				attempt.setState(AttemptCanceled)
				return
			}

			attempt.setState(AttemptSucceeded)
			results <- raceResult{attempt: attempt}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var lastErr error
	var failures int
	for res := range results {
		if res.err != nil {
			lastErr = res.err
			failures++
			if failures == len(candidates) {
				break
			}
			continue
		}

		// res is the winner: cancel every sibling attempt and abort any
		// connection that had already started establishing.
		cancelAll()
		for _, a := range attempts {
			if a == res.attempt {
				continue
			}
			a.cancel()
			if a.State() == AttemptConnecting && a.Conn != nil {
				_ = a.Conn.Abort()
			}
		}
		wg.Wait()
		logger.Debug("race won", "adapter", res.attempt.Candidate.Adapter.Name())

		src := res.attempt.Conn
		if target != nil && src != nil {
			// retarget_protocol_connection (spec.md §4.3): move the
			// adapter's internal back-pointers from the throwaway racing
			// Connection onto the long-lived user handle, then adopt its
			// adapter/endpoints so target is indistinguishable from a
			// Connection that had raced directly. target's own receive
			// queue and callbacks are untouched by adoptFrom.
			if adapter := src.Adapter(); adapter != nil {
				if err := adapter.RetargetProtocolConnection(src, target); err != nil {
					logger.Warn("retarget protocol connection failed", "error", err)
				}
			}
			target.adoptFrom(src)

			// src's own single-member group was only scaffolding for the
			// race; it never surfaces to the application, so retire its
			// bookkeeping without running the adapter's FreeGroupState
			// (group-level protocol state, if any, is the retargeted
			// adapter's to migrate onto target's group, not to free).
			src.group.removeMember(src.id)
			src.group.metrics.ConnectionClosed()
			src.group.metrics.GroupFreed()

			target.invokeReady()
		}
		return res.attempt, nil
	}

	if lastErr == nil {
		lastErr = &ErrNoCandidate{Reason: "no attempt reported success or failure"}
	}
	wrapped := &ErrNoCandidate{Reason: lastErr.Error()}
	if target != nil {
		target.invokeEstablishmentError(wrapped)
	}
	return nil, wrapped
}
