// Package gactivate implements cluster state version activation:
// broadcasting "activate version N" to every content node
// and committing N once a quorum of nodes acknowledged it.
//
// The [Coordinator] runs at most one round at a time.
// Requesting a newer version abandons the round in flight,
// so only the newest requested version is ever being activated.
package gactivate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gordian-engine/gactivate/gnode"
)

var (
	ErrInvalidVersionOrder = errors.New("version does not supersede committed or in-flight version")
	ErrEmptyNodeSet        = errors.New("empty node set")
	ErrDuplicateNode       = errors.New("duplicate node in node set")
	ErrRoundInProgress     = errors.New("round for version already in progress")
	ErrCoordinatorStopped  = errors.New("coordinator stopped")
)

// Coordinator is the entry point for activating cluster state versions.
//
// A Coordinator assumes it is the only controller activating versions
// for its node set, for as long as it holds leadership.
// Call [*Coordinator.Reset] when leadership is lost or regained.
//
// Coordinator methods are safe to call concurrently.
type Coordinator struct {
	log *slog.Logger
	cfg Config

	ctx context.Context
	wg  sync.WaitGroup

	highestCommitted atomic.Uint64

	// Serializes Activate and Reset,
	// so rounds never overlap.
	mu      sync.Mutex
	current *round

	histMu  sync.Mutex
	history []Outcome
}

// NewCoordinator returns a Coordinator using cfg.
//
// Rounds run in background goroutines associated with ctx.
// Cancelling ctx aborts any in-flight round with [AbortStopped];
// use [*Coordinator.Wait] to block until they have returned.
func NewCoordinator(ctx context.Context, log *slog.Logger, cfg Config) (*Coordinator, error) {
	if log == nil {
		log = slog.Default()
	}

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid coordinator config: %w", err)
	}

	return &Coordinator{
		log: log,
		cfg: cfg,
		ctx: ctx,
	}, nil
}

// Wait blocks until every round goroutine has returned.
// To begin shutdown, cancel the context passed to [NewCoordinator].
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// HighestCommittedVersion returns the newest version that reached quorum,
// or the value given to the last [*Coordinator.Reset].
func (c *Coordinator) HighestCommittedVersion() uint64 {
	return c.highestCommitted.Load()
}

// Activate starts a round activating version across nodes.
// A nil quorum uses [Majority].
//
// Invalid requests are rejected before any request is sent:
// version must be greater than both the highest committed version
// and the version of any round in flight,
// and nodes must be non-empty and free of duplicate IDs.
//
// Activate does not wait for network I/O.
// If a round for an older version is in flight,
// Activate waits only for that round to record [AbortSuperseded].
func (c *Coordinator) Activate(version uint64, nodes []*gnode.Handle, quorum QuorumPolicy) (*Activation, error) {
	if version == 0 {
		return nil, fmt.Errorf("cannot activate version 0: %w", ErrInvalidVersionOrder)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("cannot activate version %d: %w", version, ErrEmptyNodeSet)
	}

	seen := make(map[gnode.ID]struct{}, len(nodes))
	for _, n := range nodes {
		if _, ok := seen[n.ID()]; ok {
			return nil, fmt.Errorf("cannot activate version %d: node %s: %w", version, n.ID(), ErrDuplicateNode)
		}
		seen[n.ID()] = struct{}{}
	}

	if quorum == nil {
		quorum = Majority
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ctx.Err(); err != nil {
		return nil, fmt.Errorf("cannot activate version %d: %w", version, ErrCoordinatorStopped)
	}

	if hc := c.highestCommitted.Load(); version <= hc {
		return nil, fmt.Errorf(
			"cannot activate version %d: highest committed version is %d: %w",
			version, hc, ErrInvalidVersionOrder,
		)
	}

	if cur := c.current; cur != nil && !isClosed(cur.done) {
		switch {
		case version == cur.version:
			return nil, fmt.Errorf("cannot activate version %d: %w", version, ErrRoundInProgress)
		case version < cur.version:
			return nil, fmt.Errorf(
				"cannot activate version %d: round for version %d in progress: %w",
				version, cur.version, ErrInvalidVersionOrder,
			)
		}

		c.log.Info(
			"Superseding in-flight activation round",
			"old_version", cur.version,
			"new_version", version,
		)
		cur.abandon(AbortSuperseded)
		<-cur.done
	}

	r := newRound(c.log, roundConfig{
		Version: version,
		Nodes:   nodes,
		Quorum:  quorum,

		Clock:          c.cfg.Clock,
		Timeout:        c.cfg.RoundTimeout,
		RequestTimeout: c.cfg.RequestTimeout,
		MaxAttempts:    c.cfg.MaxAttempts,
		Backoff:        c.cfg.Backoff,

		OnFinish: c.recordOutcome,
	})
	c.current = r

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		r.run(c.ctx)
	}()

	return &Activation{r: r}, nil
}

// Reset abandons any in-flight round with [AbortLeadershipLost]
// and sets the highest committed version to recovered,
// which the caller derives from its own state recovery.
func (c *Coordinator) Reset(recovered uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur := c.current; cur != nil {
		cur.abandon(AbortLeadershipLost)
		// If ctx was cancelled, the round is aborting anyway.
		<-cur.done
		c.current = nil
	}

	c.log.Info(
		"Coordinator reset",
		"old_highest_committed", c.highestCommitted.Load(),
		"new_highest_committed", recovered,
	)
	c.highestCommitted.Store(recovered)
}

// recordOutcome is called from a round's run goroutine.
// It must not acquire c.mu, because Activate and Reset
// hold c.mu while waiting for a round to finish.
func (c *Coordinator) recordOutcome(o Outcome) {
	if o.Committed() {
		for {
			cur := c.highestCommitted.Load()
			if o.Version <= cur || c.highestCommitted.CompareAndSwap(cur, o.Version) {
				break
			}
		}
	}

	c.histMu.Lock()
	defer c.histMu.Unlock()
	c.history = append(c.history, o)
	if over := len(c.history) - c.cfg.HistorySize; over > 0 {
		c.history = append(c.history[:0], c.history[over:]...)
	}
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	HighestCommittedVersion uint64

	// The latest round, which may have finished.
	// Nil if no round has been started since creation or the last reset.
	Current *RoundSnapshot

	// Most recent finished rounds, oldest first.
	History []Outcome
}

// Status returns the coordinator's current view.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()

	s := Status{
		HighestCommittedVersion: c.highestCommitted.Load(),
	}

	if r != nil {
		snap, err := r.Snapshot(ctx)
		if err != nil {
			return Status{}, fmt.Errorf("failed to snapshot round for version %d: %w", r.version, err)
		}
		s.Current = &snap
	}

	c.histMu.Lock()
	s.History = append([]Outcome(nil), c.history...)
	c.histMu.Unlock()

	return s, nil
}

// Activation is the pending result of [*Coordinator.Activate].
type Activation struct {
	r *round
}

func (a *Activation) Version() uint64 {
	return a.r.version
}

// Done is closed once the round's outcome is final.
func (a *Activation) Done() <-chan struct{} {
	return a.r.done
}

// Outcome returns the round's outcome,
// and false if the round has not finished yet.
func (a *Activation) Outcome() (Outcome, bool) {
	if !isClosed(a.r.done) {
		return Outcome{}, false
	}
	return a.r.outcome, true
}

// Wait blocks until the round finishes or ctx is cancelled.
func (a *Activation) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-ctx.Done():
		return Outcome{}, context.Cause(ctx)
	case <-a.r.done:
		return a.r.outcome, nil
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
