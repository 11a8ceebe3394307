package gactivate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/gactivate/gnode"
	"github.com/gordian-engine/gactivate/gwire"
	"github.com/google/uuid"
)

// round activates one version across one node set.
//
// All mutable state is owned by the goroutine running [*round.run].
// Transport completions and timers only ever send values into the round's channels;
// they never touch the state directly.
type round struct {
	log *slog.Logger

	id      uuid.UUID
	version uint64
	nodes   []*gnode.Handle
	quorum  QuorumPolicy

	clock          clock.Clock
	timeout        time.Duration
	requestTimeout time.Duration
	maxAttempts    int
	backoff        Backoff

	// Called from the run goroutine once the outcome is final,
	// before done is closed.
	onFinish func(Outcome)

	// Inputs to the run loop.
	replies          chan replyEvent
	retries          chan int
	deadlineReached  chan struct{}
	abandonRequests  chan AbortReason
	snapshotRequests chan snapshotRequest

	// Closed when the round reaches a terminal phase.
	done chan struct{}

	// Set before done is closed; read-only afterwards.
	outcome       Outcome
	finalSnapshot RoundSnapshot

	// Everything below is owned by the run loop.

	phase RoundPhase

	started, deadline time.Time

	reqs []activationRequest

	// One bit per node index. A node is set in at most one of these;
	// a node in none of them is pending.
	accepted, ahead, failed, timedOut *bitset.BitSet

	retryTimers   []*clock.Timer
	deadlineTimer *clock.Timer

	// Parent of every attempt's context. Cancelled on finish.
	reqCtx    context.Context
	cancelAll context.CancelFunc
}

type roundConfig struct {
	Version uint64
	Nodes   []*gnode.Handle
	Quorum  QuorumPolicy

	Clock          clock.Clock
	Timeout        time.Duration
	RequestTimeout time.Duration
	MaxAttempts    int
	Backoff        Backoff

	OnFinish func(Outcome)
}

type snapshotRequest struct {
	Resp chan RoundSnapshot
}

func newRound(log *slog.Logger, cfg roundConfig) *round {
	n := len(cfg.Nodes)
	id := uuid.New()

	return &round{
		log: log.With("round", id.String(), "version", cfg.Version),

		id:      id,
		version: cfg.Version,
		nodes:   cfg.Nodes,
		quorum:  cfg.Quorum,

		clock:          cfg.Clock,
		timeout:        cfg.Timeout,
		requestTimeout: cfg.RequestTimeout,
		maxAttempts:    cfg.MaxAttempts,
		backoff:        cfg.Backoff,

		onFinish: cfg.OnFinish,

		// Each node has at most one outstanding attempt
		// and at most one pending retry timer,
		// so these buffers are never full while the round is running.
		replies:          make(chan replyEvent, n),
		retries:          make(chan int, n),
		deadlineReached:  make(chan struct{}, 1),
		abandonRequests:  make(chan AbortReason, 1),
		snapshotRequests: make(chan snapshotRequest),

		done: make(chan struct{}),

		phase: RoundSending,

		reqs: make([]activationRequest, n),

		accepted: bitset.New(uint(n)),
		ahead:    bitset.New(uint(n)),
		failed:   bitset.New(uint(n)),
		timedOut: bitset.New(uint(n)),

		retryTimers: make([]*clock.Timer, n),
	}
}

// run drives the round to a terminal phase.
// Cancelling ctx aborts the round with [AbortStopped].
func (r *round) run(ctx context.Context) {
	r.start(ctx)

	for !r.phase.Terminal() {
		select {
		case <-ctx.Done():
			r.abort(AbortStopped)

		case reason := <-r.abandonRequests:
			r.abort(reason)

		case ev := <-r.replies:
			r.handleReply(ev)

		case idx := <-r.retries:
			r.handleRetryDue(idx)

		case <-r.deadlineReached:
			r.handleDeadline()

		case req := <-r.snapshotRequests:
			// Resp is 1-buffered.
			req.Resp <- r.snapshot()
		}
	}
}

// start classifies every node, dispatches the first attempts,
// and arms the round deadline.
func (r *round) start(ctx context.Context) {
	r.reqCtx, r.cancelAll = context.WithCancel(ctx)

	now := r.clock.Now()
	r.started = now
	r.deadline = now.Add(r.timeout)
	r.deadlineTimer = r.clock.AfterFunc(r.timeout, func() {
		select {
		case r.deadlineReached <- struct{}{}:
		default:
		}
	})

	for i := range r.nodes {
		r.reqs[i].Node = r.nodes[i]

		// A node that already acknowledged this version
		// is not asked again.
		switch acked := r.nodes[i].LastAckedVersion(); {
		case acked == r.version:
			r.mark(i, NodeAccepted)
		case acked > r.version:
			r.mark(i, NodeAhead)
		}
	}

	if r.checkQuorum() {
		r.log.Debug("Quorum satisfied by prior acknowledgements")
		return
	}

	for i := range r.nodes {
		if r.outcomeOf(i) == NodePending {
			r.dispatch(i, now)
		}
	}

	r.phase = RoundAwaitingReplies
}

// dispatch sends the next attempt for node i.
// The caller must ensure now is before the round deadline.
func (r *round) dispatch(i int, now time.Time) {
	req := &r.reqs[i]
	if req.Outstanding {
		panic(fmt.Errorf(
			"BUG: dispatching to node %s with attempt %d still outstanding",
			req.Node.ID(), req.Attempt,
		))
	}

	req.Attempt++
	req.Outstanding = true

	timeout := min(r.requestTimeout, r.deadline.Sub(now))
	req.Deadline = now.Add(timeout)

	ctx, cancel := context.WithCancel(r.reqCtx)
	req.cancel = cancel

	b := newReplyBridge(
		r.log,
		requestKey{Node: i, Attempt: req.Attempt},
		req.Node.ID(),
		r.deliverReply,
	)

	req.Node.Sender().SendActivateVersion(
		ctx,
		gwire.ActivateVersionMessage{Version: r.version},
		timeout,
		b.Complete,
	)
}

// deliverReply is called by reply bridges on arbitrary goroutines.
// Replies arriving after the round finished are discarded.
func (r *round) deliverReply(ev replyEvent) {
	select {
	case r.replies <- ev:
	case <-r.done:
		r.log.Debug(
			"Discarding late reply",
			"node", r.nodes[ev.Key.Node].ID(),
			"attempt", ev.Key.Attempt,
			"reply", ev.Reply,
		)
	}
}

func (r *round) handleReply(ev replyEvent) {
	if r.phase.Terminal() {
		return
	}

	i := ev.Key.Node
	req := &r.reqs[i]
	if !req.Outstanding || req.Attempt != ev.Key.Attempt {
		r.log.Debug(
			"Ignoring reply for stale attempt",
			"node", req.Node.ID(),
			"reply_attempt", ev.Key.Attempt,
			"current_attempt", req.Attempt,
		)
		return
	}

	req.Outstanding = false
	req.cancel()

	switch ev.Reply.Kind {
	case ReplyAccepted:
		r.mark(i, NodeAccepted)
		req.Node.AdvanceAckedVersion(r.version)
		r.checkQuorum()

	case ReplyVersionConflict:
		if !ev.Reply.Retryable(r.version) {
			r.log.Info(
				"Node is ahead of round version",
				"node", req.Node.ID(),
				"node_version", ev.Reply.ReportedVersion,
			)
			r.mark(i, NodeAhead)
			return
		}
		r.retryOrFail(i, ev.Reply)

	case ReplyTransportError, ReplyProtocolError:
		r.retryOrFail(i, ev.Reply)

	default:
		panic(fmt.Errorf("BUG: unhandled reply kind %s", ev.Reply.Kind))
	}
}

// retryOrFail schedules another attempt for node i,
// or marks it failed when attempts are exhausted
// or the retry could not happen before the deadline.
func (r *round) retryOrFail(i int, reply Reply) {
	req := &r.reqs[i]
	id := req.Node.ID()

	if req.Attempt >= r.maxAttempts {
		r.log.Warn(
			"Node failed to activate version; attempts exhausted",
			"node", id,
			"attempts", req.Attempt,
			"reply", reply,
		)
		r.mark(i, NodeFailed)
		return
	}

	delay := r.backoff.Delay(req.Attempt)
	now := r.clock.Now()
	if !now.Add(delay).Before(r.deadline) {
		r.log.Warn(
			"Node failed to activate version; no time left for retry",
			"node", id,
			"attempts", req.Attempt,
			"reply", reply,
		)
		r.mark(i, NodeFailed)
		return
	}

	logFn := r.log.Debug
	if shouldWarn(req.Attempt) {
		logFn = r.log.Warn
	}
	logFn(
		"Activation attempt failed; will retry",
		"node", id,
		"attempt", req.Attempt,
		"retry_in", delay,
		"reply", reply,
	)

	r.retryTimers[i] = r.clock.AfterFunc(delay, func() {
		select {
		case r.retries <- i:
		case <-r.done:
		}
	})
}

func (r *round) handleRetryDue(i int) {
	if r.phase.Terminal() {
		return
	}

	r.retryTimers[i] = nil

	if r.outcomeOf(i) != NodePending || r.reqs[i].Outstanding {
		// Should not happen, but a redundant timer must not cause a second attempt.
		r.log.Debug("Ignoring redundant retry", "node", r.nodes[i].ID())
		return
	}

	now := r.clock.Now()
	if !now.Before(r.deadline) {
		// The deadline event will finish the round.
		return
	}

	r.dispatch(i, now)
}

func (r *round) handleDeadline() {
	if r.phase.Terminal() {
		return
	}

	for i := range r.nodes {
		if r.outcomeOf(i) == NodePending {
			r.mark(i, NodeTimedOut)
		}
	}
	r.abort(AbortTimeout)
}

// checkQuorum commits the round if the quorum policy is satisfied,
// reporting whether it did.
func (r *round) checkQuorum() bool {
	if !r.quorum(int(r.accepted.Count()), len(r.nodes)) {
		return false
	}

	r.finish(Outcome{Kind: OutcomeCommitted})
	return true
}

func (r *round) abort(reason AbortReason) {
	r.finish(Outcome{Kind: OutcomeAborted, Reason: reason})
}

// finish moves the round into its terminal phase.
// Outstanding attempts are cancelled and their late replies are discarded.
func (r *round) finish(o Outcome) {
	if r.phase.Terminal() {
		panic(fmt.Errorf("BUG: finishing round already in phase %s", r.phase))
	}

	if o.Kind == OutcomeCommitted {
		r.phase = RoundCommitted
	} else {
		r.phase = RoundAborted
	}

	r.cancelAll()
	for i := range r.reqs {
		r.reqs[i].Outstanding = false
	}
	if r.deadlineTimer != nil {
		r.deadlineTimer.Stop()
	}
	for i, t := range r.retryTimers {
		if t != nil {
			t.Stop()
			r.retryTimers[i] = nil
		}
	}

	o.RoundID = r.id
	o.Version = r.version
	o.Started = r.started
	o.Finished = r.clock.Now()
	o.Counts = r.counts()

	r.outcome = o
	r.finalSnapshot = r.snapshot()

	r.log.Info(
		"Activation round finished",
		"outcome", o.Kind,
		"reason", o.Reason,
		"duration", o.Duration(),
		"nodes", len(r.nodes),
		"accepted", o.Counts.Accepted,
		"ahead", o.Counts.Ahead,
		"failed", o.Counts.Failed,
		"timed_out", o.Counts.TimedOut,
		"cancelled", o.Counts.Cancelled,
	)

	if r.onFinish != nil {
		r.onFinish(o)
	}

	close(r.done)
}

// mark moves node i from pending into the given bucket.
func (r *round) mark(i int, o NodeOutcome) {
	if cur := r.outcomeOf(i); cur != NodePending {
		panic(fmt.Errorf(
			"BUG: node %s moving from %s to %s", r.nodes[i].ID(), cur, o,
		))
	}

	u := uint(i)
	switch o {
	case NodeAccepted:
		r.accepted.Set(u)
	case NodeAhead:
		r.ahead.Set(u)
	case NodeFailed:
		r.failed.Set(u)
	case NodeTimedOut:
		r.timedOut.Set(u)
	default:
		panic(fmt.Errorf("BUG: cannot mark node with outcome %s", o))
	}
}

func (r *round) outcomeOf(i int) NodeOutcome {
	u := uint(i)
	switch {
	case r.accepted.Test(u):
		return NodeAccepted
	case r.ahead.Test(u):
		return NodeAhead
	case r.failed.Test(u):
		return NodeFailed
	case r.timedOut.Test(u):
		return NodeTimedOut
	default:
		return NodePending
	}
}

func (r *round) counts() RoundCounts {
	c := RoundCounts{
		Accepted: int(r.accepted.Count()),
		Ahead:    int(r.ahead.Count()),
		Failed:   int(r.failed.Count()),
		TimedOut: int(r.timedOut.Count()),
	}
	c.Cancelled = len(r.nodes) - c.Accepted - c.Ahead - c.Failed - c.TimedOut
	return c
}

func (r *round) snapshot() RoundSnapshot {
	s := RoundSnapshot{
		RoundID:  r.id,
		Version:  r.version,
		Phase:    r.phase,
		Started:  r.started,
		Deadline: r.deadline,
		Nodes:    make([]NodeStatus, len(r.nodes)),
	}
	for i, n := range r.nodes {
		s.Nodes[i] = NodeStatus{
			ID:               n.ID(),
			Outcome:          r.outcomeOf(i),
			Attempts:         r.reqs[i].Attempt,
			Outstanding:      r.reqs[i].Outstanding,
			LastAckedVersion: n.LastAckedVersion(),
		}
	}
	return s
}

// abandon asks the run loop to abort with the given reason.
// It does not wait; callers wait on r.done.
func (r *round) abandon(reason AbortReason) {
	select {
	case r.abandonRequests <- reason:
	default:
		// An abandon request is already queued.
	}
}

// Snapshot returns the round's current view,
// or its final view if it has finished.
func (r *round) Snapshot(ctx context.Context) (RoundSnapshot, error) {
	req := snapshotRequest{Resp: make(chan RoundSnapshot, 1)}
	select {
	case <-ctx.Done():
		return RoundSnapshot{}, context.Cause(ctx)
	case <-r.done:
		return r.finalSnapshot, nil
	case r.snapshotRequests <- req:
	}

	select {
	case <-ctx.Done():
		return RoundSnapshot{}, context.Cause(ctx)
	case s := <-req.Resp:
		return s, nil
	}
}
