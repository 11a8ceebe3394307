package gactivate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/gactivate/gnode"
	"github.com/gordian-engine/gactivate/gwire"
	"github.com/gordian-engine/gactivate/internal/gtest"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// recordingSender records calls and never completes them on its own.
type recordingSender struct {
	mu    sync.Mutex
	calls []recordedCall
}

type recordedCall struct {
	Ctx     context.Context
	Msg     gwire.ActivateVersionMessage
	Timeout time.Duration
	Done    gwire.CompletionFunc
}

func (s *recordingSender) SendActivateVersion(
	ctx context.Context, msg gwire.ActivateVersionMessage, timeout time.Duration, done gwire.CompletionFunc,
) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, recordedCall{Ctx: ctx, Msg: msg, Timeout: timeout, Done: done})
}

func (s *recordingSender) Calls() []recordedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedCall(nil), s.calls...)
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendActivateVersion(
	ctx context.Context, msg gwire.ActivateVersionMessage, timeout time.Duration, done gwire.CompletionFunc,
) {
	m.Called(msg, timeout, done)
}

type roundFixture struct {
	Round   *round
	Clock   *clock.Mock
	Senders []*recordingSender
	Nodes   []*gnode.Handle
}

func newRoundFixture(t testing.TB, n int, modify func(*roundConfig)) *roundFixture {
	t.Helper()

	fx := &roundFixture{
		Clock:   clock.NewMock(),
		Senders: make([]*recordingSender, n),
		Nodes:   make([]*gnode.Handle, n),
	}
	for i := range n {
		fx.Senders[i] = new(recordingSender)
		fx.Nodes[i] = gnode.NewHandle(gnode.ID(fmt.Sprintf("n%d", i)), fx.Senders[i])
	}

	cfg := roundConfig{
		Version: 7,
		Nodes:   fx.Nodes,
		Quorum:  Majority,

		Clock:          fx.Clock,
		Timeout:        200 * time.Millisecond,
		RequestTimeout: 100 * time.Millisecond,
		MaxAttempts:    1,
		Backoff: Backoff{
			Initial:    20 * time.Millisecond,
			Max:        80 * time.Millisecond,
			Multiplier: 2,
		},
	}
	if modify != nil {
		modify(&cfg)
	}

	fx.Round = newRound(gtest.NewLogger(t), cfg)
	return fx
}

func (fx *roundFixture) Reply(i, attempt int, kind ReplyKind) {
	fx.Round.handleReply(replyEvent{
		Key:   requestKey{Node: i, Attempt: attempt},
		Reply: Reply{Kind: kind, Code: gwire.ErrorConnection},
	})
}

func TestRound_start_dispatchesToEveryNode(t *testing.T) {
	t.Parallel()

	fx := newRoundFixture(t, 3, nil)
	fx.Round.start(context.Background())

	require.Equal(t, RoundAwaitingReplies, fx.Round.phase)
	for _, s := range fx.Senders {
		calls := s.Calls()
		require.Len(t, calls, 1)
		require.Equal(t, uint64(7), calls[0].Msg.Version)
		require.Equal(t, 100*time.Millisecond, calls[0].Timeout)
	}
	for i := range fx.Nodes {
		require.Equal(t, NodePending, fx.Round.outcomeOf(i))
		require.True(t, fx.Round.reqs[i].Outstanding)
		require.Equal(t, 1, fx.Round.reqs[i].Attempt)
	}
}

func TestRound_dispatch_senderContract(t *testing.T) {
	t.Parallel()

	m := new(mockSender)
	m.On(
		"SendActivateVersion",
		gwire.ActivateVersionMessage{Version: 3},
		50*time.Millisecond,
		mock.AnythingOfType("gwire.CompletionFunc"),
	).Run(func(args mock.Arguments) {
		args.Get(2).(gwire.CompletionFunc)(gwire.Response{})
	}).Once()

	r := newRound(gtest.NewLogger(t), roundConfig{
		Version: 3,
		Nodes:   []*gnode.Handle{gnode.NewHandle("m", m)},
		Quorum:  Majority,

		Clock:          clock.NewMock(),
		Timeout:        time.Second,
		RequestTimeout: 50 * time.Millisecond,
		MaxAttempts:    1,
		Backoff:        DefaultBackoff(),
	})
	r.start(context.Background())

	m.AssertExpectations(t)

	// The completion was delivered through the bridge into the round's inbox.
	ev := gtest.ReceiveSoon(t, r.replies)
	require.Equal(t, requestKey{Node: 0, Attempt: 1}, ev.Key)
	require.Equal(t, ReplyAccepted, ev.Reply.Kind)
}

func TestRound_start_skipsNodesThatAlreadyAcknowledged(t *testing.T) {
	t.Parallel()

	fx := newRoundFixture(t, 3, nil)
	fx.Nodes[0].AdvanceAckedVersion(7)
	fx.Nodes[1].AdvanceAckedVersion(9)
	fx.Round.start(context.Background())

	require.Empty(t, fx.Senders[0].Calls())
	require.Empty(t, fx.Senders[1].Calls())
	require.Len(t, fx.Senders[2].Calls(), 1)

	require.Equal(t, NodeAccepted, fx.Round.outcomeOf(0))
	require.Equal(t, NodeAhead, fx.Round.outcomeOf(1))
	require.Equal(t, NodePending, fx.Round.outcomeOf(2))

	// One accepted of three is not a majority; the ahead node does not count.
	require.Equal(t, RoundAwaitingReplies, fx.Round.phase)
}

func TestRound_start_commitsWithoutRequestsWhenQuorumAlreadyAcknowledged(t *testing.T) {
	t.Parallel()

	fx := newRoundFixture(t, 3, nil)
	fx.Nodes[0].AdvanceAckedVersion(7)
	fx.Nodes[2].AdvanceAckedVersion(7)
	fx.Round.start(context.Background())

	require.Equal(t, RoundCommitted, fx.Round.phase)
	require.True(t, gtest.IsClosed(fx.Round.done))
	for _, s := range fx.Senders {
		require.Empty(t, s.Calls())
	}
	require.Equal(t, 1, fx.Round.outcome.Counts.Cancelled)
}

func TestRound_commitCancelsOutstandingRequests(t *testing.T) {
	t.Parallel()

	fx := newRoundFixture(t, 3, nil)
	fx.Round.start(context.Background())

	fx.Clock.Add(10 * time.Millisecond)
	fx.Reply(0, 1, ReplyAccepted)
	require.Equal(t, RoundAwaitingReplies, fx.Round.phase)
	require.Equal(t, uint64(7), fx.Nodes[0].LastAckedVersion())

	fx.Clock.Add(20 * time.Millisecond)
	fx.Reply(2, 1, ReplyAccepted)
	require.Equal(t, RoundCommitted, fx.Round.phase)

	o := fx.Round.outcome
	require.Equal(t, OutcomeCommitted, o.Kind)
	require.Equal(t, uint64(7), o.Version)
	require.Equal(t, 30*time.Millisecond, o.Duration())
	require.Equal(t, RoundCounts{Accepted: 2, Cancelled: 1}, o.Counts)

	// Node 1's request context was cancelled.
	require.Error(t, fx.Senders[1].Calls()[0].Ctx.Err())

	// A late reply is ignored.
	fx.Reply(1, 1, ReplyAccepted)
	require.Equal(t, NodePending, fx.Round.outcomeOf(1))
	require.Zero(t, fx.Nodes[1].LastAckedVersion())
}

func TestRound_versionConflictAheadDoesNotCountTowardQuorum(t *testing.T) {
	t.Parallel()

	fx := newRoundFixture(t, 3, nil)
	fx.Round.start(context.Background())

	fx.Round.handleReply(replyEvent{
		Key:   requestKey{Node: 0, Attempt: 1},
		Reply: Reply{Kind: ReplyVersionConflict, ReportedVersion: 8},
	})
	require.Equal(t, NodeAhead, fx.Round.outcomeOf(0))
	require.Zero(t, fx.Nodes[0].LastAckedVersion(), "ahead node must not be recorded as acknowledging")

	fx.Reply(1, 1, ReplyAccepted)
	require.Equal(t, RoundAwaitingReplies, fx.Round.phase)

	fx.Reply(2, 1, ReplyAccepted)
	require.Equal(t, RoundCommitted, fx.Round.phase)
	require.Equal(t, RoundCounts{Accepted: 2, Ahead: 1}, fx.Round.outcome.Counts)
}

func TestRound_versionConflictBehindIsRetried(t *testing.T) {
	t.Parallel()

	fx := newRoundFixture(t, 1, func(cfg *roundConfig) {
		cfg.MaxAttempts = 2
	})
	fx.Round.start(context.Background())

	fx.Round.handleReply(replyEvent{
		Key:   requestKey{Node: 0, Attempt: 1},
		Reply: Reply{Kind: ReplyVersionConflict, ReportedVersion: 6},
	})
	require.Equal(t, NodePending, fx.Round.outcomeOf(0))
	require.NotNil(t, fx.Round.retryTimers[0])
}

func TestRound_retryUsesBackoffAndRespectsAttemptLimit(t *testing.T) {
	t.Parallel()

	fx := newRoundFixture(t, 1, func(cfg *roundConfig) {
		cfg.MaxAttempts = 3
		cfg.Quorum = All
	})
	fx.Round.start(context.Background())

	// Attempt 1 fails; retry in 20ms.
	fx.Reply(0, 1, ReplyTransportError)
	require.Equal(t, NodePending, fx.Round.outcomeOf(0))
	require.False(t, fx.Round.reqs[0].Outstanding)

	fx.Clock.Add(20 * time.Millisecond)
	fx.Round.handleRetryDue(gtest.ReceiveSoon(t, fx.Round.retries))
	require.Len(t, fx.Senders[0].Calls(), 2)
	require.Equal(t, 2, fx.Round.reqs[0].Attempt)

	// A reply for the earlier attempt is stale.
	fx.Reply(0, 1, ReplyAccepted)
	require.Equal(t, NodePending, fx.Round.outcomeOf(0))

	// Attempt 2 fails; retry in 40ms.
	fx.Reply(0, 2, ReplyProtocolError)
	fx.Clock.Add(39 * time.Millisecond)
	gtest.NotSending(t, fx.Round.retries)
	fx.Clock.Add(time.Millisecond)
	fx.Round.handleRetryDue(gtest.ReceiveSoon(t, fx.Round.retries))
	require.Len(t, fx.Senders[0].Calls(), 3)

	// Attempt 3 fails: attempts exhausted.
	fx.Reply(0, 3, ReplyTransportError)
	require.Equal(t, NodeFailed, fx.Round.outcomeOf(0))
	require.Nil(t, fx.Round.retryTimers[0])

	// The failed node does not abort the round; only the deadline does.
	require.Equal(t, RoundAwaitingReplies, fx.Round.phase)
	fx.Round.handleDeadline()
	require.Equal(t, RoundAborted, fx.Round.phase)
	require.Equal(t, AbortTimeout, fx.Round.outcome.Reason)
	require.Equal(t, RoundCounts{Failed: 1}, fx.Round.outcome.Counts)
	require.Len(t, fx.Senders[0].Calls(), 3)
}

func TestRound_noRetryPastDeadline(t *testing.T) {
	t.Parallel()

	fx := newRoundFixture(t, 1, func(cfg *roundConfig) {
		cfg.MaxAttempts = 10
	})
	fx.Round.start(context.Background())

	// 190ms in, a 20ms backoff would land after the 200ms deadline.
	fx.Clock.Add(190 * time.Millisecond)
	fx.Reply(0, 1, ReplyTransportError)
	require.Equal(t, NodeFailed, fx.Round.outcomeOf(0))
	require.Nil(t, fx.Round.retryTimers[0])
}

func TestRound_requestTimeoutLimitedByDeadline(t *testing.T) {
	t.Parallel()

	fx := newRoundFixture(t, 1, func(cfg *roundConfig) {
		cfg.MaxAttempts = 2
	})
	fx.Round.start(context.Background())

	fx.Clock.Add(150 * time.Millisecond)
	fx.Reply(0, 1, ReplyTransportError)
	fx.Clock.Add(20 * time.Millisecond)
	fx.Round.handleRetryDue(gtest.ReceiveSoon(t, fx.Round.retries))

	calls := fx.Senders[0].Calls()
	require.Len(t, calls, 2)
	require.Equal(t, 30*time.Millisecond, calls[1].Timeout)
}

func TestRound_deadlineMarksPendingNodesTimedOut(t *testing.T) {
	t.Parallel()

	fx := newRoundFixture(t, 4, nil)
	fx.Round.start(context.Background())

	fx.Reply(0, 1, ReplyAccepted)
	fx.Reply(1, 1, ReplyAccepted)
	fx.Reply(2, 1, ReplyTransportError)

	fx.Clock.Add(200 * time.Millisecond)
	<-fx.Round.deadlineReached
	fx.Round.handleDeadline()

	// Exactly half accepted is not a majority.
	o := fx.Round.outcome
	require.Equal(t, OutcomeAborted, o.Kind)
	require.Equal(t, AbortTimeout, o.Reason)
	require.Equal(t, RoundCounts{Accepted: 2, Failed: 1, TimedOut: 1}, o.Counts)
	require.Equal(t, 200*time.Millisecond, o.Duration())
	require.Equal(t, NodeTimedOut, fx.Round.outcomeOf(3))
}

func TestRound_markRejectsSecondBucket(t *testing.T) {
	t.Parallel()

	fx := newRoundFixture(t, 1, nil)
	fx.Round.mark(0, NodeFailed)
	require.Panics(t, func() { fx.Round.mark(0, NodeAccepted) })
}

func TestRound_run_abandon(t *testing.T) {
	t.Parallel()

	var got Outcome
	fx := newRoundFixture(t, 2, func(cfg *roundConfig) {
		cfg.OnFinish = func(o Outcome) { got = o }
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go fx.Round.run(ctx)

	snap, err := fx.Round.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(7), snap.Version)
	require.Len(t, snap.Nodes, 2)

	fx.Round.abandon(AbortSuperseded)
	<-fx.Round.done

	require.Equal(t, AbortSuperseded, got.Reason)
	require.Equal(t, RoundCounts{Cancelled: 2}, got.Counts)

	// After finishing, snapshots come from the final view.
	snap, err = fx.Round.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, RoundAborted, snap.Phase)
	for _, n := range snap.Nodes {
		require.False(t, n.Outstanding)
	}

	// A reply delivered after the round finished does not block.
	fx.Senders[0].Calls()[0].Done(gwire.Response{})
}

func TestRound_run_contextCancelled(t *testing.T) {
	t.Parallel()

	fx := newRoundFixture(t, 2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go fx.Round.run(ctx)

	cancel()
	<-fx.Round.done
	require.Equal(t, AbortStopped, fx.Round.outcome.Reason)
}

// Replies delivered through the bridge reach the run loop
// and duplicate completions from the transport are dropped.
func TestRound_run_bridgeDeliversOnce(t *testing.T) {
	t.Parallel()

	fx := newRoundFixture(t, 3, func(cfg *roundConfig) {
		cfg.Quorum = All
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fx.Round.run(ctx)

	require.Eventually(t, func() bool {
		for _, s := range fx.Senders {
			if len(s.Calls()) == 0 {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)

	done := fx.Senders[0].Calls()[0].Done
	done(gwire.Response{})
	done(gwire.Response{ErrorCode: gwire.ErrorConnection})

	require.Eventually(t, func() bool {
		snap, err := fx.Round.Snapshot(ctx)
		return err == nil && snap.Nodes[0].Outcome == NodeAccepted
	}, time.Second, time.Millisecond)

	snap, err := fx.Round.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, NodeAccepted, snap.Nodes[0].Outcome)
	require.Equal(t, 1, snap.Nodes[0].Attempts)
}

// The final outcome only depends on the set of per-node replies,
// never on the order they arrive in.
func TestRound_orderIndependence(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 9).Draw(rt, "n")
		kinds := rapid.SliceOfN(
			rapid.SampledFrom([]ReplyKind{
				ReplyAccepted, ReplyTransportError, ReplyProtocolError, ReplyVersionConflict,
			}),
			n, n,
		).Draw(rt, "kinds")

		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		order = rapid.Permutation(order).Draw(rt, "order")

		fx := newRoundFixture(t, n, nil)
		fx.Round.start(context.Background())
		for _, i := range order {
			fx.Round.handleReply(replyEvent{
				Key:   requestKey{Node: i, Attempt: 1},
				Reply: Reply{Kind: kinds[i], ReportedVersion: 100},
			})
		}
		if !fx.Round.phase.Terminal() {
			fx.Round.handleDeadline()
		}

		accepted := 0
		for _, k := range kinds {
			if k == ReplyAccepted {
				accepted++
			}
		}

		want := OutcomeAborted
		if accepted*2 > n {
			want = OutcomeCommitted
		}
		if fx.Round.outcome.Kind != want {
			rt.Fatalf(
				"got outcome %s with %d of %d accepted (order %v)",
				fx.Round.outcome.Kind, accepted, n, order,
			)
		}
	})
}

// With every node replying, exactly the majority threshold decides the outcome.
func TestRound_quorumExactness(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 16).Draw(rt, "n")
		accepted := rapid.IntRange(0, n).Draw(rt, "accepted")

		fx := newRoundFixture(t, n, nil)
		fx.Round.start(context.Background())

		for i := range n {
			kind := ReplyTransportError
			if i < accepted {
				kind = ReplyAccepted
			}
			fx.Reply(i, 1, kind)
		}

		committed := fx.Round.phase == RoundCommitted
		if committed != (accepted*2 > n) {
			rt.Fatalf("n=%d accepted=%d committed=%v", n, accepted, committed)
		}
		if !committed {
			if fx.Round.phase != RoundAwaitingReplies {
				rt.Fatalf("round without quorum must wait for the deadline, got phase %s", fx.Round.phase)
			}
			fx.Round.handleDeadline()
			if fx.Round.outcome.Reason != AbortTimeout {
				rt.Fatalf("expected timeout, got %s", fx.Round.outcome.Reason)
			}
		}
	})
}
