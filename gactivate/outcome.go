package gactivate

import (
	"fmt"
	"time"

	"github.com/gordian-engine/gactivate/gnode"
	"github.com/google/uuid"
)

// RoundPhase is the state of an activation round.
type RoundPhase uint8

const (
	_ RoundPhase = iota // Invalid.

	// Requests are being dispatched to the node set.
	RoundSending

	// Every node has been dispatched to or pre-acknowledged.
	RoundAwaitingReplies

	// Quorum reached. Terminal.
	RoundCommitted

	// Deadline expired without quorum, or the round was abandoned. Terminal.
	RoundAborted
)

func (p RoundPhase) Terminal() bool {
	return p == RoundCommitted || p == RoundAborted
}

func (p RoundPhase) String() string {
	switch p {
	case RoundSending:
		return "sending"
	case RoundAwaitingReplies:
		return "awaiting replies"
	case RoundCommitted:
		return "committed"
	case RoundAborted:
		return "aborted"
	default:
		return fmt.Sprintf("RoundPhase(%d)", uint8(p))
	}
}

// NodeOutcome is the per-node bucket within a round.
// A node is in exactly one bucket at any time.
type NodeOutcome uint8

const (
	_ NodeOutcome = iota // Invalid.

	NodePending
	NodeAccepted

	// The node reported a newer version than the round's.
	// It is recorded as accepted for bookkeeping
	// but does not count toward quorum.
	NodeAhead

	NodeFailed
	NodeTimedOut
)

func (o NodeOutcome) String() string {
	switch o {
	case NodePending:
		return "pending"
	case NodeAccepted:
		return "accepted"
	case NodeAhead:
		return "ahead"
	case NodeFailed:
		return "failed"
	case NodeTimedOut:
		return "timed out"
	default:
		return fmt.Sprintf("NodeOutcome(%d)", uint8(o))
	}
}

// OutcomeKind is the terminal result of a round.
type OutcomeKind uint8

const (
	_ OutcomeKind = iota // Invalid.

	OutcomeCommitted
	OutcomeAborted
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCommitted:
		return "committed"
	case OutcomeAborted:
		return "aborted"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", uint8(k))
	}
}

// AbortReason explains an [OutcomeAborted].
type AbortReason uint8

const (
	_ AbortReason = iota // Not aborted.

	// The round deadline passed without quorum.
	AbortTimeout

	// A newer version was requested before the round finished.
	AbortSuperseded

	// The coordinator was reset after a leadership change.
	AbortLeadershipLost

	// The coordinator's context was cancelled.
	AbortStopped
)

func (r AbortReason) String() string {
	switch r {
	case AbortTimeout:
		return "timeout"
	case AbortSuperseded:
		return "superseded"
	case AbortLeadershipLost:
		return "leadership lost"
	case AbortStopped:
		return "stopped"
	default:
		return fmt.Sprintf("AbortReason(%d)", uint8(r))
	}
}

// RoundCounts summarizes the node buckets of a finished round.
type RoundCounts struct {
	Accepted int
	Ahead    int
	Failed   int
	TimedOut int

	// Nodes still pending when the round finished.
	// Their outstanding requests were cancelled.
	Cancelled int
}

// Outcome is the terminal result of an activation round.
type Outcome struct {
	Kind   OutcomeKind
	Reason AbortReason

	RoundID uuid.UUID
	Version uint64

	Started, Finished time.Time

	Counts RoundCounts
}

func (o Outcome) Committed() bool {
	return o.Kind == OutcomeCommitted
}

func (o Outcome) Duration() time.Duration {
	return o.Finished.Sub(o.Started)
}

func (o Outcome) String() string {
	if o.Kind == OutcomeAborted {
		return fmt.Sprintf("version %d aborted (%s)", o.Version, o.Reason)
	}
	return fmt.Sprintf("version %d %s", o.Version, o.Kind)
}

// NodeStatus is one node's entry in a [RoundSnapshot].
type NodeStatus struct {
	ID       gnode.ID
	Outcome  NodeOutcome
	Attempts int

	// Whether an attempt is currently awaiting its reply.
	Outstanding bool

	LastAckedVersion uint64
}

// RoundSnapshot is a point-in-time view of a round.
type RoundSnapshot struct {
	RoundID uuid.UUID
	Version uint64
	Phase   RoundPhase

	Started, Deadline time.Time

	Nodes []NodeStatus
}
