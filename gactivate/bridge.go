package gactivate

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gordian-engine/gactivate/gnode"
	"github.com/gordian-engine/gactivate/gwire"
)

// requestKey identifies one attempt of one node's request within a round.
type requestKey struct {
	Node    int
	Attempt int
}

// replyEvent is what a replyBridge hands to the round's run loop.
type replyEvent struct {
	Key   requestKey
	Reply Reply
}

// replyBridge adapts a transport completion into a single replyEvent.
//
// A bridge is bound to exactly one request attempt.
// If the transport completes the same request more than once,
// every completion after the first is logged and dropped.
type replyBridge struct {
	log *slog.Logger

	key    requestKey
	nodeID gnode.ID

	fired atomic.Bool

	deliver func(replyEvent)
}

func newReplyBridge(
	log *slog.Logger,
	key requestKey,
	nodeID gnode.ID,
	deliver func(replyEvent),
) *replyBridge {
	return &replyBridge{
		log:     log,
		key:     key,
		nodeID:  nodeID,
		deliver: deliver,
	}
}

// Complete satisfies [gwire.CompletionFunc].
// It may be called from any goroutine.
func (b *replyBridge) Complete(resp gwire.Response) {
	if !b.fired.CompareAndSwap(false, true) {
		b.log.Warn(
			"Dropping duplicate completion from transport",
			"node", b.nodeID,
			"attempt", b.key.Attempt,
			"err_code", resp.ErrorCode,
		)
		return
	}

	b.deliver(replyEvent{
		Key:   b.key,
		Reply: TranslateResponse(b.nodeID, resp),
	})
}

// activationRequest is the round's bookkeeping for a single node.
// It is only accessed from the round's run loop.
type activationRequest struct {
	Node *gnode.Handle

	// Number of attempts dispatched so far.
	Attempt int

	// Deadline of the latest attempt.
	Deadline time.Time

	// Whether the latest attempt is awaiting its reply.
	Outstanding bool

	// Cancels the context of the latest attempt.
	cancel func()
}
