package gactivatetest

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gordian-engine/gactivate/gwire"
)

// Manual leaves every call unanswered.
// The test completes calls through [Call.Done],
// typically after receiving them from [*Node.Sent].
func Manual() Behavior {
	return nil
}

// Accept replies with success.
func Accept() Behavior {
	return func(Call, uint64) Result {
		return Result{}
	}
}

// Fail replies with the given error code on every call.
func Fail(code gwire.ErrorCode) Behavior {
	return func(Call, uint64) Result {
		return Result{Response: gwire.Response{
			ErrorCode:    code,
			ErrorMessage: "simulated failure: " + code.String(),
		}}
	}
}

// Silent never replies.
func Silent() Behavior {
	return func(Call, uint64) Result {
		return Result{Silent: true}
	}
}

// BadReturn replies with a value, which violates the wire contract.
func BadReturn() Behavior {
	return func(Call, uint64) Result {
		return Result{Response: gwire.Response{ReturnTypes: "i"}}
	}
}

// Conflict replies that the node is on version v.
func Conflict(v uint64) Behavior {
	return func(Call, uint64) Result {
		return Result{Response: gwire.Response{
			ErrorCode:    gwire.ErrorVersionConflict,
			ErrorMessage: gwire.VersionConflictMessage(v),
		}}
	}
}

// RejectOlder accepts versions newer than the node's current version
// and reports a version conflict otherwise.
func RejectOlder() Behavior {
	return func(c Call, current uint64) Result {
		if c.Version > current {
			return Result{}
		}
		return Conflict(current)(c, current)
	}
}

// Delayed delivers b's result after d.
func Delayed(d time.Duration, b Behavior) Behavior {
	return func(c Call, current uint64) Result {
		res := b(c, current)
		res.Delay = d
		return res
	}
}

// Sequence uses bs[i] for attempt i+1 of each version,
// and the last behavior for any further attempts.
func Sequence(bs ...Behavior) Behavior {
	if len(bs) == 0 {
		panic("BUG: Sequence requires at least one behavior")
	}
	return func(c Call, current uint64) Result {
		idx := min(c.Attempt, len(bs)) - 1
		return bs[idx](c, current)
	}
}

// Flaky fails with a connection error at the given rate
// and otherwise accepts, with a uniformly random delay up to maxDelay.
// Each Flaky behavior owns a random source seeded with seed.
func Flaky(seed uint64, failRate float64, maxDelay time.Duration) Behavior {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	var mu sync.Mutex
	return func(Call, uint64) Result {
		mu.Lock()
		fail := rng.Float64() < failRate
		var d time.Duration
		if maxDelay > 0 {
			d = time.Duration(rng.Int64N(int64(maxDelay)))
		}
		mu.Unlock()

		res := Result{Delay: d}
		if fail {
			res.Response = gwire.Response{
				ErrorCode:    gwire.ErrorConnection,
				ErrorMessage: "simulated connection loss",
			}
		}
		return res
	}
}
