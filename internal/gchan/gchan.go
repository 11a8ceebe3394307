// Package gchan contains helpers for channel operations
// that must also respect context cancellation.
//
// Every helper takes a logger and a short description of the operation,
// so that a cancelled context produces a consistent debug log line
// identifying which operation was interrupted.
package gchan

import (
	"context"
	"log/slog"
)

// SendC attempts to send val on ch,
// returning true if the value was sent
// or false if ctx was cancelled first.
func SendC[T any](
	ctx context.Context, log *slog.Logger,
	ch chan<- T, val T,
	desc string,
) bool {
	select {
	case <-ctx.Done():
		log.Debug(
			"Context cancelled while sending",
			"op", desc,
			"cause", context.Cause(ctx),
		)
		return false
	case ch <- val:
		return true
	}
}

// RecvC attempts to receive a value from ch,
// returning the value and true,
// or the zero value and false if ctx was cancelled first.
func RecvC[T any](
	ctx context.Context, log *slog.Logger,
	ch <-chan T,
	desc string,
) (T, bool) {
	select {
	case <-ctx.Done():
		log.Debug(
			"Context cancelled while receiving",
			"op", desc,
			"cause", context.Cause(ctx),
		)
		var zero T
		return zero, false
	case v := <-ch:
		return v, true
	}
}
