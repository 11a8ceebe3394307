// Package gtest contains helpers shared across tests.
package gtest

import (
	"log/slog"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
)

// scaleFactor multiplies real-time test timeouts.
// Raise it when running tests under heavy load or the race detector.
var scaleFactor = 1

// ScaleMs returns ms milliseconds multiplied by the package scale factor.
func ScaleMs(ms int) time.Duration {
	return time.Duration(scaleFactor*ms) * time.Millisecond
}

// NewLogger returns a logger that writes through t.Log,
// so output is only shown for failed or verbose tests.
func NewLogger(t testing.TB) *slog.Logger {
	return slogt.New(t, slogt.Text())
}

// ReceiveSoon attempts to receive a value from ch within a short real-time window.
// If no value arrives, the test fails immediately.
func ReceiveSoon[T any](t testing.TB, ch <-chan T) T {
	t.Helper()

	timer := time.NewTimer(ScaleMs(500))
	defer timer.Stop()

	select {
	case v := <-ch:
		return v
	case <-timer.C:
		t.Fatalf("did not receive value in time")
	}

	panic("unreachable")
}

// NotSending asserts that ch does not have a value ready,
// waiting a very short real-time window first.
func NotSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	timer := time.NewTimer(ScaleMs(10))
	defer timer.Stop()

	select {
	case v := <-ch:
		t.Fatalf("expected no value, but received %v", v)
	case <-timer.C:
		// Okay.
	}
}

// IsClosed reports whether ch is closed, without blocking.
func IsClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
