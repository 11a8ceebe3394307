// Package gwire defines the wire contract between the activation coordinator
// and a content node.
//
// An activation request carries only the version being activated.
// A successful reply has no return values;
// a failed reply carries an error code and message.
// Any other reply shape is a protocol violation.
package gwire

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MethodActivateVersion is the RPC method name nodes register
// for cluster state version activation.
const MethodActivateVersion = "activate_cluster_state_version"

// ActivateVersionMessage is the minimal request sent to a node.
type ActivateVersionMessage struct {
	Version uint64
}

// Response is the raw completion a transport reports for one request.
//
// A zero Response is a well-formed success.
type Response struct {
	// Zero when the request did not fail.
	ErrorCode    ErrorCode
	ErrorMessage string

	// Type signature of the returned values, one character per value.
	// Must be empty for a valid activation reply.
	ReturnTypes string
}

// IsError reports whether the transport or the node reported a failure.
func (r Response) IsError() bool {
	return r.ErrorCode != ErrorNone
}

// CompletionFunc receives the outcome of a single request.
// A transport must call it exactly once per Send;
// receivers still guard against duplicate calls.
type CompletionFunc func(Response)

// Sender is the opaque send capability of a single node.
//
// SendActivateVersion must not block on network I/O.
// It registers done to be called once when the request completes,
// fails, or exceeds timeout.
// Cancelling ctx is a best-effort request to abandon the call;
// an in-flight request may still complete afterwards.
type Sender interface {
	SendActivateVersion(
		ctx context.Context,
		msg ActivateVersionMessage,
		timeout time.Duration,
		done CompletionFunc,
	)
}

// ErrorCode is an RPC level error code.
// Codes below [FirstApplicationError] are reserved for the RPC system;
// codes at or above it are set by the node application.
type ErrorCode uint32

const (
	ErrorNone ErrorCode = 0

	ErrorGeneral      ErrorCode = 100
	ErrorNoSuchMethod ErrorCode = 101
	ErrorWrongParams  ErrorCode = 102
	ErrorOverload     ErrorCode = 103
	ErrorWrongReturn  ErrorCode = 104
	ErrorBadReply     ErrorCode = 105
	ErrorMethodFailed ErrorCode = 106

	ErrorAbort      ErrorCode = 200
	ErrorTimeout    ErrorCode = 201
	ErrorConnection ErrorCode = 202

	FirstApplicationError ErrorCode = 0x10000

	// The node is on a different cluster state version than the one requested.
	// The message must be formatted with [VersionConflictMessage].
	ErrorVersionConflict ErrorCode = FirstApplicationError + 1
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorNone:
		return "none"
	case ErrorGeneral:
		return "general"
	case ErrorNoSuchMethod:
		return "no such method"
	case ErrorWrongParams:
		return "wrong params"
	case ErrorOverload:
		return "overload"
	case ErrorWrongReturn:
		return "wrong return"
	case ErrorBadReply:
		return "bad reply"
	case ErrorMethodFailed:
		return "method failed"
	case ErrorAbort:
		return "abort"
	case ErrorTimeout:
		return "timeout"
	case ErrorConnection:
		return "connection"
	case ErrorVersionConflict:
		return "version conflict"
	}

	if c >= FirstApplicationError {
		return fmt.Sprintf("application(%d)", uint32(c))
	}
	return fmt.Sprintf("ErrorCode(%d)", uint32(c))
}

const versionConflictPrefix = "version conflict: node at version "

// VersionConflictMessage formats the error message a node sends
// alongside [ErrorVersionConflict].
func VersionConflictMessage(nodeVersion uint64) string {
	return versionConflictPrefix + strconv.FormatUint(nodeVersion, 10)
}

// ParseVersionConflict extracts the node's reported version
// from a message produced by [VersionConflictMessage].
func ParseVersionConflict(msg string) (uint64, error) {
	rest, ok := strings.CutPrefix(msg, versionConflictPrefix)
	if !ok {
		return 0, fmt.Errorf("malformed version conflict message %q", msg)
	}

	v, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed version in conflict message %q: %w", msg, err)
	}
	return v, nil
}
