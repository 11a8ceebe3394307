package gactivate

import (
	"fmt"

	"github.com/gordian-engine/gactivate/gnode"
	"github.com/gordian-engine/gactivate/gwire"
)

// ReplyKind is the tag of a [Reply].
type ReplyKind uint8

const (
	_ ReplyKind = iota // Invalid.

	// The node switched to the requested version.
	ReplyAccepted

	// The request failed in the transport or the node reported a failure.
	// Retryable.
	ReplyTransportError

	// The node replied with something that does not match the wire contract.
	// Retryable.
	ReplyProtocolError

	// The node reported it is on a different version than requested.
	ReplyVersionConflict
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyAccepted:
		return "accepted"
	case ReplyTransportError:
		return "transport error"
	case ReplyProtocolError:
		return "protocol error"
	case ReplyVersionConflict:
		return "version conflict"
	default:
		return fmt.Sprintf("ReplyKind(%d)", uint8(k))
	}
}

// Reply is the normalized outcome of one activation request.
// Replies are only constructed fully formed, by translating a [gwire.Response].
type Reply struct {
	Kind ReplyKind

	// Set for ReplyTransportError and ReplyProtocolError.
	Code    gwire.ErrorCode
	Message string

	// Set for ReplyVersionConflict.
	ReportedVersion uint64
}

// Retryable reports whether the request that produced r
// may be sent again within the same round.
// A version conflict is retryable only when the node is behind the requested version.
func (r Reply) Retryable(requested uint64) bool {
	switch r.Kind {
	case ReplyTransportError, ReplyProtocolError:
		return true
	case ReplyVersionConflict:
		return r.ReportedVersion <= requested
	default:
		return false
	}
}

func (r Reply) String() string {
	switch r.Kind {
	case ReplyAccepted:
		return "accepted"
	case ReplyVersionConflict:
		return fmt.Sprintf("version conflict (node at %d)", r.ReportedVersion)
	default:
		return fmt.Sprintf("%s (%s: %s)", r.Kind, r.Code, r.Message)
	}
}

// TranslateResponse converts a raw transport response from node id
// into exactly one Reply.
func TranslateResponse(id gnode.ID, resp gwire.Response) Reply {
	if resp.IsError() {
		if resp.ErrorCode != gwire.ErrorVersionConflict {
			return Reply{
				Kind:    ReplyTransportError,
				Code:    resp.ErrorCode,
				Message: resp.ErrorMessage,
			}
		}

		v, err := gwire.ParseVersionConflict(resp.ErrorMessage)
		if err != nil {
			return Reply{
				Kind:    ReplyProtocolError,
				Code:    gwire.ErrorBadReply,
				Message: fmt.Sprintf("invalid version conflict reply from %s: %v", id, err),
			}
		}
		return Reply{
			Kind:            ReplyVersionConflict,
			ReportedVersion: v,
		}
	}

	if resp.ReturnTypes != "" {
		return Reply{
			Kind: ReplyProtocolError,
			Code: gwire.ErrorBadReply,
			Message: fmt.Sprintf(
				"got RPC response with invalid return types %q from %s", resp.ReturnTypes, id,
			),
		}
	}

	return Reply{Kind: ReplyAccepted}
}
