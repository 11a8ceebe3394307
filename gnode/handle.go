// Package gnode contains the coordinator's view of content nodes:
// a [Handle] per node and a [Registry] indexing handles by ID.
//
// Handles are owned by the surrounding cluster state subsystem.
// The activation core borrows them for the duration of a round,
// reading the ID and send capability
// and advancing the last acknowledged version.
package gnode

import (
	"fmt"
	"sync/atomic"

	"github.com/gordian-engine/gactivate/gwire"
)

// ID is the stable identity of a node.
type ID string

// Handle is a single node's identity, send capability,
// and the last cluster state version it acknowledged.
//
// Handle methods are safe for concurrent use.
type Handle struct {
	id     ID
	sender gwire.Sender

	lastAcked atomic.Uint64
}

// NewHandle returns a Handle for the given node.
// The handle starts with no acknowledged version.
func NewHandle(id ID, sender gwire.Sender) *Handle {
	if id == "" {
		panic(fmt.Errorf("BUG: node ID must not be empty"))
	}
	if sender == nil {
		panic(fmt.Errorf("BUG: node %s has nil sender", id))
	}

	return &Handle{id: id, sender: sender}
}

func (h *Handle) ID() ID {
	return h.id
}

func (h *Handle) Sender() gwire.Sender {
	return h.sender
}

// LastAckedVersion returns the highest version the node has acknowledged,
// or zero if it has not acknowledged any.
func (h *Handle) LastAckedVersion() uint64 {
	return h.lastAcked.Load()
}

// AdvanceAckedVersion records that the node acknowledged version v.
// The stored value only moves forward;
// if v is not greater than the current value, nothing changes
// and AdvanceAckedVersion reports false.
func (h *Handle) AdvanceAckedVersion(v uint64) bool {
	for {
		cur := h.lastAcked.Load()
		if v <= cur {
			return false
		}
		if h.lastAcked.CompareAndSwap(cur, v) {
			return true
		}
	}
}

func (h *Handle) String() string {
	return string(h.id)
}
