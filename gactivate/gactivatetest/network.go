// Package gactivatetest contains an in-memory network of simulated content nodes,
// for tests and for the activation simulator.
package gactivatetest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/gactivate/gnode"
	"github.com/gordian-engine/gactivate/gwire"
)

// Network is a set of simulated nodes sharing one clock.
type Network struct {
	clock clock.Clock

	mu    sync.Mutex
	nodes map[gnode.ID]*Node
}

// NewNetwork returns an empty Network.
// Reply delays are scheduled on clk.
func NewNetwork(clk clock.Clock) *Network {
	return &Network{
		clock: clk,
		nodes: make(map[gnode.ID]*Node),
	}
}

// AddNode adds a simulated node using behavior b,
// and returns the node along with a handle whose sender targets it.
func (n *Network) AddNode(id gnode.ID, b Behavior) (*Node, *gnode.Handle) {
	node := &Node{
		id:       id,
		clock:    n.clock,
		behavior: b,
		attempts: make(map[uint64]int),
		sent:     make(chan Call, 64),
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.nodes[id]; ok {
		panic(fmt.Errorf("BUG: duplicate simulated node %s", id))
	}
	n.nodes[id] = node

	return node, gnode.NewHandle(id, node)
}

func (n *Network) Node(id gnode.ID) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[id]
}

// Call is one activation request received by a simulated node.
type Call struct {
	Version uint64

	// 1-based count of requests this node received for Version.
	Attempt int

	Timeout time.Duration
	Ctx     context.Context

	// Done completes the call.
	// Only useful for calls handled by [Manual].
	Done gwire.CompletionFunc
}

// Result is a behavior's decision for one call.
type Result struct {
	Response gwire.Response

	// How long after the call the response is delivered.
	// Zero delivers the response before SendActivateVersion returns.
	Delay time.Duration

	// Never respond.
	Silent bool
}

// Behavior decides how a simulated node handles a call.
// The current argument is the node's active version before the call.
type Behavior func(c Call, current uint64) Result

// Node is a simulated content node.
// It satisfies [gwire.Sender].
type Node struct {
	id    gnode.ID
	clock clock.Clock

	mu       sync.Mutex
	behavior Behavior
	version  uint64
	attempts map[uint64]int
	calls    []Call

	sent chan Call
}

func (n *Node) ID() gnode.ID {
	return n.id
}

// SetBehavior replaces the node's behavior for future calls.
func (n *Node) SetBehavior(b Behavior) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.behavior = b
}

// Version returns the version the node most recently accepted.
func (n *Node) Version() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.version
}

// SetVersion forces the node's active version.
func (n *Node) SetVersion(v uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.version = v
}

// Calls returns a copy of every call the node received.
func (n *Node) Calls() []Call {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.calls)
}

// CallCount returns the number of calls the node received.
func (n *Node) CallCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

// Sent returns a channel receiving each call as it arrives.
// The channel is buffered; calls are dropped from it, not from [*Node.Calls],
// if nobody reads it.
func (n *Node) Sent() <-chan Call {
	return n.sent
}

// SendActivateVersion satisfies [gwire.Sender].
func (n *Node) SendActivateVersion(
	ctx context.Context,
	msg gwire.ActivateVersionMessage,
	timeout time.Duration,
	done gwire.CompletionFunc,
) {
	n.mu.Lock()
	n.attempts[msg.Version]++
	c := Call{
		Version: msg.Version,
		Attempt: n.attempts[msg.Version],
		Timeout: timeout,
		Ctx:     ctx,
		Done:    done,
	}
	n.calls = append(n.calls, c)
	current := n.version
	b := n.behavior
	n.mu.Unlock()

	var res Result
	if b != nil {
		res = b(c, current)
	}

	switch {
	case b == nil || res.Silent:
		// No reply.
	case res.Delay <= 0:
		n.deliver(msg.Version, res.Response, done)
	default:
		// Like a real transport, the reply may still arrive after ctx is cancelled.
		n.clock.AfterFunc(res.Delay, func() {
			n.deliver(msg.Version, res.Response, done)
		})
	}

	// Notify only after any delayed reply is scheduled,
	// so a test advancing a mock clock on receipt cannot skip past it.
	select {
	case n.sent <- c:
	default:
	}
}

func (n *Node) deliver(version uint64, resp gwire.Response, done gwire.CompletionFunc) {
	if !resp.IsError() && resp.ReturnTypes == "" {
		n.mu.Lock()
		if version > n.version {
			n.version = version
		}
		n.mu.Unlock()
	}
	done(resp)
}
