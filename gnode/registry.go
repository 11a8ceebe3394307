package gnode

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	ErrNodeExists  = errors.New("node already registered")
	ErrUnknownNode = errors.New("unknown node")
)

// Registry indexes node handles by ID.
// The activation core never adds or removes entries;
// it only looks up handles for the node set of a round.
//
// Registry methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	nodes map[ID]*Handle
}

func NewRegistry() *Registry {
	return &Registry{nodes: make(map[ID]*Handle)}
}

// Add registers h.
// It returns an error wrapping [ErrNodeExists] if a handle with the same ID is present.
func (r *Registry) Add(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[h.id]; ok {
		return fmt.Errorf("failed to add node %s: %w", h.id, ErrNodeExists)
	}
	r.nodes[h.id] = h
	return nil
}

// Remove unregisters the node with the given ID,
// reporting whether it was present.
func (r *Registry) Remove(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[id]; !ok {
		return false
	}
	delete(r.nodes, id)
	return true
}

func (r *Registry) Get(id ID) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.nodes[id]
	return h, ok
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// All returns every registered handle, sorted by ID.
func (r *Registry) All() []*Handle {
	r.mu.RLock()
	out := make([]*Handle, 0, len(r.nodes))
	for _, h := range r.nodes {
		out = append(out, h)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Handle) int {
		return strings.Compare(string(a.id), string(b.id))
	})
	return out
}

// Handles resolves ids to handles, in the given order.
// It fails if any ID is not registered.
func (r *Registry) Handles(ids ...ID) ([]*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Handle, len(ids))
	for i, id := range ids {
		h, ok := r.nodes[id]
		if !ok {
			return nil, fmt.Errorf("failed to resolve node %s: %w", id, ErrUnknownNode)
		}
		out[i] = h
	}
	return out, nil
}
