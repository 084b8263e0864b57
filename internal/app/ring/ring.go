// Package ring maps room names onto peer addresses with a consistent hash.
//
// Membership is kept here; placement is a ketama ring from serialx/hashring,
// rebuilt from the sorted member list so rings with the same members agree on
// every key regardless of the order peers were added.
package ring

import (
	"slices"
	"sync"

	"github.com/serialx/hashring"

	"github.com/dkeye/soundrooms/internal/domain"
)

type Ring struct {
	mu    sync.RWMutex
	nodes map[string]struct{}
	ring  *hashring.HashRing
}

func New(nodes ...string) *Ring {
	r := &Ring{nodes: make(map[string]struct{})}
	for _, n := range nodes {
		r.nodes[n] = struct{}{}
	}
	r.rebuild()
	return r
}

// Add returns false when node is already a member.
func (r *Ring) Add(node string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[node]; ok {
		return false
	}
	r.nodes[node] = struct{}{}
	r.rebuild()
	return true
}

// Remove returns false when node was not a member.
func (r *Ring) Remove(node string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[node]; !ok {
		return false
	}
	delete(r.nodes, node)
	r.rebuild()
	return true
}

func (r *Ring) Has(node string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[node]
	return ok
}

// Nodes returns the members in sorted order.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted()
}

// Get returns the node owning key, or false on an empty ring.
func (r *Ring) Get(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.nodes) == 0 {
		return "", false
	}
	return r.ring.GetNode(key)
}

// Servable returns the rooms owned by self, in pool order.
func (r *Ring) Servable(self string, rooms []domain.RoomName) []domain.RoomName {
	out := make([]domain.RoomName, 0, len(rooms))
	for _, name := range rooms {
		if owner, ok := r.Get(string(name)); ok && owner == self {
			out = append(out, name)
		}
	}
	return out
}

func (r *Ring) sorted() []string {
	out := make([]string, 0, len(r.nodes))
	for n := range r.nodes {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

func (r *Ring) rebuild() {
	r.ring = hashring.New(r.sorted())
}
