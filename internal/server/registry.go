package server

import (
	"sync"

	"hades/internal/domain"
)

// registry remembers submitted injects for the listing endpoint. It lives
// only as long as the process.
type registry struct {
	mu    sync.RWMutex
	items map[string]domain.Inject
}

func newRegistry() *registry {
	return &registry{items: make(map[string]domain.Inject)}
}

func (r *registry) add(id string, in domain.Inject) {
	r.mu.Lock()
	r.items[id] = in
	r.mu.Unlock()
}

func (r *registry) get(id string) (domain.Inject, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.items[id]
	return in, ok
}

func (r *registry) listing() domain.Listing {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(domain.Listing, len(r.items))
	for id, in := range r.items {
		out[id] = in
	}
	return out
}
