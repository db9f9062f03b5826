package channel

import "sync"

// Registry is the set of authenticated connections.
// Owned by Server, read by Broadcaster.
type Registry struct {
	mu sync.RWMutex
	m  map[*Conn]struct{}
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[*Conn]struct{})}
}

// Add returns false if c is already registered.
func (r *Registry) Add(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[c]; ok {
		return false
	}
	r.m[c] = struct{}{}
	return true
}

// Remove returns false if c was not registered.
func (r *Registry) Remove(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[c]; !ok {
		return false
	}
	delete(r.m, c)
	return true
}

func (r *Registry) Contains(c *Conn) bool {
	r.mu.RLock()
	_, ok := r.m[c]
	r.mu.RUnlock()
	return ok
}

// Snapshot returns connections registered at the moment of call.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]*Conn, 0, len(r.m))
	for c := range r.m {
		list = append(list, c)
	}
	return list
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}
