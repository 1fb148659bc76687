// Package sockets tracks the client connections that are currently live.
// It is the single source of truth the resource manager consults to decide
// whether a platform instance is still referenced.
package sockets

import (
	"sort"
	"sync"
)

// Socket is a connected client. Emit delivers an event to it.
type Socket interface {
	ID() string
	Emit(event string, payload any) error
}

// Registry maps live socket ids to their transport handles.
type Registry struct {
	mu      sync.RWMutex
	sockets map[string]Socket
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sockets: make(map[string]Socket)}
}

// Add records s as live. Adding an id twice replaces the handle.
func (r *Registry) Add(s Socket) {
	r.mu.Lock()
	r.sockets[s.ID()] = s
	r.mu.Unlock()
}

// Remove forgets id and returns the handle it held.
func (r *Registry) Remove(id string) (Socket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sockets[id]
	delete(r.sockets, id)
	return s, ok
}

// Get returns the handle for id.
func (r *Registry) Get(id string) (Socket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sockets[id]
	return s, ok
}

// Has reports whether id is live.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sockets[id]
	return ok
}

// IDs returns the live ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sockets))
	for id := range r.sockets {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of live sockets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sockets)
}

// Emit sends event to socket id if it is still live.
func (r *Registry) Emit(id, event string, payload any) error {
	s, ok := r.Get(id)
	if !ok {
		return nil
	}
	return s.Emit(event, payload)
}
