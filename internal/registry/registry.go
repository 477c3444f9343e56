// Package registry tracks the live protocol client of every attached session.
package registry

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/ashureev/chatlink/internal/protocol"
)

// Registry maps session ids to their live protocol client.
// It holds no business rules and never performs I/O.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]protocol.Client
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		clients: make(map[string]protocol.Client),
	}
}

// Get returns the live client for a session.
func (r *Registry) Get(sessionID string) (protocol.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[sessionID]
	return client, ok
}

// Put registers client for sessionID, replacing any prior entry.
// The caller must have disposed of the prior client.
func (r *Registry) Put(sessionID string, client protocol.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.clients[sessionID]; ok && existing != client {
		slog.Debug("Replacing registered client", "session_id", sessionID)
	}
	r.clients[sessionID] = client
}

// Remove deletes the entry for sessionID and returns the removed client.
func (r *Registry) Remove(sessionID string) (protocol.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[sessionID]
	if ok {
		delete(r.clients, sessionID)
	}
	return client, ok
}

// RemoveIf deletes the entry only if it still points at client.
func (r *Registry) RemoveIf(sessionID string, client protocol.Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.clients[sessionID]; ok && current == client {
		delete(r.clients, sessionID)
		return true
	}
	return false
}

// Is reports whether client is the one currently registered for sessionID.
func (r *Registry) Is(sessionID string, client protocol.Client) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	current, ok := r.clients[sessionID]
	return ok && current == client
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// IDs returns the registered session ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}
