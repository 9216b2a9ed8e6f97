// Package presence tracks which users currently have a live, addressable
// connection to the relay. The registry is the single shared structure
// mutated by unrelated call sessions concurrently, so it carries its own
// synchronization and callers never hold call-level locks across it.
package presence

import (
	"sync"

	"github.com/google/uuid"
)

// Conn is the handle the registry keeps for a connected user. Send must be
// non-blocking: implementations queue into an outbound buffer and report
// false when the buffer is full or the connection is gone.
type Conn interface {
	UserID() uuid.UUID
	Send(event *Event) bool
	Close()
}

// Event is an outbound payload queued onto a connection. Type names the
// event on the wire; Payload is marshaled as-is.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Registry is an in-memory user -> connection map. A user connecting from a
// second device supersedes the previous entry (last-writer-wins); stale
// disconnects of a superseded connection must not evict the newer entry.
type Registry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[uuid.UUID]Conn)}
}

// Register records conn as the active connection for userID, superseding
// any previous entry. The superseded connection, if any, is returned so the
// transport can close it.
func (r *Registry) Register(userID uuid.UUID, conn Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[userID]
	r.conns[userID] = conn
	if prev == conn {
		return nil
	}
	return prev
}

// Unregister removes the entry for userID only if conn is still the
// registered connection. A disconnect of a since-superseded connection is a
// no-op. Reports whether an entry was removed.
func (r *Registry) Unregister(userID uuid.UUID, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[userID] != conn {
		return false
	}
	delete(r.conns, userID)
	return true
}

// Lookup returns the active connection for userID, or nil if the user has
// no live connection.
func (r *Registry) Lookup(userID uuid.UUID) Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[userID]
}

// Count returns the number of connected users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
