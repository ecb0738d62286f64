package vane

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is a durable logical connection between one client and the server.
// It is created exactly once on successful bootstrap, owns its Transport for
// its whole lifetime, and lives until the Transport closes or the server
// drains it at shutdown.
type Session struct {
	id        string
	transport Transport
	createdAt time.Time
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// Transport returns the transport the session's outbound messages travel on.
func (s *Session) Transport() Transport { return s.transport }

// CreatedAt returns the time the session was minted.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Registry is the process-wide table of live sessions. It is the single
// source of truth for which sessions exist; all mutation goes through its
// operations, guarded by one lock held only for the duration of the map
// access. Session identifiers are uuid v4 values, so a removed identifier is
// never minted again.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create mints a fresh session bound to the given transport and inserts it.
// The identifier is unique among all sessions this registry ever produced.
func (r *Registry) Create(t Transport) *Session {
	sess := &Session{
		id:        uuid.New().String(),
		transport: t,
		createdAt: time.Now(),
	}

	r.mu.Lock()
	r.sessions[sess.id] = sess
	r.mu.Unlock()

	return sess
}

// Lookup returns the session for id, if it is live.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Remove deletes the session for id. Removing an absent id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the live sessions, so callers can
// iterate while sessions are concurrently created or removed.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
