package capture

import (
	"sync"
	"sync/atomic"
	"time"
)

// Session tracks one currently-open streaming connection. Identity fields
// are immutable after construction; only the chunk counter changes, and it
// is atomic so snapshots never block the ingestion path.
type Session struct {
	Token       string
	DisplayName string
	Email       string
	SessionName string
	Filename    string
	StartedAt   time.Time

	chunks atomic.Uint64
}

// NewSession creates a session record for a freshly admitted connection.
func NewSession(token, displayName, email, sessionName, filename string, startedAt time.Time) *Session {
	return &Session{
		Token:       token,
		DisplayName: displayName,
		Email:       email,
		SessionName: sessionName,
		Filename:    filename,
		StartedAt:   startedAt,
	}
}

// AddChunk increments the received-chunk counter and returns the new total.
func (s *Session) AddChunk() uint64 {
	return s.chunks.Add(1)
}

// Chunks returns the number of chunks received so far.
func (s *Session) Chunks() uint64 {
	return s.chunks.Load()
}

// Snapshot is a read-only projection of a session for introspection.
type Snapshot struct {
	Token       string    `json:"token"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	SessionName string    `json:"session_name"`
	File        string    `json:"file"`
	Started     time.Time `json:"started"`
	Chunks      uint64    `json:"chunks"`
}

// Registry is the process-wide table of open capture sessions. It is not
// durable: a restart loses all entries, which is correct because in-flight
// recordings are by definition not yet completed.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session under its token.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.Token] = s
}

// Remove deletes the session for token, if present.
func (r *Registry) Remove(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, token)
}

// Get returns the session for token, or nil.
func (r *Registry) Get(token string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[token]
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns a point-in-time snapshot of all open sessions.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, Snapshot{
			Token:       s.Token,
			Name:        s.DisplayName,
			Email:       s.Email,
			SessionName: s.SessionName,
			File:        s.Filename,
			Started:     s.StartedAt,
			Chunks:      s.Chunks(),
		})
	}
	return out
}
