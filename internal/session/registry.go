// Package session owns the lifecycle of pairing sessions: creation, lookup,
// file bookkeeping and time based expiry.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultTTL is the lifetime of a session created without an explicit TTL.
const DefaultTTL = 10 * time.Minute

// ErrNotFound indicates that the requested session does not exist.
var ErrNotFound = errors.New("session not found")

// Config represents the session configuration.
type Config struct {
	// TTL is applied when a session is created without one.
	TTL time.Duration `koanf:"ttl"`

	// MaxTTL caps requested TTLs. 0 disables the cap.
	MaxTTL time.Duration `koanf:"max_ttl"`

	SweepInterval time.Duration `koanf:"sweep_interval"`

	// BroadcastUploads is the scope of the file list refresh sent after an
	// upload: "session" or "global".
	BroadcastUploads string `koanf:"broadcast_uploads"`
}

// Session is a snapshot of a pairing session.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Files     []string  `json:"files"`
}

// Expired reports whether the session's deadline is at or before now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Registry maps session IDs to sessions. It is safe for concurrent use.
type Registry struct {
	defaultTTL time.Duration
	maxTTL     time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	// Now is the clock. Tests may replace it before the registry is used.
	Now func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg Config) *Registry {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		defaultTTL: ttl,
		maxTTL:     cfg.MaxTTL,
		sessions:   make(map[string]*Session),
		Now:        time.Now,
	}
}

// Create registers a new empty session that expires after ttl. A ttl <= 0
// uses the default.
func (r *Registry) Create(ttl time.Duration) Session {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	if r.maxTTL > 0 && ttl > r.maxTTL {
		ttl = r.maxTTL
	}

	now := r.Now()
	s := &Session{
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Files:     []string{},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		s.ID = uuid.New().String()
		if _, exists := r.sessions[s.ID]; !exists {
			break
		}
	}
	r.sessions[s.ID] = s
	return s.copy()
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.copy(), true
}

// Alive reports whether the session exists and its deadline hasn't passed.
func (r *Registry) Alive(id string) bool {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	return ok && !s.ExpiresAt.Before(r.Now())
}

// RecordFile appends name to the session's files unless it's already there.
func (r *Registry) RecordFile(id, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "%q", id)
	}
	for _, f := range s.Files {
		if f == name {
			return nil
		}
	}
	s.Files = append(s.Files, name)
	return nil
}

// Delete removes the session and returns the files it recorded. ok is false
// if the session was unknown.
func (r *Registry) Delete(id string) (files []string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return []string{}, false
	}
	delete(r.sessions, id)
	return s.Files, true
}

// Expired returns the IDs of sessions whose deadline is at or before now.
func (r *Registry) Expired(now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, s := range r.sessions {
		if s.Expired(now) {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (s *Session) copy() Session {
	out := *s
	out.Files = make([]string, len(s.Files))
	copy(out.Files, s.Files)
	return out
}
