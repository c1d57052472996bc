package hub

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Predefined common errors.
var (
	ErrExpired       = errors.New("session is invalid or has expired")
	ErrAlreadyJoined = errors.New("connection already belongs to a session")
)

// Conn is a realtime connection that can be attached to a session.
// Implementations must never block or panic in Send, and Send on a closed
// connection must return false.
type Conn interface {
	Send(b []byte) bool
	Close()
}

// SessionChecker tells the hub whether a session can still be joined.
type SessionChecker interface {
	Alive(id string) bool
}

// Hub tracks which connections are attached to which session and fans
// messages out to them. It is safe for concurrent use.
//
// Sends are non-blocking enqueues and are issued while holding the hub's
// lock, so every member of a session observes that session's broadcasts in
// the same order.
type Hub struct {
	sessions map[string]map[Conn]struct{}
	members  map[Conn]string

	checker SessionChecker
	mut     sync.Mutex
	log     zerolog.Logger
}

// NewHub returns a new instance of Hub.
func NewHub(checker SessionChecker, l zerolog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]map[Conn]struct{}),
		members:  make(map[Conn]string),
		checker:  checker,
		log:      l.With().Str("component", "hub").Logger(),
	}
}

// Join attaches c to a session. It returns ErrExpired if the session doesn't
// exist or is past its deadline. The caller must then close c.
func (h *Hub) Join(sessionID string, c Conn) error {
	h.mut.Lock()
	defer h.mut.Unlock()

	if _, ok := h.members[c]; ok {
		return ErrAlreadyJoined
	}
	// Checked under the hub lock: a teardown removes the session from the
	// registry before it takes this lock to close the members.
	if !h.checker.Alive(sessionID) {
		return ErrExpired
	}

	set, ok := h.sessions[sessionID]
	if !ok {
		set = make(map[Conn]struct{})
		h.sessions[sessionID] = set
	}
	set[c] = struct{}{}
	h.members[c] = sessionID
	h.log.Debug().Str("session", sessionID).Int("members", len(set)).Msg("connection joined")
	return nil
}

// Leave detaches c from its session and returns the session's ID. ok is
// false if c wasn't attached.
func (h *Hub) Leave(c Conn) (sessionID string, ok bool) {
	h.mut.Lock()
	defer h.mut.Unlock()

	sessionID, ok = h.members[c]
	if !ok {
		return "", false
	}
	delete(h.members, c)
	if set := h.sessions[sessionID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.sessions, sessionID)
		}
	}
	h.log.Debug().Str("session", sessionID).Msg("connection left")
	return sessionID, true
}

// Broadcast sends b to every connection of a session except exclude, which
// may be nil.
func (h *Hub) Broadcast(sessionID string, b []byte, exclude Conn) {
	h.mut.Lock()
	defer h.mut.Unlock()
	for c := range h.sessions[sessionID] {
		if c == exclude {
			continue
		}
		c.Send(b)
	}
}

// BroadcastAll sends b to every attached connection of every session.
func (h *Hub) BroadcastAll(b []byte) {
	h.mut.Lock()
	defer h.mut.Unlock()
	for c := range h.members {
		c.Send(b)
	}
}

// NotifyAndClose sends b to every member of a session, closes them and
// forgets the session.
func (h *Hub) NotifyAndClose(sessionID string, b []byte) int {
	h.mut.Lock()
	defer h.mut.Unlock()

	set := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	for c := range set {
		delete(h.members, c)
		c.Send(b)
		c.Close()
	}
	return len(set)
}

// Count returns the number of connections attached to a session.
func (h *Hub) Count(sessionID string) int {
	h.mut.Lock()
	defer h.mut.Unlock()
	return len(h.sessions[sessionID])
}

// Connections returns the number of attached connections across sessions.
func (h *Hub) Connections() int {
	h.mut.Lock()
	defer h.mut.Unlock()
	return len(h.members)
}
