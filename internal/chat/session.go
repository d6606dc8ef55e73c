package chat

import (
	"sync"
	"time"
)

// AuthState is the server-side lifecycle of a connection. It only ever
// advances: AwaitingAuth → Authenticated → Closing → Closed.
type AuthState int

const (
	StateAwaitingAuth AuthState = iota
	StateAuthenticated
	StateClosing
	StateClosed
)

func (s AuthState) String() string {
	switch s {
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the authoritative per-connection state. One session exists per
// socket, created on open and destroyed on close; it is never persisted.
//
// The inbound read loop, the auth timer, the heartbeat loop, and the
// generation goroutine all touch session state; everything is serialized
// through mu. The lock is scoped strictly to one session, so sessions never
// contend with each other.
type Session struct {
	ID             string
	ConversationID string

	maxMessageLen int

	mu         sync.Mutex
	userID     string
	state      AuthState
	inFlight   bool
	limiter    *SlidingWindow
	lastPongAt time.Time
}

// NewSession creates a session in AwaitingAuth.
func NewSession(id, conversationID string, limiter *SlidingWindow, maxMessageLen int) *Session {
	return &Session{
		ID:             id,
		ConversationID: conversationID,
		maxMessageLen:  maxMessageLen,
		limiter:        limiter,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the bound user identity, empty until authenticated.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// InFlight reports whether a generation is currently running.
func (s *Session) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// EndGeneration clears the single-flight flag. Called by the orchestrator
// exactly once per generation, on every exit path.
func (s *Session) EndGeneration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
}

// LastPongAt returns the time of the most recent pong frame.
func (s *Session) LastPongAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPongAt
}

// Close marks the session closed. Safe to call multiple times.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
}

// advance moves the lifecycle forward, never backward. Caller holds mu.
func (s *Session) advance(to AuthState) {
	if to > s.state {
		s.state = to
	}
}

// Registry is the gateway-owned table of live sessions, keyed by connection
// id. Entries are created and destroyed strictly on socket open and close.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session under its connection id.
func (r *Registry) Add(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.ID] = sess
}

// Remove deletes a session by connection id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get returns the session for a connection id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
