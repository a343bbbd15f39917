package realtime

import (
	"log/slog"
	"sync"
)

// Registry hands out sessions and enforces that at most one is active
// at a time. Acquiring a new session tears the previous one down first,
// which makes the replacement visible at the call site instead of
// hidden inside a constructor.
//
// The registry also owns the negotiation mutex: credential fetch and
// signaling for any session it issued are serialized, so overlapping
// connects can never race on ephemeral credentials. Everything after
// negotiation runs unserialized.
type Registry struct {
	log *slog.Logger

	mu     sync.Mutex
	active *Session

	negotiateMu sync.Mutex
}

// NewRegistry builds a registry. A nil logger discards registry logs in
// favor of the sessions' own.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Registry{log: log}
}

// Acquire disconnects the currently active session, if any, and
// registers a new one built from cfg and deps. The new session is not
// yet connected; callers follow up with Connect.
func (r *Registry) Acquire(cfg SessionConfig, deps Dependencies) (*Session, error) {
	r.mu.Lock()
	prev := r.active
	r.active = nil
	r.mu.Unlock()

	if prev != nil {
		r.log.Info("tearing down previous session before acquire")
		prev.Disconnect()
	}

	s, err := NewSession(cfg, deps)
	if err != nil {
		return nil, err
	}
	s.negotiate = &r.negotiateMu
	s.onClosed = func() { r.Release(s) }

	r.mu.Lock()
	r.active = s
	r.mu.Unlock()
	return s, nil
}

// Active returns the most recently acquired session, or nil.
func (r *Registry) Active() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Release forgets s if it is still the active session. It does not
// disconnect; callers that want teardown do that themselves.
func (r *Registry) Release(s *Session) {
	r.mu.Lock()
	if r.active == s {
		r.active = nil
	}
	r.mu.Unlock()
}

// Shutdown disconnects and forgets the active session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	s := r.active
	r.active = nil
	r.mu.Unlock()

	if s != nil {
		s.Disconnect()
	}
}
