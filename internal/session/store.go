package session

import (
	"context"
	"sync"
	"time"
)

// Store persists sessions keyed by token. Terminate and Touch are atomic so
// concurrent validators cannot double-terminate or lose activity updates.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, token string) (*Session, error)
	// Touch records activity: bumps the request counter and the last
	// activity instant. No-op on inactive sessions.
	Touch(ctx context.Context, token string, at time.Time) error
	// Terminate flips the session inactive and reports whether this call
	// performed the flip. A second caller gets false.
	Terminate(ctx context.Context, token, reason string, at time.Time) (bool, error)
	ListByUser(ctx context.Context, userID string) ([]Session, error)
	ListActive(ctx context.Context) ([]Session, error)
	DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// InMemory implements Store for tests and single-node runs.
type InMemory struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewInMemory creates an empty session store.
func NewInMemory() *InMemory {
	return &InMemory{sessions: make(map[string]Session)}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) Create(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Token] = *sess
	return nil
}

func (s *InMemory) Find(ctx context.Context, token string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[token]
	if !ok {
		return nil, ErrSessionInvalid
	}
	out := sess
	return &out, nil
}

func (s *InMemory) Touch(ctx context.Context, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return ErrSessionInvalid
	}
	if !sess.Active {
		return nil
	}
	sess.LastActivityAt = at
	sess.RequestCount++
	s.sessions[token] = sess
	return nil
}

func (s *InMemory) Terminate(ctx context.Context, token, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return false, ErrSessionInvalid
	}
	if !sess.Active {
		return false, nil
	}
	sess.Active = false
	sess.TerminationReason = reason
	sess.LastActivityAt = at
	s.sessions[token] = sess
	return true, nil
}

func (s *InMemory) ListByUser(ctx context.Context, userID string) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *InMemory) ListActive(ctx context.Context) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.Active {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *InMemory) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for token, sess := range s.sessions {
		if !sess.Active && sess.LastActivityAt.Before(cutoff) {
			delete(s.sessions, token)
			n++
		}
	}
	return n, nil
}
