package twofactor

import (
	"context"
	"sync"
	"time"
)

// Store persists credentials keyed by (user, method). Code consumption is an
// atomic check-and-remove so two racing verifications can never both succeed
// on the same code.
type Store interface {
	Upsert(ctx context.Context, c *Credential) error
	Find(ctx context.Context, userID string, method Method) (*Credential, error)
	Delete(ctx context.Context, userID string, method Method) error

	// ConsumeBackupCode removes the matching hash from the user's backup set.
	// Returns false when the hash is absent (wrong or already used code).
	ConsumeBackupCode(ctx context.Context, userID, codeHash string) (bool, error)

	// ConsumeSMSCode clears the pending SMS challenge when the hash matches
	// and the challenge has not expired at the given instant.
	ConsumeSMSCode(ctx context.Context, userID, codeHash string, now time.Time) (bool, error)
}

type credKey struct {
	userID string
	method Method
}

// InMemory implements Store for tests and single-node development. All
// consumption paths run under one mutex, which gives the required atomicity.
type InMemory struct {
	mu    sync.Mutex
	creds map[credKey]*Credential
}

// NewInMemory creates an empty credential store.
func NewInMemory() *InMemory {
	return &InMemory{creds: make(map[credKey]*Credential)}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) Upsert(ctx context.Context, c *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.BackupCodeHashes = append([]string(nil), c.BackupCodeHashes...)
	s.creds[credKey{c.UserID, c.Method}] = &cp
	return nil
}

func (s *InMemory) Find(ctx context.Context, userID string, method Method) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[credKey{userID, method}]
	if !ok {
		return nil, ErrNotEnrolled
	}
	cp := *c
	cp.BackupCodeHashes = append([]string(nil), c.BackupCodeHashes...)
	return &cp, nil
}

func (s *InMemory) Delete(ctx context.Context, userID string, method Method) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, credKey{userID, method})
	return nil
}

func (s *InMemory) ConsumeBackupCode(ctx context.Context, userID, codeHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[credKey{userID, MethodTOTP}]
	if !ok {
		return false, ErrNotEnrolled
	}
	for i, h := range c.BackupCodeHashes {
		if h == codeHash {
			c.BackupCodeHashes = append(c.BackupCodeHashes[:i], c.BackupCodeHashes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemory) ConsumeSMSCode(ctx context.Context, userID, codeHash string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[credKey{userID, MethodSMS}]
	if !ok {
		return false, ErrNotEnrolled
	}
	if c.SMSCodeHash == "" {
		return false, nil
	}
	if now.After(c.SMSCodeExpiresAt) {
		// Expired challenges are cleared on sight.
		c.SMSCodeHash = ""
		c.SMSCodeExpiresAt = time.Time{}
		return false, ErrCodeExpired
	}
	if c.SMSCodeHash != codeHash {
		return false, nil
	}
	c.SMSCodeHash = ""
	c.SMSCodeExpiresAt = time.Time{}
	return true, nil
}
