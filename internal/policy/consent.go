package policy

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ConsentStatus is the grant lifecycle position.
type ConsentStatus string

const (
	ConsentActive  ConsentStatus = "ACTIVE"
	ConsentExpired ConsentStatus = "EXPIRED"
	ConsentRevoked ConsentStatus = "REVOKED"
)

// ConsentGrant is a patient-authorised, time-bound permission for a specific
// actor to view that patient's data.
type ConsentGrant struct {
	PatientID     string        `json:"patient_id"`
	GranteeUserID string        `json:"grantee_user_id"`
	Status        ConsentStatus `json:"status"`
	GrantedAt     time.Time     `json:"granted_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

// ActiveAt reports whether the grant authorises access at the given instant.
func (g ConsentGrant) ActiveAt(t time.Time) bool {
	return g.Status == ConsentActive && t.Before(g.ExpiresAt)
}

var ErrConsentNotFound = errors.New("policy: consent grant not found")

// ConsentStore persists consent grants keyed by (patient, grantee).
type ConsentStore interface {
	Put(ctx context.Context, g ConsentGrant) error
	Find(ctx context.Context, patientID, granteeUserID string) (ConsentGrant, error)
	Revoke(ctx context.Context, patientID, granteeUserID string) error
	ListForPatient(ctx context.Context, patientID string) ([]ConsentGrant, error)
}

type consentKey struct {
	patientID string
	granteeID string
}

// InMemoryConsents implements ConsentStore for tests and single-node runs.
type InMemoryConsents struct {
	mu     sync.RWMutex
	grants map[consentKey]ConsentGrant
}

// NewInMemoryConsents creates an empty consent store.
func NewInMemoryConsents() *InMemoryConsents {
	return &InMemoryConsents{grants: make(map[consentKey]ConsentGrant)}
}

var _ ConsentStore = (*InMemoryConsents)(nil)

func (s *InMemoryConsents) Put(ctx context.Context, g ConsentGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[consentKey{g.PatientID, g.GranteeUserID}] = g
	return nil
}

func (s *InMemoryConsents) Find(ctx context.Context, patientID, granteeUserID string) (ConsentGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[consentKey{patientID, granteeUserID}]
	if !ok {
		return ConsentGrant{}, ErrConsentNotFound
	}
	return g, nil
}

func (s *InMemoryConsents) Revoke(ctx context.Context, patientID, granteeUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := consentKey{patientID, granteeUserID}
	g, ok := s.grants[key]
	if !ok {
		return ErrConsentNotFound
	}
	g.Status = ConsentRevoked
	s.grants[key] = g
	return nil
}

func (s *InMemoryConsents) ListForPatient(ctx context.Context, patientID string) ([]ConsentGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ConsentGrant
	for key, g := range s.grants {
		if key.patientID == patientID {
			out = append(out, g)
		}
	}
	return out, nil
}
