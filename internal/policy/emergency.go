package policy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	emergencyWindow = 24 * time.Hour
	reviewDeadline  = 24 * time.Hour
)

// AccessRequest records a break-glass grant. Auto-approved, time-boxed, and
// requiring review within 24 hours of the grant.
type AccessRequest struct {
	ID            string    `json:"id"`
	RequesterID   string    `json:"requester_id"`
	RequesterRole Role      `json:"requester_role"`
	ResourceType  string    `json:"resource_type"`
	ResourceID    string    `json:"resource_id"`
	PatientID     string    `json:"patient_id,omitempty"`
	Justification string    `json:"justification"`
	AutoApproved  bool      `json:"auto_approved"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
	ReviewBy      time.Time `json:"review_by"`
	ReviewedAt    time.Time `json:"reviewed_at,omitzero"`
	ReviewedBy    string    `json:"reviewed_by,omitempty"`
}

// AccessRequestStore persists break-glass requests for mandatory review.
type AccessRequestStore interface {
	Create(ctx context.Context, r *AccessRequest) error
	PendingReview(ctx context.Context, now time.Time) ([]AccessRequest, error)
	MarkReviewed(ctx context.Context, id, reviewerID string, at time.Time) error
}

// InMemoryAccessRequests implements AccessRequestStore.
type InMemoryAccessRequests struct {
	mu       sync.RWMutex
	requests map[string]AccessRequest
	order    []string
}

// NewInMemoryAccessRequests creates an empty break-glass request store.
func NewInMemoryAccessRequests() *InMemoryAccessRequests {
	return &InMemoryAccessRequests{requests: make(map[string]AccessRequest)}
}

var _ AccessRequestStore = (*InMemoryAccessRequests)(nil)

func (s *InMemoryAccessRequests) Create(ctx context.Context, r *AccessRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.ID] = *r
	s.order = append(s.order, r.ID)
	return nil
}

func (s *InMemoryAccessRequests) PendingReview(ctx context.Context, now time.Time) ([]AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AccessRequest
	for _, id := range s.order {
		r := s.requests[id]
		if r.ReviewedAt.IsZero() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *InMemoryAccessRequests) MarkReviewed(ctx context.Context, id, reviewerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return ErrAccessRequestNotFound
	}
	r.ReviewedAt = at
	r.ReviewedBy = reviewerID
	s.requests[id] = r
	return nil
}

func newAccessRequestID() string {
	return uuid.NewString()
}
