package audit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety.
// NOTE: durable deployments use the Postgres store; this backs tests and
// single-node development.
type InMemory struct {
	mu     sync.RWMutex
	events []Event
	byID   map[string]int
}

// NewInMemory creates an empty in-memory event store.
func NewInMemory() *InMemory {
	return &InMemory{byID: make(map[string]int)}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) Append(ctx context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[e.ID] = len(s.events)
	s.events = append(s.events, *e)
	return nil
}

func (s *InMemory) Find(ctx context.Context, id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := s.events[idx]
	return &out, nil
}

func (s *InMemory) Query(ctx context.Context, f Filter) ([]Event, int, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Event
	for _, e := range s.events {
		if matches(e, f) {
			matched = append(matched, e)
		}
	}
	// Newest first, stable on insertion order for equal timestamps.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]Event, end-offset)
	copy(out, matched[offset:end])
	return out, total, nil
}

func (s *InMemory) MarkArchived(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.events {
		if !s.events[i].Archived && s.events[i].Timestamp.Before(before) {
			s.events[i].Archived = true
			n++
		}
	}
	return n, nil
}

func (s *InMemory) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	n := 0
	for _, e := range s.events {
		if e.RetentionDate.Before(now) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	s.byID = make(map[string]int, len(s.events))
	for i, e := range s.events {
		s.byID[e.ID] = i
	}
	return n, nil
}

func matches(e Event, f Filter) bool {
	if f.ActorUserID != "" && e.Actor.UserID != f.ActorUserID {
		return false
	}
	if f.PatientID != "" && e.SubjectPatientID != f.PatientID {
		return false
	}
	if f.EventType != "" && !strings.EqualFold(e.EventType, f.EventType) {
		return false
	}
	if f.EventCategory != "" && e.EventCategory != f.EventCategory {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.RiskLevel != "" && e.RiskLevel != f.RiskLevel {
		return false
	}
	if f.PHIOnly && !e.PHIAccessed {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}
