package alert

import (
	"context"
	"sort"
	"sync"
)

// Store persists alerts. The dashboard lists by (status, severity), which is
// what the durable implementation indexes on.
type Store interface {
	Create(ctx context.Context, a *Alert) error
	Find(ctx context.Context, id string) (*Alert, error)
	Update(ctx context.Context, a *Alert) error
	List(ctx context.Context, f Filter) ([]Alert, error)
}

// InMemory implements Store for tests and single-node development.
type InMemory struct {
	mu     sync.RWMutex
	alerts map[string]Alert
	order  []string
}

// NewInMemory creates an empty alert store.
func NewInMemory() *InMemory {
	return &InMemory{alerts: make(map[string]Alert)}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) Create(ctx context.Context, a *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = *a
	s.order = append(s.order, a.ID)
	return nil
}

func (s *InMemory) Find(ctx context.Context, id string) (*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := a
	return &out, nil
}

func (s *InMemory) Update(ctx context.Context, a *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[a.ID]; !ok {
		return ErrNotFound
	}
	s.alerts[a.ID] = *a
	return nil
}

func (s *InMemory) List(ctx context.Context, f Filter) ([]Alert, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Alert
	for _, id := range s.order {
		a := s.alerts[id]
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		if f.UserID != "" && a.SubjectUserID != f.UserID {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
