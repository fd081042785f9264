package audit

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("audit: event not found")
	ErrStorage  = errors.New("audit: storage failure")
)

// Store describes persistence operations required by the ledger. Events are
// append-only: no update or delete surface exists besides archive marking and
// the retention purge.
type Store interface {
	Append(ctx context.Context, e *Event) error
	Find(ctx context.Context, id string) (*Event, error)
	Query(ctx context.Context, f Filter) ([]Event, int, error)
	MarkArchived(ctx context.Context, before time.Time) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
