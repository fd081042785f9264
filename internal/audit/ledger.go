package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"carelock.org/internal/ids"
	"carelock.org/internal/obs"
)

const defaultFallbackCapacity = 1024

// Ledger is the append-only audit trail. Appends are synchronous but never
// propagate storage failures to the guarded operation: a failed append is
// diverted to a bounded in-process fallback queue and counted as a metric.
type Ledger struct {
	store Store
	now   func() time.Time

	fallbackMu  sync.Mutex
	fallback    []Event
	fallbackCap int
	failed      uint64
}

// Option configures the Ledger.
type Option func(*Ledger)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithFallbackCapacity bounds the in-process queue holding events whose
// primary append failed. Oldest entries are dropped once the bound is hit,
// which keeps the availability trade-off from turning into unbounded memory.
func WithFallbackCapacity(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.fallbackCap = n
		}
	}
}

// NewLedger constructs a Ledger over the given store.
func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		now:         time.Now,
		fallbackCap: defaultFallbackCapacity,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records one event and returns its id. The returned error is always
// nil for storage failures; those are diverted to the fallback queue. Only
// events themselves are validated here, and minimally so.
func (l *Ledger) Append(ctx context.Context, e Event) (string, error) {
	now := l.now().UTC()
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if e.EventCategory == "" {
		e.EventCategory = CategorySystem
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	if e.RiskLevel == "" {
		e.RiskLevel = RiskLow
	}
	e.RetentionDate = e.Timestamp.Add(RetentionPeriod)

	if err := l.store.Append(ctx, &e); err != nil {
		l.divert(e, err)
	}
	return e.ID, nil
}

// divert queues an event whose primary append failed and records the gap.
func (l *Ledger) divert(e Event, cause error) {
	obs.AuditAppendFailed()
	obs.LogRequest(map[string]any{
		"type":     "audit_fallback",
		"event_id": e.ID,
		"error":    cause.Error(),
	})

	l.fallbackMu.Lock()
	defer l.fallbackMu.Unlock()
	l.failed++
	if len(l.fallback) >= l.fallbackCap {
		l.fallback = l.fallback[1:]
	}
	l.fallback = append(l.fallback, e)
}

// FailedAppends reports how many appends have been diverted since startup.
func (l *Ledger) FailedAppends() uint64 {
	l.fallbackMu.Lock()
	defer l.fallbackMu.Unlock()
	return l.failed
}

// FlushFallback retries queued events against the primary store. Events that
// fail again stay queued. Returns the number of events recovered.
func (l *Ledger) FlushFallback(ctx context.Context) int {
	l.fallbackMu.Lock()
	pending := l.fallback
	l.fallback = nil
	l.fallbackMu.Unlock()

	recovered := 0
	var remaining []Event
	for i := range pending {
		if err := l.store.Append(ctx, &pending[i]); err != nil {
			remaining = append(remaining, pending[i])
			continue
		}
		recovered++
	}
	if len(remaining) > 0 {
		l.fallbackMu.Lock()
		l.fallback = append(remaining, l.fallback...)
		l.fallbackMu.Unlock()
	}
	return recovered
}

// QueryResult is one page of events plus the total match count.
type QueryResult struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
}

// Query returns events matching the filter, newest first, paginated.
func (l *Ledger) Query(ctx context.Context, f Filter) (QueryResult, error) {
	events, total, err := l.store.Query(ctx, f)
	if err != nil {
		return QueryResult{}, err
	}
	return QueryResult{Events: events, Total: total}, nil
}

// PatientAccessHistory returns every event touching the given patient.
func (l *Ledger) PatientAccessHistory(ctx context.Context, patientID string, limit, offset int) (QueryResult, error) {
	return l.Query(ctx, Filter{PatientID: patientID, Limit: limit, Offset: offset})
}

// UserActivity summarises one user's actions over a time range.
func (l *Ledger) UserActivity(ctx context.Context, userID string, from, to time.Time) (UserActivity, error) {
	activity := UserActivity{UserID: userID}
	f := Filter{ActorUserID: userID, From: from, To: to, Limit: 1000}
	for {
		events, total, err := l.store.Query(ctx, f)
		if err != nil {
			return UserActivity{}, err
		}
		for _, e := range events {
			activity.TotalActions++
			if e.PHIAccessed {
				activity.PHIAccessCount++
			}
			if e.Outcome != OutcomeSuccess {
				activity.FailureCount++
			}
		}
		f.Offset += len(events)
		if f.Offset >= total || len(events) == 0 {
			break
		}
	}
	return activity, nil
}

// Statistics aggregates ledger contents over a time range. topN bounds the
// event type ranking; zero means 10.
func (l *Ledger) Statistics(ctx context.Context, from, to time.Time, topN int) (Statistics, error) {
	if topN <= 0 {
		topN = 10
	}
	stats := Statistics{
		ByCategory: make(map[EventCategory]int),
		ByType:     make(map[string]int),
	}
	actors := make(map[string]struct{})
	patients := make(map[string]struct{})

	f := Filter{From: from, To: to, Limit: 1000}
	for {
		events, total, err := l.store.Query(ctx, f)
		if err != nil {
			return Statistics{}, err
		}
		for _, e := range events {
			stats.Total++
			stats.ByCategory[e.EventCategory]++
			stats.ByType[e.EventType]++
			if e.Actor.UserID != "" {
				actors[e.Actor.UserID] = struct{}{}
			}
			if e.SubjectPatientID != "" {
				patients[e.SubjectPatientID] = struct{}{}
			}
			if e.Outcome != OutcomeSuccess {
				stats.Failures++
			}
			if e.EventCategory == CategorySecurity {
				stats.SecurityEvents++
			}
		}
		f.Offset += len(events)
		if f.Offset >= total || len(events) == 0 {
			break
		}
	}

	stats.DistinctActors = len(actors)
	stats.DistinctPatients = len(patients)
	for t, c := range stats.ByType {
		stats.TopTypes = append(stats.TopTypes, TypeCount{EventType: t, Count: c})
	}
	sort.Slice(stats.TopTypes, func(i, j int) bool {
		if stats.TopTypes[i].Count != stats.TopTypes[j].Count {
			return stats.TopTypes[i].Count > stats.TopTypes[j].Count
		}
		return stats.TopTypes[i].EventType < stats.TopTypes[j].EventType
	})
	if len(stats.TopTypes) > topN {
		stats.TopTypes = stats.TopTypes[:topN]
	}
	return stats, nil
}

// Archive marks events older than the cutoff as archived without deleting them.
func (l *Ledger) Archive(ctx context.Context, before time.Time) (int, error) {
	return l.store.MarkArchived(ctx, before)
}

// PurgeExpired deletes events past their retention date. Callers must be the
// scheduled retention job, never a user-facing API.
func (l *Ledger) PurgeExpired(ctx context.Context) (int, error) {
	n, err := l.store.DeleteExpired(ctx, l.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		_, _ = l.Append(ctx, Event{
			Actor:         Actor{UserID: "system", Role: "SYSTEM"},
			EventType:     TypeRetentionPurge,
			EventCategory: CategorySystem,
			Action:        "retention purge",
			Outcome:       OutcomeSuccess,
		})
	}
	return n, nil
}
