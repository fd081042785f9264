package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"carelock.org/internal/alert"
)

// Result is the outcome of one rate-limit check.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// LimitedError is returned by guarded operations when a limit is exhausted.
// It carries the retry time and nothing else.
type LimitedError struct {
	ResetAt time.Time
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.ResetAt.UTC().Format(time.RFC3339))
}

type window struct {
	count   int
	resetAt time.Time
	alerted bool
}

// Limiter counts attempts per (identifier, action) over a fixed window. The
// window resets lazily: the first check after resetAt starts a fresh counter.
// State is process-scoped; horizontal deployments need a shared counter store
// instead (documented limitation).
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	alerts  *alert.Service
	now     func() time.Time
}

// Option configures the Limiter.
type Option func(*Limiter)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithAlerts wires the alert service used to raise brute-force findings.
func WithAlerts(a *alert.Service) Option {
	return func(l *Limiter) { l.alerts = a }
}

// New constructs a Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check consumes one attempt for (identifier, action). All reads and writes
// of the shared counter happen under the lock so concurrent requests cannot
// observe a stale count and slip past the limit.
func (l *Limiter) Check(ctx context.Context, identifier, action string, maxAttempts int, windowMinutes int) Result {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if windowMinutes <= 0 {
		windowMinutes = 1
	}
	key := identifier + "|" + action
	now := l.now()

	l.mu.Lock()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(time.Duration(windowMinutes) * time.Minute)}
		l.windows[key] = w
	}

	if w.count >= maxAttempts {
		res := Result{Allowed: false, Remaining: 0, ResetAt: w.resetAt}
		raise := !w.alerted
		w.alerted = true
		l.mu.Unlock()
		if raise {
			l.raiseBruteForce(ctx, identifier, action, maxAttempts, windowMinutes)
		}
		return res
	}

	w.count++
	res := Result{Allowed: true, Remaining: maxAttempts - w.count, ResetAt: w.resetAt}
	l.mu.Unlock()
	return res
}

// Reset clears the counter for (identifier, action), e.g. after a successful
// secondary challenge.
func (l *Limiter) Reset(identifier, action string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, identifier+"|"+action)
}

// EvictExpired drops windows whose reset time has passed. Housekeeping only:
// lookups self-heal via the lazy reset, this just bounds the map.
func (l *Limiter) EvictExpired() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, k)
			n++
		}
	}
	return n
}

func (l *Limiter) raiseBruteForce(ctx context.Context, identifier, action string, maxAttempts, windowMinutes int) {
	if l.alerts == nil {
		return
	}
	_, _ = l.alerts.Raise(ctx, alert.Alert{
		Type:          alert.TypeBruteForce,
		Severity:      alert.SeverityHigh,
		Summary:       fmt.Sprintf("rate limit exceeded for action %q", action),
		SubjectUserID: identifier,
		Indicators: map[string]string{
			"action":         action,
			"max_attempts":   fmt.Sprintf("%d", maxAttempts),
			"window_minutes": fmt.Sprintf("%d", windowMinutes),
		},
	})
}
