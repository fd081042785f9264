package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"carelock.org/internal/alert"
	"carelock.org/internal/audit"
)

func TestFixedWindowExhaustionAndLazyReset(t *testing.T) {
	clock := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	l := New(WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := l.Check(ctx, "u1", "login", 3, 15)
		if !res.Allowed {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
		if res.Remaining != 3-(i+1) {
			t.Fatalf("attempt %d: remaining=%d", i+1, res.Remaining)
		}
	}

	res := l.Check(ctx, "u1", "login", 3, 15)
	if res.Allowed || res.Remaining != 0 {
		t.Fatalf("expected exhausted window, got %+v", res)
	}
	if !res.ResetAt.Equal(clock.Add(15 * time.Minute)) {
		t.Fatalf("unexpected reset time: %v", res.ResetAt)
	}

	// Window elapses: the next check starts a fresh counter.
	clock = clock.Add(16 * time.Minute)
	res = l.Check(ctx, "u1", "login", 3, 15)
	if !res.Allowed || res.Remaining != 2 {
		t.Fatalf("expected fresh window, got %+v", res)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		l.Check(ctx, "u1", "login", 2, 5)
	}
	if res := l.Check(ctx, "u1", "login", 2, 5); res.Allowed {
		t.Fatal("u1/login should be exhausted")
	}
	if res := l.Check(ctx, "u1", "sms_send", 2, 5); !res.Allowed {
		t.Fatal("different action must not share the counter")
	}
	if res := l.Check(ctx, "u2", "login", 2, 5); !res.Allowed {
		t.Fatal("different identifier must not share the counter")
	}
}

func TestExplicitReset(t *testing.T) {
	l := New()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		l.Check(ctx, "u1", "login", 2, 5)
	}
	l.Reset("u1", "login")
	if res := l.Check(ctx, "u1", "login", 2, 5); !res.Allowed || res.Remaining != 1 {
		t.Fatalf("expected fresh window after reset, got %+v", res)
	}
}

func TestConcurrentChecksCannotBypassLimit(t *testing.T) {
	l := New()
	ctx := context.Background()

	const workers = 50
	const limit = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := l.Check(ctx, "u1", "login", limit, 5); res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != limit {
		t.Fatalf("expected exactly %d allowed, got %d", limit, allowed)
	}
}

func TestBruteForceAlertRaisedOncePerWindow(t *testing.T) {
	ledger := audit.NewLedger(audit.NewInMemory())
	alerts := alert.NewService(alert.NewInMemory(), ledger)
	l := New(WithAlerts(alerts))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Check(ctx, "u1", "login", 2, 5)
	}

	active, err := alerts.ListActive(ctx, alert.SeverityHigh)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Fatalf("expected exactly one brute-force alert, got %d", len(active))
	}
	if active[0].Type != alert.TypeBruteForce {
		t.Fatalf("unexpected alert type: %s", active[0].Type)
	}
}

func TestEvictExpired(t *testing.T) {
	clock := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	l := New(WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	l.Check(ctx, "u1", "login", 3, 5)
	l.Check(ctx, "u2", "login", 3, 60)

	clock = clock.Add(10 * time.Minute)
	if n := l.EvictExpired(); n != 1 {
		t.Fatalf("expected 1 evicted window, got %d", n)
	}
}
