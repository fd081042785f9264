package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"carelock.org/internal/audit"
)

func newTestService() (*Service, *audit.Ledger) {
	ledger := audit.NewLedger(audit.NewInMemory())
	return NewService(NewInMemory(), ledger), ledger
}

func TestRaiseRecordsAuditEvent(t *testing.T) {
	svc, ledger := newTestService()
	ctx := context.Background()

	a, err := svc.Raise(ctx, Alert{
		Type:          TypeBruteForce,
		Severity:      SeverityHigh,
		Summary:       "too many failed logins",
		SubjectUserID: "u1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == "" || a.Status != StatusNew || a.DetectedAt.IsZero() {
		t.Fatalf("unexpected alert: %+v", a)
	}

	res, _ := ledger.Query(ctx, audit.Filter{EventType: audit.TypeAlertRaised})
	if res.Total != 1 {
		t.Fatalf("expected 1 audit event, got %d", res.Total)
	}
	if res.Events[0].RiskLevel != audit.RiskHigh {
		t.Fatalf("unexpected risk level: %s", res.Events[0].RiskLevel)
	}
}

func TestLifecycleIsOneDirectional(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	a, _ := svc.Raise(ctx, Alert{Type: TypeSuspiciousActivity, Severity: SeverityMedium})

	if _, err := svc.Resolve(ctx, a.ID, "noise"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("resolve before acknowledge should fail, got %v", err)
	}

	acked, err := svc.Acknowledge(ctx, a.ID, "analyst-1")
	if err != nil {
		t.Fatal(err)
	}
	if acked.Status != StatusAcknowledged || acked.AssignedTo != "analyst-1" {
		t.Fatalf("unexpected acknowledged alert: %+v", acked)
	}
	if _, err := svc.Acknowledge(ctx, a.ID, "analyst-2"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double acknowledge should fail, got %v", err)
	}

	resolved, err := svc.Resolve(ctx, a.ID, "confirmed benign")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != StatusResolved || resolved.ResolvedAt.IsZero() {
		t.Fatalf("unexpected resolved alert: %+v", resolved)
	}
	if _, err := svc.Acknowledge(ctx, a.ID, "analyst-3"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("resolved alerts must not transition backwards, got %v", err)
	}
}

func TestListActiveExcludesResolved(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	a1, _ := svc.Raise(ctx, Alert{Type: TypeBruteForce, Severity: SeverityHigh})
	_, _ = svc.Raise(ctx, Alert{Type: TypeDataExfiltration, Severity: SeverityCritical})

	if _, err := svc.Acknowledge(ctx, a1.ID, "analyst-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Resolve(ctx, a1.ID, "locked the account"); err != nil {
		t.Fatal(err)
	}

	active, err := svc.ListActive(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Type != TypeDataExfiltration {
		t.Fatalf("unexpected active alerts: %+v", active)
	}
}

type capturingPublisher struct {
	got []Alert
}

func (p *capturingPublisher) PublishAlert(a Alert) { p.got = append(p.got, a) }

func TestRaisePublishes(t *testing.T) {
	pub := &capturingPublisher{}
	ledger := audit.NewLedger(audit.NewInMemory())
	fixed := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	svc := NewService(NewInMemory(), ledger, WithPublisher(pub), WithClock(func() time.Time { return fixed }))

	a, err := svc.Raise(context.Background(), Alert{Type: TypeBreachDetected, Severity: SeverityCritical})
	if err != nil {
		t.Fatal(err)
	}
	if len(pub.got) != 1 || pub.got[0].ID != a.ID {
		t.Fatalf("expected published alert, got %+v", pub.got)
	}
	if !a.DetectedAt.Equal(fixed) {
		t.Fatalf("clock not honored: %v", a.DetectedAt)
	}
}
