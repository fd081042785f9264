package twofactor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"carelock.org/internal/audit"
	"carelock.org/internal/secrets"
	"carelock.org/internal/sms"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

type capturingGateway struct {
	mu    sync.Mutex
	to    []string
	codes []string
}

func (g *capturingGateway) Send(ctx context.Context, phoneNumber, code string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.to = append(g.to, phoneNumber)
	g.codes = append(g.codes, code)
	return nil
}

func newTestService(t *testing.T, clock *time.Time) (*Service, *audit.Ledger, *capturingGateway) {
	t.Helper()
	enc, err := secrets.NewAESGCM(testKey)
	if err != nil {
		t.Fatal(err)
	}
	ledger := audit.NewLedger(audit.NewInMemory())
	gw := &capturingGateway{}
	svc := NewService(NewInMemory(), enc, ledger, gw, WithClock(func() time.Time { return *clock }))
	return svc, ledger, gw
}

func TestTOTPWindow(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 15, 0, time.UTC)
	secret := "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"

	code, err := GenerateCode(secret, 0, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(code) != 6 {
		t.Fatalf("expected 6 digits, got %q", code)
	}
	if !VerifyTOTPCode(secret, code, 1, now) {
		t.Fatal("current-step code must verify")
	}

	for _, off := range []int{-1, 1} {
		code, _ := GenerateCode(secret, off, now)
		if !VerifyTOTPCode(secret, code, 1, now) {
			t.Fatalf("offset %d must verify with window 1", off)
		}
	}
	for _, off := range []int{-2, 2} {
		code, _ := GenerateCode(secret, off, now)
		if VerifyTOTPCode(secret, code, 1, now) {
			t.Fatalf("offset %d must not verify with window 1", off)
		}
	}
}

func TestSetupEnableVerifyFlow(t *testing.T) {
	clock := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	svc, ledger, _ := newTestService(t, &clock)
	ctx := context.Background()

	res, err := svc.Setup(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Secret == "" || res.ProvisioningURL == "" || len(res.BackupCodes) != 10 {
		t.Fatalf("unexpected setup result: %+v", res)
	}

	// Disabled until enable: verification must refuse.
	code, _ := GenerateCode(res.Secret, 0, clock)
	if err := svc.VerifyTOTP(ctx, "u1", code); !errors.Is(err, ErrNotEnabled) {
		t.Fatalf("expected ErrNotEnabled, got %v", err)
	}

	if err := svc.Enable(ctx, "u1", "000000"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("bad code should not enable, got %v", err)
	}
	if err := svc.Enable(ctx, "u1", code); err != nil {
		t.Fatal(err)
	}
	if err := svc.Enable(ctx, "u1", code); !errors.Is(err, ErrAlreadyEnabled) {
		t.Fatalf("expected ErrAlreadyEnabled, got %v", err)
	}

	if err := svc.VerifyTOTP(ctx, "u1", code); err != nil {
		t.Fatal(err)
	}

	q, _ := ledger.Query(ctx, audit.Filter{ActorUserID: "u1", EventCategory: audit.CategoryAuthentication})
	if q.Total < 3 {
		t.Fatalf("expected audited outcomes, got %d events", q.Total)
	}
}

func TestBackupCodeSingleUse(t *testing.T) {
	clock := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, &clock)
	ctx := context.Background()

	res, _ := svc.Setup(ctx, "u1")
	code := res.BackupCodes[3]

	if err := svc.VerifyBackupCode(ctx, "u1", code); err != nil {
		t.Fatal(err)
	}
	if err := svc.VerifyBackupCode(ctx, "u1", code); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("consumed code must fail, got %v", err)
	}
}

func TestBackupCodeConcurrentConsumption(t *testing.T) {
	clock := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, &clock)
	ctx := context.Background()

	res, _ := svc.Setup(ctx, "u1")
	code := res.BackupCodes[0]

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.VerifyBackupCode(ctx, "u1", code); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("a backup code must be accepted exactly once, got %d", succeeded)
	}
}

func TestRegenerateBackupCodesInvalidatesOldSet(t *testing.T) {
	clock := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, &clock)
	ctx := context.Background()

	res, _ := svc.Setup(ctx, "u1")
	old := res.BackupCodes[0]

	fresh, err := svc.RegenerateBackupCodes(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(fresh) != 10 {
		t.Fatalf("expected 10 fresh codes, got %d", len(fresh))
	}
	if err := svc.VerifyBackupCode(ctx, "u1", old); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("old code must be invalid after regeneration, got %v", err)
	}
	if err := svc.VerifyBackupCode(ctx, "u1", fresh[0]); err != nil {
		t.Fatal(err)
	}
}

func TestSMSFlow(t *testing.T) {
	clock := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	svc, _, gw := newTestService(t, &clock)
	ctx := context.Background()

	if err := svc.EnrollSMS(ctx, "u1", "+15550100"); err != nil {
		t.Fatal(err)
	}
	if err := svc.SendSMSCode(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if len(gw.codes) != 1 || len(gw.codes[0]) != 6 {
		t.Fatalf("expected one 6-digit code, got %v", gw.codes)
	}
	if gw.to[0] != "+15550100" {
		t.Fatalf("phone must decrypt for delivery, got %q", gw.to[0])
	}

	code := gw.codes[0]
	wrong := "000000"
	if code == wrong {
		wrong = "000001"
	}
	if err := svc.VerifySMSCode(ctx, "u1", wrong); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("wrong code should fail, got %v", err)
	}
	if err := svc.VerifySMSCode(ctx, "u1", code); err != nil {
		t.Fatal(err)
	}
	// Single use.
	if err := svc.VerifySMSCode(ctx, "u1", code); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("consumed sms code must fail, got %v", err)
	}
}

func TestSMSCodeExpiry(t *testing.T) {
	clock := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	svc, _, gw := newTestService(t, &clock)
	ctx := context.Background()

	_ = svc.EnrollSMS(ctx, "u1", "+15550100")
	_ = svc.SendSMSCode(ctx, "u1")
	code := gw.codes[0]

	clock = clock.Add(6 * time.Minute)
	if err := svc.VerifySMSCode(ctx, "u1", code); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
}

func TestDisableRemovesCredentials(t *testing.T) {
	clock := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	svc, ledger, _ := newTestService(t, &clock)
	ctx := context.Background()

	res, _ := svc.Setup(ctx, "u1")
	code, _ := GenerateCode(res.Secret, 0, clock)
	_ = svc.Enable(ctx, "u1", code)

	if err := svc.Disable(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.VerifyTOTP(ctx, "u1", code); !errors.Is(err, ErrNotEnrolled) {
		t.Fatalf("expected ErrNotEnrolled after disable, got %v", err)
	}

	q, _ := ledger.Query(ctx, audit.Filter{ActorUserID: "u1", RiskLevel: audit.RiskHigh})
	if q.Total != 1 {
		t.Fatalf("disable must be audited at high risk, got %d", q.Total)
	}
}

var _ sms.Gateway = (*capturingGateway)(nil)
