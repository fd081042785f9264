package policy

import (
	"context"
	"strings"
	"testing"
	"time"

	"carelock.org/internal/audit"
)

func testEngine(t *testing.T, now time.Time) (*Engine, *audit.InMemory, *InMemoryConsents, *InMemoryAccessRequests) {
	t.Helper()
	store := audit.NewInMemory()
	ledger := audit.NewLedger(store, audit.WithClock(func() time.Time { return now }))
	consents := NewInMemoryConsents()
	requests := NewInMemoryAccessRequests()
	eng := NewEngine(consents, requests, ledger, WithClock(func() time.Time { return now }))
	return eng, store, consents, requests
}

func countEvents(t *testing.T, store *audit.InMemory) int {
	t.Helper()
	_, total, err := store.Query(context.Background(), audit.Filter{Limit: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	return total
}

func TestDecideOwnerBypassIsAuditedOverride(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng, store, _, _ := testEngine(t, now)

	d := eng.Decide(context.Background(), Input{
		ActorID:      "owner-1",
		ActorRole:    RoleOwner,
		ResourceType: ResourceFinancial,
		ResourceID:   "inv-9",
	})
	if !d.Allowed {
		t.Fatalf("owner denied: %+v", d)
	}
	if d.Reason != ReasonAdminOverride {
		t.Fatalf("reason = %q, want %q", d.Reason, ReasonAdminOverride)
	}

	events, total, err := store.Query(context.Background(), audit.Filter{EventType: audit.TypeAdminOverride})
	if err != nil || total != 1 {
		t.Fatalf("override events = %d (err %v), want 1", total, err)
	}
	if events[0].RiskLevel != audit.RiskMedium {
		t.Fatalf("override risk = %s, want MEDIUM", events[0].RiskLevel)
	}
}

func TestDecideCustomerOwnDataOnly(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng, _, _, _ := testEngine(t, now)
	ctx := context.Background()

	d := eng.Decide(ctx, Input{
		ActorID:      "u1",
		ActorRole:    RoleCustomer,
		ResourceType: ResourcePatientData,
		PatientID:    "u2",
	})
	if d.Allowed {
		t.Fatalf("cross-patient access allowed: %+v", d)
	}
	if !strings.Contains(d.Reason, "own data") {
		t.Fatalf("reason = %q, want mention of own data", d.Reason)
	}

	d = eng.Decide(ctx, Input{
		ActorID:      "u1",
		ActorRole:    RoleCustomer,
		ResourceType: ResourcePatientData,
		PatientID:    "u1",
	})
	if !d.Allowed || d.Reason != ReasonOwnData {
		t.Fatalf("own-data access = %+v, want allowed with %q", d, ReasonOwnData)
	}
}

func TestDecideDoctorConsent(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng, _, consents, _ := testEngine(t, now)
	ctx := context.Background()

	in := Input{
		ActorID:      "d1",
		ActorRole:    RoleDoctor,
		ResourceType: ResourcePatientData,
		PatientID:    "p1",
	}

	d := eng.Decide(ctx, in)
	if d.Allowed || d.Reason != ReasonNoConsent {
		t.Fatalf("no-consent decision = %+v", d)
	}

	if err := consents.Put(ctx, ConsentGrant{
		PatientID:     "p1",
		GranteeUserID: "d1",
		Status:        ConsentActive,
		GrantedAt:     now.Add(-time.Hour),
		ExpiresAt:     now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("put consent: %v", err)
	}
	d = eng.Decide(ctx, in)
	if !d.Allowed || d.Reason != ReasonActiveConsent {
		t.Fatalf("consented decision = %+v", d)
	}
}

func TestDecideConsentExpiryAndRevocation(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng, _, consents, _ := testEngine(t, now)
	ctx := context.Background()
	in := Input{ActorID: "n1", ActorRole: RoleNurse, ResourceType: ResourcePatientData, PatientID: "p1"}

	grant := ConsentGrant{
		PatientID:     "p1",
		GranteeUserID: "n1",
		Status:        ConsentActive,
		GrantedAt:     now.Add(-48 * time.Hour),
		ExpiresAt:     now.Add(-time.Minute),
	}
	if err := consents.Put(ctx, grant); err != nil {
		t.Fatalf("put: %v", err)
	}
	if d := eng.Decide(ctx, in); d.Allowed {
		t.Fatalf("expired consent granted access: %+v", d)
	}

	grant.ExpiresAt = now.Add(time.Hour)
	if err := consents.Put(ctx, grant); err != nil {
		t.Fatalf("put: %v", err)
	}
	if d := eng.Decide(ctx, in); !d.Allowed {
		t.Fatalf("active consent denied: %+v", d)
	}
	if err := consents.Revoke(ctx, "p1", "n1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if d := eng.Decide(ctx, in); d.Allowed {
		t.Fatalf("revoked consent granted access: %+v", d)
	}
}

func TestDecideSupportAccessIsAllowedAndAudited(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng, store, _, _ := testEngine(t, now)

	d := eng.Decide(context.Background(), Input{
		ActorID:      "s1",
		ActorRole:    RoleSupport,
		ResourceType: ResourcePatientData,
		PatientID:    "p1",
	})
	if !d.Allowed || d.Reason != ReasonSupportAccess {
		t.Fatalf("support decision = %+v", d)
	}
	events, _, err := store.Query(context.Background(), audit.Filter{EventType: audit.TypeAccessGranted})
	if err != nil || len(events) != 1 {
		t.Fatalf("granted events = %d (err %v), want 1", len(events), err)
	}
	if !events[0].PHIAccessed || events[0].AccessReason != ReasonSupportAccess {
		t.Fatalf("grant event = %+v, want PHI flag and support reason", events[0])
	}
}

func TestDecideMissingPermission(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng, _, _, _ := testEngine(t, now)

	d := eng.Decide(context.Background(), Input{
		ActorID:             "n1",
		ActorRole:           RoleNurse,
		RequiredPermissions: []string{PermPatientDataRead, PermPatientDataExport},
	})
	if d.Allowed {
		t.Fatalf("missing permission allowed: %+v", d)
	}
	if d.Reason != ReasonNoPermission || d.RequiredPermission != PermPatientDataExport {
		t.Fatalf("denial = %+v, want %q on %q", d, ReasonNoPermission, PermPatientDataExport)
	}
}

func TestDecideResourceTypeRules(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng, _, _, _ := testEngine(t, now)
	ctx := context.Background()

	cases := []struct {
		name    string
		in      Input
		allowed bool
		reason  string
	}{
		{"admin patient data", Input{ActorID: "a1", ActorRole: RoleAdmin, ResourceType: ResourcePatientData, PatientID: "p1"}, true, ReasonAdministrative},
		{"admin financial", Input{ActorID: "a1", ActorRole: RoleAdmin, ResourceType: ResourceFinancial}, false, ReasonOwnerRoleOnly},
		{"owner financial", Input{ActorID: "o1", ActorRole: RoleOwner, ResourceType: ResourceFinancial}, true, ReasonAdminOverride},
		{"resource owner", Input{ActorID: "u1", ActorRole: RoleCustomer, ResourceType: ResourceDocument, ResourceOwnerID: "u1"}, true, ReasonOwnsResource},
		{"foreign document", Input{ActorID: "u1", ActorRole: RoleCustomer, ResourceType: ResourceDocument, ResourceOwnerID: "u2"}, false, ReasonOwnerRequired},
		{"admin instance", Input{ActorID: "a1", ActorRole: RoleAdmin, ResourceType: ResourceInstance}, true, ReasonAdministrative},
		{"doctor conversation", Input{ActorID: "d1", ActorRole: RoleDoctor, ResourceType: ResourceConversation, ResourceOwnerID: "u2"}, false, ReasonOwnerRequired},
		{"permission only", Input{ActorID: "d1", ActorRole: RoleDoctor, RequiredPermissions: []string{PermDocumentRead}}, true, ReasonPermissionGrant},
		{"unknown resource", Input{ActorID: "d1", ActorRole: RoleDoctor, ResourceType: "WIDGET"}, false, ReasonNoPermission},
	}
	for _, tc := range cases {
		d := eng.Decide(ctx, tc.in)
		if d.Allowed != tc.allowed || d.Reason != tc.reason {
			t.Errorf("%s: got %+v, want allowed=%v reason=%q", tc.name, d, tc.allowed, tc.reason)
		}
	}
}

func TestDecideEmitsExactlyOneEventPerCall(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng, store, _, _ := testEngine(t, now)
	ctx := context.Background()

	inputs := []Input{
		{ActorID: "owner-1", ActorRole: RoleOwner, ResourceType: ResourceFinancial},
		{ActorID: "u1", ActorRole: RoleCustomer, ResourceType: ResourcePatientData, PatientID: "u2"},
		{ActorID: "d1", ActorRole: RoleDoctor, ResourceType: ResourcePatientData, PatientID: "p1"},
		{ActorID: "a1", ActorRole: RoleAdmin},
	}
	for i, in := range inputs {
		eng.Decide(ctx, in)
		if got := countEvents(t, store); got != i+1 {
			t.Fatalf("after call %d: %d events, want %d", i+1, got, i+1)
		}
	}
}

func TestPermissionTableTotality(t *testing.T) {
	for _, role := range AllRoles {
		for _, perm := range AllPermissions {
			held := HasPermission(role, perm)
			scope, ok := PermissionScope(role, perm)
			if held != ok {
				t.Fatalf("%s/%s: HasPermission=%v but scope lookup ok=%v", role, perm, held, ok)
			}
			if held && scope == "" {
				t.Fatalf("%s/%s: held with empty scope", role, perm)
			}
			if role == RoleOwner && !held {
				t.Fatalf("owner missing %s", perm)
			}
		}
	}
	if HasPermission(Role("INTRUDER"), PermPatientDataRead) {
		t.Fatal("unknown role holds a permission")
	}
	if HasPermission(RoleNurse, "no.such.permission") {
		t.Fatal("unknown permission held")
	}
}

func TestEmergencyAccessFlow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng, store, _, _ := testEngine(t, now)
	ctx := context.Background()

	if _, _, err := eng.RequestEmergencyAccess(ctx, EmergencyInput{
		ActorID:   "d1",
		ActorRole: RoleDoctor,
	}); err != ErrInvalidInput {
		t.Fatalf("missing justification err = %v, want ErrInvalidInput", err)
	}

	d, req, err := eng.RequestEmergencyAccess(ctx, EmergencyInput{
		ActorID:       "d1",
		ActorRole:     RoleDoctor,
		ResourceType:  ResourcePatientData,
		ResourceID:    "rec-1",
		PatientID:     "p1",
		Justification: "unconscious patient in ER",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !d.Allowed || d.Reason != ReasonEmergencyGrant {
		t.Fatalf("decision = %+v", d)
	}
	if !req.AutoApproved {
		t.Fatal("request not auto-approved")
	}
	if got := req.WindowEnd.Sub(req.WindowStart); got != 24*time.Hour {
		t.Fatalf("window = %v, want 24h", got)
	}
	if !req.ReviewBy.Equal(now.Add(24 * time.Hour)) {
		t.Fatalf("review deadline = %v", req.ReviewBy)
	}

	events, _, err := store.Query(ctx, audit.Filter{EventType: audit.TypeEmergencyAccess})
	if err != nil || len(events) != 1 {
		t.Fatalf("emergency events = %d (err %v), want 1", len(events), err)
	}
	if events[0].RiskLevel != audit.RiskHigh || !events[0].PHIAccessed {
		t.Fatalf("emergency event = %+v, want HIGH risk with PHI flag", events[0])
	}

	pending, err := eng.PendingEmergencyReviews(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %d (err %v), want 1", len(pending), err)
	}
	if err := eng.ReviewEmergencyAccess(ctx, req.ID, "admin-1"); err != nil {
		t.Fatalf("review: %v", err)
	}
	pending, err = eng.PendingEmergencyReviews(ctx)
	if err != nil || len(pending) != 0 {
		t.Fatalf("pending after review = %d (err %v), want 0", len(pending), err)
	}
	if err := eng.ReviewEmergencyAccess(ctx, "no-such-id", "admin-1"); err != ErrAccessRequestNotFound {
		t.Fatalf("unknown request err = %v, want ErrAccessRequestNotFound", err)
	}
}

func TestGrantAndRevokeConsentViaEngine(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng, _, _, _ := testEngine(t, now)
	ctx := context.Background()

	if _, err := eng.GrantConsent(ctx, "p1", "", time.Hour); err != ErrInvalidInput {
		t.Fatalf("invalid grant err = %v", err)
	}
	g, err := eng.GrantConsent(ctx, "p1", "d1", 72*time.Hour)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !g.ActiveAt(now) || g.ActiveAt(now.Add(73*time.Hour)) {
		t.Fatalf("grant window wrong: %+v", g)
	}

	in := Input{ActorID: "d1", ActorRole: RoleDoctor, ResourceType: ResourcePatientData, PatientID: "p1"}
	if d := eng.Decide(ctx, in); !d.Allowed {
		t.Fatalf("granted consent denied: %+v", d)
	}
	if err := eng.RevokeConsent(ctx, "p1", "d1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if d := eng.Decide(ctx, in); d.Allowed {
		t.Fatalf("revoked consent allowed: %+v", d)
	}
}
