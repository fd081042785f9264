package policy

import (
	"context"
	"errors"
	"strings"
	"time"

	"carelock.org/internal/audit"
	"carelock.org/internal/obs"
)

var (
	ErrInvalidInput          = errors.New("policy: invalid input")
	ErrAccessRequestNotFound = errors.New("policy: access request not found")
)

// Stable decision reasons. These are the only strings surfaced to callers;
// they never carry internal detail.
const (
	ReasonAdminOverride   = "administrator override"
	ReasonPermissionGrant = "permission granted"
	ReasonOwnsResource    = "owns resource"
	ReasonOwnData         = "own data"
	ReasonActiveConsent   = "active patient consent"
	ReasonSupportAccess   = "support access"
	ReasonEmergencyGrant  = "emergency access granted"
	ReasonAdministrative  = "administrative access"
	ReasonNoPermission    = "insufficient permissions"
	ReasonNotOwnData      = "patients may only access their own data"
	ReasonNoConsent       = "no active patient consent"
	ReasonOwnerRoleOnly   = "owner role required"
	ReasonOwnerRequired   = "resource owner access required"
)

// Input carries everything the engine needs for one decision. The transport
// layer supplies actor identity; resource fields are optional.
type Input struct {
	ActorID             string
	ActorRole           Role
	ActorName           string
	RequiredPermissions []string
	Action              string
	ResourceType        string
	ResourceID          string
	ResourceOwnerID     string
	PatientID           string
}

// Decision is the engine's verdict. Reason is always a non-empty stable
// string; RequiredPermission names the first missing permission on denial.
type Decision struct {
	Allowed            bool   `json:"allowed"`
	Reason             string `json:"reason"`
	RequiredPermission string `json:"required_permission,omitempty"`
}

// AccessDeniedError propagates a denial as a typed failure.
type AccessDeniedError struct {
	Reason string
}

func (e *AccessDeniedError) Error() string { return "access denied: " + e.Reason }

// Engine merges role permissions, resource ownership, consent grants and
// emergency overrides into allow/deny decisions. Each Decide call is
// read-only aside from its single audit event and is safe to call
// concurrently.
type Engine struct {
	consents ConsentStore
	requests AccessRequestStore
	ledger   *audit.Ledger
	now      func() time.Time
}

// Option configures the Engine.
type Option func(*Engine)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs the decision engine.
func NewEngine(consents ConsentStore, requests AccessRequestStore, ledger *audit.Ledger, opts ...Option) *Engine {
	e := &Engine{
		consents: consents,
		requests: requests,
		ledger:   ledger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide evaluates the ordered policy sources and returns the verdict.
// Exactly one audit event is emitted per call, grant or deny.
func (e *Engine) Decide(ctx context.Context, in Input) Decision {
	d := e.evaluate(ctx, in)
	e.auditDecision(ctx, in, d)
	return d
}

func (e *Engine) evaluate(ctx context.Context, in Input) Decision {
	// 1. Top-level administrative role bypasses the table. The bypass is
	// still audited as an override, not silently folded into normal grants.
	if in.ActorRole == RoleOwner {
		return Decision{Allowed: true, Reason: ReasonAdminOverride}
	}

	// 2. Role must hold every required permission.
	for _, perm := range in.RequiredPermissions {
		if !HasPermission(in.ActorRole, perm) {
			return Decision{Allowed: false, Reason: ReasonNoPermission, RequiredPermission: perm}
		}
	}

	// 3. Permission-only checks carry no resource.
	if in.ResourceType == "" {
		return Decision{Allowed: true, Reason: ReasonPermissionGrant}
	}

	// 4. Owners pass regardless of resource type.
	if in.ResourceOwnerID != "" && in.ResourceOwnerID == in.ActorID {
		return Decision{Allowed: true, Reason: ReasonOwnsResource}
	}

	// 5. Resource-type-specific rules.
	switch in.ResourceType {
	case ResourcePatientData:
		return e.decidePatientData(ctx, in)
	case ResourceFinancial:
		// Only the owner role, which returned at step 1. ADMIN is denied too.
		return Decision{Allowed: false, Reason: ReasonOwnerRoleOnly}
	case ResourceDocument, ResourceConversation, ResourceInstance:
		if in.ActorRole == RoleAdmin {
			return Decision{Allowed: true, Reason: ReasonAdministrative}
		}
		return Decision{Allowed: false, Reason: ReasonOwnerRequired}
	default:
		return Decision{Allowed: false, Reason: ReasonNoPermission}
	}
}

func (e *Engine) decidePatientData(ctx context.Context, in Input) Decision {
	switch in.ActorRole {
	case RoleAdmin:
		return Decision{Allowed: true, Reason: ReasonAdministrative}
	case RoleCustomer:
		if in.PatientID != "" && in.ActorID == in.PatientID {
			return Decision{Allowed: true, Reason: ReasonOwnData}
		}
		return Decision{Allowed: false, Reason: ReasonNotOwnData}
	case RoleDoctor, RoleNurse:
		grant, err := e.consents.Find(ctx, in.PatientID, in.ActorID)
		if err == nil && grant.ActiveAt(e.now()) {
			return Decision{Allowed: true, Reason: ReasonActiveConsent}
		}
		return Decision{Allowed: false, Reason: ReasonNoConsent}
	case RoleSupport:
		// Unscoped support access matches the upstream product behavior.
		// Flagged as a policy open question; every grant is audited with an
		// explicit access reason so the exposure is measurable.
		return Decision{Allowed: true, Reason: ReasonSupportAccess}
	default:
		return Decision{Allowed: false, Reason: ReasonNoPermission}
	}
}

// EmergencyInput is a break-glass request.
type EmergencyInput struct {
	ActorID       string
	ActorRole     Role
	ResourceType  string
	ResourceID    string
	PatientID     string
	Justification string
}

// RequestEmergencyAccess bypasses the normal checks for a bounded 24 hour
// window. The grant is auto-approved, logged at high risk, and recorded as
// an access request requiring review within 24 hours.
func (e *Engine) RequestEmergencyAccess(ctx context.Context, in EmergencyInput) (Decision, AccessRequest, error) {
	if strings.TrimSpace(in.Justification) == "" || strings.TrimSpace(in.ActorID) == "" {
		return Decision{}, AccessRequest{}, ErrInvalidInput
	}
	now := e.now().UTC()
	req := AccessRequest{
		ID:            newAccessRequestID(),
		RequesterID:   in.ActorID,
		RequesterRole: in.ActorRole,
		ResourceType:  in.ResourceType,
		ResourceID:    in.ResourceID,
		PatientID:     in.PatientID,
		Justification: in.Justification,
		AutoApproved:  true,
		WindowStart:   now,
		WindowEnd:     now.Add(emergencyWindow),
		ReviewBy:      now.Add(reviewDeadline),
	}
	if err := e.requests.Create(ctx, &req); err != nil {
		return Decision{}, AccessRequest{}, err
	}

	obs.AuthzDecision("emergency")
	_, _ = e.ledger.Append(ctx, audit.Event{
		Actor:            audit.Actor{UserID: in.ActorID, Role: string(in.ActorRole)},
		EventType:        audit.TypeEmergencyAccess,
		EventCategory:    audit.CategoryAuthorization,
		Action:           "emergency access",
		Resource:         audit.Resource{Type: in.ResourceType, ID: in.ResourceID},
		Outcome:          audit.OutcomeSuccess,
		RiskLevel:        audit.RiskHigh,
		PHIAccessed:      in.ResourceType == ResourcePatientData,
		SubjectPatientID: in.PatientID,
		AccessReason:     ReasonEmergencyGrant,
		Metadata: map[string]string{
			"justification":     in.Justification,
			"access_request_id": req.ID,
			"window_end":        req.WindowEnd.Format(time.RFC3339),
		},
	})
	return Decision{Allowed: true, Reason: ReasonEmergencyGrant}, req, nil
}

// PendingEmergencyReviews lists break-glass grants still awaiting review.
func (e *Engine) PendingEmergencyReviews(ctx context.Context) ([]AccessRequest, error) {
	return e.requests.PendingReview(ctx, e.now().UTC())
}

// ReviewEmergencyAccess closes out a break-glass grant's mandatory review.
func (e *Engine) ReviewEmergencyAccess(ctx context.Context, requestID, reviewerID string) error {
	if err := e.requests.MarkReviewed(ctx, requestID, reviewerID, e.now().UTC()); err != nil {
		return err
	}
	_, _ = e.ledger.Append(ctx, audit.Event{
		Actor:         audit.Actor{UserID: reviewerID},
		EventType:     audit.TypeEmergencyAccess,
		EventCategory: audit.CategoryAuthorization,
		Action:        "emergency access review",
		Resource:      audit.Resource{Type: "ACCESS_REQUEST", ID: requestID},
		Outcome:       audit.OutcomeSuccess,
		RiskLevel:     audit.RiskLow,
	})
	return nil
}

// GrantConsent records an active, time-bound consent grant.
func (e *Engine) GrantConsent(ctx context.Context, patientID, granteeUserID string, ttl time.Duration) (ConsentGrant, error) {
	if patientID == "" || granteeUserID == "" || ttl <= 0 {
		return ConsentGrant{}, ErrInvalidInput
	}
	now := e.now().UTC()
	g := ConsentGrant{
		PatientID:     patientID,
		GranteeUserID: granteeUserID,
		Status:        ConsentActive,
		GrantedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
	if err := e.consents.Put(ctx, g); err != nil {
		return ConsentGrant{}, err
	}
	_, _ = e.ledger.Append(ctx, audit.Event{
		Actor:            audit.Actor{UserID: patientID, Role: string(RoleCustomer)},
		EventType:        audit.TypeAccessGranted,
		EventCategory:    audit.CategoryAuthorization,
		Action:           "consent granted",
		Outcome:          audit.OutcomeSuccess,
		RiskLevel:        audit.RiskLow,
		SubjectPatientID: patientID,
		Metadata:         map[string]string{"grantee": granteeUserID},
	})
	return g, nil
}

// ConsentsForPatient lists every grant recorded for a patient, active or not.
func (e *Engine) ConsentsForPatient(ctx context.Context, patientID string) ([]ConsentGrant, error) {
	if patientID == "" {
		return nil, ErrInvalidInput
	}
	return e.consents.ListForPatient(ctx, patientID)
}

// RevokeConsent withdraws a grant immediately.
func (e *Engine) RevokeConsent(ctx context.Context, patientID, granteeUserID string) error {
	if err := e.consents.Revoke(ctx, patientID, granteeUserID); err != nil {
		return err
	}
	_, _ = e.ledger.Append(ctx, audit.Event{
		Actor:            audit.Actor{UserID: patientID, Role: string(RoleCustomer)},
		EventType:        audit.TypeAccessDenied,
		EventCategory:    audit.CategoryAuthorization,
		Action:           "consent revoked",
		Outcome:          audit.OutcomeSuccess,
		RiskLevel:        audit.RiskLow,
		SubjectPatientID: patientID,
		Metadata:         map[string]string{"grantee": granteeUserID},
	})
	return nil
}

func (e *Engine) auditDecision(ctx context.Context, in Input, d Decision) {
	eventType := audit.TypeAccessDenied
	outcome := audit.OutcomeDenied
	risk := audit.RiskMedium
	metric := "denied"
	if d.Allowed {
		eventType = audit.TypeAccessGranted
		outcome = audit.OutcomeSuccess
		risk = audit.RiskLow
		metric = "allowed"
		if d.Reason == ReasonAdminOverride {
			eventType = audit.TypeAdminOverride
			risk = audit.RiskMedium
		}
	}
	obs.AuthzDecision(metric)

	meta := map[string]string{}
	if d.RequiredPermission != "" {
		meta["required_permission"] = d.RequiredPermission
	}
	if len(in.RequiredPermissions) > 0 {
		meta["permissions"] = strings.Join(in.RequiredPermissions, ",")
	}
	_, _ = e.ledger.Append(ctx, audit.Event{
		Actor:            audit.Actor{UserID: in.ActorID, Role: string(in.ActorRole), Name: in.ActorName},
		EventType:        eventType,
		EventCategory:    audit.CategoryAuthorization,
		Action:           in.Action,
		Resource:         audit.Resource{Type: in.ResourceType, ID: in.ResourceID},
		Outcome:          outcome,
		RiskLevel:        risk,
		PHIAccessed:      d.Allowed && in.ResourceType == ResourcePatientData,
		SubjectPatientID: in.PatientID,
		AccessReason:     d.Reason,
		Metadata:         meta,
	})
}
