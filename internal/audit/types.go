package audit

import "time"

// RetentionPeriod is how long audit events must be kept before they become
// eligible for purge. Regulatory floor: seven years from creation.
const RetentionPeriod = 7 * 365 * 24 * time.Hour

// EventCategory groups events for querying and statistics.
type EventCategory string

const (
	CategoryAuthentication EventCategory = "AUTHENTICATION"
	CategoryAuthorization  EventCategory = "AUTHORIZATION"
	CategoryDataAccess     EventCategory = "DATA_ACCESS"
	CategoryDataChange     EventCategory = "DATA_MODIFICATION"
	CategorySecurity       EventCategory = "SECURITY"
	CategorySystem         EventCategory = "SYSTEM"
)

// Event types used across the core. The set is open: callers may log their
// own types, these are the ones the core emits or aggregates on.
const (
	TypeLogin           = "LOGIN"
	TypeLoginFailed     = "LOGIN_FAILED"
	TypeAccessGranted   = "ACCESS_GRANTED"
	TypeAccessDenied    = "ACCESS_DENIED"
	TypeAdminOverride   = "ADMIN_OVERRIDE"
	TypeEmergencyAccess = "EMERGENCY_ACCESS"
	TypePHIAccess       = "PHI_ACCESS"
	TypeDataExport      = "DATA_EXPORT"
	TypeTwoFactorSetup  = "TWO_FACTOR_SETUP"
	TypeTwoFactorVerify = "TWO_FACTOR_VERIFY"
	TypeTwoFactorChange = "TWO_FACTOR_CHANGE"
	TypeSessionCreated  = "SESSION_CREATED"
	TypeSessionEnded    = "SESSION_ENDED"
	TypeAlertRaised     = "ALERT_RAISED"
	TypeRetentionPurge  = "RETENTION_PURGE"
)

// Outcome is the result of the audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomeDenied  Outcome = "DENIED"
)

// RiskLevel grades how suspicious the audited operation is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Actor identifies who performed the audited operation.
type Actor struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Name   string `json:"name,omitempty"`
}

// Resource identifies what the operation touched.
type Resource struct {
	Type string `json:"type,omitempty"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Event is one immutable audit record. Once appended it is never updated or
// deleted before its retention date.
type Event struct {
	ID                 string            `json:"id"`
	Timestamp          time.Time         `json:"timestamp"`
	Actor              Actor             `json:"actor"`
	EventType          string            `json:"event_type"`
	EventCategory      EventCategory     `json:"event_category"`
	Action             string            `json:"action"`
	Resource           Resource          `json:"resource"`
	Outcome            Outcome           `json:"outcome"`
	RiskLevel          RiskLevel         `json:"risk_level"`
	IPAddress          string            `json:"ip_address,omitempty"`
	UserAgent          string            `json:"user_agent,omitempty"`
	PHIAccessed        bool              `json:"phi_accessed"`
	SubjectPatientID   string            `json:"subject_patient_id,omitempty"`
	AccessReason       string            `json:"access_reason,omitempty"`
	DataFieldsAccessed []string          `json:"data_fields_accessed,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	RetentionDate      time.Time         `json:"retention_date"`
	Archived           bool              `json:"archived"`
}

// Filter narrows a ledger query. Zero values mean "no constraint".
type Filter struct {
	ActorUserID   string
	PatientID     string
	EventType     string
	EventCategory EventCategory
	Outcome       Outcome
	RiskLevel     RiskLevel
	PHIOnly       bool
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
}

// UserActivity summarises one user's ledger footprint over a time range.
type UserActivity struct {
	UserID         string `json:"user_id"`
	TotalActions   int    `json:"total_actions"`
	PHIAccessCount int    `json:"phi_access_count"`
	FailureCount   int    `json:"failure_count"`
}

// TypeCount is one entry of a top-N event type ranking.
type TypeCount struct {
	EventType string `json:"event_type"`
	Count     int    `json:"count"`
}

// Statistics aggregates ledger contents over a time range.
type Statistics struct {
	Total            int                   `json:"total"`
	ByCategory       map[EventCategory]int `json:"by_category"`
	ByType           map[string]int        `json:"by_type"`
	DistinctActors   int                   `json:"distinct_actors"`
	DistinctPatients int                   `json:"distinct_patients"`
	Failures         int                   `json:"failures"`
	SecurityEvents   int                   `json:"security_events"`
	TopTypes         []TypeCount           `json:"top_types"`
}
