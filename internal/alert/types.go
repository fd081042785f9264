package alert

import (
	"errors"
	"time"
)

// Severity grades an alert for triage.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Status is the alert lifecycle position. Transitions are one-directional:
// NEW -> ACKNOWLEDGED -> RESOLVED. A regression creates a new alert.
type Status string

const (
	StatusNew          Status = "NEW"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusResolved     Status = "RESOLVED"
)

// Alert types raised by the core.
const (
	TypeBruteForce         = "BRUTE_FORCE"
	TypeAnomalousBehavior  = "ANOMALOUS_BEHAVIOR"
	TypeSuspiciousActivity = "SUSPICIOUS_ACTIVITY"
	TypeDataExfiltration   = "DATA_EXFILTRATION"
	TypeBreachDetected     = "BREACH_DETECTED"
)

// Alert is one security finding surfaced to the compliance dashboard.
type Alert struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Severity       Severity          `json:"severity"`
	Status         Status            `json:"status"`
	Summary        string            `json:"summary"`
	Indicators     map[string]string `json:"indicators,omitempty"`
	SubjectUserID  string            `json:"subject_user_id,omitempty"`
	DetectedAt     time.Time         `json:"detected_at"`
	AcknowledgedAt time.Time         `json:"acknowledged_at,omitzero"`
	AssignedTo     string            `json:"assigned_to,omitempty"`
	ResolvedAt     time.Time         `json:"resolved_at,omitzero"`
	Resolution     string            `json:"resolution,omitempty"`
}

var (
	ErrNotFound          = errors.New("alert: not found")
	ErrInvalidTransition = errors.New("alert: invalid status transition")
	ErrInvalidInput      = errors.New("alert: invalid input")
)

// Filter narrows alert listings for the dashboard.
type Filter struct {
	Status   Status
	Severity Severity
	Type     string
	UserID   string
	Limit    int
}
