package session

import (
	"errors"
	"time"
)

var (
	ErrSessionInvalid = errors.New("session: invalid or unknown token")
	ErrSessionExpired = errors.New("session: expired")
	ErrInvalidInput   = errors.New("session: invalid input")
)

// Termination reasons recorded when a session stops being usable.
const (
	ReasonLogout      = "logout"
	ReasonExpired     = "expired"
	ReasonIdleTimeout = "idle_timeout"
	ReasonRevoked     = "revoked"
	ReasonBulkRevoked = "bulk_revoked"
)

// Session is one authenticated presence. The risk score is computed once at
// creation from the request context and never re-scored afterwards.
type Session struct {
	Token             string    `json:"token"`
	UserID            string    `json:"user_id"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	IP                string    `json:"ip"`
	UserAgent         string    `json:"user_agent"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	MFAVerified       bool      `json:"mfa_verified"`
	RiskScore         int       `json:"risk_score"`
	RequestCount      int       `json:"request_count"`
	Active            bool      `json:"active"`
	TerminationReason string    `json:"termination_reason,omitempty"`
}
