package anomaly

import (
	"context"
	"fmt"
	"time"

	"carelock.org/internal/alert"
	"carelock.org/internal/audit"
	"carelock.org/internal/obs"
	"carelock.org/internal/session"
)

const (
	complianceBaseline   = 100
	compliancePassMark   = 80
	auditSilenceWindow   = 24 * time.Hour
	breachNotifyDeadline = 60 * 24 * time.Hour
)

// ComplianceReport is the periodic posture check result.
type ComplianceReport struct {
	CheckedAt       time.Time `json:"checked_at"`
	Score           int       `json:"score"`
	Compliant       bool      `json:"compliant"`
	Issues          []string  `json:"issues,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
}

// Compliance evaluates the running system against the posture rules: a live
// audit trail, no lingering expired sessions, no unattended high severity
// alerts, and no breach past its notification deadline.
type Compliance struct {
	ledger   *audit.Ledger
	alerts   *alert.Service
	sessions session.Store
	now      func() time.Time
}

// NewCompliance constructs the checker.
func NewCompliance(ledger *audit.Ledger, alerts *alert.Service, sessions session.Store, opts ...Option) *Compliance {
	o := buildOptions(opts)
	return &Compliance{ledger: ledger, alerts: alerts, sessions: sessions, now: o.now}
}

// Run produces a report. Each failed check subtracts from the baseline; a
// check that cannot be evaluated is reported as an issue without a deduction
// so a storage blip does not read as a posture collapse.
func (c *Compliance) Run(ctx context.Context) ComplianceReport {
	now := c.now().UTC()
	r := ComplianceReport{CheckedAt: now, Score: complianceBaseline}

	res, err := c.ledger.Query(ctx, audit.Filter{From: now.Add(-auditSilenceWindow), Limit: 1})
	switch {
	case err != nil:
		c.degrade(&r, "audit trail check unavailable", err)
	case res.Total == 0:
		r.Score -= 20
		r.Issues = append(r.Issues, "no audit events recorded in the last 24 hours")
		r.Recommendations = append(r.Recommendations, "verify the audit pipeline and event emission")
	}

	active, err := c.sessions.ListActive(ctx)
	if err != nil {
		c.degrade(&r, "session check unavailable", err)
	} else {
		stale := 0
		for _, s := range active {
			if s.ExpiredAt(now) {
				stale++
			}
		}
		if stale > 0 {
			r.Score -= 10
			r.Issues = append(r.Issues, fmt.Sprintf("%d expired sessions still marked active", stale))
			r.Recommendations = append(r.Recommendations, "run the session cleanup sweep")
		}
	}

	open, err := c.alerts.ListActive(ctx, "")
	if err != nil {
		c.degrade(&r, "alert check unavailable", err)
	} else {
		high := 0
		overdueBreach := 0
		for _, a := range open {
			if a.Severity == alert.SeverityHigh || a.Severity == alert.SeverityCritical {
				high++
			}
			if a.Type == alert.TypeBreachDetected && now.Sub(a.DetectedAt) > breachNotifyDeadline {
				overdueBreach++
			}
		}
		if high > 0 {
			r.Score -= 15
			r.Issues = append(r.Issues, fmt.Sprintf("%d unresolved high or critical alerts", high))
			r.Recommendations = append(r.Recommendations, "triage and resolve open high severity alerts")
		}
		if overdueBreach > 0 {
			r.Score -= 30
			r.Issues = append(r.Issues, fmt.Sprintf("%d breach alerts past the 60 day notification deadline", overdueBreach))
			r.Recommendations = append(r.Recommendations, "complete breach notification immediately")
		}
	}

	if r.Score < 0 {
		r.Score = 0
	}
	r.Compliant = r.Score >= compliancePassMark
	return r
}

func (c *Compliance) degrade(r *ComplianceReport, issue string, err error) {
	obs.LogRequest(map[string]any{"component": "compliance", "issue": issue, "error": err.Error()})
	r.Issues = append(r.Issues, issue)
}
