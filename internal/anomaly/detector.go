package anomaly

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"carelock.org/internal/alert"
	"carelock.org/internal/audit"
	"carelock.org/internal/obs"
)

const (
	phiWindow    = time.Hour
	phiThreshold = 50

	failureWindow    = time.Hour
	failureThreshold = 10

	exportWindow    = 24 * time.Hour
	exportThreshold = 10
)

// Detector scans the audit ledger for per-actor behavior that crosses the
// volume thresholds. Detection is advisory: a failed scan degrades to a log
// line and never propagates an error into the guarded request path.
type Detector struct {
	ledger *audit.Ledger
	alerts *alert.Service
	now    func() time.Time
}

type options struct {
	now func() time.Time
}

// Option configures a detector or compliance checker.
type Option func(*options)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(o *options) {
		if fn != nil {
			o.now = fn
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewDetector constructs the detector.
func NewDetector(ledger *audit.Ledger, alerts *alert.Service, opts ...Option) *Detector {
	o := buildOptions(opts)
	return &Detector{ledger: ledger, alerts: alerts, now: o.now}
}

// ScanUser evaluates one actor against the rolling windows and raises at most
// one alert per crossed threshold. Returns the alerts raised by this call.
func (d *Detector) ScanUser(ctx context.Context, userID string) []alert.Alert {
	now := d.now().UTC()
	var raised []alert.Alert

	if n, ok := d.count(ctx, audit.Filter{ActorUserID: userID, PHIOnly: true, From: now.Add(-phiWindow)}); ok && n > phiThreshold {
		raised = d.raise(ctx, raised, alert.Alert{
			Type:          alert.TypeAnomalousBehavior,
			Severity:      alert.SeverityHigh,
			Summary:       fmt.Sprintf("%d patient record accesses in the last hour", n),
			SubjectUserID: userID,
			Indicators:    map[string]string{"phi_access_count": strconv.Itoa(n)},
		})
	}
	if n, ok := d.count(ctx, audit.Filter{ActorUserID: userID, Outcome: audit.OutcomeFailure, From: now.Add(-failureWindow)}); ok && n > failureThreshold {
		raised = d.raise(ctx, raised, alert.Alert{
			Type:          alert.TypeSuspiciousActivity,
			Severity:      alert.SeverityMedium,
			Summary:       fmt.Sprintf("%d failed operations in the last hour", n),
			SubjectUserID: userID,
			Indicators:    map[string]string{"failure_count": strconv.Itoa(n)},
		})
	}
	if n, ok := d.count(ctx, audit.Filter{ActorUserID: userID, EventType: audit.TypeDataExport, From: now.Add(-exportWindow)}); ok && n > exportThreshold {
		raised = d.raise(ctx, raised, alert.Alert{
			Type:          alert.TypeDataExfiltration,
			Severity:      alert.SeverityCritical,
			Summary:       fmt.Sprintf("%d data exports in the last 24 hours", n),
			SubjectUserID: userID,
			Indicators:    map[string]string{"export_count": strconv.Itoa(n)},
		})
	}
	return raised
}

func (d *Detector) count(ctx context.Context, f audit.Filter) (int, bool) {
	f.Limit = 1
	res, err := d.ledger.Query(ctx, f)
	if err != nil {
		obs.LogRequest(map[string]any{"component": "anomaly", "op": "count", "error": err.Error()})
		return 0, false
	}
	return res.Total, true
}

func (d *Detector) raise(ctx context.Context, acc []alert.Alert, a alert.Alert) []alert.Alert {
	out, err := d.alerts.Raise(ctx, a)
	if err != nil {
		obs.LogRequest(map[string]any{"component": "anomaly", "op": "raise", "type": a.Type, "error": err.Error()})
		return acc
	}
	return append(acc, out)
}
