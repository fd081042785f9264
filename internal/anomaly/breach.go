package anomaly

import (
	"context"
	"strconv"

	"carelock.org/internal/alert"
)

const (
	breachAlertThreshold    = 70
	breachCriticalThreshold = 90
	failedLoginThreshold    = 5
)

// Indicators are the observed signals a breach assessment weighs.
type Indicators struct {
	FailedLogins       int  `json:"failed_logins"`
	UnusualTime        bool `json:"unusual_time"`
	UnusualLocation    bool `json:"unusual_location"`
	UnusualVolume      bool `json:"unusual_volume"`
	MultiPatientSweep  bool `json:"multi_patient_sweep"`
	RapidAccess        bool `json:"rapid_access"`
	UnauthorizedExport bool `json:"unauthorized_export"`
}

// BreachAssessment is the weighted verdict over a set of indicators.
type BreachAssessment struct {
	Score    int            `json:"score"`
	Breach   bool           `json:"breach"`
	Severity alert.Severity `json:"severity,omitempty"`
	AlertID  string         `json:"alert_id,omitempty"`
}

// DetectBreach scores the indicators and raises a breach alert when the
// weighted total crosses the reporting threshold. Scores of 90 and above are
// graded critical.
func (d *Detector) DetectBreach(ctx context.Context, userID string, in Indicators) (BreachAssessment, error) {
	score := 0
	if in.FailedLogins > failedLoginThreshold {
		score += 30
	}
	if in.UnusualTime {
		score += 20
	}
	if in.UnusualLocation {
		score += 25
	}
	if in.UnusualVolume {
		score += 30
	}
	if in.MultiPatientSweep {
		score += 25
	}
	if in.RapidAccess {
		score += 20
	}
	if in.UnauthorizedExport {
		score += 40
	}

	out := BreachAssessment{Score: score}
	if score < breachAlertThreshold {
		return out, nil
	}
	out.Breach = true
	out.Severity = alert.SeverityHigh
	if score >= breachCriticalThreshold {
		out.Severity = alert.SeverityCritical
	}

	a, err := d.alerts.Raise(ctx, alert.Alert{
		Type:          alert.TypeBreachDetected,
		Severity:      out.Severity,
		Summary:       "breach indicators scored " + strconv.Itoa(score),
		SubjectUserID: userID,
		Indicators:    indicatorMap(in, score),
	})
	if err != nil {
		return out, err
	}
	out.AlertID = a.ID
	return out, nil
}

func indicatorMap(in Indicators, score int) map[string]string {
	m := map[string]string{"score": strconv.Itoa(score)}
	if in.FailedLogins > failedLoginThreshold {
		m["failed_logins"] = strconv.Itoa(in.FailedLogins)
	}
	if in.UnusualTime {
		m["unusual_time"] = "true"
	}
	if in.UnusualLocation {
		m["unusual_location"] = "true"
	}
	if in.UnusualVolume {
		m["unusual_volume"] = "true"
	}
	if in.MultiPatientSweep {
		m["multi_patient_sweep"] = "true"
	}
	if in.RapidAccess {
		m["rapid_access"] = "true"
	}
	if in.UnauthorizedExport {
		m["unauthorized_export"] = "true"
	}
	return m
}
