package alert

import (
	"context"
	"strings"
	"time"

	"carelock.org/internal/audit"
	"carelock.org/internal/ids"
	"carelock.org/internal/obs"
)

// Publisher receives newly raised alerts (dashboard stream fan-out).
type Publisher interface {
	PublishAlert(a Alert)
}

// Service owns the alert lifecycle. Raised alerts are audited and counted;
// status only ever moves forward.
type Service struct {
	store     Store
	ledger    *audit.Ledger
	publisher Publisher
	now       func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithPublisher attaches a fan-out sink for newly raised alerts.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// NewService constructs the alert service.
func NewService(store Store, ledger *audit.Ledger, opts ...Option) *Service {
	s := &Service{store: store, ledger: ledger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Raise records a new alert. Type and severity are required; ID, status and
// detection time are assigned here.
func (s *Service) Raise(ctx context.Context, a Alert) (Alert, error) {
	if strings.TrimSpace(a.Type) == "" || a.Severity == "" {
		return Alert{}, ErrInvalidInput
	}
	a.ID = ids.New()
	a.Status = StatusNew
	a.DetectedAt = s.now().UTC()

	if err := s.store.Create(ctx, &a); err != nil {
		return Alert{}, err
	}

	obs.AlertRaised(a.Type, string(a.Severity))
	_, _ = s.ledger.Append(ctx, audit.Event{
		Actor:         audit.Actor{UserID: "system", Role: "SYSTEM"},
		EventType:     audit.TypeAlertRaised,
		EventCategory: audit.CategorySecurity,
		Action:        "raise security alert",
		Resource:      audit.Resource{Type: "SECURITY_ALERT", ID: a.ID},
		Outcome:       audit.OutcomeSuccess,
		RiskLevel:     riskFor(a.Severity),
		Metadata: map[string]string{
			"alert_type": a.Type,
			"severity":   string(a.Severity),
		},
	})
	if s.publisher != nil {
		s.publisher.PublishAlert(a)
	}
	return a, nil
}

// Acknowledge assigns a NEW alert to an operator.
func (s *Service) Acknowledge(ctx context.Context, id, assignedTo string) (Alert, error) {
	a, err := s.store.Find(ctx, id)
	if err != nil {
		return Alert{}, err
	}
	if a.Status != StatusNew {
		return Alert{}, ErrInvalidTransition
	}
	if strings.TrimSpace(assignedTo) == "" {
		return Alert{}, ErrInvalidInput
	}
	a.Status = StatusAcknowledged
	a.AssignedTo = assignedTo
	a.AcknowledgedAt = s.now().UTC()
	if err := s.store.Update(ctx, a); err != nil {
		return Alert{}, err
	}
	return *a, nil
}

// Resolve closes an ACKNOWLEDGED alert with a resolution note. Resolved is
// terminal; reopening means raising a fresh alert.
func (s *Service) Resolve(ctx context.Context, id, resolution string) (Alert, error) {
	a, err := s.store.Find(ctx, id)
	if err != nil {
		return Alert{}, err
	}
	if a.Status != StatusAcknowledged {
		return Alert{}, ErrInvalidTransition
	}
	if strings.TrimSpace(resolution) == "" {
		return Alert{}, ErrInvalidInput
	}
	a.Status = StatusResolved
	a.Resolution = resolution
	a.ResolvedAt = s.now().UTC()
	if err := s.store.Update(ctx, a); err != nil {
		return Alert{}, err
	}
	return *a, nil
}

// ListActive returns unresolved alerts, optionally narrowed by severity.
func (s *Service) ListActive(ctx context.Context, severity Severity) ([]Alert, error) {
	newAlerts, err := s.store.List(ctx, Filter{Status: StatusNew, Severity: severity})
	if err != nil {
		return nil, err
	}
	acked, err := s.store.List(ctx, Filter{Status: StatusAcknowledged, Severity: severity})
	if err != nil {
		return nil, err
	}
	return append(newAlerts, acked...), nil
}

// List returns alerts matching the filter.
func (s *Service) List(ctx context.Context, f Filter) ([]Alert, error) {
	return s.store.List(ctx, f)
}

func riskFor(sev Severity) audit.RiskLevel {
	switch sev {
	case SeverityCritical:
		return audit.RiskCritical
	case SeverityHigh:
		return audit.RiskHigh
	case SeverityMedium:
		return audit.RiskMedium
	default:
		return audit.RiskLow
	}
}
