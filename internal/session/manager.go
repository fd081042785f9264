package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"carelock.org/internal/audit"
	"carelock.org/internal/obs"
)

const (
	sessionTTL     = 8 * time.Hour
	idleTimeout    = 30 * time.Minute
	deviceLookback = 30 * 24 * time.Hour
	maxRiskScore   = 100

	riskBlacklistedIP = 50
	riskUnseenDevice  = 20
	riskNoMFA         = 10
)

// Manager owns the session lifecycle: creation with one-shot risk scoring,
// validation with TTL and idle enforcement, and termination.
type Manager struct {
	store     Store
	ledger    *audit.Ledger
	blacklist *IPBlacklist
	now       func() time.Time
}

// Option configures the Manager.
type Option func(*Manager)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs the session manager.
func NewManager(store Store, ledger *audit.Ledger, blacklist *IPBlacklist, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		ledger:    ledger,
		blacklist: blacklist,
		now:       time.Now,
	}
	if m.blacklist == nil {
		m.blacklist = NewIPBlacklist()
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateInput carries the request context a new session is scored from.
type CreateInput struct {
	UserID            string
	IP                string
	UserAgent         string
	DeviceFingerprint string
	MFAVerified       bool
}

// Create opens a session with an 8 hour lifetime. The risk score is fixed
// here and never recomputed: a blacklisted source address, a device or agent
// not seen for this user in the last 30 days, and a missing second factor
// each contribute, capped at 100.
func (m *Manager) Create(ctx context.Context, in CreateInput) (Session, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return Session{}, ErrInvalidInput
	}
	token, err := newToken()
	if err != nil {
		return Session{}, err
	}
	now := m.now().UTC()

	score := 0
	if m.blacklist.Contains(in.IP) {
		score += riskBlacklistedIP
	}
	seen, err := m.deviceSeen(ctx, in, now)
	if err == nil && !seen {
		score += riskUnseenDevice
	}
	if !in.MFAVerified {
		score += riskNoMFA
	}
	if score > maxRiskScore {
		score = maxRiskScore
	}

	sess := Session{
		Token:             token,
		UserID:            in.UserID,
		CreatedAt:         now,
		ExpiresAt:         now.Add(sessionTTL),
		LastActivityAt:    now,
		IP:                in.IP,
		UserAgent:         in.UserAgent,
		DeviceFingerprint: in.DeviceFingerprint,
		MFAVerified:       in.MFAVerified,
		RiskScore:         score,
		Active:            true,
	}
	if err := m.store.Create(ctx, &sess); err != nil {
		return Session{}, err
	}

	obs.SessionOpened()
	_, _ = m.ledger.Append(ctx, audit.Event{
		Actor:         audit.Actor{UserID: in.UserID},
		EventType:     audit.TypeSessionCreated,
		EventCategory: audit.CategoryAuthentication,
		Action:        "session created",
		Outcome:       audit.OutcomeSuccess,
		RiskLevel:     riskLevelFor(score),
		IPAddress:     in.IP,
		UserAgent:     in.UserAgent,
		Metadata:      map[string]string{"risk_score": strconv.Itoa(score)},
	})
	return sess, nil
}

// deviceSeen reports whether this user has had a session from the same
// fingerprint or agent within the lookback window.
func (m *Manager) deviceSeen(ctx context.Context, in CreateInput, now time.Time) (bool, error) {
	prior, err := m.store.ListByUser(ctx, in.UserID)
	if err != nil {
		return false, err
	}
	cutoff := now.Add(-deviceLookback)
	for _, p := range prior {
		if p.CreatedAt.Before(cutoff) {
			continue
		}
		if in.DeviceFingerprint != "" && p.DeviceFingerprint == in.DeviceFingerprint {
			return true, nil
		}
		if in.UserAgent != "" && p.UserAgent == in.UserAgent {
			return true, nil
		}
	}
	return false, nil
}

// Validate checks a token and records the activity. An expired or idle
// session is terminated on first observation; concurrent validators race on
// the store's atomic flip so exactly one of them emits the closure.
func (m *Manager) Validate(ctx context.Context, token string) (Session, error) {
	sess, err := m.store.Find(ctx, token)
	if err != nil {
		return Session{}, err
	}
	if !sess.Active {
		return Session{}, ErrSessionExpired
	}
	now := m.now().UTC()
	if reason := expiryReason(sess, now); reason != "" {
		flipped, terr := m.store.Terminate(ctx, token, reason, now)
		if terr == nil && flipped {
			m.auditEnded(ctx, sess, reason)
		}
		return Session{}, ErrSessionExpired
	}
	if err := m.store.Touch(ctx, token, now); err != nil {
		return Session{}, err
	}
	sess.LastActivityAt = now
	sess.RequestCount++
	return *sess, nil
}

// ExpiredAt reports whether the session is past its lifetime or idle window,
// regardless of whether a terminator has observed that yet.
func (s Session) ExpiredAt(now time.Time) bool {
	return expiryReason(&s, now) != ""
}

func expiryReason(sess *Session, now time.Time) string {
	if !now.Before(sess.ExpiresAt) {
		return ReasonExpired
	}
	if now.Sub(sess.LastActivityAt) > idleTimeout {
		return ReasonIdleTimeout
	}
	return ""
}

// Terminate closes one session. Idempotent: a second call is a no-op.
func (m *Manager) Terminate(ctx context.Context, token, reason string) error {
	if reason == "" {
		reason = ReasonLogout
	}
	sess, err := m.store.Find(ctx, token)
	if err != nil {
		return err
	}
	flipped, err := m.store.Terminate(ctx, token, reason, m.now().UTC())
	if err != nil {
		return err
	}
	if flipped {
		m.auditEnded(ctx, sess, reason)
	}
	return nil
}

// TerminateAllForUser closes every active session a user holds and returns
// how many were closed. Used on credential compromise and password change.
func (m *Manager) TerminateAllForUser(ctx context.Context, userID string) (int, error) {
	sessions, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	now := m.now().UTC()
	n := 0
	for _, sess := range sessions {
		if !sess.Active {
			continue
		}
		flipped, err := m.store.Terminate(ctx, sess.Token, ReasonBulkRevoked, now)
		if err != nil {
			return n, err
		}
		if flipped {
			m.auditEnded(ctx, &sess, ReasonBulkRevoked)
			n++
		}
	}
	return n, nil
}

// ListForUser returns a user's sessions, newest first not guaranteed.
func (m *Manager) ListForUser(ctx context.Context, userID string) ([]Session, error) {
	return m.store.ListByUser(ctx, userID)
}

// CleanupExpired sweeps active sessions past their lifetime or idle window.
// Meant to run on a ticker; Validate already handles the on-demand case.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	sessions, err := m.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	now := m.now().UTC()
	n := 0
	for _, sess := range sessions {
		reason := expiryReason(&sess, now)
		if reason == "" {
			continue
		}
		flipped, err := m.store.Terminate(ctx, sess.Token, reason, now)
		if err != nil {
			return n, err
		}
		if flipped {
			m.auditEnded(ctx, &sess, reason)
			n++
		}
	}
	return n, nil
}

func (m *Manager) auditEnded(ctx context.Context, sess *Session, reason string) {
	obs.SessionClosed()
	_, _ = m.ledger.Append(ctx, audit.Event{
		Actor:         audit.Actor{UserID: sess.UserID},
		EventType:     audit.TypeSessionEnded,
		EventCategory: audit.CategoryAuthentication,
		Action:        "session ended",
		Outcome:       audit.OutcomeSuccess,
		RiskLevel:     audit.RiskLow,
		IPAddress:     sess.IP,
		Metadata:      map[string]string{"reason": reason},
	})
}

func riskLevelFor(score int) audit.RiskLevel {
	switch {
	case score >= 70:
		return audit.RiskHigh
	case score >= 40:
		return audit.RiskMedium
	default:
		return audit.RiskLow
	}
}

// newToken returns 32 bytes of hex-encoded randomness.
func newToken() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("session: generate token: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}
