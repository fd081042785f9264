package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"carelock.org/internal/session"
)

// SessionStore implements session.Store over Postgres.
type SessionStore struct {
	db *sql.DB
}

var _ session.Store = (*SessionStore)(nil)

const sessionColumns = `token, user_id, created_at, expires_at, last_activity_at,
	ip, user_agent, device_fingerprint, mfa_verified, risk_score, request_count,
	active, termination_reason`

func (s *SessionStore) Create(ctx context.Context, sess *session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (`+sessionColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, sess.Token, sess.UserID, sess.CreatedAt, sess.ExpiresAt, sess.LastActivityAt,
		nullIfEmpty(sess.IP), nullIfEmpty(sess.UserAgent), nullIfEmpty(sess.DeviceFingerprint),
		sess.MFAVerified, sess.RiskScore, sess.RequestCount,
		sess.Active, nullIfEmpty(sess.TerminationReason))
	return err
}

func (s *SessionStore) Find(ctx context.Context, token string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where token = $1`, token)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSessionInvalid
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SessionStore) Touch(ctx context.Context, token string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update sessions
		set last_activity_at = $2, request_count = request_count + 1
		where token = $1 and active
	`, token, at)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return s.sessionExists(ctx, token)
	}
	return nil
}

// Terminate relies on the `and active` predicate for its exactly-once
// guarantee: the first updater flips the row, later ones see zero rows.
func (s *SessionStore) Terminate(ctx context.Context, token, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update sessions
		set active = false, termination_reason = $2, last_activity_at = $3
		where token = $1 and active
	`, token, reason, at)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if aff == 0 {
		return false, s.sessionExists(ctx, token)
	}
	return true, nil
}

func (s *SessionStore) ListByUser(ctx context.Context, userID string) ([]session.Session, error) {
	return s.listSessions(ctx, `select `+sessionColumns+` from sessions where user_id = $1`, userID)
}

func (s *SessionStore) ListActive(ctx context.Context) ([]session.Session, error) {
	return s.listSessions(ctx, `select `+sessionColumns+` from sessions where active`)
}

func (s *SessionStore) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from sessions where not active and last_activity_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SessionStore) listSessions(ctx context.Context, query string, args ...any) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SessionStore) sessionExists(ctx context.Context, token string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `select 1 from sessions where token = $1`, token).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return session.ErrSessionInvalid
	}
	return err
}

func scanSession(row rowScanner) (*session.Session, error) {
	var (
		sess   session.Session
		ip     sql.NullString
		ua     sql.NullString
		fp     sql.NullString
		reason sql.NullString
	)
	if err := row.Scan(&sess.Token, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt, &sess.LastActivityAt,
		&ip, &ua, &fp, &sess.MFAVerified, &sess.RiskScore, &sess.RequestCount,
		&sess.Active, &reason); err != nil {
		return nil, err
	}
	sess.IP = ip.String
	sess.UserAgent = ua.String
	sess.DeviceFingerprint = fp.String
	sess.TerminationReason = reason.String
	return &sess, nil
}
