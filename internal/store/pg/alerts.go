package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"carelock.org/internal/alert"
)

// AlertStore implements alert.Store over Postgres.
type AlertStore struct {
	db *sql.DB
}

var _ alert.Store = (*AlertStore)(nil)

const alertColumns = `id, alert_type, severity, status, summary, indicators,
	subject_user_id, detected_at, acknowledged_at, assigned_to, resolved_at, resolution`

func (s *AlertStore) Create(ctx context.Context, a *alert.Alert) error {
	indicators, err := marshalOrNull(a.Indicators)
	if err != nil {
		return fmt.Errorf("encode indicators: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into alerts (`+alertColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, a.ID, a.Type, a.Severity, a.Status, a.Summary, indicators,
		nullIfEmpty(a.SubjectUserID), a.DetectedAt,
		nullIfZero(a.AcknowledgedAt), nullIfEmpty(a.AssignedTo),
		nullIfZero(a.ResolvedAt), nullIfEmpty(a.Resolution))
	return err
}

func (s *AlertStore) Find(ctx context.Context, id string) (*alert.Alert, error) {
	row := s.db.QueryRowContext(ctx, `select `+alertColumns+` from alerts where id = $1`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, alert.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *AlertStore) Update(ctx context.Context, a *alert.Alert) error {
	res, err := s.db.ExecContext(ctx, `
		update alerts
		set status = $2, acknowledged_at = $3, assigned_to = $4, resolved_at = $5, resolution = $6
		where id = $1
	`, a.ID, a.Status, nullIfZero(a.AcknowledgedAt), nullIfEmpty(a.AssignedTo),
		nullIfZero(a.ResolvedAt), nullIfEmpty(a.Resolution))
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return alert.ErrNotFound
	}
	return nil
}

func (s *AlertStore) List(ctx context.Context, f alert.Filter) ([]alert.Alert, error) {
	var clauses []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Severity != "" {
		add("severity = $%d", f.Severity)
	}
	if f.Type != "" {
		add("alert_type = $%d", f.Type)
	}
	if f.UserID != "" {
		add("subject_user_id = $%d", f.UserID)
	}
	where := ""
	if len(clauses) > 0 {
		where = " where " + strings.Join(clauses, " and ")
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`select `+alertColumns+` from alerts%s order by detected_at desc limit $%d`,
		where, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanAlert(row rowScanner) (*alert.Alert, error) {
	var (
		a              alert.Alert
		indicators     []byte
		subject        sql.NullString
		acknowledgedAt sql.NullTime
		assignedTo     sql.NullString
		resolvedAt     sql.NullTime
		resolution     sql.NullString
	)
	if err := row.Scan(&a.ID, &a.Type, &a.Severity, &a.Status, &a.Summary, &indicators,
		&subject, &a.DetectedAt, &acknowledgedAt, &assignedTo, &resolvedAt, &resolution); err != nil {
		return nil, err
	}
	a.SubjectUserID = subject.String
	a.AcknowledgedAt = acknowledgedAt.Time
	a.AssignedTo = assignedTo.String
	a.ResolvedAt = resolvedAt.Time
	a.Resolution = resolution.String
	if len(indicators) > 0 {
		if err := json.Unmarshal(indicators, &a.Indicators); err != nil {
			return nil, fmt.Errorf("decode indicators: %w", err)
		}
	}
	return &a, nil
}
