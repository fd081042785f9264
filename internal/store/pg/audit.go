package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"carelock.org/internal/audit"
)

// AuditStore implements audit.Store over Postgres.
type AuditStore struct {
	db *sql.DB
}

var _ audit.Store = (*AuditStore)(nil)

const auditColumns = `id, ts, actor_user_id, actor_role, actor_name, event_type, event_category,
	action, resource_type, resource_id, resource_name, outcome, risk_level,
	ip_address, user_agent, phi_accessed, subject_patient_id, access_reason,
	data_fields, metadata, retention_date, archived`

func (s *AuditStore) Append(ctx context.Context, e *audit.Event) error {
	fields, err := marshalOrNull(e.DataFieldsAccessed)
	if err != nil {
		return fmt.Errorf("encode data fields: %w", err)
	}
	meta, err := marshalOrNull(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_events (`+auditColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`, e.ID, e.Timestamp, e.Actor.UserID, e.Actor.Role, nullIfEmpty(e.Actor.Name),
		e.EventType, e.EventCategory, e.Action,
		nullIfEmpty(e.Resource.Type), nullIfEmpty(e.Resource.ID), nullIfEmpty(e.Resource.Name),
		e.Outcome, e.RiskLevel,
		nullIfEmpty(e.IPAddress), nullIfEmpty(e.UserAgent),
		e.PHIAccessed, nullIfEmpty(e.SubjectPatientID), nullIfEmpty(e.AccessReason),
		fields, meta, e.RetentionDate, e.Archived)
	if err != nil {
		return fmt.Errorf("%w: %v", audit.ErrStorage, err)
	}
	return nil
}

func (s *AuditStore) Find(ctx context.Context, id string) (*audit.Event, error) {
	row := s.db.QueryRowContext(ctx, `select `+auditColumns+` from audit_events where id = $1`, id)
	e, err := scanAuditEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, audit.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *AuditStore) Query(ctx context.Context, f audit.Filter) ([]audit.Event, int, error) {
	where, args := auditWhere(f)

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from audit_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`select `+auditColumns+` from audit_events%s order by ts desc limit $%d offset $%d`,
		where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *AuditStore) MarkArchived(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update audit_events set archived = true
		where ts < $1 and not archived
	`, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *AuditStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from audit_events where retention_date <= $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func auditWhere(f audit.Filter) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.ActorUserID != "" {
		add("actor_user_id = $%d", f.ActorUserID)
	}
	if f.PatientID != "" {
		add("subject_patient_id = $%d", f.PatientID)
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if f.EventCategory != "" {
		add("event_category = $%d", f.EventCategory)
	}
	if f.Outcome != "" {
		add("outcome = $%d", f.Outcome)
	}
	if f.RiskLevel != "" {
		add("risk_level = $%d", f.RiskLevel)
	}
	if f.PHIOnly {
		clauses = append(clauses, "phi_accessed")
	}
	if !f.From.IsZero() {
		add("ts >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("ts <= $%d", f.To)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " where " + strings.Join(clauses, " and "), args
}

func scanAuditEvent(row rowScanner) (*audit.Event, error) {
	var (
		e          audit.Event
		actorName  sql.NullString
		resType    sql.NullString
		resID      sql.NullString
		resName    sql.NullString
		ip         sql.NullString
		ua         sql.NullString
		patient    sql.NullString
		reason     sql.NullString
		fieldsJSON []byte
		metaJSON   []byte
	)
	if err := row.Scan(&e.ID, &e.Timestamp, &e.Actor.UserID, &e.Actor.Role, &actorName,
		&e.EventType, &e.EventCategory, &e.Action,
		&resType, &resID, &resName, &e.Outcome, &e.RiskLevel,
		&ip, &ua, &e.PHIAccessed, &patient, &reason,
		&fieldsJSON, &metaJSON, &e.RetentionDate, &e.Archived); err != nil {
		return nil, err
	}
	e.Actor.Name = actorName.String
	e.Resource.Type = resType.String
	e.Resource.ID = resID.String
	e.Resource.Name = resName.String
	e.IPAddress = ip.String
	e.UserAgent = ua.String
	e.SubjectPatientID = patient.String
	e.AccessReason = reason.String
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &e.DataFieldsAccessed); err != nil {
			return nil, fmt.Errorf("decode data fields: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &e, nil
}

func marshalOrNull(v any) ([]byte, error) {
	switch t := v.(type) {
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(t) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
