package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"carelock.org/internal/policy"
)

// ConsentStore implements policy.ConsentStore over Postgres.
type ConsentStore struct {
	db *sql.DB
}

var _ policy.ConsentStore = (*ConsentStore)(nil)

func (s *ConsentStore) Put(ctx context.Context, g policy.ConsentGrant) error {
	_, err := s.db.ExecContext(ctx, `
		insert into consent_grants (patient_id, grantee_user_id, status, granted_at, expires_at)
		values ($1,$2,$3,$4,$5)
		on conflict (patient_id, grantee_user_id) do update set
			status = excluded.status,
			granted_at = excluded.granted_at,
			expires_at = excluded.expires_at
	`, g.PatientID, g.GranteeUserID, g.Status, g.GrantedAt, g.ExpiresAt)
	return err
}

func (s *ConsentStore) Find(ctx context.Context, patientID, granteeUserID string) (policy.ConsentGrant, error) {
	var g policy.ConsentGrant
	err := s.db.QueryRowContext(ctx, `
		select patient_id, grantee_user_id, status, granted_at, expires_at
		from consent_grants
		where patient_id = $1 and grantee_user_id = $2
	`, patientID, granteeUserID).Scan(&g.PatientID, &g.GranteeUserID, &g.Status, &g.GrantedAt, &g.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.ConsentGrant{}, policy.ErrConsentNotFound
	}
	if err != nil {
		return policy.ConsentGrant{}, err
	}
	return g, nil
}

func (s *ConsentStore) Revoke(ctx context.Context, patientID, granteeUserID string) error {
	res, err := s.db.ExecContext(ctx, `
		update consent_grants set status = $3
		where patient_id = $1 and grantee_user_id = $2
	`, patientID, granteeUserID, policy.ConsentRevoked)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return policy.ErrConsentNotFound
	}
	return nil
}

func (s *ConsentStore) ListForPatient(ctx context.Context, patientID string) ([]policy.ConsentGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		select patient_id, grantee_user_id, status, granted_at, expires_at
		from consent_grants
		where patient_id = $1
		order by granted_at desc
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []policy.ConsentGrant
	for rows.Next() {
		var g policy.ConsentGrant
		if err := rows.Scan(&g.PatientID, &g.GranteeUserID, &g.Status, &g.GrantedAt, &g.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// AccessRequestStore implements policy.AccessRequestStore over Postgres.
type AccessRequestStore struct {
	db *sql.DB
}

var _ policy.AccessRequestStore = (*AccessRequestStore)(nil)

const accessRequestColumns = `id, requester_id, requester_role, resource_type, resource_id,
	patient_id, justification, auto_approved, window_start, window_end, review_by,
	reviewed_at, reviewed_by`

func (s *AccessRequestStore) Create(ctx context.Context, r *policy.AccessRequest) error {
	_, err := s.db.ExecContext(ctx, `
		insert into access_requests (`+accessRequestColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, r.ID, r.RequesterID, r.RequesterRole, nullIfEmpty(r.ResourceType), nullIfEmpty(r.ResourceID),
		nullIfEmpty(r.PatientID), r.Justification, r.AutoApproved,
		r.WindowStart, r.WindowEnd, r.ReviewBy,
		nullIfZero(r.ReviewedAt), nullIfEmpty(r.ReviewedBy))
	return err
}

func (s *AccessRequestStore) PendingReview(ctx context.Context, now time.Time) ([]policy.AccessRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+accessRequestColumns+` from access_requests
		where reviewed_at is null
		order by review_by asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []policy.AccessRequest
	for rows.Next() {
		var (
			r            policy.AccessRequest
			resourceType sql.NullString
			resourceID   sql.NullString
			patientID    sql.NullString
			reviewedAt   sql.NullTime
			reviewedBy   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.RequesterID, &r.RequesterRole, &resourceType, &resourceID,
			&patientID, &r.Justification, &r.AutoApproved,
			&r.WindowStart, &r.WindowEnd, &r.ReviewBy, &reviewedAt, &reviewedBy); err != nil {
			return nil, err
		}
		r.ResourceType = resourceType.String
		r.ResourceID = resourceID.String
		r.PatientID = patientID.String
		r.ReviewedAt = reviewedAt.Time
		r.ReviewedBy = reviewedBy.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *AccessRequestStore) MarkReviewed(ctx context.Context, id, reviewerID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update access_requests set reviewed_at = $2, reviewed_by = $3
		where id = $1 and reviewed_at is null
	`, id, at, reviewerID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return policy.ErrAccessRequestNotFound
	}
	return nil
}
