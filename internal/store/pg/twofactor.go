package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"carelock.org/internal/twofactor"
)

// CredentialStore implements twofactor.Store over Postgres.
type CredentialStore struct {
	db *sql.DB
}

var _ twofactor.Store = (*CredentialStore)(nil)

const credColumns = `user_id, method, secret_enc, backup_code_hashes, phone_number_enc,
	enabled, created_at, verified_at, sms_code_hash, sms_code_expires_at`

func (s *CredentialStore) Upsert(ctx context.Context, c *twofactor.Credential) error {
	hashes, err := json.Marshal(c.BackupCodeHashes)
	if err != nil {
		return fmt.Errorf("encode backup hashes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into two_factor_credentials (`+credColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		on conflict (user_id, method) do update set
			secret_enc = excluded.secret_enc,
			backup_code_hashes = excluded.backup_code_hashes,
			phone_number_enc = excluded.phone_number_enc,
			enabled = excluded.enabled,
			verified_at = excluded.verified_at,
			sms_code_hash = excluded.sms_code_hash,
			sms_code_expires_at = excluded.sms_code_expires_at
	`, c.UserID, c.Method, nullIfEmpty(c.SecretEnc), hashes, nullIfEmpty(c.PhoneNumberEnc),
		c.Enabled, c.CreatedAt, nullIfZero(c.VerifiedAt),
		nullIfEmpty(c.SMSCodeHash), nullIfZero(c.SMSCodeExpiresAt))
	return err
}

func (s *CredentialStore) Find(ctx context.Context, userID string, method twofactor.Method) (*twofactor.Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+credColumns+` from two_factor_credentials
		where user_id = $1 and method = $2
	`, userID, method)
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, twofactor.ErrNotEnrolled
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *CredentialStore) Delete(ctx context.Context, userID string, method twofactor.Method) error {
	_, err := s.db.ExecContext(ctx, `
		delete from two_factor_credentials where user_id = $1 and method = $2
	`, userID, method)
	return err
}

// ConsumeBackupCode removes one hash from the stored set inside a
// serializable transaction, which is what makes double-spending a backup
// code impossible across instances.
func (s *CredentialStore) ConsumeBackupCode(ctx context.Context, userID, codeHash string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	err = tx.QueryRowContext(ctx, `
		select backup_code_hashes from two_factor_credentials
		where user_id = $1 and method = $2
		for update
	`, userID, twofactor.MethodTOTP).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, twofactor.ErrNotEnrolled
	}
	if err != nil {
		return false, err
	}

	var hashes []string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &hashes); err != nil {
			return false, fmt.Errorf("decode backup hashes: %w", err)
		}
	}
	found := false
	for i, h := range hashes {
		if h == codeHash {
			hashes = append(hashes[:i], hashes[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return false, nil
	}

	updated, err := json.Marshal(hashes)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
		update two_factor_credentials set backup_code_hashes = $3
		where user_id = $1 and method = $2
	`, userID, twofactor.MethodTOTP, updated); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// ConsumeSMSCode clears the pending challenge when it matches and has not
// expired. The single conditional update is the atomicity guarantee.
func (s *CredentialStore) ConsumeSMSCode(ctx context.Context, userID, codeHash string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update two_factor_credentials
		set sms_code_hash = null, sms_code_expires_at = null
		where user_id = $1 and method = $2 and sms_code_hash = $3 and sms_code_expires_at >= $4
	`, userID, twofactor.MethodSMS, codeHash, now)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if aff == 1 {
		return true, nil
	}

	// Distinguish a wrong code from an expired or missing challenge.
	var expires sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		select sms_code_expires_at from two_factor_credentials
		where user_id = $1 and method = $2
	`, userID, twofactor.MethodSMS).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return false, twofactor.ErrNotEnrolled
	}
	if err != nil {
		return false, err
	}
	if expires.Valid && now.After(expires.Time) {
		_, _ = s.db.ExecContext(ctx, `
			update two_factor_credentials
			set sms_code_hash = null, sms_code_expires_at = null
			where user_id = $1 and method = $2
		`, userID, twofactor.MethodSMS)
		return false, twofactor.ErrCodeExpired
	}
	return false, nil
}

func scanCredential(row rowScanner) (*twofactor.Credential, error) {
	var (
		c          twofactor.Credential
		secret     sql.NullString
		phone      sql.NullString
		verifiedAt sql.NullTime
		smsHash    sql.NullString
		smsExpires sql.NullTime
		hashesJSON []byte
	)
	if err := row.Scan(&c.UserID, &c.Method, &secret, &hashesJSON, &phone,
		&c.Enabled, &c.CreatedAt, &verifiedAt, &smsHash, &smsExpires); err != nil {
		return nil, err
	}
	c.SecretEnc = secret.String
	c.PhoneNumberEnc = phone.String
	c.VerifiedAt = verifiedAt.Time
	c.SMSCodeHash = smsHash.String
	c.SMSCodeExpiresAt = smsExpires.Time
	if len(hashesJSON) > 0 {
		if err := json.Unmarshal(hashesJSON, &c.BackupCodeHashes); err != nil {
			return nil, fmt.Errorf("decode backup hashes: %w", err)
		}
	}
	return &c, nil
}
