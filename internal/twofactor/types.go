package twofactor

import (
	"errors"
	"time"
)

// Method is the second-factor mechanism.
type Method string

const (
	MethodTOTP   Method = "TOTP"
	MethodSMS    Method = "SMS"
	MethodBackup Method = "BACKUP"
)

// Credential is one enrolled second factor. Secrets and phone numbers are
// stored encrypted; backup codes are stored as SHA-256 hashes. A credential
// stays disabled until the first successful verification after setup.
type Credential struct {
	UserID           string
	Method           Method
	SecretEnc        string
	BackupCodeHashes []string
	PhoneNumberEnc   string
	Enabled          bool
	CreatedAt        time.Time
	VerifiedAt       time.Time

	// Pending SMS challenge, single use, short lived.
	SMSCodeHash      string
	SMSCodeExpiresAt time.Time
}

var (
	ErrNotEnrolled    = errors.New("twofactor: not enrolled")
	ErrAlreadyEnabled = errors.New("twofactor: already enabled")
	ErrNotEnabled     = errors.New("twofactor: not enabled")
	ErrInvalidCode    = errors.New("twofactor: invalid code")
	ErrCodeExpired    = errors.New("twofactor: code expired")
	ErrInvalidInput   = errors.New("twofactor: invalid input")
)
