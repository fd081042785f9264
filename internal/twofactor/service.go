package twofactor

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"carelock.org/internal/audit"
	"carelock.org/internal/secrets"
	"carelock.org/internal/sms"
)

const (
	backupCodeCount = 10
	defaultIssuer   = "CareLock"
	smsCodeTTL      = 5 * time.Minute
	verifyWindow    = 1
)

// Service implements TOTP, SMS and backup-code authentication. Every setup,
// enable, disable and verification outcome lands in the audit ledger.
type Service struct {
	store   Store
	enc     secrets.Encryptor
	ledger  *audit.Ledger
	gateway sms.Gateway
	issuer  string
	now     func() time.Time
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

// WithIssuer overrides the provisioning-URL issuer.
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		if strings.TrimSpace(issuer) != "" {
			s.issuer = issuer
		}
	}
}

// NewService constructs the two-factor service.
func NewService(store Store, enc secrets.Encryptor, ledger *audit.Ledger, gateway sms.Gateway, opts ...Option) *Service {
	s := &Service{
		store:   store,
		enc:     enc,
		ledger:  ledger,
		gateway: gateway,
		issuer:  defaultIssuer,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetupResult carries the one-time material returned during enrollment. The
// plaintext secret and codes exist only in this response.
type SetupResult struct {
	Secret          string   `json:"secret"`
	ProvisioningURL string   `json:"provisioning_url"`
	BackupCodes     []string `json:"backup_codes"`
}

// Setup enrolls a user into TOTP: fresh 160-bit secret plus ten single-use
// backup codes. The credential stays disabled until Enable succeeds.
func (s *Service) Setup(ctx context.Context, userID string) (SetupResult, error) {
	if strings.TrimSpace(userID) == "" {
		return SetupResult{}, ErrInvalidInput
	}
	key, err := newTOTPKey(s.issuer, userID)
	if err != nil {
		return SetupResult{}, fmt.Errorf("twofactor: generate secret: %w", err)
	}
	secretEnc, err := s.enc.Encrypt(key.Secret())
	if err != nil {
		return SetupResult{}, fmt.Errorf("twofactor: encrypt secret: %w", err)
	}
	codes, hashes, err := newBackupCodes()
	if err != nil {
		return SetupResult{}, err
	}

	cred := &Credential{
		UserID:           userID,
		Method:           MethodTOTP,
		SecretEnc:        secretEnc,
		BackupCodeHashes: hashes,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.store.Upsert(ctx, cred); err != nil {
		return SetupResult{}, err
	}

	s.auditEvent(ctx, userID, audit.TypeTwoFactorSetup, "totp setup", audit.OutcomeSuccess, audit.RiskLow)
	return SetupResult{
		Secret:          key.Secret(),
		ProvisioningURL: key.URL(),
		BackupCodes:     codes,
	}, nil
}

// Enable activates a pending TOTP enrollment after one valid code.
func (s *Service) Enable(ctx context.Context, userID, code string) error {
	cred, err := s.store.Find(ctx, userID, MethodTOTP)
	if err != nil {
		return err
	}
	if cred.Enabled {
		return ErrAlreadyEnabled
	}
	secret, err := s.enc.Decrypt(cred.SecretEnc)
	if err != nil {
		return fmt.Errorf("twofactor: decrypt secret: %w", err)
	}
	if !VerifyTOTPCode(secret, code, verifyWindow, s.now()) {
		s.auditEvent(ctx, userID, audit.TypeTwoFactorVerify, "totp enable", audit.OutcomeFailure, audit.RiskMedium)
		return ErrInvalidCode
	}
	cred.Enabled = true
	cred.VerifiedAt = s.now().UTC()
	if err := s.store.Upsert(ctx, cred); err != nil {
		return err
	}
	s.auditEvent(ctx, userID, audit.TypeTwoFactorChange, "totp enabled", audit.OutcomeSuccess, audit.RiskLow)
	return nil
}

// Disable removes all second factors for the user. High-risk operation.
func (s *Service) Disable(ctx context.Context, userID string) error {
	if err := s.store.Delete(ctx, userID, MethodTOTP); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, userID, MethodSMS); err != nil {
		return err
	}
	s.auditEvent(ctx, userID, audit.TypeTwoFactorChange, "two-factor disabled", audit.OutcomeSuccess, audit.RiskHigh)
	return nil
}

// VerifyTOTP checks a code against the user's enabled TOTP credential with a
// ±1 step skew window.
func (s *Service) VerifyTOTP(ctx context.Context, userID, code string) error {
	cred, err := s.store.Find(ctx, userID, MethodTOTP)
	if err != nil {
		return err
	}
	if !cred.Enabled {
		return ErrNotEnabled
	}
	secret, err := s.enc.Decrypt(cred.SecretEnc)
	if err != nil {
		return fmt.Errorf("twofactor: decrypt secret: %w", err)
	}
	if !VerifyTOTPCode(secret, code, verifyWindow, s.now()) {
		s.auditEvent(ctx, userID, audit.TypeTwoFactorVerify, "totp verify", audit.OutcomeFailure, audit.RiskMedium)
		return ErrInvalidCode
	}
	s.auditEvent(ctx, userID, audit.TypeTwoFactorVerify, "totp verify", audit.OutcomeSuccess, audit.RiskLow)
	return nil
}

// RegenerateBackupCodes replaces the user's backup set with ten fresh codes.
func (s *Service) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	cred, err := s.store.Find(ctx, userID, MethodTOTP)
	if err != nil {
		return nil, err
	}
	codes, hashes, err := newBackupCodes()
	if err != nil {
		return nil, err
	}
	cred.BackupCodeHashes = hashes
	if err := s.store.Upsert(ctx, cred); err != nil {
		return nil, err
	}
	s.auditEvent(ctx, userID, audit.TypeTwoFactorChange, "backup codes regenerated", audit.OutcomeSuccess, audit.RiskLow)
	return codes, nil
}

// VerifyBackupCode consumes one backup code. Consumption is atomic in the
// store, so a racing duplicate attempt fails even on the same instant.
func (s *Service) VerifyBackupCode(ctx context.Context, userID, code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	ok, err := s.store.ConsumeBackupCode(ctx, userID, hashCode(code))
	if err != nil {
		return err
	}
	if !ok {
		s.auditEvent(ctx, userID, audit.TypeTwoFactorVerify, "backup code verify", audit.OutcomeFailure, audit.RiskMedium)
		return ErrInvalidCode
	}
	s.auditEvent(ctx, userID, audit.TypeTwoFactorVerify, "backup code verify", audit.OutcomeSuccess, audit.RiskLow)
	return nil
}

// EnrollSMS registers a delivery phone number for the SMS factor.
func (s *Service) EnrollSMS(ctx context.Context, userID, phoneNumber string) error {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if userID == "" || phoneNumber == "" {
		return ErrInvalidInput
	}
	phoneEnc, err := s.enc.Encrypt(phoneNumber)
	if err != nil {
		return fmt.Errorf("twofactor: encrypt phone: %w", err)
	}
	cred := &Credential{
		UserID:         userID,
		Method:         MethodSMS,
		PhoneNumberEnc: phoneEnc,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.Upsert(ctx, cred); err != nil {
		return err
	}
	s.auditEvent(ctx, userID, audit.TypeTwoFactorSetup, "sms enrollment", audit.OutcomeSuccess, audit.RiskLow)
	return nil
}

// SendSMSCode issues a random six-digit challenge with a five minute expiry
// and hands it to the delivery gateway.
func (s *Service) SendSMSCode(ctx context.Context, userID string) error {
	cred, err := s.store.Find(ctx, userID, MethodSMS)
	if err != nil {
		return err
	}
	code, err := randomDigits(6)
	if err != nil {
		return err
	}
	cred.SMSCodeHash = hashCode(code)
	cred.SMSCodeExpiresAt = s.now().Add(smsCodeTTL)
	if err := s.store.Upsert(ctx, cred); err != nil {
		return err
	}
	phone, err := s.enc.Decrypt(cred.PhoneNumberEnc)
	if err != nil {
		return fmt.Errorf("twofactor: decrypt phone: %w", err)
	}
	if err := s.gateway.Send(ctx, phone, code); err != nil {
		return fmt.Errorf("twofactor: sms delivery: %w", err)
	}
	return nil
}

// VerifySMSCode consumes the pending challenge. Expired or already consumed
// codes fail; success enables the SMS factor if this was its first use.
func (s *Service) VerifySMSCode(ctx context.Context, userID, code string) error {
	ok, err := s.store.ConsumeSMSCode(ctx, userID, hashCode(strings.TrimSpace(code)), s.now())
	if err != nil {
		if errors.Is(err, ErrCodeExpired) {
			s.auditEvent(ctx, userID, audit.TypeTwoFactorVerify, "sms verify", audit.OutcomeFailure, audit.RiskMedium)
		}
		return err
	}
	if !ok {
		s.auditEvent(ctx, userID, audit.TypeTwoFactorVerify, "sms verify", audit.OutcomeFailure, audit.RiskMedium)
		return ErrInvalidCode
	}
	cred, err := s.store.Find(ctx, userID, MethodSMS)
	if err == nil && !cred.Enabled {
		cred.Enabled = true
		cred.VerifiedAt = s.now().UTC()
		_ = s.store.Upsert(ctx, cred)
	}
	s.auditEvent(ctx, userID, audit.TypeTwoFactorVerify, "sms verify", audit.OutcomeSuccess, audit.RiskLow)
	return nil
}

func (s *Service) auditEvent(ctx context.Context, userID, eventType, action string, outcome audit.Outcome, risk audit.RiskLevel) {
	_, _ = s.ledger.Append(ctx, audit.Event{
		Actor:         audit.Actor{UserID: userID},
		EventType:     eventType,
		EventCategory: audit.CategoryAuthentication,
		Action:        action,
		Outcome:       outcome,
		RiskLevel:     risk,
	})
}

// newBackupCodes returns ten codes (4 random bytes, uppercase hex) and their
// storage hashes.
func newBackupCodes() (codes []string, hashes []string, err error) {
	codes = make([]string, backupCodeCount)
	hashes = make([]string, backupCodeCount)
	for i := range codes {
		var raw [4]byte
		if _, err := rand.Read(raw[:]); err != nil {
			return nil, nil, fmt.Errorf("twofactor: generate backup code: %w", err)
		}
		code := strings.ToUpper(hex.EncodeToString(raw[:]))
		codes[i] = code
		hashes[i] = hashCode(code)
	}
	return codes, hashes, nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// randomDigits returns n cryptographically random decimal digits.
func randomDigits(n int) (string, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("twofactor: generate code: %w", err)
	}
	v := binary.BigEndian.Uint64(raw[:])
	mod := uint64(1)
	for i := 0; i < n; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", n, v%mod), nil
}
