package twofactor

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// RFC 6238 parameters used everywhere in this package: 6 digits, 30 second
// step, HMAC-SHA1.
const totpPeriod = 30 * time.Second

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// GenerateCode computes the TOTP code for the secret at the given step
// offset from now. Offset 0 is the current 30 second step.
func GenerateCode(secret string, stepOffset int, now time.Time) (string, error) {
	at := now.Add(time.Duration(stepOffset) * totpPeriod)
	code, err := totp.GenerateCodeCustom(secret, at, totpOpts)
	if err != nil {
		return "", ErrInvalidInput
	}
	return code, nil
}

// VerifyTOTPCode accepts the code if it matches any step in [-window, window]
// around now. Window 1 tolerates ±30 seconds of clock skew.
func VerifyTOTPCode(secret, code string, window uint, now time.Time) bool {
	opts := totpOpts
	opts.Skew = window
	ok, err := totp.ValidateCustom(code, secret, now, opts)
	return err == nil && ok
}

// newTOTPKey generates a fresh 160-bit secret and provisioning URL.
func newTOTPKey(issuer, account string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      30,
		SecretSize:  20,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
}
