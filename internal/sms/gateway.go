// Package sms defines the outbound OTP delivery contract. The real gateway
// lives outside this service; development runs use the logging stub.
package sms

import (
	"context"

	"carelock.org/internal/obs"
)

// Gateway delivers one-time codes to a phone number.
type Gateway interface {
	Send(ctx context.Context, phoneNumber, code string) error
}

// LogGateway logs instead of sending. It never logs the code itself.
type LogGateway struct{}

var _ Gateway = LogGateway{}

func (LogGateway) Send(ctx context.Context, phoneNumber, code string) error {
	obs.LogRequest(map[string]any{
		"type":  "sms_send",
		"to":    maskPhone(phoneNumber),
		"chars": len(code),
	})
	return nil
}

func maskPhone(p string) string {
	if len(p) <= 4 {
		return "****"
	}
	return "****" + p[len(p)-4:]
}
