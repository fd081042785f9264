package httpapi

import (
	"testing"
	"time"

	"carelock.org/internal/policy"
)

func TestAuthenticatorRoundTrip(t *testing.T) {
	au := NewAuthenticator([]byte("secret"))

	token, err := au.Issue("u1", policy.RoleDoctor, "Dr. Kim")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	p, err := au.Authenticate(token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.UserID != "u1" || p.Role != policy.RoleDoctor || p.Name != "Dr. Kim" {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestAuthenticatorRejectsTampering(t *testing.T) {
	au := NewAuthenticator([]byte("secret"))
	other := NewAuthenticator([]byte("different-secret"))

	token, err := other.Issue("u1", policy.RoleAdmin, "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := au.Authenticate(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for foreign signature, got %v", err)
	}
	if _, err := au.Authenticate("not.a.jwt"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

func TestAuthenticatorRejectsExpired(t *testing.T) {
	issued := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	au := NewAuthenticator([]byte("secret"))
	au.now = func() time.Time { return issued }
	token, err := au.Issue("u1", policy.RoleAdmin, "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	au.now = func() time.Time { return issued.Add(9 * time.Hour) }
	if _, err := au.Authenticate(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestAuthenticatorRejectsUnknownRole(t *testing.T) {
	au := NewAuthenticator([]byte("secret"))
	token, err := au.Issue("u1", policy.Role("WIZARD"), "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := au.Authenticate(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for unknown role, got %v", err)
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc123", "abc123", false},
		{"bearer abc123", "abc123", false},
		{"  Bearer   abc123  ", "abc123", false},
		{"", "", true},
		{"Basic abc123", "", true},
		{"Bearer ", "", true},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("header %q: expected error", tc.header)
			}
			continue
		}
		if err != nil {
			t.Fatalf("header %q: %v", tc.header, err)
		}
		if got != tc.want {
			t.Fatalf("header %q: got %q, want %q", tc.header, got, tc.want)
		}
	}
}
