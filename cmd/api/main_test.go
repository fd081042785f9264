package main

import (
	"strings"
	"testing"
)

func stubEnv(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

func TestLoadConfigRequiresEncryptionKey(t *testing.T) {
	_, err := loadConfig(stubEnv(map[string]string{
		"CARELOCK_AUTH_SECRET": "s3cret",
	}))
	if err == nil {
		t.Fatalf("expected error without CARELOCK_ENCRYPTION_KEY")
	}
	if !strings.Contains(err.Error(), "CARELOCK_ENCRYPTION_KEY") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadConfigRequiresAuthSecret(t *testing.T) {
	vars := map[string]string{
		"CARELOCK_ENCRYPTION_KEY": strings.Repeat("42", 32),
	}
	if _, err := loadConfig(stubEnv(vars)); err == nil {
		t.Fatalf("expected error without CARELOCK_AUTH_SECRET")
	}

	// Running without authentication takes an explicit opt-in.
	vars["CARELOCK_DEV_NO_AUTH"] = "1"
	cfg, err := loadConfig(stubEnv(vars))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.authSecret != "" {
		t.Fatalf("expected empty auth secret, got %q", cfg.authSecret)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(stubEnv(map[string]string{
		"CARELOCK_ENCRYPTION_KEY": strings.Repeat("42", 32),
		"CARELOCK_AUTH_SECRET":    "s3cret",
		"CARELOCK_IP_BLACKLIST":   "10.0.0.1, 10.0.0.2,",
	}))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.addr != ":8080" {
		t.Fatalf("unexpected addr: %q", cfg.addr)
	}
	if len(cfg.ipBlacklist) != 2 || cfg.ipBlacklist[1] != "10.0.0.2" {
		t.Fatalf("unexpected blacklist: %v", cfg.ipBlacklist)
	}
	if cfg.devNoAuth {
		t.Fatalf("devNoAuth should default to false")
	}
}
