package config

import (
	"os"
	"strings"
	"testing"
)

var envKeys = []string{
	"PORT", "HOST", "TCP_ENABLED", "ALLOWED_ORIGINS", "LOG_LEVEL",
	"ENABLE_WEB_SERVER", "SESSION_SECRET", "ADMIN_NAME", "ADMIN_PASSWORD",
	"ADMIN_SECRET", "CAPTCHA_PROVIDER", "GEETEST_ID", "GEETEST_KEY",
	"FEDERATION_ENABLED", "FEDERATION_SEED_NODES", "FEDERATION_SECRET",
	"FEDERATION_NODE_URL", "FEDERATION_NODE_ID", "REDIS_ENABLED", "REDIS_ADDR",
	"GO_ENV",
}

func setupTestEnv(t *testing.T) func() {
	t.Helper()
	orig := make(map[string]string, len(envKeys))
	for _, k := range envKeys {
		orig[k] = os.Getenv(k)
		os.Unsetenv(k)
	}
	return func() {
		for k, v := range orig {
			if v != "" {
				os.Setenv(k, v)
			} else {
				os.Unsetenv(k)
			}
		}
	}
}

func validBaseEnv() {
	os.Setenv("PORT", "7777")
	os.Setenv("ENABLE_WEB_SERVER", "false")
	os.Setenv("FEDERATION_ENABLED", "false")
}

func TestValidateEnv_ValidConfiguration(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	validBaseEnv()

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.Port != "7777" {
		t.Errorf("expected PORT '7777', got '%s'", cfg.Port)
	}
	if cfg.GoEnv != "production" {
		t.Errorf("expected GO_ENV to default to 'production', got '%s'", cfg.GoEnv)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected LOG_LEVEL to default to 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.TokenLength != 20 {
		t.Errorf("expected TOKEN_LENGTH to default to 20, got %d", cfg.TokenLength)
	}
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	validBaseEnv()
	os.Setenv("PORT", "99999")

	_, err := ValidateEnv()
	if err == nil || !strings.Contains(err.Error(), "PORT must be a valid port number") {
		t.Fatalf("expected PORT validation error, got: %v", err)
	}
}

func TestValidateEnv_WebServerRequiresAdminCreds(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	validBaseEnv()
	os.Setenv("ENABLE_WEB_SERVER", "true")
	os.Setenv("SESSION_SECRET", "this-is-a-very-long-secret-key-for-testing")

	_, err := ValidateEnv()
	if err == nil || !strings.Contains(err.Error(), "ADMIN_NAME") {
		t.Fatalf("expected admin credential validation error, got: %v", err)
	}
}

func TestValidateEnv_ShortSessionSecret(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	validBaseEnv()
	os.Setenv("ENABLE_WEB_SERVER", "true")
	os.Setenv("SESSION_SECRET", "short")
	os.Setenv("ADMIN_NAME", "admin")
	os.Setenv("ADMIN_PASSWORD", "pw")
	os.Setenv("ADMIN_SECRET", "sekrit")

	_, err := ValidateEnv()
	if err == nil || !strings.Contains(err.Error(), "SESSION_SECRET must be at least 32 characters") {
		t.Fatalf("expected SESSION_SECRET length error, got: %v", err)
	}
}

func TestValidateEnv_FederationRequiresIdentity(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	validBaseEnv()
	os.Setenv("FEDERATION_ENABLED", "true")

	_, err := ValidateEnv()
	if err == nil || !strings.Contains(err.Error(), "FEDERATION_SECRET") {
		t.Fatalf("expected federation identity validation error, got: %v", err)
	}
}

func TestValidateEnv_RedisDefaultAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	validBaseEnv()
	os.Setenv("REDIS_ENABLED", "true")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("expected REDIS_ADDR to default to 'localhost:6379', got '%s'", cfg.RedisAddr)
	}
}

func TestRedactSecret(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		expected string
	}{
		{"long secret", "this-is-a-very-long-secret-key", "this-is-***"},
		{"short secret", "short", "***"},
		{"exactly 8 chars", "12345678", "***"},
		{"9 chars", "123456789", "12345678***"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redactSecret(tt.secret); got != tt.expected {
				t.Errorf("redactSecret(%q) = %q, want %q", tt.secret, got, tt.expected)
			}
		})
	}
}

func TestIsValidHostPort(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected bool
	}{
		{"valid localhost", "localhost:8080", true},
		{"valid ip", "127.0.0.1:3000", true},
		{"missing port", "localhost", false},
		{"missing host", ":8080", false},
		{"invalid port", "localhost:99999", false},
		{"non-numeric port", "localhost:abc", false},
		{"empty string", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidHostPort(tt.addr); got != tt.expected {
				t.Errorf("isValidHostPort(%q) = %v, want %v", tt.addr, got, tt.expected)
			}
		})
	}
}
