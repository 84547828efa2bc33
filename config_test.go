package reqguard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reqguard.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("CSRF_SECRET_KEY", testSecret)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Lockout.MaxAttempts != 5 || cfg.Lockout.Window != 15*time.Minute || cfg.Lockout.Duration != time.Hour {
		t.Errorf("lockout = %+v, want 5/15m/1h", cfg.Lockout)
	}
	if cfg.Retention.AuditLogRetentionDays != 90 {
		t.Errorf("AuditLogRetentionDays = %d, want 90", cfg.Retention.AuditLogRetentionDays)
	}
	if cfg.Validation.MaxBodyBytes != DefaultMaxBodyBytes {
		t.Errorf("MaxBodyBytes = %d", cfg.Validation.MaxBodyBytes)
	}
	if cfg.HTTP.Addr != DefaultHTTPAddr || cfg.Admin.Username != DefaultAdminUsername {
		t.Errorf("http/admin defaults not applied: %+v %+v", cfg.HTTP, cfg.Admin)
	}
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := writeConfigFile(t, `
csrf:
  secret_key: from-file
  allowed_origins:
    - https://file.example.com
lockout:
  max_attempts: 3
  window: 10m
retention:
  audit_log_retention_days: 30
`)
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("LOCKOUT_DURATION", "2h")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.CSRF.SecretKey != "from-file" {
		t.Errorf("SecretKey = %q, want from-file", cfg.CSRF.SecretKey)
	}
	if got := strings.Join(cfg.CSRF.AllowedOrigins, " "); got != "https://a.example.com https://b.example.com" {
		t.Errorf("AllowedOrigins = %q, environment should win", got)
	}
	if cfg.Lockout.MaxAttempts != 3 || cfg.Lockout.Window != 10*time.Minute {
		t.Errorf("lockout = %+v, want file values", cfg.Lockout)
	}
	if cfg.Lockout.Duration != 2*time.Hour {
		t.Errorf("Duration = %v, want 2h from environment", cfg.Lockout.Duration)
	}
	if cfg.Retention.AuditLogRetentionDays != 30 {
		t.Errorf("AuditLogRetentionDays = %d, want 30", cfg.Retention.AuditLogRetentionDays)
	}
}

func TestLoadConfig_MissingFileIsFine(t *testing.T) {
	t.Setenv("CSRF_SECRET_KEY", testSecret)
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Errorf("LoadConfig() error = %v", err)
	}
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	path := writeConfigFile(t, "csrf: [unterminated")
	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig() should fail on invalid YAML")
	}
}

func TestLoadConfig_RequiresSecret(t *testing.T) {
	t.Setenv("CSRF_SECRET_KEY", "")

	_, err := LoadConfig("")
	if err == nil || !strings.Contains(err.Error(), "CSRF_SECRET_KEY") {
		t.Fatalf("LoadConfig() error = %v, want missing secret", err)
	}

	t.Setenv("REQGUARD_DEV_MODE", "true")
	if _, err := LoadConfig(""); err != nil {
		t.Errorf("LoadConfig() in dev mode error = %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "negative attempts", mutate: func(c *Config) { c.Lockout.MaxAttempts = -1 }, wantErr: "max_attempts"},
		{name: "negative window", mutate: func(c *Config) { c.Lockout.Window = -time.Minute }, wantErr: "window"},
		{name: "negative retention", mutate: func(c *Config) { c.Retention.AuditLogRetentionDays = -5 }, wantErr: "audit_log_retention_days"},
		{name: "origin without scheme", mutate: func(c *Config) { c.CSRF.AllowedOrigins = []string{"app.example.com"} }, wantErr: "http:// or https://"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}
