package reqguard

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/reqguard/lockout"
	"github.com/giantswarm/reqguard/retention"
	"github.com/giantswarm/reqguard/security"
)

// Defaults not owned by a sub-package
const (
	DefaultHTTPAddr          = ":8080"
	DefaultMaxBodyBytes      = 1 << 20 // 1 MB
	DefaultAdminUsername     = "admin"
	DefaultAdminSessionTTL   = 24 * time.Hour
	DefaultTrustedProxyCount = 1
)

// Config holds the reqguard configuration.
// Structured using composition; every sub-config has secure defaults.
type Config struct {
	CSRF            CSRFConfig            `yaml:"csrf"`
	Lockout         LockoutConfig         `yaml:"lockout"`
	Validation      ValidationConfig      `yaml:"validation"`
	Retention       RetentionConfig       `yaml:"retention"`
	Security        SecurityConfig        `yaml:"security"`
	Storage         StorageConfig         `yaml:"storage"`
	HTTP            HTTPConfig            `yaml:"http"`
	Admin           AdminConfig           `yaml:"admin"`
	Instrumentation InstrumentationConfig `yaml:"instrumentation"`

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger `yaml:"-"`
}

// CSRFConfig configures token signing and the origin check
type CSRFConfig struct {
	// SecretKey signs every CSRF token. Required unless DevMode is set.
	SecretKey string `yaml:"secret_key"`

	// DevMode allows a random per-process secret and relaxes the origin
	// check for localhost. Never enable it in production.
	DevMode bool `yaml:"dev_mode"`

	// AllowedOrigins lists the origins mutating requests may come from.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LockoutConfig holds the brute-force lockout thresholds
type LockoutConfig struct {
	// MaxAttempts is the failure count that locks an identifier. Default: 5
	MaxAttempts int `yaml:"max_attempts"`

	// Window is the rolling window failures are counted in. Default: 15m
	Window time.Duration `yaml:"window"`

	// Duration is how long a lock lasts. Default: 60m
	Duration time.Duration `yaml:"duration"`
}

// ValidationConfig bounds request bodies before structured validation
type ValidationConfig struct {
	// MaxBodyBytes caps JSON request bodies. Default: 1 MB
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// RetentionConfig configures the sweeper
type RetentionConfig struct {
	// AuditLogRetentionDays is how long audit events are kept. Default: 90
	AuditLogRetentionDays int `yaml:"audit_log_retention_days"`

	// TaskTimeout bounds one sweep. Default: 5m
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// Disabled stops the background timers. Admin-triggered runs still work.
	Disabled bool `yaml:"disabled"`
}

// SecurityConfig holds request-level protections
type SecurityConfig struct {
	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// WARNING: Only enable behind a trusted reverse proxy.
	TrustProxy bool `yaml:"trust_proxy"`

	// TrustedProxyCount is the number of trusted proxies appending to
	// X-Forwarded-For. Default: 1
	TrustedProxyCount int `yaml:"trusted_proxy_count"`

	// LoginAttemptsPerMinute is the per-IP login throttle rate. Default: 10
	LoginAttemptsPerMinute float64 `yaml:"login_attempts_per_minute"`

	// LoginBurst is the per-IP login throttle burst. Default: 5
	LoginBurst int `yaml:"login_burst"`

	// DisableAuditLogging turns off security audit events.
	DisableAuditLogging bool `yaml:"disable_audit_logging"`
}

// StorageConfig selects the backends
type StorageConfig struct {
	// DatabaseURL selects PostgreSQL. Empty uses the in-memory store.
	DatabaseURL string `yaml:"database_url"`

	// MaxConns caps PostgreSQL connections.
	MaxConns int `yaml:"max_conns"`

	// ValkeyAddr moves login attempts to a shared Valkey instance.
	ValkeyAddr string `yaml:"valkey_addr"`

	// ValkeyPassword authenticates to Valkey.
	ValkeyPassword string `yaml:"valkey_password"`

	// ValkeyKeyPrefix prefixes every Valkey key. Default: "reqguard:"
	ValkeyKeyPrefix string `yaml:"valkey_key_prefix"`
}

// HTTPConfig configures the listener
type HTTPConfig struct {
	// Addr is the listen address. Default: ":8080"
	Addr string `yaml:"addr"`
}

// AdminConfig holds the single administrator account
type AdminConfig struct {
	// Username of the administrator. Default: "admin"
	Username string `yaml:"username"`

	// PasswordHash is the bcrypt hash of the administrator password.
	// Admin login is disabled while it is empty.
	PasswordHash string `yaml:"password_hash"`

	// SessionTTL is how long an admin session lasts. Default: 24h
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// InstrumentationConfig configures OpenTelemetry
type InstrumentationConfig struct {
	// Enabled turns on metrics and tracing
	Enabled bool `yaml:"enabled"`

	// MetricsExporter is "prometheus" or "none"
	MetricsExporter string `yaml:"metrics_exporter"`

	// ServiceVersion is reported as a resource attribute
	ServiceVersion string `yaml:"service_version"`
}

// envConfig lists the environment overrides. Empty values leave the file or
// default value in place.
type envConfig struct {
	CSRFSecretKey      string        `env:"CSRF_SECRET_KEY"`
	DevMode            bool          `env:"REQGUARD_DEV_MODE"`
	AllowedOrigins     string        `env:"ALLOWED_ORIGINS"`
	AuditRetentionDays int           `env:"AUDIT_LOG_RETENTION_DAYS"`
	LockoutMaxAttempts int           `env:"LOCKOUT_MAX_ATTEMPTS"`
	LockoutWindow      time.Duration `env:"LOCKOUT_WINDOW"`
	LockoutDuration    time.Duration `env:"LOCKOUT_DURATION"`
	MaxBodyBytes       int64         `env:"MAX_BODY_BYTES"`
	DatabaseURL        string        `env:"DATABASE_URL"`
	ValkeyAddr         string        `env:"VALKEY_ADDR"`
	ValkeyPassword     string        `env:"VALKEY_PASSWORD"`
	HTTPAddr           string        `env:"HTTP_ADDR"`
	TrustProxy         bool          `env:"TRUST_PROXY"`
	AdminUsername      string        `env:"ADMIN_USERNAME"`
	AdminPasswordHash  string        `env:"ADMIN_PASSWORD_HASH"`
	MetricsEnabled     bool          `env:"METRICS_ENABLED"`
	MetricsExporter    string        `env:"METRICS_EXPORTER"`
}

// LoadConfig resolves configuration in priority order: defaults, then the
// optional YAML file at path, then environment variables. A missing file is
// not an error; an unreadable or invalid one is.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var env envConfig
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	env.apply(cfg)

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (e envConfig) apply(cfg *Config) {
	setString(&cfg.CSRF.SecretKey, e.CSRFSecretKey)
	cfg.CSRF.DevMode = cfg.CSRF.DevMode || e.DevMode
	if e.AllowedOrigins != "" {
		cfg.CSRF.AllowedOrigins = splitList(e.AllowedOrigins)
	}
	setInt(&cfg.Retention.AuditLogRetentionDays, e.AuditRetentionDays)
	setInt(&cfg.Lockout.MaxAttempts, e.LockoutMaxAttempts)
	if e.LockoutWindow > 0 {
		cfg.Lockout.Window = e.LockoutWindow
	}
	if e.LockoutDuration > 0 {
		cfg.Lockout.Duration = e.LockoutDuration
	}
	if e.MaxBodyBytes > 0 {
		cfg.Validation.MaxBodyBytes = e.MaxBodyBytes
	}
	setString(&cfg.Storage.DatabaseURL, e.DatabaseURL)
	setString(&cfg.Storage.ValkeyAddr, e.ValkeyAddr)
	setString(&cfg.Storage.ValkeyPassword, e.ValkeyPassword)
	setString(&cfg.HTTP.Addr, e.HTTPAddr)
	cfg.Security.TrustProxy = cfg.Security.TrustProxy || e.TrustProxy
	setString(&cfg.Admin.Username, e.AdminUsername)
	setString(&cfg.Admin.PasswordHash, e.AdminPasswordHash)
	cfg.Instrumentation.Enabled = cfg.Instrumentation.Enabled || e.MetricsEnabled
	setString(&cfg.Instrumentation.MetricsExporter, e.MetricsExporter)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// applyDefaults fills every unset value.
func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Lockout.MaxAttempts == 0 {
		c.Lockout.MaxAttempts = lockout.DefaultMaxAttempts
	}
	if c.Lockout.Window == 0 {
		c.Lockout.Window = lockout.DefaultWindow
	}
	if c.Lockout.Duration == 0 {
		c.Lockout.Duration = lockout.DefaultLockoutDuration
	}
	if c.Validation.MaxBodyBytes == 0 {
		c.Validation.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Retention.AuditLogRetentionDays == 0 {
		c.Retention.AuditLogRetentionDays = retention.DefaultAuditRetentionDays
	}
	if c.Retention.TaskTimeout == 0 {
		c.Retention.TaskTimeout = retention.DefaultTaskTimeout
	}
	if c.Security.TrustedProxyCount == 0 {
		c.Security.TrustedProxyCount = DefaultTrustedProxyCount
	}
	if c.Security.LoginAttemptsPerMinute == 0 {
		c.Security.LoginAttemptsPerMinute = security.DefaultThrottleAttemptsPerMinute
	}
	if c.Security.LoginBurst == 0 {
		c.Security.LoginBurst = security.DefaultThrottleBurst
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.Admin.Username == "" {
		c.Admin.Username = DefaultAdminUsername
	}
	if c.Admin.SessionTTL == 0 {
		c.Admin.SessionTTL = DefaultAdminSessionTTL
	}

	if c.CSRF.DevMode && len(c.CSRF.AllowedOrigins) == 0 {
		c.Logger.Warn("No allowed origins configured; development mode accepts localhost only")
	}
}

// Validate reports configuration that would leave a protection disabled.
func (c *Config) Validate() error {
	var errs []error
	if c.CSRF.SecretKey == "" && !c.CSRF.DevMode {
		errs = append(errs, errors.New("csrf.secret_key (CSRF_SECRET_KEY) is required outside development mode"))
	}
	if c.Lockout.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("lockout.max_attempts must be positive, got %d", c.Lockout.MaxAttempts))
	}
	if c.Lockout.Window < 0 || c.Lockout.Duration < 0 {
		errs = append(errs, errors.New("lockout window and duration must be positive"))
	}
	if c.Retention.AuditLogRetentionDays < 0 {
		errs = append(errs, fmt.Errorf("retention.audit_log_retention_days must be positive, got %d", c.Retention.AuditLogRetentionDays))
	}
	if c.Validation.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("validation.max_body_bytes must be positive"))
	}
	for _, origin := range c.CSRF.AllowedOrigins {
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			errs = append(errs, fmt.Errorf("allowed origin %q must start with http:// or https://", origin))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
