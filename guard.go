package reqguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/reqguard/csrf"
	"github.com/giantswarm/reqguard/instrumentation"
	"github.com/giantswarm/reqguard/internal/util"
	"github.com/giantswarm/reqguard/lockout"
	"github.com/giantswarm/reqguard/retention"
	"github.com/giantswarm/reqguard/security"
	"github.com/giantswarm/reqguard/storage"
)

const (
	// TaskExpiredLockouts removes ended locks and stale unlocked attempts.
	TaskExpiredLockouts = "expired-lockouts"

	expiredLockoutsInterval = time.Hour
)

// Options are the collaborators a Guard runs on.
type Options struct {
	// Attempts stores failed logins (required).
	Attempts storage.AttemptStore

	// Sweepers are the retention targets. Missing stores drop their tasks.
	Sweepers retention.Stores

	// AuditWriter persists security events. Optional.
	AuditWriter storage.AuditEventWriter

	// Instrumentation enables metrics and tracing. Optional.
	Instrumentation *instrumentation.Instrumentation

	// Now overrides the clock for every component. Default: time.Now.
	Now func() time.Time
}

// Guard wires the CSRF guardian, lockout tracker, retention sweeper and
// login throttle behind one HTTP-facing API.
type Guard struct {
	config *Config
	logger *slog.Logger
	tracer trace.Tracer

	csrf     *csrf.Guardian
	tracker  *lockout.Tracker
	sweeper  *retention.Sweeper
	throttle *security.LoginThrottle
	auditor  *security.Auditor
	metrics  *instrumentation.Metrics
	proxy    security.ProxyPolicy

	allowedOrigins map[string]bool
}

// New builds a Guard from cfg. cfg gets its defaults applied and must pass
// Validate.
func New(cfg *Config, opts Options) (*Guard, error) {
	if cfg == nil {
		return nil, errors.New("reqguard: config is required")
	}
	if opts.Attempts == nil {
		return nil, errors.New("reqguard: attempt store is required")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Guard{
		config: cfg,
		logger: cfg.Logger,
		tracer: noop.NewTracerProvider().Tracer("reqguard"),
		proxy: security.ProxyPolicy{
			TrustProxy:        cfg.Security.TrustProxy,
			TrustedProxyCount: cfg.Security.TrustedProxyCount,
		},
		allowedOrigins: make(map[string]bool, len(cfg.CSRF.AllowedOrigins)),
	}
	if opts.Instrumentation != nil {
		g.tracer = opts.Instrumentation.Tracer("http")
		g.metrics = opts.Instrumentation.Metrics()
	}
	for _, origin := range cfg.CSRF.AllowedOrigins {
		if o := util.NormalizeOrigin(origin); o != "" {
			g.allowedOrigins[o] = true
		}
	}

	var err error
	g.csrf, err = csrf.New(csrf.Config{
		Secret:  []byte(cfg.CSRF.SecretKey),
		DevMode: cfg.CSRF.DevMode,
		Logger:  cfg.Logger,
		Now:     opts.Now,
	})
	if err != nil {
		return nil, err
	}

	g.tracker, err = lockout.New(opts.Attempts, lockout.Config{
		MaxAttempts:     cfg.Lockout.MaxAttempts,
		Window:          cfg.Lockout.Window,
		LockoutDuration: cfg.Lockout.Duration,
		Logger:          cfg.Logger,
		Instrumentation: opts.Instrumentation,
		Now:             opts.Now,
	})
	if err != nil {
		return nil, err
	}

	g.sweeper = retention.New(retention.Config{
		Logger:          cfg.Logger,
		Instrumentation: opts.Instrumentation,
		TaskTimeout:     cfg.Retention.TaskTimeout,
	})
	tasks := retention.DefaultTasks(opts.Sweepers, retention.Options{
		AuditRetentionDays: cfg.Retention.AuditLogRetentionDays,
		Now:                opts.Now,
	})
	tasks = append(tasks, retention.Task{
		Name:     TaskExpiredLockouts,
		Interval: expiredLockoutsInterval,
		Run: func(ctx context.Context) (int64, error) {
			res, err := g.tracker.CleanupExpired(ctx)
			return res.Total(), err
		},
	})
	if err := g.sweeper.Register(tasks...); err != nil {
		return nil, fmt.Errorf("register retention tasks: %w", err)
	}

	g.throttle = security.NewLoginThrottle(security.ThrottleConfig{
		AttemptsPerMinute: cfg.Security.LoginAttemptsPerMinute,
		Burst:             cfg.Security.LoginBurst,
		Logger:            cfg.Logger,
	})

	g.auditor = security.NewAuditor(cfg.Logger, !cfg.Security.DisableAuditLogging)
	if opts.AuditWriter != nil {
		g.auditor.SetWriter(opts.AuditWriter)
	}
	if opts.Instrumentation != nil {
		g.auditor.SetInstrumentation(opts.Instrumentation)
	}

	return g, nil
}

// Start runs the retention sweeper on its timers unless retention is disabled.
func (g *Guard) Start(ctx context.Context) {
	if g.config.Retention.Disabled {
		g.logger.Info("Retention sweeper disabled")
		return
	}
	g.sweeper.Start(ctx)
	g.logger.Info("Retention sweeper started", "tasks", g.sweeper.Tasks())
}

// Close stops background goroutines.
func (g *Guard) Close() {
	g.sweeper.Stop()
	g.throttle.Stop()
}

// CSRF returns the token guardian.
func (g *Guard) CSRF() *csrf.Guardian { return g.csrf }

// Tracker returns the lockout tracker.
func (g *Guard) Tracker() *lockout.Tracker { return g.tracker }

// Sweeper returns the retention sweeper.
func (g *Guard) Sweeper() *retention.Sweeper { return g.sweeper }

// Auditor returns the security auditor.
func (g *Guard) Auditor() *security.Auditor { return g.auditor }

// Config returns the effective configuration.
func (g *Guard) Config() *Config { return g.config }

// ClientIP extracts the client address according to the proxy settings.
func (g *Guard) ClientIP(r *http.Request) string {
	return g.proxy.ClientIP(r)
}
