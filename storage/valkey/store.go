package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/reqguard/instrumentation"
	"github.com/giantswarm/reqguard/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "reqguard:"

	// sweepBatchSize is the number of attempts examined per sweep script call
	sweepBatchSize = 500

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "reqguard:").
	// Cluster deployments should use a hash tag such as "{reqguard}:" so
	// every key lands in one slot.
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed AttemptStore. Sharing it between replicas gives
// every replica the same view of failed logins and lockouts.
type Store struct {
	client   valkeygo.Client
	prefix   string
	logger   *slog.Logger
	observer *instrumentation.StorageObserver
}

var (
	_ storage.AttemptStore  = (*Store)(nil)
	_ storage.RecordSweeper = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.observer = instrumentation.NewStorageObserver(inst, "valkey")
}

// ============================================================
// Key Helpers
// ============================================================

// attemptKeyPrefix is the prefix of attempt hashes: {prefix}attempt:
func (s *Store) attemptKeyPrefix() string {
	return s.prefix + "attempt:"
}

// attemptKey returns the hash holding one attempt: {prefix}attempt:{id}
func (s *Store) attemptKey(id string) string {
	return s.attemptKeyPrefix() + id
}

// identAttemptsPrefix is the prefix of per-identifier attempt indexes.
func (s *Store) identAttemptsPrefix() string {
	return s.prefix + "attempts:"
}

// identAttemptsKey returns the ZSET of an identifier's attempts scored by
// attempt time: {prefix}attempts:{type}:{identifier}
func (s *Store) identAttemptsKey(identifier string, typ storage.IdentifierType) string {
	return s.identAttemptsPrefix() + string(typ) + ":" + identifier
}

// identLocksPrefix is the prefix of per-identifier lock indexes.
func (s *Store) identLocksPrefix() string {
	return s.prefix + "locks:"
}

// identLocksKey returns the ZSET of an identifier's locked attempts scored by
// locked-until time: {prefix}locks:{type}:{identifier}
func (s *Store) identLocksKey(identifier string, typ storage.IdentifierType) string {
	return s.identLocksPrefix() + string(typ) + ":" + identifier
}

// allAttemptsKey returns the ZSET of every attempt scored by attempt time.
func (s *Store) allAttemptsKey() string {
	return s.prefix + "index:attempts"
}

// allLocksKey returns the ZSET of every locked attempt scored by
// locked-until time.
func (s *Store) allLocksKey() string {
	return s.prefix + "index:locks"
}

// ============================================================
// Helpers
// ============================================================

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func fromMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
