// Package csrf issues and verifies stateless, session-bound anti-CSRF tokens.
//
// A token has the form "{issuedAtMillis}-{nonce}-{signature}" where
// signature is the hex HMAC-SHA256 of "{issuedAtMillis}-{nonce}-{sessionID}"
// under a process-wide secret. Nothing is stored: verification recomputes
// the signature for the caller's session.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/reqguard/security"
)

const (
	// TokenLifetime is how long an issued token verifies.
	TokenLifetime = 60 * time.Minute

	// NonceBytes is the entropy of the random token segment.
	NonceBytes = 16

	// GeneratedSecretBytes is the size of the development-mode secret.
	GeneratedSecretBytes = 32
)

var (
	// ErrSecretRequired is returned by New when no secret is configured
	// outside development mode.
	ErrSecretRequired = errors.New("csrf: signing secret is required (set CSRF_SECRET_KEY or enable development mode)")

	ErrMalformedToken = errors.New("invalid CSRF token format")
	ErrTokenExpired   = errors.New("CSRF token expired")
	ErrBadSignature   = errors.New("invalid CSRF token signature")
)

// Config configures a Guardian.
type Config struct {
	// Secret signs every token. Required unless DevMode is set.
	Secret []byte

	// DevMode allows an empty Secret, in which case a random secret is
	// generated once. Every restart then invalidates all issued tokens.
	DevMode bool

	Logger *slog.Logger

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
}

// Guardian issues and verifies tokens. It holds no mutable state and is
// safe for concurrent use.
type Guardian struct {
	secret []byte
	now    func() time.Time
}

// New creates a Guardian. Without a secret it fails with ErrSecretRequired
// unless cfg.DevMode is set.
func New(cfg Config) (*Guardian, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	secret := cfg.Secret
	if len(secret) == 0 {
		if !cfg.DevMode {
			return nil, ErrSecretRequired
		}
		secret = make([]byte, GeneratedSecretBytes)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("csrf: failed to generate development secret: %w", err)
		}
		logger.Warn("CSRF secret not configured, using a random development secret; all CSRF tokens become invalid on restart",
			"dev_mode", true)
	}

	return &Guardian{
		secret: append([]byte(nil), secret...),
		now:    now,
	}, nil
}

// Lifetime returns how long issued tokens remain valid.
func (g *Guardian) Lifetime() time.Duration {
	return TokenLifetime
}

// Issue returns a new token bound to sessionID.
func (g *Guardian) Issue(sessionID string) (string, error) {
	raw := make([]byte, NonceBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("csrf: failed to generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(raw)
	issuedAt := strconv.FormatInt(g.now().UnixMilli(), 10)

	return issuedAt + "-" + nonce + "-" + g.sign(issuedAt, nonce, sessionID), nil
}

// Verify checks that token was issued by this Guardian for sessionID within
// the last TokenLifetime. It returns ErrMalformedToken, ErrTokenExpired or
// ErrBadSignature.
func (g *Guardian) Verify(token, sessionID string) error {
	parts := strings.Split(token, "-")
	if len(parts) != 3 {
		return ErrMalformedToken
	}
	issuedAt, nonce, signature := parts[0], parts[1], parts[2]

	millis, err := strconv.ParseInt(issuedAt, 10, 64)
	if err != nil || nonce == "" || signature == "" {
		return ErrMalformedToken
	}

	if g.now().Sub(time.UnixMilli(millis)) > TokenLifetime {
		return ErrTokenExpired
	}

	if !security.ConstantTimeEqual(signature, g.sign(issuedAt, nonce, sessionID)) {
		return ErrBadSignature
	}
	return nil
}

func (g *Guardian) sign(issuedAt, nonce, sessionID string) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(issuedAt + "-" + nonce + "-" + sessionID))
	return hex.EncodeToString(mac.Sum(nil))
}
