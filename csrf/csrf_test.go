package csrf

import (
	"bytes"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/reqguard/internal/testutil"
)

func newTestGuardian(t *testing.T, clock *testutil.MockTime) *Guardian {
	t.Helper()
	g, err := New(Config{Secret: []byte("test-secret-0123456789abcdef"), Now: clock.Now})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return g
}

func TestNew_SecretRequired(t *testing.T) {
	_, err := New(Config{})
	if !errors.Is(err, ErrSecretRequired) {
		t.Fatalf("New() error = %v, want ErrSecretRequired", err)
	}
}

func TestNew_DevModeGeneratesSecret(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	a, err := New(Config{DevMode: true, Logger: logger})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if len(a.secret) != GeneratedSecretBytes {
		t.Errorf("secret length = %d, want %d", len(a.secret), GeneratedSecretBytes)
	}
	if !strings.Contains(buf.String(), "level=WARN") {
		t.Error("generating a secret should log a warning")
	}

	// A second process gets a different secret, so tokens do not carry over.
	b, err := New(Config{DevMode: true, Logger: logger})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	token, err := a.Issue("session-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if err := b.Verify(token, "session-1"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify() across restarts error = %v, want ErrBadSignature", err)
	}
}

func TestNew_ConfiguredSecretInDevMode(t *testing.T) {
	g, err := New(Config{Secret: []byte("configured"), DevMode: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if string(g.secret) != "configured" {
		t.Error("a configured secret must win over the development fallback")
	}
}

func TestGuardian_RoundTrip(t *testing.T) {
	g := newTestGuardian(t, testutil.NewMockTime(time.Now()))

	for _, sid := range []string{"session-1", "", "a-b-c", "üñïçødé"} {
		token, err := g.Issue(sid)
		if err != nil {
			t.Fatalf("Issue(%q) error = %v", sid, err)
		}
		if err := g.Verify(token, sid); err != nil {
			t.Errorf("Verify(Issue(%q)) error = %v", sid, err)
		}
	}
}

func TestGuardian_TokenFormat(t *testing.T) {
	clock := testutil.NewMockTime(time.UnixMilli(1_700_000_000_123))
	g := newTestGuardian(t, clock)

	token, err := g.Issue("session-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	parts := strings.Split(token, "-")
	if len(parts) != 3 {
		t.Fatalf("token has %d parts, want 3", len(parts))
	}
	if parts[0] != "1700000000123" {
		t.Errorf("timestamp = %q, want issuance millis", parts[0])
	}
	if len(parts[1]) != NonceBytes*2 {
		t.Errorf("nonce length = %d, want %d hex chars", len(parts[1]), NonceBytes*2)
	}
	if len(parts[2]) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(parts[2]))
	}
}

func TestGuardian_NoncesDiffer(t *testing.T) {
	g := newTestGuardian(t, testutil.NewMockTime(time.Now()))

	a, _ := g.Issue("session-1")
	b, _ := g.Issue("session-1")
	if a == b {
		t.Error("two tokens issued at the same instant must differ")
	}
}

func TestGuardian_ExpiryBoundary(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		wantErr error
	}{
		{"fresh", 0, nil},
		{"59 minutes", 59 * time.Minute, nil},
		{"exactly the lifetime", TokenLifetime, nil},
		{"61 minutes", 61 * time.Minute, ErrTokenExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := testutil.NewMockTime(time.Now())
			g := newTestGuardian(t, clock)

			token, err := g.Issue("session-1")
			if err != nil {
				t.Fatalf("Issue() error = %v", err)
			}
			clock.Advance(tt.elapsed)

			if err := g.Verify(token, "session-1"); !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGuardian_TamperedSignature(t *testing.T) {
	g := newTestGuardian(t, testutil.NewMockTime(time.Now()))

	token, err := g.Issue("session-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	sigStart := strings.LastIndex(token, "-") + 1

	for i := sigStart; i < len(token); i++ {
		b := []byte(token)
		if b[i] == 'a' {
			b[i] = 'b'
		} else {
			b[i] = 'a'
		}
		if err := g.Verify(string(b), "session-1"); !errors.Is(err, ErrBadSignature) {
			t.Fatalf("flipping signature char %d: Verify() error = %v, want ErrBadSignature", i-sigStart, err)
		}
	}
}

func TestGuardian_TamperedPayload(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	g := newTestGuardian(t, clock)

	token, _ := g.Issue("session-1")
	parts := strings.Split(token, "-")

	// Pushing the timestamp forward to extend the lifetime breaks the signature.
	later := clock.Now().Add(30 * time.Minute).UnixMilli()
	forged := strings.Join([]string{strconv.FormatInt(later, 10), parts[1], parts[2]}, "-")
	if err := g.Verify(forged, "session-1"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("forged timestamp: Verify() error = %v, want ErrBadSignature", err)
	}

	forged = strings.Join([]string{parts[0], strings.Repeat("0", 32), parts[2]}, "-")
	if err := g.Verify(forged, "session-1"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("forged nonce: Verify() error = %v, want ErrBadSignature", err)
	}
}

func TestGuardian_SessionBinding(t *testing.T) {
	g := newTestGuardian(t, testutil.NewMockTime(time.Now()))

	token, err := g.Issue("session-A")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if err := g.Verify(token, "session-B"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify() with another session error = %v, want ErrBadSignature", err)
	}
}

func TestGuardian_DifferentSecrets(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	a, _ := New(Config{Secret: []byte("secret-a"), Now: clock.Now})
	b, _ := New(Config{Secret: []byte("secret-b"), Now: clock.Now})

	token, _ := a.Issue("session-1")
	if err := b.Verify(token, "session-1"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify() under another secret error = %v, want ErrBadSignature", err)
	}
}

func TestGuardian_Malformed(t *testing.T) {
	g := newTestGuardian(t, testutil.NewMockTime(time.Now()))

	tests := []string{
		"",
		"abc",
		"1-2",
		"1-2-3-4",
		"--",
		"notanumber-deadbeef-cafebabe",
		"1700000000000--cafebabe",
		"1700000000000-deadbeef-",
	}

	for _, token := range tests {
		t.Run(token, func(t *testing.T) {
			if err := g.Verify(token, "session-1"); !errors.Is(err, ErrMalformedToken) {
				t.Errorf("Verify(%q) error = %v, want ErrMalformedToken", token, err)
			}
		})
	}
}

func TestGuardian_ConcurrentUse(t *testing.T) {
	g := newTestGuardian(t, testutil.NewMockTime(time.Now()))

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sid := "session-" + strconv.Itoa(i)
			token, err := g.Issue(sid)
			if err != nil {
				errs <- err
				return
			}
			if err := g.Verify(token, sid); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent round trip error = %v", err)
	}
}

func TestGuardian_Lifetime(t *testing.T) {
	g := newTestGuardian(t, testutil.NewMockTime(time.Now()))
	if g.Lifetime() != time.Hour {
		t.Errorf("Lifetime() = %v, want 1h", g.Lifetime())
	}
}
