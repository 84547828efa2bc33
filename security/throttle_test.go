package security

import (
	"fmt"
	"testing"
	"time"
)

func TestNewLoginThrottle_Defaults(t *testing.T) {
	th := NewLoginThrottle(ThrottleConfig{})
	defer th.Stop()

	if th.burst != DefaultThrottleBurst {
		t.Errorf("burst = %d, want %d", th.burst, DefaultThrottleBurst)
	}
	if th.idleTimeout != DefaultThrottleIdleTimeout {
		t.Errorf("idleTimeout = %v, want %v", th.idleTimeout, DefaultThrottleIdleTimeout)
	}
	if th.logger == nil {
		t.Error("logger should not be nil")
	}
}

func TestLoginThrottle_Allow(t *testing.T) {
	th := NewLoginThrottle(ThrottleConfig{AttemptsPerMinute: 1, Burst: 3})
	defer th.Stop()

	for i := 0; i < 3; i++ {
		if !th.Allow("203.0.113.7") {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if th.Allow("203.0.113.7") {
		t.Error("attempt past the burst should be throttled")
	}
	if !th.Allow("198.51.100.1") {
		t.Error("a different client must have its own bucket")
	}
}

func TestLoginThrottle_EvictsLeastRecentlyUsed(t *testing.T) {
	th := NewLoginThrottle(ThrottleConfig{AttemptsPerMinute: 1, Burst: 1, MaxEntries: 2})
	defer th.Stop()

	th.Allow("a")
	th.Allow("b")
	th.Allow("c")

	if th.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", th.Len())
	}
	// "a" was evicted, so it starts with a fresh bucket.
	if !th.Allow("a") {
		t.Error("evicted client should get a fresh bucket")
	}
}

func TestLoginThrottle_Cleanup(t *testing.T) {
	th := NewLoginThrottle(ThrottleConfig{})
	defer th.Stop()

	for i := 0; i < 5; i++ {
		th.Allow(fmt.Sprintf("client-%d", i))
	}

	if removed := th.Cleanup(time.Hour); removed != 0 {
		t.Errorf("Cleanup(1h) removed %d fresh buckets", removed)
	}

	time.Sleep(5 * time.Millisecond)
	if removed := th.Cleanup(time.Millisecond); removed != 5 {
		t.Errorf("Cleanup(1ms) removed %d, want 5", removed)
	}
	if th.Len() != 0 {
		t.Errorf("Len() = %d after cleanup, want 0", th.Len())
	}
}

func TestLoginThrottle_StopTwice(t *testing.T) {
	th := NewLoginThrottle(ThrottleConfig{})
	th.Stop()
	th.Stop()
}
