package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle defaults
const (
	DefaultThrottleAttemptsPerMinute = 10
	DefaultThrottleBurst             = 5
	DefaultThrottleMaxEntries        = 10000
	DefaultThrottleIdleTimeout       = 30 * time.Minute
)

// ThrottleConfig configures a LoginThrottle.
type ThrottleConfig struct {
	// AttemptsPerMinute is the sustained rate allowed per client.
	AttemptsPerMinute float64

	// Burst is the number of attempts allowed back to back.
	Burst int

	// MaxEntries bounds the number of tracked clients; the least recently
	// seen client is evicted when the bound is reached. 0 means unlimited.
	MaxEntries int

	// IdleTimeout is how long an unused bucket is kept.
	IdleTimeout time.Duration

	Logger *slog.Logger
}

type bucket struct {
	key      string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LoginThrottle slows down authentication attempts per client key (usually
// the client IP) with a token bucket. It complements the lockout tracker:
// the throttle caps request rate, the tracker counts failures.
type LoginThrottle struct {
	mu      sync.Mutex
	buckets map[string]*list.Element
	lru     *list.List

	limit       rate.Limit
	burst       int
	maxEntries  int
	idleTimeout time.Duration
	logger      *slog.Logger

	stop      chan struct{}
	stopOnce  sync.Once
	evictions int64
}

// NewLoginThrottle creates a throttle and starts its idle-bucket cleanup.
func NewLoginThrottle(cfg ThrottleConfig) *LoginThrottle {
	if cfg.AttemptsPerMinute <= 0 {
		cfg.AttemptsPerMinute = DefaultThrottleAttemptsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultThrottleBurst
	}
	if cfg.MaxEntries < 0 {
		cfg.MaxEntries = DefaultThrottleMaxEntries
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultThrottleIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	t := &LoginThrottle{
		buckets:     make(map[string]*list.Element),
		lru:         list.New(),
		limit:       rate.Limit(cfg.AttemptsPerMinute / 60),
		burst:       cfg.Burst,
		maxEntries:  cfg.MaxEntries,
		idleTimeout: cfg.IdleTimeout,
		logger:      cfg.Logger,
		stop:        make(chan struct{}),
	}

	go t.cleanupLoop()

	return t
}

// Allow reports whether key may make another attempt now.
func (t *LoginThrottle) Allow(key string) bool {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, ok := t.buckets[key]; ok {
		t.lru.MoveToFront(elem)
		b := elem.Value.(*bucket)
		b.lastSeen = now
		return b.limiter.AllowN(now, 1)
	}

	if t.maxEntries > 0 && len(t.buckets) >= t.maxEntries {
		t.evictOldest()
	}

	b := &bucket{
		key:      key,
		limiter:  rate.NewLimiter(t.limit, t.burst),
		lastSeen: now,
	}
	t.buckets[key] = t.lru.PushFront(b)

	return b.limiter.AllowN(now, 1)
}

// evictOldest must be called with t.mu held.
func (t *LoginThrottle) evictOldest() {
	elem := t.lru.Back()
	if elem == nil {
		return
	}
	b := elem.Value.(*bucket)
	delete(t.buckets, b.key)
	t.lru.Remove(elem)
	t.evictions++

	t.logger.Debug("Login throttle evicted bucket",
		"total_evictions", t.evictions,
		"current_entries", len(t.buckets))
}

func (t *LoginThrottle) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Cleanup(t.idleTimeout)
		case <-t.stop:
			return
		}
	}
}

// Cleanup removes buckets unused for longer than maxIdle.
func (t *LoginThrottle) Cleanup(maxIdle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	removed := 0

	// Oldest entries sit at the back; stop at the first fresh one.
	for elem := t.lru.Back(); elem != nil; {
		b := elem.Value.(*bucket)
		if now.Sub(b.lastSeen) <= maxIdle {
			break
		}
		prev := elem.Prev()
		delete(t.buckets, b.key)
		t.lru.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		t.logger.Debug("Login throttle cleanup completed",
			"removed", removed,
			"remaining", len(t.buckets))
	}
	return removed
}

// Len returns the number of tracked clients.
func (t *LoginThrottle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (t *LoginThrottle) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}
