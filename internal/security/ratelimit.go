package security

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const defaultSweepInterval = 5 * time.Minute

// RateLimiter admits or rejects one request for a caller key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (*RateLimitResult, error)
	Reset(ctx context.Context, key string) error
}

// RateLimitResult is the verdict for a single request.
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	BurstSize         int           `yaml:"burst_size"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

func (c *RateLimitConfig) active() bool {
	return c.Enabled && c.RequestsPerMinute > 0
}

// InMemoryRateLimiter keeps a token bucket per caller key. Buckets idle for
// two sweep intervals are discarded.
type InMemoryRateLimiter struct {
	config *RateLimitConfig
	logger *logrus.Logger
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	done     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	tokens   *rate.Limiter
	lastUsed time.Time
}

func NewInMemoryRateLimiter(config *RateLimitConfig, logger *logrus.Logger) *InMemoryRateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaultSweepInterval
	}
	if config.BurstSize <= 0 {
		config.BurstSize = config.RequestsPerMinute
	}

	rl := &InMemoryRateLimiter{
		config:  config,
		logger:  logger,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go rl.sweepLoop(config.CleanupInterval)
	return rl
}

func (rl *InMemoryRateLimiter) Allow(_ context.Context, key string) (*RateLimitResult, error) {
	limit := rl.config.RequestsPerMinute
	if !rl.config.active() {
		return &RateLimitResult{Allowed: true, Limit: limit, Remaining: limit}, nil
	}

	at := rl.now()
	tokens := rl.bucketFor(key, at)

	res := tokens.ReserveN(at, 1)
	wait := res.DelayFrom(at)
	if wait > 0 {
		// nothing was consumed
		res.CancelAt(at)
		rl.logger.WithFields(logrus.Fields{
			"caller":      redact(key),
			"retry_after": wait,
		}).Warn("Caller over rate limit")
		return &RateLimitResult{Limit: limit, RetryAfter: wait}, nil
	}

	left := int(math.Max(0, tokens.TokensAt(at)))
	return &RateLimitResult{Allowed: true, Limit: limit, Remaining: left}, nil
}

// Reset drops the caller's bucket so the next request starts with a full burst.
func (rl *InMemoryRateLimiter) Reset(_ context.Context, key string) error {
	rl.mu.Lock()
	delete(rl.buckets, key)
	rl.mu.Unlock()

	rl.logger.WithField("caller", redact(key)).Info("Rate limit bucket cleared")
	return nil
}

// Stop ends the background sweep. It is safe to call more than once.
func (rl *InMemoryRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

func (rl *InMemoryRateLimiter) bucketFor(key string, at time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		perSecond := rate.Limit(float64(rl.config.RequestsPerMinute) / 60)
		b = &bucket{tokens: rate.NewLimiter(perSecond, rl.config.BurstSize)}
		rl.buckets[key] = b
	}
	b.lastUsed = at
	return b.tokens
}

func (rl *InMemoryRateLimiter) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.done:
			return
		}
	}
}

func (rl *InMemoryRateLimiter) sweep() int {
	horizon := rl.now().Add(-2 * rl.config.CleanupInterval)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	dropped := 0
	for key, b := range rl.buckets {
		if b.lastUsed.Before(horizon) {
			delete(rl.buckets, key)
			dropped++
		}
	}
	if dropped > 0 {
		rl.logger.WithField("dropped", dropped).Debug("Swept idle rate limit buckets")
	}
	return dropped
}

// RateLimitMiddleware answers 429 with Retry-After once a caller's bucket is
// empty. Public paths and requests without a key are not limited.
func RateLimitMiddleware(limiter RateLimiter, keyOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ""
			if !isPublicPath(r.URL.Path) {
				key = keyOf(r)
			}
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			verdict, err := limiter.Allow(r.Context(), key)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal_error", "Rate limiter unavailable")
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(verdict.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(verdict.Remaining))
			if verdict.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			secs := int(math.Ceil(verdict.RetryAfter.Seconds()))
			h.Set("Retry-After", strconv.Itoa(max(secs, 1)))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
		})
	}
}

// DefaultKeyExtractor limits authenticated callers by subject and anonymous
// ones by address.
func DefaultKeyExtractor(r *http.Request) string {
	if id, ok := IdentityFrom(r.Context()); ok {
		return "sub:" + id.Subject
	}
	return "ip:" + ClientIP(r)
}
