// Package ratelimit throttles API callers with a token bucket per caller.
// Authenticated callers are bucketed by user, anonymous ones by client IP.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowmart",
	Subsystem: "ratelimit",
	Name:      "rejected_total",
	Help:      "Requests rejected by the rate limiter, by caller kind.",
}, []string{"kind"})

func init() {
	prometheus.MustRegister(rejectedTotal)
}

// Config sets the bucket shape.
type Config struct {
	RequestsPerMinute int           // refill rate
	BurstSize         int           // bucket capacity
	CleanupInterval   time.Duration // how often idle buckets are dropped
	IdleAfter         time.Duration // a bucket untouched this long is dropped
	ExemptPrefixes    []string      // paths never limited, e.g. health checks
}

// DefaultConfig matches the RATE_LIMIT_* defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
		IdleAfter:         2 * time.Minute,
		ExemptPrefixes:    []string{"/health", "/metrics"},
	}
}

// Decision is the outcome of one Take.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // zero when allowed
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// Limiter holds one bucket per caller key.
type Limiter struct {
	cfg     Config
	perSec  float64
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
	now     func() time.Time
}

// New creates a limiter and starts its cleanup goroutine. Zero fields take
// their DefaultConfig value.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = def.IdleAfter
	}
	l := &Limiter{
		cfg:     cfg,
		perSec:  float64(cfg.RequestsPerMinute) / 60,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.janitor()
	return l
}

func (l *Limiter) janitor() {
	t := time.NewTicker(l.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

// sweep drops buckets idle for longer than IdleAfter. An idle bucket is
// full again, so forgetting it changes nothing for the caller.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.cfg.IdleAfter)
	for k, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Take spends one token from key's bucket.
func (l *Limiter) Take(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	burst := float64(l.cfg.BurstSize)
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: burst, seen: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(burst, b.tokens+now.Sub(b.seen).Seconds()*l.perSec)
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: int(b.tokens)}
	}
	wait := time.Duration((1 - b.tokens) / l.perSec * float64(time.Second))
	return Decision{RetryAfter: wait}
}

// Allow reports whether key may make one more request.
func (l *Limiter) Allow(key string) bool {
	return l.Take(key).Allowed
}

// callerKey buckets authenticated callers by user ID and everyone else by
// client IP. The auth middleware must run first for the user bucket to apply.
func callerKey(c *gin.Context) (key, kind string) {
	if id := c.GetInt64("authUserID"); id > 0 {
		return "user:" + strconv.FormatInt(id, 10), "user"
	}
	return "ip:" + c.ClientIP(), "ip"
}

func (l *Limiter) exempt(path string) bool {
	for _, p := range l.cfg.ExemptPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Middleware rejects callers over budget with 429 and reports the budget
// in X-RateLimit-* headers.
func (l *Limiter) Middleware() gin.HandlerFunc {
	limit := strconv.Itoa(l.cfg.BurstSize)
	return func(c *gin.Context) {
		if l.exempt(c.Request.URL.Path) {
			c.Next()
			return
		}
		key, kind := callerKey(c)
		d := l.Take(key)
		c.Header("X-RateLimit-Limit", limit)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			rejectedTotal.WithLabelValues(kind).Inc()
			secs := max(1, int(math.Ceil(d.RetryAfter.Seconds())))
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}
