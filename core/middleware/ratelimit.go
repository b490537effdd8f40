package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/searchktools/hookserver/core"
)

// ErrTooManyRequests is returned by the rate limit hook
var ErrTooManyRequests = &core.Error{
	Code:    "FST_ERR_RATE_LIMITED",
	Status:  http.StatusTooManyRequests,
	Message: "Rate limit exceeded, retry later",
}

// RateLimitConfig configures the per-client token buckets
type RateLimitConfig struct {
	RPS   float64
	Burst int

	// KeyFunc picks the bucket of a request, the client IP by default
	KeyFunc func(req *core.Request) string

	// Idle buckets are dropped after IdleTTL. Zero keeps them forever.
	IdleTTL time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out one token bucket per key
type Limiter struct {
	mu  sync.Mutex
	m   map[string]*limiterEntry
	cfg RateLimitConfig
	now func() time.Time
}

func NewLimiter(cfg RateLimitConfig) *Limiter {
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = func(req *core.Request) string { return req.IP }
	}
	return &Limiter{m: make(map[string]*limiterEntry), cfg: cfg, now: time.Now}
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.m[key]; ok {
		e.lastSeen = now
		return e.limiter
	}
	e := &limiterEntry{limiter: rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst), lastSeen: now}
	l.m[key] = e
	return e.limiter
}

// Reserve takes a token for key. It returns zero when the request may
// proceed, otherwise how long the client should wait.
func (l *Limiter) Reserve(key string) time.Duration {
	lim := l.get(key)
	now := l.now()
	if lim.AllowN(now, 1) {
		return 0
	}
	r := lim.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	if delay <= 0 {
		delay = time.Second
	}
	return delay
}

// Prune drops buckets idle for longer than IdleTTL
func (l *Limiter) Prune() int {
	if l.cfg.IdleTTL <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.cfg.IdleTTL)
	n := 0
	for k, e := range l.m {
		if e.lastSeen.Before(cutoff) {
			delete(l.m, k)
			n++
		}
	}
	return n
}

// Run prunes idle buckets every interval until ctx is done
func (l *Limiter) Run(ctx context.Context, interval time.Duration) error {
	if l.cfg.IdleTTL <= 0 {
		<-ctx.Done()
		return nil
	}
	if interval <= 0 {
		interval = l.cfg.IdleTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Prune()
		}
	}
}

func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

// Plugin adds an onRequest hook rejecting clients over their rate with
// 429 and a Retry-After header.
func (l *Limiter) Plugin() core.Plugin {
	return func(scope *core.Engine) error {
		return scope.AddHook("onRequest", func(req *core.Request, reply *core.Reply) error {
			wait := l.Reserve(l.cfg.KeyFunc(req))
			if wait == 0 {
				return nil
			}
			req.Log.Debug("rate limited", zap.String("ip", req.IP), zap.Duration("retryAfter", wait))
			reply.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			return ErrTooManyRequests
		})
	}
}

// RateLimit is a shorthand for NewLimiter(cfg).Plugin()
func RateLimit(cfg RateLimitConfig) core.Plugin {
	return NewLimiter(cfg).Plugin()
}
