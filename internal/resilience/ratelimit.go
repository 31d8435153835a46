package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tomehq/tome/internal/tomeerr"
)

// RateLimitConfig bounds each (tool, client) pair with independent per-minute
// and per-hour budgets plus a burst allowance on the minute bucket.
type RateLimitConfig struct {
	PerMinute int
	PerHour   int
	Burst     int
	// StaleAfter is how long an untouched bucket pair survives before the
	// sweeper removes it.
	StaleAfter time.Duration
}

// Verdict is the outcome of an acquisition attempt.
type Verdict struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	Reason     string
}

// RateLimiter maintains token buckets per (tool, client) pair. TryAcquire is
// non-blocking; WaitAndAcquire polls until allowed or the wait budget runs out.
type RateLimiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*bucketPair

	now func() time.Time
}

type bucketPair struct {
	minute     bucket
	hour       bucket
	lastAccess time.Time
}

// bucket refills continuously at rate tokens per refill period.
type bucket struct {
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter creates a limiter, applying defaults for zero values.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 60
	}
	if cfg.PerHour <= 0 {
		cfg.PerHour = 1000
	}
	if cfg.Burst < 0 {
		cfg.Burst = 0
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	return &RateLimiter{
		cfg:     cfg,
		buckets: make(map[string]*bucketPair),
		now:     time.Now,
	}
}

func (l *RateLimiter) key(tool, client string) string {
	if client == "" {
		return tool
	}
	return tool + "|" + client
}

func (l *RateLimiter) pair(key string, now time.Time) *bucketPair {
	p, ok := l.buckets[key]
	if !ok {
		minuteCap := float64(l.cfg.PerMinute + l.cfg.Burst)
		hourCap := float64(l.cfg.PerHour)
		p = &bucketPair{
			minute: bucket{
				capacity:   minuteCap,
				tokens:     minuteCap,
				refillRate: float64(l.cfg.PerMinute) / 60,
				lastRefill: now,
			},
			hour: bucket{
				capacity:   hourCap,
				tokens:     hourCap,
				refillRate: float64(l.cfg.PerHour) / 3600,
				lastRefill: now,
			},
		}
		l.buckets[key] = p
	}
	p.lastAccess = now
	return p
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// retryAfter estimates how long until one token is available.
func (b *bucket) retryAfter() time.Duration {
	if b.tokens >= 1 || b.refillRate <= 0 {
		return 0
	}
	deficit := 1 - b.tokens
	return time.Duration(deficit / b.refillRate * float64(time.Second))
}

// TryAcquire takes one token from both the minute and hour buckets. If the
// minute bucket grants but the hour bucket rejects, the minute token is
// refunded so the caller is not double-charged later.
func (l *RateLimiter) TryAcquire(tool, client string) Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	p := l.pair(l.key(tool, client), now)
	p.minute.refill(now)
	p.hour.refill(now)

	if p.minute.tokens < 1 {
		return Verdict{
			Allowed:    false,
			RetryAfter: p.minute.retryAfter(),
			Reason:     fmt.Sprintf("per-minute limit of %d exceeded for %s", l.cfg.PerMinute, tool),
		}
	}
	p.minute.tokens--

	if p.hour.tokens < 1 {
		p.minute.tokens++ // refund
		return Verdict{
			Allowed:    false,
			RetryAfter: p.hour.retryAfter(),
			Reason:     fmt.Sprintf("per-hour limit of %d exceeded for %s", l.cfg.PerHour, tool),
		}
	}
	p.hour.tokens--

	return Verdict{
		Allowed:   true,
		Remaining: int(p.minute.tokens),
	}
}

// WaitAndAcquire polls TryAcquire until allowed, the wait budget elapses, or
// the context is cancelled.
func (l *RateLimiter) WaitAndAcquire(ctx context.Context, tool, client string, maxWait time.Duration) error {
	deadline := l.now().Add(maxWait)
	for {
		v := l.TryAcquire(tool, client)
		if v.Allowed {
			return nil
		}
		remaining := deadline.Sub(l.now())
		if remaining <= 0 {
			return tomeerr.Newf(tomeerr.KindRateLimited, "rate limit wait of %s exhausted: %s", maxWait, v.Reason)
		}
		wait := v.RetryAfter
		if wait <= 0 || wait > remaining {
			wait = remaining
		}
		if err := sleep(ctx, wait); err != nil {
			return tomeerr.Wrap(tomeerr.KindCancelled, err, "rate limit wait cancelled")
		}
	}
}

// Sweep removes bucket pairs idle longer than the stale threshold and
// returns how many were dropped.
func (l *RateLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	dropped := 0
	for key, p := range l.buckets {
		if now.Sub(p.lastAccess) > l.cfg.StaleAfter {
			delete(l.buckets, key)
			dropped++
		}
	}
	return dropped
}

// StartSweeper runs Sweep periodically until the context is cancelled.
func (l *RateLimiter) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}
