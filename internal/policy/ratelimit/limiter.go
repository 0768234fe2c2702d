// Package ratelimit paces requests per domain and optionally serializes every
// fetch behind one global ticket.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/sitesearch/internal/metrics"
)

// Limiter manages per-domain pacing plus the global fetch ticket.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	ticket   *semaphore.Weighted
}

// Config holds limiter configuration.
type Config struct {
	// FetchConcurrency bounds in-flight fetches across all domains. Zero
	// means unlimited; one serializes every fetch.
	FetchConcurrency int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	l := &Limiter{limiters: make(map[string]*rate.Limiter)}
	if cfg.FetchConcurrency > 0 {
		l.ticket = semaphore.NewWeighted(int64(cfg.FetchConcurrency))
	}
	return l
}

// Wait blocks until key may issue its next request at least delay after the
// previous one, then takes a global ticket. The caller must invoke release
// once the request completes.
func (l *Limiter) Wait(ctx context.Context, key string, delay time.Duration) (func(), error) {
	limiter := l.limiterFor(key, delay)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(key, waited)
	}

	if l.ticket == nil {
		return func() {}, nil
	}
	if err := l.ticket.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("fetch ticket wait: %w", err)
	}
	var once sync.Once
	return func() { once.Do(func() { l.ticket.Release(1) }) }, nil
}

// Forget drops the pacing state for key.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

func (l *Limiter) limiterFor(key string, delay time.Duration) *rate.Limiter {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(limit, 1)
		l.limiters[key] = limiter
	} else if limiter.Limit() != limit {
		limiter.SetLimit(limit)
	}
	return limiter
}
