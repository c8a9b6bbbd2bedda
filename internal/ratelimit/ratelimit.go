// Package ratelimit caps how often the dispatcher may start attempts of a
// given action.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether one more attempt for key may start now.
// Implementations: Local (per process) and redis.RateLimiter (shared by
// every scheduler instance).
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

// Local is a token bucket per key, refilled at limit tokens per window.
type Local struct {
	mu      sync.Mutex
	limit   int
	every   rate.Limit
	buckets map[string]*rate.Limiter
}

// NewLocal allows up to limit attempts per key in each window, with bursts
// of up to limit.
func NewLocal(limit int, window time.Duration) *Local {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &Local{
		limit:   limit,
		every:   rate.Every(window / time.Duration(limit)),
		buckets: make(map[string]*rate.Limiter),
	}
}

var _ Limiter = (*Local)(nil)

func (l *Local) Limit() int { return l.limit }

func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	return l.bucket(key).Allow(), nil
}

func (l *Local) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.every, l.limit)
		l.buckets[key] = b
	}
	return b
}

// Unlimited admits everything.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }
func (Unlimited) Limit() int                                  { return 0 }
