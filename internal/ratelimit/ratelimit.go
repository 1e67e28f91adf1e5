// Package ratelimit implements a fixed-window request limiter keyed by client.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Store counts hits for a key inside the window that is current when it is called.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int, resetAt time.Time, err error)
}

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type Limiter struct {
	store  Store
	max    int
	window time.Duration
	prefix string
	now    func() time.Time
}

func New(store Store, max int, window time.Duration) *Limiter {
	return &Limiter{
		store:  store,
		max:    max,
		window: window,
		prefix: "ratelimit:",
		now:    time.Now,
	}
}

// Allow records one hit for key and reports whether it fits in the current window.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	count, resetAt, err := l.store.Incr(ctx, l.prefix+key, l.window)
	if err != nil {
		return Decision{Allowed: true, Limit: l.max, Remaining: l.max}, fmt.Errorf("rate limit store: %w", err)
	}

	d := Decision{
		Allowed:   count <= l.max,
		Limit:     l.max,
		Remaining: l.max - count,
		ResetAt:   resetAt,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = resetAt.Sub(l.now())
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d, nil
}
