// Package ratelimit implements the per-client fixed window that guards the
// identification endpoint.
//
// A Limiter admits at most Limit requests per client identifier inside any
// trailing Window. Timestamps are kept by a Store; stale timestamps are
// dropped lazily when the same identifier is seen again.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Defaults match the public deployment: 20 requests per 10 minutes.
const (
	DefaultLimit  = 20
	DefaultWindow = 10 * time.Minute
)

// UnknownClient is the identifier used when no address could be derived.
const UnknownClient = "unknown"

// Decision is the outcome of a single Check.
type Decision struct {
	Allowed bool
	// RetryAfterSeconds is >= 1 when Allowed is false, 0 otherwise.
	RetryAfterSeconds int
}

// Limiter is a fixed-window counter keyed by client identifier.
type Limiter struct {
	store  Store
	limit  int
	window time.Duration
	now    func() time.Time
}

// New constructs a Limiter over store.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		limit:  DefaultLimit,
		window: DefaultWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limit returns the number of admits per window.
func (l *Limiter) Limit() int { return l.limit }

// Window returns the window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Check records an attempt by identifier and reports whether it is admitted.
//
// When the store fails the request is admitted and the store error is
// returned alongside the Decision so the caller can log it.
func (l *Limiter) Check(ctx context.Context, identifier string) (Decision, error) {
	if identifier == "" {
		identifier = UnknownClient
	}
	now := l.now()

	w, err := l.store.Record(ctx, identifier, now, l.window, l.limit)
	if err != nil {
		return Decision{Allowed: true}, fmt.Errorf("%w: %w", ErrStore, err)
	}
	if w.Admitted {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, RetryAfterSeconds: retryAfter(now, w.Oldest, l.window)}, nil
}

// retryAfter is the number of whole seconds until the oldest counted
// timestamp leaves the window, never less than one.
func retryAfter(now, oldest time.Time, window time.Duration) int {
	remainingMs := window.Milliseconds() - (now.UnixMilli() - oldest.UnixMilli())
	if remainingMs <= 0 {
		return 1
	}
	secs := int((remainingMs + 999) / 1000)
	if secs < 1 {
		return 1
	}
	return secs
}
