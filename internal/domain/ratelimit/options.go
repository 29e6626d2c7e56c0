package ratelimit

import "time"

// Option applies a configuration option to the Limiter.
type Option func(*Limiter)

// WithLimit sets the number of admits per window.
func WithLimit(limit int) Option {
	return func(l *Limiter) {
		if limit > 0 {
			l.limit = limit
		}
	}
}

// WithWindow sets the window length.
func WithWindow(window time.Duration) Option {
	return func(l *Limiter) {
		if window > 0 {
			l.window = window
		}
	}
}

// WithClock replaces time.Now; used by tests to drive the window.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// MemoryOption applies a configuration option to the MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMaxKeys bounds the number of identifiers kept in memory.
// If maxKeys > 0: bounded mode, least recently used identifiers are evicted.
// If maxKeys <= 0: unbounded mode (no eviction, no size limit).
func WithMaxKeys(maxKeys int) MemoryOption {
	return func(s *MemoryStore) {
		s.maxKeys = maxKeys
	}
}
