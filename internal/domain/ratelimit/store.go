package ratelimit

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Window describes an identifier's counted timestamps after a Record call.
type Window struct {
	// Admitted is true when the call's timestamp was appended.
	Admitted bool
	// Count is the number of timestamps inside the window after the call.
	Count int
	// Oldest is the earliest counted timestamp; zero when Count is 0.
	Oldest time.Time
}

// Store keeps the admit timestamps per identifier.
//
// Record must, atomically for key: drop timestamps ts with now-ts >= window,
// and append now only if fewer than limit timestamps remain.
type Store interface {
	Record(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Window, error)
}

// table is the identifier -> timestamps map behind MemoryStore. It is
// satisfied by *lru.Cache (bounded mode) and mapTable (unbounded mode).
type table interface {
	Get(key string) ([]int64, bool)
	Peek(key string) ([]int64, bool)
	Add(key string, value []int64) bool
	Remove(key string) bool
	Keys() []string
	Len() int
}

// MemoryStore is a process-local Store.
//
// It is constructed once at start-up and shared by every request handler.
// A single mutex serializes read-modify-write per call, so concurrent
// requests from one client cannot both slip past the limit.
type MemoryStore struct {
	mu      sync.Mutex
	entries table
	maxKeys int
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{}
	for _, opt := range opts {
		opt(s)
	}

	if s.maxKeys > 0 {
		cache, err := lru.New[string, []int64](s.maxKeys)
		if err == nil {
			s.entries = cache
			return s
		}
	}
	s.entries = mapTable{}
	return s
}

// Record implements Store.
func (s *MemoryStore) Record(_ context.Context, key string, now time.Time, window time.Duration, limit int) (Window, error) {
	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	stamps, _ := s.entries.Get(key)
	recent := make([]int64, 0, len(stamps)+1)
	for _, ts := range stamps {
		if nowMs-ts < windowMs {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= limit {
		s.entries.Add(key, recent)
		if len(recent) == 0 {
			return Window{Admitted: false, Oldest: now}, nil
		}
		return Window{Admitted: false, Count: len(recent), Oldest: time.UnixMilli(oldest(recent))}, nil
	}

	recent = append(recent, nowMs)
	s.entries.Add(key, recent)
	return Window{Admitted: true, Count: len(recent), Oldest: time.UnixMilli(oldest(recent))}, nil
}

// Len returns the number of identifiers currently held.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}

// Sweep removes identifiers whose newest timestamp has left the window and
// returns how many were removed.
func (s *MemoryStore) Sweep(now time.Time, window time.Duration) int {
	cutoff := now.UnixMilli() - window.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, key := range s.entries.Keys() {
		stamps, ok := s.entries.Peek(key)
		if !ok {
			continue
		}
		if len(stamps) == 0 || newest(stamps) <= cutoff {
			s.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// StartJanitor sweeps idle identifiers every interval until ctx is done.
// A non-positive interval disables the janitor.
func (s *MemoryStore) StartJanitor(ctx context.Context, every, window time.Duration, onSweep func(removed, remaining int)) {
	if every <= 0 {
		return
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				removed := s.Sweep(now, window)
				if onSweep != nil {
					onSweep(removed, s.Len())
				}
			}
		}
	}()
}

func oldest(stamps []int64) int64 {
	m := stamps[0]
	for _, ts := range stamps[1:] {
		if ts < m {
			m = ts
		}
	}
	return m
}

func newest(stamps []int64) int64 {
	m := stamps[0]
	for _, ts := range stamps[1:] {
		if ts > m {
			m = ts
		}
	}
	return m
}

// mapTable is the unbounded table: identifiers live until swept.
type mapTable map[string][]int64

func (m mapTable) Get(key string) ([]int64, bool)  { v, ok := m[key]; return v, ok }
func (m mapTable) Peek(key string) ([]int64, bool) { v, ok := m[key]; return v, ok }
func (m mapTable) Len() int                        { return len(m) }

func (m mapTable) Add(key string, value []int64) bool {
	m[key] = value
	return false
}

func (m mapTable) Remove(key string) bool {
	_, ok := m[key]
	delete(m, key)
	return ok
}

func (m mapTable) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
