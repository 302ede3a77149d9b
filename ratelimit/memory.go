package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultGrace is how long a bucket outlives its window before it is swept.
const DefaultGrace = time.Minute

// DefaultSweepInterval is the default period of MemoryStore.Run.
const DefaultSweepInterval = time.Minute

type bucket struct {
	windowStart time.Time
	window      time.Duration
	count       int64
}

// MemoryStore is a process-local Store backed by a mutex-protected map.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	grace    time.Duration
	interval time.Duration
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithGrace sets how long expired buckets are retained.
func WithGrace(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d >= 0 {
			s.grace = d
		}
	}
}

// WithSweepInterval sets the period used by Run.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.interval = d
		}
	}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		buckets:  make(map[string]*bucket),
		grace:    DefaultGrace,
		interval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Increment implements Store.
func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{windowStart: now, window: window}
		s.buckets[key] = b
	} else if !now.Before(b.windowStart.Add(b.window)) {
		b.windowStart = now
		b.window = window
		b.count = 0
	}
	b.count++
	return b.count, b.windowStart, nil
}

// Sweep removes buckets whose window ended more than the grace period
// before now. It returns the number of buckets removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, b := range s.buckets {
		if now.After(b.windowStart.Add(b.window + s.grace)) {
			delete(s.buckets, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of live buckets.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// Run sweeps periodically until ctx is done.
func (s *MemoryStore) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
