package counter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// maxCASRetries bounds the compare-and-swap loop under contention.
const maxCASRetries = 100

type entry struct {
	value     int64
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is a lock-free in-process Store. Expired buckets are dropped
// lazily on access and by a periodic janitor.
type MemoryStore struct {
	data sync.Map
	now  func() time.Time

	ticker *time.Ticker
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewMemoryStore creates a MemoryStore whose janitor runs every interval.
// A zero interval defaults to one minute.
func NewMemoryStore(interval time.Duration) *MemoryStore {
	return newMemoryStore(interval, time.Now)
}

func newMemoryStore(interval time.Duration, now func() time.Time) *MemoryStore {
	if interval <= 0 {
		interval = time.Minute
	}
	s := &MemoryStore{
		now:    now,
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Increment implements Store.
func (s *MemoryStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.IncrementBy(ctx, key, 1, ttl)
}

// IncrementBy implements Store.
func (s *MemoryStore) IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.isClosed() {
		return 0, ErrClosed
	}

	for i := 0; i < maxCASRetries; i++ {
		now := s.now()
		fresh := &entry{value: delta}
		if ttl > 0 {
			fresh.expiresAt = now.Add(ttl)
		}

		cur, loaded := s.data.LoadOrStore(key, fresh)
		if !loaded {
			return delta, nil
		}

		e := cur.(*entry)
		if e.expired(now) {
			// Replace the stale bucket; a concurrent writer may win instead.
			if s.data.CompareAndSwap(key, e, fresh) {
				return delta, nil
			}
			continue
		}

		next := &entry{value: e.value + delta, expiresAt: e.expiresAt}
		if s.data.CompareAndSwap(key, e, next) {
			return next.value, nil
		}
	}
	return 0, fmt.Errorf("increment %s: max retries (%d) exceeded", key, maxCASRetries)
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.isClosed() {
		return 0, ErrClosed
	}

	v, ok := s.data.Load(key)
	if !ok {
		return 0, nil
	}
	e := v.(*entry)
	if e.expired(s.now()) {
		s.data.CompareAndDelete(key, e)
		return 0, nil
	}
	return e.value, nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	for _, k := range keys {
		s.data.Delete(k)
	}
	return nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	return ctx.Err()
}

// Close stops the janitor. It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.ticker.Stop()
	close(s.done)
	return nil
}

func (s *MemoryStore) janitor() {
	for {
		select {
		case <-s.ticker.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	now := s.now()
	s.data.Range(func(k, v any) bool {
		if e := v.(*entry); e.expired(now) {
			s.data.CompareAndDelete(k, e)
		}
		return true
	})
}
