// Package ratelimit enforces per-key fixed-window request limits and daily
// usage quotas over a counter.Store.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/apikeyd/apikeyd/internal/counter"
)

const (
	minuteBucketTTL = 2 * time.Minute
	secondBucketTTL = 2 * time.Second
)

// Limiter counts requests per key in fixed one-minute windows. Bursts at a
// window boundary may admit up to twice the limit.
type Limiter struct {
	store counter.Store
	now   func() time.Time
}

// NewLimiter creates a Limiter. A nil clock uses time.Now.
func NewLimiter(store counter.Store, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{store: store, now: now}
}

func minuteKey(keyID string, t time.Time) string {
	return "rl:" + keyID + ":" + strconv.FormatInt(t.Unix()/60, 10)
}

func secondKey(keyID string, t time.Time) string {
	return "rls:" + keyID + ":" + strconv.FormatInt(t.Unix(), 10)
}

// Allow counts one request against the current minute and reports whether
// it is within limitPerMinute.
func (l *Limiter) Allow(ctx context.Context, keyID string, limitPerMinute int) (bool, error) {
	n, err := l.store.Increment(ctx, minuteKey(keyID, l.now()), minuteBucketTTL)
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", keyID, err)
	}
	return n <= int64(limitPerMinute), nil
}

// AllowPerSecond is Allow over a one-second window.
func (l *Limiter) AllowPerSecond(ctx context.Context, keyID string, limitPerSecond int) (bool, error) {
	n, err := l.store.Increment(ctx, secondKey(keyID, l.now()), secondBucketTTL)
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", keyID, err)
	}
	return n <= int64(limitPerSecond), nil
}

// IsExceeded reports, without counting a request, whether the current
// minute is already at limitPerMinute.
func (l *Limiter) IsExceeded(ctx context.Context, keyID string, limitPerMinute int) (bool, error) {
	n, err := l.CurrentUsage(ctx, keyID)
	if err != nil {
		return false, err
	}
	return n >= int64(limitPerMinute), nil
}

// CurrentUsage returns the number of requests counted in the current minute.
func (l *Limiter) CurrentUsage(ctx context.Context, keyID string) (int64, error) {
	n, err := l.store.Get(ctx, minuteKey(keyID, l.now()))
	if err != nil {
		return 0, fmt.Errorf("rate usage %s: %w", keyID, err)
	}
	return n, nil
}

// Reset clears the current windows for keyID.
func (l *Limiter) Reset(ctx context.Context, keyID string) error {
	now := l.now()
	return l.store.Reset(ctx, minuteKey(keyID, now), secondKey(keyID, now))
}
