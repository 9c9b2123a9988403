package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/apikeyd/apikeyd/internal/counter"
	"github.com/apikeyd/apikeyd/internal/model"
)

const quotaBucketTTL = 48 * time.Hour

// QuotaTracker counts per-key usage per UTC day.
type QuotaTracker struct {
	store counter.Store
	now   func() time.Time
}

// NewQuotaTracker creates a QuotaTracker. A nil clock uses time.Now.
func NewQuotaTracker(store counter.Store, now func() time.Time) *QuotaTracker {
	if now == nil {
		now = time.Now
	}
	return &QuotaTracker{store: store, now: now}
}

func quotaKey(keyID string, t time.Time) string {
	return "quota:" + keyID + ":" + t.UTC().Format("20060102")
}

// rollover zeroes the record's daily counter when it belongs to an earlier
// UTC day, so a request at midnight is evaluated against the new day.
func rollover(k *model.APIKey, now time.Time) {
	today := model.UTCDate(now)
	if k.LastResetDate != today {
		k.TodayUsageCount = 0
		k.LastResetDate = today
	}
}

// Consume counts one request against today's quota and reports whether it
// is within k.DailyUsageQuota. On success k.TodayUsageCount holds the new
// count. k must be a private copy.
//
// A bucket created mid-day, after a counter store restart or on a fresh
// process, is seeded with the count the key record already holds for today.
func (q *QuotaTracker) Consume(ctx context.Context, k *model.APIKey) (bool, error) {
	now := q.now()
	rollover(k, now)

	key := quotaKey(k.ID, now)
	n, err := q.store.Increment(ctx, key, quotaBucketTTL)
	if err != nil {
		return false, fmt.Errorf("quota %s: %w", k.ID, err)
	}
	if n == 1 && k.TodayUsageCount > 0 {
		n, err = q.store.IncrementBy(ctx, key, int64(k.TodayUsageCount), quotaBucketTTL)
		if err != nil {
			return false, fmt.Errorf("seed quota %s: %w", k.ID, err)
		}
	}
	if n > int64(k.DailyUsageQuota) {
		return false, nil
	}
	k.TodayUsageCount = int(n)
	return true, nil
}

// IsDailyQuotaExceeded reports, without counting a request, whether today's
// usage has reached k.DailyUsageQuota. k must be a private copy.
func (q *QuotaTracker) IsDailyQuotaExceeded(ctx context.Context, k *model.APIKey) (bool, error) {
	n, err := q.Usage(ctx, k)
	if err != nil {
		return false, err
	}
	return n >= int64(k.DailyUsageQuota), nil
}

// Usage returns today's count for k after applying the day rollover: the
// counter bucket or the persisted count, whichever is higher.
func (q *QuotaTracker) Usage(ctx context.Context, k *model.APIKey) (int64, error) {
	now := q.now()
	rollover(k, now)
	n, err := q.store.Get(ctx, quotaKey(k.ID, now))
	if err != nil {
		return 0, fmt.Errorf("quota usage %s: %w", k.ID, err)
	}
	return max(n, int64(k.TodayUsageCount)), nil
}

// Reset clears today's count for keyID.
func (q *QuotaTracker) Reset(ctx context.Context, keyID string) error {
	return q.store.Reset(ctx, quotaKey(keyID, q.now()))
}
