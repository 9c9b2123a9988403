package counter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct {
	Store
	calls int
}

func (f *failingStore) Increment(context.Context, string, time.Duration) (int64, error) {
	f.calls++
	return 0, errors.New("connection refused")
}

func TestBreakerStorePassesThrough(t *testing.T) {
	mem := NewMemoryStore(time.Hour)
	b := NewBreakerStore(mem, BreakerConfig{}, nil)
	defer b.Close()
	ctx := context.Background()

	n, err := b.Increment(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	v, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerStoreOpensOnFailures(t *testing.T) {
	f := &failingStore{Store: NewMemoryStore(time.Hour)}
	defer f.Store.Close()
	b := NewBreakerStore(f, BreakerConfig{Threshold: 3, OpenTimeout: time.Minute}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.Increment(ctx, "k", time.Minute)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.Increment(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, f.calls, "open breaker must not reach the backend")
}
