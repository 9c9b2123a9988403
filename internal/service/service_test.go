package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/apikeyd/apikeyd/internal/counter"
	"github.com/apikeyd/apikeyd/internal/keycache"
	"github.com/apikeyd/apikeyd/internal/model"
	"github.com/apikeyd/apikeyd/internal/ratelimit"
	"github.com/apikeyd/apikeyd/internal/store"
	"github.com/apikeyd/apikeyd/internal/usage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// captureRecorder keeps usage events in memory.
type captureRecorder struct {
	mu     sync.Mutex
	events []usage.Event
}

func (r *captureRecorder) Record(e usage.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *captureRecorder) Events() []usage.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]usage.Event(nil), r.events...)
}

type testEnv struct {
	store    *store.Store
	counters counter.Store
	cache    *keycache.Cache
	clock    *fakeClock
	mgr      *Manager
	pipe     *Pipeline
	rec      *captureRecorder
	metrics  *Metrics
	owner    *model.Owner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewSQLite("")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	counters := counter.NewMemoryStore(time.Minute)
	t.Cleanup(func() { counters.Close() })

	clock := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	cache := keycache.New(st, 100, 2*time.Second)
	limiter := ratelimit.NewLimiter(counters, clock.Now)
	quota := ratelimit.NewQuotaTracker(counters, clock.Now)
	rec := &captureRecorder{}
	metrics := NewMetrics(prometheus.NewRegistry())

	env := &testEnv{
		store:    st,
		counters: counters,
		cache:    cache,
		clock:    clock,
		rec:      rec,
		metrics:  metrics,
		mgr: NewManager(ManagerConfig{
			Store:   st,
			Cache:   cache,
			Limiter: limiter,
			Quota:   quota,
			Now:     clock.Now,
		}),
		pipe: NewPipeline(PipelineConfig{
			Keys:     cache,
			Limiter:  limiter,
			Quota:    quota,
			Recorder: rec,
			Metrics:  metrics,
			Now:      clock.Now,
		}),
	}
	env.owner, err = env.mgr.CreateOwner(context.Background(), model.CreateOwnerRequest{
		ID: "owner-1", Name: "Acme",
	})
	require.NoError(t, err)
	return env
}

func (e *testEnv) createKey(t *testing.T, req model.CreateKeyRequest) (*model.APIKey, string) {
	t.Helper()
	if req.Name == "" {
		req.Name = "test key"
	}
	k, raw, err := e.mgr.Create(context.Background(), e.owner.ID, req)
	require.NoError(t, err)
	return k, raw
}

func (e *testEnv) verify(t *testing.T, raw string, info RequestInfo) Verdict {
	t.Helper()
	v, err := e.pipe.Verify(context.Background(), raw, info)
	require.NoError(t, err)
	return v
}

func intPtr(v int) *int { return &v }
