package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apikeyd/apikeyd/internal/model"
	"github.com/apikeyd/apikeyd/internal/store"
)

type memorySink struct {
	mu      sync.Mutex
	deltas  []store.UsageDelta
	entries []model.UsageLogEntry
	calls   int
	err     error
	block   chan struct{}
}

func (s *memorySink) ApplyUsage(_ context.Context, d []store.UsageDelta, e []model.UsageLogEntry) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.deltas = append(s.deltas, d...)
	s.entries = append(s.entries, e...)
	return nil
}

func (s *memorySink) snapshot() ([]store.UsageDelta, []model.UsageLogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.UsageDelta(nil), s.deltas...), append([]model.UsageLogEntry(nil), s.entries...)
}

func event(key string, n int, at time.Time) Event {
	return Event{
		Entry:      model.UsageLogEntry{ID: key + "-" + at.String(), APIKeyID: key, Timestamp: at},
		TodayCount: n,
		Date:       model.UTCDate(at),
	}
}

func TestRecorderFlushesOnShutdown(t *testing.T) {
	sink := &memorySink{}
	r := NewRecorder(sink, Config{FlushInterval: time.Hour}, nil, nil)
	r.Start()

	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	r.Record(event("k1", 1, base))
	r.Record(event("k1", 2, base.Add(time.Second)))
	r.Record(event("k2", 1, base))

	require.NoError(t, r.Shutdown(context.Background()))

	deltas, entries := sink.snapshot()
	assert.Len(t, entries, 3)
	require.Len(t, deltas, 2)
	assert.Equal(t, "k1", deltas[0].KeyID)
	assert.Equal(t, int64(2), deltas[0].Count)
	assert.Equal(t, 2, deltas[0].TodayCount)
	assert.Equal(t, base.Add(time.Second), deltas[0].LastUsedAt)
	assert.Equal(t, int64(1), deltas[1].Count)
}

func TestRecorderFlushesOnInterval(t *testing.T) {
	sink := &memorySink{}
	r := NewRecorder(sink, Config{FlushInterval: 10 * time.Millisecond}, nil, nil)
	r.Start()
	defer r.Shutdown(context.Background())

	r.Record(event("k1", 1, time.Now()))
	require.Eventually(t, func() bool {
		_, e := sink.snapshot()
		return len(e) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRecorderFlushesOnBatchSize(t *testing.T) {
	sink := &memorySink{}
	r := NewRecorder(sink, Config{BatchSize: 2, FlushInterval: time.Hour}, nil, nil)
	r.Start()
	defer r.Shutdown(context.Background())

	r.Record(event("k1", 1, time.Now()))
	r.Record(event("k1", 2, time.Now()))
	require.Eventually(t, func() bool {
		_, e := sink.snapshot()
		return len(e) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestRecorderDropsWhenFull(t *testing.T) {
	sink := &memorySink{}
	reg := prometheus.NewRegistry()
	r := NewRecorder(sink, Config{BufferSize: 2}, nil, reg)
	// Not started: nothing drains the queue.

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			r.Record(event("k1", i, time.Now()))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue")
	}
	assert.Equal(t, float64(3), testutil.ToFloat64(r.dropped))

	// Dropped events never reach the usage count.
	r.Start()
	require.NoError(t, r.Shutdown(context.Background()))
	deltas, entries := sink.snapshot()
	require.Len(t, deltas, 1)
	assert.Equal(t, int64(2), deltas[0].Count)
	assert.Len(t, entries, 2)
}

func TestRecorderSinkErrorIsContained(t *testing.T) {
	sink := &memorySink{err: errors.New("db down")}
	r := NewRecorder(sink, Config{FlushInterval: time.Hour}, nil, nil)
	r.Start()

	r.Record(event("k1", 1, time.Now()))
	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, 1, sink.calls)
	assert.Equal(t, float64(1), testutil.ToFloat64(r.failed))
}

func TestRecorderShutdownTimeout(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	r := NewRecorder(sink, Config{FlushInterval: time.Hour}, nil, nil)
	r.Start()
	r.Record(event("k1", 1, time.Now()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Shutdown(ctx), context.DeadlineExceeded)
	close(sink.block)
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Record(Event{})
	r.Start()
	assert.NoError(t, r.Shutdown(context.Background()))
}

func TestAggregateKeepsHighestCountOfLatestDay(t *testing.T) {
	d1 := time.Date(2025, 5, 1, 23, 59, 59, 0, time.UTC)
	d2 := time.Date(2025, 5, 2, 0, 0, 1, 0, time.UTC)
	deltas := aggregate([]Event{
		event("k1", 40, d1),
		event("k1", 1, d2),
		event("k1", 41, d1),
	})
	require.Len(t, deltas, 1)
	assert.Equal(t, int64(3), deltas[0].Count)
	assert.Equal(t, "2025-05-02", deltas[0].Date)
	assert.Equal(t, 1, deltas[0].TodayCount)
	assert.Equal(t, d2, deltas[0].LastUsedAt)
}

type fakePruner struct {
	before time.Time
	calls  int
}

func (p *fakePruner) PruneUsage(_ context.Context, before time.Time) (int64, error) {
	p.calls++
	p.before = before
	return 7, nil
}

func TestRetention(t *testing.T) {
	r, err := NewRetention(&fakePruner{}, 0, "", nil)
	require.NoError(t, err)
	assert.Nil(t, r, "zero days disables retention")
	r.Start()
	r.Stop()

	_, err = NewRetention(&fakePruner{}, 30, "not a cron", nil)
	assert.Error(t, err)

	p := &fakePruner{}
	r, err = NewRetention(p, 30, "", nil)
	require.NoError(t, err)
	now := time.Date(2025, 5, 31, 3, 30, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	r.prune()
	assert.Equal(t, 1, p.calls)
	assert.Equal(t, now.Add(-30*24*time.Hour), p.before)
}
