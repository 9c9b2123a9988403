// Package usage records verified requests off the hot path. Events are
// queued without blocking, batched and written to the key store by a single
// background worker.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/apikeyd/apikeyd/internal/model"
	"github.com/apikeyd/apikeyd/internal/store"
)

// Event is one successful verification.
type Event struct {
	Entry model.UsageLogEntry
	// TodayCount and Date are the key's daily counter after this request.
	TodayCount int
	Date       string
}

// Sink persists a batch of usage.
type Sink interface {
	ApplyUsage(ctx context.Context, deltas []store.UsageDelta, entries []model.UsageLogEntry) error
}

// Config tunes the recorder.
type Config struct {
	BufferSize    int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	// WriteTimeout bounds one sink call.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	// RetentionDays controls usage-log pruning; 0 disables it.
	RetentionDays int    `mapstructure:"retention_days" yaml:"retention_days"`
	RetentionCron string `mapstructure:"retention_cron" yaml:"retention_cron"`
}

// DefaultConfig returns the recorder defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:    10000,
		BatchSize:     500,
		FlushInterval: time.Second,
		WriteTimeout:  5 * time.Second,
		RetentionDays: 90,
		RetentionCron: "0 30 3 * * *",
	}
}

// Recorder queues usage events and flushes them in batches.
type Recorder struct {
	sink   Sink
	cfg    Config
	logger *zap.Logger
	events chan Event

	recorded prometheus.Counter
	dropped  prometheus.Counter
	failed   prometheus.Counter

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewRecorder creates a Recorder. Metrics are registered on reg when it is
// non-nil.
func NewRecorder(sink Sink, cfg Config, logger *zap.Logger, reg prometheus.Registerer) *Recorder {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Recorder{
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, cfg.BufferSize),
		recorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apikeyd", Subsystem: "usage", Name: "events_written_total",
			Help: "Usage events written to the key store",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apikeyd", Subsystem: "usage", Name: "events_dropped_total",
			Help: "Usage events dropped because the queue was full",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apikeyd", Subsystem: "usage", Name: "events_failed_total",
			Help: "Usage events lost to sink errors",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.recorded, r.dropped, r.failed)
	}
	return r
}

// Record queues e. It never blocks: when the queue is full the event is
// dropped and counted. A dropped event is lost for good, leaving the key's
// UsageCount short by one; that loss is accepted and visible only through
// the dropped counter.
func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	select {
	case r.events <- e:
	default:
		r.dropped.Inc()
		r.logger.Warn("usage queue full, dropping event",
			zap.String("key_id", e.Entry.APIKeyID))
	}
}

// Start runs the flush worker until Shutdown.
func (r *Recorder) Start() {
	if r == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
}

// Shutdown stops the worker after it drains queued events, or when ctx is
// done, whichever comes first.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r == nil || r.cancel == nil {
		return nil
	}
	r.once.Do(r.cancel)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, r.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.write(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e := <-r.events:
			batch = append(batch, e)
			if len(batch) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case e := <-r.events:
					batch = append(batch, e)
					if len(batch) >= r.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// write aggregates a batch into per-key deltas and hands it to the sink.
func (r *Recorder) write(batch []Event) {
	deltas := aggregate(batch)
	entries := make([]model.UsageLogEntry, len(batch))
	for i, e := range batch {
		entries[i] = e.Entry
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()
	if err := r.sink.ApplyUsage(ctx, deltas, entries); err != nil {
		r.failed.Add(float64(len(batch)))
		r.logger.Error("write usage batch", zap.Int("events", len(batch)), zap.Error(err))
		return
	}
	r.recorded.Add(float64(len(batch)))
}

func aggregate(batch []Event) []store.UsageDelta {
	idx := make(map[string]int)
	var deltas []store.UsageDelta
	for _, e := range batch {
		id := e.Entry.APIKeyID
		i, ok := idx[id]
		if !ok {
			idx[id] = len(deltas)
			deltas = append(deltas, store.UsageDelta{
				KeyID:      id,
				Count:      1,
				TodayCount: e.TodayCount,
				Date:       e.Date,
				LastUsedAt: e.Entry.Timestamp,
			})
			continue
		}
		d := &deltas[i]
		d.Count++
		// Latest day wins; within a day the highest count wins.
		if e.Date > d.Date || (e.Date == d.Date && e.TodayCount > d.TodayCount) {
			d.Date = e.Date
			d.TodayCount = e.TodayCount
		}
		if e.Entry.Timestamp.After(d.LastUsedAt) {
			d.LastUsedAt = e.Entry.Timestamp
		}
	}
	return deltas
}
