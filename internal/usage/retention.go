package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Pruner deletes usage entries older than a cutoff.
type Pruner interface {
	PruneUsage(ctx context.Context, before time.Time) (int64, error)
}

// Retention periodically prunes old usage-log entries.
type Retention struct {
	pruner Pruner
	keep   time.Duration
	logger *zap.Logger
	cron   *cron.Cron
	now    func() time.Time
}

// NewRetention schedules pruning of entries older than days on schedule, a
// cron expression with a seconds field. It returns nil when days is zero.
func NewRetention(p Pruner, days int, schedule string, logger *zap.Logger) (*Retention, error) {
	if days <= 0 {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Retention{
		pruner: p,
		keep:   time.Duration(days) * 24 * time.Hour,
		logger: logger,
		cron:   cron.New(cron.WithSeconds()),
		now:    time.Now,
	}
	if schedule == "" {
		schedule = DefaultConfig().RetentionCron
	}
	if _, err := r.cron.AddFunc(schedule, r.prune); err != nil {
		return nil, fmt.Errorf("schedule usage retention %q: %w", schedule, err)
	}
	return r, nil
}

// Start starts the scheduler.
func (r *Retention) Start() {
	if r == nil {
		return
	}
	r.cron.Start()
	r.logger.Info("usage retention scheduled", zap.Duration("keep", r.keep))
}

// Stop stops the scheduler and waits for a running prune to finish.
func (r *Retention) Stop() {
	if r == nil {
		return
	}
	<-r.cron.Stop().Done()
}

func (r *Retention) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := r.now().Add(-r.keep)
	n, err := r.pruner.PruneUsage(ctx, cutoff)
	if err != nil {
		r.logger.Error("prune usage logs", zap.Error(err))
		return
	}
	r.logger.Info("pruned usage logs", zap.Int64("deleted", n), zap.Time("before", cutoff))
}
