package counter

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("counter store unavailable")

var breakerTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "apikeyd",
		Subsystem: "counter",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions for the counter store",
	},
	[]string{"from", "to"},
)

// BreakerConfig tunes the breaker around a Store.
type BreakerConfig struct {
	// Threshold is the minimum number of requests in an interval before the
	// failure ratio is considered.
	Threshold int `mapstructure:"threshold" yaml:"threshold"`
	// FailureRatio trips the breaker when reached.
	FailureRatio float64 `mapstructure:"failure_ratio" yaml:"failure_ratio"`
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
}

// BreakerStore guards a Store with a circuit breaker so a dead backend fails
// fast instead of stalling every verification on its timeout.
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerStore wraps next.
func NewBreakerStore(next Store, cfg BreakerConfig, logger *zap.Logger) *BreakerStore {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 10
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	threshold := uint32(cfg.Threshold) //nolint:gosec // positive, checked above
	settings := gobreaker.Settings{
		Name:        "counter-store",
		MaxRequests: 1,
		Interval:    cfg.OpenTimeout,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= threshold &&
				float64(c.TotalFailures)/float64(c.Requests) >= cfg.FailureRatio
		},
		// Context cancellation is the caller's doing, not the backend's.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("counter store breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			breakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
		},
	}
	return &BreakerStore{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State returns the breaker state.
func (b *BreakerStore) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerStore) run(fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrUnavailable
	}
	return v, err
}

// Increment implements Store.
func (b *BreakerStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	v, err := b.run(func() (any, error) { return b.next.Increment(ctx, key, ttl) })
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// IncrementBy implements Store.
func (b *BreakerStore) IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	v, err := b.run(func() (any, error) { return b.next.IncrementBy(ctx, key, delta, ttl) })
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Get implements Store.
func (b *BreakerStore) Get(ctx context.Context, key string) (int64, error) {
	v, err := b.run(func() (any, error) { return b.next.Get(ctx, key) })
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Reset implements Store. Administrative resets bypass the breaker.
func (b *BreakerStore) Reset(ctx context.Context, keys ...string) error {
	return b.next.Reset(ctx, keys...)
}

// Ping implements Store and bypasses the breaker so readiness reflects the
// backend itself.
func (b *BreakerStore) Ping(ctx context.Context) error {
	return b.next.Ping(ctx)
}

// Close implements Store.
func (b *BreakerStore) Close() error {
	return b.next.Close()
}
