package counter

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	redisOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apikeyd",
			Subsystem: "counter_redis",
			Name:      "operations_total",
			Help:      "Total number of Redis counter store operations",
		},
		[]string{"operation", "status"},
	)

	redisOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apikeyd",
			Subsystem: "counter_redis",
			Name:      "operation_duration_seconds",
			Help:      "Duration of Redis counter store operations in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	redisConnectRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "apikeyd",
			Subsystem: "counter_redis",
			Name:      "connection_retries_total",
			Help:      "Total number of Redis connection retry attempts",
		},
	)
)

// incrementScript adds ARGV[2] to KEYS[1] and sets a millisecond expiry when
// the increment created the key.
// ARGV[1] = ttl in milliseconds (0 = no expiry)
// ARGV[2] = delta
var incrementScript = redis.NewScript(`
	local current = redis.call('INCRBY', KEYS[1], ARGV[2])
	if current == tonumber(ARGV[2]) and tonumber(ARGV[1]) > 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Address  string `mapstructure:"address" yaml:"address"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`

	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// ConnectRetries is the number of extra ping attempts made at startup.
	ConnectRetries int           `mapstructure:"connect_retries" yaml:"connect_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`

	Logger *zap.Logger `mapstructure:"-" yaml:"-"`
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Address:        "localhost:6379",
		Prefix:         "apikeyd:",
		PoolSize:       20,
		DialTimeout:    2 * time.Second,
		ReadTimeout:    500 * time.Millisecond,
		WriteTimeout:   500 * time.Millisecond,
		ConnectRetries: 5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// RedisStore is a Store shared across processes through Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewRedisStore connects to Redis, retrying with jittered backoff until the
// server answers a ping or the retries run out.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	def := DefaultRedisConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := connectWithRetry(ctx, client, cfg, logger); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisStore{client: client, prefix: cfg.Prefix, logger: logger}, nil
}

func connectWithRetry(ctx context.Context, client *redis.Client, cfg RedisConfig, logger *zap.Logger) error {
	wait := cfg.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= cfg.ConnectRetries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		lastErr = client.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			if attempt > 0 {
				logger.Info("redis connection established after retry",
					zap.String("address", cfg.Address),
					zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if attempt == cfg.ConnectRetries {
			break
		}

		// Decorrelated jitter: next wait is random in [initial, 3*previous].
		wait = cfg.InitialBackoff + time.Duration(rand.Int64N(int64(3*wait-cfg.InitialBackoff)+1))
		wait = min(wait, cfg.MaxBackoff)
		logger.Debug("redis connection failed, retrying",
			zap.String("address", cfg.Address),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(lastErr))
		redisConnectRetries.Inc()

		select {
		case <-ctx.Done():
			return fmt.Errorf("connect to redis: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("connect to redis at %s after %d attempts: %w", cfg.Address, cfg.ConnectRetries+1, lastErr)
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) observe(op string, start time.Time, err error) {
	redisOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	redisOperationsTotal.WithLabelValues(op, status).Inc()
}

func (s *RedisStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.IncrementBy(ctx, key, 1, ttl)
}

// IncrementBy implements Store with a single atomic script call.
func (s *RedisStore) IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (n int64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("redis increment: %w", err)
	}
	if s.isClosed() {
		return 0, ErrClosed
	}
	start := time.Now()
	defer func() { s.observe("increment", start, err) }()

	n, err = incrementScript.Run(ctx, s.client, []string{s.key(key)}, ttl.Milliseconds(), delta).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis increment %s: %w", key, err)
	}
	return n, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (n int64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	if s.isClosed() {
		return 0, ErrClosed
	}
	start := time.Now()
	defer func() { s.observe("get", start, err) }()

	val, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get %s: %w", key, err)
	}
	n, err = strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s: %w", key, err)
	}
	return n, nil
}

// Reset implements Store.
func (s *RedisStore) Reset(ctx context.Context, keys ...string) (err error) {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("redis reset: %w", err)
	}
	if s.isClosed() {
		return ErrClosed
	}
	if len(keys) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { s.observe("reset", start, err) }()

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err = s.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis reset: %w", err)
	}
	return nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.client.Ping(ctx).Err()
}

// Close closes the client. It is safe to call more than once.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
