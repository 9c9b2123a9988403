package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/apikeyd/apikeyd/internal/config"
	"github.com/apikeyd/apikeyd/internal/counter"
	"github.com/apikeyd/apikeyd/internal/keycache"
	"github.com/apikeyd/apikeyd/internal/logging"
	"github.com/apikeyd/apikeyd/internal/ratelimit"
	"github.com/apikeyd/apikeyd/internal/service"
	"github.com/apikeyd/apikeyd/internal/store"
	"github.com/apikeyd/apikeyd/internal/usage"
)

// resolveDataDir returns --data-dir, APIKEYD_DATA_DIR or ~/.apikeyd.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv(config.EnvPrefix + "_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".apikeyd"
	}
	return filepath.Join(home, ".apikeyd")
}

// loadConfig reads the effective configuration.
func loadConfig() (*config.Config, error) {
	v, err := config.NewViper(cfgFile, resolveDataDir())
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	cfg.Store.DataDir = resolveDataDir()
	return cfg, nil
}

// newLogger builds the process logger. One-shot commands log at warn unless
// --verbose is set so their stdout stays readable.
func newLogger(cfg logging.Config, server bool) (*zap.Logger, error) {
	if !server && !verbose {
		cfg.Level = "warn"
	}
	return logging.New(cfg)
}

// app is the assembled key subsystem shared by serve, mcp and the key
// commands.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *store.Store
	counters counter.Store
	cache    *keycache.Cache
	mgr      *service.Manager
	pipeline *service.Pipeline
	recorder *usage.Recorder
}

// newApp opens the store and counter backend and wires the manager and
// pipeline. Metrics go to reg when it is non-nil.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*app, error) {
	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	counters, err := openCounters(ctx, cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	cache := keycache.New(st, cfg.Cache.Size, cfg.Cache.TTL)
	limiter := ratelimit.NewLimiter(counters, nil)
	quota := ratelimit.NewQuotaTracker(counters, nil)
	recorder := usage.NewRecorder(st, cfg.Usage, logger.Named("usage"), reg)

	var metrics *service.Metrics
	if reg != nil {
		metrics = service.NewMetrics(reg)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		counters: counters,
		cache:    cache,
		recorder: recorder,
		mgr: service.NewManager(service.ManagerConfig{
			Store:   st,
			Cache:   cache,
			Limiter: limiter,
			Quota:   quota,
			Limits:  cfg.Limits,
			Logger:  logger.Named("keys"),
		}),
		pipeline: service.NewPipeline(service.PipelineConfig{
			Keys:     cache,
			Limiter:  limiter,
			Quota:    quota,
			Recorder: recorder,
			Metrics:  metrics,
			Logger:   logger.Named("verify"),
		}),
	}, nil
}

func openCounters(ctx context.Context, cfg *config.Config, logger *zap.Logger) (counter.Store, error) {
	switch cfg.Counter.Backend {
	case config.CounterRedis:
		rcfg := cfg.Counter.Redis
		rcfg.Logger = logger.Named("redis")
		rs, err := counter.NewRedisStore(ctx, rcfg)
		if err != nil {
			return nil, fmt.Errorf("connect redis counters: %w", err)
		}
		return counter.NewBreakerStore(rs, cfg.Counter.Breaker, logger.Named("counter")), nil
	default:
		return counter.NewMemoryStore(cfg.Counter.SweepInterval), nil
	}
}

// close flushes queued usage and releases connections.
func (a *app) close(ctx context.Context) {
	if err := a.recorder.Shutdown(ctx); err != nil {
		a.logger.Warn("usage recorder shutdown", zap.Error(err))
	}
	if err := a.counters.Close(); err != nil {
		a.logger.Warn("close counter store", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// withApp runs fn against a freshly assembled app and tears it down after.
func withApp(ctx context.Context, fn func(*app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging, false)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	a.recorder.Start()
	defer a.close(context.Background())
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
