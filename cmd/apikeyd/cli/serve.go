package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/apikeyd/apikeyd/internal/server"
	"github.com/apikeyd/apikeyd/internal/service"
	"github.com/apikeyd/apikeyd/internal/usage"
)

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the HTTP server exposing key verification, the bearer-authenticated
management API, health probes, Prometheus metrics and the OpenAPI document.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd.Flags().Changed("host"), host, cmd.Flags().Changed("port"), port)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port (overrides server.port)")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host (overrides server.host)")

	return cmd
}

func runServe(ctx context.Context, hostSet bool, host string, portSet bool, port int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if hostSet {
		cfg.Server.Host = host
	}
	if portSet {
		cfg.Server.Port = port
	}

	logger, err := newLogger(cfg.Logging, true)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	a, err := newApp(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		a.close(shutdownCtx)
	}()
	logger.Info("key store ready",
		zap.String("driver", cfg.Store.Driver),
		zap.String("counters", cfg.Counter.Backend),
		zap.Duration("cache_ttl", cfg.Cache.TTL),
	)

	a.recorder.Start()

	retention, err := usage.NewRetention(a.store, cfg.Usage.RetentionDays, cfg.Usage.RetentionCron, logger.Named("retention"))
	if err != nil {
		return err
	}
	retention.Start()
	defer retention.Stop()

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret, err = randomSecret()
		if err != nil {
			return err
		}
		logger.Warn("auth.jwt_secret is not set; using a random secret, so management tokens cannot be minted for this process")
	}

	srv := server.New(cfg.Server, server.Deps{
		Manager:      a.mgr,
		Verifier:     a.pipeline,
		Auth:         service.NewAuthService(secret),
		APIKeyHeader: cfg.Auth.APIKeyHeader,
		Checks: []server.Check{
			{Name: "store", Ping: a.store.Ping},
			{Name: "counters", Ping: a.counters.Ping},
		},
		Gatherer: prometheus.DefaultGatherer,
		Logger:   logger.Named("http"),
	})
	return srv.ListenAndServe(ctx)
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
