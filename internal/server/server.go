// Package server wires the HTTP router: health probes, metrics, the OpenAPI
// document, key verification and the bearer-authenticated management API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/apikeyd/apikeyd/internal/config"
	"github.com/apikeyd/apikeyd/internal/handler"
	"github.com/apikeyd/apikeyd/internal/server/middleware"
	"github.com/apikeyd/apikeyd/internal/service"
)

// Check is a named readiness probe, e.g. a database or counter store ping.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Deps are the collaborators the router dispatches to.
type Deps struct {
	Manager      *service.Manager
	Verifier     middleware.Verifier
	Auth         *service.AuthService
	APIKeyHeader string
	Checks       []Check
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// Server is the top-level HTTP server.
type Server struct {
	cfg        config.ServerConfig
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *zap.Logger
}

// New creates a Server with all routes mounted. Call ListenAndServe to start
// accepting connections.
func New(cfg config.ServerConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, deps: deps, logger: deps.Logger}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP(middleware.NewClientIPExtractor(s.cfg.TrustedProxies)))
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORS.Origins,
		AllowedMethods: append([]string{"OPTIONS"}, s.cfg.CORS.Methods...),
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", s.deps.APIKeyHeader, "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
		MaxAge:         300,
	}))
	if s.cfg.RatePerMinute > 0 {
		r.Use(middleware.RateLimit(s.cfg.RatePerMinute))
	}
	if s.cfg.MaxBodyBytes > 0 {
		r.Use(chimw.RequestSize(s.cfg.MaxBodyBytes))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/openapi.json", handler.NewOpenAPIHandler(s.baseURL(), s.deps.APIKeyHeader, s.logger).ServeDocument)

	keys := handler.NewKeyHandler(s.deps.Manager, s.logger)
	owners := handler.NewOwnerHandler(s.deps.Manager, s.logger)
	verify := handler.NewVerifyHandler(s.deps.Verifier, s.deps.APIKeyHeader, s.logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if s.cfg.VerifyRatePerMinute > 0 {
				r.Use(middleware.RateLimit(s.cfg.VerifyRatePerMinute))
			}
			r.Post("/verify", verify.Verify)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(s.deps.Auth))

			r.Route("/keys", func(r chi.Router) {
				r.Get("/", keys.List)
				r.Post("/", keys.Create)
				r.Get("/{keyId}", keys.Get)
				r.Patch("/{keyId}", keys.Update)
				r.Delete("/{keyId}", keys.Delete)
				r.Post("/{keyId}/revoke", keys.Revoke)
				r.Post("/{keyId}/rotate", keys.Rotate)
				r.Get("/{keyId}/usage", keys.Usage)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.RequireAdmin())
				r.Get("/owners", owners.List)
				r.Post("/owners", owners.Create)
				r.Patch("/owners/{ownerId}", owners.Update)
				r.Post("/keys/{keyId}/reset", keys.ResetCounters)
			})
		})
	})

	s.router = r
}

func (s *Server) baseURL() string {
	scheme := "http"
	if s.cfg.TLS.Enabled {
		scheme = "https"
	}
	host := s.cfg.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, s.cfg.Port)
}

// handleHealthz is a liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz returns 200 when every dependency answers, 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string, len(s.deps.Checks))
	for _, c := range s.deps.Checks {
		if err := c.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", c.Name), zap.Error(err))
			checks[c.Name] = "unavailable"
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			continue
		}
		checks[c.Name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}

// ListenAndServe serves until ctx is cancelled or SIGINT/SIGTERM arrives,
// then drains in-flight requests within the shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("addr", addr), zap.Bool("tls", s.cfg.TLS.Enabled))
		var err error
		if s.cfg.TLS.Enabled {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying chi router.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
