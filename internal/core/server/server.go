package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/map-sidebar/internal/core/config"
	"github.com/mohammed-shakir/map-sidebar/internal/core/health"
	middleware "github.com/mohammed-shakir/map-sidebar/internal/core/middleware"
	"github.com/mohammed-shakir/map-sidebar/internal/core/router"
)

// Deps are the handlers the HTTP surface is built from. Metrics defaults to
// the global Prometheus handler; Ready defaults to always ready.
type Deps struct {
	Sidebar router.Sidebar
	Ready   http.HandlerFunc
	Metrics http.Handler
}

// NewHandler builds the chi router with middleware, health checks, metrics and the API.
func NewHandler(cfg config.Config, logger *slog.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover())
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())
	r.Use(middleware.Metrics())

	ready := deps.Ready
	if ready == nil {
		ready = health.Readiness(nil)
	}
	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", ready)
	if cfg.MetricsEnabled {
		m := deps.Metrics
		if m == nil {
			m = promhttp.Handler()
		}
		r.Method(http.MethodGet, "/metrics", m)
	}
	router.Routes(r, deps.Sidebar, logger)
	return r
}

// sets up http and starts serving
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, deps Deps) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewHandler(cfg, logger, deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
