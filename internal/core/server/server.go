// Package server assembles the HTTP routes and runs the listener.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ternlabs/osm-proxy/internal/coordinator"
	"github.com/ternlabs/osm-proxy/internal/core/config"
	"github.com/ternlabs/osm-proxy/internal/core/health"
	middleware "github.com/ternlabs/osm-proxy/internal/core/middleware"
	"github.com/ternlabs/osm-proxy/internal/core/router"
)

type Deps struct {
	Proxy router.Handler
	Gate  coordinator.Authenticator
	// Invalidator nil leaves /admin/cache unrouted.
	Invalidator router.Invalidator
	Checks      []health.Check
	// Metrics defaults to the default Prometheus registry.
	Metrics http.Handler
}

func NewHandler(logger *slog.Logger, d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	metrics := d.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(2*time.Second, d.Checks...))
	r.Method(http.MethodGet, "/metrics", metrics)
	if d.Invalidator != nil && d.Gate != nil {
		r.Delete("/admin/cache", router.Admin(logger, d.Gate, d.Invalidator))
	}
	r.HandleFunc("/*", router.Proxy(logger, d.Proxy))
	return r
}

// Run serves until ctx ends, then drains in-flight requests.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, d Deps) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewHandler(logger, d),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// covers the full upstream retry budget
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
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
