package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"suis/internal/health"
	"suis/internal/metrics"
)

const shutdownTimeout = 2 * time.Second

// server exposes metrics and health probes over HTTP.
type server struct {
	http *http.Server
	log  *slog.Logger
}

func newServer(addr string, met *metrics.EngineMetrics, checker *health.Checker, log *slog.Logger) *server {
	return &server{
		http: &http.Server{
			Addr:              addr,
			Handler:           routes(met, checker),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

func routes(met *metrics.EngineMetrics, checker *health.Checker) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", met.Registry().HTTPHandler())
	mux.Handle("/healthz", checker.HealthHandler())
	mux.Handle("/livez", checker.LivenessHandler())
	mux.Handle("/readyz", checker.ReadinessHandler())
	return mux
}

// serve listens until ctx ends, then shuts down gracefully.
func (s *server) serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("http listening", "addr", s.http.Addr)
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
