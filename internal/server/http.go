package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joshp123/gonetatmo/internal/logging"
)

// HTTPServer serves health and metrics.
type HTTPServer struct {
	Server *http.Server
	log    *slog.Logger
}

// NewRouter mounts /health, /ready, and /metrics. ready may be nil.
func NewRouter(registry *prometheus.Registry, ready ReadyFunc) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", HealthHandler)
	r.Get("/ready", ReadyHandler(ready))
	r.Method(http.MethodGet, "/metrics", MetricsHandler(registry))
	return r
}

func NewHTTPServer(addr string, handler http.Handler, log *slog.Logger) *HTTPServer {
	if log == nil {
		log = logging.Discard()
	}
	return &HTTPServer{
		Server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			// Scrapes run live API calls.
			WriteTimeout: 60 * time.Second,
		},
		log: log,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", slog.String("addr", s.Server.Addr))
		errCh <- s.Server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Server.Shutdown(shutdownCtx); err != nil {
		s.log.Error("http server shutdown", logging.Err(err))
		return err
	}
	return nil
}
