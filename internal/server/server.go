package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fiscalmind/fiscalmind-gateway/internal/backend"
	"github.com/fiscalmind/fiscalmind-gateway/internal/gateway"
	"github.com/fiscalmind/fiscalmind-gateway/internal/metrics"
)

// Locator is the part of the backend locator the daemon exposes.
type Locator interface {
	State() backend.State
	ForceRediscovery(ctx context.Context) (string, error)
}

// Probes are the liveness/readiness handlers.
type Probes interface {
	Liveness(w http.ResponseWriter, r *http.Request)
	Readiness(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Locator  Locator
	Sender   gateway.Sender
	Probes   Probes
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
}

// Server is the local daemon: probes, metrics, backend state and a
// pass-through for /api/* calls.
type Server struct {
	http   *http.Server
	logger *zap.SugaredLogger
}

func New(addr string, deps Deps, logger *zap.SugaredLogger) *Server {
	s := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(deps, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return &Server{
		http:   s,
		logger: logger,
	}
}

func NewRouter(deps Deps, logger *zap.SugaredLogger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(Instrument(logger, deps.Metrics))

	r.Get("/healthz", deps.Probes.Liveness)
	r.Get("/ready", deps.Probes.Readiness)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))

	b := &backendHandler{locator: deps.Locator, logger: logger}
	r.Get("/backend", b.state)
	r.Post("/backend/rediscover", b.rediscover)

	f := &forwarder{sender: deps.Sender, logger: logger}
	r.Handle("/api/*", f)

	return r
}

// Start runs the HTTP server (blocks until error or shutdown).
func (s *Server) Start() error {
	s.logger.Infow("HTTP server listening", "address", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server with the provided context deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.http.Shutdown(ctx)
}
