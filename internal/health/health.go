package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/fiscalmind/fiscalmind-gateway/internal/backend"
	"github.com/fiscalmind/fiscalmind-gateway/internal/gateway"
	"go.uber.org/zap"
)

// StateSource exposes the locator's current belief.
type StateSource interface {
	State() backend.State
}

type HealthChecker struct {
	locator StateSource
	sender  gateway.Sender
	logger  *zap.SugaredLogger
	mu      sync.RWMutex
	ready   bool
}

func NewHealthChecker(locator StateSource, sender gateway.Sender, logger *zap.SugaredLogger) *HealthChecker {
	return &HealthChecker{
		locator: locator,
		sender:  sender,
		logger:  logger,
		ready:   false,
	}
}

// SetReady marks the gateway as ready
func (h *HealthChecker) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// Liveness checks if the gateway process is alive
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Readiness reports ready only when a backend was actually discovered (not
// the fallback) and it still answers its liveness probe.
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.ready
	h.mu.RUnlock()

	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Not ready"))
		return
	}

	state := h.locator.State()
	switch {
	case state.URL == "":
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Backend discovery pending"))
		return
	case state.Fallback():
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Backend not discovered, using fallback " + state.URL))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	if _, err := h.sender.Send(ctx, gateway.Request{Method: http.MethodGet, Path: "/"}); err != nil {
		h.logger.Warnw("Readiness check failed: backend not accessible",
			"url", state.URL,
			"error", err,
		)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Backend not accessible"))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

const (
	timeout = 5 * time.Second
)
