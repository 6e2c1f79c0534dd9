package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/fiscalmind/fiscalmind-gateway/internal/gateway"
	"github.com/fiscalmind/fiscalmind-gateway/internal/util"
)

// maxForwardBody is slightly above the client-side upload limit so the
// backend, not the daemon, gets to reject oversized spreadsheets.
const maxForwardBody = 11 << 20

// forwardedHeaders are copied from the incoming request to the backend.
var forwardedHeaders = []string{"Content-Type", "Accept", "Authorization"}

type backendHandler struct {
	locator Locator
	logger  *zap.SugaredLogger
}

func (h *backendHandler) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.locator.State())
}

func (h *backendHandler) rediscover(w http.ResponseWriter, r *http.Request) {
	url, err := h.locator.ForceRediscovery(r.Context())
	if err != nil {
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"detail": err.Error()})
		return
	}
	h.logger.Infow("Backend rediscovered on request", "url", url)
	writeJSON(w, http.StatusOK, h.locator.State())
}

type forwarder struct {
	sender gateway.Sender
	logger *zap.SugaredLogger
}

func (f *forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxForwardBody+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "failed to read request body"})
		return
	}
	if len(body) > maxForwardBody {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"detail": "request body too large"})
		return
	}

	req := gateway.Request{
		Method: r.Method,
		Path:   r.URL.RequestURI(),
		Header: http.Header{},
	}
	if len(body) > 0 {
		req.Body = bytes.NewReader(body)
	}
	for _, key := range forwardedHeaders {
		if v := r.Header.Get(key); v != "" {
			req.Header.Set(key, v)
		}
	}

	resp, err := f.sender.Send(r.Context(), req)
	if err != nil {
		f.writeError(w, r, err)
		return
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func (f *forwarder) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *util.APIError
	var netErr *util.NetworkError

	switch {
	case errors.As(err, &apiErr):
		if json.Valid(apiErr.Body) {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(apiErr.StatusCode)
		_, _ = w.Write(apiErr.Body)
	case errors.As(err, &netErr):
		f.logger.Warnw("Forwarding failed: backend unreachable",
			"path", r.URL.Path,
			"error", err,
		)
		status := http.StatusBadGateway
		if netErr.Timeout {
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, map[string]string{"detail": err.Error()})
	default:
		f.logger.Errorw("Forwarding failed",
			"path", r.URL.Path,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
