package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fiscalmind/fiscalmind-gateway/internal/backend"
	"github.com/fiscalmind/fiscalmind-gateway/internal/gateway"
	"github.com/fiscalmind/fiscalmind-gateway/internal/metrics"
	"github.com/fiscalmind/fiscalmind-gateway/internal/util"
)

type fakeLocator struct {
	state       backend.State
	rediscovers int
}

func (f *fakeLocator) State() backend.State {
	return f.state
}

func (f *fakeLocator) ForceRediscovery(ctx context.Context) (string, error) {
	f.rediscovers++
	f.state = backend.State{URL: "http://localhost:8001", Source: backend.SourceCandidate, Generation: f.state.Generation + 1}
	return f.state.URL, nil
}

type fakeProbes struct{}

func (fakeProbes) Liveness(w http.ResponseWriter, r *http.Request)  { w.WriteHeader(http.StatusOK) }
func (fakeProbes) Readiness(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) }

type senderFunc func(ctx context.Context, req gateway.Request) (*gateway.Response, error)

func (f senderFunc) Send(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	return f(ctx, req)
}

func newTestServer(t *testing.T, locator Locator, sender gateway.Sender) *httptest.Server {
	srv, _ := newInstrumentedServer(t, locator, sender)
	return srv
}

func newInstrumentedServer(t *testing.T, locator Locator, sender gateway.Sender) (*httptest.Server, *metrics.Metrics) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	srv := httptest.NewServer(NewRouter(Deps{
		Locator:  locator,
		Sender:   sender,
		Probes:   fakeProbes{},
		Gatherer: reg,
		Metrics:  m,
	}, zap.NewNop().Sugar()))
	t.Cleanup(srv.Close)
	return srv, m
}

func TestProbeAndMetricsRoutes(t *testing.T) {
	srv := newTestServer(t, &fakeLocator{}, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "fiscalmind_backend_cache_invalidations_total")
}

func TestBackendRoutes(t *testing.T) {
	resolvedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	locator := &fakeLocator{state: backend.State{
		URL:        "http://localhost:8000",
		Source:     backend.SourceFallback,
		ResolvedAt: resolvedAt,
	}}
	srv := newTestServer(t, locator, nil)

	resp, err := http.Get(srv.URL + "/backend")
	require.NoError(t, err)
	var state backend.State
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	resp.Body.Close()
	assert.Equal(t, backend.SourceFallback, state.Source)
	assert.True(t, resolvedAt.Equal(state.ResolvedAt))

	resp, err = http.Post(srv.URL+"/backend/rediscover", "application/json", nil)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	resp.Body.Close()
	assert.Equal(t, "http://localhost:8001", state.URL)
	assert.Equal(t, 1, locator.rediscovers)
}

func TestForwardPassesThrough(t *testing.T) {
	sender := senderFunc(func(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "/api/validar-ncm?verbose=1", req.Path)
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		body, _ := io.ReadAll(req.Body)
		assert.JSONEq(t, `{"ncm":"12345678"}`, string(body))
		return &gateway.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       []byte(`{"valido":true}`),
		}, nil
	})
	srv := newTestServer(t, &fakeLocator{}, sender)

	resp, err := http.Post(srv.URL+"/api/validar-ncm?verbose=1", "application/json", strings.NewReader(`{"ncm":"12345678"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"valido":true}`, string(body))
}

func TestForwardErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		body string
	}{
		{
			name: "api error keeps payload",
			err:  &util.APIError{StatusCode: http.StatusUnprocessableEntity, Detail: "CFOP inválido", Body: []byte(`{"detail":"CFOP inválido"}`)},
			code: http.StatusUnprocessableEntity,
			body: `{"detail":"CFOP inválido"}`,
		},
		{
			name: "network error",
			err:  &util.NetworkError{Method: "POST", URL: "http://localhost:8000/api/validar-cfop", Err: errors.New("connection refused")},
			code: http.StatusBadGateway,
		},
		{
			name: "timeout",
			err:  &util.NetworkError{Method: "POST", URL: "http://localhost:8000/api/upload", Timeout: true, Err: context.DeadlineExceeded},
			code: http.StatusGatewayTimeout,
		},
		{
			name: "other",
			err:  errors.New("boom"),
			code: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := senderFunc(func(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
				return nil, tt.err
			})
			srv := newTestServer(t, &fakeLocator{}, sender)

			resp, err := http.Post(srv.URL+"/api/validar-cfop", "application/json", strings.NewReader(`{"cfop":"51"}`))
			require.NoError(t, err)
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			assert.Equal(t, tt.code, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
			if tt.body != "" {
				assert.JSONEq(t, tt.body, string(body))
			} else {
				var payload map[string]string
				require.NoError(t, json.Unmarshal(body, &payload))
				assert.NotEmpty(t, payload["detail"])
			}
		})
	}
}

func TestRequestsCountedPerRoute(t *testing.T) {
	sender := senderFunc(func(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
		if strings.HasPrefix(req.Path, "/api/files") {
			return &gateway.Response{StatusCode: http.StatusOK, Body: []byte(`[]`)}, nil
		}
		return nil, &util.NetworkError{Method: req.Method, URL: req.Path, Err: errors.New("connection refused")}
	})
	srv, m := newInstrumentedServer(t, &fakeLocator{}, sender)

	for _, path := range []string{"/api/files", "/api/files?page=2", "/api/chat", "/healthz", "/nowhere"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
	}

	tests := []struct {
		route  string
		method string
		status string
		want   float64
	}{
		{"/api/*", http.MethodGet, "200", 2},
		{"/api/*", http.MethodGet, "502", 1},
		{"/healthz", http.MethodGet, "200", 1},
		{"unmatched", http.MethodGet, "404", 1},
	}
	for _, tt := range tests {
		t.Run(tt.route+" "+tt.status, func(t *testing.T) {
			got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues(tt.route, tt.method, tt.status))
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, 3, testutil.CollectAndCount(m.HTTPRequestDuration))
}
