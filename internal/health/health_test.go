package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fiscalmind/fiscalmind-gateway/internal/backend"
	"github.com/fiscalmind/fiscalmind-gateway/internal/gateway"
	"github.com/fiscalmind/fiscalmind-gateway/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type staticState backend.State

func (s *staticState) State() backend.State {
	return backend.State(*s)
}

type senderFunc func(ctx context.Context, req gateway.Request) (*gateway.Response, error)

func (f senderFunc) Send(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	return f(ctx, req)
}

func okSender(t *testing.T) gateway.Sender {
	return senderFunc(func(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
		assert.Equal(t, "/", req.Path)
		return &gateway.Response{StatusCode: http.StatusOK}, nil
	})
}

func TestLiveness(t *testing.T) {
	hc := NewHealthChecker(&staticState{}, okSender(t), zap.NewNop().Sugar())

	rec := httptest.NewRecorder()
	hc.Liveness(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestReadiness(t *testing.T) {
	failing := senderFunc(func(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
		return nil, &util.NetworkError{Method: req.Method, URL: req.Path, Err: errors.New("connection refused")}
	})

	tests := []struct {
		name   string
		ready  bool
		state  backend.State
		sender gateway.Sender
		code   int
		body   string
	}{
		{
			name:   "not marked ready",
			state:  backend.State{URL: "http://localhost:8000", Source: backend.SourceCandidate},
			sender: okSender(t),
			code:   http.StatusServiceUnavailable,
			body:   "Not ready",
		},
		{
			name:   "discovery pending",
			ready:  true,
			state:  backend.State{Source: backend.SourceNone},
			sender: okSender(t),
			code:   http.StatusServiceUnavailable,
			body:   "Backend discovery pending",
		},
		{
			name:   "fallback",
			ready:  true,
			state:  backend.State{URL: "http://localhost:8000", Source: backend.SourceFallback},
			sender: okSender(t),
			code:   http.StatusServiceUnavailable,
			body:   "Backend not discovered, using fallback http://localhost:8000",
		},
		{
			name:   "backend down",
			ready:  true,
			state:  backend.State{URL: "http://localhost:8001", Source: backend.SourceCandidate},
			sender: failing,
			code:   http.StatusServiceUnavailable,
			body:   "Backend not accessible",
		},
		{
			name:   "ready",
			ready:  true,
			state:  backend.State{URL: "http://fiscal:9000", Source: backend.SourceConfigured},
			sender: okSender(t),
			code:   http.StatusOK,
			body:   "Ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := staticState(tt.state)
			hc := NewHealthChecker(&state, tt.sender, zap.NewNop().Sugar())
			hc.SetReady(tt.ready)

			rec := httptest.NewRecorder()
			hc.Readiness(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.body, rec.Body.String())
		})
	}
}

func TestGRPCReporter(t *testing.T) {
	state := staticState{Source: backend.SourceNone}
	reporter := NewGRPCReporter(&state, 0, zap.NewNop().Sugar())

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, reporter.Server())
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
		require.NoError(t, err)
		return resp.Status
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, reporter.Update())
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	state = staticState{URL: "http://localhost:8001", Source: backend.SourceCandidate}
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, reporter.Update())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	state = staticState{URL: "http://localhost:8000", Source: backend.SourceFallback}
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, reporter.Update())
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
}
