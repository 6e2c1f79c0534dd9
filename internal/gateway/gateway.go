package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fiscalmind/fiscalmind-gateway/internal/metrics"
	"github.com/fiscalmind/fiscalmind-gateway/internal/util"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Gateway issues requests against whatever base URL the resolver currently
// believes in. It is safe for concurrent use.
type Gateway struct {
	resolver Resolver
	doer     Doer
	cfg      *GatewayConfig
}

func NewGateway(resolver Resolver, opts ...GatewayOption) *Gateway {
	var cfg GatewayConfig
	cfg.Options(opts...)
	cfg.Default()

	g := &Gateway{
		resolver: resolver,
		cfg:      &cfg,
	}
	g.doer = Chain(cfg.HTTPClient,
		WithBaseURL(resolver),
		InvalidateOnNetworkError(resolver, cfg.Logger, g.invalidated),
		ClassifyErrors(),
	)
	return g
}

// Send issues req and returns the response with its body fully read.
// Failures are *util.NetworkError (backend unreachable) or *util.APIError
// (backend answered with a non-2xx status).
func (g *Gateway) Send(ctx context.Context, req Request) (*Response, error) {
	timeout := g.cfg.RequestTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.Path, req.Body)
	if err != nil {
		return nil, fmt.Errorf("building request %s %s: %w", method, req.Path, err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	class := Classify(httpReq.URL.Path)
	start := time.Now()

	resp, err := g.doer.Do(httpReq)
	if err != nil {
		g.observe(class, start, err)
		g.cfg.Logger.Debugw("Backend request failed",
			"method", method,
			"path", req.Path,
			"class", class,
			"error", err,
		)
		return nil, err
	}
	defer resp.Body.Close()

	base := ""
	if resp.Request != nil {
		if r, ok := routeFrom(resp.Request.Context()); ok {
			base = r.base
		}
	}

	// already buffered by ClassifyErrors
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	g.observe(class, start, nil)
	g.cfg.Logger.Debugw("Backend request completed",
		"method", method,
		"path", req.Path,
		"base_url", base,
		"status_code", resp.StatusCode,
	)

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		BaseURL:    base,
	}, nil
}

func (g *Gateway) invalidated(base string) {
	g.cfg.Logger.Warnw("Backend unreachable, scheduling rediscovery", "url", base)
}

func (g *Gateway) observe(class PathClass, start time.Time, err error) {
	g.cfg.Metrics.RequestLatency.WithLabelValues(string(class)).Observe(time.Since(start).Seconds())
	g.cfg.Metrics.RequestsTotal.WithLabelValues(string(class), outcome(err)).Inc()
}

func outcome(err error) string {
	var netErr *util.NetworkError
	var apiErr *util.APIError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &apiErr):
		return "api_error"
	case errors.As(err, &netErr):
		if netErr.Timeout {
			return "timeout"
		}
		return "network_error"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

type GatewayConfig struct {
	RequestTimeout time.Duration
	HTTPClient     Doer
	Logger         *zap.SugaredLogger
	Metrics        *metrics.Metrics
}

func (c *GatewayConfig) Options(opts ...GatewayOption) {
	for _, opt := range opts {
		opt.ConfigureGateway(c)
	}
}

func (c *GatewayConfig) Default() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewMetrics(prometheus.NewRegistry())
	}
}

type GatewayOption interface {
	ConfigureGateway(*GatewayConfig)
}

type WithRequestTimeout time.Duration

func (w WithRequestTimeout) ConfigureGateway(c *GatewayConfig) {
	c.RequestTimeout = time.Duration(w)
}

type WithHTTPClient struct {
	Client Doer
}

func (w WithHTTPClient) ConfigureGateway(c *GatewayConfig) {
	c.HTTPClient = w.Client
}

type WithLogger struct {
	Logger *zap.SugaredLogger
}

func (w WithLogger) ConfigureGateway(c *GatewayConfig) {
	c.Logger = w.Logger
}

type WithMetrics struct {
	Metrics *metrics.Metrics
}

func (w WithMetrics) ConfigureGateway(c *GatewayConfig) {
	c.Metrics = w.Metrics
}
