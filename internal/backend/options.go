package backend

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fiscalmind/fiscalmind-gateway/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// HTTPClient is the subset of *http.Client used for probing.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

type LocatorConfig struct {
	// ConfiguredURL is tried before any candidate when non-empty.
	ConfiguredURL string
	// CandidateURLs are probed in order after ConfiguredURL. The first one
	// doubles as the fallback when nothing answers.
	CandidateURLs []string
	ProbeTimeout  time.Duration
	HTTPClient    HTTPClient
	Logger        *zap.SugaredLogger
	Metrics       *metrics.Metrics
}

func (c *LocatorConfig) Options(opts ...LocatorOption) {
	for _, opt := range opts {
		opt.ConfigureLocator(c)
	}
}

func (c *LocatorConfig) Default() {
	c.ConfiguredURL = normalizeBase(c.ConfiguredURL)
	if len(c.CandidateURLs) == 0 {
		c.CandidateURLs = PortCandidates(DefaultHost, DefaultPorts)
	}
	for i, u := range c.CandidateURLs {
		c.CandidateURLs[i] = normalizeBase(u)
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
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

type LocatorOption interface {
	ConfigureLocator(*LocatorConfig)
}

type WithConfiguredURL string

func (w WithConfiguredURL) ConfigureLocator(c *LocatorConfig) {
	c.ConfiguredURL = string(w)
}

type WithCandidateURLs []string

func (w WithCandidateURLs) ConfigureLocator(c *LocatorConfig) {
	c.CandidateURLs = append([]string(nil), w...)
}

type WithProbeTimeout time.Duration

func (w WithProbeTimeout) ConfigureLocator(c *LocatorConfig) {
	c.ProbeTimeout = time.Duration(w)
}

type WithHTTPClient struct {
	Client HTTPClient
}

func (w WithHTTPClient) ConfigureLocator(c *LocatorConfig) {
	c.HTTPClient = w.Client
}

type WithLogger struct {
	Logger *zap.SugaredLogger
}

func (w WithLogger) ConfigureLocator(c *LocatorConfig) {
	c.Logger = w.Logger
}

type WithMetrics struct {
	Metrics *metrics.Metrics
}

func (w WithMetrics) ConfigureLocator(c *LocatorConfig) {
	c.Metrics = w.Metrics
}

// PortCandidates builds http://host:port URLs in the given order.
func PortCandidates(host string, ports []int) []string {
	urls := make([]string, 0, len(ports))
	for _, port := range ports {
		urls = append(urls, fmt.Sprintf("http://%s:%d", host, port))
	}
	return urls
}

func normalizeBase(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}
