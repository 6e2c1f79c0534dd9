package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/fiscalmind/fiscalmind-gateway/internal/metrics"
	"github.com/fiscalmind/fiscalmind-gateway/internal/util"
	"go.uber.org/zap"
)

// Prober performs liveness probes (GET {base}/) against backend candidates.
type Prober struct {
	client  HTTPClient
	timeout time.Duration
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewProber(client HTTPClient, timeout time.Duration, logger *zap.SugaredLogger, m *metrics.Metrics) *Prober {
	return &Prober{
		client:  client,
		timeout: timeout,
		logger:  logger,
		metrics: m,
	}
}

// Probe checks a single candidate. Only HTTP 200 counts as reachable.
func (p *Prober) Probe(ctx context.Context, candidate Candidate) ProbeResult {
	start := time.Now()
	result := p.probe(ctx, candidate)
	result.Latency = time.Since(start)

	p.metrics.ProbesTotal.WithLabelValues(candidate.URL, string(result.Outcome)).Inc()
	p.metrics.ProbeLatency.WithLabelValues(candidate.URL).Observe(result.Latency.Seconds())

	switch result.Outcome {
	case OutcomeReachable:
		p.logger.Debugw("Backend candidate reachable",
			"candidate", candidate.URL,
			"latency", result.Latency,
		)
	case OutcomeInvalid:
		p.logger.Errorw("Backend candidate is not a valid URL",
			"candidate", candidate.URL,
			"error", result.Err,
		)
	default:
		p.logger.Debugw("Backend candidate not available",
			"candidate", candidate.URL,
			"outcome", result.Outcome,
			"status_code", result.StatusCode,
			"error", result.Err,
		)
	}

	return result
}

func (p *Prober) probe(ctx context.Context, candidate Candidate) ProbeResult {
	result := ProbeResult{Candidate: candidate}

	if err := validateBase(candidate.URL); err != nil {
		result.Outcome = OutcomeInvalid
		result.Err = &util.InvalidCandidateError{Candidate: candidate.URL, Err: err}
		return result
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, candidate.URL+"/", nil)
	if err != nil {
		result.Outcome = OutcomeInvalid
		result.Err = &util.InvalidCandidateError{Candidate: candidate.URL, Err: err}
		return result
	}

	resp, err := p.client.Do(req)
	if err != nil {
		result.Err = err
		if IsTimeout(err) || errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			result.Outcome = OutcomeTimeout
		} else {
			result.Outcome = OutcomeUnreachable
		}
		return result
	}
	defer func(Body io.ReadCloser) {
		_, _ = io.Copy(io.Discard, Body)
		_ = Body.Close()
	}(resp.Body)

	result.StatusCode = resp.StatusCode
	if resp.StatusCode == http.StatusOK {
		result.Outcome = OutcomeReachable
	} else {
		result.Outcome = OutcomeUnhealthy
		result.Err = fmt.Errorf("liveness probe returned status %d", resp.StatusCode)
	}
	return result
}

func validateBase(base string) error {
	u, err := url.Parse(base)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

// IsTimeout reports whether err is a timeout, either from a deadline or from
// the network layer.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
