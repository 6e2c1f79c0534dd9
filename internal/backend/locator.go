package backend

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Locator owns the belief about which base URL the backend answers on.
//
// A discovery run probes the configured URL and then each candidate, one at a
// time and in order, adopting the first that answers GET / with 200. When
// nothing answers, the first candidate is adopted as a fallback, so discovery
// itself never fails.
//
// Concurrent callers that miss the cache share a single discovery run. Runs
// are keyed by cache generation: invalidating the cache bumps the generation,
// so a run started before the invalidation can no longer overwrite the cache
// and new callers start (and share) a fresh one.
type Locator struct {
	cfg        *LocatorConfig
	prober     *Prober
	candidates []Candidate
	fallback   string
	logger     *zap.SugaredLogger

	mu    sync.RWMutex
	state State
	group singleflight.Group
}

func NewLocator(opts ...LocatorOption) *Locator {
	var cfg LocatorConfig
	cfg.Options(opts...)
	cfg.Default()

	candidates := make([]Candidate, 0, len(cfg.CandidateURLs)+1)
	if cfg.ConfiguredURL != "" {
		candidates = append(candidates, Candidate{URL: cfg.ConfiguredURL, Source: SourceConfigured})
	}
	for _, u := range cfg.CandidateURLs {
		candidates = append(candidates, Candidate{URL: u, Source: SourceCandidate})
	}

	return &Locator{
		cfg:        &cfg,
		prober:     NewProber(cfg.HTTPClient, cfg.ProbeTimeout, cfg.Logger, cfg.Metrics),
		candidates: candidates,
		fallback:   cfg.CandidateURLs[0],
		logger:     cfg.Logger,
		state:      State{Source: SourceNone},
	}
}

// Candidates returns the probe order.
func (l *Locator) Candidates() []Candidate {
	return append([]Candidate(nil), l.candidates...)
}

// Default is the base URL used when nothing is cached and resolution must not
// be triggered: the configured URL if any, otherwise the fallback candidate.
func (l *Locator) Default() string {
	if l.cfg.ConfiguredURL != "" {
		return l.cfg.ConfiguredURL
	}
	return l.fallback
}

// Current returns the cached base URL without any network activity.
func (l *Locator) Current() (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.URL, l.state.URL != ""
}

func (l *Locator) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Resolve returns the cached base URL, joining or starting a discovery run on
// a miss. The only error it returns is ctx.Err() when the caller stops
// waiting; the shared run keeps going for everyone else.
func (l *Locator) Resolve(ctx context.Context) (string, error) {
	runCtx := context.WithoutCancel(ctx)
	for {
		l.mu.RLock()
		cached, gen := l.state.URL, l.state.Generation
		l.mu.RUnlock()
		if cached != "" {
			return cached, nil
		}

		ch := l.group.DoChan(strconv.FormatUint(gen, 10), func() (interface{}, error) {
			return l.discover(runCtx, gen)
		})

		select {
		case res := <-ch:
			if errors.Is(res.Err, errSuperseded) {
				continue
			}
			return res.Val.(string), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// ForceRediscovery drops the cached URL, abandons any in-flight run and
// resolves again.
func (l *Locator) ForceRediscovery(ctx context.Context) (string, error) {
	l.mu.Lock()
	l.reset()
	l.mu.Unlock()

	return l.Resolve(ctx)
}

// Invalidate drops the cached URL if it is still failedBase. It reports
// whether the cache was cleared; false means another caller already
// invalidated or replaced it.
func (l *Locator) Invalidate(failedBase string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.URL == "" || l.state.URL != failedBase {
		return false
	}
	l.reset()
	l.cfg.Metrics.CacheInvalidations.Inc()
	l.logger.Infow("Backend URL invalidated after network failure",
		"url", failedBase,
		"generation", l.state.Generation,
	)
	return true
}

// reset must be called with mu held.
func (l *Locator) reset() {
	l.state = State{Source: SourceNone, Generation: l.state.Generation + 1}
}

// errSuperseded means the generation moved on before a run started; the
// caller rejoins under the current one.
var errSuperseded = errors.New("discovery generation superseded")

func (l *Locator) discover(ctx context.Context, gen uint64) (string, error) {
	// Between the caller's cache read and joining the group, a run for this
	// generation may have finished or the cache may have been invalidated.
	l.mu.RLock()
	current, cached := l.state.Generation, l.state.URL
	l.mu.RUnlock()
	if current != gen {
		return "", errSuperseded
	}
	if cached != "" {
		return cached, nil
	}

	start := time.Now()
	l.logger.Debugw("Starting backend discovery",
		"generation", gen,
		"candidates", len(l.candidates),
	)

	adopted := Candidate{URL: l.fallback, Source: SourceFallback}
	for _, candidate := range l.candidates {
		if result := l.prober.Probe(ctx, candidate); result.OK() {
			adopted = candidate
			break
		}
	}

	elapsed := time.Since(start)
	l.cfg.Metrics.DiscoveryRuns.WithLabelValues(string(adopted.Source)).Inc()
	l.cfg.Metrics.DiscoveryDuration.Observe(elapsed.Seconds())

	if adopted.Source == SourceFallback {
		l.logger.Warnw("Backend not detected on any candidate, using fallback",
			"url", adopted.URL,
			"duration", elapsed,
		)
	} else {
		l.logger.Infow("Backend detected",
			"url", adopted.URL,
			"source", adopted.Source,
			"duration", elapsed,
		)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Generation != gen {
		l.logger.Debugw("Discarding superseded discovery result",
			"url", adopted.URL,
			"generation", gen,
			"current_generation", l.state.Generation,
		)
		return adopted.URL, nil
	}
	l.state = State{
		URL:        adopted.URL,
		Source:     adopted.Source,
		ResolvedAt: time.Now(),
		Generation: gen,
	}
	return adopted.URL, nil
}
