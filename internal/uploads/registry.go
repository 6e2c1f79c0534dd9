package uploads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/fiscalmind/fiscalmind-gateway/internal/fiscal"
	"github.com/fiscalmind/fiscalmind-gateway/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Store persists the list of files uploaded from this machine (or team).
type Store interface {
	Name() string
	List(ctx context.Context) ([]fiscal.FileInfo, error)
	// Update applies fn to the current list and stores the result. Shared
	// stores only commit if nobody else wrote the list since it was read,
	// and run fn again against the newer list otherwise.
	Update(ctx context.Context, fn UpdateFunc) error
	Clear(ctx context.Context) error
}

type UpdateFunc func(files []fiscal.FileInfo) ([]fiscal.FileInfo, error)

// ErrConflict is returned when an update kept losing to concurrent writers.
var ErrConflict = errors.New("upload list changed concurrently too many times")

// Contended updates back off with jitter, the window doubling per attempt
// up to retryBackoff << maxBackoffShift.
var (
	maxUpdateAttempts = 50
	retryBackoff      = 2 * time.Millisecond
	maxBackoffShift   = 5
)

// Registry is the upload list cache. Entries are unique by FileID; recording
// an existing ID replaces it and moves it to the end.
type Registry struct {
	store   Store
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	var cfg RegistryConfig
	cfg.Options(opts...)
	cfg.Default()

	return &Registry{
		store:   store,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

func (r *Registry) Record(ctx context.Context, info fiscal.FileInfo) error {
	err := r.store.Update(ctx, func(files []fiscal.FileInfo) ([]fiscal.FileInfo, error) {
		return upsert(files, info), nil
	})
	if err != nil {
		r.metrics.UploadStoreErrors.WithLabelValues(r.store.Name(), "update").Inc()
		return fmt.Errorf("recording upload: %w", err)
	}

	r.logger.Debugw("Upload recorded",
		"store", r.store.Name(),
		"file_id", info.FileID,
		"filename", info.Filename,
	)
	return nil
}

func upsert(files []fiscal.FileInfo, info fiscal.FileInfo) []fiscal.FileInfo {
	updated := make([]fiscal.FileInfo, 0, len(files)+1)
	for _, f := range files {
		if f.FileID != info.FileID {
			updated = append(updated, f)
		}
	}
	return append(updated, info)
}

// retry calls attempt until it commits, fails, or maxUpdateAttempts is
// reached. attempt reports false when it lost a race.
func retry(ctx context.Context, attempt func() (bool, error)) error {
	for i := 0; i < maxUpdateAttempts; i++ {
		committed, err := attempt()
		if err != nil || committed {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(i)):
		}
	}
	return ErrConflict
}

func backoff(attempt int) time.Duration {
	window := int64(retryBackoff << min(attempt, maxBackoffShift))
	if window <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(window))
}

func (r *Registry) List(ctx context.Context) ([]fiscal.FileInfo, error) {
	files, err := r.store.List(ctx)
	if err != nil {
		r.metrics.UploadStoreErrors.WithLabelValues(r.store.Name(), "list").Inc()
		return nil, fmt.Errorf("loading upload list: %w", err)
	}
	return files, nil
}

func (r *Registry) Clear(ctx context.Context) error {
	if err := r.store.Clear(ctx); err != nil {
		r.metrics.UploadStoreErrors.WithLabelValues(r.store.Name(), "clear").Inc()
		return fmt.Errorf("clearing upload list: %w", err)
	}
	r.logger.Infow("Upload list cleared", "store", r.store.Name())
	return nil
}

// Merge returns remote followed by the local entries the remote list does
// not already contain.
func Merge(remote, local []fiscal.FileInfo) []fiscal.FileInfo {
	seen := make(map[string]struct{}, len(remote))
	merged := make([]fiscal.FileInfo, 0, len(remote)+len(local))
	for _, f := range remote {
		seen[f.FileID] = struct{}{}
		merged = append(merged, f)
	}
	for _, f := range local {
		if _, ok := seen[f.FileID]; ok {
			continue
		}
		seen[f.FileID] = struct{}{}
		merged = append(merged, f)
	}
	return merged
}

func encodeList(files []fiscal.FileInfo) ([]byte, error) {
	if files == nil {
		files = []fiscal.FileInfo{}
	}
	return json.Marshal(files)
}

func decodeList(data []byte) ([]fiscal.FileInfo, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var files []fiscal.FileInfo
	if err := json.Unmarshal(data, &files); err != nil {
		return nil, fmt.Errorf("decoding upload list: %w", err)
	}
	return files, nil
}

type RegistryConfig struct {
	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
}

func (c *RegistryConfig) Options(opts ...RegistryOption) {
	for _, opt := range opts {
		opt.ConfigureRegistry(c)
	}
}

func (c *RegistryConfig) Default() {
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewMetrics(prometheus.NewRegistry())
	}
}

type RegistryOption interface {
	ConfigureRegistry(*RegistryConfig)
}

type WithLogger struct {
	Logger *zap.SugaredLogger
}

func (w WithLogger) ConfigureRegistry(c *RegistryConfig) {
	c.Logger = w.Logger
}

type WithMetrics struct {
	Metrics *metrics.Metrics
}

func (w WithMetrics) ConfigureRegistry(c *RegistryConfig) {
	c.Metrics = w.Metrics
}
