package fiscal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/fiscalmind/fiscalmind-gateway/internal/gateway"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxUploadSize = 10 << 20
	DefaultUploadTimeout = 30 * time.Second
	DefaultListTimeout   = 5 * time.Second

	defaultAnswer = "Consulta processada com sucesso."
)

var (
	ErrFileTooLarge   = errors.New("file exceeds the upload size limit")
	ErrEmptyCode      = errors.New("code must not be empty")
	ErrEmptyQuery     = errors.New("query must not be empty")
	ErrNoFileEndpoint = errors.New("backend exposes no file listing endpoint")
)

// FileEndpoints are tried in order when listing uploaded files.
var FileEndpoints = []string{"/api/files", "/api/csv/files", "/files"}

// Client is the typed FiscalMind API. Every call goes through the gateway;
// the client never sees a base URL.
type Client struct {
	sender gateway.Sender
	cfg    *ClientConfig
}

func NewClient(sender gateway.Sender, opts ...ClientOption) *Client {
	var cfg ClientConfig
	cfg.Options(opts...)
	cfg.Default()

	return &Client{
		sender: sender,
		cfg:    &cfg,
	}
}

// ValidateCFOP asks the backend to validate a CFOP code. An invalid code is a
// normal result (Valido=false); a malformed one is usually a 422 APIError.
func (c *Client) ValidateCFOP(ctx context.Context, code string) (*CFOPResult, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrEmptyCode
	}

	var result CFOPResult
	if err := c.postJSON(ctx, "/api/validar-cfop", map[string]string{"cfop": code}, &result); err != nil {
		return nil, err
	}
	if result.CFOP == "" {
		result.CFOP = code
	}
	return &result, nil
}

func (c *Client) ValidateNCM(ctx context.Context, code string) (*NCMResult, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrEmptyCode
	}

	var result NCMResult
	if err := c.postJSON(ctx, "/api/validar-ncm", map[string]string{"ncm": code}, &result); err != nil {
		return nil, err
	}
	if result.NCM == "" {
		result.NCM = code
	}
	return &result, nil
}

// ConsultTaxation sends a free-form question to the tax advisory service,
// optionally scoped to a previously uploaded file.
func (c *Client) ConsultTaxation(ctx context.Context, query, fileID string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrEmptyQuery
	}

	payload := TaxQuery{Query: query}
	if fileID != "" {
		payload.Context = &QueryContext{FileID: fileID}
	}

	var answer TaxAnswer
	if err := c.postJSON(ctx, "/api/consultar-tributacao", payload, &answer); err != nil {
		return "", err
	}

	switch {
	case answer.Resposta != "":
		return answer.Resposta, nil
	case answer.Response != "":
		return answer.Response, nil
	default:
		return defaultAnswer, nil
	}
}

// Upload sends a spreadsheet as multipart field "file".
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (*UploadResult, error) {
	data, err := io.ReadAll(io.LimitReader(r, c.cfg.MaxUploadSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	if int64(len(data)) > c.cfg.MaxUploadSize {
		return nil, fmt.Errorf("%s: %w (%d bytes max)", name, ErrFileTooLarge, c.cfg.MaxUploadSize)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(name))
	if err != nil {
		return nil, fmt.Errorf("creating multipart body: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("writing multipart body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart body: %w", err)
	}

	c.cfg.Logger.Infow("Uploading file",
		"filename", filepath.Base(name),
		"size", len(data),
	)

	resp, err := c.sender.Send(ctx, gateway.Request{
		Method:  http.MethodPost,
		Path:    "/api/upload",
		Body:    &body,
		Header:  http.Header{"Content-Type": []string{writer.FormDataContentType()}},
		Timeout: c.cfg.UploadTimeout,
	})
	if err != nil {
		return nil, err
	}

	var result UploadResult
	if err := resp.Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding upload response: %w", err)
	}
	if result.FileID == "" {
		result.FileID = fmt.Sprintf("upload-%d", c.cfg.Now().UnixMilli())
	}
	if result.Filename == "" {
		result.Filename = filepath.Base(name)
	}
	return &result, nil
}

// ListFiles returns the backend's file list from the first endpoint that
// answers with a JSON array, either bare or under "files".
func (c *Client) ListFiles(ctx context.Context) ([]FileInfo, error) {
	for _, endpoint := range FileEndpoints {
		resp, err := c.sender.Send(ctx, gateway.Request{
			Method:  http.MethodGet,
			Path:    endpoint,
			Timeout: c.cfg.ListTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.cfg.Logger.Debugw("File endpoint not available",
				"endpoint", endpoint,
				"error", err,
			)
			continue
		}

		files, ok := decodeFileList(resp.Body)
		if !ok {
			c.cfg.Logger.Debugw("File endpoint returned unexpected payload", "endpoint", endpoint)
			continue
		}
		c.cfg.Logger.Debugw("Files listed",
			"endpoint", endpoint,
			"count", len(files),
		)
		return files, nil
	}
	return nil, ErrNoFileEndpoint
}

func decodeFileList(body []byte) ([]FileInfo, bool) {
	var files []FileInfo
	if err := json.Unmarshal(body, &files); err == nil && files != nil {
		return files, true
	}

	var wrapped struct {
		Files []FileInfo `json:"files"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Files != nil {
		return wrapped.Files, true
	}
	return nil, false
}

// Health calls the liveness endpoint. It never triggers backend discovery.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	resp, err := c.sender.Send(ctx, gateway.Request{Method: http.MethodGet, Path: "/health"})
	if err != nil {
		return nil, err
	}

	var status HealthStatus
	if err := resp.Decode(&status); err != nil || status.Status == "" {
		status.Status = "healthy"
	}
	return &status, nil
}

// Metrics aggregates the file list and backend health. Failures degrade the
// result (no files, Offline) instead of failing the call.
func (c *Client) Metrics(ctx context.Context) (*Metrics, error) {
	var (
		files  []FileInfo
		health *HealthStatus
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		list, err := c.ListFiles(gctx)
		if err != nil {
			c.cfg.Logger.Debugw("Metrics: file list unavailable", "error", err)
			return nil
		}
		files = list
		return nil
	})
	g.Go(func() error {
		h, err := c.Health(gctx)
		if err != nil {
			c.cfg.Logger.Debugw("Metrics: health unavailable", "error", err)
			return nil
		}
		health = h
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m := &Metrics{
		TotalFiles:  len(files),
		Status:      "Offline",
		LastUpdated: c.cfg.Now(),
	}
	for _, f := range files {
		m.TotalRows += f.Rows
		m.TotalColumns += f.Columns
	}
	if health != nil {
		if health.Healthy() {
			m.Status = "Online"
		}
		m.BackendVersion = health.Version
	}
	return m, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request for %s: %w", path, err)
	}

	resp, err := c.sender.Send(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   path,
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return err
	}
	if err := resp.Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}
	return nil
}

type ClientConfig struct {
	MaxUploadSize int64
	UploadTimeout time.Duration
	ListTimeout   time.Duration
	Now           func() time.Time
	Logger        *zap.SugaredLogger
}

func (c *ClientConfig) Options(opts ...ClientOption) {
	for _, opt := range opts {
		opt.ConfigureClient(c)
	}
}

func (c *ClientConfig) Default() {
	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = DefaultMaxUploadSize
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = DefaultUploadTimeout
	}
	if c.ListTimeout <= 0 {
		c.ListTimeout = DefaultListTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
}

type ClientOption interface {
	ConfigureClient(*ClientConfig)
}

type WithMaxUploadSize int64

func (w WithMaxUploadSize) ConfigureClient(c *ClientConfig) {
	c.MaxUploadSize = int64(w)
}

type WithUploadTimeout time.Duration

func (w WithUploadTimeout) ConfigureClient(c *ClientConfig) {
	c.UploadTimeout = time.Duration(w)
}

type WithListTimeout time.Duration

func (w WithListTimeout) ConfigureClient(c *ClientConfig) {
	c.ListTimeout = time.Duration(w)
}

type WithClock func() time.Time

func (w WithClock) ConfigureClient(c *ClientConfig) {
	c.Now = w
}

type WithLogger struct {
	Logger *zap.SugaredLogger
}

func (w WithLogger) ConfigureClient(c *ClientConfig) {
	c.Logger = w.Logger
}
