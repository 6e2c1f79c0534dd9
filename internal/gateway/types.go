package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	// maxErrorBody bounds how much of a non-2xx body is kept on APIError.
	maxErrorBody = 1 << 20
)

// Request is an outbound call relative to the backend base URL.
type Request struct {
	Method string
	// Path may carry a query string, e.g. "/api/files?limit=10".
	Path   string
	Body   io.Reader
	Header http.Header
	// Timeout overrides the gateway default when positive.
	Timeout time.Duration
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// BaseURL is the backend base the request was sent to.
	BaseURL string
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// Sender is the only capability handed to consumers of the backend.
type Sender interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// Resolver is the view of the backend locator the gateway needs.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
	Current() (string, bool)
	Default() string
	Invalidate(failedBase string) bool
}

// PathClass separates liveness probes from ordinary traffic.
type PathClass string

const (
	ClassLiveness PathClass = "liveness"
	ClassOrdinary PathClass = "ordinary"
)

// Classify reports whether path is a liveness probe ("/", "/health" and
// anything below "/health/"). Liveness traffic never triggers discovery.
func Classify(path string) PathClass {
	switch {
	case path == "" || path == "/":
		return ClassLiveness
	case path == "/health" || len(path) > len("/health/") && path[:len("/health/")] == "/health/":
		return ClassLiveness
	default:
		return ClassOrdinary
	}
}
