package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/fiscalmind/fiscalmind-gateway/internal/backend"
	"github.com/fiscalmind/fiscalmind-gateway/internal/util"
	"go.uber.org/zap"
)

// Doer executes a single HTTP request; *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

type DoerFunc func(*http.Request) (*http.Response, error)

func (f DoerFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Stage decorates a Doer.
type Stage func(Doer) Doer

// Chain wraps d so that stages[0] runs first.
func Chain(d Doer, stages ...Stage) Doer {
	for i := len(stages) - 1; i >= 0; i-- {
		d = stages[i](d)
	}
	return d
}

type routeKey struct{}

type route struct {
	base  string
	class PathClass
}

func routeFrom(ctx context.Context) (route, bool) {
	r, ok := ctx.Value(routeKey{}).(route)
	return r, ok
}

// WithBaseURL turns a request carrying only a path into an absolute one.
// Liveness paths use the cached URL, or the locator default, without
// resolving; everything else waits for resolution. Running out of time while
// waiting is a timeout *util.NetworkError; cancellation is returned as is.
func WithBaseURL(resolver Resolver) Stage {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			class := Classify(req.URL.Path)

			var base string
			if class == ClassLiveness {
				if cached, ok := resolver.Current(); ok {
					base = cached
				} else {
					base = resolver.Default()
				}
			} else {
				resolved, err := resolver.Resolve(req.Context())
				if err != nil {
					if errors.Is(err, context.DeadlineExceeded) {
						return nil, &util.NetworkError{
							Method:  req.Method,
							URL:     req.URL.String(),
							Timeout: true,
							Err:     err,
						}
					}
					return nil, err
				}
				base = resolved
			}

			target, err := url.Parse(base + req.URL.RequestURI())
			if err != nil {
				return nil, &util.InvalidCandidateError{Candidate: base, Err: err}
			}

			ctx := context.WithValue(req.Context(), routeKey{}, route{base: base, class: class})
			out := req.Clone(ctx)
			out.URL = target
			out.Host = target.Host
			return next.Do(out)
		})
	}
}

// InvalidateOnNetworkError drops the resolved URL when an ordinary request
// could not reach it, and starts a background rediscovery so the next call
// gets a fresh URL. The failed call is not retried.
func InvalidateOnNetworkError(resolver Resolver, logger *zap.SugaredLogger, onInvalidate func(base string)) Stage {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			resp, err := next.Do(req)

			var netErr *util.NetworkError
			if err == nil || !errors.As(err, &netErr) || netErr.Timeout {
				return resp, err
			}
			r, ok := routeFrom(req.Context())
			if !ok || r.class == ClassLiveness {
				return resp, err
			}

			if resolver.Invalidate(r.base) {
				if onInvalidate != nil {
					onInvalidate(r.base)
				}
			}
			go func() {
				fresh, rerr := resolver.Resolve(context.Background())
				if rerr != nil {
					logger.Warnw("Backend rediscovery failed", "error", rerr)
					return
				}
				logger.Infow("Backend rediscovered after network failure",
					"failed_url", r.base,
					"url", fresh,
				)
			}()

			return resp, err
		})
	}
}

// ClassifyErrors maps transport failures to *util.NetworkError and non-2xx
// responses to *util.APIError. Successful bodies are read in full before
// returning. A caller cancelling its own context is
// returned as is.
func ClassifyErrors() Stage {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			resp, err := next.Do(req)
			if err != nil {
				if errors.Is(err, context.Canceled) && req.Context().Err() != nil {
					return nil, err
				}
				return nil, &util.NetworkError{
					Method:  req.Method,
					URL:     req.URL.String(),
					Timeout: backend.IsTimeout(err),
					Err:     err,
				}
			}

			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				// A connection dropped mid-body has to surface here so
				// InvalidateOnNetworkError sees it.
				body, rerr := io.ReadAll(resp.Body)
				resp.Body.Close()
				if rerr != nil {
					if errors.Is(rerr, context.Canceled) && req.Context().Err() != nil {
						return nil, rerr
					}
					return nil, &util.NetworkError{
						Method:  req.Method,
						URL:     req.URL.String(),
						Timeout: backend.IsTimeout(rerr),
						Err:     rerr,
					}
				}
				resp.Body = io.NopCloser(bytes.NewReader(body))
				return resp, nil
			}

			defer resp.Body.Close()
			body, rerr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			if rerr != nil {
				return nil, &util.NetworkError{Method: req.Method, URL: req.URL.String(), Err: rerr}
			}
			return nil, &util.APIError{
				StatusCode: resp.StatusCode,
				Detail:     ExtractDetail(body),
				Body:       body,
			}
		})
	}
}

// ExtractDetail pulls the user facing message out of an error body, looking
// at "detail", then "error", then "message". A bare string "detail" is the
// common case; anything else is rendered as compact JSON.
func ExtractDetail(body []byte) string {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.TrimSpace(string(body))
	}
	for _, key := range []string{"detail", "error", "message"} {
		raw, ok := payload[key]
		if !ok || string(raw) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s != "" {
				return s
			}
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err == nil {
			return buf.String()
		}
	}
	return ""
}
