package util

import "fmt"

// NetworkError is returned when a request never produced an HTTP response
// (connection refused, DNS failure, no route, timeout).
type NetworkError struct {
	Method  string
	URL     string
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("backend unreachable: %s %s: timeout: %v", e.Method, e.URL, e.Err)
	}
	return fmt.Sprintf("backend unreachable: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// APIError is returned when the backend answered with a non-2xx status.
// Body holds the raw response payload; Detail is the human readable message
// extracted from it, if any.
type APIError struct {
	StatusCode int
	Detail     string
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend rejected request: status %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("backend rejected request: status %d", e.StatusCode)
}

// InvalidCandidateError is returned when a discovery candidate cannot be
// turned into a request at all.
type InvalidCandidateError struct {
	Candidate string
	Err       error
}

func (e *InvalidCandidateError) Error() string {
	return fmt.Sprintf("invalid backend candidate %q: %v", e.Candidate, e.Err)
}

func (e *InvalidCandidateError) Unwrap() error {
	return e.Err
}
