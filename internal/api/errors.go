// Package api provides the HTTP client for the crdrive backend: the JSON
// envelope codec, the authorized request pipeline with transparent token
// refresh, the unauthenticated auth endpoints, and the file and multipart
// upload endpoints.
package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, api.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("api: bad request")
	ErrUnauthorized = errors.New("api: unauthorized")
	ErrForbidden    = errors.New("api: forbidden")
	ErrNotFound     = errors.New("api: not found")
	ErrConflict     = errors.New("api: conflict")
	ErrTooLarge     = errors.New("api: payload too large")
	ErrThrottled    = errors.New("api: throttled")
	ErrServerError  = errors.New("api: server error")
	ErrRejected     = errors.New("api: request rejected by server")
)

// ErrLoginRequired is returned when a 401 could not be recovered by a
// refresh. The session has been cleared by the time the caller sees it.
var ErrLoginRequired = errors.New("api: login required")

// ErrMissingETag is a protocol error: the storage endpoint accepted a part
// but returned no integrity tag.
var ErrMissingETag = errors.New("api: storage response missing ETag")

// ErrPartUpload is the sentinel for a non-2xx response from the storage
// endpoint during a part PUT.
var ErrPartUpload = errors.New("api: part upload failed")

// APIError wraps a sentinel error with the HTTP status code and the
// envelope code and message returned by the backend.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("api: HTTP %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}

	return fmt.Sprintf("api: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusRequestEntityTooLarge:
		return ErrTooLarge
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		if code >= http.StatusBadRequest {
			return ErrRejected
		}

		return nil
	}
}

// Outcome is the result of a best-effort cleanup action (multipart abort,
// server-side logout). Callers may inspect it but are never required to;
// a failed cleanup never replaces the error that triggered it.
type Outcome struct {
	Op  string
	Err error
}

// OK reports whether the cleanup action succeeded or was not needed.
func (o Outcome) OK() bool {
	return o.Err == nil
}
