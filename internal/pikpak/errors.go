// Package pikpak provides an HTTP client for the PikPak drive API with
// password-grant authentication, automatic retry, request pacing, and
// error classification.
package pikpak

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, pikpak.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("pikpak: bad request")
	ErrUnauthorized = errors.New("pikpak: unauthorized")
	ErrForbidden    = errors.New("pikpak: forbidden")
	ErrNotFound     = errors.New("pikpak: not found")
	ErrThrottled    = errors.New("pikpak: throttled")
	ErrServerError  = errors.New("pikpak: server error")
)

// Domain sentinel errors surfaced by the higher-level drive operations.
var (
	ErrInvalidShareURL = errors.New("pikpak: not a share URL")
	ErrShareNotOK      = errors.New("pikpak: share not available")
	ErrShareEmpty      = errors.New("pikpak: share has no files")
	ErrFileNotFound    = errors.New("pikpak: file not found")
	ErrNoDownloadURL   = errors.New("pikpak: no download URL")
)

// APIError wraps a sentinel error with the HTTP status code and the PikPak
// error body fields for debugging.
type APIError struct {
	StatusCode int
	Code       int    // PikPak numeric error_code
	Reason     string // PikPak short error name
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("pikpak: HTTP %d (%s, code %d): %s", e.StatusCode, e.Reason, e.Code, e.Message)
	}

	return fmt.Sprintf("pikpak: HTTP %d: %s", e.StatusCode, e.Message)
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
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
