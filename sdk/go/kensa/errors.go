// Package kensa provides a Go client for the kensa media verification API.
package kensa

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a request the server rejected before running the
// pipeline, with the HTTP status code and the server's error message.
// Analysis outcomes, including failed runs, are returned as an
// AnalyzeResult instead.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("kensa: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return hasStatus(err, http.StatusTooManyRequests) }

// IsOverloaded returns true when every run slot was taken (503). The
// request is safe to retry after a short delay.
func IsOverloaded(err error) bool { return hasStatus(err, http.StatusServiceUnavailable) }

// IsTooLarge returns true if the upload exceeded the server limit (413).
func IsTooLarge(err error) bool { return hasStatus(err, http.StatusRequestEntityTooLarge) }

func hasStatus(err error, status int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == status
	}
	return false
}
