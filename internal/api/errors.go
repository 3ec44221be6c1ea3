package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// APIError is returned for any non-2xx response from the device service.
// It supports errors.Is matching by status code and errors.As extraction.
type APIError struct {
	StatusCode int
	Message    string
}

// Error returns the formatted error string.
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("api: HTTP %d: %s", e.StatusCode, e.Message)
}

// Is supports errors.Is matching by status code.
// ErrServer (500) matches any 5xx status code.
// All other sentinels require an exact status code match.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	if t.StatusCode == http.StatusInternalServerError && e.StatusCode >= 500 && e.StatusCode < 600 {
		return true
	}
	return e.StatusCode == t.StatusCode
}

// Sentinel errors for the status codes the device service uses.
var (
	ErrBadRequest   = &APIError{StatusCode: http.StatusBadRequest, Message: "bad request"}
	ErrUnauthorized = &APIError{StatusCode: http.StatusUnauthorized, Message: "unauthorized"}
	ErrForbidden    = &APIError{StatusCode: http.StatusForbidden, Message: "forbidden"}
	ErrNotFound     = &APIError{StatusCode: http.StatusNotFound, Message: "not found"}
	ErrConflict     = &APIError{StatusCode: http.StatusConflict, Message: "conflict"}
	ErrRateLimit    = &APIError{StatusCode: http.StatusTooManyRequests, Message: "rate limit exceeded"}
	ErrServer       = &APIError{StatusCode: http.StatusInternalServerError, Message: "server error"}
)

// IsPermanent reports whether retrying the request cannot succeed without
// operator action: the device is unknown or access is denied.
// Unauthorized is not permanent since the token may be rotated.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrForbidden) || errors.Is(err, ErrNotFound)
}

// maxErrorBody is the maximum number of bytes read from an error response body.
const maxErrorBody = 4096

// errorFromResponse creates an *APIError from an HTTP response.
func errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
	}
}
