package kintone

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotConnected is returned without network I/O while the connectivity
	// flag is false.
	ErrNotConnected = errors.New("kintone not connected")

	// ErrNotConfigured is returned when subdomain, app id or token is missing.
	ErrNotConfigured = errors.New("kintone not configured")
)

// APIError is a non-2xx response from the REST API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("kintone api error %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("kintone api error %d: %s", e.Status, e.Message)
}

// IsAuthError reports whether err is a rejected credential.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden
}

// isRetryable reports whether a failed request may be sent again. A
// request that is not idempotent is repeated only when the server answered
// that it wrote nothing; a lost response may hide a completed create.
func isRetryable(err error, idempotent bool) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusTooManyRequests, apiErr.Status == http.StatusServiceUnavailable:
			return true
		case apiErr.Status >= 500:
			return idempotent
		default:
			return false
		}
	}
	if errors.Is(err, ErrNotConfigured) {
		return false
	}
	// Transport failures and undecodable responses.
	return idempotent
}
