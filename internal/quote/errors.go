package quote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned when the upstream has no price for a ticker
var ErrNotFound = errors.New("quote not found")

// UpstreamError carries a non-success result code reported by the quote
// provider. Status is the HTTP status of the response that carried it.
type UpstreamError struct {
	Code    string
	Message string
	Status  int
}

// Error implements the error interface
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error %s: %s", e.Code, e.Message)
}

// tokenError marks a failure to obtain an access token
type tokenError struct {
	err error
}

func (e *tokenError) Error() string { return "access token unavailable: " + e.err.Error() }

func (e *tokenError) Unwrap() error { return e.err }

// isOutage reports whether err means the provider itself is failing, as
// opposed to rejecting one ticker. Only outages count against the breaker.
func isOutage(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var te *tokenError
	if errors.As(err, &te) {
		return true
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Status == http.StatusTooManyRequests || ue.Status >= http.StatusInternalServerError
	}
	// transport failures
	return true
}

// IsUpstream reports whether err is (or wraps) an UpstreamError
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
