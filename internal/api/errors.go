package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sony/gobreaker"

	"github.com/stockfeed/stockfeed/internal/quote"
	"github.com/stockfeed/stockfeed/internal/service"
	"github.com/stockfeed/stockfeed/internal/updater"
)

// Error represents an API error
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewError creates a new API error
func NewError(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Code, e.Message)
}

var (
	// ErrRateLimitExceeded is returned when a caller writes too often
	ErrRateLimitExceeded = NewError(http.StatusTooManyRequests, "rate limit exceeded, try again later")
	// ErrUnauthorized is returned when a write has no caller identity
	ErrUnauthorized = NewError(http.StatusUnauthorized, "missing "+UserHeader+" header")
)

// toError maps domain errors onto HTTP errors
func toError(err error) *Error {
	var apiErr *Error
	var upstream *quote.UpstreamError

	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, service.ErrNotFound), errors.Is(err, quote.ErrNotFound):
		return NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrForbidden):
		return NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrPositionClosed), errors.Is(err, service.ErrConflict),
		errors.Is(err, service.ErrAveragingLimit), errors.Is(err, updater.ErrBusy):
		return NewError(http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrInvalidInput):
		return NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return NewError(http.StatusServiceUnavailable, "quote provider temporarily unavailable")
	case errors.As(err, &upstream):
		return NewError(http.StatusBadGateway, upstream.Error())
	default:
		return NewError(http.StatusInternalServerError, "internal server error")
	}
}
