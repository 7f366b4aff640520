package domain

import (
	"errors"
	"net/http"
)

// Common domain errors
var (
	ErrInputInvalid        = errors.New("invalid input")
	ErrUnparseable         = errors.New("unparseable domain")
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrStoreUnavailable    = errors.New("domain store unavailable")
	ErrRateExceeded        = errors.New("rate limit exceeded")
	ErrUpstreamUnreachable = errors.New("upstream service unreachable")
	ErrConfigInvalid       = errors.New("invalid configuration")
)

// Machine-readable error codes carried in ErrorResponse.
const (
	CodeInvalidInput = "INVALID_INPUT"
	CodeForbidden    = "FORBIDDEN"
	CodeRateLimited  = "RATE_LIMITED"
	CodeStoreFailed  = "STORE_UNAVAILABLE"
	CodeUpstream     = "UPSTREAM_FAILED"
	CodeInternal     = "INTERNAL"
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewInputError reports a caller mistake such as a missing domain field.
func NewInputError(message string) *DomainError {
	return &DomainError{Err: ErrInputInvalid, Code: CodeInvalidInput, Message: message}
}

// ErrorResponse defines the standard JSON error model returned by admin and data APIs.
// It intentionally avoids exposing sensitive details while providing a stable machine-readable code.
// TraceID should carry the current OpenTelemetry trace identifier when available to aid diagnostics.
type ErrorResponse struct {
	Code    string `json:"code"`               // Machine-readable error code (e.g., INVALID_INPUT)
	Message string `json:"message"`            // Human-readable message (safe for logs)
	TraceID string `json:"trace_id,omitempty"` // Optional trace/correlation ID
}

// HTTPStatus maps an error from any layer to the response status the gateway returns.
// Rate limiting is always 429 and never escalates to a 5xx.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrRateExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrInputInvalid), errors.Is(err, ErrUnparseable):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthorizationDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrUpstreamUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode returns the ErrorResponse code for err.
func ErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) && de.Code != "" {
		return de.Code
	}
	switch {
	case errors.Is(err, ErrRateExceeded):
		return CodeRateLimited
	case errors.Is(err, ErrInputInvalid), errors.Is(err, ErrUnparseable):
		return CodeInvalidInput
	case errors.Is(err, ErrAuthorizationDenied):
		return CodeForbidden
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreFailed
	case errors.Is(err, ErrUpstreamUnreachable):
		return CodeUpstream
	default:
		return CodeInternal
	}
}
