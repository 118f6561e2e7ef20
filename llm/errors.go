package llm

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// DefaultRetryAfter is the wait suggested for a rate limited call when the
// provider gives no hint.
const DefaultRetryAfter = 5 * time.Second

// ErrorType is the category of a model call failure.
type ErrorType string

const (
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeRequestTooLarge ErrorType = "request_too_large"
	ErrorTypeInvalidRequest  ErrorType = "invalid_request"
	ErrorTypeAuthentication  ErrorType = "authentication"
	ErrorTypeProvider        ErrorType = "provider"
	ErrorTypeNetwork         ErrorType = "network"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeMalformed       ErrorType = "malformed_response"
	ErrorTypeUnknown         ErrorType = "unknown"
)

// Error is a model call failure in provider-neutral form. ProviderErr keeps
// the SDK's original error for logs and errors.As.
type Error struct {
	Type        ErrorType
	Message     string
	Retryable   bool
	RetryAfter  *time.Duration
	StatusCode  int
	ProviderErr error
}

func (e *Error) Error() string {
	if e.ProviderErr != nil {
		return e.Message + ": " + e.ProviderErr.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.ProviderErr
}

// FromStatus maps an upstream HTTP status to an Error. provider prefixes the
// message; detail is the upstream's own explanation and may be empty.
func FromStatus(provider string, status int, detail string, providerErr error) *Error {
	e := &Error{StatusCode: status, ProviderErr: providerErr}
	switch {
	case status == http.StatusTooManyRequests:
		retryAfter := DefaultRetryAfter
		e.Type, e.Retryable, e.RetryAfter = ErrorTypeRateLimit, true, &retryAfter
		e.Message = provider + " rate limit"
	case status == http.StatusRequestEntityTooLarge:
		e.Type, e.Retryable = ErrorTypeRequestTooLarge, true
		e.Message = provider + " request too large"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Type = ErrorTypeAuthentication
		e.Message = provider + " rejected the credentials"
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e.Type, e.Retryable = ErrorTypeTimeout, true
		e.Message = provider + " upstream timeout"
	case status >= http.StatusInternalServerError:
		e.Type, e.Retryable = ErrorTypeProvider, true
		e.Message = provider + " server error"
	case status >= http.StatusBadRequest:
		e.Type = ErrorTypeInvalidRequest
		e.Message = provider + " invalid request"
	default:
		e.Type = ErrorTypeProvider
		e.Message = fmt.Sprintf("%s unexpected status %d", provider, status)
	}
	if detail != "" {
		e.Message += ": " + detail
	}
	return e
}

func asError(err error) (*Error, bool) {
	var llmErr *Error
	ok := errors.As(err, &llmErr)
	return llmErr, ok
}

func isType(err error, t ErrorType) bool {
	llmErr, ok := asError(err)
	return ok && llmErr.Type == t
}

// IsRateLimitError reports whether err is an upstream rate limit.
func IsRateLimitError(err error) bool { return isType(err, ErrorTypeRateLimit) }

// IsRequestTooLargeError reports whether the upstream refused the request size.
func IsRequestTooLargeError(err error) bool { return isType(err, ErrorTypeRequestTooLarge) }

// IsMalformedResponseError reports whether err is an unparseable upstream response.
func IsMalformedResponseError(err error) bool { return isType(err, ErrorTypeMalformed) }

// IsAuthError reports whether the upstream refused the API key. Another
// attempt with the same key cannot succeed.
func IsAuthError(err error) bool { return isType(err, ErrorTypeAuthentication) }

// IsRetryableError reports whether err is worth a second attempt.
func IsRetryableError(err error) bool {
	llmErr, ok := asError(err)
	return ok && llmErr.Retryable
}

// ExtractRetryAfter returns the provider's retry-after hint, if any.
func ExtractRetryAfter(err error) *time.Duration {
	if llmErr, ok := asError(err); ok {
		return llmErr.RetryAfter
	}
	return nil
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string, retryAfter *time.Duration, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeRateLimit,
		Message:     message,
		Retryable:   true,
		RetryAfter:  retryAfter,
		ProviderErr: providerErr,
	}
}

// NewRequestTooLargeError creates a request too large error.
func NewRequestTooLargeError(message string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeRequestTooLarge,
		Message:     message,
		Retryable:   true,
		ProviderErr: providerErr,
	}
}

// NewProviderError creates a non-retryable provider error.
func NewProviderError(message string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeProvider,
		Message:     message,
		ProviderErr: providerErr,
	}
}

// NewMalformedResponseError creates an error for upstream output that could
// not be parsed. A second sample usually parses, so it is retryable.
func NewMalformedResponseError(message string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeMalformed,
		Message:     message,
		Retryable:   true,
		ProviderErr: providerErr,
	}
}

// NewNetworkError creates an error for transport failures reaching the provider.
func NewNetworkError(message string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeNetwork,
		Message:     message,
		Retryable:   true,
		ProviderErr: providerErr,
	}
}
