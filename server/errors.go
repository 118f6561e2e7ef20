package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aschepis/backscratcher/chatgw/agent"
	"github.com/aschepis/backscratcher/chatgw/credentials"
	"github.com/aschepis/backscratcher/chatgw/llm"
	"github.com/aschepis/backscratcher/chatgw/ratelimit"
)

// Error kinds reported in the "type" field of error bodies.
const (
	KindInvalidRequest      = "invalid_request"
	KindCredentialExhausted = "credential_exhausted"
	KindUnauthorized        = "unauthorized"
	KindInvalidCredentials  = "invalid_credentials"
	KindModelCallFailed     = "model_call_failed"
	KindUpstream            = "upstream_error"
	KindTimeout             = "timeout"
	KindCancelled           = "cancelled"
	KindInternal            = "internal_error"
)

// requestError is a malformed client request.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

// errUnauthorized is returned for a missing or wrong admin token.
var errUnauthorized = errors.New("invalid or missing admin token")

// classify maps an error to an HTTP status and an error kind.
func classify(err error) (int, string) {
	var (
		rejectErr *ratelimit.RejectError
		reqErr    *requestError
		llmErr    *llm.Error
	)
	switch {
	case errors.As(err, &rejectErr):
		return http.StatusTooManyRequests, string(rejectErr.Kind)
	case errors.Is(err, credentials.ErrCredentialExhausted), errors.Is(err, credentials.ErrNoCredentials):
		return http.StatusUnauthorized, KindCredentialExhausted
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, KindUnauthorized
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, KindInvalidRequest
	case errors.Is(err, credentials.ErrMissingAPIKey), llm.IsAuthError(err):
		return http.StatusUnauthorized, KindInvalidCredentials
	case agent.IsModelCallError(err):
		return http.StatusInternalServerError, KindModelCallFailed
	case errors.As(err, &llmErr):
		return http.StatusInternalServerError, KindUpstream
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusInternalServerError, KindTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusInternalServerError, KindCancelled
	default:
		return http.StatusInternalServerError, KindInternal
	}
}
