package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrIterationLimit is reported in Result.Err when the loop stops at
	// MaxIterations. The run still produces a degraded answer.
	ErrIterationLimit = errors.New("agent stopped due to iteration limit")

	// ErrExecutionTimeout is reported in Result.Err when the loop stops at
	// MaxExecutionTime.
	ErrExecutionTimeout = errors.New("agent stopped due to time limit")
)

// ModelCallError is returned when a model call still fails after its retry.
type ModelCallError struct {
	Model    string
	Attempts int
	Err      error
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("model call to %s failed after %d attempt(s): %v", e.Model, e.Attempts, e.Err)
}

func (e *ModelCallError) Unwrap() error {
	return e.Err
}

// IsModelCallError reports whether err is a ModelCallError.
func IsModelCallError(err error) bool {
	var mcErr *ModelCallError
	return errors.As(err, &mcErr)
}

// emitError marks a failure of the caller's event sink, such as a client
// that went away mid-stream. It is never retried.
type emitError struct {
	err error
}

func (e *emitError) Error() string {
	return fmt.Sprintf("emit event: %v", e.err)
}

func (e *emitError) Unwrap() error {
	return e.err
}
