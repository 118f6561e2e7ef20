package agent

import (
	"context"
	"errors"
	"time"

	"github.com/aschepis/backscratcher/chatgw/llm"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	// DefaultRetryDelay is the wait before retrying a failed model call.
	DefaultRetryDelay = 500 * time.Millisecond
	// MaxRetryAfter caps a provider supplied retry-after hint.
	MaxRetryAfter = 10 * time.Second
	// maxModelRetries is the number of retries after the first attempt.
	maxModelRetries = 1

	retryMultiplier          = 2.0
	retryRandomizationFactor = 0.2
)

// retryAfterBackOff stretches the next delay to the provider's retry-after
// hint when the last error carried one.
type retryAfterBackOff struct {
	backoff.BackOff
	lastErr *error
}

func (b retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop || b.lastErr == nil {
		return next
	}
	if hint := llm.ExtractRetryAfter(*b.lastErr); hint != nil && *hint > next && *hint <= MaxRetryAfter {
		return *hint
	}
	return next
}

// newModelBackOff allows a single retry of a model call, abandoned as soon
// as ctx is done.
func newModelBackOff(ctx context.Context, delay time.Duration, lastErr *error) backoff.BackOff {
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = delay
	eb.Multiplier = retryMultiplier
	eb.RandomizationFactor = retryRandomizationFactor
	eb.MaxInterval = MaxRetryAfter
	eb.MaxElapsedTime = 0
	eb.Reset()

	b := backoff.WithMaxRetries(retryAfterBackOff{BackOff: eb, lastErr: lastErr}, maxModelRetries)
	return backoff.WithContext(b, ctx)
}

// retryModelCall runs call, retrying once on failure. A rejected API key is
// not retried. It returns the response, the number of attempts made and the
// last error.
func retryModelCall(
	ctx context.Context,
	delay time.Duration,
	logger zerolog.Logger,
	call func() (*llm.Response, error),
) (*llm.Response, int, error) {
	var (
		resp     *llm.Response
		lastErr  error
		attempts int
	)

	op := func() error {
		attempts++
		r, err := call()
		if err != nil {
			lastErr = err
			var emitErr *emitError
			if errors.As(err, &emitErr) || llm.IsAuthError(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	notify := func(err error, wait time.Duration) {
		logger.Warn().
			Err(err).
			Int("attempt", attempts).
			Dur("retry_in", wait).
			Msg("Model call failed, retrying")
	}

	err := backoff.RetryNotify(op, newModelBackOff(ctx, delay, &lastErr), notify)
	if err != nil {
		return nil, attempts, err
	}
	return resp, attempts, nil
}
