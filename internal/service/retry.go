package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/kiosk-pairing-go/internal/repository"
)

// retryPolicy bounds retries of transient store failures. Attempt n waits
// baseDelay * 2^(n-1) before running.
type retryPolicy struct {
	attempts  int
	baseDelay time.Duration
}

func (p retryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	return b
}

func withRetry[T any](ctx context.Context, p retryPolicy, op string, fn func() (T, error)) (T, error) {
	attempt := 0
	result, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		result, err := fn()
		if err != nil && !repository.IsTransient(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(max(p.attempts, 1))),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn().
				Err(err).
				Str("op", op).
				Int("attempt", attempt).
				Dur("retryIn", wait).
				Msg("transient store failure, retrying")
		}),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return result, permanent.Err
	}
	return result, err
}
