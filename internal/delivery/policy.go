// Package delivery retries outbound file uploads a bounded number of times.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"chunkrelay/internal/logger"
	"chunkrelay/internal/metrics"
	"chunkrelay/pkg/interfaces"
)

// Policy is a constant-delay retry policy. MaxAttempts counts the first try.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration

	// Retryable reports whether a failed attempt may be repeated. The default
	// refuses permission and missing-channel errors.
	Retryable func(error) bool
}

// NewPolicy returns a policy with the default retry classification.
func NewPolicy(maxAttempts int, delay time.Duration) (*Policy, error) {
	if maxAttempts < 1 || delay < 0 {
		return nil, fmt.Errorf("%w: attempts=%d delay=%s", ErrInvalidPolicy, maxAttempts, delay)
	}
	return &Policy{
		MaxAttempts: maxAttempts,
		Delay:       delay,
		Retryable:   IsRetryable,
	}, nil
}

// IsRetryable treats every error as transient except permission and
// not-found conditions, which another attempt cannot fix.
func IsRetryable(err error) bool {
	return !errors.Is(err, interfaces.ErrPermissionDenied) &&
		!errors.Is(err, interfaces.ErrChannelNotFound)
}

// Do runs op until it succeeds, fails permanently, ctx ends or the attempts
// run out. Running out is reported as ErrDeliveryExhausted wrapping the last
// error.
func Do[T any](ctx context.Context, p *Policy, op func(context.Context) (T, error)) (T, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	var (
		attempts  int
		permanent bool
	)
	wrapped := func() (T, error) {
		attempts++
		result, err := op(ctx)
		if err == nil {
			metrics.DeliveryAttempts.WithLabelValues(metrics.AttemptSuccess).Inc()
			return result, nil
		}
		if !retryable(err) {
			permanent = true
			metrics.DeliveryAttempts.WithLabelValues(metrics.AttemptFailure).Inc()
			return result, backoff.Permanent(err)
		}
		if attempts < p.MaxAttempts {
			metrics.DeliveryAttempts.WithLabelValues(metrics.AttemptRetry).Inc()
		} else {
			metrics.DeliveryAttempts.WithLabelValues(metrics.AttemptFailure).Inc()
		}
		return result, err
	}

	notify := func(err error, wait time.Duration) {
		logger.Ctx(ctx).Warn().
			Err(err).
			Int("attempt", attempts).
			Int("max_attempts", p.MaxAttempts).
			Dur("retry_in", wait).
			Msg("delivery failed, retrying")
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(p.MaxAttempts-1)),
		ctx,
	)

	result, err := backoff.RetryNotifyWithData(wrapped, b, notify)
	if err == nil {
		return result, nil
	}
	if permanent || ctx.Err() != nil {
		return result, err
	}
	return result, fmt.Errorf("%w after %d attempt(s): %w", ErrDeliveryExhausted, attempts, err)
}
