package notify

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/dispatchd/dispatchd/internal/runner"
)

// RetryConfig configures exponential backoff for notification delivery.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default delivery retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// Resilient wraps a Notifier with retry and a circuit breaker so a
// misbehaving delivery channel neither loses the task's status nor
// stalls worker goroutines indefinitely.
type Resilient struct {
	inner runner.Notifier
	cb    *gobreaker.CircuitBreaker
	retry RetryConfig
}

// NewResilient creates a resilient wrapper around inner.
func NewResilient(inner runner.Notifier, retry RetryConfig) *Resilient {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notifier",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("notifier circuit breaker: %s -> %s", from, to)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// User cancellation is not a delivery failure.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	return &Resilient{inner: inner, cb: cb, retry: retry}
}

// Notify delivers through the breaker with exponential backoff.
func (r *Resilient) Notify(ctx context.Context, n runner.Notification) error {
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		_, err := r.cb.Execute(func() (interface{}, error) {
			return nil, r.inner.Notify(ctx, n)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.retry.InitialInterval
	policy.MaxInterval = r.retry.MaxInterval
	policy.MaxElapsedTime = r.retry.MaxElapsedTime
	policy.Multiplier = r.retry.Multiplier
	policy.RandomizationFactor = r.retry.RandomizationFactor

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}
