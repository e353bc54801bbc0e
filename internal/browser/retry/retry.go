// File: internal/browser/retry/retry.go

// Package retry implements the bounded retry loop shared by locators, frame
// switching, load state polling and endpoint discovery on top of
// cenkalti/backoff: a constant interval between attempts, a total budget, an
// optional attempt cap, and a predicate that separates retryable failures from
// terminal ones.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/xkilldash9x/sparkle/internal/browser/driver"
	"github.com/xkilldash9x/sparkle/internal/observability"
)

const (
	DefaultBudget   = 30 * time.Second
	DefaultInterval = 100 * time.Millisecond
)

// Policy bounds a retry loop.
type Policy struct {
	// Name is a low cardinality label for metrics ("locator", "frame", "loadstate").
	Name     string
	Budget   time.Duration
	Interval time.Duration
	// MaxAttempts caps the number of attempts; zero means only the budget applies.
	MaxAttempts int
	// Retryable decides whether a failed attempt may be repeated.
	// Terminal errors (session closed, cancellation) are never retried regardless.
	Retryable func(error) bool
}

// NewPolicy returns a policy with the default interval and driver.IsRetryable.
func NewPolicy(name string, budget time.Duration) Policy {
	return Policy{Name: name, Budget: budget, Interval: DefaultInterval, Retryable: driver.IsRetryable}
}

func (p Policy) normalized() Policy {
	if p.Budget <= 0 {
		p.Budget = DefaultBudget
	}
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.Retryable == nil {
		p.Retryable = driver.IsRetryable
	}
	if p.Name == "" {
		p.Name = "unnamed"
	}
	return p
}

// backOff is a constant interval schedule stopped by ctx and, when set, by MaxAttempts.
func (p Policy) backOff(ctx context.Context) backoff.BackOffContext {
	var b backoff.BackOff = backoff.NewConstantBackOff(p.Interval)
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// Do runs fn until it succeeds, fails with a non retryable error, or the budget
// elapses. Exhaustion yields a driver Timeout naming op and wrapping the last
// attempt's error. fn receives a context bounded by the budget.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for attempts that produce a result. Running out of MaxAttempts
// returns the last attempt's error unchanged.
func Value[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()
	var zero T

	rctx, cancel := context.WithTimeout(ctx, p.Budget)
	defer cancel()

	var lastErr error
	permanent := false
	operation := func() (T, error) {
		v, err := fn(rctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		switch {
		case errors.Is(err, driver.ErrSessionClosed):
		case rctx.Err() != nil:
			// The schedule sees the done context and stops.
			return zero, err
		case driver.IsTerminal(err) || !p.Retryable(err):
		default:
			return zero, err
		}
		permanent = true
		return zero, backoff.Permanent(err)
	}
	notify := func(error, time.Duration) {
		observability.RecordRetry(p.Name)
	}

	v, err := backoff.RetryNotifyWithData[T](operation, p.backOff(rctx), notify)
	switch {
	case err == nil:
		return v, nil
	case permanent:
		return zero, lastErr
	case rctx.Err() != nil:
		return zero, expired(ctx, p, op, lastErr)
	default:
		// Attempts exhausted.
		return zero, lastErr
	}
}

// expired distinguishes our own budget running out from the caller giving up.
func expired(parent context.Context, p Policy, op string, lastErr error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return parent.Err()
	}
	return driver.NewTimeout(op, p.Budget, lastErr)
}
