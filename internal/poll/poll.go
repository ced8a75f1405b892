// Package poll implements bounded visibility polling. Every wait site in the
// allocator (order visibility, deallocation, batch creation, work-order-line
// appearance) goes through Until so retry budgets live in one place.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// errNotYet signals that the condition has not been met on this attempt.
var errNotYet = errors.New("condition not met")

// Condition reports whether the polled condition holds. A non-nil error
// aborts the poll immediately.
type Condition func(ctx context.Context) (bool, error)

// Until evaluates fn up to attempts times, sleeping interval between
// evaluations. It returns true as soon as fn reports the condition holds,
// and false when the budget is exhausted. Context cancellation and fn errors
// are returned as errors.
func Until(ctx context.Context, attempts int, interval time.Duration, fn Condition) (bool, error) {
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)),
		ctx,
	)

	err := backoff.Retry(func() error {
		ok, err := fn(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errNotYet
		}
		return nil
	}, b)

	if err == nil {
		return true, nil
	}
	if errors.Is(err, errNotYet) {
		return false, nil
	}
	return false, err
}

// UntilWindow is Until with the attempt budget derived from a time window:
// fn is evaluated roughly every interval for up to window.
func UntilWindow(ctx context.Context, window, interval time.Duration, fn Condition) (bool, error) {
	if interval <= 0 {
		interval = time.Millisecond
	}
	attempts := int(window / interval)
	if time.Duration(attempts)*interval < window {
		attempts++
	}
	return Until(ctx, attempts, interval, fn)
}
