// Package poll provides the bounded retry-with-interval loop used by every
// wait in the automation: tab waits, element lookups, challenge checks and
// launch grace periods.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrExhausted is returned when the attempt budget runs out before the
// condition reports done.
var ErrExhausted = errors.New("poll budget exhausted")

var errNotYet = errors.New("condition not met")

// Func is evaluated once per attempt. Returning done=true stops the loop
// successfully; a non-nil error stops it immediately with that error.
type Func func(ctx context.Context, attempt int) (done bool, err error)

// Until calls fn up to attempts times, sleeping interval between calls.
func Until(ctx context.Context, attempts int, interval time.Duration, fn Func) error {
	if attempts < 1 {
		attempts = 1
	}
	if interval <= 0 {
		interval = time.Millisecond
	}

	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(interval))

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		done, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		if !done {
			return retry.RetryableError(errNotYet)
		}
		return nil
	})
	if errors.Is(err, errNotYet) {
		return ErrExhausted
	}
	return err
}

// Within polls fn every interval until budget elapses. The loop never runs
// past the budget: the context handed to fn carries the budget as deadline,
// and a deadline hit is reported as ErrExhausted.
func Within(ctx context.Context, budget, interval time.Duration, fn Func) error {
	if interval <= 0 {
		interval = time.Millisecond
	}
	attempts := int(budget / interval)
	if budget%interval != 0 || attempts == 0 {
		attempts++
	}

	bounded, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	err := Until(bounded, attempts, interval, fn)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return ErrExhausted
	}
	return err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
