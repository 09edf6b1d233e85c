package client

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// RetryPolicy is the one retry envelope applied to every call the façade
// makes. Delay grows exponentially from BaseDelay; a non-retryable
// classification stops the loop on first failure.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	clk         clock.Clock
}

// DefaultRetryPolicy matches the dashboard contract: 3 attempts, 1s base
// delay doubling per attempt.
func DefaultRetryPolicy(clk clock.Clock) RetryPolicy {
	if clk == nil {
		clk = clock.New()
	}
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, clk: clk}
}

// Do runs op until it succeeds, exhausts MaxAttempts, fails with a
// non-retryable classification, or the context is cancelled. The returned
// error is always a *ClassifiedError when non-nil (except context errors).
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	clk := p.clk
	if clk == nil {
		clk = clock.New()
	}

	var last *ClassifiedError
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op()
		if err == nil {
			return nil
		}

		last = Classify(err)
		if !last.Retryable || attempt == p.MaxAttempts {
			return last
		}

		delay := p.BaseDelay << (attempt - 1)
		timer := clk.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return last
}
