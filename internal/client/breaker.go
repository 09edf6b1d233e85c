package client

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// BreakerThreshold is the consecutive-failure count that opens the
	// breaker and suspends polling.
	BreakerThreshold = 5

	// BreakerCoolDown is how long the breaker stays open before polling
	// resumes automatically.
	BreakerCoolDown = 30 * time.Second
)

// CircuitBreaker guards the polling loop: too many consecutive failures
// suspend outbound calls until a cool-down elapses. Any success resets the
// counter.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	coolDown  time.Duration
	clk       clock.Clock

	consecutive int
	open        bool
	openedAt    time.Time
}

func NewCircuitBreaker(threshold int, coolDown time.Duration, clk clock.Clock) *CircuitBreaker {
	if clk == nil {
		clk = clock.New()
	}
	return &CircuitBreaker{threshold: threshold, coolDown: coolDown, clk: clk}
}

// Allow reports whether a call may proceed. An open breaker whose
// cool-down has elapsed closes again (counter reset) and allows the call.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if b.clk.Now().Sub(b.openedAt) >= b.coolDown {
		b.open = false
		b.consecutive = 0
		return true
	}
	return false
}

// RecordSuccess resets the consecutive-failure counter and closes the
// breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.open = false
}

// RecordFailure counts one failed call, opening the breaker at the
// threshold.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	if b.consecutive >= b.threshold && !b.open {
		b.open = true
		b.openedAt = b.clk.Now()
	}
}

// Open reports whether the breaker is currently open.
func (b *CircuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// ConsecutiveFailures returns the current failure streak.
func (b *CircuitBreaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}
