// Package client is the resilient façade the dashboard uses to talk to
// the backend: every call runs inside one shared retry envelope, a
// circuit breaker suspends polling after repeated failures, and the
// last-known-good snapshot survives transient errors so the view never
// blanks.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"

	"github.com/sessiondeck/backend/internal/session"
)

// ConnectionStatus describes the façade's view of the backend link.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// monitorAPI is the backend surface the façade consumes. *API satisfies
// it; tests substitute a scripted fake.
type monitorAPI interface {
	GetMonitoring(projectID string) (*session.Data, error)
	StartMonitoring(projectID string, cfg *session.Config) error
	StopMonitoring(projectID string) error
	Control(projectID string, req session.ControlRequest) (*session.ControlResult, error)
}

// Facade wraps the API with retry, circuit breaking, a polling loop, and
// selection state. The server remains the sole source of truth; the façade
// only caches its latest fetched snapshot.
type Facade struct {
	api     monitorAPI
	policy  RetryPolicy
	breaker *CircuitBreaker
	clk     clock.Clock

	pollInterval time.Duration

	mu        sync.Mutex
	projectID string
	data      *session.Data
	selected  string
	status    ConnectionStatus
	lastErr   error
	cancel    context.CancelFunc
	onChange  func()

	wg sync.WaitGroup
}

// NewFacade creates a façade with the default retry and breaker settings.
// A nil clock uses the real one.
func NewFacade(api monitorAPI, pollInterval time.Duration, clk clock.Clock) *Facade {
	if clk == nil {
		clk = clock.New()
	}
	return &Facade{
		api:          api,
		policy:       DefaultRetryPolicy(clk),
		breaker:      NewCircuitBreaker(BreakerThreshold, BreakerCoolDown, clk),
		clk:          clk,
		pollInterval: pollInterval,
		status:       StatusDisconnected,
	}
}

// SetOnChange registers a callback invoked (outside the lock) after every
// state change. The deck TUI uses it to trigger redraws.
func (f *Facade) SetOnChange(fn func()) {
	f.mu.Lock()
	f.onChange = fn
	f.mu.Unlock()
}

// StartMonitoring asks the backend to begin monitoring, then starts the
// local polling loop. Any existing loop is torn down first so there is
// only ever one active timer.
func (f *Facade) StartMonitoring(projectID string, cfg *session.Config) error {
	f.mu.Lock()
	f.status = StatusConnecting
	f.mu.Unlock()
	f.notify()

	err := f.policy.Do(context.Background(), func() error {
		return f.api.StartMonitoring(projectID, cfg)
	})
	if err != nil {
		f.recordFailure(err)
		return err
	}
	f.breaker.RecordSuccess()

	f.startPolling(projectID)
	return nil
}

// StopMonitoring stops the local polling loop and asks the backend to end
// monitoring.
func (f *Facade) StopMonitoring() error {
	f.stopPolling()

	f.mu.Lock()
	projectID := f.projectID
	f.status = StatusDisconnected
	f.mu.Unlock()
	f.notify()

	if projectID == "" {
		return nil
	}
	err := f.policy.Do(context.Background(), func() error {
		return f.api.StopMonitoring(projectID)
	})
	if err != nil {
		f.recordFailure(err)
		return err
	}
	f.breaker.RecordSuccess()
	return nil
}

// Close tears down the polling loop without touching the backend, e.g. on
// view unmount.
func (f *Facade) Close() {
	f.stopPolling()
	f.mu.Lock()
	f.status = StatusDisconnected
	f.mu.Unlock()
	f.notify()
}

// ExecuteControl dispatches a control action through the retry envelope.
func (f *Facade) ExecuteControl(req session.ControlRequest) (*session.ControlResult, error) {
	f.mu.Lock()
	projectID := f.projectID
	f.mu.Unlock()
	if req.ProjectID != "" {
		projectID = req.ProjectID
	}

	var result *session.ControlResult
	err := f.policy.Do(context.Background(), func() error {
		r, err := f.api.Control(projectID, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		f.recordFailure(err)
		return nil, err
	}
	f.breaker.RecordSuccess()
	f.setConnected()
	return result, nil
}

// Refresh fetches the latest snapshot once, honoring the breaker. Called
// by the polling loop and available to force an immediate update.
func (f *Facade) Refresh() {
	if !f.breaker.Allow() {
		f.mu.Lock()
		f.status = StatusError
		f.mu.Unlock()
		f.notify()
		return
	}

	f.mu.Lock()
	projectID := f.projectID
	f.mu.Unlock()
	if projectID == "" {
		return
	}

	var data *session.Data
	err := f.policy.Do(context.Background(), func() error {
		d, err := f.api.GetMonitoring(projectID)
		if err != nil {
			return err
		}
		data = d
		return nil
	})
	if err != nil {
		// Keep the last-known-good snapshot; only the status changes.
		f.recordFailure(err)
		return
	}

	f.breaker.RecordSuccess()

	f.mu.Lock()
	f.data = data
	f.status = StatusConnected
	f.lastErr = nil
	f.healSelectionLocked()
	f.mu.Unlock()
	f.notify()
}

// Snapshot returns the last fetched monitoring data, which may be stale
// after failures but is never discarded by them.
func (f *Facade) Snapshot() *session.Data {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data
}

// Select sets the selected session.
func (f *Facade) Select(sessionID string) {
	f.mu.Lock()
	f.selected = sessionID
	f.healSelectionLocked()
	f.mu.Unlock()
	f.notify()
}

// Selected returns the currently selected session id, or "" when none.
func (f *Facade) Selected() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selected
}

// Status returns the connection status.
func (f *Facade) Status() ConnectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// LastError returns the most recent failure, nil after any success.
func (f *Facade) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

// ConsecutiveFailures exposes the breaker's failure streak.
func (f *Facade) ConsecutiveFailures() int {
	return f.breaker.ConsecutiveFailures()
}

func (f *Facade) startPolling(projectID string) {
	f.stopPolling()

	ctx, cancel := context.WithCancel(context.Background())
	f.mu.Lock()
	f.projectID = projectID
	f.cancel = cancel
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := f.clk.Ticker(f.pollInterval)
		defer ticker.Stop()

		f.Refresh()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.Refresh()
			}
		}
	}()
}

func (f *Facade) stopPolling() {
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
		f.wg.Wait()
	}
}

// healSelectionLocked falls back to the first available session when the
// selected one disappears from the snapshot. Caller holds f.mu.
func (f *Facade) healSelectionLocked() {
	if f.data == nil || len(f.data.Sessions) == 0 {
		f.selected = ""
		return
	}
	exists := lo.ContainsBy(f.data.Sessions, func(u session.Update) bool {
		return u.SessionID == f.selected
	})
	if !exists {
		f.selected = f.data.Sessions[0].SessionID
	}
}

func (f *Facade) recordFailure(err error) {
	f.breaker.RecordFailure()
	f.mu.Lock()
	f.lastErr = err
	if f.breaker.Open() {
		f.status = StatusError
	}
	f.mu.Unlock()
	f.notify()
}

func (f *Facade) setConnected() {
	f.mu.Lock()
	f.status = StatusConnected
	f.lastErr = nil
	f.mu.Unlock()
	f.notify()
}

func (f *Facade) notify() {
	f.mu.Lock()
	fn := f.onChange
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}
