package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/sessiondeck/backend/internal/session"
)

// projectEntry is the per-project mutable state the orchestrator owns:
// config, timer cancellation, latest snapshot, and health-sweep bookkeeping.
type projectEntry struct {
	config          session.Config
	cancel          context.CancelFunc
	snapshot        *session.Data
	lastHealthCheck time.Time
	// generation tags the active poll loop. Snapshot commits from a
	// superseded loop (stopped, or restarted with new config) carry a
	// stale generation and are discarded.
	generation uint64
}

// Registry is the injectable per-project store. All mutation goes through
// the orchestrator; reads hand out deep copies so callers never observe
// in-place updates.
type Registry struct {
	mu       sync.RWMutex
	projects map[string]*projectEntry
}

func NewRegistry() *Registry {
	return &Registry{projects: make(map[string]*projectEntry)}
}

// IsActive reports whether monitoring is running for the project.
func (r *Registry) IsActive(projectID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.projects[projectID]
	return ok
}

// Snapshot returns a deep copy of the project's latest monitoring data.
func (r *Registry) Snapshot(projectID string) (*session.Data, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.projects[projectID]
	if !ok || e.snapshot == nil {
		return nil, false
	}
	return e.snapshot.Clone(), true
}

// Config returns the project's current monitoring config.
func (r *Registry) Config(projectID string) (session.Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.projects[projectID]
	if !ok {
		return session.Config{}, false
	}
	return e.config, true
}

// commit stores a snapshot if the generation still matches the active
// loop. Returns false for stale writes.
func (r *Registry) commit(projectID string, generation uint64, data *session.Data) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.projects[projectID]
	if !ok || e.generation != generation {
		return false
	}
	e.snapshot = data
	return true
}

// annotateStale marks the existing snapshot as stale with a reason,
// preserving its sessions. Returns false when there is no snapshot to
// annotate.
func (r *Registry) annotateStale(projectID string, generation uint64, reason string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.projects[projectID]
	if !ok || e.generation != generation || e.snapshot == nil {
		return false
	}
	annotated := e.snapshot.Clone()
	annotated.Stale = true
	annotated.StaleReason = reason
	annotated.LastUpdated = at
	e.snapshot = annotated
	return true
}

// shouldHealthCheck reports whether the health sweep interval has elapsed
// and, if so, advances the last-check timestamp.
func (r *Registry) shouldHealthCheck(projectID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.projects[projectID]
	if !ok {
		return false
	}
	if !e.lastHealthCheck.IsZero() && now.Sub(e.lastHealthCheck) < e.config.HealthCheckInterval {
		return false
	}
	e.lastHealthCheck = now
	return true
}

// ProjectIDs returns the projects currently monitored.
func (r *Registry) ProjectIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.projects))
	for id := range r.projects {
		ids = append(ids, id)
	}
	return ids
}
