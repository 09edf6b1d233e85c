// Package monitor owns the per-project monitoring lifecycle: a recurring
// poll that fans out to the inference engine for every tracked session,
// aggregates the results into a full-replacement snapshot, and a periodic
// health sweep that may trigger auto-recovery through the control executor.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/sessiondeck/backend/internal/inference"
	"github.com/sessiondeck/backend/internal/session"
	"github.com/sessiondeck/backend/internal/transcript"
)

// sweepErrorCount is the per-session error count beyond which the health
// sweep flags a session for recovery.
const sweepErrorCount = 5

// SessionLister supplies the sessions to track for a project. The
// orchestrator treats it as a pure data source. *transcript.Store
// satisfies it.
type SessionLister interface {
	ListSessions(projectID string) ([]transcript.SessionInfo, error)
}

// Engine produces per-session monitoring snapshots. *inference.Engine
// satisfies it.
type Engine interface {
	GenerateUpdate(projectID, sessionID string) session.Update
}

var _ Engine = (*inference.Engine)(nil)

// ControlExecutor applies control requests. *control.Executor satisfies it.
type ControlExecutor interface {
	Execute(req session.ControlRequest) session.ControlResult
}

// SnapshotFunc observes every committed snapshot, e.g. for WebSocket
// broadcast. Called outside the registry lock with a private copy.
type SnapshotFunc func(projectID string, data *session.Data)

// Service is the monitoring orchestrator. One recurring timer per
// monitored project; per-session inference fans out concurrently within a
// cycle and partial failures degrade single records, never the cycle.
type Service struct {
	registry *Registry
	lister   SessionLister
	engine   Engine
	executor ControlExecutor
	clk      clock.Clock
	log      *zap.SugaredLogger

	onSnapshot SnapshotFunc

	wg sync.WaitGroup
}

// NewService wires the orchestrator. A nil clock falls back to the real one.
func NewService(registry *Registry, lister SessionLister, engine Engine, executor ControlExecutor, clk clock.Clock, log *zap.SugaredLogger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		registry: registry,
		lister:   lister,
		engine:   engine,
		executor: executor,
		clk:      clk,
		log:      log,
	}
}

// SetSnapshotHook registers an observer for committed snapshots. Must be
// called before the first StartMonitoring.
func (s *Service) SetSnapshotHook(fn SnapshotFunc) { s.onSnapshot = fn }

// StartMonitoring begins polling the project. Passing nil config uses the
// defaults; a partial config is defaulted then validated. Starting an
// already-monitored project restarts its loop with the new config.
func (s *Service) StartMonitoring(projectID string, cfg *session.Config) error {
	if err := transcript.ValidateID(projectID); err != nil {
		return err
	}

	config := session.DefaultConfig()
	if cfg != nil {
		config = cfg.WithDefaults()
	}
	if err := config.Validate(); err != nil {
		return err
	}

	s.registry.mu.Lock()
	e, exists := s.registry.projects[projectID]
	if exists {
		e.cancel()
	} else {
		e = &projectEntry{}
		s.registry.projects[projectID] = e
	}
	e.config = config
	e.generation++
	gen := e.generation
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	s.registry.mu.Unlock()

	s.log.Infow("monitoring started", "project", projectID, "pollInterval", config.PollInterval, "maxSessions", config.MaxSessions)

	s.wg.Add(1)
	go s.pollLoop(ctx, projectID, config, gen)
	return nil
}

// StopMonitoring cancels the project's timer and discards its snapshot.
// Stopping a project that is not monitored is a no-op.
func (s *Service) StopMonitoring(projectID string) {
	s.registry.mu.Lock()
	e, ok := s.registry.projects[projectID]
	if ok {
		e.cancel()
		// Bump the generation so an in-flight cycle started before this
		// call cannot commit after it.
		e.generation++
		delete(s.registry.projects, projectID)
	}
	s.registry.mu.Unlock()
	if ok {
		s.log.Infow("monitoring stopped", "project", projectID)
	}
}

// IsActive reports whether the project is currently monitored.
func (s *Service) IsActive(projectID string) bool {
	return s.registry.IsActive(projectID)
}

// GetData returns the project's latest snapshot.
func (s *Service) GetData(projectID string) (*session.Data, bool) {
	return s.registry.Snapshot(projectID)
}

// GetSession returns a single session's latest update from the snapshot.
func (s *Service) GetSession(projectID, sessionID string) (session.Update, bool) {
	data, ok := s.registry.Snapshot(projectID)
	if !ok {
		return session.Update{}, false
	}
	u, found := lo.Find(data.Sessions, func(u session.Update) bool {
		return u.SessionID == sessionID
	})
	return u, found
}

// UpdateConfig validates and applies a new config. When monitoring is
// active the poll loop is torn down and restarted with the new interval;
// the generation bump keeps any in-flight cycle from committing over the
// restart. On validation failure the previous config and loop are left
// untouched.
func (s *Service) UpdateConfig(projectID string, cfg session.Config) error {
	config := cfg.WithDefaults()
	if err := config.Validate(); err != nil {
		return err
	}

	s.registry.mu.Lock()
	e, ok := s.registry.projects[projectID]
	if !ok {
		s.registry.mu.Unlock()
		return fmt.Errorf("project %s is not monitored", projectID)
	}
	e.cancel()
	e.config = config
	e.generation++
	gen := e.generation
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	s.registry.mu.Unlock()

	s.log.Infow("monitoring config updated", "project", projectID, "pollInterval", config.PollInterval)

	s.wg.Add(1)
	go s.pollLoop(ctx, projectID, config, gen)
	return nil
}

// Control executes a control request and folds the result into the next
// poll's evidence (the executor's markers and signals are observed
// indirectly by the inference engine).
func (s *Service) Control(req session.ControlRequest) session.ControlResult {
	result := s.executor.Execute(req)
	if result.Success {
		s.log.Infow("control executed", "project", req.ProjectID, "session", req.SessionID, "action", req.Action.String(), "message", result.Message)
	} else {
		s.log.Warnw("control failed", "project", req.ProjectID, "session", req.SessionID, "action", req.Action.String(), "message", result.Message)
	}
	return result
}

// Close stops all monitoring and waits for the poll loops to exit.
func (s *Service) Close() {
	for _, id := range s.registry.ProjectIDs() {
		s.StopMonitoring(id)
	}
	s.wg.Wait()
}

// pollLoop runs one full cycle immediately, then every PollInterval until
// cancelled.
func (s *Service) pollLoop(ctx context.Context, projectID string, cfg session.Config, gen uint64) {
	defer s.wg.Done()

	ticker := s.clk.Ticker(cfg.PollInterval)
	defer ticker.Stop()

	s.pollOnce(projectID, cfg, gen)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(projectID, cfg, gen)
		}
	}
}

// pollOnce performs one full poll cycle: list, fan out, aggregate, commit,
// sweep. Each cycle computes a complete replacement snapshot; last writer
// wins if a slow cycle overlaps the next tick.
func (s *Service) pollOnce(projectID string, cfg session.Config, gen uint64) {
	now := s.clk.Now()

	infos, err := s.lister.ListSessions(projectID)
	if err != nil {
		// Never regress to "no data" on a transient listing failure;
		// keep the previous snapshot and annotate it instead.
		s.log.Warnw("session listing failed", "project", projectID, "error", err)
		if !s.registry.annotateStale(projectID, gen, "session listing failed: "+err.Error(), now) {
			empty := &session.Data{
				Sessions:    nil,
				LastUpdated: now,
				Config:      cfg,
				Stale:       true,
				StaleReason: "session listing failed: " + err.Error(),
			}
			s.registry.commit(projectID, gen, empty)
		}
		return
	}

	if len(infos) > cfg.MaxSessions {
		infos = infos[:cfg.MaxSessions]
	}

	updates := s.fanOut(projectID, infos)

	data := &session.Data{
		Sessions:     updates,
		OverallStats: aggregate(updates, cfg.MaxSessions),
		LastUpdated:  now,
		Config:       cfg,
	}

	if !s.registry.commit(projectID, gen, data) {
		// Monitoring was stopped or reconfigured while this cycle ran.
		return
	}

	if s.onSnapshot != nil {
		s.onSnapshot(projectID, data.Clone())
	}

	if s.registry.shouldHealthCheck(projectID, now) {
		s.healthSweep(projectID, cfg, updates, now)
	}
}

// fanOut generates updates for all sessions concurrently. One session's
// failure becomes one degraded record; it never aborts the cycle.
func (s *Service) fanOut(projectID string, infos []transcript.SessionInfo) []session.Update {
	updates := make([]session.Update, len(infos))
	var wg sync.WaitGroup
	for i, info := range infos {
		wg.Add(1)
		go func(i int, sessionID string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Errorw("inference panic", "project", projectID, "session", sessionID, "panic", r)
					updates[i] = degradedUpdate(projectID, sessionID, fmt.Sprintf("inference failed: %v", r), s.clk.Now())
				}
			}()
			updates[i] = s.engine.GenerateUpdate(projectID, sessionID)
		}(i, info.ID)
	}
	wg.Wait()
	return updates
}

// degradedUpdate is the structurally valid stand-in for a session whose
// inference failed mid-cycle.
func degradedUpdate(projectID, sessionID, warning string, now time.Time) session.Update {
	controls := session.ControlsFor(session.Error)
	return session.Update{
		SessionID: sessionID,
		ProjectID: projectID,
		State:     session.Error,
		Health: session.Health{
			LastActivityAt: now,
			Warnings:       []string{warning},
		},
		Metadata:  session.Metadata{StartedAt: now, LastUpdateAt: now},
		Controls:  &controls,
		Timestamp: now,
	}
}

// aggregate computes project-level stats. Unknown response times are
// excluded from the mean, not zeroed.
func aggregate(updates []session.Update, maxSessions int) session.OverallStats {
	stats := session.OverallStats{
		TotalSessions: len(updates),
		ActiveSessions: lo.CountBy(updates, func(u session.Update) bool {
			return u.State.IsRunning()
		}),
	}

	known := lo.FilterMap(updates, func(u session.Update, _ int) (float64, bool) {
		if u.Health.ResponseTime == nil {
			return 0, false
		}
		return *u.Health.ResponseTime, true
	})
	if len(known) > 0 {
		stats.AverageResponseTime = lo.Sum(known) / float64(len(known))
	}

	if maxSessions > 0 {
		load := float64(len(updates)) / float64(maxSessions) * 100
		if load > 100 {
			load = 100
		}
		stats.SystemLoad = load
	}
	return stats
}

// healthSweep finds degraded sessions and, when auto-recovery is enabled,
// routes each through the executor's restart path. Individual failures are
// logged and never abort the sweep.
func (s *Service) healthSweep(projectID string, cfg session.Config, updates []session.Update, now time.Time) {
	for _, u := range updates {
		if !needsRecovery(u, cfg.StaleThreshold, now) {
			continue
		}
		s.log.Warnw("degraded session detected",
			"project", projectID, "session", u.SessionID,
			"state", u.State.String(), "errorCount", u.Health.ErrorCount)

		if !cfg.EnableAutoRecovery {
			continue
		}
		result := s.executor.Execute(session.ControlRequest{
			SessionID: u.SessionID,
			ProjectID: projectID,
			Action:    session.ActionRestart,
			Reason:    "auto-recovery: " + u.State.String(),
		})
		if !result.Success {
			s.log.Warnw("auto-recovery failed", "project", projectID, "session", u.SessionID, "message", result.Message)
		}
	}
}

// needsRecovery applies the sweep criteria: degraded state, staleness by
// threshold, or an excessive error count.
func needsRecovery(u session.Update, staleThreshold time.Duration, now time.Time) bool {
	if u.State.IsDegraded() {
		return true
	}
	if staleThreshold > 0 && now.Sub(u.Health.LastActivityAt) > staleThreshold {
		return true
	}
	return u.Health.ErrorCount > sweepErrorCount
}
