// Package inference derives a session's lifecycle state, health, and
// progress from indirect evidence: transcript modification time and a
// bounded tail of its JSONL records. There is no authoritative liveness
// API for CLI sessions, so every classification here is a heuristic and
// every method is total: callers never need to guard against a panic or an
// error return.
package inference

import (
	"errors"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/sessiondeck/backend/internal/control"
	"github.com/sessiondeck/backend/internal/session"
	"github.com/sessiondeck/backend/internal/transcript"
)

const (
	// StaleThreshold is the age beyond which an unmodified transcript is
	// classified stalled.
	StaleThreshold = 5 * time.Minute

	// ErrorThreshold is the age beyond which an unmodified transcript is
	// classified terminated.
	ErrorThreshold = 30 * time.Minute

	stateWindow  = 20   // tail lines consulted by DetectState
	healthWindow = 50   // tail lines consulted by AnalyzeHealth
	fullWindow   = 1000 // tail lines consulted by GenerateUpdate

	// recentEntries is how many trailing entries the error precedence
	// check inspects.
	recentEntries = 5

	// highErrorCount is the error count beyond which a health warning is
	// raised.
	highErrorCount = 3
)

// Engine infers session state from transcript files.
type Engine struct {
	store *transcript.Store
	clk   clock.Clock
	log   *zap.SugaredLogger
}

// NewEngine creates an engine over the given transcript store.
func NewEngine(store *transcript.Store, clk clock.Clock, log *zap.SugaredLogger) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{store: store, clk: clk, log: log}
}

// DetectState classifies the session's current lifecycle state. It never
// returns an error: unreadable evidence degrades to session.Error, a
// missing transcript to session.Terminated.
func (e *Engine) DetectState(projectID, sessionID string) session.State {
	info, err := e.store.Stat(projectID, sessionID)
	if err != nil {
		// A path resolving to a directory or device is as dead as a
		// missing one.
		if os.IsNotExist(err) || errors.Is(err, transcript.ErrNotRegular) {
			return session.Terminated
		}
		e.log.Debugw("stat failed", "project", projectID, "session", sessionID, "error", err)
		return session.Error
	}

	age := e.clk.Now().Sub(info.ModTime())
	if age > ErrorThreshold {
		return session.Terminated
	}
	if age > StaleThreshold {
		return session.Stalled
	}

	// A pause marker observed after the executor signalled the session.
	// Time thresholds above still win: a transcript dead for 30 minutes
	// is terminated whether or not someone asked to pause it.
	if control.HasMarker(e.store, projectID, sessionID, session.ActionPause) {
		return session.Paused
	}

	path, err := e.store.SessionPath(projectID, sessionID)
	if err != nil {
		return session.Error
	}
	entries, err := transcript.ReadTail(path, stateWindow)
	if err != nil {
		e.log.Debugw("tail read failed", "path", path, "error", err)
		return session.Error
	}
	return classifyTail(entries)
}

// classifyTail derives a state from a parsed tail window. Error signals in
// the trailing entries take precedence over any activity evidence.
func classifyTail(entries []transcript.Entry) session.State {
	if len(entries) == 0 {
		return session.Idle
	}

	recent := entries
	if len(recent) > recentEntries {
		recent = recent[len(recent)-recentEntries:]
	}
	for i := range recent {
		if recent[i].HasErrorSignal() {
			return session.Error
		}
	}

	var sawUser, sawAssistant, sawTool bool
	lastUserIdx, lastAssistantIdx := -1, -1
	for i := range entries {
		if entries[i].IsToolActivity() {
			sawTool = true
			continue
		}
		switch entries[i].Type {
		case "user":
			sawUser = true
			lastUserIdx = i
		case "assistant":
			sawAssistant = true
			lastAssistantIdx = i
		}
	}

	if sawTool {
		return session.Active
	}
	if sawUser && sawAssistant {
		return session.Active
	}
	// A user turn with no assistant reply yet means the session is
	// awaiting a response, not idle.
	if sawUser && lastUserIdx > lastAssistantIdx {
		return session.Active
	}
	return session.Idle
}

// AnalyzeHealth re-reads a wider tail window and derives health evidence.
// Like DetectState it is total: failures yield a safe default with a
// warning attached.
func (e *Engine) AnalyzeHealth(projectID, sessionID string) session.Health {
	now := e.clk.Now()
	health := session.Health{LastActivityAt: now}

	info, err := e.store.Stat(projectID, sessionID)
	if err != nil {
		health.Warnings = append(health.Warnings, "transcript unreadable: "+err.Error())
		return health
	}
	health.LastActivityAt = info.ModTime()

	path, err := e.store.SessionPath(projectID, sessionID)
	if err != nil {
		health.Warnings = append(health.Warnings, "invalid session path: "+err.Error())
		return health
	}
	entries, err := transcript.ReadTail(path, healthWindow)
	if err != nil {
		health.Warnings = append(health.Warnings, "tail read failed: "+err.Error())
		return health
	}

	var durations []float64
	for i := range entries {
		if entries[i].HasErrorSignal() {
			health.ErrorCount++
		}
		if entries[i].Type == "assistant" && entries[i].Metadata != nil && entries[i].Metadata.Duration > 0 {
			durations = append(durations, entries[i].Metadata.Duration)
		}
		if t := entries[i].Time(); !t.IsZero() && t.After(health.LastActivityAt) {
			health.LastActivityAt = t
		}
	}

	if len(durations) > 0 {
		var sum float64
		for _, d := range durations {
			sum += d
		}
		mean := sum / float64(len(durations))
		health.ResponseTime = &mean
	}

	if now.Sub(health.LastActivityAt) > StaleThreshold {
		health.Warnings = append(health.Warnings, "inactive for an extended period")
	}
	if health.ErrorCount > highErrorCount {
		health.Warnings = append(health.Warnings, "high error rate")
	}
	return health
}

// GenerateUpdate composes state, health, and a full-window progress
// computation into one immutable snapshot. Failure in any part still
// yields a structurally valid update, with state Error and a warning.
func (e *Engine) GenerateUpdate(projectID, sessionID string) session.Update {
	now := e.clk.Now()
	state := e.DetectState(projectID, sessionID)
	health := e.AnalyzeHealth(projectID, sessionID)

	update := session.Update{
		SessionID: sessionID,
		ProjectID: projectID,
		State:     state,
		Health:    health,
		Metadata: session.Metadata{
			StartedAt:    now,
			LastUpdateAt: health.LastActivityAt,
		},
		Timestamp: now,
	}

	path, err := e.store.SessionPath(projectID, sessionID)
	if err == nil {
		if started, ok := transcript.FirstTimestamp(path); ok {
			update.Metadata.StartedAt = started
		} else if info, err := e.store.Stat(projectID, sessionID); err == nil {
			update.Metadata.StartedAt = info.ModTime()
		}

		entries, err := transcript.ReadTail(path, fullWindow)
		if err == nil {
			update.Progress = computeProgress(entries)
		} else if state != session.Terminated {
			update.State = session.Error
			update.Health.Warnings = append(update.Health.Warnings, "progress read failed: "+err.Error())
		}
	}

	controls := session.ControlsFor(update.State)
	update.Controls = &controls
	return update
}

// computeProgress derives token, message, activity, and duration figures
// from a full tail window.
func computeProgress(entries []transcript.Entry) session.Progress {
	var p session.Progress
	var firstTime, lastTime time.Time

	for i := range entries {
		entry := &entries[i]
		if entry.IsMessage() {
			p.MessagesCount++
		}
		if md := entry.Metadata; md != nil {
			if md.InputTokens > 0 || md.OutputTokens > 0 {
				p.TokenUsage.InputTokens += md.InputTokens
				p.TokenUsage.OutputTokens += md.OutputTokens
			} else if md.TokenCount > 0 {
				// Older records carry a single count; attribute it by
				// who produced the entry.
				if entry.Type == "assistant" {
					p.TokenUsage.OutputTokens += md.TokenCount
				} else {
					p.TokenUsage.InputTokens += md.TokenCount
				}
			}
		}
		if t := entry.Time(); !t.IsZero() {
			if firstTime.IsZero() || t.Before(firstTime) {
				firstTime = t
			}
			if t.After(lastTime) {
				lastTime = t
			}
		}
	}
	p.TokenUsage.TotalTokens = p.TokenUsage.InputTokens + p.TokenUsage.OutputTokens

	if !firstTime.IsZero() && !lastTime.IsZero() && lastTime.After(firstTime) {
		p.Duration = lastTime.Sub(firstTime).Milliseconds()
	}

	p.CurrentActivity = currentActivity(entries)
	return p
}

// currentActivity guesses what the session is doing from its most recent
// entries.
func currentActivity(entries []transcript.Entry) string {
	for i := len(entries) - 1; i >= 0; i-- {
		switch entries[i].Type {
		case "tool_use":
			if entries[i].ToolName != "" {
				return "using " + entries[i].ToolName
			}
			return "using tools"
		case "tool_result":
			return "processing tool results"
		case "assistant":
			return "responding"
		case "user":
			return "awaiting response"
		}
	}
	return ""
}
