// Package control translates user control intents (pause, resume,
// terminate, restart) into persisted marker files and best-effort OS
// signals. It is not a process supervisor: it signals and hopes, and it
// reports every outcome as data rather than raising.
package control

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/sessiondeck/backend/internal/session"
	"github.com/sessiondeck/backend/internal/transcript"
)

const (
	// DefaultProcessPattern is the command-line substring matched when
	// hunting for CLI processes to signal.
	DefaultProcessPattern = "claude"

	// resumeMarkerTTL is how long the transient resume marker lives
	// before the executor removes it again.
	resumeMarkerTTL = 5 * time.Second

	// forceKillGrace is the delay between the graceful termination signal
	// and the unconditional kill when force is requested.
	forceKillGrace = 3 * time.Second
)

// Executor applies control requests. Execute never panics past its
// boundary and never returns an error; all failures are carried in the
// result.
type Executor struct {
	store   *transcript.Store
	matcher ProcessMatcher
	pattern string
	clk     clock.Clock
	log     *zap.SugaredLogger
}

// NewExecutor creates an executor over the given transcript store. A nil
// matcher falls back to NoopMatcher.
func NewExecutor(store *transcript.Store, matcher ProcessMatcher, clk clock.Clock, log *zap.SugaredLogger) *Executor {
	if matcher == nil {
		matcher = NoopMatcher{}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Executor{
		store:   store,
		matcher: matcher,
		pattern: DefaultProcessPattern,
		clk:     clk,
		log:     log,
	}
}

// SetProcessPattern overrides the command-line substring used for process
// matching. Intended for tests and non-default CLI installs.
func (x *Executor) SetProcessPattern(pattern string) { x.pattern = pattern }

// Execute dispatches a control request to its action handler.
func (x *Executor) Execute(req session.ControlRequest) (result session.ControlResult) {
	result = session.ControlResult{
		SessionID: req.SessionID,
		Action:    req.Action,
		Timestamp: x.clk.Now(),
	}

	// The poll loop depends on this function being total; a panic in a
	// handler becomes a failed result.
	defer func() {
		if r := recover(); r != nil {
			x.log.Errorw("control handler panic", "action", req.Action, "session", req.SessionID, "panic", r)
			result.Success = false
			result.Message = fmt.Sprintf("internal failure: %v", r)
			result.NewState = nil
		}
	}()

	if err := transcript.ValidateID(req.ProjectID); err != nil {
		result.Message = "invalid project id: " + err.Error()
		return result
	}
	if err := transcript.ValidateID(req.SessionID); err != nil {
		result.Message = "invalid session id: " + err.Error()
		return result
	}

	// Restart may target a session whose transcript is already gone; the
	// other actions require the session to still exist on disk.
	if req.Action != session.ActionRestart {
		if _, err := x.store.Stat(req.ProjectID, req.SessionID); err != nil {
			result.Message = fmt.Sprintf("session transcript not found: %v", err)
			return result
		}
	}

	switch req.Action {
	case session.ActionPause:
		return x.pause(req, result)
	case session.ActionResume:
		return x.resume(req, result)
	case session.ActionTerminate:
		return x.terminate(req, result)
	case session.ActionRestart:
		return x.restart(req, result)
	default:
		result.Message = fmt.Sprintf("unsupported action %q", req.Action)
		return result
	}
}

func (x *Executor) pause(req session.ControlRequest, result session.ControlResult) session.ControlResult {
	if err := WriteMarker(x.store, x.marker(req, session.ActionPause)); err != nil {
		result.Message = "pause marker: " + err.Error()
		return result
	}

	signaled := x.signalMatches("pause", req.SessionID)

	result.Success = true
	newState := session.Paused
	result.NewState = &newState
	if signaled > 0 {
		result.Message = fmt.Sprintf("requested pause, signaled %d process(es)", signaled)
	} else {
		result.Message = "pause marker created, no matching processes found"
	}
	return result
}

func (x *Executor) resume(req session.ControlRequest, result session.ControlResult) session.ControlResult {
	if err := RemoveMarker(x.store, req.ProjectID, req.SessionID, session.ActionPause); err != nil {
		result.Message = "removing pause marker: " + err.Error()
		return result
	}
	if err := WriteMarker(x.store, x.marker(req, session.ActionResume)); err != nil {
		result.Message = "resume marker: " + err.Error()
		return result
	}

	// The resume marker is transient: it only needs to outlive whatever
	// external supervisor might be watching the directory.
	store, projectID, sessionID := x.store, req.ProjectID, req.SessionID
	x.clk.AfterFunc(resumeMarkerTTL, func() {
		if err := RemoveMarker(store, projectID, sessionID, session.ActionResume); err != nil {
			x.log.Debugw("resume marker cleanup failed", "session", sessionID, "error", err)
		}
	})

	result.Success = true
	newState := session.Active
	result.NewState = &newState
	result.Message = "resume requested"
	return result
}

func (x *Executor) terminate(req session.ControlRequest, result session.ControlResult) session.ControlResult {
	if err := WriteMarker(x.store, x.marker(req, session.ActionTerminate)); err != nil {
		result.Message = "terminate marker: " + err.Error()
		return result
	}

	matched, err := x.matcher.Match(x.pattern)
	if err != nil {
		x.log.Warnw("process match failed", "session", req.SessionID, "error", err)
	}
	signaled := 0
	for _, p := range matched {
		if err := x.matcher.Terminate(p.PID); err != nil {
			x.log.Debugw("terminate signal failed", "pid", p.PID, "error", err)
			continue
		}
		signaled++
	}

	if req.Force && len(matched) > 0 {
		pids := make([]int32, len(matched))
		for i, p := range matched {
			pids[i] = p.PID
		}
		x.clk.AfterFunc(forceKillGrace, func() {
			for _, pid := range pids {
				if err := x.matcher.Kill(pid); err != nil {
					x.log.Debugw("kill signal failed", "pid", pid, "error", err)
				}
			}
		})
	}

	// A terminated session has no pending pause/resume intent.
	_ = RemoveMarker(x.store, req.ProjectID, req.SessionID, session.ActionPause)
	_ = RemoveMarker(x.store, req.ProjectID, req.SessionID, session.ActionResume)

	result.Success = true
	newState := session.Terminated
	result.NewState = &newState
	if signaled > 0 {
		result.Message = fmt.Sprintf("requested termination, signaled %d process(es)", signaled)
	} else {
		result.Message = "terminate marker created, no matching processes found"
	}
	return result
}

func (x *Executor) restart(req session.ControlRequest, result session.ControlResult) session.ControlResult {
	// Force-terminate first so any matched process is gone before the
	// restart intent is recorded.
	termReq := req
	termReq.Action = session.ActionTerminate
	termReq.Force = true
	if _, err := x.store.Stat(req.ProjectID, req.SessionID); err == nil {
		x.terminate(termReq, session.ControlResult{SessionID: req.SessionID, Action: session.ActionTerminate, Timestamp: x.clk.Now()})
	}

	if err := RemoveAllMarkers(x.store, req.ProjectID, req.SessionID); err != nil {
		result.Message = "clearing markers: " + err.Error()
		return result
	}
	if err := WriteMarker(x.store, x.marker(req, session.ActionRestart)); err != nil {
		result.Message = "restart marker: " + err.Error()
		return result
	}

	result.Success = true
	newState := session.Active
	result.NewState = &newState
	// The actual relaunch is delegated to an external supervisor watching
	// the marker directory; nothing in this process spawns the CLI.
	result.Message = "restart marker created; relaunch requires an external supervisor"
	return result
}

// signalMatches sends a termination-request signal to every matched
// process and returns how many were signaled.
func (x *Executor) signalMatches(action, sessionID string) int {
	matched, err := x.matcher.Match(x.pattern)
	if err != nil {
		x.log.Warnw("process match failed", "action", action, "session", sessionID, "error", err)
		return 0
	}
	signaled := 0
	for _, p := range matched {
		if err := x.matcher.Terminate(p.PID); err != nil {
			x.log.Debugw("signal failed", "action", action, "pid", p.PID, "error", err)
			continue
		}
		signaled++
	}
	return signaled
}

func (x *Executor) marker(req session.ControlRequest, action session.ControlAction) Marker {
	return Marker{
		Action:    action,
		SessionID: req.SessionID,
		ProjectID: req.ProjectID,
		Timestamp: x.clk.Now(),
		Reason:    req.Reason,
	}
}
