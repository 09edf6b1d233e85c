package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// ControlAction is a user control intent for a session.
type ControlAction int

const (
	ActionPause ControlAction = iota
	ActionResume
	ActionTerminate
	ActionRestart
)

var actionNames = map[ControlAction]string{
	ActionPause:     "pause",
	ActionResume:    "resume",
	ActionTerminate: "terminate",
	ActionRestart:   "restart",
}

var actionFromName = map[string]ControlAction{
	"pause":     ActionPause,
	"resume":    ActionResume,
	"terminate": ActionTerminate,
	"restart":   ActionRestart,
}

func (a ControlAction) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return "unknown"
}

func (a ControlAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *ControlAction) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, ok := actionFromName[s]
	if !ok {
		return fmt.Errorf("unknown control action %q", s)
	}
	*a = v
	return nil
}

// ParseAction converts an action name into a ControlAction.
func ParseAction(name string) (ControlAction, error) {
	if v, ok := actionFromName[name]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("unknown control action %q", name)
}

// Controls are per-session capability flags derived purely from the current
// state. They are never independently settable.
type Controls struct {
	CanPause     bool `json:"canPause"`
	CanResume    bool `json:"canResume"`
	CanTerminate bool `json:"canTerminate"`
	CanRestart   bool `json:"canRestart"`
}

// ControlsFor maps a state to its available actions.
func ControlsFor(state State) Controls {
	switch state {
	case Active, Idle:
		return Controls{CanPause: true, CanTerminate: true}
	case Paused:
		return Controls{CanResume: true, CanTerminate: true}
	case Stalled, Error:
		return Controls{CanRestart: true, CanTerminate: true}
	case Terminated:
		return Controls{CanRestart: true}
	}
	return Controls{}
}

// Allows reports whether the given action is available.
func (c Controls) Allows(action ControlAction) bool {
	switch action {
	case ActionPause:
		return c.CanPause
	case ActionResume:
		return c.CanResume
	case ActionTerminate:
		return c.CanTerminate
	case ActionRestart:
		return c.CanRestart
	}
	return false
}

// ControlRequest asks the executor to apply an action to a session.
type ControlRequest struct {
	SessionID string        `json:"sessionId"`
	ProjectID string        `json:"projectId"`
	Action    ControlAction `json:"action"`
	Reason    string        `json:"reason,omitempty"`
	Force     bool          `json:"force,omitempty"`
}

// ControlResult reports the outcome of a control request. Failures are
// always data; the executor never lets an error escape its boundary.
type ControlResult struct {
	SessionID string        `json:"sessionId"`
	Action    ControlAction `json:"action"`
	Success   bool          `json:"success"`
	Message   string        `json:"message,omitempty"`
	NewState  *State        `json:"newState,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
