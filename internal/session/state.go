package session

import (
	"encoding/json"
)

// State is the inferred lifecycle state of a session at one observation
// instant. It is derived from file-system and transcript evidence on every
// poll, never stored, so consecutive polls may legitimately disagree when a
// session straddles a heuristic boundary.
type State int

const (
	Active State = iota
	Idle
	Stalled
	Paused
	Terminated
	Error
)

var stateNames = map[State]string{
	Active:     "active",
	Idle:       "idle",
	Stalled:    "stalled",
	Paused:     "paused",
	Terminated: "terminated",
	Error:      "error",
}

var stateFromName = map[string]State{
	"active":     Active,
	"idle":       Idle,
	"stalled":    Stalled,
	"paused":     Paused,
	"terminated": Terminated,
	"error":      Error,
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := stateFromName[name]; ok {
		*s = v
	}
	return nil
}

// IsRunning reports whether the session counts toward a project's active
// session total.
func (s State) IsRunning() bool {
	return s == Active || s == Idle
}

// IsDegraded reports whether the session is a candidate for the health
// sweep's auto-recovery path.
func (s State) IsDegraded() bool {
	return s == Stalled || s == Error
}
