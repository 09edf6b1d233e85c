package session

import (
	"encoding/json"
	"testing"
)

func TestControlsFor(t *testing.T) {
	tests := []struct {
		state State
		want  Controls
	}{
		{Active, Controls{CanPause: true, CanTerminate: true}},
		{Idle, Controls{CanPause: true, CanTerminate: true}},
		{Paused, Controls{CanResume: true, CanTerminate: true}},
		{Stalled, Controls{CanRestart: true, CanTerminate: true}},
		{Error, Controls{CanRestart: true, CanTerminate: true}},
		{Terminated, Controls{CanRestart: true}},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := ControlsFor(tt.state); got != tt.want {
				t.Errorf("ControlsFor(%v) = %+v, want %+v", tt.state, got, tt.want)
			}
		})
	}
}

func TestControlsAllows(t *testing.T) {
	c := ControlsFor(Paused)
	tests := []struct {
		action ControlAction
		want   bool
	}{
		{ActionPause, false},
		{ActionResume, true},
		{ActionTerminate, true},
		{ActionRestart, false},
	}

	for _, tt := range tests {
		if got := c.Allows(tt.action); got != tt.want {
			t.Errorf("Allows(%v) = %v, want %v", tt.action, got, tt.want)
		}
	}
}

func TestParseAction(t *testing.T) {
	for _, name := range []string{"pause", "resume", "terminate", "restart"} {
		a, err := ParseAction(name)
		if err != nil {
			t.Fatalf("ParseAction(%q): %v", name, err)
		}
		if a.String() != name {
			t.Errorf("ParseAction(%q).String() = %q", name, a.String())
		}
	}

	if _, err := ParseAction("explode"); err == nil {
		t.Error("ParseAction(\"explode\") expected error, got nil")
	}
}

func TestControlActionJSON(t *testing.T) {
	data, err := json.Marshal(ActionTerminate)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `"terminate"` {
		t.Errorf("Marshal(ActionTerminate) = %s", data)
	}

	var a ControlAction
	if err := json.Unmarshal([]byte(`"bogus"`), &a); err == nil {
		t.Error("Unmarshal of unknown action expected error, got nil")
	}
}
