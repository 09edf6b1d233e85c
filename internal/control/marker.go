package control

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sessiondeck/backend/internal/session"
	"github.com/sessiondeck/backend/internal/transcript"
)

// Marker is a persisted control intent for a session. Nothing in this
// repository consumes markers to relaunch processes; they are the
// extension point for an external supervisor.
type Marker struct {
	Action    session.ControlAction `json:"action"`
	SessionID string                `json:"sessionId"`
	ProjectID string                `json:"projectId"`
	Timestamp time.Time             `json:"timestamp"`
	Reason    string                `json:"reason,omitempty"`
}

// markerPath returns the marker file path for a session/action pair inside
// the project's marker directory.
func markerPath(dir, sessionID string, action session.ControlAction) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%s.json", sessionID, action))
}

// WriteMarker persists a control intent marker, overwriting any existing
// marker for the same session/action.
func WriteMarker(store *transcript.Store, m Marker) error {
	dir, err := store.EnsureMarkerDir(m.ProjectID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding marker: %w", err)
	}
	path := markerPath(dir, m.SessionID, m.Action)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing marker %s: %w", path, err)
	}
	return nil
}

// RemoveMarker deletes a marker if present. A missing marker is not an error.
func RemoveMarker(store *transcript.Store, projectID, sessionID string, action session.ControlAction) error {
	dir, err := store.MarkerDir(projectID)
	if err != nil {
		return err
	}
	path := markerPath(dir, sessionID, action)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing marker %s: %w", path, err)
	}
	return nil
}

// RemoveAllMarkers deletes every marker for a session.
func RemoveAllMarkers(store *transcript.Store, projectID, sessionID string) error {
	for _, action := range []session.ControlAction{
		session.ActionPause, session.ActionResume, session.ActionTerminate, session.ActionRestart,
	} {
		if err := RemoveMarker(store, projectID, sessionID, action); err != nil {
			return err
		}
	}
	return nil
}

// HasMarker reports whether a marker exists for the session/action pair.
func HasMarker(store *transcript.Store, projectID, sessionID string, action session.ControlAction) bool {
	dir, err := store.MarkerDir(projectID)
	if err != nil {
		return false
	}
	_, err = os.Stat(markerPath(dir, sessionID, action))
	return err == nil
}

// ReadMarker loads a marker if present.
func ReadMarker(store *transcript.Store, projectID, sessionID string, action session.ControlAction) (*Marker, error) {
	dir, err := store.MarkerDir(projectID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(markerPath(dir, sessionID, action))
	if err != nil {
		return nil, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding marker: %w", err)
	}
	return &m, nil
}
