package server

import (
	"github.com/sessiondeck/backend/internal/session"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgError    MessageType = "error"
)

// WSMessage is the envelope for every WebSocket push.
type WSMessage struct {
	Type    MessageType `json:"type"`
	Project string      `json:"project,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// SnapshotPayload carries one project's full monitoring snapshot.
type SnapshotPayload struct {
	Data *session.Data `json:"data"`
}

// monitoringAction is the body of POST /api/projects/{id}/monitoring.
type monitoringAction struct {
	Action  string                  `json:"action"`
	Config  *session.Config         `json:"config,omitempty"`
	Request *session.ControlRequest `json:"request,omitempty"`
}

// statusResponse is the body of GET /api/projects/{id}/monitoring/status.
type statusResponse struct {
	IsActive bool `json:"isActive"`
}
