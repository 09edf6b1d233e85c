package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sessiondeck/backend/internal/session"
)

const (
	wsReconnectBase = 1 * time.Second
	wsReconnectMax  = 30 * time.Second
)

// wsEnvelope mirrors the server's push envelope.
type wsEnvelope struct {
	Type    string          `json:"type"`
	Project string          `json:"project,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsSnapshotPayload struct {
	Data *session.Data `json:"data"`
}

// SnapshotStream receives pushed monitoring snapshots over WebSocket, as a
// push-based alternative to the polling loop.
type SnapshotStream struct {
	url    string
	header http.Header
}

// SnapshotStream builds a stream subscribed to the given project. An empty
// projectID subscribes to every project's snapshots.
func (c *API) SnapshotStream(projectID string) *SnapshotStream {
	u := strings.Replace(c.baseURL, "http", "ws", 1) + "/ws"
	if projectID != "" {
		u += "?project=" + url.QueryEscape(projectID)
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	return &SnapshotStream{url: u, header: header}
}

// Run dials the backend and invokes apply for every pushed snapshot. It
// redials with exponential backoff after any failure and returns only when
// ctx is cancelled.
func (s *SnapshotStream) Run(ctx context.Context, apply func(projectID string, data *session.Data)) {
	delay := wsReconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.url, s.header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, wsReconnectMax)
			continue
		}
		delay = wsReconnectBase

		s.readLoop(ctx, conn, apply)
		conn.Close()
	}
}

func (s *SnapshotStream) readLoop(ctx context.Context, conn *websocket.Conn, apply func(string, *session.Data)) {
	// Unblock ReadMessage when the subscription is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env wsEnvelope
		if json.Unmarshal(data, &env) != nil || env.Type != "snapshot" {
			continue
		}
		var payload wsSnapshotPayload
		if json.Unmarshal(env.Payload, &payload) != nil || payload.Data == nil {
			continue
		}
		apply(env.Project, payload.Data)
	}
}

// ApplySnapshot replaces the cached snapshot with a pushed one, healing the
// selection exactly as a successful poll would.
func (f *Facade) ApplySnapshot(data *session.Data) {
	f.breaker.RecordSuccess()
	f.mu.Lock()
	f.data = data
	f.status = StatusConnected
	f.lastErr = nil
	f.healSelectionLocked()
	f.mu.Unlock()
	f.notify()
}
