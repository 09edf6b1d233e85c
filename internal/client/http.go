package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sessiondeck/backend/internal/session"
	"github.com/sessiondeck/backend/internal/transcript"
)

// API makes REST calls to the session deck backend.
type API struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewAPI creates a client targeting the given base URL
// (e.g. "http://127.0.0.1:8080").
func NewAPI(baseURL, token string) *API {
	return &API{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// ListProjects fetches the project identifiers under the data root.
func (c *API) ListProjects() ([]string, error) {
	var out []string
	if err := c.get("/api/projects", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListSessions fetches the transcripts known for a project.
func (c *API) ListSessions(projectID string) ([]transcript.SessionInfo, error) {
	var out []transcript.SessionInfo
	if err := c.get("/api/projects/"+url.PathEscape(projectID)+"/sessions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMonitoring fetches the project's latest monitoring snapshot.
func (c *API) GetMonitoring(projectID string) (*session.Data, error) {
	var out session.Data
	if err := c.get("/api/projects/"+url.PathEscape(projectID)+"/monitoring", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches whether the project is being monitored.
func (c *API) Status(projectID string) (bool, error) {
	var out struct {
		IsActive bool `json:"isActive"`
	}
	if err := c.get("/api/projects/"+url.PathEscape(projectID)+"/monitoring/status", &out); err != nil {
		return false, err
	}
	return out.IsActive, nil
}

// StartMonitoring begins monitoring with an optional config.
func (c *API) StartMonitoring(projectID string, cfg *session.Config) error {
	body := map[string]interface{}{"action": "start"}
	if cfg != nil {
		body["config"] = cfg
	}
	return c.post("/api/projects/"+url.PathEscape(projectID)+"/monitoring", body, nil)
}

// StopMonitoring ends monitoring for the project.
func (c *API) StopMonitoring(projectID string) error {
	body := map[string]interface{}{"action": "stop"}
	return c.post("/api/projects/"+url.PathEscape(projectID)+"/monitoring", body, nil)
}

// UpdateConfig replaces the project's monitoring config.
func (c *API) UpdateConfig(projectID string, cfg session.Config) error {
	body := map[string]interface{}{"action": "updateConfig", "config": cfg}
	return c.post("/api/projects/"+url.PathEscape(projectID)+"/monitoring", body, nil)
}

// Control runs a control action against a session.
func (c *API) Control(projectID string, req session.ControlRequest) (*session.ControlResult, error) {
	body := map[string]interface{}{"action": "control", "request": req}
	var out session.ControlResult
	if err := c.post("/api/projects/"+url.PathEscape(projectID)+"/monitoring", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *API) get(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %d %s: %s", path, resp.StatusCode, http.StatusText(resp.StatusCode), bytes.TrimSpace(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *API) post(path string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("POST %s: %d %s: %s", path, resp.StatusCode, http.StatusText(resp.StatusCode), bytes.TrimSpace(respBody))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *API) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
