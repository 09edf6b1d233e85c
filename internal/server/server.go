// Package server exposes the monitoring orchestrator over HTTP and pushes
// snapshots over WebSocket.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sessiondeck/backend/internal/monitor"
	"github.com/sessiondeck/backend/internal/session"
	"github.com/sessiondeck/backend/internal/transcript"
)

type Server struct {
	svc            *monitor.Service
	transcripts    *transcript.Store
	hub            *Hub
	log            *zap.SugaredLogger
	authToken      string
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

func New(svc *monitor.Service, transcripts *transcript.Store, hub *Hub, log *zap.SugaredLogger, allowedOrigins []string, authToken string) *Server {
	s := &Server{
		svc:            svc,
		transcripts:    transcripts,
		hub:            hub,
		log:            log,
		authToken:      authToken,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/projects", s.handleProjects)
	mux.HandleFunc("/api/projects/", s.handleProjectRoutes)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	project := r.URL.Query().Get("project")
	if project != "" && transcript.ValidateID(project) != nil {
		msg, _ := json.Marshal(WSMessage{Type: MsgError, Payload: "invalid project id"})
		conn.WriteMessage(websocket.TextMessage, msg)
		conn.Close()
		return
	}
	s.log.Infow("ws client connected", "remote", r.RemoteAddr, "project", project)
	c := s.hub.Add(conn, project)

	go func() {
		defer func() {
			s.hub.Remove(c)
			s.log.Infow("ws client disconnected", "remote", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	projects, err := s.transcripts.ListProjects()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if projects == nil {
		projects = []string{}
	}
	writeJSON(w, projects)
}

// handleProjectRoutes dispatches /api/projects/{id}/... subroutes.
func (s *Server) handleProjectRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	projectID, err := url.PathUnescape(parts[0])
	if err != nil || transcript.ValidateID(projectID) != nil {
		http.Error(w, "invalid project id", http.StatusBadRequest)
		return
	}

	switch parts[1] {
	case "monitoring":
		s.handleMonitoring(w, r, projectID)
	case "monitoring/status":
		s.handleMonitoringStatus(w, r, projectID)
	case "sessions":
		s.handleSessions(w, r, projectID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleMonitoring(w http.ResponseWriter, r *http.Request, projectID string) {
	switch r.Method {
	case http.MethodGet:
		data, ok := s.svc.GetData(projectID)
		if !ok {
			http.Error(w, "project is not monitored", http.StatusNotFound)
			return
		}
		writeJSON(w, data)

	case http.MethodPost:
		var body monitoringAction
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		switch body.Action {
		case "start":
			if err := s.svc.StartMonitoring(projectID, body.Config); err != nil {
				s.writeConfigError(w, err)
				return
			}
			writeJSON(w, statusResponse{IsActive: true})

		case "stop":
			s.svc.StopMonitoring(projectID)
			writeJSON(w, statusResponse{IsActive: false})

		case "control":
			if body.Request == nil {
				http.Error(w, "control action requires a request", http.StatusBadRequest)
				return
			}
			req := *body.Request
			req.ProjectID = projectID
			writeJSON(w, s.svc.Control(req))

		case "updateConfig":
			if body.Config == nil {
				http.Error(w, "updateConfig requires a config", http.StatusBadRequest)
				return
			}
			if err := s.svc.UpdateConfig(projectID, *body.Config); err != nil {
				s.writeConfigError(w, err)
				return
			}
			writeJSON(w, statusResponse{IsActive: s.svc.IsActive(projectID)})

		default:
			http.Error(w, fmt.Sprintf("unknown action %q", body.Action), http.StatusBadRequest)
		}

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMonitoringStatus(w http.ResponseWriter, r *http.Request, projectID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, statusResponse{IsActive: s.svc.IsActive(projectID)})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, projectID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions, err := s.transcripts.ListSessions(projectID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []transcript.SessionInfo{}
	}
	writeJSON(w, sessions)
}

// writeConfigError maps validation errors to 400 and everything else to 500.
func (s *Server) writeConfigError(w http.ResponseWriter, err error) {
	var cfgErr *session.ConfigError
	if errors.As(err, &cfgErr) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.Contains(err.Error(), "not monitored") || strings.Contains(err.Error(), "invalid identifier") {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.authToken {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}
	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}
	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	return false
}

// ListenAndServe starts the HTTP server on host:port.
func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	return http.ListenAndServe(addr, mux)
}
