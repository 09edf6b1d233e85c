package transcript

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ErrNotRegular reports that a transcript path resolved to something other
// than a regular file. Callers treat it like a missing transcript.
var ErrNotRegular = errors.New("not a regular file")

// idPattern is the only shape accepted for project and session identifiers.
// Anything else is rejected before a single file-system call is made, which
// closes the path-traversal hole by construction.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// SessionInfo describes one transcript file found in a project directory.
type SessionInfo struct {
	ID      string    `json:"id"`
	Path    string    `json:"-"`
	ModTime time.Time `json:"modTime"`
	Size    int64     `json:"size"`
}

// Store resolves project and session identifiers to paths under a single
// data root. It owns no mutable state; all methods are safe for concurrent
// use.
type Store struct {
	root string
}

// NewStore creates a store rooted at dir. The directory does not need to
// exist yet; listing methods report empty results until it does.
func NewStore(dir string) *Store {
	return &Store{root: filepath.Clean(dir)}
}

// Root returns the data root directory.
func (s *Store) Root() string { return s.root }

// ValidateID rejects identifiers that are empty, contain path separators,
// or start with a dot.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("empty identifier")
	}
	if !idPattern.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid identifier %q", id)
	}
	return nil
}

// ProjectDir resolves a project's directory, validating the identifier.
func (s *Store) ProjectDir(projectID string) (string, error) {
	if err := ValidateID(projectID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, projectID), nil
}

// SessionPath resolves a session's transcript path, validating both
// identifiers. The returned path is guaranteed to live under the data root.
func (s *Store) SessionPath(projectID, sessionID string) (string, error) {
	dir, err := s.ProjectDir(projectID)
	if err != nil {
		return "", err
	}
	if err := ValidateID(sessionID); err != nil {
		return "", err
	}
	path := filepath.Join(dir, sessionID+".jsonl")
	if !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes data root", path)
	}
	return path, nil
}

// MarkerDir resolves the side-channel directory where control intent
// markers for a project are persisted. Resolution only; read paths must
// not create directories as a side effect.
func (s *Store) MarkerDir(projectID string) (string, error) {
	dir, err := s.ProjectDir(projectID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ".markers"), nil
}

// EnsureMarkerDir resolves the marker directory and creates it if needed.
// Marker writers call this; readers use MarkerDir.
func (s *Store) EnsureMarkerDir(projectID string) (string, error) {
	dir, err := s.MarkerDir(projectID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating marker dir: %w", err)
	}
	return dir, nil
}

// ListProjects returns the project identifiers under the data root,
// sorted by name.
func (s *Store) ListProjects() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading data root: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// ListSessions returns the transcripts in a project directory, most
// recently modified first.
func (s *Store) ListSessions(projectID string) ([]SessionInfo, error) {
	dir, err := s.ProjectDir(projectID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading project dir %s: %w", dir, err)
	}

	var sessions []SessionInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		sessions = append(sessions, SessionInfo{
			ID:      strings.TrimSuffix(e.Name(), ".jsonl"),
			Path:    filepath.Join(dir, e.Name()),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ModTime.After(sessions[j].ModTime)
	})
	return sessions, nil
}

// Stat returns the transcript file info, or an error when the path does not
// resolve to a regular file.
func (s *Store) Stat(projectID, sessionID string) (os.FileInfo, error) {
	path, err := s.SessionPath(projectID, sessionID)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: %w", path, ErrNotRegular)
	}
	return info, nil
}
