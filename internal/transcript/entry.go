package transcript

import (
	"encoding/json"
	"strings"
	"time"
)

// Entry is one line-delimited JSON record from a session transcript.
// The reader never writes transcripts; it only observes them.
type Entry struct {
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	Timestamp string          `json:"timestamp"`
	ToolName  string          `json:"toolName,omitempty"`
	IsError   bool            `json:"isError,omitempty"`
	Metadata  *EntryMetadata  `json:"metadata,omitempty"`
}

// EntryMetadata carries optional per-entry accounting.
type EntryMetadata struct {
	TokenCount   int `json:"tokenCount,omitempty"`
	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`
	// Duration is the assistant turn duration in milliseconds.
	Duration float64 `json:"duration,omitempty"`
}

// Time parses the entry timestamp as RFC3339. Returns a zero Time when the
// field is absent or malformed.
func (e *Entry) Time() time.Time {
	if e.Timestamp == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// IsMessage reports whether the entry is a conversational turn.
func (e *Entry) IsMessage() bool {
	return e.Type == "user" || e.Type == "assistant"
}

// IsToolActivity reports whether the entry records tool use.
func (e *Entry) IsToolActivity() bool {
	return e.Type == "tool_use" || e.Type == "tool_result"
}

// errorKeywords are matched case-insensitively against entry content when
// the isError flag is absent.
var errorKeywords = []string{"error", "exception", "failed", "failure", "panic", "fatal"}

// HasErrorSignal reports whether the entry is error-flagged or its content
// contains an error keyword.
func (e *Entry) HasErrorSignal() bool {
	if e.IsError {
		return true
	}
	if len(e.Content) == 0 {
		return false
	}
	content := strings.ToLower(string(e.Content))
	for _, kw := range errorKeywords {
		if strings.Contains(content, kw) {
			return true
		}
	}
	return false
}

// ContentText returns the entry content as plain text. Content may be a
// JSON string or an arbitrary structure; structures are returned as their
// raw JSON text.
func (e *Entry) ContentText() string {
	if len(e.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Content, &s); err == nil {
		return s
	}
	return string(e.Content)
}
