package session

import (
	"time"
)

// Health carries per-session health evidence gathered from one observation
// of the transcript tail. Warnings are per-observation, not cumulative
// across polls.
type Health struct {
	LastActivityAt time.Time `json:"lastActivityAt"`
	// ResponseTime is the mean of recent assistant-turn durations in
	// milliseconds. Nil means unknown; callers must not treat it as zero.
	ResponseTime *float64 `json:"responseTime,omitempty"`
	MemoryUsage  *float64 `json:"memoryUsage,omitempty"`
	CPUUsage     *float64 `json:"cpuUsage,omitempty"`
	ErrorCount   int      `json:"errorCount"`
	Warnings     []string `json:"warnings,omitempty"`
}

// TokenUsage is the token accounting for the observed window.
// TotalTokens is always InputTokens + OutputTokens.
type TokenUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Progress summarizes conversational progress over the observed window.
type Progress struct {
	CurrentActivity string     `json:"currentActivity,omitempty"`
	TokenUsage      TokenUsage `json:"tokenUsage"`
	MessagesCount   int        `json:"messagesCount"`
	// Duration is the span in milliseconds between the first and last
	// observed entry timestamps; 0 with fewer than two entries.
	Duration int64 `json:"duration"`
}

// Metadata carries slow-changing session facts.
type Metadata struct {
	StartedAt    time.Time `json:"startedAt"`
	LastUpdateAt time.Time `json:"lastUpdateAt"`
	Version      string    `json:"version,omitempty"`
	Environment  string    `json:"environment,omitempty"`
}

// Update is one session's full monitoring snapshot, produced fresh each
// poll and never mutated in place.
type Update struct {
	SessionID string    `json:"sessionId"`
	ProjectID string    `json:"projectId"`
	State     State     `json:"state"`
	Health    Health    `json:"health"`
	Progress  Progress  `json:"progress"`
	Metadata  Metadata  `json:"metadata"`
	Controls  *Controls `json:"controls,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OverallStats aggregates one project's sessions.
type OverallStats struct {
	ActiveSessions int `json:"activeSessions"`
	TotalSessions  int `json:"totalSessions"`
	// AverageResponseTime is the mean of known response times in ms.
	// Zero when no session reported one.
	AverageResponseTime float64 `json:"averageResponseTime"`
	// SystemLoad is a synthetic 0-100 proxy: tracked sessions over the
	// configured cap, not true system load.
	SystemLoad float64 `json:"systemLoad"`
}

// Data is the project-level monitoring aggregate. Each poll cycle produces
// a full replacement; snapshots are never merged.
type Data struct {
	Sessions     []Update     `json:"sessions"`
	OverallStats OverallStats `json:"overallStats"`
	LastUpdated  time.Time    `json:"lastUpdated"`
	Config       Config       `json:"config"`
	// Stale marks a preserved previous snapshot annotated after a failed
	// refresh, so clients never regress to "no data" on a transient error.
	Stale       bool   `json:"stale,omitempty"`
	StaleReason string `json:"staleReason,omitempty"`
}

// Config is the per-project monitoring configuration.
type Config struct {
	PollInterval        time.Duration `json:"pollInterval" yaml:"poll_interval"`
	HealthCheckInterval time.Duration `json:"healthCheckInterval" yaml:"health_check_interval"`
	StaleThreshold      time.Duration `json:"staleThreshold" yaml:"stale_threshold"`
	MaxSessions         int           `json:"maxSessions" yaml:"max_sessions"`
	EnableAutoRecovery  bool          `json:"enableAutoRecovery" yaml:"enable_auto_recovery"`
	EnableNotifications bool          `json:"enableNotifications" yaml:"enable_notifications"`
}

const (
	MinPollInterval = time.Second
	MinMaxSessions  = 1
)

// DefaultConfig returns the monitoring defaults applied on StartMonitoring
// when the caller omits fields.
func DefaultConfig() Config {
	return Config{
		PollInterval:        5 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		StaleThreshold:      5 * time.Minute,
		MaxSessions:         50,
		EnableAutoRecovery:  false,
		EnableNotifications: true,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval == 0 {
		c.PollInterval = def.PollInterval
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.StaleThreshold == 0 {
		c.StaleThreshold = def.StaleThreshold
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = def.MaxSessions
	}
	return c
}

// Validate rejects configurations the poll loop cannot safely run with.
func (c Config) Validate() error {
	if c.PollInterval < MinPollInterval {
		return &ConfigError{Field: "pollInterval", Reason: "must be at least 1s"}
	}
	if c.MaxSessions < MinMaxSessions {
		return &ConfigError{Field: "maxSessions", Reason: "must be at least 1"}
	}
	return nil
}

// ConfigError describes a rejected monitoring configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid monitoring config: " + e.Field + " " + e.Reason
}

// Clone returns a deep copy of the Data so the caller can hold it beyond
// the registry lock without observing later mutation.
func (d *Data) Clone() *Data {
	c := *d
	if len(d.Sessions) > 0 {
		c.Sessions = make([]Update, len(d.Sessions))
		for i := range d.Sessions {
			c.Sessions[i] = d.Sessions[i].Clone()
		}
	}
	return &c
}

// Clone returns a deep copy of the Update.
func (u Update) Clone() Update {
	if u.Health.ResponseTime != nil {
		v := *u.Health.ResponseTime
		u.Health.ResponseTime = &v
	}
	if u.Health.MemoryUsage != nil {
		v := *u.Health.MemoryUsage
		u.Health.MemoryUsage = &v
	}
	if u.Health.CPUUsage != nil {
		v := *u.Health.CPUUsage
		u.Health.CPUUsage = &v
	}
	if len(u.Health.Warnings) > 0 {
		u.Health.Warnings = append([]string(nil), u.Health.Warnings...)
	}
	if u.Controls != nil {
		c := *u.Controls
		u.Controls = &c
	}
	return u
}
