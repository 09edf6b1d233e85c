package session

import (
	"encoding/json"
	"time"
)

// configJSON is the wire shape of Config: durations travel as integer
// milliseconds, matching what dashboard clients send.
type configJSON struct {
	PollInterval        int64 `json:"pollInterval"`
	HealthCheckInterval int64 `json:"healthCheckInterval"`
	StaleThreshold      int64 `json:"staleThreshold"`
	MaxSessions         int   `json:"maxSessions"`
	EnableAutoRecovery  bool  `json:"enableAutoRecovery"`
	EnableNotifications bool  `json:"enableNotifications"`
}

func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(configJSON{
		PollInterval:        c.PollInterval.Milliseconds(),
		HealthCheckInterval: c.HealthCheckInterval.Milliseconds(),
		StaleThreshold:      c.StaleThreshold.Milliseconds(),
		MaxSessions:         c.MaxSessions,
		EnableAutoRecovery:  c.EnableAutoRecovery,
		EnableNotifications: c.EnableNotifications,
	})
}

func (c *Config) UnmarshalJSON(data []byte) error {
	var w configJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.PollInterval = time.Duration(w.PollInterval) * time.Millisecond
	c.HealthCheckInterval = time.Duration(w.HealthCheckInterval) * time.Millisecond
	c.StaleThreshold = time.Duration(w.StaleThreshold) * time.Millisecond
	c.MaxSessions = w.MaxSessions
	c.EnableAutoRecovery = w.EnableAutoRecovery
	c.EnableNotifications = w.EnableNotifications
	return nil
}
