package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/sessiondeck/backend/internal/session"
)

type Config struct {
	Server     ServerConfig   `yaml:"server"`
	Data       DataConfig     `yaml:"data"`
	Monitoring session.Config `yaml:"monitoring"`
	Logging    LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DataConfig struct {
	// Root is the directory holding one subdirectory per project, each
	// containing the session transcript files.
	Root string `yaml:"root"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func defaults() *Config {
	root := ""
	if home, err := os.UserHomeDir(); err == nil {
		root = filepath.Join(home, ".claude", "projects")
	}
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Data: DataConfig{
			Root: root,
		},
		Monitoring: session.DefaultConfig(),
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the yaml config at path, applying defaults for omitted
// fields. A missing file yields the defaults rather than an error so the
// server runs without any config at all.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.Monitoring = cfg.Monitoring.WithDefaults()
	if err := cfg.Monitoring.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
