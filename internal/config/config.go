// Package config loads tasker-core's YAML configuration file, expanding
// environment variable references before parsing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Server holds the sidecar's HTTP/WS listen configuration.
type Server struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// Browser holds default Chromium launch settings.
type Browser struct {
	Headless       bool `yaml:"headless"`
	ViewportWidth  int  `yaml:"viewport_width"`
	ViewportHeight int  `yaml:"viewport_height"`
	NavTimeoutSec  int  `yaml:"nav_timeout_sec"`
	ActionTimeoutSec int `yaml:"action_timeout_sec"`
}

// LLM holds default provider/model selection and per-provider API keys.
type LLM struct {
	DefaultProvider string            `yaml:"default_provider"`
	DefaultModel    string            `yaml:"default_model"`
	APIKeys         map[string]string `yaml:"api_keys"`
	MaxRetries      int               `yaml:"max_retries"`
}

// Session holds Session Manager tuning.
type Session struct {
	StopGraceSec int `yaml:"stop_grace_sec"`
	GCAfterSec   int `yaml:"gc_after_sec"`
}

// Config is the full tasker-core configuration.
type Config struct {
	DataDir string  `yaml:"data_dir"`
	Server  Server  `yaml:"server"`
	Browser Browser `yaml:"browser"`
	LLM     LLM     `yaml:"llm"`
	Session Session `yaml:"session"`
}

// Default returns the built-in defaults, used when no config file is given
// and as the base that a loaded file is merged onto.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Server: Server{
			Host:        "127.0.0.1",
			Port:        8765,
			MetricsPort: 9465,
		},
		Browser: Browser{
			Headless:         true,
			ViewportWidth:    1280,
			ViewportHeight:   800,
			NavTimeoutSec:    30,
			ActionTimeoutSec: 30,
		},
		LLM: LLM{
			DefaultProvider: "anthropic",
			DefaultModel:    "claude-sonnet-4-20250514",
			APIKeys:         map[string]string{},
			MaxRetries:      3,
		},
		Session: Session{
			StopGraceSec: 30,
			GCAfterSec:   300,
		},
	}
}

// Load reads a YAML config file at path, expanding ${VAR} environment
// references before parsing, and merges it onto Default(). An empty path
// returns Default() unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(raw))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.DataDir != "" {
		abs, err := filepath.Abs(cfg.DataDir)
		if err == nil {
			cfg.DataDir = abs
		}
	}
	return cfg, nil
}

// ApplyEnvOverrides applies TASKER_* environment variable overrides on top
// of a loaded config, letting deployment environments override individual
// fields without editing the file.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TASKER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TASKER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("TASKER_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Server.Port)
	}
	if v := os.Getenv("TASKER_ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.APIKeys["anthropic"] = v
	}
	if v := os.Getenv("TASKER_OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKeys["openai"] = v
	}
	if v := os.Getenv("TASKER_GOOGLE_API_KEY"); v != "" {
		cfg.LLM.APIKeys["google"] = v
	}
}

// StopGrace returns the session stop grace window as a duration.
func (c *Config) StopGrace() time.Duration {
	return time.Duration(c.Session.StopGraceSec) * time.Second
}

// GCAfter returns the terminal-session retention window as a duration.
func (c *Config) GCAfter() time.Duration {
	return time.Duration(c.Session.GCAfterSec) * time.Second
}
