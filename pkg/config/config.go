// Package config loads threadrun settings from a YAML file with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nstogner/threadrun/pkg/domain"
	"github.com/nstogner/threadrun/pkg/session"
)

// History store drivers.
const (
	DriverSQLite = "sqlite"
	DriverJSON   = "json"
)

// Config is the full threadrun configuration.
type Config struct {
	Gemini  GeminiConfig       `yaml:"gemini"`
	Storage StorageConfig      `yaml:"storage"`
	Poll    session.PollConfig `yaml:"poll"`
	Hosted  HostedConfig       `yaml:"hosted"`
	Server  ServerConfig       `yaml:"server"`
	Session SessionConfig      `yaml:"session"`
}

type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

type StorageConfig struct {
	// DataDir holds the hosted assistant database and the history store.
	DataDir string `yaml:"data_dir"`
	// HistoryDriver is "sqlite" or "json".
	HistoryDriver string `yaml:"history_driver"`
}

type HostedConfig struct {
	RunExpiry      time.Duration `yaml:"run_expiry"`
	RescanInterval time.Duration `yaml:"rescan_interval"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// SessionConfig holds what a new session starts with.
type SessionConfig struct {
	// AssistantID is the existing assistant used to resume threads. When empty
	// one is created from Assistant on demand.
	AssistantID string                  `yaml:"assistant_id"`
	SeedMessage string                  `yaml:"seed_message"`
	Assistant   domain.AssistantDetails `yaml:"assistant"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Gemini: GeminiConfig{
			Model: "gemini-2.0-flash",
		},
		Storage: StorageConfig{
			DataDir:       "data",
			HistoryDriver: DriverSQLite,
		},
		Poll: session.DefaultPollConfig(),
		Hosted: HostedConfig{
			RunExpiry:      10 * time.Minute,
			RescanInterval: 5 * time.Second,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Session: SessionConfig{
			SeedMessage: "Presentate",
			Assistant: domain.AssistantDetails{
				Name:         "Asistente",
				Description:  "A helpful assistant.",
				Instructions: "Answer concisely in the language of the user.",
			},
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Gemini.APIKey = key
	}
	if dir := os.Getenv("THREADRUN_DATA_DIR"); dir != "" {
		c.Storage.DataDir = dir
	}
	if m := os.Getenv("THREADRUN_MODEL"); m != "" {
		c.Gemini.Model = m
	}
	if addr := os.Getenv("THREADRUN_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if id := os.Getenv("THREADRUN_ASSISTANT_ID"); id != "" {
		c.Session.AssistantID = id
	}
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	switch c.Storage.HistoryDriver {
	case DriverSQLite, DriverJSON:
	default:
		return fmt.Errorf("storage.history_driver: unknown driver %q", c.Storage.HistoryDriver)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Poll.Interval < 0 || c.Poll.MaxAttempts < 0 {
		return fmt.Errorf("poll: values must not be negative")
	}
	if c.Poll.MaxTransientErrors < 1 {
		return fmt.Errorf("poll.max_transient_errors: must be at least 1, got %d", c.Poll.MaxTransientErrors)
	}
	return nil
}

// HostedDBPath is the SQLite file of the hosted assistant service.
func (c *Config) HostedDBPath() string {
	return filepath.Join(c.Storage.DataDir, "threadrun.db")
}

// HistoryPath is the location of the history store for the configured driver.
func (c *Config) HistoryPath() string {
	if c.Storage.HistoryDriver == DriverJSON {
		return filepath.Join(c.Storage.DataDir, "chat_threads.json")
	}
	return filepath.Join(c.Storage.DataDir, "history.db")
}

// Details returns the assistant details for a new session, defaulting the
// model to the configured Gemini model.
func (c *Config) Details() domain.AssistantDetails {
	d := c.Session.Assistant
	if d.Model == "" {
		d.Model = c.Gemini.Model
	}
	return d
}
