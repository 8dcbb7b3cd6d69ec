// Package config loads syncbox configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full syncbox configuration: the client sync subsystem
// and the collaborator server.
type Config struct {
	Client Client `yaml:"client"`
	Server Server `yaml:"server"`
}

// Client configures the offline sync client.
type Client struct {
	// DBPath is the SQLite file holding the durable mutation queue.
	DBPath string `yaml:"db_path"`

	// ServerURL is the base URL of the sync collaborator.
	ServerURL string `yaml:"server_url"`

	// DispatchTimeout bounds each individual remote dispatch.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`

	// MaxRetries is the transient-failure retry ceiling.
	MaxRetries int `yaml:"max_retries"`

	// ProbeInterval is how often the connectivity monitor polls.
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// Server configures the collaborator server.
type Server struct {
	// DBPath is the SQLite file holding authoritative resources.
	DBPath string `yaml:"db_path"`

	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Client: Client{
			DBPath:          "syncbox-queue.db",
			ServerURL:       "http://127.0.0.1:8484",
			DispatchTimeout: 10 * time.Second,
			MaxRetries:      3,
			ProbeInterval:   15 * time.Second,
		},
		Server: Server{
			DBPath:     "syncbox-server.db",
			ListenAddr: "127.0.0.1:8484",
		},
	}
}

// Load reads a YAML config file, layering it over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks for values the runtime cannot work with.
func (c Config) Validate() error {
	if c.Client.DBPath == "" {
		return fmt.Errorf("client.db_path must not be empty")
	}
	if c.Client.ServerURL == "" {
		return fmt.Errorf("client.server_url must not be empty")
	}
	if c.Client.DispatchTimeout <= 0 {
		return fmt.Errorf("client.dispatch_timeout must be positive")
	}
	if c.Client.MaxRetries < 1 {
		return fmt.Errorf("client.max_retries must be at least 1")
	}
	if c.Client.ProbeInterval <= 0 {
		return fmt.Errorf("client.probe_interval must be positive")
	}
	if c.Server.DBPath == "" {
		return fmt.Errorf("server.db_path must not be empty")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	return nil
}
