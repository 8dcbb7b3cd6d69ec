package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "syncbox.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoad_LayersOverDefaults(t *testing.T) {
	path := writeConfig(t, `
client:
  db_path: /var/lib/syncbox/queue.db
  dispatch_timeout: 3s
server:
  listen_addr: 0.0.0.0:9000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/syncbox/queue.db", cfg.Client.DBPath)
	assert.Equal(t, 3*time.Second, cfg.Client.DispatchTimeout)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.ListenAddr)

	// Unset keys keep their defaults.
	assert.Equal(t, "http://127.0.0.1:8484", cfg.Client.ServerURL)
	assert.Equal(t, 3, cfg.Client.MaxRetries)
	assert.Equal(t, 15*time.Second, cfg.Client.ProbeInterval)
	assert.Equal(t, "syncbox-server.db", cfg.Server.DBPath)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "client: [not a mapping")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `
client:
  max_retries: 0
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_retries")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "empty queue db path", mutate: func(c *Config) { c.Client.DBPath = "" }, wantErr: "client.db_path"},
		{name: "empty server url", mutate: func(c *Config) { c.Client.ServerURL = "" }, wantErr: "client.server_url"},
		{name: "zero dispatch timeout", mutate: func(c *Config) { c.Client.DispatchTimeout = 0 }, wantErr: "client.dispatch_timeout"},
		{name: "negative probe interval", mutate: func(c *Config) { c.Client.ProbeInterval = -time.Second }, wantErr: "client.probe_interval"},
		{name: "empty server db path", mutate: func(c *Config) { c.Server.DBPath = "" }, wantErr: "server.db_path"},
		{name: "empty listen addr", mutate: func(c *Config) { c.Server.ListenAddr = "" }, wantErr: "server.listen_addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
