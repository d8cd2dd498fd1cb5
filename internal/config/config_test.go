package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
relay:
  listen_addr: ":9000"
  redis_addr: "localhost:6379"
session:
  endpoint: "wss://relay.example.com"
  room: pairing
  connect_timeout: 2s
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Relay.ListenAddr)
	assert.Equal(t, "localhost:6379", cfg.Relay.RedisAddr)
	assert.Equal(t, "wss://relay.example.com", cfg.Session.Endpoint)
	assert.Equal(t, "pairing", cfg.Session.Room)
	assert.Equal(t, 2*time.Second, cfg.Session.ConnectTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	// Unset keys keep their defaults.
	assert.Equal(t, Default().Session.PollInterval, cfg.Session.PollInterval)
	assert.NoError(t, cfg.Validate())
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CODEWITHME_ENDPOINT", "ws://10.0.0.2:1234")
	t.Setenv("CODEWITHME_ROOM", "env-room")
	t.Setenv("CODEWITHME_CONNECT_TIMEOUT", "not-a-duration")
	t.Setenv("CODEWITHME_ADVERTISE", "true")
	t.Setenv("CODEWITHME_LOG_LEVEL", "warn")

	cfg := Default()
	cfg.ApplyEnv()

	assert.Equal(t, "ws://10.0.0.2:1234", cfg.Session.Endpoint)
	assert.Equal(t, "env-room", cfg.Session.Room)
	assert.Equal(t, Default().Session.ConnectTimeout, cfg.Session.ConnectTimeout)
	assert.True(t, cfg.Relay.Advertise)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http endpoint", func(c *Config) { c.Session.Endpoint = "http://localhost:1234" }},
		{"empty room", func(c *Config) { c.Session.Room = " " }},
		{"negative timeout", func(c *Config) { c.Session.ConnectTimeout = -time.Second }},
		{"zero poll interval", func(c *Config) { c.Session.PollInterval = 0 }},
		{"empty listen addr", func(c *Config) { c.Relay.ListenAddr = "" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
