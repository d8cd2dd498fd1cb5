// Package config loads code-with-me settings from a YAML file and
// CODEWITHME_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"code-with-me/internal/logging"
	"code-with-me/internal/protocol"
	"gopkg.in/yaml.v3"
)

// Config holds the settings of every command.
type Config struct {
	Relay   RelayConfig   `yaml:"relay"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
}

// RelayConfig configures the relay server.
type RelayConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	RedisAddr       string        `yaml:"redis_addr,omitempty"`
	Advertise       bool          `yaml:"advertise"`
	Instance        string        `yaml:"instance,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SessionConfig configures hosting and joining.
type SessionConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	Room           string        `yaml:"room"`
	Name           string        `yaml:"name,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	DiscoverWait   time.Duration `yaml:"discover_wait"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Relay: RelayConfig{
			ListenAddr:      ":1234",
			ShutdownTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			Endpoint:       "ws://localhost:1234",
			Room:           protocol.DefaultRoom,
			ConnectTimeout: 5 * time.Second,
			PollInterval:   250 * time.Millisecond,
			DiscoverWait:   3 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. A missing file, or an empty path,
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from CODEWITHME_* variables. Unparseable
// values are ignored.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CODEWITHME_LISTEN_ADDR"); v != "" {
		c.Relay.ListenAddr = v
	}
	if v := os.Getenv("CODEWITHME_REDIS_ADDR"); v != "" {
		c.Relay.RedisAddr = v
	}
	if v := os.Getenv("CODEWITHME_ADVERTISE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Relay.Advertise = b
		}
	}
	if v := os.Getenv("CODEWITHME_ENDPOINT"); v != "" {
		c.Session.Endpoint = v
	}
	if v := os.Getenv("CODEWITHME_ROOM"); v != "" {
		c.Session.Room = v
	}
	if v := os.Getenv("CODEWITHME_NAME"); v != "" {
		c.Session.Name = v
	}
	if v := os.Getenv("CODEWITHME_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Session.ConnectTimeout = d
		}
	}
	if v := os.Getenv("CODEWITHME_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("CODEWITHME_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Relay.ListenAddr == "" {
		return errors.New("relay.listen_addr must not be empty")
	}
	if c.Relay.ShutdownTimeout < 0 {
		return fmt.Errorf("relay.shutdown_timeout %s must not be negative", c.Relay.ShutdownTimeout)
	}

	u, err := url.Parse(c.Session.Endpoint)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("session.endpoint %q must be a ws:// or wss:// URL", c.Session.Endpoint)
	}
	if strings.TrimSpace(c.Session.Room) == "" {
		return errors.New("session.room must not be empty")
	}
	if c.Session.ConnectTimeout < 0 {
		return fmt.Errorf("session.connect_timeout %s must not be negative", c.Session.ConnectTimeout)
	}
	if c.Session.PollInterval <= 0 {
		return fmt.Errorf("session.poll_interval %s must be positive", c.Session.PollInterval)
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if !logging.ValidFormat(c.Log.Format) {
		return fmt.Errorf("log.format %q must be one of %v", c.Log.Format, logging.Formats)
	}
	return nil
}
