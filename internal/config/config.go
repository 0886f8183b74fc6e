// Package config loads shoregate's configuration. Settings come from three
// layers: built-in defaults, an optional TOML file, and environment variables.
// Environment variables win over the file, the file wins over defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultICEServers are the public STUN servers injected into relayed WebRTC
// offers when the client supplied none and no servers are configured.
var DefaultICEServers = []ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// ICEServer describes one STUN/TURN server entry in the format browsers
// expect inside an RTCConfiguration.
type ICEServer struct {
	URLs       []string `json:"urls" toml:"urls"`
	Username   string   `json:"username,omitempty" toml:"username,omitempty"`
	Credential string   `json:"credential,omitempty" toml:"credential,omitempty"`
}

// Config is the top-level configuration for the shoregate relay server.
type Config struct {
	// Port is the TCP port the HTTP/WebSocket server binds to.
	Port int `toml:"port"`

	// LogLevel selects the slog level: "debug", "info", "warn", or "error".
	LogLevel string `toml:"log_level"`

	// LogDir, when non-empty, adds a file sink shoregate.log in that
	// directory alongside stderr. The directory is created if missing.
	LogDir string `toml:"log_dir"`

	// PingInterval is the liveness probe period in seconds.
	PingInterval int `toml:"ping_interval"`

	// ConnectionTimeout is the idle eviction threshold in seconds. A peer
	// with no observed activity for longer than this is marked disconnected.
	ConnectionTimeout int `toml:"connection_timeout"`

	// TelemetryBufferSize caps the per-device telemetry ring buffer.
	TelemetryBufferSize int `toml:"telemetry_buffer_size"`

	// ICEServers are injected into relayed WebRTC offers that carry no
	// iceServers field of their own.
	ICEServers []ICEServer `toml:"ice_servers"`
}

// DefaultConfig returns a Config populated with the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:                8000,
		LogLevel:            "info",
		PingInterval:        20,
		ConnectionTimeout:   30,
		TelemetryBufferSize: 100,
		ICEServers:          append([]ICEServer(nil), DefaultICEServers...),
	}
}

// Load builds the effective configuration. If path is non-empty the TOML file
// there is decoded over the defaults; environment variables are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file not found: %w", err)
			}
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PingIntervalDuration returns the ping period as a time.Duration.
func (c *Config) PingIntervalDuration() time.Duration {
	return time.Duration(c.PingInterval) * time.Second
}

// ConnectionTimeoutDuration returns the idle threshold as a time.Duration.
func (c *Config) ConnectionTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectionTimeout) * time.Second
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping_interval must be positive, got %d", c.PingInterval)
	}
	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection_timeout must be positive, got %d", c.ConnectionTimeout)
	}
	if c.TelemetryBufferSize <= 0 {
		return fmt.Errorf("telemetry_buffer_size must be positive, got %d", c.TelemetryBufferSize)
	}
	return nil
}

// applyEnv overrides cfg fields from the environment. Unset or empty
// variables leave the current value in place.
func applyEnv(cfg *Config) error {
	if err := envInt("PORT", &cfg.Port); err != nil {
		return err
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if err := envInt("PING_INTERVAL", &cfg.PingInterval); err != nil {
		return err
	}
	if err := envInt("CONNECTION_TIMEOUT", &cfg.ConnectionTimeout); err != nil {
		return err
	}
	if err := envInt("TELEMETRY_BUFFER_SIZE", &cfg.TelemetryBufferSize); err != nil {
		return err
	}

	// WEBRTC_ICE_SERVERS is a JSON array of ICE server descriptors, e.g.
	// [{"urls":["stun:stun.example.com:3478"]}].
	if v := os.Getenv("WEBRTC_ICE_SERVERS"); v != "" {
		var servers []ICEServer
		if err := json.Unmarshal([]byte(v), &servers); err != nil {
			return fmt.Errorf("parsing WEBRTC_ICE_SERVERS: %w", err)
		}
		cfg.ICEServers = servers
	}

	return nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	*dst = n
	return nil
}
