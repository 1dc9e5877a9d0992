// Package config holds node settings. Values come from an optional JSON
// file, then a .env file / environment overrides, then command-line flags,
// in increasing precedence.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Version is the protocol version exchanged in the handshake. Peers with a
// different version are disconnected.
const Version = "1.0.0-alpha"

// MaxPeerConnections caps the number of configured outbound peers.
const MaxPeerConnections = 64

// Config holds all node configuration.
type Config struct {
	Port         int      `json:"port"`
	Backlog      int      `json:"backlog"`
	ShouldListen bool     `json:"should_listen"`
	RESTPort     int      `json:"rest_port"`
	Connect      []string `json:"connect,omitempty"` // host:port entries
	KeyFile      string   `json:"key_file,omitempty"`
	LogLevel     string   `json:"log_level,omitempty"`
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         1960,
		Backlog:      64,
		ShouldListen: true,
		RESTPort:     8080,
		LogLevel:     "info",
	}
}

// Load reads a JSON config file over the defaults. A missing file is not
// an error; explicit paths that fail to parse are.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv loads a .env file when present and applies WHOSECOIN_*
// environment overrides.
func (c *Config) ApplyEnv() error {
	// Absence of a .env file is the normal case.
	_ = godotenv.Load()

	if v := os.Getenv("WHOSECOIN_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WHOSECOIN_PORT: %w", err)
		}
		c.Port = port
	}
	if v := os.Getenv("WHOSECOIN_REST_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WHOSECOIN_REST_PORT: %w", err)
		}
		c.RESTPort = port
	}
	if v := os.Getenv("WHOSECOIN_KEY_FILE"); v != "" {
		c.KeyFile = v
	}
	if v := os.Getenv("WHOSECOIN_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate checks that all fields are well-formed.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", c.Port)
	}
	if c.RESTPort <= 0 || c.RESTPort > 65535 {
		return fmt.Errorf("rest_port must be 1-65535, got %d", c.RESTPort)
	}
	if c.RESTPort == c.Port {
		return fmt.Errorf("port and rest_port must not be the same (%d)", c.Port)
	}
	if c.Backlog <= 0 {
		return fmt.Errorf("backlog must be positive, got %d", c.Backlog)
	}
	if len(c.Connect) > MaxPeerConnections {
		return fmt.Errorf("at most %d peers may be configured, got %d", MaxPeerConnections, len(c.Connect))
	}
	for i, entry := range c.Connect {
		if _, _, err := ParsePeer(entry); err != nil {
			return fmt.Errorf("connect[%d]: %w", i, err)
		}
	}
	return nil
}

// ParsePeer splits a host:port entry.
func ParsePeer(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("peer %q must be host:port: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("peer %q has an invalid port", s)
	}
	return host, port, nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
