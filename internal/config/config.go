// Package config loads the client configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Relay struct {
		URL string `yaml:"url"`
	} `yaml:"relay"`

	WebRTC struct {
		STUNServers []string `yaml:"stun_servers"`
	} `yaml:"webrtc"`

	Chat struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"chat"`

	Downloads struct {
		Dir string `yaml:"dir"`
	} `yaml:"downloads"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Load reads configuration from a YAML file, applying defaults and
// environment overrides. A missing file is not an error: defaults are used.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with workable defaults for local use.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Relay.URL = "ws://localhost:8080/ws"
	cfg.WebRTC.STUNServers = []string{"stun:stun.l.google.com:19302"}
	cfg.Chat.DBPath = "peerlink.db"
	cfg.Downloads.Dir = "downloads"
	cfg.Logging.Level = "info"

	return cfg
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	if c.Relay.URL == "" {
		return fmt.Errorf("relay.url must not be empty")
	}
	if !strings.HasPrefix(c.Relay.URL, "ws://") && !strings.HasPrefix(c.Relay.URL, "wss://") {
		return fmt.Errorf("relay.url must be a ws:// or wss:// address")
	}
	if len(c.WebRTC.STUNServers) == 0 {
		return fmt.Errorf("webrtc.stun_servers must name at least one server")
	}
	if c.Chat.DBPath == "" {
		return fmt.Errorf("chat.db_path must not be empty")
	}
	if c.Downloads.Dir == "" {
		return fmt.Errorf("downloads.dir must not be empty")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("PEERLINK_RELAY_URL"); url != "" {
		c.Relay.URL = url
	}
	if db := os.Getenv("PEERLINK_CHAT_DB"); db != "" {
		c.Chat.DBPath = db
	}
	if dir := os.Getenv("PEERLINK_DOWNLOADS_DIR"); dir != "" {
		c.Downloads.Dir = dir
	}
	if level := os.Getenv("PEERLINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
