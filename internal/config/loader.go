package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fathomlabs/relay/internal/conversation"
)

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address string `json:"address"`
}

// StreamConfig holds stream session tuning
type StreamConfig struct {
	TickMs        int `json:"tick_ms"`
	WindowSeconds int `json:"window_seconds"`
}

// ExecutionConfig holds execution lifecycle settings
type ExecutionConfig struct {
	RetentionMinutes int `json:"retention_minutes"`

	// PersistPartialOnCancel persists a cancelled turn's accumulated
	// assistant text. Default false: only completed messages are
	// recorded.
	PersistPartialOnCancel bool `json:"persist_partial_on_cancel"`
}

// HistoryConfig holds conversation store settings
type HistoryConfig struct {
	PruneSchedule string `json:"prune_schedule"`
	RetentionDays int    `json:"retention_days"`
}

// RateLimitConfig holds per-client rate limit settings
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// Config is the loaded relay.jsonc configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Stream    StreamConfig    `json:"stream"`
	Execution ExecutionConfig `json:"execution"`
	History   HistoryConfig   `json:"history"`
	RateLimit RateLimitConfig `json:"ratelimit"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address: ":8080",
		},
		Stream: StreamConfig{
			TickMs:        100,
			WindowSeconds: 50,
		},
		Execution: ExecutionConfig{
			RetentionMinutes:       10,
			PersistPartialOnCancel: false,
		},
		History: HistoryConfig{
			PruneSchedule: "0 3 * * *",
			RetentionDays: 30,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             20,
		},
	}
}

// Load reads relay.jsonc from configDir, merging over defaults.
// A missing file yields the defaults.
func Load(configDir string) (*Config, error) {
	cfg := Default()

	configPath := filepath.Join(configDir, "relay.jsonc")
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(StripJSONComments(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Stream.TickMs <= 0 {
		return fmt.Errorf("stream.tick_ms must be positive")
	}
	if c.Stream.WindowSeconds <= 0 {
		return fmt.Errorf("stream.window_seconds must be positive")
	}
	if c.Execution.RetentionMinutes <= 0 {
		return fmt.Errorf("execution.retention_minutes must be positive")
	}
	if c.History.RetentionDays <= 0 {
		return fmt.Errorf("history.retention_days must be positive")
	}
	if err := conversation.ValidateCron(c.History.PruneSchedule); err != nil {
		return fmt.Errorf("history.prune_schedule: %w", err)
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("ratelimit values must be positive")
	}
	return nil
}

// TickInterval returns the stream tick as a duration
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Stream.TickMs) * time.Millisecond
}

// Window returns the stream window as a duration
func (c *Config) Window() time.Duration {
	return time.Duration(c.Stream.WindowSeconds) * time.Second
}

// Retention returns the execution retention as a duration
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Execution.RetentionMinutes) * time.Minute
}

// HistoryRetention returns the conversation retention as a duration
func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.History.RetentionDays) * 24 * time.Hour
}
