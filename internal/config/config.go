package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all relay configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	AI      AIConfig      `yaml:"ai"`
	Polling PollingConfig `yaml:"polling"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	AllowedOrigins  []string `yaml:"allowed_origins,omitempty"`
	ReadTimeout     string   `yaml:"read_timeout"`
	IdleTimeout     string   `yaml:"idle_timeout"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
}

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// AIConfig configures the assistant providers.
type AIConfig struct {
	DefaultModel    string `yaml:"default_model"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	GeminiAPIKey    string `yaml:"gemini_api_key"`
	GeminiBaseURL   string `yaml:"gemini_base_url"`
	MaxTokens       int    `yaml:"max_tokens"`
	HistoryTurns    int    `yaml:"history_turns"`
	MaxContextFiles int    `yaml:"max_context_files"`
	Timeout         string `yaml:"timeout"`
}

// PollingConfig configures the event buffer served to polling clients.
type PollingConfig struct {
	Capacity int    `yaml:"capacity"`
	TTL      string `yaml:"ttl"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level       string `yaml:"level"`    // debug, info, warn, error
	Encoding    string `yaml:"encoding"` // json, console
	Development bool   `yaml:"development"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":3001",
			ReadTimeout:     "10s",
			IdleTimeout:     "120s",
			ShutdownTimeout: "10s",
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		AI: AIConfig{
			DefaultModel:    "claude-sonnet-4-5-20250929",
			MaxTokens:       4096,
			HistoryTurns:    10,
			MaxContextFiles: 20,
			Timeout:         "2m",
		},
		Polling: PollingConfig{
			Capacity: 100,
			TTL:      "60s",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Load reads a YAML file over the defaults and applies environment
// overrides. An empty path or a missing file yields the defaults.
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
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides. AETHER_ADDR
// wins over PORT.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	if addr := os.Getenv("AETHER_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if dir := os.Getenv("AETHER_DATA_DIR"); dir != "" {
		c.Storage.DataDir = dir
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.AI.AnthropicAPIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.AI.GeminiAPIKey = key
	}
	if level := os.Getenv("AETHER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	for name, v := range map[string]string{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.idle_timeout":     c.Server.IdleTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"ai.timeout":              c.AI.Timeout,
		"polling.ttl":             c.Polling.TTL,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}
	if c.AI.HistoryTurns < 0 || c.AI.MaxContextFiles < 0 || c.Polling.Capacity < 0 {
		return fmt.Errorf("ai.history_turns, ai.max_context_files and polling.capacity must not be negative")
	}
	return nil
}

// APIKeys returns the configured provider keys by provider name.
func (c *Config) APIKeys() map[string]string {
	keys := make(map[string]string)
	if c.AI.AnthropicAPIKey != "" {
		keys["anthropic"] = c.AI.AnthropicAPIKey
	}
	if c.AI.GeminiAPIKey != "" {
		keys["gemini"] = c.AI.GeminiAPIKey
	}
	return keys
}

// GetReadTimeout returns the HTTP read timeout.
func (c *Config) GetReadTimeout() time.Duration {
	return parseDuration(c.Server.ReadTimeout, 10*time.Second)
}

// GetIdleTimeout returns the HTTP idle timeout.
func (c *Config) GetIdleTimeout() time.Duration {
	return parseDuration(c.Server.IdleTimeout, 120*time.Second)
}

// GetShutdownTimeout returns how long shutdown waits for in-flight work.
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 10*time.Second)
}

// GetAITimeout returns the per-chat deadline.
func (c *Config) GetAITimeout() time.Duration {
	return parseDuration(c.AI.Timeout, 2*time.Minute)
}

// GetPollingTTL returns the buffered event lifetime.
func (c *Config) GetPollingTTL() time.Duration {
	return parseDuration(c.Polling.TTL, 60*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
