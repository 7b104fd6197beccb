// ABOUTME: Configuration loading and parsing for omnigate
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete omnigate configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Providers ProvidersConfig `yaml:"providers"`
	Stream    StreamConfig    `yaml:"stream"`
	Ingest    IngestConfig    `yaml:"ingest"`
	AI        AIConfig        `yaml:"ai"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// PublicURL is the externally reachable base URL; the voice stream
	// endpoint is derived from it.
	PublicURL string `yaml:"public_url"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds session token configuration
type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret"`
	SessionTTL time.Duration `yaml:"-"`

	SessionTTLRaw string `yaml:"session_ttl"`
}

// ProvidersConfig holds per-provider global fallback secrets
type ProvidersConfig struct {
	WhatsApp WhatsAppProviderConfig `yaml:"whatsapp"`
	Telegram TelegramProviderConfig `yaml:"telegram"`
	Voice    VoiceProviderConfig    `yaml:"voice"`
}

// WhatsAppProviderConfig holds WhatsApp-wide defaults
type WhatsAppProviderConfig struct {
	FallbackSecret string `yaml:"fallback_secret"`
}

// TelegramProviderConfig holds Telegram-wide defaults
type TelegramProviderConfig struct {
	FallbackSecretToken string `yaml:"fallback_secret_token"`
}

// VoiceProviderConfig holds telephony-wide defaults
type VoiceProviderConfig struct {
	FallbackAuthToken string `yaml:"fallback_auth_token"`
}

// StreamConfig holds real-time delivery configuration
type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	BufferSize        int           `yaml:"buffer_size"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
}

// IngestConfig holds webhook guard configuration
type IngestConfig struct {
	DedupeWindow time.Duration `yaml:"-"`
	RatePerMin   int           `yaml:"rate_per_minute"`
	RateBurst    int           `yaml:"rate_burst"`

	DedupeWindowRaw string `yaml:"dedupe_window"`
}

// AIConfig holds AI runner configuration
type AIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Auth.SessionTTL == 0 {
		c.Auth.SessionTTL = 24 * time.Hour
	}
	if c.Stream.HeartbeatInterval == 0 {
		c.Stream.HeartbeatInterval = 30 * time.Second
	}
	if c.Stream.BufferSize == 0 {
		c.Stream.BufferSize = 64
	}
	if c.Ingest.DedupeWindow == 0 {
		c.Ingest.DedupeWindow = 5 * time.Minute
	}
	if c.Ingest.RatePerMin == 0 {
		c.Ingest.RatePerMin = 120
	}
	if c.Ingest.RateBurst == 0 {
		c.Ingest.RateBurst = 20
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Server.PublicURL == "" {
		return fmt.Errorf("server.public_url is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Auth.SessionTTLRaw != "" {
		cfg.Auth.SessionTTL, err = time.ParseDuration(cfg.Auth.SessionTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing session_ttl %q: %w", cfg.Auth.SessionTTLRaw, err)
		}
	}

	if cfg.Stream.HeartbeatIntervalRaw != "" {
		cfg.Stream.HeartbeatInterval, err = time.ParseDuration(cfg.Stream.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Stream.HeartbeatIntervalRaw, err)
		}
	}

	if cfg.Ingest.DedupeWindowRaw != "" {
		cfg.Ingest.DedupeWindow, err = time.ParseDuration(cfg.Ingest.DedupeWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe_window %q: %w", cfg.Ingest.DedupeWindowRaw, err)
		}
	}

	return nil
}
