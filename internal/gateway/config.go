package gateway

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultJWTSecret = "change-this-broker-jwt-secret-before-deploying"

// Config represents the complete broker configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Gates    GatesConfig    `yaml:"gates"`
	Queue    QueueConfig    `yaml:"queue"`
	Speech   SpeechConfig   `yaml:"speech"`
	Agent    AgentConfig    `yaml:"agent"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
}

// ServerConfig contains server-related settings
type ServerConfig struct {
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	ZMQ       ZMQConfig       `yaml:"zmq"`
}

// APIConfig contains HTTP API server settings
type APIConfig struct {
	Address        string    `yaml:"address"`
	Timeout        string    `yaml:"timeout"`
	AllowedOrigins []string  `yaml:"allowed_origins"`
	TLS            TLSConfig `yaml:"tls"`
}

// TLSConfig contains TLS/SSL settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// WebSocketConfig contains live connection settings
type WebSocketConfig struct {
	WriteWait      string `yaml:"write_wait"`
	PongWait       string `yaml:"pong_wait"`
	MaxMessageSize int64  `yaml:"max_message_size"`
	SendBuffer     int    `yaml:"send_buffer"`
}

// ZMQConfig contains the background trigger ingest settings
type ZMQConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// GatesConfig contains human-response gate settings
type GatesConfig struct {
	ConfirmationTimeout string `yaml:"confirmation_timeout"`
	FormTimeout         string `yaml:"form_timeout"`
	ResolvedCacheSize   int    `yaml:"resolved_cache_size"`
}

// QueueConfig contains offline queue settings
type QueueConfig struct {
	Backend string `yaml:"backend"` // "memory" or "sqlite"
	Path    string `yaml:"path"`
}

// SpeechConfig contains speech provider settings
type SpeechConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Voice    string `yaml:"voice"`
	Timeout  string `yaml:"timeout"`
}

// AgentConfig contains agent runtime settings
type AgentConfig struct {
	Default string `yaml:"default"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SecurityConfig contains security-related settings
type SecurityConfig struct {
	JWT            JWTConfig `yaml:"jwt"`
	TriggerKeyHash string    `yaml:"trigger_key_hash"`
}

// JWTConfig contains JWT token settings
type JWTConfig struct {
	SecretKey   string `yaml:"secret_key"`
	Issuer      string `yaml:"issuer"`
	ExpiryHours int    `yaml:"expiry_hours"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(config *Config, filepath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// NewDefaultConfig creates a default configuration
func NewDefaultConfig() *Config {
	config := &Config{}
	config.setDefaults()
	return config
}

// setDefaults ensures all required fields have default values
func (c *Config) setDefaults() {
	if c.Server.API.Address == "" {
		c.Server.API.Address = ":8080"
	}
	if c.Server.API.Timeout == "" {
		c.Server.API.Timeout = "15s"
	}

	if c.Server.WebSocket.WriteWait == "" {
		c.Server.WebSocket.WriteWait = "10s"
	}
	if c.Server.WebSocket.PongWait == "" {
		c.Server.WebSocket.PongWait = "60s"
	}
	if c.Server.WebSocket.MaxMessageSize == 0 {
		c.Server.WebSocket.MaxMessageSize = 1 << 20
	}
	if c.Server.WebSocket.SendBuffer == 0 {
		c.Server.WebSocket.SendBuffer = 256
	}

	if c.Server.ZMQ.Address == "" {
		c.Server.ZMQ.Address = "tcp://*:5556"
	}

	if c.Gates.ConfirmationTimeout == "" {
		c.Gates.ConfirmationTimeout = "60s"
	}
	if c.Gates.FormTimeout == "" {
		c.Gates.FormTimeout = "300s"
	}
	if c.Gates.ResolvedCacheSize == 0 {
		c.Gates.ResolvedCacheSize = 1024
	}

	if c.Queue.Backend == "" {
		c.Queue.Backend = "memory"
	}
	if c.Queue.Path == "" {
		c.Queue.Path = "buddy.db"
	}

	if c.Speech.Timeout == "" {
		c.Speech.Timeout = "10s"
	}

	if c.Agent.Default == "" {
		c.Agent.Default = "assistant"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Security.JWT.SecretKey == "" {
		c.Security.JWT.SecretKey = defaultJWTSecret
	}
	if c.Security.JWT.Issuer == "" {
		c.Security.JWT.Issuer = "buddy"
	}
	if c.Security.JWT.ExpiryHours == 0 {
		c.Security.JWT.ExpiryHours = 24
	}
}

// Validate checks if the configuration values are valid
func (c *Config) Validate() error {
	durations := map[string]string{
		"server.api.timeout":          c.Server.API.Timeout,
		"server.websocket.write_wait": c.Server.WebSocket.WriteWait,
		"server.websocket.pong_wait":  c.Server.WebSocket.PongWait,
		"gates.confirmation_timeout":  c.Gates.ConfirmationTimeout,
		"gates.form_timeout":          c.Gates.FormTimeout,
		"speech.timeout":              c.Speech.Timeout,
	}
	for name, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.Server.API.TLS.Enabled {
		if c.Server.API.TLS.CertFile == "" {
			return fmt.Errorf("TLS cert_file is required when TLS is enabled")
		}
		if c.Server.API.TLS.KeyFile == "" {
			return fmt.Errorf("TLS key_file is required when TLS is enabled")
		}
	}

	if c.Server.WebSocket.MaxMessageSize < 0 {
		return fmt.Errorf("websocket max_message_size cannot be negative")
	}
	if c.Server.WebSocket.SendBuffer < 0 {
		return fmt.Errorf("websocket send_buffer cannot be negative")
	}
	if c.Gates.ResolvedCacheSize < 0 {
		return fmt.Errorf("gates resolved_cache_size cannot be negative")
	}

	if c.Queue.Backend != "memory" && c.Queue.Backend != "sqlite" {
		return fmt.Errorf("queue backend must be 'memory' or 'sqlite'")
	}

	if c.Speech.Enabled && c.Speech.Endpoint == "" {
		return fmt.Errorf("speech endpoint is required when speech is enabled")
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	levelValid := false
	for _, level := range validLevels {
		if c.Logging.Level == level {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return fmt.Errorf("invalid logging level: %s (must be one of: %v)", c.Logging.Level, validLevels)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging format must be 'json' or 'text'")
	}

	if len(c.Security.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT secret_key must be at least 32 characters long")
	}
	if c.Security.JWT.Issuer == "" {
		return fmt.Errorf("JWT issuer cannot be empty")
	}
	if c.Security.JWT.ExpiryHours <= 0 {
		return fmt.Errorf("JWT expiry_hours must be greater than 0")
	}

	return nil
}

// GetAPITimeout returns the API timeout as a time.Duration
func (c *Config) GetAPITimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Server.API.Timeout)
	return duration
}

// GetWriteWait returns the per-frame write deadline
func (c *Config) GetWriteWait() time.Duration {
	duration, _ := time.ParseDuration(c.Server.WebSocket.WriteWait)
	return duration
}

// GetPongWait returns how long a connection may stay silent
func (c *Config) GetPongWait() time.Duration {
	duration, _ := time.ParseDuration(c.Server.WebSocket.PongWait)
	return duration
}

// GetConfirmationTimeout returns the confirmation gate timeout
func (c *Config) GetConfirmationTimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Gates.ConfirmationTimeout)
	return duration
}

// GetFormTimeout returns the form gate timeout
func (c *Config) GetFormTimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Gates.FormTimeout)
	return duration
}

// GetSpeechTimeout returns how long to wait for the first audio bytes
func (c *Config) GetSpeechTimeout() time.Duration {
	duration, _ := time.ParseDuration(c.Speech.Timeout)
	return duration
}
