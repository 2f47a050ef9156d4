// Package config provides configuration management for OrbitMesh.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for OrbitMesh.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Session    SessionConfig    `mapstructure:"session"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds the control plane HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	ServerID     string `mapstructure:"serverId"`
}

// StoreConfig holds persistence configuration. An empty path selects the
// in-memory store (dev mode).
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SessionConfig holds the agent session layer configuration.
type SessionConfig struct {
	HeartbeatInterval    time.Duration `mapstructure:"heartbeatInterval"`
	HeartbeatTimeout     time.Duration `mapstructure:"heartbeatTimeout"` // defaults to 3x interval
	DrainTimeout         time.Duration `mapstructure:"drainTimeout"`
	ProtocolErrorsPerSec int           `mapstructure:"protocolErrorsPerSec"`
	MaxFrameSize         int           `mapstructure:"maxFrameSize"`
	SendBuffer           int           `mapstructure:"sendBuffer"`
}

// DispatcherConfig holds job dispatcher configuration.
type DispatcherConfig struct {
	AckTimeout        time.Duration `mapstructure:"ackTimeout"`
	CancelTimeout     time.Duration `mapstructure:"cancelTimeout"`
	DefaultMaxRetries int           `mapstructure:"defaultMaxRetries"`
	BackoffBase       time.Duration `mapstructure:"backoffBase"`
	BackoffMax        time.Duration `mapstructure:"backoffMax"`
	QueueMaxSize      int           `mapstructure:"queueMaxSize"`
	AgentCapacity     int           `mapstructure:"agentCapacity"` // max concurrent assignments per agent
	Workers           int           `mapstructure:"workers"`
}

// WorkflowConfig holds workflow engine configuration.
type WorkflowConfig struct {
	WorkerCount    int           `mapstructure:"workerCount"`
	DefaultTimeout time.Duration `mapstructure:"defaultTimeout"`
}

// AuthConfig holds agent authentication configuration.
type AuthConfig struct {
	// Mode selects the authenticator: "store" validates bootstrap tokens
	// against the store, "static" accepts the tokens listed below,
	// "insecure" accepts any credential (dev only).
	Mode         string   `mapstructure:"mode"`
	StaticTokens []string `mapstructure:"staticTokens"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ORBITMESH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.serverId", "")

	// Store defaults - empty path means in-memory store
	v.SetDefault("store.path", "")

	// NATS defaults - empty URL means in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "orbitmesh-server")
	v.SetDefault("nats.maxReconnects", 10)

	// Session defaults
	v.SetDefault("session.heartbeatInterval", 10*time.Second)
	v.SetDefault("session.heartbeatTimeout", 0) // 0 means 3x interval
	v.SetDefault("session.drainTimeout", 5*time.Second)
	v.SetDefault("session.protocolErrorsPerSec", 10)
	v.SetDefault("session.maxFrameSize", 4*1024*1024)
	v.SetDefault("session.sendBuffer", 256)

	// Dispatcher defaults
	v.SetDefault("dispatcher.ackTimeout", 5*time.Second)
	v.SetDefault("dispatcher.cancelTimeout", 10*time.Second)
	v.SetDefault("dispatcher.defaultMaxRetries", 3)
	v.SetDefault("dispatcher.backoffBase", time.Second)
	v.SetDefault("dispatcher.backoffMax", 60*time.Second)
	v.SetDefault("dispatcher.queueMaxSize", 10000)
	v.SetDefault("dispatcher.agentCapacity", 4)
	v.SetDefault("dispatcher.workers", 8)

	// Workflow defaults
	v.SetDefault("workflow.workerCount", 4)
	v.SetDefault("workflow.defaultTimeout", 24*time.Hour)

	// Auth defaults
	v.SetDefault("auth.mode", "store")
	v.SetDefault("auth.staticTokens", []string{})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ORBITMESH_ with underscore naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/orbitmesh/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ORBITMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/orbitmesh/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Session.HeartbeatInterval <= 0 {
		errs = append(errs, "session.heartbeatInterval must be positive")
	}
	if cfg.Session.HeartbeatTimeout == 0 {
		cfg.Session.HeartbeatTimeout = 3 * cfg.Session.HeartbeatInterval
	}
	if cfg.Session.HeartbeatTimeout < cfg.Session.HeartbeatInterval {
		errs = append(errs, "session.heartbeatTimeout must be at least session.heartbeatInterval")
	}
	if cfg.Session.DrainTimeout < 0 {
		errs = append(errs, "session.drainTimeout must not be negative")
	}

	if cfg.Dispatcher.AckTimeout <= 0 {
		errs = append(errs, "dispatcher.ackTimeout must be positive")
	}
	if cfg.Dispatcher.BackoffBase <= 0 {
		errs = append(errs, "dispatcher.backoffBase must be positive")
	}
	if cfg.Dispatcher.BackoffMax < cfg.Dispatcher.BackoffBase {
		errs = append(errs, "dispatcher.backoffMax must be at least dispatcher.backoffBase")
	}
	if cfg.Dispatcher.AgentCapacity <= 0 {
		errs = append(errs, "dispatcher.agentCapacity must be positive")
	}
	if cfg.Dispatcher.DefaultMaxRetries < 0 {
		errs = append(errs, "dispatcher.defaultMaxRetries must not be negative")
	}

	if cfg.Workflow.WorkerCount <= 0 {
		errs = append(errs, "workflow.workerCount must be positive")
	}

	switch cfg.Auth.Mode {
	case "store", "static", "insecure":
	default:
		errs = append(errs, "auth.mode must be one of: store, static, insecure")
	}
	if cfg.Auth.Mode == "static" && len(cfg.Auth.StaticTokens) == 0 {
		errs = append(errs, "auth.staticTokens is required when auth.mode is static")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
