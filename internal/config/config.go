package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the control plane and worker configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Worker   WorkerConfig   `yaml:"worker"`
	Storage  StorageConfig  `yaml:"storage"`
	Watch    WatchConfig    `yaml:"watch"`
	Logs     LogsConfig     `yaml:"logs"`
	Register RegisterConfig `yaml:"register"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig contains the API server listen configuration
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// WorkerConfig contains worker agent configuration
type WorkerConfig struct {
	NodeID    string        `yaml:"node_id"`
	NodeName  string        `yaml:"node_name"`
	Address   string        `yaml:"address"`
	IP        string        `yaml:"ip"`
	Port      int           `yaml:"port"`
	ServerURL string        `yaml:"server_url"`
	LogDir    string        `yaml:"log_dir"`
	Heartbeat time.Duration `yaml:"heartbeat"`
	// Labels are reported on registration; gpu.count declares the GPU count
	Labels map[string]string `yaml:"labels"`
	// Register disables self-registration when false
	Register *bool `yaml:"register"`
}

// RegisterEnabled reports whether the worker registers with the control plane
func (c WorkerConfig) RegisterEnabled() bool {
	return c.Register == nil || *c.Register
}

// StorageConfig selects the resource store backend
type StorageConfig struct {
	Type   string       `yaml:"type"` // "memory" or "sqlite"
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// SQLiteConfig SQLite配置
type SQLiteConfig struct {
	DBPath string `yaml:"db_path"`
}

// WatchConfig contains watch stream configuration
type WatchConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// LogsConfig contains log relay timeouts
type LogsConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	TotalTimeout      time.Duration `yaml:"total_timeout"`
	FollowCeiling     time.Duration `yaml:"follow_ceiling"`
	DefaultWorkerPort int           `yaml:"default_worker_port"`
}

// RegisterConfig contains worker directory configuration
type RegisterConfig struct {
	StaleTimeout  time.Duration `yaml:"stale_timeout"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses YAML configuration, applies defaults and validates it
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	var config Config
	config.SetDefaults()
	return &config
}

// SetDefaults fills in zero values
func (c *Config) SetDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Worker.NodeID == "" {
		c.Worker.NodeID = generateNodeID()
	}
	if c.Worker.NodeName == "" {
		c.Worker.NodeName = getHostname()
	}
	if c.Worker.Address == "" {
		c.Worker.Address = "0.0.0.0"
	}
	if c.Worker.Port == 0 {
		c.Worker.Port = 10150
	}
	if c.Worker.ServerURL == "" {
		c.Worker.ServerURL = "http://127.0.0.1:8080"
	}
	if c.Worker.LogDir == "" {
		c.Worker.LogDir = "/var/lib/modelplane/logs/serve"
	}
	if c.Worker.Heartbeat == 0 {
		c.Worker.Heartbeat = 30 * time.Second
	}

	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}
	if c.Storage.SQLite.DBPath == "" {
		c.Storage.SQLite.DBPath = "modelplane.db"
	}

	if c.Watch.BufferSize == 0 {
		c.Watch.BufferSize = 64
	}

	if c.Logs.ConnectTimeout == 0 {
		c.Logs.ConnectTimeout = 5 * time.Second
	}
	if c.Logs.TotalTimeout == 0 {
		c.Logs.TotalTimeout = 5 * time.Minute
	}
	if c.Logs.FollowCeiling == 0 {
		c.Logs.FollowCeiling = 24 * time.Hour
	}
	if c.Logs.DefaultWorkerPort == 0 {
		c.Logs.DefaultWorkerPort = 10150
	}

	if c.Register.StaleTimeout == 0 {
		c.Register.StaleTimeout = 90 * time.Second
	}
	if c.Register.CheckInterval == 0 {
		c.Register.CheckInterval = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Server.Port)
	}

	if c.Worker.Port <= 0 || c.Worker.Port > 65535 {
		return fmt.Errorf("invalid worker port: %d (must be between 1 and 65535)", c.Worker.Port)
	}

	if c.Worker.Heartbeat <= 0 {
		return fmt.Errorf("worker heartbeat must be positive")
	}

	switch c.Storage.Type {
	case "memory":
	case "sqlite":
		if c.Storage.SQLite.DBPath == "" {
			return fmt.Errorf("sqlite db_path cannot be empty")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory or sqlite)", c.Storage.Type)
	}

	if c.Watch.BufferSize < 1 {
		return fmt.Errorf("watch buffer_size must be positive")
	}

	if c.Logs.ConnectTimeout <= 0 || c.Logs.TotalTimeout <= 0 || c.Logs.FollowCeiling <= 0 {
		return fmt.Errorf("log relay timeouts must be positive")
	}

	if c.Logs.ConnectTimeout > c.Logs.TotalTimeout {
		return fmt.Errorf("logs connect_timeout cannot exceed total_timeout")
	}

	if c.Logs.DefaultWorkerPort <= 0 || c.Logs.DefaultWorkerPort > 65535 {
		return fmt.Errorf("invalid default worker port: %d", c.Logs.DefaultWorkerPort)
	}

	if c.Register.StaleTimeout <= 0 || c.Register.CheckInterval <= 0 {
		return fmt.Errorf("register intervals must be positive")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true, "text": true,
	}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

func generateNodeID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", hostname, time.Now().Unix())
}

func getHostname() string {
	hostname, _ := os.Hostname()
	return hostname
}
