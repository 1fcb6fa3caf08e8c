package gateway

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/docsync/registry"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "DOCSYNC_"

// Config holds the gateway configuration. Values come from an optional YAML
// file, then DOCSYNC_* environment variables, then defaults for whatever is
// still zero.
type Config struct {
	Addr                string `yaml:"addr" env:"ADDR"`
	DBPath              string `yaml:"db_path" env:"DB_PATH"`
	ObservabilityDBPath string `yaml:"observability_db_path" env:"OBSERVABILITY_DB_PATH"`
	LogLevel            string `yaml:"log_level" env:"LOG_LEVEL"`

	MaxConnections  int           `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	MaxMessageBytes int64         `yaml:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`
	SendBuffer      int           `yaml:"send_buffer" env:"SEND_BUFFER"`
	PingInterval    time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	CheckpointInterval time.Duration `yaml:"checkpoint_interval" env:"CHECKPOINT_INTERVAL"`
	FlushTimeout       time.Duration `yaml:"flush_timeout" env:"FLUSH_TIMEOUT"`
	LoadFailurePolicy  string        `yaml:"load_failure_policy" env:"LOAD_FAILURE_POLICY"`
	Retry              RetryConfig   `yaml:"retry" envPrefix:"RETRY_"`

	IdentityCacheSize int `yaml:"identity_cache_size" env:"IDENTITY_CACHE_SIZE"`

	JWTSecret   string `yaml:"jwt_secret" env:"JWT_SECRET"`
	RequireAuth bool   `yaml:"require_auth" env:"REQUIRE_AUTH"`
	MCPEnabled  bool   `yaml:"mcp_enabled" env:"MCP_ENABLED"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	MetricsBuffer     int           `yaml:"metrics_buffer" env:"METRICS_BUFFER"`
	MetricsFlush      time.Duration `yaml:"metrics_flush" env:"METRICS_FLUSH"`
	RetentionDays     int           `yaml:"retention_days" env:"RETENTION_DAYS"`
}

// RetryConfig controls the flush retry queue.
type RetryConfig struct {
	// Delay before the first retry of a failed flush.
	Delay time.Duration `yaml:"delay" env:"DELAY"`
	// BaseBackoff doubles per attempt up to MaxBackoff.
	BaseBackoff  time.Duration `yaml:"base_backoff" env:"BASE_BACKOFF"`
	MaxBackoff   time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	Visibility   time.Duration `yaml:"visibility" env:"VISIBILITY"`
}

func (c *Config) defaults() {
	if c.Addr == "" {
		c.Addr = ":1234"
	}
	if c.DBPath == "" {
		c.DBPath = "data/docsync.db"
	}
	if c.ObservabilityDBPath == "" {
		c.ObservabilityDBPath = "data/docsync-obs.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 4096
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 8 << 20
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = time.Minute
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 10 * time.Second
	}
	if c.LoadFailurePolicy == "" {
		c.LoadFailurePolicy = string(registry.PolicyRefuse)
	}
	if c.Retry.Delay <= 0 {
		c.Retry.Delay = time.Second
	}
	if c.Retry.BaseBackoff <= 0 {
		c.Retry.BaseBackoff = 2 * time.Second
	}
	if c.Retry.MaxBackoff <= 0 {
		c.Retry.MaxBackoff = 5 * time.Minute
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 20
	}
	if c.Retry.PollInterval <= 0 {
		c.Retry.PollInterval = time.Second
	}
	if c.Retry.Visibility <= 0 {
		c.Retry.Visibility = 30 * time.Second
	}
	if c.IdentityCacheSize <= 0 {
		c.IdentityCacheSize = 4096
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.MetricsBuffer <= 0 {
		c.MetricsBuffer = 256
	}
	if c.MetricsFlush <= 0 {
		c.MetricsFlush = 5 * time.Second
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 7
	}
}

// Validate checks values defaults cannot fix.
func (c *Config) Validate() error {
	if _, err := registry.ParsePolicy(c.LoadFailurePolicy); err != nil {
		return err
	}
	if c.RequireAuth && c.JWTSecret == "" {
		return fmt.Errorf("gateway: require_auth needs jwt_secret")
	}
	return nil
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("gateway: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfig reads path when non-empty, overlays DOCSYNC_* environment
// variables and fills defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		var err error
		if cfg, err = LoadConfigFile(path); err != nil {
			return nil, err
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("gateway: parse env: %w", err)
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
