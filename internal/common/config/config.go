// Package config provides configuration management for the alive worker pool.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the pool host process.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Pool    PoolConfig    `mapstructure:"pool"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Events  EventsConfig  `mapstructure:"events"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the observability/debug HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// PoolConfig holds every tunable named in the worker pool specification.
// Millisecond fields are plain ints for config-file friendliness; use the
// accompanying *Duration() helpers to get a time.Duration.
type PoolConfig struct {
	MaxWorkers             int    `mapstructure:"maxWorkers"`
	MaxWorkersPerUser      int    `mapstructure:"maxWorkersPerUser"`
	MaxWorkersPerWorkspace int    `mapstructure:"maxWorkersPerWorkspace"`
	MaxQueuedPerUser       int    `mapstructure:"maxQueuedPerUser"`
	MaxQueuedPerWorkspace  int    `mapstructure:"maxQueuedPerWorkspace"`
	MaxQueuedGlobal        int    `mapstructure:"maxQueuedGlobal"`
	WorkersPerCore         int    `mapstructure:"workersPerCore"`
	LoadShedThreshold      int    `mapstructure:"loadShedThreshold"`
	InactivityTimeoutMs    int64  `mapstructure:"inactivityTimeoutMs"`
	MaxAgeMs               int64  `mapstructure:"maxAgeMs"`
	ReadyTimeoutMs         int64  `mapstructure:"readyTimeoutMs"`
	ShutdownTimeoutMs      int64  `mapstructure:"shutdownTimeoutMs"`
	CancelTimeoutMs        int64  `mapstructure:"cancelTimeoutMs"`
	KillGraceMs            int64  `mapstructure:"killGraceMs"`
	OrphanSweepIntervalMs  int64  `mapstructure:"orphanSweepIntervalMs"`
	OrphanMaxAgeMs         int64  `mapstructure:"orphanMaxAgeMs"`
	EvictionStrategy       string `mapstructure:"evictionStrategy"` // "lru" | "oldest" | "least_used"
	SocketDir              string `mapstructure:"socketDir"`
	WorkerEntryPath        string `mapstructure:"workerEntryPath"`
	SessionsBaseDir        string `mapstructure:"sessionsBaseDir"`
	HostSkillsDir          string `mapstructure:"hostSkillsDir"`
}

func (p PoolConfig) InactivityTimeout() time.Duration {
	return time.Duration(p.InactivityTimeoutMs) * time.Millisecond
}

func (p PoolConfig) MaxAge() time.Duration { return time.Duration(p.MaxAgeMs) * time.Millisecond }

func (p PoolConfig) ReadyTimeout() time.Duration {
	return time.Duration(p.ReadyTimeoutMs) * time.Millisecond
}

func (p PoolConfig) ShutdownTimeout() time.Duration {
	return time.Duration(p.ShutdownTimeoutMs) * time.Millisecond
}

func (p PoolConfig) CancelTimeout() time.Duration {
	return time.Duration(p.CancelTimeoutMs) * time.Millisecond
}

func (p PoolConfig) KillGrace() time.Duration {
	return time.Duration(p.KillGraceMs) * time.Millisecond
}

func (p PoolConfig) OrphanSweepInterval() time.Duration {
	return time.Duration(p.OrphanSweepIntervalMs) * time.Millisecond
}

func (p PoolConfig) OrphanMaxAge() time.Duration {
	return time.Duration(p.OrphanMaxAgeMs) * time.Millisecond
}

// NATSConfig holds NATS messaging configuration, used only to fan pool
// events out to other processes. An empty URL means use the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// setDefaults configures default values for all configuration options,
// matching the defaults named in the worker pool specification.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7800)

	v.SetDefault("pool.maxWorkers", 8)
	v.SetDefault("pool.maxWorkersPerUser", 1)
	v.SetDefault("pool.maxWorkersPerWorkspace", 1)
	v.SetDefault("pool.maxQueuedPerUser", 4)
	v.SetDefault("pool.maxQueuedPerWorkspace", 8)
	v.SetDefault("pool.maxQueuedGlobal", 16)
	v.SetDefault("pool.workersPerCore", 4)
	v.SetDefault("pool.loadShedThreshold", 100)
	v.SetDefault("pool.inactivityTimeoutMs", int64(30*time.Minute/time.Millisecond))
	v.SetDefault("pool.maxAgeMs", int64(60*time.Minute/time.Millisecond))
	v.SetDefault("pool.readyTimeoutMs", int64(30*time.Second/time.Millisecond))
	v.SetDefault("pool.shutdownTimeoutMs", int64(10*time.Second/time.Millisecond))
	v.SetDefault("pool.cancelTimeoutMs", int64(5*time.Second/time.Millisecond))
	v.SetDefault("pool.killGraceMs", int64(2*time.Second/time.Millisecond))
	v.SetDefault("pool.orphanSweepIntervalMs", int64(30*time.Second/time.Millisecond))
	v.SetDefault("pool.orphanMaxAgeMs", int64(60*time.Second/time.Millisecond))
	v.SetDefault("pool.evictionStrategy", "lru")
	v.SetDefault("pool.socketDir", "/var/run/alive-pool")
	v.SetDefault("pool.workerEntryPath", "")
	v.SetDefault("pool.sessionsBaseDir", "/var/lib/alive-pool/sessions")
	v.SetDefault("pool.hostSkillsDir", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "alive-pool")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ALIVEPOOL_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ALIVEPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("pool.socketDir", "ALIVEPOOL_SOCKET_DIR")
	_ = v.BindEnv("pool.workerEntryPath", "ALIVEPOOL_WORKER_ENTRY_PATH")
	_ = v.BindEnv("pool.sessionsBaseDir", "ALIVEPOOL_SESSIONS_BASE_DIR")
	_ = v.BindEnv("pool.hostSkillsDir", "ALIVEPOOL_HOST_SKILLS_DIR")
	_ = v.BindEnv("logging.level", "ALIVEPOOL_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "ALIVEPOOL_EVENTS_NAMESPACE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/alive-pool/")

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

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Pool.MaxWorkers < 1 {
		errs = append(errs, "pool.maxWorkers must be >= 1")
	}
	if cfg.Pool.SocketDir == "" {
		errs = append(errs, "pool.socketDir is required")
	}
	if cfg.Pool.SessionsBaseDir == "" {
		errs = append(errs, "pool.sessionsBaseDir is required")
	}

	switch cfg.Pool.EvictionStrategy {
	case "lru", "oldest", "least_used":
	default:
		errs = append(errs, "pool.evictionStrategy must be one of: lru, oldest, least_used")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
