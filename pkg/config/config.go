// Package config loads service configuration from YAML with environment
// variable fallbacks.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted by Config.Backend.
const (
	BackendFirestore = "firestore"
	BackendRedis     = "redis"
	BackendMemory    = "memory"
)

// Config represents the service configuration.
type Config struct {
	// Backend selects the session store: firestore, redis, or memory.
	Backend string `yaml:"backend"`

	// SessionOnlyState disables the app:/user: shared state partitions.
	SessionOnlyState bool `yaml:"session_only_state"`

	Firestore     FirestoreConfig     `yaml:"firestore"`
	Redis         RedisConfig         `yaml:"redis"`
	Retention     RetentionConfig     `yaml:"retention"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// FirestoreConfig holds Firestore connection settings.
type FirestoreConfig struct {
	// Project is the GCP project ID.
	Project string `yaml:"project"`
	// Database is the Firestore database ID (empty means the default).
	Database string `yaml:"database"`
	// CollectionPrefix namespaces the top-level collections.
	CollectionPrefix string `yaml:"collection_prefix"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// KeyPrefix namespaces all keys written by the service.
	KeyPrefix string `yaml:"key_prefix"`
	// SessionTTL expires idle sessions (0 = never).
	SessionTTL time.Duration `yaml:"session_ttl"`
	PoolSize   int           `yaml:"pool_size"`
}

// RetentionConfig drives the expired-session sweeper.
type RetentionConfig struct {
	// Enabled turns the sweeper on.
	Enabled bool `yaml:"enabled"`
	// Schedule is a cron expression for recurring sweeps.
	Schedule string `yaml:"schedule"`
	// MaxIdle is the retention window for untouched sessions.
	MaxIdle time.Duration `yaml:"max_idle"`
	// Apps lists the application names swept.
	Apps []string `yaml:"apps"`
	// DeletesPerSecond throttles sweep deletions (0 = unthrottled).
	DeletesPerSecond float64 `yaml:"deletes_per_second"`
}

// ObservabilityConfig holds the metrics/health listen address.
type ObservabilityConfig struct {
	// Addr is the listen address for /metrics, /health, and /ready.
	Addr string `yaml:"addr"`
}

// Load reads configuration from a YAML file, applies defaults, and fills
// GCP settings from the environment when absent.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendFirestore
	}
	if c.Firestore.Project == "" {
		c.Firestore.Project = os.Getenv("GCP_PROJECT")
	}
	if c.Firestore.CollectionPrefix == "" {
		c.Firestore.CollectionPrefix = "matchday"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = "0 3 * * *"
	}
	if c.Retention.MaxIdle == 0 {
		c.Retention.MaxIdle = 30 * 24 * time.Hour
	}
	if c.Observability.Addr == "" {
		c.Observability.Addr = ":9090"
	}
}

// Validate checks the configuration for problems that would surface later
// as runtime failures.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendFirestore:
		if c.Firestore.Project == "" {
			return fmt.Errorf("firestore backend requires a project (set firestore.project or GCP_PROJECT)")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis backend requires an address")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if c.Retention.Enabled {
		if c.Retention.MaxIdle <= 0 {
			return fmt.Errorf("retention.max_idle must be positive")
		}
		if len(c.Retention.Apps) == 0 {
			return fmt.Errorf("retention.apps must name at least one app")
		}
	}
	return nil
}
