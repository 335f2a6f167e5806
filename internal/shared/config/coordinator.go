package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const (
	StorageMemory = "memory"
	StorageBadger = "badger"
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
)

// CoordinatorConfig contains all configuration for the coordinator service.
type CoordinatorConfig struct {
	REST     RESTConfig     `mapstructure:"rest"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Health   HealthConfig   `mapstructure:"health"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// RESTConfig contains REST API server configuration.
type RESTConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// GRPCConfig contains gRPC server configuration.
type GRPCConfig struct {
	Addr              string        `mapstructure:"addr"`
	EnableReflection  bool          `mapstructure:"enable_reflection"`
	KeepaliveMinTime  time.Duration `mapstructure:"keepalive_min_time"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// HealthConfig contains host health checking configuration.
type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	StaleTimeout  time.Duration `mapstructure:"stale_timeout"`
}

// DispatchConfig tunes the accept handshake with job producers.
type DispatchConfig struct {
	// HandshakeTimeout separates an immediate refusal from an accepted hand-off.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	// AcceptCallTimeout bounds the accept call that keeps running after a hand-off.
	AcceptCallTimeout time.Duration `mapstructure:"accept_call_timeout"`
	// QueueInterval is how often standalone queued jobs are dispatched.
	QueueInterval time.Duration `mapstructure:"queue_interval"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend string      `mapstructure:"backend"`
	Path    string      `mapstructure:"path"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig contains connection settings for the redis backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// WorkflowConfig contains workflow engine configuration.
type WorkflowConfig struct {
	DefinitionsDir string        `mapstructure:"definitions_dir"`
	RetryBase      time.Duration `mapstructure:"retry_base"`
}

// AuthConfig enables bearer token authentication on the admin API when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LoadCoordinator loads the coordinator configuration from the given path.
// If configPath is empty, it looks for coordinator.yaml in the config/ directory.
// Environment variables with LECTERN_COORDINATOR_ prefix override config file values.
func LoadCoordinator(configPath string) (*CoordinatorConfig, error) {
	v := viper.New()

	v.SetDefault("rest.addr", ":8080")
	v.SetDefault("rest.read_timeout", 15*time.Second)
	v.SetDefault("rest.write_timeout", 15*time.Second)
	v.SetDefault("rest.idle_timeout", 60*time.Second)
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("grpc.enable_reflection", true)
	v.SetDefault("grpc.keepalive_min_time", 30*time.Second)
	v.SetDefault("grpc.heartbeat_interval", 15*time.Second)
	v.SetDefault("health.check_interval", 5*time.Second)
	v.SetDefault("health.stale_timeout", 45*time.Second)
	v.SetDefault("dispatch.handshake_timeout", time.Second)
	v.SetDefault("dispatch.accept_call_timeout", 30*time.Second)
	v.SetDefault("dispatch.queue_interval", 5*time.Second)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.path", "./data")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.prefix", "lectern")
	v.SetDefault("workflow.definitions_dir", "./workflows")
	v.SetDefault("workflow.retry_base", time.Second)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	var cfg CoordinatorConfig
	if err := load(v, configPath, "coordinator", "LECTERN_COORDINATOR", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports configuration values the coordinator cannot run with.
func (c *CoordinatorConfig) Validate() error {
	switch c.Storage.Backend {
	case StorageMemory, StorageBadger, StorageSQLite, StorageRedis:
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}
	if c.Dispatch.HandshakeTimeout <= 0 {
		return fmt.Errorf("dispatch.handshake_timeout must be positive")
	}
	if c.Dispatch.AcceptCallTimeout < c.Dispatch.HandshakeTimeout {
		return fmt.Errorf("dispatch.accept_call_timeout must not be shorter than dispatch.handshake_timeout")
	}
	if c.Health.CheckInterval <= 0 || c.Dispatch.QueueInterval <= 0 {
		return fmt.Errorf("health.check_interval and dispatch.queue_interval must be positive")
	}
	return nil
}
