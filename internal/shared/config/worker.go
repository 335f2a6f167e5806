package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// WorkerConfig contains all configuration for the worker service.
type WorkerConfig struct {
	Server      ServerConfig          `mapstructure:"server"`
	Host        HostConfig            `mapstructure:"host"`
	Coordinator CoordinatorConnConfig `mapstructure:"coordinator"`
	Retry       RetryConfig           `mapstructure:"retry"`
	Logging     LoggingConfig         `mapstructure:"logging"`
}

// ServerConfig contains the job producer server configuration.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// AdvertiseAddr is the address the coordinator dials. Defaults to Addr.
	AdvertiseAddr string `mapstructure:"advertise_addr"`
}

// HostConfig describes the capabilities this host offers.
type HostConfig struct {
	Name         string             `mapstructure:"name"`
	MaxJobs      int                `mapstructure:"max_jobs"`
	Capabilities []CapabilityConfig `mapstructure:"capabilities"`
}

// CapabilityConfig binds a capability to an operation handler.
type CapabilityConfig struct {
	Type    string `mapstructure:"type"`
	Path    string `mapstructure:"path"`
	Handler string `mapstructure:"handler"`
}

// CoordinatorConnConfig contains coordinator connection configuration.
type CoordinatorConnConfig struct {
	Addr string           `mapstructure:"addr"`
	GRPC WorkerGRPCConfig `mapstructure:"grpc"`
}

// WorkerGRPCConfig contains worker gRPC client configuration.
type WorkerGRPCConfig struct {
	KeepaliveTime    time.Duration `mapstructure:"keepalive_time"`
	KeepaliveTimeout time.Duration `mapstructure:"keepalive_timeout"`
}

// RetryConfig controls Fibonacci backoff for calls to the coordinator.
type RetryConfig struct {
	Base       time.Duration `mapstructure:"base"`
	MaxRetries uint64        `mapstructure:"max_retries"`
}

// LoadWorker loads the worker configuration from the given path.
// If configPath is empty, it looks for worker.yaml in the config/ directory.
// Environment variables with LECTERN_WORKER_ prefix override config file values.
func LoadWorker(configPath string) (*WorkerConfig, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":50051")
	v.SetDefault("server.advertise_addr", "")
	v.SetDefault("host.name", "")
	v.SetDefault("host.max_jobs", 4)
	v.SetDefault("host.capabilities", []map[string]any{
		{"type": "noop", "path": "/noop", "handler": "noop"},
	})
	v.SetDefault("coordinator.addr", "localhost:9090")
	v.SetDefault("coordinator.grpc.keepalive_time", 30*time.Second)
	v.SetDefault("coordinator.grpc.keepalive_timeout", 5*time.Second)
	v.SetDefault("retry.base", 500*time.Millisecond)
	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	var cfg WorkerConfig
	if err := load(v, configPath, "worker", "LECTERN_WORKER", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports configuration values the worker cannot run with.
func (c *WorkerConfig) Validate() error {
	if len(c.Host.Capabilities) == 0 {
		return fmt.Errorf("host.capabilities must list at least one capability")
	}
	for i, capability := range c.Host.Capabilities {
		if capability.Type == "" || capability.Path == "" || capability.Handler == "" {
			return fmt.Errorf("host.capabilities[%d] requires type, path and handler", i)
		}
	}
	if c.Host.MaxJobs < 0 {
		return fmt.Errorf("host.max_jobs must not be negative")
	}
	return nil
}

// AdvertisedAddr returns the address the coordinator should dial.
func (c *WorkerConfig) AdvertisedAddr() string {
	if c.Server.AdvertiseAddr != "" {
		return c.Server.AdvertiseAddr
	}
	return c.Server.Addr
}
