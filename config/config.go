// Package config loads the host configuration for the module runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML scalars like "30s" or "5m" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*d = Duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RegistryConfig configures the module registry's durable store and cache.
type RegistryConfig struct {
	// DatabasePath is the SQLite database file. ":memory:" keeps the
	// registry in process memory.
	DatabasePath string `json:"databasePath" yaml:"databasePath"`

	// RedisAddr enables the Redis read-through cache when set; empty uses
	// the in-process cache.
	RedisAddr     string   `json:"redisAddr,omitempty" yaml:"redisAddr,omitempty"`
	RedisPassword string   `json:"redisPassword,omitempty" yaml:"redisPassword,omitempty"`
	CacheTTL      Duration `json:"cacheTtl,omitempty" yaml:"cacheTtl,omitempty"`
}

// SandboxConfig configures the sandboxed execution service.
type SandboxConfig struct {
	PoolSize         int      `json:"poolSize,omitempty" yaml:"poolSize,omitempty"`
	ExecutionTimeout Duration `json:"executionTimeout,omitempty" yaml:"executionTimeout,omitempty"`
}

// LifecycleConfig configures lifecycle operation execution.
type LifecycleConfig struct {
	StepTimeout     Duration `json:"stepTimeout,omitempty" yaml:"stepTimeout,omitempty"`
	MaxStepAttempts int      `json:"maxStepAttempts,omitempty" yaml:"maxStepAttempts,omitempty"`
	MonitorInterval Duration `json:"monitorInterval,omitempty" yaml:"monitorInterval,omitempty"`
}

// MarketplaceConfig configures the remote marketplace client.
type MarketplaceConfig struct {
	URL               string  `json:"url,omitempty" yaml:"url,omitempty"`
	RequestsPerSecond float64 `json:"requestsPerSecond,omitempty" yaml:"requestsPerSecond,omitempty"`
	Burst             int     `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// HostConfig is the runtime host's top-level configuration.
type HostConfig struct {
	// Addr is the HTTP listen address for the host API and metrics.
	Addr string `json:"addr" yaml:"addr"`

	// HostVersion and RuntimeVersion are matched against every module
	// manifest's compatibility ranges.
	HostVersion    string `json:"hostVersion" yaml:"hostVersion"`
	RuntimeVersion string `json:"runtimeVersion" yaml:"runtimeVersion"`

	// ModulesDir holds extracted module bundles, one directory per module.
	ModulesDir string `json:"modulesDir" yaml:"modulesDir"`

	Registry    RegistryConfig    `json:"registry" yaml:"registry"`
	Sandbox     SandboxConfig     `json:"sandbox" yaml:"sandbox"`
	Lifecycle   LifecycleConfig   `json:"lifecycle" yaml:"lifecycle"`
	Marketplace MarketplaceConfig `json:"marketplace,omitempty" yaml:"marketplace,omitempty"`
}

// Default returns a configuration suitable for local development.
func Default() *HostConfig {
	return &HostConfig{
		Addr:           ":8080",
		HostVersion:    "0.1.0",
		RuntimeVersion: "0.1.0",
		ModulesDir:     "data/modules",
		Registry: RegistryConfig{
			DatabasePath: "data/registry.db",
			CacheTTL:     Duration(5 * time.Minute),
		},
		Sandbox: SandboxConfig{
			PoolSize:         64,
			ExecutionTimeout: Duration(30 * time.Second),
		},
		Lifecycle: LifecycleConfig{
			StepTimeout:     Duration(30 * time.Second),
			MaxStepAttempts: 3,
			MonitorInterval: Duration(15 * time.Second),
		},
	}
}

// LoadFromFile reads a YAML host configuration. Absent keys keep their
// defaults.
func LoadFromFile(path string) (*HostConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the host cannot start with.
func (c *HostConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr must not be empty")
	}
	if c.HostVersion == "" || c.RuntimeVersion == "" {
		return fmt.Errorf("config: hostVersion and runtimeVersion must be set")
	}
	if c.Registry.DatabasePath == "" {
		return fmt.Errorf("config: registry.databasePath must not be empty")
	}
	if c.Sandbox.PoolSize < 0 {
		return fmt.Errorf("config: sandbox.poolSize must not be negative")
	}
	return nil
}
