package config

import (
	"fmt"
	"path/filepath"
	"time"

	coretypes "github.com/projecteru2/core/types"
)

// Store backend names.
const (
	StoreBackendFile  = "file"
	StoreBackendRedis = "redis"
)

// Config holds global chrysalis configuration.
type Config struct {
	// RootDir is the base directory for persistent data.
	RootDir string `json:"root_dir"`
	// RunDir holds per-VM runtime state (sockets, PID files).
	RunDir string `json:"run_dir"`
	// Listen is the HTTP server address.
	Listen string `json:"listen"`

	Store    StoreConfig    `json:"store"`
	Driver   DriverConfig   `json:"driver"`
	Registry RegistryConfig `json:"registry"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log"`
}

// StoreConfig selects and configures the record store backend.
type StoreConfig struct {
	// Backend is "file" or "redis".
	Backend string `json:"backend"`

	Redis RedisConfig `json:"redis"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// DriverConfig configures the cloud-hypervisor driver.
type DriverConfig struct {
	// Binary is the cloud-hypervisor executable.
	Binary string `json:"binary"`
	// ExtraArgs are appended to every VM launch command.
	ExtraArgs []string `json:"extra_args"`
	// StopGraceSeconds is the SIGTERM→SIGKILL window when halting.
	StopGraceSeconds int `json:"stop_grace_seconds"`
}

// RegistryConfig bounds the registry's blocking points.
type RegistryConfig struct {
	// LockTimeoutSeconds bounds waiting for a per-name token.
	LockTimeoutSeconds int `json:"lock_timeout_seconds"`
	// StoreTimeoutSeconds bounds each store read/write.
	StoreTimeoutSeconds int `json:"store_timeout_seconds"`
	// DriverTimeoutSeconds bounds each driver call.
	DriverTimeoutSeconds int `json:"driver_timeout_seconds"`
	// CASRetries bounds retries of version-conflicted operations.
	CASRetries int `json:"cas_retries"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir: "/var/lib/chrysalis",
		RunDir:  "/run/chrysalis",
		Listen:  "127.0.0.1:3030",
		Store: StoreConfig{
			Backend: StoreBackendFile,
			Redis:   RedisConfig{Addr: "127.0.0.1:6379"},
		},
		Driver: DriverConfig{
			Binary:           "cloud-hypervisor",
			StopGraceSeconds: 5,
		},
		Registry: RegistryConfig{
			LockTimeoutSeconds:   30,
			StoreTimeoutSeconds:  10,
			DriverTimeoutSeconds: 60,
			CASRetries:           3,
		},
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// Normalize fills zero values back in after unmarshalling and validates
// the backend selection.
func (c *Config) Normalize() error {
	d := DefaultConfig()
	if c.RootDir == "" {
		c.RootDir = d.RootDir
	}
	if c.RunDir == "" {
		c.RunDir = d.RunDir
	}
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Store.Backend == "" {
		c.Store.Backend = StoreBackendFile
	}
	if c.Store.Backend != StoreBackendFile && c.Store.Backend != StoreBackendRedis {
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Redis.Addr == "" {
		c.Store.Redis.Addr = d.Store.Redis.Addr
	}
	if c.Driver.Binary == "" {
		c.Driver.Binary = d.Driver.Binary
	}
	if c.Driver.StopGraceSeconds <= 0 {
		c.Driver.StopGraceSeconds = d.Driver.StopGraceSeconds
	}
	if c.Registry.LockTimeoutSeconds <= 0 {
		c.Registry.LockTimeoutSeconds = d.Registry.LockTimeoutSeconds
	}
	if c.Registry.StoreTimeoutSeconds <= 0 {
		c.Registry.StoreTimeoutSeconds = d.Registry.StoreTimeoutSeconds
	}
	if c.Registry.DriverTimeoutSeconds <= 0 {
		c.Registry.DriverTimeoutSeconds = d.Registry.DriverTimeoutSeconds
	}
	if c.Registry.CASRetries <= 0 {
		c.Registry.CASRetries = d.Registry.CASRetries
	}
	return nil
}

// VMStoreDir is where the file backend keeps its record documents.
func (c *Config) VMStoreDir() string {
	return filepath.Join(c.RootDir, "vms")
}

// DriverRunDir is where the driver keeps per-VM runtime files.
func (c *Config) DriverRunDir() string {
	return filepath.Join(c.RunDir, "vms")
}

// LockTimeout returns the lock timeout as a duration.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Registry.LockTimeoutSeconds) * time.Second
}

// StoreTimeout returns the store timeout as a duration.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Registry.StoreTimeoutSeconds) * time.Second
}

// DriverTimeout returns the driver timeout as a duration.
func (c *Config) DriverTimeout() time.Duration {
	return time.Duration(c.Registry.DriverTimeoutSeconds) * time.Second
}

// StopGracePeriod returns the driver stop grace period as a duration.
func (c *Config) StopGracePeriod() time.Duration {
	return time.Duration(c.Driver.StopGraceSeconds) * time.Second
}
