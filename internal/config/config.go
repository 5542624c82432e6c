// Package config loads the winrund daemon configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete winrund configuration.
type Config struct {
	IPC          IPCConfig          `yaml:"ipc"`
	Transport    TransportConfig    `yaml:"transport"`
	SharedMemory SharedMemoryConfig `yaml:"shared_memory"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Reconnect    ReconnectConfig    `yaml:"reconnect"`
	Logging      LogConfig          `yaml:"logging"`
}

// AuthPreset selects the IPC authentication posture.
type AuthPreset string

const (
	PresetDevelopment AuthPreset = "development"
	PresetProduction  AuthPreset = "production"
)

type IPCConfig struct {
	SocketPath       string          `yaml:"socket_path"`
	AuthPreset       AuthPreset      `yaml:"auth_preset"`
	AllowedGroupName string          `yaml:"allowed_group"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
	PruneInterval    Duration        `yaml:"prune_interval"`
	StaleClientAge   Duration        `yaml:"stale_client_age"`
}

type RateLimitConfig struct {
	MaxRequestsPerWindow int      `yaml:"max_requests_per_window"`
	Window               Duration `yaml:"window"`
	BurstAllowance       int      `yaml:"burst_allowance"`
	Cooldown             Duration `yaml:"cooldown"`
}

type TransportConfig struct {
	// Endpoint is a unix socket path ("unix:///run/winrun/spice.sock")
	// or a websocket URL ("ws://127.0.0.1:5900/control").
	Endpoint       string   `yaml:"endpoint"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

type SharedMemoryConfig struct {
	RegionPath string `yaml:"region_path"`
	RegionSize int    `yaml:"region_size"`
	SlotCount  int    `yaml:"slot_count"`
}

type ProvisioningConfig struct {
	DataDir      string   `yaml:"data_dir"`
	DiskSizeGB   int      `yaml:"disk_size_gb"`
	GuestTimeout Duration `yaml:"guest_timeout"`
}

type ReconnectConfig struct {
	InitialDelay Duration `yaml:"initial_delay"`
	Multiplier   float64  `yaml:"multiplier"`
	MaxDelay     Duration `yaml:"max_delay"`
	MaxAttempts  int      `yaml:"max_attempts"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Duration is a time.Duration that supports YAML string unmarshaling.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads config from a YAML file, applying defaults for missing
// values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.IPC.SocketPath == "" {
		return fmt.Errorf("ipc.socket_path is required")
	}
	if c.IPC.AuthPreset != PresetDevelopment && c.IPC.AuthPreset != PresetProduction {
		return fmt.Errorf("ipc.auth_preset must be development or production, got %q", c.IPC.AuthPreset)
	}
	if c.IPC.RateLimit.MaxRequestsPerWindow < 1 {
		return fmt.Errorf("ipc.rate_limit.max_requests_per_window must be >= 1, got %d", c.IPC.RateLimit.MaxRequestsPerWindow)
	}
	if c.IPC.RateLimit.Window.Duration() <= 0 {
		return fmt.Errorf("ipc.rate_limit.window must be positive")
	}

	if c.Transport.Endpoint == "" {
		return fmt.Errorf("transport.endpoint is required")
	}
	if !strings.HasPrefix(c.Transport.Endpoint, "unix://") &&
		!strings.HasPrefix(c.Transport.Endpoint, "ws://") &&
		!strings.HasPrefix(c.Transport.Endpoint, "wss://") {
		return fmt.Errorf("transport.endpoint must be a unix:// path or ws(s):// URL, got %q", c.Transport.Endpoint)
	}

	if c.SharedMemory.RegionSize < 1<<20 {
		return fmt.Errorf("shared_memory.region_size must be >= 1 MiB, got %d", c.SharedMemory.RegionSize)
	}
	if c.SharedMemory.SlotCount < 2 {
		return fmt.Errorf("shared_memory.slot_count must be >= 2, got %d", c.SharedMemory.SlotCount)
	}

	if c.Provisioning.DiskSizeGB < 32 || c.Provisioning.DiskSizeGB > 2048 {
		return fmt.Errorf("provisioning.disk_size_gb must be in [32, 2048], got %d", c.Provisioning.DiskSizeGB)
	}
	if c.Provisioning.DataDir == "" {
		return fmt.Errorf("provisioning.data_dir is required")
	}

	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be >= 1, got %g", c.Reconnect.Multiplier)
	}
	if c.Reconnect.InitialDelay.Duration() <= 0 || c.Reconnect.MaxDelay.Duration() < c.Reconnect.InitialDelay.Duration() {
		return fmt.Errorf("reconnect delays invalid: initial %s, max %s",
			c.Reconnect.InitialDelay.Duration(), c.Reconnect.MaxDelay.Duration())
	}
	return nil
}
