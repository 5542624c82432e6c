package config

import "time"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		IPC: IPCConfig{
			SocketPath:       "/var/run/winrun/winrund.sock",
			AuthPreset:       PresetProduction,
			AllowedGroupName: "winrun",
			RateLimit: RateLimitConfig{
				MaxRequestsPerWindow: 60,
				Window:               Duration(time.Minute),
				BurstAllowance:       10,
				Cooldown:             Duration(5 * time.Second),
			},
			PruneInterval:  Duration(5 * time.Minute),
			StaleClientAge: Duration(30 * time.Minute),
		},
		Transport: TransportConfig{
			Endpoint:       "unix:///var/run/winrun/spice.sock",
			RequestTimeout: Duration(30 * time.Second),
		},
		SharedMemory: SharedMemoryConfig{
			RegionPath: "/var/run/winrun/frames.region",
			RegionSize: 256 << 20,
			SlotCount:  3,
		},
		Provisioning: ProvisioningConfig{
			DataDir:      "/var/lib/winrun",
			DiskSizeGB:   64,
			GuestTimeout: Duration(30 * time.Minute),
		},
		Reconnect: ReconnectConfig{
			InitialDelay: Duration(500 * time.Millisecond),
			Multiplier:   1.8,
			MaxDelay:     Duration(15 * time.Second),
			MaxAttempts:  5,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}
