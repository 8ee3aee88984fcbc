package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and
// environment variables to fill in any missing values with sensible
// defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Driver-specific option defaults are handled by the drivers themselves
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)

	// Add a default volume if none configured: a single in-memory device
	// so a bare daemon still has something to serve.
	if len(cfg.Volumes) == 0 {
		cfg.Volumes = []VolumeConfig{
			{
				Name: "default",
				Nodes: []NodeConfig{
					{
						Name:    "default-mem",
						Driver:  "memory",
						Options: map[string]string{"size": "1073741824"},
					},
				},
			},
		}
	}

	for i := range cfg.Volumes {
		applyVolumeDefaults(&cfg.Volumes[i])
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MetricsListen == "" {
		cfg.MetricsListen = ":9100"
	}
}

// applyVolumeDefaults sets per-volume defaults.
func applyVolumeDefaults(cfg *VolumeConfig) {
	for i := range cfg.Nodes {
		node := &cfg.Nodes[i]
		if node.Options == nil {
			node.Options = make(map[string]string)
		}
		// A read-only volume forces every node read-only.
		if cfg.ReadOnly {
			node.ReadOnly = true
		}
	}
}
