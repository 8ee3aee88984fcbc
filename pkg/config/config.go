package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete vdisk configuration.
//
// This structure captures all configurable aspects of the daemon including:
//   - Logging configuration
//   - Server-wide settings (shutdown, metrics endpoint)
//   - Volume definitions, each an ordered list of device nodes
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (VDISK_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Volumes defines the list of volumes assembled at startup
	Volumes []VolumeConfig `mapstructure:"volumes" yaml:"volumes" validate:"dive"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`

	// MetricsEnabled switches Prometheus metrics collection on
	MetricsEnabled bool `mapstructure:"metrics_enabled" yaml:"metrics_enabled"`

	// MetricsListen is the address the metrics HTTP endpoint binds to
	// Only used when MetricsEnabled is true
	MetricsListen string `mapstructure:"metrics_listen" yaml:"metrics_listen"`
}

// VolumeConfig defines a single volume: a named graph of device nodes.
//
// Nodes are listed bottom-up; a node may reference any node defined before
// it as a child. The last node in the list becomes the volume root.
type VolumeConfig struct {
	// Name is the volume name clients address
	Name string `mapstructure:"name" yaml:"name" validate:"required"`

	// ReadOnly opens the whole volume read-only if true
	ReadOnly bool `mapstructure:"read_only" yaml:"read_only"`

	// Nodes lists the device nodes of the graph, bottom-up
	Nodes []NodeConfig `mapstructure:"nodes" yaml:"nodes" validate:"required,min=1,dive"`
}

// NodeConfig defines a single device node.
type NodeConfig struct {
	// Name is the node name, unique across all volumes
	// Empty means an automatically generated name
	Name string `mapstructure:"name" yaml:"name"`

	// Driver selects the registered driver implementation
	Driver string `mapstructure:"driver" yaml:"driver" validate:"required"`

	// Filename is the image location for drivers that need one
	Filename string `mapstructure:"filename" yaml:"filename"`

	// ReadOnly opens this node read-only if true
	ReadOnly bool `mapstructure:"read_only" yaml:"read_only"`

	// Children maps child names (e.g. "file", "backing") to the names of
	// nodes defined earlier in the same volume
	Children map[string]string `mapstructure:"children" yaml:"children"`

	// Options carries driver-specific open options
	Options map[string]string `mapstructure:"options" yaml:"options"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (VDISK_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use VDISK_ prefix and underscores
	// Example: VDISK_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("VDISK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/vdisk/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable - use defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "vdisk")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "vdisk")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
