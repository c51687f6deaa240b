// Package config loads the wasmfs configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (WASMFS_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the wasmfs configuration.
type Config struct {
	// Mode selects who mounts the backend: "deferred" (default) leaves it to
	// the mount coordinator, "synchronous" mounts during before_preload.
	Mode string `mapstructure:"mode" yaml:"mode"`

	// MountPath is the synchronous-mode mount point.
	// Default: /home
	MountPath string `mapstructure:"mount_path" yaml:"mount_path"`

	// MountMode is the permission of the mount directory.
	// Default: 0777
	MountMode Perm `mapstructure:"mount_mode" yaml:"mount_mode"`

	// StorageDir is the host directory backends are carved from. Empty means
	// in-memory storage.
	StorageDir string `mapstructure:"storage_dir" yaml:"storage_dir"`

	// FactoryCapability and DirCapability name the capabilities in the
	// host registry.
	FactoryCapability string `mapstructure:"factory_capability" yaml:"factory_capability"`
	DirCapability     string `mapstructure:"dir_capability" yaml:"dir_capability"`

	// Preexisting are namespace directories that exist before any mount.
	// Default: [/dev, /tmp]
	Preexisting []string `mapstructure:"preexisting" yaml:"preexisting"`

	// MaxPathLength bounds mount paths.
	// Default: 4096
	MaxPathLength int `mapstructure:"max_path_length" yaml:"max_path_length"`

	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" yaml:"level"`

	// Format: text or json
	Format string `mapstructure:"format" yaml:"format"`

	// Output: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// ServerConfig configures the status HTTP server of `wasmfs serve`.
type ServerConfig struct {
	// Listen is the address to bind.
	// Default: 127.0.0.1:8420
	Listen string `mapstructure:"listen" yaml:"listen"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Perm is a permission mode written as an octal string ("0755").
type Perm fs.FileMode

func (p Perm) FileMode() fs.FileMode { return fs.FileMode(p) }

func (p Perm) String() string {
	return "0" + strconv.FormatUint(uint64(fs.FileMode(p).Perm()), 8)
}

func (p Perm) MarshalYAML() (any, error) {
	return p.String(), nil
}

// ParsePerm parses an octal permission string.
func ParsePerm(s string) (Perm, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid permission %q: %w", s, err)
	}
	if fs.FileMode(n)&^fs.ModePerm != 0 {
		return 0, fmt.Errorf("invalid permission %q: only permission bits are allowed", s)
	}
	return Perm(n), nil
}

// Load loads configuration from file, environment, and defaults. An empty
// path uses the default location; a missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)
	setViperDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg as YAML, creating the parent directory.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	// WASMFS_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("WASMFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// setViperDefaults registers every key so environment variables apply even
// without a config file.
func setViperDefaults(v *viper.Viper) {
	d := GetDefaultConfig()
	v.SetDefault("mode", d.Mode)
	v.SetDefault("mount_path", d.MountPath)
	v.SetDefault("mount_mode", d.MountMode.String())
	v.SetDefault("storage_dir", d.StorageDir)
	v.SetDefault("factory_capability", d.FactoryCapability)
	v.SetDefault("dir_capability", d.DirCapability)
	v.SetDefault("preexisting", d.Preexisting)
	v.SetDefault("max_path_length", d.MaxPathLength)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout.String())
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		permDecodeHook(),
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// permDecodeHook accepts "0755" strings and plain integers.
func permDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(Perm(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return ParsePerm(v)
		case int:
			return Perm(v), nil
		case int64:
			return Perm(v), nil
		case uint32:
			return Perm(v), nil
		case float64:
			return Perm(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns $XDG_CONFIG_HOME/wasmfs, falling back to
// ~/.config/wasmfs and then the current directory.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "wasmfs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "wasmfs")
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
