package config

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/caffeineduck/wasmfs/hostfunc"
	"github.com/caffeineduck/wasmfs/lifecycle"
	"github.com/caffeineduck/wasmfs/mount"
)

// ApplyDefaults fills zero values.
func ApplyDefaults(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = lifecycle.ModeDeferred.String()
	}
	if cfg.MountPath == "" {
		cfg.MountPath = lifecycle.DefaultMountPath
	}
	if cfg.MountMode == 0 {
		cfg.MountMode = Perm(mount.DefaultMode)
	}
	if cfg.FactoryCapability == "" {
		cfg.FactoryCapability = hostfunc.CreateBackend
	}
	if cfg.DirCapability == "" {
		cfg.DirCapability = hostfunc.GetOrCreateDir
	}
	if cfg.Preexisting == nil {
		cfg.Preexisting = append([]string(nil), mount.DefaultPreexisting...)
	}
	if cfg.MaxPathLength == 0 {
		cfg.MaxPathLength = mount.DefaultMaxPathLength
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:8420"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
}

// GetDefaultConfig returns a configuration with all defaults applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// Validate checks a configuration after defaults have been applied.
func Validate(cfg *Config) error {
	if _, err := lifecycle.ParseMode(cfg.Mode); err != nil {
		return fmt.Errorf("mode: %w", err)
	}
	if !strings.HasPrefix(cfg.MountPath, "/") || path.Clean(cfg.MountPath) == "/" {
		return fmt.Errorf("mount_path: %q must be an absolute path below /", cfg.MountPath)
	}
	if cfg.MountMode.FileMode()&^0777 != 0 {
		return fmt.Errorf("mount_mode: %s carries non-permission bits", cfg.MountMode)
	}
	if cfg.MaxPathLength < 0 {
		return fmt.Errorf("max_path_length: must not be negative")
	}
	if len(cfg.MountPath) > cfg.MaxPathLength {
		return fmt.Errorf("mount_path: longer than max_path_length %d", cfg.MaxPathLength)
	}
	for _, p := range cfg.Preexisting {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("preexisting: %q must be absolute", p)
		}
	}

	switch cfg.Logging.Level {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format)
	}
	return nil
}

// Lifecycle converts the configuration for the dispatcher.
func (c *Config) Lifecycle() (lifecycle.Config, error) {
	mode, err := lifecycle.ParseMode(c.Mode)
	if err != nil {
		return lifecycle.Config{}, err
	}
	return lifecycle.Config{
		Mode:              mode,
		MountPath:         c.MountPath,
		MountMode:         c.MountMode.FileMode(),
		FactoryCapability: c.FactoryCapability,
		DirCapability:     c.DirCapability,
	}, nil
}

// TableOptions converts the configuration for the mount table.
func (c *Config) TableOptions() []mount.Option {
	return []mount.Option{
		mount.WithPreexisting(c.Preexisting...),
		mount.WithMaxPathLength(c.MaxPathLength),
	}
}
