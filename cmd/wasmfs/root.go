package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/caffeineduck/wasmfs/config"
	"github.com/caffeineduck/wasmfs/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "wasmfs",
	Short: "Backend mount handshake for a WASM virtual filesystem",
	Long: `wasmfs - Boot a WebAssembly virtual filesystem and mount storage backends.

The runtime calls the lifecycle hooks early_init, late_init, before_preload
and preload in order. In deferred mode (the default) the filesystem becomes
ready without a backend and the mount coordinator mounts each top-level
storage directory at "/" + name. In synchronous mode a single backend is
created and mounted at the mount path during before_preload.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default: $XDG_CONFIG_HOME/wasmfs/config.yaml)")
	rootCmd.PersistentFlags().String("storage-dir", "", "Host directory for backend storage (default: in-memory)")
	rootCmd.PersistentFlags().String("mode", "", "Mount mode: deferred or synchronous")
	rootCmd.PersistentFlags().String("mount-path", "", "Mount point for synchronous mode")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: DEBUG, INFO, WARN, ERROR")
}

// loadConfig reads the config file and applies command-line overrides, then
// initializes the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.DefaultPath()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"storage-dir": &cfg.StorageDir,
		"mode":        &cfg.Mode,
		"mount-path":  &cfg.MountPath,
		"log-level":   &cfg.Logging.Level,
	}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if field, ok := overrides[f.Name]; ok {
			*field = f.Value.String()
		}
	})
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}
