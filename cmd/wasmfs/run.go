package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/wasmfs/internal/logger"
	"github.com/caffeineduck/wasmfs/wasmhost"
)

var runCmd = &cobra.Command{
	Use:   "run <guest.wasm> [args...]",
	Short: "Boot the filesystem, then run a WASI guest against it",
	Long: `Boot the filesystem, then instantiate a WASI guest module.

Mounted backends stored in host directories are preopened at their mount
points. The guest can also reach the namespace and the readiness flags
through the host call protocol (fs_stat, fs_exists, fs_mkdir, fs_list,
fs_sync, flag_get, flag_set).

Examples:
  wasmfs run --storage-dir ./opfs guest.wasm
  wasmfs run --timeout 5s guest.wasm --verbose`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().Duration("timeout", 30*time.Second, "Guest execution timeout (0 disables)")
	runCmd.Flags().StringSlice("env", nil, "Guest environment KEY=VALUE (repeatable)")
	runCmd.Flags().Bool("no-mount", false, "Do not preopen mounted backends")
	runCmd.Flags().Bool("no-cache", false, "Disable compilation cache")
	runCmd.Flags().Uint32("memory-pages", 0, "Guest memory limit in 64KB pages (0 = default)")
	runCmd.Flags().SetInterspersed(false)
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	guest, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read guest: %w", err)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var hostOpts []wasmhost.Option
	if noCache, _ := cmd.Flags().GetBool("no-cache"); !noCache {
		hostOpts = append(hostOpts, wasmhost.WithDiskCache())
	}
	if pages, _ := cmd.Flags().GetUint32("memory-pages"); pages > 0 {
		hostOpts = append(hostOpts, wasmhost.WithMemoryLimit(pages))
	}

	s, err := newSystem(cfg, hostOpts...)
	if err != nil {
		return err
	}
	defer s.close()

	ctx := cmd.Context()
	if err := s.boot(ctx); err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	opts := []wasmhost.RunOption{
		wasmhost.WithTimeout(timeout),
		wasmhost.WithStdout(cmd.OutOrStdout()),
	}
	envs, _ := cmd.Flags().GetStringSlice("env")
	for _, kv := range envs {
		key, value, err := parseEnv(kv)
		if err != nil {
			return err
		}
		opts = append(opts, wasmhost.WithEnv(key, value))
	}
	if noMount, _ := cmd.Flags().GetBool("no-mount"); noMount {
		opts = append(opts, wasmhost.WithoutMounts())
	}

	guestArgs := append([]string{filepath.Base(args[0])}, args[1:]...)
	result := s.host.Run(ctx, guest, guestArgs, opts...)

	fmt.Fprint(cmd.ErrOrStderr(), result.Stderr)
	logger.Debug("guest finished",
		logger.KeyDuration, result.Duration.Milliseconds(),
		"calls", result.Calls,
		"mounts", result.Mounts)

	return result.Error
}

func parseEnv(kv string) (string, string, error) {
	key, value, ok := strings.Cut(kv, "=")
	if !ok || key == "" {
		return "", "", fmt.Errorf("invalid env %q (expected KEY=VALUE)", kv)
	}
	return key, value, nil
}
