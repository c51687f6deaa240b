package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/wasmfs/internal/logger"
	"github.com/caffeineduck/wasmfs/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch [path...]",
	Short: "Boot the filesystem and print changes below namespace paths",
	Long: `Boot the filesystem, then poll the given namespace paths and print one
JSON line per change: {"path":"/home/a.txt","op":"add|change|delete"}.

Each path is watched recursively as a directory. With --files the paths are
watched as individual files instead. Without paths the whole namespace is
watched. Backends are flushed when the watch ends.

Examples:
  wasmfs watch --storage-dir ./opfs /home
  wasmfs watch --files /home/config.json /music/playlist.m3u`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().Duration("interval", watch.DefaultInterval, "Polling interval")
	watchCmd.Flags().Duration("duration", 0, "Stop after this long (default: until interrupted)")
	watchCmd.Flags().Bool("files", false, "Watch the paths as files, not directories")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	s, err := newSystem(cfg)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d, _ := cmd.Flags().GetDuration("duration"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	if err := s.boot(ctx); err != nil {
		return err
	}

	if len(args) == 0 {
		args = []string{"/"}
	}
	interval, _ := cmd.Flags().GetDuration("interval")
	opt := watch.WithInterval(interval)

	var mu sync.Mutex
	enc := json.NewEncoder(cmd.OutOrStdout())
	emit := func(e watch.Event) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(e); err != nil {
			logger.Warn("write event", logger.KeyError, err)
		}
	}

	var watchers []interface{ Close() error }
	if files, _ := cmd.Flags().GetBool("files"); files {
		watchers = append(watchers, watch.WatchFiles(s.table, args, emit, opt))
	} else {
		for _, p := range args {
			watchers = append(watchers, watch.WatchDirectory(s.table, p, emit, opt))
		}
	}
	logger.Info("watching", "paths", args, "interval", interval.String())

	<-ctx.Done()
	for _, w := range watchers {
		w.Close()
	}

	// The watch context is done; flushing must not be cut short by it.
	if err := s.table.Sync(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("sync backends", logger.KeyError, err)
	}
	return nil
}
