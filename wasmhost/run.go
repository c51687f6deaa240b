package wasmhost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/sys"

	"github.com/caffeineduck/wasmfs/internal/logger"
	"github.com/caffeineduck/wasmfs/mount"
)

// Result holds the output and metadata from a guest run.
type Result struct {
	Output   string
	Stderr   string
	ExitCode uint32
	Calls    int
	Mounts   []string
	Duration time.Duration
	Error    error
}

// Run instantiates guest with WASI. Every mounted backend that lives in a
// host directory is preopened at its mount point; backends without one are
// only reachable through the fs_* guest calls.
func (h *Host) Run(ctx context.Context, guest []byte, args []string, opts ...RunOption) Result {
	start := time.Now()

	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	compiled, err := h.compile(ctx, guest)
	if err != nil {
		return Result{Error: err, Duration: time.Since(start)}
	}

	fsConfig := wazero.NewFSConfig()
	var mounted []string
	if !cfg.noMount {
		fsConfig, mounted = dirMounts(h.dispatcher.Table().Mounts())
	}

	var stdout bytes.Buffer
	var out io.Writer = &stdout
	if cfg.stdout != nil {
		out = io.MultiWriter(&stdout, cfg.stdout)
	}

	stdinReader, stdinWriter := io.Pipe()
	protocol := newProtocolHandler(ctx, h.dispatcher.Registry(), stdinWriter)

	moduleConfig := wazero.NewModuleConfig().
		WithStdout(out).
		WithStderr(protocol).
		WithStdin(stdinReader).
		WithArgs(args...).
		WithFSConfig(fsConfig).
		WithSysWalltime().
		WithSysNanotime().
		WithName("")
	for k, v := range cfg.env {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}

	logger.DebugCtx(ctx, "running guest", "mounts", mounted)

	errCh := make(chan error, 1)
	go func() {
		mod, err := h.runtime.InstantiateModule(ctx, compiled, moduleConfig)
		if mod != nil {
			mod.Close(ctx)
		}
		stdinWriter.Close()
		errCh <- err
	}()

	err = <-errCh

	result := Result{
		Output:   stdout.String(),
		Stderr:   protocol.Stderr(),
		Calls:    protocol.Calls(),
		Mounts:   mounted,
		Duration: time.Since(start),
	}

	var exit *sys.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exit) && exit.ExitCode() == 0:
	case errors.As(err, &exit) && ctx.Err() == nil:
		result.ExitCode = exit.ExitCode()
		result.Error = fmt.Errorf("guest exited with code %d", exit.ExitCode())
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.Error = fmt.Errorf("timeout after %v", cfg.timeout)
	default:
		result.Error = fmt.Errorf("execution failed: %w", err)
	}

	return result
}

// dirMounts preopens host-directory backed entries. Entries without any
// write bit are mounted read-only.
func dirMounts(entries []mount.Entry) (wazero.FSConfig, []string) {
	cfg := wazero.NewFSConfig()
	var mounted []string
	for _, e := range entries {
		dir, ok := e.Backend.HostPath()
		if !ok {
			continue
		}
		if e.Mode&fs.FileMode(0o222) == 0 {
			cfg = cfg.WithReadOnlyDirMount(dir, e.Path)
		} else {
			cfg = cfg.WithDirMount(dir, e.Path)
		}
		mounted = append(mounted, e.Path)
	}
	return cfg, mounted
}
