package wasmhost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	experimentalsys "github.com/tetratelabs/wazero/experimental/sys"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/caffeineduck/wasmfs/internal/logger"
	"github.com/caffeineduck/wasmfs/lifecycle"
)

// ErrClosed is returned by operations on a closed Host.
var ErrClosed = errors.New("wasmfs host is closed")

// Host manages the wazero runtime, the hook module and compiled guests.
type Host struct {
	runtime    wazero.Runtime
	cache      wazero.CompilationCache
	hooks      api.Module
	dispatcher *lifecycle.Dispatcher
	compiled   map[uint64]wazero.CompiledModule
	mu         sync.RWMutex
	closed     bool
}

// New creates a Host whose hook exports drive d.
func New(d *lifecycle.Dispatcher, opts ...Option) (*Host, error) {
	if d == nil {
		return nil, errors.New("wasmhost: nil dispatcher")
	}

	cfg := hostConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()

	var cache wazero.CompilationCache
	var err error

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		closeAll(ctx, rt, cache)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	h := &Host{
		runtime:    rt,
		cache:      cache,
		dispatcher: d,
		compiled:   make(map[uint64]wazero.CompiledModule),
	}

	hooks, err := h.instantiateHooks(ctx)
	if err != nil {
		closeAll(ctx, rt, cache)
		return nil, fmt.Errorf("instantiate %s module: %w", ModuleName, err)
	}
	h.hooks = hooks

	return h, nil
}

func closeAll(ctx context.Context, rt wazero.Runtime, cache wazero.CompilationCache) {
	rt.Close(ctx)
	if cache != nil {
		cache.Close(ctx)
	}
}

func (h *Host) instantiateHooks(ctx context.Context) (api.Module, error) {
	d := h.dispatcher
	fires := map[string]func(context.Context) error{
		ExportEarlyInit:     d.EarlyInit,
		ExportLateInit:      d.LateInit,
		ExportBeforePreload: d.BeforePreload,
		ExportPreload:       d.Preload,
	}

	b := h.runtime.NewHostModuleBuilder(ModuleName)
	for _, name := range Exports {
		b = b.NewFunctionBuilder().
			WithGoFunction(hookFunc(name, fires[name]), nil, []api.ValueType{api.ValueTypeI32}).
			WithResultNames("errno").
			Export(name)
	}
	return b.Instantiate(ctx)
}

// hookFunc adapts a hook to a () -> i32 export.
func hookFunc(name string, fire func(context.Context) error) api.GoFunc {
	return func(ctx context.Context, stack []uint64) {
		err := fire(ctx)
		code := lifecycle.Errno(err)
		if code != 0 {
			logger.DebugCtx(ctx, "hook export returned errno",
				logger.KeyHook, name, logger.KeyCode, code.Error(), logger.KeyError, err)
		}
		stack[0] = api.EncodeU32(uint32(code))
	}
}

// Call invokes one hook export through the runtime, the same way a guest
// import would, and returns its errno.
func (h *Host) Call(ctx context.Context, export string) (experimentalsys.Errno, error) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return 0, ErrClosed
	}

	fn := h.hooks.ExportedFunction(export)
	if fn == nil {
		return 0, fmt.Errorf("%s has no export %q", ModuleName, export)
	}
	results, err := fn.Call(ctx)
	if err != nil {
		return 0, fmt.Errorf("call %s.%s: %w", ModuleName, export, err)
	}
	return experimentalsys.Errno(api.DecodeU32(results[0])), nil
}

// Boot calls every hook export in order and stops at the first non-zero
// errno. The returned error wraps the dispatcher's failure when the handshake
// failed, and the errno otherwise.
func (h *Host) Boot(ctx context.Context) error {
	for _, name := range Exports {
		code, err := h.Call(ctx, name)
		if err != nil {
			return err
		}
		if code == 0 {
			continue
		}
		if failure := h.dispatcher.Failure(); failure != nil {
			return fmt.Errorf("%s: %w", name, failure)
		}
		return fmt.Errorf("%s: %w", name, code)
	}
	logger.InfoCtx(ctx, "boot complete",
		logger.KeyPhase, h.dispatcher.Phase().String(),
		logger.KeyPath, h.dispatcher.MountPath())
	return nil
}

// Dispatcher returns the dispatcher behind the hook exports.
func (h *Host) Dispatcher() *lifecycle.Dispatcher { return h.dispatcher }

// compile returns a cached compiled guest, compiling if necessary.
func (h *Host) compile(ctx context.Context, guest []byte) (wazero.CompiledModule, error) {
	key := xxhash.Sum64(guest)

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return nil, ErrClosed
	}
	if compiled, ok := h.compiled[key]; ok {
		h.mu.RUnlock()
		return compiled, nil
	}
	h.mu.RUnlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	if compiled, ok := h.compiled[key]; ok {
		return compiled, nil
	}

	compiled, err := h.runtime.CompileModule(ctx, guest)
	if err != nil {
		return nil, fmt.Errorf("compile guest: %w", err)
	}

	h.compiled[key] = compiled
	return compiled, nil
}

// Close releases the runtime and the compilation cache.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	ctx := context.Background()

	var errs []error
	if err := h.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if h.cache != nil {
		if err := h.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "wasmfs")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "wasmfs")
	}
	return filepath.Join(os.TempDir(), "wasmfs-cache")
}
