// Package coordinator mounts storage directories once the filesystem
// reports ready.
//
// It plays the external side of the deferred handshake: it holds a run
// dependency so preload waits for it, watches the readiness channel, and then
// mounts through the directory capability it finds in the host registry. It
// never touches the dispatcher or the mount table directly.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/caffeineduck/wasmfs/backend"
	"github.com/caffeineduck/wasmfs/hostfunc"
	"github.com/caffeineduck/wasmfs/internal/logger"
	"github.com/caffeineduck/wasmfs/lifecycle"
	"github.com/caffeineduck/wasmfs/mount"
	"github.com/caffeineduck/wasmfs/readiness"
)

// Dependency is the run dependency held while mounting.
const Dependency = "opfs-mount"

// DefaultMountPoint is used by MountAt when no mount point is given.
const DefaultMountPoint = "/opfs"

var (
	// ErrCapabilityUnavailable means the directory capability is not registered.
	ErrCapabilityUnavailable = errors.New("directory capability not available")
	// ErrHandshakeFailed means the handshake failed before the filesystem was ready.
	ErrHandshakeFailed = errors.New("handshake failed")
)

// Coordinator mounts top-level storage directories 1:1 into the namespace.
type Coordinator struct {
	ch         *readiness.Channel
	registry   *hostfunc.Registry
	root       *backend.Root
	deps       *lifecycle.Dependencies
	capability string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCapability overrides the directory capability name.
func WithCapability(name string) Option {
	return func(c *Coordinator) {
		if name != "" {
			c.capability = name
		}
	}
}

// WithDependencies makes Run hold a run dependency while it works.
func WithDependencies(deps *lifecycle.Dependencies) Option {
	return func(c *Coordinator) {
		c.deps = deps
	}
}

func New(ch *readiness.Channel, reg *hostfunc.Registry, root *backend.Root, opts ...Option) *Coordinator {
	c := &Coordinator{
		ch:         ch,
		registry:   reg,
		root:       root,
		capability: hostfunc.GetOrCreateDir,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Announce publishes whether the host's storage functions are available.
// It is the only flag the coordinator writes.
func (c *Coordinator) Announce(available bool) error {
	return c.ch.External().SetBool(readiness.KeyCapabilityAvailable, available)
}

// Result is the outcome of an asynchronous Run.
type Result struct {
	Mounted []string
	Err     error
}

// Go takes the run dependency and runs the coordinator in the background.
// The dependency is held before Go returns, so a later preload waits for it.
func (c *Coordinator) Go(ctx context.Context) <-chan Result {
	out := make(chan Result, 1)
	if err := c.hold(); err != nil {
		out <- Result{Err: err}
		return out
	}
	go func() {
		mounted, err := c.run(ctx)
		c.release(ctx)
		out <- Result{Mounted: mounted, Err: err}
	}()
	return out
}

// Run waits for the filesystem to become ready and mounts every top-level
// storage directory at "/" + name. Paths that already exist in the namespace
// are skipped. Individual mount failures are logged and skipped.
func (c *Coordinator) Run(ctx context.Context) ([]string, error) {
	if err := c.hold(); err != nil {
		return nil, err
	}
	defer c.release(ctx)
	return c.run(ctx)
}

func (c *Coordinator) hold() error {
	if c.deps == nil {
		return nil
	}
	return c.deps.Add(Dependency)
}

func (c *Coordinator) release(ctx context.Context) {
	if c.deps == nil {
		return
	}
	if err := c.deps.Remove(Dependency); err != nil {
		logger.WarnCtx(ctx, "release run dependency", logger.KeyError, err)
	}
}

func (c *Coordinator) run(ctx context.Context) ([]string, error) {
	fn, err := c.awaitReady(ctx)
	if err != nil {
		return nil, err
	}
	return c.mountEntries(ctx, fn)
}

// awaitReady blocks until filesystemReady (or failure) and returns the
// directory capability.
func (c *Coordinator) awaitReady(ctx context.Context) (hostfunc.Func, error) {
	flags, err := c.ch.Wait(ctx, func(f readiness.Flags) bool {
		return f.FilesystemReady || f.Phase == lifecycle.PhaseFailed.String()
	})
	if err != nil {
		return nil, err
	}
	if !flags.FilesystemReady {
		return nil, fmt.Errorf("%w: %s", ErrHandshakeFailed, flags.Failure)
	}

	fn, ok := c.registry.Get(c.capability)
	if !ok {
		logger.WarnCtx(ctx, "directory capability not available", logger.KeyCapability, c.capability)
		return nil, ErrCapabilityUnavailable
	}
	return fn, nil
}

func (c *Coordinator) mountEntries(ctx context.Context, fn hostfunc.Func) ([]string, error) {
	entries, err := c.root.Entries(ctx)
	if err != nil {
		return nil, err
	}

	var mounted []string
	for _, dir := range entries {
		p := "/" + dir.Name()
		ctx := logger.WithFields(ctx, logger.KeyPath, p)
		if c.exists(ctx, p) {
			logger.InfoCtx(ctx, "skipping existing path")
			continue
		}
		if _, err := fn(ctx, map[string]any{"path": p, "storage_path": dir.Path()}); err != nil {
			logger.WarnCtx(ctx, "failed to mount storage directory", logger.KeyError, err)
			continue
		}
		logger.InfoCtx(ctx, "mounted storage directory")
		mounted = append(mounted, p)
	}

	if len(mounted) > 0 {
		logger.InfoCtx(ctx, "storage mounted", "paths", mounted)
	}
	return mounted, nil
}

// exists asks the namespace through fs_exists. Without it every path is
// treated as free.
func (c *Coordinator) exists(ctx context.Context, p string) bool {
	fn, ok := c.registry.Get(hostfunc.FSExists)
	if !ok {
		return false
	}
	v, err := fn(ctx, map[string]any{"path": p})
	if err != nil {
		return false
	}
	b, _ := v.(bool)
	return b
}

// MountAt mounts one storage directory at mountPoint, creating it in
// storage if needed. Mounting storage root at "/" mounts each top-level
// directory instead. It returns the mounted paths. A mount point that
// already exists is left alone: the call succeeds and mounts nothing.
func (c *Coordinator) MountAt(ctx context.Context, mountPoint, storagePath string) ([]string, error) {
	if mountPoint == "" {
		mountPoint = DefaultMountPoint
	}
	storagePath = strings.Trim(storagePath, "/")
	ctx = logger.WithFields(ctx, logger.KeyPath, mountPoint)

	fn, ok := c.registry.Get(c.capability)
	if !ok {
		return nil, ErrCapabilityUnavailable
	}

	if path.Clean(mountPoint) == "/" && storagePath == "" {
		return c.mountEntries(ctx, fn)
	}

	if c.exists(ctx, mountPoint) {
		logger.InfoCtx(ctx, "mount point already exists")
		return nil, nil
	}

	_, err := fn(ctx, map[string]any{"path": mountPoint, "storage_path": "/" + storagePath})
	switch {
	case err == nil:
	case errors.Is(err, mount.ErrAlreadyMounted), errors.Is(err, mount.ErrPathExists):
		logger.InfoCtx(ctx, "mount point already exists")
		return nil, nil
	default:
		return nil, err
	}
	logger.InfoCtx(ctx, "storage mounted", "storage_path", "/"+storagePath)
	return []string{mountPoint}, nil
}
