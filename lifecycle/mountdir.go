package lifecycle

import (
	"context"
	"errors"
	"io/fs"
	"strings"

	"github.com/caffeineduck/wasmfs/backend"
	"github.com/caffeineduck/wasmfs/hostfunc"
	"github.com/caffeineduck/wasmfs/internal/logger"
	"github.com/caffeineduck/wasmfs/mount"
)

// MountDir creates a backend for storagePath (made if missing) and mounts it
// at mountPoint. An empty storagePath maps mountPoint 1:1 into storage.
//
// It is only available in deferred mode after before_preload. The first
// successful call moves the handshake to Mounted; later calls add mounts
// without changing the phase. A mount point that is taken, invalid or sealed
// is rejected without changing the phase either. A call made while another is in flight returns
// a ReentrantHookInvocation error and does nothing.
func (d *Dispatcher) MountDir(ctx context.Context, mountPoint, storagePath string, mode fs.FileMode) (*backend.Handle, error) {
	const op = "mount_dir"
	if storagePath == "" {
		storagePath = mountPoint
	}
	ctx = logger.WithFields(ctx, logger.KeyPath, mountPoint)

	if !d.mounting.TryLock() {
		logger.WarnCtx(ctx, "mount already in flight, ignoring")
		return nil, newError(KindReentrantHookInvocation, op, mountPoint, errors.New("mount already in flight"))
	}
	defer d.mounting.Unlock()

	if d.storage == nil {
		return nil, newError(KindCapabilityUnavailable, op, mountPoint, errors.New("no storage configured"))
	}

	switch phase := d.Phase(); phase {
	case PhaseFailed:
		return nil, d.Failure()
	case PhaseFilesystemReady, PhaseBackendCreated, PhaseMounted:
	default:
		return nil, newError(KindHookOrderViolation, op, mountPoint, errors.New("filesystem not ready in phase "+phase.String()))
	}

	// An occupied or invalid mount point is the caller's mistake: reject it
	// before any backend exists and leave the handshake as it is.
	if err := d.table.CanMount(mountPoint); err != nil {
		return nil, d.reject(ctx, op, mountPoint, err)
	}

	dir, err := d.storage.Root().Dir(storagePath, true)
	if err != nil {
		return nil, d.attemptFailed(ctx, KindBackendCreationFailure, op, mountPoint, err)
	}

	if d.Phase() == PhaseFilesystemReady {
		if err := d.transition(ctx, PhaseBackendCreating); err != nil {
			return nil, err
		}
	}
	h, err := d.createBackend(ctx, backend.FactoryFunc(func(ctx context.Context) (*backend.Handle, error) {
		return d.storage.CreateDirBackend(ctx, dir)
	}))
	if err != nil {
		return nil, d.attemptFailed(ctx, KindBackendCreationFailure, op, mountPoint, err)
	}
	if d.Phase() == PhaseBackendCreating {
		if err := d.adopt(ctx, h); err != nil {
			return nil, err
		}
	}

	if err := d.bind(ctx, op, h, mountPoint, mode); err != nil {
		return nil, err
	}
	return h, nil
}

func (d *Dispatcher) reject(ctx context.Context, op, p string, err error) error {
	code := mount.Code(err)
	kind, result := KindMountFailure, mount.ErrnoName(code)
	if errors.Is(err, mount.ErrAlreadyMounted) {
		kind, result = KindAlreadyMounted, "already_mounted"
	}
	d.metrics.RecordMount(result)
	logger.WarnCtx(ctx, "mount point unavailable", logger.KeyCode, mount.ErrnoName(code), logger.KeyError, err)
	return d.report(ctx, kind, op, p, err)
}

// attemptFailed fails the handshake if nothing is mounted yet, and otherwise
// only reports the failure.
func (d *Dispatcher) attemptFailed(ctx context.Context, kind Kind, op, p string, err error) error {
	if d.Phase() == PhaseMounted {
		logger.WarnCtx(ctx, "additional mount failed", logger.KeyKind, kind.String(), logger.KeyError, err)
		return d.report(ctx, kind, op, p, err)
	}
	return d.fail(ctx, kind, op, p, err)
}

// getOrCreateDir is the directory capability offered to the coordinator.
// Arguments: path (required), storage_path, mode.
func (d *Dispatcher) getOrCreateDir(ctx context.Context, args map[string]any) (any, error) {
	p, ok := args["path"].(string)
	if !ok || strings.TrimSpace(p) == "" {
		return nil, errors.New("path required")
	}
	storagePath, _ := args["storage_path"].(string)
	mode, err := hostfunc.ModeArg(args, "mode")
	if err != nil {
		return nil, err
	}

	h, err := d.MountDir(ctx, p, storagePath, mode)
	if err != nil {
		return nil, err
	}
	return hostfunc.GetOrCreateDirResponse{
		Path:    p,
		Backend: h.String(),
	}, nil
}
