// Package backend creates the storage backends that get mounted into the
// virtual filesystem.
//
// A backend is carved out of a storage [Root] (the origin-private storage of
// the host) and represented by an opaque [Handle]. Creating one may suspend
// the caller while the host spins up the worker that services the storage, so
// callers go through [Start], which runs the factory on its own goroutine and
// returns a [Task] to wait on.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// ErrNullBackend is returned when a factory reports success without a handle.
var ErrNullBackend = errors.New("backend factory returned a null backend")

// Handle is an opaque reference to a created backend.
type Handle struct {
	id          uuid.UUID
	kind        string
	fs          afero.Fs
	storagePath string
	hostPath    string
}

// NewHandle wraps fs as a backend. storagePath is the location inside the
// storage root; hostPath is the host directory behind it, or "" when the
// backend does not live on the host filesystem.
func NewHandle(kind string, fs afero.Fs, storagePath, hostPath string) *Handle {
	return &Handle{
		id:          uuid.New(),
		kind:        kind,
		fs:          fs,
		storagePath: storagePath,
		hostPath:    hostPath,
	}
}

func (h *Handle) ID() uuid.UUID { return h.id }

func (h *Handle) Kind() string { return h.kind }

// FS returns the filesystem the backend serves.
func (h *Handle) FS() afero.Fs { return h.fs }

// StoragePath returns the directory inside the storage root this backend is
// rooted at. "/" means the storage root itself.
func (h *Handle) StoragePath() string { return h.storagePath }

// HostPath returns the host directory backing the handle, if any.
func (h *Handle) HostPath() (string, bool) {
	return h.hostPath, h.hostPath != ""
}

// Sync flushes every regular file of the backend to stable storage. Memory
// backends have nothing to flush and return nil.
func (h *Handle) Sync(ctx context.Context) error {
	var errs []error
	walkErr := afero.Walk(h.fs, "/", func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := h.fs.Open(p)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if err := f.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", p, err))
		}
		return f.Close()
	})
	return errors.Join(append(errs, walkErr)...)
}

func (h *Handle) String() string {
	if h == nil {
		return "<nil backend>"
	}
	return fmt.Sprintf("%s:%s@%s", h.kind, h.id.String()[:8], h.storagePath)
}
