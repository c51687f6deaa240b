package backend

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Factory creates a backend. CreateBackend may block until the host's worker
// is available; it must be called from a context that can be suspended.
type Factory interface {
	CreateBackend(ctx context.Context) (*Handle, error)
}

// DirFactory creates a backend rooted at a storage subdirectory.
type DirFactory interface {
	CreateDirBackend(ctx context.Context, dir *Dir) (*Handle, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context) (*Handle, error)

func (f FactoryFunc) CreateBackend(ctx context.Context) (*Handle, error) {
	return f(ctx)
}

// Task is a backend creation in flight.
type Task struct {
	done    chan struct{}
	handle  *Handle
	err     error
	elapsed time.Duration
}

// Start runs f on its own goroutine and returns immediately. The creation is
// detached from ctx cancellation: once started it runs to completion, and
// nothing bounds how long that takes.
func Start(ctx context.Context, f Factory) *Task {
	t := &Task{done: make(chan struct{})}
	ctx = context.WithoutCancel(ctx)

	go func() {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				t.handle, t.err = nil, fmt.Errorf("backend factory panicked: %v", r)
			}
			t.elapsed = time.Since(start)
			close(t.done)
		}()

		h, err := f.CreateBackend(ctx)
		if err == nil && h == nil {
			err = ErrNullBackend
		}
		if err != nil {
			h = nil
		}
		t.handle, t.err = h, err
	}()

	return t
}

// Done is closed once the factory has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait suspends the caller until the factory returns.
func (t *Task) Wait() (*Handle, error) {
	<-t.done
	return t.handle, t.err
}

// Elapsed reports how long the factory ran. Zero until Done.
func (t *Task) Elapsed() time.Duration {
	select {
	case <-t.done:
		return t.elapsed
	default:
		return 0
	}
}

// OPFS creates backends over a storage Root. The first creation spawns the
// worker that services the root and blocks until it reports ready; later
// creations reuse it.
type OPFS struct {
	root  *Root
	spawn func(ctx context.Context) error

	once     sync.Once
	ready    chan struct{}
	spawnErr error
}

// OPFSOption configures an OPFS factory.
type OPFSOption func(*OPFS)

// WithSpawn replaces the worker start-up. fn runs once, on its own goroutine.
func WithSpawn(fn func(ctx context.Context) error) OPFSOption {
	return func(o *OPFS) {
		o.spawn = fn
	}
}

// NewOPFS returns a factory over root.
func NewOPFS(root *Root, opts ...OPFSOption) *OPFS {
	o := &OPFS{
		root:  root,
		ready: make(chan struct{}),
	}
	o.spawn = o.defaultSpawn
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *OPFS) defaultSpawn(ctx context.Context) error {
	if _, err := o.root.fs.Stat("/"); err != nil {
		return fmt.Errorf("storage root unavailable: %w", err)
	}
	return nil
}

func (o *OPFS) Root() *Root { return o.root }

func (o *OPFS) awaitWorker(ctx context.Context) error {
	o.once.Do(func() {
		go func() {
			o.spawnErr = o.spawn(ctx)
			close(o.ready)
		}()
	})
	<-o.ready
	return o.spawnErr
}

// CreateBackend returns a backend over the whole storage root.
func (o *OPFS) CreateBackend(ctx context.Context) (*Handle, error) {
	return o.CreateDirBackend(ctx, o.root.RootDir())
}

// CreateDirBackend returns a backend rooted at dir.
func (o *OPFS) CreateDirBackend(ctx context.Context, dir *Dir) (*Handle, error) {
	if dir == nil {
		return nil, ErrNullBackend
	}
	if dir.root != o.root {
		return nil, fmt.Errorf("directory %s belongs to a different storage root", dir.path)
	}
	if err := o.awaitWorker(ctx); err != nil {
		return nil, fmt.Errorf("spawn storage worker: %w", err)
	}
	return NewHandle("opfs", dir.fs(), dir.path, dir.hostPath()), nil
}
