package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Dependencies tracks named run dependencies. Preload waits until none are
// pending.
type Dependencies struct {
	mu      sync.Mutex
	pending map[string]struct{}
	changed chan struct{}
}

func NewDependencies() *Dependencies {
	return &Dependencies{
		pending: make(map[string]struct{}),
		changed: make(chan struct{}),
	}
}

func (d *Dependencies) Add(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateDependency, name)
	}
	d.pending[name] = struct{}{}
	d.notifyLocked()
	return nil
}

func (d *Dependencies) Remove(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDependency, name)
	}
	delete(d.pending, name)
	d.notifyLocked()
	return nil
}

func (d *Dependencies) notifyLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

// Pending returns the outstanding dependencies in sorted order.
func (d *Dependencies) Pending() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.pending))
	for name := range d.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Wait blocks until no dependency is pending or ctx is done.
func (d *Dependencies) Wait(ctx context.Context) error {
	for {
		d.mu.Lock()
		n := len(d.pending)
		changed := d.changed
		d.mu.Unlock()

		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
