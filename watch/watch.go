// Package watch reports changes to namespace paths by polling.
//
// Backends have no change notification of their own, so both watchers stat
// through the mount table on an interval and compare modification times.
// Callbacks run on the polling goroutine, outside any watcher lock.
package watch

import (
	"sort"
	"sync"
	"time"

	"github.com/caffeineduck/wasmfs/internal/logger"
	"github.com/caffeineduck/wasmfs/mount"
)

// DefaultInterval is the polling interval when none is given.
const DefaultInterval = 100 * time.Millisecond

// Op is the kind of change.
type Op int

const (
	Add Op = iota + 1
	Change
	Delete
)

func (o Op) String() string {
	switch o {
	case Add:
		return "add"
	case Change:
		return "change"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

func (o Op) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Event is one observed change.
type Event struct {
	Path string `json:"path"`
	Op   Op     `json:"op"`
}

// Source is what the watchers poll. *mount.Table satisfies it.
type Source interface {
	Stat(p string) (mount.Info, error)
	ReadDir(p string) ([]mount.Info, error)
}

type Option func(*poller)

// WithInterval sets the polling interval. Non-positive values keep the
// default.
func WithInterval(d time.Duration) Option {
	return func(p *poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// poller runs scan on a ticker until closed.
type poller struct {
	interval time.Duration
	stopCh   chan struct{}
	done     chan struct{}
	once     sync.Once
}

func newPoller(opts []Option) *poller {
	p := &poller{
		interval: DefaultInterval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *poller) start(scan func()) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				scan()
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Close stops polling and waits for an in-flight scan to finish. It is safe
// to call more than once.
func (p *poller) Close() error {
	p.once.Do(func() { close(p.stopCh) })
	<-p.done
	return nil
}

func emit(fn func(Event), events []Event) {
	for _, e := range events {
		logger.Debug("watch event", logger.KeyPath, e.Path, "op", e.Op.String())
		fn(e)
	}
}

// Files watches a fixed set of paths. A path that does not exist yet is
// reported as added once it appears.
type Files struct {
	*poller
	src Source
	fn  func(Event)

	mu     sync.Mutex
	paths  []string
	mtimes map[string]time.Time
}

// WatchFiles starts polling paths and calls fn for every change.
func WatchFiles(src Source, paths []string, fn func(Event), opts ...Option) *Files {
	f := &Files{
		poller: newPoller(opts),
		src:    src,
		fn:     fn,
		mtimes: make(map[string]time.Time),
	}
	for _, p := range paths {
		f.addLocked(p)
	}
	f.start(f.Check)
	return f
}

func (f *Files) addLocked(p string) {
	if _, ok := f.mtimes[p]; ok {
		return
	}
	f.paths = append(f.paths, p)
	f.mtimes[p] = f.stat(p)
}

// stat returns the modification time of p, zero when p is missing.
func (f *Files) stat(p string) time.Time {
	info, err := f.src.Stat(p)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime
}

// AddPath starts watching p. The current state is the baseline.
func (f *Files) AddPath(p string) {
	f.mu.Lock()
	f.addLocked(p)
	f.mu.Unlock()
}

// RemovePath stops watching p.
func (f *Files) RemovePath(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, q := range f.paths {
		if q == p {
			f.paths = append(f.paths[:i], f.paths[i+1:]...)
			delete(f.mtimes, p)
			return
		}
	}
}

// Paths returns the watched paths in the order they were added.
func (f *Files) Paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

// Check polls once. The ticker calls it; tests call it directly.
func (f *Files) Check() {
	f.mu.Lock()
	var events []Event
	for _, p := range f.paths {
		old := f.mtimes[p]
		info, err := f.src.Stat(p)
		switch {
		case err != nil:
			if !old.IsZero() {
				f.mtimes[p] = time.Time{}
				events = append(events, Event{Path: p, Op: Delete})
			}
		case old.IsZero() && !info.ModTime.IsZero():
			f.mtimes[p] = info.ModTime
			events = append(events, Event{Path: p, Op: Add})
		case !info.ModTime.Equal(old):
			f.mtimes[p] = info.ModTime
			events = append(events, Event{Path: p, Op: Change})
		}
	}
	f.mu.Unlock()

	emit(f.fn, events)
}

// Directory watches every file below a directory, recursively.
type Directory struct {
	*poller
	src  Source
	root string
	fn   func(Event)

	mu    sync.Mutex
	files map[string]time.Time
}

// WatchDirectory starts polling everything below dir. Files present now are
// the baseline and are not reported.
func WatchDirectory(src Source, dir string, fn func(Event), opts ...Option) *Directory {
	d := &Directory{
		poller: newPoller(opts),
		src:    src,
		root:   dir,
		fn:     fn,
	}
	d.files = d.scan()
	d.start(d.Check)
	return d
}

// Files returns the number of files currently tracked.
func (d *Directory) Files() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.files)
}

func (d *Directory) scan() map[string]time.Time {
	out := make(map[string]time.Time)
	d.walk(d.root, out)
	return out
}

// walk skips directories it cannot list.
func (d *Directory) walk(dir string, out map[string]time.Time) {
	entries, err := d.src.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir {
			d.walk(e.Path, out)
			continue
		}
		out[e.Path] = e.ModTime
	}
}

// Check polls once.
func (d *Directory) Check() {
	current := d.scan()

	d.mu.Lock()
	var events []Event
	for p, mtime := range current {
		old, ok := d.files[p]
		switch {
		case !ok:
			events = append(events, Event{Path: p, Op: Add})
		case !mtime.Equal(old):
			events = append(events, Event{Path: p, Op: Change})
		}
	}
	for p := range d.files {
		if _, ok := current[p]; !ok {
			events = append(events, Event{Path: p, Op: Delete})
		}
	}
	d.files = current
	d.mu.Unlock()

	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
	emit(d.fn, events)
}
