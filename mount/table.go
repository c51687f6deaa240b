// Package mount binds backends into the virtual filesystem namespace.
package mount

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/tetratelabs/wazero/experimental/sys"

	"github.com/caffeineduck/wasmfs/backend"
)

// DefaultMode is used when a mount or mkdir asks for mode 0.
const DefaultMode fs.FileMode = 0777

// DefaultMaxPathLength matches PATH_MAX.
const DefaultMaxPathLength = 4096

// DefaultPreexisting are the directories the namespace starts with.
var DefaultPreexisting = []string{"/dev", "/tmp"}

// Entry describes a mounted backend.
type Entry struct {
	Path      string
	Mode      fs.FileMode
	Backend   *backend.Handle
	MountedAt time.Time
}

// Info describes a namespace path.
type Info struct {
	Path    string
	Name    string
	IsDir   bool
	Mode    fs.FileMode
	Size    int64
	ModTime time.Time
	Mounted bool
	Backend string
}

type node struct {
	name      string
	mode      fs.FileMode
	children  map[string]*node
	backend   *backend.Handle
	mountedAt time.Time
}

func newDir(name string, mode fs.FileMode) *node {
	return &node{name: name, mode: mode, children: make(map[string]*node)}
}

// Table is the namespace tree. Directory entries live in the table until a
// backend is mounted; everything below a mount point belongs to that backend.
type Table struct {
	mu       sync.RWMutex
	root     *node
	mounts   map[string]*node
	byHandle map[uuid.UUID]string
	sealed   bool

	maxPath     int
	preexisting []string
}

// Option configures a Table.
type Option func(*Table)

// WithPreexisting replaces the directories the namespace starts with.
func WithPreexisting(paths ...string) Option {
	return func(t *Table) {
		t.preexisting = append([]string(nil), paths...)
	}
}

// WithMaxPathLength limits the length of mount paths.
func WithMaxPathLength(n int) Option {
	return func(t *Table) {
		if n > 0 {
			t.maxPath = n
		}
	}
}

// New returns a table holding only the preexisting directories.
func New(opts ...Option) *Table {
	t := &Table{
		root:        newDir("", DefaultMode),
		mounts:      make(map[string]*node),
		byHandle:    make(map[uuid.UUID]string),
		maxPath:     DefaultMaxPathLength,
		preexisting: DefaultPreexisting,
	}
	for _, opt := range opts {
		opt(t)
	}
	for _, p := range t.preexisting {
		if clean, err := t.normalize("init", p); err == nil && clean != "/" {
			t.mkdirLocked(clean, DefaultMode)
		}
	}
	return t
}

func (t *Table) normalize(op, p string) (string, error) {
	if p == "" {
		return "", newError(op, p, sys.EINVAL, errors.New("empty path"))
	}
	if !strings.HasPrefix(p, "/") {
		return "", newError(op, p, sys.EINVAL, errors.New("path must be absolute"))
	}
	clean := path.Clean(p)
	if len(clean) > t.maxPath {
		return "", newError(op, p, sys.ENAMETOOLONG, nil)
	}
	return clean, nil
}

func split(clean string) []string {
	if clean == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(clean, "/"), "/")
}

// Mount creates a directory at p bound to h, making any missing parent
// directories with mode. Mode 0 means DefaultMode.
func (t *Table) Mount(h *backend.Handle, p string, mode fs.FileMode) error {
	const op = "mount"

	if h == nil {
		return newError(op, p, sys.EINVAL, backend.ErrNullBackend)
	}
	clean, err := t.mountPoint(p)
	if err != nil {
		return err
	}
	if mode&^fs.ModePerm != 0 {
		return newError(op, clean, sys.EINVAL, errors.New("mode must only carry permission bits"))
	}
	if mode == 0 {
		mode = DefaultMode
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkLocked(clean); err != nil {
		return err
	}
	if other, ok := t.byHandle[h.ID()]; ok {
		return newError(op, clean, sys.EEXIST, errors.Join(ErrAlreadyMounted, errors.New("backend is mounted at "+other)))
	}
	dir, err := t.walkLocked(clean, mode, true)
	if err != nil {
		return err
	}

	n := newDir(path.Base(clean), mode)
	n.backend = h
	n.mountedAt = time.Now()
	dir.children[n.name] = n
	t.mounts[clean] = n
	t.byHandle[h.ID()] = clean
	return nil
}

// CanMount returns the error Mount would return for p, without needing a
// backend. Nil means p is free for a new mount.
func (t *Table) CanMount(p string) error {
	clean, err := t.mountPoint(p)
	if err != nil {
		return err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if err := t.checkLocked(clean); err != nil {
		return err
	}
	_, err = t.walkLocked(clean, 0, false)
	return err
}

func (t *Table) mountPoint(p string) (string, error) {
	clean, err := t.normalize("mount", p)
	if err != nil {
		return "", err
	}
	if clean == "/" {
		return "", newError("mount", clean, sys.EINVAL, errors.New("cannot mount over the namespace root"))
	}
	return clean, nil
}

func (t *Table) checkLocked(clean string) error {
	if t.sealed {
		return newError("mount", clean, sys.EIO, errors.New("namespace is sealed"))
	}
	if _, ok := t.mounts[clean]; ok {
		return newError("mount", clean, sys.EEXIST, ErrAlreadyMounted)
	}
	return nil
}

// walkLocked returns the parent directory of clean. With create, missing
// parents are made with mode. Without it, a missing parent means the path
// is free and the returned node is nil.
func (t *Table) walkLocked(clean string, mode fs.FileMode, create bool) (*node, error) {
	parts := split(clean)
	dir := t.root
	for _, name := range parts[:len(parts)-1] {
		child, ok := dir.children[name]
		switch {
		case !ok && !create:
			return nil, nil
		case !ok:
			child = newDir(name, mode)
			dir.children[name] = child
		case child.backend != nil:
			return nil, newError("mount", clean, sys.EPERM, errors.New("parent belongs to another backend"))
		}
		dir = child
	}

	if _, ok := dir.children[parts[len(parts)-1]]; ok {
		return nil, newError("mount", clean, sys.EEXIST, ErrPathExists)
	}
	return dir, nil
}

// Mkdir creates p and any missing parents. Below a mount point the
// directories are created in the backend.
func (t *Table) Mkdir(p string, mode fs.FileMode) error {
	const op = "mkdir"

	clean, err := t.normalize(op, p)
	if err != nil {
		return err
	}
	if mode == 0 {
		mode = DefaultMode
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if h, rel, ok := t.resolveLocked(clean); ok {
		if err := h.FS().MkdirAll(rel, mode); err != nil {
			return newError(op, clean, sys.EIO, err)
		}
		return nil
	}
	t.mkdirLocked(clean, mode)
	return nil
}

func (t *Table) mkdirLocked(clean string, mode fs.FileMode) {
	dir := t.root
	for _, name := range split(clean) {
		child, ok := dir.children[name]
		if !ok {
			child = newDir(name, mode)
			dir.children[name] = child
		}
		dir = child
	}
}

// Resolve finds the backend serving p and the path inside it.
func (t *Table) Resolve(p string) (*backend.Handle, string, bool) {
	clean, err := t.normalize("resolve", p)
	if err != nil {
		return nil, "", false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.resolveLocked(clean)
}

func (t *Table) resolveLocked(clean string) (*backend.Handle, string, bool) {
	dir := t.root
	parts := split(clean)
	for i, name := range parts {
		child, ok := dir.children[name]
		if !ok {
			return nil, "", false
		}
		if child.backend != nil {
			rel := "/" + strings.Join(parts[i+1:], "/")
			return child.backend, rel, true
		}
		dir = child
	}
	return nil, "", false
}

func (t *Table) lookupLocked(clean string) (*node, bool) {
	dir := t.root
	for _, name := range split(clean) {
		child, ok := dir.children[name]
		if !ok {
			return nil, false
		}
		dir = child
	}
	return dir, true
}

// Stat describes p. Paths below a mount point are looked up in the backend.
func (t *Table) Stat(p string) (Info, error) {
	const op = "stat"

	clean, err := t.normalize(op, p)
	if err != nil {
		return Info{}, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if h, rel, ok := t.resolveLocked(clean); ok && rel != "/" {
		fi, err := h.FS().Stat(rel)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Info{}, newError(op, clean, sys.ENOENT, nil)
			}
			return Info{}, newError(op, clean, sys.EIO, err)
		}
		return Info{
			Path:    clean,
			Name:    fi.Name(),
			IsDir:   fi.IsDir(),
			Mode:    fi.Mode().Perm(),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
			Backend: h.String(),
		}, nil
	}

	n, ok := t.lookupLocked(clean)
	if !ok {
		return Info{}, newError(op, clean, sys.ENOENT, nil)
	}
	info := Info{
		Path:    clean,
		Name:    path.Base(clean),
		IsDir:   true,
		Mode:    n.mode,
		ModTime: n.mountedAt,
		Mounted: n.backend != nil,
	}
	if n.backend != nil {
		info.Backend = n.backend.String()
	}
	return info, nil
}

// Exists reports whether p is present in the namespace.
func (t *Table) Exists(p string) bool {
	_, err := t.Stat(p)
	return err == nil
}

// ReadDir lists p. Below a mount point the backend is listed.
func (t *Table) ReadDir(p string) ([]Info, error) {
	const op = "readdir"

	clean, err := t.normalize(op, p)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if h, rel, ok := t.resolveLocked(clean); ok {
		fis, err := afero.ReadDir(h.FS(), rel)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, newError(op, clean, sys.ENOENT, nil)
			}
			return nil, newError(op, clean, sys.ENOTDIR, err)
		}
		out := make([]Info, 0, len(fis))
		for _, fi := range fis {
			out = append(out, Info{
				Path:    path.Join(clean, fi.Name()),
				Name:    fi.Name(),
				IsDir:   fi.IsDir(),
				Mode:    fi.Mode().Perm(),
				Size:    fi.Size(),
				ModTime: fi.ModTime(),
				Backend: h.String(),
			})
		}
		return out, nil
	}

	n, ok := t.lookupLocked(clean)
	if !ok {
		return nil, newError(op, clean, sys.ENOENT, nil)
	}
	out := make([]Info, 0, len(n.children))
	for name, child := range n.children {
		info := Info{
			Path:    path.Join(clean, name),
			Name:    name,
			IsDir:   true,
			Mode:    child.mode,
			ModTime: child.mountedAt,
			Mounted: child.backend != nil,
		}
		if child.backend != nil {
			info.Backend = child.backend.String()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Mounts returns the mounted backends sorted by path.
func (t *Table) Mounts() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, 0, len(t.mounts))
	for p, n := range t.mounts {
		out = append(out, Entry{Path: p, Mode: n.mode, Backend: n.backend, MountedAt: n.mountedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Sync flushes every mounted backend. It keeps going past failures and
// returns them joined.
func (t *Table) Sync(ctx context.Context) error {
	var errs []error
	for _, e := range t.Mounts() {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if err := e.Backend.Sync(ctx); err != nil {
			errs = append(errs, newError("sync", e.Path, sys.EIO, err))
		}
	}
	return errors.Join(errs...)
}

// MountPoint returns where h is mounted.
func (t *Table) MountPoint(h *backend.Handle) (string, bool) {
	if h == nil {
		return "", false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.byHandle[h.ID()]
	return p, ok
}

// Seal stops the table from accepting new mounts.
func (t *Table) Seal() {
	t.mu.Lock()
	t.sealed = true
	t.mu.Unlock()
}

func (t *Table) Sealed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sealed
}
