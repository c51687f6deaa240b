package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// Root is the storage a backend is carved from.
type Root struct {
	fs      afero.Fs
	hostDir string
}

// NewOSRoot uses dir on the host as storage, creating it if needed.
func NewOSRoot(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Root{
		fs:      afero.NewBasePathFs(afero.NewOsFs(), abs),
		hostDir: abs,
	}, nil
}

// NewMemRoot returns an in-memory root.
func NewMemRoot() *Root {
	return &Root{fs: afero.NewMemMapFs()}
}

// NewRoot wraps an arbitrary afero filesystem.
func NewRoot(fs afero.Fs) *Root {
	return &Root{fs: fs}
}

func (r *Root) FS() afero.Fs { return r.fs }

// HostDir returns the host directory behind the root, or "".
func (r *Root) HostDir() string { return r.hostDir }

// Dir is a directory inside a Root.
type Dir struct {
	root *Root
	name string
	path string
}

func (d *Dir) Name() string { return d.name }

// Path is the slash-separated location inside the root, "/" for the root.
func (d *Dir) Path() string { return d.path }

func (d *Dir) Root() *Root { return d.root }

func (d *Dir) String() string { return d.path }

// hostPath maps the directory onto the host, or "" for non-host roots.
func (d *Dir) hostPath() string {
	if d.root.hostDir == "" {
		return ""
	}
	return filepath.Join(d.root.hostDir, filepath.FromSlash(d.path))
}

func (d *Dir) fs() afero.Fs {
	if d.path == "/" {
		return d.root.fs
	}
	return afero.NewBasePathFs(d.root.fs, d.path)
}

// RootDir returns the root directory itself.
func (r *Root) RootDir() *Dir {
	return &Dir{root: r, name: "", path: "/"}
}

// Entries lists the top-level directories of the root, sorted by name.
// Regular files are skipped.
func (r *Root) Entries(ctx context.Context) ([]*Dir, error) {
	infos, err := afero.ReadDir(r.fs, "/")
	if err != nil {
		return nil, fmt.Errorf("list storage root: %w", err)
	}

	dirs := make([]*Dir, 0, len(infos))
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !info.IsDir() {
			continue
		}
		dirs = append(dirs, &Dir{root: r, name: info.Name(), path: "/" + info.Name()})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].name < dirs[j].name })
	return dirs, nil
}

// Dir walks to p inside the root. With create, missing components are made,
// like a directory-handle lookup with create set. An empty path or "/" is
// the root.
func (r *Root) Dir(p string, create bool) (*Dir, error) {
	clean := path.Clean("/" + strings.Trim(p, "/"))
	if clean == "/" {
		return r.RootDir(), nil
	}

	info, err := r.fs.Stat(clean)
	switch {
	case err == nil && !info.IsDir():
		return nil, fmt.Errorf("storage path %s: not a directory", clean)
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && create:
		if err := r.fs.MkdirAll(clean, 0755); err != nil {
			return nil, fmt.Errorf("create storage path %s: %w", clean, err)
		}
	default:
		return nil, fmt.Errorf("storage path %s: %w", clean, err)
	}

	return &Dir{root: r, name: path.Base(clean), path: clean}, nil
}
