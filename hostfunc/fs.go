package hostfunc

import (
	"context"
	"errors"
	"io/fs"
	"strconv"

	"github.com/caffeineduck/wasmfs/mount"
)

// FS exposes the namespace to guests. Mkdir below a mount point creates the
// directory in the mounted backend.
type FS struct {
	table *mount.Table
}

func NewFS(table *mount.Table) *FS {
	return &FS{table: table}
}

// Register adds the fs_* functions to r.
func (f *FS) Register(r *Registry) {
	r.Register(FSStat, f.Stat)
	r.Register(FSExists, f.Exists)
	r.Register(FSMkdir, f.Mkdir)
	r.Register(FSList, f.List)
	r.Register(FSSync, f.Sync)
}

func (f *FS) Stat(ctx context.Context, args map[string]any) (any, error) {
	path, ok := args["path"].(string)
	if !ok {
		return nil, errors.New("path required")
	}

	info, err := f.table.Stat(path)
	if err != nil {
		return nil, err
	}
	return StatResponse(info), nil
}

func (f *FS) Exists(ctx context.Context, args map[string]any) (any, error) {
	path, ok := args["path"].(string)
	if !ok {
		return nil, errors.New("path required")
	}
	return f.table.Exists(path), nil
}

func (f *FS) Mkdir(ctx context.Context, args map[string]any) (any, error) {
	path, ok := args["path"].(string)
	if !ok {
		return nil, errors.New("path required")
	}
	mode, err := ModeArg(args, "mode")
	if err != nil {
		return nil, err
	}

	if err := f.table.Mkdir(path, mode); err != nil {
		return nil, err
	}
	return "ok", nil
}

func (f *FS) List(ctx context.Context, args map[string]any) (any, error) {
	path, ok := args["path"].(string)
	if !ok {
		return nil, errors.New("path required")
	}

	infos, err := f.table.ReadDir(path)
	if err != nil {
		return nil, err
	}
	out := make([]FSStatResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, StatResponse(info))
	}
	return out, nil
}

// Sync flushes every mounted backend to stable storage.
func (f *FS) Sync(ctx context.Context, args map[string]any) (any, error) {
	if err := f.table.Sync(ctx); err != nil {
		return nil, err
	}
	return "ok", nil
}

// StatResponse is the wire form of a namespace stat.
func StatResponse(info mount.Info) FSStatResponse {
	return FSStatResponse{
		Path:    info.Path,
		Name:    info.Name,
		IsDir:   info.IsDir,
		Mode:    "0" + strconv.FormatUint(uint64(info.Mode.Perm()), 8),
		Size:    info.Size,
		ModTime: info.ModTime,
		Mounted: info.Mounted,
		Backend: info.Backend,
	}
}

// ModeArg reads an optional permission argument. Guests send either an octal
// string ("0755") or a number; JSON numbers arrive as float64.
func ModeArg(args map[string]any, key string) (fs.FileMode, error) {
	switch v := args[key].(type) {
	case nil:
		return 0, nil
	case string:
		if v == "" {
			return 0, nil
		}
		n, err := strconv.ParseUint(v, 8, 32)
		if err != nil {
			return 0, errors.New("invalid " + key + ": " + v)
		}
		return fs.FileMode(n), nil
	case float64:
		return fs.FileMode(uint32(v)), nil
	case int:
		return fs.FileMode(v), nil
	case fs.FileMode:
		return v, nil
	default:
		return 0, errors.New(key + " must be an octal string or number")
	}
}
