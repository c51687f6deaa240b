package hostfunc

import (
	"context"
	"sort"
	"sync"
)

// Well-known capability names.
const (
	// CreateBackend is the host-provided backend factory.
	CreateBackend = "wasmfs_create_opfs_backend"
	// GetOrCreateDir mounts a storage directory at a namespace path.
	GetOrCreateDir = "wasmfs_opfs_get_or_create_dir"

	FSStat   = "fs_stat"
	FSExists = "fs_exists"
	FSMkdir  = "fs_mkdir"
	FSList   = "fs_list"
	FSSync   = "fs_sync"
	FlagGet  = "flag_get"
	FlagSet  = "flag_set"
)

type Func func(ctx context.Context, args map[string]any) (any, error)

type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

// Unregister removes name and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.funcs[name]
	delete(r.funcs, name)
	return ok
}

func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns a copy of the registered functions.
func (r *Registry) All() map[string]Func {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Func, len(r.funcs))
	for name, fn := range r.funcs {
		out[name] = fn
	}
	return out
}
