package hostfunc

import "time"

// Filesystem types

type FSPathRequest struct {
	Path string `json:"path"`
}

type FSMkdirRequest struct {
	Path string `json:"path"`
	Mode string `json:"mode,omitempty"`
}

type FSStatResponse struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	IsDir   bool      `json:"is_dir"`
	Mode    string    `json:"mode"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	Mounted bool      `json:"mounted"`
	Backend string    `json:"backend,omitempty"`
}

// Mount capability types

type GetOrCreateDirRequest struct {
	Path        string `json:"path"`
	StoragePath string `json:"storage_path,omitempty"`
	Mode        string `json:"mode,omitempty"`
}

type GetOrCreateDirResponse struct {
	Path    string `json:"path"`
	Backend string `json:"backend"`
}

// Flag types

type FlagGetRequest struct {
	Key string `json:"key"`
}

type FlagSetRequest struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}
