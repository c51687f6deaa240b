package wasmhost

import (
	"io"
	"time"
)

// ModuleName is the import module name guests use for the hook exports.
const ModuleName = "wasmfs"

// Hook export names, in the order the runtime calls them.
const (
	ExportEarlyInit     = "early_init"
	ExportLateInit      = "late_init"
	ExportBeforePreload = "before_preload"
	ExportPreload       = "preload"
)

// Exports lists the hook exports in call order.
var Exports = []string{ExportEarlyInit, ExportLateInit, ExportBeforePreload, ExportPreload}

// Option configures the Host at creation time.
type Option func(*hostConfig)

type hostConfig struct {
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32
}

// WithDiskCache enables a persistent compilation cache for guest modules.
// Without a directory it uses XDG_CACHE_HOME/wasmfs or ~/.cache/wasmfs.
func WithDiskCache(dir ...string) Option {
	return func(c *hostConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit caps guest memory in 64KB pages. 0 keeps the wazero
// default of 4GB.
func WithMemoryLimit(pages uint32) Option {
	return func(c *hostConfig) {
		c.memoryLimitPages = pages
	}
}

// RunOption configures a single guest run.
type RunOption func(*runConfig)

type runConfig struct {
	timeout time.Duration
	stdout  io.Writer
	env     map[string]string
	noMount bool
}

func defaultRunConfig() runConfig {
	return runConfig{timeout: 30 * time.Second}
}

// WithTimeout sets the maximum run time. 0 disables the limit.
func WithTimeout(d time.Duration) RunOption {
	return func(c *runConfig) {
		c.timeout = d
	}
}

// WithStdout copies guest stdout to w as well as into the Result.
func WithStdout(w io.Writer) RunOption {
	return func(c *runConfig) {
		c.stdout = w
	}
}

// WithEnv sets a guest environment variable.
func WithEnv(key, value string) RunOption {
	return func(c *runConfig) {
		if c.env == nil {
			c.env = make(map[string]string)
		}
		c.env[key] = value
	}
}

// WithoutMounts runs the guest without preopening the mounted backends.
func WithoutMounts() RunOption {
	return func(c *runConfig) {
		c.noMount = true
	}
}
