package readiness

import (
	"context"
	"fmt"
	"sync"
)

// Flags is a typed snapshot of the channel. MountPath and MountedPaths are
// empty while unset.
type Flags struct {
	FilesystemReady     bool     `json:"filesystemReady"`
	BackendMounted      bool     `json:"backendMounted"`
	MountPath           string   `json:"mountPath,omitempty"`
	MountedPaths        []string `json:"mountedPaths,omitempty"`
	EarlyInitCalled     bool     `json:"earlyInitCalled"`
	LateInitCalled      bool     `json:"lateInitCalled"`
	CapabilityAvailable bool     `json:"opfsFunctionsAvailable"`
	Phase               string   `json:"handshakePhase,omitempty"`
	Failure             string   `json:"failureKind,omitempty"`
	FailureDetail       string   `json:"failureDetail,omitempty"`
	Version             uint64   `json:"version"`
}

// Channel holds the flag values. It is safe for concurrent use.
type Channel struct {
	mu      sync.RWMutex
	values  map[Key]any
	version uint64
	changed chan struct{}
}

// New returns a channel with every key unset.
func New() *Channel {
	return &Channel{
		values:  make(map[Key]any),
		changed: make(chan struct{}),
	}
}

func (c *Channel) set(owner Owner, key Key, value any) error {
	return c.setMany(owner, map[Key]any{key: value})
}

// setMany writes several keys as one update. Either every key is written or,
// if any key fails validation, none is. Callers outside the package write
// through Core or External.
func (c *Channel) setMany(owner Owner, values map[Key]any) error {
	normalized := make(map[Key]any, len(values))
	for key, value := range values {
		v, err := validate(owner, key, value)
		if err != nil {
			return err
		}
		normalized[key] = v
	}

	c.mu.Lock()
	for key, value := range normalized {
		c.values[key] = value
	}
	c.version++
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
	return nil
}

func validate(owner Owner, key Key, value any) (any, error) {
	f, ok := schema[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	if f.owner != owner {
		return nil, fmt.Errorf("%w: %q is written by %s, not %s", ErrNotOwner, key, f.owner, owner)
	}

	switch f.kind {
	case kindBool:
		if _, ok := value.(bool); ok {
			return value, nil
		}
	case kindString:
		if _, ok := value.(string); ok {
			return value, nil
		}
	case kindStrings:
		if s, ok := value.([]string); ok {
			return append([]string(nil), s...), nil
		}
	}
	return nil, fmt.Errorf("%w: %q wants %s, got %T", ErrWrongType, key, f.kind, value)
}

// Get returns the raw value for key and whether it has ever been written.
func (c *Channel) Get(key Key) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	if s, isSlice := v.([]string); isSlice {
		return append([]string(nil), s...), ok
	}
	return v, ok
}

// Has reports whether key has been written.
func (c *Channel) Has(key Key) bool {
	c.mu.RLock()
	_, ok := c.values[key]
	c.mu.RUnlock()
	return ok
}

// Bool returns a boolean flag, false when unset.
func (c *Channel) Bool(key Key) bool {
	v, _ := c.Get(key)
	b, _ := v.(bool)
	return b
}

// String returns a string flag and whether it is set.
func (c *Channel) String(key Key) (string, bool) {
	v, ok := c.Get(key)
	s, _ := v.(string)
	return s, ok
}

// Version counts writes. It only grows.
func (c *Channel) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Changed returns a channel that is closed by the next write.
func (c *Channel) Changed() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.changed
}

// Snapshot returns the current flags.
func (c *Channel) Snapshot() Flags {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Channel) snapshotLocked() Flags {
	str := func(k Key) string {
		s, _ := c.values[k].(string)
		return s
	}
	b := func(k Key) bool {
		v, _ := c.values[k].(bool)
		return v
	}

	f := Flags{
		FilesystemReady:     b(KeyFilesystemReady),
		BackendMounted:      b(KeyBackendMounted),
		MountPath:           str(KeyMountPath),
		EarlyInitCalled:     b(KeyEarlyInitCalled),
		LateInitCalled:      b(KeyLateInitCalled),
		CapabilityAvailable: b(KeyCapabilityAvailable),
		Phase:               str(KeyPhase),
		Failure:             str(KeyFailure),
		FailureDetail:       str(KeyFailureDetail),
		Version:             c.version,
	}
	if paths, ok := c.values[KeyMountedPaths].([]string); ok {
		f.MountedPaths = append([]string(nil), paths...)
	}
	return f
}

// Wait blocks until cond holds for the current flags or ctx is done.
func (c *Channel) Wait(ctx context.Context, cond func(Flags) bool) (Flags, error) {
	for {
		c.mu.RLock()
		flags := c.snapshotLocked()
		changed := c.changed
		c.mu.RUnlock()

		if cond(flags) {
			return flags, nil
		}

		select {
		case <-ctx.Done():
			return flags, ctx.Err()
		case <-changed:
		}
	}
}

// Core returns a writer for the core-owned keys.
func (c *Channel) Core() *Writer {
	return &Writer{ch: c, owner: OwnerCore}
}

// External returns a writer for the externally-owned keys.
func (c *Channel) External() *Writer {
	return &Writer{ch: c, owner: OwnerExternal}
}

// Writer writes on behalf of one owner.
type Writer struct {
	ch    *Channel
	owner Owner
}

func (w *Writer) Owner() Owner { return w.owner }

func (w *Writer) SetBool(key Key, v bool) error { return w.ch.set(w.owner, key, v) }

func (w *Writer) SetString(key Key, v string) error { return w.ch.set(w.owner, key, v) }

func (w *Writer) SetStrings(key Key, v []string) error { return w.ch.set(w.owner, key, v) }

// SetMany writes several keys as one update, all or nothing.
func (w *Writer) SetMany(values map[Key]any) error { return w.ch.setMany(w.owner, values) }
