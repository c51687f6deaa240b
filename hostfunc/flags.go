package hostfunc

import (
	"context"
	"errors"
	"fmt"

	"github.com/caffeineduck/wasmfs/readiness"
)

// Flags exposes the readiness channel to guests. Reads see every key; writes
// go through the external writer, so only externally-owned keys are accepted.
type Flags struct {
	ch *readiness.Channel
}

func NewFlags(ch *readiness.Channel) *Flags {
	return &Flags{ch: ch}
}

// Register adds flag_get and flag_set to r.
func (f *Flags) Register(r *Registry) {
	r.Register(FlagGet, f.Get)
	r.Register(FlagSet, f.Set)
}

// Get returns a single flag, or the whole snapshot when no key is given.
// Unset keys read as nil.
func (f *Flags) Get(ctx context.Context, args map[string]any) (any, error) {
	name, _ := args["key"].(string)
	if name == "" {
		return f.ch.Snapshot(), nil
	}

	key, err := readiness.ParseKey(name)
	if err != nil {
		return nil, err
	}
	v, ok := f.ch.Get(key)
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (f *Flags) Set(ctx context.Context, args map[string]any) (any, error) {
	name, ok := args["key"].(string)
	if !ok {
		return nil, errors.New("key required")
	}
	value, ok := args["value"]
	if !ok {
		return nil, errors.New("value required")
	}

	key, err := readiness.ParseKey(name)
	if err != nil {
		return nil, err
	}
	if err := f.ch.External().SetMany(map[readiness.Key]any{key: value}); err != nil {
		return nil, fmt.Errorf("flag_set: %w", err)
	}
	return "ok", nil
}
