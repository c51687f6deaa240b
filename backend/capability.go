package backend

import (
	"context"
	"fmt"
)

// CapabilityFunc is the shape of a host function in the capability registry.
type CapabilityFunc = func(ctx context.Context, args map[string]any) (any, error)

// AsCapability exposes f as a host function returning *Handle.
func AsCapability(f Factory) CapabilityFunc {
	return func(ctx context.Context, _ map[string]any) (any, error) {
		h, err := f.CreateBackend(ctx)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// FromCapability turns a host function back into a Factory. A nil result is
// reported as a nil handle, which Start turns into ErrNullBackend.
func FromCapability(fn CapabilityFunc) Factory {
	return FactoryFunc(func(ctx context.Context) (*Handle, error) {
		v, err := fn(ctx, nil)
		if err != nil {
			return nil, err
		}
		switch h := v.(type) {
		case nil:
			return nil, nil
		case *Handle:
			return h, nil
		default:
			return nil, fmt.Errorf("backend capability returned %T, want *backend.Handle", v)
		}
	})
}
