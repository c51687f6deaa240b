package lifecycle

import (
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero/experimental/sys"

	"github.com/caffeineduck/wasmfs/mount"
)

// Kind classifies handshake failures. Kinds are published in the readiness
// flags so observers can tell failures apart.
type Kind int

const (
	KindUnknown Kind = iota
	KindCapabilityUnavailable
	KindBackendCreationFailure
	KindMountFailure
	KindAlreadyMounted
	KindReentrantHookInvocation
	KindHookOrderViolation
)

func (k Kind) String() string {
	switch k {
	case KindCapabilityUnavailable:
		return "CapabilityUnavailable"
	case KindBackendCreationFailure:
		return "BackendCreationFailure"
	case KindMountFailure:
		return "MountFailure"
	case KindAlreadyMounted:
		return "AlreadyMounted"
	case KindReentrantHookInvocation:
		return "ReentrantHookInvocation"
	case KindHookOrderViolation:
		return "HookOrderViolation"
	default:
		return "Unknown"
	}
}

// Error is a handshake failure.
type Error struct {
	Kind Kind
	Hook string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Hook != "" {
		msg = e.Hook + ": " + msg
	}
	if e.Path != "" {
		msg += " at " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, hook, path string, err error) *Error {
	return &Error{Kind: kind, Hook: hook, Path: path, Err: err}
}

// KindOf returns the kind of a handshake error, KindUnknown otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Errno maps err to the status a hook export returns to the runtime.
func Errno(err error) sys.Errno {
	if err == nil {
		return 0
	}
	var me *mount.Error
	if errors.As(err, &me) {
		return me.Code
	}
	switch KindOf(err) {
	case KindCapabilityUnavailable:
		return sys.ENOSYS
	case KindAlreadyMounted:
		return sys.EEXIST
	case KindReentrantHookInvocation:
		return sys.EAGAIN
	case KindHookOrderViolation:
		return sys.EINVAL
	default:
		return sys.EIO
	}
}

var (
	// ErrDuplicateDependency is returned when a run dependency is added twice.
	ErrDuplicateDependency = errors.New("run dependency already pending")
	// ErrUnknownDependency is returned when removing a dependency that is not pending.
	ErrUnknownDependency = errors.New("run dependency not pending")
)

func unavailable(name string) error {
	return fmt.Errorf("capability %q is not registered", name)
}
