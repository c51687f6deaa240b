package lifecycle

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tetratelabs/wazero/experimental/sys"

	"github.com/caffeineduck/wasmfs/mount"
)

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", newError(KindAlreadyMounted, HookBeforePreload, "/home", mount.ErrAlreadyMounted))
	assert.Equal(t, KindAlreadyMounted, KindOf(err))
	assert.ErrorIs(t, err, mount.ErrAlreadyMounted)
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestErrorMessage(t *testing.T) {
	err := newError(KindMountFailure, HookBeforePreload, "/home", errors.New("boom"))
	assert.Equal(t, "before_preload: MountFailure at /home: boom", err.Error())
	assert.Equal(t, "CapabilityUnavailable", newError(KindCapabilityUnavailable, "", "", nil).Error())
}

func TestErrno(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want sys.Errno
	}{
		{"nil", nil, 0},
		{"capability", newError(KindCapabilityUnavailable, "", "", nil), sys.ENOSYS},
		{"order", newError(KindHookOrderViolation, "", "", nil), sys.EINVAL},
		{"reentrant", newError(KindReentrantHookInvocation, "", "", nil), sys.EAGAIN},
		{"backend", newError(KindBackendCreationFailure, "", "", nil), sys.EIO},
		{"mount code wins", newError(KindMountFailure, "", "/x", &mount.Error{Op: "mount", Path: "/x", Code: sys.ENAMETOOLONG}), sys.ENAMETOOLONG},
		{"plain", errors.New("x"), sys.EIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Errno(tt.err))
		})
	}
}
