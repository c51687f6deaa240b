package mount

import (
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero/experimental/sys"
)

// ErrAlreadyMounted reports a path that already carries a backend, or a
// backend that is already mounted somewhere else.
var ErrAlreadyMounted = errors.New("already mounted")

// ErrPathExists reports a mount point that is already a plain namespace
// directory, such as /tmp.
var ErrPathExists = errors.New("mount point already exists")

// Error is a failed table operation. Code is the WASI errno a guest would see.
type Error struct {
	Op   string
	Path string
	Code sys.Errno
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v (%s)", e.Op, e.Path, e.Err, e.Code)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Code)
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Code, e.Err}
	}
	return []error{e.Code}
}

// Code extracts the errno carried by err: 0 for nil, EIO for errors that
// did not come from the table.
func Code(err error) sys.Errno {
	if err == nil {
		return 0
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	return sys.EIO
}

func newError(op, path string, code sys.Errno, err error) *Error {
	return &Error{Op: op, Path: path, Code: code, Err: err}
}

// ErrnoName returns the symbolic name of code, for logs and metric labels.
func ErrnoName(code sys.Errno) string {
	switch code {
	case 0:
		return "OK"
	case sys.EEXIST:
		return "EEXIST"
	case sys.ENOENT:
		return "ENOENT"
	case sys.ENOTDIR:
		return "ENOTDIR"
	case sys.EINVAL:
		return "EINVAL"
	case sys.EPERM:
		return "EPERM"
	case sys.ENAMETOOLONG:
		return "ENAMETOOLONG"
	case sys.EIO:
		return "EIO"
	case sys.ENOSYS:
		return "ENOSYS"
	case sys.EAGAIN:
		return "EAGAIN"
	default:
		return fmt.Sprintf("errno_%d", uint16(code))
	}
}
