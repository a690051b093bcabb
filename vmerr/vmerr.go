// Package vmerr defines the recoverable errors reported by the VM system and
// their translation into the errno values seen by user programs.
package vmerr

import "errors"

// The error kinds of the VM system. Callers match them with errors.Is; the
// returned errors usually wrap one of these with more context.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrPermission      = errors.New("permission denied")
	ErrBadAddress      = errors.New("bad address")
	ErrNoMemory        = errors.New("out of memory")
)

// Errno values handed back to user level.
const (
	ENOMEM = 12
	EFAULT = 14
	EINVAL = 22
)

// Errno translates an error into the value the system call layer returns.
// A nil error yields 0. Writes to read-only pages surface as EFAULT. Errors
// that are not VM errors yield -1.
func Errno(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalidArgument):
		return EINVAL
	case errors.Is(err, ErrPermission), errors.Is(err, ErrBadAddress):
		return EFAULT
	case errors.Is(err, ErrNoMemory):
		return ENOMEM
	default:
		return -1
	}
}
