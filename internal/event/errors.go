package event

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Error taxonomy shared by the registration and wait paths.
var (
	ErrInvalidFilter = errors.New("invalid filter")
	ErrNoSuchEvent   = errors.New("no such event")
	ErrSourceGone    = errors.New("source gone")
	ErrOutOfMemory   = errors.New("out of memory")
	ErrAttachFailed  = errors.New("attach failed")
	ErrInterrupted   = errors.New("interrupted")
	ErrClosed        = errors.New("kqueue closed")
)

var errnos = []struct {
	err   error
	errno unix.Errno
}{
	{ErrInvalidFilter, unix.EINVAL},
	{ErrNoSuchEvent, unix.ENOENT},
	{ErrSourceGone, unix.EBADF},
	{ErrOutOfMemory, unix.ENOMEM},
	{ErrAttachFailed, unix.ENODEV},
	{ErrInterrupted, unix.EINTR},
	{ErrClosed, unix.EBADF},
}

// Errno maps an error to the errno reported in the Data field of an EV_ERROR
// entry. Errors outside the taxonomy map to EINVAL.
func Errno(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	for _, e := range errnos {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}
	return unix.EINVAL
}

// ErrnoError maps an EV_ERROR Data value back onto the taxonomy.
func ErrnoError(data int64) error {
	errno := unix.Errno(data)
	for _, e := range errnos {
		if e.errno == errno {
			return e.err
		}
	}
	return errno
}

// ChangeError ties a registration failure to its index in a change list.
type ChangeError struct {
	Index  int
	Change Kevent
	Err    error
}

func (e *ChangeError) Error() string {
	return fmt.Sprintf("change %d (%s ident=%d): %v", e.Index, FilterName(e.Change.Filter), e.Change.Ident, e.Err)
}

func (e *ChangeError) Unwrap() error {
	return e.Err
}
