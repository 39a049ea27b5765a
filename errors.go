package videostream

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Sentinel errors for the frame fabric, one per failure kind the wire and
// allocator surfaces report. Match them with errors.Is; each has a canonical
// errno mapping, recoverable through Errno, for callers that sit directly on
// a syscall surface.
var (
	ErrInvalidArgument = errors.New("videostream: invalid argument")
	ErrNotSupported    = errors.New("videostream: not supported")
	ErrBadDescriptor   = errors.New("videostream: bad file descriptor")
	ErrConnRefused     = errors.New("videostream: connection refused")
	ErrConnClosed      = errors.New("videostream: connection closed")
	ErrTimeout         = errors.New("videostream: timed out")
	ErrExpired         = errors.New("videostream: frame expired")
	ErrInvalidControl  = errors.New("videostream: invalid control message")
	ErrTooManyLocks    = errors.New("videostream: too many frames locked")
	ErrShortBuffer     = errors.New("videostream: buffer too small")
	ErrNoMessage       = errors.New("videostream: no message available")
)

// Errno maps an error returned by this package to its canonical Unix errno.
// Unknown errors map to EINVAL, nil maps to zero.
func Errno(err error) unix.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotSupported):
		return unix.ENOTSUP
	case errors.Is(err, ErrBadDescriptor):
		return unix.EBADF
	case errors.Is(err, ErrConnRefused):
		return unix.ECONNREFUSED
	case errors.Is(err, ErrConnClosed):
		return unix.ECONNRESET
	case errors.Is(err, ErrTimeout):
		return unix.ETIMEDOUT
	case errors.Is(err, ErrExpired):
		return unix.ESTALE
	case errors.Is(err, ErrInvalidControl):
		return unix.EBADMSG
	case errors.Is(err, ErrTooManyLocks):
		return unix.ENOLCK
	case errors.Is(err, ErrShortBuffer):
		return unix.ENOBUFS
	case errors.Is(err, ErrNoMessage):
		return unix.ENOMSG
	default:
		var errno unix.Errno
		if errors.As(err, &errno) {
			return errno
		}
		return unix.EINVAL
	}
}

// FrameError is the wire-level status of a frame event or control reply.
type FrameError uint32

// Wire status codes. The zero value is success; everything else travels in
// the error field of an event record.
const (
	FrameSuccess FrameError = iota
	FrameExpired
	FrameInvalidControl
	FrameTooManyLocked
)

func (e FrameError) String() string {
	switch e {
	case FrameSuccess:
		return "success"
	case FrameExpired:
		return "frame expired"
	case FrameInvalidControl:
		return "invalid control"
	case FrameTooManyLocked:
		return "too many frames locked"
	}
	return fmt.Sprintf("unknown error %d", uint32(e))
}

// Err converts a wire status code to the package sentinel it represents,
// or nil for FrameSuccess.
func (e FrameError) Err() error {
	switch e {
	case FrameSuccess:
		return nil
	case FrameExpired:
		return ErrExpired
	case FrameInvalidControl:
		return ErrInvalidControl
	case FrameTooManyLocked:
		return ErrTooManyLocks
	}
	return ErrInvalidControl
}
