// Package ioctl encodes Linux ioctl request numbers and issues the calls.
// The encoding follows include/uapi/asm-generic/ioctl.h.
package ioctl

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	nrBits   = 8
	typeBits = 8
	sizeBits = 14

	nrShift   = 0
	typeShift = nrShift + nrBits
	sizeShift = typeShift + typeBits
	dirShift  = sizeShift + sizeBits

	dirNone  = 0
	dirWrite = 1
	dirRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<dirShift | typ<<typeShift | nr<<nrShift | size<<sizeShift
}

// Io encodes an ioctl with no payload.
func Io(typ, nr uintptr) uintptr {
	return ioc(dirNone, typ, nr, 0)
}

// IoR encodes a read ioctl (kernel writes size bytes to userspace).
func IoR(typ, nr, size uintptr) uintptr {
	return ioc(dirRead, typ, nr, size)
}

// IoW encodes a write ioctl (userspace passes size bytes to the kernel).
func IoW(typ, nr, size uintptr) uintptr {
	return ioc(dirWrite, typ, nr, size)
}

// IoRW encodes a read-write ioctl.
func IoRW(typ, nr, size uintptr) uintptr {
	return ioc(dirRead|dirWrite, typ, nr, size)
}

// Do issues the ioctl on fd with an untyped payload pointer. The caller must
// keep the payload alive across the call; passing a pointer into a Go struct
// is safe because the memory is pinned for the duration of the syscall.
func Do(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
