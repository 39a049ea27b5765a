// Package videostream is a Linux-only, zero-copy, multi-process video frame
// sharing fabric. A single Host process allocates each frame in memory whose
// file descriptor can travel between processes (a DMA-BUF, or POSIX shared
// memory as a fallback) and publishes it to any number of Client processes
// connected over a local SOCK_SEQPACKET socket. Clients receive the frame
// metadata plus a duplicated descriptor for the pixel buffer, map it into
// their own address space, and lock it for as long as they consume it. The
// host reclaims frames whose expiry has passed once their lock count returns
// to zero.
package videostream

import "golang.org/x/sys/unix"

// Version of the videostream library.
const Version = "1.4.0"

// Timestamp returns the CLOCK_MONOTONIC reading in nanoseconds. Frame
// timestamps, expiry deadlines, and the until argument of
// (*Client).WaitFrame are all expressed on this clock. It is comparable
// across processes on the same machine, unlike Go's per-process monotonic
// readings from time.Now.
func Timestamp() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Nano()
}
