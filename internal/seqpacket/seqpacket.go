// Package seqpacket manages the AF_UNIX SOCK_SEQPACKET rendezvous sockets
// the frame fabric runs on. Sockets are plain file descriptors rather than
// net.Conn values because frame delivery needs sendmsg/recvmsg with
// SCM_RIGHTS ancillary data, which the net package does not expose for
// seqpacket sockets.
package seqpacket

import (
	"golang.org/x/sys/unix"
)

// maxPathLen is the size of sockaddr_un.sun_path on Linux, less the NUL.
const maxPathLen = 107

// Listen creates a non-blocking listening socket bound to path. A stale
// socket file from a dead host is detected by the bind failing with
// EADDRINUSE while a connect attempt reports ECONNREFUSED; the file is then
// unlinked and the bind retried once.
func Listen(path string) (int, error) {
	if err := checkPath(path); err != nil {
		return -1, err
	}

	sock, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}

	if err := unix.SetNonblock(sock, true); err != nil {
		unix.Close(sock)
		return -1, err
	}

	sa := &unix.SockaddrUnix{Name: path}
	err = unix.Bind(sock, sa)
	if err == unix.EADDRINUSE {
		if cerr := unix.Connect(sock, sa); cerr == unix.ECONNREFUSED {
			unix.Unlink(path)
			err = unix.Bind(sock, sa)
		}
	}
	if err != nil {
		unix.Close(sock)
		return -1, err
	}

	if err := unix.Listen(sock, unix.SOMAXCONN); err != nil {
		unix.Close(sock)
		return -1, err
	}

	return sock, nil
}

// Dial connects to the host socket at path. The connect itself runs on a
// blocking socket; the descriptor is switched to non-blocking only after the
// connection is established.
func Dial(path string) (int, error) {
	if err := checkPath(path); err != nil {
		return -1, err
	}

	sock, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}

	if err := unix.Connect(sock, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(sock)
		return -1, err
	}

	if err := unix.SetNonblock(sock, true); err != nil {
		unix.Close(sock)
		return -1, err
	}

	return sock, nil
}

// Close shuts down both directions and closes the descriptor. Safe on
// descriptors that are already dead; the shutdown error is ignored because a
// reset connection reports ENOTCONN here.
func Close(sock int) {
	if sock < 0 {
		return
	}
	unix.Shutdown(sock, unix.SHUT_RDWR)
	unix.Close(sock)
}

// Accept takes one pending connection off the listening socket. The new
// descriptor comes back non-blocking. Returns EAGAIN when no connection is
// pending.
func Accept(listener int) (int, error) {
	sock, _, err := unix.Accept4(listener, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
	if err != nil {
		return -1, err
	}
	return sock, nil
}

func checkPath(path string) error {
	if path == "" {
		return unix.EINVAL
	}
	if len(path) > maxPathLen {
		return unix.ENAMETOOLONG
	}
	return nil
}
