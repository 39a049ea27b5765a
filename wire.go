package videostream

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Wire records. Three record types travel on one SOCK_SEQPACKET socket:
//
//   - frame events (host to client, asynchronous) carrying a status code,
//     the full FrameInfo, and exactly one SCM_RIGHTS descriptor for the
//     pixel buffer;
//   - control requests (client to host): a message id plus a frame serial;
//   - control replies (host to client): the event layout with serial zero,
//     carrying only the status code.
//
// Peers are always the same binary on the same machine, so the layout is
// fixed little-endian with the field offsets a C compiler would produce for
// the natural 64-bit alignment; no negotiation is needed or performed.
const (
	frameInfoSize    = 96
	frameEventSize   = 8 + frameInfoSize
	frameControlSize = 16
)

// ControlMessage identifies a client request.
type ControlMessage uint32

// Control request ids.
const (
	ControlTryLock ControlMessage = iota
	ControlUnlock
)

func (m ControlMessage) String() string {
	switch m {
	case ControlTryLock:
		return "trylock"
	case ControlUnlock:
		return "unlock"
	}
	return fmt.Sprintf("invalid(%d)", uint32(m))
}

// FrameInfo is the frame metadata block shared between host and clients.
// All time fields are monotonic nanoseconds (see Timestamp).
type FrameInfo struct {
	Serial    int64
	Timestamp int64
	Duration  int64
	PTS       int64
	DTS       int64
	Expires   int64
	Locked    int32
	FourCC    FourCC
	Width     int32
	Height    int32
	PAddr     int64
	Size      uint64
	Offset    int64
	Stride    int32
}

func (fi *FrameInfo) marshal(b []byte) {
	le := binary.LittleEndian
	le.PutUint64(b[0:], uint64(fi.Serial))
	le.PutUint64(b[8:], uint64(fi.Timestamp))
	le.PutUint64(b[16:], uint64(fi.Duration))
	le.PutUint64(b[24:], uint64(fi.PTS))
	le.PutUint64(b[32:], uint64(fi.DTS))
	le.PutUint64(b[40:], uint64(fi.Expires))
	le.PutUint32(b[48:], uint32(fi.Locked))
	le.PutUint32(b[52:], uint32(fi.FourCC))
	le.PutUint32(b[56:], uint32(fi.Width))
	le.PutUint32(b[60:], uint32(fi.Height))
	le.PutUint64(b[64:], uint64(fi.PAddr))
	le.PutUint64(b[72:], fi.Size)
	le.PutUint64(b[80:], uint64(fi.Offset))
	le.PutUint32(b[88:], uint32(fi.Stride))
	// bytes 92..96 are padding
}

func (fi *FrameInfo) unmarshal(b []byte) {
	le := binary.LittleEndian
	fi.Serial = int64(le.Uint64(b[0:]))
	fi.Timestamp = int64(le.Uint64(b[8:]))
	fi.Duration = int64(le.Uint64(b[16:]))
	fi.PTS = int64(le.Uint64(b[24:]))
	fi.DTS = int64(le.Uint64(b[32:]))
	fi.Expires = int64(le.Uint64(b[40:]))
	fi.Locked = int32(le.Uint32(b[48:]))
	fi.FourCC = FourCC(le.Uint32(b[52:]))
	fi.Width = int32(le.Uint32(b[56:]))
	fi.Height = int32(le.Uint32(b[60:]))
	fi.PAddr = int64(le.Uint64(b[64:]))
	fi.Size = le.Uint64(b[72:])
	fi.Offset = int64(le.Uint64(b[80:]))
	fi.Stride = int32(le.Uint32(b[88:]))
}

// frameEvent is one host-to-client record: a frame broadcast when
// Info.Serial is non-zero, a control reply when it is zero.
type frameEvent struct {
	Error FrameError
	Info  FrameInfo
}

func (ev *frameEvent) marshal(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], uint32(ev.Error))
	ev.Info.marshal(b[8:])
}

func (ev *frameEvent) unmarshal(b []byte) {
	ev.Error = FrameError(binary.LittleEndian.Uint32(b[0:]))
	ev.Info.unmarshal(b[8:])
}

// frameControl is one client-to-host request.
type frameControl struct {
	Message ControlMessage
	Serial  int64
}

// sendEvent writes one event record to sock, attaching fd as SCM_RIGHTS
// ancillary data when it is valid. MSG_NOSIGNAL keeps a dead peer from
// raising SIGPIPE in the broadcast path.
func sendEvent(sock int, ev *frameEvent, fd int) error {
	var buf [frameEventSize]byte
	ev.marshal(buf[:])

	var oob []byte
	if fd >= 0 {
		oob = unix.UnixRights(fd)
	}

	for {
		_, err := unix.SendmsgN(sock, buf[:], oob, nil, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// recvEvent reads one event record and its ancillary descriptor. The
// returned fd is -1 when the record carried none; the caller owns the
// descriptor on every return path. Returns ErrConnClosed on a zero-byte
// read and EAGAIN verbatim when the socket has nothing ready.
func recvEvent(sock int) (frameEvent, int, error) {
	var ev frameEvent
	var buf [frameEventSize]byte
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := unix.Recvmsg(sock, buf[:], oob, unix.MSG_CMSG_CLOEXEC)
	if err != nil {
		return ev, -1, err
	}
	if n == 0 {
		return ev, -1, ErrConnClosed
	}

	fd := -1
	if oobn > 0 {
		fd = parseRightsFd(oob[:oobn])
	}

	if n != frameEventSize {
		if fd > 2 {
			unix.Close(fd)
		}
		return ev, -1, fmt.Errorf("%w: short event record (%d of %d bytes)",
			ErrInvalidControl, n, frameEventSize)
	}

	ev.unmarshal(buf[:])
	return ev, fd, nil
}

// sendControl writes one control request to sock.
func sendControl(sock int, msg ControlMessage, serial int64) error {
	var buf [frameControlSize]byte
	binary.LittleEndian.PutUint32(buf[0:], uint32(msg))
	binary.LittleEndian.PutUint64(buf[8:], uint64(serial))

	for {
		_, err := unix.SendmsgN(sock, buf[:], nil, nil, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// recvControl reads one control request. Returns ErrNoMessage when the
// socket has nothing ready and ErrConnClosed on a zero-byte read.
func recvControl(sock int) (frameControl, error) {
	var ctrl frameControl
	var buf [frameControlSize]byte

	for {
		n, err := unix.Read(sock, buf[:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return ctrl, ErrNoMessage
		case err != nil:
			return ctrl, err
		case n == 0:
			return ctrl, ErrConnClosed
		case n != frameControlSize:
			return ctrl, fmt.Errorf("%w: short control record (%d of %d bytes)",
				ErrInvalidControl, n, frameControlSize)
		}

		ctrl.Message = ControlMessage(binary.LittleEndian.Uint32(buf[0:]))
		ctrl.Serial = int64(binary.LittleEndian.Uint64(buf[8:]))
		return ctrl, nil
	}
}

// parseRightsFd extracts the single SCM_RIGHTS descriptor from the control
// buffer, or -1 when none was delivered. Extra descriptors would be a
// protocol violation; they are closed rather than leaked.
func parseRightsFd(oob []byte) int {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return -1
	}
	fd := -1
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		for _, f := range fds {
			if fd == -1 {
				fd = f
			} else if f > 2 {
				unix.Close(f)
			}
		}
	}
	return fd
}
