package videostream

import (
	"encoding/binary"
	"errors"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

// seqPair returns a connected nonblocking SOCK_SEQPACKET pair, closed at
// test end.
func seqPair(t *testing.T) (int, int) {
	t.Helper()
	sp, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	for _, s := range sp {
		if err := unix.SetNonblock(s, true); err != nil {
			t.Fatalf("set nonblock: %v", err)
		}
	}
	t.Cleanup(func() {
		unix.Close(sp[0])
		unix.Close(sp[1])
	})
	return sp[0], sp[1]
}

func TestFrameInfoLayout(t *testing.T) {
	t.Parallel()
	fi := FrameInfo{
		Serial:    7,
		Timestamp: 1111,
		Duration:  2222,
		PTS:       3333,
		DTS:       4444,
		Expires:   5555,
		Locked:    2,
		FourCC:    FourCCNV12,
		Width:     1920,
		Height:    1080,
		PAddr:     0x10000000,
		Size:      3110400,
		Offset:    4096,
		Stride:    2880,
	}

	var b [frameInfoSize]byte
	fi.marshal(b[:])

	le := binary.LittleEndian
	if got := int64(le.Uint64(b[0:])); got != 7 {
		t.Errorf("serial at offset 0 = %d", got)
	}
	if got := int64(le.Uint64(b[40:])); got != 5555 {
		t.Errorf("expires at offset 40 = %d", got)
	}
	if got := le.Uint32(b[48:]); got != 2 {
		t.Errorf("locked at offset 48 = %d", got)
	}
	if got := FourCC(le.Uint32(b[52:])); got != FourCCNV12 {
		t.Errorf("fourcc at offset 52 = %s", got)
	}
	if got := le.Uint64(b[72:]); got != 3110400 {
		t.Errorf("size at offset 72 = %d", got)
	}
	if got := int32(le.Uint32(b[88:])); got != 2880 {
		t.Errorf("stride at offset 88 = %d", got)
	}

	var back FrameInfo
	back.unmarshal(b[:])
	if back != fi {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", back, fi)
	}
}

func TestEventRoundTripWithDescriptor(t *testing.T) {
	t.Parallel()
	a, b := seqPair(t)

	payload, err := os.CreateTemp(t.TempDir(), "buf")
	if err != nil {
		t.Fatal(err)
	}
	defer payload.Close()
	if _, err := payload.WriteString("pixels"); err != nil {
		t.Fatal(err)
	}

	ev := frameEvent{
		Error: FrameSuccess,
		Info:  FrameInfo{Serial: 42, FourCC: FourCCRGBA, Width: 4, Height: 4, Size: 64},
	}
	if err := sendEvent(a, &ev, int(payload.Fd())); err != nil {
		t.Fatalf("sendEvent: %v", err)
	}

	got, fd, err := recvEvent(b)
	if err != nil {
		t.Fatalf("recvEvent: %v", err)
	}
	if fd <= 2 {
		t.Fatalf("expected passed descriptor, got %d", fd)
	}
	defer unix.Close(fd)

	if got.Info.Serial != 42 || got.Info.FourCC != FourCCRGBA {
		t.Fatalf("event mismatch: %+v", got.Info)
	}

	// The received descriptor must reference the same file.
	buf := make([]byte, 16)
	n, err := unix.Pread(fd, buf, 0)
	if err != nil {
		t.Fatalf("pread passed fd: %v", err)
	}
	if string(buf[:n]) != "pixels" {
		t.Fatalf("passed fd content = %q", buf[:n])
	}
}

func TestEventWithoutDescriptor(t *testing.T) {
	t.Parallel()
	a, b := seqPair(t)

	ev := frameEvent{Error: FrameExpired}
	if err := sendEvent(a, &ev, -1); err != nil {
		t.Fatalf("sendEvent: %v", err)
	}

	got, fd, err := recvEvent(b)
	if err != nil {
		t.Fatalf("recvEvent: %v", err)
	}
	if fd != -1 {
		t.Fatalf("fd = %d, want -1", fd)
	}
	if got.Error != FrameExpired {
		t.Fatalf("error = %v, want FrameExpired", got.Error)
	}
}

func TestRecvEventEmptySocket(t *testing.T) {
	t.Parallel()
	_, b := seqPair(t)

	_, _, err := recvEvent(b)
	if err != unix.EAGAIN {
		t.Fatalf("err = %v, want EAGAIN", err)
	}
}

func TestRecvEventPeerClosed(t *testing.T) {
	t.Parallel()
	sp, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { unix.Close(sp[1]) })
	if err := unix.SetNonblock(sp[1], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}

	unix.Close(sp[0])
	_, _, rerr := recvEvent(sp[1])
	if !errors.Is(rerr, ErrConnClosed) {
		t.Fatalf("err = %v, want ErrConnClosed", rerr)
	}
}

func TestRecvEventShortRecord(t *testing.T) {
	t.Parallel()
	a, b := seqPair(t)

	if _, err := unix.Write(a, make([]byte, 10)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, _, err := recvEvent(b)
	if !errors.Is(err, ErrInvalidControl) {
		t.Fatalf("err = %v, want ErrInvalidControl", err)
	}
}

func TestControlRoundTrip(t *testing.T) {
	t.Parallel()
	a, b := seqPair(t)

	if err := sendControl(a, ControlTryLock, 99); err != nil {
		t.Fatalf("sendControl: %v", err)
	}

	ctrl, err := recvControl(b)
	if err != nil {
		t.Fatalf("recvControl: %v", err)
	}
	if ctrl.Message != ControlTryLock || ctrl.Serial != 99 {
		t.Fatalf("control = %+v", ctrl)
	}
}

func TestRecvControlEmptySocket(t *testing.T) {
	t.Parallel()
	_, b := seqPair(t)

	_, err := recvControl(b)
	if !errors.Is(err, ErrNoMessage) {
		t.Fatalf("err = %v, want ErrNoMessage", err)
	}
}

func TestControlMessageString(t *testing.T) {
	t.Parallel()
	if ControlTryLock.String() == ControlUnlock.String() {
		t.Fatal("control messages must stringify distinctly")
	}
}
