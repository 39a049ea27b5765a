package videostream

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zsiec/videostream/internal/seqpacket"
)

// MaxFramesPerClient bounds the number of frames one client may hold locked
// at once; the 21st TryLock is refused with ErrTooManyLocks.
const MaxFramesPerClient = 20

// hostLockTimeout bounds how long a public host operation waits for the
// table lock before reporting ErrTimeout instead of risking a deadlock.
const hostLockTimeout = 250 * time.Millisecond

// clientSlot is one entry of the host's socket table: the descriptor plus
// the bounded set of frames this client currently holds locked. Slot 0 is
// the accept socket and never carries locks.
type clientSlot struct {
	sock   int
	locked [MaxFramesPerClient]*Frame
}

// Host is the frame broker: it owns the published-frame table, accepts
// clients on the rendezvous socket, broadcasts every posted frame with its
// buffer descriptor attached, services lock and unlock requests, and
// reclaims frames whose expiry has passed once nobody holds them.
//
// All public operations serialize on one timed lock; a Host is safe for use
// from multiple goroutines.
type Host struct {
	log  *slog.Logger
	path string

	// mu is a one-slot semaphore used as a timed mutex. Internal methods
	// with the Locked suffix require it held; public entry points acquire
	// it exactly once, so composite operations never re-enter.
	mu chan struct{}

	frames  []*Frame
	clients []clientSlot
	serial  int64

	metrics *hostMetrics
	closed  bool
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithLogger sets the host's logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) HostOption {
	return func(h *Host) {
		if log != nil {
			h.log = log.With("component", "host")
		}
	}
}

// NewHost binds the rendezvous socket at path and returns a ready broker.
// A stale socket file left by a dead host is unlinked and the bind retried.
// The frame table starts at twice the per-client lock quota and doubles on
// demand.
func NewHost(path string, opts ...HostOption) (*Host, error) {
	sock, err := seqpacket.Listen(path)
	if err != nil {
		return nil, fmt.Errorf("host listen on %s: %w", path, err)
	}

	h := &Host{
		log:     slog.With("component", "host"),
		path:    path,
		mu:      make(chan struct{}, 1),
		frames:  make([]*Frame, 2*MaxFramesPerClient),
		clients: []clientSlot{{sock: sock}},
	}
	for _, opt := range opts {
		opt(h)
	}

	h.log.Info("host listening", "path", path)
	return h, nil
}

// Path returns the rendezvous socket path.
func (h *Host) Path() string { return h.path }

func (h *Host) lock() error {
	select {
	case h.mu <- struct{}{}:
		return nil
	case <-time.After(hostLockTimeout):
		return fmt.Errorf("%w: host lock not acquired in %v", ErrTimeout, hostLockTimeout)
	}
}

func (h *Host) unlock() { <-h.mu }

// Post publishes a frame: assigns the next serial, stamps the publication
// time, inserts it into the table (transferring ownership to the host), and
// broadcasts the event with the buffer descriptor to every connected
// client. A client whose sendmsg fails is disconnected; the post itself
// still succeeds. Expired frames are reclaimed first so the table reuses
// their slots.
func (h *Host) Post(f *Frame, expires, duration, pts, dts int64) error {
	if f == nil {
		return ErrInvalidArgument
	}
	if err := h.lock(); err != nil {
		return err
	}
	defer h.unlock()

	if h.closed {
		return ErrConnClosed
	}

	h.expireFramesLocked()

	if err := h.insertFrameLocked(f); err != nil {
		return err
	}

	h.serial++
	f.info.Serial = h.serial
	f.info.Timestamp = Timestamp()
	f.info.Expires = expires
	f.info.Duration = duration
	f.info.PTS = pts
	f.info.DTS = dts

	ev := frameEvent{Error: FrameSuccess, Info: f.info}

	for i := 1; i < len(h.clients); i++ {
		if h.clients[i].sock == -1 {
			continue
		}
		if err := sendEvent(h.clients[i].sock, &ev, f.handle); err != nil {
			h.log.Warn("broadcast failed, disconnecting client",
				"client", i, "serial", f.info.Serial, "error", err)
			h.metrics.sendFailure()
			h.disconnectClientLocked(i)
		}
	}

	h.metrics.framePosted()

	h.log.Debug("frame posted",
		"serial", f.info.Serial,
		"fourcc", f.info.FourCC.String(),
		"expires", expires)
	return nil
}

// Register creates, attaches, and posts a frame in one call, for producers
// that already hold a buffer descriptor. On failure the temporary frame is
// released; on success the returned frame is owned by the host table.
func (h *Host) Register(fd, width, height int, fourcc FourCC, size, offset int64,
	expires, duration, pts, dts int64, userptr any, cleanup CleanupFunc) (*Frame, error) {

	f, err := NewFrame(width, height, 0, fourcc, userptr, cleanup)
	if err != nil {
		return nil, err
	}
	if err := f.Attach(fd, size, offset); err != nil {
		f.Release()
		return nil, err
	}
	if err := h.Post(f, expires, duration, pts, dts); err != nil {
		f.Release()
		return nil, err
	}
	return f, nil
}

// Drop withdraws a frame from the table without releasing it. Called by
// (*Frame).Release when the frame is host-owned; applications normally have
// no reason to call it directly.
func (h *Host) Drop(f *Frame) error {
	if f == nil {
		return ErrInvalidArgument
	}
	if err := h.lock(); err != nil {
		return err
	}
	defer h.unlock()

	for i, cur := range h.frames {
		if cur == f {
			h.frames[i] = nil
			f.host = nil
			return nil
		}
	}
	return fmt.Errorf("%w: frame %d not owned by this host", ErrInvalidArgument, f.info.Serial)
}

// Service reads and answers one control request from the given client
// socket. Returns ErrNoMessage when the socket has nothing ready; any other
// error means the client should be disconnected, which Process does for its
// own sweep.
func (h *Host) Service(sock int) error {
	if err := h.lock(); err != nil {
		return err
	}
	defer h.unlock()
	return h.serviceClientLocked(sock)
}

// Process runs one event-loop turn: accept at most one pending connection,
// service every connected client, then sweep expired frames. Typically
// called after Poll reports readiness.
func (h *Host) Process() error {
	if err := h.lock(); err != nil {
		return err
	}
	defer h.unlock()

	if h.closed {
		return ErrConnClosed
	}

	if sock, err := seqpacket.Accept(h.clients[0].sock); err == nil {
		h.addClientLocked(sock)
	} else if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
		h.log.Warn("accept failed", "error", err)
	}

	for i := 1; i < len(h.clients); i++ {
		if h.clients[i].sock == -1 {
			continue
		}
		if err := h.serviceClientLocked(h.clients[i].sock); err != nil {
			if errors.Is(err, ErrNoMessage) {
				continue
			}
			h.log.Debug("client disconnected", "client", i, "error", err)
			h.disconnectClientLocked(i)
		}
	}

	h.expireFramesLocked()
	return nil
}

// Poll waits up to the given duration for readiness on any host socket,
// including the accept socket. A negative duration blocks indefinitely.
// Returns the number of ready descriptors.
func (h *Host) Poll(wait time.Duration) (int, error) {
	var socks [128]int
	n, total, err := h.Sockets(socks[:])
	if err != nil && !errors.Is(err, ErrShortBuffer) {
		return 0, err
	}
	if total > n {
		h.log.Warn("polling subset of client sockets", "polled", n, "live", total)
	}

	fds := make([]unix.PollFd, n)
	for i := 0; i < n; i++ {
		fds[i] = unix.PollFd{
			Fd:     int32(socks[i]),
			Events: unix.POLLIN | unix.POLLERR | unix.POLLHUP,
		}
	}

	timeout := -1
	if wait >= 0 {
		timeout = int(wait.Milliseconds())
	}

	for {
		ready, err := unix.Poll(fds, timeout)
		if err == unix.EINTR {
			continue
		}
		return ready, err
	}
}

// Sockets copies the live sockets (accept socket first) into buf and
// returns how many were copied along with the total live count. When the
// buffer is too small the copy is still performed and ErrShortBuffer is
// returned so the caller can retry with total capacity.
func (h *Host) Sockets(buf []int) (n, total int, err error) {
	if err := h.lock(); err != nil {
		return 0, 0, err
	}
	defer h.unlock()

	for i := range h.clients {
		if h.clients[i].sock == -1 {
			continue
		}
		total++
		if n < len(buf) {
			buf[n] = h.clients[i].sock
			n++
		}
	}

	if total > len(buf) {
		return n, total, fmt.Errorf("%w: %d live sockets, buffer holds %d",
			ErrShortBuffer, total, len(buf))
	}
	return n, total, nil
}

// Clients returns the number of connected clients, or -1 when the table
// lock cannot be acquired within the lock timeout.
func (h *Host) Clients() int {
	if err := h.lock(); err != nil {
		return -1
	}
	defer h.unlock()

	count := 0
	for i := 1; i < len(h.clients); i++ {
		if h.clients[i].sock != -1 {
			count++
		}
	}
	return count
}

// Close releases every published frame, disconnects every client, closes
// the accept socket, and unlinks the rendezvous path.
func (h *Host) Close() error {
	if err := h.lock(); err != nil {
		return err
	}
	defer h.unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	for i, f := range h.frames {
		if f == nil {
			continue
		}
		h.frames[i] = nil
		f.host = nil
		f.Release()
	}

	for i := range h.clients {
		if h.clients[i].sock != -1 {
			seqpacket.Close(h.clients[i].sock)
			h.clients[i].sock = -1
		}
	}

	unix.Unlink(h.path)
	h.log.Info("host closed", "path", h.path)
	return nil
}

// insertFrameLocked places the frame into the first free slot, doubling the
// table when it is full.
func (h *Host) insertFrameLocked(f *Frame) error {
	idx := -1
	for i, cur := range h.frames {
		if cur == nil {
			idx = i
			break
		}
	}

	if idx == -1 {
		idx = len(h.frames)
		grown := make([]*Frame, 2*len(h.frames))
		copy(grown, h.frames)
		h.frames = grown
	}

	h.frames[idx] = f
	f.host = h
	return nil
}

// expireFramesLocked reclaims every unlocked frame whose expiry has passed.
// This is the only path that removes a published frame from the table.
func (h *Host) expireFramesLocked() {
	now := Timestamp()

	for i, f := range h.frames {
		if f == nil || f.info.Locked > 0 {
			continue
		}
		if f.info.Expires != 0 && f.info.Expires < now {
			h.log.Debug("frame expired", "serial", f.info.Serial)
			h.metrics.frameExpired()

			// Detach before releasing so Release does not re-enter Drop
			// while the table lock is held.
			h.frames[i] = nil
			f.host = nil
			f.Release()
		}
	}
}

// serviceClientLocked answers one control request on sock. The reply is an
// event record with serial zero; intervening frame broadcasts on the same
// socket cannot overtake it because the socket sequences them.
func (h *Host) serviceClientLocked(sock int) error {
	ctrl, err := recvControl(sock)
	if err != nil {
		return err
	}

	var ev frameEvent
	switch ctrl.Message {
	case ControlTryLock:
		h.tryLockLocked(sock, ctrl.Serial, &ev)
	case ControlUnlock:
		h.unlockLocked(sock, ctrl.Serial, &ev)
	default:
		h.log.Warn("invalid control message", "message", uint32(ctrl.Message), "sock", sock)
		ev.Error = FrameInvalidControl
	}

	return sendEvent(sock, &ev, -1)
}

func (h *Host) tryLockLocked(sock int, serial int64, ev *frameEvent) {
	f := h.findFrameLocked(serial)
	if f == nil {
		ev.Error = FrameExpired
		return
	}

	slot := h.clientSlotLocked(sock)
	if slot == nil {
		ev.Error = FrameInvalidControl
		return
	}

	free := -1
	for i, held := range slot.locked {
		if held == f {
			// Already held by this client; report success without a second
			// increment so the count stays equal to the set membership.
			ev.Info.Locked = 1
			return
		}
		if held == nil && free == -1 {
			free = i
		}
	}

	if free == -1 {
		ev.Error = FrameTooManyLocked
		return
	}

	slot.locked[free] = f
	f.info.Locked++
	ev.Info.Locked = 1
	h.metrics.lockAcquired()
}

func (h *Host) unlockLocked(sock int, serial int64, ev *frameEvent) {
	f := h.findFrameLocked(serial)
	if f == nil {
		ev.Error = FrameExpired
		return
	}

	if f.info.Locked > 0 {
		slot := h.clientSlotLocked(sock)
		if slot != nil && removeLocked(slot, f) {
			f.info.Locked--
			h.metrics.lockReleased()
		}
		ev.Info.Locked = 0
	}
}

func (h *Host) findFrameLocked(serial int64) *Frame {
	for _, f := range h.frames {
		if f != nil && f.info.Serial == serial {
			return f
		}
	}
	return nil
}

func (h *Host) clientSlotLocked(sock int) *clientSlot {
	for i := 1; i < len(h.clients); i++ {
		if h.clients[i].sock == sock {
			return &h.clients[i]
		}
	}
	return nil
}

func removeLocked(slot *clientSlot, f *Frame) bool {
	for i, held := range slot.locked {
		if held == f {
			slot.locked[i] = nil
			return true
		}
	}
	return false
}

// addClientLocked stores the new socket in the first free slot, doubling
// the table when it is full. Slot 0 is the accept socket and is skipped.
func (h *Host) addClientLocked(sock int) {
	idx := -1
	for i := 1; i < len(h.clients); i++ {
		if h.clients[i].sock == -1 {
			idx = i
			break
		}
	}

	if idx == -1 {
		idx = len(h.clients)
		grown := make([]clientSlot, 2*len(h.clients))
		copy(grown, h.clients)
		for i := idx; i < len(grown); i++ {
			grown[i].sock = -1
		}
		h.clients = grown
	}

	h.clients[idx] = clientSlot{sock: sock}
	h.metrics.clientConnected()
	h.log.Info("client connected", "client", idx, "sock", sock)
}

// disconnectClientLocked releases every lock the client holds, shuts the
// socket down, and frees the slot.
func (h *Host) disconnectClientLocked(i int) {
	if i <= 0 || i >= len(h.clients) {
		return
	}
	slot := &h.clients[i]

	for j, f := range slot.locked {
		if f != nil {
			f.info.Locked--
			h.metrics.lockReleased()
			slot.locked[j] = nil
		}
	}

	seqpacket.Close(slot.sock)
	slot.sock = -1
	h.metrics.clientDisconnected()
}
