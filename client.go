package videostream

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zsiec/videostream/internal/seqpacket"
)

// defaultClientTimeout bounds how long a client waits on the host before
// declaring it unresponsive.
const defaultClientTimeout = time.Second

// reconnectBackoff holds the delays between successive connection attempts.
// The final stage repeats until the host returns or the caller gives up.
var reconnectBackoff = []time.Duration{
	0,
	1 * time.Millisecond,
	5 * time.Millisecond,
	25 * time.Millisecond,
	100 * time.Millisecond,
	1000 * time.Millisecond,
}

// Client is a frame consumer. It connects to a host's rendezvous socket,
// receives frame events with their buffer descriptors, and issues lock and
// unlock requests. With reconnect enabled a lost host is transparently
// re-dialed with backoff; the first event after a reconnect is discarded
// since its frame may predate the new session.
//
// A Client serializes its socket I/O internally and is safe for use from
// multiple goroutines, though frames are typically consumed from one.
type Client struct {
	log *slog.Logger

	mu sync.Mutex // serializes request/reply exchanges

	sockMu sync.Mutex // guards sock against the watchdog
	sock   int

	path      string
	userptr   any
	reconnect bool
	closed    bool
	drop      bool // discard the next event, set after a reconnect

	timeout   time.Duration
	watchdog  *time.Timer
	connected bool // a session existed before, so a re-dial may replay a stale frame
}

// Connect dials the host at path. userptr is an opaque value retrievable
// with Userptr, handy for callbacks that only see the client. With
// reconnect false a host that never answers yields ErrConnRefused; with
// reconnect true the client is returned immediately and keeps re-dialing
// in the background of each WaitFrame call.
func Connect(path string, userptr any, reconnect bool) (*Client, error) {
	c := &Client{
		log:       slog.With("component", "client"),
		sock:      -1,
		path:      path,
		userptr:   userptr,
		reconnect: reconnect,
		timeout:   defaultClientTimeout,
	}

	if err := c.dial(); err != nil {
		if !reconnect {
			return nil, err
		}
		c.log.Debug("host not yet available, deferring connect", "path", path, "error", err)
	}
	return c, nil
}

// Userptr returns the opaque value supplied to Connect.
func (c *Client) Userptr() any { return c.userptr }

// Path returns the host rendezvous socket path.
func (c *Client) Path() string { return c.path }

// SetTimeout adjusts how long WaitFrame and the lock operations wait on an
// unresponsive host. Zero or negative restores the default.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		d = defaultClientTimeout
	}
	c.timeout = d
}

// Disconnect closes the socket and disables reconnection. Held frames stay
// usable; their locks are reclaimed by the host.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnect = false
	c.killSocket()
}

// Close disconnects and marks the client unusable.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.reconnect = false
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	c.killSocket()
	return nil
}

// WaitFrame blocks until the host posts a frame, and returns it with its
// buffer descriptor attached but not yet mapped. Frames already expired on
// arrival are skipped, as are frames published before the after timestamp
// (pass 0 to accept any frame). Returns ErrTimeout when no frame
// arrives within the client timeout and ErrConnClosed when the host is gone
// and reconnection is disabled. With reconnection enabled, ErrConnRefused
// means the host is still absent after a full backoff pass; the error is
// transient and the call may simply be retried.
func (c *Client) WaitFrame(after int64) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.closed {
			return nil, ErrConnClosed
		}
		if err := c.ensureConnected(); err != nil {
			return nil, err
		}

		ev, fd, err := c.recvEventWait()
		if err != nil {
			if errors.Is(err, ErrConnClosed) && c.reconnect {
				c.killSocket()
				continue
			}
			return nil, err
		}

		if c.drop {
			c.drop = false
			closeEventFd(fd)
			continue
		}

		if ev.Error != FrameSuccess {
			closeEventFd(fd)
			return nil, ev.Error.Err()
		}

		// Replies to our own control requests carry serial zero; a stray
		// one can appear here after a timed-out lock exchange.
		if ev.Info.Serial == 0 {
			closeEventFd(fd)
			continue
		}

		if ev.Info.Expires != 0 && ev.Info.Expires < Timestamp() {
			closeEventFd(fd)
			continue
		}
		if after != 0 && ev.Info.Timestamp < after {
			closeEventFd(fd)
			continue
		}

		if fd <= 0 {
			return nil, fmt.Errorf("%w: frame event arrived without descriptor", ErrBadDescriptor)
		}

		f := &Frame{
			info:      ev.Info,
			handle:    fd,
			allocator: AllocatorExternal,
			client:    c,
		}
		return f, nil
	}
}

// tryLock asks the host to pin the frame with the given serial. Called via
// (*Frame).TryLock.
func (c *Client) tryLock(serial int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.request(frameControl{Message: ControlTryLock, Serial: serial})
}

// unlock releases the client's hold on the frame with the given serial.
// Called via (*Frame).Unlock and Release.
func (c *Client) unlock(serial int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.request(frameControl{Message: ControlUnlock, Serial: serial})
}

// request sends one control message and waits for its reply, discarding
// any frame broadcasts that arrive in between. An unresponsive host gets
// its socket killed so reconnection can take over.
func (c *Client) request(ctrl frameControl) error {
	if c.closed {
		return ErrConnClosed
	}
	if err := c.ensureConnected(); err != nil {
		return err
	}

	if err := sendControl(c.socket(), ctrl.Message, ctrl.Serial); err != nil {
		c.killSocket()
		return fmt.Errorf("send %s: %w", ctrl.Message, err)
	}
	c.resetWatchdog()

	deadline := time.Now().Add(c.timeout)
	for {
		ev, fd, err := c.recvEvent()
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			wait := time.Until(deadline)
			if wait <= 0 {
				c.killSocket()
				return fmt.Errorf("%w: no reply to %s within %v", ErrTimeout, ctrl.Message, c.timeout)
			}
			if err := pollIn(c.socket(), wait); err != nil {
				if errors.Is(err, ErrTimeout) {
					c.killSocket()
					return fmt.Errorf("%w: no reply to %s within %v", ErrTimeout, ctrl.Message, c.timeout)
				}
				return err
			}
			continue
		}
		if err != nil {
			c.killSocket()
			return err
		}
		c.resetWatchdog()

		// Broadcast events carry the frame serial; the control reply
		// carries zero. Broadcasts racing with the reply are dropped,
		// their descriptors closed.
		if ev.Info.Serial != 0 {
			closeEventFd(fd)
			continue
		}
		closeEventFd(fd)
		return ev.Error.Err()
	}
}

// ensureConnected dials (or re-dials) when the socket is down. Without
// reconnect a dead socket is a hard failure.
func (c *Client) ensureConnected() error {
	if c.socket() != -1 {
		return nil
	}
	if c.closed {
		return ErrConnClosed
	}
	// A session that existed and was not asked to reconnect stays down.
	if c.connected && !c.reconnect {
		return ErrConnClosed
	}
	return c.dial()
}

// dial attempts the connection. Without reconnect a single attempt is made
// and its failure returned immediately; with reconnect the attempts walk
// the backoff schedule. After a successful reconnect the next broadcast is
// flagged for discard since the host may replay a frame from before the
// outage.
func (c *Client) dial() error {
	var lastErr error
	for _, delay := range reconnectBackoff {
		if delay > 0 {
			time.Sleep(delay)
		}
		sock, err := seqpacket.Dial(c.path)
		if err == nil {
			c.setSocket(sock)
			c.drop = c.connected
			c.connected = true
			c.log.Debug("connected", "path", c.path, "sock", sock)
			return nil
		}
		lastErr = err
		if !c.reconnect {
			break
		}
	}
	return fmt.Errorf("%w: connect %s: %v", ErrConnRefused, c.path, lastErr)
}

// recvEventWait receives one event, blocking up to the client timeout via
// poll when the socket has nothing ready.
func (c *Client) recvEventWait() (frameEvent, int, error) {
	deadline := time.Now().Add(c.timeout)
	for {
		ev, fd, err := c.recvEvent()
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			wait := time.Until(deadline)
			if wait <= 0 {
				return frameEvent{}, -1, fmt.Errorf("%w: no frame within %v", ErrTimeout, c.timeout)
			}
			if perr := pollIn(c.socket(), wait); perr != nil {
				if errors.Is(perr, ErrTimeout) {
					return frameEvent{}, -1, fmt.Errorf("%w: no frame within %v", ErrTimeout, c.timeout)
				}
				return frameEvent{}, -1, perr
			}
			continue
		}
		if err == nil {
			c.resetWatchdog()
		}
		return ev, fd, err
	}
}

func (c *Client) recvEvent() (frameEvent, int, error) {
	sock := c.socket()
	if sock == -1 {
		return frameEvent{}, -1, ErrConnClosed
	}
	return recvEvent(sock)
}

func (c *Client) socket() int {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	return c.sock
}

// setSocket installs a fresh socket and (re)arms the watchdog that kills
// it if the host stays silent past twice the client timeout.
func (c *Client) setSocket(sock int) {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	if c.sock != -1 {
		seqpacket.Close(c.sock)
	}
	c.sock = sock

	if c.watchdog == nil {
		c.watchdog = time.AfterFunc(2*c.timeout, c.watchdogFire)
	} else {
		c.watchdog.Reset(2 * c.timeout)
	}
}

func (c *Client) resetWatchdog() {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	if c.watchdog != nil {
		c.watchdog.Reset(2 * c.timeout)
	}
}

// watchdogFire runs off the timer goroutine; it only touches the socket,
// never the request state.
func (c *Client) watchdogFire() {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	if c.sock == -1 {
		return
	}
	c.log.Warn("host unresponsive, dropping connection", "path", c.path)
	seqpacket.Close(c.sock)
	c.sock = -1
}

func (c *Client) killSocket() {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	if c.sock != -1 {
		seqpacket.Close(c.sock)
		c.sock = -1
	}
}

// pollIn waits for readability on sock, returning ErrTimeout on expiry.
func pollIn(sock int, wait time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(sock), Events: unix.POLLIN | unix.POLLERR | unix.POLLHUP}}
	for {
		n, err := unix.Poll(fds, int(wait.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrTimeout
		}
		return nil
	}
}

// closeEventFd discards a descriptor delivered with a skipped event,
// refusing to touch the stdio range.
func closeEventFd(fd int) {
	if fd > 2 {
		unix.Close(fd)
	}
}
