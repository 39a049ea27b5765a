package videostream

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// connectClient dials the host and waits until the host has accepted.
func connectClient(t *testing.T, h *Host, path string, reconnect bool) *Client {
	t.Helper()
	before := h.Clients()
	c, err := Connect(path, nil, reconnect)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	waitFor(t, "client accept", func() bool { return h.Clients() > before })
	return c
}

func TestConnectNoHost(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nobody-home.sock")

	// Without reconnect there is a single connect attempt: the failure must
	// come back immediately, not after a pass through the backoff schedule.
	start := time.Now()
	if _, err := Connect(path, nil, false); !errors.Is(err, ErrConnRefused) {
		t.Fatalf("Connect = %v, want ErrConnRefused", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("Connect took %v, want immediate failure", elapsed)
	}
}

func TestConnectNoHostWithReconnect(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nobody-home.sock")

	// Reconnect mode defers the connection to the first operation.
	c, err := Connect(path, nil, true)
	if err != nil {
		t.Fatalf("Connect with reconnect = %v", err)
	}
	c.Close()
}

func TestClientUserptr(t *testing.T) {
	t.Parallel()
	h, path := startHost(t)

	type ctxData struct{ id int }
	c, err := Connect(path, &ctxData{id: 7}, false)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	waitFor(t, "client accept", func() bool { return h.Clients() == 1 })

	d, ok := c.Userptr().(*ctxData)
	if !ok || d.id != 7 {
		t.Fatalf("Userptr = %#v", c.Userptr())
	}
	if c.Path() != path {
		t.Fatalf("Path = %q", c.Path())
	}
}

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()
	h, path := startHost(t)
	c := connectClient(t, h, path, false)

	posted := postFrame(t, h, 0xCD, Timestamp()+int64(time.Minute))

	f, err := c.WaitFrame(0)
	if err != nil {
		t.Fatalf("WaitFrame: %v", err)
	}
	defer f.Release()

	if f.Serial() != posted.Serial() {
		t.Fatalf("serial = %d, want %d", f.Serial(), posted.Serial())
	}
	if f.FourCC() != FourCCRGBA || f.Width() != 4 || f.Height() != 4 {
		t.Fatalf("geometry = %s %dx%d", f.FourCC(), f.Width(), f.Height())
	}

	if err := f.TryLock(); err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	m, err := f.Mmap()
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if len(m) != 64 {
		t.Fatalf("mapped %d bytes", len(m))
	}
	for i, b := range m {
		if b != 0xCD {
			t.Fatalf("byte %d = %#x, want 0xCD", i, b)
		}
	}

	if err := f.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

func TestWaitFrameTimeout(t *testing.T) {
	t.Parallel()
	h, path := startHost(t)
	c := connectClient(t, h, path, false)
	c.SetTimeout(100 * time.Millisecond)

	if _, err := c.WaitFrame(0); !errors.Is(err, ErrTimeout) {
		t.Fatalf("WaitFrame on idle host = %v, want ErrTimeout", err)
	}
}

func TestWaitFrameSkipsExpired(t *testing.T) {
	t.Parallel()
	h, path := startHost(t)
	c := connectClient(t, h, path, false)
	c.SetTimeout(100 * time.Millisecond)

	// Already past expiry when it arrives.
	postFrame(t, h, 1, Timestamp()-1)

	if _, err := c.WaitFrame(0); !errors.Is(err, ErrTimeout) {
		t.Fatalf("WaitFrame = %v, want ErrTimeout after skipping expired frame", err)
	}
}

func TestWaitFrameAfterFilter(t *testing.T) {
	t.Parallel()
	h, path := startHost(t)
	c := connectClient(t, h, path, false)

	far := Timestamp() + int64(time.Minute)
	postFrame(t, h, 1, far)
	f1, err := c.WaitFrame(0)
	if err != nil {
		t.Fatal(err)
	}
	defer f1.Release()

	postFrame(t, h, 2, far)
	f2, err := c.WaitFrame(f1.Timestamp())
	if err != nil {
		t.Fatal(err)
	}
	defer f2.Release()

	if f2.Timestamp() <= f1.Timestamp() {
		t.Fatalf("timestamps not advancing: %d then %d", f1.Timestamp(), f2.Timestamp())
	}
}

func TestTryLockExpiredFrame(t *testing.T) {
	t.Parallel()
	h, path := startHost(t)
	c := connectClient(t, h, path, false)

	postFrame(t, h, 1, Timestamp()+int64(500*time.Millisecond))

	f, err := c.WaitFrame(0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Release()

	// Let the host reclaim it before we try to pin it.
	time.Sleep(time.Second)

	if err := f.TryLock(); !errors.Is(err, ErrExpired) {
		t.Fatalf("TryLock on reclaimed frame = %v, want ErrExpired", err)
	}

	// The buffer itself stays valid; the descriptor keeps it alive.
	m, err := f.Mmap()
	if err != nil {
		t.Fatalf("Mmap after expiry: %v", err)
	}
	if m[0] != 1 {
		t.Fatalf("byte 0 = %#x", m[0])
	}
}

func TestTryLockUnknownSerial(t *testing.T) {
	t.Parallel()
	h, path := startHost(t)
	c := connectClient(t, h, path, false)

	if err := c.tryLock(9999); !errors.Is(err, ErrExpired) {
		t.Fatalf("tryLock(9999) = %v, want ErrExpired", err)
	}
}

func TestTryLockIdempotent(t *testing.T) {
	t.Parallel()
	h, path := startHost(t)
	c := connectClient(t, h, path, false)

	postFrame(t, h, 1, Timestamp()+int64(time.Minute))

	f, err := c.WaitFrame(0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Release()

	if err := f.TryLock(); err != nil {
		t.Fatal(err)
	}
	if err := f.TryLock(); err != nil {
		t.Fatalf("second TryLock on held frame = %v", err)
	}
	if err := f.Unlock(); err != nil {
		t.Fatal(err)
	}
}

func TestUnlockWithoutLock(t *testing.T) {
	t.Parallel()
	h, path := startHost(t)
	c := connectClient(t, h, path, false)

	postFrame(t, h, 1, Timestamp()+int64(time.Minute))

	f, err := c.WaitFrame(0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Release()

	if err := f.Unlock(); err != nil {
		t.Fatalf("Unlock without lock = %v", err)
	}
}

func TestLockQuota(t *testing.T) {
	t.Parallel()
	h, path := startHost(t)
	c := connectClient(t, h, path, false)

	far := Timestamp() + int64(time.Minute)
	frames := make([]*Frame, 0, MaxFramesPerClient+1)
	for i := 0; i <= MaxFramesPerClient; i++ {
		postFrame(t, h, byte(i), far)
		f, err := c.WaitFrame(0)
		if err != nil {
			t.Fatalf("WaitFrame %d: %v", i, err)
		}
		frames = append(frames, f)
	}
	defer func() {
		for _, f := range frames {
			f.Release()
		}
	}()

	for i := 0; i < MaxFramesPerClient; i++ {
		if err := frames[i].TryLock(); err != nil {
			t.Fatalf("TryLock %d: %v", i, err)
		}
	}

	over := frames[MaxFramesPerClient]
	if err := over.TryLock(); !errors.Is(err, ErrTooManyLocks) {
		t.Fatalf("TryLock past quota = %v, want ErrTooManyLocks", err)
	}

	// Releasing one hold frees a slot for the refused frame.
	if err := frames[0].Unlock(); err != nil {
		t.Fatal(err)
	}
	if err := over.TryLock(); err != nil {
		t.Fatalf("TryLock after freeing a slot = %v", err)
	}
}

func TestLockedFrameSurvivesExpiry(t *testing.T) {
	t.Parallel()
	h, path := startHost(t)
	c := connectClient(t, h, path, false)

	postFrame(t, h, 0x5A, Timestamp()+int64(300*time.Millisecond))

	f, err := c.WaitFrame(0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Release()

	if err := f.TryLock(); err != nil {
		t.Fatal(err)
	}

	// Expiry passes while the lock is held; the host must not reclaim it.
	time.Sleep(600 * time.Millisecond)

	if err := f.Unlock(); err != nil {
		t.Fatalf("Unlock after expiry passed = %v", err)
	}
}

func TestClientReconnect(t *testing.T) {
	t.Parallel()
	h1, path := startHost(t)
	c := connectClient(t, h1, path, true)
	h1.Close()

	// Same rendezvous path, new host generation.
	h2, err := NewHost(path)
	if err != nil {
		t.Fatalf("restart host: %v", err)
	}
	t.Cleanup(func() { h2.Close() })

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		far := Timestamp() + int64(time.Minute)
		for {
			select {
			case <-done:
				return
			case <-time.After(50 * time.Millisecond):
			}
			h2.Poll(time.Millisecond)
			if err := h2.Process(); err != nil {
				return
			}
			f, err := NewFrame(4, 4, 0, FourCCRGBA, nil, nil)
			if err != nil {
				return
			}
			if err := f.Alloc(""); err != nil {
				return
			}
			if err := h2.Post(f, far, 0, 0, 0); err != nil {
				f.Release()
				return
			}
		}
	}()

	deadline := time.Now().Add(10 * time.Second)
	for {
		f, err := c.WaitFrame(0)
		if err == nil {
			f.Release()
			return
		}
		if !errors.Is(err, ErrTimeout) && !errors.Is(err, ErrConnRefused) {
			t.Fatalf("WaitFrame during reconnect = %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("client never recovered a frame after host restart")
		}
	}
}

func TestDisconnectStopsReconnect(t *testing.T) {
	t.Parallel()
	h, path := startHost(t)
	c := connectClient(t, h, path, true)

	c.Disconnect()
	if _, err := c.WaitFrame(0); err == nil {
		t.Fatal("WaitFrame succeeded after Disconnect")
	}
}

func TestClientCloseIdempotent(t *testing.T) {
	t.Parallel()
	h, path := startHost(t)
	c := connectClient(t, h, path, false)

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close = %v", err)
	}
	if _, err := c.WaitFrame(0); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("WaitFrame after Close = %v, want ErrConnClosed", err)
	}
}

func TestFanOut(t *testing.T) {
	t.Parallel()
	h, path := startHost(t)

	c1 := connectClient(t, h, path, false)
	c2 := connectClient(t, h, path, false)

	postFrame(t, h, 0x77, Timestamp()+int64(time.Minute))

	for i, c := range []*Client{c1, c2} {
		f, err := c.WaitFrame(0)
		if err != nil {
			t.Fatalf("client %d WaitFrame: %v", i, err)
		}
		if err := f.TryLock(); err != nil {
			t.Fatalf("client %d TryLock: %v", i, err)
		}
		m, err := f.Mmap()
		if err != nil {
			t.Fatalf("client %d Mmap: %v", i, err)
		}
		if m[0] != 0x77 {
			t.Fatalf("client %d byte 0 = %#x", i, m[0])
		}
		if err := f.Unlock(); err != nil {
			t.Fatalf("client %d Unlock: %v", i, err)
		}
		f.Release()
	}
}
