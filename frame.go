package videostream

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/zsiec/videostream/internal/dmabuf"
)

// Allocator identifies who owns the buffer behind a frame.
type Allocator int

// Buffer backings.
const (
	// AllocatorExternal marks a descriptor supplied by the caller (or
	// delivered over the wire); the frame holds its own duplicate.
	AllocatorExternal Allocator = iota
	// AllocatorDmaHeap marks a buffer allocated from a /dev/dma_heap device.
	AllocatorDmaHeap
	// AllocatorShm marks a POSIX shared-memory segment.
	AllocatorShm
)

func (a Allocator) String() string {
	switch a {
	case AllocatorExternal:
		return "external"
	case AllocatorDmaHeap:
		return "dmaheap"
	case AllocatorShm:
		return "shm"
	}
	return fmt.Sprintf("allocator(%d)", int(a))
}

// SyncMode selects the CPU access direction for cache-coherence syncs.
type SyncMode int

// Sync directions. The read flag is set unless the mode is write-only and
// the write flag unless the mode is read-only, mirroring the DMA-BUF sync
// semantics.
const (
	SyncReadWrite SyncMode = iota
	SyncRead
	SyncWrite
)

// CleanupFunc runs exactly once when a frame is released, after unmap,
// unlock, and drop have completed. External buffer owners use it to reclaim
// the descriptor they handed to Attach.
type CleanupFunc func(*Frame)

// Frame is the unit of publication: metadata plus one owning file
// descriptor for the pixel buffer. A frame is created detached, backed by
// Alloc or Attach, published through (*Host).Post, and destroyed by Release.
//
// A frame is not internally synchronized. Host-owned frames are mutated only
// under the host lock; a client-side frame belongs to the goroutine that
// received it.
type Frame struct {
	info      FrameInfo
	handle    int
	allocator Allocator
	path      string

	m []byte // current mapping, nil when unmapped

	userptr any
	cleanup CleanupFunc

	host     *Host
	client   *Client
	released bool
}

// NewFrame creates a detached frame. A stride of zero is derived from the
// format's packed row size; an unknown format with no caller stride fails
// with ErrNotSupported.
func NewFrame(width, height, stride int, fourcc FourCC, userptr any, cleanup CleanupFunc) (*Frame, error) {
	if width <= 0 || height <= 0 || fourcc == 0 {
		return nil, fmt.Errorf("%w: %dx%d %s", ErrInvalidArgument, width, height, fourcc)
	}

	if stride == 0 {
		stride = fourcc.Stride(width)
		if stride == 0 {
			return nil, fmt.Errorf("%w: no stride for format %s", ErrNotSupported, fourcc)
		}
	}

	return &Frame{
		info: FrameInfo{
			Width:  int32(width),
			Height: int32(height),
			FourCC: fourcc,
			Stride: int32(stride),
		},
		handle:    -1,
		allocator: AllocatorExternal,
		userptr:   userptr,
		cleanup:   cleanup,
	}, nil
}

// Serial returns the host-assigned publication serial, zero before publish.
func (f *Frame) Serial() int64 { return f.info.Serial }

// Timestamp returns the publication time in monotonic nanoseconds.
func (f *Frame) Timestamp() int64 { return f.info.Timestamp }

// Duration returns the frame duration in nanoseconds.
func (f *Frame) Duration() int64 { return f.info.Duration }

// PTS returns the presentation timestamp in nanoseconds.
func (f *Frame) PTS() int64 { return f.info.PTS }

// DTS returns the decode timestamp in nanoseconds.
func (f *Frame) DTS() int64 { return f.info.DTS }

// Expires returns the expiry deadline in monotonic nanoseconds, zero for no
// expiry.
func (f *Frame) Expires() int64 { return f.info.Expires }

// FourCC returns the pixel format tag.
func (f *Frame) FourCC() FourCC { return f.info.FourCC }

// Width returns the frame width in pixels.
func (f *Frame) Width() int { return int(f.info.Width) }

// Height returns the frame height in pixels.
func (f *Frame) Height() int { return int(f.info.Height) }

// Stride returns the row pitch in bytes.
func (f *Frame) Stride() int { return int(f.info.Stride) }

// Size returns the buffer bytes reachable from Offset.
func (f *Frame) Size() int64 { return int64(f.info.Size) }

// Offset returns the byte offset of the frame within its descriptor's
// mapping.
func (f *Frame) Offset() int64 { return f.info.Offset }

// Handle returns the owning file descriptor, -1 when detached.
func (f *Frame) Handle() int { return f.handle }

// Path returns the heap device or shared-memory name backing the frame,
// empty for external buffers.
func (f *Frame) Path() string { return f.path }

// Userptr returns the opaque pointer supplied at creation.
func (f *Frame) Userptr() any { return f.userptr }

// SetUserptr replaces the opaque pointer.
func (f *Frame) SetUserptr(p any) { f.userptr = p }

// Info returns a copy of the frame metadata block.
func (f *Frame) Info() FrameInfo { return f.info }

// PAddr returns the physical address of a DMA buffer, querying and caching
// it on first use. Returns -1 when the buffer has no physical address (shm
// backing, or a kernel without the phys extension).
func (f *Frame) PAddr() int64 {
	if f.info.PAddr != 0 {
		return f.info.PAddr
	}
	if f.handle < 0 {
		return -1
	}
	paddr, err := dmabuf.Phys(f.handle)
	if err != nil {
		return -1
	}
	f.info.PAddr = paddr
	return paddr
}

// Mmap maps the buffer into this process, PROT_READ|PROT_WRITE MAP_SHARED
// at the frame's offset. The first call establishes the mapping and issues
// a sync-start; later calls return the cached mapping.
func (f *Frame) Mmap() ([]byte, error) {
	if f.m != nil {
		return f.m, nil
	}
	if f.handle < 0 {
		return nil, fmt.Errorf("%w: frame has no buffer", ErrBadDescriptor)
	}
	if f.info.Size == 0 {
		return nil, fmt.Errorf("%w: frame has no size", ErrInvalidArgument)
	}

	f.Sync(true, SyncReadWrite)

	m, err := unix.Mmap(f.handle, f.info.Offset, int(f.info.Size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes of fd %d at %d: %w",
			f.info.Size, f.handle, f.info.Offset, err)
	}

	f.m = m
	return m, nil
}

// Munmap drops the mapping and issues a sync-end. Idempotent.
func (f *Frame) Munmap() {
	if f.m == nil {
		return
	}
	if err := unix.Munmap(f.m); err != nil {
		slog.Warn("frame munmap failed", "error", err, "serial", f.info.Serial)
	}
	f.m = nil
	f.Sync(false, SyncReadWrite)
}

// Sync issues a DMA-BUF cache sync: enable=true before CPU access,
// enable=false after. A no-op for non-DMA backings; fails with
// ErrBadDescriptor when the frame has no buffer.
func (f *Frame) Sync(enable bool, mode SyncMode) error {
	if f == nil || f.handle < 0 {
		return ErrBadDescriptor
	}
	if f.allocator != AllocatorDmaHeap {
		return nil
	}

	var flags uint64
	if enable {
		flags = dmabuf.SyncStart
	} else {
		flags = dmabuf.SyncEnd
	}
	if mode != SyncWrite {
		flags |= dmabuf.SyncRead
	}
	if mode != SyncRead {
		flags |= dmabuf.SyncWrite
	}

	return dmabuf.Sync(f.handle, flags)
}

// TryLock asks the host to pin a client-side frame in its table. It must
// succeed before the client maps the buffer. Fails with ErrExpired when the
// host has already reclaimed the frame and ErrTooManyLocks when this client
// holds its full quota.
func (f *Frame) TryLock() error {
	if f == nil || f.client == nil {
		return ErrInvalidArgument
	}
	return f.client.tryLock(f.info.Serial)
}

// Unlock unmaps the frame if mapped, then releases the host-side pin.
func (f *Frame) Unlock() error {
	if f == nil {
		return ErrInvalidArgument
	}
	f.Munmap()
	if f.client == nil {
		return nil
	}
	return f.client.unlock(f.info.Serial)
}

// Release is the single destructor: unmap, withdraw from the owning host,
// unlock from the owning client session, free the buffer, and finally run
// the cleanup hook. Each step is a no-op when inapplicable. A released
// frame must not be touched again; a second Release reports
// ErrInvalidArgument and does nothing.
func (f *Frame) Release() error {
	if f == nil || f.released {
		return ErrInvalidArgument
	}
	f.released = true

	f.Munmap()

	var err error
	if f.host != nil {
		err = f.host.Drop(f)
		f.host = nil
	}
	if f.client != nil {
		// A frame the host already reclaimed is the normal end of life for
		// a consumer-side frame; only real transport failures surface.
		if uerr := f.client.unlock(f.info.Serial); uerr != nil && !errors.Is(uerr, ErrExpired) && err == nil {
			err = uerr
		}
		f.client = nil
	}

	f.unalloc()

	if f.cleanup != nil {
		cleanup := f.cleanup
		f.cleanup = nil
		cleanup(f)
	}

	return err
}

// Attach binds an externally owned descriptor to the frame. The frame dups
// the descriptor and owns the duplicate; the caller keeps the original.
// When size is zero it is derived from the format's packed row size, in
// which case offset must also be zero. A descriptor at or below the stdio
// range is rejected, as is a dup landing there, because either means stdio
// was closed somewhere in the process.
func (f *Frame) Attach(fd int, size, offset int64) error {
	if f == nil {
		return ErrInvalidArgument
	}
	if fd <= 0 {
		return fmt.Errorf("%w: fd %d", ErrBadDescriptor, fd)
	}
	if offset != 0 && size == 0 {
		return fmt.Errorf("%w: offset without size", ErrInvalidArgument)
	}

	f.unalloc()

	// Validate the descriptor before duping it.
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0); err != nil {
		return fmt.Errorf("%w: fd %d: %v", ErrBadDescriptor, fd, err)
	}

	if size == 0 {
		size = int64(f.info.FourCC.Stride(int(f.info.Width))) * int64(f.info.Height)
		if size == 0 {
			return fmt.Errorf("%w: cannot derive size for %s", ErrNotSupported, f.info.FourCC)
		}
	}

	dup, err := unix.Dup(fd)
	if err != nil {
		return fmt.Errorf("dup fd %d: %w", fd, err)
	}
	if dup <= 2 {
		unix.Close(dup)
		return fmt.Errorf("%w: dup returned stdio fd %d", ErrBadDescriptor, dup)
	}

	f.handle = dup
	f.info.Size = uint64(size)
	f.info.Offset = offset
	f.allocator = AllocatorExternal

	return nil
}
