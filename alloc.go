package videostream

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/zsiec/videostream/internal/dmabuf"
)

// DMA heap device nodes probed in order when no path is given.
var dmaHeapCandidates = []string{
	"/dev/dma_heap/linux,cma",
	"/dev/dma_heap/system",
	"/dev/dma_heap/linux,cma-uncached",
}

// Environment overrides for backing selection when no explicit path is
// passed to Alloc: EnvDmaHeap names the heap device to use, EnvForceShm
// (any non-empty value) skips the heap probe entirely.
const (
	EnvDmaHeap  = "VSL_DMA_HEAP"
	EnvForceShm = "VSL_FORCE_SHM"
)

const shmDir = "/dev/shm"

// Alloc backs the frame with a freshly allocated buffer. A path under /dev
// selects that DMA heap device; any other non-empty path is used as a POSIX
// shared-memory name. With no path, the heap devices are probed for
// read-write access and shared memory is the fallback. An already backed
// frame is unallocated first.
func (f *Frame) Alloc(path string) error {
	if f == nil {
		return ErrInvalidArgument
	}

	f.unalloc()

	if path != "" && !strings.HasPrefix(path, "/dev") {
		f.path = path
		return f.allocShm()
	}

	if path == "" {
		if os.Getenv(EnvForceShm) != "" {
			f.path = defaultShmName()
			return f.allocShm()
		}
		path = probeDmaHeap()
		if path == "" {
			f.path = defaultShmName()
			return f.allocShm()
		}
	}

	f.path = path
	return f.allocDma()
}

// unalloc returns the frame to the detached state: unmap, then free the
// backing according to its allocator. For external buffers with a cleanup
// hook the descriptor belongs to the owner and is left alone; without a
// hook the frame's dup is closed. Idempotent.
func (f *Frame) unalloc() {
	if f == nil {
		return
	}

	f.Munmap()

	switch f.allocator {
	case AllocatorShm:
		if f.handle > 2 {
			unix.Close(f.handle)
		}
		f.handle = -1
		unix.Unlink(shmPath(f.path))
		f.allocator = AllocatorExternal

	case AllocatorDmaHeap:
		if f.handle > 2 {
			unix.Close(f.handle)
		}
		f.handle = -1
		f.allocator = AllocatorExternal

	case AllocatorExternal:
		if f.cleanup != nil {
			// The owner reclaims the descriptor from its cleanup hook.
			return
		}
		if f.handle >= 0 {
			unix.Close(f.handle)
			f.handle = -1
		}
		return
	}

	f.path = ""
	f.info.Size = 0
	f.info.Offset = 0
	f.info.PAddr = 0
}

func (f *Frame) allocShm() error {
	f.info.Offset = 0
	f.info.Size = uint64(f.info.FourCC.Stride(int(f.info.Width))) * uint64(f.info.Height)
	if f.info.Size == 0 {
		return fmt.Errorf("%w: cannot size %s buffer", ErrNotSupported, f.info.FourCC)
	}

	fd, err := unix.Open(shmPath(f.path), unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o660)
	if err != nil {
		return fmt.Errorf("shm open %s: %w", f.path, err)
	}
	if fd <= 2 {
		unix.Close(fd)
		return fmt.Errorf("%w: shm open returned stdio fd %d", ErrBadDescriptor, fd)
	}

	if err := unix.Ftruncate(fd, int64(f.info.Size)); err != nil {
		unix.Close(fd)
		unix.Unlink(shmPath(f.path))
		return fmt.Errorf("shm truncate %s to %d: %w", f.path, f.info.Size, err)
	}

	f.handle = fd
	f.allocator = AllocatorShm
	return nil
}

func (f *Frame) allocDma() error {
	f.info.Offset = 0

	// A size set before Alloc (a decoder padding out to driver alignment)
	// is respected; otherwise it comes from the format geometry.
	if f.info.Size == 0 {
		f.info.Size = uint64(f.info.FourCC.Stride(int(f.info.Width))) * uint64(f.info.Height)
	}
	if f.info.Size == 0 {
		return fmt.Errorf("%w: cannot size %s buffer", ErrNotSupported, f.info.FourCC)
	}

	heap, err := unix.Open(f.path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open heap %s: %w", f.path, err)
	}
	defer unix.Close(heap)

	fd, err := dmabuf.HeapAlloc(heap, int64(f.info.Size))
	if err != nil {
		return fmt.Errorf("heap alloc %d bytes from %s: %w", f.info.Size, f.path, err)
	}
	if fd <= 2 {
		unix.Close(fd)
		return fmt.Errorf("%w: heap alloc returned stdio fd %d", ErrBadDescriptor, fd)
	}

	f.handle = fd
	f.allocator = AllocatorDmaHeap
	return nil
}

// probeDmaHeap picks the first accessible heap device, honouring the
// EnvDmaHeap override. Empty means no heap is usable.
func probeDmaHeap() string {
	if h := os.Getenv(EnvDmaHeap); h != "" {
		if accessible(h) {
			return h
		}
		return ""
	}
	for _, h := range dmaHeapCandidates {
		if accessible(h) {
			return h
		}
	}
	return ""
}

func accessible(path string) bool {
	return unix.Access(path, unix.R_OK|unix.W_OK) == nil
}

// defaultShmName builds a collision-free shared-memory name for this
// process. A uuid suffix keeps concurrent allocations from colliding;
// thread ids are not stable under the Go scheduler.
func defaultShmName() string {
	return fmt.Sprintf("/vsl-%d-%.8s", os.Getpid(), uuid.NewString())
}

// shmPath maps a POSIX shared-memory name to its tmpfs path.
func shmPath(name string) string {
	return shmDir + "/" + strings.TrimPrefix(name, "/")
}
