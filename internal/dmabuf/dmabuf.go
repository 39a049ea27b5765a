// Package dmabuf wraps the DMA-BUF and DMA-heap ioctls used to allocate and
// synchronize zero-copy frame buffers. Layouts mirror the kernel uapi headers
// dma-buf.h and dma-heap.h; the phys query is the vendor extension shipped on
// i.MX kernels.
package dmabuf

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/zsiec/videostream/internal/ioctl"
)

// dma_buf_sync flag bits.
const (
	SyncRead  = 1 << 0
	SyncWrite = 2 << 0
	SyncRW    = SyncRead | SyncWrite
	SyncStart = 0 << 2
	SyncEnd   = 1 << 2
)

// struct dma_buf_sync { __u64 flags; }
type syncData struct {
	Flags uint64
}

// struct dma_buf_phys { __u64 phys; }
type physData struct {
	Phys uint64
}

// struct dma_heap_allocation_data { __u64 len; __u32 fd; __u32 fd_flags; __u64 heap_flags; }
type heapAllocData struct {
	Len       uint64
	Fd        uint32
	FdFlags   uint32
	HeapFlags uint64
}

var (
	ioctlSync      = ioctl.IoW('b', 0, unsafe.Sizeof(syncData{}))
	ioctlPhys      = ioctl.IoW('b', 10, unsafe.Sizeof(physData{}))
	ioctlHeapAlloc = ioctl.IoRW('H', 0, unsafe.Sizeof(heapAllocData{}))
)

// HeapAlloc allocates size bytes from the DMA heap device open on heapFd and
// returns the dmabuf file descriptor.
func HeapAlloc(heapFd int, size int64) (int, error) {
	data := heapAllocData{
		Len:     uint64(size),
		FdFlags: unix.O_RDWR | unix.O_CLOEXEC,
	}
	if err := ioctl.Do(heapFd, ioctlHeapAlloc, unsafe.Pointer(&data)); err != nil {
		return -1, err
	}
	return int(data.Fd), nil
}

// Sync issues a cache-coherence sync on the dmabuf with the given flag
// combination of Sync{Start,End} and Sync{Read,Write,RW}.
func Sync(fd int, flags uint64) error {
	data := syncData{Flags: flags}
	return ioctl.Do(fd, ioctlSync, unsafe.Pointer(&data))
}

// Phys queries the physical address of the dmabuf. Not every kernel carries
// the extension; the caller treats a failure as "no physical address".
func Phys(fd int) (int64, error) {
	var data physData
	if err := ioctl.Do(fd, ioctlPhys, unsafe.Pointer(&data)); err != nil {
		return -1, err
	}
	return int64(data.Phys), nil
}
