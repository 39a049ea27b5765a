package dmabuf

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The argument structs cross the ioctl boundary by address; their sizes are
// part of the request codes and must match the kernel ABI exactly.
func TestArgumentSizes(t *testing.T) {
	t.Parallel()
	if s := unsafe.Sizeof(syncData{}); s != 8 {
		t.Errorf("syncData = %d bytes, want 8", s)
	}
	if s := unsafe.Sizeof(physData{}); s != 8 {
		t.Errorf("physData = %d bytes, want 8", s)
	}
	if s := unsafe.Sizeof(heapAllocData{}); s != 24 {
		t.Errorf("heapAllocData = %d bytes, want 24", s)
	}
}

func TestSyncRejectsNonDmaBuf(t *testing.T) {
	t.Parallel()
	// A socket is not a DMA buffer; the kernel must refuse the sync.
	sp, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(sp[0])
	defer unix.Close(sp[1])

	if err := Sync(sp[0], SyncStart|SyncRead); err == nil {
		t.Fatal("sync on a socket succeeded")
	}
}

func TestHeapAllocRejectsBadFd(t *testing.T) {
	t.Parallel()
	if _, err := HeapAlloc(-1, 4096); err == nil {
		t.Fatal("heap alloc on fd -1 succeeded")
	}
}
