//go:build wasip1

package abi

import (
	"fmt"
	"sync"
	"unsafe"
)

// MaxTotalAllocations caps the memory pinned for the host at any time.
const MaxTotalAllocations = 100 * 1024 * 1024 // 100 MB

// pinned keeps allocated slices reachable so the GC does not collect memory
// the host is still writing into.
var pinned = struct {
	sync.Mutex
	ptrs  map[uint32][]byte
	total int
}{
	ptrs: make(map[uint32][]byte),
}

//go:wasmexport allocate
func allocate(size uint32) uint32 {
	if size == 0 {
		return 0
	}

	pinned.Lock()
	defer pinned.Unlock()

	if pinned.total+int(size) > MaxTotalAllocations {
		panic(fmt.Sprintf("abi: allocation of %d bytes exceeds limit (%d of %d in use)", size, pinned.total, MaxTotalAllocations))
	}

	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	pinned.ptrs[ptr] = buf
	pinned.total += int(size)
	return ptr
}

//go:wasmexport deallocate
func deallocate(ptr uint32, _ uint32) {
	pinned.Lock()
	defer pinned.Unlock()

	buf, ok := pinned.ptrs[ptr]
	if !ok {
		return
	}
	delete(pinned.ptrs, ptr)
	pinned.total = max(pinned.total-len(buf), 0)
}

// PtrFromBytes copies data into pinned memory and returns it packed.
func PtrFromBytes(data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	size := uint32(len(data))
	ptr := allocate(size)
	//nolint:gosec // G103: linear memory offsets are addresses
	copy(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), size), data)
	return PackPtrLen(ptr, size)
}

// BytesFromPtr copies the packed region out of linear memory and releases it.
func BytesFromPtr(packed uint64) []byte {
	ptr, length, err := UnpackPtrLen(packed)
	if err != nil || ptr == 0 {
		return nil
	}
	out := make([]byte, length)
	//nolint:gosec // G103: linear memory offsets are addresses
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length))
	deallocate(ptr, length)
	return out
}

// DeallocatePacked releases memory returned by PtrFromBytes once the host
// call using it has returned.
func DeallocatePacked(packed uint64) {
	if ptr, length, err := UnpackPtrLen(packed); err == nil && ptr != 0 {
		deallocate(ptr, length)
	}
}
