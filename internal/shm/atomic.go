package shm

import (
	"sync/atomic"
	"unsafe"
)

// Load32 atomically loads the 32-bit word at off in mem. off must be 4-byte aligned relative to a
// page-aligned mapping.
func Load32(mem []byte, off uint32) uint32 {
	_ = mem[off : off+4]
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&mem[off])))
}

// Store32 atomically stores v at off in mem.
func Store32(mem []byte, off uint32, v uint32) {
	_ = mem[off : off+4]
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&mem[off])), v)
}

// Aligned32 reports whether the word at off in mem is naturally aligned.
func Aligned32(mem []byte, off uint32) bool {
	return uintptr(unsafe.Pointer(&mem[off]))%4 == 0
}
