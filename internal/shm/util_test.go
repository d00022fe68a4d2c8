package shm

import "unsafe"

// unsafeBytes views a word slice as bytes so tests get aligned backing memory.
func unsafeBytes(words []uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*4)
}
