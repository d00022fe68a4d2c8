package shm

import "unsafe"

func unsafeWords(words []uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*4)
}
