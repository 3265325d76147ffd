package vm

import "unsafe"

// unsafeSliceFromPointer views the size bytes at addr as a []byte, purely
// so they can be handed to unix.Munmap, which wants back exactly the slice
// unix.Mmap handed out. It performs no bounds checking: callers must pass
// the same (addr, size) pair that was originally mapped.
func unsafeSliceFromPointer(addr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}
