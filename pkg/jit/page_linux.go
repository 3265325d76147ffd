//go:build linux && amd64

package jit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapRW anonymously maps size bytes, rounded up to page granularity by the
// kernel, read-write. The W^X transition to read-execute happens only
// after the encoder has finished writing into it, via mprotectRX.
func mapRW(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("jit: mmap: %w", err)
	}
	return mem, nil
}

// mprotectRX switches a previously RW-mapped page to read-execute. It must
// never be called on a page that is still being written.
func mprotectRX(mem []byte) error {
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("jit: mprotect: %w", err)
	}
	return nil
}

// unmap releases a page previously obtained from mapRW/mprotectRX. The
// caller must pass back a slice with the exact same length the page was
// mapped with.
func unmap(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("jit: munmap: %w", err)
	}
	return nil
}
