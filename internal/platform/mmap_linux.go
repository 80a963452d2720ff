//go:build linux || darwin

package platform

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// MmapCodeSegment copies size bytes from r into a fresh RW-then-RX mapping
// suitable for the JIT tier: written while writable, then mprotect'd to
// read+execute only once code generation for that page range is done (see
// internal/engine/compiler's W^X protocol).
func MmapCodeSegment(r io.Reader, size int) ([]byte, error) {
	if size == 0 {
		panic("BUG: MmapCodeSegment with zero length")
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	if _, err := io.ReadFull(r, b); err != nil {
		_ = unix.Munmap(b)
		return nil, err
	}
	if err := unix.Mprotect(b, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(b)
		return nil, fmt.Errorf("mprotect: %w", err)
	}
	return b, nil
}

// MunmapCodeSegment releases a mapping returned by MmapCodeSegment.
func MunmapCodeSegment(code []byte) error {
	if len(code) == 0 {
		panic("BUG: MunmapCodeSegment with zero length")
	}
	return unix.Munmap(code)
}

// RemapCodeSegmentWritable temporarily reopens a code mapping for writes, so
// the compiler can patch a direct-call fast-path target after the callee's
// address becomes known (lazy compilation / relocation fixups).
func RemapCodeSegmentWritable(code []byte) error {
	return unix.Mprotect(code, unix.PROT_READ|unix.PROT_WRITE)
}

// FinishWritingCodeSegment mprotects code back to read+execute after
// RemapCodeSegmentWritable.
func FinishWritingCodeSegment(code []byte) error {
	return unix.Mprotect(code, unix.PROT_READ|unix.PROT_EXEC)
}

// guardMmapAvailable is true where mmapGuardRegion reserves real PROT_NONE
// address space rather than falling back to a Go allocation.
const guardMmapAvailable = true

// mmapGuardRegion reserves size bytes of address space with no access
// rights: the "guard" behind a linear memory's committed prefix, so a
// runaway (but in-range-of-the-reservation) access still faults instead of
// landing on unrelated heap memory.
func mmapGuardRegion(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap guard region: %w", err)
	}
	return b, nil
}

func mmapCommitPrefix(region []byte, committedBytes int) error {
	if committedBytes == 0 {
		return nil
	}
	return unix.Mprotect(region[:committedBytes], unix.PROT_READ|unix.PROT_WRITE)
}

func munmapRegion(region []byte) error {
	return unix.Munmap(region)
}
