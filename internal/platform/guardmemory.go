package platform

import (
	"fmt"
	"math/bits"
	"runtime/debug"
)

// GuardedBuffer backs one Wasm linear memory with a single large
// reservation: Reserve bytes of PROT_NONE address space, of which the first
// Len bytes are committed read-write. Grow extends the committed prefix
// in-place (no copy, no relocation of in-flight pointers into the buffer),
// and any access past Len but within Reserve faults instead of reading
// adjacent heap memory.
type GuardedBuffer struct {
	region  []byte
	len     int
	maxByte int
}

// FullGuardReserve is the reservation that makes bounds checks for 32-bit
// Wasm memories implicit: any u32 address plus u32 static offset plus the
// widest access lands inside it, hitting either committed pages or the
// PROT_NONE tail.
const FullGuardReserve = 1<<33 + 1<<16

// GuardReservationSupported reports whether the host can afford the full
// 8GiB+64KiB PROT_NONE reservation per memory (64-bit address space and a
// real mmap). When false, memories fall back to explicit bounds checks in
// every tier.
func GuardReservationSupported() bool {
	return bits.UintSize == 64 && guardMmapAvailable
}

// NewGuardedBuffer reserves reserveBytes of guarded address space and
// commits the first initialBytes read-write. reserveBytes is at least the
// Wasm memory type's maximum in bytes, and for 32-bit memories on 64-bit
// hosts the caller passes FullGuardReserve so out-of-bounds accesses are
// caught by the hardware rather than by explicit checks.
func NewGuardedBuffer(initialBytes, reserveBytes int) (*GuardedBuffer, error) {
	if reserveBytes < initialBytes {
		reserveBytes = initialBytes
	}
	region, err := mmapGuardRegion(reserveBytes)
	if err != nil {
		return nil, err
	}
	if err := mmapCommitPrefix(region, initialBytes); err != nil {
		_ = munmapRegion(region)
		return nil, err
	}
	return &GuardedBuffer{region: region, len: initialBytes, maxByte: reserveBytes}, nil
}

// Base returns the reservation's base pointer, used by the register
// interpreter's unchecked fast-path accesses. The JIT does not use it: its
// native code bounds-checks every access against the memory length.
func (g *GuardedBuffer) Base() *byte {
	if len(g.region) == 0 {
		return nil
	}
	return &g.region[0]
}

// Bytes returns the committed prefix. The returned slice is only valid
// until the next Grow or Close call.
func (g *GuardedBuffer) Bytes() []byte { return g.region[:g.len] }

// Len returns the number of committed bytes.
func (g *GuardedBuffer) Len() int { return g.len }

// Cap returns the reserved (guard region) size in bytes.
func (g *GuardedBuffer) Cap() int { return g.maxByte }

// Grow commits additional bytes, up to Cap. It returns an error if the
// request would exceed the reservation; callers are expected to have
// checked this against the Wasm-level memory.grow maximum already.
func (g *GuardedBuffer) Grow(additionalBytes int) error {
	newLen := g.len + additionalBytes
	if newLen > g.maxByte {
		return fmt.Errorf("platform: grow exceeds reserved guard region (%d > %d)", newLen, g.maxByte)
	}
	if err := mmapCommitPrefix(g.region, newLen); err != nil {
		return err
	}
	g.len = newLen
	return nil
}

// Close releases the mapping.
func (g *GuardedBuffer) Close() error {
	if g.region == nil {
		return nil
	}
	err := munmapRegion(g.region)
	g.region = nil
	return err
}

// WithFaultRecovery runs fn with Go's runtime configured to turn a
// dereference of invalid memory (the hardware SIGSEGV/SIGBUS a guard-page
// overrun raises) into a recoverable panic instead of a fatal crash, via
// runtime/debug.SetPanicOnFault. onFault is invoked, in place of the
// original panic, whenever that recovered panic looks like a real
// out-of-bounds access rather than an ordinary Go panic.
//
// This is the mechanism spec.md's guard-paged memory design depends on:
// a register-interpreter load/store computes a raw, unchecked pointer into
// GuardedBuffer.region, and relies on the OS (not an explicit bounds
// check) to catch an out-of-range access. JIT-compiled code does not run
// under it; it checks bounds explicitly.
func WithFaultRecovery(fn func(), onFault func()) {
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(interface{ Addr() uintptr }); ok {
				onFault()
				return
			}
			panic(r)
		}
	}()
	fn()
}
