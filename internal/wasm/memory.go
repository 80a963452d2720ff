package wasm

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/shoalwasm/shoal/internal/platform"
	"github.com/shoalwasm/shoal/internal/wasmruntime"
)

// MemoryInstance is one linear memory, backed by a platform.GuardedBuffer
// so that the register interpreter's unchecked fast-path loads/stores can
// rely on a hardware fault rather than a software bounds check (see
// internal/platform.WithFaultRecovery, invoked by the register
// interpreter). The stack interpreter and the JIT bounds-check every
// access explicitly.
type MemoryInstance struct {
	mu     sync.RWMutex
	buf    *platform.GuardedBuffer
	typ    *MemoryType
	pageSizeBytes uint64
	guarded bool

	// ceiling is the effective max in bytes: min(declared max, configured
	// per-instance ceiling), enforced by Grow.
	ceilingBytes uint64
}

const defaultPageSize = 1 << 16

// NewMemoryInstance allocates and guard-reserves a linear memory sized per
// typ, clamped to ceilingPages if the module declares no maximum (or a
// larger one than the embedder allows).
func NewMemoryInstance(typ *MemoryType, ceilingPages uint64) (*MemoryInstance, error) {
	pageSize := uint64(defaultPageSize)
	if typ.PageSizeLog2 != DefaultPageSizeLog2 {
		pageSize = 1 << typ.PageSizeLog2
	}
	max := ceilingPages
	if typ.Limits.HasMax && typ.Limits.Max < max {
		max = typ.Limits.Max
	}
	if max < typ.Limits.Min {
		max = typ.Limits.Min
	}
	reserve := max * pageSize
	guarded := false
	// 32-bit memories get the full 8GiB+64KiB reservation so the register
	// interpreter's unchecked accesses are caught by the PROT_NONE tail.
	if !typ.Is64 && platform.GuardReservationSupported() {
		if reserve < platform.FullGuardReserve {
			reserve = platform.FullGuardReserve
		}
		guarded = true
	}
	buf, err := platform.NewGuardedBuffer(int(typ.Limits.Min*pageSize), int(reserve))
	if err != nil {
		return nil, err
	}
	return &MemoryInstance{
		buf: buf, typ: typ, pageSizeBytes: pageSize,
		ceilingBytes: max * pageSize, guarded: guarded,
	}, nil
}

// GuardActive reports whether out-of-bounds accesses through Base are
// guaranteed to fault inside the reservation rather than touch unrelated
// process memory; the register interpreter only takes the unchecked path
// when this holds. The JIT does not consult it and always bounds-checks.
func (m *MemoryInstance) GuardActive() bool { return m.guarded }

// Base returns the reservation's base pointer for the unchecked access
// path. Stable across Grow (the committed prefix extends in place).
func (m *MemoryInstance) Base() *byte { return m.buf.Base() }

// Type returns the memory's declared type.
func (m *MemoryInstance) Type() *MemoryType { return m.typ }

// PageSize returns the memory's page size in bytes (65536 unless the
// custom-page-sizes proposal set another).
func (m *MemoryInstance) PageSize() uint64 { return m.pageSizeBytes }

// Size returns the current size in pages.
func (m *MemoryInstance) Size() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint32(uint64(m.buf.Len()) / m.pageSizeBytes)
}

// Grow adds deltaPages pages, returning the previous size in pages, or
// false if doing so would exceed the instance's max.
func (m *MemoryInstance) Grow(deltaPages uint32) (previousPages uint32, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := uint64(m.buf.Len()) / m.pageSizeBytes
	newBytes := uint64(m.buf.Len()) + uint64(deltaPages)*m.pageSizeBytes
	if newBytes > m.ceilingBytes {
		return 0, false
	}
	if err := m.buf.Grow(int(uint64(deltaPages) * m.pageSizeBytes)); err != nil {
		return 0, false
	}
	return uint32(prev), true
}

// Bytes exposes the raw committed buffer for bulk operations
// (memory.copy/fill/init) and the embedding API's Read/Write; callers must
// hold no expectation of stability across a concurrent Grow.
func (m *MemoryInstance) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.buf.Bytes()
}

func (m *MemoryInstance) boundsCheck(offset uint64, size uint64) ([]byte, error) {
	b := m.Bytes()
	if offset+size > uint64(len(b)) || offset+size < offset {
		return nil, wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess
	}
	return b, nil
}

func (m *MemoryInstance) ReadByte(offset uint32) (byte, bool) {
	b, err := m.boundsCheck(uint64(offset), 1)
	if err != nil {
		return 0, false
	}
	return b[offset], true
}

func (m *MemoryInstance) WriteByte(offset uint32, v byte) bool {
	b, err := m.boundsCheck(uint64(offset), 1)
	if err != nil {
		return false
	}
	b[offset] = v
	return true
}

func (m *MemoryInstance) ReadUint16Le(offset uint32) (uint16, bool) {
	b, err := m.boundsCheck(uint64(offset), 2)
	if err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b[offset:]), true
}

func (m *MemoryInstance) WriteUint16Le(offset uint32, v uint16) bool {
	b, err := m.boundsCheck(uint64(offset), 2)
	if err != nil {
		return false
	}
	binary.LittleEndian.PutUint16(b[offset:], v)
	return true
}

func (m *MemoryInstance) ReadUint32Le(offset uint32) (uint32, bool) {
	b, err := m.boundsCheck(uint64(offset), 4)
	if err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b[offset:]), true
}

func (m *MemoryInstance) WriteUint32Le(offset uint32, v uint32) bool {
	b, err := m.boundsCheck(uint64(offset), 4)
	if err != nil {
		return false
	}
	binary.LittleEndian.PutUint32(b[offset:], v)
	return true
}

func (m *MemoryInstance) ReadUint64Le(offset uint32) (uint64, bool) {
	b, err := m.boundsCheck(uint64(offset), 8)
	if err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b[offset:]), true
}

func (m *MemoryInstance) WriteUint64Le(offset uint32, v uint64) bool {
	b, err := m.boundsCheck(uint64(offset), 8)
	if err != nil {
		return false
	}
	binary.LittleEndian.PutUint64(b[offset:], v)
	return true
}

func (m *MemoryInstance) ReadFloat32Le(offset uint32) (float32, bool) {
	v, ok := m.ReadUint32Le(offset)
	return math.Float32frombits(v), ok
}

func (m *MemoryInstance) WriteFloat32Le(offset uint32, v float32) bool {
	return m.WriteUint32Le(offset, math.Float32bits(v))
}

func (m *MemoryInstance) ReadFloat64Le(offset uint32) (float64, bool) {
	v, ok := m.ReadUint64Le(offset)
	return math.Float64frombits(v), ok
}

func (m *MemoryInstance) WriteFloat64Le(offset uint32, v float64) bool {
	return m.WriteUint64Le(offset, math.Float64bits(v))
}

func (m *MemoryInstance) Read(offset, length uint32) ([]byte, bool) {
	b, err := m.boundsCheck(uint64(offset), uint64(length))
	if err != nil {
		return nil, false
	}
	return b[offset : offset+length : offset+length], true
}

func (m *MemoryInstance) Write(offset uint32, v []byte) bool {
	b, err := m.boundsCheck(uint64(offset), uint64(len(v)))
	if err != nil {
		return false
	}
	copy(b[offset:], v)
	return true
}

func (m *MemoryInstance) Close() error { return m.buf.Close() }
