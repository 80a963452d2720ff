package wasm

import "github.com/shoalwasm/shoal/internal/wasmruntime"

// TableInstance backs a single `table` definition: a resizable array of
// reference words (see reference.go for the encoding), indexed by
// table.get/set, call_indirect and the element-segment instantiation
// instructions. A zero word is a null reference.
type TableInstance struct {
	Type     *TableType
	elements []Reference
	max      uint64
}

// NewTableInstance allocates a table sized to its declared minimum,
// clamping its growable maximum to ceiling when the module declares none.
// Slots start null.
func NewTableInstance(typ *TableType, ceiling uint64) *TableInstance {
	max := ceiling
	if typ.Limits.HasMax && typ.Limits.Max < max {
		max = typ.Limits.Max
	}
	return &TableInstance{
		Type:     typ,
		elements: make([]Reference, typ.Limits.Min),
		max:      max,
	}
}

func (t *TableInstance) Size() uint32 { return uint32(len(t.elements)) }

// Grow appends delta slots initialized to init, returning the previous
// size, or false if the result would exceed the table's maximum.
func (t *TableInstance) Grow(delta uint32, init Reference) (previous uint32, ok bool) {
	prev := uint32(len(t.elements))
	newLen := uint64(prev) + uint64(delta)
	if newLen > t.max {
		return 0, false
	}
	grown := make([]Reference, newLen)
	copy(grown, t.elements)
	for i := uint64(prev); i < newLen; i++ {
		grown[i] = init
	}
	t.elements = grown
	return prev, true
}

// Get returns the reference word at i, for table.get.
func (t *TableInstance) Get(i uint32) (Reference, error) {
	if uint64(i) >= uint64(len(t.elements)) {
		return RefNull, wasmruntime.ErrRuntimeInvalidTableAccess
	}
	return t.elements[i], nil
}

// Set stores a reference word at i, for table.set.
func (t *TableInstance) Set(i uint32, r Reference) error {
	if uint64(i) >= uint64(len(t.elements)) {
		return wasmruntime.ErrRuntimeInvalidTableAccess
	}
	t.elements[i] = r
	return nil
}

// Lookup resolves slot i for call_indirect: an out-of-range index is an
// undefined element, a null slot an uninitialized one. Returns the store
// function address the slot's funcref encodes.
func (t *TableInstance) Lookup(i uint32) (Index, error) {
	if uint64(i) >= uint64(len(t.elements)) {
		return 0, wasmruntime.ErrRuntimeUndefinedElement
	}
	r := t.elements[i]
	if r == RefNull {
		return 0, wasmruntime.ErrRuntimeUninitializedElement
	}
	return FuncAddrOfRef(r), nil
}

// Fill sets [offset, offset+length) to a uniform reference, used by
// table.fill.
func (t *TableInstance) Fill(offset, length uint32, r Reference) error {
	if uint64(offset)+uint64(length) > uint64(len(t.elements)) {
		return wasmruntime.ErrRuntimeInvalidTableAccess
	}
	for i := offset; i < offset+length; i++ {
		t.elements[i] = r
	}
	return nil
}

// Init writes refs at offset, used by active element segments and
// table.init. The bounds check happens before any write so instantiation
// stays atomic.
func (t *TableInstance) Init(offset uint32, refs []Reference) error {
	if uint64(offset)+uint64(len(refs)) > uint64(len(t.elements)) {
		return wasmruntime.ErrRuntimeInvalidTableAccess
	}
	copy(t.elements[offset:], refs)
	return nil
}

// CopyWithinTable implements table.copy between two (possibly identical)
// tables. Go's copy handles overlap within one table correctly.
func CopyWithinTable(dst *TableInstance, dstOffset uint32, src *TableInstance, srcOffset, length uint32) error {
	if uint64(dstOffset)+uint64(length) > uint64(len(dst.elements)) ||
		uint64(srcOffset)+uint64(length) > uint64(len(src.elements)) {
		return wasmruntime.ErrRuntimeInvalidTableAccess
	}
	copy(dst.elements[dstOffset:dstOffset+length], src.elements[srcOffset:srcOffset+length])
	return nil
}
