package wasm

import "github.com/shoalwasm/shoal/internal/wasmruntime"

// Reference is the 64-bit operand-stack encoding of any reference value.
//
// The word 0 always denotes null, regardless of reference kind. Non-null
// references carry a kind tag in bits 32..62 and a biased payload in the
// low 32 bits, so that a zero store address still encodes to a non-zero
// word. Unboxed i31 values instead set bit 63, which no tagged encoding
// uses, keeping the two schemes disjoint.
type Reference = uint64

const (
	// RefTagFuncref marks a funcref: payload is store function address + 1.
	RefTagFuncref uint64 = 1 << 32
	// RefTagExtern marks an externref: payload is an opaque host handle + 1.
	RefTagExtern uint64 = 2 << 32
	// RefTagGC marks a struct/array reference: payload is gc heap index + 1.
	RefTagGC uint64 = 3 << 32
	// RefTagExn marks an exnref: payload is exception arena index + 1.
	RefTagExn uint64 = 4 << 32

	refTagMask     uint64 = 0x7fffffff_00000000
	refPayloadMask uint64 = 0x00000000_ffffffff

	// refI31Flag is set on an unboxed i31; the 31-bit payload lives in bits
	// 0..30.
	refI31Flag uint64 = 1 << 63
)

// RefNull is the null reference of every kind.
const RefNull Reference = 0

// FuncrefFromAddr encodes a store function address as a funcref word.
func FuncrefFromAddr(addr Index) Reference {
	return (uint64(addr) + 1) | RefTagFuncref
}

// ExternrefFromHandle encodes an opaque host handle as an externref word.
func ExternrefFromHandle(handle uint32) Reference {
	return (uint64(handle) + 1) | RefTagExtern
}

// GCRefFromIndex encodes a gc heap index as a reference word.
func GCRefFromIndex(heapIdx uint32) Reference {
	return (uint64(heapIdx) + 1) | RefTagGC
}

// ExnrefFromIndex encodes an exception arena index as an exnref word.
func ExnrefFromIndex(arenaIdx uint32) Reference {
	return (uint64(arenaIdx) + 1) | RefTagExn
}

// I31Ref encodes the low 31 bits of v as an unboxed i31 reference.
func I31Ref(v uint32) Reference {
	return refI31Flag | uint64(v&0x7fffffff)
}

// IsI31 reports whether r is an unboxed i31.
func IsI31(r Reference) bool { return r&refI31Flag != 0 }

// I31Value returns the 31-bit payload of an i31 reference, sign- or
// zero-extended per signed.
func I31Value(r Reference, signed bool) uint32 {
	v := uint32(r & 0x7fffffff)
	if signed && v&0x40000000 != 0 {
		v |= 0x80000000
	}
	return v
}

// RefKindOf returns the tag bits of r (one of the RefTag constants), or 0
// for null and i31 references.
func RefKindOf(r Reference) uint64 {
	if r == RefNull || IsI31(r) {
		return 0
	}
	return r & refTagMask
}

// FuncAddrOfRef decodes a funcref word back to its store function address.
// The caller must have checked the word is non-null and funcref-tagged.
func FuncAddrOfRef(r Reference) Index {
	return Index(r&refPayloadMask) - 1
}

// GCIndexOfRef decodes a gc reference word back to its heap index.
func GCIndexOfRef(r Reference) uint32 {
	return uint32(r&refPayloadMask) - 1
}

// ExnIndexOfRef decodes an exnref word back to its arena index.
func ExnIndexOfRef(r Reference) uint32 {
	return uint32(r&refPayloadMask) - 1
}

// GCObject is one allocation on the store's append-only gc heap. Structs
// use one Fields slot per declared field; arrays use one slot per element,
// so len(Fields) is the element count.
type GCObject struct {
	TypeID TypeID
	Fields []uint64

	// Array is true for array allocations, whose Fields slice length is the
	// array length rather than a declared field count.
	Array bool
}

// GCHeap is the store's no-collect allocator: objects are appended and live
// until store teardown. Object identity is the heap index.
type GCHeap struct {
	objects []*GCObject
}

// Alloc appends obj and returns its heap index.
func (h *GCHeap) Alloc(obj *GCObject) uint32 {
	h.objects = append(h.objects, obj)
	return uint32(len(h.objects) - 1)
}

// Get dereferences a heap index. Callers pass indices decoded from a
// non-null gc reference, which are in range by construction.
func (h *GCHeap) Get(idx uint32) *GCObject { return h.objects[idx] }

// Deref decodes and dereferences a gc reference word, trapping on null.
func (h *GCHeap) Deref(r Reference) (*GCObject, error) {
	if r == RefNull {
		return nil, wasmruntime.ErrRuntimeNullReference
	}
	return h.objects[GCIndexOfRef(r)], nil
}

// ExceptionInstance is one thrown exception: the tag it was thrown with
// and the operand-stack slice captured at the throw site. Tag identity is
// pointer identity: importing a tag shares the defining module's *TagType,
// so cross-module catch matching needs no extra indirection.
type ExceptionInstance struct {
	Tag     *TagType
	Payload []uint64
}

// ThrownException carries an in-flight Wasm exception between frames and
// across engine tiers. It is an error only for transport: each caller frame
// checks for it and resumes the unwind against its own try_table labels;
// only at the top-level invoke boundary does it surface to the embedder as
// an uncaught-exception failure.
type ThrownException struct {
	Ref Reference
}

func (e *ThrownException) Error() string { return "uncaught exception" }

// ExnArena holds every exception object thrown during the store's
// lifetime; like the gc heap it is append-only.
type ExnArena struct {
	exns []*ExceptionInstance
}

// Alloc appends e and returns its exnref encoding.
func (a *ExnArena) Alloc(e *ExceptionInstance) Reference {
	a.exns = append(a.exns, e)
	return ExnrefFromIndex(uint32(len(a.exns) - 1))
}

// Get dereferences an exnref word, trapping on null.
func (a *ExnArena) Get(r Reference) (*ExceptionInstance, error) {
	if r == RefNull {
		return nil, wasmruntime.ErrRuntimeNullReference
	}
	return a.exns[ExnIndexOfRef(r)], nil
}
