// Package api includes constants and interfaces used by both end-users and
// internal implementations of the runtime.
package api

import (
	"context"
	"fmt"
	"math"
)

// ExternType classifies imports and exports with their respective types.
//
// See https://www.w3.org/TR/wasm-core-2/#external-types%E2%91%A0
type ExternType = byte

const (
	ExternTypeFunc   ExternType = 0x00
	ExternTypeTable  ExternType = 0x01
	ExternTypeMemory ExternType = 0x02
	ExternTypeGlobal ExternType = 0x03
	ExternTypeTag    ExternType = 0x04
)

const (
	ExternTypeFuncName   = "func"
	ExternTypeTableName  = "table"
	ExternTypeMemoryName = "memory"
	ExternTypeGlobalName = "global"
	ExternTypeTagName    = "tag"
)

// ExternTypeName returns the name of the WebAssembly Text Format field of
// the given external type.
func ExternTypeName(et ExternType) string {
	switch et {
	case ExternTypeFunc:
		return ExternTypeFuncName
	case ExternTypeTable:
		return ExternTypeTableName
	case ExternTypeMemory:
		return ExternTypeMemoryName
	case ExternTypeGlobal:
		return ExternTypeGlobalName
	case ExternTypeTag:
		return ExternTypeTagName
	}
	return fmt.Sprintf("%#x", et)
}

// ValueType describes a numeric type used in WebAssembly core 3.0 plus the
// reference-types, function-references, GC and exception-handling
// extensions. Function parameters, results, locals and globals are all
// declared using a ValueType.
//
// Conversion between Wasm and Go:
//
//   - ValueTypeI32 - uint64(uint32,int32)
//   - ValueTypeI64 - uint64(int64)
//   - ValueTypeF32 - EncodeF32 / DecodeF32
//   - ValueTypeF64 - EncodeF64 / DecodeF64
//   - ValueTypeV128 - two uint64 words, low bits first
//   - ValueTypeFuncref, ValueTypeExternref, ValueTypeExnref - a tagged
//     64-bit reference; see internal/wasm for the encoding.
//
// See https://www.w3.org/TR/wasm-core-2/#binary-valtype
type ValueType = byte

const (
	ValueTypeI32 ValueType = 0x7f
	ValueTypeI64 ValueType = 0x7e
	ValueTypeF32 ValueType = 0x7d
	ValueTypeF64 ValueType = 0x7c

	// ValueTypeV128 is a 128-bit vector lane, introduced by the SIMD proposal.
	ValueTypeV128 ValueType = 0x7b

	// ValueTypeFuncref is a nullable reference to a function.
	ValueTypeFuncref ValueType = 0x70

	// ValueTypeExternref is an opaque host reference.
	//
	// In this runtime, externref values are raw 64-bit pointers: the result
	// of uintptr(unsafe.Pointer(p)) for any Go pointer type p.
	ValueTypeExternref ValueType = 0x6f

	// ValueTypeExnref is a reference to an in-flight exception, introduced by
	// the exception-handling proposal.
	ValueTypeExnref ValueType = 0x69
)

// ValueTypeName returns the WebAssembly text format name of t, or "unknown".
func ValueTypeName(t ValueType) string {
	switch t {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	case ValueTypeV128:
		return "v128"
	case ValueTypeFuncref:
		return "funcref"
	case ValueTypeExternref:
		return "externref"
	case ValueTypeExnref:
		return "exnref"
	}
	return "unknown"
}

// EncodeF32 encodes the given float32 in IEEE 754 binary representation as a
// uint64 value, the type used to represent f32 on the value stack.
func EncodeF32(v float32) uint64 {
	return uint64(math.Float32bits(v))
}

// DecodeF32 decodes the given uint64 as a float32 via math.Float32frombits.
func DecodeF32(v uint64) float32 {
	return math.Float32frombits(uint32(v))
}

// EncodeF64 encodes the given float64 in IEEE 754 binary representation as a
// uint64 value.
func EncodeF64(v float64) uint64 {
	return math.Float64bits(v)
}

// DecodeF64 decodes the given uint64 as a float64 via math.Float64frombits.
func DecodeF64(v uint64) float64 {
	return math.Float64frombits(v)
}

// EncodeI32 encodes the given int32 as a uint64 value.
func EncodeI32(v int32) uint64 {
	return uint64(uint32(v))
}

// DecodeI32 decodes the given uint64 as an int32.
func DecodeI32(v uint64) int32 {
	return int32(v)
}

// Module is an instantiated WebAssembly module, returned by a Runtime's
// InstantiateModule.
//
// Note: This is an interface for decoupling, not third-party
// implementation. All implementations are in this module.
type Module interface {
	// Name is the name this module was instantiated with.
	Name() string

	// Memory returns the first memory defined in this module, or nil.
	Memory() Memory

	// ExportedFunction returns a function exported from this module, or nil.
	ExportedFunction(name string) Function

	// ExportedMemory returns a memory exported from this module, or nil.
	ExportedMemory(name string) Memory

	// ExportedGlobal returns a global exported from this module, or nil.
	ExportedGlobal(name string) Global

	// CloseWithExitCode releases resources allocated for this Module. A
	// non-zero exitCode surfaces to ExportedFunction callers as a
	// sys.ExitError.
	CloseWithExitCode(ctx context.Context, exitCode uint32) error

	Closer
}

// Closer closes a resource.
type Closer interface {
	Close(context.Context) error
}

// FunctionDefinition describes a function exported or imported by a
// CompiledModule, independent of any particular instantiation.
type FunctionDefinition interface {
	ModuleName() string
	Index() uint32
	Name() string
	DebugName() string
	Import() (moduleName, name string, isImport bool)
	ExportNames() []string

	// GoFunc returns the Go function or GoModuleFunc backing a host
	// function definition, or nil for a Wasm-defined function.
	GoFunc() interface{}
	ParamTypes() []ValueType
	ParamNames() []string
	ResultTypes() []ValueType
}

// Function is a WebAssembly function exported from an instantiated module.
type Function interface {
	Definition() FunctionDefinition

	// Call invokes the function with parameters encoded per ParamTypes,
	// returning results encoded per ResultTypes.
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// Global is a WebAssembly global exported from an instantiated module.
type Global interface {
	Type() ValueType
	Get() uint64
}

// MutableGlobal is a Global whose value can be updated at runtime.
type MutableGlobal interface {
	Global
	Set(v uint64)
}

// Memory allows restricted access to a module's linear memory.
//
// All multi-byte values are encoded little-endian, per the core
// specification. Reads and writes are explicitly bounds-checked; no access
// ever reads or writes past the end of the declared memory size.
type Memory interface {
	Size() uint32
	Grow(deltaPages uint32) (previousPages uint32, ok bool)

	ReadByte(offset uint32) (byte, bool)
	ReadUint16Le(offset uint32) (uint16, bool)
	ReadUint32Le(offset uint32) (uint32, bool)
	ReadFloat32Le(offset uint32) (float32, bool)
	ReadUint64Le(offset uint32) (uint64, bool)
	ReadFloat64Le(offset uint32) (float64, bool)

	// Read returns a write-through view of byteCount bytes at offset, or
	// false if the range is out of bounds.
	Read(offset, byteCount uint32) ([]byte, bool)

	WriteByte(offset uint32, v byte) bool
	WriteUint16Le(offset uint32, v uint16) bool
	WriteUint32Le(offset uint32, v uint32) bool
	WriteFloat32Le(offset uint32, v float32) bool
	WriteUint64Le(offset uint32, v uint64) bool
	WriteFloat64Le(offset uint32, v float64) bool
	Write(offset uint32, v []byte) bool
}

// GoModuleFunc is a function implemented by the embedder that reads its
// parameters and writes its results directly on the operand stack, in the
// same style as the runtime's own WASI host functions. stack is ordered
// params-then-results: on entry it holds the declared parameters with the
// last parameter at stack[len(params)-1]; on return the callee has
// overwritten stack[0:len(results)] with its results.
type GoModuleFunc interface {
	Call(ctx context.Context, mod Module, stack []uint64)
}

// GoModuleFunction adapts a plain function into a GoModuleFunc.
type GoModuleFunction func(ctx context.Context, mod Module, stack []uint64)

// Call implements GoModuleFunc.Call.
func (f GoModuleFunction) Call(ctx context.Context, mod Module, stack []uint64) {
	f(ctx, mod, stack)
}
