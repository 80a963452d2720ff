// Package wasmruntime defines the sentinel errors describing why an
// invocation trapped or failed, mirroring the taxonomy in the engine's
// design document. These are the values a caller recovers after an engine
// panics out of an in-progress call; each engine's executor recovers the
// panic at its call boundary and returns it as a Go error.
package wasmruntime

import "errors"

var (
	// ErrRuntimeUnreachable is raised by the "unreachable" instruction.
	ErrRuntimeUnreachable = errors.New("unreachable")

	// ErrRuntimeCallStackOverflow means a call chain exceeded the configured
	// depth ceiling.
	ErrRuntimeCallStackOverflow = errors.New("stack overflow")

	// ErrRuntimeIntegerDivideByZero is raised by i32/i64 div_s, div_u, rem_s
	// or rem_u when the divisor is zero.
	ErrRuntimeIntegerDivideByZero = errors.New("integer divide by zero")

	// ErrRuntimeIntegerOverflow is raised by signed division overflow
	// (MinInt / -1) and by truncating float-to-int conversions whose result
	// is out of range.
	ErrRuntimeIntegerOverflow = errors.New("integer overflow")

	// ErrRuntimeInvalidConversionToInteger is raised by a truncating
	// float-to-int conversion whose operand is NaN.
	ErrRuntimeInvalidConversionToInteger = errors.New("invalid conversion to integer")

	// ErrRuntimeOutOfBoundsMemoryAccess is raised by any linear-memory load
	// or store whose effective address lies outside the accessible region,
	// whether detected by an explicit bounds check or recovered from a
	// guard-page fault.
	ErrRuntimeOutOfBoundsMemoryAccess = errors.New("out of bounds memory access")

	// ErrRuntimeInvalidTableAccess is raised by an out-of-bounds
	// table.get/set/init/copy, or by call_indirect against an out-of-range
	// table index.
	ErrRuntimeInvalidTableAccess = errors.New("invalid table access")

	// ErrRuntimeIndirectCallTypeMismatch is raised when call_indirect's
	// table entry resolves to a function whose global type ID does not
	// match the call site's declared type.
	ErrRuntimeIndirectCallTypeMismatch = errors.New("indirect call type mismatch")

	// ErrRuntimeUndefinedElement is raised when a table slot read by
	// call_indirect or table.get holds no element (was never initialized).
	ErrRuntimeUndefinedElement = errors.New("undefined element")

	// ErrRuntimeUninitializedElement is raised when an element segment
	// references a function index that could not be resolved at
	// instantiation.
	ErrRuntimeUninitializedElement = errors.New("uninitialized element")

	// ErrRuntimeNullReference is raised by call_ref, ref.as_non_null, struct
	// or array field access through a null reference.
	ErrRuntimeNullReference = errors.New("null reference")

	// ErrRuntimeFuelExhausted is raised when the per-VM fuel counter reaches
	// zero.
	ErrRuntimeFuelExhausted = errors.New("fuel exhausted")

	// ErrRuntimeUnalignedAtomic is raised when an atomic memory access's
	// effective address is not naturally aligned to its operand size.
	ErrRuntimeUnalignedAtomic = errors.New("unaligned atomic")

	// ErrRuntimeInvalidArrayAccess is raised by array.get/set/fill with an
	// index at or past the array's length.
	ErrRuntimeInvalidArrayAccess = errors.New("out of bounds array access")

	// ErrRuntimeCastFailure is raised by ref.cast (and i31 access through a
	// non-i31 reference) when the operand's runtime type does not reach the
	// target type.
	ErrRuntimeCastFailure = errors.New("cast failure")
)
