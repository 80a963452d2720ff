package interpreter

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/shoalwasm/shoal/api"
	"github.com/shoalwasm/shoal/internal/shoalir"
	"github.com/shoalwasm/shoal/internal/wasm"
	"github.com/shoalwasm/shoal/internal/wasmruntime"
)

// stepNumeric executes the arithmetic, comparison, conversion, GC, SIMD
// and atomic records.
func (f *callFrame) stepNumeric(in shoalir.Instr) error {
	switch in.Op {
	// ---- i32 ----
	case shoalir.OpI32Eqz:
		f.pushBool(uint32(f.pop()) == 0)
	case shoalir.OpI32Eq:
		b, a := uint32(f.pop()), uint32(f.pop())
		f.pushBool(a == b)
	case shoalir.OpI32Ne:
		b, a := uint32(f.pop()), uint32(f.pop())
		f.pushBool(a != b)
	case shoalir.OpI32LtS:
		b, a := int32(f.pop()), int32(f.pop())
		f.pushBool(a < b)
	case shoalir.OpI32LtU:
		b, a := uint32(f.pop()), uint32(f.pop())
		f.pushBool(a < b)
	case shoalir.OpI32GtS:
		b, a := int32(f.pop()), int32(f.pop())
		f.pushBool(a > b)
	case shoalir.OpI32GtU:
		b, a := uint32(f.pop()), uint32(f.pop())
		f.pushBool(a > b)
	case shoalir.OpI32LeS:
		b, a := int32(f.pop()), int32(f.pop())
		f.pushBool(a <= b)
	case shoalir.OpI32LeU:
		b, a := uint32(f.pop()), uint32(f.pop())
		f.pushBool(a <= b)
	case shoalir.OpI32GeS:
		b, a := int32(f.pop()), int32(f.pop())
		f.pushBool(a >= b)
	case shoalir.OpI32GeU:
		b, a := uint32(f.pop()), uint32(f.pop())
		f.pushBool(a >= b)
	case shoalir.OpI32Clz:
		f.push(uint64(bits.LeadingZeros32(uint32(f.pop()))))
	case shoalir.OpI32Ctz:
		f.push(uint64(bits.TrailingZeros32(uint32(f.pop()))))
	case shoalir.OpI32Popcnt:
		f.push(uint64(bits.OnesCount32(uint32(f.pop()))))
	case shoalir.OpI32Add:
		b, a := uint32(f.pop()), uint32(f.pop())
		f.push(uint64(a + b))
	case shoalir.OpI32Sub:
		b, a := uint32(f.pop()), uint32(f.pop())
		f.push(uint64(a - b))
	case shoalir.OpI32Mul:
		b, a := uint32(f.pop()), uint32(f.pop())
		f.push(uint64(a * b))
	case shoalir.OpI32DivS:
		b, a := int32(f.pop()), int32(f.pop())
		if b == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		if a == math.MinInt32 && b == -1 {
			panic(wasmruntime.ErrRuntimeIntegerOverflow)
		}
		f.push(uint64(uint32(a / b)))
	case shoalir.OpI32DivU:
		b, a := uint32(f.pop()), uint32(f.pop())
		if b == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		f.push(uint64(a / b))
	case shoalir.OpI32RemS:
		b, a := int32(f.pop()), int32(f.pop())
		if b == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		if a == math.MinInt32 && b == -1 {
			f.push(0)
		} else {
			f.push(uint64(uint32(a % b)))
		}
	case shoalir.OpI32RemU:
		b, a := uint32(f.pop()), uint32(f.pop())
		if b == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		f.push(uint64(a % b))
	case shoalir.OpI32And:
		b, a := uint32(f.pop()), uint32(f.pop())
		f.push(uint64(a & b))
	case shoalir.OpI32Or:
		b, a := uint32(f.pop()), uint32(f.pop())
		f.push(uint64(a | b))
	case shoalir.OpI32Xor:
		b, a := uint32(f.pop()), uint32(f.pop())
		f.push(uint64(a ^ b))
	case shoalir.OpI32Shl:
		b, a := uint32(f.pop()), uint32(f.pop())
		f.push(uint64(a << (b % 32)))
	case shoalir.OpI32ShrS:
		b, a := uint32(f.pop()), int32(f.pop())
		f.push(uint64(uint32(a >> (b % 32))))
	case shoalir.OpI32ShrU:
		b, a := uint32(f.pop()), uint32(f.pop())
		f.push(uint64(a >> (b % 32)))
	case shoalir.OpI32Rotl:
		b, a := uint32(f.pop()), uint32(f.pop())
		f.push(uint64(bits.RotateLeft32(a, int(b%32))))
	case shoalir.OpI32Rotr:
		b, a := uint32(f.pop()), uint32(f.pop())
		f.push(uint64(bits.RotateLeft32(a, -int(b%32))))

	// ---- i64 ----
	case shoalir.OpI64Eqz:
		f.pushBool(f.pop() == 0)
	case shoalir.OpI64Eq:
		b, a := f.pop(), f.pop()
		f.pushBool(a == b)
	case shoalir.OpI64Ne:
		b, a := f.pop(), f.pop()
		f.pushBool(a != b)
	case shoalir.OpI64LtS:
		b, a := int64(f.pop()), int64(f.pop())
		f.pushBool(a < b)
	case shoalir.OpI64LtU:
		b, a := f.pop(), f.pop()
		f.pushBool(a < b)
	case shoalir.OpI64GtS:
		b, a := int64(f.pop()), int64(f.pop())
		f.pushBool(a > b)
	case shoalir.OpI64GtU:
		b, a := f.pop(), f.pop()
		f.pushBool(a > b)
	case shoalir.OpI64LeS:
		b, a := int64(f.pop()), int64(f.pop())
		f.pushBool(a <= b)
	case shoalir.OpI64LeU:
		b, a := f.pop(), f.pop()
		f.pushBool(a <= b)
	case shoalir.OpI64GeS:
		b, a := int64(f.pop()), int64(f.pop())
		f.pushBool(a >= b)
	case shoalir.OpI64GeU:
		b, a := f.pop(), f.pop()
		f.pushBool(a >= b)
	case shoalir.OpI64Clz:
		f.push(uint64(bits.LeadingZeros64(f.pop())))
	case shoalir.OpI64Ctz:
		f.push(uint64(bits.TrailingZeros64(f.pop())))
	case shoalir.OpI64Popcnt:
		f.push(uint64(bits.OnesCount64(f.pop())))
	case shoalir.OpI64Add:
		b, a := f.pop(), f.pop()
		f.push(a + b)
	case shoalir.OpI64Sub:
		b, a := f.pop(), f.pop()
		f.push(a - b)
	case shoalir.OpI64Mul:
		b, a := f.pop(), f.pop()
		f.push(a * b)
	case shoalir.OpI64DivS:
		b, a := int64(f.pop()), int64(f.pop())
		if b == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		if a == math.MinInt64 && b == -1 {
			panic(wasmruntime.ErrRuntimeIntegerOverflow)
		}
		f.push(uint64(a / b))
	case shoalir.OpI64DivU:
		b, a := f.pop(), f.pop()
		if b == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		f.push(a / b)
	case shoalir.OpI64RemS:
		b, a := int64(f.pop()), int64(f.pop())
		if b == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		if a == math.MinInt64 && b == -1 {
			f.push(0)
		} else {
			f.push(uint64(a % b))
		}
	case shoalir.OpI64RemU:
		b, a := f.pop(), f.pop()
		if b == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		f.push(a % b)
	case shoalir.OpI64And:
		b, a := f.pop(), f.pop()
		f.push(a & b)
	case shoalir.OpI64Or:
		b, a := f.pop(), f.pop()
		f.push(a | b)
	case shoalir.OpI64Xor:
		b, a := f.pop(), f.pop()
		f.push(a ^ b)
	case shoalir.OpI64Shl:
		b, a := f.pop(), f.pop()
		f.push(a << (b % 64))
	case shoalir.OpI64ShrS:
		b, a := f.pop(), int64(f.pop())
		f.push(uint64(a >> (b % 64)))
	case shoalir.OpI64ShrU:
		b, a := f.pop(), f.pop()
		f.push(a >> (b % 64))
	case shoalir.OpI64Rotl:
		b, a := f.pop(), f.pop()
		f.push(bits.RotateLeft64(a, int(b%64)))
	case shoalir.OpI64Rotr:
		b, a := f.pop(), f.pop()
		f.push(bits.RotateLeft64(a, -int(b%64)))

	// ---- f32 ----
	case shoalir.OpF32Eq:
		b, a := f.popF32(), f.popF32()
		f.pushBool(a == b)
	case shoalir.OpF32Ne:
		b, a := f.popF32(), f.popF32()
		f.pushBool(a != b)
	case shoalir.OpF32Lt:
		b, a := f.popF32(), f.popF32()
		f.pushBool(a < b)
	case shoalir.OpF32Gt:
		b, a := f.popF32(), f.popF32()
		f.pushBool(a > b)
	case shoalir.OpF32Le:
		b, a := f.popF32(), f.popF32()
		f.pushBool(a <= b)
	case shoalir.OpF32Ge:
		b, a := f.popF32(), f.popF32()
		f.pushBool(a >= b)
	case shoalir.OpF32Abs:
		f.pushF32(float32(math.Abs(float64(f.popF32()))))
	case shoalir.OpF32Neg:
		f.pushF32(-f.popF32())
	case shoalir.OpF32Ceil:
		f.pushF32(float32(math.Ceil(float64(f.popF32()))))
	case shoalir.OpF32Floor:
		f.pushF32(float32(math.Floor(float64(f.popF32()))))
	case shoalir.OpF32Trunc:
		f.pushF32(float32(math.Trunc(float64(f.popF32()))))
	case shoalir.OpF32Nearest:
		f.pushF32(float32(math.RoundToEven(float64(f.popF32()))))
	case shoalir.OpF32Sqrt:
		f.pushF32(float32(math.Sqrt(float64(f.popF32()))))
	case shoalir.OpF32Add:
		b, a := f.popF32(), f.popF32()
		f.pushF32(a + b)
	case shoalir.OpF32Sub:
		b, a := f.popF32(), f.popF32()
		f.pushF32(a - b)
	case shoalir.OpF32Mul:
		b, a := f.popF32(), f.popF32()
		f.pushF32(a * b)
	case shoalir.OpF32Div:
		b, a := f.popF32(), f.popF32()
		f.pushF32(a / b)
	case shoalir.OpF32Min:
		b, a := f.popF32(), f.popF32()
		f.pushF32(float32(wasmMin(float64(a), float64(b))))
	case shoalir.OpF32Max:
		b, a := f.popF32(), f.popF32()
		f.pushF32(float32(wasmMax(float64(a), float64(b))))
	case shoalir.OpF32Copysign:
		b, a := f.popF32(), f.popF32()
		f.pushF32(float32(math.Copysign(float64(a), float64(b))))

	// ---- f64 ----
	case shoalir.OpF64Eq:
		b, a := f.popF64(), f.popF64()
		f.pushBool(a == b)
	case shoalir.OpF64Ne:
		b, a := f.popF64(), f.popF64()
		f.pushBool(a != b)
	case shoalir.OpF64Lt:
		b, a := f.popF64(), f.popF64()
		f.pushBool(a < b)
	case shoalir.OpF64Gt:
		b, a := f.popF64(), f.popF64()
		f.pushBool(a > b)
	case shoalir.OpF64Le:
		b, a := f.popF64(), f.popF64()
		f.pushBool(a <= b)
	case shoalir.OpF64Ge:
		b, a := f.popF64(), f.popF64()
		f.pushBool(a >= b)
	case shoalir.OpF64Abs:
		f.pushF64(math.Abs(f.popF64()))
	case shoalir.OpF64Neg:
		f.pushF64(-f.popF64())
	case shoalir.OpF64Ceil:
		f.pushF64(math.Ceil(f.popF64()))
	case shoalir.OpF64Floor:
		f.pushF64(math.Floor(f.popF64()))
	case shoalir.OpF64Trunc:
		f.pushF64(math.Trunc(f.popF64()))
	case shoalir.OpF64Nearest:
		f.pushF64(math.RoundToEven(f.popF64()))
	case shoalir.OpF64Sqrt:
		f.pushF64(math.Sqrt(f.popF64()))
	case shoalir.OpF64Add:
		b, a := f.popF64(), f.popF64()
		f.pushF64(a + b)
	case shoalir.OpF64Sub:
		b, a := f.popF64(), f.popF64()
		f.pushF64(a - b)
	case shoalir.OpF64Mul:
		b, a := f.popF64(), f.popF64()
		f.pushF64(a * b)
	case shoalir.OpF64Div:
		b, a := f.popF64(), f.popF64()
		f.pushF64(a / b)
	case shoalir.OpF64Min:
		b, a := f.popF64(), f.popF64()
		f.pushF64(wasmMin(a, b))
	case shoalir.OpF64Max:
		b, a := f.popF64(), f.popF64()
		f.pushF64(wasmMax(a, b))
	case shoalir.OpF64Copysign:
		b, a := f.popF64(), f.popF64()
		f.pushF64(math.Copysign(a, b))

	// ---- conversions ----
	case shoalir.OpI32WrapI64:
		f.push(uint64(uint32(f.pop())))
	case shoalir.OpI32TruncF32S:
		f.push(uint64(uint32(truncF64ToI32(float64(f.popF32())))))
	case shoalir.OpI32TruncF32U:
		f.push(uint64(truncF64ToU32(float64(f.popF32()))))
	case shoalir.OpI32TruncF64S:
		f.push(uint64(uint32(truncF64ToI32(f.popF64()))))
	case shoalir.OpI32TruncF64U:
		f.push(uint64(truncF64ToU32(f.popF64())))
	case shoalir.OpI64ExtendI32S:
		f.push(uint64(int64(int32(f.pop()))))
	case shoalir.OpI64ExtendI32U:
		f.push(uint64(uint32(f.pop())))
	case shoalir.OpI64TruncF32S:
		f.push(uint64(truncF64ToI64(float64(f.popF32()))))
	case shoalir.OpI64TruncF32U:
		f.push(truncF64ToU64(float64(f.popF32())))
	case shoalir.OpI64TruncF64S:
		f.push(uint64(truncF64ToI64(f.popF64())))
	case shoalir.OpI64TruncF64U:
		f.push(truncF64ToU64(f.popF64()))
	case shoalir.OpF32ConvertI32S:
		f.pushF32(float32(int32(f.pop())))
	case shoalir.OpF32ConvertI32U:
		f.pushF32(float32(uint32(f.pop())))
	case shoalir.OpF32ConvertI64S:
		f.pushF32(float32(int64(f.pop())))
	case shoalir.OpF32ConvertI64U:
		f.pushF32(float32(f.pop()))
	case shoalir.OpF32DemoteF64:
		f.pushF32(float32(f.popF64()))
	case shoalir.OpF64ConvertI32S:
		f.pushF64(float64(int32(f.pop())))
	case shoalir.OpF64ConvertI32U:
		f.pushF64(float64(uint32(f.pop())))
	case shoalir.OpF64ConvertI64S:
		f.pushF64(float64(int64(f.pop())))
	case shoalir.OpF64ConvertI64U:
		f.pushF64(float64(f.pop()))
	case shoalir.OpF64PromoteF32:
		f.pushF64(float64(f.popF32()))
	case shoalir.OpI32ReinterpretF32, shoalir.OpI64ReinterpretF64,
		shoalir.OpF32ReinterpretI32, shoalir.OpF64ReinterpretI64:
		// Bit patterns already live on the stack unchanged.

	case shoalir.OpI32Extend8S:
		f.push(uint64(uint32(int32(int8(f.pop())))))
	case shoalir.OpI32Extend16S:
		f.push(uint64(uint32(int32(int16(f.pop())))))
	case shoalir.OpI64Extend8S:
		f.push(uint64(int64(int8(f.pop()))))
	case shoalir.OpI64Extend16S:
		f.push(uint64(int64(int16(f.pop()))))
	case shoalir.OpI64Extend32S:
		f.push(uint64(int64(int32(f.pop()))))

	case shoalir.OpI32TruncSatF32S:
		f.push(uint64(uint32(satF64ToI32(float64(f.popF32())))))
	case shoalir.OpI32TruncSatF32U:
		f.push(uint64(satF64ToU32(float64(f.popF32()))))
	case shoalir.OpI32TruncSatF64S:
		f.push(uint64(uint32(satF64ToI32(f.popF64()))))
	case shoalir.OpI32TruncSatF64U:
		f.push(uint64(satF64ToU32(f.popF64())))
	case shoalir.OpI64TruncSatF32S:
		f.push(uint64(satF64ToI64(float64(f.popF32()))))
	case shoalir.OpI64TruncSatF32U:
		f.push(satF64ToU64(float64(f.popF32())))
	case shoalir.OpI64TruncSatF64S:
		f.push(uint64(satF64ToI64(f.popF64())))
	case shoalir.OpI64TruncSatF64U:
		f.push(satF64ToU64(f.popF64()))

	default:
		return f.stepHeapOrVec(in)
	}
	return nil
}

// stepHeapOrVec executes the GC, SIMD and atomic records.
func (f *callFrame) stepHeapOrVec(in shoalir.Instr) error {
	heap := &f.inst.Store.GCHeap
	switch in.Op {
	// ---- GC ----
	case shoalir.OpStructNew, shoalir.OpStructNewDefault:
		ct := f.inst.Source.TypeOfIndex(in.Operand)
		n := len(ct.StructType.Fields)
		fields := make([]uint64, n)
		if in.Op == shoalir.OpStructNew {
			copy(fields, f.stk[len(f.stk)-n:])
			f.stk = f.stk[:len(f.stk)-n]
		}
		f.push(wasm.GCRefFromIndex(heap.Alloc(&wasm.GCObject{TypeID: ct.TypeID, Fields: fields})))
	case shoalir.OpStructGet:
		obj, err := heap.Deref(f.pop())
		if err != nil {
			panic(err)
		}
		f.push(obj.Fields[in.Extra])
	case shoalir.OpStructSet:
		v := f.pop()
		obj, err := heap.Deref(f.pop())
		if err != nil {
			panic(err)
		}
		obj.Fields[in.Extra] = v
	case shoalir.OpArrayNew, shoalir.OpArrayNewDefault:
		ct := f.inst.Source.TypeOfIndex(in.Operand)
		n := uint32(f.pop())
		var fill uint64
		if in.Op == shoalir.OpArrayNew {
			fill = f.pop()
		}
		elems := make([]uint64, n)
		if fill != 0 {
			for i := range elems {
				elems[i] = fill
			}
		}
		f.push(wasm.GCRefFromIndex(heap.Alloc(&wasm.GCObject{TypeID: ct.TypeID, Fields: elems, Array: true})))
	case shoalir.OpArrayNewFixed:
		ct := f.inst.Source.TypeOfIndex(in.Operand)
		n := int(in.Extra)
		elems := make([]uint64, n)
		copy(elems, f.stk[len(f.stk)-n:])
		f.stk = f.stk[:len(f.stk)-n]
		f.push(wasm.GCRefFromIndex(heap.Alloc(&wasm.GCObject{TypeID: ct.TypeID, Fields: elems, Array: true})))
	case shoalir.OpArrayGet:
		idx := uint32(f.pop())
		obj, err := heap.Deref(f.pop())
		if err != nil {
			panic(err)
		}
		if idx >= uint32(len(obj.Fields)) {
			panic(wasmruntime.ErrRuntimeInvalidArrayAccess)
		}
		f.push(obj.Fields[idx])
	case shoalir.OpArraySet:
		v := f.pop()
		idx := uint32(f.pop())
		obj, err := heap.Deref(f.pop())
		if err != nil {
			panic(err)
		}
		if idx >= uint32(len(obj.Fields)) {
			panic(wasmruntime.ErrRuntimeInvalidArrayAccess)
		}
		obj.Fields[idx] = v
	case shoalir.OpArrayLen:
		obj, err := heap.Deref(f.pop())
		if err != nil {
			panic(err)
		}
		f.push(uint64(len(obj.Fields)))
	case shoalir.OpArrayFill:
		n := uint32(f.pop())
		v := f.pop()
		offset := uint32(f.pop())
		obj, err := heap.Deref(f.pop())
		if err != nil {
			panic(err)
		}
		if uint64(offset)+uint64(n) > uint64(len(obj.Fields)) {
			panic(wasmruntime.ErrRuntimeInvalidArrayAccess)
		}
		for i := offset; i < offset+n; i++ {
			obj.Fields[i] = v
		}
	case shoalir.OpRefTest:
		f.pushBool(f.refMatches(f.pop(), in))
	case shoalir.OpRefCast:
		r := f.pop()
		if !f.refMatches(r, in) {
			panic(wasmruntime.ErrRuntimeCastFailure)
		}
		f.push(r)
	case shoalir.OpRefI31:
		f.push(wasm.I31Ref(uint32(f.pop())))
	case shoalir.OpI31GetS:
		f.push(uint64(uint32(int32(wasm.I31Value(i31From(f.pop()), true)))))
	case shoalir.OpI31GetU:
		f.push(uint64(wasm.I31Value(i31From(f.pop()), false)))

	// ---- SIMD ----
	case shoalir.OpV128Const:
		f.push(f.code.Pool[in.Operand])
		f.push(f.code.Pool[in.Operand+1])
	case shoalir.OpV128Load:
		b := f.memView(in, 16)
		f.push(binary.LittleEndian.Uint64(b))
		f.push(binary.LittleEndian.Uint64(b[8:]))
	case shoalir.OpV128Store:
		hi, lo := f.pop(), f.pop()
		b := f.memView(in, 16)
		binary.LittleEndian.PutUint64(b, lo)
		binary.LittleEndian.PutUint64(b[8:], hi)
	case shoalir.OpI8x16Splat:
		v := uint64(byte(f.pop()))
		w := v * 0x0101010101010101
		f.push(w)
		f.push(w)
	case shoalir.OpI16x8Splat:
		v := uint64(uint16(f.pop()))
		w := v * 0x0001000100010001
		f.push(w)
		f.push(w)
	case shoalir.OpI32x4Splat:
		v := uint64(uint32(f.pop()))
		w := v | v<<32
		f.push(w)
		f.push(w)
	case shoalir.OpI64x2Splat:
		v := f.pop()
		f.push(v)
		f.push(v)
	case shoalir.OpF32x4Splat:
		v := uint64(uint32(f.pop()))
		w := v | v<<32
		f.push(w)
		f.push(w)
	case shoalir.OpF64x2Splat:
		v := f.pop()
		f.push(v)
		f.push(v)
	case shoalir.OpI8x16Shuffle:
		bHi, bLo := f.pop(), f.pop()
		aHi, aLo := f.pop(), f.pop()
		var src [32]byte
		binary.LittleEndian.PutUint64(src[0:], aLo)
		binary.LittleEndian.PutUint64(src[8:], aHi)
		binary.LittleEndian.PutUint64(src[16:], bLo)
		binary.LittleEndian.PutUint64(src[24:], bHi)
		var dst [16]byte
		maskLo := f.code.Pool[in.Operand]
		maskHi := f.code.Pool[in.Operand+1]
		var mask [16]byte
		binary.LittleEndian.PutUint64(mask[0:], maskLo)
		binary.LittleEndian.PutUint64(mask[8:], maskHi)
		for i := 0; i < 16; i++ {
			dst[i] = src[mask[i]&31]
		}
		f.push(binary.LittleEndian.Uint64(dst[0:]))
		f.push(binary.LittleEndian.Uint64(dst[8:]))
	case shoalir.OpV128Not:
		hi, lo := f.pop(), f.pop()
		f.push(^lo)
		f.push(^hi)
	case shoalir.OpV128And, shoalir.OpV128Or, shoalir.OpV128Xor:
		bHi, bLo := f.pop(), f.pop()
		aHi, aLo := f.pop(), f.pop()
		switch in.Op {
		case shoalir.OpV128And:
			f.push(aLo & bLo)
			f.push(aHi & bHi)
		case shoalir.OpV128Or:
			f.push(aLo | bLo)
			f.push(aHi | bHi)
		default:
			f.push(aLo ^ bLo)
			f.push(aHi ^ bHi)
		}
	case shoalir.OpI32x4Add, shoalir.OpI32x4Sub, shoalir.OpI32x4Mul:
		bHi, bLo := f.pop(), f.pop()
		aHi, aLo := f.pop(), f.pop()
		f.push(laneI32Op(aLo, bLo, in.Op))
		f.push(laneI32Op(aHi, bHi, in.Op))
	case shoalir.OpI64x2Add:
		bHi, bLo := f.pop(), f.pop()
		aHi, aLo := f.pop(), f.pop()
		f.push(aLo + bLo)
		f.push(aHi + bHi)
	case shoalir.OpI64x2Sub:
		bHi, bLo := f.pop(), f.pop()
		aHi, aLo := f.pop(), f.pop()
		f.push(aLo - bLo)
		f.push(aHi - bHi)
	case shoalir.OpF32x4Add, shoalir.OpF32x4Sub:
		bHi, bLo := f.pop(), f.pop()
		aHi, aLo := f.pop(), f.pop()
		f.push(laneF32Op(aLo, bLo, in.Op == shoalir.OpF32x4Sub))
		f.push(laneF32Op(aHi, bHi, in.Op == shoalir.OpF32x4Sub))
	case shoalir.OpF64x2Add, shoalir.OpF64x2Sub:
		bHi, bLo := f.pop(), f.pop()
		aHi, aLo := f.pop(), f.pop()
		if in.Op == shoalir.OpF64x2Add {
			f.push(math.Float64bits(math.Float64frombits(aLo) + math.Float64frombits(bLo)))
			f.push(math.Float64bits(math.Float64frombits(aHi) + math.Float64frombits(bHi)))
		} else {
			f.push(math.Float64bits(math.Float64frombits(aLo) - math.Float64frombits(bLo)))
			f.push(math.Float64bits(math.Float64frombits(aHi) - math.Float64frombits(bHi)))
		}

	// ---- atomics ----
	case shoalir.OpAtomicFence:
		// Single-VM execution: program order is already the memory order.
	case shoalir.OpAtomicNotify:
		f.pop() // waiter count
		f.alignedView(in, 4)
		f.push(0) // no parked waiters in a single-VM store
	case shoalir.OpAtomicWait32:
		f.pop() // timeout
		expected := uint32(f.pop())
		b := f.alignedView(in, 4)
		if binary.LittleEndian.Uint32(b) != expected {
			f.push(1) // "not-equal"
		} else {
			f.push(2) // "timed-out": nothing can wake a single-VM waiter
		}
	case shoalir.OpAtomicWait64:
		f.pop()
		expected := f.pop()
		b := f.alignedView(in, 8)
		if binary.LittleEndian.Uint64(b) != expected {
			f.push(1)
		} else {
			f.push(2)
		}
	case shoalir.OpAtomicI32Load:
		f.push(uint64(binary.LittleEndian.Uint32(f.alignedView(in, 4))))
	case shoalir.OpAtomicI64Load:
		f.push(binary.LittleEndian.Uint64(f.alignedView(in, 8)))
	case shoalir.OpAtomicI32Store:
		v := uint32(f.pop())
		binary.LittleEndian.PutUint32(f.alignedView(in, 4), v)
	case shoalir.OpAtomicI64Store:
		v := f.pop()
		binary.LittleEndian.PutUint64(f.alignedView(in, 8), v)
	case shoalir.OpAtomicI32RmwAdd:
		v := uint32(f.pop())
		b := f.alignedView(in, 4)
		old := binary.LittleEndian.Uint32(b)
		binary.LittleEndian.PutUint32(b, old+v)
		f.push(uint64(old))
	case shoalir.OpAtomicI64RmwAdd:
		v := f.pop()
		b := f.alignedView(in, 8)
		old := binary.LittleEndian.Uint64(b)
		binary.LittleEndian.PutUint64(b, old+v)
		f.push(old)

	default:
		return fmt.Errorf("BUG: unhandled predecoded op %d", in.Op)
	}
	return nil
}

// alignedView is memView plus the natural-alignment trap atomics require.
func (f *callFrame) alignedView(in shoalir.Instr, size uint64) []byte {
	mem := f.memAt(in.Extra)
	addr := f.pop()
	if !mem.Type().Is64 {
		addr = uint64(uint32(addr))
	}
	ea := addr + f.staticOffset(in)
	if ea%size != 0 {
		panic(wasmruntime.ErrRuntimeUnalignedAtomic)
	}
	b := mem.Bytes()
	if ea < addr || ea+size > uint64(len(b)) {
		panic(wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess)
	}
	return b[ea : ea+size]
}

// refMatches implements the ref.test/ref.cast predicate against a target
// heap type.
func (f *callFrame) refMatches(r wasm.Reference, in shoalir.Instr) bool {
	if r == wasm.RefNull {
		return in.Extra&1 != 0 // null allowed only for the nullable forms
	}
	if in.Operand == 0xffffffff { // abstract "any"
		return true
	}
	if wasm.IsI31(r) {
		return false
	}
	if wasm.RefKindOf(r) != wasm.RefTagGC {
		return false
	}
	obj := f.inst.Store.GCHeap.Get(wasm.GCIndexOfRef(r))
	target := f.inst.Source.TypeOfIndex(in.Operand).TypeID
	return obj.TypeID == target || f.inst.Store.TypeRegistry().IsSubtype(obj.TypeID, target)
}

func (f *callFrame) popF32() float32  { return api.DecodeF32(f.pop()) }
func (f *callFrame) pushF32(v float32) { f.push(api.EncodeF32(v)) }
func (f *callFrame) popF64() float64  { return api.DecodeF64(f.pop()) }
func (f *callFrame) pushF64(v float64) { f.push(api.EncodeF64(v)) }

func laneI32Op(a, b uint64, op shoalir.Op) uint64 {
	al, ah := uint32(a), uint32(a>>32)
	bl, bh := uint32(b), uint32(b>>32)
	switch op {
	case shoalir.OpI32x4Add:
		return uint64(al+bl) | uint64(ah+bh)<<32
	case shoalir.OpI32x4Sub:
		return uint64(al-bl) | uint64(ah-bh)<<32
	default:
		return uint64(al*bl) | uint64(ah*bh)<<32
	}
}

func laneF32Op(a, b uint64, sub bool) uint64 {
	al := math.Float32frombits(uint32(a))
	ah := math.Float32frombits(uint32(a >> 32))
	bl := math.Float32frombits(uint32(b))
	bh := math.Float32frombits(uint32(b >> 32))
	var rl, rh float32
	if sub {
		rl, rh = al-bl, ah-bh
	} else {
		rl, rh = al+bl, ah+bh
	}
	return uint64(math.Float32bits(rl)) | uint64(math.Float32bits(rh))<<32
}

// wasmMin and wasmMax implement the IEEE 754-2019 minimum/maximum the core
// spec requires: NaN propagates, and -0 orders below +0.
func wasmMin(a, b float64) float64 {
	if a != a || b != b {
		return math.NaN()
	}
	if a == b {
		if math.Signbit(a) {
			return a
		}
		return b
	}
	if a < b {
		return a
	}
	return b
}

func wasmMax(a, b float64) float64 {
	if a != a || b != b {
		return math.NaN()
	}
	if a == b {
		if math.Signbit(a) {
			return b
		}
		return a
	}
	if a > b {
		return a
	}
	return b
}
