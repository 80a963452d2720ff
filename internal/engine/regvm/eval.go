package regvm

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/shoalwasm/shoal/api"
	"github.com/shoalwasm/shoal/internal/shoalir"
	"github.com/shoalwasm/shoal/internal/wasmruntime"
)

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// evalBinary computes a two-operand numeric op over register values,
// with exactly the stack interpreter's semantics (the round-trip property
// between tiers depends on it).
func evalBinary(op shoalir.Op, a, b uint64) uint64 {
	switch op {
	case shoalir.OpI32Eq:
		return b2u(uint32(a) == uint32(b))
	case shoalir.OpI32Ne:
		return b2u(uint32(a) != uint32(b))
	case shoalir.OpI32LtS:
		return b2u(int32(a) < int32(b))
	case shoalir.OpI32LtU:
		return b2u(uint32(a) < uint32(b))
	case shoalir.OpI32GtS:
		return b2u(int32(a) > int32(b))
	case shoalir.OpI32GtU:
		return b2u(uint32(a) > uint32(b))
	case shoalir.OpI32LeS:
		return b2u(int32(a) <= int32(b))
	case shoalir.OpI32LeU:
		return b2u(uint32(a) <= uint32(b))
	case shoalir.OpI32GeS:
		return b2u(int32(a) >= int32(b))
	case shoalir.OpI32GeU:
		return b2u(uint32(a) >= uint32(b))
	case shoalir.OpI32Add:
		return uint64(uint32(a) + uint32(b))
	case shoalir.OpI32Sub:
		return uint64(uint32(a) - uint32(b))
	case shoalir.OpI32Mul:
		return uint64(uint32(a) * uint32(b))
	case shoalir.OpI32DivS:
		x, y := int32(a), int32(b)
		if y == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		if x == math.MinInt32 && y == -1 {
			panic(wasmruntime.ErrRuntimeIntegerOverflow)
		}
		return uint64(uint32(x / y))
	case shoalir.OpI32DivU:
		if uint32(b) == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		return uint64(uint32(a) / uint32(b))
	case shoalir.OpI32RemS:
		x, y := int32(a), int32(b)
		if y == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		if x == math.MinInt32 && y == -1 {
			return 0
		}
		return uint64(uint32(x % y))
	case shoalir.OpI32RemU:
		if uint32(b) == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		return uint64(uint32(a) % uint32(b))
	case shoalir.OpI32And:
		return uint64(uint32(a) & uint32(b))
	case shoalir.OpI32Or:
		return uint64(uint32(a) | uint32(b))
	case shoalir.OpI32Xor:
		return uint64(uint32(a) ^ uint32(b))
	case shoalir.OpI32Shl:
		return uint64(uint32(a) << (uint32(b) % 32))
	case shoalir.OpI32ShrS:
		return uint64(uint32(int32(a) >> (uint32(b) % 32)))
	case shoalir.OpI32ShrU:
		return uint64(uint32(a) >> (uint32(b) % 32))
	case shoalir.OpI32Rotl:
		return uint64(bits.RotateLeft32(uint32(a), int(uint32(b)%32)))
	case shoalir.OpI32Rotr:
		return uint64(bits.RotateLeft32(uint32(a), -int(uint32(b)%32)))

	case shoalir.OpI64Eq:
		return b2u(a == b)
	case shoalir.OpI64Ne:
		return b2u(a != b)
	case shoalir.OpI64LtS:
		return b2u(int64(a) < int64(b))
	case shoalir.OpI64LtU:
		return b2u(a < b)
	case shoalir.OpI64GtS:
		return b2u(int64(a) > int64(b))
	case shoalir.OpI64GtU:
		return b2u(a > b)
	case shoalir.OpI64LeS:
		return b2u(int64(a) <= int64(b))
	case shoalir.OpI64LeU:
		return b2u(a <= b)
	case shoalir.OpI64GeS:
		return b2u(int64(a) >= int64(b))
	case shoalir.OpI64GeU:
		return b2u(a >= b)
	case shoalir.OpI64Add:
		return a + b
	case shoalir.OpI64Sub:
		return a - b
	case shoalir.OpI64Mul:
		return a * b
	case shoalir.OpI64DivS:
		x, y := int64(a), int64(b)
		if y == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		if x == math.MinInt64 && y == -1 {
			panic(wasmruntime.ErrRuntimeIntegerOverflow)
		}
		return uint64(x / y)
	case shoalir.OpI64DivU:
		if b == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		return a / b
	case shoalir.OpI64RemS:
		x, y := int64(a), int64(b)
		if y == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		if x == math.MinInt64 && y == -1 {
			return 0
		}
		return uint64(x % y)
	case shoalir.OpI64RemU:
		if b == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		return a % b
	case shoalir.OpI64And:
		return a & b
	case shoalir.OpI64Or:
		return a | b
	case shoalir.OpI64Xor:
		return a ^ b
	case shoalir.OpI64Shl:
		return a << (b % 64)
	case shoalir.OpI64ShrS:
		return uint64(int64(a) >> (b % 64))
	case shoalir.OpI64ShrU:
		return a >> (b % 64)
	case shoalir.OpI64Rotl:
		return bits.RotateLeft64(a, int(b%64))
	case shoalir.OpI64Rotr:
		return bits.RotateLeft64(a, -int(b%64))

	case shoalir.OpF32Eq:
		return b2u(api.DecodeF32(a) == api.DecodeF32(b))
	case shoalir.OpF32Ne:
		return b2u(api.DecodeF32(a) != api.DecodeF32(b))
	case shoalir.OpF32Lt:
		return b2u(api.DecodeF32(a) < api.DecodeF32(b))
	case shoalir.OpF32Gt:
		return b2u(api.DecodeF32(a) > api.DecodeF32(b))
	case shoalir.OpF32Le:
		return b2u(api.DecodeF32(a) <= api.DecodeF32(b))
	case shoalir.OpF32Ge:
		return b2u(api.DecodeF32(a) >= api.DecodeF32(b))
	case shoalir.OpF32Add:
		return api.EncodeF32(api.DecodeF32(a) + api.DecodeF32(b))
	case shoalir.OpF32Sub:
		return api.EncodeF32(api.DecodeF32(a) - api.DecodeF32(b))
	case shoalir.OpF32Mul:
		return api.EncodeF32(api.DecodeF32(a) * api.DecodeF32(b))
	case shoalir.OpF32Div:
		return api.EncodeF32(api.DecodeF32(a) / api.DecodeF32(b))
	case shoalir.OpF32Min:
		return api.EncodeF32(float32(wasmMin(float64(api.DecodeF32(a)), float64(api.DecodeF32(b)))))
	case shoalir.OpF32Max:
		return api.EncodeF32(float32(wasmMax(float64(api.DecodeF32(a)), float64(api.DecodeF32(b)))))
	case shoalir.OpF32Copysign:
		return api.EncodeF32(float32(math.Copysign(float64(api.DecodeF32(a)), float64(api.DecodeF32(b)))))

	case shoalir.OpF64Eq:
		return b2u(api.DecodeF64(a) == api.DecodeF64(b))
	case shoalir.OpF64Ne:
		return b2u(api.DecodeF64(a) != api.DecodeF64(b))
	case shoalir.OpF64Lt:
		return b2u(api.DecodeF64(a) < api.DecodeF64(b))
	case shoalir.OpF64Gt:
		return b2u(api.DecodeF64(a) > api.DecodeF64(b))
	case shoalir.OpF64Le:
		return b2u(api.DecodeF64(a) <= api.DecodeF64(b))
	case shoalir.OpF64Ge:
		return b2u(api.DecodeF64(a) >= api.DecodeF64(b))
	case shoalir.OpF64Add:
		return api.EncodeF64(api.DecodeF64(a) + api.DecodeF64(b))
	case shoalir.OpF64Sub:
		return api.EncodeF64(api.DecodeF64(a) - api.DecodeF64(b))
	case shoalir.OpF64Mul:
		return api.EncodeF64(api.DecodeF64(a) * api.DecodeF64(b))
	case shoalir.OpF64Div:
		return api.EncodeF64(api.DecodeF64(a) / api.DecodeF64(b))
	case shoalir.OpF64Min:
		return api.EncodeF64(wasmMin(api.DecodeF64(a), api.DecodeF64(b)))
	case shoalir.OpF64Max:
		return api.EncodeF64(wasmMax(api.DecodeF64(a), api.DecodeF64(b)))
	case shoalir.OpF64Copysign:
		return api.EncodeF64(math.Copysign(api.DecodeF64(a), api.DecodeF64(b)))
	}
	panic(fmt.Errorf("BUG: evalBinary on non-binary op %d", op))
}

// evalUnary is evalBinary's one-operand counterpart.
func evalUnary(op shoalir.Op, a uint64) uint64 {
	switch op {
	case shoalir.OpI32Eqz:
		return b2u(uint32(a) == 0)
	case shoalir.OpI32Clz:
		return uint64(bits.LeadingZeros32(uint32(a)))
	case shoalir.OpI32Ctz:
		return uint64(bits.TrailingZeros32(uint32(a)))
	case shoalir.OpI32Popcnt:
		return uint64(bits.OnesCount32(uint32(a)))
	case shoalir.OpI64Eqz:
		return b2u(a == 0)
	case shoalir.OpI64Clz:
		return uint64(bits.LeadingZeros64(a))
	case shoalir.OpI64Ctz:
		return uint64(bits.TrailingZeros64(a))
	case shoalir.OpI64Popcnt:
		return uint64(bits.OnesCount64(a))

	case shoalir.OpF32Abs:
		return api.EncodeF32(float32(math.Abs(float64(api.DecodeF32(a)))))
	case shoalir.OpF32Neg:
		return api.EncodeF32(-api.DecodeF32(a))
	case shoalir.OpF32Ceil:
		return api.EncodeF32(float32(math.Ceil(float64(api.DecodeF32(a)))))
	case shoalir.OpF32Floor:
		return api.EncodeF32(float32(math.Floor(float64(api.DecodeF32(a)))))
	case shoalir.OpF32Trunc:
		return api.EncodeF32(float32(math.Trunc(float64(api.DecodeF32(a)))))
	case shoalir.OpF32Nearest:
		return api.EncodeF32(float32(math.RoundToEven(float64(api.DecodeF32(a)))))
	case shoalir.OpF32Sqrt:
		return api.EncodeF32(float32(math.Sqrt(float64(api.DecodeF32(a)))))
	case shoalir.OpF64Abs:
		return api.EncodeF64(math.Abs(api.DecodeF64(a)))
	case shoalir.OpF64Neg:
		return api.EncodeF64(-api.DecodeF64(a))
	case shoalir.OpF64Ceil:
		return api.EncodeF64(math.Ceil(api.DecodeF64(a)))
	case shoalir.OpF64Floor:
		return api.EncodeF64(math.Floor(api.DecodeF64(a)))
	case shoalir.OpF64Trunc:
		return api.EncodeF64(math.Trunc(api.DecodeF64(a)))
	case shoalir.OpF64Nearest:
		return api.EncodeF64(math.RoundToEven(api.DecodeF64(a)))
	case shoalir.OpF64Sqrt:
		return api.EncodeF64(math.Sqrt(api.DecodeF64(a)))

	case shoalir.OpI32WrapI64:
		return uint64(uint32(a))
	case shoalir.OpI32TruncF32S:
		return uint64(uint32(truncToI32(float64(api.DecodeF32(a)))))
	case shoalir.OpI32TruncF32U:
		return uint64(truncToU32(float64(api.DecodeF32(a))))
	case shoalir.OpI32TruncF64S:
		return uint64(uint32(truncToI32(api.DecodeF64(a))))
	case shoalir.OpI32TruncF64U:
		return uint64(truncToU32(api.DecodeF64(a)))
	case shoalir.OpI64ExtendI32S:
		return uint64(int64(int32(a)))
	case shoalir.OpI64ExtendI32U:
		return uint64(uint32(a))
	case shoalir.OpI64TruncF32S:
		return uint64(truncToI64(float64(api.DecodeF32(a))))
	case shoalir.OpI64TruncF32U:
		return truncToU64(float64(api.DecodeF32(a)))
	case shoalir.OpI64TruncF64S:
		return uint64(truncToI64(api.DecodeF64(a)))
	case shoalir.OpI64TruncF64U:
		return truncToU64(api.DecodeF64(a))
	case shoalir.OpF32ConvertI32S:
		return api.EncodeF32(float32(int32(a)))
	case shoalir.OpF32ConvertI32U:
		return api.EncodeF32(float32(uint32(a)))
	case shoalir.OpF32ConvertI64S:
		return api.EncodeF32(float32(int64(a)))
	case shoalir.OpF32ConvertI64U:
		return api.EncodeF32(float32(a))
	case shoalir.OpF32DemoteF64:
		return api.EncodeF32(float32(api.DecodeF64(a)))
	case shoalir.OpF64ConvertI32S:
		return api.EncodeF64(float64(int32(a)))
	case shoalir.OpF64ConvertI32U:
		return api.EncodeF64(float64(uint32(a)))
	case shoalir.OpF64ConvertI64S:
		return api.EncodeF64(float64(int64(a)))
	case shoalir.OpF64ConvertI64U:
		return api.EncodeF64(float64(a))
	case shoalir.OpF64PromoteF32:
		return api.EncodeF64(float64(api.DecodeF32(a)))
	case shoalir.OpI32ReinterpretF32, shoalir.OpI64ReinterpretF64,
		shoalir.OpF32ReinterpretI32, shoalir.OpF64ReinterpretI64:
		return a

	case shoalir.OpI32Extend8S:
		return uint64(uint32(int32(int8(a))))
	case shoalir.OpI32Extend16S:
		return uint64(uint32(int32(int16(a))))
	case shoalir.OpI64Extend8S:
		return uint64(int64(int8(a)))
	case shoalir.OpI64Extend16S:
		return uint64(int64(int16(a)))
	case shoalir.OpI64Extend32S:
		return uint64(int64(int32(a)))

	case shoalir.OpI32TruncSatF32S:
		return uint64(uint32(satToI32(float64(api.DecodeF32(a)))))
	case shoalir.OpI32TruncSatF32U:
		return uint64(satToU32(float64(api.DecodeF32(a))))
	case shoalir.OpI32TruncSatF64S:
		return uint64(uint32(satToI32(api.DecodeF64(a))))
	case shoalir.OpI32TruncSatF64U:
		return uint64(satToU32(api.DecodeF64(a)))
	case shoalir.OpI64TruncSatF32S:
		return uint64(satToI64(float64(api.DecodeF32(a))))
	case shoalir.OpI64TruncSatF32U:
		return satToU64(float64(api.DecodeF32(a)))
	case shoalir.OpI64TruncSatF64S:
		return uint64(satToI64(api.DecodeF64(a)))
	case shoalir.OpI64TruncSatF64U:
		return satToU64(api.DecodeF64(a))
	}
	panic(fmt.Errorf("BUG: evalUnary on non-unary op %d", op))
}

func truncToI32(v float64) int32 {
	if v != v {
		panic(wasmruntime.ErrRuntimeInvalidConversionToInteger)
	}
	if v >= math.MaxInt32+1 || v < math.MinInt32 {
		panic(wasmruntime.ErrRuntimeIntegerOverflow)
	}
	return int32(v)
}

func truncToU32(v float64) uint32 {
	if v != v {
		panic(wasmruntime.ErrRuntimeInvalidConversionToInteger)
	}
	if v >= math.MaxUint32+1 || v <= -1 {
		panic(wasmruntime.ErrRuntimeIntegerOverflow)
	}
	return uint32(v)
}

func truncToI64(v float64) int64 {
	if v != v {
		panic(wasmruntime.ErrRuntimeInvalidConversionToInteger)
	}
	if v >= math.MaxInt64 || v < math.MinInt64 {
		panic(wasmruntime.ErrRuntimeIntegerOverflow)
	}
	return int64(v)
}

func truncToU64(v float64) uint64 {
	if v != v {
		panic(wasmruntime.ErrRuntimeInvalidConversionToInteger)
	}
	if v >= math.MaxUint64 || v <= -1 {
		panic(wasmruntime.ErrRuntimeIntegerOverflow)
	}
	return uint64(v)
}

func satToI32(v float64) int32 {
	switch {
	case v != v:
		return 0
	case v >= math.MaxInt32:
		return math.MaxInt32
	case v <= math.MinInt32:
		return math.MinInt32
	}
	return int32(v)
}

func satToU32(v float64) uint32 {
	switch {
	case v != v, v <= 0:
		return 0
	case v >= math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(v)
}

func satToI64(v float64) int64 {
	switch {
	case v != v:
		return 0
	case v >= math.MaxInt64:
		return math.MaxInt64
	case v <= math.MinInt64:
		return math.MinInt64
	}
	return int64(v)
}

func satToU64(v float64) uint64 {
	switch {
	case v != v, v <= 0:
		return 0
	case v >= math.MaxUint64:
		return math.MaxUint64
	}
	return uint64(v)
}

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
