// Package shoalir predecodes a validated function body into the fixed-width
// instruction stream every execution tier starts from: 8-byte records with
// resolved branch targets, pooled wide constants, and a small set of fused
// superinstructions. The stack interpreter executes this form directly; the
// register lowerer (internal/regmach) consumes it as input.
package shoalir

// Op identifies one predecoded instruction. Unlike raw Wasm opcodes these
// are dense, unprefixed, and carry their immediates in the record's Extra
// and Operand fields rather than in a trailing byte stream.
type Op uint16

const (
	OpNop Op = iota
	OpUnreachable

	// Control. Block/Loop/If push a label at run time; their Extra packs
	// the label's parameter slot count (high byte) and result slot count
	// (low byte). Block's Operand is the post-end PC, Loop's the PC just
	// after its own record.
	// If's Operand is the PC taken when the condition is false (the first
	// instruction after `else`, or the post-end PC when no else exists);
	// an OpIfMeta record follows every OpIf carrying the post-end PC.
	OpBlock
	OpLoop
	OpIf
	OpIfMeta
	OpElse // Operand: post-end PC jumped to when the then-branch completes
	OpEnd
	OpBr        // Extra: label depth; Operand: resolved target PC
	OpBrIf      // ditto, pops condition
	OpBrTable   // Operand: N; followed by N+1 OpBrTableEntry records (last = default)
	OpBrTableEntry
	OpReturn
	OpCall             // Operand: function index (module-local space)
	OpCallIndirect     // Operand: module-global type index; Extra: table index
	OpCallRef          // Operand: module-global type index
	OpReturnCall       // tail-call forms of the above
	OpReturnCallIndirect
	OpReturnCallRef

	// Exceptions. OpTryTable is label-shaped like OpBlock (same Extra and
	// Operand) and is followed by one OpTryTableMeta record holding the
	// clause count, then one OpCatchClause record per clause.
	OpTryTable     // Extra: arities; Operand: post-end PC; followed by clause records
	OpTryTableMeta // Operand: clause count
	OpCatchClause  // Extra: clause kind (0 catch, 1 catch_ref, 2 catch_all, 3 catch_all_ref); Operand: pool index of tag<<32|labelDepth
	OpThrow        // Operand: tag index; Extra: payload slot count
	OpThrowRef

	// Parametric.
	OpDrop   // Extra: slot count to drop (1, or 2 for v128)
	OpSelect // Extra: slot width of the two operands

	OpLocalGet // Operand: slot offset; Extra: slot width
	OpLocalSet
	OpLocalTee
	OpGlobalGet // Operand: global index
	OpGlobalSet

	// Superinstructions recognized by the predecoder.
	OpLocalGet2       // Operand: first slot offset <<16 | second slot offset (both width 1)
	OpLocalGetI32Const // Extra: local slot offset; Operand: i32 immediate
	OpI32LtSLocals    // Operand: lhs slot <<16 | rhs slot; pushes lhs <s rhs

	// Constants. OpI32Const/OpF32Const carry the bits in Operand; the wide
	// forms index the function's constant pool.
	OpI32Const
	OpF32Const
	OpI64Const // Operand: pool index
	OpF64Const // Operand: pool index

	// Memory access. Extra: low byte memory index, bit 15 set when the
	// static offset lives in the pool (memory64); Operand: offset or pool
	// index.
	OpI32Load
	OpI64Load
	OpF32Load
	OpF64Load
	OpI32Load8S
	OpI32Load8U
	OpI32Load16S
	OpI32Load16U
	OpI64Load8S
	OpI64Load8U
	OpI64Load16S
	OpI64Load16U
	OpI64Load32S
	OpI64Load32U
	OpI32Store
	OpI64Store
	OpF32Store
	OpF64Store
	OpI32Store8
	OpI32Store16
	OpI64Store8
	OpI64Store16
	OpI64Store32
	OpMemorySize // Extra: memory index
	OpMemoryGrow
	OpMemoryInit // Operand: data index; Extra: memory index
	OpDataDrop   // Operand: data index
	OpMemoryCopy // Extra: dst mem <<8 | src mem
	OpMemoryFill // Extra: memory index

	// i32 comparisons and arithmetic.
	OpI32Eqz
	OpI32Eq
	OpI32Ne
	OpI32LtS
	OpI32LtU
	OpI32GtS
	OpI32GtU
	OpI32LeS
	OpI32LeU
	OpI32GeS
	OpI32GeU
	OpI32Clz
	OpI32Ctz
	OpI32Popcnt
	OpI32Add
	OpI32Sub
	OpI32Mul
	OpI32DivS
	OpI32DivU
	OpI32RemS
	OpI32RemU
	OpI32And
	OpI32Or
	OpI32Xor
	OpI32Shl
	OpI32ShrS
	OpI32ShrU
	OpI32Rotl
	OpI32Rotr

	// i64.
	OpI64Eqz
	OpI64Eq
	OpI64Ne
	OpI64LtS
	OpI64LtU
	OpI64GtS
	OpI64GtU
	OpI64LeS
	OpI64LeU
	OpI64GeS
	OpI64GeU
	OpI64Clz
	OpI64Ctz
	OpI64Popcnt
	OpI64Add
	OpI64Sub
	OpI64Mul
	OpI64DivS
	OpI64DivU
	OpI64RemS
	OpI64RemU
	OpI64And
	OpI64Or
	OpI64Xor
	OpI64Shl
	OpI64ShrS
	OpI64ShrU
	OpI64Rotl
	OpI64Rotr

	// f32.
	OpF32Eq
	OpF32Ne
	OpF32Lt
	OpF32Gt
	OpF32Le
	OpF32Ge
	OpF32Abs
	OpF32Neg
	OpF32Ceil
	OpF32Floor
	OpF32Trunc
	OpF32Nearest
	OpF32Sqrt
	OpF32Add
	OpF32Sub
	OpF32Mul
	OpF32Div
	OpF32Min
	OpF32Max
	OpF32Copysign

	// f64.
	OpF64Eq
	OpF64Ne
	OpF64Lt
	OpF64Gt
	OpF64Le
	OpF64Ge
	OpF64Abs
	OpF64Neg
	OpF64Ceil
	OpF64Floor
	OpF64Trunc
	OpF64Nearest
	OpF64Sqrt
	OpF64Add
	OpF64Sub
	OpF64Mul
	OpF64Div
	OpF64Min
	OpF64Max
	OpF64Copysign

	// Conversions.
	OpI32WrapI64
	OpI32TruncF32S
	OpI32TruncF32U
	OpI32TruncF64S
	OpI32TruncF64U
	OpI64ExtendI32S
	OpI64ExtendI32U
	OpI64TruncF32S
	OpI64TruncF32U
	OpI64TruncF64S
	OpI64TruncF64U
	OpF32ConvertI32S
	OpF32ConvertI32U
	OpF32ConvertI64S
	OpF32ConvertI64U
	OpF32DemoteF64
	OpF64ConvertI32S
	OpF64ConvertI32U
	OpF64ConvertI64S
	OpF64ConvertI64U
	OpF64PromoteF32
	OpI32ReinterpretF32
	OpI64ReinterpretF64
	OpF32ReinterpretI32
	OpF64ReinterpretI64

	// Sign extension.
	OpI32Extend8S
	OpI32Extend16S
	OpI64Extend8S
	OpI64Extend16S
	OpI64Extend32S

	// Non-trapping conversions.
	OpI32TruncSatF32S
	OpI32TruncSatF32U
	OpI32TruncSatF64S
	OpI32TruncSatF64U
	OpI64TruncSatF32S
	OpI64TruncSatF32U
	OpI64TruncSatF64S
	OpI64TruncSatF64U

	// References and tables.
	OpRefNull
	OpRefFunc // Operand: function index
	OpRefIsNull
	OpRefAsNonNull
	OpRefEq
	OpBrOnNull    // Extra: depth; Operand: target PC
	OpBrOnNonNull
	OpTableGet // Operand: table index
	OpTableSet
	OpTableInit // Operand: element index; Extra: table index
	OpElemDrop  // Operand: element index
	OpTableCopy // Extra: dst table <<8 | src table
	OpTableGrow // Operand: table index
	OpTableSize
	OpTableFill

	// GC.
	OpStructNew        // Operand: module-global type index
	OpStructNewDefault
	OpStructGet // Operand: type index; Extra: field index
	OpStructSet
	OpArrayNew // Operand: type index
	OpArrayNewDefault
	OpArrayNewFixed // Operand: type index; Extra: element count
	OpArrayGet      // Operand: type index
	OpArraySet
	OpArrayLen
	OpArrayFill // Operand: type index
	OpRefTest   // Operand: heap type index; Extra bit0: null allowed
	OpRefCast
	OpRefI31
	OpI31GetS
	OpI31GetU

	// SIMD (representative subset; see internal/wasm/opcodes.go).
	OpV128Const // Operand: pool index of the low word; high word follows it
	OpV128Load  // memory immediates as the scalar loads
	OpV128Store
	OpI8x16Splat
	OpI16x8Splat
	OpI32x4Splat
	OpI64x2Splat
	OpF32x4Splat
	OpF64x2Splat
	OpI8x16Shuffle // Operand: pool index of the low lane-selector word
	OpV128Not
	OpV128And
	OpV128Or
	OpV128Xor
	OpI32x4Add
	OpI32x4Sub
	OpI32x4Mul
	OpI64x2Add
	OpI64x2Sub
	OpF32x4Add
	OpF32x4Sub
	OpF64x2Add
	OpF64x2Sub

	// Atomics (representative subset).
	OpAtomicNotify
	OpAtomicWait32
	OpAtomicWait64
	OpAtomicFence
	OpAtomicI32Load
	OpAtomicI64Load
	OpAtomicI32Store
	OpAtomicI64Store
	OpAtomicI32RmwAdd
	OpAtomicI64RmwAdd

	opSentinel
)

// Instr is one fixed-width predecoded record.
type Instr struct {
	Op      Op
	Extra   uint16
	Operand uint32
}

// PoolOffsetFlag in a memory instruction's Extra marks Operand as a pool
// index holding a 64-bit static offset (memory64).
const PoolOffsetFlag uint16 = 1 << 15

// MemIndexOf extracts the memory index from a memory instruction's Extra.
func MemIndexOf(extra uint16) uint32 { return uint32(extra & 0xff) }

// PackLabelExtra packs a label-shaped instruction's param and result slot
// counts.
func PackLabelExtra(paramSlots, resultSlots int) uint16 {
	return uint16(paramSlots)<<8 | uint16(resultSlots)
}

// LabelParamSlots and LabelResultSlots unpack PackLabelExtra.
func LabelParamSlots(extra uint16) int  { return int(extra >> 8) }
func LabelResultSlots(extra uint16) int { return int(extra & 0xff) }
