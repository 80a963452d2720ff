// Package regmach lowers predecoded IR to the three-address register IR
// the hot path runs on: a single-pass abstract interpretation of the
// operand stack assigning virtual registers, followed by const+binop
// fusion, copy propagation and a compaction pass. Virtual registers
// 0..N-1 are the function's Wasm locals; N..max are stack temporaries
// whose index is fully determined by their virtual-stack depth.
//
// Lowering declines (returning ErrUnsupported) rather than failing the
// module: the function then stays on the stack interpreter. Declination
// triggers include v128 anywhere in the body, more than 255 virtual
// registers, blocks with parameters or multiple results, exception
// handling, GC and atomic instructions.
package regmach

import (
	"errors"

	"github.com/shoalwasm/shoal/internal/shoalir"
)

// ErrUnsupported marks a function the register tier cannot express.
var ErrUnsupported = errors.New("function not lowerable to register form")

// RegOp identifies one register-IR instruction. Values at or above
// NumericBase encode a pure-numeric shoalir op operating on registers
// instead of stack slots, so the numeric space doesn't need re-enumerating;
// values at or above ImmBase are the immediate-operand fusions of the
// subset of i32 ops the const+binop pass covers.
type RegOp uint16

const (
	RNop RegOp = iota
	RDeleted
	RUnreachable
	RMov     // rd <- rs1
	RConst32 // rd <- zero-extended Operand
	RConst64 // rd <- pool[Operand]
	RBr      // Operand: target PC
	RBrIf    // rs1: condition; Operand: target PC
	RBrIfNot
	RBrTable      // rs1: selector; Operand: N; N+1 entry records follow
	RBrTableEntry // Operand: target PC
	RRet          // rs1: result register, or NoReg
	RCall         // rd: result or NoReg; rs1: arg count; Operand: function index
	RCallIndirect // rd, rs1 as RCall; Operand: typeIdx<<8 | tableIdx
	RCallArgsA    // rd,rs1: args 0,1; Operand bytes: args 2..5
	RCallArgsB    // rd,rs1: args 6,7; Operand low byte: call_indirect element register
	RSelect       // rd; rs1: condition; Operand: onTrue | onFalse<<8
	RGlobalGet    // rd; Operand: global index
	RGlobalSet    // rs1; Operand: global index
	RMemorySize   // rd
	RMemoryGrow   // rd; rs1: delta
	RMemoryFill   // rd: dest addr; rs1: value; Operand low byte: length register
	RMemoryCopy   // rd: dest addr; rs1: source addr; Operand low byte: length register

	// Loads: rd <- mem[rs1 + Operand]. Stores: mem[rd + Operand] <- rs1.
	RI32Load
	RI64Load
	RF32Load
	RF64Load
	RI32Load8S
	RI32Load8U
	RI32Load16S
	RI32Load16U
	RI64Load8S
	RI64Load8U
	RI64Load16S
	RI64Load16U
	RI64Load32S
	RI64Load32U
	RI32Store
	RI64Store
	RF32Store
	RF64Store
	RI32Store8
	RI32Store16
	RI64Store8
	RI64Store16
	RI64Store32

	// NumericBase + shoalir.Op: binary ops read rs1 and rs2 (Operand's low
	// byte) into rd; unary ops read rs1 into rd.
	NumericBase RegOp = 0x1000
	// ImmBase + shoalir.Op: binary op with rs2 replaced by an immediate in
	// Operand.
	ImmBase RegOp = 0x2000
)

// NoReg marks an absent register field (void call results, empty returns).
const NoReg = 0xff

// Numeric converts a pure-numeric shoalir op to its register form.
func Numeric(op shoalir.Op) RegOp { return NumericBase + RegOp(op) }

// Imm converts a fusable binary op to its immediate-operand form.
func Imm(op shoalir.Op) RegOp { return ImmBase + RegOp(op) }

// NumericOf inverts Numeric/Imm.
func NumericOf(op RegOp) shoalir.Op {
	if op >= ImmBase {
		return shoalir.Op(op - ImmBase)
	}
	return shoalir.Op(op - NumericBase)
}

// Instr is one fixed-width register-IR record.
type Instr struct {
	Op      RegOp
	Rd, Rs1 uint8
	Operand uint32
}

// Rs2 is the low byte of Operand for three-register instructions.
func (i Instr) Rs2() uint8 { return uint8(i.Operand) }

// Code is the register-IR form of one function.
type Code struct {
	FuncIdx uint32

	Instrs []Instr
	Pool   []uint64

	// RegCount is locals + the maximum temporary depth reached; the frame's
	// register file is sized by it.
	RegCount int

	LocalRegs  int
	ParamRegs  int
	ResultRegs int // 0 or 1; more declines lowering
}

// maxVirtualRegs is the ceiling the 8-bit register fields impose, with
// NoReg reserved.
const maxVirtualRegs = 255
