//go:build arm64

package compiler

import (
	"github.com/shoalwasm/shoal/internal/regmach"
	"github.com/shoalwasm/shoal/internal/shoalir"
)

// binop computes x8 = x8 <op> x9, matching the register interpreter's
// semantics bit for bit.
func (c *arm64Compiler) binop(op shoalir.Op) error {
	const (
		rd = uint32(scratch0)
		rn = uint32(scratch0)
		rm = uint32(scratch1)
	)
	if cond, isCmp := cmpCond(op); isCmp {
		c.cmp(op, scratch0, scratch1)
		c.cset(scratch0, cond)
		return nil
	}
	switch op {
	case shoalir.OpI32Add:
		c.word(0x0B000000 | rm<<16 | rn<<5 | rd)
	case shoalir.OpI32Sub:
		c.word(0x4B000000 | rm<<16 | rn<<5 | rd)
	case shoalir.OpI32Mul:
		c.word(0x1B007C00 | rm<<16 | rn<<5 | rd)
	case shoalir.OpI32And:
		c.word(0x0A000000 | rm<<16 | rn<<5 | rd)
	case shoalir.OpI32Or:
		c.word(0x2A000000 | rm<<16 | rn<<5 | rd)
	case shoalir.OpI32Xor:
		c.word(0x4A000000 | rm<<16 | rn<<5 | rd)
	case shoalir.OpI32Shl:
		c.word(0x1AC02000 | rm<<16 | rn<<5 | rd)
	case shoalir.OpI32ShrU:
		c.word(0x1AC02400 | rm<<16 | rn<<5 | rd)
	case shoalir.OpI32ShrS:
		c.word(0x1AC02800 | rm<<16 | rn<<5 | rd)
	case shoalir.OpI32Rotr:
		c.word(0x1AC02C00 | rm<<16 | rn<<5 | rd)
	case shoalir.OpI32Rotl:
		// rotl(a, b) == rotr(a, -b)
		c.word(0x4B0003E0 | rm<<16 | uint32(scratch2)) // neg w10, w9
		c.word(0x1AC02C00 | uint32(scratch2)<<16 | rn<<5 | rd)
	case shoalir.OpI32DivS:
		c.divChecksS(false)
		c.word(0x1AC00C00 | rm<<16 | rn<<5 | rd)
	case shoalir.OpI32DivU:
		c.divCheckZero(false)
		c.word(0x1AC00800 | rm<<16 | rn<<5 | rd)
	case shoalir.OpI32RemS:
		c.divCheckZero(false)
		// q = a/b; r = a - q*b (msub); MinInt/-1 yields q=MinInt, r=0.
		c.word(0x1AC00C00 | rm<<16 | rn<<5 | uint32(scratch2))             // sdiv w10, w8, w9
		c.word(0x1B008000 | rm<<16 | rn<<10 | uint32(scratch2)<<5 | rd)    // msub w8, w10, w9, w8
	case shoalir.OpI32RemU:
		c.divCheckZero(false)
		c.word(0x1AC00800 | rm<<16 | rn<<5 | uint32(scratch2))
		c.word(0x1B008000 | rm<<16 | rn<<10 | uint32(scratch2)<<5 | rd)

	case shoalir.OpI64Add:
		c.word(0x8B000000 | rm<<16 | rn<<5 | rd)
	case shoalir.OpI64Sub:
		c.word(0xCB000000 | rm<<16 | rn<<5 | rd)
	case shoalir.OpI64Mul:
		c.word(0x9B007C00 | rm<<16 | rn<<5 | rd)
	case shoalir.OpI64And:
		c.word(0x8A000000 | rm<<16 | rn<<5 | rd)
	case shoalir.OpI64Or:
		c.word(0xAA000000 | rm<<16 | rn<<5 | rd)
	case shoalir.OpI64Xor:
		c.word(0xCA000000 | rm<<16 | rn<<5 | rd)
	case shoalir.OpI64Shl:
		c.word(0x9AC02000 | rm<<16 | rn<<5 | rd)
	case shoalir.OpI64ShrU:
		c.word(0x9AC02400 | rm<<16 | rn<<5 | rd)
	case shoalir.OpI64ShrS:
		c.word(0x9AC02800 | rm<<16 | rn<<5 | rd)
	case shoalir.OpI64Rotr:
		c.word(0x9AC02C00 | rm<<16 | rn<<5 | rd)
	case shoalir.OpI64Rotl:
		c.word(0xCB0003E0 | rm<<16 | uint32(scratch2)) // neg x10, x9
		c.word(0x9AC02C00 | uint32(scratch2)<<16 | rn<<5 | rd)
	case shoalir.OpI64DivS:
		c.divChecksS(true)
		c.word(0x9AC00C00 | rm<<16 | rn<<5 | rd)
	case shoalir.OpI64DivU:
		c.divCheckZero(true)
		c.word(0x9AC00800 | rm<<16 | rn<<5 | rd)
	case shoalir.OpI64RemS:
		c.divCheckZero(true)
		c.word(0x9AC00C00 | rm<<16 | rn<<5 | uint32(scratch2))
		c.word(0x9B008000 | rm<<16 | rn<<10 | uint32(scratch2)<<5 | rd)
	case shoalir.OpI64RemU:
		c.divCheckZero(true)
		c.word(0x9AC00800 | rm<<16 | rn<<5 | uint32(scratch2))
		c.word(0x9B008000 | rm<<16 | rn<<10 | uint32(scratch2)<<5 | rd)

	case shoalir.OpF32Add, shoalir.OpF32Sub, shoalir.OpF32Mul, shoalir.OpF32Div,
		shoalir.OpF32Min, shoalir.OpF32Max:
		c.fbinop(op, false)
	case shoalir.OpF64Add, shoalir.OpF64Sub, shoalir.OpF64Mul, shoalir.OpF64Div,
		shoalir.OpF64Min, shoalir.OpF64Max:
		c.fbinop(op, true)

	default:
		// copysign, f32/f64 orderings through NaN corners, and anything
		// else stays on the register interpreter.
		return errJITUnsupported
	}
	return nil
}

// fbinop moves x8/x9 into d0/d1, applies the op, and moves d0 back.
func (c *arm64Compiler) fbinop(op shoalir.Op, double bool) {
	c.fmovToFP(0, scratch0, double)
	c.fmovToFP(1, scratch1, double)
	var base uint32
	switch op {
	case shoalir.OpF32Add, shoalir.OpF64Add:
		base = 0x1E202800
	case shoalir.OpF32Sub, shoalir.OpF64Sub:
		base = 0x1E203800
	case shoalir.OpF32Mul, shoalir.OpF64Mul:
		base = 0x1E200800
	case shoalir.OpF32Div, shoalir.OpF64Div:
		base = 0x1E201800
	case shoalir.OpF32Min, shoalir.OpF64Min:
		base = 0x1E205800
	case shoalir.OpF32Max, shoalir.OpF64Max:
		base = 0x1E204800
	}
	if double {
		base |= 1 << 22
	}
	c.word(base | 1<<16 | 0<<5 | 0) // op d0, d0, d1
	c.fmovFromFP(scratch0, 0, double)
}

// fmovToFP moves an integer register's bit pattern into an FP register.
func (c *arm64Compiler) fmovToFP(fp uint8, gp uint8, double bool) {
	if double {
		c.word(0x9E670000 | uint32(gp)<<5 | uint32(fp)) // fmov dN, xM
	} else {
		c.word(0x1E270000 | uint32(gp)<<5 | uint32(fp)) // fmov sN, wM
	}
}

func (c *arm64Compiler) fmovFromFP(gp uint8, fp uint8, double bool) {
	if double {
		c.word(0x9E660000 | uint32(fp)<<5 | uint32(gp))
	} else {
		c.word(0x1E260000 | uint32(fp)<<5 | uint32(gp))
	}
}

// divCheckZero traps when the divisor (x9) is zero.
func (c *arm64Compiler) divCheckZero(is64 bool) {
	w := uint32(0x34000000) | uint32(scratch1) // cbz w9
	if is64 {
		w = 0xB4000000 | uint32(scratch1) // cbz x9
	}
	c.trapIf(w, trapDivByZero)
}

// divChecksS adds the signed-overflow (MinInt / -1) trap to the zero
// check.
func (c *arm64Compiler) divChecksS(is64 bool) {
	c.divCheckZero(is64)
	if is64 {
		c.word(0xB100041F | uint32(scratch1)<<5) // cmn x9, #1
	} else {
		c.word(0x3100041F | uint32(scratch1)<<5) // cmn w9, #1
	}
	// divisor != -1: skip the dividend check.
	skip := c.off()
	c.word(0x54000000 | condNE)
	if is64 {
		c.movImm64(scratch2, 1<<63)
		c.word(0xEB00001F | uint32(scratch2)<<16 | uint32(scratch0)<<5) // cmp x8, x10
	} else {
		c.movImm64(scratch2, 0x80000000)
		c.word(0x6B00001F | uint32(scratch2)<<16 | uint32(scratch0)<<5)
	}
	c.trapIf(0x54000000|condEQ, trapIntegerOverflow)
	delta := (c.off() - skip) / 4
	wv := c.readWord(skip)
	c.writeWord(skip, wv|delta<<5)
}

// unop computes x8 = <op> x8.
func (c *arm64Compiler) unop(op shoalir.Op) error {
	const (
		rd = uint32(scratch0)
		rn = uint32(scratch0)
	)
	switch op {
	case shoalir.OpI32Eqz:
		c.word(0x7100001F | rn<<5) // cmp w8, #0
		c.cset(scratch0, condEQ)
	case shoalir.OpI64Eqz:
		c.word(0xF100001F | rn<<5)
		c.cset(scratch0, condEQ)
	case shoalir.OpI32Clz:
		c.word(0x5AC01000 | rn<<5 | rd)
	case shoalir.OpI64Clz:
		c.word(0xDAC01000 | rn<<5 | rd)
	case shoalir.OpI32Ctz:
		c.word(0x5AC00000 | rn<<5 | rd) // rbit
		c.word(0x5AC01000 | rn<<5 | rd) // clz
	case shoalir.OpI64Ctz:
		c.word(0xDAC00000 | rn<<5 | rd)
		c.word(0xDAC01000 | rn<<5 | rd)

	case shoalir.OpI32WrapI64, shoalir.OpI64ExtendI32U:
		c.word(0x2A0003E0 | rn<<16 | rd) // mov w8, w8
	case shoalir.OpI64ExtendI32S:
		c.word(0x93407C00 | rn<<5 | rd) // sxtw
	case shoalir.OpI32Extend8S:
		c.word(0x13001C00 | rn<<5 | rd)
	case shoalir.OpI32Extend16S:
		c.word(0x13003C00 | rn<<5 | rd)
	case shoalir.OpI64Extend8S:
		c.word(0x93401C00 | rn<<5 | rd)
	case shoalir.OpI64Extend16S:
		c.word(0x93403C00 | rn<<5 | rd)
	case shoalir.OpI64Extend32S:
		c.word(0x93407C00 | rn<<5 | rd)

	case shoalir.OpI32ReinterpretF32, shoalir.OpI64ReinterpretF64,
		shoalir.OpF32ReinterpretI32, shoalir.OpF64ReinterpretI64:
		// Bit patterns are identical in the frame slot.

	case shoalir.OpF32Neg:
		c.fmovToFP(0, scratch0, false)
		c.word(0x1E214000) // fneg s0, s0
		c.fmovFromFP(scratch0, 0, false)
	case shoalir.OpF64Neg:
		c.fmovToFP(0, scratch0, true)
		c.word(0x1E614000)
		c.fmovFromFP(scratch0, 0, true)
	case shoalir.OpF32Abs:
		c.fmovToFP(0, scratch0, false)
		c.word(0x1E20C000)
		c.fmovFromFP(scratch0, 0, false)
	case shoalir.OpF64Abs:
		c.fmovToFP(0, scratch0, true)
		c.word(0x1E60C000)
		c.fmovFromFP(scratch0, 0, true)
	case shoalir.OpF32Sqrt:
		c.fmovToFP(0, scratch0, false)
		c.word(0x1E21C000)
		c.fmovFromFP(scratch0, 0, false)
	case shoalir.OpF64Sqrt:
		c.fmovToFP(0, scratch0, true)
		c.word(0x1E61C000)
		c.fmovFromFP(scratch0, 0, true)
	case shoalir.OpF32Floor:
		c.frint(0x1E254000, false)
	case shoalir.OpF64Floor:
		c.frint(0x1E654000, true)
	case shoalir.OpF32Ceil:
		c.frint(0x1E24C000, false)
	case shoalir.OpF64Ceil:
		c.frint(0x1E64C000, true)
	case shoalir.OpF32Trunc:
		c.frint(0x1E25C000, false)
	case shoalir.OpF64Trunc:
		c.frint(0x1E65C000, true)
	case shoalir.OpF32Nearest:
		c.frint(0x1E244000, false)
	case shoalir.OpF64Nearest:
		c.frint(0x1E644000, true)

	case shoalir.OpF32ConvertI32S:
		c.word(0x1E220000 | rn<<5 | 0) // scvtf s0, w8
		c.fmovFromFP(scratch0, 0, false)
	case shoalir.OpF32ConvertI32U:
		c.word(0x1E230000 | rn<<5 | 0)
		c.fmovFromFP(scratch0, 0, false)
	case shoalir.OpF32ConvertI64S:
		c.word(0x9E220000 | rn<<5 | 0)
		c.fmovFromFP(scratch0, 0, false)
	case shoalir.OpF32ConvertI64U:
		c.word(0x9E230000 | rn<<5 | 0)
		c.fmovFromFP(scratch0, 0, false)
	case shoalir.OpF64ConvertI32S:
		c.word(0x1E620000 | rn<<5 | 0)
		c.fmovFromFP(scratch0, 0, true)
	case shoalir.OpF64ConvertI32U:
		c.word(0x1E630000 | rn<<5 | 0)
		c.fmovFromFP(scratch0, 0, true)
	case shoalir.OpF64ConvertI64S:
		c.word(0x9E620000 | rn<<5 | 0)
		c.fmovFromFP(scratch0, 0, true)
	case shoalir.OpF64ConvertI64U:
		c.word(0x9E630000 | rn<<5 | 0)
		c.fmovFromFP(scratch0, 0, true)
	case shoalir.OpF32DemoteF64:
		c.fmovToFP(0, scratch0, true)
		c.word(0x1E624000) // fcvt s0, d0
		c.fmovFromFP(scratch0, 0, false)
	case shoalir.OpF64PromoteF32:
		c.fmovToFP(0, scratch0, false)
		c.word(0x1E22C000) // fcvt d0, s0
		c.fmovFromFP(scratch0, 0, true)

	default:
		// popcnt (NEON), trapping float-to-int truncations (overflow
		// checks are simpler to get right in Go), saturating truncations:
		// register interpreter.
		return errJITUnsupported
	}
	return nil
}

func (c *arm64Compiler) frint(word uint32, double bool) {
	c.fmovToFP(0, scratch0, double)
	c.word(word)
	c.fmovFromFP(scratch0, 0, double)
}

// call emits a direct call: args staged into the callee's frame (which
// begins right after this one), a bl to its entry, the post-call trap
// check and the result fetch. Self calls branch to this function's own
// first byte; other callees must already have native code.
func (c *arm64Compiler) call(pc uint32, in regmach.Instr) error {
	imported := int(c.me.instance.Source.ImportFuncCount())
	calleeLocal := int(in.Operand) - imported
	if calleeLocal < 0 {
		return errJITUnsupported // imported (possibly host) function
	}
	self := calleeLocal == c.localIdx
	var target *nativeFunc
	if !self {
		target = c.me.native[calleeLocal]
		if target == nil {
			// Bottom-up: compiling hot callees first lets callers emit the
			// direct fast path. The lock is already held by tryCompile.
			if !c.me.tryCompileLocked(calleeLocal) {
				return errJITUnsupported
			}
			target = c.me.native[calleeLocal]
		}
	}

	argsA := c.rc.Instrs[pc+1]
	argsB := c.rc.Instrs[pc+2]
	argRegs := [8]uint8{argsA.Rd, argsA.Rs1,
		uint8(argsA.Operand), uint8(argsA.Operand >> 8),
		uint8(argsA.Operand >> 16), uint8(argsA.Operand >> 24),
		argsB.Rd, argsB.Rs1}
	n := int(in.Rs1)
	calleeBase := uint32(c.rc.RegCount)
	for i := 0; i < n; i++ {
		c.loadReg(scratch0, argRegs[i])
		c.word(0xF9000000 | (calleeBase+uint32(i))<<10 | uint32(regFrame)<<5 | uint32(scratch0))
	}

	if self {
		// bl back to offset 0 of this buffer.
		c.patches = append(c.patches, arm64Patch{off: c.off(), target: selfEntryPC, kind: 'b'})
		c.word(0x94000000)
	} else {
		c.movImm64(scratch2, uint64(target.entry))
		c.word(0xD63F0000 | uint32(scratch2)<<5) // blr x10
	}

	// A trapped callee unwinds through every caller's abnormal epilogue.
	c.ldrCtx(scratch0, ctxTrap)
	c.trapIfSet()

	if in.Rd != regmach.NoReg {
		c.word(0xF9400000 | calleeBase<<10 | uint32(regFrame)<<5 | uint32(scratch0))
		c.storeReg(in.Rd, scratch0)
	}
	return nil
}

// selfEntryPC is the pseudo branch target meaning "this function's first
// instruction".
const selfEntryPC = 1<<30 - 1

// trapIfSet jumps to the abnormal epilogue when ctx.trap is non-zero,
// without overwriting the callee's trap code.
func (c *arm64Compiler) trapIfSet() {
	c.patches = append(c.patches, arm64Patch{off: c.off(), target: trapPCBase + trapPropagate, kind: 'c'})
	c.word(0xB5000000 | uint32(scratch0)) // cbnz x8
}

// trapPropagate is a pseudo trap code: the stub re-uses whatever code the
// callee wrote and only unwinds.
const trapPropagate = 0xff

func (c *arm64Compiler) readWord(off uint32) uint32 {
	return uint32(c.buf[off]) | uint32(c.buf[off+1])<<8 | uint32(c.buf[off+2])<<16 | uint32(c.buf[off+3])<<24
}

func (c *arm64Compiler) writeWord(off uint32, w uint32) {
	c.buf[off] = byte(w)
	c.buf[off+1] = byte(w >> 8)
	c.buf[off+2] = byte(w >> 16)
	c.buf[off+3] = byte(w >> 24)
}
