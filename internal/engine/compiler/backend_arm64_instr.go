//go:build arm64

package compiler

import (
	"github.com/shoalwasm/shoal/internal/regmach"
	"github.com/shoalwasm/shoal/internal/shoalir"
)

// instr emits one register-IR record. The model is deliberately plain:
// virtual registers live in the frame, each record loads its operands into
// x8/x9 (or d0/d1), computes, and stores x8 back. The CMP+B.cond peephole
// below is the one fusion kept from the IR shape; everything it can't
// express falls back to the register interpreter via errJITUnsupported.
func (c *arm64Compiler) instr(pc uint32, in regmach.Instr) error {
	const (
		w0 = uint32(scratch0)
		w1 = uint32(scratch1)
	)

	if in.Op >= regmach.ImmBase {
		op := regmach.NumericOf(in.Op)
		c.loadReg(scratch0, in.Rs1)
		c.movImm64(scratch1, uint64(in.Operand))
		if err := c.binop(op); err != nil {
			return err
		}
		c.storeReg(in.Rd, scratch0)
		return nil
	}
	if in.Op >= regmach.NumericBase {
		op := regmach.NumericOf(in.Op)
		if op.IsBinaryNumeric() {
			// CMP+B.cond peephole: a comparison whose only consumer is the
			// immediately following conditional branch on the same register
			// compiles to cmp + b.cond with no materialized boolean.
			if cond, isCmp := cmpCond(op); isCmp {
				if next, ok := c.peekBranch(pc, in.Rd); ok {
					c.loadReg(scratch0, in.Rs1)
					c.loadReg(scratch1, in.Rs2())
					c.cmp(op, scratch0, scratch1)
					branchCond := cond
					if next.Op == regmach.RBrIfNot {
						branchCond = inv(cond)
					}
					c.condTo(0x54000000|branchCond, next.Operand)
					c.fused = pc + 1
					return nil
				}
			}
			c.loadReg(scratch0, in.Rs1)
			c.loadReg(scratch1, in.Rs2())
			if err := c.binop(op); err != nil {
				return err
			}
			c.storeReg(in.Rd, scratch0)
			return nil
		}
		c.loadReg(scratch0, in.Rs1)
		if err := c.unop(op); err != nil {
			return err
		}
		c.storeReg(in.Rd, scratch0)
		return nil
	}

	switch in.Op {
	case regmach.RNop:
	case regmach.RDeleted:
	case regmach.RUnreachable:
		// Unconditional branch straight into the unreachable stub.
		c.patches = append(c.patches, arm64Patch{off: c.off(), target: trapPCBase + trapUnreachable, kind: 'b'})
		c.word(0x14000000)

	case regmach.RMov:
		c.loadReg(scratch0, in.Rs1)
		c.storeReg(in.Rd, scratch0)
	case regmach.RConst32:
		c.movImm64(scratch0, uint64(in.Operand))
		c.storeReg(in.Rd, scratch0)
	case regmach.RConst64:
		c.movImm64(scratch0, c.rc.Pool[in.Operand])
		c.storeReg(in.Rd, scratch0)

	case regmach.RBr:
		if in.Operand <= pc {
			c.fuelCheck()
		}
		c.brTo(in.Operand)
	case regmach.RBrIf, regmach.RBrIfNot:
		if pc == c.fused {
			return nil // consumed by the CMP+B.cond peephole
		}
		c.loadReg(scratch0, in.Rs1)
		if in.Operand <= pc {
			c.fuelCheck()
		}
		if in.Op == regmach.RBrIf {
			c.condTo(0x35000000|w0, in.Operand) // cbnz w8
		} else {
			c.condTo(0x34000000|w0, in.Operand) // cbz w8
		}
	case regmach.RBrTable:
		// Clamp, then a compare chain; entry records follow this one.
		n := in.Operand
		c.loadReg(scratch0, in.Rs1)
		c.movImm64(scratch1, uint64(n))
		c.word(0x6B00001F | w1<<16 | w0<<5) // cmp w8, w9
		// sel > n -> use default (the last entry).
		for i := uint32(0); i <= n; i++ {
			entry := c.rc.Instrs[pc+1+i]
			if i == n {
				c.brTo(entry.Operand)
				break
			}
			c.movImm64(scratch1, uint64(i))
			c.word(0x6B00001F | w1<<16 | w0<<5)        // cmp w8, wi
			c.condTo(0x54000000|condEQ, entry.Operand) // b.eq
		}

	case regmach.RBrTableEntry:
		// Handled by RBrTable; keep the PC map aligned.

	case regmach.RRet:
		c.epilogue(in.Rs1)

	case regmach.RCall:
		return c.call(pc, in)
	case regmach.RCallArgsA, regmach.RCallArgsB:
		// Consumed by the RCall emission.

	case regmach.RSelect:
		c.loadReg(scratch0, uint8(in.Operand))    // on true
		c.loadReg(scratch1, uint8(in.Operand>>8)) // on false
		c.loadReg(scratch2, in.Rs1)
		c.word(0x7100001F | uint32(scratch2)<<5)                                       // cmp w10, #0
		c.word(0x9A800000 | w1<<16 | condNE<<12 | w0<<5 | w0)                          // csel x8, x8, x9, ne
		c.storeReg(in.Rd, scratch0)

	case regmach.RI32Load:
		return c.load(in, 4, 0xB8606800) // ldr w9, [x27, x8]
	case regmach.RI64Load:
		return c.load(in, 8, 0xF8606800)
	case regmach.RF32Load:
		return c.load(in, 4, 0xB8606800)
	case regmach.RF64Load:
		return c.load(in, 8, 0xF8606800)
	case regmach.RI32Load8U, regmach.RI64Load8U:
		return c.load(in, 1, 0x38606800)
	case regmach.RI32Load8S:
		return c.load(in, 1, 0x38E06800) // ldrsb w
	case regmach.RI64Load8S:
		return c.load(in, 1, 0x38A06800) // ldrsb x
	case regmach.RI32Load16U, regmach.RI64Load16U:
		return c.load(in, 2, 0x78606800)
	case regmach.RI32Load16S:
		return c.load(in, 2, 0x78E06800)
	case regmach.RI64Load16S:
		return c.load(in, 2, 0x78A06800)
	case regmach.RI64Load32U:
		return c.load(in, 4, 0xB8606800)
	case regmach.RI64Load32S:
		return c.load(in, 4, 0xB8A06800) // ldrsw

	case regmach.RI32Store, regmach.RF32Store:
		return c.store(in, 4, 0xB8206800)
	case regmach.RI64Store, regmach.RF64Store:
		return c.store(in, 8, 0xF8206800)
	case regmach.RI32Store8, regmach.RI64Store8:
		return c.store(in, 1, 0x38206800)
	case regmach.RI32Store16, regmach.RI64Store16:
		return c.store(in, 2, 0x78206800)
	case regmach.RI64Store32:
		return c.store(in, 4, 0xB8206800)

	default:
		// Globals, memory.grow/size/fill/copy, call_indirect: the register
		// interpreter keeps these (they reach into Go objects the native
		// code has no stable view of).
		return errJITUnsupported
	}
	return nil
}

// peekBranch reports whether the next record is a conditional branch
// consuming rd, with rd dead afterwards.
func (c *arm64Compiler) peekBranch(pc uint32, rd uint8) (regmach.Instr, bool) {
	if int(pc+1) >= len(c.rc.Instrs) {
		return regmach.Instr{}, false
	}
	next := c.rc.Instrs[pc+1]
	if (next.Op != regmach.RBrIf && next.Op != regmach.RBrIfNot) || next.Rs1 != rd {
		return regmach.Instr{}, false
	}
	if int(rd) < c.rc.LocalRegs {
		return regmach.Instr{}, false // locals may be read later
	}
	if next.Operand <= pc {
		return regmach.Instr{}, false // back-edges need the fuel sequence
	}
	// A temp's value is dead once any later record overwrites or never
	// reads it; scan forward conservatively.
	for i := int(pc + 2); i < len(c.rc.Instrs); i++ {
		later := c.rc.Instrs[i]
		if readsReg(later, rd) {
			return regmach.Instr{}, false
		}
		if writesReg(later, rd) {
			break
		}
	}
	return next, true
}

func readsReg(in regmach.Instr, r uint8) bool {
	if in.Op >= regmach.NumericBase && in.Op < regmach.ImmBase {
		if regmach.NumericOf(in.Op).IsBinaryNumeric() && in.Rs2() == r {
			return true
		}
		return in.Rs1 == r
	}
	switch in.Op {
	case regmach.RMov, regmach.RBrIf, regmach.RBrIfNot, regmach.RBrTable, regmach.RRet,
		regmach.RGlobalSet, regmach.RMemoryGrow:
		return in.Rs1 == r
	case regmach.RSelect:
		return in.Rs1 == r || uint8(in.Operand) == r || uint8(in.Operand>>8) == r
	case regmach.RCallArgsA:
		return in.Rd == r || in.Rs1 == r || uint8(in.Operand) == r || uint8(in.Operand>>8) == r ||
			uint8(in.Operand>>16) == r || uint8(in.Operand>>24) == r
	case regmach.RCallArgsB:
		return in.Rd == r || in.Rs1 == r || uint8(in.Operand) == r
	case regmach.RMemoryFill, regmach.RMemoryCopy:
		return in.Rd == r || in.Rs1 == r || in.Rs2() == r
	}
	if in.Op >= regmach.RI32Store && in.Op <= regmach.RI64Store32 {
		return in.Rd == r || in.Rs1 == r
	}
	if in.Op >= regmach.RI32Load && in.Op <= regmach.RI64Load32U {
		return in.Rs1 == r
	}
	if in.Op >= regmach.ImmBase {
		return in.Rs1 == r
	}
	return false
}

func writesReg(in regmach.Instr, r uint8) bool {
	if in.Op >= regmach.NumericBase {
		return in.Rd == r
	}
	switch in.Op {
	case regmach.RMov, regmach.RConst32, regmach.RConst64, regmach.RSelect,
		regmach.RGlobalGet, regmach.RMemorySize, regmach.RMemoryGrow, regmach.RCall, regmach.RCallIndirect:
		return in.Rd == r
	}
	if in.Op >= regmach.RI32Load && in.Op <= regmach.RI64Load32U {
		return in.Rd == r
	}
	return false
}

// cmpCond maps a comparison op to the A64 condition for "result true".
func cmpCond(op shoalir.Op) (uint32, bool) {
	switch op {
	case shoalir.OpI32Eq, shoalir.OpI64Eq:
		return condEQ, true
	case shoalir.OpI32Ne, shoalir.OpI64Ne:
		return condNE, true
	case shoalir.OpI32LtS, shoalir.OpI64LtS:
		return condLT, true
	case shoalir.OpI32LtU, shoalir.OpI64LtU:
		return condLO, true
	case shoalir.OpI32GtS, shoalir.OpI64GtS:
		return condGT, true
	case shoalir.OpI32GtU, shoalir.OpI64GtU:
		return condHI, true
	case shoalir.OpI32LeS, shoalir.OpI64LeS:
		return condLE, true
	case shoalir.OpI32LeU, shoalir.OpI64LeU:
		return condLS, true
	case shoalir.OpI32GeS, shoalir.OpI64GeS:
		return condGE, true
	case shoalir.OpI32GeU, shoalir.OpI64GeU:
		return condHS, true
	}
	return 0, false
}

// cmp emits the width-correct compare of x8 against x9.
func (c *arm64Compiler) cmp(op shoalir.Op, rn, rm uint8) {
	if is64Cmp(op) {
		c.word(0xEB00001F | uint32(rm)<<16 | uint32(rn)<<5)
	} else {
		c.word(0x6B00001F | uint32(rm)<<16 | uint32(rn)<<5)
	}
}

func is64Cmp(op shoalir.Op) bool {
	return op >= shoalir.OpI64Eq && op <= shoalir.OpI64GeU
}

// load emits the bounds-checked load form: the opcode template is the
// register-offset addressing form OP Rt, [x27, x8].
func (c *arm64Compiler) load(in regmach.Instr, size uint32, template uint32) error {
	c.boundedAddr(in.Rs1, in.Operand, size)
	c.word(template | uint32(scratch0)<<16 | uint32(regMemBase)<<5 | uint32(scratch1))
	c.storeReg(in.Rd, scratch1)
	return nil
}

func (c *arm64Compiler) store(in regmach.Instr, size uint32, template uint32) error {
	c.boundedAddr(in.Rd, in.Operand, size)
	c.loadReg(scratch1, in.Rs1)
	c.word(template | uint32(scratch0)<<16 | uint32(regMemBase)<<5 | uint32(scratch1))
	return nil
}

// boundedAddr leaves the checked effective address (relative to the memory
// base) in x8: zero-extended 32-bit address plus static offset, trapped
// against ctx.memLen.
func (c *arm64Compiler) boundedAddr(addrReg uint8, offset uint32, size uint32) {
	c.loadReg(scratch0, addrReg)
	c.word(0x2A0003E0 | uint32(scratch0)<<16 | uint32(scratch0)) // mov w8, w8 (zero-extend)
	if offset != 0 {
		c.addImm(scratch0, scratch0, offset)
	}
	c.addImm(scratch1, scratch0, size)
	c.ldrCtx(scratch2, ctxMemLen)
	c.word(0xEB00001F | uint32(scratch2)<<16 | uint32(scratch1)<<5) // cmp x9, x10
	c.trapIf(0x54000000|condHI, trapOutOfBounds)
}

