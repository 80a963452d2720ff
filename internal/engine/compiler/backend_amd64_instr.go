//go:build amd64

package compiler

import (
	"github.com/shoalwasm/shoal/internal/regmach"
	"github.com/shoalwasm/shoal/internal/shoalir"
)

// instr emits one register-IR record: operands load into rax/rcx, the
// result goes back to the frame from rax. The cmp+jcc peephole mirrors
// the arm64 backend's.
func (c *amd64Compiler) instr(pc uint32, in regmach.Instr) error {
	if in.Op >= regmach.ImmBase {
		op := regmach.NumericOf(in.Op)
		c.loadVReg(rAX, in.Rs1)
		c.movImm64(rCX, uint64(in.Operand))
		if err := c.binop(op); err != nil {
			return err
		}
		c.storeVReg(in.Rd, rAX)
		return nil
	}
	if in.Op >= regmach.NumericBase {
		op := regmach.NumericOf(in.Op)
		if op.IsBinaryNumeric() {
			if cc, isCmp := cmpCC(op); isCmp {
				if next, ok := c.peekBranch(pc, in.Rd); ok {
					c.loadVReg(rAX, in.Rs1)
					c.loadVReg(rCX, in.Rs2())
					c.cmpRegs(op)
					branchCC := cc
					if next.Op == regmach.RBrIfNot {
						branchCC = invCC(cc)
					}
					c.jccTo(branchCC, next.Operand)
					c.fused = pc + 1
					return nil
				}
			}
			c.loadVReg(rAX, in.Rs1)
			c.loadVReg(rCX, in.Rs2())
			if err := c.binop(op); err != nil {
				return err
			}
			c.storeVReg(in.Rd, rAX)
			return nil
		}
		c.loadVReg(rAX, in.Rs1)
		if err := c.unop(op); err != nil {
			return err
		}
		c.storeVReg(in.Rd, rAX)
		return nil
	}

	switch in.Op {
	case regmach.RNop, regmach.RDeleted, regmach.RBrTableEntry,
		regmach.RCallArgsA, regmach.RCallArgsB:
	case regmach.RUnreachable:
		c.jmpTo(trapPCBase + trapUnreachable)

	case regmach.RMov:
		c.loadVReg(rAX, in.Rs1)
		c.storeVReg(in.Rd, rAX)
	case regmach.RConst32:
		c.movImm64(rAX, uint64(in.Operand))
		c.storeVReg(in.Rd, rAX)
	case regmach.RConst64:
		c.movImm64(rAX, c.rc.Pool[in.Operand])
		c.storeVReg(in.Rd, rAX)

	case regmach.RBr:
		if in.Operand <= pc {
			c.fuelCheck()
		}
		c.jmpTo(in.Operand)
	case regmach.RBrIf, regmach.RBrIfNot:
		if pc == c.fused {
			return nil
		}
		if in.Operand <= pc {
			c.fuelCheck()
		}
		c.loadVReg(rAX, in.Rs1)
		c.emitBytes(0x85, 0xC0) // test eax, eax
		if in.Op == regmach.RBrIf {
			c.jccTo(ccNE, in.Operand)
		} else {
			c.jccTo(ccE, in.Operand)
		}
	case regmach.RBrTable:
		n := in.Operand
		c.loadVReg(rAX, in.Rs1)
		for i := uint32(0); i <= n; i++ {
			entry := c.rc.Instrs[pc+1+i]
			if i == n {
				c.jmpTo(entry.Operand)
				break
			}
			c.emitBytes(0x3D) // cmp eax, imm32
			c.emitU32(i)
			c.jccTo(ccE, entry.Operand)
		}

	case regmach.RRet:
		c.epilogue(in.Rs1)

	case regmach.RCall:
		return c.call(pc, in)

	case regmach.RSelect:
		c.loadVReg(rAX, uint8(in.Operand))    // on true
		c.loadVReg(rCX, uint8(in.Operand>>8)) // on false
		c.loadVReg(rDX, in.Rs1)
		c.emitBytes(0x85, 0xD2)             // test edx, edx
		c.emitBytes(0x48, 0x0F, 0x44, 0xC1) // cmove rax, rcx
		c.storeVReg(in.Rd, rAX)

	case regmach.RI32Load:
		return c.load(in, 4, func() { c.memOp(0x8B, rAX, false) })
	case regmach.RI64Load:
		return c.load(in, 8, func() { c.memOp(0x8B, rAX, true) })
	case regmach.RF32Load:
		return c.load(in, 4, func() { c.memOp(0x8B, rAX, false) })
	case regmach.RF64Load:
		return c.load(in, 8, func() { c.memOp(0x8B, rAX, true) })
	case regmach.RI32Load8U, regmach.RI64Load8U:
		return c.load(in, 1, func() { c.memOpExt(0xB6, rAX, true) }) // movzx
	case regmach.RI32Load8S:
		return c.load(in, 1, func() { c.memOpExt(0xBE, rAX, false) }) // movsx r32
	case regmach.RI64Load8S:
		return c.load(in, 1, func() { c.memOpExt(0xBE, rAX, true) })
	case regmach.RI32Load16U, regmach.RI64Load16U:
		return c.load(in, 2, func() { c.memOpExt(0xB7, rAX, true) })
	case regmach.RI32Load16S:
		return c.load(in, 2, func() { c.memOpExt(0xBF, rAX, false) })
	case regmach.RI64Load16S:
		return c.load(in, 2, func() { c.memOpExt(0xBF, rAX, true) })
	case regmach.RI64Load32U:
		return c.load(in, 4, func() { c.memOp(0x8B, rAX, false) }) // 32-bit mov zero-extends
	case regmach.RI64Load32S:
		return c.load(in, 4, func() { c.memOpMovsxd(rAX) })

	case regmach.RI32Store, regmach.RF32Store:
		return c.store(in, 4, func() { c.memOp(0x89, rAX, false) })
	case regmach.RI64Store, regmach.RF64Store:
		return c.store(in, 8, func() { c.memOp(0x89, rAX, true) })
	case regmach.RI32Store8, regmach.RI64Store8:
		return c.store(in, 1, func() { c.memOp8(0x88, rAX) })
	case regmach.RI32Store16, regmach.RI64Store16:
		return c.store(in, 2, func() { c.memOp16(0x89, rAX) })
	case regmach.RI64Store32:
		return c.store(in, 4, func() { c.memOp(0x89, rAX, false) })

	default:
		return errJITUnsupported
	}
	return nil
}

// boundedAddr leaves the checked effective address in rcx.
func (c *amd64Compiler) boundedAddr(addrReg uint8, offset uint32, size uint32) {
	c.loadVReg(rCX, addrReg)
	c.emitBytes(0x89, 0xC9) // mov ecx, ecx (zero-extend)
	if offset != 0 {
		c.emitBytes(0x48, 0x81, 0xC1) // add rcx, imm32
		c.emitU32(offset)
	}
	c.emitBytes(0x48, 0x8D, 0x51, byte(size))       // lea rdx, [rcx+size]
	c.emitBytes(0x49, 0x3B, 0x57, ctxMemLen)        // cmp rdx, [r15+32]
	c.trapJcc(ccA, trapOutOfBounds)
}

// memOp emits `op reg, [r13+rcx]` (or the store direction for 0x89).
func (c *amd64Compiler) memOp(opcode byte, reg byte, w bool) {
	rex := byte(0x41) // B for r13
	if w {
		rex |= 8
	}
	c.emitBytes(rex, opcode, 0x44|reg<<3, 0x0D, 0x00)
}

func (c *amd64Compiler) memOpExt(opcode2 byte, reg byte, w bool) {
	rex := byte(0x41)
	if w {
		rex |= 8
	}
	c.emitBytes(rex, 0x0F, opcode2, 0x44|reg<<3, 0x0D, 0x00)
}

func (c *amd64Compiler) memOpMovsxd(reg byte) {
	c.emitBytes(0x49, 0x63, 0x44|reg<<3, 0x0D, 0x00)
}

func (c *amd64Compiler) memOp8(opcode byte, reg byte) {
	c.emitBytes(0x41, opcode, 0x44|reg<<3, 0x0D, 0x00)
}

func (c *amd64Compiler) memOp16(opcode byte, reg byte) {
	c.emitBytes(0x66, 0x41, opcode, 0x44|reg<<3, 0x0D, 0x00)
}

func (c *amd64Compiler) load(in regmach.Instr, size uint32, access func()) error {
	c.boundedAddr(in.Rs1, in.Operand, size)
	access()
	c.storeVReg(in.Rd, rAX)
	return nil
}

func (c *amd64Compiler) store(in regmach.Instr, size uint32, access func()) error {
	c.boundedAddr(in.Rd, in.Operand, size)
	c.loadVReg(rAX, in.Rs1)
	access()
	return nil
}

// peekBranch mirrors the arm64 backend's dead-temp scan.
func (c *amd64Compiler) peekBranch(pc uint32, rd uint8) (regmach.Instr, bool) {
	if int(pc+1) >= len(c.rc.Instrs) {
		return regmach.Instr{}, false
	}
	next := c.rc.Instrs[pc+1]
	if (next.Op != regmach.RBrIf && next.Op != regmach.RBrIfNot) || next.Rs1 != rd {
		return regmach.Instr{}, false
	}
	if int(rd) < c.rc.LocalRegs || next.Operand <= pc {
		return regmach.Instr{}, false
	}
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

// cmpCC maps a comparison op to the jcc/setcc condition for "true".
func cmpCC(op shoalir.Op) (byte, bool) {
	switch op {
	case shoalir.OpI32Eq, shoalir.OpI64Eq:
		return ccE, true
	case shoalir.OpI32Ne, shoalir.OpI64Ne:
		return ccNE, true
	case shoalir.OpI32LtS, shoalir.OpI64LtS:
		return ccL, true
	case shoalir.OpI32LtU, shoalir.OpI64LtU:
		return ccB, true
	case shoalir.OpI32GtS, shoalir.OpI64GtS:
		return ccG, true
	case shoalir.OpI32GtU, shoalir.OpI64GtU:
		return ccA, true
	case shoalir.OpI32LeS, shoalir.OpI64LeS:
		return ccLE, true
	case shoalir.OpI32LeU, shoalir.OpI64LeU:
		return ccBE, true
	case shoalir.OpI32GeS, shoalir.OpI64GeS:
		return ccGE, true
	case shoalir.OpI32GeU, shoalir.OpI64GeU:
		return ccAE, true
	}
	return 0, false
}

func (c *amd64Compiler) cmpRegs(op shoalir.Op) {
	if op >= shoalir.OpI64Eq && op <= shoalir.OpI64GeU {
		c.emitBytes(0x48, 0x39, 0xC8) // cmp rax, rcx
	} else {
		c.emitBytes(0x39, 0xC8) // cmp eax, ecx
	}
}

// call mirrors the arm64 backend's direct-call strategy.
func (c *amd64Compiler) call(pc uint32, in regmach.Instr) error {
	imported := int(c.me.instance.Source.ImportFuncCount())
	calleeLocal := int(in.Operand) - imported
	if calleeLocal < 0 {
		return errJITUnsupported
	}
	self := calleeLocal == c.localIdx
	var target *nativeFunc
	if !self {
		target = c.me.native[calleeLocal]
		if target == nil {
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
		c.loadVReg(rAX, argRegs[i])
		c.storeFrameSlot(calleeBase+uint32(i), rAX)
	}

	if self {
		c.emitBytes(0xE8) // call rel32 to offset 0
		c.patches = append(c.patches, amd64Patch{off: c.off(), target: selfEntryPC})
		c.emitU32(0)
	} else {
		c.movImm64(rAX, uint64(target.entry))
		c.emitBytes(0xFF, 0xD0) // call rax
	}

	c.loadCtx(rAX, ctxTrap)
	c.emitBytes(0x48, 0x85, 0xC0) // test rax, rax
	c.jccTo(ccNE, trapPCBase+trapPropagate)

	if in.Rd != regmach.NoReg {
		c.loadFrameSlot(rAX, calleeBase)
		c.storeVReg(in.Rd, rAX)
	}
	return nil
}
