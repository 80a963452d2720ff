//go:build amd64

package compiler

import "github.com/shoalwasm/shoal/internal/shoalir"

// binop computes rax = rax <op> rcx.
func (c *amd64Compiler) binop(op shoalir.Op) error {
	if cc, isCmp := cmpCC(op); isCmp {
		c.cmpRegs(op)
		c.emitBytes(0x0F, cc+0x10, 0xC0) // setcc al
		c.emitBytes(0x0F, 0xB6, 0xC0)    // movzx eax, al
		return nil
	}
	switch op {
	case shoalir.OpI32Add:
		c.emitBytes(0x01, 0xC8)
	case shoalir.OpI32Sub:
		c.emitBytes(0x29, 0xC8)
	case shoalir.OpI32Mul:
		c.emitBytes(0x0F, 0xAF, 0xC1)
	case shoalir.OpI32And:
		c.emitBytes(0x21, 0xC8)
	case shoalir.OpI32Or:
		c.emitBytes(0x09, 0xC8)
	case shoalir.OpI32Xor:
		c.emitBytes(0x31, 0xC8)
	case shoalir.OpI32Shl:
		c.emitBytes(0xD3, 0xE0) // shl eax, cl
	case shoalir.OpI32ShrU:
		c.emitBytes(0xD3, 0xE8)
	case shoalir.OpI32ShrS:
		c.emitBytes(0xD3, 0xF8)
	case shoalir.OpI32Rotl:
		c.emitBytes(0xD3, 0xC0)
	case shoalir.OpI32Rotr:
		c.emitBytes(0xD3, 0xC8)
	case shoalir.OpI32DivS:
		c.emitBytes(0x85, 0xC9) // test ecx, ecx
		c.trapJcc(ccE, trapDivByZero)
		c.emitBytes(0x83, 0xF9, 0xFF) // cmp ecx, -1
		skip := c.offJccShortPlaceholder(ccNE)
		c.emitBytes(0x3D, 0x00, 0x00, 0x00, 0x80) // cmp eax, 0x80000000
		c.trapJcc(ccE, trapIntegerOverflow)
		c.patchJccShort(skip)
		c.emitBytes(0x99)       // cdq
		c.emitBytes(0xF7, 0xF9) // idiv ecx
	case shoalir.OpI32DivU:
		c.emitBytes(0x85, 0xC9)
		c.trapJcc(ccE, trapDivByZero)
		c.emitBytes(0x31, 0xD2) // xor edx, edx
		c.emitBytes(0xF7, 0xF1) // div ecx
	case shoalir.OpI32RemS:
		c.emitBytes(0x85, 0xC9)
		c.trapJcc(ccE, trapDivByZero)
		c.emitBytes(0x31, 0xD2)       // edx = 0 (the MinInt % -1 result)
		c.emitBytes(0x83, 0xF9, 0xFF) // cmp ecx, -1
		skip := c.offJccShortPlaceholder(ccE)
		c.emitBytes(0x99)
		c.emitBytes(0xF7, 0xF9)
		c.patchJccShort(skip)
		c.emitBytes(0x89, 0xD0) // mov eax, edx
	case shoalir.OpI32RemU:
		c.emitBytes(0x85, 0xC9)
		c.trapJcc(ccE, trapDivByZero)
		c.emitBytes(0x31, 0xD2)
		c.emitBytes(0xF7, 0xF1)
		c.emitBytes(0x89, 0xD0)

	case shoalir.OpI64Add:
		c.emitBytes(0x48, 0x01, 0xC8)
	case shoalir.OpI64Sub:
		c.emitBytes(0x48, 0x29, 0xC8)
	case shoalir.OpI64Mul:
		c.emitBytes(0x48, 0x0F, 0xAF, 0xC1)
	case shoalir.OpI64And:
		c.emitBytes(0x48, 0x21, 0xC8)
	case shoalir.OpI64Or:
		c.emitBytes(0x48, 0x09, 0xC8)
	case shoalir.OpI64Xor:
		c.emitBytes(0x48, 0x31, 0xC8)
	case shoalir.OpI64Shl:
		c.emitBytes(0x48, 0xD3, 0xE0)
	case shoalir.OpI64ShrU:
		c.emitBytes(0x48, 0xD3, 0xE8)
	case shoalir.OpI64ShrS:
		c.emitBytes(0x48, 0xD3, 0xF8)
	case shoalir.OpI64Rotl:
		c.emitBytes(0x48, 0xD3, 0xC0)
	case shoalir.OpI64Rotr:
		c.emitBytes(0x48, 0xD3, 0xC8)
	case shoalir.OpI64DivS:
		c.emitBytes(0x48, 0x85, 0xC9)
		c.trapJcc(ccE, trapDivByZero)
		c.emitBytes(0x48, 0x83, 0xF9, 0xFF)
		skip := c.offJccShortPlaceholder(ccNE)
		c.movImm64(rDX, 1<<63)
		c.emitBytes(0x48, 0x39, 0xD0) // cmp rax, rdx
		c.trapJcc(ccE, trapIntegerOverflow)
		c.patchJccShort(skip)
		c.emitBytes(0x48, 0x99)       // cqo
		c.emitBytes(0x48, 0xF7, 0xF9) // idiv rcx
	case shoalir.OpI64DivU:
		c.emitBytes(0x48, 0x85, 0xC9)
		c.trapJcc(ccE, trapDivByZero)
		c.emitBytes(0x31, 0xD2)
		c.emitBytes(0x48, 0xF7, 0xF1)
	case shoalir.OpI64RemS:
		c.emitBytes(0x48, 0x85, 0xC9)
		c.trapJcc(ccE, trapDivByZero)
		c.emitBytes(0x31, 0xD2)
		c.emitBytes(0x48, 0x83, 0xF9, 0xFF)
		skip := c.offJccShortPlaceholder(ccE)
		c.emitBytes(0x48, 0x99)
		c.emitBytes(0x48, 0xF7, 0xF9)
		c.patchJccShort(skip)
		c.emitBytes(0x48, 0x89, 0xD0)
	case shoalir.OpI64RemU:
		c.emitBytes(0x48, 0x85, 0xC9)
		c.trapJcc(ccE, trapDivByZero)
		c.emitBytes(0x31, 0xD2)
		c.emitBytes(0x48, 0xF7, 0xF1)
		c.emitBytes(0x48, 0x89, 0xD0)

	case shoalir.OpF32Add:
		c.fbinop(0xF3, 0x58)
	case shoalir.OpF32Sub:
		c.fbinop(0xF3, 0x5C)
	case shoalir.OpF32Mul:
		c.fbinop(0xF3, 0x59)
	case shoalir.OpF32Div:
		c.fbinop(0xF3, 0x5E)
	case shoalir.OpF64Add:
		c.fbinop(0xF2, 0x58)
	case shoalir.OpF64Sub:
		c.fbinop(0xF2, 0x5C)
	case shoalir.OpF64Mul:
		c.fbinop(0xF2, 0x59)
	case shoalir.OpF64Div:
		c.fbinop(0xF2, 0x5E)

	default:
		// min/max/copysign (their NaN and sign rules don't map to single
		// SSE ops) and everything rarer: register interpreter.
		return errJITUnsupported
	}
	return nil
}

// fbinop: xmm0 <- rax, xmm1 <- rcx, op xmm0, xmm1, rax <- xmm0.
func (c *amd64Compiler) fbinop(prefix byte, opcode byte) {
	c.emitBytes(0x66, 0x48, 0x0F, 0x6E, 0xC0) // movq xmm0, rax
	c.emitBytes(0x66, 0x48, 0x0F, 0x6E, 0xC9) // movq xmm1, rcx
	c.emitBytes(prefix, 0x0F, opcode, 0xC1)   // op xmm0, xmm1
	c.emitBytes(0x66, 0x48, 0x0F, 0x7E, 0xC0) // movq rax, xmm0
}

// unop computes rax = <op> rax.
func (c *amd64Compiler) unop(op shoalir.Op) error {
	switch op {
	case shoalir.OpI32Eqz:
		c.emitBytes(0x85, 0xC0) // test eax, eax
		c.emitBytes(0x0F, 0x94, 0xC0)
		c.emitBytes(0x0F, 0xB6, 0xC0)
	case shoalir.OpI64Eqz:
		c.emitBytes(0x48, 0x85, 0xC0)
		c.emitBytes(0x0F, 0x94, 0xC0)
		c.emitBytes(0x0F, 0xB6, 0xC0)
	case shoalir.OpI32Clz:
		c.emitBytes(0xF3, 0x0F, 0xBD, 0xC0) // lzcnt eax, eax
	case shoalir.OpI64Clz:
		c.emitBytes(0xF3, 0x48, 0x0F, 0xBD, 0xC0)
	case shoalir.OpI32Ctz:
		c.emitBytes(0xF3, 0x0F, 0xBC, 0xC0) // tzcnt
	case shoalir.OpI64Ctz:
		c.emitBytes(0xF3, 0x48, 0x0F, 0xBC, 0xC0)
	case shoalir.OpI32Popcnt:
		c.emitBytes(0xF3, 0x0F, 0xB8, 0xC0)
	case shoalir.OpI64Popcnt:
		c.emitBytes(0xF3, 0x48, 0x0F, 0xB8, 0xC0)

	case shoalir.OpI32WrapI64, shoalir.OpI64ExtendI32U:
		c.emitBytes(0x89, 0xC0) // mov eax, eax
	case shoalir.OpI64ExtendI32S, shoalir.OpI64Extend32S:
		c.emitBytes(0x48, 0x63, 0xC0) // movsxd rax, eax
	case shoalir.OpI32Extend8S:
		c.emitBytes(0x0F, 0xBE, 0xC0) // movsx eax, al
	case shoalir.OpI32Extend16S:
		c.emitBytes(0x0F, 0xBF, 0xC0)
	case shoalir.OpI64Extend8S:
		c.emitBytes(0x48, 0x0F, 0xBE, 0xC0)
	case shoalir.OpI64Extend16S:
		c.emitBytes(0x48, 0x0F, 0xBF, 0xC0)

	case shoalir.OpI32ReinterpretF32, shoalir.OpI64ReinterpretF64,
		shoalir.OpF32ReinterpretI32, shoalir.OpF64ReinterpretI64:

	case shoalir.OpF32Sqrt:
		c.emitBytes(0x66, 0x48, 0x0F, 0x6E, 0xC0)
		c.emitBytes(0xF3, 0x0F, 0x51, 0xC0) // sqrtss xmm0, xmm0
		c.emitBytes(0x66, 0x48, 0x0F, 0x7E, 0xC0)
	case shoalir.OpF64Sqrt:
		c.emitBytes(0x66, 0x48, 0x0F, 0x6E, 0xC0)
		c.emitBytes(0xF2, 0x0F, 0x51, 0xC0)
		c.emitBytes(0x66, 0x48, 0x0F, 0x7E, 0xC0)
	case shoalir.OpF32Floor:
		c.roundss(0x01, false)
	case shoalir.OpF32Ceil:
		c.roundss(0x02, false)
	case shoalir.OpF32Trunc:
		c.roundss(0x03, false)
	case shoalir.OpF32Nearest:
		c.roundss(0x00, false)
	case shoalir.OpF64Floor:
		c.roundss(0x01, true)
	case shoalir.OpF64Ceil:
		c.roundss(0x02, true)
	case shoalir.OpF64Trunc:
		c.roundss(0x03, true)
	case shoalir.OpF64Nearest:
		c.roundss(0x00, true)

	case shoalir.OpF32ConvertI32S:
		c.emitBytes(0x89, 0xC0)                   // zero the high half first
		c.emitBytes(0xF3, 0x0F, 0x2A, 0xC0)       // cvtsi2ss xmm0, eax
		c.emitBytes(0x66, 0x48, 0x0F, 0x7E, 0xC0) // movq rax, xmm0
	case shoalir.OpF64ConvertI32S:
		c.emitBytes(0xF2, 0x0F, 0x2A, 0xC0)
		c.emitBytes(0x66, 0x48, 0x0F, 0x7E, 0xC0)
	case shoalir.OpF32ConvertI64S:
		c.emitBytes(0xF3, 0x48, 0x0F, 0x2A, 0xC0)
		c.emitBytes(0x66, 0x48, 0x0F, 0x7E, 0xC0)
	case shoalir.OpF64ConvertI64S:
		c.emitBytes(0xF2, 0x48, 0x0F, 0x2A, 0xC0)
		c.emitBytes(0x66, 0x48, 0x0F, 0x7E, 0xC0)
	case shoalir.OpF64ConvertI32U:
		// Zero-extend then signed convert from 64-bit, which is exact.
		c.emitBytes(0x89, 0xC0)
		c.emitBytes(0xF2, 0x48, 0x0F, 0x2A, 0xC0)
		c.emitBytes(0x66, 0x48, 0x0F, 0x7E, 0xC0)
	case shoalir.OpF32ConvertI32U:
		c.emitBytes(0x89, 0xC0)
		c.emitBytes(0xF3, 0x48, 0x0F, 0x2A, 0xC0)
		c.emitBytes(0x66, 0x48, 0x0F, 0x7E, 0xC0)
	case shoalir.OpF32DemoteF64:
		c.emitBytes(0x66, 0x48, 0x0F, 0x6E, 0xC0)
		c.emitBytes(0xF2, 0x0F, 0x5A, 0xC0) // cvtsd2ss
		c.emitBytes(0x66, 0x48, 0x0F, 0x7E, 0xC0)
	case shoalir.OpF64PromoteF32:
		c.emitBytes(0x66, 0x48, 0x0F, 0x6E, 0xC0)
		c.emitBytes(0xF3, 0x0F, 0x5A, 0xC0) // cvtss2sd
		c.emitBytes(0x66, 0x48, 0x0F, 0x7E, 0xC0)

	default:
		// Unsigned 64-bit converts, trapping and saturating truncations:
		// register interpreter.
		return errJITUnsupported
	}
	return nil
}

// roundss/roundsd with the given rounding-mode immediate.
func (c *amd64Compiler) roundss(mode byte, double bool) {
	c.emitBytes(0x66, 0x48, 0x0F, 0x6E, 0xC0)
	if double {
		c.emitBytes(0x66, 0x0F, 0x3A, 0x0B, 0xC0, mode)
	} else {
		c.emitBytes(0x66, 0x0F, 0x3A, 0x0A, 0xC0, mode)
	}
	c.emitBytes(0x66, 0x48, 0x0F, 0x7E, 0xC0)
}
