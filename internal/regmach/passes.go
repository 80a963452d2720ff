package regmach

import "github.com/shoalwasm/shoal/internal/shoalir"

// fusableImmOps is the op subset the const+binop pass rewrites to an
// immediate-operand form.
var fusableImmOps = map[shoalir.Op]bool{
	shoalir.OpI32Add: true, shoalir.OpI32Sub: true, shoalir.OpI32Mul: true,
	shoalir.OpI32And: true, shoalir.OpI32Or: true, shoalir.OpI32Xor: true,
	shoalir.OpI32Shl: true,
	shoalir.OpI32Eq: true, shoalir.OpI32Ne: true,
	shoalir.OpI32LtS: true, shoalir.OpI32LtU: true, shoalir.OpI32GtS: true,
	shoalir.OpI32LeS: true, shoalir.OpI32GeS: true, shoalir.OpI32GeU: true,
}

// fuseConstBinops collapses `CONST32 t, imm; OP t', a, t` into
// `OPi t', a, imm`, deleting the constant load. Only temporaries are
// collapsed: a local-held constant may be read again later.
func fuseConstBinops(c *Code) {
	for i := 0; i+1 < len(c.Instrs); i++ {
		konst := &c.Instrs[i]
		if konst.Op != RConst32 || int(konst.Rd) < c.LocalRegs {
			continue
		}
		next := &c.Instrs[i+1]
		if next.Op < NumericBase || next.Op >= ImmBase {
			continue
		}
		op := NumericOf(next.Op)
		if !fusableImmOps[op] || next.Rs2() != konst.Rd {
			continue
		}
		next.Op = Imm(op)
		next.Operand = konst.Operand
		konst.Op = RDeleted
	}
}

// propagateCopies rewrites `OP ..., rd=t; MOV l <- t` (t a temporary, l a
// local) so the producer writes the local directly, then deletes the MOV.
// Skipped when the MOV is a branch target, or when the producer is itself
// a MOV, a store, a branch or a call record (whose register fields don't
// mean "destination").
func propagateCopies(c *Code) {
	targets := branchTargets(c)
	for i := 0; i+1 < len(c.Instrs); i++ {
		mov := &c.Instrs[i+1]
		if mov.Op != RMov || targets[uint32(i+1)] {
			continue
		}
		t, local := mov.Rs1, mov.Rd
		if int(t) < c.LocalRegs || int(local) >= c.LocalRegs {
			continue
		}
		prod := &c.Instrs[i]
		if !writesSimpleResult(prod.Op) || prod.Rd != t {
			continue
		}
		prod.Rd = local
		mov.Op = RDeleted
	}
}

// writesSimpleResult reports whether op's Rd is a plain destination
// register safe to retarget.
func writesSimpleResult(op RegOp) bool {
	switch {
	case op >= NumericBase:
		return true
	case op == RConst32, op == RConst64, op == RGlobalGet, op == RSelect,
		op == RMemorySize, op == RMemoryGrow:
		return true
	case op >= RI32Load && op <= RI64Load32U:
		return true
	}
	return false
}

func branchTargets(c *Code) map[uint32]bool {
	targets := map[uint32]bool{}
	for _, in := range c.Instrs {
		switch in.Op {
		case RBr, RBrIf, RBrIfNot, RBrTableEntry:
			targets[in.Operand] = true
		}
	}
	return targets
}

// compact removes deleted records and rewrites every branch target by the
// number of deletions before it, so targets land on surviving instructions
// exactly.
func compact(c *Code) {
	deletedBefore := make([]uint32, len(c.Instrs)+1)
	n := uint32(0)
	for i, in := range c.Instrs {
		deletedBefore[i] = n
		if in.Op == RDeleted {
			n++
		}
	}
	deletedBefore[len(c.Instrs)] = n
	if n == 0 {
		return
	}

	out := c.Instrs[:0]
	for _, in := range c.Instrs {
		if in.Op == RDeleted {
			continue
		}
		switch in.Op {
		case RBr, RBrIf, RBrIfNot, RBrTableEntry:
			in.Operand -= deletedBefore[in.Operand]
		}
		out = append(out, in)
	}
	c.Instrs = out
}
