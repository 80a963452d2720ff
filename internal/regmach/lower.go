package regmach

import (
	"github.com/shoalwasm/shoal/api"
	"github.com/shoalwasm/shoal/internal/shoalir"
	"github.com/shoalwasm/shoal/internal/wasm"
)

// Lower converts one predecoded function to register IR, or returns
// ErrUnsupported when the function uses constructs the register tier does
// not express.
func Lower(m *wasm.Module, src *shoalir.Code) (*Code, error) {
	for _, lt := range src.LocalTypes {
		if lt == api.ValueTypeV128 {
			return nil, ErrUnsupported
		}
	}
	if src.ResultSlots > 1 {
		return nil, ErrUnsupported
	}
	if src.LocalSlots+1 > maxVirtualRegs {
		return nil, ErrUnsupported
	}

	l := &lowerer{
		m:   m,
		src: src,
		out: &Code{
			FuncIdx:    uint32(src.FuncIdx),
			LocalRegs:  src.LocalSlots,
			ParamRegs:  src.ParamSlots,
			ResultRegs: src.ResultSlots,
		},
	}
	l.out.Pool = append(l.out.Pool, src.Pool...)

	// The implicit outermost block; branches to it return through the
	// shared epilogue.
	l.blocks = append(l.blocks, &loweringBlock{
		kind:       shoalir.OpBlock,
		resultRegs: src.ResultSlots,
		resultReg:  uint8(src.LocalSlots),
	})

	if err := l.run(); err != nil {
		return nil, err
	}
	fuseConstBinops(l.out)
	propagateCopies(l.out)
	compact(l.out)
	l.out.RegCount = src.LocalSlots + l.maxDepth
	return l.out, nil
}

type loweringBlock struct {
	kind       shoalir.Op
	entryDepth int
	resultRegs int
	resultReg  uint8
	loopPC     uint32

	// patch lists out-instruction indices whose Operand becomes the
	// post-end PC; elsePatch is the if's false-edge.
	patch     []int
	elsePatch []int

	savedStack []uint8
}

type lowerer struct {
	m   *wasm.Module
	src *shoalir.Code
	out *Code

	vstack   []uint8
	blocks   []*loweringBlock
	maxDepth int

	// unreachable suppresses result-register moves after a terminal
	// instruction until the enclosing end/else.
	unreachable bool
	done        bool

	pc uint32 // current source PC
}

func (l *lowerer) emit(op RegOp, rd, rs1 uint8, operand uint32) int {
	l.out.Instrs = append(l.out.Instrs, Instr{Op: op, Rd: rd, Rs1: rs1, Operand: operand})
	return len(l.out.Instrs) - 1
}

func (l *lowerer) outPC() uint32 { return uint32(len(l.out.Instrs)) }

func (l *lowerer) push(r uint8) error {
	l.vstack = append(l.vstack, r)
	if d := len(l.vstack); d > l.maxDepth {
		l.maxDepth = d
	}
	return nil
}

func (l *lowerer) pop() uint8 {
	r := l.vstack[len(l.vstack)-1]
	l.vstack = l.vstack[:len(l.vstack)-1]
	return r
}

// tempFor returns the temporary register owning vstack position pos.
func (l *lowerer) tempFor(pos int) (uint8, error) {
	r := l.out.LocalRegs + pos
	if r >= maxVirtualRegs {
		return 0, ErrUnsupported
	}
	return uint8(r), nil
}

// allocTemp reserves the temporary for the position the next push fills.
func (l *lowerer) allocTemp() (uint8, error) {
	return l.tempFor(len(l.vstack))
}

// detachLocal copies any virtual-stack alias of local reg into its
// position's temporary before the local is overwritten, preserving the
// by-value stack semantics.
func (l *lowerer) detachLocal(local uint8, keepTop bool) error {
	top := len(l.vstack) - 1
	for pos, r := range l.vstack {
		if r != local || (keepTop && pos == top) {
			continue
		}
		t, err := l.tempFor(pos)
		if err != nil {
			return err
		}
		l.emit(RMov, t, r, 0)
		l.vstack[pos] = t
	}
	return nil
}

func (l *lowerer) branchTarget(depth int) *loweringBlock {
	return l.blocks[len(l.blocks)-1-depth]
}

// moveBranchResult funnels the branch's carried value into the target
// block's result register.
func (l *lowerer) moveBranchResult(b *loweringBlock) {
	if b.resultRegs == 0 || b.kind == shoalir.OpLoop {
		return
	}
	top := l.vstack[len(l.vstack)-1]
	if top != b.resultReg {
		l.emit(RMov, b.resultReg, top, 0)
	}
}

// emitBr appends a branch record resolved against b (loop header now,
// post-end patch later).
func (l *lowerer) emitBr(op RegOp, cond uint8, b *loweringBlock) {
	var rec int
	if op == RBr {
		rec = l.emit(RBr, 0, 0, 0)
	} else {
		rec = l.emit(op, 0, cond, 0)
	}
	if b.kind == shoalir.OpLoop {
		l.out.Instrs[rec].Operand = b.loopPC
	} else {
		b.patch = append(b.patch, rec)
	}
}

func (l *lowerer) run() error {
	instrs := l.src.Instrs
	for l.pc = 0; int(l.pc) < len(instrs); l.pc++ {
		in := instrs[l.pc]
		if err := l.step(in); err != nil {
			return err
		}
		if l.done {
			return nil
		}
	}
	return nil
}

func (l *lowerer) step(in shoalir.Instr) error {
	op := in.Op

	// Generic numeric ops first: they are the bulk of any function.
	if op.IsBinaryNumeric() {
		b, a := l.pop(), l.pop()
		t, err := l.allocTemp()
		if err != nil {
			return err
		}
		l.emit(Numeric(op), t, a, uint32(b))
		return l.push(t)
	}
	if op.IsUnaryNumeric() {
		a := l.pop()
		t, err := l.allocTemp()
		if err != nil {
			return err
		}
		l.emit(Numeric(op), t, a, 0)
		return l.push(t)
	}
	if lop, ok := lowerLoads[op]; ok {
		if in.Extra != 0 { // non-zero memory index or pooled offset
			return ErrUnsupported
		}
		addr := l.pop()
		t, err := l.allocTemp()
		if err != nil {
			return err
		}
		l.emit(lop, t, addr, in.Operand)
		return l.push(t)
	}
	if sop, ok := lowerStores[op]; ok {
		if in.Extra != 0 {
			return ErrUnsupported
		}
		val := l.pop()
		addr := l.pop()
		l.emit(sop, addr, val, in.Operand)
		return nil
	}

	switch op {
	case shoalir.OpNop:
	case shoalir.OpUnreachable:
		l.emit(RUnreachable, 0, 0, 0)
		l.unreachable = true

	case shoalir.OpBlock, shoalir.OpLoop:
		if shoalir.LabelParamSlots(in.Extra) != 0 || shoalir.LabelResultSlots(in.Extra) > 1 {
			return ErrUnsupported
		}
		b := &loweringBlock{
			kind:        op,
			entryDepth:  len(l.vstack),
			resultRegs:  shoalir.LabelResultSlots(in.Extra),
			savedStack:  append([]uint8(nil), l.vstack...),
		}
		r, err := l.tempFor(b.entryDepth)
		if err != nil {
			return err
		}
		b.resultReg = r
		if op == shoalir.OpLoop {
			b.loopPC = l.outPC()
		}
		l.blocks = append(l.blocks, b)

	case shoalir.OpIf:
		if shoalir.LabelParamSlots(in.Extra) != 0 || shoalir.LabelResultSlots(in.Extra) > 1 {
			return ErrUnsupported
		}
		cond := l.pop()
		b := &loweringBlock{
			kind:       op,
			entryDepth: len(l.vstack),
			resultRegs: shoalir.LabelResultSlots(in.Extra),
			savedStack: append([]uint8(nil), l.vstack...),
		}
		r, err := l.tempFor(b.entryDepth)
		if err != nil {
			return err
		}
		b.resultReg = r
		b.elsePatch = append(b.elsePatch, l.emit(RBrIfNot, 0, cond, 0))
		l.blocks = append(l.blocks, b)

	case shoalir.OpIfMeta:

	case shoalir.OpElse:
		b := l.blocks[len(l.blocks)-1]
		if !l.unreachable {
			if b.resultRegs == 1 {
				top := l.pop()
				if top != b.resultReg {
					l.emit(RMov, b.resultReg, top, 0)
				}
			}
			b.patch = append(b.patch, l.emit(RBr, 0, 0, 0))
		}
		for _, rec := range b.elsePatch {
			l.out.Instrs[rec].Operand = l.outPC()
		}
		b.elsePatch = nil
		l.vstack = append(l.vstack[:0], b.savedStack...)
		l.unreachable = false

	case shoalir.OpEnd:
		b := l.blocks[len(l.blocks)-1]
		l.blocks = l.blocks[:len(l.blocks)-1]
		if !l.unreachable && b.resultRegs == 1 {
			top := l.pop()
			if top != b.resultReg {
				l.emit(RMov, b.resultReg, top, 0)
			}
		}
		end := l.outPC()
		for _, rec := range b.patch {
			l.out.Instrs[rec].Operand = end
		}
		for _, rec := range b.elsePatch { // if with no else: false edge skips to here
			l.out.Instrs[rec].Operand = end
		}
		l.vstack = append(l.vstack[:0], b.savedStack...)
		if b.resultRegs == 1 {
			if err := l.push(b.resultReg); err != nil {
				return err
			}
		}
		l.unreachable = false

	case shoalir.OpBr:
		b := l.branchTarget(int(in.Extra))
		if !l.unreachable {
			l.moveBranchResult(b)
			l.emitBr(RBr, 0, b)
		}
		l.unreachable = true

	case shoalir.OpBrIf:
		cond := l.pop()
		b := l.branchTarget(int(in.Extra))
		l.moveBranchResult(b)
		l.emitBr(RBrIf, cond, b)

	case shoalir.OpBrTable:
		n := in.Operand
		sel := l.pop()
		l.emit(RBrTable, 0, sel, n)
		for i := uint32(0); i <= n; i++ {
			entry := l.src.Instrs[l.pc+1+i]
			b := l.branchTarget(int(entry.Extra))
			if b.resultRegs != 0 && b.kind != shoalir.OpLoop {
				return ErrUnsupported // per-target trampolines not expressible here
			}
			rec := l.emit(RBrTableEntry, 0, 0, 0)
			if b.kind == shoalir.OpLoop {
				l.out.Instrs[rec].Operand = b.loopPC
			} else {
				b.patch = append(b.patch, rec)
			}
		}
		l.pc += n + 1
		l.unreachable = true

	case shoalir.OpReturn:
		outer := l.blocks[0]
		if int(l.pc) == len(l.src.Instrs)-1 {
			// The function's shared epilogue; every branch to the outermost
			// label resumes here.
			if !l.unreachable && l.out.ResultRegs == 1 {
				top := l.pop()
				if top != outer.resultReg {
					l.emit(RMov, outer.resultReg, top, 0)
				}
			}
			retPC := l.outPC()
			for _, rec := range outer.patch {
				l.out.Instrs[rec].Operand = retPC
			}
			rs1 := uint8(NoReg)
			if l.out.ResultRegs == 1 {
				rs1 = outer.resultReg
			}
			l.emit(RRet, 0, rs1, 0)
			l.done = true
			return nil
		}
		// An early return funnels through the shared epilogue.
		if !l.unreachable {
			if l.out.ResultRegs == 1 {
				top := l.pop()
				if top != outer.resultReg {
					l.emit(RMov, outer.resultReg, top, 0)
				}
			}
			outer.patch = append(outer.patch, l.emit(RBr, 0, 0, 0))
		}
		l.unreachable = true

	case shoalir.OpCall:
		ft := l.m.FunctionTypeOf(in.Operand)
		argRegs, resultReg, err := l.callOperands(ft)
		if err != nil {
			return err
		}
		l.emit(RCall, resultReg, uint8(len(argRegs)), in.Operand)
		l.emitCallArgs(argRegs, 0)
		if resultReg != NoReg {
			return l.push(resultReg)
		}

	case shoalir.OpCallIndirect:
		ft := l.m.TypeOfIndex(in.Operand).FuncType
		elemReg := l.pop() // the element index rides above the arguments
		argRegs, resultReg, err := l.callOperands(ft)
		if err != nil {
			return err
		}
		l.emit(RCallIndirect, resultReg, uint8(len(argRegs)), in.Operand<<8|uint32(in.Extra&0xff))
		l.emitCallArgs(argRegs, elemReg)
		if resultReg != NoReg {
			return l.push(resultReg)
		}

	case shoalir.OpLocalGet:
		if in.Extra != 1 {
			return ErrUnsupported
		}
		return l.push(uint8(in.Operand))

	case shoalir.OpLocalGet2:
		if err := l.push(uint8(in.Operand >> 16)); err != nil {
			return err
		}
		return l.push(uint8(in.Operand & 0xffff))

	case shoalir.OpLocalGetI32Const:
		if err := l.push(uint8(in.Extra)); err != nil {
			return err
		}
		t, err := l.allocTemp()
		if err != nil {
			return err
		}
		l.emit(RConst32, t, 0, in.Operand)
		return l.push(t)

	case shoalir.OpI32LtSLocals:
		t, err := l.allocTemp()
		if err != nil {
			return err
		}
		l.emit(Numeric(shoalir.OpI32LtS), t, uint8(in.Operand>>16), in.Operand&0xff)
		return l.push(t)

	case shoalir.OpLocalSet, shoalir.OpLocalTee:
		if in.Extra != 1 {
			return ErrUnsupported
		}
		local := uint8(in.Operand)
		if op == shoalir.OpLocalSet {
			r := l.pop()
			if err := l.detachLocal(local, false); err != nil {
				return err
			}
			if r != local {
				l.emit(RMov, local, r, 0)
			}
		} else {
			r := l.vstack[len(l.vstack)-1]
			if err := l.detachLocal(local, true); err != nil {
				return err
			}
			if r != local {
				l.emit(RMov, local, r, 0)
			}
			// The destination stays on the stack, so the source temporary
			// is dead and copy propagation may retarget its producer.
			l.vstack[len(l.vstack)-1] = local
		}

	case shoalir.OpGlobalGet:
		t, err := l.allocTemp()
		if err != nil {
			return err
		}
		l.emit(RGlobalGet, t, 0, in.Operand)
		return l.push(t)

	case shoalir.OpGlobalSet:
		l.emit(RGlobalSet, 0, l.pop(), in.Operand)

	case shoalir.OpI32Const, shoalir.OpF32Const:
		t, err := l.allocTemp()
		if err != nil {
			return err
		}
		l.emit(RConst32, t, 0, in.Operand)
		return l.push(t)

	case shoalir.OpI64Const, shoalir.OpF64Const:
		t, err := l.allocTemp()
		if err != nil {
			return err
		}
		l.emit(RConst64, t, 0, in.Operand)
		return l.push(t)

	case shoalir.OpDrop:
		if in.Extra != 1 {
			return ErrUnsupported
		}
		l.pop()

	case shoalir.OpSelect:
		if in.Extra != 1 {
			return ErrUnsupported
		}
		cond := l.pop()
		onFalse := l.pop()
		onTrue := l.pop()
		t, err := l.allocTemp()
		if err != nil {
			return err
		}
		l.emit(RSelect, t, cond, uint32(onTrue)|uint32(onFalse)<<8)
		return l.push(t)

	case shoalir.OpMemorySize, shoalir.OpMemoryGrow:
		if in.Extra != 0 {
			return ErrUnsupported
		}
		if op == shoalir.OpMemoryGrow {
			delta := l.pop()
			t, err := l.allocTemp()
			if err != nil {
				return err
			}
			l.emit(RMemoryGrow, t, delta, 0)
			return l.push(t)
		}
		t, err := l.allocTemp()
		if err != nil {
			return err
		}
		l.emit(RMemorySize, t, 0, 0)
		return l.push(t)

	case shoalir.OpMemoryFill:
		if in.Extra != 0 {
			return ErrUnsupported
		}
		length := l.pop()
		val := l.pop()
		dst := l.pop()
		l.emit(RMemoryFill, dst, val, uint32(length))

	case shoalir.OpMemoryCopy:
		if in.Extra != 0 {
			return ErrUnsupported
		}
		length := l.pop()
		src := l.pop()
		dst := l.pop()
		l.emit(RMemoryCopy, dst, src, uint32(length))

	default:
		// v128, references, tables, GC, exceptions, atomics, tail calls,
		// bulk table/data ops: the stack interpreter keeps them.
		return ErrUnsupported
	}
	return nil
}

// callOperands pops the argument registers (last argument on top) and
// allocates the result register.
func (l *lowerer) callOperands(ft *wasm.FunctionType) (args []uint8, result uint8, err error) {
	if len(ft.Params) > 8 || len(ft.Results) > 1 {
		return nil, 0, ErrUnsupported
	}
	for _, p := range ft.Params {
		if p == api.ValueTypeV128 {
			return nil, 0, ErrUnsupported
		}
	}
	args = make([]uint8, len(ft.Params))
	for i := len(args) - 1; i >= 0; i-- {
		args[i] = l.pop()
	}
	result = NoReg
	if len(ft.Results) == 1 {
		r, err := l.allocTemp()
		if err != nil {
			return nil, 0, err
		}
		result = r
	}
	return args, result, nil
}

func (l *lowerer) emitCallArgs(args []uint8, elemReg uint8) {
	var a [8]uint8
	for i := range a {
		a[i] = NoReg
	}
	copy(a[:], args)
	l.emit(RCallArgsA, a[0], a[1], uint32(a[2])|uint32(a[3])<<8|uint32(a[4])<<16|uint32(a[5])<<24)
	l.emit(RCallArgsB, a[6], a[7], uint32(elemReg))
}

var lowerLoads = map[shoalir.Op]RegOp{
	shoalir.OpI32Load: RI32Load, shoalir.OpI64Load: RI64Load,
	shoalir.OpF32Load: RF32Load, shoalir.OpF64Load: RF64Load,
	shoalir.OpI32Load8S: RI32Load8S, shoalir.OpI32Load8U: RI32Load8U,
	shoalir.OpI32Load16S: RI32Load16S, shoalir.OpI32Load16U: RI32Load16U,
	shoalir.OpI64Load8S: RI64Load8S, shoalir.OpI64Load8U: RI64Load8U,
	shoalir.OpI64Load16S: RI64Load16S, shoalir.OpI64Load16U: RI64Load16U,
	shoalir.OpI64Load32S: RI64Load32S, shoalir.OpI64Load32U: RI64Load32U,
}

var lowerStores = map[shoalir.Op]RegOp{
	shoalir.OpI32Store: RI32Store, shoalir.OpI64Store: RI64Store,
	shoalir.OpF32Store: RF32Store, shoalir.OpF64Store: RF64Store,
	shoalir.OpI32Store8: RI32Store8, shoalir.OpI32Store16: RI32Store16,
	shoalir.OpI64Store8: RI64Store8, shoalir.OpI64Store16: RI64Store16,
	shoalir.OpI64Store32: RI64Store32,
}
