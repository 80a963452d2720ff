package shoalir

import (
	"fmt"

	"github.com/shoalwasm/shoal/api"
	"github.com/shoalwasm/shoal/internal/wasm"
)

// simpleOps maps single-byte Wasm opcodes with no immediates to their IR
// op plus their width-stack effect (operand slot pops, result slot pushes).
// Entries cover the whole numeric/comparison/conversion space; everything
// absent is handled explicitly in step.
var simpleOps = map[byte]struct {
	op   Op
	pops int
	push byte // 0 = none, else slot width of the single result
}{
	wasm.OpcodeI32Eqz: {OpI32Eqz, 1, 1}, wasm.OpcodeI32Eq: {OpI32Eq, 2, 1}, wasm.OpcodeI32Ne: {OpI32Ne, 2, 1},
	wasm.OpcodeI32LtS: {OpI32LtS, 2, 1}, wasm.OpcodeI32LtU: {OpI32LtU, 2, 1}, wasm.OpcodeI32GtS: {OpI32GtS, 2, 1},
	wasm.OpcodeI32GtU: {OpI32GtU, 2, 1}, wasm.OpcodeI32LeS: {OpI32LeS, 2, 1}, wasm.OpcodeI32LeU: {OpI32LeU, 2, 1},
	wasm.OpcodeI32GeS: {OpI32GeS, 2, 1}, wasm.OpcodeI32GeU: {OpI32GeU, 2, 1},
	wasm.OpcodeI64Eqz: {OpI64Eqz, 1, 1}, wasm.OpcodeI64Eq: {OpI64Eq, 2, 1}, wasm.OpcodeI64Ne: {OpI64Ne, 2, 1},
	wasm.OpcodeI64LtS: {OpI64LtS, 2, 1}, wasm.OpcodeI64LtU: {OpI64LtU, 2, 1}, wasm.OpcodeI64GtS: {OpI64GtS, 2, 1},
	wasm.OpcodeI64GtU: {OpI64GtU, 2, 1}, wasm.OpcodeI64LeS: {OpI64LeS, 2, 1}, wasm.OpcodeI64LeU: {OpI64LeU, 2, 1},
	wasm.OpcodeI64GeS: {OpI64GeS, 2, 1}, wasm.OpcodeI64GeU: {OpI64GeU, 2, 1},
	wasm.OpcodeF32Eq: {OpF32Eq, 2, 1}, wasm.OpcodeF32Ne: {OpF32Ne, 2, 1}, wasm.OpcodeF32Lt: {OpF32Lt, 2, 1},
	wasm.OpcodeF32Gt: {OpF32Gt, 2, 1}, wasm.OpcodeF32Le: {OpF32Le, 2, 1}, wasm.OpcodeF32Ge: {OpF32Ge, 2, 1},
	wasm.OpcodeF64Eq: {OpF64Eq, 2, 1}, wasm.OpcodeF64Ne: {OpF64Ne, 2, 1}, wasm.OpcodeF64Lt: {OpF64Lt, 2, 1},
	wasm.OpcodeF64Gt: {OpF64Gt, 2, 1}, wasm.OpcodeF64Le: {OpF64Le, 2, 1}, wasm.OpcodeF64Ge: {OpF64Ge, 2, 1},

	wasm.OpcodeI32Clz: {OpI32Clz, 1, 1}, wasm.OpcodeI32Ctz: {OpI32Ctz, 1, 1}, wasm.OpcodeI32Popcnt: {OpI32Popcnt, 1, 1},
	wasm.OpcodeI32Add: {OpI32Add, 2, 1}, wasm.OpcodeI32Sub: {OpI32Sub, 2, 1}, wasm.OpcodeI32Mul: {OpI32Mul, 2, 1},
	wasm.OpcodeI32DivS: {OpI32DivS, 2, 1}, wasm.OpcodeI32DivU: {OpI32DivU, 2, 1},
	wasm.OpcodeI32RemS: {OpI32RemS, 2, 1}, wasm.OpcodeI32RemU: {OpI32RemU, 2, 1},
	wasm.OpcodeI32And: {OpI32And, 2, 1}, wasm.OpcodeI32Or: {OpI32Or, 2, 1}, wasm.OpcodeI32Xor: {OpI32Xor, 2, 1},
	wasm.OpcodeI32Shl: {OpI32Shl, 2, 1}, wasm.OpcodeI32ShrS: {OpI32ShrS, 2, 1}, wasm.OpcodeI32ShrU: {OpI32ShrU, 2, 1},
	wasm.OpcodeI32Rotl: {OpI32Rotl, 2, 1}, wasm.OpcodeI32Rotr: {OpI32Rotr, 2, 1},

	wasm.OpcodeI64Clz: {OpI64Clz, 1, 1}, wasm.OpcodeI64Ctz: {OpI64Ctz, 1, 1}, wasm.OpcodeI64Popcnt: {OpI64Popcnt, 1, 1},
	wasm.OpcodeI64Add: {OpI64Add, 2, 1}, wasm.OpcodeI64Sub: {OpI64Sub, 2, 1}, wasm.OpcodeI64Mul: {OpI64Mul, 2, 1},
	wasm.OpcodeI64DivS: {OpI64DivS, 2, 1}, wasm.OpcodeI64DivU: {OpI64DivU, 2, 1},
	wasm.OpcodeI64RemS: {OpI64RemS, 2, 1}, wasm.OpcodeI64RemU: {OpI64RemU, 2, 1},
	wasm.OpcodeI64And: {OpI64And, 2, 1}, wasm.OpcodeI64Or: {OpI64Or, 2, 1}, wasm.OpcodeI64Xor: {OpI64Xor, 2, 1},
	wasm.OpcodeI64Shl: {OpI64Shl, 2, 1}, wasm.OpcodeI64ShrS: {OpI64ShrS, 2, 1}, wasm.OpcodeI64ShrU: {OpI64ShrU, 2, 1},
	wasm.OpcodeI64Rotl: {OpI64Rotl, 2, 1}, wasm.OpcodeI64Rotr: {OpI64Rotr, 2, 1},

	wasm.OpcodeF32Abs: {OpF32Abs, 1, 1}, wasm.OpcodeF32Neg: {OpF32Neg, 1, 1}, wasm.OpcodeF32Ceil: {OpF32Ceil, 1, 1},
	wasm.OpcodeF32Floor: {OpF32Floor, 1, 1}, wasm.OpcodeF32Trunc: {OpF32Trunc, 1, 1},
	wasm.OpcodeF32Nearest: {OpF32Nearest, 1, 1}, wasm.OpcodeF32Sqrt: {OpF32Sqrt, 1, 1},
	wasm.OpcodeF32Add: {OpF32Add, 2, 1}, wasm.OpcodeF32Sub: {OpF32Sub, 2, 1}, wasm.OpcodeF32Mul: {OpF32Mul, 2, 1},
	wasm.OpcodeF32Div: {OpF32Div, 2, 1}, wasm.OpcodeF32Min: {OpF32Min, 2, 1}, wasm.OpcodeF32Max: {OpF32Max, 2, 1},
	wasm.OpcodeF32Copysign: {OpF32Copysign, 2, 1},

	wasm.OpcodeF64Abs: {OpF64Abs, 1, 1}, wasm.OpcodeF64Neg: {OpF64Neg, 1, 1}, wasm.OpcodeF64Ceil: {OpF64Ceil, 1, 1},
	wasm.OpcodeF64Floor: {OpF64Floor, 1, 1}, wasm.OpcodeF64Trunc: {OpF64Trunc, 1, 1},
	wasm.OpcodeF64Nearest: {OpF64Nearest, 1, 1}, wasm.OpcodeF64Sqrt: {OpF64Sqrt, 1, 1},
	wasm.OpcodeF64Add: {OpF64Add, 2, 1}, wasm.OpcodeF64Sub: {OpF64Sub, 2, 1}, wasm.OpcodeF64Mul: {OpF64Mul, 2, 1},
	wasm.OpcodeF64Div: {OpF64Div, 2, 1}, wasm.OpcodeF64Min: {OpF64Min, 2, 1}, wasm.OpcodeF64Max: {OpF64Max, 2, 1},
	wasm.OpcodeF64Copysign: {OpF64Copysign, 2, 1},

	wasm.OpcodeI32WrapI64: {OpI32WrapI64, 1, 1},
	wasm.OpcodeI32TruncF32S: {OpI32TruncF32S, 1, 1}, wasm.OpcodeI32TruncF32U: {OpI32TruncF32U, 1, 1},
	wasm.OpcodeI32TruncF64S: {OpI32TruncF64S, 1, 1}, wasm.OpcodeI32TruncF64U: {OpI32TruncF64U, 1, 1},
	wasm.OpcodeI64ExtendI32S: {OpI64ExtendI32S, 1, 1}, wasm.OpcodeI64ExtendI32U: {OpI64ExtendI32U, 1, 1},
	wasm.OpcodeI64TruncF32S: {OpI64TruncF32S, 1, 1}, wasm.OpcodeI64TruncF32U: {OpI64TruncF32U, 1, 1},
	wasm.OpcodeI64TruncF64S: {OpI64TruncF64S, 1, 1}, wasm.OpcodeI64TruncF64U: {OpI64TruncF64U, 1, 1},
	wasm.OpcodeF32ConvertI32S: {OpF32ConvertI32S, 1, 1}, wasm.OpcodeF32ConvertI32U: {OpF32ConvertI32U, 1, 1},
	wasm.OpcodeF32ConvertI64S: {OpF32ConvertI64S, 1, 1}, wasm.OpcodeF32ConvertI64U: {OpF32ConvertI64U, 1, 1},
	wasm.OpcodeF32DemoteF64: {OpF32DemoteF64, 1, 1},
	wasm.OpcodeF64ConvertI32S: {OpF64ConvertI32S, 1, 1}, wasm.OpcodeF64ConvertI32U: {OpF64ConvertI32U, 1, 1},
	wasm.OpcodeF64ConvertI64S: {OpF64ConvertI64S, 1, 1}, wasm.OpcodeF64ConvertI64U: {OpF64ConvertI64U, 1, 1},
	wasm.OpcodeF64PromoteF32: {OpF64PromoteF32, 1, 1},
	wasm.OpcodeI32ReinterpretF32: {OpI32ReinterpretF32, 1, 1}, wasm.OpcodeI64ReinterpretF64: {OpI64ReinterpretF64, 1, 1},
	wasm.OpcodeF32ReinterpretI32: {OpF32ReinterpretI32, 1, 1}, wasm.OpcodeF64ReinterpretI64: {OpF64ReinterpretI64, 1, 1},

	wasm.OpcodeI32Extend8S: {OpI32Extend8S, 1, 1}, wasm.OpcodeI32Extend16S: {OpI32Extend16S, 1, 1},
	wasm.OpcodeI64Extend8S: {OpI64Extend8S, 1, 1}, wasm.OpcodeI64Extend16S: {OpI64Extend16S, 1, 1},
	wasm.OpcodeI64Extend32S: {OpI64Extend32S, 1, 1},

	wasm.OpcodeRefIsNull: {OpRefIsNull, 1, 1},
	wasm.OpcodeRefAsNonNull: {OpRefAsNonNull, 1, 1},
	wasm.OpcodeRefEq: {OpRefEq, 2, 1},
}

// loadOps maps the scalar load opcodes to their IR form; all push width 1.
var loadOps = map[byte]Op{
	wasm.OpcodeI32Load: OpI32Load, wasm.OpcodeI64Load: OpI64Load,
	wasm.OpcodeF32Load: OpF32Load, wasm.OpcodeF64Load: OpF64Load,
	wasm.OpcodeI32Load8S: OpI32Load8S, wasm.OpcodeI32Load8U: OpI32Load8U,
	wasm.OpcodeI32Load16S: OpI32Load16S, wasm.OpcodeI32Load16U: OpI32Load16U,
	wasm.OpcodeI64Load8S: OpI64Load8S, wasm.OpcodeI64Load8U: OpI64Load8U,
	wasm.OpcodeI64Load16S: OpI64Load16S, wasm.OpcodeI64Load16U: OpI64Load16U,
	wasm.OpcodeI64Load32S: OpI64Load32S, wasm.OpcodeI64Load32U: OpI64Load32U,
}

var storeOps = map[byte]Op{
	wasm.OpcodeI32Store: OpI32Store, wasm.OpcodeI64Store: OpI64Store,
	wasm.OpcodeF32Store: OpF32Store, wasm.OpcodeF64Store: OpF64Store,
	wasm.OpcodeI32Store8: OpI32Store8, wasm.OpcodeI32Store16: OpI32Store16,
	wasm.OpcodeI64Store8: OpI64Store8, wasm.OpcodeI64Store16: OpI64Store16,
	wasm.OpcodeI64Store32: OpI64Store32,
}

// emitMemAccess encodes a memory immediate into Extra/Operand, pooling
// offsets too wide for the record.
func (c *compiler) emitMemAccess(op Op, memIdx uint32, offset uint64) {
	extra := uint16(memIdx & 0xff)
	var operand uint32
	if offset > 0xffffffff {
		extra |= PoolOffsetFlag
		operand = c.pool(offset)
	} else {
		operand = uint32(offset)
	}
	c.emit(op, extra, operand)
	c.fusable = -1
}

// step translates one Wasm opcode; returns done=true at the function's
// final end.
func (c *compiler) step(op byte) (done bool, err error) {
	if c.unreachable {
		handled, err := c.skipStep(op)
		if err != nil || handled {
			return false, err
		}
		// end/else at depth 0: fall through to the reachable handlers,
		// which restore the width stack from the block entry snapshot.
		c.unreachable = false
	}

	if e, ok := simpleOps[op]; ok {
		c.popN(e.pops)
		if e.push != 0 {
			c.push(e.push)
		}
		c.emitFusable(e.op, 0, 0)
		return false, nil
	}
	if irOp, ok := loadOps[op]; ok {
		memIdx, offset, err := c.readMemArg()
		if err != nil {
			return false, err
		}
		c.pop() // address
		c.push(1)
		c.emitMemAccess(irOp, memIdx, offset)
		return false, nil
	}
	if irOp, ok := storeOps[op]; ok {
		memIdx, offset, err := c.readMemArg()
		if err != nil {
			return false, err
		}
		c.popN(2) // value, address
		c.emitMemAccess(irOp, memIdx, offset)
		return false, nil
	}

	switch op {
	case wasm.OpcodeNop:
	case wasm.OpcodeUnreachable:
		c.emit(OpUnreachable, 0, 0)
		c.setUnreachable()

	case wasm.OpcodeBlock, wasm.OpcodeLoop:
		params, results, err := c.readBlockSignature()
		if err != nil {
			return false, err
		}
		b := &blockInfo{
			paramSlots: slotCount(params), resultSlots: slotCount(results),
			paramTypes: params, resultTypes: results,
		}
		extra := PackLabelExtra(b.paramSlots, b.resultSlots)
		if op == wasm.OpcodeLoop {
			b.op = OpLoop
			rec := c.emit(OpLoop, extra, 0)
			// Backward branches land just past the label push.
			b.loopPC = uint32(rec) + 1
			c.code.Instrs[rec].Operand = b.loopPC
		} else {
			b.op = OpBlock
			rec := c.emit(OpBlock, extra, 0)
			b.patch = append(b.patch, rec)
		}
		c.popTypes(params)
		b.savedWidths = append([]byte(nil), c.widths...)
		c.pushTypes(params)
		c.blocks = append(c.blocks, b)
		c.fusable = -1

	case wasm.OpcodeIf:
		params, results, err := c.readBlockSignature()
		if err != nil {
			return false, err
		}
		c.pop() // condition
		b := &blockInfo{
			op: OpIf, paramSlots: slotCount(params), resultSlots: slotCount(results),
			paramTypes: params, resultTypes: results,
		}
		extra := PackLabelExtra(b.paramSlots, b.resultSlots)
		b.ifRecIdx = c.emit(OpIf, extra, 0)
		b.ifMetaIdx = c.emit(OpIfMeta, 0, 0)
		c.popTypes(params)
		b.savedWidths = append([]byte(nil), c.widths...)
		c.pushTypes(params)
		c.blocks = append(c.blocks, b)
		c.fusable = -1

	case wasm.OpcodeElse:
		b := c.blocks[len(c.blocks)-1]
		if b.op != OpIf {
			return false, fmt.Errorf("else outside if")
		}
		b.hasElse = true
		b.elseRecIdx = c.emit(OpElse, 0, 0)
		// A false condition enters here, right after the OpElse record.
		c.code.Instrs[b.ifRecIdx].Operand = c.pc()
		c.widths = append(c.widths[:0], b.savedWidths...)
		c.pushTypes(b.paramTypes)
		c.fusable = -1

	case wasm.OpcodeEnd:
		b := c.blocks[len(c.blocks)-1]
		c.blocks = c.blocks[:len(c.blocks)-1]
		if len(c.blocks) == 0 {
			// Function end: the implicit return. Branches to the outermost
			// label land here.
			rec := c.emit(OpReturn, 0, 0)
			c.patchBlockEnd(b, uint32(rec))
			return true, nil
		}
		c.emit(OpEnd, 0, 0)
		c.patchBlockEnd(b, c.pc())
		c.widths = append(c.widths[:0], b.savedWidths...)
		c.pushTypes(b.resultTypes)
		c.fusable = -1

	case wasm.OpcodeBr:
		depth, err := c.readU32()
		if err != nil {
			return false, err
		}
		if err := c.emitBranch(OpBr, depth); err != nil {
			return false, err
		}
		c.setUnreachable()

	case wasm.OpcodeBrIf:
		depth, err := c.readU32()
		if err != nil {
			return false, err
		}
		c.pop()
		if err := c.emitBranch(OpBrIf, depth); err != nil {
			return false, err
		}
		c.fusable = -1

	case wasm.OpcodeBrTable:
		n, err := c.readU32()
		if err != nil {
			return false, err
		}
		c.pop() // selector
		c.emit(OpBrTable, 0, n)
		for i := uint32(0); i <= n; i++ {
			depth, err := c.readU32()
			if err != nil {
				return false, err
			}
			if err := c.emitBranch(OpBrTableEntry, depth); err != nil {
				return false, err
			}
		}
		c.setUnreachable()

	case wasm.OpcodeReturn:
		c.emit(OpReturn, 0, 0)
		c.setUnreachable()

	case wasm.OpcodeCall, wasm.OpcodeReturnCall:
		idx, err := c.readU32()
		if err != nil {
			return false, err
		}
		ft := c.m.FunctionTypeOf(idx)
		c.popTypes(ft.Params)
		irOp := OpCall
		if op == wasm.OpcodeReturnCall {
			irOp = OpReturnCall
		}
		c.emit(irOp, 0, idx)
		if op == wasm.OpcodeReturnCall {
			c.setUnreachable()
		} else {
			c.pushTypes(ft.Results)
			c.fusable = -1
		}

	case wasm.OpcodeCallIndirect, wasm.OpcodeReturnCallIndirect:
		typeIdx, err := c.readU32()
		if err != nil {
			return false, err
		}
		tableIdx, err := c.readU32()
		if err != nil {
			return false, err
		}
		ft, err := c.funcType(typeIdx)
		if err != nil {
			return false, err
		}
		c.pop() // element index
		c.popTypes(ft.Params)
		irOp := OpCallIndirect
		if op == wasm.OpcodeReturnCallIndirect {
			irOp = OpReturnCallIndirect
		}
		c.emit(irOp, uint16(tableIdx), typeIdx)
		if op == wasm.OpcodeReturnCallIndirect {
			c.setUnreachable()
		} else {
			c.pushTypes(ft.Results)
			c.fusable = -1
		}

	case wasm.OpcodeCallRef, wasm.OpcodeReturnCallRef:
		typeIdx, err := c.readU32()
		if err != nil {
			return false, err
		}
		ft, err := c.funcType(typeIdx)
		if err != nil {
			return false, err
		}
		c.pop() // funcref
		c.popTypes(ft.Params)
		irOp := OpCallRef
		if op == wasm.OpcodeReturnCallRef {
			irOp = OpReturnCallRef
		}
		c.emit(irOp, 0, typeIdx)
		if op == wasm.OpcodeReturnCallRef {
			c.setUnreachable()
		} else {
			c.pushTypes(ft.Results)
			c.fusable = -1
		}

	case wasm.OpcodeThrow:
		tagIdx, err := c.readU32()
		if err != nil {
			return false, err
		}
		params := c.tagParams(tagIdx)
		slots := slotCount(params)
		c.popTypes(params)
		c.emit(OpThrow, uint16(slots), tagIdx)
		c.setUnreachable()

	case wasm.OpcodeThrowRef:
		c.pop()
		c.emit(OpThrowRef, 0, 0)
		c.setUnreachable()

	case wasm.OpcodeTryTable:
		params, results, err := c.readBlockSignature()
		if err != nil {
			return false, err
		}
		b := &blockInfo{
			op: OpTryTable, paramSlots: slotCount(params), resultSlots: slotCount(results),
			paramTypes: params, resultTypes: results,
		}
		rec := c.emit(OpTryTable, PackLabelExtra(b.paramSlots, b.resultSlots), 0)
		b.patch = append(b.patch, rec)
		n, err := c.readU32()
		if err != nil {
			return false, err
		}
		c.emit(OpTryTableMeta, 0, n)
		for i := uint32(0); i < n; i++ {
			kind, err := c.readByte()
			if err != nil {
				return false, err
			}
			tagIdx := uint32(0)
			if kind == 0 || kind == 1 {
				if tagIdx, err = c.readU32(); err != nil {
					return false, err
				}
			}
			label, err := c.readU32()
			if err != nil {
				return false, err
			}
			c.emit(OpCatchClause, uint16(kind), c.pool(uint64(tagIdx)<<32|uint64(label)))
		}
		c.popTypes(params)
		b.savedWidths = append([]byte(nil), c.widths...)
		c.pushTypes(params)
		c.blocks = append(c.blocks, b)
		c.fusable = -1

	case wasm.OpcodeDrop:
		w := c.pop()
		c.emit(OpDrop, uint16(w), 0)
		c.fusable = -1

	case wasm.OpcodeSelect:
		c.pop() // condition
		w := c.pop()
		c.pop()
		c.push(w)
		c.emit(OpSelect, uint16(w), 0)
		c.fusable = -1

	case wasm.OpcodeSelectT:
		n, err := c.readU32()
		if err != nil {
			return false, err
		}
		var w byte = 1
		for i := uint32(0); i < n; i++ {
			t, err := c.readByte()
			if err != nil {
				return false, err
			}
			w = byte(slotsOf(t))
		}
		c.pop()
		c.pop()
		c.pop()
		c.push(w)
		c.emit(OpSelect, uint16(w), 0)
		c.fusable = -1

	case wasm.OpcodeLocalGet, wasm.OpcodeLocalSet, wasm.OpcodeLocalTee:
		idx, err := c.readU32()
		if err != nil {
			return false, err
		}
		slot := c.code.LocalSlotOffsets[idx]
		w := byte(slotsOf(c.code.LocalTypes[idx]))
		switch op {
		case wasm.OpcodeLocalGet:
			c.push(w)
			c.emitFusable(OpLocalGet, uint16(w), slot)
		case wasm.OpcodeLocalSet:
			c.pop()
			c.emit(OpLocalSet, uint16(w), slot)
			c.fusable = -1
		default:
			c.emit(OpLocalTee, uint16(w), slot)
			c.fusable = -1
		}

	case wasm.OpcodeGlobalGet:
		idx, err := c.readU32()
		if err != nil {
			return false, err
		}
		c.push(byte(slotsOf(c.globalType(idx))))
		c.emit(OpGlobalGet, 0, idx)
		c.fusable = -1

	case wasm.OpcodeGlobalSet:
		idx, err := c.readU32()
		if err != nil {
			return false, err
		}
		c.pop()
		c.emit(OpGlobalSet, 0, idx)
		c.fusable = -1

	case wasm.OpcodeI32Const:
		v, err := c.readI32()
		if err != nil {
			return false, err
		}
		c.push(1)
		c.emitFusable(OpI32Const, 0, uint32(v))

	case wasm.OpcodeI64Const:
		v, err := c.readI64()
		if err != nil {
			return false, err
		}
		c.push(1)
		c.emit(OpI64Const, 0, c.pool(uint64(v)))
		c.fusable = -1

	case wasm.OpcodeF32Const:
		bits, err := c.readF32Bits()
		if err != nil {
			return false, err
		}
		c.push(1)
		c.emit(OpF32Const, 0, bits)
		c.fusable = -1

	case wasm.OpcodeF64Const:
		bits, err := c.readF64Bits()
		if err != nil {
			return false, err
		}
		c.push(1)
		c.emit(OpF64Const, 0, c.pool(bits))
		c.fusable = -1

	case wasm.OpcodeMemorySize, wasm.OpcodeMemoryGrow:
		memIdx, err := c.readByte()
		if err != nil {
			return false, err
		}
		if op == wasm.OpcodeMemorySize {
			c.push(1)
			c.emit(OpMemorySize, uint16(memIdx), 0)
		} else {
			c.pop()
			c.push(1)
			c.emit(OpMemoryGrow, uint16(memIdx), 0)
		}
		c.fusable = -1

	case wasm.OpcodeRefNull:
		if _, err := c.readI33(); err != nil {
			return false, err
		}
		c.push(1)
		c.emit(OpRefNull, 0, 0)
		c.fusable = -1

	case wasm.OpcodeRefFunc:
		idx, err := c.readU32()
		if err != nil {
			return false, err
		}
		c.push(1)
		c.emit(OpRefFunc, 0, idx)
		c.fusable = -1

	case wasm.OpcodeBrOnNull, wasm.OpcodeBrOnNonNull:
		depth, err := c.readU32()
		if err != nil {
			return false, err
		}
		irOp := OpBrOnNull
		if op == wasm.OpcodeBrOnNonNull {
			irOp = OpBrOnNonNull
			c.pop()
		}
		if err := c.emitBranch(irOp, depth); err != nil {
			return false, err
		}
		c.fusable = -1

	case wasm.OpcodeTableGet:
		idx, err := c.readU32()
		if err != nil {
			return false, err
		}
		c.pop()
		c.push(1)
		c.emit(OpTableGet, 0, idx)
		c.fusable = -1

	case wasm.OpcodeTableSet:
		idx, err := c.readU32()
		if err != nil {
			return false, err
		}
		c.popN(2)
		c.emit(OpTableSet, 0, idx)
		c.fusable = -1

	case wasm.OpcodeGCPrefix:
		return false, c.stepGC()

	case wasm.OpcodeMiscPrefix:
		return false, c.stepMisc()

	case wasm.OpcodeVecPrefix:
		return false, c.stepVec()

	case wasm.OpcodeAtomicPrefix:
		return false, c.stepAtomic()

	default:
		return false, fmt.Errorf("unsupported opcode %#x", op)
	}
	return false, nil
}

func (c *compiler) globalType(idx uint32) api.ValueType {
	n := uint32(0)
	for _, imp := range c.m.ImportSection {
		if imp.Type == wasm.ExternTypeGlobal {
			if n == idx {
				return imp.DescGlobal.ValType
			}
			n++
		}
	}
	return c.m.GlobalSection[idx-n].ValType
}

func (c *compiler) tagParams(tagIdx uint32) []api.ValueType {
	n := uint32(0)
	for _, imp := range c.m.ImportSection {
		if imp.Type == wasm.ExternTypeTag {
			if n == tagIdx {
				return c.m.TypeOfIndex(imp.DescTag.FuncTypeIndex).FuncType.Params
			}
			n++
		}
	}
	return c.m.TypeOfIndex(c.m.TagSection[tagIdx-n].FuncTypeIndex).FuncType.Params
}
