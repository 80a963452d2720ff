package shoalir

import (
	"encoding/binary"
	"fmt"

	"github.com/shoalwasm/shoal/internal/wasm"
)

func (c *compiler) stepMisc() error {
	sub, err := c.readU32()
	if err != nil {
		return err
	}
	c.fusable = -1
	switch byte(sub) {
	case wasm.OpcodeMiscI32TruncSatF32S, wasm.OpcodeMiscI32TruncSatF32U,
		wasm.OpcodeMiscI32TruncSatF64S, wasm.OpcodeMiscI32TruncSatF64U,
		wasm.OpcodeMiscI64TruncSatF32S, wasm.OpcodeMiscI64TruncSatF32U,
		wasm.OpcodeMiscI64TruncSatF64S, wasm.OpcodeMiscI64TruncSatF64U:
		c.pop()
		c.push(1)
		c.emit(OpI32TruncSatF32S+Op(byte(sub)-wasm.OpcodeMiscI32TruncSatF32S), 0, 0)
		return nil

	case wasm.OpcodeMiscMemoryInit:
		dataIdx, err := c.readU32()
		if err != nil {
			return err
		}
		memIdx, err := c.readByte()
		if err != nil {
			return err
		}
		c.popN(3)
		c.emit(OpMemoryInit, uint16(memIdx), dataIdx)
		return nil
	case wasm.OpcodeMiscDataDrop:
		dataIdx, err := c.readU32()
		if err != nil {
			return err
		}
		c.emit(OpDataDrop, 0, dataIdx)
		return nil
	case wasm.OpcodeMiscMemoryCopy:
		dst, err := c.readByte()
		if err != nil {
			return err
		}
		src, err := c.readByte()
		if err != nil {
			return err
		}
		c.popN(3)
		c.emit(OpMemoryCopy, uint16(dst)<<8|uint16(src), 0)
		return nil
	case wasm.OpcodeMiscMemoryFill:
		memIdx, err := c.readByte()
		if err != nil {
			return err
		}
		c.popN(3)
		c.emit(OpMemoryFill, uint16(memIdx), 0)
		return nil

	case wasm.OpcodeMiscTableInit:
		elemIdx, err := c.readU32()
		if err != nil {
			return err
		}
		tableIdx, err := c.readU32()
		if err != nil {
			return err
		}
		c.popN(3)
		c.emit(OpTableInit, uint16(tableIdx), elemIdx)
		return nil
	case wasm.OpcodeMiscElemDrop:
		elemIdx, err := c.readU32()
		if err != nil {
			return err
		}
		c.emit(OpElemDrop, 0, elemIdx)
		return nil
	case wasm.OpcodeMiscTableCopy:
		dst, err := c.readU32()
		if err != nil {
			return err
		}
		src, err := c.readU32()
		if err != nil {
			return err
		}
		c.popN(3)
		c.emit(OpTableCopy, uint16(dst)<<8|uint16(src), 0)
		return nil
	case wasm.OpcodeMiscTableGrow:
		tableIdx, err := c.readU32()
		if err != nil {
			return err
		}
		c.popN(2)
		c.push(1)
		c.emit(OpTableGrow, 0, tableIdx)
		return nil
	case wasm.OpcodeMiscTableSize:
		tableIdx, err := c.readU32()
		if err != nil {
			return err
		}
		c.push(1)
		c.emit(OpTableSize, 0, tableIdx)
		return nil
	case wasm.OpcodeMiscTableFill:
		tableIdx, err := c.readU32()
		if err != nil {
			return err
		}
		c.popN(3)
		c.emit(OpTableFill, 0, tableIdx)
		return nil
	}
	return fmt.Errorf("unsupported 0xfc opcode %#x", sub)
}

func (c *compiler) stepGC() error {
	sub, err := c.readU32()
	if err != nil {
		return err
	}
	c.fusable = -1
	switch byte(sub) {
	case wasm.OpcodeGCStructNew, wasm.OpcodeGCStructNewDefault:
		typeIdx, err := c.readU32()
		if err != nil {
			return err
		}
		if byte(sub) == wasm.OpcodeGCStructNew {
			st := c.m.TypeOfIndex(typeIdx).StructType
			for range st.Fields {
				c.pop()
			}
			c.push(1)
			c.emit(OpStructNew, 0, typeIdx)
		} else {
			c.push(1)
			c.emit(OpStructNewDefault, 0, typeIdx)
		}
		return nil
	case wasm.OpcodeGCStructGet, wasm.OpcodeGCStructSet:
		typeIdx, err := c.readU32()
		if err != nil {
			return err
		}
		fieldIdx, err := c.readU32()
		if err != nil {
			return err
		}
		if byte(sub) == wasm.OpcodeGCStructGet {
			c.pop()
			c.push(1)
			c.emit(OpStructGet, uint16(fieldIdx), typeIdx)
		} else {
			c.popN(2)
			c.emit(OpStructSet, uint16(fieldIdx), typeIdx)
		}
		return nil
	case wasm.OpcodeGCArrayNew, wasm.OpcodeGCArrayNewDefault:
		typeIdx, err := c.readU32()
		if err != nil {
			return err
		}
		if byte(sub) == wasm.OpcodeGCArrayNew {
			c.popN(2)
			c.emit(OpArrayNew, 0, typeIdx)
		} else {
			c.pop()
			c.emit(OpArrayNewDefault, 0, typeIdx)
		}
		c.push(1)
		return nil
	case wasm.OpcodeGCArrayNewFixed:
		typeIdx, err := c.readU32()
		if err != nil {
			return err
		}
		n, err := c.readU32()
		if err != nil {
			return err
		}
		c.popN(int(n))
		c.push(1)
		c.emit(OpArrayNewFixed, uint16(n), typeIdx)
		return nil
	case wasm.OpcodeGCArrayGet:
		typeIdx, err := c.readU32()
		if err != nil {
			return err
		}
		c.popN(2)
		c.push(1)
		c.emit(OpArrayGet, 0, typeIdx)
		return nil
	case wasm.OpcodeGCArraySet:
		typeIdx, err := c.readU32()
		if err != nil {
			return err
		}
		c.popN(3)
		c.emit(OpArraySet, 0, typeIdx)
		return nil
	case wasm.OpcodeGCArrayLen:
		c.pop()
		c.push(1)
		c.emit(OpArrayLen, 0, 0)
		return nil
	case wasm.OpcodeGCArrayFill:
		typeIdx, err := c.readU32()
		if err != nil {
			return err
		}
		c.popN(4)
		c.emit(OpArrayFill, 0, typeIdx)
		return nil
	case wasm.OpcodeGCRefTest, wasm.OpcodeGCRefTestNull, wasm.OpcodeGCRefCast, wasm.OpcodeGCRefCastNull:
		heap, err := c.readI33()
		if err != nil {
			return err
		}
		operand := uint32(0xffffffff) // abstract heap type: any
		if heap >= 0 {
			operand = uint32(heap)
		}
		var extra uint16
		if byte(sub) == wasm.OpcodeGCRefTestNull || byte(sub) == wasm.OpcodeGCRefCastNull {
			extra = 1
		}
		c.pop()
		c.push(1)
		if byte(sub) == wasm.OpcodeGCRefTest || byte(sub) == wasm.OpcodeGCRefTestNull {
			c.emit(OpRefTest, extra, operand)
		} else {
			c.emit(OpRefCast, extra, operand)
		}
		return nil
	case wasm.OpcodeGCRefI31:
		c.pop()
		c.push(1)
		c.emit(OpRefI31, 0, 0)
		return nil
	case wasm.OpcodeGCI31GetS, wasm.OpcodeGCI31GetU:
		c.pop()
		c.push(1)
		if byte(sub) == wasm.OpcodeGCI31GetS {
			c.emit(OpI31GetS, 0, 0)
		} else {
			c.emit(OpI31GetU, 0, 0)
		}
		return nil
	}
	return fmt.Errorf("unsupported 0xfb opcode %#x", sub)
}

func (c *compiler) stepVec() error {
	sub, err := c.readU32()
	if err != nil {
		return err
	}
	c.fusable = -1
	switch byte(sub) {
	case wasm.OpcodeVecV128Const, wasm.OpcodeVecI8x16Shuffle:
		if c.pos+16 > len(c.body) {
			return fmt.Errorf("truncated v128 immediate")
		}
		lo := binary.LittleEndian.Uint64(c.body[c.pos:])
		hi := binary.LittleEndian.Uint64(c.body[c.pos+8:])
		c.pos += 16
		if byte(sub) == wasm.OpcodeVecV128Const {
			c.push(2)
			c.emit(OpV128Const, 0, c.pool2(lo, hi))
		} else {
			c.popN(2)
			c.push(2)
			c.emit(OpI8x16Shuffle, 0, c.pool2(lo, hi))
		}
		return nil
	case wasm.OpcodeVecV128Load, wasm.OpcodeVecV128Store:
		memIdx, offset, err := c.readMemArg()
		if err != nil {
			return err
		}
		if byte(sub) == wasm.OpcodeVecV128Load {
			c.pop()
			c.push(2)
			c.emitMemAccess(OpV128Load, memIdx, offset)
		} else {
			c.popN(2) // the v128 value...
			c.pop()   // ...and the address
			c.emitMemAccess(OpV128Store, memIdx, offset)
		}
		return nil
	case wasm.OpcodeVecI8x16Splat, wasm.OpcodeVecI16x8Splat, wasm.OpcodeVecI32x4Splat,
		wasm.OpcodeVecI64x2Splat, wasm.OpcodeVecF32x4Splat, wasm.OpcodeVecF64x2Splat:
		c.pop()
		c.push(2)
		switch byte(sub) {
		case wasm.OpcodeVecI8x16Splat:
			c.emit(OpI8x16Splat, 0, 0)
		case wasm.OpcodeVecI16x8Splat:
			c.emit(OpI16x8Splat, 0, 0)
		case wasm.OpcodeVecI32x4Splat:
			c.emit(OpI32x4Splat, 0, 0)
		case wasm.OpcodeVecI64x2Splat:
			c.emit(OpI64x2Splat, 0, 0)
		case wasm.OpcodeVecF32x4Splat:
			c.emit(OpF32x4Splat, 0, 0)
		default:
			c.emit(OpF64x2Splat, 0, 0)
		}
		return nil
	case wasm.OpcodeVecV128Not:
		c.popN(2)
		c.push(2)
		c.emit(OpV128Not, 0, 0)
		return nil
	case wasm.OpcodeVecV128And, wasm.OpcodeVecV128Or, wasm.OpcodeVecV128Xor,
		wasm.OpcodeVecI32x4Add, wasm.OpcodeVecI32x4Sub, wasm.OpcodeVecI32x4Mul,
		wasm.OpcodeVecI64x2Add, wasm.OpcodeVecI64x2Sub,
		wasm.OpcodeVecF32x4Add, wasm.OpcodeVecF32x4Sub,
		wasm.OpcodeVecF64x2Add, wasm.OpcodeVecF64x2Sub:
		c.popN(4)
		c.push(2)
		var irOp Op
		switch byte(sub) {
		case wasm.OpcodeVecV128And:
			irOp = OpV128And
		case wasm.OpcodeVecV128Or:
			irOp = OpV128Or
		case wasm.OpcodeVecV128Xor:
			irOp = OpV128Xor
		case wasm.OpcodeVecI32x4Add:
			irOp = OpI32x4Add
		case wasm.OpcodeVecI32x4Sub:
			irOp = OpI32x4Sub
		case wasm.OpcodeVecI32x4Mul:
			irOp = OpI32x4Mul
		case wasm.OpcodeVecI64x2Add:
			irOp = OpI64x2Add
		case wasm.OpcodeVecI64x2Sub:
			irOp = OpI64x2Sub
		case wasm.OpcodeVecF32x4Add:
			irOp = OpF32x4Add
		case wasm.OpcodeVecF32x4Sub:
			irOp = OpF32x4Sub
		case wasm.OpcodeVecF64x2Add:
			irOp = OpF64x2Add
		default:
			irOp = OpF64x2Sub
		}
		c.emit(irOp, 0, 0)
		return nil
	}
	return fmt.Errorf("unsupported SIMD opcode %#x", sub)
}

func (c *compiler) stepAtomic() error {
	sub, err := c.readU32()
	if err != nil {
		return err
	}
	c.fusable = -1
	if byte(sub) == wasm.OpcodeAtomicFence {
		if _, err := c.readByte(); err != nil {
			return err
		}
		c.emit(OpAtomicFence, 0, 0)
		return nil
	}
	memIdx, offset, err := c.readMemArg()
	if err != nil {
		return err
	}
	switch byte(sub) {
	case wasm.OpcodeAtomicMemoryNotify:
		c.popN(2)
		c.push(1)
		c.emitMemAccess(OpAtomicNotify, memIdx, offset)
	case wasm.OpcodeAtomicMemoryWait32, wasm.OpcodeAtomicMemoryWait64:
		c.popN(3)
		c.push(1)
		if byte(sub) == wasm.OpcodeAtomicMemoryWait32 {
			c.emitMemAccess(OpAtomicWait32, memIdx, offset)
		} else {
			c.emitMemAccess(OpAtomicWait64, memIdx, offset)
		}
	case wasm.OpcodeAtomicI32Load, wasm.OpcodeAtomicI64Load:
		c.pop()
		c.push(1)
		if byte(sub) == wasm.OpcodeAtomicI32Load {
			c.emitMemAccess(OpAtomicI32Load, memIdx, offset)
		} else {
			c.emitMemAccess(OpAtomicI64Load, memIdx, offset)
		}
	case wasm.OpcodeAtomicI32Store, wasm.OpcodeAtomicI64Store:
		c.popN(2)
		if byte(sub) == wasm.OpcodeAtomicI32Store {
			c.emitMemAccess(OpAtomicI32Store, memIdx, offset)
		} else {
			c.emitMemAccess(OpAtomicI64Store, memIdx, offset)
		}
	case wasm.OpcodeAtomicI32RmwAdd, wasm.OpcodeAtomicI64RmwAdd:
		c.popN(2)
		c.push(1)
		if byte(sub) == wasm.OpcodeAtomicI32RmwAdd {
			c.emitMemAccess(OpAtomicI32RmwAdd, memIdx, offset)
		} else {
			c.emitMemAccess(OpAtomicI64RmwAdd, memIdx, offset)
		}
	default:
		return fmt.Errorf("unsupported atomic opcode %#x", sub)
	}
	return nil
}
