package shoalir

import (
	"encoding/binary"
	"fmt"

	"github.com/shoalwasm/shoal/api"
	"github.com/shoalwasm/shoal/internal/leb128"
	"github.com/shoalwasm/shoal/internal/wasm"
)

// Code is the predecoded form of one function body.
type Code struct {
	FuncIdx wasm.Index

	Instrs []Instr

	// Pool holds 64-bit immediates (i64/f64/v128 halves, packed catch
	// clauses, wide memory offsets) referenced by record Operands.
	Pool []uint64

	// LocalSlotOffsets maps a Wasm local index (params first) to its slot
	// offset in the frame's local area; v128 locals occupy two slots.
	LocalSlotOffsets []uint32
	LocalTypes       []api.ValueType

	ParamSlots  int
	ResultSlots int
	LocalSlots  int // params + declared locals, in slots
}

// slotsOf returns how many 64-bit stack slots a value of type t occupies.
func slotsOf(t api.ValueType) int {
	if t == api.ValueTypeV128 {
		return 2
	}
	return 1
}

func slotCount(ts []api.ValueType) (n int) {
	for _, t := range ts {
		n += slotsOf(t)
	}
	return
}

// CompileFunction predecodes the body of the module-local function index
// funcIdx (which must name a locally-defined, already-validated function).
func CompileFunction(m *wasm.Module, funcIdx wasm.Index) (*Code, error) {
	imported := m.ImportFuncCount()
	body := m.CodeSection[funcIdx-imported]
	ft := m.FunctionTypeOf(funcIdx)

	c := &compiler{
		m:    m,
		body: body.Body,
		code: &Code{
			FuncIdx:     funcIdx,
			ParamSlots:  slotCount(ft.Params),
			ResultSlots: slotCount(ft.Results),
		},
		poolIdx: map[uint64]uint32{},
		fusable: -1,
	}
	c.code.LocalTypes = append(c.code.LocalTypes, ft.Params...)
	c.code.LocalTypes = append(c.code.LocalTypes, body.LocalTypes...)
	offset := uint32(0)
	for _, lt := range c.code.LocalTypes {
		c.code.LocalSlotOffsets = append(c.code.LocalSlotOffsets, offset)
		offset += uint32(slotsOf(lt))
	}
	c.code.LocalSlots = int(offset)

	// The function body is the implicit outermost block; a branch to it is
	// a return.
	c.blocks = append(c.blocks, &blockInfo{op: OpBlock, resultSlots: c.code.ResultSlots})

	if err := c.run(); err != nil {
		return nil, fmt.Errorf("predecode function[%d]: %w", funcIdx, err)
	}
	return c.code, nil
}

// blockInfo is the predecoder-lifetime record of one open block.
type blockInfo struct {
	op          Op // OpBlock, OpLoop, OpIf or OpTryTable
	paramSlots  int
	resultSlots int
	paramTypes  []api.ValueType
	resultTypes []api.ValueType

	loopPC uint32

	// patch lists record indices whose Operand must become the post-end PC.
	patch []int

	// if bookkeeping
	ifRecIdx   int
	ifMetaIdx  int
	elseRecIdx int
	hasElse    bool

	// savedWidths restores the abstract width stack at else/end.
	savedWidths []byte
}

type compiler struct {
	m    *wasm.Module
	body []byte
	pos  int

	code    *Code
	blocks  []*blockInfo
	poolIdx map[uint64]uint32

	// widths simulates the operand stack's slot widths so drop/select and
	// the fused records know their operand sizes.
	widths []byte

	// unreachable tracks dead code after br/return/etc.; records are not
	// emitted for it, but immediates are still parsed.
	unreachable     bool
	unreachableNest int

	// fusable is the index of the last emitted record when it is a
	// superinstruction candidate, or -1.
	fusable int
}

func (c *compiler) readByte() (byte, error) {
	if c.pos >= len(c.body) {
		return 0, fmt.Errorf("truncated function body")
	}
	b := c.body[c.pos]
	c.pos++
	return b, nil
}

// ReadByte implements io.ByteReader for the leb128 decoders.
func (c *compiler) ReadByte() (byte, error) { return c.readByte() }

func (c *compiler) readU32() (uint32, error) {
	v, _, err := leb128.DecodeUint32(c)
	return v, err
}

func (c *compiler) readU64() (uint64, error) {
	v, _, err := leb128.DecodeUint64(c)
	return v, err
}

func (c *compiler) readI32() (int32, error) {
	v, _, err := leb128.DecodeInt32(c)
	return v, err
}

func (c *compiler) readI64() (int64, error) {
	v, _, err := leb128.DecodeInt64(c)
	return v, err
}

func (c *compiler) readI33() (int64, error) {
	v, _, err := leb128.DecodeInt33AsInt64(c)
	return v, err
}

func (c *compiler) readF32Bits() (uint32, error) {
	if c.pos+4 > len(c.body) {
		return 0, fmt.Errorf("truncated f32 constant")
	}
	v := binary.LittleEndian.Uint32(c.body[c.pos:])
	c.pos += 4
	return v, nil
}

func (c *compiler) readF64Bits() (uint64, error) {
	if c.pos+8 > len(c.body) {
		return 0, fmt.Errorf("truncated f64 constant")
	}
	v := binary.LittleEndian.Uint64(c.body[c.pos:])
	c.pos += 8
	return v, nil
}

// readMemArg parses an alignment+offset immediate pair, returning the
// memory index (multi-memory encodes it behind alignment bit 6) and the
// 64-bit static offset.
func (c *compiler) readMemArg() (memIdx uint32, offset uint64, err error) {
	align, err := c.readU32()
	if err != nil {
		return 0, 0, err
	}
	if align&(1<<6) != 0 {
		if memIdx, err = c.readU32(); err != nil {
			return 0, 0, err
		}
	}
	offset, err = c.readU64()
	return memIdx, offset, err
}

func (c *compiler) pool(v uint64) uint32 {
	if idx, ok := c.poolIdx[v]; ok {
		return idx
	}
	idx := uint32(len(c.code.Pool))
	c.code.Pool = append(c.code.Pool, v)
	c.poolIdx[v] = idx
	return idx
}

// pool2 appends two words that must stay adjacent (v128 constants, shuffle
// masks, catch clauses never share pool slots with deduplicated scalars).
func (c *compiler) pool2(lo, hi uint64) uint32 {
	idx := uint32(len(c.code.Pool))
	c.code.Pool = append(c.code.Pool, lo, hi)
	return idx
}

func (c *compiler) pc() uint32 { return uint32(len(c.code.Instrs)) }

func (c *compiler) emit(op Op, extra uint16, operand uint32) int {
	c.code.Instrs = append(c.code.Instrs, Instr{Op: op, Extra: extra, Operand: operand})
	return len(c.code.Instrs) - 1
}

func (c *compiler) push(w byte) { c.widths = append(c.widths, w) }

func (c *compiler) pop() byte {
	w := c.widths[len(c.widths)-1]
	c.widths = c.widths[:len(c.widths)-1]
	return w
}
func (c *compiler) popN(n int) {
	c.widths = c.widths[:len(c.widths)-n]
}

func (c *compiler) pushTypes(ts []api.ValueType) {
	for _, t := range ts {
		c.push(byte(slotsOf(t)))
	}
}

func (c *compiler) popTypes(ts []api.ValueType) { c.popN(len(ts)) }

func (c *compiler) funcType(typeIdx uint32) (*wasm.FunctionType, error) {
	ct := c.m.TypeOfIndex(typeIdx)
	if ct.Kind != wasm.CompositeTypeFunc {
		return nil, fmt.Errorf("type %d is not a function type", typeIdx)
	}
	return ct.FuncType, nil
}

// readBlockSignature resolves a blocktype immediate to its param/result
// types.
func (c *compiler) readBlockSignature() (params, results []api.ValueType, err error) {
	raw, err := c.readI33()
	if err != nil {
		return nil, nil, err
	}
	if raw >= 0 {
		ft, err := c.funcType(uint32(raw))
		if err != nil {
			return nil, nil, err
		}
		return ft.Params, ft.Results, nil
	}
	vt := api.ValueType(uint8(raw & 0x7f))
	if vt == 0x40 {
		return nil, nil, nil
	}
	return nil, []api.ValueType{vt}, nil
}

// branchTargetBlock resolves a label depth to its open block.
func (c *compiler) branchTargetBlock(depth uint32) (*blockInfo, error) {
	if int(depth) >= len(c.blocks) {
		return nil, fmt.Errorf("branch depth %d out of range", depth)
	}
	return c.blocks[len(c.blocks)-1-int(depth)], nil
}

// emitBranch emits a branch-shaped record toward depth, either directly
// targeting a loop header or registering the record for post-end patching.
func (c *compiler) emitBranch(op Op, depth uint32) error {
	b, err := c.branchTargetBlock(depth)
	if err != nil {
		return err
	}
	rec := c.emit(op, uint16(depth), 0)
	if b.op == OpLoop {
		c.code.Instrs[rec].Operand = b.loopPC
	} else {
		b.patch = append(b.patch, rec)
	}
	return nil
}

func (c *compiler) patchBlockEnd(b *blockInfo, postEndPC uint32) {
	for _, rec := range b.patch {
		c.code.Instrs[rec].Operand = postEndPC
	}
	if b.op == OpIf {
		c.code.Instrs[b.ifMetaIdx].Operand = postEndPC
		if b.hasElse {
			c.code.Instrs[b.ifMetaIdx].Extra = 1
			c.code.Instrs[b.elseRecIdx].Operand = postEndPC
		} else {
			// No else: a false condition jumps straight past the end.
			c.code.Instrs[b.ifRecIdx].Operand = postEndPC
		}
	}
}

func (c *compiler) setUnreachable() {
	c.unreachable = true
	c.unreachableNest = 0
	c.fusable = -1
}

// run drives the opcode loop until the outermost end.
func (c *compiler) run() error {
	for {
		op, err := c.readByte()
		if err != nil {
			return err
		}
		done, err := c.step(op)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// skipStep parses (and discards) one instruction while in unreachable code,
// tracking block nesting so reachability resumes at the right end/else.
// Returns handled=false for end/else at nesting depth 0, which the caller
// processes normally.
func (c *compiler) skipStep(op byte) (handled bool, err error) {
	switch op {
	case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
		if _, _, err = c.readBlockSignature(); err != nil {
			return true, err
		}
		c.unreachableNest++
		return true, nil
	case wasm.OpcodeTryTable:
		if _, _, err = c.readBlockSignature(); err != nil {
			return true, err
		}
		n, err := c.readU32()
		if err != nil {
			return true, err
		}
		for i := uint32(0); i < n; i++ {
			kind, err := c.readByte()
			if err != nil {
				return true, err
			}
			if kind == 0 || kind == 1 {
				if _, err = c.readU32(); err != nil {
					return true, err
				}
			}
			if _, err = c.readU32(); err != nil {
				return true, err
			}
		}
		c.unreachableNest++
		return true, nil
	case wasm.OpcodeEnd, wasm.OpcodeElse:
		if c.unreachableNest == 0 {
			return false, nil
		}
		if op == wasm.OpcodeEnd {
			c.unreachableNest--
		}
		return true, nil
	}
	// Every other opcode: consume its immediates and move on.
	return true, c.skipImmediates(op)
}

func (c *compiler) skipImmediates(op byte) error {
	switch op {
	case wasm.OpcodeBr, wasm.OpcodeBrIf, wasm.OpcodeCall, wasm.OpcodeLocalGet, wasm.OpcodeLocalSet,
		wasm.OpcodeLocalTee, wasm.OpcodeGlobalGet, wasm.OpcodeGlobalSet, wasm.OpcodeTableGet,
		wasm.OpcodeTableSet, wasm.OpcodeRefFunc, wasm.OpcodeThrow, wasm.OpcodeCallRef,
		wasm.OpcodeReturnCall, wasm.OpcodeReturnCallRef, wasm.OpcodeBrOnNull, wasm.OpcodeBrOnNonNull:
		_, err := c.readU32()
		return err
	case wasm.OpcodeBrTable:
		n, err := c.readU32()
		if err != nil {
			return err
		}
		for i := uint32(0); i <= n; i++ {
			if _, err := c.readU32(); err != nil {
				return err
			}
		}
		return nil
	case wasm.OpcodeCallIndirect, wasm.OpcodeReturnCallIndirect:
		if _, err := c.readU32(); err != nil {
			return err
		}
		_, err := c.readU32()
		return err
	case wasm.OpcodeI32Const:
		_, err := c.readI32()
		return err
	case wasm.OpcodeI64Const:
		_, err := c.readI64()
		return err
	case wasm.OpcodeF32Const:
		_, err := c.readF32Bits()
		return err
	case wasm.OpcodeF64Const:
		_, err := c.readF64Bits()
		return err
	case wasm.OpcodeRefNull:
		_, err := c.readI33()
		return err
	case wasm.OpcodeSelectT:
		n, err := c.readU32()
		if err != nil {
			return err
		}
		for i := uint32(0); i < n; i++ {
			if _, err := c.readByte(); err != nil {
				return err
			}
		}
		return nil
	case wasm.OpcodeMemorySize, wasm.OpcodeMemoryGrow:
		_, err := c.readByte()
		return err
	case wasm.OpcodeGCPrefix:
		sub, err := c.readU32()
		if err != nil {
			return err
		}
		switch byte(sub) {
		case wasm.OpcodeGCStructGet, wasm.OpcodeGCStructSet, wasm.OpcodeGCArrayNewFixed:
			if _, err := c.readU32(); err != nil {
				return err
			}
			_, err := c.readU32()
			return err
		case wasm.OpcodeGCRefTest, wasm.OpcodeGCRefTestNull, wasm.OpcodeGCRefCast, wasm.OpcodeGCRefCastNull:
			_, err := c.readI33()
			return err
		case wasm.OpcodeGCRefI31, wasm.OpcodeGCI31GetS, wasm.OpcodeGCI31GetU:
			return nil
		default:
			_, err := c.readU32()
			return err
		}
	case wasm.OpcodeMiscPrefix:
		sub, err := c.readU32()
		if err != nil {
			return err
		}
		switch byte(sub) {
		case wasm.OpcodeMiscMemoryInit, wasm.OpcodeMiscTableInit, wasm.OpcodeMiscMemoryCopy, wasm.OpcodeMiscTableCopy:
			if _, err := c.readU32(); err != nil {
				return err
			}
			_, err := c.readU32()
			return err
		case wasm.OpcodeMiscDataDrop, wasm.OpcodeMiscElemDrop, wasm.OpcodeMiscMemoryFill,
			wasm.OpcodeMiscTableGrow, wasm.OpcodeMiscTableSize, wasm.OpcodeMiscTableFill:
			_, err := c.readU32()
			return err
		default: // trunc_sat family has no immediates
			return nil
		}
	case wasm.OpcodeVecPrefix:
		sub, err := c.readU32()
		if err != nil {
			return err
		}
		switch byte(sub) {
		case wasm.OpcodeVecV128Const, wasm.OpcodeVecI8x16Shuffle:
			c.pos += 16
			if c.pos > len(c.body) {
				return fmt.Errorf("truncated v128 immediate")
			}
			return nil
		case wasm.OpcodeVecV128Load, wasm.OpcodeVecV128Store:
			_, _, err := c.readMemArg()
			return err
		default:
			return nil
		}
	case wasm.OpcodeAtomicPrefix:
		sub, err := c.readU32()
		if err != nil {
			return err
		}
		if byte(sub) == wasm.OpcodeAtomicFence {
			_, err := c.readByte()
			return err
		}
		_, _, err = c.readMemArg()
		return err
	}
	switch {
	case op >= wasm.OpcodeI32Load && op <= wasm.OpcodeI64Store32:
		_, _, err := c.readMemArg()
		return err
	}
	return nil
}

// fuse tries to merge the record being emitted with the previous one,
// returning true when no new record is needed.
func (c *compiler) fuse(op Op, extra uint16, operand uint32) bool {
	if c.fusable < 0 {
		return false
	}
	prev := &c.code.Instrs[c.fusable]
	switch {
	case op == OpLocalGet && extra == 1 && prev.Op == OpLocalGet && prev.Extra == 1 &&
		prev.Operand <= 0xffff && operand <= 0xffff:
		prev.Op = OpLocalGet2
		prev.Extra = 0
		prev.Operand = prev.Operand<<16 | operand
		return true
	case op == OpI32Const && prev.Op == OpLocalGet && prev.Extra == 1 && prev.Operand <= 0xffff:
		prev.Op = OpLocalGetI32Const
		prev.Extra = uint16(prev.Operand)
		prev.Operand = operand
		return true
	case op == OpI32LtS && prev.Op == OpLocalGet2:
		prev.Op = OpI32LtSLocals
		return true
	}
	return false
}

// emitFusable emits a record that may either start or complete a
// superinstruction.
func (c *compiler) emitFusable(op Op, extra uint16, operand uint32) {
	if c.fuse(op, extra, operand) {
		// The merged record remains a candidate only for get2 -> ltS.
		if c.code.Instrs[c.fusable].Op != OpLocalGet2 {
			c.fusable = -1
		}
		return
	}
	idx := c.emit(op, extra, operand)
	switch op {
	case OpLocalGet, OpLocalGet2:
		c.fusable = idx
	default:
		c.fusable = -1
	}
}

