package interpreter

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/shoalwasm/shoal/internal/shoalir"
	"github.com/shoalwasm/shoal/internal/wasm"
	"github.com/shoalwasm/shoal/internal/wasmruntime"
)

func (f *callFrame) memAt(extra uint16) *wasm.MemoryInstance {
	return f.inst.Memories[shoalir.MemIndexOf(extra)]
}

func (f *callFrame) staticOffset(in shoalir.Instr) uint64 {
	if in.Extra&shoalir.PoolOffsetFlag != 0 {
		return f.code.Pool[in.Operand]
	}
	return uint64(in.Operand)
}

// memView pops the access address and returns a size-byte window at
// address+offset, trapping on any out-of-bounds effective address.
func (f *callFrame) memView(in shoalir.Instr, size uint64) []byte {
	mem := f.memAt(in.Extra)
	addr := f.pop()
	if !mem.Type().Is64 {
		addr = uint64(uint32(addr))
	}
	offset := f.staticOffset(in)
	ea := addr + offset
	b := mem.Bytes()
	if ea < addr || ea+size > uint64(len(b)) || ea+size < ea {
		panic(wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess)
	}
	return b[ea : ea+size]
}

func (f *callFrame) funcAt(idx wasm.Index) *wasm.FunctionInstance {
	return f.inst.Functions[idx]
}

// resolveIndirect pops the table element index and resolves the callee for
// call_indirect, enforcing the O(1) type-ID check.
func (f *callFrame) resolveIndirect(in shoalir.Instr) *wasm.FunctionInstance {
	elemIdx := uint32(f.pop())
	table := f.inst.Tables[in.Extra]
	addr, err := table.Lookup(elemIdx)
	if err != nil {
		panic(err)
	}
	callee := f.inst.Store.FunctionAt(addr)
	expected := f.inst.Source.TypeOfIndex(in.Operand).TypeID
	if callee.TypeID != expected && !f.inst.Store.TypeRegistry().IsSubtype(callee.TypeID, expected) {
		panic(wasmruntime.ErrRuntimeIndirectCallTypeMismatch)
	}
	return callee
}

// resolveCallRef pops a funcref and resolves the callee for call_ref.
func (f *callFrame) resolveCallRef() *wasm.FunctionInstance {
	ref := f.pop()
	if ref == wasm.RefNull {
		panic(wasmruntime.ErrRuntimeNullReference)
	}
	return f.inst.Store.FunctionAt(wasm.FuncAddrOfRef(ref))
}

func truncF64ToI64(v float64) int64 {
	if v != v {
		panic(wasmruntime.ErrRuntimeInvalidConversionToInteger)
	}
	if v >= math.MaxInt64 || v < math.MinInt64 {
		panic(wasmruntime.ErrRuntimeIntegerOverflow)
	}
	return int64(v)
}

func truncF64ToU64(v float64) uint64 {
	if v != v {
		panic(wasmruntime.ErrRuntimeInvalidConversionToInteger)
	}
	if v >= math.MaxUint64 || v <= -1 {
		panic(wasmruntime.ErrRuntimeIntegerOverflow)
	}
	return uint64(v)
}

func truncF64ToI32(v float64) int32 {
	if v != v {
		panic(wasmruntime.ErrRuntimeInvalidConversionToInteger)
	}
	if v >= math.MaxInt32+1 || v < math.MinInt32 {
		panic(wasmruntime.ErrRuntimeIntegerOverflow)
	}
	return int32(v)
}

func truncF64ToU32(v float64) uint32 {
	if v != v {
		panic(wasmruntime.ErrRuntimeInvalidConversionToInteger)
	}
	if v >= math.MaxUint32+1 || v <= -1 {
		panic(wasmruntime.ErrRuntimeIntegerOverflow)
	}
	return uint32(v)
}

func satF64ToI32(v float64) int32 {
	switch {
	case v != v:
		return 0
	case v >= math.MaxInt32:
		return math.MaxInt32
	case v <= math.MinInt32:
		return math.MinInt32
	}
	return int32(v)
}

func satF64ToU32(v float64) uint32 {
	switch {
	case v != v, v <= 0:
		return 0
	case v >= math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(v)
}

func satF64ToI64(v float64) int64 {
	switch {
	case v != v:
		return 0
	case v >= math.MaxInt64:
		return math.MaxInt64
	case v <= math.MinInt64:
		return math.MinInt64
	}
	return int64(v)
}

func satF64ToU64(v float64) uint64 {
	switch {
	case v != v, v <= 0:
		return 0
	case v >= math.MaxUint64:
		return math.MaxUint64
	}
	return uint64(v)
}

// run executes the frame until its OpReturn at the function's outermost
// level.
func (f *callFrame) run() error {
	code := f.code
	instrs := code.Instrs

	// The function body's implicit outermost label; branches to it return.
	f.labels = append(f.labels, label{
		op:          shoalir.OpBlock,
		resultSlots: code.ResultSlots,
		target:      uint32(len(instrs) - 1),
	})

	for {
		in := instrs[f.pc]
		switch in.Op {
		case shoalir.OpNop:
		case shoalir.OpUnreachable:
			panic(wasmruntime.ErrRuntimeUnreachable)

		case shoalir.OpBlock:
			f.labels = append(f.labels, label{
				op:          shoalir.OpBlock,
				base:        len(f.stk) - shoalir.LabelParamSlots(in.Extra),
				paramSlots:  shoalir.LabelParamSlots(in.Extra),
				resultSlots: shoalir.LabelResultSlots(in.Extra),
				target:      in.Operand,
			})
		case shoalir.OpLoop:
			f.labels = append(f.labels, label{
				op:          shoalir.OpLoop,
				base:        len(f.stk) - shoalir.LabelParamSlots(in.Extra),
				paramSlots:  shoalir.LabelParamSlots(in.Extra),
				resultSlots: shoalir.LabelResultSlots(in.Extra),
				target:      in.Operand,
			})
		case shoalir.OpIf:
			cond := f.pop()
			meta := instrs[f.pc+1]
			if cond != 0 {
				f.labels = append(f.labels, label{
					op:          shoalir.OpIf,
					base:        len(f.stk) - shoalir.LabelParamSlots(in.Extra),
					paramSlots:  shoalir.LabelParamSlots(in.Extra),
					resultSlots: shoalir.LabelResultSlots(in.Extra),
					target:      meta.Operand,
				})
				f.pc += 2
				continue
			}
			if meta.Extra != 0 { // has else: enter it under the same label
				f.labels = append(f.labels, label{
					op:          shoalir.OpIf,
					base:        len(f.stk) - shoalir.LabelParamSlots(in.Extra),
					paramSlots:  shoalir.LabelParamSlots(in.Extra),
					resultSlots: shoalir.LabelResultSlots(in.Extra),
					target:      meta.Operand,
				})
			}
			f.pc = in.Operand
			continue
		case shoalir.OpElse:
			// The then-branch ran to completion: close the label and skip
			// the else body.
			l := f.labels[len(f.labels)-1]
			f.labels = f.labels[:len(f.labels)-1]
			copy(f.stk[l.base:], f.stk[len(f.stk)-l.resultSlots:])
			f.stk = f.stk[:l.base+l.resultSlots]
			f.pc = in.Operand
			continue
		case shoalir.OpEnd:
			f.labels = f.labels[:len(f.labels)-1]

		case shoalir.OpBr:
			f.branchToDepth(int(in.Extra), in.Operand)
			continue
		case shoalir.OpBrIf:
			if f.pop() != 0 {
				f.branchToDepth(int(in.Extra), in.Operand)
				continue
			}
		case shoalir.OpBrTable:
			sel := uint32(f.pop())
			if sel > in.Operand {
				sel = in.Operand
			}
			entry := instrs[f.pc+1+sel]
			f.branchToDepth(int(entry.Extra), entry.Operand)
			continue
		case shoalir.OpBrOnNull:
			ref := f.pop()
			if ref == wasm.RefNull {
				f.branchToDepth(int(in.Extra), in.Operand)
				continue
			}
			f.push(ref)
		case shoalir.OpBrOnNonNull:
			ref := f.pop()
			if ref != wasm.RefNull {
				f.push(ref)
				f.branchToDepth(int(in.Extra), in.Operand)
				continue
			}
		case shoalir.OpBrTableEntry, shoalir.OpIfMeta, shoalir.OpTryTableMeta, shoalir.OpCatchClause:
			panic(fmt.Errorf("BUG: executed metadata record %d at pc=%d", in.Op, f.pc))

		case shoalir.OpReturn:
			copy(f.stk, f.stk[len(f.stk)-code.ResultSlots:])
			f.stk = f.stk[:code.ResultSlots]
			return nil

		case shoalir.OpCall:
			if err := f.invoke(f.funcAt(in.Operand)); err != nil {
				if err = f.handleCallError(err); err != nil {
					return err
				}
				continue
			}
		case shoalir.OpCallIndirect:
			if err := f.invoke(f.resolveIndirect(in)); err != nil {
				if err = f.handleCallError(err); err != nil {
					return err
				}
				continue
			}
		case shoalir.OpCallRef:
			if err := f.invoke(f.resolveCallRef()); err != nil {
				if err = f.handleCallError(err); err != nil {
					return err
				}
				continue
			}
		case shoalir.OpReturnCall:
			if err := f.tailInvoke(f.funcAt(in.Operand)); err != nil {
				return err
			}
			copy(f.stk, f.stk[len(f.stk)-code.ResultSlots:])
			f.stk = f.stk[:code.ResultSlots]
			return nil
		case shoalir.OpReturnCallIndirect:
			if err := f.tailInvoke(f.resolveIndirect(in)); err != nil {
				return err
			}
			copy(f.stk, f.stk[len(f.stk)-code.ResultSlots:])
			f.stk = f.stk[:code.ResultSlots]
			return nil
		case shoalir.OpReturnCallRef:
			if err := f.tailInvoke(f.resolveCallRef()); err != nil {
				return err
			}
			copy(f.stk, f.stk[len(f.stk)-code.ResultSlots:])
			f.stk = f.stk[:code.ResultSlots]
			return nil

		case shoalir.OpTryTable:
			f.labels = append(f.labels, label{
				op:          shoalir.OpTryTable,
				base:        len(f.stk) - shoalir.LabelParamSlots(in.Extra),
				paramSlots:  shoalir.LabelParamSlots(in.Extra),
				resultSlots: shoalir.LabelResultSlots(in.Extra),
				target:      in.Operand,
				tryPC:       f.pc,
			})
			meta := instrs[f.pc+1]
			f.pc += 2 + meta.Operand
			continue
		case shoalir.OpThrow:
			slots := int(in.Extra)
			payload := append([]uint64(nil), f.stk[len(f.stk)-slots:]...)
			f.stk = f.stk[:len(f.stk)-slots]
			exn := &wasm.ExceptionInstance{Tag: f.inst.Tags[in.Operand], Payload: payload}
			ref := f.inst.Store.ExnArena.Alloc(exn)
			if !f.raise(ref) {
				return &wasm.ThrownException{Ref: ref}
			}
			continue
		case shoalir.OpThrowRef:
			ref := f.pop()
			if ref == wasm.RefNull {
				panic(wasmruntime.ErrRuntimeNullReference)
			}
			if !f.raise(ref) {
				return &wasm.ThrownException{Ref: ref}
			}
			continue

		case shoalir.OpDrop:
			f.stk = f.stk[:len(f.stk)-int(in.Extra)]
		case shoalir.OpSelect:
			cond := f.pop()
			w := int(in.Extra)
			if cond != 0 {
				f.stk = f.stk[:len(f.stk)-w]
			} else {
				copy(f.stk[len(f.stk)-2*w:], f.stk[len(f.stk)-w:])
				f.stk = f.stk[:len(f.stk)-w]
			}

		case shoalir.OpLocalGet:
			f.push(f.locals[in.Operand])
			if in.Extra == 2 {
				f.push(f.locals[in.Operand+1])
			}
		case shoalir.OpLocalSet:
			if in.Extra == 2 {
				f.locals[in.Operand+1] = f.pop()
			}
			f.locals[in.Operand] = f.pop()
		case shoalir.OpLocalTee:
			if in.Extra == 2 {
				f.locals[in.Operand+1] = f.stk[len(f.stk)-1]
				f.locals[in.Operand] = f.stk[len(f.stk)-2]
			} else {
				f.locals[in.Operand] = f.peek()
			}
		case shoalir.OpGlobalGet:
			f.push(f.inst.Globals[in.Operand].Get())
		case shoalir.OpGlobalSet:
			f.inst.Globals[in.Operand].Set(f.pop())

		case shoalir.OpLocalGet2:
			f.push(f.locals[in.Operand>>16])
			f.push(f.locals[in.Operand&0xffff])
		case shoalir.OpLocalGetI32Const:
			f.push(f.locals[in.Extra])
			f.push(uint64(in.Operand))
		case shoalir.OpI32LtSLocals:
			f.pushBool(int32(f.locals[in.Operand>>16]) < int32(f.locals[in.Operand&0xffff]))

		case shoalir.OpI32Const, shoalir.OpF32Const:
			f.push(uint64(in.Operand))
		case shoalir.OpI64Const, shoalir.OpF64Const:
			f.push(code.Pool[in.Operand])

		default:
			if err := f.stepRest(in); err != nil {
				return err
			}
		}
		f.pc++
	}
}

// stepRest handles every record that doesn't touch control flow: memory,
// numeric, reference, GC, SIMD and atomic operations. Split out so the hot
// control-flow switch above stays compact.
func (f *callFrame) stepRest(in shoalir.Instr) error {
	switch in.Op {
	case shoalir.OpI32Load:
		f.push(uint64(binary.LittleEndian.Uint32(f.memView(in, 4))))
	case shoalir.OpI64Load:
		f.push(binary.LittleEndian.Uint64(f.memView(in, 8)))
	case shoalir.OpF32Load:
		f.push(uint64(binary.LittleEndian.Uint32(f.memView(in, 4))))
	case shoalir.OpF64Load:
		f.push(binary.LittleEndian.Uint64(f.memView(in, 8)))
	case shoalir.OpI32Load8S:
		f.push(uint64(uint32(int32(int8(f.memView(in, 1)[0])))))
	case shoalir.OpI32Load8U:
		f.push(uint64(f.memView(in, 1)[0]))
	case shoalir.OpI32Load16S:
		f.push(uint64(uint32(int32(int16(binary.LittleEndian.Uint16(f.memView(in, 2)))))))
	case shoalir.OpI32Load16U:
		f.push(uint64(binary.LittleEndian.Uint16(f.memView(in, 2))))
	case shoalir.OpI64Load8S:
		f.push(uint64(int64(int8(f.memView(in, 1)[0]))))
	case shoalir.OpI64Load8U:
		f.push(uint64(f.memView(in, 1)[0]))
	case shoalir.OpI64Load16S:
		f.push(uint64(int64(int16(binary.LittleEndian.Uint16(f.memView(in, 2))))))
	case shoalir.OpI64Load16U:
		f.push(uint64(binary.LittleEndian.Uint16(f.memView(in, 2))))
	case shoalir.OpI64Load32S:
		f.push(uint64(int64(int32(binary.LittleEndian.Uint32(f.memView(in, 4))))))
	case shoalir.OpI64Load32U:
		f.push(uint64(binary.LittleEndian.Uint32(f.memView(in, 4))))

	case shoalir.OpI32Store:
		v := uint32(f.pop())
		binary.LittleEndian.PutUint32(f.memView(in, 4), v)
	case shoalir.OpI64Store:
		v := f.pop()
		binary.LittleEndian.PutUint64(f.memView(in, 8), v)
	case shoalir.OpF32Store:
		v := uint32(f.pop())
		binary.LittleEndian.PutUint32(f.memView(in, 4), v)
	case shoalir.OpF64Store:
		v := f.pop()
		binary.LittleEndian.PutUint64(f.memView(in, 8), v)
	case shoalir.OpI32Store8, shoalir.OpI64Store8:
		v := byte(f.pop())
		f.memView(in, 1)[0] = v
	case shoalir.OpI32Store16, shoalir.OpI64Store16:
		v := uint16(f.pop())
		binary.LittleEndian.PutUint16(f.memView(in, 2), v)
	case shoalir.OpI64Store32:
		v := uint32(f.pop())
		binary.LittleEndian.PutUint32(f.memView(in, 4), v)

	case shoalir.OpMemorySize:
		f.push(uint64(f.memAt(in.Extra).Size()))
	case shoalir.OpMemoryGrow:
		delta := uint32(f.pop())
		if prev, ok := f.memAt(in.Extra).Grow(delta); ok {
			f.push(uint64(prev))
		} else {
			f.push(uint64(uint32(0xffffffff)))
		}
	case shoalir.OpMemoryInit:
		length := uint32(f.pop())
		src := uint32(f.pop())
		dst := uint32(f.pop())
		data := f.inst.DataSegments[in.Operand]
		mem := f.memAt(in.Extra)
		if uint64(src)+uint64(length) > uint64(len(data)) {
			panic(wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess)
		}
		if !mem.Write(dst, data[src:src+length]) {
			panic(wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess)
		}
	case shoalir.OpDataDrop:
		f.inst.DataSegments[in.Operand] = nil
	case shoalir.OpMemoryCopy:
		length := f.pop()
		src := f.pop()
		dst := f.pop()
		dstMem := f.inst.Memories[in.Extra>>8]
		srcMem := f.inst.Memories[in.Extra&0xff]
		db, sb := dstMem.Bytes(), srcMem.Bytes()
		if src+length > uint64(len(sb)) || dst+length > uint64(len(db)) ||
			src+length < src || dst+length < dst {
			panic(wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess)
		}
		copy(db[dst:dst+length], sb[src:src+length])
	case shoalir.OpMemoryFill:
		length := f.pop()
		val := byte(f.pop())
		dst := f.pop()
		b := f.memAt(in.Extra).Bytes()
		if dst+length > uint64(len(b)) || dst+length < dst {
			panic(wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess)
		}
		for i := dst; i < dst+length; i++ {
			b[i] = val
		}

	case shoalir.OpRefNull:
		f.push(wasm.RefNull)
	case shoalir.OpRefFunc:
		f.push(wasm.FuncrefFromAddr(f.funcAt(in.Operand).StoreAddr))
	case shoalir.OpRefIsNull:
		f.pushBool(f.pop() == wasm.RefNull)
	case shoalir.OpRefAsNonNull:
		if f.peek() == wasm.RefNull {
			panic(wasmruntime.ErrRuntimeNullReference)
		}
	case shoalir.OpRefEq:
		f.pushBool(f.pop() == f.pop())

	case shoalir.OpTableGet:
		idx := uint32(f.pop())
		r, err := f.inst.Tables[in.Operand].Get(idx)
		if err != nil {
			panic(err)
		}
		f.push(r)
	case shoalir.OpTableSet:
		r := f.pop()
		idx := uint32(f.pop())
		if err := f.inst.Tables[in.Operand].Set(idx, r); err != nil {
			panic(err)
		}
	case shoalir.OpTableInit:
		length := uint32(f.pop())
		src := uint32(f.pop())
		dst := uint32(f.pop())
		seg := f.inst.ElemSegments[in.Operand]
		if uint64(src)+uint64(length) > uint64(len(seg)) {
			panic(wasmruntime.ErrRuntimeInvalidTableAccess)
		}
		if err := f.inst.Tables[in.Extra].Init(dst, seg[src:src+length]); err != nil {
			panic(err)
		}
	case shoalir.OpElemDrop:
		f.inst.ElemSegments[in.Operand] = nil
	case shoalir.OpTableCopy:
		length := uint32(f.pop())
		src := uint32(f.pop())
		dst := uint32(f.pop())
		if err := wasm.CopyWithinTable(f.inst.Tables[in.Extra>>8], dst, f.inst.Tables[in.Extra&0xff], src, length); err != nil {
			panic(err)
		}
	case shoalir.OpTableGrow:
		delta := uint32(f.pop())
		init := f.pop()
		if prev, ok := f.inst.Tables[in.Operand].Grow(delta, init); ok {
			f.push(uint64(prev))
		} else {
			f.push(uint64(uint32(0xffffffff)))
		}
	case shoalir.OpTableSize:
		f.push(uint64(f.inst.Tables[in.Operand].Size()))
	case shoalir.OpTableFill:
		length := uint32(f.pop())
		val := f.pop()
		dst := uint32(f.pop())
		if err := f.inst.Tables[in.Operand].Fill(dst, length, val); err != nil {
			panic(err)
		}

	default:
		return f.stepNumeric(in)
	}
	return nil
}

// i31From asserts a reference is an unboxed i31 before lane extraction.
func i31From(r wasm.Reference) uint64 {
	if r == wasm.RefNull {
		panic(wasmruntime.ErrRuntimeNullReference)
	}
	if !wasm.IsI31(r) {
		panic(wasmruntime.ErrRuntimeCastFailure)
	}
	return r
}
