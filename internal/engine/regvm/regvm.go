// Package regvm is the register-IR interpreter, the middle execution tier:
// no operand-stack traffic, a flat register file per frame, and back-edge
// counting that reports readiness for native compilation by returning
// ErrJitRestart to the tiered engine's outer call loop.
package regvm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"github.com/shoalwasm/shoal/internal/platform"
	"github.com/shoalwasm/shoal/internal/regmach"
	"github.com/shoalwasm/shoal/internal/wasm"
	"github.com/shoalwasm/shoal/internal/wasmruntime"
)

// ErrJitRestart tells the outer dispatcher that this function crossed a
// promotion threshold mid-execution: compile it and re-invoke. Plain
// structured return, no unwinding trickery.
var ErrJitRestart = errors.New("function ready for native compilation")

// Counters is the per-function, per-instance promotion state; it lives in
// the tiered engine's module engine.
type Counters struct {
	Calls     uint32
	Backedges uint32
}

// Thresholds for tier promotion.
const (
	CallThreshold     = 10
	BackedgeThreshold = 1000
)

// Exec runs one register-IR function. stack is the usual
// params-then-results slot array. A non-nil counters enables back-edge
// accounting: crossing BackedgeThreshold while the run is still free of
// observable side effects returns ErrJitRestart, and the caller re-invokes
// with the unchanged arguments; once the run has written memory, a global
// or made a call, it finishes on this tier and the saturated counter
// promotes the next invocation instead.
func Exec(ctx context.Context, st *wasm.InvokeState, inst *wasm.ModuleInstance, code *regmach.Code, stack []uint64, counters *Counters) (err error) {
	var faulted bool
	platform.WithFaultRecovery(func() {
		err = run(ctx, st, inst, code, stack, counters)
	}, func() {
		faulted = true
	})
	if faulted {
		return wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess
	}
	return err
}

func run(ctx context.Context, st *wasm.InvokeState, inst *wasm.ModuleInstance, code *regmach.Code, stack []uint64, counters *Counters) (err error) {
	defer func() {
		if r := recover(); r != nil {
			// A hardware fault from the unchecked guard-page access path
			// arrives as a runtime fault panic (WithFaultRecovery enabled
			// SetPanicOnFault around this call); it is the out-of-bounds
			// trap, not an engine bug.
			if _, isFault := r.(interface{ Addr() uintptr }); isFault {
				err = wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess
				return
			}
			if e, ok := r.(error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()

	regs := make([]uint64, code.RegCount)
	copy(regs, stack[:code.ParamRegs])

	var mem *wasm.MemoryInstance
	var memBase *byte
	var memLen uint64
	var memGuarded bool
	if len(inst.Memories) > 0 {
		mem = inst.Memories[0]
		memBase = mem.Base()
		memLen = uint64(len(mem.Bytes()))
		memGuarded = mem.GuardActive()
	}
	refreshMem := func() {
		memLen = uint64(len(mem.Bytes()))
	}

	// view returns a pointer to size bytes at reg+offset. With an active
	// guard reservation the access is unchecked: an out-of-range effective
	// address faults in the PROT_NONE tail and surfaces through
	// WithFaultRecovery as the out-of-bounds trap.
	view := func(addrReg uint8, offset uint32, size uint64) unsafe.Pointer {
		ea := uint64(uint32(regs[addrReg])) + uint64(offset)
		if !memGuarded {
			if ea+size > memLen || ea+size < ea {
				panic(wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess)
			}
		}
		return unsafe.Pointer(uintptr(unsafe.Pointer(memBase)) + uintptr(ea))
	}

	instrs := code.Instrs
	pc := uint32(0)
	fuel := st.Fuel

	// dirty marks that this invocation already performed observable work
	// (stores, global writes, calls). A restart re-executes the function
	// from its arguments, so it is only legal while the run is still pure;
	// a dirty run instead finishes here and the tiered engine compiles for
	// the next invocation off the saturated counter.
	dirty := false

	branch := func(target uint32) {
		if target <= pc {
			if counters != nil {
				counters.Backedges++
				if counters.Backedges >= BackedgeThreshold && !dirty {
					panic(errJitRestartPanic{})
				}
			}
			if !fuel.Consume(1) {
				panic(wasmruntime.ErrRuntimeFuelExhausted)
			}
		}
		pc = target
	}

	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(errJitRestartPanic); ok {
				err = ErrJitRestart
				return
			}
			panic(r)
		}
	}()

	for {
		in := instrs[pc]
		op := in.Op
		if op >= regmach.ImmBase {
			regs[in.Rd] = evalBinary(regmach.NumericOf(op), regs[in.Rs1], uint64(in.Operand))
			pc++
			continue
		}
		if op >= regmach.NumericBase {
			sop := regmach.NumericOf(op)
			if sop.IsBinaryNumeric() {
				regs[in.Rd] = evalBinary(sop, regs[in.Rs1], regs[in.Rs2()])
			} else {
				regs[in.Rd] = evalUnary(sop, regs[in.Rs1])
			}
			pc++
			continue
		}

		switch op {
		case regmach.RNop:
		case regmach.RUnreachable:
			panic(wasmruntime.ErrRuntimeUnreachable)
		case regmach.RMov:
			regs[in.Rd] = regs[in.Rs1]
		case regmach.RConst32:
			regs[in.Rd] = uint64(in.Operand)
		case regmach.RConst64:
			regs[in.Rd] = code.Pool[in.Operand]

		case regmach.RBr:
			branch(in.Operand)
			continue
		case regmach.RBrIf:
			if uint32(regs[in.Rs1]) != 0 {
				branch(in.Operand)
				continue
			}
		case regmach.RBrIfNot:
			if uint32(regs[in.Rs1]) == 0 {
				branch(in.Operand)
				continue
			}
		case regmach.RBrTable:
			sel := uint32(regs[in.Rs1])
			if sel > in.Operand {
				sel = in.Operand
			}
			branch(instrs[pc+1+sel].Operand)
			continue
		case regmach.RBrTableEntry:
			panic(fmt.Errorf("BUG: executed br_table entry at pc=%d", pc))

		case regmach.RRet:
			if in.Rs1 != regmach.NoReg {
				stack[0] = regs[in.Rs1]
			}
			return nil

		case regmach.RCall, regmach.RCallIndirect:
			var callee *wasm.FunctionInstance
			argsB := instrs[pc+2]
			if op == regmach.RCall {
				callee = inst.Functions[in.Operand]
			} else {
				tableIdx := in.Operand & 0xff
				typeIdx := in.Operand >> 8
				elem := uint32(regs[uint8(argsB.Operand)])
				addr, lerr := inst.Tables[tableIdx].Lookup(elem)
				if lerr != nil {
					panic(lerr)
				}
				callee = inst.Store.FunctionAt(addr)
				expected := inst.Source.TypeOfIndex(typeIdx).TypeID
				if callee.TypeID != expected && !inst.Store.TypeRegistry().IsSubtype(callee.TypeID, expected) {
					panic(wasmruntime.ErrRuntimeIndirectCallTypeMismatch)
				}
			}
			if !fuel.Consume(1) {
				panic(wasmruntime.ErrRuntimeFuelExhausted)
			}
			dirty = true
			argsA := instrs[pc+1]
			argRegs := [8]uint8{argsA.Rd, argsA.Rs1,
				uint8(argsA.Operand), uint8(argsA.Operand >> 8),
				uint8(argsA.Operand >> 16), uint8(argsA.Operand >> 24),
				argsB.Rd, argsB.Rs1}
			n := int(in.Rs1)
			resSlots := len(callee.Type.Results)
			bufLen := n
			if resSlots > bufLen {
				bufLen = resSlots
			}
			buf := make([]uint64, bufLen)
			for i := 0; i < n; i++ {
				buf[i] = regs[argRegs[i]]
			}
			if cerr := callee.Call(ctx, inst, buf); cerr != nil {
				return cerr
			}
			if in.Rd != regmach.NoReg {
				regs[in.Rd] = buf[0]
			}
			if mem != nil {
				refreshMem() // the callee may have grown the memory
			}
			pc += 3
			continue

		case regmach.RSelect:
			if uint32(regs[in.Rs1]) != 0 {
				regs[in.Rd] = regs[uint8(in.Operand)]
			} else {
				regs[in.Rd] = regs[uint8(in.Operand>>8)]
			}
		case regmach.RGlobalGet:
			regs[in.Rd] = inst.Globals[in.Operand].Get()
		case regmach.RGlobalSet:
			dirty = true
			inst.Globals[in.Operand].Set(regs[in.Rs1])
		case regmach.RMemorySize:
			regs[in.Rd] = uint64(mem.Size())
		case regmach.RMemoryGrow:
			dirty = true
			if prev, ok := mem.Grow(uint32(regs[in.Rs1])); ok {
				regs[in.Rd] = uint64(prev)
			} else {
				regs[in.Rd] = uint64(uint32(0xffffffff))
			}
			refreshMem()
		case regmach.RMemoryFill:
			dirty = true
			dst := uint64(uint32(regs[in.Rd]))
			val := byte(regs[in.Rs1])
			length := uint64(uint32(regs[in.Rs2()]))
			b := mem.Bytes()
			if dst+length > uint64(len(b)) {
				panic(wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess)
			}
			for i := dst; i < dst+length; i++ {
				b[i] = val
			}
		case regmach.RMemoryCopy:
			dirty = true
			dst := uint64(uint32(regs[in.Rd]))
			src := uint64(uint32(regs[in.Rs1]))
			length := uint64(uint32(regs[in.Rs2()]))
			b := mem.Bytes()
			if dst+length > uint64(len(b)) || src+length > uint64(len(b)) {
				panic(wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess)
			}
			copy(b[dst:dst+length], b[src:src+length])

		case regmach.RI32Load:
			regs[in.Rd] = uint64(binary.LittleEndian.Uint32(ptrSlice(view(in.Rs1, in.Operand, 4), 4)))
		case regmach.RI64Load:
			regs[in.Rd] = binary.LittleEndian.Uint64(ptrSlice(view(in.Rs1, in.Operand, 8), 8))
		case regmach.RF32Load:
			regs[in.Rd] = uint64(binary.LittleEndian.Uint32(ptrSlice(view(in.Rs1, in.Operand, 4), 4)))
		case regmach.RF64Load:
			regs[in.Rd] = binary.LittleEndian.Uint64(ptrSlice(view(in.Rs1, in.Operand, 8), 8))
		case regmach.RI32Load8S:
			regs[in.Rd] = uint64(uint32(int32(int8(*(*byte)(view(in.Rs1, in.Operand, 1))))))
		case regmach.RI32Load8U:
			regs[in.Rd] = uint64(*(*byte)(view(in.Rs1, in.Operand, 1)))
		case regmach.RI32Load16S:
			regs[in.Rd] = uint64(uint32(int32(int16(binary.LittleEndian.Uint16(ptrSlice(view(in.Rs1, in.Operand, 2), 2))))))
		case regmach.RI32Load16U:
			regs[in.Rd] = uint64(binary.LittleEndian.Uint16(ptrSlice(view(in.Rs1, in.Operand, 2), 2)))
		case regmach.RI64Load8S:
			regs[in.Rd] = uint64(int64(int8(*(*byte)(view(in.Rs1, in.Operand, 1)))))
		case regmach.RI64Load8U:
			regs[in.Rd] = uint64(*(*byte)(view(in.Rs1, in.Operand, 1)))
		case regmach.RI64Load16S:
			regs[in.Rd] = uint64(int64(int16(binary.LittleEndian.Uint16(ptrSlice(view(in.Rs1, in.Operand, 2), 2)))))
		case regmach.RI64Load16U:
			regs[in.Rd] = uint64(binary.LittleEndian.Uint16(ptrSlice(view(in.Rs1, in.Operand, 2), 2)))
		case regmach.RI64Load32S:
			regs[in.Rd] = uint64(int64(int32(binary.LittleEndian.Uint32(ptrSlice(view(in.Rs1, in.Operand, 4), 4)))))
		case regmach.RI64Load32U:
			regs[in.Rd] = uint64(binary.LittleEndian.Uint32(ptrSlice(view(in.Rs1, in.Operand, 4), 4)))

		case regmach.RI32Store, regmach.RF32Store:
			dirty = true
			binary.LittleEndian.PutUint32(ptrSlice(view(in.Rd, in.Operand, 4), 4), uint32(regs[in.Rs1]))
		case regmach.RI64Store, regmach.RF64Store:
			dirty = true
			binary.LittleEndian.PutUint64(ptrSlice(view(in.Rd, in.Operand, 8), 8), regs[in.Rs1])
		case regmach.RI32Store8, regmach.RI64Store8:
			dirty = true
			*(*byte)(view(in.Rd, in.Operand, 1)) = byte(regs[in.Rs1])
		case regmach.RI32Store16, regmach.RI64Store16:
			dirty = true
			binary.LittleEndian.PutUint16(ptrSlice(view(in.Rd, in.Operand, 2), 2), uint16(regs[in.Rs1]))
		case regmach.RI64Store32:
			dirty = true
			binary.LittleEndian.PutUint32(ptrSlice(view(in.Rd, in.Operand, 4), 4), uint32(regs[in.Rs1]))

		default:
			panic(fmt.Errorf("BUG: unhandled register op %#x at pc=%d", op, pc))
		}
		pc++
	}
}

type errJitRestartPanic struct{}

// ptrSlice views size bytes at p as a slice for the binary endian helpers.
func ptrSlice(p unsafe.Pointer, size int) []byte {
	return unsafe.Slice((*byte)(p), size)
}
