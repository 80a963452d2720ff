package compiler

import (
	"unsafe"

	"github.com/shoalwasm/shoal/internal/wasm"
	"github.com/shoalwasm/shoal/internal/wasmruntime"
)

// nativeContext is the single struct native code addresses; its layout is
// part of the emitters' and the assembly trampoline's contract, so every
// field is 8 bytes and the offsets below are load-bearing.
//
//	+0  stackBase       base of the wasm register-file stack (slots)
//	+8  stackLenSlots   capacity of that stack
//	+16 sp              current allocation point, in slots
//	+24 memBase         linear memory base (memory 0), or 0
//	+32 memLen          accessible bytes of that memory
//	+40 fuel            remaining fuel (signed)
//	+48 fuelOn          1 when fuel metering is active
//	+56 trap            trap code written by the error stubs
//	+64 savedSP         the Go stack pointer, restored on exit
//	+72 machineStackTop top of the dedicated native machine stack
type nativeContext struct {
	stackBase       *uint64
	stackLenSlots   uint64
	sp              uint64
	memBase         *byte
	memLen          uint64
	fuel            int64
	fuelOn          uint64
	trap            uint64
	savedSP         uintptr
	machineStackTop uintptr
}

// Context field offsets used by the backends.
const (
	ctxStackBase       = 0
	ctxStackLenSlots   = 8
	ctxSP              = 16
	ctxMemBase         = 24
	ctxMemLen          = 32
	ctxFuel            = 40
	ctxFuelOn          = 48
	ctxTrap            = 56
	ctxSavedSP         = 64
	ctxMachineStackTop = 72
)

// Trap codes the native error stubs write into nativeContext.trap.
const (
	trapNone = iota
	trapUnreachable
	trapOutOfBounds
	trapDivByZero
	trapIntegerOverflow
	trapStackExhausted
	trapFuelExhausted
)

func trapError(code uint64) error {
	switch code {
	case trapUnreachable:
		return wasmruntime.ErrRuntimeUnreachable
	case trapOutOfBounds:
		return wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess
	case trapDivByZero:
		return wasmruntime.ErrRuntimeIntegerDivideByZero
	case trapIntegerOverflow:
		return wasmruntime.ErrRuntimeIntegerOverflow
	case trapStackExhausted:
		return wasmruntime.ErrRuntimeCallStackOverflow
	case trapFuelExhausted:
		return wasmruntime.ErrRuntimeFuelExhausted
	}
	return nil
}

const (
	// wasmStackSlots bounds native recursion: every frame takes its
	// RegCount slots, so the default call-depth ceiling fits comfortably.
	wasmStackSlots = 1 << 16
	// machineStackBytes is the dedicated machine stack the trampoline
	// switches to, keeping native bl-chains off the goroutine stack.
	machineStackBytes = 1 << 20
)

// callContext is the pooled per-invocation native execution state.
type callContext struct {
	ctx          nativeContext
	wasmStack    []uint64
	machineStack []byte
}

func (me *moduleEngine) acquireCallContext() *callContext {
	if cc, ok := me.ctxPool.Get().(*callContext); ok {
		return cc
	}
	cc := &callContext{
		wasmStack:    make([]uint64, wasmStackSlots),
		machineStack: make([]byte, machineStackBytes),
	}
	cc.ctx.stackBase = &cc.wasmStack[0]
	cc.ctx.stackLenSlots = wasmStackSlots
	return cc
}

// callNative runs one compiled function to completion (the JIT never calls
// back into Go: anything that would is left on the interpreter tiers).
func (me *moduleEngine) callNative(st *wasm.InvokeState, nf *nativeFunc, stack []uint64) error {
	cc := me.acquireCallContext()
	defer me.ctxPool.Put(cc)

	ctx := &cc.ctx
	ctx.sp = 0
	ctx.trap = trapNone
	if len(me.instance.Memories) > 0 {
		mem := me.instance.Memories[0]
		ctx.memBase = mem.Base()
		ctx.memLen = uint64(len(mem.Bytes()))
	} else {
		ctx.memBase = nil
		ctx.memLen = 0
	}
	if st.Fuel.Enabled {
		ctx.fuelOn = 1
		ctx.fuel = st.Fuel.Remaining
	} else {
		ctx.fuelOn = 0
	}
	ctx.machineStackTop = machineStackTop(cc.machineStack)

	copy(cc.wasmStack[:nf.paramRegs], stack[:nf.paramRegs])

	nativecall(nf.entry, ctx)

	if st.Fuel.Enabled {
		st.Fuel.Remaining = ctx.fuel
	}
	if ctx.trap != trapNone {
		return trapError(ctx.trap)
	}
	copy(stack[:nf.resultRegs], cc.wasmStack[:nf.resultRegs])
	return nil
}

// machineStackTop returns the 16-byte-aligned top of the slab.
func machineStackTop(b []byte) uintptr {
	top := uintptr(unsafe.Pointer(&b[0])) + uintptr(len(b))
	return top &^ 15
}
