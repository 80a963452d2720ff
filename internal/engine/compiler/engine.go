// Package compiler is the tiered engine: predecoded IR feeds the register
// lowerer; lowered functions run on the register interpreter until their
// call or back-edge counters cross the promotion thresholds, then compile
// to native code (arm64 or amd64) in a per-function W^X mapping. Functions
// the lowerer or the native backend decline fall down the tier chain with
// no observable difference beyond throughput.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shoalwasm/shoal/internal/engine/interpreter"
	"github.com/shoalwasm/shoal/internal/engine/regvm"
	"github.com/shoalwasm/shoal/internal/platform"
	"github.com/shoalwasm/shoal/internal/regmach"
	"github.com/shoalwasm/shoal/internal/shoalir"
	"github.com/shoalwasm/shoal/internal/wasm"
	"github.com/shoalwasm/shoal/internal/wasmruntime"
)

type engine struct {
	enabledFeatures wasm.Features
	mux             sync.RWMutex
	codes           map[wasm.ModuleID]*compiledModule
}

type compiledModule struct {
	predecoded []*shoalir.Code
	// regcodes[i] is nil when lowering declined function i.
	regcodes []*regmach.Code
}

// NewEngine returns the tiered engine. Callers should gate on
// platform.CompilerSupported and fall back to the interpreter engine
// otherwise; on an unsupported platform this engine still works but every
// function stays on the interpreter tiers.
func NewEngine(enabledFeatures wasm.Features) wasm.Engine {
	return &engine{
		enabledFeatures: enabledFeatures,
		codes:           map[wasm.ModuleID]*compiledModule{},
	}
}

// CompileModule implements wasm.Engine: predecode everything, then lower
// eagerly (the lowering pass is single-pass and cheap relative to decode).
func (e *engine) CompileModule(ctx context.Context, m *wasm.Module) error {
	e.mux.RLock()
	_, done := e.codes[m.ID]
	e.mux.RUnlock()
	if done {
		return nil
	}
	predecoded, err := interpreter.PredecodeModule(m)
	if err != nil {
		return err
	}
	cm := &compiledModule{
		predecoded: predecoded,
		regcodes:   make([]*regmach.Code, len(predecoded)),
	}
	for i, pc := range predecoded {
		rc, lerr := regmach.Lower(m, pc)
		if lerr != nil {
			if errors.Is(lerr, regmach.ErrUnsupported) {
				continue // stack interpreter keeps this function
			}
			return lerr
		}
		cm.regcodes[i] = rc
	}
	e.mux.Lock()
	e.codes[m.ID] = cm
	e.mux.Unlock()
	return nil
}

// DeleteCompiledModule implements wasm.Engine.
func (e *engine) DeleteCompiledModule(m *wasm.Module) {
	e.mux.Lock()
	defer e.mux.Unlock()
	delete(e.codes, m.ID)
}

// NewModuleEngine implements wasm.Engine.
func (e *engine) NewModuleEngine(m *wasm.Module, instance *wasm.ModuleInstance) (wasm.ModuleEngine, error) {
	e.mux.RLock()
	cm, ok := e.codes[m.ID]
	e.mux.RUnlock()
	if !ok {
		return nil, fmt.Errorf("module %q was not compiled by this engine", instance.ModuleName)
	}
	me := &moduleEngine{
		instance: instance,
		cm:       cm,
		counters: make([]regvm.Counters, len(cm.predecoded)),
		native:   make([]*nativeFunc, len(cm.predecoded)),
	}
	imported := int(m.ImportFuncCount())
	for i := range cm.predecoded {
		fi := instance.Functions[imported+i]
		if cm.regcodes[i] == nil {
			interpreter.BindFunction(fi, instance, cm.predecoded[i])
			continue
		}
		me.bindTiered(fi, i)
	}
	return me, nil
}

// moduleEngine carries the per-instance tier state: promotion counters and
// compiled native code, one slot per locally-defined function.
type moduleEngine struct {
	instance *wasm.ModuleInstance
	cm       *compiledModule

	mux      sync.Mutex
	counters []regvm.Counters
	native   []*nativeFunc
	// jitFailed marks functions the native backend declined; they run on
	// the register interpreter forever.
	jitFailed []bool
	// compiling guards against recursive compilation cycles during the
	// bottom-up callee walk.
	compiling map[int]bool

	ctxPool sync.Pool
}

// Release implements wasm.ModuleEngine: unmap every native code buffer.
func (me *moduleEngine) Release() error {
	me.mux.Lock()
	defer me.mux.Unlock()
	var firstErr error
	for i, nf := range me.native {
		if nf == nil {
			continue
		}
		if err := platform.MunmapCodeSegment(nf.code); err != nil && firstErr == nil {
			firstErr = err
		}
		me.native[i] = nil
	}
	return firstErr
}

// bindTiered attaches the register-interpreter path with its promotion
// loop to fi.
func (me *moduleEngine) bindTiered(fi *wasm.FunctionInstance, localIdx int) {
	rc := me.cm.regcodes[localIdx]
	fi.BindCall(func(ctx context.Context, callerModule *wasm.ModuleInstance, stack []uint64) error {
		ctx, st := wasm.EnsureInvokeState(ctx)
		if st.Depth >= me.instance.Store.CallStackCeiling {
			return wasmruntime.ErrRuntimeCallStackOverflow
		}
		st.Depth++
		defer func() { st.Depth-- }()

		counters := &me.counters[localIdx]
		counters.Calls++
		for {
			if nf := me.nativeFor(localIdx); nf != nil {
				return me.callNative(st, nf, stack)
			}
			if counters.Calls >= regvm.CallThreshold && me.tryCompile(localIdx) {
				continue
			}
			err := regvm.Exec(ctx, st, me.instance, rc, stack, counters)
			if err == regvm.ErrJitRestart {
				// The back-edge counter fired mid-loop: compile (or mark
				// failed) and re-enter from the unchanged arguments.
				me.tryCompile(localIdx)
				counters.Backedges = 0
				continue
			}
			// A run that saturated its back-edge budget after performing
			// side effects finished on this tier; compile so the next
			// invocation starts native.
			if counters.Backedges >= regvm.BackedgeThreshold {
				me.tryCompile(localIdx)
				counters.Backedges = 0
			}
			return err
		}
	})
}

func (me *moduleEngine) nativeFor(localIdx int) *nativeFunc {
	me.mux.Lock()
	defer me.mux.Unlock()
	return me.native[localIdx]
}

// tryCompile compiles localIdx to native code, returning true when a
// native body is now available. A declined compilation is remembered so
// the promotion check stops retrying.
func (me *moduleEngine) tryCompile(localIdx int) bool {
	me.mux.Lock()
	defer me.mux.Unlock()
	return me.tryCompileLocked(localIdx)
}

// tryCompileLocked is tryCompile under an already-held engine lock; the
// backends call it to compile a callee bottom-up before emitting a direct
// call to it.
func (me *moduleEngine) tryCompileLocked(localIdx int) bool {
	if me.native[localIdx] != nil {
		return true
	}
	if me.jitFailed == nil {
		me.jitFailed = make([]bool, len(me.cm.predecoded))
	}
	if me.jitFailed[localIdx] || me.cm.regcodes[localIdx] == nil || me.compiling[localIdx] {
		return false
	}
	if me.compiling == nil {
		me.compiling = map[int]bool{}
	}
	me.compiling[localIdx] = true
	defer delete(me.compiling, localIdx)
	nf, err := compileNative(me, localIdx, me.cm.regcodes[localIdx])
	if err != nil {
		me.jitFailed[localIdx] = true
		return false
	}
	me.native[localIdx] = nf
	return true
}

// nativeFunc is one function's native compilation artifact.
type nativeFunc struct {
	code  []byte // RX mapping
	entry uintptr

	// pcMap maps each register-IR PC to the native offset of its first
	// emitted instruction; branch resolution uses it during emission and
	// debuggers after.
	pcMap []uint32

	regCount   int
	paramRegs  int
	resultRegs int
}

// errJITUnsupported marks register-IR constructs the native backends do
// not emit; the function then stays on the register interpreter.
var errJITUnsupported = errors.New("instruction outside the native backend's scope")
