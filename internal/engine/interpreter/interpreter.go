// Package interpreter is the fallback execution tier: it runs predecoded IR
// directly with an operand stack, covers the full opcode surface including
// the SIMD and GC subsets, and is the tier every other engine falls back to
// when lowering or native compilation declines a function.
package interpreter

import (
	"context"
	"fmt"
	"sync"

	"github.com/shoalwasm/shoal/internal/shoalir"
	"github.com/shoalwasm/shoal/internal/wasm"
	"github.com/shoalwasm/shoal/internal/wasmruntime"
)

// engine is the stack-interpreter implementation of wasm.Engine.
type engine struct {
	enabledFeatures wasm.Features
	codes           map[wasm.ModuleID][]*shoalir.Code
	mux             sync.RWMutex
}

// NewEngine returns a stack-interpreter-only engine.
func NewEngine(enabledFeatures wasm.Features) wasm.Engine {
	return &engine{
		enabledFeatures: enabledFeatures,
		codes:           map[wasm.ModuleID][]*shoalir.Code{},
	}
}

// CompileModule implements wasm.Engine.
func (e *engine) CompileModule(ctx context.Context, m *wasm.Module) error {
	e.mux.RLock()
	_, done := e.codes[m.ID]
	e.mux.RUnlock()
	if done {
		return nil
	}
	codes, err := PredecodeModule(m)
	if err != nil {
		return err
	}
	e.mux.Lock()
	e.codes[m.ID] = codes
	e.mux.Unlock()
	return nil
}

// PredecodeModule lowers every locally-defined function of m to predecoded
// IR. Shared with the tiered compiler engine, whose pipeline starts from
// the same form.
func PredecodeModule(m *wasm.Module) ([]*shoalir.Code, error) {
	imported := m.ImportFuncCount()
	codes := make([]*shoalir.Code, len(m.CodeSection))
	for i := range m.CodeSection {
		code, err := shoalir.CompileFunction(m, imported+wasm.Index(i))
		if err != nil {
			return nil, err
		}
		codes[i] = code
	}
	return codes, nil
}

// DeleteCompiledModule implements wasm.Engine.
func (e *engine) DeleteCompiledModule(m *wasm.Module) {
	e.mux.Lock()
	defer e.mux.Unlock()
	delete(e.codes, m.ID)
}

// NewModuleEngine implements wasm.Engine: it binds an interpreter call
// closure to every locally-defined function of the instance.
func (e *engine) NewModuleEngine(m *wasm.Module, instance *wasm.ModuleInstance) (wasm.ModuleEngine, error) {
	e.mux.RLock()
	codes, ok := e.codes[m.ID]
	e.mux.RUnlock()
	if !ok {
		return nil, fmt.Errorf("module %q was not compiled by this engine", instance.ModuleName)
	}
	me := &moduleEngine{instance: instance, codes: codes}
	imported := int(m.ImportFuncCount())
	for i, code := range codes {
		BindFunction(instance.Functions[imported+i], instance, code)
	}
	return me, nil
}

type moduleEngine struct {
	instance *wasm.ModuleInstance
	codes    []*shoalir.Code
}

// Release implements wasm.ModuleEngine; the interpreter holds no
// instance-scoped OS resources.
func (me *moduleEngine) Release() error { return nil }

// BindFunction attaches the interpreter call path to fi. Exported so the
// tiered engine reuses it for functions that fell back to this tier.
func BindFunction(fi *wasm.FunctionInstance, instance *wasm.ModuleInstance, code *shoalir.Code) {
	fi.BindCall(func(ctx context.Context, callerModule *wasm.ModuleInstance, stack []uint64) error {
		ctx, st := wasm.EnsureInvokeState(ctx)
		if st.Depth >= instance.Store.CallStackCeiling {
			return wasmruntime.ErrRuntimeCallStackOverflow
		}
		st.Depth++
		defer func() { st.Depth-- }()
		return Exec(ctx, st, instance, code, stack)
	})
}

// Exec runs one predecoded function body to completion. stack carries the
// parameters on entry and receives the results at offset 0 on return, both
// in slot form. Traps surface as errors; a Wasm exception that no
// try_table in this frame catches is returned as *wasm.ThrownException for
// the caller frame to continue unwinding.
func Exec(ctx context.Context, st *wasm.InvokeState, inst *wasm.ModuleInstance, code *shoalir.Code, stack []uint64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()

	frame := &callFrame{
		ctx:    ctx,
		st:     st,
		inst:   inst,
		code:   code,
		locals: make([]uint64, code.LocalSlots),
		stk:    make([]uint64, 0, 16),
	}
	copy(frame.locals, stack[:code.ParamSlots])
	if err := frame.run(); err != nil {
		return err
	}
	copy(stack, frame.stk[len(frame.stk)-code.ResultSlots:])
	return nil
}

// label is one entry of the run-time label stack.
type label struct {
	op          shoalir.Op
	base        int // operand stack length below the label's params
	paramSlots  int
	resultSlots int
	target      uint32 // PC a branch to this label resumes at
	tryPC       uint32 // OpTryTable record index, for clause lookup
}

type callFrame struct {
	ctx    context.Context
	st     *wasm.InvokeState
	inst   *wasm.ModuleInstance
	code   *shoalir.Code
	locals []uint64
	stk    []uint64
	labels []label
	pc     uint32
}

func (f *callFrame) push(v uint64) { f.stk = append(f.stk, v) }

func (f *callFrame) pop() uint64 {
	v := f.stk[len(f.stk)-1]
	f.stk = f.stk[:len(f.stk)-1]
	return v
}

func (f *callFrame) peek() uint64 { return f.stk[len(f.stk)-1] }

func (f *callFrame) pushBool(b bool) {
	if b {
		f.push(1)
	} else {
		f.push(0)
	}
}

func (f *callFrame) consumeFuel(n int64) {
	if !f.st.Fuel.Consume(n) {
		panic(wasmruntime.ErrRuntimeFuelExhausted)
	}
}

// branchToDepth implements br semantics: carry the label's arity worth of
// slots down to its base, discard the rest, trim the label stack and jump.
func (f *callFrame) branchToDepth(depth int, targetPC uint32) {
	l := &f.labels[len(f.labels)-1-depth]
	carry := l.resultSlots
	if l.op == shoalir.OpLoop {
		carry = l.paramSlots
		f.labels = f.labels[:len(f.labels)-depth]
	} else {
		f.labels = f.labels[:len(f.labels)-1-depth]
	}
	copy(f.stk[l.base:], f.stk[len(f.stk)-carry:])
	f.stk = f.stk[:l.base+carry]
	if targetPC <= f.pc {
		f.consumeFuel(1)
	}
	f.pc = targetPC
}

// invoke calls another function instance with the interpreter calling
// convention, leaving its results on this frame's stack.
func (f *callFrame) invoke(callee *wasm.FunctionInstance) error {
	f.consumeFuel(1)
	argSlots := slotCount(callee.Type.Params)
	resSlots := slotCount(callee.Type.Results)
	buf := make([]uint64, maxInt(argSlots, resSlots))
	copy(buf, f.stk[len(f.stk)-argSlots:])
	f.stk = f.stk[:len(f.stk)-argSlots]
	if err := callee.Call(f.ctx, f.inst, buf); err != nil {
		return err
	}
	f.stk = append(f.stk, buf[:resSlots]...)
	return nil
}

// tailInvoke implements return_call: the callee replaces this frame, so
// the depth counter is handed over rather than grown.
func (f *callFrame) tailInvoke(callee *wasm.FunctionInstance) error {
	f.st.Depth--
	defer func() { f.st.Depth++ }()
	return f.invoke(callee)
}

// handleCallError resumes exception unwinding for a thrown exception, or
// propagates anything else (traps are never caught).
func (f *callFrame) handleCallError(err error) error {
	if exn, ok := err.(*wasm.ThrownException); ok {
		if f.raise(exn.Ref) {
			return nil
		}
	}
	return err
}

// raise searches this frame's try_table labels innermost-first for a catch
// clause matching the exception; returns false when none matches and the
// unwind must continue in the caller.
func (f *callFrame) raise(exnRef wasm.Reference) bool {
	store := f.inst.Store
	exn, err := store.ExnArena.Get(exnRef)
	if err != nil {
		panic(err)
	}
	for i := len(f.labels) - 1; i >= 0; i-- {
		l := &f.labels[i]
		if l.op != shoalir.OpTryTable {
			continue
		}
		meta := f.code.Instrs[l.tryPC+1]
		clauseCount := meta.Operand
		for c := uint32(0); c < clauseCount; c++ {
			clause := f.code.Instrs[l.tryPC+2+c]
			packed := f.code.Pool[clause.Operand]
			tagIdx, labelDepth := uint32(packed>>32), uint32(packed&0xffffffff)
			kind := clause.Extra
			if kind == 0 || kind == 1 {
				if f.inst.Tags[tagIdx] != exn.Tag {
					continue
				}
			}
			// Matched: discard everything above the try_table label, drop
			// the label itself, then branch to the clause's target label
			// with the values the clause kind pushes.
			var values []uint64
			switch kind {
			case 0:
				values = exn.Payload
			case 1:
				values = append(append([]uint64(nil), exn.Payload...), exnRef)
			case 3:
				values = []uint64{exnRef}
			}
			f.labels = f.labels[:i]
			target := &f.labels[len(f.labels)-1-int(labelDepth)]
			f.stk = append(f.stk[:target.base], values...)
			targetPC := target.target
			if target.op == shoalir.OpLoop {
				f.labels = f.labels[:len(f.labels)-int(labelDepth)]
			} else {
				f.labels = f.labels[:len(f.labels)-1-int(labelDepth)]
			}
			f.pc = targetPC
			return true
		}
	}
	return false
}

func slotCount(ts []byte) (n int) {
	for _, t := range ts {
		if t == 0x7b { // v128
			n += 2
		} else {
			n++
		}
	}
	return
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
