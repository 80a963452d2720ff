package wasm

import (
	"context"
	"fmt"

	"github.com/shoalwasm/shoal/api"
	"github.com/shoalwasm/shoal/internal/wasmdebug"
)

// ModuleInstance is one instantiation of a Module: its own tables,
// memories, globals and (possibly import-resolved) functions, reachable
// under the export names the Module declared.
type ModuleInstance struct {
	ModuleName string

	Functions []*FunctionInstance
	Tables    []*TableInstance
	Memories  []*MemoryInstance
	Globals   []*GlobalInstance
	Tags      []*TagType

	// Store is the address space this instance was instantiated into; every
	// engine tier reaches tables/memories/functions of other instances
	// through it.
	Store *Store

	// Source is the immutable module this instance was created from.
	Source *Module

	// Engine executes this instance's functions.
	Engine ModuleEngine

	// Sys carries WASI state (args, environ, preopens, capabilities) when
	// the module was instantiated with a WASI config; nil otherwise.
	Sys interface{}

	// ElemSegments holds the passive element segments still available to
	// table.init; a nil entry is a dropped (or consumed active) segment.
	ElemSegments [][]Reference

	// DataSegments is the memory.init analogue of ElemSegments.
	DataSegments [][]byte

	exportedFuncs   map[string]*FunctionInstance
	exportedMems    map[string]*MemoryInstance
	exportedGlobals map[string]*GlobalInstance

	closed    bool
	exitCode  uint32
	hasExited bool
}

var _ api.Module = (*ModuleInstance)(nil)

func (m *ModuleInstance) Name() string { return m.ModuleName }

// Memory returns the first (index-0) memory, matching api.Module.Memory's
// single-memory convenience accessor; multi-memory modules expose the rest
// only via ExportedMemory.
func (m *ModuleInstance) Memory() api.Memory {
	if len(m.Memories) == 0 {
		return nil
	}
	return m.Memories[0]
}

// MemoryInstanceAt returns the memory at instance index i, used by the
// multi-memory load/store paths.
func (m *ModuleInstance) MemoryInstanceAt(i Index) *MemoryInstance {
	return m.Memories[i]
}

func (m *ModuleInstance) ExportedFunction(name string) api.Function {
	if f, ok := m.exportedFuncs[name]; ok {
		return &exportedFunction{fn: f, mod: m}
	}
	return nil
}

// ExportedFunctionInstance is the internal-shape twin of ExportedFunction,
// used by instantiation-time import resolution where the raw
// *FunctionInstance (not the api wrapper) is what gets recorded.
func (m *ModuleInstance) ExportedFunctionInstance(name string) *FunctionInstance {
	return m.exportedFuncs[name]
}

func (m *ModuleInstance) ExportedMemory(name string) api.Memory {
	if mem, ok := m.exportedMems[name]; ok {
		return mem
	}
	return nil
}

func (m *ModuleInstance) ExportedGlobal(name string) api.Global {
	if g, ok := m.exportedGlobals[name]; ok {
		if g.Type.Mutable {
			return mutableGlobal{g}
		}
		return constantGlobal{g}
	}
	return nil
}

type constantGlobal struct{ g *GlobalInstance }

func (c constantGlobal) Type() api.ValueType { return c.g.Type.ValType }
func (c constantGlobal) Get() uint64         { return c.g.Get() }

type mutableGlobal struct{ g *GlobalInstance }

func (m mutableGlobal) Type() api.ValueType { return m.g.Type.ValType }
func (m mutableGlobal) Get() uint64         { return m.g.Get() }
func (m mutableGlobal) Set(v uint64)        { m.g.Set(v) }

// buildExports indexes the module's export section against this instance's
// resolved definitions; called as the last step of instantiation.
func (m *ModuleInstance) buildExports() {
	m.exportedFuncs = map[string]*FunctionInstance{}
	m.exportedMems = map[string]*MemoryInstance{}
	m.exportedGlobals = map[string]*GlobalInstance{}
	for name, exp := range m.Source.ExportSection {
		switch exp.Type {
		case ExternTypeFunc:
			m.exportedFuncs[name] = m.Functions[exp.Index]
		case ExternTypeMemory:
			m.exportedMems[name] = m.Memories[exp.Index]
		case ExternTypeGlobal:
			m.exportedGlobals[name] = m.Globals[exp.Index]
		}
	}
}

func (m *ModuleInstance) CloseWithExitCode(ctx context.Context, exitCode uint32) error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.exitCode = exitCode
	m.hasExited = exitCode != 0
	for _, mem := range m.Memories {
		_ = mem.Close()
	}
	return nil
}

func (m *ModuleInstance) Close(ctx context.Context) error {
	return m.CloseWithExitCode(ctx, 0)
}

// SetExited records the code passed to proc_exit before the exit unwinds.
func (m *ModuleInstance) SetExited(code uint32) {
	m.exitCode = code
	m.hasExited = true
}

// ExitCode returns the code passed to CloseWithExitCode (or proc_exit), and
// whether the module has in fact exited.
func (m *ModuleInstance) ExitCode() (uint32, bool) { return m.exitCode, m.hasExited }

type exportedFunction struct {
	fn  *FunctionInstance
	mod *ModuleInstance
}

func (e *exportedFunction) Definition() api.FunctionDefinition {
	return &funcDefinition{fn: e.fn}
}

func (e *exportedFunction) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	n := len(e.fn.Type.Params)
	r := len(e.fn.Type.Results)
	if len(params) != n {
		return nil, fmt.Errorf("expected %d params, but passed %d", n, len(params))
	}
	stackLen := n
	if r > n {
		stackLen = r
	}
	stack := make([]uint64, stackLen)
	copy(stack, params)
	if err := e.fn.Call(ctx, e.mod, stack); err != nil {
		return nil, wasmdebug.DecorateError(
			wasmdebug.FuncName(e.fn.Definition.ModuleName, e.fn.Definition.Name, e.fn.Definition.Index), err)
	}
	return stack[:r], nil
}

type funcDefinition struct{ fn *FunctionInstance }

func (d *funcDefinition) ModuleName() string { return d.fn.Definition.ModuleName }
func (d *funcDefinition) Index() uint32      { return d.fn.Definition.Index }
func (d *funcDefinition) Name() string       { return d.fn.Definition.Name }
func (d *funcDefinition) DebugName() string {
	if d.fn.Definition.Name != "" {
		return fmt.Sprintf("%s.%s", d.fn.Definition.ModuleName, d.fn.Definition.Name)
	}
	return fmt.Sprintf("%s.$%d", d.fn.Definition.ModuleName, d.fn.Definition.Index)
}
func (d *funcDefinition) Import() (string, string, bool) {
	if !d.fn.Definition.Import {
		return "", "", false
	}
	return d.fn.Definition.ModuleName, d.fn.Definition.Name, true
}
func (d *funcDefinition) ExportNames() []string        { return d.fn.Definition.ExportNames }
func (d *funcDefinition) GoFunc() interface{}          { return d.fn.GoFunc }
func (d *funcDefinition) ParamTypes() []api.ValueType  { return d.fn.Type.Params }
func (d *funcDefinition) ParamNames() []string         { return nil }
func (d *funcDefinition) ResultTypes() []api.ValueType { return d.fn.Type.Results }
