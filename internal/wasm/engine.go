package wasm

import "context"

// Engine is implemented by each execution tier family (the stack
// interpreter engine, and the tiered compiler engine that owns the register
// interpreter and the JIT). A Store owns exactly one Engine selected at
// RuntimeConfig construction time; CompileModule asks it to precompile a
// validated Module once, independent of how many times that Module is later
// instantiated.
type Engine interface {
	// CompileModule lowers m's function bodies into this engine's internal
	// representation, caching the result keyed by m.ID.
	CompileModule(ctx context.Context, m *Module) error

	// NewModuleEngine binds a compiled Module's code to one particular
	// instantiation's runtime state (its own tables/memories/globals),
	// attaching a call closure to every locally-defined FunctionInstance of
	// the given instance.
	NewModuleEngine(m *Module, instance *ModuleInstance) (ModuleEngine, error)

	// DeleteCompiledModule evicts m's cached compilation, called when no
	// instance of it remains reachable.
	DeleteCompiledModule(m *Module)
}

// ModuleEngine holds the per-instance execution state of one
// ModuleInstance; its call closures are already attached to the instance's
// FunctionInstances by the time NewModuleEngine returns.
type ModuleEngine interface {
	// Release frees instance-scoped engine resources (notably JIT code
	// mappings), called when the instance closes.
	Release() error
}

// FunctionInstance is a single callable function, whether defined locally,
// imported from another module, or backed by a Go host function. Every
// FunctionInstance is appended to its Store's function address space at
// instantiation; references encode that address (see reference.go).
type FunctionInstance struct {
	TypeID TypeID
	Type   *FunctionType

	// Module is the defining (not necessarily the calling) module; host
	// functions belong to the synthesized host module instance.
	Module *ModuleInstance

	// Idx is the defining module's local function index of this function.
	Idx Index

	// StoreAddr is this function's address in the owning Store's function
	// space, assigned by Store.addFunction.
	StoreAddr Index

	// GoFunc is non-nil for a host function: an api.GoModuleFunc (or the
	// raw Go function it wraps, surfaced for api.FunctionDefinition).
	GoFunc interface{}

	// Definition exposes the embedder-facing metadata (names, debug info).
	Definition FunctionDefinitionData

	// call is filled in by the owning ModuleEngine once instantiated.
	call func(ctx context.Context, callerModule *ModuleInstance, stack []uint64) error
}

// FunctionDefinitionData carries the subset of api.FunctionDefinition this
// package owns; the api.FunctionDefinition embedder type wraps a pointer to
// one of these.
type FunctionDefinitionData struct {
	ModuleName  string
	Index       Index
	Name        string
	Import      bool
	ExportNames []string
}

// Call invokes the function with the given argument stack (params, then
// overwritten in place with results on return). ctx carries cancellation
// and, when set, the fuel budget (see ContextWithFuel).
func (f *FunctionInstance) Call(ctx context.Context, callerModule *ModuleInstance, stack []uint64) (err error) {
	return f.call(ctx, callerModule, stack)
}

// BindCall attaches the dispatch function a ModuleEngine builds for this
// FunctionInstance; called once during NewModuleEngine / host function
// registration.
func (f *FunctionInstance) BindCall(call func(ctx context.Context, callerModule *ModuleInstance, stack []uint64) error) {
	f.call = call
}

// Bound reports whether BindCall has run; instantiation asserts this for
// every function before exposing exports.
func (f *FunctionInstance) Bound() bool { return f.call != nil }
