// Package shoal is a WebAssembly runtime: it decodes, validates and
// executes WebAssembly binaries, tiering each function through a stack
// interpreter, a register interpreter and a native JIT, with WASI
// Preview 1 available for host I/O.
//
// The simplest usage compiles and instantiates a module, then calls an
// exported function:
//
//	r := shoal.NewRuntime(ctx)
//	defer r.Close(ctx)
//	mod, _ := r.InstantiateWithConfig(ctx, wasmBytes, shoal.NewModuleConfig())
//	results, _ := mod.ExportedFunction("fib").Call(ctx, 35)
package shoal

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"

	"github.com/shoalwasm/shoal/api"
	"github.com/shoalwasm/shoal/imports/wasi_snapshot_preview1"
	"github.com/shoalwasm/shoal/internal/wasm"
	"github.com/shoalwasm/shoal/internal/wasm/binary"
)

// Runtime owns a Store and the engine executing every module instantiated
// into it.
type Runtime interface {
	// CompileModule decodes, validates and precompiles a binary without
	// instantiating it.
	CompileModule(ctx context.Context, bin []byte) (CompiledModule, error)

	// InstantiateModule binds a compiled module into the runtime's store
	// and runs its start function.
	InstantiateModule(ctx context.Context, compiled CompiledModule, config *ModuleConfig) (api.Module, error)

	// InstantiateWithConfig is CompileModule followed by InstantiateModule.
	InstantiateWithConfig(ctx context.Context, bin []byte, config *ModuleConfig) (api.Module, error)

	// RegisterHostModule makes Go functions importable under moduleName.
	RegisterHostModule(moduleName string, funcs []*wasm.HostFunc) error

	// Module returns the registered instance of the given name, or nil.
	Module(name string) api.Module

	// Close returns nil. It releases no instance or compiled module.
	Close(ctx context.Context) error
}

// CompiledModule is a decoded, validated, engine-precompiled module, ready
// for any number of instantiations.
type CompiledModule interface {
	// Name returns the module's declared name, if its name section has one.
	Name() string

	// ImportedFunctions describes the imports an instantiation must satisfy.
	ImportedFunctions() []ImportInfo

	// ExportInfo describes one export, or ok=false if absent.
	ExportInfo(name string) (info ExportInfo, ok bool)
}

// ImportInfo describes one import of a compiled module.
type ImportInfo struct {
	Module string
	Name   string
	Kind   api.ExternType

	// ParamTypes and ResultTypes are populated for function imports.
	ParamTypes  []api.ValueType
	ResultTypes []api.ValueType
}

// ExportInfo describes one export of a compiled module.
type ExportInfo struct {
	Name        string
	Kind        api.ExternType
	ParamTypes  []api.ValueType
	ResultTypes []api.ValueType
}

// NewRuntime returns a Runtime with the default configuration: every
// supported feature on, and the tiered compiler engine when the platform
// supports it.
func NewRuntime(ctx context.Context) Runtime {
	return NewRuntimeWithConfig(ctx, NewRuntimeConfig())
}

// NewRuntimeWithConfig returns a Runtime with the given configuration.
func NewRuntimeWithConfig(ctx context.Context, config *RuntimeConfig) Runtime {
	engine := config.newEngine()
	store := wasm.NewStore(config.enabledFeatures, engine)
	if config.memoryCeilingPages != 0 {
		store.MemoryCeilingPages = config.memoryCeilingPages
	}
	if config.callStackCeiling != 0 {
		store.CallStackCeiling = config.callStackCeiling
	}
	return &runtime{store: store, config: config}
}

type runtime struct {
	store  *wasm.Store
	config *RuntimeConfig

	wasiRegistered bool
}

type compiledModule struct {
	module *wasm.Module
}

func (c *compiledModule) Name() string {
	if c.module.NameSection != nil {
		return c.module.NameSection.ModuleName
	}
	return ""
}

func (c *compiledModule) ImportedFunctions() []ImportInfo {
	var out []ImportInfo
	for _, imp := range c.module.ImportSection {
		info := ImportInfo{Module: imp.Module, Name: imp.Name, Kind: imp.Type}
		if imp.Type == wasm.ExternTypeFunc {
			ft := c.module.TypeOfIndex(imp.DescFunc).FuncType
			info.ParamTypes = ft.Params
			info.ResultTypes = ft.Results
		}
		out = append(out, info)
	}
	return out
}

func (c *compiledModule) ExportInfo(name string) (ExportInfo, bool) {
	exp, ok := c.module.ExportSection[name]
	if !ok {
		return ExportInfo{}, false
	}
	info := ExportInfo{Name: name, Kind: exp.Type}
	if exp.Type == wasm.ExternTypeFunc {
		ft := c.module.FunctionTypeOf(exp.Index)
		info.ParamTypes = ft.Params
		info.ResultTypes = ft.Results
	}
	return info, true
}

func (r *runtime) CompileModule(ctx context.Context, bin []byte) (CompiledModule, error) {
	m, err := binary.DecodeModule(bin, r.config.decodeConfig())
	if err != nil {
		return nil, err
	}
	m.ID = r.store.NextModuleID()
	r.store.TypeRegistry().Register(m)
	if err := wasm.ValidateModule(m, r.config.enabledFeatures); err != nil {
		return nil, err
	}
	if err := r.store.Engine.CompileModule(ctx, m); err != nil {
		return nil, err
	}
	return &compiledModule{module: m}, nil
}

func (r *runtime) InstantiateModule(ctx context.Context, compiled CompiledModule, config *ModuleConfig) (api.Module, error) {
	cm, ok := compiled.(*compiledModule)
	if !ok {
		return nil, fmt.Errorf("compiled module was not produced by this runtime")
	}
	if config == nil {
		config = NewModuleConfig()
	}

	if config.withWASI && !r.wasiRegistered {
		if err := wasi_snapshot_preview1.Instantiate(r.store); err != nil {
			return nil, err
		}
		r.wasiRegistered = true
	}

	name := config.name
	if name == "" {
		name = cm.Name()
	}
	inst, err := r.store.Instantiate(ctx, cm.module, name, config.newSysContext())
	if err != nil {
		if inst == nil {
			return nil, err
		}
		// A start-function trap leaves the instance inspectable even though
		// the instantiation failed.
		return inst, err
	}
	return inst, nil
}

func (r *runtime) InstantiateWithConfig(ctx context.Context, bin []byte, config *ModuleConfig) (api.Module, error) {
	compiled, err := r.CompileModule(ctx, bin)
	if err != nil {
		return nil, err
	}
	return r.InstantiateModule(ctx, compiled, config)
}

func (r *runtime) RegisterHostModule(moduleName string, funcs []*wasm.HostFunc) error {
	_, err := r.store.RegisterHostModule(moduleName, funcs)
	return err
}

func (r *runtime) Module(name string) api.Module {
	if m := r.store.Module(name); m != nil {
		return m
	}
	return nil
}

func (r *runtime) Close(ctx context.Context) error {
	return nil
}

// ContextWithFuel bounds execution through the returned context: every
// invoke sharing it draws from the same n-unit budget and fails with a
// fuel-exhaustion error at zero.
func ContextWithFuel(ctx context.Context, n uint64) context.Context {
	return wasm.ContextWithFuel(ctx, n)
}

// InspectImports decodes just enough of a binary to report its imports,
// letting a host assemble an import set without instantiating.
func InspectImports(bin []byte) ([]ImportInfo, error) {
	m, err := binary.DecodeModule(bin, binary.DefaultDecodeConfig())
	if err != nil {
		return nil, err
	}
	return (&compiledModule{module: m}).ImportedFunctions(), nil
}

// WASIExitCode reports the proc_exit code of a module instantiated with
// WASI, if it exited through proc_exit.
func WASIExitCode(mod api.Module) (uint32, bool) {
	mi, ok := mod.(*wasm.ModuleInstance)
	if !ok {
		return 0, false
	}
	sysCtx, ok := mi.Sys.(*wasi_snapshot_preview1.SysContext)
	if !ok {
		return 0, false
	}
	return sysCtx.ExitCode()
}

// defaultRandSource is crypto/rand for random_get.
func defaultRandSource(b []byte) error {
	_, err := rand.Read(b)
	return err
}

var defaultStdout, defaultStderr = os.Stdout, os.Stderr
