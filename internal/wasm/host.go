package wasm

import (
	"context"
	"fmt"

	"github.com/shoalwasm/shoal/api"
	"github.com/shoalwasm/shoal/sys"
)

// HostFunc describes one function a host module exports: its Wasm-visible
// name and signature, and the Go callback implementing it with the operand
// stack convention documented on api.GoModuleFunc.
type HostFunc struct {
	Name        string
	ParamTypes  []ValueType
	ResultTypes []ValueType
	Fn          api.GoModuleFunc
}

// RegisterHostModule synthesizes and registers a module instance whose
// exports are Go host functions, making them resolvable by later
// instantiations importing from moduleName. This is how the WASI surface
// and embedder-defined imports enter a Store.
func (s *Store) RegisterHostModule(moduleName string, funcs []*HostFunc) (*ModuleInstance, error) {
	if moduleName == "" {
		return nil, fmt.Errorf("host module must be named")
	}

	// A host module still carries a Module so export resolution works the
	// same way it does for Wasm-defined modules.
	source := &Module{
		ExportSection: map[string]*Export{},
		ID:            s.NextModuleID(),
	}
	inst := &ModuleInstance{
		ModuleName: moduleName,
		Store:      s,
		Source:     source,
	}

	for i, hf := range funcs {
		ft := &FunctionType{Params: hf.ParamTypes, Results: hf.ResultTypes}
		f := &FunctionInstance{
			TypeID: s.typeRegistry.RegisterFunctionType(ft),
			Type:   ft,
			Module: inst,
			Idx:    Index(i),
			GoFunc: hf.Fn,
			Definition: FunctionDefinitionData{
				ModuleName:  moduleName,
				Index:       Index(i),
				Name:        hf.Name,
				ExportNames: []string{hf.Name},
			},
		}
		bindHostCall(f)
		s.addFunction(f)
		inst.Functions = append(inst.Functions, f)
		source.ExportSection[hf.Name] = &Export{Type: ExternTypeFunc, Name: hf.Name, Index: Index(i)}
	}

	inst.buildExports()
	if err := s.registerModule(inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// bindHostCall attaches the call closure adapting the engine calling
// convention (params-then-results, in place, on a []uint64) to the host
// callback. The api.Module the callback sees is the calling module, so
// host functions read and write the caller's memory, matching how WASI
// syscalls address their iovec buffers.
func bindHostCall(f *FunctionInstance) {
	fn := f.GoFunc.(api.GoModuleFunc)
	f.BindCall(func(ctx context.Context, callerModule *ModuleInstance, stack []uint64) (err error) {
		defer func() {
			if r := recover(); r != nil {
				if exitErr, ok := r.(*sys.ExitError); ok {
					err = exitErr
					return
				}
				if e, ok := r.(error); ok {
					err = fmt.Errorf("host function %s panicked: %w", f.Definition.Name, e)
					return
				}
				err = fmt.Errorf("host function %s panicked: %v", f.Definition.Name, r)
			}
		}()
		fn.Call(ctx, callerModule, stack)
		return nil
	})
}
