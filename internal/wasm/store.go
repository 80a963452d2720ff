package wasm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrImportNotFound means instantiation could not resolve an import:
	// either no module of that name is registered, or the module exports
	// nothing under the imported name.
	ErrImportNotFound = errors.New("import not found")

	// ErrLinkError means the import exists but its type is incompatible
	// with the importing module's declaration.
	ErrLinkError = errors.New("incompatible import type")
)

// Store is the process-wide address space shared by every instance
// instantiated into it: functions, tables, memories, globals, tags, thrown
// exceptions and the gc heap, plus the hash-consed type registry and the
// name-to-exports map used for link-time import resolution.
//
// Addresses are stable for the lifetime of the Store; nothing is ever
// compacted or removed. Addresses from different instances coexist and
// cross-instance calls use only addresses.
type Store struct {
	EnabledFeatures Features
	Engine          Engine

	// MemoryCeilingPages caps memory.grow for instances whose module
	// declares no (or a larger) maximum.
	MemoryCeilingPages uint64

	// TableCeiling is the analogous cap for tables.
	TableCeiling uint64

	// CallStackCeiling bounds the depth of the Wasm call stack; engines
	// raise ErrRuntimeCallStackOverflow before exceeding it.
	CallStackCeiling int

	typeRegistry *TypeRegistry

	mu           sync.RWMutex
	funcs        []*FunctionInstance
	namedModules map[string]*ModuleInstance
	moduleList   []*ModuleInstance
	nextModuleID ModuleID

	GCHeap   GCHeap
	ExnArena ExnArena
}

const (
	defaultMemoryCeilingPages = 1 << 16 // the full 4GiB 32-bit space
	defaultTableCeiling       = 1 << 27
	defaultCallStackCeiling   = 1024
)

// NewStore returns an empty Store executing through engine with the given
// feature set.
func NewStore(enabled Features, engine Engine) *Store {
	return &Store{
		EnabledFeatures:    enabled,
		Engine:             engine,
		MemoryCeilingPages: defaultMemoryCeilingPages,
		TableCeiling:       defaultTableCeiling,
		CallStackCeiling:   defaultCallStackCeiling,
		typeRegistry:       NewTypeRegistry(),
		namedModules:       map[string]*ModuleInstance{},
	}
}

// TypeRegistry exposes the store's registry to the engines' subtype checks.
func (s *Store) TypeRegistry() *TypeRegistry { return s.typeRegistry }

// NextModuleID hands out a fresh process-unique module ID; the decoder's
// caller stamps it onto each decoded Module for engine cache keying.
func (s *Store) NextModuleID() ModuleID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextModuleID++
	return s.nextModuleID
}

// FunctionAt dereferences a store function address, the only way engines
// reach a callee that isn't module-local.
func (s *Store) FunctionAt(addr Index) *FunctionInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.funcs[addr]
}

func (s *Store) addFunction(f *FunctionInstance) Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := Index(len(s.funcs))
	s.funcs = append(s.funcs, f)
	f.StoreAddr = addr
	return addr
}

// Module returns the registered instance of the given name, or nil.
func (s *Store) Module(name string) *ModuleInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.namedModules[name]
}

func (s *Store) registerModule(m *ModuleInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ModuleName != "" {
		if _, dup := s.namedModules[m.ModuleName]; dup {
			return fmt.Errorf("module[%s] has already been instantiated", m.ModuleName)
		}
		s.namedModules[m.ModuleName] = m
	}
	s.moduleList = append(s.moduleList, m)
	return nil
}

func (s *Store) unregisterModule(m *ModuleInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ModuleName != "" && s.namedModules[m.ModuleName] == m {
		delete(s.namedModules, m.ModuleName)
	}
}

// Instantiate binds module against the store: resolves imports, appends
// store entries for every local definition, runs segment and global
// initialization, registers exports under name, and invokes the start
// function if one is declared.
//
// On any failure before the start function, no exports become visible and
// the returned instance is nil. A start-function trap also fails the
// instantiation (and removes the registration), but the instance object is
// returned alongside the error so the embedder can inspect it.
func (s *Store) Instantiate(ctx context.Context, module *Module, name string, sysCtx interface{}) (*ModuleInstance, error) {
	s.typeRegistry.Register(module)

	if err := s.Engine.CompileModule(ctx, module); err != nil {
		return nil, err
	}

	inst := &ModuleInstance{
		ModuleName: name,
		Store:      s,
		Source:     module,
		Sys:        sysCtx,
	}

	if err := s.resolveImports(module, inst); err != nil {
		return nil, err
	}

	// Local functions append fresh store addresses after the imported ones
	// recorded by resolveImports.
	importedFuncs := module.ImportFuncCount()
	for i, typeIdx := range module.FunctionSection {
		ft := module.TypeOfIndex(typeIdx)
		f := &FunctionInstance{
			TypeID: ft.TypeID,
			Type:   ft.FuncType,
			Module: inst,
			Idx:    importedFuncs + Index(i),
			Definition: FunctionDefinitionData{
				ModuleName: name,
				Index:      importedFuncs + Index(i),
				Name:       module.FunctionName(importedFuncs + Index(i)),
			},
		}
		s.addFunction(f)
		inst.Functions = append(inst.Functions, f)
	}

	for _, tt := range module.TableSection {
		inst.Tables = append(inst.Tables, NewTableInstance(tt, s.TableCeiling))
	}
	for _, mt := range module.MemorySection {
		mem, err := NewMemoryInstance(mt, s.MemoryCeilingPages)
		if err != nil {
			return nil, err
		}
		inst.Memories = append(inst.Memories, mem)
	}
	inst.Tags = append(inst.Tags, module.TagSection...)

	for i, gt := range module.GlobalSection {
		v, err := evaluateConstantExpression(module.GlobalInit[i], inst)
		if err != nil {
			return nil, err
		}
		inst.Globals = append(inst.Globals, NewGlobalInstance(gt, v))
	}

	me, err := s.Engine.NewModuleEngine(module, inst)
	if err != nil {
		return nil, err
	}
	inst.Engine = me

	if err := s.initSegments(module, inst); err != nil {
		return nil, err
	}

	inst.buildExports()
	if err := s.registerModule(inst); err != nil {
		return nil, err
	}

	if module.StartSection != nil {
		start := inst.Functions[*module.StartSection]
		stack := make([]uint64, len(start.Type.Params))
		if err := start.Call(ctx, inst, stack); err != nil {
			s.unregisterModule(inst)
			return inst, fmt.Errorf("start function failed: %w", err)
		}
	}
	return inst, nil
}

func (s *Store) resolveImports(module *Module, inst *ModuleInstance) error {
	for _, imp := range module.ImportSection {
		exporter := s.Module(imp.Module)
		if exporter == nil {
			return fmt.Errorf("%w: module[%s] not registered", ErrImportNotFound, imp.Module)
		}
		exp, ok := exporter.Source.ExportSection[imp.Name]
		if !ok || exp.Type != imp.Type {
			return fmt.Errorf("%w: %s[%s.%s]", ErrImportNotFound, ExternTypeName(imp.Type), imp.Module, imp.Name)
		}
		switch imp.Type {
		case ExternTypeFunc:
			f := exporter.Functions[exp.Index]
			expected := module.TypeOfIndex(imp.DescFunc)
			if f.TypeID != expected.TypeID {
				return fmt.Errorf("%w: func[%s.%s]: signature mismatch: %s != %s",
					ErrLinkError, imp.Module, imp.Name, expected.FuncType, f.Type)
			}
			inst.Functions = append(inst.Functions, f)
		case ExternTypeTable:
			t := exporter.Tables[exp.Index]
			if err := checkTableCompat(imp.DescTable, t); err != nil {
				return fmt.Errorf("%w: table[%s.%s]: %v", ErrLinkError, imp.Module, imp.Name, err)
			}
			inst.Tables = append(inst.Tables, t)
		case ExternTypeMemory:
			mem := exporter.Memories[exp.Index]
			if err := checkMemoryCompat(imp.DescMem, mem); err != nil {
				return fmt.Errorf("%w: memory[%s.%s]: %v", ErrLinkError, imp.Module, imp.Name, err)
			}
			inst.Memories = append(inst.Memories, mem)
		case ExternTypeGlobal:
			g := exporter.Globals[exp.Index]
			if g.Type.ValType != imp.DescGlobal.ValType || g.Type.Mutable != imp.DescGlobal.Mutable {
				return fmt.Errorf("%w: global[%s.%s]: type mismatch", ErrLinkError, imp.Module, imp.Name)
			}
			inst.Globals = append(inst.Globals, g)
		case ExternTypeTag:
			tag := exporter.Tags[exp.Index]
			want := module.TypeOfIndex(imp.DescTag.FuncTypeIndex)
			got := module.TypeOfIndex(tag.FuncTypeIndex)
			if want.TypeID != got.TypeID {
				return fmt.Errorf("%w: tag[%s.%s]: type mismatch", ErrLinkError, imp.Module, imp.Name)
			}
			inst.Tags = append(inst.Tags, tag)
		}
	}
	return nil
}

// checkTableCompat enforces the import-subtyping rule: the provided
// table's limits must lie within the declared ones and the element kinds
// must agree.
func checkTableCompat(want *TableType, got *TableInstance) error {
	if want.ElemRefKind != got.Type.ElemRefKind || want.Is64 != got.Type.Is64 {
		return errors.New("element type mismatch")
	}
	if uint64(got.Size()) < want.Limits.Min {
		return fmt.Errorf("minimum size mismatch: %d < %d", got.Size(), want.Limits.Min)
	}
	if want.Limits.HasMax && (!got.Type.Limits.HasMax || got.Type.Limits.Max > want.Limits.Max) {
		return errors.New("maximum size mismatch")
	}
	return nil
}

func checkMemoryCompat(want *MemoryType, got *MemoryInstance) error {
	if want.Is64 != got.Type().Is64 || want.Limits.Shared != got.Type().Limits.Shared {
		return errors.New("addressing or sharing mismatch")
	}
	if uint64(got.Size()) < want.Limits.Min {
		return fmt.Errorf("minimum size mismatch: %d < %d", got.Size(), want.Limits.Min)
	}
	if want.Limits.HasMax && (!got.Type().Limits.HasMax || got.Type().Limits.Max > want.Limits.Max) {
		return errors.New("maximum size mismatch")
	}
	return nil
}

// initSegments runs step 3 of instantiation: active element segments into
// tables, active data segments into memories, both bounds-checked before
// any write; passive segments are retained on the instance for
// table.init/memory.init, with nil marking a dropped (or consumed active)
// segment.
func (s *Store) initSegments(module *Module, inst *ModuleInstance) error {
	inst.ElemSegments = make([][]Reference, len(module.ElementSection))
	for i, seg := range module.ElementSection {
		refs := make([]Reference, len(seg.Init))
		for j, fnIdx := range seg.Init {
			if fnIdx == ElementInitNull {
				refs[j] = RefNull
			} else {
				refs[j] = FuncrefFromAddr(inst.Functions[fnIdx].StoreAddr)
			}
		}
		switch seg.Mode {
		case ElementModeActive:
			offset, err := evaluateConstantExpression(seg.OffsetExpr, inst)
			if err != nil {
				return err
			}
			if err := inst.Tables[seg.TableIndex].Init(uint32(offset), refs); err != nil {
				return fmt.Errorf("element segment %d: %w", i, err)
			}
			// Consumed: elem.drop semantics apply implicitly to active
			// segments after instantiation.
		case ElementModePassive:
			inst.ElemSegments[i] = refs
		case ElementModeDeclarative:
			// Declared only so ref.func can validate; never materialized.
		}
	}

	inst.DataSegments = make([][]byte, len(module.DataSection))
	for i, seg := range module.DataSection {
		if seg.Passive {
			inst.DataSegments[i] = seg.Init
			continue
		}
		offset, err := evaluateConstantExpression(seg.OffsetExpr, inst)
		if err != nil {
			return err
		}
		mem := inst.Memories[seg.MemoryIndex]
		if !mem.Write(uint32(offset), seg.Init) {
			return fmt.Errorf("data segment %d: out of bounds memory access", i)
		}
	}
	return nil
}

// FunctionName resolves a debug name for a function index, preferring the
// name custom section.
func (m *Module) FunctionName(idx Index) string {
	if m.NameSection == nil {
		return ""
	}
	return m.NameSection.FunctionNames[idx]
}
