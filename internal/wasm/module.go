// Package wasm implements the decoder, validator, store and instantiation
// logic for WebAssembly modules: everything upstream of the execution
// tiers in internal/shoalir, internal/regmach and internal/engine/*.
package wasm

import (
	"fmt"
	"strings"

	"github.com/shoalwasm/shoal/api"
)

// ValueType re-exports api.ValueType so callers inside this module don't
// need to import both packages for the same concept.
type ValueType = api.ValueType

// Index is a position in one of a module's index namespaces (types,
// functions, tables, memories, globals, tags, elements, data).
type Index = uint32

// SectionID identifies a section of the binary format.
type SectionID = byte

const (
	SectionIDCustom SectionID = iota
	SectionIDType
	SectionIDImport
	SectionIDFunction
	SectionIDTable
	SectionIDMemory
	SectionIDGlobal
	SectionIDExport
	SectionIDStart
	SectionIDElement
	SectionIDCode
	SectionIDData
	SectionIDDataCount
	SectionIDTag
)

// SectionIDName returns the human name of a section ID, or "unknown".
func SectionIDName(s SectionID) string {
	switch s {
	case SectionIDCustom:
		return "custom"
	case SectionIDType:
		return "type"
	case SectionIDImport:
		return "import"
	case SectionIDFunction:
		return "function"
	case SectionIDTable:
		return "table"
	case SectionIDMemory:
		return "memory"
	case SectionIDGlobal:
		return "global"
	case SectionIDExport:
		return "export"
	case SectionIDStart:
		return "start"
	case SectionIDElement:
		return "element"
	case SectionIDCode:
		return "code"
	case SectionIDData:
		return "data"
	case SectionIDDataCount:
		return "data count"
	case SectionIDTag:
		return "tag"
	}
	return "unknown"
}

// ExternType re-exports api.ExternType.
type ExternType = api.ExternType

const (
	ExternTypeFunc   = api.ExternTypeFunc
	ExternTypeTable  = api.ExternTypeTable
	ExternTypeMemory = api.ExternTypeMemory
	ExternTypeGlobal = api.ExternTypeGlobal
	ExternTypeTag    = api.ExternTypeTag
)

// ExternTypeName delegates to api.ExternTypeName.
func ExternTypeName(t ExternType) string { return api.ExternTypeName(t) }

// ValueType constants re-export api's, so validation and decode code in
// this package need only import api for the type alias above.
const (
	ValueTypeI32       = api.ValueTypeI32
	ValueTypeI64       = api.ValueTypeI64
	ValueTypeF32       = api.ValueTypeF32
	ValueTypeF64       = api.ValueTypeF64
	ValueTypeV128      = api.ValueTypeV128
	ValueTypeFuncref   = api.ValueTypeFuncref
	ValueTypeExternref = api.ValueTypeExternref
	ValueTypeExnref    = api.ValueTypeExnref
)

// RefTypeKind distinguishes the reference-typed ValueTypes from composite
// (struct/array) ref-type indices introduced by the GC proposal.
type RefTypeKind byte

const (
	// RefTypeKindFunc is funcref / (ref null func).
	RefTypeKindFunc RefTypeKind = iota
	// RefTypeKindExtern is externref / (ref null extern).
	RefTypeKindExtern
	// RefTypeKindExn is exnref.
	RefTypeKindExn
	// RefTypeKindTypeIdx is (ref typeidx) / (ref null typeidx), a GC struct
	// or array type.
	RefTypeKindTypeIdx
)

// CompositeTypeKind distinguishes the three shapes a composite type in a
// rec group may take.
type CompositeTypeKind byte

const (
	CompositeTypeFunc CompositeTypeKind = iota
	CompositeTypeStruct
	CompositeTypeArray
)

// FunctionType is the (param...) -> (result...) signature of a function,
// call_indirect site, or block.
type FunctionType struct {
	Params, Results []ValueType

	// string is a cached, lazily-computed rendering used as part of a
	// signature key; see the String method.
	string string
}

// String renders the signature as "<params>_<results>" with each ValueType
// abbreviated to its text-format name, concatenated with no separator and
// "null" standing in for an empty list. This matches the key used to
// canonicalize function signatures prior to hash-consing in the type
// registry.
func (t *FunctionType) String() string {
	if t.string != "" {
		return t.string
	}
	var sb strings.Builder
	if len(t.Params) == 0 {
		sb.WriteString("null")
	} else {
		for _, p := range t.Params {
			sb.WriteString(api.ValueTypeName(p))
		}
	}
	sb.WriteByte('_')
	if len(t.Results) == 0 {
		sb.WriteString("null")
	} else {
		for _, r := range t.Results {
			sb.WriteString(api.ValueTypeName(r))
		}
	}
	t.string = sb.String()
	return t.string
}

// EqualsSignature reports whether t and o accept and return the same
// sequence of value types. Two FunctionTypes may be EqualsSignature without
// sharing a TypeID if they were declared in different rec groups before
// canonicalization; call sites should always compare TypeID, never this.
func (t *FunctionType) EqualsSignature(params, results []ValueType) bool {
	return valueTypesEqual(t.Params, params) && valueTypesEqual(t.Results, results)
}

func valueTypesEqual(a, b []ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// StructField is one field of a GC struct type.
type StructField struct {
	Type     ValueType
	Mutable  bool
	Nullable bool // only meaningful when Type names a reference
}

// StructType is a GC struct composite type: a fixed sequence of fields.
type StructType struct {
	Fields []StructField
}

// ArrayType is a GC array composite type: a single, possibly-mutable
// element type repeated an arbitrary number of times per object.
type ArrayType struct {
	Element  ValueType
	Mutable  bool
	Nullable bool
}

// CompositeType is one member of a rec group: a func, struct or array type,
// with its super-type (if any, for the GC subtyping proposal) and whether
// it is declared final (closing off further subtyping).
type CompositeType struct {
	Kind CompositeTypeKind

	FuncType   *FunctionType
	StructType *StructType
	ArrayType  *ArrayType

	// Supertype is the local index, within the same rec group's flattened
	// module-global numbering, of the super-type, or -1 if none.
	Supertype int32
	Final     bool

	// TypeID is filled in by the type registry after canonicalization; it
	// is the runtime identity used by every subtype and call_indirect check.
	TypeID TypeID
}

// RecGroup is a maximal set of mutually recursive composite type
// definitions, as they appear in the module's type section.
type RecGroup struct {
	Types []*CompositeType
}

// TypeID is a store-global integer identifying a canonicalized composite
// type. Two TypeIDs are equal iff the registry deduplicated their rec
// groups to the same canonical form (see internal/wasm/typeregistry.go).
type TypeID uint64

// Limits bounds the initial and maximum size of a table or memory.
type Limits struct {
	Min    uint64
	Max    uint64
	HasMax bool
	Shared bool // threads proposal: memory may be concurrently grown/read
}

// TableType describes one table: its element reference kind, its address
// width (32 or 64 bits, from the memory64 proposal extended to tables) and
// its limits.
type TableType struct {
	ElemRefKind RefTypeKind
	ElemTypeIdx uint32 // meaningful only when ElemRefKind == RefTypeKindTypeIdx
	Is64        bool
	Limits      Limits
}

// MemoryType describes one linear memory: its address width, its page
// limits, whether it's shared (threads) and its custom page size exponent
// (custom-page-sizes proposal; 16 is the default i.e. 65536-byte pages).
type MemoryType struct {
	Is64           bool
	Limits         Limits
	PageSizeLog2   uint8
}

// DefaultPageSizeLog2 is log2(65536), the standard Wasm page size.
const DefaultPageSizeLog2 = 16

// Import describes one entry of the import section.
type Import struct {
	Type       ExternType
	Module     string
	Name       string
	DescFunc   Index // type index, when Type == ExternTypeFunc
	DescTable  *TableType
	DescMem    *MemoryType
	DescGlobal *GlobalType
	DescTag    *TagType
}

// GlobalType describes a global's value type and mutability.
type GlobalType struct {
	ValType ValueType
	Mutable bool
}

// TagType describes an exception tag: the parameter types carried by a
// `throw` of this tag (tags never have results).
type TagType struct {
	FuncTypeIndex Index
}

// ConstantExpression is a restricted (const-only) instruction sequence used
// to initialize a global, to compute element/data segment offsets, and to
// provide a funcref/struct/array/i31 literal used in those contexts.
type ConstantExpression struct {
	Opcode Opcode
	Data   []byte
}

// Code is one function body: its local declarations and raw instruction
// bytes (between the locals and the function-ending `end`).
type Code struct {
	LocalTypes []ValueType
	Body       []byte

	// BodyOffsetInCodeSection records where Body began in the original
	// binary, used only for decode-error messages.
	BodyOffsetInCodeSection uint64
}

// ElementSegment initializes a table range (active), validates a passive
// range for later table.init, or is dropped without ever being used
// (declarative).
type ElementSegment struct {
	TableIndex Index
	OffsetExpr *ConstantExpression // nil for passive/declarative segments
	Type       RefTypeKind
	Init       []Index // function indices, or ElementInitNull
	Mode       ElementMode
}

// ElementMode classifies an element segment's initialization mode.
type ElementMode byte

const (
	ElementModeActive ElementMode = iota
	ElementModePassive
	ElementModeDeclarative
)

// ElementInitNull marks a null entry inside an element segment's Init list.
const ElementInitNull = ^Index(0)

// DataSegment initializes a memory range (active) or is held for later
// memory.init (passive).
type DataSegment struct {
	MemoryIndex Index
	OffsetExpr  *ConstantExpression // nil for passive segments
	Init        []byte
	Passive     bool
}

// Export exposes one of the module's definitions under a public name.
type Export struct {
	Type  ExternType
	Name  string
	Index Index
}

// BranchHint is one entry of the (custom-section-encoded) branch-hints
// metadata: a hint that the branch at If/BrIf instruction offset
// InstrOffset is likely/unlikely taken.
type BranchHint struct {
	InstrOffset uint64
	Likely      bool
}

// Module is the fully decoded and validated representation of a binary
// Wasm image. It never changes after DecodeModule + ValidateModule return
// successfully, and a given *Module may be instantiated any number of
// times against any number of distinct Stores.
type Module struct {
	TypeSection   []*RecGroup
	ImportSection []*Import

	// FunctionSection holds, per module-local function index (locals come
	// after all imported functions), the index into the flattened type
	// list (see Module.TypeOf).
	FunctionSection []Index
	CodeSection     []*Code

	TableSection  []*TableType
	MemorySection []*MemoryType
	TagSection    []*TagType

	GlobalSection []*GlobalType
	GlobalInit    []*ConstantExpression

	ExportSection map[string]*Export

	StartSection *Index

	ElementSection []*ElementSegment
	DataSection    []*DataSegment

	BranchHints []BranchHint

	// NameSection is the optional debug "name" custom section, used only
	// for error messages and stack traces.
	NameSection *NameSection

	// flattenedTypes is every CompositeType across every rec group, in
	// module-global type-index order, populated by decode for O(1) lookup.
	flattenedTypes []*CompositeType

	// ID uniquely identifies this compiled module for the lifetime of the
	// process; used as an engine-side cache key.
	ID ModuleID
}

// ModuleID is a process-unique identifier assigned to each decoded module.
type ModuleID uint64

// NameSection holds debug names recovered from the custom "name" section.
type NameSection struct {
	ModuleName      string
	FunctionNames   map[Index]string
	LocalNames      map[Index]map[Index]string
}

// BuildFlattenedTypes rebuilds the module-global type index, called once by the
// decoder after every rec group has been appended to TypeSection.
func (m *Module) BuildFlattenedTypes() {
	m.flattenedTypes = m.flattenedTypes[:0]
	for _, rg := range m.TypeSection {
		m.flattenedTypes = append(m.flattenedTypes, rg.Types...)
	}
}

// TypeCount returns the number of composite types across all rec groups.
func (m *Module) TypeCount() int { return len(m.flattenedTypes) }

// TypeOfIndex returns the composite type at module-global type index i.
func (m *Module) TypeOfIndex(i Index) *CompositeType {
	return m.flattenedTypes[i]
}

// FunctionTypeOf returns the function signature of module-local function
// index i, across both imported and locally-defined functions.
func (m *Module) FunctionTypeOf(funcIdx Index) *FunctionType {
	var typeIdx Index
	importedFuncCount := Index(0)
	for _, imp := range m.ImportSection {
		if imp.Type == ExternTypeFunc {
			if importedFuncCount == funcIdx {
				typeIdx = imp.DescFunc
				return m.flattenedTypes[typeIdx].FuncType
			}
			importedFuncCount++
		}
	}
	typeIdx = m.FunctionSection[funcIdx-importedFuncCount]
	return m.flattenedTypes[typeIdx].FuncType
}

// ImportFuncCount returns the number of function imports.
func (m *Module) ImportFuncCount() Index {
	var n Index
	for _, imp := range m.ImportSection {
		if imp.Type == ExternTypeFunc {
			n++
		}
	}
	return n
}

// ImportTableCount, ImportMemoryCount, ImportGlobalCount, ImportTagCount
// mirror ImportFuncCount for the other four importable kinds.
func (m *Module) ImportTableCount() (n Index) {
	for _, imp := range m.ImportSection {
		if imp.Type == ExternTypeTable {
			n++
		}
	}
	return
}

func (m *Module) ImportMemoryCount() (n Index) {
	for _, imp := range m.ImportSection {
		if imp.Type == ExternTypeMemory {
			n++
		}
	}
	return
}

func (m *Module) ImportGlobalCount() (n Index) {
	for _, imp := range m.ImportSection {
		if imp.Type == ExternTypeGlobal {
			n++
		}
	}
	return
}

func (m *Module) ImportTagCount() (n Index) {
	for _, imp := range m.ImportSection {
		if imp.Type == ExternTypeTag {
			n++
		}
	}
	return
}

// validateErr is how decode/validate failures are surfaced, matching
// spec.md's InvalidWasm kind. It is a plain wrapped error, not a distinct
// type, following the teacher's own style of returning fmt.Errorf strings
// from decode/validate failures rather than a bespoke error hierarchy.
func validateErr(format string, args ...interface{}) error {
	return fmt.Errorf("invalid wasm: "+format, args...)
}
