package wasm

import (
	"github.com/shoalwasm/shoal/api"
)

// ValidateModule walks every section of m and every function body, and
// returns an error satisfying the InvalidWasm error kind at the first
// violation found. It assumes m has already been through the
// TypeRegistry.Register pass so CompositeType.TypeID fields are populated.
func ValidateModule(m *Module, enabled Features) error {
	for i, ct := range m.flattenedTypes {
		if ct.Kind != CompositeTypeFunc && !enabled.Get(FeatureGC) {
			return validateErr("type[%d]: GC types require the gc feature", i)
		}
	}

	funcCount := m.ImportFuncCount() + Index(len(m.FunctionSection))
	if len(m.CodeSection) != int(len(m.FunctionSection)) {
		return validateErr("code section count (%d) does not match function section count (%d)",
			len(m.CodeSection), len(m.FunctionSection))
	}

	if len(m.MemorySection)+int(m.ImportMemoryCount()) > 1 && !enabled.Get(FeatureMultiMemory) {
		return validateErr("multiple memories require the multi-memory feature")
	}
	if len(m.TableSection)+int(m.ImportTableCount()) > 1 && !enabled.Get(FeatureReferenceTypes) {
		return validateErr("multiple tables require the reference-types feature")
	}

	for _, exp := range m.ExportSection {
		if err := validateExportIndex(m, exp); err != nil {
			return err
		}
	}
	if m.StartSection != nil {
		idx := *m.StartSection
		if idx >= funcCount {
			return validateErr("start function index %d out of range", idx)
		}
		ft := m.FunctionTypeOf(idx)
		if len(ft.Params) != 0 || len(ft.Results) != 0 {
			return validateErr("start function must have no params or results")
		}
	}

	localFuncBase := m.ImportFuncCount()
	for i, code := range m.CodeSection {
		funcIdx := localFuncBase + Index(i)
		ft := m.FunctionTypeOf(funcIdx)
		if err := validateFunction(m, ft, code, enabled); err != nil {
			return validateErr("function[%d]: %w", funcIdx, err)
		}
	}
	return nil
}

func validateExportIndex(m *Module, exp *Export) error {
	switch exp.Type {
	case ExternTypeFunc:
		if exp.Index >= m.ImportFuncCount()+Index(len(m.FunctionSection)) {
			return validateErr("export %q: function index %d out of range", exp.Name, exp.Index)
		}
	case ExternTypeTable:
		if exp.Index >= m.ImportTableCount()+Index(len(m.TableSection)) {
			return validateErr("export %q: table index %d out of range", exp.Name, exp.Index)
		}
	case ExternTypeMemory:
		if exp.Index >= m.ImportMemoryCount()+Index(len(m.MemorySection)) {
			return validateErr("export %q: memory index %d out of range", exp.Name, exp.Index)
		}
	case ExternTypeGlobal:
		if exp.Index >= m.ImportGlobalCount()+Index(len(m.GlobalSection)) {
			return validateErr("export %q: global index %d out of range", exp.Name, exp.Index)
		}
	case ExternTypeTag:
		if exp.Index >= m.ImportTagCount()+Index(len(m.TagSection)) {
			return validateErr("export %q: tag index %d out of range", exp.Name, exp.Index)
		}
	}
	return nil
}

// operandStackValue is either a concrete ValueType or the polymorphic
// "unknown" value produced after unreachable code; unknown unifies with any
// concrete type during a pop.
type operandStackValue struct {
	known bool
	t     ValueType
}

var unknownValue = operandStackValue{}

// ctrlFrame tracks one nested block/loop/if/try during validation.
type ctrlFrame struct {
	opcode      Opcode
	startTypes  []ValueType
	endTypes    []ValueType
	stackHeight int // operand stack height at frame entry
	unreachable bool
	sawElse     bool
}

// funcValidator holds the mutable state threaded through one function
// body's validation pass: the simulated operand stack and control frames.
type funcValidator struct {
	m        *Module
	ft       *FunctionType
	locals   []ValueType
	enabled  Features
	stack    []operandStackValue
	frames   []ctrlFrame
	maxDepth int
}

const maxOperandStackValues = 1 << 20

func validateFunction(m *Module, ft *FunctionType, code *Code, enabled Features) error {
	v := &funcValidator{m: m, ft: ft, enabled: enabled}
	v.locals = append(v.locals, ft.Params...)
	v.locals = append(v.locals, code.LocalTypes...)

	v.frames = append(v.frames, ctrlFrame{opcode: OpcodeBlock, endTypes: ft.Results})

	d := &validatorDecoder{data: code.Body}
	for len(d.data) > 0 {
		op, err := d.readByte()
		if err != nil {
			return err
		}
		if err := v.step(d, op); err != nil {
			return err
		}
		if len(v.frames) == 0 {
			if len(d.data) != 0 {
				return validateErr("unreachable bytes after final end")
			}
			return nil
		}
	}
	return validateErr("function body missing final end")
}

func (v *funcValidator) push(t ValueType) {
	if len(v.stack) >= maxOperandStackValues {
		panic(validateErr("operand stack too deep"))
	}
	v.stack = append(v.stack, operandStackValue{known: true, t: t})
}

func (v *funcValidator) pushUnknown() { v.stack = append(v.stack, unknownValue) }

func (v *funcValidator) cur() *ctrlFrame { return &v.frames[len(v.frames)-1] }

func (v *funcValidator) pop() (operandStackValue, error) {
	f := v.cur()
	if len(v.stack) == f.stackHeight {
		if f.unreachable {
			return unknownValue, nil
		}
		return operandStackValue{}, validateErr("operand stack underflow")
	}
	top := v.stack[len(v.stack)-1]
	v.stack = v.stack[:len(v.stack)-1]
	return top, nil
}

func (v *funcValidator) popExpect(t ValueType) error {
	got, err := v.pop()
	if err != nil {
		return err
	}
	if got.known && got.t != t {
		return validateErr("type mismatch: expected %s, got %s", api.ValueTypeName(t), api.ValueTypeName(got.t))
	}
	return nil
}

func (v *funcValidator) popExpectAll(types []ValueType) error {
	for i := len(types) - 1; i >= 0; i-- {
		if err := v.popExpect(types[i]); err != nil {
			return err
		}
	}
	return nil
}

func (v *funcValidator) setUnreachable() {
	f := v.cur()
	v.stack = v.stack[:f.stackHeight]
	f.unreachable = true
}

func (v *funcValidator) localType(idx Index) (ValueType, error) {
	if int(idx) >= len(v.locals) {
		return 0, validateErr("local index %d out of range", idx)
	}
	return v.locals[idx], nil
}

func (v *funcValidator) globalType(idx Index) (*GlobalType, error) {
	importCount := v.m.ImportGlobalCount()
	if idx < importCount {
		var i Index
		for _, imp := range v.m.ImportSection {
			if imp.Type == ExternTypeGlobal {
				if i == idx {
					return imp.DescGlobal, nil
				}
				i++
			}
		}
	}
	local := idx - importCount
	if int(local) >= len(v.m.GlobalSection) {
		return nil, validateErr("global index %d out of range", idx)
	}
	return v.m.GlobalSection[local], nil
}

// step validates one instruction. It recovers from push's stack-depth
// panic so that pathological nesting reports a validation error rather
// than growing unbounded memory.
func (v *funcValidator) step(d *validatorDecoder, op Opcode) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()

	switch op {
	case OpcodeUnreachable:
		v.setUnreachable()
	case OpcodeNop:
	case OpcodeBlock, OpcodeLoop, OpcodeIf:
		bt, err := d.readBlockType(v.m)
		if err != nil {
			return err
		}
		if op == OpcodeIf {
			if err := v.popExpect(ValueTypeI32); err != nil {
				return err
			}
		}
		if err := v.popExpectAll(bt.Params); err != nil {
			return err
		}
		v.frames = append(v.frames, ctrlFrame{
			opcode: op, startTypes: bt.Params, endTypes: bt.Results,
			stackHeight: len(v.stack),
		})
		for _, p := range bt.Params {
			v.push(p)
		}
	case OpcodeElse:
		f := v.cur()
		if f.opcode != OpcodeIf {
			return validateErr("else without matching if")
		}
		if err := v.popExpectAll(f.endTypes); err != nil {
			return err
		}
		f.sawElse = true
		f.unreachable = false
		v.stack = v.stack[:f.stackHeight]
		for _, p := range f.startTypes {
			v.push(p)
		}
	case OpcodeEnd:
		f := v.cur()
		if err := v.popExpectAll(f.endTypes); err != nil {
			return err
		}
		if len(v.stack) != f.stackHeight {
			return validateErr("values remaining on stack at end of block")
		}
		v.frames = v.frames[:len(v.frames)-1]
		if len(v.frames) > 0 {
			for _, r := range f.endTypes {
				v.push(r)
			}
		}
	case OpcodeBr, OpcodeBrIf:
		idx, err := d.readU32()
		if err != nil {
			return err
		}
		if op == OpcodeBrIf {
			if err := v.popExpect(ValueTypeI32); err != nil {
				return err
			}
		}
		target, err := v.labelTypes(idx)
		if err != nil {
			return err
		}
		if err := v.popExpectAll(target); err != nil {
			return err
		}
		if op == OpcodeBrIf {
			for _, t := range target {
				v.push(t)
			}
		} else {
			v.setUnreachable()
		}
	case OpcodeBrTable:
		n, err := d.readU32()
		if err != nil {
			return err
		}
		var first []ValueType
		for i := uint32(0); i <= n; i++ {
			idx, err := d.readU32()
			if err != nil {
				return err
			}
			t, err := v.labelTypes(idx)
			if err != nil {
				return err
			}
			if i == 0 {
				first = t
			} else if len(t) != len(first) {
				return validateErr("br_table arms have mismatched arities")
			}
		}
		if err := v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		if err := v.popExpectAll(first); err != nil {
			return err
		}
		v.setUnreachable()
	case OpcodeReturn:
		if err := v.popExpectAll(v.ft.Results); err != nil {
			return err
		}
		v.setUnreachable()
	case OpcodeCall:
		idx, err := d.readU32()
		if err != nil {
			return err
		}
		if idx >= v.m.ImportFuncCount()+Index(len(v.m.FunctionSection)) {
			return validateErr("call: function index %d out of range", idx)
		}
		ft := v.m.FunctionTypeOf(idx)
		if err := v.popExpectAll(ft.Params); err != nil {
			return err
		}
		for _, r := range ft.Results {
			v.push(r)
		}
	case OpcodeCallIndirect:
		typeIdx, err := d.readU32()
		if err != nil {
			return err
		}
		tableIdx, err := d.readU32()
		if err != nil {
			return err
		}
		if int(tableIdx) >= len(v.m.TableSection)+int(v.m.ImportTableCount()) {
			return validateErr("call_indirect: table index %d out of range", tableIdx)
		}
		if err := v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		if int(typeIdx) >= v.m.TypeCount() {
			return validateErr("call_indirect: type index %d out of range", typeIdx)
		}
		ct := v.m.TypeOfIndex(typeIdx)
		if ct.Kind != CompositeTypeFunc {
			return validateErr("call_indirect: type index %d is not a function type", typeIdx)
		}
		if err := v.popExpectAll(ct.FuncType.Params); err != nil {
			return err
		}
		for _, r := range ct.FuncType.Results {
			v.push(r)
		}
	case OpcodeReturnCall:
		if !v.enabled.Get(FeatureTailCall) {
			return validateErr("tail calls require the tail-call feature")
		}
		idx, err := d.readU32()
		if err != nil {
			return err
		}
		if idx >= v.m.ImportFuncCount()+Index(len(v.m.FunctionSection)) {
			return validateErr("return_call: function index %d out of range", idx)
		}
		ft := v.m.FunctionTypeOf(idx)
		if !valueTypesEqual(ft.Results, v.ft.Results) {
			return validateErr("return_call: callee results don't match caller results")
		}
		if err := v.popExpectAll(ft.Params); err != nil {
			return err
		}
		v.setUnreachable()
	case OpcodeReturnCallIndirect:
		if !v.enabled.Get(FeatureTailCall) {
			return validateErr("tail calls require the tail-call feature")
		}
		typeIdx, err := d.readU32()
		if err != nil {
			return err
		}
		if _, err := d.readU32(); err != nil { // table index
			return err
		}
		if int(typeIdx) >= v.m.TypeCount() {
			return validateErr("return_call_indirect: type index %d out of range", typeIdx)
		}
		ct := v.m.TypeOfIndex(typeIdx)
		if ct.Kind != CompositeTypeFunc {
			return validateErr("return_call_indirect: type index %d is not a function type", typeIdx)
		}
		if !valueTypesEqual(ct.FuncType.Results, v.ft.Results) {
			return validateErr("return_call_indirect: callee results don't match caller results")
		}
		if err := v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		if err := v.popExpectAll(ct.FuncType.Params); err != nil {
			return err
		}
		v.setUnreachable()
	case OpcodeThrow, OpcodeThrowRef, OpcodeTryTable, OpcodeCallRef, OpcodeReturnCallRef,
		OpcodeRefAsNonNull, OpcodeBrOnNull, OpcodeBrOnNonNull, OpcodeRefEq, OpcodeGCPrefix:
		return v.stepRefsOrExceptions(d, op)
	case OpcodeDrop:
		if _, err := v.pop(); err != nil {
			return err
		}
	case OpcodeSelect:
		if err := v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		b, err := v.pop()
		if err != nil {
			return err
		}
		a, err := v.pop()
		if err != nil {
			return err
		}
		if a.known {
			v.push(a.t)
		} else if b.known {
			v.push(b.t)
		} else {
			v.pushUnknown()
		}
	case OpcodeSelectT:
		n, err := d.readU32()
		if err != nil {
			return err
		}
		var t ValueType
		for i := uint32(0); i < n; i++ {
			t, err = d.readValueType()
			if err != nil {
				return err
			}
		}
		if err := v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		if err := v.popExpect(t); err != nil {
			return err
		}
		if err := v.popExpect(t); err != nil {
			return err
		}
		v.push(t)
	case OpcodeLocalGet:
		idx, err := d.readU32()
		if err != nil {
			return err
		}
		t, err := v.localType(idx)
		if err != nil {
			return err
		}
		v.push(t)
	case OpcodeLocalSet, OpcodeLocalTee:
		idx, err := d.readU32()
		if err != nil {
			return err
		}
		t, err := v.localType(idx)
		if err != nil {
			return err
		}
		if err := v.popExpect(t); err != nil {
			return err
		}
		if op == OpcodeLocalTee {
			v.push(t)
		}
	case OpcodeGlobalGet:
		idx, err := d.readU32()
		if err != nil {
			return err
		}
		gt, err := v.globalType(idx)
		if err != nil {
			return err
		}
		v.push(gt.ValType)
	case OpcodeGlobalSet:
		idx, err := d.readU32()
		if err != nil {
			return err
		}
		gt, err := v.globalType(idx)
		if err != nil {
			return err
		}
		if !gt.Mutable {
			return validateErr("global.set on immutable global %d", idx)
		}
		if err := v.popExpect(gt.ValType); err != nil {
			return err
		}
	case OpcodeI32Const:
		if _, err := d.readI32(); err != nil {
			return err
		}
		v.push(ValueTypeI32)
	case OpcodeI64Const:
		if _, err := d.readI64(); err != nil {
			return err
		}
		v.push(ValueTypeI64)
	case OpcodeF32Const:
		if _, err := d.readBytes(4); err != nil {
			return err
		}
		v.push(ValueTypeF32)
	case OpcodeF64Const:
		if _, err := d.readBytes(8); err != nil {
			return err
		}
		v.push(ValueTypeF64)
	default:
		return v.stepNumericOrMemory(d, op)
	}
	return nil
}

// labelTypes returns the operand types a branch to the frame depth labels
// must supply: a loop branches to its start types, every other construct
// branches to its end (result) types.
func (v *funcValidator) labelTypes(depth Index) ([]ValueType, error) {
	if int(depth) >= len(v.frames) {
		return nil, validateErr("branch depth %d out of range", depth)
	}
	f := &v.frames[len(v.frames)-1-int(depth)]
	if f.opcode == OpcodeLoop {
		return f.startTypes, nil
	}
	return f.endTypes, nil
}
