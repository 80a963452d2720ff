package wasm

import (
	"github.com/shoalwasm/shoal/api"
	"github.com/shoalwasm/shoal/internal/leb128"
)

// valueTypeAnyref is the validator-internal upper bound of every GC
// reference: concrete (ref $t) types are widened to it rather than tracked
// per type index. Runtime casts re-establish precision via registry
// TypeIDs, so the loss here only relaxes static checks the engines re-do
// dynamically; see DESIGN.md.
const valueTypeAnyref ValueType = 0x6e

const (
	packedTypeI8  ValueType = 0x78
	packedTypeI16 ValueType = 0x77
)

// wideValueType maps a declared field/element type to the type the operand
// stack carries: packed storage types widen to i32, concrete ref types to
// anyref.
func wideValueType(t ValueType) ValueType {
	switch t {
	case ValueTypeI32, ValueTypeI64, ValueTypeF32, ValueTypeF64, ValueTypeV128,
		ValueTypeFuncref, ValueTypeExternref, ValueTypeExnref:
		return t
	case packedTypeI8, packedTypeI16:
		return ValueTypeI32
	default:
		return valueTypeAnyref
	}
}

// popRef pops one operand that must be reference-shaped; the numeric types
// are rejected, everything else (including the polymorphic unknown) passes.
func (v *funcValidator) popRef() error {
	val, err := v.pop()
	if err != nil {
		return err
	}
	if !val.known {
		return nil
	}
	switch val.t {
	case ValueTypeI32, ValueTypeI64, ValueTypeF32, ValueTypeF64, ValueTypeV128:
		return validateErr("expected a reference, found %s", api.ValueTypeName(val.t))
	}
	return nil
}

func (v *funcValidator) tagCount() Index {
	return v.m.ImportTagCount() + Index(len(v.m.TagSection))
}

func (v *funcValidator) tagParamTypes(tagIdx Index) ([]ValueType, error) {
	if tagIdx >= v.tagCount() {
		return nil, validateErr("tag index %d out of range", tagIdx)
	}
	var tt *TagType
	n := Index(0)
	for _, imp := range v.m.ImportSection {
		if imp.Type == ExternTypeTag {
			if n == tagIdx {
				tt = imp.DescTag
			}
			n++
		}
	}
	if tt == nil {
		tt = v.m.TagSection[tagIdx-n]
	}
	ct := v.m.TypeOfIndex(tt.FuncTypeIndex)
	if ct.Kind != CompositeTypeFunc {
		return nil, validateErr("tag %d does not name a function type", tagIdx)
	}
	return ct.FuncType.Params, nil
}

// stepRefsOrExceptions validates the exception-handling, typed function
// reference and GC instructions.
func (v *funcValidator) stepRefsOrExceptions(d *validatorDecoder, op Opcode) error {
	switch op {
	case OpcodeThrow:
		if !v.enabled.Get(FeatureExceptionHandling) {
			return validateErr("throw requires the exception-handling feature")
		}
		tagIdx, err := d.readU32()
		if err != nil {
			return err
		}
		params, err := v.tagParamTypes(tagIdx)
		if err != nil {
			return err
		}
		if err := v.popExpectAll(params); err != nil {
			return err
		}
		v.setUnreachable()
		return nil

	case OpcodeThrowRef:
		if !v.enabled.Get(FeatureExceptionHandling) {
			return validateErr("throw_ref requires the exception-handling feature")
		}
		if err := v.popRef(); err != nil {
			return err
		}
		v.setUnreachable()
		return nil

	case OpcodeTryTable:
		if !v.enabled.Get(FeatureExceptionHandling) {
			return validateErr("try_table requires the exception-handling feature")
		}
		bt, err := d.readBlockType(v.m)
		if err != nil {
			return err
		}
		clauseCount, err := d.readU32()
		if err != nil {
			return err
		}
		for i := uint32(0); i < clauseCount; i++ {
			kind, err := d.readByte()
			if err != nil {
				return err
			}
			if kind > 3 {
				return validateErr("try_table: invalid catch kind %#x", kind)
			}
			if kind == 0 || kind == 1 { // catch, catch_ref carry a tag
				tagIdx, err := d.readU32()
				if err != nil {
					return err
				}
				if _, err := v.tagParamTypes(tagIdx); err != nil {
					return err
				}
			}
			label, err := d.readU32()
			if err != nil {
				return err
			}
			if _, err := v.labelTypes(label); err != nil {
				return err
			}
		}
		if err := v.popExpectAll(bt.Params); err != nil {
			return err
		}
		v.frames = append(v.frames, ctrlFrame{
			opcode: OpcodeTryTable, startTypes: bt.Params, endTypes: bt.Results,
			stackHeight: len(v.stack),
		})
		for _, p := range bt.Params {
			v.push(p)
		}
		return nil

	case OpcodeCallRef, OpcodeReturnCallRef:
		if !v.enabled.Get(FeatureFunctionReferences) {
			return validateErr("call_ref requires the function-references feature")
		}
		typeIdx, err := d.readU32()
		if err != nil {
			return err
		}
		if int(typeIdx) >= v.m.TypeCount() {
			return validateErr("call_ref: type index %d out of range", typeIdx)
		}
		ct := v.m.TypeOfIndex(typeIdx)
		if ct.Kind != CompositeTypeFunc {
			return validateErr("call_ref: type index %d is not a function type", typeIdx)
		}
		if err := v.popRef(); err != nil {
			return err
		}
		if err := v.popExpectAll(ct.FuncType.Params); err != nil {
			return err
		}
		if op == OpcodeReturnCallRef {
			if !valueTypesEqual(ct.FuncType.Results, v.ft.Results) {
				return validateErr("return_call_ref: callee results don't match caller results")
			}
			v.setUnreachable()
			return nil
		}
		for _, r := range ct.FuncType.Results {
			v.push(r)
		}
		return nil

	case OpcodeRefAsNonNull:
		val, err := v.pop()
		if err != nil {
			return err
		}
		if val.known {
			v.push(val.t)
		} else {
			v.pushUnknown()
		}
		return nil

	case OpcodeRefEq:
		if !v.enabled.Get(FeatureGC) {
			return validateErr("ref.eq requires the gc feature")
		}
		if err := v.popRef(); err != nil {
			return err
		}
		if err := v.popRef(); err != nil {
			return err
		}
		v.push(ValueTypeI32)
		return nil

	case OpcodeBrOnNull, OpcodeBrOnNonNull:
		depth, err := d.readU32()
		if err != nil {
			return err
		}
		if _, err := v.labelTypes(depth); err != nil {
			return err
		}
		val, err := v.pop()
		if err != nil {
			return err
		}
		if op == OpcodeBrOnNull {
			// The non-null ref stays on the stack on fall-through.
			if val.known {
				v.push(val.t)
			} else {
				v.pushUnknown()
			}
		}
		return nil

	case OpcodeGCPrefix:
		sub, err := d.readU32()
		if err != nil {
			return err
		}
		return v.stepGC(d, Opcode(sub))
	}
	return validateErr("unsupported opcode %#x", op)
}

func (v *funcValidator) structTypeAt(typeIdx Index) (*StructType, error) {
	if int(typeIdx) >= v.m.TypeCount() {
		return nil, validateErr("type index %d out of range", typeIdx)
	}
	ct := v.m.TypeOfIndex(typeIdx)
	if ct.Kind != CompositeTypeStruct {
		return nil, validateErr("type index %d is not a struct type", typeIdx)
	}
	return ct.StructType, nil
}

func (v *funcValidator) arrayTypeAt(typeIdx Index) (*ArrayType, error) {
	if int(typeIdx) >= v.m.TypeCount() {
		return nil, validateErr("type index %d out of range", typeIdx)
	}
	ct := v.m.TypeOfIndex(typeIdx)
	if ct.Kind != CompositeTypeArray {
		return nil, validateErr("type index %d is not an array type", typeIdx)
	}
	return ct.ArrayType, nil
}

func (v *funcValidator) stepGC(d *validatorDecoder, sub Opcode) error {
	if !v.enabled.Get(FeatureGC) {
		return validateErr("struct/array/i31 instructions require the gc feature")
	}
	switch sub {
	case OpcodeGCStructNew, OpcodeGCStructNewDefault:
		typeIdx, err := d.readU32()
		if err != nil {
			return err
		}
		st, err := v.structTypeAt(typeIdx)
		if err != nil {
			return err
		}
		if sub == OpcodeGCStructNew {
			for i := len(st.Fields) - 1; i >= 0; i-- {
				if err := v.popExpect(wideValueType(st.Fields[i].Type)); err != nil {
					return err
				}
			}
		}
		v.push(valueTypeAnyref)
		return nil

	case OpcodeGCStructGet, OpcodeGCStructSet:
		typeIdx, err := d.readU32()
		if err != nil {
			return err
		}
		fieldIdx, err := d.readU32()
		if err != nil {
			return err
		}
		st, err := v.structTypeAt(typeIdx)
		if err != nil {
			return err
		}
		if int(fieldIdx) >= len(st.Fields) {
			return validateErr("struct field index %d out of range", fieldIdx)
		}
		field := st.Fields[fieldIdx]
		if sub == OpcodeGCStructSet {
			if !field.Mutable {
				return validateErr("struct.set on immutable field %d", fieldIdx)
			}
			if err := v.popExpect(wideValueType(field.Type)); err != nil {
				return err
			}
			return v.popRef()
		}
		if err := v.popRef(); err != nil {
			return err
		}
		v.push(wideValueType(field.Type))
		return nil

	case OpcodeGCArrayNew, OpcodeGCArrayNewDefault:
		typeIdx, err := d.readU32()
		if err != nil {
			return err
		}
		at, err := v.arrayTypeAt(typeIdx)
		if err != nil {
			return err
		}
		if err := v.popExpect(ValueTypeI32); err != nil { // length
			return err
		}
		if sub == OpcodeGCArrayNew {
			if err := v.popExpect(wideValueType(at.Element)); err != nil {
				return err
			}
		}
		v.push(valueTypeAnyref)
		return nil

	case OpcodeGCArrayNewFixed:
		typeIdx, err := d.readU32()
		if err != nil {
			return err
		}
		n, err := d.readU32()
		if err != nil {
			return err
		}
		at, err := v.arrayTypeAt(typeIdx)
		if err != nil {
			return err
		}
		for i := uint32(0); i < n; i++ {
			if err := v.popExpect(wideValueType(at.Element)); err != nil {
				return err
			}
		}
		v.push(valueTypeAnyref)
		return nil

	case OpcodeGCArrayGet, OpcodeGCArraySet:
		typeIdx, err := d.readU32()
		if err != nil {
			return err
		}
		at, err := v.arrayTypeAt(typeIdx)
		if err != nil {
			return err
		}
		if sub == OpcodeGCArraySet {
			if !at.Mutable {
				return validateErr("array.set on immutable array type %d", typeIdx)
			}
			if err := v.popExpect(wideValueType(at.Element)); err != nil {
				return err
			}
			if err := v.popExpect(ValueTypeI32); err != nil {
				return err
			}
			return v.popRef()
		}
		if err := v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		if err := v.popRef(); err != nil {
			return err
		}
		v.push(wideValueType(at.Element))
		return nil

	case OpcodeGCArrayLen:
		if err := v.popRef(); err != nil {
			return err
		}
		v.push(ValueTypeI32)
		return nil

	case OpcodeGCArrayFill:
		typeIdx, err := d.readU32()
		if err != nil {
			return err
		}
		at, err := v.arrayTypeAt(typeIdx)
		if err != nil {
			return err
		}
		if !at.Mutable {
			return validateErr("array.fill on immutable array type %d", typeIdx)
		}
		if err := v.popExpect(ValueTypeI32); err != nil { // length
			return err
		}
		if err := v.popExpect(wideValueType(at.Element)); err != nil {
			return err
		}
		if err := v.popExpect(ValueTypeI32); err != nil { // offset
			return err
		}
		return v.popRef()

	case OpcodeGCRefTest, OpcodeGCRefTestNull, OpcodeGCRefCast, OpcodeGCRefCastNull:
		if _, _, err := leb128.DecodeInt33AsInt64(d); err != nil { // heap type
			return err
		}
		if err := v.popRef(); err != nil {
			return err
		}
		if sub == OpcodeGCRefTest || sub == OpcodeGCRefTestNull {
			v.push(ValueTypeI32)
		} else {
			v.push(valueTypeAnyref)
		}
		return nil

	case OpcodeGCRefI31:
		if err := v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		v.push(valueTypeAnyref)
		return nil

	case OpcodeGCI31GetS, OpcodeGCI31GetU:
		if err := v.popRef(); err != nil {
			return err
		}
		v.push(ValueTypeI32)
		return nil
	}
	return validateErr("unsupported gc opcode %#x", sub)
}
