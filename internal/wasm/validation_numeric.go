package wasm

// stepNumericOrMemory validates every instruction not already handled by
// step's control-flow/local/global/const cases: loads/stores, comparisons,
// arithmetic, conversions, table ops, reference ops, and the 0xfc/0xfd/0xfe
// prefixed instruction families.
func (v *funcValidator) stepNumericOrMemory(d *validatorDecoder, op Opcode) error {
	switch op {
	case OpcodeI32Load, OpcodeI32Load8S, OpcodeI32Load8U, OpcodeI32Load16S, OpcodeI32Load16U:
		return v.load(d, ValueTypeI32)
	case OpcodeI64Load, OpcodeI64Load8S, OpcodeI64Load8U, OpcodeI64Load16S, OpcodeI64Load16U,
		OpcodeI64Load32S, OpcodeI64Load32U:
		return v.load(d, ValueTypeI64)
	case OpcodeF32Load:
		return v.load(d, ValueTypeF32)
	case OpcodeF64Load:
		return v.load(d, ValueTypeF64)
	case OpcodeI32Store, OpcodeI32Store8, OpcodeI32Store16:
		return v.store(d, ValueTypeI32)
	case OpcodeI64Store, OpcodeI64Store8, OpcodeI64Store16, OpcodeI64Store32:
		return v.store(d, ValueTypeI64)
	case OpcodeF32Store:
		return v.store(d, ValueTypeF32)
	case OpcodeF64Store:
		return v.store(d, ValueTypeF64)
	case OpcodeMemorySize:
		if _, err := d.readByte(); err != nil { // memory index, reserved/multi-memory
			return err
		}
		v.push(ValueTypeI32)
		return nil
	case OpcodeMemoryGrow:
		if _, err := d.readByte(); err != nil {
			return err
		}
		if err := v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		v.push(ValueTypeI32)
		return nil

	case OpcodeI32Eqz:
		return v.unop(ValueTypeI32, ValueTypeI32)
	case OpcodeI32Eq, OpcodeI32Ne, OpcodeI32LtS, OpcodeI32LtU, OpcodeI32GtS, OpcodeI32GtU,
		OpcodeI32LeS, OpcodeI32LeU, OpcodeI32GeS, OpcodeI32GeU:
		return v.binop(ValueTypeI32, ValueTypeI32)
	case OpcodeI64Eqz:
		return v.unop(ValueTypeI64, ValueTypeI32)
	case OpcodeI64Eq, OpcodeI64Ne, OpcodeI64LtS, OpcodeI64LtU, OpcodeI64GtS, OpcodeI64GtU,
		OpcodeI64LeS, OpcodeI64LeU, OpcodeI64GeS, OpcodeI64GeU:
		return v.binop(ValueTypeI64, ValueTypeI32)
	case OpcodeF32Eq, OpcodeF32Ne, OpcodeF32Lt, OpcodeF32Gt, OpcodeF32Le, OpcodeF32Ge:
		return v.binop(ValueTypeF32, ValueTypeI32)
	case OpcodeF64Eq, OpcodeF64Ne, OpcodeF64Lt, OpcodeF64Gt, OpcodeF64Le, OpcodeF64Ge:
		return v.binop(ValueTypeF64, ValueTypeI32)

	case OpcodeI32Clz, OpcodeI32Ctz, OpcodeI32Popcnt:
		return v.unop(ValueTypeI32, ValueTypeI32)
	case OpcodeI32Add, OpcodeI32Sub, OpcodeI32Mul, OpcodeI32DivS, OpcodeI32DivU, OpcodeI32RemS,
		OpcodeI32RemU, OpcodeI32And, OpcodeI32Or, OpcodeI32Xor, OpcodeI32Shl, OpcodeI32ShrS,
		OpcodeI32ShrU, OpcodeI32Rotl, OpcodeI32Rotr:
		return v.binop(ValueTypeI32, ValueTypeI32)
	case OpcodeI64Clz, OpcodeI64Ctz, OpcodeI64Popcnt:
		return v.unop(ValueTypeI64, ValueTypeI64)
	case OpcodeI64Add, OpcodeI64Sub, OpcodeI64Mul, OpcodeI64DivS, OpcodeI64DivU, OpcodeI64RemS,
		OpcodeI64RemU, OpcodeI64And, OpcodeI64Or, OpcodeI64Xor, OpcodeI64Shl, OpcodeI64ShrS,
		OpcodeI64ShrU, OpcodeI64Rotl, OpcodeI64Rotr:
		return v.binop(ValueTypeI64, ValueTypeI64)

	case OpcodeF32Abs, OpcodeF32Neg, OpcodeF32Ceil, OpcodeF32Floor, OpcodeF32Trunc,
		OpcodeF32Nearest, OpcodeF32Sqrt:
		return v.unop(ValueTypeF32, ValueTypeF32)
	case OpcodeF32Add, OpcodeF32Sub, OpcodeF32Mul, OpcodeF32Div, OpcodeF32Min, OpcodeF32Max,
		OpcodeF32Copysign:
		return v.binop(ValueTypeF32, ValueTypeF32)
	case OpcodeF64Abs, OpcodeF64Neg, OpcodeF64Ceil, OpcodeF64Floor, OpcodeF64Trunc,
		OpcodeF64Nearest, OpcodeF64Sqrt:
		return v.unop(ValueTypeF64, ValueTypeF64)
	case OpcodeF64Add, OpcodeF64Sub, OpcodeF64Mul, OpcodeF64Div, OpcodeF64Min, OpcodeF64Max,
		OpcodeF64Copysign:
		return v.binop(ValueTypeF64, ValueTypeF64)

	case OpcodeI32WrapI64:
		return v.unop(ValueTypeI64, ValueTypeI32)
	case OpcodeI32TruncF32S, OpcodeI32TruncF32U:
		return v.unop(ValueTypeF32, ValueTypeI32)
	case OpcodeI32TruncF64S, OpcodeI32TruncF64U:
		return v.unop(ValueTypeF64, ValueTypeI32)
	case OpcodeI64ExtendI32S, OpcodeI64ExtendI32U:
		return v.unop(ValueTypeI32, ValueTypeI64)
	case OpcodeI64TruncF32S, OpcodeI64TruncF32U:
		return v.unop(ValueTypeF32, ValueTypeI64)
	case OpcodeI64TruncF64S, OpcodeI64TruncF64U:
		return v.unop(ValueTypeF64, ValueTypeI64)
	case OpcodeF32ConvertI32S, OpcodeF32ConvertI32U:
		return v.unop(ValueTypeI32, ValueTypeF32)
	case OpcodeF32ConvertI64S, OpcodeF32ConvertI64U:
		return v.unop(ValueTypeI64, ValueTypeF32)
	case OpcodeF32DemoteF64:
		return v.unop(ValueTypeF64, ValueTypeF32)
	case OpcodeF64ConvertI32S, OpcodeF64ConvertI32U:
		return v.unop(ValueTypeI32, ValueTypeF64)
	case OpcodeF64ConvertI64S, OpcodeF64ConvertI64U:
		return v.unop(ValueTypeI64, ValueTypeF64)
	case OpcodeF64PromoteF32:
		return v.unop(ValueTypeF32, ValueTypeF64)
	case OpcodeI32ReinterpretF32:
		return v.unop(ValueTypeF32, ValueTypeI32)
	case OpcodeI64ReinterpretF64:
		return v.unop(ValueTypeF64, ValueTypeI64)
	case OpcodeF32ReinterpretI32:
		return v.unop(ValueTypeI32, ValueTypeF32)
	case OpcodeF64ReinterpretI64:
		return v.unop(ValueTypeI64, ValueTypeF64)

	case OpcodeI32Extend8S, OpcodeI32Extend16S:
		if !v.enabled.Get(FeatureSignExtensionOps) {
			return validateErr("sign-extension requires the sign-extension-ops feature")
		}
		return v.unop(ValueTypeI32, ValueTypeI32)
	case OpcodeI64Extend8S, OpcodeI64Extend16S, OpcodeI64Extend32S:
		if !v.enabled.Get(FeatureSignExtensionOps) {
			return validateErr("sign-extension requires the sign-extension-ops feature")
		}
		return v.unop(ValueTypeI64, ValueTypeI64)

	case OpcodeRefNull:
		rk, err := d.readByte()
		if err != nil {
			return err
		}
		switch rk {
		case ValueTypeFuncref:
			v.push(ValueTypeFuncref)
		case ValueTypeExternref:
			v.push(ValueTypeExternref)
		default:
			return validateErr("ref.null: invalid heap type %#x", rk)
		}
		return nil
	case OpcodeRefIsNull:
		if _, err := v.pop(); err != nil {
			return err
		}
		v.push(ValueTypeI32)
		return nil
	case OpcodeRefFunc:
		idx, err := d.readU32()
		if err != nil {
			return err
		}
		if idx >= v.m.ImportFuncCount()+Index(len(v.m.FunctionSection)) {
			return validateErr("ref.func: function index %d out of range", idx)
		}
		v.push(ValueTypeFuncref)
		return nil

	case OpcodeTableGet:
		ti, err := d.readU32()
		if err != nil {
			return err
		}
		tt, err := v.tableTypeOf(ti)
		if err != nil {
			return err
		}
		if err := v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		v.push(tableElemValueType(tt))
		return nil
	case OpcodeTableSet:
		ti, err := d.readU32()
		if err != nil {
			return err
		}
		tt, err := v.tableTypeOf(ti)
		if err != nil {
			return err
		}
		if err := v.popExpect(tableElemValueType(tt)); err != nil {
			return err
		}
		return v.popExpect(ValueTypeI32)

	case OpcodeMiscPrefix:
		sub, err := d.readU32()
		if err != nil {
			return err
		}
		return v.stepMisc(d, sub)
	case OpcodeVecPrefix:
		if !v.enabled.Get(FeatureSIMD) {
			return validateErr("v128 instructions require the simd feature")
		}
		_, err := d.readU32()
		return err
	case OpcodeAtomicPrefix:
		if !v.enabled.Get(FeatureThreads) {
			return validateErr("atomic instructions require the threads feature")
		}
		sub, err := d.readU32()
		if err != nil {
			return err
		}
		return v.stepAtomic(d, sub)
	}
	return validateErr("unsupported opcode %#x", op)
}

func (v *funcValidator) unop(in, out ValueType) error {
	if err := v.popExpect(in); err != nil {
		return err
	}
	v.push(out)
	return nil
}

func (v *funcValidator) binop(t, out ValueType) error {
	if err := v.popExpect(t); err != nil {
		return err
	}
	if err := v.popExpect(t); err != nil {
		return err
	}
	v.push(out)
	return nil
}

func (v *funcValidator) load(d *validatorDecoder, t ValueType) error {
	if _, _, err := d.memarg(); err != nil {
		return err
	}
	if err := v.popExpect(ValueTypeI32); err != nil {
		return err
	}
	v.push(t)
	return nil
}

func (v *funcValidator) store(d *validatorDecoder, t ValueType) error {
	if _, _, err := d.memarg(); err != nil {
		return err
	}
	if err := v.popExpect(t); err != nil {
		return err
	}
	return v.popExpect(ValueTypeI32)
}

func (v *funcValidator) tableTypeOf(idx Index) (*TableType, error) {
	importCount := v.m.ImportTableCount()
	if idx < importCount {
		var i Index
		for _, imp := range v.m.ImportSection {
			if imp.Type == ExternTypeTable {
				if i == idx {
					return imp.DescTable, nil
				}
				i++
			}
		}
	}
	local := idx - importCount
	if int(local) >= len(v.m.TableSection) {
		return nil, validateErr("table index %d out of range", idx)
	}
	return v.m.TableSection[local], nil
}

func tableElemValueType(tt *TableType) ValueType {
	if tt.ElemRefKind == RefTypeKindExtern {
		return ValueTypeExternref
	}
	return ValueTypeFuncref
}

// stepMisc validates a 0xfc-prefixed (truncation-saturation/bulk-memory/
// table.grow family) instruction.
func (v *funcValidator) stepMisc(d *validatorDecoder, sub Index) error {
	switch Opcode(sub) {
	case OpcodeMiscI32TruncSatF32S, OpcodeMiscI32TruncSatF32U:
		return v.unop(ValueTypeF32, ValueTypeI32)
	case OpcodeMiscI32TruncSatF64S, OpcodeMiscI32TruncSatF64U:
		return v.unop(ValueTypeF64, ValueTypeI32)
	case OpcodeMiscI64TruncSatF32S, OpcodeMiscI64TruncSatF32U:
		return v.unop(ValueTypeF32, ValueTypeI64)
	case OpcodeMiscI64TruncSatF64S, OpcodeMiscI64TruncSatF64U:
		return v.unop(ValueTypeF64, ValueTypeI64)
	case OpcodeMiscMemoryInit:
		if !v.enabled.Get(FeatureBulkMemoryOperations) {
			return validateErr("memory.init requires the bulk-memory feature")
		}
		if _, err := d.readU32(); err != nil { // data index
			return err
		}
		if _, err := d.readByte(); err != nil { // memory index
			return err
		}
		return v.popExpectAll([]ValueType{ValueTypeI32, ValueTypeI32, ValueTypeI32})
	case OpcodeMiscDataDrop:
		_, err := d.readU32()
		return err
	case OpcodeMiscMemoryCopy:
		if _, err := d.readByte(); err != nil {
			return err
		}
		if _, err := d.readByte(); err != nil {
			return err
		}
		return v.popExpectAll([]ValueType{ValueTypeI32, ValueTypeI32, ValueTypeI32})
	case OpcodeMiscMemoryFill:
		if _, err := d.readByte(); err != nil {
			return err
		}
		return v.popExpectAll([]ValueType{ValueTypeI32, ValueTypeI32, ValueTypeI32})
	case OpcodeMiscTableInit:
		if _, err := d.readU32(); err != nil { // elem index
			return err
		}
		if _, err := d.readU32(); err != nil { // table index
			return err
		}
		return v.popExpectAll([]ValueType{ValueTypeI32, ValueTypeI32, ValueTypeI32})
	case OpcodeMiscElemDrop:
		_, err := d.readU32()
		return err
	case OpcodeMiscTableCopy:
		if _, err := d.readU32(); err != nil {
			return err
		}
		if _, err := d.readU32(); err != nil {
			return err
		}
		return v.popExpectAll([]ValueType{ValueTypeI32, ValueTypeI32, ValueTypeI32})
	case OpcodeMiscTableGrow:
		ti, err := d.readU32()
		if err != nil {
			return err
		}
		tt, err := v.tableTypeOf(ti)
		if err != nil {
			return err
		}
		if err := v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		if err := v.popExpect(tableElemValueType(tt)); err != nil {
			return err
		}
		v.push(ValueTypeI32)
		return nil
	case OpcodeMiscTableSize:
		if _, err := d.readU32(); err != nil {
			return err
		}
		v.push(ValueTypeI32)
		return nil
	case OpcodeMiscTableFill:
		ti, err := d.readU32()
		if err != nil {
			return err
		}
		tt, err := v.tableTypeOf(ti)
		if err != nil {
			return err
		}
		if err := v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		if err := v.popExpect(tableElemValueType(tt)); err != nil {
			return err
		}
		return v.popExpect(ValueTypeI32)
	}
	return validateErr("unsupported misc opcode %#x", sub)
}

// stepAtomic validates the representative threads/atomics subset this
// runtime implements (see opcodes.go and DESIGN.md for the scope note).
func (v *funcValidator) stepAtomic(d *validatorDecoder, sub Index) error {
	switch Opcode(sub) {
	case OpcodeAtomicFence:
		_, err := d.readByte()
		return err
	case OpcodeAtomicMemoryNotify:
		if _, _, err := d.memarg(); err != nil {
			return err
		}
		return v.popExpectAll([]ValueType{ValueTypeI32, ValueTypeI32})
	case OpcodeAtomicMemoryWait32:
		if _, _, err := d.memarg(); err != nil {
			return err
		}
		if err := v.popExpectAll([]ValueType{ValueTypeI32, ValueTypeI32, ValueTypeI64}); err != nil {
			return err
		}
		v.push(ValueTypeI32)
		return nil
	case OpcodeAtomicMemoryWait64:
		if _, _, err := d.memarg(); err != nil {
			return err
		}
		if err := v.popExpectAll([]ValueType{ValueTypeI32, ValueTypeI64, ValueTypeI64}); err != nil {
			return err
		}
		v.push(ValueTypeI32)
		return nil
	case OpcodeAtomicI32Load:
		return v.load(d, ValueTypeI32)
	case OpcodeAtomicI64Load:
		return v.load(d, ValueTypeI64)
	case OpcodeAtomicI32Store:
		return v.store(d, ValueTypeI32)
	case OpcodeAtomicI64Store:
		return v.store(d, ValueTypeI64)
	case OpcodeAtomicI32RmwAdd:
		if err := v.store(d, ValueTypeI32); err != nil {
			return err
		}
		v.push(ValueTypeI32)
		return nil
	case OpcodeAtomicI64RmwAdd:
		if err := v.store(d, ValueTypeI64); err != nil {
			return err
		}
		v.push(ValueTypeI64)
		return nil
	}
	return validateErr("unsupported atomic opcode %#x", sub)
}
