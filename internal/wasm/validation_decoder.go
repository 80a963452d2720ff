package wasm

import (
	"encoding/binary"

	"github.com/shoalwasm/shoal/internal/leb128"
)

// validatorDecoder is a minimal byte cursor used only during validation, to
// read instruction immediates without re-decoding the whole body into an
// intermediate form (that happens afterwards, in internal/shoalir).
type validatorDecoder struct {
	data []byte
}

func (d *validatorDecoder) ReadByte() (byte, error) { return d.readByte() }

func (d *validatorDecoder) readByte() (byte, error) {
	if len(d.data) == 0 {
		return 0, validateErr("unexpected end of function body")
	}
	b := d.data[0]
	d.data = d.data[1:]
	return b, nil
}

func (d *validatorDecoder) readBytes(n int) ([]byte, error) {
	if n > len(d.data) {
		return nil, validateErr("unexpected end of function body")
	}
	b := d.data[:n]
	d.data = d.data[n:]
	return b, nil
}

func (d *validatorDecoder) readU32() (Index, error) {
	v, _, err := leb128.DecodeUint32(d)
	if err != nil {
		return 0, validateErr("%s", err)
	}
	return v, nil
}

func (d *validatorDecoder) readI32() (int32, error) {
	v, _, err := leb128.DecodeInt32(d)
	if err != nil {
		return 0, validateErr("%s", err)
	}
	return v, nil
}

func (d *validatorDecoder) readI64() (int64, error) {
	v, _, err := leb128.DecodeInt64(d)
	if err != nil {
		return 0, validateErr("%s", err)
	}
	return v, nil
}

func (d *validatorDecoder) readF32Bits() (uint32, error) {
	b, err := d.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *validatorDecoder) readF64Bits() (uint64, error) {
	b, err := d.readBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *validatorDecoder) readValueType() (ValueType, error) {
	b, err := d.readByte()
	if err != nil {
		return 0, err
	}
	switch b {
	case ValueTypeI32, ValueTypeI64, ValueTypeF32, ValueTypeF64,
		ValueTypeV128, ValueTypeFuncref, ValueTypeExternref, ValueTypeExnref:
		return b, nil
	}
	return 0, validateErr("invalid value type %#x", b)
}

// memarg reads the (align, offset) pair common to every load/store/atomic
// instruction.
func (d *validatorDecoder) memarg() (align, offset uint32, err error) {
	align, err = d.readU32()
	if err != nil {
		return
	}
	offset, err = d.readU32()
	return
}

// blockType is the param/result signature carried by block/loop/if,
// resolved from its s33 encoding: -0x40 (empty), a single value type, or a
// positive function-type index.
type blockType struct {
	Params, Results []ValueType
}

func (d *validatorDecoder) readBlockType(m *Module) (*blockType, error) {
	v, _, err := leb128.DecodeInt33AsInt64(d)
	if err != nil {
		return nil, validateErr("%s", err)
	}
	if v == -0x40 {
		return &blockType{}, nil
	}
	if v < 0 {
		vt := ValueType(v & 0x7f)
		return &blockType{Results: []ValueType{vt}}, nil
	}
	idx := Index(v)
	if int(idx) >= m.TypeCount() {
		return nil, validateErr("block type index %d out of range", idx)
	}
	ct := m.TypeOfIndex(idx)
	if ct.Kind != CompositeTypeFunc {
		return nil, validateErr("block type index %d is not a function type", idx)
	}
	return &blockType{Params: ct.FuncType.Params, Results: ct.FuncType.Results}, nil
}
