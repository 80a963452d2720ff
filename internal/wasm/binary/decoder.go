// Package binary decodes the WebAssembly binary format into an
// internal/wasm.Module, enforcing the resource ceilings configured on
// DecodeConfig and rejecting malformed or truncated input.
package binary

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/shoalwasm/shoal/internal/leb128"
	"github.com/shoalwasm/shoal/internal/wasm"
)

var magic = [4]byte{0x00, 0x61, 0x73, 0x6d}

// DecodeConfig bounds the resource ceilings the decoder enforces, per
// spec.md §4.1 ("Enforces configured resource ceilings").
type DecodeConfig struct {
	MaxFunctionLocals  uint32
	MaxBlockNesting    uint32
	MaxDataSegments    uint32
	MaxSectionItems    uint32
	EnabledFeatures    wasm.Features
}

// DefaultDecodeConfig returns conservative, generous ceilings sufficient
// for any real-world module while still bounding a maliciously crafted one.
func DefaultDecodeConfig() DecodeConfig {
	return DecodeConfig{
		MaxFunctionLocals: 1 << 20,
		MaxBlockNesting:    1 << 16,
		MaxDataSegments:    1 << 20,
		MaxSectionItems:    1 << 24,
		EnabledFeatures:    wasm.FeaturesDefault,
	}
}

// DecodeModule parses a binary Wasm image into an (unvalidated) Module.
func DecodeModule(bin []byte, cfg DecodeConfig) (*wasm.Module, error) {
	if len(bin) < 8 {
		return nil, fmt.Errorf("invalid wasm: data is too short (%d bytes)", len(bin))
	}
	if !bytes.Equal(bin[0:4], magic[:]) {
		return nil, fmt.Errorf("invalid wasm: invalid magic number")
	}
	version := binary.LittleEndian.Uint32(bin[4:8])
	if version != 1 {
		return nil, fmt.Errorf("invalid wasm: unknown binary version: %d", version)
	}

	d := &decoder{data: bin[8:], cfg: cfg, m: &wasm.Module{
		ExportSection: map[string]*wasm.Export{},
	}}

	var prevID wasm.SectionID = wasm.SectionIDCustom
	sawNonCustom := false
	for len(d.data) > 0 {
		id, err := d.readByte()
		if err != nil {
			return nil, fmt.Errorf("invalid wasm: error reading section id: %w", err)
		}
		size, _, err := leb128.DecodeUint32(d)
		if err != nil {
			return nil, fmt.Errorf("invalid wasm: error reading %s section size: %w", wasm.SectionIDName(id), err)
		}
		if uint64(size) > uint64(len(d.data)) {
			return nil, fmt.Errorf("invalid wasm: %s section size %d exceeds remaining input", wasm.SectionIDName(id), size)
		}
		body := d.data[:size]
		d.data = d.data[size:]

		if id != wasm.SectionIDCustom {
			if sawNonCustom && id <= prevID && id != wasm.SectionIDCustom {
				return nil, fmt.Errorf("invalid wasm: section %s out of order", wasm.SectionIDName(id))
			}
			prevID = id
			sawNonCustom = true
		}

		sd := &decoder{data: body, cfg: cfg, m: d.m}
		if err := sd.decodeSection(id); err != nil {
			return nil, err
		}
		if len(sd.data) != 0 {
			return nil, fmt.Errorf("invalid wasm: %d bytes of trailing data in %s section", len(sd.data), wasm.SectionIDName(id))
		}
	}

	d.m.BuildFlattenedTypes()
	return d.m, nil
}

type decoder struct {
	data []byte
	cfg  DecodeConfig
	m    *wasm.Module
}

func (d *decoder) ReadByte() (byte, error) { return d.readByte() }

func (d *decoder) readByte() (byte, error) {
	if len(d.data) == 0 {
		return 0, fmt.Errorf("unexpected EOF")
	}
	b := d.data[0]
	d.data = d.data[1:]
	return b, nil
}

func (d *decoder) readBytes(n uint32) ([]byte, error) {
	if uint64(n) > uint64(len(d.data)) {
		return nil, fmt.Errorf("unexpected EOF: need %d bytes, have %d", n, len(d.data))
	}
	b := d.data[:n]
	d.data = d.data[n:]
	return b, nil
}

func (d *decoder) readU32() (uint32, error) {
	v, _, err := leb128.DecodeUint32(d)
	return v, err
}

func (d *decoder) readI32() (int32, error) {
	v, _, err := leb128.DecodeInt32(d)
	return v, err
}

func (d *decoder) readI64() (int64, error) {
	v, _, err := leb128.DecodeInt64(d)
	return v, err
}

func (d *decoder) readF32() (float32, error) {
	b, err := d.readBytes(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

func (d *decoder) readF64() (float64, error) {
	b, err := d.readBytes(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

func (d *decoder) readName() (string, error) {
	n, err := d.readU32()
	if err != nil {
		return "", err
	}
	if n > d.cfg.MaxSectionItems {
		return "", fmt.Errorf("invalid wasm: name too long (%d bytes)", n)
	}
	b, err := d.readBytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) readValueType() (wasm.ValueType, error) {
	b, err := d.readByte()
	if err != nil {
		return 0, err
	}
	switch b {
	case wasm.ValueTypeI32, wasm.ValueTypeI64, wasm.ValueTypeF32, wasm.ValueTypeF64,
		wasm.ValueTypeV128, wasm.ValueTypeFuncref, wasm.ValueTypeExternref, wasm.ValueTypeExnref:
		return b, nil
	}
	return 0, fmt.Errorf("invalid wasm: invalid value type: %#x", b)
}

func (d *decoder) decodeSection(id wasm.SectionID) error {
	switch id {
	case wasm.SectionIDCustom:
		return d.decodeCustomSection()
	case wasm.SectionIDType:
		return d.decodeTypeSection()
	case wasm.SectionIDImport:
		return d.decodeImportSection()
	case wasm.SectionIDFunction:
		return d.decodeFunctionSection()
	case wasm.SectionIDTable:
		return d.decodeTableSection()
	case wasm.SectionIDMemory:
		return d.decodeMemorySection()
	case wasm.SectionIDGlobal:
		return d.decodeGlobalSection()
	case wasm.SectionIDExport:
		return d.decodeExportSection()
	case wasm.SectionIDStart:
		return d.decodeStartSection()
	case wasm.SectionIDElement:
		return d.decodeElementSection()
	case wasm.SectionIDCode:
		return d.decodeCodeSection()
	case wasm.SectionIDData:
		return d.decodeDataSection()
	case wasm.SectionIDDataCount:
		_, err := d.readU32()
		return err
	case wasm.SectionIDTag:
		return d.decodeTagSection()
	}
	return fmt.Errorf("invalid wasm: unknown section id %d", id)
}

func (d *decoder) decodeCustomSection() error {
	name, err := d.readName()
	if err != nil {
		return fmt.Errorf("invalid wasm: error decoding custom section name: %w", err)
	}
	switch name {
	case "name":
		ns, err := decodeNameSection(d.data)
		if err == nil {
			d.m.NameSection = ns
		}
	case "metadata.code.branch_hint":
		hints, err := decodeBranchHints(d.data)
		if err == nil {
			d.m.BranchHints = hints
		}
	}
	d.data = nil
	return nil
}

func (d *decoder) decodeTypeSection() error {
	count, err := d.readU32()
	if err != nil {
		return fmt.Errorf("invalid wasm: error decoding type count: %w", err)
	}
	if count > d.cfg.MaxSectionItems {
		return fmt.Errorf("invalid wasm: too many rec groups: %d", count)
	}
	for i := uint32(0); i < count; i++ {
		rg, err := d.decodeRecGroup()
		if err != nil {
			return fmt.Errorf("invalid wasm: error decoding type[%d]: %w", i, err)
		}
		d.m.TypeSection = append(d.m.TypeSection, rg)
	}
	return nil
}

const (
	typeFuncPrefix   byte = 0x60
	typeStructPrefix byte = 0x5f
	typeArrayPrefix  byte = 0x5e
	typeSubPrefix    byte = 0x50
	typeSubFinal     byte = 0x4f
	typeRecPrefix    byte = 0x4e
)

func (d *decoder) decodeRecGroup() (*wasm.RecGroup, error) {
	b, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if b == typeRecPrefix {
		n, err := d.readU32()
		if err != nil {
			return nil, err
		}
		rg := &wasm.RecGroup{}
		for i := uint32(0); i < n; i++ {
			ct, err := d.decodeCompositeTypeEntry()
			if err != nil {
				return nil, err
			}
			rg.Types = append(rg.Types, ct)
		}
		return rg, nil
	}
	d.data = append([]byte{b}, d.data...)
	ct, err := d.decodeCompositeTypeEntry()
	if err != nil {
		return nil, err
	}
	return &wasm.RecGroup{Types: []*wasm.CompositeType{ct}}, nil
}

func (d *decoder) decodeCompositeTypeEntry() (*wasm.CompositeType, error) {
	b, err := d.readByte()
	if err != nil {
		return nil, err
	}
	supertype := int32(-1)
	final := true
	if b == typeSubPrefix || b == typeSubFinal {
		final = b == typeSubFinal
		n, err := d.readU32()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			idx, err := d.readU32()
			if err != nil {
				return nil, err
			}
			supertype = int32(idx)
			for i := uint32(1); i < n; i++ {
				if _, err := d.readU32(); err != nil {
					return nil, err
				}
			}
		}
		b, err = d.readByte()
		if err != nil {
			return nil, err
		}
	}

	ct := &wasm.CompositeType{Supertype: supertype, Final: final}
	switch b {
	case typeFuncPrefix:
		ft, err := d.decodeFunctionTypeBody()
		if err != nil {
			return nil, err
		}
		ct.Kind = wasm.CompositeTypeFunc
		ct.FuncType = ft
	case typeStructPrefix:
		st, err := d.decodeStructTypeBody()
		if err != nil {
			return nil, err
		}
		ct.Kind = wasm.CompositeTypeStruct
		ct.StructType = st
	case typeArrayPrefix:
		at, err := d.decodeArrayTypeBody()
		if err != nil {
			return nil, err
		}
		ct.Kind = wasm.CompositeTypeArray
		ct.ArrayType = at
	default:
		return nil, fmt.Errorf("invalid leading byte for composite type: %#x", b)
	}
	return ct, nil
}

func (d *decoder) decodeFunctionTypeBody() (*wasm.FunctionType, error) {
	pc, err := d.readU32()
	if err != nil {
		return nil, err
	}
	params := make([]wasm.ValueType, pc)
	for i := range params {
		if params[i], err = d.readValueType(); err != nil {
			return nil, err
		}
	}
	rc, err := d.readU32()
	if err != nil {
		return nil, err
	}
	results := make([]wasm.ValueType, rc)
	for i := range results {
		if results[i], err = d.readValueType(); err != nil {
			return nil, err
		}
	}
	return &wasm.FunctionType{Params: params, Results: results}, nil
}

func (d *decoder) decodeStructTypeBody() (*wasm.StructType, error) {
	n, err := d.readU32()
	if err != nil {
		return nil, err
	}
	st := &wasm.StructType{Fields: make([]wasm.StructField, n)}
	for i := range st.Fields {
		vt, err := d.readValueType()
		if err != nil {
			return nil, err
		}
		mut, err := d.readByte()
		if err != nil {
			return nil, err
		}
		st.Fields[i] = wasm.StructField{Type: vt, Mutable: mut == 1}
	}
	return st, nil
}

func (d *decoder) decodeArrayTypeBody() (*wasm.ArrayType, error) {
	vt, err := d.readValueType()
	if err != nil {
		return nil, err
	}
	mut, err := d.readByte()
	if err != nil {
		return nil, err
	}
	return &wasm.ArrayType{Element: vt, Mutable: mut == 1}, nil
}

func (d *decoder) decodeLimits(is64Allowed bool) (wasm.Limits, error) {
	flag, err := d.readByte()
	if err != nil {
		return wasm.Limits{}, err
	}
	shared := flag&0x02 != 0
	hasMax := flag&0x01 != 0
	is64 := flag&0x04 != 0
	if is64 && !is64Allowed {
		return wasm.Limits{}, fmt.Errorf("64-bit limits not allowed here")
	}
	readOne := func() (uint64, error) {
		if is64 {
			v, _, err := leb128.DecodeUint64(d)
			return v, err
		}
		v, err := d.readU32()
		return uint64(v), err
	}
	min, err := readOne()
	if err != nil {
		return wasm.Limits{}, err
	}
	l := wasm.Limits{Min: min, Shared: shared}
	if hasMax {
		max, err := readOne()
		if err != nil {
			return wasm.Limits{}, err
		}
		l.Max = max
		l.HasMax = true
	}
	return l, nil
}

func (d *decoder) decodeTableType() (*wasm.TableType, error) {
	b, err := d.readByte()
	if err != nil {
		return nil, err
	}
	tt := &wasm.TableType{}
	switch b {
	case wasm.ValueTypeFuncref:
		tt.ElemRefKind = wasm.RefTypeKindFunc
	case wasm.ValueTypeExternref:
		tt.ElemRefKind = wasm.RefTypeKindExtern
	default:
		return nil, fmt.Errorf("invalid wasm: unsupported table element type %#x", b)
	}
	lim, err := d.decodeLimits(true)
	if err != nil {
		return nil, err
	}
	tt.Limits = lim
	tt.Is64 = false
	return tt, nil
}

func (d *decoder) decodeMemoryType() (*wasm.MemoryType, error) {
	lim, err := d.decodeLimits(true)
	if err != nil {
		return nil, err
	}
	return &wasm.MemoryType{Limits: lim, PageSizeLog2: wasm.DefaultPageSizeLog2}, nil
}

func (d *decoder) decodeGlobalType() (*wasm.GlobalType, error) {
	vt, err := d.readValueType()
	if err != nil {
		return nil, err
	}
	mut, err := d.readByte()
	if err != nil {
		return nil, err
	}
	return &wasm.GlobalType{ValType: vt, Mutable: mut == 1}, nil
}

func (d *decoder) decodeImportSection() error {
	count, err := d.readU32()
	if err != nil {
		return err
	}
	if count > d.cfg.MaxSectionItems {
		return fmt.Errorf("invalid wasm: too many imports: %d", count)
	}
	for i := uint32(0); i < count; i++ {
		mod, err := d.readName()
		if err != nil {
			return err
		}
		name, err := d.readName()
		if err != nil {
			return err
		}
		kind, err := d.readByte()
		if err != nil {
			return err
		}
		imp := &wasm.Import{Type: kind, Module: mod, Name: name}
		switch kind {
		case wasm.ExternTypeFunc:
			imp.DescFunc, err = d.readU32()
		case wasm.ExternTypeTable:
			imp.DescTable, err = d.decodeTableType()
		case wasm.ExternTypeMemory:
			imp.DescMem, err = d.decodeMemoryType()
		case wasm.ExternTypeGlobal:
			imp.DescGlobal, err = d.decodeGlobalType()
		case wasm.ExternTypeTag:
			_, err = d.readByte() // attribute, always 0 (exception)
			if err == nil {
				var ti uint32
				ti, err = d.readU32()
				imp.DescTag = &wasm.TagType{FuncTypeIndex: ti}
			}
		default:
			err = fmt.Errorf("invalid wasm: unknown import kind %#x", kind)
		}
		if err != nil {
			return fmt.Errorf("invalid wasm: error decoding import[%d] %s.%s: %w", i, mod, name, err)
		}
		d.m.ImportSection = append(d.m.ImportSection, imp)
	}
	return nil
}

func (d *decoder) decodeFunctionSection() error {
	count, err := d.readU32()
	if err != nil {
		return err
	}
	if count > d.cfg.MaxSectionItems {
		return fmt.Errorf("invalid wasm: too many functions: %d", count)
	}
	for i := uint32(0); i < count; i++ {
		idx, err := d.readU32()
		if err != nil {
			return err
		}
		d.m.FunctionSection = append(d.m.FunctionSection, idx)
	}
	return nil
}

func (d *decoder) decodeTableSection() error {
	count, err := d.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		tt, err := d.decodeTableType()
		if err != nil {
			return err
		}
		d.m.TableSection = append(d.m.TableSection, tt)
	}
	return nil
}

func (d *decoder) decodeMemorySection() error {
	count, err := d.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		mt, err := d.decodeMemoryType()
		if err != nil {
			return err
		}
		d.m.MemorySection = append(d.m.MemorySection, mt)
	}
	return nil
}

func (d *decoder) decodeTagSection() error {
	count, err := d.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		if _, err := d.readByte(); err != nil { // attribute
			return err
		}
		ti, err := d.readU32()
		if err != nil {
			return err
		}
		d.m.TagSection = append(d.m.TagSection, &wasm.TagType{FuncTypeIndex: ti})
	}
	return nil
}

func (d *decoder) decodeGlobalSection() error {
	count, err := d.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		gt, err := d.decodeGlobalType()
		if err != nil {
			return err
		}
		ce, err := d.decodeConstantExpression()
		if err != nil {
			return fmt.Errorf("invalid wasm: error decoding global[%d] init: %w", i, err)
		}
		d.m.GlobalSection = append(d.m.GlobalSection, gt)
		d.m.GlobalInit = append(d.m.GlobalInit, ce)
	}
	return nil
}

// decodeConstantExpression captures the raw bytes of a const expression
// (up to and including the terminating `end`), deferring actual evaluation
// to the init-only interpreter run during instantiation (spec.md §4.8).
func (d *decoder) decodeConstantExpression() (*wasm.ConstantExpression, error) {
	start := d.data
	op, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if err := d.skipInstructionImmediates(op); err != nil {
		return nil, err
	}
	for {
		b, err := d.readByte()
		if err != nil {
			return nil, err
		}
		if b == wasm.OpcodeEnd {
			break
		}
		if err := d.skipInstructionImmediates(b); err != nil {
			return nil, err
		}
	}
	raw := start[:len(start)-len(d.data)]
	data := make([]byte, len(raw))
	copy(data, raw)
	return &wasm.ConstantExpression{Opcode: op, Data: data}, nil
}

// skipInstructionImmediates advances past the immediate operands of a
// single (non-end) instruction without otherwise interpreting it. Constant
// expressions permitted by the spec are restricted to const/global.get and
// ref.null/ref.func plus (with the GC/extended-const proposals) a handful
// of arithmetic ops; all have fixed or LEB128-only immediates.
func (d *decoder) skipInstructionImmediates(op byte) error {
	switch op {
	case wasm.OpcodeI32Const:
		_, err := d.readI32()
		return err
	case wasm.OpcodeI64Const:
		_, err := d.readI64()
		return err
	case wasm.OpcodeF32Const:
		_, err := d.readF32()
		return err
	case wasm.OpcodeF64Const:
		_, err := d.readF64()
		return err
	case wasm.OpcodeGlobalGet:
		_, err := d.readU32()
		return err
	case wasm.OpcodeRefNull:
		_, err := d.readByte()
		return err
	case wasm.OpcodeRefFunc:
		_, err := d.readU32()
		return err
	case wasm.OpcodeEnd:
		return nil
	case wasm.OpcodeI32Add, wasm.OpcodeI32Sub, wasm.OpcodeI32Mul,
		wasm.OpcodeI64Add, wasm.OpcodeI64Sub, wasm.OpcodeI64Mul:
		return nil // extended-const proposal: no immediates
	default:
		return fmt.Errorf("invalid wasm: opcode %#x not allowed in a constant expression", op)
	}
}

func (d *decoder) decodeExportSection() error {
	count, err := d.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		name, err := d.readName()
		if err != nil {
			return err
		}
		kind, err := d.readByte()
		if err != nil {
			return err
		}
		idx, err := d.readU32()
		if err != nil {
			return err
		}
		if _, dup := d.m.ExportSection[name]; dup {
			return fmt.Errorf("invalid wasm: duplicate export name %q", name)
		}
		d.m.ExportSection[name] = &wasm.Export{Type: kind, Name: name, Index: idx}
	}
	return nil
}

func (d *decoder) decodeStartSection() error {
	idx, err := d.readU32()
	if err != nil {
		return err
	}
	d.m.StartSection = &idx
	return nil
}

func (d *decoder) decodeElementSection() error {
	count, err := d.readU32()
	if err != nil {
		return err
	}
	if count > d.cfg.MaxDataSegments {
		return fmt.Errorf("invalid wasm: too many element segments: %d", count)
	}
	for i := uint32(0); i < count; i++ {
		seg, err := d.decodeElementSegment()
		if err != nil {
			return fmt.Errorf("invalid wasm: error decoding element[%d]: %w", i, err)
		}
		d.m.ElementSection = append(d.m.ElementSection, seg)
	}
	return nil
}

func (d *decoder) decodeElementSegment() (*wasm.ElementSegment, error) {
	flag, err := d.readU32()
	if err != nil {
		return nil, err
	}
	seg := &wasm.ElementSegment{Type: wasm.RefTypeKindFunc}
	activeWithIdx := flag == 2 || flag == 6
	active := flag == 0 || flag == 4 || activeWithIdx
	if flag == 1 || flag == 5 {
		seg.Mode = wasm.ElementModePassive
	} else if flag == 3 || flag == 7 {
		seg.Mode = wasm.ElementModeDeclarative
	}
	if active {
		if activeWithIdx {
			ti, err := d.readU32()
			if err != nil {
				return nil, err
			}
			seg.TableIndex = ti
		}
		ce, err := d.decodeConstantExpression()
		if err != nil {
			return nil, err
		}
		seg.OffsetExpr = ce
	}
	useExprs := flag >= 4
	if flag != 0 && flag != 4 {
		if useExprs {
			if _, err := d.readByte(); err != nil { // reftype (flags 5,6,7) / elemkind tag skipped for 4
				return nil, err
			}
		} else {
			if _, err := d.readByte(); err != nil { // elemkind, must be 0x00 (funcref)
				return nil, err
			}
		}
	}
	n, err := d.readU32()
	if err != nil {
		return nil, err
	}
	seg.Init = make([]wasm.Index, n)
	for i := range seg.Init {
		if useExprs {
			ce, err := d.decodeConstantExpression()
			if err != nil {
				return nil, err
			}
			if ce.Opcode == wasm.OpcodeRefNull {
				seg.Init[i] = wasm.ElementInitNull
			} else {
				v, _, _ := leb128.DecodeUint32(bytes.NewReader(ce.Data[1:]))
				seg.Init[i] = v
			}
		} else {
			idx, err := d.readU32()
			if err != nil {
				return nil, err
			}
			seg.Init[i] = idx
		}
	}
	return seg, nil
}

func (d *decoder) decodeCodeSection() error {
	count, err := d.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		size, err := d.readU32()
		if err != nil {
			return err
		}
		body, err := d.readBytes(size)
		if err != nil {
			return err
		}
		code, err := decodeCode(body, d.cfg)
		if err != nil {
			return fmt.Errorf("invalid wasm: error decoding code[%d]: %w", i, err)
		}
		d.m.CodeSection = append(d.m.CodeSection, code)
	}
	return nil
}

func decodeCode(body []byte, cfg DecodeConfig) (*wasm.Code, error) {
	cd := &decoder{data: body, cfg: cfg}
	localDeclCount, err := cd.readU32()
	if err != nil {
		return nil, err
	}
	var locals []wasm.ValueType
	var totalLocals uint64
	for i := uint32(0); i < localDeclCount; i++ {
		n, err := cd.readU32()
		if err != nil {
			return nil, err
		}
		totalLocals += uint64(n)
		if totalLocals > uint64(cfg.MaxFunctionLocals) {
			return nil, fmt.Errorf("too many locals: %d", totalLocals)
		}
		vt, err := cd.readValueType()
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < n; j++ {
			locals = append(locals, vt)
		}
	}
	return &wasm.Code{LocalTypes: locals, Body: cd.data}, nil
}

func (d *decoder) decodeDataSection() error {
	count, err := d.readU32()
	if err != nil {
		return err
	}
	if count > d.cfg.MaxDataSegments {
		return fmt.Errorf("invalid wasm: too many data segments: %d", count)
	}
	for i := uint32(0); i < count; i++ {
		flag, err := d.readU32()
		if err != nil {
			return err
		}
		seg := &wasm.DataSegment{}
		switch flag {
		case 0:
			ce, err := d.decodeConstantExpression()
			if err != nil {
				return err
			}
			seg.OffsetExpr = ce
		case 1:
			seg.Passive = true
		case 2:
			mi, err := d.readU32()
			if err != nil {
				return err
			}
			seg.MemoryIndex = mi
			ce, err := d.decodeConstantExpression()
			if err != nil {
				return err
			}
			seg.OffsetExpr = ce
		default:
			return fmt.Errorf("invalid wasm: unknown data segment flag %d", flag)
		}
		n, err := d.readU32()
		if err != nil {
			return err
		}
		init, err := d.readBytes(n)
		if err != nil {
			return err
		}
		seg.Init = append([]byte(nil), init...)
		d.m.DataSection = append(d.m.DataSection, seg)
	}
	return nil
}
