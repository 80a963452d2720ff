package wasm

import (
	"encoding/binary"
	"fmt"

	"github.com/shoalwasm/shoal/internal/leb128"
)

// evaluateConstantExpression runs the restricted init-only interpreter over
// a global initializer or segment offset expression. The decoder has
// already limited the expression to constant-instruction opcodes. Only the
// first instruction is evaluated; an index out of range is reported as an
// error rather than a panic.
func evaluateConstantExpression(expr *ConstantExpression, inst *ModuleInstance) (uint64, error) {
	// Data starts with the opcode byte; the immediate follows it.
	imm := expr.Data
	if len(imm) > 0 {
		imm = imm[1:]
	}
	switch expr.Opcode {
	case OpcodeI32Const:
		v, _, err := leb128.LoadInt32(imm)
		if err != nil {
			return 0, fmt.Errorf("read i32.const: %w", err)
		}
		return uint64(uint32(v)), nil
	case OpcodeI64Const:
		v, _, err := leb128.LoadInt64(imm)
		if err != nil {
			return 0, fmt.Errorf("read i64.const: %w", err)
		}
		return uint64(v), nil
	case OpcodeF32Const:
		if len(imm) < 4 {
			return 0, fmt.Errorf("truncated f32.const")
		}
		return uint64(binary.LittleEndian.Uint32(imm)), nil
	case OpcodeF64Const:
		if len(imm) < 8 {
			return 0, fmt.Errorf("truncated f64.const")
		}
		return binary.LittleEndian.Uint64(imm), nil
	case OpcodeGlobalGet:
		idx, _, err := leb128.LoadUint32(imm)
		if err != nil {
			return 0, fmt.Errorf("read global.get index: %w", err)
		}
		if idx >= uint32(len(inst.Globals)) {
			return 0, fmt.Errorf("global.get %d out of range in constant expression", idx)
		}
		return inst.Globals[idx].Get(), nil
	case OpcodeRefNull:
		return RefNull, nil
	case OpcodeRefFunc:
		idx, _, err := leb128.LoadUint32(imm)
		if err != nil {
			return 0, fmt.Errorf("read ref.func index: %w", err)
		}
		if idx >= uint32(len(inst.Functions)) {
			return 0, fmt.Errorf("ref.func %d out of range in constant expression", idx)
		}
		return FuncrefFromAddr(inst.Functions[idx].StoreAddr), nil
	default:
		return 0, fmt.Errorf("invalid opcode 0x%x in constant expression", expr.Opcode)
	}
}
