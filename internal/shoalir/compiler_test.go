package shoalir

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shoalwasm/shoal/api"
	"github.com/shoalwasm/shoal/internal/wasm"
)

// testModule wraps a single (param i32 i32) -> (result i32) function body.
func testModule(localTypes []api.ValueType, body []byte) *wasm.Module {
	m := &wasm.Module{
		TypeSection: []*wasm.RecGroup{{Types: []*wasm.CompositeType{{
			Kind: wasm.CompositeTypeFunc,
			FuncType: &wasm.FunctionType{
				Params:  []api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
				Results: []api.ValueType{api.ValueTypeI32},
			},
			Supertype: -1,
		}}}},
		FunctionSection: []wasm.Index{0},
		CodeSection:     []*wasm.Code{{LocalTypes: localTypes, Body: body}},
	}
	m.BuildFlattenedTypes()
	return m
}

func TestCompileAddFusesLocalPair(t *testing.T) {
	// local.get 0; local.get 1; i32.add; end
	code, err := CompileFunction(testModule(nil, []byte{0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b}), 0)
	require.NoError(t, err)

	// The two gets fuse into OpLocalGet2; the body ends with the implicit
	// return.
	require.Equal(t, []Instr{
		{Op: OpLocalGet2, Operand: 0<<16 | 1},
		{Op: OpI32Add},
		{Op: OpReturn},
	}, code.Instrs)
	require.Equal(t, 2, code.ParamSlots)
	require.Equal(t, 1, code.ResultSlots)
}

func TestCompileLocalGetConstFusion(t *testing.T) {
	// local.get 0; i32.const 41; i32.add; end
	code, err := CompileFunction(testModule(nil, []byte{0x20, 0x00, 0x41, 0x29, 0x6a, 0x0b}), 0)
	require.NoError(t, err)
	require.Equal(t, Instr{Op: OpLocalGetI32Const, Extra: 0, Operand: 41}, code.Instrs[0])
}

func TestCompileCmpLocalsSuperinstruction(t *testing.T) {
	// local.get 0; local.get 1; i32.lt_s; end
	code, err := CompileFunction(testModule(nil, []byte{0x20, 0x00, 0x20, 0x01, 0x48, 0x0b}), 0)
	require.NoError(t, err)
	require.Equal(t, Instr{Op: OpI32LtSLocals, Operand: 0<<16 | 1}, code.Instrs[0])
}

func TestCompileLoopBranchTargets(t *testing.T) {
	// block; loop; local.get 0; br_if 1; br 0; end; end; local.get 1; end
	body := []byte{
		0x02, 0x40, // block
		0x03, 0x40, // loop
		0x20, 0x00, // local.get 0
		0x0d, 0x01, // br_if 1
		0x0c, 0x00, // br 0
		0x0b, 0x0b, // end, end
		0x20, 0x01, // local.get 1
		0x0b,
	}
	code, err := CompileFunction(testModule(nil, body), 0)
	require.NoError(t, err)

	var loopPC uint32
	var sawBackward, sawForward bool
	for pc, in := range code.Instrs {
		switch in.Op {
		case OpLoop:
			loopPC = in.Operand
			require.Equal(t, uint32(pc+1), loopPC)
		case OpBr:
			require.Equal(t, loopPC, in.Operand, "br 0 targets the loop header")
			sawBackward = true
		case OpBrIf:
			require.Greater(t, in.Operand, uint32(pc), "br_if 1 is a forward branch past the block")
			sawForward = true
		}
	}
	require.True(t, sawBackward)
	require.True(t, sawForward)
}

func TestCompilePoolsWideConstants(t *testing.T) {
	// i64.const 0x1_0000_0001 twice: pooled once; drop each; then the
	// result expression.
	body := []byte{
		0x42, 0x81, 0x80, 0x80, 0x80, 0x10, // i64.const 4294967297
		0x1a,
		0x42, 0x81, 0x80, 0x80, 0x80, 0x10,
		0x1a,
		0x20, 0x00,
		0x0b,
	}
	code, err := CompileFunction(testModule(nil, body), 0)
	require.NoError(t, err)
	require.Equal(t, []uint64{0x1_0000_0001}, code.Pool)
}

func TestCompileIfElseSideTable(t *testing.T) {
	// local.get 0; if (result i32); local.get 0; else; local.get 1; end
	body := []byte{0x20, 0x00, 0x04, 0x7f, 0x20, 0x00, 0x05, 0x20, 0x01, 0x0b, 0x0b}
	code, err := CompileFunction(testModule(nil, body), 0)
	require.NoError(t, err)

	var ifPC int = -1
	for pc, in := range code.Instrs {
		if in.Op == OpIf {
			ifPC = pc
			break
		}
	}
	require.GreaterOrEqual(t, ifPC, 0)
	meta := code.Instrs[ifPC+1]
	require.Equal(t, OpIfMeta, meta.Op)
	require.Equal(t, uint16(1), meta.Extra, "has-else flag")
	// The false edge lands just past the OpElse record.
	elseTarget := code.Instrs[ifPC].Operand
	require.Equal(t, OpElse, code.Instrs[elseTarget-1].Op)
	// The end PC lands past the if's end record.
	require.Greater(t, meta.Operand, elseTarget)
}
