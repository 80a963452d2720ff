package regmach

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shoalwasm/shoal/api"
	"github.com/shoalwasm/shoal/internal/shoalir"
	"github.com/shoalwasm/shoal/internal/wasm"
)

func lowerBody(t *testing.T, body []byte) (*Code, error) {
	t.Helper()
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
		CodeSection:     []*wasm.Code{{Body: body}},
	}
	m.BuildFlattenedTypes()
	pre, err := shoalir.CompileFunction(m, 0)
	require.NoError(t, err)
	return Lower(m, pre)
}

func TestLowerAddUsesLocalsDirectly(t *testing.T) {
	// local.get 0; local.get 1; i32.add; end
	rc, err := lowerBody(t, []byte{0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b})
	require.NoError(t, err)

	// local.get produces no instruction: the add reads the local registers
	// directly and its result lands in the epilogue's register.
	require.Equal(t, Numeric(shoalir.OpI32Add), rc.Instrs[0].Op)
	require.Equal(t, uint8(0), rc.Instrs[0].Rs1)
	require.Equal(t, uint8(1), rc.Instrs[0].Rs2())
	require.Equal(t, RRet, rc.Instrs[len(rc.Instrs)-1].Op)
}

func TestLowerConstBinopFusion(t *testing.T) {
	// local.get 0; i32.const 7; i32.add; end
	rc, err := lowerBody(t, []byte{0x20, 0x00, 0x41, 0x07, 0x6a, 0x0b})
	require.NoError(t, err)

	// The const collapses into the immediate-operand add; no RConst32
	// survives compaction.
	for _, in := range rc.Instrs {
		require.NotEqual(t, RConst32, in.Op)
		require.NotEqual(t, RDeleted, in.Op)
	}
	require.Equal(t, Imm(shoalir.OpI32Add), rc.Instrs[0].Op)
	require.Equal(t, uint32(7), rc.Instrs[0].Operand)
}

func TestLowerCopyPropagation(t *testing.T) {
	// local.get 0; local.get 1; i32.add; local.set 0; local.get 0; end
	rc, err := lowerBody(t, []byte{0x20, 0x00, 0x20, 0x01, 0x6a, 0x21, 0x00, 0x20, 0x00, 0x0b})
	require.NoError(t, err)

	// The producer is rewritten to target local 0 directly and the
	// local.set's MOV is gone (the remaining MOV is the epilogue's
	// result funnel).
	require.Equal(t, Numeric(shoalir.OpI32Add), rc.Instrs[0].Op)
	require.Equal(t, uint8(0), rc.Instrs[0].Rd)
	for _, in := range rc.Instrs {
		if in.Op == RMov {
			require.NotEqual(t, uint8(0), in.Rd, "the MOV into local 0 must be propagated away")
		}
	}
}

func TestLowerBranchTargetsSurviveCompaction(t *testing.T) {
	// block; local.get 0; i32.const 1; i32.add; local.set 0; br 0; end;
	// local.get 0; end — the const fusion deletes a record before the
	// branch target, which compaction must rewrite.
	body := []byte{
		0x02, 0x40,
		0x20, 0x00, 0x41, 0x01, 0x6a, 0x21, 0x00,
		0x0c, 0x00,
		0x0b,
		0x20, 0x00,
		0x0b,
	}
	rc, err := lowerBody(t, body)
	require.NoError(t, err)
	for _, in := range rc.Instrs {
		switch in.Op {
		case RBr, RBrIf, RBrIfNot, RBrTableEntry:
			require.Less(t, in.Operand, uint32(len(rc.Instrs)), "branch target within compacted body")
			require.NotEqual(t, RDeleted, rc.Instrs[in.Operand].Op)
		}
	}
}

func TestLowerDeclinesV128Locals(t *testing.T) {
	m := &wasm.Module{
		TypeSection: []*wasm.RecGroup{{Types: []*wasm.CompositeType{{
			Kind:      wasm.CompositeTypeFunc,
			FuncType:  &wasm.FunctionType{},
			Supertype: -1,
		}}}},
		FunctionSection: []wasm.Index{0},
		CodeSection:     []*wasm.Code{{LocalTypes: []api.ValueType{api.ValueTypeV128}, Body: []byte{0x0b}}},
	}
	m.BuildFlattenedTypes()
	pre, err := shoalir.CompileFunction(m, 0)
	require.NoError(t, err)
	_, err = Lower(m, pre)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestLowerRegisterPressureDeclines(t *testing.T) {
	// 300 i32 locals push the virtual register count past the 8-bit field.
	locals := make([]api.ValueType, 300)
	for i := range locals {
		locals[i] = api.ValueTypeI32
	}
	m := &wasm.Module{
		TypeSection: []*wasm.RecGroup{{Types: []*wasm.CompositeType{{
			Kind:      wasm.CompositeTypeFunc,
			FuncType:  &wasm.FunctionType{Results: []api.ValueType{api.ValueTypeI32}},
			Supertype: -1,
		}}}},
		FunctionSection: []wasm.Index{0},
		CodeSection:     []*wasm.Code{{LocalTypes: locals, Body: []byte{0x20, 0x00, 0x0b}}},
	}
	m.BuildFlattenedTypes()
	pre, err := shoalir.CompileFunction(m, 0)
	require.NoError(t, err)
	_, err = Lower(m, pre)
	require.ErrorIs(t, err, ErrUnsupported)
}
