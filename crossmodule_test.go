package shoal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shoalwasm/shoal/internal/leb128"
	"github.com/shoalwasm/shoal/internal/wasmruntime"
)

// withTable adds a funcref table of the given size.
func (b *binBuilder) withTable(size uint32) {
	b.table = append([]byte{0x70, 0x00}, leb128.EncodeUint32(size)...)
}

// withActiveElem seeds table slot 0 with the given function indices.
func (b *binBuilder) withActiveElem(funcIdxs ...uint32) {
	seg := []byte{0x00, 0x41, 0x00, 0x0b} // active table 0, offset i32.const 0
	seg = append(seg, byte(len(funcIdxs)))
	for _, f := range funcIdxs {
		seg = append(seg, leb128.EncodeUint32(f)...)
	}
	b.elem = append(b.elem, seg...)
	b.nElem++
}

// addModule exports a locally-defined (i32,i32)->i32 function named name
// computing a+b via the given opcode.
func addModule(name string, opcode byte) []byte {
	b := &binBuilder{}
	idx := b.addFunc(funcType([]byte{i32, i32}, []byte{i32}),
		[]byte{0x00}, []byte{0x20, 0x00, 0x20, 0x01, opcode})
	b.exportFunc(name, idx)
	return b.build()
}

// useTableModule imports provider.fn, seeds its own table with it, and
// exports use_table(elem, a, b) performing call_indirect through the
// shared (i32,i32)->i32 type.
func useTableModule() []byte {
	b := &binBuilder{}
	b.addImportFunc("provider", "fn", funcType([]byte{i32, i32}, []byte{i32}))
	b.withTable(1)
	b.withActiveElem(0) // the imported function
	var body []byte
	body = append(body, 0x20, 0x01, 0x20, 0x02) // a, b
	body = append(body, 0x20, 0x00)             // elem index
	body = append(body, 0x11, 0x00, 0x00)       // call_indirect type 0, table 0
	idx := b.addFunc(funcType([]byte{i32, i32, i32}, []byte{i32}), []byte{0x00}, body)
	b.exportFunc("use_table", idx+1)
	return b.build()
}

func TestCrossModuleCallIndirect(t *testing.T) {
	eachConfig(t, func(t *testing.T, rc *RuntimeConfig) {
		ctx := context.Background()
		r := NewRuntimeWithConfig(ctx, rc)
		defer r.Close(ctx)

		_, err := r.InstantiateWithConfig(ctx, addModule("fn", 0x6a),
			NewModuleConfig().WithName("provider"))
		require.NoError(t, err)

		user, err := r.InstantiateWithConfig(ctx, useTableModule(), NewModuleConfig())
		require.NoError(t, err)

		// The funcref crossed a module boundary; the registry's shared
		// TypeID makes the call_indirect type check pass.
		res, err := user.ExportedFunction("use_table").Call(ctx, 0, 3, 4)
		require.NoError(t, err)
		require.Equal(t, uint64(7), res[0])

		// Out-of-range element: undefined element trap.
		_, err = user.ExportedFunction("use_table").Call(ctx, 5, 3, 4)
		require.ErrorIs(t, err, wasmruntime.ErrRuntimeUndefinedElement)
	})
}

// swapUserModule is useTableModule plus a second import of provider.bad,
// a (i64)->i64 function, and a "swap" export replacing table slot 0's
// funcref with it via ref.func + table.set.
func swapUserModule() []byte {
	b := &binBuilder{}
	b.addImportFunc("provider", "fn", funcType([]byte{i32, i32}, []byte{i32}))
	b.addImportFunc("provider", "bad", funcType([]byte{0x7e}, []byte{0x7e}))
	b.withTable(1)
	b.withActiveElem(0) // slot 0 starts as provider.fn

	var body []byte
	body = append(body, 0x20, 0x01, 0x20, 0x02) // a, b
	body = append(body, 0x20, 0x00)             // elem index
	body = append(body, 0x11, 0x00, 0x00)       // call_indirect type 0, table 0
	useIdx := b.addFunc(funcType([]byte{i32, i32, i32}, []byte{i32}), []byte{0x00}, body)
	b.exportFunc("use_table", useIdx+2)

	swap := []byte{
		0x41, 0x00, // i32.const 0
		0xd2, 0x01, // ref.func provider.bad
		0x26, 0x00, // table.set 0
	}
	swapIdx := b.addFunc(funcType(nil, nil), []byte{0x00}, swap)
	b.exportFunc("swap", swapIdx+2)
	return b.build()
}

func TestCallIndirectTypeMismatchAfterSwap(t *testing.T) {
	eachConfig(t, func(t *testing.T, rc *RuntimeConfig) {
		ctx := context.Background()
		r := NewRuntimeWithConfig(ctx, rc)
		defer r.Close(ctx)

		// The provider exports both the matching add and a (i64)->i64
		// function under "bad".
		b := &binBuilder{}
		addIdx := b.addFunc(funcType([]byte{i32, i32}, []byte{i32}),
			[]byte{0x00}, []byte{0x20, 0x00, 0x20, 0x01, 0x6a})
		b.exportFunc("fn", addIdx)
		badIdx := b.addFunc(funcType([]byte{0x7e}, []byte{0x7e}),
			[]byte{0x00}, []byte{0x20, 0x00})
		b.exportFunc("bad", badIdx)
		_, err := r.InstantiateWithConfig(ctx, b.build(), NewModuleConfig().WithName("provider"))
		require.NoError(t, err)

		user, err := r.InstantiateWithConfig(ctx, swapUserModule(), NewModuleConfig())
		require.NoError(t, err)

		res, err := user.ExportedFunction("use_table").Call(ctx, 0, 3, 4)
		require.NoError(t, err)
		require.Equal(t, uint64(7), res[0])

		// Replace the slot's funcref with the (i64)->i64 one: the next
		// call_indirect resolves a live function whose global type ID no
		// longer matches the call site, and must trap at run time.
		_, err = user.ExportedFunction("swap").Call(ctx)
		require.NoError(t, err)

		_, err = user.ExportedFunction("use_table").Call(ctx, 0, 3, 4)
		require.ErrorIs(t, err, wasmruntime.ErrRuntimeIndirectCallTypeMismatch)
	})
}

func TestCrossModuleImportTypeMismatch(t *testing.T) {
	ctx := context.Background()
	r := NewRuntime(ctx)
	defer r.Close(ctx)

	// The provider exports (i64)->i64 under the name the user imports as
	// (i32,i32)->i32: resolution fails at link time, before any call.
	b := &binBuilder{}
	idx := b.addFunc(funcType([]byte{0x7e}, []byte{0x7e}), []byte{0x00}, []byte{0x20, 0x00})
	b.exportFunc("fn", idx)
	_, err := r.InstantiateWithConfig(ctx, b.build(), NewModuleConfig().WithName("provider"))
	require.NoError(t, err)

	_, err = r.InstantiateWithConfig(ctx, useTableModule(), NewModuleConfig())
	require.Error(t, err)
}

func TestImportNotFound(t *testing.T) {
	ctx := context.Background()
	r := NewRuntime(ctx)
	defer r.Close(ctx)
	_, err := r.InstantiateWithConfig(ctx, useTableModule(), NewModuleConfig())
	require.Error(t, err)
}
