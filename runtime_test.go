package shoal

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	wasi "github.com/shoalwasm/shoal/imports/wasi_snapshot_preview1"
	"github.com/shoalwasm/shoal/internal/leb128"
	"github.com/shoalwasm/shoal/internal/wasmruntime"
	"github.com/shoalwasm/shoal/sys"
)

// binBuilder assembles a minimal Wasm binary for tests: one type per
// function, locally-defined functions only, optional memory/data.
type binBuilder struct {
	types   [][]byte // encoded functype
	funcs   []uint32 // type index per function
	codes   [][]byte // encoded locals+body per function
	exports []byte
	nExport uint32
	memory  []byte
	table   []byte
	elem    []byte
	nElem   uint32
	data    []byte
	nData   uint32
	imports []byte
	nImport uint32
}

func funcType(params, results []byte) []byte {
	out := []byte{0x60, byte(len(params))}
	out = append(out, params...)
	out = append(out, byte(len(results)))
	return append(out, results...)
}

const i32 = 0x7f

func (b *binBuilder) addFunc(typ []byte, localDecls []byte, body []byte) uint32 {
	b.types = append(b.types, typ)
	typeIdx := uint32(len(b.types) - 1)
	b.funcs = append(b.funcs, typeIdx)
	code := append([]byte{}, localDecls...)
	code = append(code, body...)
	code = append(code, 0x0b) // end
	sized := leb128.EncodeUint32(uint32(len(code)))
	b.codes = append(b.codes, append(sized, code...))
	return uint32(len(b.funcs) - 1)
}

func (b *binBuilder) addImportFunc(module, name string, typ []byte) {
	b.types = append(b.types, typ)
	typeIdx := uint32(len(b.types) - 1)
	b.imports = append(b.imports, byte(len(module)))
	b.imports = append(b.imports, module...)
	b.imports = append(b.imports, byte(len(name)))
	b.imports = append(b.imports, name...)
	b.imports = append(b.imports, 0x00) // func
	b.imports = append(b.imports, leb128.EncodeUint32(typeIdx)...)
	b.nImport++
}

func (b *binBuilder) exportFunc(name string, funcIdx uint32) {
	b.exports = append(b.exports, byte(len(name)))
	b.exports = append(b.exports, name...)
	b.exports = append(b.exports, 0x00)
	b.exports = append(b.exports, leb128.EncodeUint32(funcIdx)...)
	b.nExport++
}

func (b *binBuilder) withMemory(minPages uint32) {
	b.memory = append([]byte{0x00}, leb128.EncodeUint32(minPages)...)
}

func (b *binBuilder) withActiveData(offset uint32, data []byte) {
	seg := []byte{0x00, 0x41} // active, i32.const
	seg = append(seg, leb128.EncodeInt32(int32(offset))...)
	seg = append(seg, 0x0b, byte(len(data)))
	seg = append(seg, data...)
	b.data = append(b.data, seg...)
	b.nData++
}

func section(id byte, count uint32, payload []byte) []byte {
	body := append(leb128.EncodeUint32(count), payload...)
	out := []byte{id}
	out = append(out, leb128.EncodeUint32(uint32(len(body)))...)
	return append(out, body...)
}

func (b *binBuilder) build() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	out = append(out, section(1, uint32(len(b.types)), bytes.Join(b.types, nil))...)
	if b.nImport > 0 {
		out = append(out, section(2, b.nImport, b.imports)...)
	}
	var funcSec []byte
	for _, t := range b.funcs {
		funcSec = append(funcSec, leb128.EncodeUint32(t)...)
	}
	out = append(out, section(3, uint32(len(b.funcs)), funcSec)...)
	if b.table != nil {
		out = append(out, section(4, 1, b.table)...)
	}
	if b.memory != nil {
		out = append(out, section(5, 1, b.memory)...)
	}
	if b.nExport > 0 {
		out = append(out, section(7, b.nExport, b.exports)...)
	}
	if b.nElem > 0 {
		out = append(out, section(9, b.nElem, b.elem)...)
	}
	out = append(out, section(10, uint32(len(b.codes)), bytes.Join(b.codes, nil))...)
	if b.nData > 0 {
		out = append(out, section(11, b.nData, b.data)...)
	}
	return out
}

// i32Const encodes i32.const v.
func i32Const(v int32) []byte {
	return append([]byte{0x41}, leb128.EncodeInt32(v)...)
}

// fibWasm is fib(n) = n < 2 ? n : fib(n-1)+fib(n-2), exported as "fib".
func fibWasm(t *testing.T) []byte {
	b := &binBuilder{}
	body := []byte{0x20, 0x00} // local.get 0
	body = append(body, i32Const(2)...)
	body = append(body, 0x48)             // i32.lt_s
	body = append(body, 0x04, i32)        // if (result i32)
	body = append(body, 0x20, 0x00)       // local.get 0
	body = append(body, 0x05)             // else
	body = append(body, 0x20, 0x00)       // local.get 0
	body = append(body, i32Const(1)...)   // i32.const 1
	body = append(body, 0x6b, 0x10, 0x00) // i32.sub; call 0
	body = append(body, 0x20, 0x00)
	body = append(body, i32Const(2)...)
	body = append(body, 0x6b, 0x10, 0x00)
	body = append(body, 0x6a) // i32.add
	body = append(body, 0x0b) // end (if)
	idx := b.addFunc(funcType([]byte{i32}, []byte{i32}), []byte{0x00}, body)
	b.exportFunc("fib", idx)
	return b.build()
}

// takWasm is the Takeuchi function: tak(x,y,z) = z unless y < x, else
// tak(tak(x-1,y,z), tak(y-1,z,x), tak(z-1,x,y)). Exported as "tak".
func takWasm(t *testing.T) []byte {
	b := &binBuilder{}
	var body []byte
	body = append(body, 0x20, 0x01, 0x20, 0x00, 0x48) // y < x
	body = append(body, 0x04, i32)                    // if (result i32)
	body = append(body, 0x20, 0x00)
	body = append(body, i32Const(1)...)
	body = append(body, 0x6b)                   // x-1
	body = append(body, 0x20, 0x01, 0x20, 0x02) // y, z
	body = append(body, 0x10, 0x00)             // tak(x-1, y, z)
	body = append(body, 0x20, 0x01)
	body = append(body, i32Const(1)...)
	body = append(body, 0x6b)
	body = append(body, 0x20, 0x02, 0x20, 0x00)
	body = append(body, 0x10, 0x00) // tak(y-1, z, x)
	body = append(body, 0x20, 0x02)
	body = append(body, i32Const(1)...)
	body = append(body, 0x6b)
	body = append(body, 0x20, 0x00, 0x20, 0x01)
	body = append(body, 0x10, 0x00) // tak(z-1, x, y)
	body = append(body, 0x10, 0x00) // tak of the three results
	body = append(body, 0x05)       // else
	body = append(body, 0x20, 0x02) // z
	body = append(body, 0x0b)       // end (if)
	idx := b.addFunc(funcType([]byte{i32, i32, i32}, []byte{i32}), []byte{0x00}, body)
	b.exportFunc("tak", idx)
	return b.build()
}

// sieveWasm counts primes below n with byte flags in linear memory,
// exported as "sieve". Locals: i, j, count.
func sieveWasm(t *testing.T) []byte {
	b := &binBuilder{}
	b.withMemory(16) // 1MiB of flags covers n = 1_000_000
	var body []byte
	body = append(body, i32Const(2)...)
	body = append(body, 0x21, 0x01) // i = 2
	body = append(body, 0x02, 0x40) // block
	body = append(body, 0x03, 0x40) // loop
	body = append(body, 0x20, 0x01, 0x20, 0x00, 0x4e) // i >= n
	body = append(body, 0x0d, 0x01)                   // br_if 1
	body = append(body, 0x20, 0x01, 0x2d, 0x00, 0x00) // i32.load8_u flags[i]
	body = append(body, 0x45)                         // i32.eqz: still unmarked?
	body = append(body, 0x04, 0x40)                   // if
	body = append(body, 0x20, 0x03)
	body = append(body, i32Const(1)...)
	body = append(body, 0x6a, 0x21, 0x03)                   // count++
	body = append(body, 0x20, 0x01, 0x20, 0x01, 0x6a, 0x21, 0x02) // j = i+i
	body = append(body, 0x02, 0x40)                         // block
	body = append(body, 0x03, 0x40)                         // loop
	body = append(body, 0x20, 0x02, 0x20, 0x00, 0x4e)       // j >= n
	body = append(body, 0x0d, 0x01)                         // br_if 1
	body = append(body, 0x20, 0x02)
	body = append(body, i32Const(1)...)
	body = append(body, 0x3a, 0x00, 0x00)                   // i32.store8 flags[j] = 1
	body = append(body, 0x20, 0x02, 0x20, 0x01, 0x6a, 0x21, 0x02) // j += i
	body = append(body, 0x0c, 0x00)                         // br 0
	body = append(body, 0x0b, 0x0b)                         // end loop, end block
	body = append(body, 0x0b)                               // end if
	body = append(body, 0x20, 0x01)
	body = append(body, i32Const(1)...)
	body = append(body, 0x6a, 0x21, 0x01) // i++
	body = append(body, 0x0c, 0x00)       // br 0
	body = append(body, 0x0b, 0x0b)       // end loop, end block
	body = append(body, 0x20, 0x03)       // count
	idx := b.addFunc(funcType([]byte{i32}, []byte{i32}), []byte{0x01, 0x03, i32}, body)
	b.exportFunc("sieve", idx)
	return b.build()
}

// nqueensWasm counts n-queens solutions with the bitmask recursion,
// exported as "nqueens". Function 0 is the solver: solve(cols, d1, d2,
// all); locals count, avail, bit.
func nqueensWasm(t *testing.T) []byte {
	b := &binBuilder{}
	var solve []byte
	solve = append(solve, 0x20, 0x00, 0x20, 0x03, 0x46) // cols == all
	solve = append(solve, 0x04, i32)                    // if (result i32)
	solve = append(solve, i32Const(1)...)               // a full board is one solution
	solve = append(solve, 0x05) // else
	solve = append(solve, 0x20, 0x03)
	solve = append(solve, 0x20, 0x00, 0x20, 0x01, 0x72, 0x20, 0x02, 0x72) // cols|d1|d2
	solve = append(solve, i32Const(-1)...)
	solve = append(solve, 0x73)             // invert
	solve = append(solve, 0x71, 0x21, 0x05) // avail = all & ^(cols|d1|d2)
	solve = append(solve, 0x02, 0x40)       // block
	solve = append(solve, 0x03, 0x40)       // loop
	solve = append(solve, 0x20, 0x05, 0x45, 0x0d, 0x01) // avail == 0: br_if 1
	solve = append(solve, 0x20, 0x05)
	solve = append(solve, i32Const(0)...)
	solve = append(solve, 0x20, 0x05, 0x6b)
	solve = append(solve, 0x71, 0x21, 0x06)                   // bit = avail & -avail
	solve = append(solve, 0x20, 0x05, 0x20, 0x06, 0x73, 0x21, 0x05) // avail ^= bit
	solve = append(solve, 0x20, 0x04)
	solve = append(solve, 0x20, 0x00, 0x20, 0x06, 0x72) // cols|bit
	solve = append(solve, 0x20, 0x01, 0x20, 0x06, 0x72)
	solve = append(solve, i32Const(1)...)
	solve = append(solve, 0x74) // (d1|bit)<<1
	solve = append(solve, 0x20, 0x02, 0x20, 0x06, 0x72)
	solve = append(solve, i32Const(1)...)
	solve = append(solve, 0x76)       // (d2|bit)>>1
	solve = append(solve, 0x20, 0x03) // all
	solve = append(solve, 0x10, 0x00) // recurse
	solve = append(solve, 0x6a, 0x21, 0x04) // count += ...
	solve = append(solve, 0x0c, 0x00) // br 0
	solve = append(solve, 0x0b, 0x0b) // end loop, end block
	solve = append(solve, 0x20, 0x04)
	solve = append(solve, 0x0b) // end (if)
	solveIdx := b.addFunc(funcType([]byte{i32, i32, i32, i32}, []byte{i32}),
		[]byte{0x01, 0x03, i32}, solve)

	var main []byte
	main = append(main, i32Const(0)...)
	main = append(main, i32Const(0)...)
	main = append(main, i32Const(0)...)
	main = append(main, i32Const(1)...)
	main = append(main, 0x20, 0x00, 0x74) // 1 << n
	main = append(main, i32Const(1)...)
	main = append(main, 0x6b)                      // all = (1<<n)-1
	main = append(main, 0x10, byte(solveIdx))      // call solve
	mainIdx := b.addFunc(funcType([]byte{i32}, []byte{i32}), []byte{0x00}, main)
	b.exportFunc("nqueens", mainIdx)
	return b.build()
}

// sumWasm sums 0..n-1 with a loop, exercising back-edges.
func sumWasm(t *testing.T) []byte {
	b := &binBuilder{}
	var body []byte
	body = append(body, 0x02, 0x40) // block
	body = append(body, 0x03, 0x40) // loop
	body = append(body, 0x20, 0x01, 0x20, 0x00, 0x4f) // local.get 1; local.get 0; i32.ge_u
	body = append(body, 0x0d, 0x01)                   // br_if 1
	body = append(body, 0x20, 0x02, 0x20, 0x01, 0x6a, 0x21, 0x02) // acc += i
	body = append(body, 0x20, 0x01)
	body = append(body, i32Const(1)...)
	body = append(body, 0x6a, 0x21, 0x01) // i++
	body = append(body, 0x0c, 0x00)       // br 0
	body = append(body, 0x0b, 0x0b)       // end loop, end block
	body = append(body, 0x20, 0x02)       // local.get 2
	idx := b.addFunc(funcType([]byte{i32}, []byte{i32}), []byte{0x01, 0x02, i32}, body)
	b.exportFunc("sum", idx)
	return b.build()
}

// memWasm stores then loads an i32 at a parameterized address.
func memWasm(t *testing.T) []byte {
	b := &binBuilder{}
	b.withMemory(1)
	var body []byte
	body = append(body, 0x20, 0x00, 0x20, 0x01) // local.get 0; local.get 1
	body = append(body, 0x36, 0x02, 0x00)       // i32.store align=2 offset=0
	body = append(body, 0x20, 0x00)
	body = append(body, 0x28, 0x02, 0x00) // i32.load
	idx := b.addFunc(funcType([]byte{i32, i32}, []byte{i32}), []byte{0x00}, body)
	b.exportFunc("roundtrip", idx)

	var oob []byte
	oob = append(oob, i32Const(-16)...)   // address 0xFFFF_FFF0
	oob = append(oob, 0x28, 0x02, 0x00)   // i32.load
	oobIdx := b.addFunc(funcType(nil, []byte{i32}), []byte{0x00}, oob)
	b.exportFunc("oob", oobIdx)
	return b.build()
}

func eachConfig(t *testing.T, f func(t *testing.T, rc *RuntimeConfig)) {
	t.Run("interpreter", func(t *testing.T) { f(t, NewRuntimeConfigInterpreter()) })
	t.Run("compiler", func(t *testing.T) { f(t, NewRuntimeConfigCompiler()) })
}

func TestFib(t *testing.T) {
	bin := fibWasm(t)
	eachConfig(t, func(t *testing.T, rc *RuntimeConfig) {
		ctx := context.Background()
		r := NewRuntimeWithConfig(ctx, rc)
		defer r.Close(ctx)
		mod, err := r.InstantiateWithConfig(ctx, bin, NewModuleConfig())
		require.NoError(t, err)

		fib := mod.ExportedFunction("fib")
		require.NotNil(t, fib)
		// Enough calls to cross the call-count promotion threshold.
		for i := 0; i < 12; i++ {
			res, err := fib.Call(ctx, 20)
			require.NoError(t, err)
			require.Equal(t, uint64(6765), res[0])
		}
		res, err := fib.Call(ctx, 35)
		require.NoError(t, err)
		require.Equal(t, uint64(9227465), res[0])
	})
}

func TestSieve(t *testing.T) {
	bin := sieveWasm(t)
	eachConfig(t, func(t *testing.T, rc *RuntimeConfig) {
		ctx := context.Background()
		r := NewRuntimeWithConfig(ctx, rc)
		defer r.Close(ctx)
		mod, err := r.InstantiateWithConfig(ctx, bin, NewModuleConfig())
		require.NoError(t, err)

		res, err := mod.ExportedFunction("sieve").Call(ctx, 1_000_000)
		require.NoError(t, err)
		require.Equal(t, uint64(78498), res[0])
	})
}

func TestNQueens(t *testing.T) {
	bin := nqueensWasm(t)
	eachConfig(t, func(t *testing.T, rc *RuntimeConfig) {
		ctx := context.Background()
		r := NewRuntimeWithConfig(ctx, rc)
		defer r.Close(ctx)
		mod, err := r.InstantiateWithConfig(ctx, bin, NewModuleConfig())
		require.NoError(t, err)

		res, err := mod.ExportedFunction("nqueens").Call(ctx, 8)
		require.NoError(t, err)
		require.Equal(t, uint64(92), res[0])
	})
}

func TestTak(t *testing.T) {
	bin := takWasm(t)
	eachConfig(t, func(t *testing.T, rc *RuntimeConfig) {
		ctx := context.Background()
		r := NewRuntimeWithConfig(ctx, rc)
		defer r.Close(ctx)
		mod, err := r.InstantiateWithConfig(ctx, bin, NewModuleConfig())
		require.NoError(t, err)

		res, err := mod.ExportedFunction("tak").Call(ctx, 24, 16, 8)
		require.NoError(t, err)
		require.Equal(t, uint64(9), res[0])
	})
}

func TestLoopSum(t *testing.T) {
	bin := sumWasm(t)
	eachConfig(t, func(t *testing.T, rc *RuntimeConfig) {
		ctx := context.Background()
		r := NewRuntimeWithConfig(ctx, rc)
		defer r.Close(ctx)
		mod, err := r.InstantiateWithConfig(ctx, bin, NewModuleConfig())
		require.NoError(t, err)

		// 5000 iterations crosses the back-edge promotion threshold on the
		// register tier mid-run; results must be identical regardless.
		res, err := mod.ExportedFunction("sum").Call(ctx, 5000)
		require.NoError(t, err)
		require.Equal(t, uint64(5000*4999/2), res[0])
	})
}

func TestMemoryRoundTripAndOOB(t *testing.T) {
	bin := memWasm(t)
	eachConfig(t, func(t *testing.T, rc *RuntimeConfig) {
		ctx := context.Background()
		r := NewRuntimeWithConfig(ctx, rc)
		defer r.Close(ctx)
		mod, err := r.InstantiateWithConfig(ctx, bin, NewModuleConfig())
		require.NoError(t, err)

		res, err := mod.ExportedFunction("roundtrip").Call(ctx, 128, 0xcafe)
		require.NoError(t, err)
		require.Equal(t, uint64(0xcafe), res[0])

		// The guard page turns the wild address into the out-of-bounds
		// trap, with no crash and no state corruption across repeats.
		for i := 0; i < 3; i++ {
			_, err = mod.ExportedFunction("oob").Call(ctx)
			require.ErrorIs(t, err, wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess)
		}
		res, err = mod.ExportedFunction("roundtrip").Call(ctx, 128, 7)
		require.NoError(t, err)
		require.Equal(t, uint64(7), res[0])
	})
}

func TestFuel(t *testing.T) {
	bin := fibWasm(t)
	eachConfig(t, func(t *testing.T, rc *RuntimeConfig) {
		ctx := context.Background()
		r := NewRuntimeWithConfig(ctx, rc)
		defer r.Close(ctx)
		mod, err := r.InstantiateWithConfig(ctx, bin, NewModuleConfig())
		require.NoError(t, err)

		_, err = mod.ExportedFunction("fib").Call(ContextWithFuel(ctx, 1000), 35)
		require.ErrorIs(t, err, wasmruntime.ErrRuntimeFuelExhausted)

		res, err := mod.ExportedFunction("fib").Call(ContextWithFuel(ctx, 1_000_000_000), 35)
		require.NoError(t, err)
		require.Equal(t, uint64(9227465), res[0])
	})
}

func TestDivideByZeroTrap(t *testing.T) {
	b := &binBuilder{}
	body := []byte{0x20, 0x00, 0x20, 0x01, 0x6d} // i32.div_s
	idx := b.addFunc(funcType([]byte{i32, i32}, []byte{i32}), []byte{0x00}, body)
	b.exportFunc("div", idx)
	bin := b.build()

	eachConfig(t, func(t *testing.T, rc *RuntimeConfig) {
		ctx := context.Background()
		r := NewRuntimeWithConfig(ctx, rc)
		defer r.Close(ctx)
		mod, err := r.InstantiateWithConfig(ctx, bin, NewModuleConfig())
		require.NoError(t, err)

		res, err := mod.ExportedFunction("div").Call(ctx, 91, 7)
		require.NoError(t, err)
		require.Equal(t, uint64(13), res[0])

		_, err = mod.ExportedFunction("div").Call(ctx, 1, 0)
		require.ErrorIs(t, err, wasmruntime.ErrRuntimeIntegerDivideByZero)

		_, err = mod.ExportedFunction("div").Call(ctx, uint64(uint32(0x80000000)), uint64(uint32(0xffffffff)))
		require.ErrorIs(t, err, wasmruntime.ErrRuntimeIntegerOverflow)
	})
}

func TestCallStackExhausted(t *testing.T) {
	b := &binBuilder{}
	// Unbounded self-recursion.
	body := []byte{0x20, 0x00, 0x10, 0x00}
	idx := b.addFunc(funcType([]byte{i32}, []byte{i32}), []byte{0x00}, body)
	b.exportFunc("loop", idx)
	bin := b.build()

	ctx := context.Background()
	r := NewRuntimeWithConfig(ctx, NewRuntimeConfigInterpreter())
	defer r.Close(ctx)
	mod, err := r.InstantiateWithConfig(ctx, bin, NewModuleConfig())
	require.NoError(t, err)

	_, err = mod.ExportedFunction("loop").Call(ctx, 1)
	require.ErrorIs(t, err, wasmruntime.ErrRuntimeCallStackOverflow)
}

// wasiHello imports fd_write and writes "Hi!\n" to stdout from _start.
func wasiHello(t *testing.T) []byte {
	b := &binBuilder{}
	b.addImportFunc("wasi_snapshot_preview1", "fd_write",
		funcType([]byte{i32, i32, i32, i32}, []byte{i32}))
	b.withMemory(1)
	// iovec at 0: {offset 8, len 4}; the string at 8.
	b.withActiveData(0, []byte{8, 0, 0, 0, 4, 0, 0, 0})
	b.withActiveData(8, []byte("Hi!\n"))

	var body []byte
	body = append(body, i32Const(1)...)  // fd=1
	body = append(body, i32Const(0)...)  // iovs=0
	body = append(body, i32Const(1)...)  // iovs_count=1
	body = append(body, i32Const(20)...) // result_n at 20
	body = append(body, 0x10, 0x00)      // call fd_write
	body = append(body, 0x1a)            // drop errno
	idx := b.addFunc(funcType(nil, nil), []byte{0x00}, body)
	b.exportFunc("_start", idx+1) // function index space includes the import
	return b.build()
}

func TestWASIHello(t *testing.T) {
	bin := wasiHello(t)
	ctx := context.Background()

	t.Run("stdio allowed", func(t *testing.T) {
		r := NewRuntime(ctx)
		defer r.Close(ctx)
		var stdout strings.Builder
		mod, err := r.InstantiateWithConfig(ctx, bin,
			NewModuleConfig().WithWASI(wasi.CapStdio).WithStdout(&stdout))
		require.NoError(t, err)
		_, err = mod.ExportedFunction("_start").Call(ctx)
		require.NoError(t, err)
		require.Equal(t, "Hi!\n", stdout.String())
	})

	t.Run("stdio denied", func(t *testing.T) {
		r := NewRuntime(ctx)
		defer r.Close(ctx)
		var stdout strings.Builder
		mod, err := r.InstantiateWithConfig(ctx, bin,
			NewModuleConfig().WithWASI(0).WithStdout(&stdout))
		require.NoError(t, err)
		_, err = mod.ExportedFunction("_start").Call(ctx)
		require.Error(t, err)
		require.Empty(t, stdout.String())
	})
}

func TestProcExit(t *testing.T) {
	b := &binBuilder{}
	b.addImportFunc("wasi_snapshot_preview1", "proc_exit", funcType([]byte{i32}, nil))
	var body []byte
	body = append(body, i32Const(3)...)
	body = append(body, 0x10, 0x00) // call proc_exit
	idx := b.addFunc(funcType(nil, nil), []byte{0x00}, body)
	b.exportFunc("_start", idx+1)
	bin := b.build()

	ctx := context.Background()
	r := NewRuntime(ctx)
	defer r.Close(ctx)
	mod, err := r.InstantiateWithConfig(ctx, bin, NewModuleConfig().WithWASIDefaults())
	require.NoError(t, err)
	_, err = mod.ExportedFunction("_start").Call(ctx)
	var exitErr *sys.ExitError
	require.True(t, errors.As(err, &exitErr))
	require.Equal(t, uint32(3), exitErr.ExitCode())

	code, exited := WASIExitCode(mod)
	require.True(t, exited)
	require.Equal(t, uint32(3), code)
}

func TestInvalidWasmRejected(t *testing.T) {
	ctx := context.Background()
	r := NewRuntime(ctx)
	defer r.Close(ctx)
	_, err := r.CompileModule(ctx, []byte{0x00, 0x61, 0x73, 0x6d, 0x02, 0x00, 0x00, 0x00})
	require.Error(t, err)
}

func TestInspectImports(t *testing.T) {
	imports, err := InspectImports(wasiHello(t))
	require.NoError(t, err)
	require.Len(t, imports, 1)
	require.Equal(t, "wasi_snapshot_preview1", imports[0].Module)
	require.Equal(t, "fd_write", imports[0].Name)
	require.Len(t, imports[0].ParamTypes, 4)
}

