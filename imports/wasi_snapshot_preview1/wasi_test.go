package wasi_snapshot_preview1

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shoalwasm/shoal/internal/wasm"
)

func testMemoryModule(t *testing.T) *wasm.ModuleInstance {
	t.Helper()
	mem, err := wasm.NewMemoryInstance(&wasm.MemoryType{
		Limits:       wasm.Limits{Min: 1},
		PageSizeLog2: wasm.DefaultPageSizeLog2,
	}, 1)
	require.NoError(t, err)
	return &wasm.ModuleInstance{Memories: []*wasm.MemoryInstance{mem}}
}

func TestArgsLayout(t *testing.T) {
	mod := testMemoryModule(t)
	s := NewSysContext(CapAll)
	s.Args = []string{"a", "bc"}
	mod.Sys = s

	errno := argsSizesGet(s, mod, []uint64{0, 4})
	require.Equal(t, ErrnoSuccess, errno)
	argc, _ := mod.Memory().ReadUint32Le(0)
	bufLen, _ := mod.Memory().ReadUint32Le(4)
	require.Equal(t, uint32(2), argc)
	require.Equal(t, uint32(5), bufLen) // "a\0bc\0"

	errno = argsGet(s, mod, []uint64{16, 32})
	require.Equal(t, ErrnoSuccess, errno)
	off0, _ := mod.Memory().ReadUint32Le(16)
	off1, _ := mod.Memory().ReadUint32Le(20)
	require.Equal(t, uint32(32), off0)
	require.Equal(t, uint32(34), off1)
	raw, _ := mod.Memory().Read(32, 5)
	require.Equal(t, []byte{'a', 0, 'b', 'c', 0}, raw)
}

func TestCapabilityDenialUnwinds(t *testing.T) {
	mod := testMemoryModule(t)
	s := NewSysContext(0)
	mod.Sys = s

	defer func() {
		r := recover()
		require.NotNil(t, r, "a denied syscall must unwind, not return an errno")
		err, ok := r.(error)
		require.True(t, ok)
		require.True(t, errors.Is(err, ErrCapabilityDenied))
	}()
	clockTimeGet(s, mod, []uint64{0, 0, 8})
}

func TestEnvironSizesWithoutCapabilityReportEmpty(t *testing.T) {
	mod := testMemoryModule(t)
	s := NewSysContext(0)
	s.Environ = []string{"SECRET=x"}
	mod.Sys = s

	errno := environSizesGet(s, mod, []uint64{0, 4})
	require.Equal(t, ErrnoSuccess, errno)
	count, _ := mod.Memory().ReadUint32Le(0)
	require.Zero(t, count)
}

func TestFdWriteBadFd(t *testing.T) {
	mod := testMemoryModule(t)
	s := NewSysContext(CapAll)
	mod.Sys = s
	errno := fdWrite(s, mod, []uint64{42, 0, 0, 8})
	require.Equal(t, ErrnoBadf, errno)
}
