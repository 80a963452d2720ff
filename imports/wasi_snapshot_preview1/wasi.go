// Package wasi_snapshot_preview1 contains Go implementations of the
// "wasi_snapshot_preview1" host module, gated by a capability set the
// embedder (or the CLI's --allow-* flags) grants at instantiation.
package wasi_snapshot_preview1

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/shoalwasm/shoal/api"
	"github.com/shoalwasm/shoal/internal/wasm"
)

// ModuleName is the import module name WASI Preview 1 binaries use.
const ModuleName = "wasi_snapshot_preview1"

// ErrCapabilityDenied is surfaced (wrapped) by any syscall invoked without
// its required capability; the invocation fails rather than returning an
// errno, so a sandboxed module cannot probe around a denial.
var ErrCapabilityDenied = errors.New("wasi capability denied")

// Capabilities gates syscall families. The zero value denies everything.
type Capabilities uint32

const (
	CapStdio Capabilities = 1 << iota
	CapFSRead
	CapFSWrite
	CapEnviron
	CapPath
	CapClock
	CapRandom
	CapProc

	CapAll = CapStdio | CapFSRead | CapFSWrite | CapEnviron | CapPath | CapClock | CapRandom | CapProc

	// CapDefault is what Module.load_wasi-style entry points grant: stdio,
	// clock, random and proc_exit.
	CapDefault = CapStdio | CapClock | CapRandom | CapProc
)

// Errno values (the subset this implementation returns).
const (
	ErrnoSuccess uint32 = 0
	ErrnoBadf    uint32 = 8
	ErrnoFault   uint32 = 21
	ErrnoInval   uint32 = 28
	ErrnoIo      uint32 = 29
	ErrnoNoent   uint32 = 44
	ErrnoNosys   uint32 = 52
	ErrnoNotsup  uint32 = 58
)

// Preopen is one host directory exposed to the module (the CLI's --dir).
type Preopen struct {
	GuestPath string
	HostPath  string
}

// SysContext carries the per-instance WASI state; it hangs off
// wasm.ModuleInstance.Sys.
type SysContext struct {
	Caps Capabilities

	Args    []string
	Environ []string // KEY=VALUE entries

	Stdin          io.Reader
	Stdout, Stderr io.Writer

	Preopens []Preopen

	// Walltime returns nanoseconds since the epoch; overridable for
	// deterministic tests.
	Walltime func() int64

	// RandSource fills b with random bytes.
	RandSource func(b []byte) error

	exitCode    uint32
	exited      bool
	openFiles   map[uint32]*openFile
	nextFd      uint32
}

// ExitCode returns the proc_exit code, if the module exited through it.
func (s *SysContext) ExitCode() (uint32, bool) { return s.exitCode, s.exited }

type openFile struct {
	name   string
	reader io.Reader
	writer io.Writer
	closer io.Closer
}

// NewSysContext returns a context with the given capabilities and sensible
// zero defaults (no args, empty environ, UTC walltime).
func NewSysContext(caps Capabilities) *SysContext {
	return &SysContext{
		Caps:     caps,
		Walltime: func() int64 { return time.Now().UnixNano() },
		openFiles: map[uint32]*openFile{},
		nextFd:    preopenFdBase,
	}
}

// preopenFdBase is the first fd number handed to preopened directories,
// after stdin/stdout/stderr.
const preopenFdBase = 3

func (s *SysContext) require(c Capabilities, name string) {
	if s.Caps&c == 0 {
		panic(&deniedError{syscall: name})
	}
}

type deniedError struct{ syscall string }

func (e *deniedError) Error() string { return "wasi: " + e.syscall + ": capability denied" }
func (e *deniedError) Unwrap() error { return ErrCapabilityDenied }

// MustInstantiate registers the WASI host module into the store, panicking
// on registration failure (duplicate registration is the only cause).
func MustInstantiate(store *wasm.Store) {
	if err := Instantiate(store); err != nil {
		panic(err)
	}
}

// Instantiate registers the "wasi_snapshot_preview1" host module.
func Instantiate(store *wasm.Store) error {
	i32 := api.ValueTypeI32
	i64 := api.ValueTypeI64
	fns := []*wasm.HostFunc{
		{Name: "args_get", ParamTypes: []api.ValueType{i32, i32}, ResultTypes: []api.ValueType{i32}, Fn: hostFn(argsGet)},
		{Name: "args_sizes_get", ParamTypes: []api.ValueType{i32, i32}, ResultTypes: []api.ValueType{i32}, Fn: hostFn(argsSizesGet)},
		{Name: "environ_get", ParamTypes: []api.ValueType{i32, i32}, ResultTypes: []api.ValueType{i32}, Fn: hostFn(environGet)},
		{Name: "environ_sizes_get", ParamTypes: []api.ValueType{i32, i32}, ResultTypes: []api.ValueType{i32}, Fn: hostFn(environSizesGet)},
		{Name: "clock_time_get", ParamTypes: []api.ValueType{i32, i64, i32}, ResultTypes: []api.ValueType{i32}, Fn: hostFn(clockTimeGet)},
		{Name: "random_get", ParamTypes: []api.ValueType{i32, i32}, ResultTypes: []api.ValueType{i32}, Fn: hostFn(randomGet)},
		{Name: "fd_write", ParamTypes: []api.ValueType{i32, i32, i32, i32}, ResultTypes: []api.ValueType{i32}, Fn: hostFn(fdWrite)},
		{Name: "fd_read", ParamTypes: []api.ValueType{i32, i32, i32, i32}, ResultTypes: []api.ValueType{i32}, Fn: hostFn(fdRead)},
		{Name: "fd_close", ParamTypes: []api.ValueType{i32}, ResultTypes: []api.ValueType{i32}, Fn: hostFn(fdClose)},
		{Name: "fd_seek", ParamTypes: []api.ValueType{i32, i64, i32, i32}, ResultTypes: []api.ValueType{i32}, Fn: hostFn(fdSeek)},
		{Name: "fd_fdstat_get", ParamTypes: []api.ValueType{i32, i32}, ResultTypes: []api.ValueType{i32}, Fn: hostFn(fdFdstatGet)},
		{Name: "fd_prestat_get", ParamTypes: []api.ValueType{i32, i32}, ResultTypes: []api.ValueType{i32}, Fn: hostFn(fdPrestatGet)},
		{Name: "fd_prestat_dir_name", ParamTypes: []api.ValueType{i32, i32, i32}, ResultTypes: []api.ValueType{i32}, Fn: hostFn(fdPrestatDirName)},
		{Name: "path_open", ParamTypes: []api.ValueType{i32, i32, i32, i32, i32, i64, i64, i32, i32}, ResultTypes: []api.ValueType{i32}, Fn: hostFn(pathOpen)},
		{Name: "poll_oneoff", ParamTypes: []api.ValueType{i32, i32, i32, i32}, ResultTypes: []api.ValueType{i32}, Fn: hostFn(pollOneoff)},
		{Name: "sched_yield", ParamTypes: nil, ResultTypes: []api.ValueType{i32}, Fn: hostFn(schedYield)},
		{Name: "proc_exit", ParamTypes: []api.ValueType{i32}, ResultTypes: nil, Fn: api.GoModuleFunction(procExit)},
	}
	_, err := store.RegisterHostModule(ModuleName, fns)
	return err
}

// hostFn adapts an errno-returning syscall body to the operand-stack
// convention: parameters in, one errno out at stack[0].
func hostFn(f func(sys *SysContext, mod api.Module, params []uint64) uint32) api.GoModuleFunc {
	return api.GoModuleFunction(func(ctx context.Context, mod api.Module, stack []uint64) {
		sys := sysOf(mod)
		stack[0] = uint64(f(sys, mod, stack))
	})
}

func sysOf(mod api.Module) *SysContext {
	mi := mod.(*wasm.ModuleInstance)
	if s, ok := mi.Sys.(*SysContext); ok {
		return s
	}
	// A module instantiated without WASI wiring importing WASI anyway: an
	// empty, all-denying context.
	s := NewSysContext(0)
	mi.Sys = s
	return s
}
