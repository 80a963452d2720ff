package shoal

import (
	"io"

	"github.com/shoalwasm/shoal/imports/wasi_snapshot_preview1"
	"github.com/shoalwasm/shoal/internal/engine/compiler"
	"github.com/shoalwasm/shoal/internal/engine/interpreter"
	"github.com/shoalwasm/shoal/internal/platform"
	"github.com/shoalwasm/shoal/internal/wasm"
	"github.com/shoalwasm/shoal/internal/wasm/binary"
)

// RuntimeConfig selects the engine and the feature/resource envelope of a
// Runtime. The zero value is unusable; construct through one of the
// NewRuntimeConfig functions, then chain With methods.
type RuntimeConfig struct {
	enabledFeatures    wasm.Features
	useCompiler        bool
	memoryCeilingPages uint64
	callStackCeiling   int
}

// NewRuntimeConfig returns the default configuration: the tiered compiler
// engine where the platform has a backend, the interpreter elsewhere.
func NewRuntimeConfig() *RuntimeConfig {
	if platform.CompilerSupported() {
		return NewRuntimeConfigCompiler()
	}
	return NewRuntimeConfigInterpreter()
}

// NewRuntimeConfigCompiler selects the tiered engine (register interpreter
// plus native JIT, stack interpreter as fallback).
func NewRuntimeConfigCompiler() *RuntimeConfig {
	return &RuntimeConfig{enabledFeatures: wasm.FeaturesDefault, useCompiler: true}
}

// NewRuntimeConfigInterpreter selects the stack interpreter for every
// function.
func NewRuntimeConfigInterpreter() *RuntimeConfig {
	return &RuntimeConfig{enabledFeatures: wasm.FeaturesDefault}
}

// WithFeatures replaces the accepted proposal set.
func (c *RuntimeConfig) WithFeatures(f wasm.Features) *RuntimeConfig {
	c.enabledFeatures = f
	return c
}

// WithMemoryLimitPages caps every memory's growth, overriding a module's
// larger (or absent) declared maximum.
func (c *RuntimeConfig) WithMemoryLimitPages(pages uint64) *RuntimeConfig {
	c.memoryCeilingPages = pages
	return c
}

// WithCallStackCeiling bounds call depth; the default is 1024 frames.
func (c *RuntimeConfig) WithCallStackCeiling(depth int) *RuntimeConfig {
	c.callStackCeiling = depth
	return c
}

func (c *RuntimeConfig) newEngine() wasm.Engine {
	if c.useCompiler {
		return compiler.NewEngine(c.enabledFeatures)
	}
	return interpreter.NewEngine(c.enabledFeatures)
}

func (c *RuntimeConfig) decodeConfig() binary.DecodeConfig {
	return binary.DefaultDecodeConfig()
}

// ModuleConfig carries the per-instantiation knobs: the registered name,
// WASI wiring (capabilities, args, environment, stdio, preopens).
type ModuleConfig struct {
	name string

	withWASI bool
	caps     wasi_snapshot_preview1.Capabilities
	args     []string
	environ  []string
	stdin    io.Reader
	stdout   io.Writer
	stderr   io.Writer
	preopens []wasi_snapshot_preview1.Preopen
}

// NewModuleConfig returns a config with WASI off; chain WithWASI (or
// WithWASIDefaults) to wire host I/O.
func NewModuleConfig() *ModuleConfig {
	return &ModuleConfig{}
}

// WithName registers the instance under name, making its exports
// importable by later instantiations.
func (c *ModuleConfig) WithName(name string) *ModuleConfig {
	c.name = name
	return c
}

// WithWASI wires the wasi_snapshot_preview1 host module with the given
// capability set.
func (c *ModuleConfig) WithWASI(caps wasi_snapshot_preview1.Capabilities) *ModuleConfig {
	c.withWASI = true
	c.caps = caps
	return c
}

// WithWASIDefaults is WithWASI with the stdio/clock/random/proc set and
// the process's stdio.
func (c *ModuleConfig) WithWASIDefaults() *ModuleConfig {
	return c.WithWASI(wasi_snapshot_preview1.CapDefault).
		WithStdout(defaultStdout).WithStderr(defaultStderr)
}

// WithArgs sets the argv reported by args_get; args[0] is conventionally
// the program name.
func (c *ModuleConfig) WithArgs(args ...string) *ModuleConfig {
	c.args = args
	return c
}

// WithEnv appends one KEY=VALUE environment entry.
func (c *ModuleConfig) WithEnv(key, value string) *ModuleConfig {
	c.environ = append(c.environ, key+"="+value)
	return c
}

func (c *ModuleConfig) WithStdin(r io.Reader) *ModuleConfig {
	c.stdin = r
	return c
}

func (c *ModuleConfig) WithStdout(w io.Writer) *ModuleConfig {
	c.stdout = w
	return c
}

func (c *ModuleConfig) WithStderr(w io.Writer) *ModuleConfig {
	c.stderr = w
	return c
}

// WithPreopen exposes hostPath to the module under guestPath.
func (c *ModuleConfig) WithPreopen(guestPath, hostPath string) *ModuleConfig {
	c.preopens = append(c.preopens, wasi_snapshot_preview1.Preopen{GuestPath: guestPath, HostPath: hostPath})
	return c
}

func (c *ModuleConfig) newSysContext() *wasi_snapshot_preview1.SysContext {
	caps := c.caps
	if !c.withWASI {
		caps = 0
	}
	s := wasi_snapshot_preview1.NewSysContext(caps)
	s.Args = c.args
	s.Environ = c.environ
	s.Stdin = c.stdin
	s.Stdout = c.stdout
	s.Stderr = c.stderr
	s.Preopens = c.preopens
	s.RandSource = defaultRandSource
	return s
}
