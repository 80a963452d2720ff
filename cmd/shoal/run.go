package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shoalwasm/shoal"
	"github.com/shoalwasm/shoal/api"
	wasi "github.com/shoalwasm/shoal/imports/wasi_snapshot_preview1"
	"github.com/shoalwasm/shoal/sys"
)

type runFlags struct {
	invoke    string
	links     []string
	dirs      []string
	envs      []string
	fuel      uint64
	maxMemory uint64

	allowRead, allowWrite, allowEnv, allowPath bool
	allowClock, allowRandom, allowProc         bool
	allowAll, sandbox                          bool
}

func newRunCmd(exit *int) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <module.wasm> [args...]",
		Short: "Instantiate a module and run its _start (or --invoke) export",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRun(cmd.Context(), f, args, exit)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.invoke, "invoke", "", "exported function to call instead of _start")
	fs.StringArrayVar(&f.links, "link", nil, "name=file: instantiate file as an import source named name")
	fs.StringArrayVar(&f.dirs, "dir", nil, "preopen a host directory for WASI")
	fs.StringArrayVar(&f.envs, "env", nil, "KEY=VALUE environment entry")
	fs.Uint64Var(&f.fuel, "fuel", 0, "bound execution to N fuel units (0 = unmetered)")
	fs.Uint64Var(&f.maxMemory, "max-memory", 0, "cap linear memory growth in bytes")
	fs.BoolVar(&f.allowRead, "allow-read", false, "grant file read")
	fs.BoolVar(&f.allowWrite, "allow-write", false, "grant file write")
	fs.BoolVar(&f.allowEnv, "allow-env", false, "grant environment access")
	fs.BoolVar(&f.allowPath, "allow-path", false, "grant path_open")
	fs.BoolVar(&f.allowClock, "allow-clock", false, "grant clock access")
	fs.BoolVar(&f.allowRandom, "allow-random", false, "grant random_get")
	fs.BoolVar(&f.allowProc, "allow-proc", false, "grant proc_exit")
	fs.BoolVar(&f.allowAll, "allow-all", false, "grant every capability")
	fs.BoolVar(&f.sandbox, "sandbox", false, "deny all capabilities, fuel=1e9, memory=256MiB")
	return cmd
}

func (f *runFlags) capabilities() wasi.Capabilities {
	if f.sandbox {
		return 0
	}
	if f.allowAll {
		return wasi.CapAll
	}
	caps := wasi.CapStdio // stdio is granted unless sandboxed
	if f.allowRead {
		caps |= wasi.CapFSRead
	}
	if f.allowWrite {
		caps |= wasi.CapFSWrite
	}
	if f.allowEnv {
		caps |= wasi.CapEnviron
	}
	if f.allowPath {
		caps |= wasi.CapPath
	}
	if f.allowClock {
		caps |= wasi.CapClock
	}
	if f.allowRandom {
		caps |= wasi.CapRandom
	}
	if f.allowProc {
		caps |= wasi.CapProc
	}
	return caps
}

func doRun(ctx context.Context, f *runFlags, args []string, exit *int) error {
	bin, err := readWasm(args[0], exit)
	if err != nil {
		return err
	}

	fuel := f.fuel
	maxMemory := f.maxMemory
	if f.sandbox {
		if fuel == 0 {
			fuel = 1_000_000_000
		}
		if maxMemory == 0 {
			maxMemory = 1 << 28
		}
	}

	rc := shoal.NewRuntimeConfig()
	if maxMemory != 0 {
		rc = rc.WithMemoryLimitPages(maxMemory / 65536)
	}
	r := shoal.NewRuntimeWithConfig(ctx, rc)
	defer r.Close(ctx)

	for _, link := range f.links {
		name, file, ok := strings.Cut(link, "=")
		if !ok {
			*exit = exitTrap
			return fmt.Errorf("--link wants name=file, got %q", link)
		}
		linkBin, err := readWasm(file, exit)
		if err != nil {
			return err
		}
		if _, err := r.InstantiateWithConfig(ctx, linkBin,
			shoal.NewModuleConfig().WithName(name).WithWASI(f.capabilities())); err != nil {
			*exit = exitInvalidWasm
			return err
		}
	}

	mc := shoal.NewModuleConfig().
		WithWASI(f.capabilities()).
		WithStdout(os.Stdout).WithStderr(os.Stderr).WithStdin(os.Stdin).
		WithArgs(append([]string{args[0]}, args[1:]...)...)
	for _, env := range f.envs {
		k, v, _ := strings.Cut(env, "=")
		mc = mc.WithEnv(k, v)
	}
	for _, dir := range f.dirs {
		mc = mc.WithPreopen(dir, dir)
	}

	if fuel != 0 {
		ctx = shoal.ContextWithFuel(ctx, fuel)
	}

	mod, err := r.InstantiateWithConfig(ctx, bin, mc)
	if err != nil {
		return reportRunError(err, exit)
	}

	exportName := "_start"
	var invokeArgs []string
	if f.invoke != "" {
		exportName = f.invoke
		invokeArgs = args[1:]
	}
	fn := mod.ExportedFunction(exportName)
	if fn == nil {
		*exit = exitTrap
		return fmt.Errorf("export %q not found", exportName)
	}

	params, err := parseInvokeArgs(fn.Definition().ParamTypes(), invokeArgs)
	if err != nil {
		*exit = exitTrap
		return err
	}
	results, err := fn.Call(ctx, params...)
	if err != nil {
		return reportRunError(err, exit)
	}
	printResults(fn.Definition().ResultTypes(), results)
	return nil
}

// reportRunError maps an invocation failure to its exit code, honoring a
// module's own proc_exit code.
func reportRunError(err error, exit *int) error {
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		*exit = int(exitErr.ExitCode())
		if exitErr.ExitCode() == 0 {
			return nil
		}
		return err
	}
	if strings.Contains(err.Error(), "invalid wasm") {
		*exit = exitInvalidWasm
	} else {
		*exit = exitTrap
	}
	return err
}

// parseInvokeArgs converts decimal CLI arguments per the function's
// signature: signed decimal for integers, decimal for floats.
func parseInvokeArgs(paramTypes []api.ValueType, args []string) ([]uint64, error) {
	if len(args) > len(paramTypes) {
		return nil, fmt.Errorf("too many arguments: function takes %d", len(paramTypes))
	}
	params := make([]uint64, len(paramTypes))
	for i, t := range paramTypes {
		if i >= len(args) {
			break
		}
		switch t {
		case api.ValueTypeI32:
			v, err := strconv.ParseInt(args[i], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			params[i] = api.EncodeI32(int32(v))
		case api.ValueTypeI64:
			v, err := strconv.ParseInt(args[i], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			params[i] = uint64(v)
		case api.ValueTypeF32:
			v, err := strconv.ParseFloat(args[i], 32)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			params[i] = api.EncodeF32(float32(v))
		case api.ValueTypeF64:
			v, err := strconv.ParseFloat(args[i], 64)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			params[i] = api.EncodeF64(v)
		default:
			return nil, fmt.Errorf("argument %d: cannot parse a %s from the command line", i, api.ValueTypeName(t))
		}
	}
	return params, nil
}

// printResults renders results as decimal per type, not raw bits.
func printResults(resultTypes []api.ValueType, results []uint64) {
	for i, t := range resultTypes {
		switch t {
		case api.ValueTypeI32:
			fmt.Println(api.DecodeI32(results[i]))
		case api.ValueTypeI64:
			fmt.Println(int64(results[i]))
		case api.ValueTypeF32:
			fmt.Println(api.DecodeF32(results[i]))
		case api.ValueTypeF64:
			fmt.Println(api.DecodeF64(results[i]))
		default:
			fmt.Printf("%#x\n", results[i])
		}
	}
}
