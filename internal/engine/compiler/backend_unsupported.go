//go:build !arm64 && !amd64

package compiler

import "github.com/shoalwasm/shoal/internal/regmach"

// compileNative has no backend on this architecture; every function stays
// on the interpreter tiers.
func compileNative(me *moduleEngine, localIdx int, rc *regmach.Code) (*nativeFunc, error) {
	return nil, errJITUnsupported
}

func nativecall(entry uintptr, ctx *nativeContext) {
	panic("BUG: nativecall on an architecture with no JIT backend")
}
