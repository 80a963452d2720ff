// Package platform isolates the OS-specific primitives this runtime needs:
// W^X executable memory for the JIT tier, and guard-paged linear memory
// allowing out-of-bounds loads/stores to fault straight into a recoverable
// Go panic instead of needing an explicit bounds check on every access.
package platform

import "runtime"

// CompilerSupported reports whether the current GOOS/GOARCH combination has
// a native JIT backend (internal/engine/compiler) and guard-paged memory
// support. Every other platform falls back to the register and stack
// interpreters.
func CompilerSupported() bool {
	switch runtime.GOARCH {
	case "arm64", "amd64":
	default:
		return false
	}
	switch runtime.GOOS {
	case "linux", "darwin":
		return true
	default:
		return false
	}
}
