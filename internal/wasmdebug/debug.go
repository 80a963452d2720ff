// Package wasmdebug builds the human-readable rendering of runtime
// failures: the function name a trap surfaced from, formatted the way
// stack traces name Wasm functions.
package wasmdebug

import (
	"errors"
	"fmt"

	"github.com/shoalwasm/shoal/sys"
)

// FuncName returns the conventional rendering of a function for error
// messages: "module.name" when the name section supplied one,
// "module.$index" otherwise.
func FuncName(moduleName, funcName string, funcIdx uint32) string {
	if moduleName == "" {
		moduleName = "?"
	}
	if funcName == "" {
		return fmt.Sprintf("%s.$%d", moduleName, funcIdx)
	}
	return fmt.Sprintf("%s.%s", moduleName, funcName)
}

// DecorateError attaches the invoked function's identity to a failed
// invocation. Exit requests pass through untouched: they are control flow
// to the embedder, not failures to annotate.
func DecorateError(funcName string, err error) error {
	if err == nil {
		return nil
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	return fmt.Errorf("wasm error: %w (calling %s)", err, funcName)
}
