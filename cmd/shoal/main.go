// Command shoal runs, validates and inspects WebAssembly modules.
//
// Exit codes are a contract with shell scripts: 0 success, 1 runtime trap,
// 2 invalid module, 126 file not found.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const (
	exitOK           = 0
	exitTrap         = 1
	exitInvalidWasm  = 2
	exitFileNotFound = 126
)

// version is stamped by the release build; "dev" otherwise.
var version = "dev"

func main() {
	os.Exit(doMain(os.Args[1:]))
}

func doMain(args []string) int {
	// `shoal ./prog.wasm` runs it: insert the implicit subcommand when the
	// first positional looks like a path rather than a command.
	if len(args) > 0 && looksLikePath(args[0]) {
		args = append([]string{"run"}, args...)
	}

	exit := exitOK
	root := &cobra.Command{
		Use:           "shoal",
		Short:         "shoal is a WebAssembly runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(&exit))
	root.AddCommand(newInspectCmd(&exit))
	root.AddCommand(newValidateCmd(&exit))
	root.AddCommand(newFeaturesCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the runtime version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("shoal", version)
		},
	})

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "shoal:", err)
		if exit == exitOK {
			exit = exitTrap
		}
	}
	return exit
}

func looksLikePath(arg string) bool {
	if strings.HasPrefix(arg, "-") {
		return false
	}
	switch arg {
	case "run", "inspect", "validate", "features", "version", "help", "completion":
		return false
	}
	return strings.HasSuffix(arg, ".wasm") || strings.ContainsAny(arg, "/.")
}

// readWasm loads a module image, translating a missing file into the
// dedicated exit code.
func readWasm(path string, exit *int) ([]byte, error) {
	bin, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			*exit = exitFileNotFound
		} else {
			*exit = exitTrap
		}
		return nil, err
	}
	return bin, nil
}
