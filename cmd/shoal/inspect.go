package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shoalwasm/shoal"
	"github.com/shoalwasm/shoal/api"
)

type inspectImport struct {
	Module  string   `json:"module"`
	Name    string   `json:"name"`
	Kind    string   `json:"kind"`
	Params  []string `json:"params,omitempty"`
	Results []string `json:"results,omitempty"`
}

func newInspectCmd(exit *int) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect <module.wasm>",
		Short: "List a module's imports without instantiating it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bin, err := readWasm(args[0], exit)
			if err != nil {
				return err
			}
			imports, err := shoal.InspectImports(bin)
			if err != nil {
				*exit = exitInvalidWasm
				return err
			}
			out := make([]inspectImport, 0, len(imports))
			for _, imp := range imports {
				out = append(out, inspectImport{
					Module:  imp.Module,
					Name:    imp.Name,
					Kind:    api.ExternTypeName(imp.Kind),
					Params:  typeNames(imp.ParamTypes),
					Results: typeNames(imp.ResultTypes),
				})
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			for _, imp := range out {
				fmt.Printf("%s %s.%s", imp.Kind, imp.Module, imp.Name)
				if imp.Kind == api.ExternTypeFuncName {
					fmt.Printf(" (%v) -> (%v)", imp.Params, imp.Results)
				}
				fmt.Println()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func typeNames(ts []api.ValueType) []string {
	var out []string
	for _, t := range ts {
		out = append(out, api.ValueTypeName(t))
	}
	return out
}

func newValidateCmd(exit *int) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <module.wasm>",
		Short: "Decode and validate a module, reporting the first error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bin, err := readWasm(args[0], exit)
			if err != nil {
				return err
			}
			r := shoal.NewRuntimeWithConfig(cmd.Context(), shoal.NewRuntimeConfigInterpreter())
			defer r.Close(context.Background())
			if _, err := r.CompileModule(cmd.Context(), bin); err != nil {
				*exit = exitInvalidWasm
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func newFeaturesCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "features",
		Short: "List the WebAssembly proposals this runtime accepts",
		Run: func(cmd *cobra.Command, args []string) {
			names := []string{
				"sign-extension-ops", "multi-value", "mutable-global",
				"nontrapping-float-to-int-conversion", "bulk-memory-operations",
				"reference-types", "tail-call", "simd", "exception-handling",
				"function-references", "gc", "threads", "multi-memory",
				"memory64", "custom-page-sizes", "wide-arithmetic",
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				_ = enc.Encode(names)
				return
			}
			for _, n := range names {
				fmt.Println(n)
			}
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}
