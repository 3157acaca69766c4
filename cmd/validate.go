package cmd

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/spf13/cobra"
	"github.com/zclconf/go-cty/cty"

	"github.com/upstack-tools/upstack/eval"
)

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate [source-dir-or-file]",
	Short: "Check a template for schema and reference errors",
	Long: `Check that a template parses, that every resource matches its catalog
schema, and that every reference and expression can be resolved, without
contacting any backend.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sch, err := catalog()
		if err != nil {
			return err
		}

		var diags hcl.Diagnostics

		mod, loadDiags := loadModule(args, sch)
		diags = append(diags, loadDiags...)
		if err := schemaErrors(diags); err != nil {
			return err
		}

		inputs, inputDiags := templateInputs()
		diags = append(diags, inputDiags...)
		if err := schemaErrors(diags); err != nil {
			return err
		}

		// Imports resolve to placeholder values so that a template can be
		// validated without reaching whatever registry serves them.
		ctx, ctxDiags := eval.NewContext(mod, sch, stackValues(""), inputs, anyImports{})
		diags = append(diags, ctxDiags...)
		if err := schemaErrors(diags); err != nil {
			return err
		}

		_, resolveDiags := ctx.Resolve(eval.NoAttrs)
		diags = append(diags, resolveDiags...)
		if err := schemaErrors(diags); err != nil {
			return err
		}

		printDiagnostics(diags)
		fmt.Println("Template is valid.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

// anyImports resolves every export name to a placeholder, for validation
// runs that have no backend to consult.
type anyImports struct{}

func (anyImports) LookupExport(string) (cty.Value, bool, error) {
	return cty.UnknownVal(cty.String), true, nil
}
