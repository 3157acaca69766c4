package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/hcl/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/upstack-tools/upstack/eval"
	"github.com/upstack-tools/upstack/plan"
	"github.com/upstack-tools/upstack/state"
)

var (
	planOutFile            string
	planAllowUnsafeReplace bool
)

// planCmd represents the plan command
var planCmd = &cobra.Command{
	Use:   "plan [source-dir-or-file]",
	Short: "Show the operations needed to converge the stack",
	Long: `Compare the template against the stack's recorded state and show the
minimal set of create, update, replace and destroy operations that would
converge them. Nothing is changed; use -out to save the plan for a later
apply.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Planning reaches the backend for exports, so it honors an
		// interrupt the same way apply does.
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

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

		be, err := openBackend(ctx, sch)
		if err != nil {
			return err
		}

		snap, err := state.LoadFile(statePath(), viper.GetString("stack"))
		if err != nil {
			return err
		}

		evalCtx, ctxDiags := eval.NewContext(mod, sch, stackValues(be.Region), inputs, be.Imports)
		diags = append(diags, ctxDiags...)
		if err := schemaErrors(diags); err != nil {
			return err
		}

		desired, resolveDiags := evalCtx.Resolve(snap.AttrSource(sch))
		diags = append(diags, resolveDiags...)
		if err := schemaErrors(diags); err != nil {
			return err
		}

		policy := plan.ReplaceBlock
		if planAllowUnsafeReplace {
			policy = plan.ReplaceWarn
		}
		p, err := plan.Build(desired, snap, sch, plan.Options{
			ReplacePolicy: policy,
			ConfigHash:    mod.SourceHash(),
		})
		if err != nil {
			return err
		}

		if p.Empty() {
			fmt.Println("No changes. The stack already matches the template.")
		} else {
			plan.Render(os.Stdout, p)
		}

		if planOutFile != "" {
			if err := plan.WriteFile(planOutFile, p); err != nil {
				return err
			}
			fmt.Printf("\nSaved plan to %s. Run \"upstack apply %s\" to execute it.\n", planOutFile, planOutFile)
		}

		printDiagnostics(diags)
		return nil
	},
}

func init() {
	planCmd.Flags().StringVarP(&planOutFile, "out", "o", "", "save the plan to the given file instead of only showing it")
	planCmd.Flags().BoolVar(&planAllowUnsafeReplace, "allow-unsafe-replace", false, "downgrade unsafe replacement errors to warnings")
	rootCmd.AddCommand(planCmd)
}
