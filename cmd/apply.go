package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/fatih/color"
	"github.com/hashicorp/hcl/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/upstack-tools/upstack/apply"
	"github.com/upstack-tools/upstack/eval"
	"github.com/upstack-tools/upstack/plan"
	"github.com/upstack-tools/upstack/state"
)

var (
	applyAllowUnsafeReplace bool
	applyParallelism        int
)

// applyCmd represents the apply command
var applyCmd = &cobra.Command{
	Use:   "apply [plan-file]",
	Short: "Execute the operations that converge the stack",
	Long: `Apply the template in the current directory to the stack's resources.

With no argument a fresh plan is computed and executed immediately. With a
plan file saved by "plan -out", that exact plan is executed instead; the
apply refuses a saved plan whose template or state has changed since it
was computed.

Interrupting an apply stops new operations from starting while those in
flight run to completion, and the state file records everything that
finished.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sch, err := catalog()
		if err != nil {
			return err
		}

		var diags hcl.Diagnostics
		mod, loadDiags := loadModule(nil, sch)
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

		var p *plan.Plan
		if len(args) > 0 {
			p, err = plan.ReadFile(args[0])
			if err != nil {
				return err
			}
			if p.ConfigHash != mod.SourceHash() {
				return errors.Errorf("saved plan %s was computed from a different template; run \"upstack plan\" again", args[0])
			}
			if p.Serial != snap.Serial {
				return errors.Errorf("saved plan %s is stale: the stack has changed since it was computed", args[0])
			}
		} else {
			policy := plan.ReplaceBlock
			if applyAllowUnsafeReplace {
				policy = plan.ReplaceWarn
			}
			p, err = plan.Build(desired, snap, sch, plan.Options{
				ReplacePolicy: policy,
				ConfigHash:    mod.SourceHash(),
			})
			if err != nil {
				return err
			}
		}

		if p.Empty() {
			fmt.Println("No changes. The stack already matches the template.")
			printDiagnostics(diags)
			return nil
		}
		plan.Render(os.Stdout, p)
		fmt.Println()

		exec := &apply.Executor{
			Provider:    be.Provider,
			Eval:        evalCtx,
			Parallelism: applyParallelism,
			Log:         logrus.WithField("stack", viper.GetString("stack")),
		}
		report := exec.Run(ctx, p, desired, snap)

		// The snapshot reflects every completed operation, so it must be
		// saved even when the apply as a whole failed.
		if err := state.SaveFile(statePath(), report.Snapshot); err != nil {
			return errors.Wrap(err, "saving state")
		}
		if len(report.Exports) > 0 && be.PublishExports != nil {
			if err := be.PublishExports(report.Exports); err != nil {
				return errors.Wrap(err, "publishing exports")
			}
		}

		printReport(report)
		printDiagnostics(diags)
		if report.Failed() {
			return errors.New("apply did not complete; re-run after fixing the failures above")
		}
		return nil
	},
}

func init() {
	applyCmd.Flags().BoolVar(&applyAllowUnsafeReplace, "allow-unsafe-replace", false, "downgrade unsafe replacement errors to warnings")
	applyCmd.Flags().IntVar(&applyParallelism, "parallelism", apply.DefaultParallelism, "maximum number of concurrent operations")
	rootCmd.AddCommand(applyCmd)
}

func printReport(report *apply.Report) {
	var succeeded, failed, notAttempted int
	for _, res := range report.Results {
		switch res.Status {
		case apply.StatusSucceeded:
			succeeded++
		case apply.StatusFailed:
			failed++
		case apply.StatusNotAttempted:
			notAttempted++
		}
	}

	fmt.Printf("Apply finished: %s, %s, %s.\n",
		color.GreenString("%d succeeded", succeeded),
		color.RedString("%d failed", failed),
		color.YellowString("%d not attempted", notAttempted),
	)

	for _, name := range sortedNames(report) {
		res := report.Results[name]
		switch res.Status {
		case apply.StatusFailed:
			fmt.Printf("  %s %s: %s\n", color.RedString("failed"), name, res.Err)
		case apply.StatusNotAttempted:
			fmt.Printf("  %s %s\n", color.YellowString("not attempted"), name)
		}
	}

	if len(report.Outputs) > 0 {
		outNames := make([]string, 0, len(report.Outputs))
		for name := range report.Outputs {
			outNames = append(outNames, name)
		}
		sort.Strings(outNames)

		fmt.Println("\nOutputs:")
		for _, name := range outNames {
			fmt.Printf("  %s = %s\n", name, report.Outputs[name])
		}
	}
}

func sortedNames(report *apply.Report) []string {
	names := make([]string, 0, len(report.Results))
	for name := range report.Results {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
