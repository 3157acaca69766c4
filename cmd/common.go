package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/zclconf/go-cty/cty"
	"golang.org/x/term"

	"github.com/upstack-tools/upstack/config"
	"github.com/upstack-tools/upstack/eval"
	"github.com/upstack-tools/upstack/provider"
	"github.com/upstack-tools/upstack/provider/cloudcontrol"
	"github.com/upstack-tools/upstack/provider/local"
	"github.com/upstack-tools/upstack/schema"
	"github.com/upstack-tools/upstack/state"
)

// parser accumulates every file parsed during one invocation so that
// diagnostics can render source snippets.
var parser = config.NewParser()

func printDiagnostics(diags hcl.Diagnostics) {
	if len(diags) == 0 {
		return
	}

	width := 78
	isTTY := term.IsTerminal(int(os.Stderr.Fd()))
	if isTTY {
		if newWidth, _, err := term.GetSize(int(os.Stderr.Fd())); err == nil {
			width = newWidth
		}
	}
	printer := hcl.NewDiagnosticTextWriter(os.Stderr, parser.Sources(), uint(width), isTTY)
	printer.WriteDiagnostics(diags)
}

// schemaErrors prints diags and wraps the errors among them in a
// *config.SchemaError, or returns nil when none are errors. Commands stop
// on the typed error so callers can tell template problems apart from
// runtime failures.
func schemaErrors(diags hcl.Diagnostics) error {
	if !diags.HasErrors() {
		return nil
	}
	printDiagnostics(diags)
	return config.NewSchemaError(diags)
}

// catalog returns the resource type catalog for this invocation: the
// builtin one unless --schema-file names an external JSON catalog.
func catalog() (*schema.Schema, error) {
	if schemaFile == "" {
		return schema.Builtin(), nil
	}
	f, err := os.Open(schemaFile)
	if err != nil {
		return nil, errors.Wrap(err, "opening schema catalog")
	}
	defer f.Close()
	sch, err := schema.Load(f)
	if err != nil {
		return nil, errors.Wrapf(err, "loading schema catalog %s", schemaFile)
	}
	return sch, nil
}

// loadModule parses and validates the template at the first positional
// argument, defaulting to the current directory.
func loadModule(args []string, sch *schema.Schema) (*config.Module, hcl.Diagnostics) {
	path := "."
	if len(args) > 0 {
		path = args[0]
	}
	mod, diags := parser.ParseDirOrFile(path)
	if mod != nil && !diags.HasErrors() {
		diags = append(diags, config.ValidateModule(mod, sch)...)
	}
	return mod, diags
}

// templateInputs collects parameter values from --var-file files and
// --var arguments, with --var taking precedence.
func templateInputs() (map[string]cty.Value, hcl.Diagnostics) {
	inputs := make(map[string]cty.Value)

	attrs, diags := parser.ParseValuesFiles(varFiles...)
	for name, attr := range attrs {
		val, valDiags := attr.Expr.Value(nil)
		diags = append(diags, valDiags...)
		inputs[name] = val
	}

	for _, raw := range varValues {
		name, value, ok := strings.Cut(raw, "=")
		if !ok {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid parameter value argument",
				Detail:   fmt.Sprintf("The --var argument %q is not in NAME=VALUE form.", raw),
			})
			continue
		}
		inputs[name] = cty.StringVal(value)
	}

	return inputs, diags
}

func stackValues(fallbackRegion string) eval.StackValues {
	sv := eval.StackValues{
		Name:      viper.GetString("stack"),
		Region:    viper.GetString("region"),
		AccountID: viper.GetString("account-id"),
	}
	if sv.Region == "" {
		sv.Region = fallbackRegion
	}
	return sv
}

func statePath() string {
	if stateFile != "" {
		return stateFile
	}
	return filepath.Join(".upstack", viper.GetString("stack")+".state.yaml")
}

func exportsPath() string {
	if exportsFile != "" {
		return exportsFile
	}
	return filepath.Join(".upstack", "exports.yaml")
}

func localStorePath() string {
	if localStore != "" {
		return localStore
	}
	return filepath.Join(".upstack", "resources.yaml")
}

// backend bundles the provider with the import lookup it serves. Region
// is the region the provider actually resolved, which may come from the
// environment rather than a flag. PublishExports is nil when the backend
// has no writable export registry of its own.
type backend struct {
	Provider       provider.Provider
	Imports        eval.ImportResolver
	Region         string
	PublishExports func(map[string]string) error
}

func openBackend(ctx context.Context, sch *schema.Schema) (*backend, error) {
	switch name := viper.GetString("backend"); name {
	case "local":
		prov, err := local.New(sch, localStorePath())
		if err != nil {
			return nil, err
		}
		exports, err := state.LoadExports(exportsPath())
		if err != nil {
			return nil, err
		}
		return &backend{
			Provider: prov,
			Imports:  exports,
			PublishExports: func(vals map[string]string) error {
				current, err := state.LoadExports(exportsPath())
				if err != nil {
					return err
				}
				for name, val := range vals {
					current[name] = val
				}
				return state.SaveExports(exportsPath(), current)
			},
		}, nil
	case "aws":
		client, err := cloudcontrol.NewClient(ctx, viper.GetString("region"), viper.GetString("profile"))
		if err != nil {
			return nil, err
		}
		exports, err := client.ListExports(ctx)
		if err != nil {
			return nil, err
		}
		return &backend{
			Provider: cloudcontrol.NewProvider(client),
			Imports:  exports,
			Region:   client.Region(),
		}, nil
	default:
		return nil, errors.Errorf("unknown backend %q", name)
	}
}
