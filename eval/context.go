package eval

import (
	"fmt"
	"regexp"
	"sort"
	"unicode/utf8"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/upstack-tools/upstack/config"
	"github.com/upstack-tools/upstack/schema"
)

// StackValues are the pseudo values exposed to template expressions through
// the "Stack" symbol.
type StackValues struct {
	Name      string
	Region    string
	AccountID string
}

// ImportResolver is the read-only lookup backing cross-stack imports. It is
// keyed by export name and populated by other, already-applied stacks.
type ImportResolver interface {
	LookupExport(name string) (cty.Value, bool, error)
}

// Context holds everything resolved once per invocation: parameter values
// checked against their constraints, condition results, and mapping tables.
// Resource properties and outputs are resolved later against a Context, in
// that order, since each stage may reference the stages before it but not
// vice versa.
type Context struct {
	Config *config.Module
	Schema *schema.Schema
	Stack  StackValues

	Parameters map[string]cty.Value
	Conditions map[string]bool
	Mappings   map[string]cty.Value

	Imports ImportResolver
}

// NewContext resolves parameters, conditions and mappings for one
// invocation. The inputs map carries invocation-time parameter values;
// each must satisfy the parameter's declared type and constraints before
// evaluation proceeds.
func NewContext(cfg *config.Module, sch *schema.Schema, stack StackValues, inputs map[string]cty.Value, imports ImportResolver) (*Context, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	ctx := &Context{
		Config:     cfg,
		Schema:     sch,
		Stack:      stack,
		Parameters: make(map[string]cty.Value),
		Conditions: make(map[string]bool),
		Mappings:   make(map[string]cty.Value),
		Imports:    imports,
	}

	for name := range inputs {
		if cfg.Parameters[name] == nil {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Value for undeclared parameter",
				Detail:   fmt.Sprintf("A value was supplied for parameter %q, which is not declared in this template.", name),
				Extra: &UnresolvedReferenceError{
					Ref:    "Param." + name,
					Reason: "no such parameter is declared",
				},
			})
		}
	}

	// Parameters resolve first, with only Stack pseudo values in scope.
	paramScope := map[string]cty.Value{
		"Stack": ctx.stackObject(),
	}
	for name, param := range cfg.Parameters {
		val, valDiags := ctx.resolveParameter(param, inputs[name], paramScope)
		diags = append(diags, valDiags...)
		ctx.Parameters[name] = val
	}
	if diags.HasErrors() {
		return ctx, diags
	}

	// Conditions see parameters and stack pseudo values. Each evaluates to
	// a strict true/false exactly once per invocation.
	condScope := map[string]cty.Value{
		"Stack": ctx.stackObject(),
		"Param": cty.ObjectVal(ctx.Parameters),
	}
	for name, attr := range cfg.Conditions {
		val, valDiags := ctx.evalExpr(attr.Expr, condScope)
		diags = append(diags, valDiags...)
		if valDiags.HasErrors() {
			continue
		}
		val, err := convert.Convert(val, cty.Bool)
		if err != nil || val.IsNull() || !val.IsKnown() {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid condition result",
				Detail:   fmt.Sprintf("Condition %q must evaluate to a definite true or false.", name),
				Subject:  attr.Expr.Range().Ptr(),
			})
			continue
		}
		val, _ = val.Unmark()
		ctx.Conditions[name] = val.True()
	}

	// Mappings are static lookup tables: literals plus Stack pseudo values
	// only, never mutated after this point.
	mapScope := map[string]cty.Value{
		"Stack": ctx.stackObject(),
	}
	for name, attr := range cfg.Mappings {
		val, valDiags := ctx.evalExpr(attr.Expr, mapScope)
		diags = append(diags, valDiags...)
		if valDiags.HasErrors() {
			continue
		}
		ctx.Mappings[name] = val
	}

	return ctx, diags
}

func (ctx *Context) stackObject() cty.Value {
	return cty.ObjectVal(map[string]cty.Value{
		"Name":      cty.StringVal(ctx.Stack.Name),
		"Region":    cty.StringVal(ctx.Stack.Region),
		"AccountID": cty.StringVal(ctx.Stack.AccountID),
	})
}

func (ctx *Context) resolveParameter(param *config.Parameter, input cty.Value, scope map[string]cty.Value) (cty.Value, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	valType := param.CtyType()

	val := input
	if val == cty.NilVal {
		if param.Default == nil {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Missing parameter value",
				Detail:   fmt.Sprintf("Parameter %q has no default and no value was supplied for it.", param.Name),
				Subject:  &param.DeclRange,
			})
			return cty.NullVal(valType), diags
		}
		defVal, defDiags := ctx.evalExpr(param.Default, scope)
		diags = append(diags, defDiags...)
		val = defVal
	}

	val, err := convert.Convert(val, valType)
	if err != nil {
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid parameter value",
			Detail:   fmt.Sprintf("Unsuitable value for parameter %q: %s.", param.Name, err),
			Subject:  &param.DeclRange,
		})
		return cty.NullVal(valType), diags
	}
	if val.IsNull() || !val.IsKnown() {
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid parameter value",
			Detail:   fmt.Sprintf("Parameter %q must have a definite value once resolved.", param.Name),
			Subject:  &param.DeclRange,
		})
		return cty.NullVal(valType), diags
	}

	constraintDiags := ctx.checkParameterConstraints(param, val, scope)
	diags = append(diags, constraintDiags...)

	if param.Obscure != nil {
		obscure, obscureDiags := ctx.evalExpr(param.Obscure, scope)
		diags = append(diags, obscureDiags...)
		obscure, err := convert.Convert(obscure, cty.Bool)
		if err != nil || obscure.IsNull() || !obscure.IsKnown() {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid parameter declaration",
				Detail:   fmt.Sprintf("Obscure for parameter %q must be a definite true or false.", param.Name),
				Subject:  param.Obscure.Range().Ptr(),
			})
		} else if obscure.True() {
			val = val.Mark(Sensitive)
		}
	}

	return val, diags
}

func (ctx *Context) checkParameterConstraints(param *config.Parameter, val cty.Value, scope map[string]cty.Value) hcl.Diagnostics {
	var diags hcl.Diagnostics
	valType := param.CtyType()

	constraintDetail := func(fallback string) string {
		if param.ConstraintDescription != nil {
			descVal, _ := ctx.evalExpr(param.ConstraintDescription, scope)
			if descVal.Type() == cty.String && !descVal.IsNull() && descVal.IsKnown() {
				return descVal.AsString()
			}
		}
		return fallback
	}

	if param.AllowedValues != nil {
		allowed, valDiags := ctx.evalExpr(param.AllowedValues, scope)
		diags = append(diags, valDiags...)
		allowed, err := convert.Convert(allowed, cty.List(valType))
		if err != nil {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid parameter constraint",
				Detail:   fmt.Sprintf("AllowedValues for parameter %q must be a list of values of the parameter's type: %s.", param.Name, err),
				Subject:  param.AllowedValues.Range().Ptr(),
			})
		} else if !allowed.IsNull() && allowed.IsKnown() {
			found := false
			for it := allowed.ElementIterator(); it.Next(); {
				_, allowedVal := it.Element()
				if val.RawEquals(allowedVal) {
					found = true
					break
				}
			}
			if !found {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Parameter value not allowed",
					Detail: constraintDetail(fmt.Sprintf(
						"The value given for parameter %q is not one of its allowed values.", param.Name,
					)),
					Subject: &param.DeclRange,
				})
			}
		}
	}

	if param.AllowedPattern != nil && valType == cty.String {
		patternVal, patDiags := ctx.evalExpr(param.AllowedPattern, scope)
		diags = append(diags, patDiags...)
		if patternVal.Type() == cty.String && !patternVal.IsNull() && patternVal.IsKnown() {
			re, err := regexp.Compile("^(?:" + patternVal.AsString() + ")$")
			if err != nil {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Invalid parameter constraint",
					Detail:   fmt.Sprintf("AllowedPattern for parameter %q is not a valid regular expression: %s.", param.Name, err),
					Subject:  param.AllowedPattern.Range().Ptr(),
				})
			} else if !re.MatchString(val.AsString()) {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Parameter value not allowed",
					Detail: constraintDetail(fmt.Sprintf(
						"The value given for parameter %q does not match its allowed pattern.", param.Name,
					)),
					Subject: &param.DeclRange,
				})
			}
		}
	}

	if valType == cty.String {
		// Length constraints count characters, not bytes.
		length := utf8.RuneCountInString(val.AsString())
		if n, ok := ctx.constraintInt(param.MinLength, scope, &diags); ok && length < n {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Parameter value not allowed",
				Detail:   constraintDetail(fmt.Sprintf("The value given for parameter %q is shorter than its minimum length %d.", param.Name, n)),
				Subject:  &param.DeclRange,
			})
		}
		if n, ok := ctx.constraintInt(param.MaxLength, scope, &diags); ok && length > n {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Parameter value not allowed",
				Detail:   constraintDetail(fmt.Sprintf("The value given for parameter %q is longer than its maximum length %d.", param.Name, n)),
				Subject:  &param.DeclRange,
			})
		}
	}

	if valType == cty.Number {
		if minVal, ok := ctx.constraintNumber(param.MinValue, scope, &diags); ok && val.LessThan(minVal).True() {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Parameter value not allowed",
				Detail:   constraintDetail(fmt.Sprintf("The value given for parameter %q is below its minimum.", param.Name)),
				Subject:  &param.DeclRange,
			})
		}
		if maxVal, ok := ctx.constraintNumber(param.MaxValue, scope, &diags); ok && val.GreaterThan(maxVal).True() {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Parameter value not allowed",
				Detail:   constraintDetail(fmt.Sprintf("The value given for parameter %q is above its maximum.", param.Name)),
				Subject:  &param.DeclRange,
			})
		}
	}

	return diags
}

func (ctx *Context) constraintInt(expr hcl.Expression, scope map[string]cty.Value, diags *hcl.Diagnostics) (int, bool) {
	val, ok := ctx.constraintNumber(expr, scope, diags)
	if !ok {
		return 0, false
	}
	n, _ := val.AsBigFloat().Int64()
	return int(n), true
}

func (ctx *Context) constraintNumber(expr hcl.Expression, scope map[string]cty.Value, diags *hcl.Diagnostics) (cty.Value, bool) {
	if expr == nil {
		return cty.NilVal, false
	}
	val, valDiags := ctx.evalExpr(expr, scope)
	*diags = append(*diags, valDiags...)
	val, err := convert.Convert(val, cty.Number)
	if err != nil || val.IsNull() || !val.IsKnown() {
		*diags = append(*diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid parameter constraint",
			Detail:   "Numeric constraints must be constant numbers.",
			Subject:  expr.Range().Ptr(),
		})
		return cty.NilVal, false
	}
	return val, true
}

// ParameterNames returns the declared parameter names in a stable order,
// for rendering.
func (ctx *Context) ParameterNames() []string {
	names := make([]string, 0, len(ctx.Parameters))
	for name := range ctx.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
