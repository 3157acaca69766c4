package eval

import (
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/upstack-tools/upstack/config"
)

// AttrSource supplies attribute values for resources that already exist,
// typically from an observed-state snapshot. Resources without a known
// state resolve to unknown attribute values, which become concrete only
// once the executor has applied the operations they depend on.
type AttrSource interface {
	ResourceAttrs(logicalID string) (map[string]cty.Value, bool)
}

type noAttrs struct{}

func (noAttrs) ResourceAttrs(string) (map[string]cty.Value, bool) {
	return nil, false
}

// NoAttrs is an AttrSource with no known resources.
var NoAttrs AttrSource = noAttrs{}

// Resolved is the evaluated form of a template for one invocation: every
// included resource with concrete (or not-yet-knowable) property values,
// the excluded resource set, and the evaluated outputs.
type Resolved struct {
	Resources map[string]*ResolvedResource
	Excluded  map[string]bool
	Outputs   map[string]*ResolvedOutput
}

type ResolvedResource struct {
	LogicalID string
	Type      string

	// Properties holds the property bag after evaluation. Properties whose
	// expression produced the omit sentinel (null) are absent from the map
	// entirely rather than present with an empty value.
	Properties map[string]cty.Value

	// DependsOn is the union of declared dependencies and dependencies
	// inferred from references in property expressions, deduplicated and
	// sorted.
	DependsOn []string

	DeletionPolicy string
	DeclRange      hcl.Range
}

type ResolvedOutput struct {
	Name  string
	Value cty.Value

	// Export is the externally-visible name under which the value is
	// published for cross-stack import, or empty if the output is not
	// exported.
	Export string
}

// Resolve evaluates every included resource's properties and every output.
// Conditional inclusion is decided exactly once here and never re-evaluated
// mid-plan.
func (ctx *Context) Resolve(attrs AttrSource) (*Resolved, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	excluded := ctx.excludedResources()
	scope := ctx.resourceScope(attrs, excluded)

	ret := &Resolved{
		Resources: make(map[string]*ResolvedResource),
		Excluded:  excluded,
		Outputs:   make(map[string]*ResolvedOutput),
	}

	for _, name := range sortedKeys(ctx.Config.Resources) {
		if excluded[name] {
			continue
		}
		res := ctx.Config.Resources[name]

		resolved, resDiags := ctx.resolveResource(res, scope, excluded)
		diags = append(diags, resDiags...)
		ret.Resources[name] = resolved
	}

	for _, name := range sortedKeys(ctx.Config.Outputs) {
		output := ctx.Config.Outputs[name]
		resolved, outDiags := ctx.resolveOutput(output, scope, excluded)
		diags = append(diags, outDiags...)
		ret.Outputs[name] = resolved
	}

	return ret, diags
}

// ResolveResource re-evaluates a single resource's property bag against a
// fresh attribute source. The executor uses this immediately before
// dispatching an operation, once the resource's dependencies have been
// applied and observed as stable.
func (ctx *Context) ResolveResource(logicalID string, attrs AttrSource) (map[string]cty.Value, hcl.Diagnostics) {
	res := ctx.Config.Resources[logicalID]
	if res == nil {
		return nil, hcl.Diagnostics{
			{
				Severity: hcl.DiagError,
				Summary:  "Reference to undeclared value",
				Detail:   fmt.Sprintf("There is no resource named %q in this template.", logicalID),
				Extra: &UnresolvedReferenceError{
					Ref:    "Resource." + logicalID,
					Reason: "no such resource is declared",
				},
			},
		}
	}
	excluded := ctx.excludedResources()
	scope := ctx.resourceScope(attrs, excluded)
	resolved, diags := ctx.resolveResource(res, scope, excluded)
	if resolved == nil {
		return nil, diags
	}
	return resolved.Properties, diags
}

// ResolveOutputs re-evaluates the outputs, typically at the end of an apply
// when all attribute values are known.
func (ctx *Context) ResolveOutputs(attrs AttrSource) (map[string]*ResolvedOutput, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	excluded := ctx.excludedResources()
	scope := ctx.resourceScope(attrs, excluded)

	ret := make(map[string]*ResolvedOutput)
	for _, name := range sortedKeys(ctx.Config.Outputs) {
		output := ctx.Config.Outputs[name]
		resolved, outDiags := ctx.resolveOutput(output, scope, excluded)
		diags = append(diags, outDiags...)
		ret[name] = resolved
	}
	return ret, diags
}

func (ctx *Context) excludedResources() map[string]bool {
	excluded := make(map[string]bool)
	for name, res := range ctx.Config.Resources {
		if res.ConditionName == "" {
			continue
		}
		if !ctx.Conditions[res.ConditionName] {
			excluded[name] = true
		}
	}
	return excluded
}

// resourceScope builds the evaluation scope for resource properties and
// outputs. Excluded resources are absent from the Resource object, so a
// reference to one fails reference checking rather than evaluating.
func (ctx *Context) resourceScope(attrs AttrSource, excluded map[string]bool) map[string]cty.Value {
	resVals := make(map[string]cty.Value)
	for name, res := range ctx.Config.Resources {
		if excluded[name] {
			continue
		}

		attrVals := map[string]cty.Value{
			"ID": cty.UnknownVal(cty.String),
		}
		if rt := ctx.Schema.ResourceTypes[res.Type]; rt != nil {
			for attrName, attr := range rt.Attributes {
				attrVals[attrName] = cty.UnknownVal(attr.CtyType())
			}
		}
		if known, ok := attrs.ResourceAttrs(name); ok {
			for attrName, val := range known {
				if _, declared := attrVals[attrName]; declared {
					attrVals[attrName] = val
				}
			}
		}
		resVals[name] = cty.ObjectVal(attrVals)
	}

	condVals := make(map[string]cty.Value)
	for name, result := range ctx.Conditions {
		condVals[name] = cty.BoolVal(result)
	}

	scope := map[string]cty.Value{
		"Stack": ctx.stackObject(),
		"Param": cty.ObjectVal(ctx.Parameters),
		"Cond":  cty.ObjectVal(condVals),
	}
	if len(ctx.Mappings) > 0 {
		scope["Map"] = cty.ObjectVal(ctx.Mappings)
	} else {
		scope["Map"] = cty.EmptyObjectVal
	}
	if len(resVals) > 0 {
		scope["Resource"] = cty.ObjectVal(resVals)
	} else {
		scope["Resource"] = cty.EmptyObjectVal
	}
	return scope
}

func (ctx *Context) resolveResource(res *config.Resource, scope map[string]cty.Value, excluded map[string]bool) (*ResolvedResource, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	resolved := &ResolvedResource{
		LogicalID:      res.LogicalID,
		Type:           res.Type,
		Properties:     make(map[string]cty.Value),
		DeletionPolicy: res.DeletionPolicy,
		DeclRange:      res.DeclRange,
	}

	rt := ctx.Schema.ResourceTypes[res.Type]

	var refs []string
	for _, propName := range sortedKeys(res.Properties) {
		attr := res.Properties[propName]

		val, valDiags := ctx.evalExprRefs(attr.Expr, scope, excluded, &refs)
		diags = append(diags, valDiags...)
		if valDiags.HasErrors() {
			continue
		}

		var required bool
		if rt != nil {
			if prop := rt.Properties[propName]; prop != nil {
				required = prop.Required
				converted, err := convert.Convert(val, prop.CtyType())
				if err != nil {
					diags = append(diags, &hcl.Diagnostic{
						Severity: hcl.DiagError,
						Summary:  "Incorrect property value type",
						Detail:   fmt.Sprintf("Unsuitable value for property %q: %s.", propName, err),
						Subject:  attr.Expr.Range().Ptr(),
					})
					continue
				}
				val = converted
			}
		}

		// A null value is the omit sentinel: the property is dropped from
		// the bag entirely, not set to an empty value.
		if val.IsNull() {
			if required {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Missing required property",
					Detail:   fmt.Sprintf("Property %q is required for %q, but its expression produced no value.", propName, res.Type),
					Subject:  attr.Expr.Range().Ptr(),
				})
			}
			continue
		}

		resolved.Properties[propName] = dropNullElements(val)
	}

	// Declared dependencies on excluded resources are errors, same as
	// attribute references to them.
	for _, dep := range res.DependsOn {
		if excluded[dep] {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Reference to undeclared value",
				Detail:   fmt.Sprintf("Resource %q depends on %q, which is excluded by its condition for this invocation.", res.LogicalID, dep),
				Subject:  &res.DeclRange,
				Extra: &UnresolvedReferenceError{
					Ref:      "Resource." + dep,
					Reason:   "the resource is excluded by its condition for this invocation",
					SrcRange: res.DeclRange,
				},
			})
		}
	}

	resolved.DependsOn = mergeDependencies(res.LogicalID, res.DependsOn, refs)

	return resolved, diags
}

func (ctx *Context) resolveOutput(output *config.Output, scope map[string]cty.Value, excluded map[string]bool) (*ResolvedOutput, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	resolved := &ResolvedOutput{Name: output.Name}

	if output.Value != nil {
		val, valDiags := ctx.evalExprRefs(output.Value, scope, excluded, nil)
		diags = append(diags, valDiags...)
		resolved.Value = val
	}

	if output.Export != nil && output.Export.Name != nil {
		// Export names must be computable without resource attributes so
		// that they are stable across applies.
		exportScope := map[string]cty.Value{
			"Stack": ctx.stackObject(),
			"Param": cty.ObjectVal(ctx.Parameters),
		}
		nameVal, nameDiags := ctx.evalExpr(output.Export.Name, exportScope)
		diags = append(diags, nameDiags...)
		if !nameDiags.HasErrors() {
			nameVal, err := convert.Convert(nameVal, cty.String)
			if err != nil || nameVal.IsNull() || !nameVal.IsKnown() {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Invalid export name",
					Detail:   "The export name must be a definite string.",
					Subject:  output.Export.Name.Range().Ptr(),
				})
			} else {
				nameVal, _ = nameVal.Unmark()
				resolved.Export = nameVal.AsString()
			}
		}
	}

	return resolved, diags
}

// dropNullElements removes omitted entries from list values, one level
// deep. An omit sentinel inside a property list removes that entry rather
// than producing a null element.
func dropNullElements(val cty.Value) cty.Value {
	ty := val.Type()
	if !val.IsKnown() || !(ty.IsListType() || ty.IsTupleType() || ty.IsSetType()) {
		return val
	}
	unmarked, marks := val.Unmark()
	return dropNullElementsRaw(unmarked).WithMarks(marks)
}

func dropNullElementsRaw(val cty.Value) cty.Value {
	ty := val.Type()

	var kept []cty.Value
	dropped := false
	for it := val.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		if elem.IsKnown() && elem.IsNull() {
			dropped = true
			continue
		}
		kept = append(kept, elem)
	}
	if !dropped {
		return val
	}
	if len(kept) == 0 {
		if ty.IsListType() {
			return cty.ListValEmpty(ty.ElementType())
		}
		return cty.EmptyTupleVal
	}
	if ty.IsListType() {
		return cty.ListVal(kept)
	}
	if ty.IsSetType() {
		return cty.SetVal(kept)
	}
	return cty.TupleVal(kept)
}

func mergeDependencies(self string, explicit, inferred []string) []string {
	seen := make(map[string]bool)
	var merged []string
	for _, dep := range append(append([]string(nil), explicit...), inferred...) {
		if dep == self || seen[dep] {
			continue
		}
		seen[dep] = true
		merged = append(merged, dep)
	}
	sort.Strings(merged)
	return merged
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
