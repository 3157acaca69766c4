package eval

import (
	"fmt"
	"regexp"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/upstack-tools/upstack/addr"
)

// evalExpr evaluates an expression in a scope without resource references.
func (ctx *Context) evalExpr(expr hcl.Expression, scope map[string]cty.Value) (cty.Value, hcl.Diagnostics) {
	return ctx.evalExprRefs(expr, scope, nil, nil)
}

// evalExprRefs evaluates an expression after checking every scope traversal
// against the template's declarations. Resource references are permitted
// only when the scope carries a "Resource" object; references to resources
// excluded by a false condition are errors even though those resources are
// declared. When refs is non-nil, the logical names of referenced resources
// are appended to it so the caller can record implicit dependency edges.
func (ctx *Context) evalExprRefs(expr hcl.Expression, scope map[string]cty.Value, excluded map[string]bool, refs *[]string) (cty.Value, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	for _, traversal := range expr.Variables() {
		ref, refDiags := addr.ParseRef(traversal)
		diags = append(diags, refDiags...)
		if refDiags.HasErrors() {
			continue
		}
		refDiag := ctx.checkRef(ref, scope, excluded)
		if refDiag != nil {
			diags = append(diags, refDiag)
			continue
		}
		if resRef, ok := ref.(*addr.ResourceRef); ok && refs != nil {
			*refs = append(*refs, resRef.LogicalID)
		}
	}
	if diags.HasErrors() {
		return cty.DynamicVal, diags
	}

	ectx := &hcl.EvalContext{
		Variables: scope,
		Functions: ctx.functions(),
	}

	val, valDiags := expr.Value(ectx)
	diags = append(diags, tagImportDiags(valDiags)...)
	return val, diags
}

func (ctx *Context) checkRef(ref addr.Reference, scope map[string]cty.Value, excluded map[string]bool) *hcl.Diagnostic {
	unavailable := func(root, noun string) *hcl.Diagnostic {
		return &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  fmt.Sprintf("%s not available here", noun),
			Detail:   fmt.Sprintf("The %q symbol cannot be used in this context.", root),
			Subject:  ref.SourceRange().Ptr(),
		}
	}
	unresolved := func(reason string) *hcl.Diagnostic {
		return &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Reference to undeclared value",
			Detail:   fmt.Sprintf("The reference %s cannot be resolved: %s.", ref, reason),
			Subject:  ref.SourceRange().Ptr(),
			Extra: &UnresolvedReferenceError{
				Ref:      ref.String(),
				Reason:   reason,
				SrcRange: ref.SourceRange(),
			},
		}
	}

	switch r := ref.(type) {
	case *addr.ParamRef:
		if _, ok := scope["Param"]; !ok {
			return unavailable("Param", "Parameters")
		}
		if ctx.Config.Parameters[r.Name] == nil {
			return unresolved("no such parameter is declared")
		}
	case *addr.CondRef:
		if _, ok := scope["Cond"]; !ok {
			return unavailable("Cond", "Conditions")
		}
		if ctx.Config.Conditions[r.Name] == nil {
			return unresolved("no such condition is declared")
		}
	case *addr.MapRef:
		if _, ok := scope["Map"]; !ok {
			return unavailable("Map", "Mappings")
		}
		if ctx.Config.Mappings[r.Name] == nil {
			return unresolved("no such mapping is declared")
		}
	case *addr.StackRef:
		switch r.Attr {
		case "Name", "Region", "AccountID":
		default:
			return unresolved("the Stack object has no such attribute")
		}
	case *addr.ResourceRef:
		if _, ok := scope["Resource"]; !ok {
			return unavailable("Resource", "Resources")
		}
		res := ctx.Config.Resources[r.LogicalID]
		if res == nil {
			return unresolved("no such resource is declared")
		}
		if excluded[r.LogicalID] {
			return unresolved("the resource is excluded by its condition for this invocation")
		}
		if r.Attr != "" && r.Attr != "ID" {
			rt := ctx.Schema.ResourceTypes[res.Type]
			if rt == nil || rt.Attributes[r.Attr] == nil {
				return unresolved(fmt.Sprintf("resource type %q has no attribute %q", res.Type, r.Attr))
			}
		}
	}
	return nil
}

func (ctx *Context) functions() map[string]function.Function {
	return map[string]function.Function{
		"format":      stdlib.FormatFunc,
		"join":        stdlib.JoinFunc,
		"concat":      stdlib.ConcatFunc,
		"lower":       stdlib.LowerFunc,
		"upper":       stdlib.UpperFunc,
		"importvalue": ctx.importValueFunc(),
	}
}

const importMissDetail = "no exported value named"

func (ctx *Context) importValueFunc() function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "name", Type: cty.String},
		},
		Type: function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			if !args[0].IsKnown() {
				return cty.UnknownVal(cty.String), nil
			}
			name := args[0].AsString()
			if ctx.Imports == nil {
				return cty.NilVal, fmt.Errorf("%s %q is available", importMissDetail, name)
			}
			val, ok, err := ctx.Imports.LookupExport(name)
			if err != nil {
				return cty.NilVal, err
			}
			if !ok {
				return cty.NilVal, fmt.Errorf("%s %q is available", importMissDetail, name)
			}
			return convert.Convert(val, cty.String)
		},
	})
}

var importMissPattern = regexp.MustCompile(`no exported value named "([^"]+)"`)

// tagImportDiags attaches an ImportNotFoundError to diagnostics produced by
// a failed importvalue call, so callers can match the error type without
// string comparison.
func tagImportDiags(diags hcl.Diagnostics) hcl.Diagnostics {
	for _, diag := range diags {
		if diag.Severity != hcl.DiagError || diag.Extra != nil {
			continue
		}
		m := importMissPattern.FindStringSubmatch(diag.Detail)
		if m == nil {
			continue
		}
		importErr := &ImportNotFoundError{Name: m[1]}
		if diag.Subject != nil {
			importErr.SrcRange = *diag.Subject
		}
		diag.Extra = importErr
	}
	return diags
}
