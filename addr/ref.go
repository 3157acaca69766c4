package addr

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
)

// Reference is a classified scope traversal found in a template expression.
//
// The evaluator exposes a fixed set of root symbols — "Param", "Cond", "Map",
// "Stack" and "Resource" — and every variable reference in a template must
// resolve through one of them. ParseRef turns a raw hcl.Traversal into the
// corresponding typed reference so that callers can check it against the
// declarations in the template without re-inspecting traversal steps.
type Reference interface {
	referenceSigil()
	String() string
	SourceRange() hcl.Range
}

// ParamRef is a reference to a parameter value, as in Param.Port.
type ParamRef struct {
	Name     string
	SrcRange hcl.Range
}

// CondRef is a reference to a named condition result, as in Cond.UseTLS.
type CondRef struct {
	Name     string
	SrcRange hcl.Range
}

// MapRef is a reference into a mapping table, as in Map.RegionAccounts.
// Only the table name is captured here; the key steps that follow are
// evaluated as ordinary index operations against the table value.
type MapRef struct {
	Name     string
	SrcRange hcl.Range
}

// StackRef is a reference to a pseudo value of the stack under evaluation,
// as in Stack.Region.
type StackRef struct {
	Attr     string
	SrcRange hcl.Range
}

// ResourceRef is a reference to another resource declared in the same
// template, as in Resource.Alb.DNSName. Attr is empty when the reference is
// to the resource's identity rather than one of its attributes.
type ResourceRef struct {
	LogicalID string
	Attr      string
	SrcRange  hcl.Range
}

func (r *ParamRef) referenceSigil()    {}
func (r *CondRef) referenceSigil()     {}
func (r *MapRef) referenceSigil()      {}
func (r *StackRef) referenceSigil()    {}
func (r *ResourceRef) referenceSigil() {}

func (r *ParamRef) String() string { return "Param." + r.Name }
func (r *CondRef) String() string  { return "Cond." + r.Name }
func (r *MapRef) String() string   { return "Map." + r.Name }
func (r *StackRef) String() string { return "Stack." + r.Attr }
func (r *ResourceRef) String() string {
	if r.Attr == "" {
		return "Resource." + r.LogicalID
	}
	return fmt.Sprintf("Resource.%s.%s", r.LogicalID, r.Attr)
}

func (r *ParamRef) SourceRange() hcl.Range    { return r.SrcRange }
func (r *CondRef) SourceRange() hcl.Range     { return r.SrcRange }
func (r *MapRef) SourceRange() hcl.Range      { return r.SrcRange }
func (r *StackRef) SourceRange() hcl.Range    { return r.SrcRange }
func (r *ResourceRef) SourceRange() hcl.Range { return r.SrcRange }

// ParseRef classifies the given traversal. It returns error diagnostics if
// the root symbol is not one of the evaluator's scope roots, or if the
// traversal is too short to name anything within that root.
func ParseRef(traversal hcl.Traversal) (Reference, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	root := traversal.RootName()
	rng := traversal.SourceRange()

	name, nameOK := traversalStepName(traversal, 1)

	switch root {
	case "Param":
		if !nameOK {
			return nil, incompleteRefDiags("Param", "a parameter name", rng)
		}
		return &ParamRef{Name: name, SrcRange: rng}, diags
	case "Cond":
		if !nameOK {
			return nil, incompleteRefDiags("Cond", "a condition name", rng)
		}
		return &CondRef{Name: name, SrcRange: rng}, diags
	case "Map":
		if !nameOK {
			return nil, incompleteRefDiags("Map", "a mapping name", rng)
		}
		return &MapRef{Name: name, SrcRange: rng}, diags
	case "Stack":
		if !nameOK {
			return nil, incompleteRefDiags("Stack", "a stack attribute name", rng)
		}
		return &StackRef{Attr: name, SrcRange: rng}, diags
	case "Resource":
		if !nameOK {
			return nil, incompleteRefDiags("Resource", "a resource logical name", rng)
		}
		ref := &ResourceRef{LogicalID: name, SrcRange: rng}
		if attr, ok := traversalStepName(traversal, 2); ok {
			ref.Attr = attr
		}
		return ref, diags
	default:
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid reference",
			Detail: fmt.Sprintf(
				"The symbol %q is not available. Values may be referenced through Param, Cond, Map, Stack or Resource.",
				root,
			),
			Subject: rng.Ptr(),
		})
		return nil, diags
	}
}

func traversalStepName(traversal hcl.Traversal, idx int) (string, bool) {
	if len(traversal) <= idx {
		return "", false
	}
	if step, ok := traversal[idx].(hcl.TraverseAttr); ok {
		return step.Name, true
	}
	return "", false
}

func incompleteRefDiags(root, wanted string, rng hcl.Range) hcl.Diagnostics {
	return hcl.Diagnostics{
		{
			Severity: hcl.DiagError,
			Summary:  "Incomplete reference",
			Detail:   fmt.Sprintf("A %q reference must be followed by %s, as in %s.Example.", root, wanted, root),
			Subject:  rng.Ptr(),
		},
	}
}
