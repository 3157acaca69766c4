package config

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"

	"github.com/upstack-tools/upstack/addr"
	"github.com/upstack-tools/upstack/schema"
)

// SchemaError reports that a template is malformed with respect to the
// template grammar or the resource type catalog: unknown resource types,
// missing required properties, or internally-inconsistent parameter
// constraints. It is always raised before any provider call.
type SchemaError struct {
	Diags hcl.Diagnostics
}

func (e *SchemaError) Error() string {
	if len(e.Diags) == 0 {
		return "invalid template"
	}
	first := e.Diags[0]
	if len(e.Diags) == 1 {
		return fmt.Sprintf("invalid template: %s: %s", first.Summary, first.Detail)
	}
	return fmt.Sprintf("invalid template: %s: %s (and %d more problems)", first.Summary, first.Detail, len(e.Diags)-1)
}

// NewSchemaError returns a *SchemaError wrapping the error diagnostics in
// diags, or nil if there are none.
func NewSchemaError(diags hcl.Diagnostics) error {
	if !diags.HasErrors() {
		return nil
	}
	var errDiags hcl.Diagnostics
	for _, diag := range diags {
		if diag.Severity == hcl.DiagError {
			errDiags = append(errDiags, diag)
		}
	}
	return &SchemaError{Diags: errDiags}
}

// Declared parameter types.
const (
	ParamTypeString = "String"
	ParamTypeNumber = "Number"
	ParamTypeList   = "List"
)

// CtyType returns the value type for values of this parameter.
// Provider-native identifier types (containing "::") are strings on the
// wire.
func (p *Parameter) CtyType() cty.Type {
	switch {
	case p.Type == ParamTypeNumber:
		return cty.Number
	case p.Type == ParamTypeList:
		return cty.List(cty.String)
	default:
		return cty.String
	}
}

func validParamType(name string) bool {
	switch name {
	case ParamTypeString, ParamTypeNumber, ParamTypeList:
		return true
	}
	// Provider-native identifier types, e.g. AWS::EC2::VPC::Id.
	return strings.Contains(name, "::")
}

// ValidateModule checks the module against the resource type catalog and
// returns diagnostics for every schema violation found. It has no side
// effects.
func ValidateModule(mod *Module, sch *schema.Schema) hcl.Diagnostics {
	var diags hcl.Diagnostics

	for name, param := range mod.Parameters {
		if !addr.ValidName(name) {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid parameter name",
				Detail:   "Parameter names may contain only alphanumeric characters.",
				Subject:  &param.DeclRange,
			})
		}
		if !validParamType(param.Type) {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid parameter type",
				Detail: fmt.Sprintf(
					"Parameter %q has type %q; the type must be String, Number, List, or a provider-native identifier type.",
					name, param.Type,
				),
				Subject: &param.DeclRange,
			})
			continue
		}

		valType := param.CtyType()
		if param.AllowedPattern != nil && valType != cty.String {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Pattern constraint not permitted",
				Detail:   "AllowedPattern may be set only for parameters of string type.",
				Subject:  param.AllowedPattern.Range().Ptr(),
			})
		}
		if param.MinLength != nil && valType != cty.String {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Length constraint not permitted",
				Detail:   "MinLength may be set only for parameters of string type.",
				Subject:  param.MinLength.Range().Ptr(),
			})
		}
		if param.MaxLength != nil && valType != cty.String {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Length constraint not permitted",
				Detail:   "MaxLength may be set only for parameters of string type.",
				Subject:  param.MaxLength.Range().Ptr(),
			})
		}
		if param.MinValue != nil && valType != cty.Number {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Value constraint not permitted",
				Detail:   "MinValue may be set only for parameters of number type.",
				Subject:  param.MinValue.Range().Ptr(),
			})
		}
		if param.MaxValue != nil && valType != cty.Number {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Value constraint not permitted",
				Detail:   "MaxValue may be set only for parameters of number type.",
				Subject:  param.MaxValue.Range().Ptr(),
			})
		}
		if param.AllowedPattern != nil && param.AllowedValues != nil {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Conflicting parameter constraints",
				Detail:   fmt.Sprintf("Parameter %q declares both AllowedPattern and AllowedValues; use one or the other.", name),
				Subject:  param.AllowedPattern.Range().Ptr(),
			})
		}
	}

	for name, cond := range mod.Conditions {
		if !addr.ValidName(name) {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid condition name",
				Detail:   "Condition names may contain only alphanumeric characters.",
				Subject:  &cond.NameRange,
			})
		}
	}

	for name, mapping := range mod.Mappings {
		if !addr.ValidName(name) {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid mapping name",
				Detail:   "Mapping names may contain only alphanumeric characters.",
				Subject:  &mapping.NameRange,
			})
		}
	}

	for name, resource := range mod.Resources {
		if !addr.ValidName(name) {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid resource name",
				Detail:   "Resource logical names may contain only alphanumeric characters.",
				Subject:  &resource.DeclRange,
			})
		}

		resType := sch.ResourceTypes[resource.Type]
		if resType == nil {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Unknown resource type",
				Detail:   fmt.Sprintf("The catalog does not define resource type %q.", resource.Type),
				Subject:  &resource.DeclRange,
			})
			continue
		}

		for propName, attr := range resource.Properties {
			if resType.Properties[propName] == nil {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Unknown property",
					Detail:   fmt.Sprintf("Resource type %q does not define property %q.", resource.Type, propName),
					Subject:  &attr.NameRange,
				})
			}
		}
		for propName, prop := range resType.Properties {
			if prop.Required && resource.Properties[propName] == nil {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Missing required property",
					Detail:   fmt.Sprintf("Resource type %q requires property %q.", resource.Type, propName),
					Subject:  &resource.DeclRange,
				})
			}
		}

		if resource.ConditionName != "" && mod.Conditions[resource.ConditionName] == nil {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Reference to undeclared condition",
				Detail:   fmt.Sprintf("There is no condition named %q in this template.", resource.ConditionName),
				Subject:  &resource.ConditionRange,
			})
		}

		for _, dep := range resource.DependsOn {
			if mod.Resources[dep] == nil {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Reference to undeclared resource",
					Detail:   fmt.Sprintf("DependsOn names resource %q, which is not declared in this template.", dep),
					Subject:  &resource.DeclRange,
				})
			}
		}
	}

	for name, output := range mod.Outputs {
		if !addr.ValidName(name) {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid output name",
				Detail:   "Output names may contain only alphanumeric characters.",
				Subject:  &output.DeclRange,
			})
		}
	}

	return diags
}
