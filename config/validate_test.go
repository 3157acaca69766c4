package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upstack-tools/upstack/schema"
)

func parseModule(t *testing.T, src string) *Module {
	t.Helper()
	parser := NewParser()
	file, diags := parser.ParseFileSource([]byte(src), "test.upstack")
	require.False(t, diags.HasErrors(), diags.Error())
	mod, modDiags := NewModule(".", file)
	require.False(t, modDiags.HasErrors())
	return mod
}

func TestValidateModule(t *testing.T) {
	mod := parseModule(t, frontDoorTemplate)
	diags := ValidateModule(mod, schema.Builtin())
	assert.False(t, diags.HasErrors(), diags.Error())
}

func TestValidateUnknownResourceType(t *testing.T) {
	mod := parseModule(t, `
Resource "Widget" {
  Type = "AWS::Imaginary::Widget"
}
`)
	diags := ValidateModule(mod, schema.Builtin())
	require.True(t, diags.HasErrors())
	assert.Contains(t, diags.Error(), "Unknown resource type")
}

func TestValidateUnknownProperty(t *testing.T) {
	mod := parseModule(t, `
Resource "LB" {
  Type = "AWS::ElasticLoadBalancingV2::LoadBalancer"

  Properties {
    Subnets = ["subnet-aaaa"]
    Colour  = "green"
  }
}
`)
	diags := ValidateModule(mod, schema.Builtin())
	require.True(t, diags.HasErrors())
	assert.Contains(t, diags.Error(), "Unknown property")
}

func TestValidateMissingRequiredProperty(t *testing.T) {
	mod := parseModule(t, `
Resource "LB" {
  Type = "AWS::ElasticLoadBalancingV2::LoadBalancer"
}
`)
	diags := ValidateModule(mod, schema.Builtin())
	require.True(t, diags.HasErrors())
	assert.Contains(t, diags.Error(), "Missing required property")
}

func TestValidateUndeclaredCondition(t *testing.T) {
	mod := parseModule(t, `
Resource "LB" {
  Type      = "AWS::ElasticLoadBalancingV2::LoadBalancer"
  Condition = Cond.Missing

  Properties {
    Subnets = ["subnet-aaaa"]
  }
}
`)
	diags := ValidateModule(mod, schema.Builtin())
	require.True(t, diags.HasErrors())
	assert.Contains(t, diags.Error(), "undeclared condition")
}

func TestValidateUndeclaredDependency(t *testing.T) {
	mod := parseModule(t, `
Resource "LB" {
  Type      = "AWS::ElasticLoadBalancingV2::LoadBalancer"
  DependsOn = [Resource.Missing]

  Properties {
    Subnets = ["subnet-aaaa"]
  }
}
`)
	diags := ValidateModule(mod, schema.Builtin())
	require.True(t, diags.HasErrors())
	assert.Contains(t, diags.Error(), "not declared")
}

func TestValidateParameterConstraintConsistency(t *testing.T) {
	mod := parseModule(t, `
Parameter "Port" {
  Type      = "Number"
  MinLength = 1
}
`)
	diags := ValidateModule(mod, schema.Builtin())
	require.True(t, diags.HasErrors())
	assert.Contains(t, diags.Error(), "Length constraint not permitted")
}

func TestValidateInvalidParameterType(t *testing.T) {
	mod := parseModule(t, `
Parameter "Port" {
  Type = "PortNumber"
}
`)
	diags := ValidateModule(mod, schema.Builtin())
	require.True(t, diags.HasErrors())
	assert.Contains(t, diags.Error(), "Invalid parameter type")
}

func TestNewSchemaError(t *testing.T) {
	mod := parseModule(t, `
Resource "Widget" {
  Type = "AWS::Imaginary::Widget"
}
`)
	err := NewSchemaError(ValidateModule(mod, schema.Builtin()))
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.NotEmpty(t, schemaErr.Diags)

	assert.NoError(t, NewSchemaError(nil))
}
