package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const frontDoorTemplate = `
Description = "Front door for the sandbox environment"

Parameter "Port" {
  Type    = "Number"
  Default = 443
}

Parameter "Env" {
  Type    = "String"
  Default = "dev"
}

Conditions {
  IsProd = Param.Env == "prod"
}

Mappings {
  AmisByRegion = {
    "us-east-1" = "ami-11111111"
    "eu-west-1" = "ami-22222222"
  }
}

Resource "LB" {
  Type = "AWS::ElasticLoadBalancingV2::LoadBalancer"

  Properties {
    Subnets = ["subnet-aaaa", "subnet-bbbb"]
  }
}

Resource "WebListener" {
  Type      = "AWS::ElasticLoadBalancingV2::Listener"
  DependsOn = [Resource.LB]

  Properties {
    LoadBalancerArn = Resource.LB.ID
    Port            = Param.Port
    Protocol        = "HTTPS"
    DefaultActions  = []
  }
}

Resource "ProdAlarm" {
  Type      = "AWS::CloudWatch::Alarm"
  Condition = Cond.IsProd

  Properties {
    MetricName         = "HTTPCode_ELB_5XX_Count"
    EvaluationPeriods  = 3
    ComparisonOperator = "GreaterThanThreshold"
  }
}

Output "Endpoint" {
  Value = Resource.LB.DNSName

  Export {
    Name = "sandbox-endpoint"
  }
}
`

func TestParseFileSource(t *testing.T) {
	parser := NewParser()
	file, diags := parser.ParseFileSource([]byte(frontDoorTemplate), "frontdoor.upstack")
	require.False(t, diags.HasErrors(), diags.Error())

	mod, modDiags := NewModule(".", file)
	require.False(t, modDiags.HasErrors())

	require.Len(t, mod.Parameters, 2)
	assert.Equal(t, "Number", mod.Parameters["Port"].Type)
	assert.NotNil(t, mod.Parameters["Port"].Default)

	require.Contains(t, mod.Conditions, "IsProd")
	require.Contains(t, mod.Mappings, "AmisByRegion")

	require.Len(t, mod.Resources, 3)
	lb := mod.Resources["LB"]
	require.NotNil(t, lb)
	assert.Equal(t, "AWS::ElasticLoadBalancingV2::LoadBalancer", lb.Type)
	assert.Equal(t, DeletionPolicyDelete, lb.DeletionPolicy)
	assert.Contains(t, lb.Properties, "Subnets")

	listener := mod.Resources["WebListener"]
	require.NotNil(t, listener)
	assert.Equal(t, []string{"LB"}, listener.DependsOn)

	alarm := mod.Resources["ProdAlarm"]
	require.NotNil(t, alarm)
	assert.Equal(t, "IsProd", alarm.ConditionName)

	endpoint := mod.Outputs["Endpoint"]
	require.NotNil(t, endpoint)
	require.NotNil(t, endpoint.Export)
	assert.NotNil(t, endpoint.Export.Name)
}

func TestParseDeletionPolicy(t *testing.T) {
	const src = `
Resource "Bucket" {
  Type           = "AWS::S3::BucketPolicy"
  DeletionPolicy = "Retain"

  Properties {
    Bucket         = "keep-me"
    PolicyDocument = "{}"
  }
}
`
	parser := NewParser()
	file, diags := parser.ParseFileSource([]byte(src), "retain.upstack")
	require.False(t, diags.HasErrors(), diags.Error())
	assert.Equal(t, DeletionPolicyRetain, file.Resources[0].DeletionPolicy)
}

func TestParseInvalidDeletionPolicy(t *testing.T) {
	const src = `
Resource "Bucket" {
  Type           = "AWS::S3::BucketPolicy"
  DeletionPolicy = "Keep"
}
`
	parser := NewParser()
	_, diags := parser.ParseFileSource([]byte(src), "bad.upstack")
	require.True(t, diags.HasErrors())
	assert.Contains(t, diags.Error(), "Invalid deletion policy")
}

func TestParseInvalidDependsOn(t *testing.T) {
	const src = `
Resource "Listener" {
  Type      = "AWS::ElasticLoadBalancingV2::Listener"
  DependsOn = ["LB"]
}
`
	parser := NewParser()
	_, diags := parser.ParseFileSource([]byte(src), "bad.upstack")
	require.True(t, diags.HasErrors())
}

func TestNewModuleDuplicates(t *testing.T) {
	const src1 = `
Resource "LB" {
  Type = "AWS::ElasticLoadBalancingV2::LoadBalancer"
}
`
	const src2 = `
Resource "LB" {
  Type = "AWS::ElasticLoadBalancingV2::LoadBalancer"
}
`
	parser := NewParser()
	file1, diags := parser.ParseFileSource([]byte(src1), "a.upstack")
	require.False(t, diags.HasErrors())
	file2, diags := parser.ParseFileSource([]byte(src2), "b.upstack")
	require.False(t, diags.HasErrors())

	_, modDiags := NewModule(".", file1, file2)
	require.True(t, modDiags.HasErrors())
	assert.Contains(t, modDiags.Error(), "Duplicate resource")
}

func TestSourceHashStable(t *testing.T) {
	parser := NewParser()
	file, diags := parser.ParseFileSource([]byte(frontDoorTemplate), "frontdoor.upstack")
	require.False(t, diags.HasErrors())

	mod, _ := NewModule(".", file)
	first := mod.SourceHash()
	assert.Equal(t, first, mod.SourceHash())

	other := NewParser()
	otherFile, _ := other.ParseFileSource([]byte(frontDoorTemplate+"\n# trailing\n"), "frontdoor.upstack")
	otherMod, _ := NewModule(".", otherFile)
	assert.NotEqual(t, first, otherMod.SourceHash())
}
