package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func TestPlanFileRoundTrip(t *testing.T) {
	p := &Plan{
		StackName:  "frontdoor",
		Serial:     7,
		ConfigHash: "abc123",
		Warnings:   []string{"something to know"},
		Changes: []*Change{
			{
				LogicalID: "LB",
				Type:      "AWS::ElasticLoadBalancingV2::LoadBalancer",
				Action:    Create,
				Diffs: map[string]PropertyDiff{
					"Subnets": {
						After: cty.ListVal([]cty.Value{cty.StringVal("subnet-aaaa")}),
					},
				},
			},
			{
				LogicalID:  "WebListener",
				Type:       "AWS::ElasticLoadBalancingV2::Listener",
				Action:     Update,
				Identifier: "arn:listener",
				WaitFor:    []string{"LB"},
				Diffs: map[string]PropertyDiff{
					"Port": {
						Before: cty.NumberIntVal(80),
						After:  cty.NumberIntVal(443),
					},
					"LoadBalancerArn": {
						Before: cty.StringVal("arn:lb-old"),
						After:  cty.UnknownVal(cty.String),
					},
				},
			},
			{
				LogicalID:  "OldAlarm",
				Type:       "AWS::CloudWatch::Alarm",
				Action:     Destroy,
				Identifier: "arn:alarm",
			},
			{
				LogicalID:  "Backing",
				Type:       "AWS::ElasticLoadBalancingV2::TargetGroup",
				Action:     Replace,
				Identifier: "sg-0abc",
				PriorType:  "AWS::EC2::SecurityGroup",
				Diffs: map[string]PropertyDiff{
					"VpcId": {After: cty.StringVal("vpc-1234")},
				},
			},
		},
	}

	path := filepath.Join(t.TempDir(), "frontdoor.plan")
	require.NoError(t, WriteFile(path, p))

	got, err := ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, p.StackName, got.StackName)
	assert.Equal(t, p.Serial, got.Serial)
	assert.Equal(t, p.ConfigHash, got.ConfigHash)
	assert.Equal(t, p.Warnings, got.Warnings)
	require.Len(t, got.Changes, 4)

	lb := got.Change("LB")
	require.NotNil(t, lb)
	assert.Equal(t, Create, lb.Action)
	assert.True(t, cty.ListVal([]cty.Value{cty.StringVal("subnet-aaaa")}).RawEquals(lb.Diffs["Subnets"].After))

	listener := got.Change("WebListener")
	require.NotNil(t, listener)
	assert.Equal(t, []string{"LB"}, listener.WaitFor)
	assert.True(t, cty.NumberIntVal(80).RawEquals(listener.Diffs["Port"].Before))
	assert.True(t, cty.NumberIntVal(443).RawEquals(listener.Diffs["Port"].After))

	// Unknown values survive the round trip as unknown of the same type.
	arn := listener.Diffs["LoadBalancerArn"]
	assert.False(t, arn.After.IsKnown())
	assert.Equal(t, cty.String, arn.After.Type())
	assert.True(t, cty.StringVal("arn:lb-old").RawEquals(arn.Before))

	alarm := got.Change("OldAlarm")
	require.NotNil(t, alarm)
	assert.Equal(t, Destroy, alarm.Action)
	assert.Equal(t, "arn:alarm", alarm.Identifier)
	assert.Empty(t, alarm.Diffs)

	backing := got.Change("Backing")
	require.NotNil(t, backing)
	assert.Equal(t, "AWS::EC2::SecurityGroup", backing.PriorType)
	assert.Equal(t, "AWS::EC2::SecurityGroup", backing.DestroyType())
}

func TestReadFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.plan")
	require.NoError(t, os.WriteFile(path, []byte("not a plan"), 0o644))

	_, err := ReadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid")
}
