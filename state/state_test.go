package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/upstack-tools/upstack/schema"
)

func TestSnapshotCopyIsIndependent(t *testing.T) {
	snap := NewSnapshot("frontdoor")
	snap.Serial = 3
	snap.Resources["LB"] = &ResourceState{
		Type:       "AWS::ElasticLoadBalancingV2::LoadBalancer",
		Identifier: "arn:lb",
		Properties: map[string]any{
			"Subnets": []any{"subnet-aaaa"},
		},
		Dependencies: []string{"SG"},
	}

	copied := snap.Copy()
	copied.Serial++
	copied.Resources["LB"].Identifier = "arn:other"
	copied.Resources["LB"].Properties["Subnets"] = []any{"subnet-zzzz"}
	copied.Resources["New"] = &ResourceState{Type: "AWS::EC2::SecurityGroup"}

	assert.Equal(t, 3, snap.Serial)
	assert.Equal(t, "arn:lb", snap.Resources["LB"].Identifier)
	assert.Equal(t, []any{"subnet-aaaa"}, snap.Resources["LB"].Properties["Subnets"])
	assert.NotContains(t, snap.Resources, "New")
	assert.Equal(t, snap.Lineage, copied.Lineage)
}

func TestSnapshotAttrSource(t *testing.T) {
	snap := NewSnapshot("frontdoor")
	snap.Resources["LB"] = &ResourceState{
		Type:       "AWS::ElasticLoadBalancingV2::LoadBalancer",
		Identifier: "arn:lb",
		Properties: map[string]any{
			"DNSName": "lb.example.com",
			"Subnets": []any{"subnet-aaaa"},
		},
	}

	attrs := snap.AttrSource(schema.Builtin())

	vals, ok := attrs.ResourceAttrs("LB")
	require.True(t, ok)
	assert.Equal(t, cty.StringVal("arn:lb"), vals["ID"])
	assert.Equal(t, cty.StringVal("lb.example.com"), vals["DNSName"])

	// Plain properties are exposed only through the property document, not
	// as attributes.
	assert.NotContains(t, vals, "Subnets")

	_, ok = attrs.ResourceAttrs("Missing")
	assert.False(t, ok)
}

func TestNormalizeDocument(t *testing.T) {
	doc := map[string]any{
		"Port":     443,
		"Weight":   int64(7),
		"Ratio":    float32(0.5),
		"Gone":     nil,
		"Subnets":  []any{"subnet-aaaa", 80},
		"Matcher":  map[string]any{"HttpCode": "200", "Unused": nil},
		"Protocol": "HTTPS",
	}

	got := NormalizeDocument(doc)
	assert.Equal(t, map[string]any{
		"Port":     float64(443),
		"Weight":   float64(7),
		"Ratio":    float64(0.5),
		"Subnets":  []any{"subnet-aaaa", float64(80)},
		"Matcher":  map[string]any{"HttpCode": "200"},
		"Protocol": "HTTPS",
	}, got)
}

func TestDocumentRoundTrip(t *testing.T) {
	val := cty.ObjectVal(map[string]cty.Value{
		"Port":     cty.NumberIntVal(443),
		"Protocol": cty.StringVal("HTTPS"),
		"Subnets":  cty.ListVal([]cty.Value{cty.StringVal("subnet-aaaa")}),
	})

	doc, err := DocumentFromValue(val)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"Port":     float64(443),
		"Protocol": "HTTPS",
		"Subnets":  []any{"subnet-aaaa"},
	}, doc)

	back, err := DocumentValue(doc, val.Type())
	require.NoError(t, err)
	assert.True(t, val.RawEquals(back))
}

func TestStringValue(t *testing.T) {
	got, err := StringValue(cty.StringVal("lb.example.com"))
	require.NoError(t, err)
	assert.Equal(t, "lb.example.com", got)

	got, err = StringValue(cty.NumberIntVal(443))
	require.NoError(t, err)
	assert.Equal(t, "443", got)

	got, err = StringValue(cty.ListVal([]cty.Value{cty.StringVal("a"), cty.StringVal("b")}))
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, got)
}
