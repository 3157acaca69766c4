package state

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/upstack-tools/upstack/eval"
	"github.com/upstack-tools/upstack/schema"
)

// Snapshot is the observed state of one stack: every resource the stack
// manages, with the property document last read from the provider. A
// snapshot is read-only for the duration of a plan; a fresh copy is
// mutated during apply and persisted afterwards.
type Snapshot struct {
	StackName string                    `yaml:"stack"`
	Lineage   string                    `yaml:"lineage"`
	Serial    int                       `yaml:"serial"`
	Resources map[string]*ResourceState `yaml:"resources"`
	Outputs   map[string]string         `yaml:"outputs,omitempty"`
}

// ResourceState records one managed resource. Properties holds the full
// observed property document, including read-only attributes reported by
// the provider, keyed by property name.
type ResourceState struct {
	Type         string         `yaml:"type"`
	Identifier   string         `yaml:"identifier"`
	Properties   map[string]any `yaml:"properties"`
	Dependencies []string       `yaml:"dependencies,omitempty"`

	// Retain records that the resource should be forgotten rather than
	// destroyed when it is removed from the template.
	Retain bool `yaml:"retain,omitempty"`
}

func NewSnapshot(stackName string) *Snapshot {
	return &Snapshot{
		StackName: stackName,
		Lineage:   uuid.NewString(),
		Serial:    0,
		Resources: make(map[string]*ResourceState),
	}
}

// Copy returns a deep enough copy for an apply to mutate while the
// original remains the plan's read-only snapshot.
func (s *Snapshot) Copy() *Snapshot {
	ret := &Snapshot{
		StackName: s.StackName,
		Lineage:   s.Lineage,
		Serial:    s.Serial,
		Resources: make(map[string]*ResourceState, len(s.Resources)),
		Outputs:   make(map[string]string, len(s.Outputs)),
	}
	for name, rs := range s.Resources {
		copied := *rs
		copied.Properties = copyDocument(rs.Properties)
		copied.Dependencies = append([]string(nil), rs.Dependencies...)
		ret.Resources[name] = &copied
	}
	for name, val := range s.Outputs {
		ret.Outputs[name] = val
	}
	return ret
}

func copyDocument(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	// Property documents are JSON-shaped, so a marshal round trip is a
	// faithful deep copy.
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	var ret map[string]any
	if err := json.Unmarshal(raw, &ret); err != nil {
		panic(err)
	}
	return ret
}

// AttrSource adapts the snapshot into the evaluator's attribute lookup:
// each tracked resource exposes its identifier as "ID" plus every catalog
// attribute present in its observed property document.
func (s *Snapshot) AttrSource(sch *schema.Schema) eval.AttrSource {
	return &snapshotAttrs{snap: s, sch: sch}
}

type snapshotAttrs struct {
	snap *Snapshot
	sch  *schema.Schema
}

func (a *snapshotAttrs) ResourceAttrs(logicalID string) (map[string]cty.Value, bool) {
	rs := a.snap.Resources[logicalID]
	if rs == nil {
		return nil, false
	}

	attrs := map[string]cty.Value{
		"ID": cty.StringVal(rs.Identifier),
	}
	rt := a.sch.ResourceTypes[rs.Type]
	if rt == nil {
		return attrs, true
	}
	for name, attr := range rt.Attributes {
		raw, ok := rs.Properties[name]
		if !ok {
			continue
		}
		val, err := DocumentValue(raw, attr.CtyType())
		if err != nil {
			continue
		}
		attrs[name] = val
	}
	return attrs, true
}

// DocumentValue converts a JSON-shaped document value into a cty value of
// the given type.
func DocumentValue(raw any, ty cty.Type) (cty.Value, error) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return cty.NilVal, err
	}
	return ctyjson.Unmarshal(buf, ty)
}

// DocumentFromValue converts a wholly-known cty value into the JSON-shaped
// form used in provider calls and state documents. Null attributes are
// omitted rather than serialized, matching how providers report property
// documents.
func DocumentFromValue(val cty.Value) (any, error) {
	val, _ = val.UnmarkDeep()
	buf, err := ctyjson.Marshal(val, val.Type())
	if err != nil {
		return nil, err
	}
	var raw any
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil, err
	}
	return NormalizeDocument(raw), nil
}

// StringValue renders a known, non-null cty value as the string form used
// for stack outputs and exports. Non-string primitives are converted;
// structural values are rendered as compact JSON.
func StringValue(val cty.Value) (string, error) {
	val, _ = val.UnmarkDeep()
	if val.Type() == cty.String {
		return val.AsString(), nil
	}
	if conv, err := convert.Convert(val, cty.String); err == nil {
		return conv.AsString(), nil
	}
	buf, err := ctyjson.Marshal(val, val.Type())
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// NormalizeDocument strips null entries from maps and widens every number
// to float64, recursively, so that documents decoded from YAML state files
// and from JSON provider responses compare equal when they describe the
// same resource.
func NormalizeDocument(raw any) any {
	switch doc := raw.(type) {
	case map[string]any:
		ret := make(map[string]any, len(doc))
		for k, v := range doc {
			if v == nil {
				continue
			}
			ret[k] = NormalizeDocument(v)
		}
		return ret
	case []any:
		ret := make([]any, len(doc))
		for i, v := range doc {
			ret[i] = NormalizeDocument(v)
		}
		return ret
	case int:
		return float64(doc)
	case int64:
		return float64(doc)
	case uint64:
		return float64(doc)
	case float32:
		return float64(doc)
	case json.Number:
		f, err := doc.Float64()
		if err != nil {
			return doc.String()
		}
		return f
	default:
		return raw
	}
}
