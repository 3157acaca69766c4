package plan

import (
	"reflect"
	"sort"

	"github.com/zclconf/go-cty/cty"

	"github.com/upstack-tools/upstack/eval"
	"github.com/upstack-tools/upstack/graph"
	"github.com/upstack-tools/upstack/schema"
	"github.com/upstack-tools/upstack/state"
)

// ReplacePolicy decides what happens when a planned replacement has
// dependents that do not declare tolerance for its transient absence.
type ReplacePolicy int

const (
	// ReplaceBlock fails the plan with an UnsafeReplacementError.
	ReplaceBlock ReplacePolicy = iota
	// ReplaceWarn records a warning on the plan and proceeds.
	ReplaceWarn
)

type Options struct {
	ReplacePolicy ReplacePolicy
	ConfigHash    string
}

// Build computes the minimal operation set that converges the observed
// snapshot to the desired graph. It is pure: it issues no provider calls
// and mutates neither input.
func Build(desired *eval.Resolved, snap *state.Snapshot, sch *schema.Schema, opts Options) (*Plan, error) {
	desiredDeps := make(map[string][]string, len(desired.Resources))
	for name, res := range desired.Resources {
		desiredDeps[name] = res.DependsOn
	}
	desiredGraph := graph.Build(desiredDeps)
	order, err := desiredGraph.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	p := &Plan{
		StackName:  snap.StackName,
		Serial:     snap.Serial,
		ConfigHash: opts.ConfigHash,
	}

	changes := make(map[string]*Change)
	for _, name := range order {
		res := desired.Resources[name]
		if res == nil {
			// A dependency that exists only as a graph node; nothing to do.
			continue
		}
		change := diffResource(res, snap.Resources[name], sch)
		changes[name] = change
	}

	// Creates, updates and replacements dispatch in topological order,
	// waiting on every dependency that has an operation of its own.
	for _, name := range order {
		change := changes[name]
		if change == nil || change.Action == NoOp {
			continue
		}
		for _, dep := range desiredGraph.Dependencies(name) {
			if depChange := changes[dep]; depChange != nil && depChange.Action.Mutates() {
				change.WaitFor = append(change.WaitFor, dep)
			}
		}
		sort.Strings(change.WaitFor)
		p.Changes = append(p.Changes, change)
	}

	// The replacement safety gate runs before any destroy is even planned,
	// so an unsafe plan fails with zero side effects.
	for _, name := range order {
		change := changes[name]
		if change == nil || change.Action != Replace {
			continue
		}
		var intolerant []string
		for _, dependent := range desiredGraph.Dependents(name) {
			depRes := desired.Resources[dependent]
			if depRes == nil {
				continue
			}
			rt := sch.ResourceTypes[depRes.Type]
			if rt == nil || !rt.ToleratesDependencyReplacement {
				intolerant = append(intolerant, dependent)
			}
		}
		if len(intolerant) == 0 {
			continue
		}
		unsafe := &UnsafeReplacementError{LogicalID: name, Dependents: intolerant}
		if opts.ReplacePolicy == ReplaceBlock {
			return nil, unsafe
		}
		p.Warnings = append(p.Warnings, unsafe.Error())
	}

	// Resources tracked in state but absent from the desired graph are
	// destroyed in reverse topological order of the recorded state
	// dependencies, so dependents go before their dependencies.
	stateDeps := make(map[string][]string)
	for name := range snap.Resources {
		if _, declared := desired.Resources[name]; declared {
			continue
		}
		stateDeps[name] = nil
	}
	for name := range stateDeps {
		for _, dep := range snap.Resources[name].Dependencies {
			if _, removing := stateDeps[dep]; removing {
				stateDeps[name] = append(stateDeps[name], dep)
			}
		}
	}
	removedGraph := graph.Build(stateDeps)
	removedOrder, err := removedGraph.TopologicalOrder()
	if err != nil {
		// State dependencies were recorded from an acyclic plan, so this
		// should never happen; surface it rather than guessing an order.
		return nil, err
	}

	for i := len(removedOrder) - 1; i >= 0; i-- {
		name := removedOrder[i]
		rs := snap.Resources[name]
		action := Destroy
		if rs.Retain {
			action = Forget
		}
		change := &Change{
			LogicalID:  name,
			Type:       rs.Type,
			Action:     action,
			Identifier: rs.Identifier,
		}
		// A destroy waits for the destroys of everything that depends on
		// the resource.
		for _, dependent := range removedGraph.Dependents(name) {
			change.WaitFor = append(change.WaitFor, dependent)
		}
		sort.Strings(change.WaitFor)
		p.Changes = append(p.Changes, change)
	}

	return p, nil
}

// diffResource classifies the operation needed for a single resource.
func diffResource(res *eval.ResolvedResource, rs *state.ResourceState, sch *schema.Schema) *Change {
	change := &Change{
		LogicalID: res.LogicalID,
		Type:      res.Type,
		Diffs:     make(map[string]PropertyDiff),
	}

	rt := sch.ResourceTypes[res.Type]

	if rs == nil {
		change.Action = Create
		for name, after := range res.Properties {
			diff := PropertyDiff{Before: cty.NilVal, Sensitive: eval.IsSensitive(after)}
			diff.After, _ = after.UnmarkDeep()
			if rt != nil && rt.Properties[name] != nil {
				diff.ForcesReplacement = rt.Properties[name].ForcesReplacement()
			}
			change.Diffs[name] = diff
		}
		return change
	}

	change.Identifier = rs.Identifier

	// A logical resource whose type changed cannot be updated in place,
	// and its old document is meaningless for property-level diffing: the
	// tracked resource is destroyed and a fresh one created.
	if rs.Type != res.Type {
		change.Action = Replace
		change.PriorType = rs.Type
		for name, after := range res.Properties {
			diff := PropertyDiff{Before: cty.NilVal, Sensitive: eval.IsSensitive(after)}
			diff.After, _ = after.UnmarkDeep()
			if rt != nil && rt.Properties[name] != nil {
				diff.ForcesReplacement = rt.Properties[name].ForcesReplacement()
			}
			change.Diffs[name] = diff
		}
		return change
	}

	forcesReplacement := false
	for _, name := range diffPropertyNames(res, rs, rt) {
		var prop *schema.Property
		if rt != nil {
			prop = rt.Properties[name]
		}
		if prop == nil {
			// Observed document keys outside the declared property set are
			// read-only attributes; they never drive an operation.
			continue
		}

		after, declared := res.Properties[name]
		if !declared {
			after = cty.NullVal(prop.CtyType())
		}

		beforeRaw, observed := rs.Properties[name]
		before := cty.NullVal(prop.CtyType())
		if observed {
			if val, err := state.DocumentValue(beforeRaw, prop.CtyType()); err == nil {
				before = val
			}
		}

		if propertyEqual(beforeRaw, observed, after) {
			continue
		}
		diff := PropertyDiff{
			Before:            before,
			ForcesReplacement: prop.ForcesReplacement(),
			Sensitive:         eval.IsSensitive(after),
		}
		diff.After, _ = after.UnmarkDeep()
		change.Diffs[name] = diff
		if diff.ForcesReplacement {
			forcesReplacement = true
		}
	}

	switch {
	case len(change.Diffs) == 0:
		change.Action = NoOp
	case forcesReplacement:
		change.Action = Replace
	default:
		change.Action = Update
	}
	return change
}

// propertyEqual compares an observed document value against a desired
// value. A desired value that is not yet knowable counts as a change: it
// can only become knowable through an operation on a dependency, after
// which the executor re-resolves it. Comparison happens at the document
// level so that omitted optional attributes compare equal to null ones.
func propertyEqual(beforeRaw any, observed bool, after cty.Value) bool {
	if !after.IsWhollyKnown() {
		return false
	}
	if after.IsNull() {
		return !observed
	}
	if !observed {
		return false
	}
	afterRaw, err := state.DocumentFromValue(after)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(afterRaw, state.NormalizeDocument(beforeRaw))
}

func diffPropertyNames(res *eval.ResolvedResource, rs *state.ResourceState, rt *schema.ResourceType) []string {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for name := range res.Properties {
		add(name)
	}
	for name := range rs.Properties {
		if rt != nil && rt.Properties[name] != nil {
			add(name)
		}
	}
	sort.Strings(names)
	return names
}
