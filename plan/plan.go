package plan

import (
	"fmt"
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// Action is the operation the executor must take for one resource.
type Action string

const (
	// NoOp: observed state already matches the desired state.
	NoOp Action = "no-op"
	// Create: the resource is declared but not tracked in state.
	Create Action = "create"
	// Update: property changes can all be applied in place.
	Update Action = "update"
	// Replace: at least one changed property forces destroy-and-recreate.
	Replace Action = "replace"
	// Destroy: the resource is tracked in state but no longer declared.
	Destroy Action = "destroy"
	// Forget: as Destroy, but the resource carries a retain policy, so it
	// is dropped from state and left untouched in the provider.
	Forget Action = "forget"
)

// Mutates returns true if the action issues provider calls.
func (a Action) Mutates() bool {
	switch a {
	case Create, Update, Replace, Destroy:
		return true
	}
	return false
}

// PropertyDiff is one changed property. After is an unknown value when the
// desired value cannot be computed until a dependency has been applied.
// Sensitive diffs derive from obscured parameters and must not be shown.
type PropertyDiff struct {
	Before            cty.Value
	After             cty.Value
	ForcesReplacement bool
	Sensitive         bool
}

// Change is the planned operation for one resource. WaitFor lists the
// logical names whose changes must complete before this one is dispatched;
// the executor honors these edges rather than recomputing them.
type Change struct {
	LogicalID  string
	Type       string
	Action     Action
	Identifier string

	// PriorType is the type the tracked resource was created with, set
	// only when a replacement changes the resource's type. Destroying the
	// old resource must use this type, not Type.
	PriorType string

	Diffs   map[string]PropertyDiff
	WaitFor []string
}

// DestroyType returns the type name a destroy of the tracked resource
// must be issued with.
func (c *Change) DestroyType() string {
	if c.PriorType != "" {
		return c.PriorType
	}
	return c.Type
}

// Plan is an ordered set of operations that converges observed state to
// the desired graph. Changes appear in dispatch order: creates, updates
// and replacements in topological order, then destroys in reverse
// topological order.
type Plan struct {
	StackName  string
	Serial     int
	ConfigHash string
	Changes    []*Change
	Warnings   []string
}

// Empty returns true if the plan contains no operations: re-applying an
// already-converged stack yields an empty plan.
func (p *Plan) Empty() bool {
	return len(p.Changes) == 0
}

// Change returns the planned change for the given logical name, or nil.
func (p *Plan) Change(logicalID string) *Change {
	for _, change := range p.Changes {
		if change.LogicalID == logicalID {
			return change
		}
	}
	return nil
}

// Summary is the count of operations by action.
type Summary struct {
	Create  int
	Update  int
	Replace int
	Destroy int
	Forget  int
}

func (p *Plan) Summary() Summary {
	var s Summary
	for _, change := range p.Changes {
		switch change.Action {
		case Create:
			s.Create++
		case Update:
			s.Update++
		case Replace:
			s.Replace++
		case Destroy:
			s.Destroy++
		case Forget:
			s.Forget++
		}
	}
	return s
}

func (s Summary) String() string {
	return fmt.Sprintf("%d to create, %d to update, %d to replace, %d to destroy", s.Create, s.Update, s.Replace, s.Destroy)
}

// UnsafeReplacementError reports a planned replacement of a resource whose
// dependents do not declare that they tolerate its transient absence. It
// is a dry-run validation gate: it fails the plan before any mutation
// begins.
type UnsafeReplacementError struct {
	LogicalID  string
	Dependents []string
}

func (e *UnsafeReplacementError) Error() string {
	return fmt.Sprintf(
		"replacing %q is unsafe: dependent resources %s do not tolerate its transient absence",
		e.LogicalID, strings.Join(e.Dependents, ", "),
	)
}
