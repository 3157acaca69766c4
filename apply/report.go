// Package apply executes a plan against a provider, dispatching operations
// with bounded parallelism in the dependency order the plan records.
package apply

import (
	"github.com/upstack-tools/upstack/plan"
	"github.com/upstack-tools/upstack/state"
)

// Status is the terminal state of one planned operation.
type Status string

const (
	StatusSucceeded Status = "succeeded"

	StatusFailed Status = "failed"

	// StatusNotAttempted marks an operation that was never dispatched,
	// either because a dependency failed or because the apply was
	// cancelled before its turn.
	StatusNotAttempted Status = "not attempted"
)

// Result records the outcome of one planned operation.
type Result struct {
	LogicalID string
	Action    plan.Action
	Status    Status
	Err       error
}

// Report is the outcome of an apply. Snapshot reflects every operation
// that completed, even when the apply as a whole failed, so the caller
// must persist it regardless of overall success.
type Report struct {
	Results map[string]*Result

	Snapshot *state.Snapshot

	// Outputs and Exports are populated only when every operation
	// succeeded; a partial apply leaves them empty.
	Outputs map[string]string
	Exports map[string]string
}

// Failed returns true if any operation failed or went unattempted.
func (r *Report) Failed() bool {
	for _, res := range r.Results {
		if res.Status != StatusSucceeded {
			return true
		}
	}
	return false
}

// ByStatus returns the logical names with the given status, in no
// particular order.
func (r *Report) ByStatus(status Status) []string {
	var names []string
	for name, res := range r.Results {
		if res.Status == status {
			names = append(names, name)
		}
	}
	return names
}
