package eval

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
)

// UnresolvedReferenceError reports an expression that names a parameter,
// condition, mapping or resource that is not declared in the template, or
// a resource that has been excluded from the template by a false condition.
// It is raised during evaluation, before any provider call.
type UnresolvedReferenceError struct {
	Ref      string
	Reason   string
	SrcRange hcl.Range
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference %s at %s: %s", e.Ref, e.SrcRange, e.Reason)
}

// ImportNotFoundError reports a cross-stack import whose export name is not
// published by any applied stack. It is raised during evaluation, before
// any provider call.
type ImportNotFoundError struct {
	Name     string
	SrcRange hcl.Range
}

func (e *ImportNotFoundError) Error() string {
	return fmt.Sprintf("no stack exports a value named %q (at %s)", e.Name, e.SrcRange)
}

// TypedError returns the first typed error attached to the given
// diagnostics, falling back to the diagnostics themselves when they contain
// errors without a typed cause, and nil when they contain no errors at all.
func TypedError(diags hcl.Diagnostics) error {
	for _, diag := range diags {
		if diag.Severity != hcl.DiagError {
			continue
		}
		if err, ok := diag.Extra.(error); ok {
			return err
		}
	}
	if diags.HasErrors() {
		return diags
	}
	return nil
}
