package eval

import "github.com/zclconf/go-cty/cty"

type valueMark string

// Sensitive marks values derived from obscured parameters. The mark
// follows the value through expressions, so anything computed from an
// obscured parameter is obscured too.
const Sensitive = valueMark("sensitive")

// IsSensitive reports whether the value, or any value nested inside it,
// carries the sensitive mark.
func IsSensitive(val cty.Value) bool {
	if val == cty.NilVal {
		return false
	}
	_, marks := val.UnmarkDeep()
	_, ok := marks[Sensitive]
	return ok
}
