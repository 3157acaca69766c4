package plan

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

var actionColors = map[Action]func(format string, a ...interface{}) string{
	Create:  color.GreenString,
	Update:  color.YellowString,
	Replace: color.MagentaString,
	Destroy: color.RedString,
	Forget:  color.CyanString,
}

func colorAction(a Action) string {
	if f, ok := actionColors[a]; ok {
		return f("%s", string(a))
	}
	return string(a)
}

// Render writes a human-readable listing of the plan: one table row per
// operation, property-level detail beneath, and a summary line.
func Render(w io.Writer, p *Plan) {
	if p.Empty() {
		fmt.Fprintln(w, "No changes. The stack matches the template.")
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Resource", "Action", "Type"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, change := range p.Changes {
		table.Append([]string{change.LogicalID, colorAction(change.Action), change.Type})
	}
	table.Render()
	fmt.Fprintln(w)

	for _, change := range p.Changes {
		if len(change.Diffs) == 0 {
			continue
		}
		fmt.Fprintf(w, "%s (%s):\n", change.LogicalID, colorAction(change.Action))
		for _, name := range sortedDiffNames(change.Diffs) {
			diff := change.Diffs[name]
			marker := ""
			if diff.ForcesReplacement {
				marker = color.MagentaString(" # forces replacement")
			}
			before, after := renderValue(diff.Before), renderValue(diff.After)
			if diff.Sensitive {
				before, after = obscureValue(diff.Before), obscureValue(diff.After)
			}
			fmt.Fprintf(w, "  %s: %s -> %s%s\n", name, before, after, marker)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Plan: %s.\n", p.Summary())
	for _, warning := range p.Warnings {
		fmt.Fprintf(w, "%s %s\n", color.YellowString("Warning:"), warning)
	}
}

func obscureValue(val cty.Value) string {
	if val == cty.NilVal || val.IsNull() {
		return "(none)"
	}
	return "(sensitive)"
}

func renderValue(val cty.Value) string {
	switch {
	case val == cty.NilVal || val.IsNull():
		return "(none)"
	case !val.IsWhollyKnown():
		return "(known after apply)"
	}
	raw, err := ctyjson.Marshal(val, val.Type())
	if err != nil {
		return "(unrepresentable)"
	}
	s := string(raw)
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return strings.TrimSpace(s)
}

func sortedDiffNames(diffs map[string]PropertyDiff) []string {
	names := make([]string, 0, len(diffs))
	for name := range diffs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
