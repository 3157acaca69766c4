package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopologicalOrder(t *testing.T) {
	g := Build(map[string][]string{
		"Listener": {"LB", "TG"},
		"LB":       nil,
		"TG":       nil,
		"Rule":     {"Listener"},
	})

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	require.Len(t, order, 4)

	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	assert.Less(t, pos["LB"], pos["Listener"])
	assert.Less(t, pos["TG"], pos["Listener"])
	assert.Less(t, pos["Listener"], pos["Rule"])
}

func TestTopologicalOrderDeterministic(t *testing.T) {
	g := Build(map[string][]string{
		"C": nil,
		"A": nil,
		"B": nil,
	})

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestTopologicalOrderCycle(t *testing.T) {
	g := Build(map[string][]string{
		"A": {"B"},
		"B": {"C"},
		"C": {"A"},
		"D": nil,
	})

	_, err := g.TopologicalOrder()
	var cycleErr *CyclicDependencyError
	require.ErrorAs(t, err, &cycleErr)
	assert.Subset(t, []string{"A", "B", "C"}, cycleErr.Cycle[:len(cycleErr.Cycle)-1])
	assert.GreaterOrEqual(t, len(cycleErr.Cycle), 4)
	assert.Equal(t, cycleErr.Cycle[0], cycleErr.Cycle[len(cycleErr.Cycle)-1])
}

func TestSelfCycle(t *testing.T) {
	g := Build(map[string][]string{
		"A": {"A"},
	})

	_, err := g.TopologicalOrder()
	var cycleErr *CyclicDependencyError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []string{"A", "A"}, cycleErr.Cycle)
}

func TestDependents(t *testing.T) {
	g := Build(map[string][]string{
		"Listener": {"LB"},
		"Rule":     {"Listener"},
	})

	assert.Equal(t, []string{"Listener"}, g.Dependents("LB"))
	assert.Equal(t, []string{"Rule"}, g.Dependents("Listener"))
	assert.Empty(t, g.Dependents("Rule"))
}

func TestImplicitNodes(t *testing.T) {
	g := Build(map[string][]string{
		"Listener": {"LB"},
	})

	assert.Equal(t, []string{"LB", "Listener"}, g.Nodes())
	assert.Empty(t, g.Dependencies("LB"))
}
