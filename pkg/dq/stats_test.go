package dq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/dqgraph/pkg/storage"
)

func statsOf(t *testing.T, f *fixture, class string) *Stats {
	t.Helper()
	var s *Stats
	f.view(t, func(tx storage.Transaction) {
		var err error
		s, err = f.svc.Statistics(context.Background(), tx, class)
		require.NoError(t, err)
	})
	return s
}

func TestStatistics_DirectAndIndirect(t *testing.T) {
	f := newFixture(t, nil)
	entity := f.entity(t)

	// two flags on the root itself, three on a child of the root
	f.flags(t, entity, RootClass, 2)
	f.flags(t, entity, "Child", 3)

	assert.Equal(t, &Stats{Class: RootClass, Direct: 2, Indirect: 3, Total: 5}, statsOf(t, f, RootClass))
	assert.Equal(t, &Stats{Class: "Child", Direct: 3, Indirect: 0, Total: 3}, statsOf(t, f, "Child"))
}

func TestStatistics_NestedClasses(t *testing.T) {
	f := newFixture(t, nil)
	entity := f.entity(t)

	f.update(t, func(tx storage.Transaction) {
		_, err := f.svc.CreateClass(tx, "SomeClass", "ParentClass", -1, "")
		require.NoError(t, err)
	})
	f.flags(t, entity, "SomeClass", 4)

	assert.Equal(t, &Stats{Class: RootClass, Direct: 0, Indirect: 4, Total: 4}, statsOf(t, f, ""))
	assert.Equal(t, &Stats{Class: "ParentClass", Direct: 0, Indirect: 4, Total: 4}, statsOf(t, f, "ParentClass"))
	assert.Equal(t, &Stats{Class: "SomeClass", Direct: 4, Indirect: 0, Total: 4}, statsOf(t, f, "SomeClass"))
}

func TestStatistics_EmptyGraph(t *testing.T) {
	f := newFixture(t, nil)

	assert.Nil(t, statsOf(t, f, ""))
	assert.Nil(t, statsOf(t, f, "Missing"))

	f.view(t, func(tx storage.Transaction) {
		_, err := NewAggregator(NewTaxonomy(), 0).ComputeStats(context.Background(), tx, RootClass)
		assert.ErrorIs(t, err, ErrClassNotFound)
	})
}

func TestStatistics_MaxDepth(t *testing.T) {
	f := newFixture(t, nil)

	f.update(t, func(tx storage.Transaction) {
		_, err := f.svc.CreateClass(tx, "L2", "L1", -1, "")
		require.NoError(t, err)
		_, err = f.svc.CreateClass(tx, "L3", "L2", -1, "")
		require.NoError(t, err)
	})

	f.view(t, func(tx storage.Transaction) {
		shallow := NewAggregator(NewTaxonomy(), 2)
		_, err := shallow.ComputeStats(context.Background(), tx, RootClass)
		assert.ErrorIs(t, err, ErrMaxDepthExceeded)

		_, err = shallow.ComputeStats(context.Background(), tx, "L1")
		assert.NoError(t, err, "depth is counted from the start class")
	})
}

func TestStatistics_Cycle(t *testing.T) {
	f := newFixture(t, nil)

	f.update(t, func(tx storage.Transaction) {
		a, err := f.svc.CreateClass(tx, "A", "", -1, "")
		require.NoError(t, err)
		b, err := f.svc.CreateClass(tx, "B", "A", -1, "")
		require.NoError(t, err)
		// corrupt the tree: A also points at B
		_, err = tx.CreateEdge(a.ID, b.ID, RelHasClass, nil)
		require.NoError(t, err)
	})

	f.view(t, func(tx storage.Transaction) {
		_, err := f.svc.Statistics(context.Background(), tx, RootClass)
		assert.ErrorIs(t, err, ErrCycleSuspected)
	})
}

func TestStatistics_DuplicateClass(t *testing.T) {
	f := newFixture(t, nil)
	f.update(t, func(tx storage.Transaction) {
		_, err := f.svc.CreateClass(tx, "Dup", "", -1, "")
		require.NoError(t, err)
	})
	f.duplicateClass(t, "Dup")

	f.view(t, func(tx storage.Transaction) {
		_, err := f.svc.Statistics(context.Background(), tx, "Dup")
		assert.ErrorIs(t, err, ErrMultipleClassesFound)
	})
}

func TestStatistics_CancelledContext(t *testing.T) {
	f := newFixture(t, nil)
	f.flags(t, f.entity(t), "BadName", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.view(t, func(tx storage.Transaction) {
		_, err := f.svc.Statistics(ctx, tx, RootClass)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
