package dq

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orneryd/dqgraph/pkg/pool"
	"github.com/orneryd/dqgraph/pkg/storage"
)

type fixture struct {
	engine *storage.BadgerEngine
	pool   *pool.Pool
	exec   *countingExecutor
	svc    *Service
}

func newFixture(t *testing.T, cfg *Config) *fixture {
	t.Helper()
	engine, err := storage.NewBadgerEngineInMemory()
	require.NoError(t, err)

	p := pool.New(&pool.Config{MaxWorkers: 2, CoreWorkers: 1, QueueSize: 4})
	require.NoError(t, p.Start())

	t.Cleanup(func() {
		p.Stop(context.Background())
		engine.Close()
	})

	exec := &countingExecutor{inner: p}
	return &fixture{
		engine: engine,
		pool:   p,
		exec:   exec,
		svc:    NewService(engine, exec, cfg),
	}
}

func (f *fixture) update(t *testing.T, fn func(tx storage.Transaction)) {
	t.Helper()
	require.NoError(t, f.engine.Update(func(tx storage.Transaction) error {
		fn(tx)
		return nil
	}))
}

func (f *fixture) view(t *testing.T, fn func(tx storage.Transaction)) {
	t.Helper()
	require.NoError(t, f.engine.View(func(tx storage.Transaction) error {
		fn(tx)
		return nil
	}))
}

// entity creates a plain node outside the DQ model.
func (f *fixture) entity(t *testing.T, labels ...string) storage.NodeID {
	t.Helper()
	if len(labels) == 0 {
		labels = []string{"Person"}
	}
	var id storage.NodeID
	f.update(t, func(tx storage.Transaction) {
		n, err := tx.CreateNode(labels, map[string]any{"name": "x"})
		require.NoError(t, err)
		id = n.ID
	})
	return id
}

// flags raises n flags of class label on entity.
func (f *fixture) flags(t *testing.T, entity storage.NodeID, label string, n int) []storage.NodeID {
	t.Helper()
	var ids []storage.NodeID
	f.update(t, func(tx storage.Transaction) {
		for i := 0; i < n; i++ {
			flag, err := f.svc.CreateFlag(tx, entity, label, "")
			require.NoError(t, err)
			ids = append(ids, flag.ID)
		}
	})
	return ids
}

func (f *fixture) nodeExists(t *testing.T, id storage.NodeID) bool {
	t.Helper()
	exists := false
	f.view(t, func(tx storage.Transaction) {
		_, err := tx.GetNode(id)
		exists = err == nil
	})
	return exists
}

// duplicateClass writes a second class node with label, bypassing the
// taxonomy.
func (f *fixture) duplicateClass(t *testing.T, label string) {
	t.Helper()
	f.update(t, func(tx storage.Transaction) {
		_, err := tx.CreateNode([]string{ClassLabel}, map[string]any{PropClass: label})
		require.NoError(t, err)
	})
}

type countingExecutor struct {
	inner       Executor
	submits     atomic.Int32
	rejectAfter int32
}

func (c *countingExecutor) Submit(ctx context.Context, task pool.Task) (*pool.Future, error) {
	n := c.submits.Add(1)
	if c.rejectAfter > 0 && n > c.rejectAfter {
		return nil, pool.ErrRejected
	}
	return c.inner.Submit(ctx, task)
}
