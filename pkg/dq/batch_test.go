package dq

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/dqgraph/pkg/pool"
	"github.com/orneryd/dqgraph/pkg/storage"
)

func TestTargets_NodeIDs(t *testing.T) {
	ids, err := SingleRef("7").NodeIDs()
	require.NoError(t, err)
	assert.Equal(t, []storage.NodeID{"7"}, ids)

	ids, err = RawIDs(3, 12).NodeIDs()
	require.NoError(t, err)
	assert.Equal(t, []storage.NodeID{"3", "12"}, ids)

	ids, err = Refs().NodeIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = Refs("1", "").NodeIDs()
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = RawIDs(0).NodeIDs()
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestScheduler_DeleteFlagsBatches(t *testing.T) {
	f := newFixture(t, nil)
	entity := f.entity(t)
	flags := f.flags(t, entity, "BadName", 5)

	n, err := f.svc.DeleteFlags(context.Background(), Refs(flags...), 2)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, int32(3), f.exec.submits.Load(), "batches of 2, 2 and 1")

	for _, id := range flags {
		assert.False(t, f.nodeExists(t, id))
	}
	assert.True(t, f.nodeExists(t, entity))
	assert.Nil(t, statsOf(t, f, "Missing"))
	assert.Equal(t, &Stats{Class: "BadName"}, statsOf(t, f, "BadName"), "class survives its flags")

	t.Run("batch sizes", func(t *testing.T) {
		flags := f.flags(t, entity, "BadName", 5)
		var mu sync.Mutex
		var sizes []int
		spy := func(ctx context.Context, tx storage.Transaction, batch []storage.NodeID) (int, error) {
			mu.Lock()
			sizes = append(sizes, len(batch))
			mu.Unlock()
			return deleteFlagBatch(ctx, tx, batch)
		}

		s := NewScheduler(f.engine, f.pool, SchedulerConfig{})
		n, err := s.run(context.Background(), "delete_flags", Refs(flags...), 2, spy)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		assert.Equal(t, []int{2, 2, 1}, sizes)
	})
}

func TestScheduler_DeleteFlagsDefaultBatchSize(t *testing.T) {
	f := newFixture(t, nil)
	flags := f.flags(t, f.entity(t), "BadName", 3)

	n, err := f.svc.DeleteFlags(context.Background(), Refs(flags...), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int32(3), f.exec.submits.Load())
}

func TestScheduler_DeleteFlagsRawIDs(t *testing.T) {
	f := newFixture(t, nil)
	flags := f.flags(t, f.entity(t), "BadName", 2)

	var raw []int64
	for _, id := range flags {
		v, err := strconv.ParseInt(string(id), 10, 64)
		require.NoError(t, err)
		raw = append(raw, v)
	}

	n, err := f.svc.DeleteFlags(context.Background(), RawIDs(raw...), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestScheduler_DeleteFlagsSkipsNonFlags(t *testing.T) {
	f := newFixture(t, nil)
	entity := f.entity(t)
	flags := f.flags(t, entity, "BadName", 1)

	n, err := f.svc.DeleteFlags(context.Background(), Refs(flags[0], entity, "424242"), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, f.nodeExists(t, entity))
}

func TestScheduler_InvalidArguments(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.DeleteFlags(context.Background(), SingleRef("1"), -1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.svc.DeleteFlagsOfEntities(context.Background(), RawIDs(-4), 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	n, err := f.svc.DeleteFlags(context.Background(), Refs(), 5)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.exec.submits.Load())
}

func TestScheduler_DeleteFlagsOfEntities(t *testing.T) {
	f := newFixture(t, nil)
	a := f.entity(t)
	b := f.entity(t)
	c := f.entity(t)
	aFlags := f.flags(t, a, "BadName", 2)
	bFlags := f.flags(t, b, "BadDate", 1)
	cFlags := f.flags(t, c, "BadName", 1)

	n, err := f.svc.DeleteFlagsOfEntities(context.Background(), Refs(a, b), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "counts entities, not flags")

	for _, id := range append(aFlags, bFlags...) {
		assert.False(t, f.nodeExists(t, id))
	}
	assert.True(t, f.nodeExists(t, cFlags[0]))
	assert.True(t, f.nodeExists(t, a))
	assert.True(t, f.nodeExists(t, b))
}

func TestScheduler_PartialFailure(t *testing.T) {
	f := newFixture(t, nil)
	flags := f.flags(t, f.entity(t), "BadName", 5)
	f.exec.rejectAfter = 1

	n, err := f.svc.DeleteFlags(context.Background(), Refs(flags...), 2)
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, ErrBatchFailure)
	assert.ErrorIs(t, err, pool.ErrRejected)

	var batchErr *BatchError
	require.True(t, errors.As(err, &batchErr))
	assert.Equal(t, 2, batchErr.Committed)
	assert.Equal(t, 1, batchErr.Batches)

	assert.False(t, f.nodeExists(t, flags[0]))
	assert.False(t, f.nodeExists(t, flags[1]))
	for _, id := range flags[2:] {
		assert.True(t, f.nodeExists(t, id), "later batches untouched")
	}
}

func TestScheduler_EscapesCallerTransaction(t *testing.T) {
	f := newFixture(t, nil)
	flags := f.flags(t, f.entity(t), "BadName", 2)

	outer, err := f.engine.Begin()
	require.NoError(t, err)

	n, err := f.svc.DeleteFlags(context.Background(), Refs(flags...), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, outer.Rollback())
	for _, id := range flags {
		assert.False(t, f.nodeExists(t, id), "batch commit is independent of the caller's transaction")
	}
}

func TestScheduler_BatchTimeout(t *testing.T) {
	f := newFixture(t, &Config{BatchTimeout: 30 * time.Millisecond, BatchSettleTimeout: 20 * time.Millisecond})
	flags := f.flags(t, f.entity(t), "BadName", 1)

	// occupy every worker so the batch sits in the queue
	release := make(chan struct{})
	var blockers []*pool.Future
	for i := 0; i < f.pool.Config().MaxWorkers; i++ {
		fut, err := f.pool.Submit(context.Background(), func(ctx context.Context) error {
			<-release
			return nil
		})
		require.NoError(t, err)
		blockers = append(blockers, fut)
	}

	n, err := f.svc.DeleteFlags(context.Background(), Refs(flags...), 1)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ErrBatchFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	for _, b := range blockers {
		require.NoError(t, b.Wait(context.Background()))
	}
	assert.True(t, f.nodeExists(t, flags[0]), "timed out batch did not commit")
}

// slowExecutor runs each task and then keeps the future open for delay, so
// the batch commits before its wait times out but finishes after it.
type slowExecutor struct {
	inner Executor
	delay time.Duration
}

func (e *slowExecutor) Submit(ctx context.Context, task pool.Task) (*pool.Future, error) {
	return e.inner.Submit(context.WithoutCancel(ctx), func(taskCtx context.Context) error {
		err := task(taskCtx)
		time.Sleep(e.delay)
		return err
	})
}

func TestScheduler_CommitAfterTimeoutIsCounted(t *testing.T) {
	f := newFixture(t, nil)
	flags := f.flags(t, f.entity(t), "BadName", 3)

	s := NewScheduler(f.engine, &slowExecutor{inner: f.pool, delay: 100 * time.Millisecond},
		SchedulerConfig{BatchTimeout: 20 * time.Millisecond})
	n, err := s.DeleteFlags(context.Background(), Refs(flags...), 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBatchFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, n)

	var batchErr *BatchError
	require.True(t, errors.As(err, &batchErr))
	assert.Equal(t, 2, batchErr.Committed, "committed batch is reported")
	assert.Equal(t, 1, batchErr.Batches)

	assert.False(t, f.nodeExists(t, flags[0]))
	assert.False(t, f.nodeExists(t, flags[1]))
	assert.True(t, f.nodeExists(t, flags[2]), "scheduler stops after the timed out batch")
}

func TestScheduler_RateLimit(t *testing.T) {
	f := newFixture(t, &Config{BatchRateLimit: 1000})
	flags := f.flags(t, f.entity(t), "BadName", 3)

	n, err := f.svc.DeleteFlags(context.Background(), Refs(flags...), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.svc.DeleteFlags(ctx, Refs("1"), 1)
	assert.ErrorIs(t, err, ErrBatchFailure)
}
