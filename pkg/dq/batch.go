package dq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/orneryd/dqgraph/pkg/pool"
	"github.com/orneryd/dqgraph/pkg/storage"
)

// Targets is the set of nodes a batch deletion works on. Build it with
// SingleRef, Refs or RawIDs.
type Targets struct {
	ids []storage.NodeID
	raw []int64
}

// SingleRef targets one node.
func SingleRef(id storage.NodeID) Targets {
	return Targets{ids: []storage.NodeID{id}}
}

// Refs targets the given nodes in order.
func Refs(ids ...storage.NodeID) Targets {
	return Targets{ids: ids}
}

// RawIDs targets nodes by their numeric identifiers.
func RawIDs(ids ...int64) Targets {
	return Targets{raw: ids}
}

// Len is the number of targets before validation.
func (t Targets) Len() int {
	return len(t.ids) + len(t.raw)
}

// NodeIDs validates the targets and returns them as node ids.
func (t Targets) NodeIDs() ([]storage.NodeID, error) {
	out := make([]storage.NodeID, 0, t.Len())
	for _, id := range t.ids {
		if id == "" {
			return nil, invalidArgument("empty node reference")
		}
		out = append(out, id)
	}
	for _, id := range t.raw {
		if id <= 0 {
			return nil, invalidArgument("node id %d out of range", id)
		}
		out = append(out, storage.NodeID(strconv.FormatInt(id, 10)))
	}
	return out, nil
}

// Executor runs tasks off the caller's goroutine. *pool.Pool implements it.
type Executor interface {
	Submit(ctx context.Context, task pool.Task) (*pool.Future, error)
}

// SchedulerConfig tunes batch deletion.
type SchedulerConfig struct {
	// BatchTimeout bounds each batch from submission to commit. Zero means
	// no bound beyond the caller's context.
	BatchTimeout time.Duration
	// RateLimit caps batches per second. Zero means unlimited.
	RateLimit float64
	// SettleTimeout bounds how long a batch whose wait ended early is still
	// awaited to learn whether it committed. Zero means DefaultSettleTimeout.
	SettleTimeout time.Duration
}

// DefaultSettleTimeout is the SchedulerConfig.SettleTimeout default.
const DefaultSettleTimeout = 10 * time.Second

// Scheduler splits deletions into batches and runs each batch in its own
// transaction on an Executor. Batches run one after another: the next batch
// is taken only after the previous one committed.
type Scheduler struct {
	engine  storage.Engine
	exec    Executor
	config  SchedulerConfig
	limiter *rate.Limiter
}

// NewScheduler creates a Scheduler.
func NewScheduler(engine storage.Engine, exec Executor, config SchedulerConfig) *Scheduler {
	if config.SettleTimeout <= 0 {
		config.SettleTimeout = DefaultSettleTimeout
	}
	s := &Scheduler{engine: engine, exec: exec, config: config}
	if config.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}
	return s
}

// batchFunc processes one batch inside tx and returns the count it adds to
// the total.
type batchFunc func(ctx context.Context, tx storage.Transaction, batch []storage.NodeID) (int, error)

// DeleteFlags deletes the flags among targets, batchSize at a time, and
// returns how many flags were deleted. Targets that are missing or are not
// flags are skipped. A batchSize of 0 means 1.
//
// On failure the returned error is a *BatchError and the returned count is
// what earlier batches committed.
func (s *Scheduler) DeleteFlags(ctx context.Context, targets Targets, batchSize int) (int, error) {
	return s.run(ctx, "delete_flags", targets, batchSize, deleteFlagBatch)
}

// DeleteFlagsOfEntities deletes every flag raised on the targeted entities,
// batchSize entities at a time. The returned count is the number of
// entities processed, not the number of flags deleted.
func (s *Scheduler) DeleteFlagsOfEntities(ctx context.Context, targets Targets, batchSize int) (int, error) {
	return s.run(ctx, "delete_entity_flags", targets, batchSize, deleteEntityFlagBatch)
}

func (s *Scheduler) run(ctx context.Context, op string, targets Targets, batchSize int, fn batchFunc) (int, error) {
	if batchSize < 0 {
		return 0, invalidArgument("batch size must not be negative, got %d", batchSize)
	}
	if batchSize == 0 {
		batchSize = 1
	}
	ids, err := targets.NodeIDs()
	if err != nil {
		return 0, err
	}

	total, batches := 0, 0
	for start := 0; start < len(ids); start += batchSize {
		batch := ids[start:min(start+batchSize, len(ids))]

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return total, &BatchError{Committed: total, Batches: batches, Err: err}
			}
		}

		n, committed, err := s.runBatch(ctx, op, batch, fn)
		index := batches + 1
		if committed {
			batchItemsTotal.WithLabelValues(op).Add(float64(n))
			total += n
			batches++
		}
		if err != nil {
			batchesTotal.WithLabelValues(op, "failed").Inc()
			log.Printf("[batch] %s: batch %d of %d ids failed, %d committed: %v", op, index, len(batch), total, err)
			return total, &BatchError{Committed: total, Batches: batches, Err: err}
		}
		batchesTotal.WithLabelValues(op, "committed").Inc()
	}

	if batches > 0 {
		log.Printf("[batch] %s: %d batches committed, count=%d", op, batches, total)
	}
	return total, nil
}

// runBatch submits one batch and waits for it. The task rolls back when its
// context ends before commit. committed reports whether the batch's
// transaction committed, which can be true alongside a non-nil error when
// the wait gave up while the commit was under way.
func (s *Scheduler) runBatch(ctx context.Context, op string, batch []storage.NodeID, fn batchFunc) (count int, committed bool, err error) {
	ctx, span := tracer.Start(ctx, "dq.batch."+op,
		trace.WithAttributes(attribute.Int("dq.batch_size", len(batch))))
	defer span.End()
	start := time.Now()

	if s.config.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.BatchTimeout)
		defer cancel()
	}

	var taskCount int
	future, err := s.exec.Submit(ctx, func(taskCtx context.Context) error {
		tx, err := s.engine.Begin()
		if err != nil {
			return err
		}
		n, err := fn(taskCtx, tx, batch)
		if err == nil {
			err = taskCtx.Err()
		}
		if err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		taskCount = n
		return nil
	})
	if err == nil {
		if err = future.Wait(ctx); err != nil && ctx.Err() != nil {
			committed = s.settle(future)
		}
	}
	if err != nil {
		if committed {
			count = taskCount
			log.Printf("[batch] %s: batch of %d ids committed after its wait ended: %v", op, len(batch), err)
			span.SetAttributes(attribute.Int("dq.count", count))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return count, committed, err
	}

	count = taskCount
	batchDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("dq.count", count))
	span.SetStatus(codes.Ok, "")
	return count, true, nil
}

// settle waits up to SettleTimeout for a task whose wait was abandoned and
// reports whether it finished without error, that is, committed.
func (s *Scheduler) settle(future *pool.Future) bool {
	timer := time.NewTimer(s.config.SettleTimeout)
	defer timer.Stop()
	select {
	case <-future.Done():
		return future.Err() == nil
	case <-timer.C:
		return false
	}
}

func deleteFlagBatch(ctx context.Context, tx storage.Transaction, batch []storage.NodeID) (int, error) {
	deleted := 0
	for _, id := range batch {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := tx.GetNode(id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if !hasExactLabel(n, FlagLabel) {
			continue
		}
		if _, err := tx.DetachDeleteNode(id); err != nil {
			return 0, fmt.Errorf("deleting flag %s: %w", id, err)
		}
		deleted++
	}
	return deleted, nil
}

func deleteEntityFlagBatch(ctx context.Context, tx storage.Transaction, batch []storage.NodeID) (int, error) {
	for _, entity := range batch {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		edges, err := tx.Edges(entity, storage.Outgoing, RelHasFlag)
		if err != nil {
			return 0, err
		}
		for _, e := range edges {
			flag, err := tx.GetNode(e.EndNode)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return 0, err
			}
			if !hasExactLabel(flag, FlagLabel) {
				continue
			}
			if _, err := tx.DetachDeleteNode(flag.ID); err != nil {
				return 0, fmt.Errorf("deleting flag %s of entity %s: %w", flag.ID, entity, err)
			}
		}
	}
	return len(batch), nil
}
