package dq

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/orneryd/dqgraph/pkg/storage"
)

// Aggregator computes flag counts over the class hierarchy.
type Aggregator struct {
	taxonomy *Taxonomy
	maxDepth int
}

// NewAggregator creates an Aggregator. A maxDepth of zero or less uses
// DefaultMaxDepth.
func NewAggregator(taxonomy *Taxonomy, maxDepth int) *Aggregator {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Aggregator{taxonomy: taxonomy, maxDepth: maxDepth}
}

// ComputeStats counts the flags of label and of all its descendants in one
// walk. A missing class is ErrClassNotFound, never a zero result.
func (a *Aggregator) ComputeStats(ctx context.Context, tx storage.Transaction, label string) (*Stats, error) {
	ctx, span := tracer.Start(ctx, "dq.ComputeStats",
		trace.WithAttributes(attribute.String("dq.class", label)))
	defer span.End()
	start := time.Now()
	defer func() { statsDuration.Observe(time.Since(start).Seconds()) }()

	class, err := a.taxonomy.lookup(tx, label)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	w := &walker{ctx: ctx, tx: tx, maxDepth: a.maxDepth, path: map[storage.NodeID]bool{}}
	direct, indirect, err := w.walk(class.ID, label, 0)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("dq.direct", direct),
		attribute.Int64("dq.indirect", indirect),
		attribute.Int("dq.visited", w.visited),
	)
	span.SetStatus(codes.Ok, "")
	return &Stats{
		Class:    label,
		Direct:   direct,
		Indirect: indirect,
		Total:    direct + indirect,
	}, nil
}

type walker struct {
	ctx      context.Context
	tx       storage.Transaction
	maxDepth int
	path     map[storage.NodeID]bool
	visited  int
}

// walk returns the direct and indirect counts of class id. path holds the
// classes on the way down from the start class.
func (w *walker) walk(id storage.NodeID, label string, depth int) (direct, indirect int64, err error) {
	if depth > w.maxDepth {
		return 0, 0, fmt.Errorf("%w: %d levels below %q", ErrMaxDepthExceeded, w.maxDepth, label)
	}
	if err := w.ctx.Err(); err != nil {
		return 0, 0, err
	}
	w.path[id] = true
	defer delete(w.path, id)
	w.visited++

	edges, err := w.tx.Edges(id, storage.Incoming, RelHasClass)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range edges {
		child, err := w.tx.GetNode(e.StartNode)
		if err != nil {
			return 0, 0, err
		}
		switch {
		case hasExactLabel(child, FlagLabel):
			direct++
		case hasExactLabel(child, ClassLabel):
			if w.path[child.ID] {
				return 0, 0, fmt.Errorf("%w: class node %s reached twice below %q", ErrCycleSuspected, child.ID, label)
			}
			d, i, err := w.walk(child.ID, label, depth+1)
			if err != nil {
				return 0, 0, err
			}
			indirect += d + i
		}
	}
	return direct, indirect, nil
}
