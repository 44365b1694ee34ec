package dq

import (
	"fmt"
	"log"

	"github.com/orneryd/dqgraph/pkg/convert"
	"github.com/orneryd/dqgraph/pkg/storage"
)

// Lifecycle deletes classes.
type Lifecycle struct {
	taxonomy *Taxonomy
}

// NewLifecycle creates a Lifecycle.
func NewLifecycle(taxonomy *Taxonomy) *Lifecycle {
	return &Lifecycle{taxonomy: taxonomy}
}

// DeleteClass removes the class with label and every flag directly linked
// to it, attachments included, and returns the number of flags removed.
//
// Child classes are not reparented. Their edge to the deleted class goes
// with it, leaving each child as the root of a disconnected subtree.
func (l *Lifecycle) DeleteClass(tx storage.Transaction, label string) (int, error) {
	class, err := l.taxonomy.lookup(tx, label)
	if err != nil {
		return 0, err
	}

	edges, err := tx.Edges(class.ID, storage.Incoming, RelHasClass)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range edges {
		child, err := tx.GetNode(e.StartNode)
		if err != nil {
			return removed, err
		}
		switch {
		case hasExactLabel(child, FlagLabel):
			if _, err := tx.DetachDeleteNode(child.ID); err != nil {
				return removed, fmt.Errorf("deleting flag %s of class %q: %w", child.ID, label, err)
			}
			removed++
		case hasExactLabel(child, ClassLabel):
			orphanedClassesTotal.Inc()
			log.Printf("[dq] class %q orphaned by deletion of %q", convert.ToString(child.Properties[PropClass]), label)
		}
	}

	if _, err := tx.DetachDeleteNode(class.ID); err != nil {
		return removed, fmt.Errorf("deleting class %q: %w", label, err)
	}
	classesDeletedTotal.Inc()
	log.Printf("[dq] deleted class %q with %d flags (tx %s)", label, removed, tx.ID())
	return removed, nil
}
