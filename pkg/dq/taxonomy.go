package dq

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/orneryd/dqgraph/pkg/convert"
	"github.com/orneryd/dqgraph/pkg/storage"
)

// Taxonomy finds and creates flag classes.
//
// It holds no state of its own; every call works in the transaction it is
// given.
type Taxonomy struct{}

// NewTaxonomy creates a Taxonomy.
func NewTaxonomy() *Taxonomy {
	return &Taxonomy{}
}

// FindClass returns the class with label without creating it.
func (t *Taxonomy) FindClass(tx storage.Transaction, label string) (*FlagClass, error) {
	n, err := t.lookup(tx, label)
	if err != nil {
		return nil, err
	}
	return classFromNode(tx, n)
}

// FindOrCreateClass returns the class with label, creating it (and its
// parent, recursively) if missing. An empty parent means the root.
//
// An existing class is returned unchanged even when parent differs from
// its current parent: classes are parented once.
func (t *Taxonomy) FindOrCreateClass(tx storage.Transaction, label, parent string) (*FlagClass, error) {
	return t.CreateClass(tx, ClassSpec{Label: label, Parent: parent})
}

// CreateClass is FindOrCreateClass with metadata for a newly created node.
// Metadata is ignored when the class already exists.
func (t *Taxonomy) CreateClass(tx storage.Transaction, spec ClassSpec) (*FlagClass, error) {
	if err := validateClassSpec(spec); err != nil {
		return nil, err
	}
	n, err := t.resolve(tx, spec)
	if err != nil {
		return nil, err
	}
	return classFromNode(tx, n)
}

func validateClassSpec(spec ClassSpec) error {
	if strings.TrimSpace(spec.Label) == "" {
		return invalidArgument("class label is required")
	}
	if IsReservedLabel(spec.Label) {
		return invalidArgument("class label %q is reserved", spec.Label)
	}
	if spec.Label != RootClass && spec.parent() == spec.Label {
		return invalidArgument("class %q cannot be its own parent", spec.Label)
	}
	if spec.Parent != "" && IsReservedLabel(spec.Parent) {
		return invalidArgument("class label %q is reserved", spec.Parent)
	}
	return nil
}

// resolve returns the node for spec.Label. For a new class the parent is
// resolved before anything is written, so an ambiguous parent aborts
// without leaving a half-linked child behind.
func (t *Taxonomy) resolve(tx storage.Transaction, spec ClassSpec) (*storage.Node, error) {
	existing, err := t.lookup(tx, spec.Label)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrClassNotFound) {
		return nil, err
	}

	if spec.Label == RootClass {
		return t.createNode(tx, spec, []string{ClassLabel, RootLabel})
	}

	parent, err := t.resolve(tx, ClassSpec{Label: spec.parent()})
	if err != nil {
		return nil, fmt.Errorf("resolving parent of %q: %w", spec.Label, err)
	}

	n, err := t.createNode(tx, spec, []string{ClassLabel})
	if err != nil {
		return nil, err
	}
	if _, err := tx.CreateEdge(n.ID, parent.ID, RelHasClass, nil); err != nil {
		return nil, fmt.Errorf("linking class %q to %q: %w", spec.Label, spec.parent(), err)
	}
	log.Printf("[dq] created class %q under %q (tx %s)", spec.Label, spec.parent(), tx.ID())
	return n, nil
}

func (t *Taxonomy) createNode(tx storage.Transaction, spec ClassSpec, labels []string) (*storage.Node, error) {
	props := map[string]any{PropClass: spec.Label}
	if spec.Description != "" {
		props[PropDescription] = spec.Description
	}
	if spec.AlertTriggerLimit > 0 {
		props[PropAlertTriggerLimit] = spec.AlertTriggerLimit
	}
	n, err := tx.CreateNode(labels, props)
	if err != nil {
		return nil, fmt.Errorf("creating class %q: %w", spec.Label, err)
	}
	return n, nil
}

// lookup finds the single class node for label. The store's label index
// is case-insensitive, so matches are filtered to the exact class label
// before counting.
func (t *Taxonomy) lookup(tx storage.Transaction, label string) (*storage.Node, error) {
	nodes, err := tx.FindNodes(ClassLabel)
	if err != nil {
		return nil, fmt.Errorf("looking up class %q: %w", label, err)
	}

	var match *storage.Node
	count := 0
	for _, n := range nodes {
		if !hasExactLabel(n, ClassLabel) {
			continue
		}
		if v, ok := n.Properties[PropClass]; !ok || !convert.PropertyEquals(v, label) {
			continue
		}
		count++
		if match == nil {
			match = n
		}
	}

	switch count {
	case 0:
		return nil, fmt.Errorf("%w: %q", ErrClassNotFound, label)
	case 1:
		return match, nil
	default:
		return nil, &MultipleClassesError{Label: label, Count: count}
	}
}
