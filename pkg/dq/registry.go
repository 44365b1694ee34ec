package dq

import (
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/orneryd/dqgraph/pkg/storage"
)

// Registry creates and lists flags and attachments.
type Registry struct {
	taxonomy *Taxonomy
	now      func() time.Time
}

// NewRegistry creates a Registry that resolves classes through taxonomy.
func NewRegistry(taxonomy *Taxonomy) *Registry {
	return &Registry{
		taxonomy: taxonomy,
		now:      time.Now,
	}
}

// CreateFlag raises a flag of class label on entity. The class is created
// under the root if it does not exist. Nothing is written when the entity
// is missing.
func (r *Registry) CreateFlag(tx storage.Transaction, entity storage.NodeID, label, description string) (*FlagInstance, error) {
	if entity == "" {
		return nil, invalidArgument("entity is required")
	}
	if _, err := tx.GetNode(entity); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entity)
		}
		return nil, err
	}

	class, err := r.taxonomy.FindOrCreateClass(tx, label, RootClass)
	if err != nil {
		return nil, err
	}

	created := r.now().UTC()
	flag, err := tx.CreateNode([]string{label, FlagLabel}, map[string]any{
		PropDescription: description,
		PropCreated:     created.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("creating flag: %w", err)
	}
	if _, err := tx.CreateEdge(flag.ID, class.ID, RelHasClass, nil); err != nil {
		return nil, fmt.Errorf("linking flag to class %q: %w", label, err)
	}
	if _, err := tx.CreateEdge(entity, flag.ID, RelHasFlag, nil); err != nil {
		return nil, fmt.Errorf("linking entity %s to flag: %w", entity, err)
	}

	return &FlagInstance{
		ID:          flag.ID,
		Class:       class.Label,
		Entity:      entity,
		Labels:      flag.Labels,
		Description: description,
		CreatedAt:   created,
	}, nil
}

// GetFlag returns the flag with id, or ErrFlagNotFound when id is missing
// or not a flag.
func (r *Registry) GetFlag(tx storage.Transaction, id storage.NodeID) (*FlagInstance, error) {
	n, err := r.flagNode(tx, id)
	if err != nil {
		return nil, err
	}
	return flagFromNode(tx, n)
}

func (r *Registry) flagNode(tx storage.Transaction, id storage.NodeID) (*storage.Node, error) {
	n, err := tx.GetNode(id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !hasExactLabel(n, FlagLabel)) {
		return nil, fmt.Errorf("%w: %s", ErrFlagNotFound, id)
	}
	return n, err
}

// AttachToFlag links flag to target with a description.
func (r *Registry) AttachToFlag(tx storage.Transaction, flag, target storage.NodeID, description string) (*Attachment, error) {
	if _, err := r.flagNode(tx, flag); err != nil {
		return nil, err
	}
	if _, err := tx.GetNode(target); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: attachment target %s", ErrEntityNotFound, target)
		}
		return nil, err
	}

	e, err := tx.CreateEdge(flag, target, RelHasAttachment, map[string]any{
		PropDescription: description,
	})
	if err != nil {
		return nil, fmt.Errorf("attaching to flag %s: %w", flag, err)
	}
	return &Attachment{
		ID:          e.ID,
		Flag:        flag,
		Target:      target,
		Description: description,
	}, nil
}

// Attachments lists the attachments of a flag.
func (r *Registry) Attachments(tx storage.Transaction, flag storage.NodeID) ([]*Attachment, error) {
	if _, err := r.flagNode(tx, flag); err != nil {
		return nil, err
	}
	edges, err := tx.Edges(flag, storage.Outgoing, RelHasAttachment)
	if err != nil {
		return nil, err
	}
	out := make([]*Attachment, 0, len(edges))
	for _, e := range edges {
		desc, _ := e.Properties[PropDescription].(string)
		out = append(out, &Attachment{ID: e.ID, Flag: flag, Target: e.EndNode, Description: desc})
	}
	return out, nil
}

// FlagsOfEntity lists the flags raised on entity.
func (r *Registry) FlagsOfEntity(tx storage.Transaction, entity storage.NodeID) ([]*FlagInstance, error) {
	if _, err := tx.GetNode(entity); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entity)
		}
		return nil, err
	}
	edges, err := tx.Edges(entity, storage.Outgoing, RelHasFlag)
	if err != nil {
		return nil, err
	}

	var flags []*FlagInstance
	for _, e := range edges {
		n, err := tx.GetNode(e.EndNode)
		if err != nil {
			return nil, err
		}
		if !hasExactLabel(n, FlagLabel) {
			continue
		}
		f, err := flagFromNode(tx, n)
		if err != nil {
			return nil, err
		}
		flags = append(flags, f)
	}
	return flags, nil
}

// ListFlags yields every flag, or only flags carrying label when it is not
// empty. Each range over the sequence reads the store afresh.
func (r *Registry) ListFlags(tx storage.Transaction, label string) iter.Seq2[*FlagInstance, error] {
	return func(yield func(*FlagInstance, error) bool) {
		nodes, err := tx.FindNodes(FlagLabel)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, n := range nodes {
			if !hasExactLabel(n, FlagLabel) {
				continue
			}
			if label != "" && !hasExactLabel(n, label) {
				continue
			}
			f, err := flagFromNode(tx, n)
			if !yield(f, err) || err != nil {
				return
			}
		}
	}
}

// ListClasses yields every class, or only the class whose label equals
// label when it is not empty. The root is included.
func (r *Registry) ListClasses(tx storage.Transaction, label string) iter.Seq2[*FlagClass, error] {
	return func(yield func(*FlagClass, error) bool) {
		nodes, err := tx.FindNodes(ClassLabel)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, n := range nodes {
			if !hasExactLabel(n, ClassLabel) {
				continue
			}
			c, err := classFromNode(tx, n)
			if err == nil && label != "" && c.Label != label {
				continue
			}
			if !yield(c, err) || err != nil {
				return
			}
		}
	}
}

// Collect drains a sequence into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}
