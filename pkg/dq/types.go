package dq

import (
	"strings"
	"time"

	"github.com/orneryd/dqgraph/pkg/convert"
	"github.com/orneryd/dqgraph/pkg/storage"
)

// FlagClass is a node in the class taxonomy.
type FlagClass struct {
	ID          storage.NodeID `json:"id"`
	Label       string         `json:"label"`
	Parent      string         `json:"parent,omitempty"`
	Description string         `json:"description,omitempty"`
	// AlertTriggerLimit is stored metadata only; 0 means unset.
	AlertTriggerLimit int64 `json:"alertTriggerLimit,omitempty"`
}

// IsRoot reports whether c is the taxonomy root.
func (c *FlagClass) IsRoot() bool {
	return c.Label == RootClass
}

// ClassSpec describes a class to find or create.
type ClassSpec struct {
	Label string
	// Parent defaults to the root when empty.
	Parent string
	// AlertTriggerLimit is stored only when positive.
	AlertTriggerLimit int64
	// Description is stored only when non-empty.
	Description string
}

func (s ClassSpec) parent() string {
	if s.Parent == "" {
		return RootClass
	}
	return s.Parent
}

// FlagInstance is one flag raised on one entity.
type FlagInstance struct {
	ID          storage.NodeID `json:"id"`
	Class       string         `json:"class"`
	Entity      storage.NodeID `json:"entity,omitempty"`
	Labels      []string       `json:"labels"`
	Description string         `json:"description"`
	CreatedAt   time.Time      `json:"created"`
}

// Attachment links a flag to a node that documents it.
type Attachment struct {
	ID          storage.EdgeID `json:"id"`
	Flag        storage.NodeID `json:"flag"`
	Target      storage.NodeID `json:"target"`
	Description string         `json:"description"`
}

// Stats are the flag counts of one class.
type Stats struct {
	Class string `json:"class"`
	// Direct counts flags linked to the class itself.
	Direct int64 `json:"direct"`
	// Indirect counts flags of every descendant class.
	Indirect int64 `json:"indirect"`
	Total    int64 `json:"total"`
}

func classFromNode(tx storage.Transaction, n *storage.Node) (*FlagClass, error) {
	c := &FlagClass{
		ID:          n.ID,
		Label:       convert.ToString(n.Properties[PropClass]),
		Description: convert.ToString(n.Properties[PropDescription]),
	}
	if limit, ok := convert.ToInt64(n.Properties[PropAlertTriggerLimit]); ok {
		c.AlertTriggerLimit = limit
	}

	parents, err := tx.Edges(n.ID, storage.Outgoing, RelHasClass)
	if err != nil {
		return nil, err
	}
	if len(parents) > 0 {
		parent, err := tx.GetNode(parents[0].EndNode)
		if err != nil {
			return nil, err
		}
		c.Parent = convert.ToString(parent.Properties[PropClass])
	}
	return c, nil
}

func flagFromNode(tx storage.Transaction, n *storage.Node) (*FlagInstance, error) {
	f := &FlagInstance{
		ID:          n.ID,
		Labels:      append([]string(nil), n.Labels...),
		Description: convert.ToString(n.Properties[PropDescription]),
	}
	if created := convert.ToString(n.Properties[PropCreated]); created != "" {
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			f.CreatedAt = t
		}
	}

	classes, err := tx.Edges(n.ID, storage.Outgoing, RelHasClass)
	if err != nil {
		return nil, err
	}
	if len(classes) > 0 {
		class, err := tx.GetNode(classes[0].EndNode)
		if err != nil {
			return nil, err
		}
		f.Class = convert.ToString(class.Properties[PropClass])
	} else {
		// class deleted out from under the flag; fall back to its label
		for _, l := range n.Labels {
			if l != FlagLabel {
				f.Class = l
				break
			}
		}
	}

	owners, err := tx.Edges(n.ID, storage.Incoming, RelHasFlag)
	if err != nil {
		return nil, err
	}
	if len(owners) > 0 {
		f.Entity = owners[0].StartNode
	}
	return f, nil
}

// hasExactLabel matches labels case-sensitively, unlike the store's
// label index.
func hasExactLabel(n *storage.Node, label string) bool {
	for _, l := range n.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// IsReservedLabel reports whether label is one of the model's own labels.
func IsReservedLabel(label string) bool {
	for _, r := range reservedLabels {
		if strings.EqualFold(r, label) {
			return true
		}
	}
	return false
}
