// Package storage provides the labeled property graph used by dqgraph.
//
// Nodes carry any number of labels and a property map; edges are directed,
// typed, and carry their own properties. All reads and writes go through a
// Transaction obtained from an Engine, and every transaction is atomic.
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("./data")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	err = engine.Update(func(tx storage.Transaction) error {
//		user, err := tx.CreateNode([]string{"User"}, map[string]any{"name": "Alice"})
//		if err != nil {
//			return err
//		}
//		_, err = tx.FindNode("User", "name", "Alice")
//		return err
//	})
package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidID         = errors.New("invalid id")
	ErrInvalidData       = errors.New("invalid data")
	ErrInvalidEdge       = errors.New("invalid edge: start or end node not found")
	ErrStorageClosed     = errors.New("storage closed")
	ErrTransactionClosed = errors.New("transaction already closed")
	ErrNodeHasEdges      = errors.New("node still has relationships")
	ErrMultipleFound     = errors.New("multiple nodes found")
)

// NodeID uniquely identifies a node.
type NodeID string

// EdgeID uniquely identifies an edge.
type EdgeID string

// Node is a vertex in the graph.
type Node struct {
	ID         NodeID         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// HasLabel reports whether the node carries label. Labels compare
// case-insensitively, matching the label index.
func (n *Node) HasLabel(label string) bool {
	for _, l := range n.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// Edge is a directed, typed relationship between two nodes.
type Edge struct {
	ID         EdgeID         `json:"id"`
	StartNode  NodeID         `json:"startNode"`
	EndNode    NodeID         `json:"endNode"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Other returns the endpoint of e that is not id.
func (e *Edge) Other(id NodeID) NodeID {
	if e.StartNode == id {
		return e.EndNode
	}
	return e.StartNode
}

// Direction selects which relationships of a node to traverse.
type Direction int

const (
	// Outgoing selects edges whose StartNode is the node.
	Outgoing Direction = iota
	// Incoming selects edges whose EndNode is the node.
	Incoming
	// Both selects edges in either direction.
	Both
)

func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	case Both:
		return "both"
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

// MultipleFoundError reports a single-node lookup that matched more than one
// node. It satisfies errors.Is(err, ErrMultipleFound).
type MultipleFoundError struct {
	Label string
	Key   string
	Value any
	Count int
}

func (e *MultipleFoundError) Error() string {
	return fmt.Sprintf("%d nodes with label %s and %s=%v", e.Count, e.Label, e.Key, e.Value)
}

// Is lets errors.Is match ErrMultipleFound.
func (e *MultipleFoundError) Is(target error) bool {
	return target == ErrMultipleFound
}

// TransactionStatus represents the current state of a transaction.
type TransactionStatus string

const (
	TxStatusActive     TransactionStatus = "active"
	TxStatusCommitted  TransactionStatus = "committed"
	TxStatusRolledBack TransactionStatus = "rolled_back"
)

// Transaction is a unit of atomic work against the graph.
//
// Reads observe the transaction's own writes. Nothing becomes visible to
// other transactions until Commit succeeds. A transaction is not safe for
// concurrent use beyond the serialisation its own mutex provides; callers
// should keep one transaction per goroutine.
type Transaction interface {
	// ID returns the transaction identifier used in logs.
	ID() string

	// CreateNode allocates a new node id and stores the node.
	CreateNode(labels []string, props map[string]any) (*Node, error)
	// GetNode returns ErrNotFound when the node does not exist.
	GetNode(id NodeID) (*Node, error)
	// UpdateNode replaces labels and properties of an existing node.
	UpdateNode(node *Node) error
	// FindNode returns the single node with label whose property key equals
	// value. It returns ErrNotFound when none match and a *MultipleFoundError
	// when more than one does.
	FindNode(label, key string, value any) (*Node, error)
	// FindNodes returns every node carrying label, or every node when label
	// is empty.
	FindNodes(label string) ([]*Node, error)
	// DeleteNode removes a node that has no relationships left.
	DeleteNode(id NodeID) error
	// DetachDeleteNode removes a node together with all its relationships and
	// returns how many relationships were removed.
	DetachDeleteNode(id NodeID) (int, error)

	// CreateEdge stores a relationship between two existing nodes.
	CreateEdge(start, end NodeID, relType string, props map[string]any) (*Edge, error)
	// GetEdge returns ErrNotFound when the edge does not exist.
	GetEdge(id EdgeID) (*Edge, error)
	// Edges lists relationships of a node in the given direction, optionally
	// restricted to relType (empty matches every type).
	Edges(id NodeID, dir Direction, relType string) ([]*Edge, error)
	// DeleteEdge removes a relationship.
	DeleteEdge(id EdgeID) error

	// OperationCount is the number of writes performed so far.
	OperationCount() int
	Commit() error
	Rollback() error
}

// Engine opens transactions against a graph store.
type Engine interface {
	// Begin starts a read-write transaction.
	Begin() (Transaction, error)
	// Update runs fn in a new transaction and commits it when fn returns nil.
	Update(fn func(tx Transaction) error) error
	// View runs fn in a new transaction that is always rolled back.
	View(fn func(tx Transaction) error) error
	Close() error
}
