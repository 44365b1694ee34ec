// Package storage - BadgerDB transaction wrapper.
//
// A BadgerTransaction is a single Badger read-write transaction. Badger
// gives read-your-writes within the transaction, so pending nodes and edges
// are visible to lookups and traversals before Commit.
package storage

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/dqgraph/pkg/convert"
)

// BadgerTransaction wraps Badger's native transaction.
//
// Badger rejects writes that would make a transaction larger than its
// memtable with badger.ErrTxnTooBig, and concurrent transactions touching
// the same keys fail on Commit with badger.ErrConflict. Both are returned
// wrapped, never retried here.
type BadgerTransaction struct {
	mu sync.Mutex

	id        string
	StartTime time.Time
	Status    TransactionStatus

	badgerTx *badger.Txn
	engine   *BadgerEngine

	operations int
}

// BeginTransaction starts a new Badger transaction.
func (b *BadgerEngine) BeginTransaction() (*BadgerTransaction, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrStorageClosed
	}

	return &BadgerTransaction{
		id:        generateTxID(),
		StartTime: time.Now(),
		Status:    TxStatusActive,
		badgerTx:  b.db.NewTransaction(true),
		engine:    b,
	}, nil
}

// ID returns the transaction identifier.
func (tx *BadgerTransaction) ID() string {
	return tx.id
}

// IsActive returns true if the transaction is still active.
func (tx *BadgerTransaction) IsActive() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.Status == TxStatusActive
}

// OperationCount returns the number of writes performed.
func (tx *BadgerTransaction) OperationCount() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.operations
}

func (tx *BadgerTransaction) set(key, value []byte) error {
	if err := tx.badgerTx.Set(key, value); err != nil {
		return err
	}
	tx.operations++
	return nil
}

func (tx *BadgerTransaction) del(key []byte) error {
	if err := tx.badgerTx.Delete(key); err != nil {
		return err
	}
	tx.operations++
	return nil
}

// scanKeys returns copies of every key under prefix. The iterator is closed
// before returning because a Badger read-write transaction allows only one
// open iterator at a time.
func (tx *BadgerTransaction) scanKeys(prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := tx.badgerTx.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// CreateNode allocates an id and writes the node with its label indexes.
func (tx *BadgerTransaction) CreateNode(labels []string, props map[string]any) (*Node, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return nil, ErrTransactionClosed
	}

	id, err := tx.engine.nextNodeID()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	node := &Node{
		ID:         id,
		Labels:     append([]string(nil), labels...),
		Properties: copyProperties(props),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := tx.writeNode(node); err != nil {
		return nil, err
	}
	return node, nil
}

func (tx *BadgerTransaction) writeNode(node *Node) error {
	nodeBytes, err := serializeNode(node)
	if err != nil {
		return fmt.Errorf("serializing node: %w", err)
	}
	if err := tx.set(nodeKey(node.ID), nodeBytes); err != nil {
		return fmt.Errorf("writing node to transaction: %w", err)
	}
	for _, label := range node.Labels {
		if err := tx.set(labelIndexKey(label, node.ID), []byte{}); err != nil {
			return fmt.Errorf("writing label index: %w", err)
		}
	}
	return nil
}

// GetNode retrieves a node (read-your-writes).
func (tx *BadgerTransaction) GetNode(nodeID NodeID) (*Node, error) {
	if nodeID == "" {
		return nil, ErrInvalidID
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return nil, ErrTransactionClosed
	}
	return readNode(tx.badgerTx, nodeID)
}

// UpdateNode replaces the labels and properties of an existing node.
func (tx *BadgerTransaction) UpdateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}

	existing, err := readNode(tx.badgerTx, node.ID)
	if err != nil {
		return err
	}

	for _, label := range existing.Labels {
		if err := tx.del(labelIndexKey(label, node.ID)); err != nil {
			return fmt.Errorf("deleting label index: %w", err)
		}
	}

	updated := &Node{
		ID:         node.ID,
		Labels:     append([]string(nil), node.Labels...),
		Properties: copyProperties(node.Properties),
		CreatedAt:  existing.CreatedAt,
		UpdatedAt:  time.Now().UTC(),
	}
	return tx.writeNode(updated)
}

// FindNode returns the only node with label whose property key equals value.
func (tx *BadgerTransaction) FindNode(label, key string, value any) (*Node, error) {
	nodes, err := tx.FindNodes(label)
	if err != nil {
		return nil, err
	}

	var match *Node
	count := 0
	for _, n := range nodes {
		v, ok := n.Properties[key]
		if !ok || !convert.PropertyEquals(v, value) {
			continue
		}
		count++
		if match == nil {
			match = n
		}
	}

	switch count {
	case 0:
		return nil, ErrNotFound
	case 1:
		return match, nil
	default:
		return nil, &MultipleFoundError{Label: label, Key: key, Value: value, Count: count}
	}
}

// FindNodes returns every node carrying label in ascending id order.
// An empty label returns every node.
func (tx *BadgerTransaction) FindNodes(label string) ([]*Node, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return nil, ErrTransactionClosed
	}

	var ids []NodeID
	if label == "" {
		for _, key := range tx.scanKeys([]byte{prefixNode}) {
			ids = append(ids, NodeID(key[1:]))
		}
	} else {
		prefix := labelIndexPrefix(label)
		for _, key := range tx.scanKeys(prefix) {
			ids = append(ids, NodeID(key[len(prefix):]))
		}
	}
	sortNodeIDs(ids)

	nodes := make([]*Node, 0, len(ids))
	for _, id := range ids {
		n, err := readNode(tx.badgerTx, id)
		if errors.Is(err, ErrNotFound) {
			// stale index entry
			continue
		}
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// DeleteNode deletes a node that has no remaining relationships.
func (tx *BadgerTransaction) DeleteNode(nodeID NodeID) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}

	node, err := readNode(tx.badgerTx, nodeID)
	if err != nil {
		return err
	}
	if len(tx.scanKeys(outgoingIndexPrefix(nodeID))) > 0 || len(tx.scanKeys(incomingIndexPrefix(nodeID))) > 0 {
		return fmt.Errorf("%w: node %s", ErrNodeHasEdges, nodeID)
	}
	return tx.deleteNodeLocked(node)
}

// DetachDeleteNode deletes a node and every relationship touching it.
func (tx *BadgerTransaction) DetachDeleteNode(nodeID NodeID) (int, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return 0, ErrTransactionClosed
	}

	node, err := readNode(tx.badgerTx, nodeID)
	if err != nil {
		return 0, err
	}

	edgeIDs := tx.edgeIDsLocked(nodeID, Both)
	for _, edgeID := range edgeIDs {
		if err := tx.deleteEdgeLocked(edgeID); err != nil && !errors.Is(err, ErrNotFound) {
			return 0, err
		}
	}
	if err := tx.deleteNodeLocked(node); err != nil {
		return 0, err
	}
	return len(edgeIDs), nil
}

func (tx *BadgerTransaction) deleteNodeLocked(node *Node) error {
	if err := tx.del(nodeKey(node.ID)); err != nil {
		return fmt.Errorf("deleting node: %w", err)
	}
	for _, label := range node.Labels {
		if err := tx.del(labelIndexKey(label, node.ID)); err != nil {
			return fmt.Errorf("deleting label index: %w", err)
		}
	}
	return nil
}

// CreateEdge stores a relationship between two existing nodes.
func (tx *BadgerTransaction) CreateEdge(start, end NodeID, relType string, props map[string]any) (*Edge, error) {
	if relType == "" {
		return nil, fmt.Errorf("%w: relationship type is required", ErrInvalidData)
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return nil, ErrTransactionClosed
	}

	if !tx.nodeExists(start) || !tx.nodeExists(end) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidEdge, start, end)
	}

	id, err := tx.engine.nextEdgeID()
	if err != nil {
		return nil, err
	}
	edge := &Edge{
		ID:         id,
		StartNode:  start,
		EndNode:    end,
		Type:       relType,
		Properties: copyProperties(props),
		CreatedAt:  time.Now().UTC(),
	}

	edgeBytes, err := serializeEdge(edge)
	if err != nil {
		return nil, fmt.Errorf("serializing edge: %w", err)
	}
	if err := tx.set(edgeKey(id), edgeBytes); err != nil {
		return nil, fmt.Errorf("writing edge: %w", err)
	}
	if err := tx.set(outgoingIndexKey(start, id), []byte{}); err != nil {
		return nil, fmt.Errorf("writing outgoing index: %w", err)
	}
	if err := tx.set(incomingIndexKey(end, id), []byte{}); err != nil {
		return nil, fmt.Errorf("writing incoming index: %w", err)
	}
	return edge, nil
}

// GetEdge retrieves an edge (read-your-writes).
func (tx *BadgerTransaction) GetEdge(edgeID EdgeID) (*Edge, error) {
	if edgeID == "" {
		return nil, ErrInvalidID
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return nil, ErrTransactionClosed
	}
	return readEdge(tx.badgerTx, edgeID)
}

// Edges lists the relationships of a node in ascending id order.
func (tx *BadgerTransaction) Edges(nodeID NodeID, dir Direction, relType string) ([]*Edge, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return nil, ErrTransactionClosed
	}

	var edges []*Edge
	for _, edgeID := range tx.edgeIDsLocked(nodeID, dir) {
		edge, err := readEdge(tx.badgerTx, edgeID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if relType != "" && edge.Type != relType {
			continue
		}
		edges = append(edges, edge)
	}
	return edges, nil
}

// edgeIDsLocked collects edge ids from the adjacency indexes. A self-loop
// appears in both indexes but is reported once.
func (tx *BadgerTransaction) edgeIDsLocked(nodeID NodeID, dir Direction) []EdgeID {
	seen := make(map[EdgeID]struct{})
	var ids []EdgeID
	collect := func(prefix []byte) {
		for _, key := range tx.scanKeys(prefix) {
			id := extractEdgeIDFromIndexKey(key)
			if _, dup := seen[id]; dup || id == "" {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	if dir == Outgoing || dir == Both {
		collect(outgoingIndexPrefix(nodeID))
	}
	if dir == Incoming || dir == Both {
		collect(incomingIndexPrefix(nodeID))
	}
	sortEdgeIDs(ids)
	return ids
}

// DeleteEdge deletes an edge and its adjacency index entries.
func (tx *BadgerTransaction) DeleteEdge(edgeID EdgeID) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}
	return tx.deleteEdgeLocked(edgeID)
}

func (tx *BadgerTransaction) deleteEdgeLocked(edgeID EdgeID) error {
	edge, err := readEdge(tx.badgerTx, edgeID)
	if err != nil {
		return err
	}

	if err := tx.del(edgeKey(edgeID)); err != nil {
		return fmt.Errorf("deleting edge: %w", err)
	}
	if err := tx.del(outgoingIndexKey(edge.StartNode, edgeID)); err != nil {
		return fmt.Errorf("deleting outgoing index: %w", err)
	}
	if err := tx.del(incomingIndexKey(edge.EndNode, edgeID)); err != nil {
		return fmt.Errorf("deleting incoming index: %w", err)
	}
	return nil
}

// Commit applies all changes atomically.
func (tx *BadgerTransaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}

	if err := tx.badgerTx.Commit(); err != nil {
		tx.Status = TxStatusRolledBack
		return fmt.Errorf("badger commit failed: %w", err)
	}
	tx.Status = TxStatusCommitted

	// In-memory mode (testing) has no disk to sync.
	if tx.operations > 0 && !tx.engine.IsInMemory() {
		if err := tx.engine.Sync(); err != nil {
			// Committed in Badger's WAL already; only durability timing is affected.
			log.Printf("[Transaction %s] Warning: fsync failed after commit: %v", tx.id, err)
		}
	}
	return nil
}

// Rollback discards all changes.
func (tx *BadgerTransaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status != TxStatusActive {
		return ErrTransactionClosed
	}

	tx.badgerTx.Discard()
	tx.Status = TxStatusRolledBack
	return nil
}

func (tx *BadgerTransaction) nodeExists(nodeID NodeID) bool {
	_, err := tx.badgerTx.Get(nodeKey(nodeID))
	return err == nil
}

// Ids are decimal strings; numeric order keeps listings in creation order.
func lessID(a, b string) bool {
	ai, aerr := strconv.ParseUint(a, 10, 64)
	bi, berr := strconv.ParseUint(b, 10, 64)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}

func sortNodeIDs(ids []NodeID) {
	sort.Slice(ids, func(i, j int) bool { return lessID(string(ids[i]), string(ids[j])) })
}

func sortEdgeIDs(ids []EdgeID) {
	sort.Slice(ids, func(i, j int) bool { return lessID(string(ids[i]), string(ids[j])) })
}
