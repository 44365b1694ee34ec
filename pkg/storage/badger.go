// Package storage - BadgerDB engine.
//
// BadgerEngine provides persistent disk-based storage using BadgerDB. Every
// operation runs inside a Badger read-write transaction, so a
// storage.Transaction is exactly one Badger transaction.
package storage

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Key prefixes for BadgerDB storage organization
// Using single-byte prefixes for efficiency
const (
	prefixNode          = byte(0x01) // nodes:nodeID -> Node
	prefixEdge          = byte(0x02) // edges:edgeID -> Edge
	prefixLabelIndex    = byte(0x03) // label:labelName:nodeID -> []byte{}
	prefixOutgoingIndex = byte(0x04) // outgoing:nodeID:edgeID -> []byte{}
	prefixIncomingIndex = byte(0x05) // incoming:nodeID:edgeID -> []byte{}
	prefixSequence      = byte(0x06) // seq:name -> badger sequence lease
)

// sequenceBandwidth is how many ids a sequence leases from Badger at once.
const sequenceBandwidth = 1000

// BadgerEngine provides persistent storage using BadgerDB.
//
// Key Structure:
//   - Nodes: 0x01 + nodeID -> JSON(Node)
//   - Edges: 0x02 + edgeID -> JSON(Edge)
//   - Label Index: 0x03 + label + 0x00 + nodeID -> empty
//   - Outgoing Index: 0x04 + nodeID + 0x00 + edgeID -> empty
//   - Incoming Index: 0x05 + nodeID + 0x00 + edgeID -> empty
//   - Sequences: 0x06 + name -> id lease
//
// Node and edge ids are allocated from Badger sequences and rendered as
// decimal strings, so "42" always names the 42nd node ever created.
//
// Thread Safety:
//
//	Safe for concurrent use from multiple goroutines. Conflicting
//	transactions fail on Commit with badger.ErrConflict.
type BadgerEngine struct {
	db       *badger.DB
	nodeSeq  *badger.Sequence
	edgeSeq  *badger.Sequence
	inMemory bool

	mu     sync.RWMutex
	closed bool
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	// Slower but more durable.
	SyncWrites bool

	// Logger for BadgerDB internal logging.
	// If nil, Badger logging is disabled.
	Logger badger.Logger
}

// NewBadgerEngine creates a new persistent storage engine with default settings.
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("./data/dqgraph")
//	if err != nil {
//		return fmt.Errorf("failed to open database: %w", err)
//	}
//	defer engine.Close()
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineWithOptions creates a BadgerEngine with custom configuration.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	if !opts.InMemory && opts.DataDir == "" {
		return nil, fmt.Errorf("%w: data directory is required", ErrInvalidData)
	}

	dir := opts.DataDir
	if opts.InMemory {
		dir = ""
	}
	badgerOpts := badger.DefaultOptions(dir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}

	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	// nil disables Badger's own logging
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	// Keep the footprint small: the DQ graph is metadata, not bulk data.
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	nodeSeq, err := db.GetSequence(sequenceKey("node"), sequenceBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open node sequence: %w", err)
	}
	edgeSeq, err := db.GetSequence(sequenceKey("edge"), sequenceBandwidth)
	if err != nil {
		nodeSeq.Release()
		db.Close()
		return nil, fmt.Errorf("failed to open edge sequence: %w", err)
	}

	return &BadgerEngine{
		db:       db,
		nodeSeq:  nodeSeq,
		edgeSeq:  edgeSeq,
		inMemory: opts.InMemory,
	}, nil
}

// NewBadgerEngineInMemory creates an in-memory BadgerDB for testing.
//
// Data is not persisted and is lost when the engine is closed.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{
		InMemory: true,
	})
}

// Begin starts a new read-write transaction.
func (b *BadgerEngine) Begin() (Transaction, error) {
	tx, err := b.BeginTransaction()
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Update runs fn inside a new transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (b *BadgerEngine) Update(fn func(tx Transaction) error) error {
	tx, err := b.BeginTransaction()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// View runs fn inside a new transaction that is always rolled back.
func (b *BadgerEngine) View(fn func(tx Transaction) error) error {
	tx, err := b.BeginTransaction()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// Counts returns the number of stored nodes and edges.
func (b *BadgerEngine) Counts() (nodes, edges int64, err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, 0, ErrStorageClosed
	}

	err = b.db.View(func(txn *badger.Txn) error {
		nodes = countPrefix(txn, []byte{prefixNode})
		edges = countPrefix(txn, []byte{prefixEdge})
		return nil
	})
	return nodes, edges, err
}

func countPrefix(txn *badger.Txn, prefix []byte) int64 {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var n int64
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n
}

// IsInMemory reports whether the engine runs without disk persistence.
func (b *BadgerEngine) IsInMemory() bool {
	return b.inMemory
}

// Close releases the id sequences and closes the database.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	b.nodeSeq.Release()
	b.edgeSeq.Release()
	return b.db.Close()
}

// Sync forces a sync of all data to disk.
func (b *BadgerEngine) Sync() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return b.db.Sync()
}

// RunGC runs garbage collection on the BadgerDB value log.
// Should be called periodically for long-running applications.
func (b *BadgerEngine) RunGC() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}

	err := b.db.RunValueLogGC(0.5)
	if err == badger.ErrNoRewrite {
		return nil
	}
	return err
}

func (b *BadgerEngine) nextNodeID() (NodeID, error) {
	n, err := b.nodeSeq.Next()
	if err != nil {
		return "", fmt.Errorf("allocating node id: %w", err)
	}
	return NodeID(strconv.FormatUint(n+1, 10)), nil
}

func (b *BadgerEngine) nextEdgeID() (EdgeID, error) {
	n, err := b.edgeSeq.Next()
	if err != nil {
		return "", fmt.Errorf("allocating edge id: %w", err)
	}
	return EdgeID(strconv.FormatUint(n+1, 10)), nil
}

var (
	_ Engine      = (*BadgerEngine)(nil)
	_ Transaction = (*BadgerTransaction)(nil)
)

func generateTxID() string {
	return "tx-" + uuid.NewString()
}

// ============================================================================
// Key encoding helpers
// ============================================================================

// nodeKey creates a key for storing a node.
func nodeKey(id NodeID) []byte {
	return append([]byte{prefixNode}, []byte(id)...)
}

// edgeKey creates a key for storing an edge.
func edgeKey(id EdgeID) []byte {
	return append([]byte{prefixEdge}, []byte(id)...)
}

func sequenceKey(name string) []byte {
	return append([]byte{prefixSequence}, []byte(name)...)
}

// labelIndexKey creates a key for the label index.
// Format: prefix + label (lowercase) + 0x00 + nodeID
func labelIndexKey(label string, nodeID NodeID) []byte {
	key := labelIndexPrefix(label)
	return append(key, []byte(nodeID)...)
}

// labelIndexPrefix returns the prefix for scanning all nodes with a label.
func labelIndexPrefix(label string) []byte {
	normalizedLabel := strings.ToLower(label)
	key := make([]byte, 0, 1+len(normalizedLabel)+1)
	key = append(key, prefixLabelIndex)
	key = append(key, []byte(normalizedLabel)...)
	key = append(key, 0x00)
	return key
}

// outgoingIndexKey creates a key for the outgoing edge index.
func outgoingIndexKey(nodeID NodeID, edgeID EdgeID) []byte {
	return append(outgoingIndexPrefix(nodeID), []byte(edgeID)...)
}

// outgoingIndexPrefix returns the prefix for scanning outgoing edges.
func outgoingIndexPrefix(nodeID NodeID) []byte {
	key := make([]byte, 0, 1+len(nodeID)+1)
	key = append(key, prefixOutgoingIndex)
	key = append(key, []byte(nodeID)...)
	key = append(key, 0x00)
	return key
}

// incomingIndexKey creates a key for the incoming edge index.
func incomingIndexKey(nodeID NodeID, edgeID EdgeID) []byte {
	return append(incomingIndexPrefix(nodeID), []byte(edgeID)...)
}

// incomingIndexPrefix returns the prefix for scanning incoming edges.
func incomingIndexPrefix(nodeID NodeID) []byte {
	key := make([]byte, 0, 1+len(nodeID)+1)
	key = append(key, prefixIncomingIndex)
	key = append(key, []byte(nodeID)...)
	key = append(key, 0x00)
	return key
}

// extractEdgeIDFromIndexKey extracts the edgeID from an index key.
// Format: prefix + nodeID + 0x00 + edgeID
func extractEdgeIDFromIndexKey(key []byte) EdgeID {
	for i := 1; i < len(key); i++ {
		if key[i] == 0x00 {
			return EdgeID(key[i+1:])
		}
	}
	return ""
}
