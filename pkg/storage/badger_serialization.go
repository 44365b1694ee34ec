// Package storage - Serialization helpers for BadgerDB.
package storage

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// serializeNode converts a Node to JSON bytes for BadgerDB storage.
func serializeNode(node *Node) ([]byte, error) {
	return json.Marshal(node)
}

// deserializeNode converts JSON bytes back to a Node.
func deserializeNode(data []byte) (*Node, error) {
	var node Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("unmarshaling node: %w", err)
	}
	if node.Properties == nil {
		node.Properties = map[string]any{}
	}
	return &node, nil
}

// serializeEdge converts an Edge to JSON bytes for BadgerDB storage.
func serializeEdge(edge *Edge) ([]byte, error) {
	return json.Marshal(edge)
}

// deserializeEdge converts JSON bytes back to an Edge.
func deserializeEdge(data []byte) (*Edge, error) {
	var edge Edge
	if err := json.Unmarshal(data, &edge); err != nil {
		return nil, fmt.Errorf("unmarshaling edge: %w", err)
	}
	if edge.Properties == nil {
		edge.Properties = map[string]any{}
	}
	return &edge, nil
}

// readNode loads and decodes the node stored under id.
func readNode(txn *badger.Txn, id NodeID) (*Node, error) {
	item, err := txn.Get(nodeKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading node: %w", err)
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("reading node value: %w", err)
	}
	return deserializeNode(data)
}

// readEdge loads and decodes the edge stored under id.
func readEdge(txn *badger.Txn, id EdgeID) (*Edge, error) {
	item, err := txn.Get(edgeKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading edge: %w", err)
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("reading edge value: %w", err)
	}
	return deserializeEdge(data)
}

func copyProperties(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
