// Package catalog provides the controller's durable metadata store.
//
// File records, placement records, node records and node metrics history
// are kept in a BadgerDB keyspace with JSON-encoded values. Every logical
// operation runs inside a single Badger transaction so concurrent uploads,
// deletes and heartbeats never interleave partial writes to the same record.
//
// Key layout:
//
//	file:<file_id>                    FileRecord
//	placement:<file_id>:<node_id>     PlacementRecord
//	node:<node_id>                    NodeRecord
//	nodemetrics:<node_id>:<unixnano>  NodeMetricsRecord
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v3"
)

// Catalog error types.
var (
	ErrFileNotFound = errors.New("file not found")
	ErrNodeNotFound = errors.New("node not found")
)

// Store wraps the Badger database backing the controller's metadata.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the catalog at the given directory.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens an ephemeral catalog, used in tests.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory catalog: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func fileKey(fileID string) []byte {
	return []byte("file:" + fileID)
}

func placementKey(fileID, nodeID string) []byte {
	return []byte("placement:" + fileID + ":" + nodeID)
}

func placementPrefix(fileID string) []byte {
	return []byte("placement:" + fileID + ":")
}

func nodeKey(nodeID string) []byte {
	return []byte("node:" + nodeID)
}

func nodeMetricsKey(nodeID string, unixNano int64) []byte {
	return []byte(fmt.Sprintf("nodemetrics:%s:%020d", nodeID, unixNano))
}

func nodeMetricsPrefix(nodeID string) []byte {
	return []byte("nodemetrics:" + nodeID + ":")
}

// setJSON marshals v and writes it under key within the transaction.
func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set(key, data)
}

// getJSON reads key within the transaction and unmarshals it into v.
// Returns badger.ErrKeyNotFound when the key is absent.
func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	return json.Unmarshal(data, v)
}
