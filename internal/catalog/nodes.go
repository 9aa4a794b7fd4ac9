package catalog

import (
	"errors"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v3"

	"github.com/blobmesh/blobmesh/pkg/proto"
)

// UpsertNode registers a storage node or refreshes an existing one.
// Re-registration overwrites the URL and capacity, reactivates the node
// and refreshes its heartbeat, which handles a node restarting with the
// same identity.
func (s *Store) UpsertNode(nodeID, url string, capacity int64) error {
	now := time.Now().UTC()
	return s.db.Update(func(txn *badger.Txn) error {
		var node NodeRecord
		err := getJSON(txn, nodeKey(nodeID), &node)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			node = NodeRecord{
				NodeID:    nodeID,
				CreatedAt: now,
			}
		case err != nil:
			return err
		}

		node.URL = url
		node.Capacity = capacity
		node.IsActive = true
		node.LastHeartbeat = now
		return setJSON(txn, nodeKey(nodeID), &node)
	})
}

// RecordHeartbeat refreshes the liveness timestamp for a known node and
// folds in any advisory stats the heartbeat carried. Unknown nodes are
// rejected with ErrNodeNotFound; heartbeats never implicitly register.
func (s *Store) RecordHeartbeat(nodeID string, stats *proto.NodeStats) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		var node NodeRecord
		if err := getJSON(txn, nodeKey(nodeID), &node); err != nil {
			return err
		}

		node.IsActive = true
		node.LastHeartbeat = time.Now().UTC()
		if stats != nil {
			node.UsedSpace = stats.UsedSpace
			node.FilesCount = stats.FilesCount
			node.AvgResponseMs = stats.AvgResponseMs
		}
		return setJSON(txn, nodeKey(nodeID), &node)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNodeNotFound
	}
	return err
}

// GetNode returns the record for a single node.
func (s *Store) GetNode(nodeID string) (*NodeRecord, error) {
	var node NodeRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, nodeKey(nodeID), &node)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// ListActiveNodes returns all nodes currently marked active, ordered by id.
func (s *Store) ListActiveNodes() ([]NodeRecord, error) {
	nodes, err := s.ListAllNodes()
	if err != nil {
		return nil, err
	}
	active := nodes[:0]
	for _, node := range nodes {
		if node.IsActive {
			active = append(active, node)
		}
	}
	return active, nil
}

// ListAllNodes returns every node record, active or not, ordered by id.
func (s *Store) ListAllNodes() ([]NodeRecord, error) {
	var nodes []NodeRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachJSON(txn, []byte("node:"), func(node *NodeRecord) error {
			nodes = append(nodes, *node)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	return nodes, nil
}

// MarkNodesInactive flips the active flag off for the given nodes in a
// single transaction. Unknown ids are skipped.
func (s *Store) MarkNodesInactive(nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, nodeID := range nodeIDs {
			var node NodeRecord
			err := getJSON(txn, nodeKey(nodeID), &node)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			node.IsActive = false
			if err := setJSON(txn, nodeKey(nodeID), &node); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateNodeUsage refreshes the advisory usage fields on a node record
// from an ingested metrics snapshot.
func (s *Store) UpdateNodeUsage(nodeID string, usedSpace int64, filesCount int, avgResponseMs float64) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		var node NodeRecord
		if err := getJSON(txn, nodeKey(nodeID), &node); err != nil {
			return err
		}
		node.UsedSpace = usedSpace
		node.FilesCount = filesCount
		node.AvgResponseMs = avgResponseMs
		return setJSON(txn, nodeKey(nodeID), &node)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNodeNotFound
	}
	return err
}
