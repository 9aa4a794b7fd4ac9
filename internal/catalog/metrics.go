package catalog

import (
	"encoding/json"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v3"

	"github.com/blobmesh/blobmesh/pkg/proto"
)

// AppendNodeMetrics stores one utilization snapshot for a node.
func (s *Store) AppendNodeMetrics(nodeID string, snap proto.MetricsSnapshot) error {
	ts := snap.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	record := NodeMetricsRecord{
		NodeID:                nodeID,
		Timestamp:             ts,
		TotalStorageBytes:     snap.TotalStorageBytes,
		UsedStorageBytes:      snap.UsedStorageBytes,
		AvailableStorageBytes: snap.AvailableStorageBytes,
		FilesCount:            snap.FilesCount,
		UploadOpsCount:        snap.UploadOpsCount,
		DownloadOpsCount:      snap.DownloadOpsCount,
		DeleteOpsCount:        snap.DeleteOpsCount,
		AvgResponseTimeMs:     snap.AvgResponseTimeMs,
		IsHealthy:             snap.IsHealthy,
		CPUUsagePercent:       snap.CPUUsagePercent,
		MemoryUsagePercent:    snap.MemoryUsagePercent,
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, nodeMetricsKey(nodeID, ts.UnixNano()), &record)
	})
}

// NodeMetricsHistory returns snapshots for a node since the given time,
// newest first.
func (s *Store) NodeMetricsHistory(nodeID string, since time.Time) ([]NodeMetricsRecord, error) {
	var records []NodeMetricsRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachJSON(txn, nodeMetricsPrefix(nodeID), func(r *NodeMetricsRecord) error {
			if !r.Timestamp.Before(since) {
				records = append(records, *r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp.After(records[j].Timestamp) })
	return records, nil
}

// LatestNodeMetrics returns the most recent snapshot per node.
func (s *Store) LatestNodeMetrics() (map[string]NodeMetricsRecord, error) {
	latest := make(map[string]NodeMetricsRecord)
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachJSON(txn, []byte("nodemetrics:"), func(r *NodeMetricsRecord) error {
			if cur, ok := latest[r.NodeID]; !ok || r.Timestamp.After(cur.Timestamp) {
				latest[r.NodeID] = *r
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return latest, nil
}

// PruneNodeMetrics removes snapshots older than the cutoff and returns
// how many were deleted. Used by the retention job; file and node rows
// are never pruned.
func (s *Store) PruneNodeMetrics(cutoff time.Time) (int, error) {
	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte("nodemetrics:")
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var r NodeMetricsRecord
			if err := json.Unmarshal(data, &r); err != nil {
				return err
			}
			if r.Timestamp.Before(cutoff) {
				stale = append(stale, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}
