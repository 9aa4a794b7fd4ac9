package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v3"
)

// CreateFile commits a new file record together with one placement record
// per node that accepted the write. The commit is atomic: either the file
// and all its placements exist, or nothing does.
func (s *Store) CreateFile(file FileRecord, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return fmt.Errorf("create file %s: no placements", file.FileID)
	}

	now := time.Now().UTC()
	if file.CreatedAt.IsZero() {
		file.CreatedAt = now
	}
	file.UpdatedAt = file.CreatedAt

	return s.db.Update(func(txn *badger.Txn) error {
		if err := setJSON(txn, fileKey(file.FileID), &file); err != nil {
			return err
		}
		for _, nodeID := range nodeIDs {
			placement := PlacementRecord{
				FileID:    file.FileID,
				NodeID:    nodeID,
				CreatedAt: now,
			}
			if err := setJSON(txn, placementKey(file.FileID, nodeID), &placement); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetFile returns the file record for the given id, deleted or not.
func (s *Store) GetFile(fileID string) (*FileRecord, error) {
	var file FileRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, fileKey(fileID), &file)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &file, nil
}

// ListFiles returns all non-deleted file records.
func (s *Store) ListFiles() ([]FileRecord, error) {
	var files []FileRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachJSON(txn, []byte("file:"), func(file *FileRecord) error {
			if !file.IsDeleted {
				files = append(files, *file)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// ListAllFiles returns every file record including soft-deleted ones.
func (s *Store) ListAllFiles() ([]FileRecord, error) {
	var files []FileRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachJSON(txn, []byte("file:"), func(file *FileRecord) error {
			files = append(files, *file)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// MarkDeleted flips the soft-delete flag on a file record. Deleting an
// already-deleted file is a no-op; the record itself is never removed.
func (s *Store) MarkDeleted(fileID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		var file FileRecord
		if err := getJSON(txn, fileKey(fileID), &file); err != nil {
			return err
		}
		if file.IsDeleted {
			return nil
		}
		file.IsDeleted = true
		file.UpdatedAt = time.Now().UTC()
		return setJSON(txn, fileKey(fileID), &file)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrFileNotFound
	}
	return err
}

// Placements returns the placement records for a file, ordered by node id.
func (s *Store) Placements(fileID string) ([]PlacementRecord, error) {
	var placements []PlacementRecord
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := placementPrefix(fileID)
		return forEachJSON(txn, prefix, func(p *PlacementRecord) error {
			placements = append(placements, *p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return placements, nil
}

// AllPlacements returns every placement record in the catalog.
func (s *Store) AllPlacements() ([]PlacementRecord, error) {
	var placements []PlacementRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachJSON(txn, []byte("placement:"), func(p *PlacementRecord) error {
			placements = append(placements, *p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return placements, nil
}

// forEachJSON iterates all JSON values stored under the given key prefix.
func forEachJSON[T any](txn *badger.Txn, prefix []byte, fn func(*T) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		data, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("read %s: %w", item.Key(), err)
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("decode %s: %w", item.Key(), err)
		}
		if err := fn(&v); err != nil {
			return err
		}
	}
	return nil
}
