// Package node implements the blobmesh storage node agent: a local
// content store plus the HTTP surface and control-plane reporting loops
// that make it part of the cluster.
package node

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/blobmesh/blobmesh/pkg/proto"
)

// Content store error types.
var (
	ErrContentNotFound = errors.New("content not found")
	ErrInvalidFileID   = errors.New("invalid file id")
	ErrCorruptContent  = errors.New("content checksum mismatch")
)

// ContentStore persists raw payloads under a storage directory. Each file
// produces two artifacts: a zstd-compressed payload blob and a small JSON
// metadata sidecar, so listings never re-read payload bytes. Checksums
// are SHA-256 over the exact plaintext bytes received and are verified
// again on every read.
//
// Concurrent stores to the same file id are not serialized; writes go
// through a temp file and rename so the last writer wins with intact
// artifacts. The controller mints fresh ids per upload, so this only
// matters for out-of-band writers.
type ContentStore struct {
	dir string

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewContentStore creates a content store rooted at dir.
func NewContentStore(dir string) (*ContentStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	cs := &ContentStore{dir: dir}
	cs.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	cs.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return cs, nil
}

func validFileID(fileID string) bool {
	if fileID == "" || fileID == "." || fileID == ".." {
		return false
	}
	return !strings.ContainsAny(fileID, "/\\")
}

func (cs *ContentStore) blobPath(fileID string) string {
	return filepath.Join(cs.dir, fileID+".blob")
}

func (cs *ContentStore) metaPath(fileID string) string {
	return filepath.Join(cs.dir, fileID+".meta")
}

// Put stores content under the given file id and returns its metadata.
func (cs *ContentStore) Put(fileID string, content []byte) (*proto.ContentMeta, error) {
	if !validFileID(fileID) {
		return nil, ErrInvalidFileID
	}

	sum := sha256.Sum256(content)
	meta := &proto.ContentMeta{
		FileID:   fileID,
		Size:     int64(len(content)),
		Checksum: hex.EncodeToString(sum[:]),
		StoredAt: time.Now().UTC().Format(time.RFC3339),
	}

	compressed := cs.compress(content)
	if err := writeAtomic(cs.blobPath(fileID), compressed); err != nil {
		return nil, fmt.Errorf("write payload %s: %w", fileID, err)
	}

	sidecar, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal sidecar %s: %w", fileID, err)
	}
	if err := writeAtomic(cs.metaPath(fileID), sidecar); err != nil {
		return nil, fmt.Errorf("write sidecar %s: %w", fileID, err)
	}

	log.Info().
		Str("file", fileID).
		Int64("size", meta.Size).
		Msg("stored file")
	return meta, nil
}

// Get returns the plaintext content for a file id. The payload checksum
// is re-verified against the sidecar to catch on-disk corruption.
func (cs *ContentStore) Get(fileID string) ([]byte, error) {
	if !validFileID(fileID) {
		return nil, ErrInvalidFileID
	}

	meta, err := cs.readMeta(fileID)
	if err != nil {
		return nil, err
	}

	compressed, err := os.ReadFile(cs.blobPath(fileID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read payload %s: %w", fileID, err)
	}

	content, err := cs.decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress payload %s: %w", fileID, err)
	}

	sum := sha256.Sum256(content)
	if hex.EncodeToString(sum[:]) != meta.Checksum {
		return nil, fmt.Errorf("%w: %s", ErrCorruptContent, fileID)
	}
	return content, nil
}

// Delete removes a file's payload and sidecar. Deleting an absent file
// is not an error.
func (cs *ContentStore) Delete(fileID string) error {
	if !validFileID(fileID) {
		return ErrInvalidFileID
	}

	for _, path := range []string{cs.blobPath(fileID), cs.metaPath(fileID)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	log.Info().Str("file", fileID).Msg("deleted file")
	return nil
}

// List returns metadata for every stored file, served from sidecars only.
func (cs *ContentStore) List() ([]proto.ContentMeta, error) {
	entries, err := os.ReadDir(cs.dir)
	if err != nil {
		return nil, fmt.Errorf("read storage dir: %w", err)
	}

	var files []proto.ContentMeta
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".meta") {
			continue
		}
		fileID := strings.TrimSuffix(entry.Name(), ".meta")
		meta, err := cs.readMeta(fileID)
		if err != nil {
			log.Error().Err(err).Str("file", fileID).Msg("skipping unreadable sidecar")
			continue
		}
		files = append(files, *meta)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].FileID < files[j].FileID })
	return files, nil
}

// UsedSpace sums the logical payload sizes of all stored files. It is
// recomputed from the sidecars on every call to avoid drift after
// crashes.
func (cs *ContentStore) UsedSpace() (int64, error) {
	files, err := cs.List()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total, nil
}

func (cs *ContentStore) readMeta(fileID string) (*proto.ContentMeta, error) {
	data, err := os.ReadFile(cs.metaPath(fileID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read sidecar %s: %w", fileID, err)
	}
	var meta proto.ContentMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode sidecar %s: %w", fileID, err)
	}
	return &meta, nil
}

func (cs *ContentStore) compress(data []byte) []byte {
	enc := cs.encoderPool.Get().(*zstd.Encoder)
	defer cs.encoderPool.Put(enc)
	return enc.EncodeAll(data, nil)
}

func (cs *ContentStore) decompress(data []byte) ([]byte, error) {
	dec := cs.decoderPool.Get().(*zstd.Decoder)
	defer cs.decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}

// writeAtomic writes data via a temp file and rename so a crash never
// leaves a partially written artifact behind.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
