package placement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/blobmesh/blobmesh/internal/catalog"
	"github.com/blobmesh/blobmesh/internal/metrics"
	"github.com/blobmesh/blobmesh/pkg/proto"
)

var (
	// ErrInsufficientReplicas means fewer active nodes exist than the
	// replication factor requires. Nothing is written in that case.
	ErrInsufficientReplicas = errors.New("not enough active nodes for replication")

	// ErrFileNotFound covers both unknown and soft-deleted files.
	ErrFileNotFound = errors.New("file not found")

	// ErrAllNodesFailed means every selected node rejected the store
	// fan-out, so no placement was committed.
	ErrAllNodesFailed = errors.New("all selected nodes failed to store content")
)

// Engine owns placement decisions and the fan-out to storage nodes.
type Engine struct {
	store       *catalog.Store
	nodes       *NodeClient
	replication int
	callTimeout time.Duration
	metrics     *metrics.ControllerMetrics
}

// Config tunes the placement engine.
type Config struct {
	ReplicationFactor int
	CallTimeout       time.Duration
}

func NewEngine(store *catalog.Store, nodes *NodeClient, cfg Config, cm *metrics.ControllerMetrics) *Engine {
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 2
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Engine{
		store:       store,
		nodes:       nodes,
		replication: cfg.ReplicationFactor,
		callTimeout: cfg.CallTimeout,
		metrics:     cm,
	}
}

// storeResult is the outcome of one node's store fan-out call.
type storeResult struct {
	node catalog.NodeRecord
	resp *proto.StoreResponse
	err  error
}

// StoreFile places content on replication-factor nodes and commits the
// catalog rows for the replicas that succeeded. The upload is accepted
// as long as at least one replica stores the content; nodes that failed
// are reported in the response warnings.
func (e *Engine) StoreFile(ctx context.Context, filename string, content []byte) (*proto.UploadResponse, error) {
	active, err := e.store.ListActiveNodes()
	if err != nil {
		return nil, fmt.Errorf("list active nodes: %w", err)
	}
	if len(active) < e.replication {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientReplicas, e.replication, len(active))
	}

	fileID := uuid.NewString()
	sum := sha256.Sum256(content)
	checksum := hex.EncodeToString(sum[:])
	targets := selectNodes(active, e.replication)

	// Detached from the request context: a client that disconnects
	// mid-upload must not abort replicas already being written.
	fanoutCtx := context.WithoutCancel(ctx)

	results := make([]storeResult, len(targets))
	var wg sync.WaitGroup
	for i, node := range targets {
		wg.Add(1)
		go func(i int, node catalog.NodeRecord) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(fanoutCtx, e.callTimeout)
			defer cancel()
			resp, err := e.nodes.Store(callCtx, node.URL, fileID, content)
			results[i] = storeResult{node: node, resp: resp, err: err}
		}(i, node)
	}
	wg.Wait()

	var stored []string
	var warnings []string
	for _, res := range results {
		if res.err != nil {
			log.Warn().Err(res.err).Str("node", res.node.NodeID).Str("file", fileID).Msg("store fan-out failed")
			warnings = append(warnings, fmt.Sprintf("node %s failed: %v", res.node.NodeID, res.err))
			if e.metrics != nil {
				e.metrics.FanoutFailures.WithLabelValues("store").Inc()
			}
			continue
		}
		if res.resp.Checksum != checksum {
			log.Warn().
				Str("node", res.node.NodeID).
				Str("file", fileID).
				Str("want", checksum).
				Str("got", res.resp.Checksum).
				Msg("node reported different checksum")
		}
		stored = append(stored, res.node.NodeID)
	}

	if len(stored) == 0 {
		return nil, fmt.Errorf("%w: file %s", ErrAllNodesFailed, fileID)
	}

	file := catalog.FileRecord{
		FileID:    fileID,
		Filename:  filename,
		Size:      int64(len(content)),
		Checksum:  checksum,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateFile(file, stored); err != nil {
		return nil, fmt.Errorf("commit file record: %w", err)
	}

	status := "success"
	if len(stored) < e.replication {
		status = "partial"
		if e.metrics != nil {
			e.metrics.PartialUploads.Inc()
		}
	}
	if e.metrics != nil {
		e.metrics.Uploads.Inc()
		e.metrics.UploadBytes.Add(float64(len(content)))
	}

	log.Info().
		Str("file", fileID).
		Str("filename", filename).
		Int64("size", file.Size).
		Strs("nodes", stored).
		Str("status", status).
		Msg("file stored")

	return &proto.UploadResponse{
		FileID:   fileID,
		Filename: filename,
		Size:     file.Size,
		Checksum: checksum,
		Nodes:    stored,
		Status:   status,
		Warnings: warnings,
	}, nil
}

// RetrieveFile returns the content and catalog record for a file,
// trying its placements in order until one replica serves it.
func (e *Engine) RetrieveFile(ctx context.Context, fileID string) ([]byte, *catalog.FileRecord, error) {
	file, err := e.store.GetFile(fileID)
	if errors.Is(err, catalog.ErrFileNotFound) {
		return nil, nil, ErrFileNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if file.IsDeleted {
		return nil, nil, ErrFileNotFound
	}

	placements, err := e.store.Placements(fileID)
	if err != nil {
		return nil, nil, err
	}

	var lastErr error
	for _, p := range placements {
		node, err := e.store.GetNode(p.NodeID)
		if err != nil {
			lastErr = err
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		content, err := e.nodes.Retrieve(callCtx, node.URL, fileID)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("node", p.NodeID).Str("file", fileID).Msg("retrieve from replica failed")
			if e.metrics != nil {
				e.metrics.FanoutFailures.WithLabelValues("retrieve").Inc()
			}
			lastErr = err
			continue
		}

		sum := sha256.Sum256(content)
		if got := hex.EncodeToString(sum[:]); got != file.Checksum {
			log.Warn().
				Str("node", p.NodeID).
				Str("file", fileID).
				Str("want", file.Checksum).
				Str("got", got).
				Msg("replica served corrupt content, trying next")
			lastErr = fmt.Errorf("checksum mismatch from node %s", p.NodeID)
			continue
		}

		if e.metrics != nil {
			e.metrics.Downloads.Inc()
		}
		return content, file, nil
	}

	if lastErr != nil {
		return nil, nil, fmt.Errorf("no replica could serve file %s: %w", fileID, lastErr)
	}
	return nil, nil, fmt.Errorf("no replicas recorded for file %s", fileID)
}

// DeleteFile soft-deletes the catalog record, then makes a best-effort
// pass over the replicas to reclaim space. The delete succeeds once the
// record is marked; node cleanup failures are logged, not retried.
func (e *Engine) DeleteFile(ctx context.Context, fileID string) (*proto.DeleteResponse, error) {
	err := e.store.MarkDeleted(fileID)
	if errors.Is(err, catalog.ErrFileNotFound) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}

	placements, err := e.store.Placements(fileID)
	if err != nil {
		return nil, err
	}

	// Cleanup outlives the request: the soft delete is already durable.
	cleanupCtx := context.WithoutCancel(ctx)

	cleaned := make([]string, 0, len(placements))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range placements {
		node, err := e.store.GetNode(p.NodeID)
		if err != nil {
			log.Warn().Err(err).Str("node", p.NodeID).Str("file", fileID).Msg("skipping cleanup, node unknown")
			continue
		}

		wg.Add(1)
		go func(nodeID, nodeURL string) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(cleanupCtx, e.callTimeout)
			defer cancel()
			if err := e.nodes.Delete(callCtx, nodeURL, fileID); err != nil {
				log.Warn().Err(err).Str("node", nodeID).Str("file", fileID).Msg("replica cleanup failed")
				if e.metrics != nil {
					e.metrics.FanoutFailures.WithLabelValues("delete").Inc()
				}
				return
			}
			mu.Lock()
			cleaned = append(cleaned, nodeID)
			mu.Unlock()
		}(p.NodeID, node.URL)
	}
	wg.Wait()
	sort.Strings(cleaned)

	if e.metrics != nil {
		e.metrics.Deletes.Inc()
	}
	log.Info().Str("file", fileID).Strs("cleaned", cleaned).Msg("file deleted")

	return &proto.DeleteResponse{
		FileID:       fileID,
		Status:       "deleted",
		NodesCleaned: cleaned,
	}, nil
}

// ListFiles returns catalog listings for all non-deleted files.
func (e *Engine) ListFiles() ([]proto.FileInfo, error) {
	files, err := e.store.ListFiles()
	if err != nil {
		return nil, err
	}

	out := make([]proto.FileInfo, 0, len(files))
	for _, f := range files {
		out = append(out, proto.FileInfo{
			FileID:    f.FileID,
			Filename:  f.Filename,
			Size:      f.Size,
			Checksum:  f.Checksum,
			CreatedAt: f.CreatedAt,
		})
	}
	return out, nil
}

// selectNodes picks count placement targets, preferring nodes with the
// most advisory free space and breaking ties on response time.
func selectNodes(nodes []catalog.NodeRecord, count int) []catalog.NodeRecord {
	sorted := make([]catalog.NodeRecord, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool {
		fi, fj := sorted[i].AvailableSpace(), sorted[j].AvailableSpace()
		if fi != fj {
			return fi > fj
		}
		return sorted[i].AvgResponseMs < sorted[j].AvgResponseMs
	})
	if count > len(sorted) {
		count = len(sorted)
	}
	return sorted[:count]
}
