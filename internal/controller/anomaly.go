package controller

import (
	"fmt"
	"sort"
	"time"

	"github.com/blobmesh/blobmesh/internal/catalog"
	"github.com/blobmesh/blobmesh/pkg/proto"
)

const (
	// opsSpikeFactor flags nodes whose operation count dwarfs their
	// file count, a sign of a hot loop or abusive client.
	opsSpikeFactor = 10

	// staleMetricsAfter flags nodes that stopped reporting metrics.
	staleMetricsAfter = 10 * time.Minute
)

// AnomalyDetector inspects the catalog for inconsistencies and
// suspicious node behavior.
type AnomalyDetector struct {
	store *catalog.Store
}

func NewAnomalyDetector(store *catalog.Store) *AnomalyDetector {
	return &AnomalyDetector{store: store}
}

// Detect runs all checks and returns the findings as human-readable
// descriptions. An empty list means no anomalies.
func (d *AnomalyDetector) Detect() (*proto.AnomalyReport, error) {
	report := &proto.AnomalyReport{
		Anomalies: []string{},
		CheckedAt: time.Now().UTC(),
	}

	if err := d.checkNodeMetrics(report); err != nil {
		return nil, err
	}
	if err := d.checkCatalogConsistency(report); err != nil {
		return nil, err
	}

	sort.Strings(report.Anomalies)
	return report, nil
}

func (d *AnomalyDetector) checkNodeMetrics(report *proto.AnomalyReport) error {
	latest, err := d.store.LatestNodeMetrics()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for nodeID, rec := range latest {
		if rec.FilesCount > 0 && rec.UsedStorageBytes == 0 {
			report.Anomalies = append(report.Anomalies,
				fmt.Sprintf("node %s reports %d files but zero storage usage", nodeID, rec.FilesCount))
		}

		totalOps := rec.UploadOpsCount + rec.DownloadOpsCount + rec.DeleteOpsCount
		threshold := uint64(opsSpikeFactor)
		if rec.FilesCount > 0 {
			threshold = uint64(rec.FilesCount) * opsSpikeFactor
		}
		if totalOps > threshold {
			report.Anomalies = append(report.Anomalies,
				fmt.Sprintf("node %s operation count %d is disproportionate to %d files", nodeID, totalOps, rec.FilesCount))
		}

		if !rec.IsHealthy {
			report.Anomalies = append(report.Anomalies,
				fmt.Sprintf("node %s reports itself unhealthy", nodeID))
		}

		if now.Sub(rec.Timestamp) > staleMetricsAfter {
			report.Anomalies = append(report.Anomalies,
				fmt.Sprintf("node %s has not reported metrics since %s", nodeID, rec.Timestamp.Format(time.RFC3339)))
		}
	}
	return nil
}

// checkCatalogConsistency cross-checks file records against placements.
func (d *AnomalyDetector) checkCatalogConsistency(report *proto.AnomalyReport) error {
	files, err := d.store.ListFiles()
	if err != nil {
		return err
	}
	placements, err := d.store.AllPlacements()
	if err != nil {
		return err
	}
	nodes, err := d.store.ListAllNodes()
	if err != nil {
		return err
	}

	placedFiles := make(map[string]int)
	for _, p := range placements {
		placedFiles[p.FileID]++
	}
	knownNodes := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		knownNodes[n.NodeID] = true
	}

	for _, f := range files {
		if placedFiles[f.FileID] == 0 {
			report.Anomalies = append(report.Anomalies,
				fmt.Sprintf("file %s has no recorded replicas", f.FileID))
		}
	}

	for _, p := range placements {
		if !knownNodes[p.NodeID] {
			report.Anomalies = append(report.Anomalies,
				fmt.Sprintf("placement of file %s references unknown node %s", p.FileID, p.NodeID))
		}
	}
	return nil
}
