package catalog

import "time"

// FileRecord is the authoritative metadata row for an uploaded file.
// Size and checksum are immutable once the record is committed; deletion
// only flips IsDeleted, the row persists for audit.
type FileRecord struct {
	FileID    string    `json:"file_id"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	IsDeleted bool      `json:"is_deleted"`
}

// PlacementRecord states that a node holds a copy of a file.
// Created alongside a successful store fan-out, never updated.
type PlacementRecord struct {
	FileID    string    `json:"file_id"`
	NodeID    string    `json:"node_id"`
	CreatedAt time.Time `json:"created_at"`
}

// NodeRecord is the authoritative row for a registered storage node.
// UsedSpace and AvgResponseMs are advisory figures refreshed by
// heartbeats and metrics reports; they inform placement scoring but
// are not an admission-control gate.
type NodeRecord struct {
	NodeID        string    `json:"node_id"`
	URL           string    `json:"url"`
	Capacity      int64     `json:"capacity"`
	UsedSpace     int64     `json:"used_space"`
	IsActive      bool      `json:"is_active"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CreatedAt     time.Time `json:"created_at"`
	AvgResponseMs float64   `json:"avg_response_ms"`
	FilesCount    int       `json:"files_count"`
}

// AvailableSpace returns the advisory free space on the node.
func (n *NodeRecord) AvailableSpace() int64 {
	free := n.Capacity - n.UsedSpace
	if free < 0 {
		return 0
	}
	return free
}

// NodeMetricsRecord is one ingested utilization snapshot for a node.
type NodeMetricsRecord struct {
	NodeID                string    `json:"node_id"`
	Timestamp             time.Time `json:"timestamp"`
	TotalStorageBytes     int64     `json:"total_storage_bytes"`
	UsedStorageBytes      int64     `json:"used_storage_bytes"`
	AvailableStorageBytes int64     `json:"available_storage_bytes"`
	FilesCount            int       `json:"files_count"`
	UploadOpsCount        uint64    `json:"upload_ops_count"`
	DownloadOpsCount      uint64    `json:"download_ops_count"`
	DeleteOpsCount        uint64    `json:"delete_ops_count"`
	AvgResponseTimeMs     float64   `json:"avg_response_time_ms"`
	IsHealthy             bool      `json:"is_healthy"`
	CPUUsagePercent       float64   `json:"cpu_usage_percent"`
	MemoryUsagePercent    float64   `json:"memory_usage_percent"`
}
