// Package proto defines shared protocol messages for blobmesh.
package proto

import "time"

// NodeInfo describes a storage node as reported by controller listings.
type NodeInfo struct {
	NodeID        string    `json:"node_id"`
	URL           string    `json:"url"`
	Capacity      int64     `json:"capacity"`
	UsedSpace     int64     `json:"used_space"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// RegisterRequest is sent by a node to join the cluster.
// Registration is an idempotent upsert: re-registering with a known
// node_id overwrites the URL and capacity and reactivates the node.
type RegisterRequest struct {
	NodeID   string `json:"node_id"`
	URL      string `json:"url"`
	Capacity int64  `json:"capacity"`
}

// RegisterResponse is returned after successful registration.
type RegisterResponse struct {
	Status string `json:"status"`
	NodeID string `json:"node_id"`
}

// NodeStats carries advisory usage figures piggybacked on heartbeats.
type NodeStats struct {
	UsedSpace     int64   `json:"used_space"`
	FilesCount    int     `json:"files_count"`
	AvgResponseMs float64 `json:"avg_response_ms"`
}

// HeartbeatRequest is sent periodically to maintain presence.
// Heartbeats never implicitly register: an unknown node_id is a 404.
type HeartbeatRequest struct {
	NodeID string     `json:"node_id"`
	Status string     `json:"status,omitempty"`
	Stats  *NodeStats `json:"stats,omitempty"`
}

// HeartbeatResponse is returned after a successful heartbeat.
type HeartbeatResponse struct {
	OK bool `json:"ok"`
}

// NodeListResponse contains all active storage nodes.
type NodeListResponse struct {
	Nodes []NodeInfo `json:"nodes"`
}

// UploadResponse is returned after a file upload. Nodes lists the
// replicas that actually hold the data; Warnings names target nodes
// that were attempted but failed.
type UploadResponse struct {
	FileID   string   `json:"file_id"`
	Filename string   `json:"filename"`
	Size     int64    `json:"size"`
	Checksum string   `json:"checksum"`
	Nodes    []string `json:"nodes"`
	Status   string   `json:"status"`
	Warnings []string `json:"warnings,omitempty"`
}

// FileInfo describes a stored file in catalog listings.
type FileInfo struct {
	FileID    string    `json:"file_id"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}

// FileListResponse contains all non-deleted files.
type FileListResponse struct {
	Files []FileInfo `json:"files"`
}

// DeleteResponse reports the outcome of a soft delete. NodesCleaned
// lists nodes whose copy was confirmed removed; cleanup is best-effort.
type DeleteResponse struct {
	FileID       string   `json:"file_id"`
	Status       string   `json:"status"`
	NodesCleaned []string `json:"nodes_cleaned"`
}

// HealthReport is the liveness sweep summary.
type HealthReport struct {
	ActiveNodes       int      `json:"active_nodes"`
	MinRequired       int      `json:"min_required"`
	StaleNodes        []string `json:"stale_nodes"`
	ReplacementNeeded bool     `json:"replacement_needed"`
}

// MetricsSnapshot is a node utilization report ingested by the controller.
type MetricsSnapshot struct {
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
	Timestamp             time.Time `json:"timestamp,omitempty"`
}

// ContentMeta is the per-file metadata sidecar kept by the node's
// content store, also used in node file listings.
type ContentMeta struct {
	FileID   string `json:"file_id"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
	StoredAt string `json:"stored_at,omitempty"`
}

// StoreResponse is returned by a node after accepting a file.
// Checksum is the digest the node computed over the bytes it received,
// which the controller compares against its own.
type StoreResponse struct {
	Status   string `json:"status"`
	FileID   string `json:"file_id"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// NodeFilesResponse lists the files held by a single node.
type NodeFilesResponse struct {
	Files []ContentMeta `json:"files"`
	Count int           `json:"count"`
}

// NodeStatsResponse is the node agent's /stats payload.
type NodeStatsResponse struct {
	NodeID            string  `json:"node_id"`
	Capacity          int64   `json:"capacity"`
	UsedSpace         int64   `json:"used_space"`
	AvailableSpace    int64   `json:"available_space"`
	FilesCount        int     `json:"files_count"`
	UploadOpsCount    uint64  `json:"upload_ops_count"`
	DownloadOpsCount  uint64  `json:"download_ops_count"`
	DeleteOpsCount    uint64  `json:"delete_ops_count"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
}

// ClusterSummary aggregates the latest metrics across all nodes.
type ClusterSummary struct {
	TotalNodes                int     `json:"total_nodes"`
	HealthyNodes              int     `json:"healthy_nodes"`
	TotalStorageBytes         int64   `json:"total_storage_bytes"`
	TotalUsedBytes            int64   `json:"total_used_bytes"`
	TotalAvailableBytes       int64   `json:"total_available_bytes"`
	TotalFiles                int     `json:"total_files"`
	StorageUtilizationPercent float64 `json:"storage_utilization_percent"`
}

// ClusterOverviewResponse is the cluster-wide metrics overview.
type ClusterOverviewResponse struct {
	ClusterSummary ClusterSummary             `json:"cluster_summary"`
	Nodes          map[string]MetricsSnapshot `json:"nodes"`
}

// AnomalyReport lists detected cluster anomalies.
type AnomalyReport struct {
	Anomalies []string  `json:"anomalies"`
	CheckedAt time.Time `json:"checked_at"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}
