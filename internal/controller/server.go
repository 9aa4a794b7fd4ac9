package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/blobmesh/blobmesh/internal/catalog"
	"github.com/blobmesh/blobmesh/internal/config"
	"github.com/blobmesh/blobmesh/internal/metrics"
	"github.com/blobmesh/blobmesh/internal/placement"
	"github.com/blobmesh/blobmesh/internal/registry"
	"github.com/blobmesh/blobmesh/pkg/proto"
)

// maxUploadBytes bounds multipart upload memory usage.
const maxUploadBytes = 512 << 20

// Server is the controller's HTTP API.
type Server struct {
	cfg      *config.ControllerConfig
	store    *catalog.Store
	registry *registry.Registry
	engine   *placement.Engine
	anomaly  *AnomalyDetector
	metrics  *metrics.ControllerMetrics

	// ingestLimiter throttles node metrics reports cluster-wide.
	ingestLimiter *rate.Limiter

	mux *http.ServeMux
}

// NewServer wires the controller API over its collaborators.
func NewServer(cfg *config.ControllerConfig, store *catalog.Store, reg *registry.Registry, eng *placement.Engine, cm *metrics.ControllerMetrics, promReg *prometheus.Registry) *Server {
	limit := cfg.MetricsRateLimit
	if limit <= 0 {
		limit = 100
	}

	s := &Server{
		cfg:           cfg,
		store:         store,
		registry:      reg,
		engine:        eng,
		anomaly:       NewAnomalyDetector(store),
		metrics:       cm,
		ingestLimiter: rate.NewLimiter(rate.Limit(limit), limit),
		mux:           http.NewServeMux(),
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/nodes", s.handleNodes)
	s.mux.HandleFunc("/nodes/register", s.handleRegister)
	s.mux.HandleFunc("/nodes/heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("/nodes/health", s.handleNodesHealth)
	s.mux.HandleFunc("/files", s.handleFileList)
	s.mux.HandleFunc("/files/upload", s.handleUpload)
	s.mux.HandleFunc("/files/", s.handleFile)
	s.mux.HandleFunc("/metrics/nodes/", s.handleNodeMetrics)
	s.mux.HandleFunc("/cluster/overview", s.handleClusterOverview)
	s.mux.HandleFunc("/anomalies", s.handleAnomalies)
	s.mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the controller HTTP server.
func (s *Server) ListenAndServe() error {
	log.Info().Str("listen", s.cfg.Listen).Msg("starting controller server")
	return http.ListenAndServe(s.cfg.Listen, s)
}

// RunMetricsPrune periodically drops node metrics older than the
// configured retention window.
func (s *Server) RunMetricsPrune(ctx context.Context) {
	retention := time.Duration(s.cfg.MetricsRetentionDays) * 24 * time.Hour
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-retention)
			pruned, err := s.store.PruneNodeMetrics(cutoff)
			if err != nil {
				log.Warn().Err(err).Msg("metrics prune failed")
				continue
			}
			if pruned > 0 {
				log.Info().Int("pruned", pruned).Time("cutoff", cutoff).Msg("pruned node metrics")
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	active, err := s.registry.ListActive()
	if err != nil {
		s.jsonError(w, "catalog unavailable: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"status":       "healthy",
		"service":      "blobmesh-controller",
		"active_nodes": len(active),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req proto.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.NodeID == "" || req.URL == "" {
		s.jsonError(w, "node_id and url are required", http.StatusBadRequest)
		return
	}

	if err := s.registry.Register(req.NodeID, req.URL, req.Capacity); err != nil {
		s.jsonError(w, "register failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, proto.RegisterResponse{Status: "registered", NodeID: req.NodeID})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req proto.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.NodeID == "" {
		s.jsonError(w, "node_id is required", http.StatusBadRequest)
		return
	}

	err := s.registry.Heartbeat(req.NodeID, req.Stats)
	if errors.Is(err, catalog.ErrNodeNotFound) {
		s.jsonError(w, fmt.Sprintf("node %s is not registered", req.NodeID), http.StatusNotFound)
		return
	}
	if err != nil {
		s.jsonError(w, "heartbeat failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if s.metrics != nil {
		s.metrics.HeartbeatsTotal.Inc()
	}
	writeJSON(w, proto.HeartbeatResponse{OK: true})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	nodes, err := s.registry.ListActive()
	if err != nil {
		s.jsonError(w, "list nodes failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	out := proto.NodeListResponse{Nodes: make([]proto.NodeInfo, 0, len(nodes))}
	for _, n := range nodes {
		out.Nodes = append(out.Nodes, proto.NodeInfo{
			NodeID:        n.NodeID,
			URL:           n.URL,
			Capacity:      n.Capacity,
			UsedSpace:     n.UsedSpace,
			LastHeartbeat: n.LastHeartbeat,
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleNodesHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report, err := s.registry.Sweep()
	if err != nil {
		s.jsonError(w, "health check failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if s.metrics != nil {
		s.metrics.ActiveNodes.Set(float64(report.ActiveNodes))
	}
	writeJSON(w, report)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.jsonError(w, "parse multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}

	part, header, err := r.FormFile("file")
	if err != nil {
		s.jsonError(w, "file field is required", http.StatusBadRequest)
		return
	}
	defer part.Close()

	content, err := io.ReadAll(part)
	if err != nil {
		s.jsonError(w, "read upload: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := s.engine.StoreFile(r.Context(), header.Filename, content)
	switch {
	case errors.Is(err, placement.ErrInsufficientReplicas):
		s.jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	case errors.Is(err, placement.ErrAllNodesFailed):
		s.jsonError(w, err.Error(), http.StatusBadGateway)
		return
	case err != nil:
		s.jsonError(w, "upload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, resp)
}

func (s *Server) handleFileList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	files, err := s.engine.ListFiles()
	if err != nil {
		s.jsonError(w, "list files failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, proto.FileListResponse{Files: files})
}

// handleFile serves GET (download) and DELETE for /files/{id}.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	fileID := strings.TrimPrefix(r.URL.Path, "/files/")
	if fileID == "" || strings.Contains(fileID, "/") {
		s.jsonError(w, "file id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.downloadFile(w, r, fileID)
	case http.MethodDelete:
		s.deleteFile(w, r, fileID)
	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) downloadFile(w http.ResponseWriter, r *http.Request, fileID string) {
	content, file, err := s.engine.RetrieveFile(r.Context(), fileID)
	if errors.Is(err, placement.ErrFileNotFound) {
		s.jsonError(w, fmt.Sprintf("file %s not found", fileID), http.StatusNotFound)
		return
	}
	if err != nil {
		s.jsonError(w, "retrieve failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": file.Filename})
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", disposition)
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	_, _ = w.Write(content)
}

func (s *Server) deleteFile(w http.ResponseWriter, r *http.Request, fileID string) {
	resp, err := s.engine.DeleteFile(r.Context(), fileID)
	if errors.Is(err, placement.ErrFileNotFound) {
		s.jsonError(w, fmt.Sprintf("file %s not found", fileID), http.StatusNotFound)
		return
	}
	if err != nil {
		s.jsonError(w, "delete failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, resp)
}

// handleNodeMetrics dispatches POST (ingest) and GET (history) for
// /metrics/nodes/{id}.
func (s *Server) handleNodeMetrics(w http.ResponseWriter, r *http.Request) {
	nodeID := strings.TrimPrefix(r.URL.Path, "/metrics/nodes/")
	if nodeID == "" || strings.Contains(nodeID, "/") {
		s.jsonError(w, "node id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.ingestNodeMetrics(w, r, nodeID)
	case http.MethodGet:
		s.nodeMetricsHistory(w, r, nodeID)
	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) ingestNodeMetrics(w http.ResponseWriter, r *http.Request, nodeID string) {
	if !s.ingestLimiter.Allow() {
		if s.metrics != nil {
			s.metrics.MetricsThrottled.Inc()
		}
		s.jsonError(w, "metrics ingest rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var snap proto.MetricsSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		s.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}

	if _, err := s.store.GetNode(nodeID); errors.Is(err, catalog.ErrNodeNotFound) {
		s.jsonError(w, fmt.Sprintf("node %s is not registered", nodeID), http.StatusNotFound)
		return
	} else if err != nil {
		s.jsonError(w, "catalog unavailable: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if err := s.store.AppendNodeMetrics(nodeID, snap); err != nil {
		s.jsonError(w, "record metrics: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.store.UpdateNodeUsage(nodeID, snap.UsedStorageBytes, snap.FilesCount, snap.AvgResponseTimeMs); err != nil {
		log.Warn().Err(err).Str("node", nodeID).Msg("usage refresh failed")
	}

	if s.metrics != nil {
		s.metrics.MetricsIngested.Inc()
	}
	writeJSON(w, map[string]string{"status": "recorded", "node_id": nodeID})
}

func (s *Server) nodeMetricsHistory(w http.ResponseWriter, r *http.Request, nodeID string) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.jsonError(w, "hours must be a positive integer", http.StatusBadRequest)
			return
		}
		hours = parsed
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	history, err := s.store.NodeMetricsHistory(nodeID, since)
	if err != nil {
		s.jsonError(w, "metrics history failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"node_id": nodeID,
		"hours":   hours,
		"metrics": history,
		"count":   len(history),
	})
}

func (s *Server) handleClusterOverview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	latest, err := s.store.LatestNodeMetrics()
	if err != nil {
		s.jsonError(w, "cluster overview failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	overview := proto.ClusterOverviewResponse{
		Nodes: make(map[string]proto.MetricsSnapshot, len(latest)),
	}
	summary := &overview.ClusterSummary
	summary.TotalNodes = len(latest)

	for nodeID, rec := range latest {
		snap := proto.MetricsSnapshot{
			TotalStorageBytes:     rec.TotalStorageBytes,
			UsedStorageBytes:      rec.UsedStorageBytes,
			AvailableStorageBytes: rec.AvailableStorageBytes,
			FilesCount:            rec.FilesCount,
			UploadOpsCount:        rec.UploadOpsCount,
			DownloadOpsCount:      rec.DownloadOpsCount,
			DeleteOpsCount:        rec.DeleteOpsCount,
			AvgResponseTimeMs:     rec.AvgResponseTimeMs,
			IsHealthy:             rec.IsHealthy,
			CPUUsagePercent:       rec.CPUUsagePercent,
			MemoryUsagePercent:    rec.MemoryUsagePercent,
			Timestamp:             rec.Timestamp,
		}
		overview.Nodes[nodeID] = snap

		if rec.IsHealthy {
			summary.HealthyNodes++
		}
		summary.TotalStorageBytes += rec.TotalStorageBytes
		summary.TotalUsedBytes += rec.UsedStorageBytes
		summary.TotalAvailableBytes += rec.AvailableStorageBytes
		summary.TotalFiles += rec.FilesCount
	}
	if summary.TotalStorageBytes > 0 {
		summary.StorageUtilizationPercent = float64(summary.TotalUsedBytes) / float64(summary.TotalStorageBytes) * 100
	}

	writeJSON(w, overview)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report, err := s.anomaly.Detect()
	if err != nil {
		s.jsonError(w, "anomaly detection failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, report)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(proto.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
