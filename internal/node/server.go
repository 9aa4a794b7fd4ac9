package node

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/blobmesh/blobmesh/internal/config"
	"github.com/blobmesh/blobmesh/internal/metrics"
	"github.com/blobmesh/blobmesh/pkg/proto"
)

// Server exposes the content store over HTTP.
type Server struct {
	cfg     *config.NodeConfig
	store   *ContentStore
	stats   *OpStats
	metrics *metrics.AgentMetrics
	mux     *http.ServeMux
}

// NewServer creates the node agent's HTTP surface.
func NewServer(cfg *config.NodeConfig, store *ContentStore, stats *OpStats, am *metrics.AgentMetrics, promReg *prometheus.Registry) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		stats:   stats,
		metrics: am,
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/store/", s.instrument(OpStore, s.handleStore))
	s.mux.HandleFunc("/retrieve/", s.instrument(OpRetrieve, s.handleRetrieve))
	s.mux.HandleFunc("/delete/", s.instrument(OpDelete, s.handleDelete))
	s.mux.HandleFunc("/files", s.handleFiles)
	s.mux.HandleFunc("/stats", s.handleStats)
	s.mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the node agent HTTP server.
func (s *Server) ListenAndServe() error {
	log.Info().Str("listen", s.cfg.Listen).Str("node", s.cfg.NodeID).Msg("starting storage node server")
	return http.ListenAndServe(s.cfg.Listen, s)
}

// instrument wraps an operation handler to time it and bump the
// per-operation counters backing the rolling average.
func (s *Server) instrument(op OpKind, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		elapsed := time.Since(start)

		s.stats.Record(op, elapsed)
		if s.metrics != nil {
			s.metrics.OpDuration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
			switch op {
			case OpStore:
				s.metrics.StoreOps.Inc()
			case OpRetrieve:
				s.metrics.RetrieveOps.Inc()
			case OpDelete:
				s.metrics.DeleteOps.Inc()
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	used, err := s.store.UsedSpace()
	if err != nil {
		s.jsonError(w, "storage unavailable: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"status":     "healthy",
		"node_id":    s.cfg.NodeID,
		"capacity":   advertisedCapacity(s.cfg),
		"used_space": used,
	})
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fileID := strings.TrimPrefix(r.URL.Path, "/store/")
	if fileID == "" {
		s.jsonError(w, "file id required", http.StatusBadRequest)
		return
	}

	content, err := io.ReadAll(r.Body)
	if err != nil {
		s.jsonError(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	meta, err := s.store.Put(fileID, content)
	if errors.Is(err, ErrInvalidFileID) {
		s.jsonError(w, "invalid file id", http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("file", fileID).Msg("store failed")
		s.jsonError(w, "store failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, proto.StoreResponse{
		Status:   "stored",
		FileID:   fileID,
		Size:     meta.Size,
		Checksum: meta.Checksum,
	})
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fileID := strings.TrimPrefix(r.URL.Path, "/retrieve/")
	if fileID == "" {
		s.jsonError(w, "file id required", http.StatusBadRequest)
		return
	}

	content, err := s.store.Get(fileID)
	switch {
	case errors.Is(err, ErrContentNotFound):
		s.jsonError(w, "file not found", http.StatusNotFound)
		return
	case errors.Is(err, ErrInvalidFileID):
		s.jsonError(w, "invalid file id", http.StatusBadRequest)
		return
	case err != nil:
		log.Error().Err(err).Str("file", fileID).Msg("retrieve failed")
		s.jsonError(w, "retrieve failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(content)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fileID := strings.TrimPrefix(r.URL.Path, "/delete/")
	if fileID == "" {
		s.jsonError(w, "file id required", http.StatusBadRequest)
		return
	}

	if err := s.store.Delete(fileID); err != nil {
		if errors.Is(err, ErrInvalidFileID) {
			s.jsonError(w, "invalid file id", http.StatusBadRequest)
			return
		}
		log.Error().Err(err).Str("file", fileID).Msg("delete failed")
		s.jsonError(w, "delete failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]string{"status": "deleted", "file_id": fileID})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	files, err := s.store.List()
	if err != nil {
		s.jsonError(w, "list failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, proto.NodeFilesResponse{Files: files, Count: len(files)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	used, err := s.store.UsedSpace()
	if err != nil {
		s.jsonError(w, "storage unavailable: "+err.Error(), http.StatusInternalServerError)
		return
	}
	files, err := s.store.List()
	if err != nil {
		s.jsonError(w, "storage unavailable: "+err.Error(), http.StatusInternalServerError)
		return
	}

	capacity := advertisedCapacity(s.cfg)
	storeOps, retrieveOps, deleteOps := s.stats.Counts()

	writeJSON(w, proto.NodeStatsResponse{
		NodeID:            s.cfg.NodeID,
		Capacity:          capacity,
		UsedSpace:         used,
		AvailableSpace:    capacity - used,
		FilesCount:        len(files),
		UploadOpsCount:    storeOps,
		DownloadOpsCount:  retrieveOps,
		DeleteOpsCount:    deleteOps,
		AvgResponseTimeMs: s.stats.AvgResponseMs(),
	})
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
