// Package metrics provides Prometheus metrics for blobmesh services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry used by the blobmesh binaries.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// AgentMetrics holds the Prometheus metrics for a storage node agent.
type AgentMetrics struct {
	StoreOps    prometheus.Counter
	RetrieveOps prometheus.Counter
	DeleteOps   prometheus.Counter

	OpDuration *prometheus.HistogramVec // labels: op

	CapacityBytes  prometheus.Gauge
	UsedSpaceBytes prometheus.Gauge
	FilesCount     prometheus.Gauge
}

// NewAgentMetrics registers and returns the node agent metrics with the
// node id as a constant label.
func NewAgentMetrics(reg *prometheus.Registry, nodeID string) *AgentMetrics {
	constLabels := prometheus.Labels{"node": nodeID}

	return &AgentMetrics{
		StoreOps: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "blobmesh_node_store_ops_total",
			Help:        "Total store operations handled by this node",
			ConstLabels: constLabels,
		}),
		RetrieveOps: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "blobmesh_node_retrieve_ops_total",
			Help:        "Total retrieve operations handled by this node",
			ConstLabels: constLabels,
		}),
		DeleteOps: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "blobmesh_node_delete_ops_total",
			Help:        "Total delete operations handled by this node",
			ConstLabels: constLabels,
		}),
		OpDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:        "blobmesh_node_op_duration_seconds",
			Help:        "Duration of content store operations",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"op"}),
		CapacityBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "blobmesh_node_capacity_bytes",
			Help:        "Advertised storage capacity of this node",
			ConstLabels: constLabels,
		}),
		UsedSpaceBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "blobmesh_node_used_space_bytes",
			Help:        "Bytes consumed by stored payloads on this node",
			ConstLabels: constLabels,
		}),
		FilesCount: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "blobmesh_node_files_count",
			Help:        "Number of files held by this node",
			ConstLabels: constLabels,
		}),
	}
}

// ControllerMetrics holds the Prometheus metrics for the controller.
type ControllerMetrics struct {
	Uploads        prometheus.Counter
	Downloads      prometheus.Counter
	Deletes        prometheus.Counter
	UploadBytes    prometheus.Counter
	PartialUploads prometheus.Counter

	FanoutFailures *prometheus.CounterVec // labels: op

	HeartbeatsTotal  prometheus.Counter
	MetricsIngested  prometheus.Counter
	MetricsThrottled prometheus.Counter

	ActiveNodes prometheus.Gauge
}

// NewControllerMetrics registers and returns the controller metrics.
func NewControllerMetrics(reg *prometheus.Registry) *ControllerMetrics {
	return &ControllerMetrics{
		Uploads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobmesh_controller_uploads_total",
			Help: "Total successful file uploads",
		}),
		Downloads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobmesh_controller_downloads_total",
			Help: "Total successful file downloads",
		}),
		Deletes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobmesh_controller_deletes_total",
			Help: "Total file delete requests",
		}),
		UploadBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobmesh_controller_upload_bytes_total",
			Help: "Total bytes accepted through uploads",
		}),
		PartialUploads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobmesh_controller_partial_uploads_total",
			Help: "Uploads that achieved fewer replicas than the target",
		}),
		FanoutFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "blobmesh_controller_fanout_failures_total",
			Help: "Per-node fan-out calls that failed, by operation",
		}, []string{"op"}),
		HeartbeatsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobmesh_controller_heartbeats_total",
			Help: "Total heartbeats received from storage nodes",
		}),
		MetricsIngested: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobmesh_controller_node_metrics_ingested_total",
			Help: "Node utilization snapshots accepted",
		}),
		MetricsThrottled: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blobmesh_controller_node_metrics_throttled_total",
			Help: "Node utilization snapshots rejected by the rate limiter",
		}),
		ActiveNodes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "blobmesh_controller_active_nodes",
			Help: "Nodes currently considered active by the liveness sweep",
		}),
	}
}
