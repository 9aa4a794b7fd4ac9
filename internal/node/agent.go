package node

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blobmesh/blobmesh/internal/config"
	"github.com/blobmesh/blobmesh/internal/controller"
	"github.com/blobmesh/blobmesh/internal/metrics"
	"github.com/blobmesh/blobmesh/pkg/proto"
)

// fallbackCapacity is advertised when no ceiling is configured and the
// volume cannot be probed.
const fallbackCapacity = 1 << 30

// Agent runs the background loops of a storage node: registration with
// the controller, periodic heartbeats, and metrics reporting.
type Agent struct {
	cfg     *config.NodeConfig
	store   *ContentStore
	stats   *OpStats
	client  *controller.Client
	metrics *metrics.AgentMetrics
}

func NewAgent(cfg *config.NodeConfig, store *ContentStore, stats *OpStats, client *controller.Client, am *metrics.AgentMetrics) *Agent {
	return &Agent{
		cfg:     cfg,
		store:   store,
		stats:   stats,
		client:  client,
		metrics: am,
	}
}

// Run registers with the controller and drives the heartbeat and
// metrics loops until ctx is cancelled. A failed initial registration
// is logged and retried from the heartbeat loop.
func (a *Agent) Run(ctx context.Context) {
	if delay := a.cfg.SettleDelayDuration(); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}

	if err := a.register(); err != nil {
		log.Warn().Err(err).Msg("initial registration failed, will retry on heartbeat")
	}

	go a.runHeartbeat(ctx)
	go a.runMetricsReporter(ctx)

	<-ctx.Done()
}

func (a *Agent) register() error {
	capacity := advertisedCapacity(a.cfg)
	if err := a.client.Register(a.cfg.NodeID, a.cfg.AdvertiseURL, capacity); err != nil {
		return err
	}
	log.Info().
		Str("node", a.cfg.NodeID).
		Str("url", a.cfg.AdvertiseURL).
		Int64("capacity", capacity).
		Msg("registered with controller")
	return nil
}

func (a *Agent) runHeartbeat(ctx context.Context) {
	a.runWithBackoff(ctx, a.cfg.HeartbeatIntervalDuration(), "heartbeat", a.Heartbeat)
}

// runWithBackoff drives a periodic task. A failed iteration delays the
// next tick by one doubled interval before normal cadence resumes.
func (a *Agent) runWithBackoff(ctx context.Context, interval time.Duration, name string, fn func() error) {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := fn(); err != nil {
			log.Warn().Err(err).Str("task", name).Msg("periodic task failed")
			timer.Reset(2 * interval)
			continue
		}
		timer.Reset(interval)
	}
}

// Heartbeat reports liveness and current usage. If the controller no
// longer knows this node (it was swept or the controller restarted),
// the agent re-registers and retries once.
func (a *Agent) Heartbeat() error {
	stats, err := a.nodeStats()
	if err != nil {
		return err
	}

	err = a.client.Heartbeat(a.cfg.NodeID, stats)
	if errors.Is(err, controller.ErrNodeNotFound) {
		log.Info().Str("node", a.cfg.NodeID).Msg("controller dropped registration, re-registering")
		if regErr := a.register(); regErr != nil {
			return regErr
		}
		return a.client.Heartbeat(a.cfg.NodeID, stats)
	}
	return err
}

func (a *Agent) runMetricsReporter(ctx context.Context) {
	a.runWithBackoff(ctx, a.cfg.MetricsIntervalDuration(), "metrics report", a.reportMetrics)
}

func (a *Agent) reportMetrics() error {
	snap, err := a.Snapshot()
	if err != nil {
		return err
	}
	return a.client.ReportMetrics(a.cfg.NodeID, *snap)
}

func (a *Agent) nodeStats() (*proto.NodeStats, error) {
	used, err := a.store.UsedSpace()
	if err != nil {
		return nil, err
	}
	files, err := a.store.List()
	if err != nil {
		return nil, err
	}

	if a.metrics != nil {
		a.metrics.UsedSpaceBytes.Set(float64(used))
		a.metrics.FilesCount.Set(float64(len(files)))
		a.metrics.CapacityBytes.Set(float64(advertisedCapacity(a.cfg)))
	}

	return &proto.NodeStats{
		UsedSpace:     used,
		FilesCount:    len(files),
		AvgResponseMs: a.stats.AvgResponseMs(),
	}, nil
}

// Snapshot assembles the full metrics report sent to the controller.
func (a *Agent) Snapshot() (*proto.MetricsSnapshot, error) {
	used, err := a.store.UsedSpace()
	if err != nil {
		return nil, err
	}
	files, err := a.store.List()
	if err != nil {
		return nil, err
	}

	capacity := advertisedCapacity(a.cfg)
	storeOps, retrieveOps, deleteOps := a.stats.Counts()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	var memPct float64
	if mem.Sys > 0 {
		memPct = float64(mem.HeapAlloc) / float64(mem.Sys) * 100
	}

	return &proto.MetricsSnapshot{
		TotalStorageBytes:     capacity,
		UsedStorageBytes:      used,
		AvailableStorageBytes: capacity - used,
		FilesCount:            len(files),
		UploadOpsCount:        storeOps,
		DownloadOpsCount:      retrieveOps,
		DeleteOpsCount:        deleteOps,
		AvgResponseTimeMs:     a.stats.AvgResponseMs(),
		MemoryUsagePercent:    memPct,
		IsHealthy:             true,
		Timestamp:             time.Now().UTC(),
	}, nil
}

// advertisedCapacity returns the configured capacity ceiling, or the
// total size of the storage volume when none is set.
func advertisedCapacity(cfg *config.NodeConfig) int64 {
	if v := cfg.CapacityBytes(); v > 0 {
		return v
	}
	total, _, _, err := GetVolumeStats(cfg.StorageDir)
	if err != nil {
		log.Warn().Err(err).Str("dir", cfg.StorageDir).Msg("volume probe failed, using fallback capacity")
		return fallbackCapacity
	}
	return total
}
