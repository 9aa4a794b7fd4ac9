// Package registry tracks storage node membership and liveness for the
// controller. Node state lives in the catalog; the registry layers the
// heartbeat protocol and the periodic liveness sweep on top of it.
package registry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blobmesh/blobmesh/internal/catalog"
	"github.com/blobmesh/blobmesh/pkg/proto"
)

// Registry is the authoritative record of known storage nodes.
type Registry struct {
	store            *catalog.Store
	heartbeatTimeout time.Duration
	sweepInterval    time.Duration
	minRequired      int
}

// Config configures a Registry.
type Config struct {
	HeartbeatTimeout time.Duration // stale cutoff, ~2 missed heartbeat periods
	SweepInterval    time.Duration // how often the liveness sweep runs
	MinRequired      int           // alerting floor for active node count
}

// New creates a node registry backed by the given catalog store.
func New(store *catalog.Store, cfg Config) *Registry {
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	if cfg.MinRequired == 0 {
		cfg.MinRequired = 2
	}
	return &Registry{
		store:            store,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		sweepInterval:    cfg.SweepInterval,
		minRequired:      cfg.MinRequired,
	}
}

// Register upserts a node. Re-registering a known id overwrites its URL
// and capacity and reactivates it.
func (r *Registry) Register(nodeID, url string, capacity int64) error {
	if err := r.store.UpsertNode(nodeID, url, capacity); err != nil {
		return err
	}
	log.Info().
		Str("node", nodeID).
		Str("url", url).
		Int64("capacity", capacity).
		Msg("node registered")
	return nil
}

// Heartbeat refreshes a node's liveness timestamp. Unknown ids return
// catalog.ErrNodeNotFound; heartbeats do not implicitly register.
func (r *Registry) Heartbeat(nodeID string, stats *proto.NodeStats) error {
	return r.store.RecordHeartbeat(nodeID, stats)
}

// ListActive returns all nodes currently marked active.
func (r *Registry) ListActive() ([]catalog.NodeRecord, error) {
	return r.store.ListActiveNodes()
}

// Sweep runs one liveness pass: every active node whose last heartbeat
// is older than the timeout is marked inactive. The returned report is
// observational; no remediation is triggered here.
func (r *Registry) Sweep() (*proto.HealthReport, error) {
	nodes, err := r.store.ListActiveNodes()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-r.heartbeatTimeout)
	stale := []string{}
	activeCount := 0
	for _, node := range nodes {
		if node.LastHeartbeat.Before(cutoff) {
			stale = append(stale, node.NodeID)
			continue
		}
		activeCount++
	}

	if len(stale) > 0 {
		if err := r.store.MarkNodesInactive(stale); err != nil {
			return nil, err
		}
		log.Warn().
			Strs("nodes", stale).
			Dur("timeout", r.heartbeatTimeout).
			Msg("marked stale nodes inactive")
	}

	return &proto.HealthReport{
		ActiveNodes:       activeCount,
		MinRequired:       r.minRequired,
		StaleNodes:        stale,
		ReplacementNeeded: activeCount < r.minRequired,
	}, nil
}

// RunSweep runs the liveness sweep on a fixed interval until the context
// is canceled. A failed iteration is logged and the next tick is delayed
// by one doubled interval before normal cadence resumes.
func (r *Registry) RunSweep(ctx context.Context) {
	log.Info().
		Dur("interval", r.sweepInterval).
		Dur("timeout", r.heartbeatTimeout).
		Msg("starting liveness sweep")

	interval := r.sweepInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		report, err := r.Sweep()
		if err != nil {
			log.Error().Err(err).Msg("liveness sweep failed")
			timer.Reset(2 * interval)
			continue
		}
		if report.ReplacementNeeded {
			log.Warn().
				Int("active", report.ActiveNodes).
				Int("min_required", report.MinRequired).
				Msg("active node count below required floor")
		}
		timer.Reset(interval)
	}
}
