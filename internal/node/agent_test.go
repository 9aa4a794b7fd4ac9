package node

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blobmesh/blobmesh/internal/config"
	"github.com/blobmesh/blobmesh/internal/controller"
	"github.com/blobmesh/blobmesh/pkg/proto"
)

// stubController records registrations, heartbeats and metrics reports,
// and 404s heartbeats from unknown nodes like the real controller.
type stubController struct {
	mu             sync.Mutex
	registered     map[string]proto.RegisterRequest
	heartbeats     int
	failHeartbeats int
	heartbeatTimes []time.Time
	snapshots      []proto.MetricsSnapshot

	srv *httptest.Server
}

func newStubController(t *testing.T) *stubController {
	t.Helper()
	c := &stubController{registered: make(map[string]proto.RegisterRequest)}
	c.srv = httptest.NewServer(http.HandlerFunc(c.handler))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *stubController) handler(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/nodes/register":
		var req proto.RegisterRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		c.mu.Lock()
		c.registered[req.NodeID] = req
		c.mu.Unlock()
		_ = json.NewEncoder(w).Encode(proto.RegisterResponse{Status: "registered", NodeID: req.NodeID})

	case r.URL.Path == "/nodes/heartbeat":
		var req proto.HeartbeatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		c.mu.Lock()
		c.heartbeatTimes = append(c.heartbeatTimes, time.Now())
		if c.failHeartbeats > 0 {
			c.failHeartbeats--
			c.mu.Unlock()
			http.Error(w, `{"message":"catalog unavailable"}`, http.StatusInternalServerError)
			return
		}
		_, known := c.registered[req.NodeID]
		if known {
			c.heartbeats++
		}
		c.mu.Unlock()
		if !known {
			http.Error(w, `{"message":"node not registered"}`, http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(proto.HeartbeatResponse{OK: true})

	case strings.HasPrefix(r.URL.Path, "/metrics/nodes/"):
		var snap proto.MetricsSnapshot
		_ = json.NewDecoder(r.Body).Decode(&snap)
		c.mu.Lock()
		c.snapshots = append(c.snapshots, snap)
		c.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "recorded"})

	default:
		http.NotFound(w, r)
	}
}

func (c *stubController) registration(nodeID string) (proto.RegisterRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.registered[nodeID]
	return req, ok
}

func (c *stubController) drop(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.registered, nodeID)
}

func (c *stubController) heartbeatCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeats
}

func (c *stubController) attemptTimes() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.heartbeatTimes...)
}

func newTestAgent(t *testing.T, ctrl *stubController) *Agent {
	t.Helper()

	cfg := &config.NodeConfig{
		NodeID:       "agent-1",
		AdvertiseURL: "http://agent-1:8001",
		StorageDir:   t.TempDir(),
		Capacity:     "1MB",
	}
	cs, err := NewContentStore(cfg.StorageDir)
	require.NoError(t, err)

	return NewAgent(cfg, cs, NewOpStats(), controller.NewClient(ctrl.srv.URL), nil)
}

func TestAgentRegister(t *testing.T) {
	ctrl := newStubController(t)
	agent := newTestAgent(t, ctrl)

	require.NoError(t, agent.register())

	reg, ok := ctrl.registration("agent-1")
	require.True(t, ok)
	assert.Equal(t, "http://agent-1:8001", reg.URL)
	assert.Equal(t, int64(1<<20), reg.Capacity)
}

func TestAgentHeartbeatCarriesStats(t *testing.T) {
	ctrl := newStubController(t)
	agent := newTestAgent(t, ctrl)
	require.NoError(t, agent.register())

	_, err := agent.store.Put("f1", []byte("12345"))
	require.NoError(t, err)

	require.NoError(t, agent.Heartbeat())
	assert.Equal(t, 1, ctrl.heartbeatCount())
}

func TestAgentHeartbeatReRegisters(t *testing.T) {
	ctrl := newStubController(t)
	agent := newTestAgent(t, ctrl)
	require.NoError(t, agent.register())

	// controller forgets the node, e.g. after a restart or sweep
	ctrl.drop("agent-1")

	require.NoError(t, agent.Heartbeat())

	_, ok := ctrl.registration("agent-1")
	assert.True(t, ok, "agent should have re-registered")
	assert.Equal(t, 1, ctrl.heartbeatCount())
}

func TestAgentSnapshot(t *testing.T) {
	ctrl := newStubController(t)
	agent := newTestAgent(t, ctrl)

	_, err := agent.store.Put("f1", []byte("12345"))
	require.NoError(t, err)
	agent.stats.Record(OpStore, 2*time.Millisecond)

	snap, err := agent.Snapshot()
	require.NoError(t, err)

	assert.Equal(t, int64(1<<20), snap.TotalStorageBytes)
	assert.Equal(t, int64(5), snap.UsedStorageBytes)
	assert.Equal(t, int64(1<<20)-5, snap.AvailableStorageBytes)
	assert.Equal(t, 1, snap.FilesCount)
	assert.Equal(t, uint64(1), snap.UploadOpsCount)
	assert.True(t, snap.IsHealthy)
	assert.False(t, snap.Timestamp.IsZero())
}

func TestRunWithBackoffDoublesIntervalAfterFailure(t *testing.T) {
	ctrl := newStubController(t)
	agent := newTestAgent(t, ctrl)

	var (
		mu    sync.Mutex
		calls []time.Time
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go agent.runWithBackoff(ctx, 50*time.Millisecond, "test task", func() error {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, time.Now())
		if len(calls) == 1 {
			return errors.New("transient failure")
		}
		return nil
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) >= 3
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	mu.Lock()
	defer mu.Unlock()
	failedGap := calls[1].Sub(calls[0])
	normalGap := calls[2].Sub(calls[1])
	assert.GreaterOrEqual(t, failedGap, 80*time.Millisecond,
		"attempt after a failure should wait a doubled interval")
	assert.Less(t, normalGap, 80*time.Millisecond,
		"cadence should return to normal after a success")
}

func TestAgentHeartbeatDelaysAfterFailure(t *testing.T) {
	ctrl := newStubController(t)
	agent := newTestAgent(t, ctrl)
	agent.cfg.HeartbeatInterval = "50ms"
	require.NoError(t, agent.register())

	ctrl.mu.Lock()
	ctrl.failHeartbeats = 1
	ctrl.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agent.runHeartbeat(ctx)

	require.Eventually(t, func() bool {
		return len(ctrl.attemptTimes()) >= 3
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	times := ctrl.attemptTimes()
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 80*time.Millisecond,
		"retry after a failed heartbeat should wait a doubled interval")
	assert.Less(t, times[2].Sub(times[1]), 80*time.Millisecond,
		"cadence should return to normal after a success")
}

func TestAgentReportMetrics(t *testing.T) {
	ctrl := newStubController(t)
	agent := newTestAgent(t, ctrl)
	require.NoError(t, agent.register())

	snap, err := agent.Snapshot()
	require.NoError(t, err)
	require.NoError(t, agent.client.ReportMetrics("agent-1", *snap))

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	require.Len(t, ctrl.snapshots, 1)
	assert.Equal(t, snap.TotalStorageBytes, ctrl.snapshots[0].TotalStorageBytes)
}
