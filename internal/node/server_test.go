package node

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blobmesh/blobmesh/internal/config"
	"github.com/blobmesh/blobmesh/internal/metrics"
	"github.com/blobmesh/blobmesh/pkg/proto"
)

func newTestServer(t *testing.T) (*httptest.Server, *ContentStore) {
	t.Helper()

	cfg := &config.NodeConfig{
		NodeID:     "test-node",
		StorageDir: t.TempDir(),
		Capacity:   "1MB",
	}
	cs, err := NewContentStore(cfg.StorageDir)
	require.NoError(t, err)

	promReg := prometheus.NewRegistry()
	srv := NewServer(cfg, cs, NewOpStats(), metrics.NewAgentMetrics(promReg, cfg.NodeID), promReg)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, cs
}

func TestServerStoreRetrieveDelete(t *testing.T) {
	ts, _ := newTestServer(t)
	content := []byte("node round trip content")

	// store
	resp, err := http.Post(ts.URL+"/store/file-1", "application/octet-stream", bytes.NewReader(content))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stored proto.StoreResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stored))
	resp.Body.Close()

	assert.Equal(t, "stored", stored.Status)
	assert.Equal(t, int64(len(content)), stored.Size)
	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), stored.Checksum)

	// retrieve
	resp, err = http.Get(ts.URL + "/retrieve/file-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// delete
	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/delete/file-1", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// gone
	resp, err = http.Get(ts.URL + "/retrieve/file-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerRetrieveMissing(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/retrieve/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var errResp proto.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, http.StatusNotFound, errResp.Code)
}

func TestServerFilesAndStats(t *testing.T) {
	ts, cs := newTestServer(t)

	_, err := cs.Put("aaa", []byte("12345"))
	require.NoError(t, err)
	_, err = cs.Put("bbb", []byte("1234567890"))
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/files")
	require.NoError(t, err)
	var files proto.NodeFilesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&files))
	resp.Body.Close()

	assert.Equal(t, 2, files.Count)
	require.Len(t, files.Files, 2)
	assert.Equal(t, "aaa", files.Files[0].FileID)

	resp, err = http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	var stats proto.NodeStatsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()

	assert.Equal(t, "test-node", stats.NodeID)
	assert.Equal(t, int64(1<<20), stats.Capacity)
	assert.Equal(t, int64(15), stats.UsedSpace)
	assert.Equal(t, int64(1<<20)-15, stats.AvailableSpace)
	assert.Equal(t, 2, stats.FilesCount)
}

func TestServerCountsOperations(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/store/f", "application/octet-stream", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	resp.Body.Close()
	resp, err = http.Get(ts.URL + "/retrieve/f")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	var stats proto.NodeStatsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()

	assert.Equal(t, uint64(1), stats.UploadOpsCount)
	assert.Equal(t, uint64(1), stats.DownloadOpsCount)
	assert.Greater(t, stats.AvgResponseTimeMs, 0.0)
}

func TestServerStoreMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/store/file-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServerHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "test-node", health["node_id"])
}

func TestServerPrometheusEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/store/f", "application/octet-stream", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "blobmesh_node_store_ops_total")
}
