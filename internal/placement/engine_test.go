package placement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blobmesh/blobmesh/internal/catalog"
	"github.com/blobmesh/blobmesh/pkg/proto"
)

// fakeNode is an in-memory storage node agent behind httptest.
type fakeNode struct {
	mu      sync.Mutex
	content map[string][]byte

	failStore bool // respond 500 to store calls
	corrupt   bool // serve flipped bytes on retrieve

	srv *httptest.Server
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	n := &fakeNode{content: make(map[string][]byte)}
	n.srv = httptest.NewServer(http.HandlerFunc(n.handler))
	t.Cleanup(n.srv.Close)
	return n
}

func (n *fakeNode) handler(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/store/"):
		if n.failStore {
			http.Error(w, `{"message":"disk full"}`, http.StatusInternalServerError)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/store/")
		body, _ := io.ReadAll(r.Body)
		n.mu.Lock()
		n.content[id] = body
		n.mu.Unlock()
		sum := sha256.Sum256(body)
		_ = json.NewEncoder(w).Encode(proto.StoreResponse{
			Status:   "stored",
			FileID:   id,
			Size:     int64(len(body)),
			Checksum: hex.EncodeToString(sum[:]),
		})

	case strings.HasPrefix(r.URL.Path, "/retrieve/"):
		id := strings.TrimPrefix(r.URL.Path, "/retrieve/")
		n.mu.Lock()
		body, ok := n.content[id]
		n.mu.Unlock()
		if !ok {
			http.Error(w, `{"message":"file not found"}`, http.StatusNotFound)
			return
		}
		if n.corrupt {
			body = append([]byte{}, body...)
			body[0] ^= 0xff
		}
		_, _ = w.Write(body)

	case strings.HasPrefix(r.URL.Path, "/delete/"):
		id := strings.TrimPrefix(r.URL.Path, "/delete/")
		n.mu.Lock()
		delete(n.content, id)
		n.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})

	default:
		http.NotFound(w, r)
	}
}

func (n *fakeNode) holds(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.content[id]
	return ok
}

func newTestEngine(t *testing.T, replication int) (*Engine, *catalog.Store) {
	t.Helper()
	store, err := catalog.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eng := NewEngine(store, NewNodeClient(5*time.Second), Config{
		ReplicationFactor: replication,
		CallTimeout:       5 * time.Second,
	}, nil)
	return eng, store
}

func registerNode(t *testing.T, store *catalog.Store, id string, n *fakeNode, capacity int64) {
	t.Helper()
	require.NoError(t, store.UpsertNode(id, n.srv.URL, capacity))
}

func TestStoreFileReplicates(t *testing.T) {
	eng, store := newTestEngine(t, 2)
	n1 := newFakeNode(t)
	n2 := newFakeNode(t)
	registerNode(t, store, "node-1", n1, 1000)
	registerNode(t, store, "node-2", n2, 1000)

	content := []byte("hello replicated world")
	resp, err := eng.StoreFile(context.Background(), "greeting.txt", content)
	require.NoError(t, err)

	assert.Equal(t, "success", resp.Status)
	assert.Len(t, resp.Nodes, 2)
	assert.Empty(t, resp.Warnings)
	assert.Equal(t, int64(len(content)), resp.Size)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), resp.Checksum)

	assert.True(t, n1.holds(resp.FileID))
	assert.True(t, n2.holds(resp.FileID))

	placements, err := store.Placements(resp.FileID)
	require.NoError(t, err)
	assert.Len(t, placements, 2)
}

func TestStoreFileInsufficientReplicas(t *testing.T) {
	eng, store := newTestEngine(t, 2)
	n1 := newFakeNode(t)
	registerNode(t, store, "node-1", n1, 1000)

	_, err := eng.StoreFile(context.Background(), "f.txt", []byte("data"))
	require.ErrorIs(t, err, ErrInsufficientReplicas)

	// nothing was written anywhere
	files, err := store.ListFiles()
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.False(t, n1.holds("f.txt"))
}

func TestStoreFilePartialSuccess(t *testing.T) {
	eng, store := newTestEngine(t, 2)
	n1 := newFakeNode(t)
	n2 := newFakeNode(t)
	n2.failStore = true
	registerNode(t, store, "node-1", n1, 1000)
	registerNode(t, store, "node-2", n2, 1000)

	resp, err := eng.StoreFile(context.Background(), "f.txt", []byte("partial"))
	require.NoError(t, err)

	assert.Equal(t, "partial", resp.Status)
	assert.Equal(t, []string{"node-1"}, resp.Nodes)
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "node-2")

	placements, err := store.Placements(resp.FileID)
	require.NoError(t, err)
	require.Len(t, placements, 1)
	assert.Equal(t, "node-1", placements[0].NodeID)
}

func TestStoreFileAllNodesFail(t *testing.T) {
	eng, store := newTestEngine(t, 2)
	n1 := newFakeNode(t)
	n2 := newFakeNode(t)
	n1.failStore = true
	n2.failStore = true
	registerNode(t, store, "node-1", n1, 1000)
	registerNode(t, store, "node-2", n2, 1000)

	_, err := eng.StoreFile(context.Background(), "f.txt", []byte("doomed"))
	require.ErrorIs(t, err, ErrAllNodesFailed)

	files, err := store.ListFiles()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestRetrieveRoundTrip(t *testing.T) {
	eng, _ := newTestEngine(t, 2)
	n1 := newFakeNode(t)
	n2 := newFakeNode(t)
	registerNode(t, eng.store, "node-1", n1, 1000)
	registerNode(t, eng.store, "node-2", n2, 1000)

	content := []byte("round trip payload")
	stored, err := eng.StoreFile(context.Background(), "rt.txt", content)
	require.NoError(t, err)

	got, file, err := eng.RetrieveFile(context.Background(), stored.FileID)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, "rt.txt", file.Filename)
}

func TestRetrieveFallsBackToHealthyReplica(t *testing.T) {
	eng, store := newTestEngine(t, 2)
	n1 := newFakeNode(t)
	n2 := newFakeNode(t)
	registerNode(t, store, "node-1", n1, 1000)
	registerNode(t, store, "node-2", n2, 1000)

	content := []byte("survives corruption")
	stored, err := eng.StoreFile(context.Background(), "c.txt", content)
	require.NoError(t, err)
	require.Len(t, stored.Nodes, 2)

	// one replica serves flipped bytes, the other is intact
	n1.corrupt = true

	got, _, err := eng.RetrieveFile(context.Background(), stored.FileID)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestRetrieveUnknownFile(t *testing.T) {
	eng, _ := newTestEngine(t, 2)

	_, _, err := eng.RetrieveFile(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestDeleteFileCleansReplicas(t *testing.T) {
	eng, store := newTestEngine(t, 2)
	n1 := newFakeNode(t)
	n2 := newFakeNode(t)
	registerNode(t, store, "node-1", n1, 1000)
	registerNode(t, store, "node-2", n2, 1000)

	stored, err := eng.StoreFile(context.Background(), "d.txt", []byte("delete me"))
	require.NoError(t, err)

	resp, err := eng.DeleteFile(context.Background(), stored.FileID)
	require.NoError(t, err)
	assert.Equal(t, "deleted", resp.Status)
	assert.Equal(t, []string{"node-1", "node-2"}, resp.NodesCleaned)
	assert.False(t, n1.holds(stored.FileID))
	assert.False(t, n2.holds(stored.FileID))

	// retrieval of a soft-deleted file behaves like a missing file
	_, _, err = eng.RetrieveFile(context.Background(), stored.FileID)
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestDeleteSucceedsWhenNodeUnreachable(t *testing.T) {
	eng, store := newTestEngine(t, 2)
	n1 := newFakeNode(t)
	n2 := newFakeNode(t)
	registerNode(t, store, "node-1", n1, 1000)
	registerNode(t, store, "node-2", n2, 1000)

	stored, err := eng.StoreFile(context.Background(), "d.txt", []byte("orphan copy"))
	require.NoError(t, err)

	// node-2 goes away before the delete
	n2.srv.Close()

	resp, err := eng.DeleteFile(context.Background(), stored.FileID)
	require.NoError(t, err)
	assert.Equal(t, "deleted", resp.Status)
	assert.Equal(t, []string{"node-1"}, resp.NodesCleaned)

	// the catalog no longer lists the file despite the failed cleanup
	files, err := store.ListFiles()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestDeleteFileTwice(t *testing.T) {
	eng, store := newTestEngine(t, 2)
	n1 := newFakeNode(t)
	n2 := newFakeNode(t)
	registerNode(t, store, "node-1", n1, 1000)
	registerNode(t, store, "node-2", n2, 1000)

	stored, err := eng.StoreFile(context.Background(), "twice.txt", []byte("going going"))
	require.NoError(t, err)

	first, err := eng.DeleteFile(context.Background(), stored.FileID)
	require.NoError(t, err)
	assert.Equal(t, "deleted", first.Status)

	// repeating the delete is harmless
	second, err := eng.DeleteFile(context.Background(), stored.FileID)
	require.NoError(t, err)
	assert.Equal(t, "deleted", second.Status)
	assert.False(t, n1.holds(stored.FileID))
	assert.False(t, n2.holds(stored.FileID))

	files, err := eng.ListFiles()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestStoreEmptyFileRoundTrip(t *testing.T) {
	eng, store := newTestEngine(t, 2)
	n1 := newFakeNode(t)
	n2 := newFakeNode(t)
	registerNode(t, store, "node-1", n1, 1000)
	registerNode(t, store, "node-2", n2, 1000)

	stored, err := eng.StoreFile(context.Background(), "empty.txt", []byte{})
	require.NoError(t, err)
	assert.Equal(t, "success", stored.Status)
	assert.Equal(t, int64(0), stored.Size)

	sum := sha256.Sum256(nil)
	assert.Equal(t, hex.EncodeToString(sum[:]), stored.Checksum)

	got, file, err := eng.RetrieveFile(context.Background(), stored.FileID)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, int64(0), file.Size)
}

func TestDeleteUnknownFile(t *testing.T) {
	eng, _ := newTestEngine(t, 2)

	_, err := eng.DeleteFile(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestListFilesExcludesDeleted(t *testing.T) {
	eng, _ := newTestEngine(t, 1)
	n1 := newFakeNode(t)
	registerNode(t, eng.store, "node-1", n1, 1000)

	kept, err := eng.StoreFile(context.Background(), "kept.txt", []byte("kept"))
	require.NoError(t, err)
	gone, err := eng.StoreFile(context.Background(), "gone.txt", []byte("gone"))
	require.NoError(t, err)

	_, err = eng.DeleteFile(context.Background(), gone.FileID)
	require.NoError(t, err)

	files, err := eng.ListFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, kept.FileID, files[0].FileID)
}

func TestSelectNodesPrefersFreeSpace(t *testing.T) {
	nodes := []catalog.NodeRecord{
		{NodeID: "small", Capacity: 100, UsedSpace: 90},
		{NodeID: "big", Capacity: 1000, UsedSpace: 0},
		{NodeID: "mid-slow", Capacity: 500, UsedSpace: 100, AvgResponseMs: 50},
		{NodeID: "mid-fast", Capacity: 500, UsedSpace: 100, AvgResponseMs: 5},
	}

	picked := selectNodes(nodes, 2)
	require.Len(t, picked, 2)
	assert.Equal(t, "big", picked[0].NodeID)
	assert.Equal(t, "mid-fast", picked[1].NodeID)
}

func TestStoreFileTimeoutCountsAsFailure(t *testing.T) {
	store, err := catalog.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(slow.Close)
	fast := newFakeNode(t)

	require.NoError(t, store.UpsertNode("slow", slow.URL, 1000))
	require.NoError(t, store.UpsertNode("fast", fast.srv.URL, 1000))

	eng := NewEngine(store, NewNodeClient(5*time.Second), Config{
		ReplicationFactor: 2,
		CallTimeout:       50 * time.Millisecond,
	}, nil)

	resp, err := eng.StoreFile(context.Background(), "t.txt", []byte("tick tock"))
	require.NoError(t, err)
	assert.Equal(t, "partial", resp.Status)
	assert.Equal(t, []string{"fast"}, resp.Nodes)
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "slow")
}
