// Package placement decides which storage nodes hold each file and
// drives the store/retrieve/delete fan-out against them.
package placement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/blobmesh/blobmesh/pkg/proto"
)

// NodeClient talks to storage node agents over HTTP.
type NodeClient struct {
	client *http.Client
}

// NewNodeClient creates a client for node fan-out calls. The timeout
// bounds each individual call to a node.
func NewNodeClient(timeout time.Duration) *NodeClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &NodeClient{
		client: &http.Client{Timeout: timeout},
	}
}

// Store pushes content to a node under the given file id.
func (nc *NodeClient) Store(ctx context.Context, nodeURL, fileID string, content []byte) (*proto.StoreResponse, error) {
	url := fmt.Sprintf("%s/store/%s", strings.TrimSuffix(nodeURL, "/"), fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := nc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("store on %s: %w", nodeURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nc.parseError(resp)
	}

	var out proto.StoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// Retrieve fetches content for a file id from a node.
func (nc *NodeClient) Retrieve(ctx context.Context, nodeURL, fileID string) ([]byte, error) {
	url := fmt.Sprintf("%s/retrieve/%s", strings.TrimSuffix(nodeURL, "/"), fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := nc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieve from %s: %w", nodeURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nc.parseError(resp)
	}

	return io.ReadAll(resp.Body)
}

// Delete removes content for a file id from a node.
func (nc *NodeClient) Delete(ctx context.Context, nodeURL, fileID string) error {
	url := fmt.Sprintf("%s/delete/%s", strings.TrimSuffix(nodeURL, "/"), fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := nc.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete on %s: %w", nodeURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nc.parseError(resp)
	}
	return nil
}

func (nc *NodeClient) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errResp proto.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("node returned %d: %s", resp.StatusCode, errResp.Message)
	}
	return fmt.Errorf("node returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
