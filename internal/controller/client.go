package controller

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/blobmesh/blobmesh/pkg/proto"
)

// ErrNodeNotFound is returned when the node is not registered with the
// controller. Agents treat it as a signal to re-register.
var ErrNodeNotFound = errors.New("node not found")

// Client is a client for the controller's control-plane API, used by
// node agents for registration, heartbeats and metrics reports.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a new controller client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Register registers this node with the controller. Registration is an
// idempotent upsert, safe to repeat after restarts.
func (c *Client) Register(nodeID, url string, capacity int64) error {
	req := proto.RegisterRequest{
		NodeID:   nodeID,
		URL:      url,
		Capacity: capacity,
	}

	resp, err := c.doJSON(http.MethodPost, "/nodes/register", req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	return nil
}

// Heartbeat reports liveness, optionally piggybacking usage stats.
func (c *Client) Heartbeat(nodeID string, stats *proto.NodeStats) error {
	req := proto.HeartbeatRequest{
		NodeID: nodeID,
		Status: "healthy",
		Stats:  stats,
	}

	resp, err := c.doJSON(http.MethodPost, "/nodes/heartbeat", req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrNodeNotFound
	default:
		return c.parseError(resp)
	}
}

// ReportMetrics sends a utilization snapshot to the controller.
func (c *Client) ReportMetrics(nodeID string, snap proto.MetricsSnapshot) error {
	resp, err := c.doJSON(http.MethodPost, "/metrics/nodes/"+nodeID, snap)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	return nil
}

// BaseURL returns the controller base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) doJSON(method, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.client.Do(req)
}

func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp proto.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("%s: %s", errResp.Error, errResp.Message)
	}

	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
}
