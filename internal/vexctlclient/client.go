// Package vexctlclient is a thin HTTP client over the Native dialect
// (/vexfs/v1/*), used by cmd/vexctl instead of talking to the engine
// in-process — grounded on ppriyankuu-godkv/internal/client.Client's
// one-node-at-a-time HTTP wrapper, adapted from a KV put/get/delete
// surface to VexFS's status/query/fsck surface.
package vexctlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to one VexFS server's Native dialect endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Client. A zero timeout falls back to 30s, matching
// vexctl's own default request timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}
}

// StatusResponse is /vexfs/v1/status's body.
type StatusResponse struct {
	State string `json:"state"`
}

// Status reports the hang-prevention system state.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/vexfs/v1/status", nil, &out)
	return out, err
}

// Collections lists every collection name.
func (c *Client) Collections(ctx context.Context) ([]string, error) {
	var out struct {
		Collections []string `json:"collections"`
	}
	err := c.do(ctx, http.MethodGet, "/vexfs/v1/collections", nil, &out)
	return out.Collections, err
}

// CreateCollectionRequest mirrors api.nativeCreateCollectionRequest.
type CreateCollectionRequest struct {
	Name      string `json:"name"`
	Dim       int    `json:"dim"`
	Distance  string `json:"distance"`
	IndexType string `json:"index_type"`
}

// CreateCollection creates a new collection.
func (c *Client) CreateCollection(ctx context.Context, req CreateCollectionRequest) error {
	return c.do(ctx, http.MethodPost, "/vexfs/v1/collections", req, nil)
}

// QueryResult mirrors api.nativeQueryResult.
type QueryResult struct {
	ID       string         `json:"id"`
	Distance float32        `json:"distance"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Query runs a nearest-neighbor search against one collection.
func (c *Client) Query(ctx context.Context, collection string, vector []float32, k int) ([]QueryResult, error) {
	req := struct {
		Vector []float32 `json:"vector"`
		K      int       `json:"k"`
	}{Vector: vector, K: k}

	var out struct {
		Results []QueryResult `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, "/vexfs/v1/collections/"+collection+"/query", req, &out)
	return out.Results, err
}

// SyncStatusResponse mirrors bridge.SyncStatus.
type SyncStatusResponse struct {
	IsSynchronized bool   `json:"IsSynchronized"`
	PendingOps     int    `json:"PendingOps"`
	LastError      string `json:"LastError"`
}

// SyncStatus reports a collection's storage<->index synchronization state.
func (c *Client) SyncStatus(ctx context.Context, collection string) (SyncStatusResponse, error) {
	var out SyncStatusResponse
	err := c.do(ctx, http.MethodGet, "/vexfs/v1/collections/"+collection+"/sync_status", nil, &out)
	return out, err
}

// Checkpoint forces a snapshot of one collection.
func (c *Client) Checkpoint(ctx context.Context, collection string) error {
	return c.do(ctx, http.MethodPost, "/vexfs/v1/collections/"+collection+"/checkpoint", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("vexctlclient: encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("vexctlclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vexctlclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vexctlclient: %s %s: status %d: %s", method, path, resp.StatusCode, string(raw))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
