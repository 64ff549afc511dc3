// Package peer implements request forwarding between cluster nodes: when
// a node receives an append for a stream it does not own, it forwards the
// request over HTTP to the owning node instead of serving it locally.
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/streamgrid/eventstore/internal/cache"
	"github.com/streamgrid/eventstore/internal/event"
)

// ForwardRequest is the wire shape posted to a peer's internal forwarding
// endpoint. IsForwarded must be set so the receiving node never forwards
// it a second time, which would otherwise ping-pong a request between two
// nodes that each believe the other is the owner under a stale topology.
type ForwardRequest struct {
	StreamID        string                `json:"stream_id"`
	Events          []event.Event         `json:"events"`
	ExpectedVersion event.ExpectedVersion `json:"expected_version"`
	IsForwarded     bool                  `json:"is_forwarded"`
}

// ForwardResponse mirrors the outcome of a local append: one version per
// event the owner actually persisted, in request order.
type ForwardResponse struct {
	Versions []uint64 `json:"versions,omitempty"`
	Error    string   `json:"error,omitempty"`
	// Conflict is set when the rejection was a concurrency mismatch, so
	// the caller can distinguish it from a transport or validation error.
	Conflict bool   `json:"conflict,omitempty"`
	Actual   uint64 `json:"actual_version,omitempty"`
}

// Client forwards append requests to peer nodes over HTTP. Connection
// reuse is handled by the shared http.Transport's connection pool; the
// client's own cache only records which peer addresses failed their most
// recent forward (see RecentlyDown).
type Client struct {
	httpClient *http.Client
	authToken  string
	addrCache  *cache.Cache
}

// New builds a peer Client. authToken, if non-empty, is sent as a bearer
// token on every forwarded request so the receiving node's auth
// middleware treats it like any other authenticated caller.
func New(authToken string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		authToken:  authToken,
		addrCache:  cache.New(256, 5*time.Minute),
	}
}

// RecentlyDown reports whether the last attempt to reach address failed
// within the cache's TTL window, so callers can fail fast on a forward
// instead of paying the full HTTP timeout against a peer known to be down.
func (c *Client) RecentlyDown(address string) bool {
	_, down := c.addrCache.Get("down:" + address)
	return down
}

// Forward sends req to the node at address and returns its response.
func (c *Client) Forward(ctx context.Context, address string, req ForwardRequest) (ForwardResponse, error) {
	req.IsForwarded = true

	body, err := json.Marshal(req)
	if err != nil {
		return ForwardResponse{}, fmt.Errorf("peer: marshal forward request: %w", err)
	}

	url := fmt.Sprintf("http://%s/internal/append", address)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ForwardResponse{}, fmt.Errorf("peer: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.addrCache.Set("down:"+address, time.Now())
		return ForwardResponse{}, fmt.Errorf("peer: forward to %s: %w", address, err)
	}
	defer resp.Body.Close()
	c.addrCache.Delete("down:" + address)

	var out ForwardResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ForwardResponse{}, fmt.Errorf("peer: decode response from %s: %w", address, err)
	}
	return out, nil
}
