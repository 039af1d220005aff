package remotesync

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"csms/internal/models"
	"csms/internal/security"
)

// Snapshot is the wire payload a peer serves: its chargers with their
// nested transactions. Numeric and datetime fields arrive untyped and are
// coerced on apply, never trusted.
type Snapshot struct {
	Chargers []SnapshotCharger `json:"chargers"`
}

type SnapshotCharger struct {
	Serial          string `json:"serial"`
	ConnectorID     any    `json:"connector_id"`
	Vendor          string `json:"vendor"`
	Model           string `json:"model"`
	FirmwareVersion string `json:"firmware_version"`
	IsActive        any    `json:"is_active"`

	Transactions []SnapshotTransaction `json:"transactions"`
}

type SnapshotTransaction struct {
	ConnectorID any    `json:"connector_id"`
	IDTag       string `json:"id_tag"`
	StartTime   any    `json:"start_time"`
	StopTime    any    `json:"stop_time"`
	MeterStart  any    `json:"meter_start"`
	MeterStop   any    `json:"meter_stop"`
	Reason      any    `json:"reason"`
}

// Client pulls snapshots from peer nodes, signing each request with this
// node's private key.
type Client struct {
	httpc  *http.Client
	nodeID string
	key    *rsa.PrivateKey
}

func NewClient(httpc *http.Client, nodeID string, key *rsa.PrivateKey) *Client {
	if httpc == nil {
		httpc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{httpc: httpc, nodeID: nodeID, key: key}
}

// FetchSnapshot tries each of the peer's candidate base URLs in turn until
// one answers 200 with decodable JSON. The last failure is returned when
// every URL is exhausted.
func (c *Client) FetchSnapshot(ctx context.Context, node *models.Node) (*Snapshot, error) {
	body, err := json.Marshal(map[string]string{
		"requester": c.nodeID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	sig, err := security.SignBody(c.key, body)
	if err != nil {
		return nil, fmt.Errorf("signing snapshot request: %w", err)
	}

	var lastErr error
	for _, base := range node.BaseURLs {
		url := strings.TrimRight(base, "/") + "/api/snapshot"
		snap, err := c.fetchOne(ctx, url, body, sig)
		if err != nil {
			lastErr = err
			continue
		}
		return snap, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("node %s has no base URLs", node.ID)
	}
	return nil, lastErr
}

func (c *Client) fetchOne(ctx context.Context, url string, body []byte, sig string) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", sig)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("snapshot request to %s: status %d", url, resp.StatusCode)
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot from %s: %w", url, err)
	}
	return &snap, nil
}
