// Package ledger talks to the external anchor collaborator. One call:
// submit a migration summary, get back a receipt id. The receipt is
// best-effort audit, never a commit gate; already-committed migrations are
// not rolled back when anchoring fails.
package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Summary is the anchored content of one migration run.
type Summary struct {
	MigratedCount int       `json:"migrated_count"`
	Timestamp     time.Time `json:"timestamp"`
}

// Receipt computes the deterministic content hash of a summary. The local
// hash is what gets submitted; the collaborator answers with its own id.
func Receipt(s Summary) string {
	payload := fmt.Sprintf("%d|%d", s.MigratedCount, s.Timestamp.UTC().UnixNano())
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Client anchors migration summaries.
type Client interface {
	SubmitReceipt(ctx context.Context, s Summary) (string, error)
}

type HTTPConfig struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
	Logger   *log.Logger
}

// HTTPClient posts summaries to an anchor endpoint as JSON.
type HTTPClient struct {
	cfg HTTPConfig
	hc  *http.Client
}

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &HTTPClient{cfg: cfg, hc: &http.Client{Timeout: cfg.Timeout}}
}

type submitRequest struct {
	Summary
	ContentHash string `json:"content_hash"`
}

type submitResponse struct {
	ReceiptID string `json:"receipt_id"`
}

func (c *HTTPClient) SubmitReceipt(ctx context.Context, s Summary) (string, error) {
	body, err := json.Marshal(submitRequest{Summary: s, ContentHash: Receipt(s)})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("anchor endpoint: status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("anchor endpoint: decode response: %w", err)
	}
	if out.ReceiptID == "" {
		return "", fmt.Errorf("anchor endpoint: empty receipt id")
	}
	return out.ReceiptID, nil
}

// Local answers with the content hash itself. Used when no anchor endpoint
// is configured and in tests.
type Local struct{}

func (Local) SubmitReceipt(_ context.Context, s Summary) (string, error) {
	return Receipt(s), nil
}
