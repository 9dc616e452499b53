package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ResultClient is the worker-side half of the result relay: it pushes
// final textual results back to the gateway process, keyed by the
// original event id.
type ResultClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewResultClient creates a client for the gateway at baseURL.
func NewResultClient(baseURL, apiKey string) *ResultClient {
	return &ResultClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Deliver posts one result. The gateway forwards it over WebSocket and
// records the response audit entry.
func (c *ResultClient) Deliver(ctx context.Context, eventID, text, userID string) error {
	body, err := json.Marshal(map[string]string{
		"id":      eventID,
		"text":    text,
		"user_id": userID,
	})
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/result", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build result request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver result %s: %w", eventID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("deliver result %s: gateway returned %s", eventID, resp.Status)
	}
	return nil
}
