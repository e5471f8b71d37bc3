package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/promptarena/arena/pkg/api"
)

// RateLimitStatus snapshots the server's live rate-limit buckets.
func (c *Client) RateLimitStatus(ctx context.Context) (*api.RateLimitStatusResponse, error) {
	var resp api.RateLimitStatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/rate-limits/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health reports the server's health. Degraded and unhealthy are valid
// answers, not errors: the 503 body decodes the same way as the 200 body.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectError{URL: c.baseURL, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, decodeAPIError(resp.StatusCode, data)
	}

	var health api.HealthResponse
	if err := json.Unmarshal(data, &health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &health, nil
}
