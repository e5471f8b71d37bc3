// Package upstream calls the two generator services that produce artifacts:
// the file/prompt driver (fpf) and the web-research driver. Both speak the
// same generate endpoint; only the instruction field differs. Tenant provider
// keys travel as X-Provider-Key-<provider> headers and exist only for the
// duration of one request.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"time"
)

// Generator kinds.
const (
	KindFPF      = "fpf"
	KindResearch = "research"
)

// Retry policy for transient failures. 4xx responses are never retried;
// retries are safe only because the generate endpoints are idempotent for
// this request shape.
const (
	maxRetries  = 2
	backoffBase = 500 * time.Millisecond
	backoffCap  = 6 * time.Second

	// callCeiling bounds a leaked call. Real timeouts live in the upstream
	// service configuration.
	callCeiling = 24 * time.Hour
)

// GenerateRequest is the POST body for both generator kinds. Prompt is set
// for fpf tasks, Query for research tasks.
type GenerateRequest struct {
	RunID     string          `json:"run_id"`
	Provider  string          `json:"provider"`
	Model     string          `json:"model"`
	Prompt    string          `json:"prompt,omitempty"`
	Query     string          `json:"query,omitempty"`
	Document  *Document       `json:"document,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	Iteration int             `json:"iteration"`
}

// Document is the input document a generation task works from.
type Document struct {
	DocumentID  string `json:"document_id"`
	DisplayName string `json:"display_name,omitempty"`
	Content     string `json:"content"`
}

// GenerateResult is the generator response. Headers carries the upstream
// rate-limit headers for the limiter release.
type GenerateResult struct {
	Artifact   string   `json:"artifact"`
	CostUSD    float64  `json:"cost_usd"`
	TokenCount int64    `json:"token_count"`
	DurationMS int64    `json:"duration_ms"`
	SourceRefs []string `json:"source_refs,omitempty"`

	Headers http.Header `json:"-"`
}

// StatusError is a non-2xx generator response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus implements the status-coded error surface the task retry
// classifier keys on.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// Client calls one generator service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	kind       string
	logger     *slog.Logger
}

// NewFPF creates the client for the file/prompt generator.
func NewFPF(baseURL string) *Client {
	return newClient(baseURL, KindFPF)
}

// NewResearch creates the client for the web-research generator.
func NewResearch(baseURL string) *Client {
	return newClient(baseURL, KindResearch)
}

func newClient(baseURL, kind string) *Client {
	return &Client{
		// No client timeout: generator calls legitimately run for hours.
		// The context ceiling in Generate bounds leaks.
		httpClient: &http.Client{},
		baseURL:    baseURL,
		kind:       kind,
		logger:     slog.Default(),
	}
}

// Kind reports which generator this client drives.
func (c *Client) Kind() string { return c.kind }

// Generate performs one generation call with the retry policy above.
// providerKeys maps provider name to plaintext key; the map is read, never
// retained.
func (c *Client) Generate(ctx context.Context, req *GenerateRequest, providerKeys map[string]string) (*GenerateResult, error) {
	ctx, cancel := context.WithTimeout(ctx, callCeiling)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode generate request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			c.logger.Warn("Retrying generator call",
				"kind", c.kind, "attempt", attempt, "error", lastErr)
		}

		result, err := c.generateOnce(ctx, body, providerKeys)
		if err == nil {
			return result, nil
		}
		if !isTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%s generate failed after %d retries: %w", c.kind, maxRetries, lastErr)
}

func (c *Client) generateOnce(ctx context.Context, body []byte, providerKeys map[string]string) (*GenerateResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for provider, key := range providerKeys {
		// Header names canonicalize; upstream matches case-insensitively.
		req.Header.Set("X-Provider-Key-"+provider, key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generator call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       readErrorBody(resp.Body),
		}
	}

	var result GenerateResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode generator response: %w", err)
	}
	result.Headers = resp.Header
	return &result, nil
}

// retryBackoff returns the full-jitter exponential delay before the given
// retry attempt (1-based).
func retryBackoff(attempt int) time.Duration {
	d := backoffBase << (attempt - 1)
	if d > backoffCap {
		d = backoffCap
	}
	return time.Duration(rand.Int64N(int64(d)))
}

// isTransient reports whether an error is worth retrying: upstream 5xx,
// network failures, and request timeouts. Context cancellation and every
// 4xx are final.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}

// readErrorBody captures a bounded error payload for diagnostics.
func readErrorBody(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	return string(bytes.TrimSpace(body))
}
