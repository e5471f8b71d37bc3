// Package llm is the OpenAI-compatible chat-completions client used for
// judge and combine calls. Provider base URLs come from server config; the
// bearer token is the tenant's materialized key and is never retained past
// the request.
package llm

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

	"github.com/promptarena/arena/pkg/config"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Retry policy, same shape as the generator clients: no 4xx retries,
// transient failures get two jittered retries.
const (
	maxRetries  = 2
	backoffBase = 500 * time.Millisecond
	backoffCap  = 6 * time.Second

	callCeiling = 24 * time.Hour
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one chat-completion call.
type Request struct {
	Provider    string
	Model       string
	Messages    []Message
	Temperature *float64
}

// Usage is the token accounting block of a completion response.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Response carries the completion text, token usage, and the raw response
// headers for the rate limiter release.
type Response struct {
	Content string
	Usage   Usage
	Headers http.Header
}

// StatusError is a non-2xx completion response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned HTTP %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus implements the status-coded error surface the task retry
// classifier keys on.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// Client calls the configured chat-completions providers.
type Client struct {
	httpClient *http.Client
	providers  map[string]config.ProviderCfg
	logger     *slog.Logger
}

// New builds a client over the provider registry from server config.
func New(providers map[string]config.ProviderCfg) *Client {
	return &Client{
		httpClient: &http.Client{},
		providers:  providers,
		logger:     slog.Default(),
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// ChatCompletion performs one completion call with retries on transient
// failures.
func (c *Client) ChatCompletion(ctx context.Context, req *Request, apiKey string) (*Response, error) {
	provider, ok := c.providers[req.Provider]
	if !ok {
		return nil, fmt.Errorf("no base URL configured for provider %q", req.Provider)
	}

	ctx, cancel := context.WithTimeout(ctx, callCeiling)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			c.logger.Warn("Retrying completion call",
				"provider", req.Provider, "model", req.Model,
				"attempt", attempt, "error", lastErr)
		}

		resp, err := c.completeOnce(ctx, provider.BaseURL, body, apiKey)
		if err == nil {
			return resp, nil
		}
		if !isTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("completion failed after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) completeOnce(ctx context.Context, baseURL string, body []byte, apiKey string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       string(bytes.TrimSpace(errBody)),
		}
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode completion response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("completion response has no choices")
	}

	return &Response{
		Content: decoded.Choices[0].Message.Content,
		Usage:   decoded.Usage,
		Headers: resp.Header,
	}, nil
}

// EstimateTokens approximates the token count of a message list for
// rate-limit permits: four characters per token plus a small per-message
// overhead, floored at one.
func EstimateTokens(messages []Message) int64 {
	var chars int
	for _, m := range messages {
		chars += len(m.Content) + 16
	}
	est := int64(chars / 4)
	if est < 1 {
		est = 1
	}
	return est
}

func retryBackoff(attempt int) time.Duration {
	d := backoffBase << (attempt - 1)
	if d > backoffCap {
		d = backoffCap
	}
	return time.Duration(rand.Int64N(int64(d)))
}

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
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
