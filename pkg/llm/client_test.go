package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptarena/arena/pkg/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(map[string]config.ProviderCfg{
		"openai": {BaseURL: server.URL + "/v1"},
	})
}

func TestChatCompletion(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("x-ratelimit-remaining-requests", "99")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "SCORE: 4\nRATIONALE: solid"}},
			},
			"usage": map[string]any{
				"prompt_tokens":     120,
				"completion_tokens": 18,
				"total_tokens":      138,
			},
		})
	})

	temp := 0.0
	resp, err := client.ChatCompletion(context.Background(), &Request{
		Provider: "openai",
		Model:    "gpt-5",
		Messages: []Message{
			{Role: RoleSystem, Content: "You are a strict judge."},
			{Role: RoleUser, Content: "Evaluate this artifact."},
		},
		Temperature: &temp,
	}, "sk-live-123")
	require.NoError(t, err)

	assert.Equal(t, "SCORE: 4\nRATIONALE: solid", resp.Content)
	assert.Equal(t, int64(120), resp.Usage.PromptTokens)
	assert.Equal(t, int64(138), resp.Usage.TotalTokens)
	assert.Equal(t, "99", resp.Headers.Get("x-ratelimit-remaining-requests"))

	assert.Equal(t, "Bearer sk-live-123", gotAuth)
	assert.Equal(t, "gpt-5", gotBody.Model)
	require.NotNil(t, gotBody.Temperature)
	assert.Zero(t, *gotBody.Temperature)
}

func TestChatCompletionUnknownProvider(t *testing.T) {
	client := New(map[string]config.ProviderCfg{})

	_, err := client.ChatCompletion(context.Background(), &Request{
		Provider: "mystery",
		Model:    "m",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, "key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mystery")
}

func TestChatCompletionDoesNotRetry429(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.ChatCompletion(context.Background(), &Request{
		Provider: "openai",
		Model:    "gpt-5",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, "key")
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestChatCompletionRetries5xx(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
		})
	})

	resp, err := client.ChatCompletion(context.Background(), &Request{
		Provider: "openai",
		Model:    "gpt-5",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, "key")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestChatCompletionEmptyChoices(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	})

	_, err := client.ChatCompletion(context.Background(), &Request{
		Provider: "openai",
		Model:    "gpt-5",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, "key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, int64(1), EstimateTokens(nil))
	assert.Equal(t, int64(4), EstimateTokens([]Message{{Role: RoleUser, Content: ""}}), "per-message overhead")

	long := EstimateTokens([]Message{{Role: RoleUser, Content: string(make([]byte, 4000))}})
	assert.Greater(t, long, int64(1000))
}
