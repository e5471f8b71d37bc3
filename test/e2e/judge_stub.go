package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// JudgeStub answers OpenAI-style chat completion requests from the judge
// runner. It recognises the three prompt shapes the pipeline emits and scores
// deterministically: every rubric row gets score 4, and the lexicographically
// larger artifact body wins a pairwise game, so rankings are stable no matter
// which side a candidate was presented on.
type JudgeStub struct {
	srv *httptest.Server

	mu       sync.Mutex
	bearer   string
	single   int
	pairwise int
	combine  int
}

// NewJudgeStub starts the fake judge endpoint. Shutdown is registered via
// t.Cleanup.
func NewJudgeStub(t *testing.T) *JudgeStub {
	t.Helper()
	j := &JudgeStub{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/completions", j.handleChat)
	j.srv = httptest.NewServer(mux)
	t.Cleanup(j.srv.Close)
	return j
}

// URL returns the base URL the LLM client should point at.
func (j *JudgeStub) URL() string { return j.srv.URL }

// BearerToken returns the last Authorization bearer value seen.
func (j *JudgeStub) BearerToken() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.bearer
}

// SingleCalls returns how many rubric scoring prompts arrived.
func (j *JudgeStub) SingleCalls() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.single
}

// PairwiseCalls returns how many pairwise comparison prompts arrived.
func (j *JudgeStub) PairwiseCalls() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pairwise
}

// CombineCalls returns how many combine prompts arrived.
func (j *JudgeStub) CombineCalls() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.combine
}

type chatCompletionRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Message chatResponseMessage `json:"message"`
}

type chatResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (j *JudgeStub) handleChat(w http.ResponseWriter, r *http.Request) {
	j.mu.Lock()
	j.bearer = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	j.mu.Unlock()

	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	var user string
	for _, m := range req.Messages {
		if m.Role == "user" {
			user = m.Content
		}
	}

	var reply string
	switch {
	case strings.Contains(user, "=== ARTIFACT A START ==="):
		reply = j.judgePair(user)
	case strings.Contains(user, "=== ARTIFACT START ==="):
		j.count(&j.single)
		reply = "SCORE: 4\nRATIONALE: solid coverage of the brief."
	case strings.Contains(user, "=== CANDIDATE 1 START ==="):
		j.count(&j.combine)
		reply = "Combined draft synthesised from the candidate set."
	default:
		http.Error(w, "unscripted judge prompt", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(&chatCompletionResponse{
		Choices: []chatChoice{{Message: chatResponseMessage{Role: "assistant", Content: reply}}},
		Usage:   chatUsage{PromptTokens: 200, CompletionTokens: 20, TotalTokens: 220},
	})
}

// judgePair declares the lexicographically larger artifact body the winner.
// The verdict depends only on content, so it is consistent under the random
// presentation flip and transitive across a field of candidates.
func (j *JudgeStub) judgePair(prompt string) string {
	j.count(&j.pairwise)

	a := section(prompt, "=== ARTIFACT A START ===", "=== ARTIFACT A END ===")
	b := section(prompt, "=== ARTIFACT B START ===", "=== ARTIFACT B END ===")
	switch {
	case a > b:
		return "WINNER: A\nRATIONALE: candidate A covers the brief in more depth."
	case b > a:
		return "WINNER: B\nRATIONALE: candidate B covers the brief in more depth."
	default:
		return "WINNER: TIE\nRATIONALE: the candidates are equivalent."
	}
}

func (j *JudgeStub) count(n *int) {
	j.mu.Lock()
	*n++
	j.mu.Unlock()
}

func section(s, start, end string) string {
	_, rest, ok := strings.Cut(s, start)
	if !ok {
		return ""
	}
	body, _, ok := strings.Cut(rest, end)
	if !ok {
		return ""
	}
	return strings.TrimSpace(body)
}
