// Package judge runs LLM evaluations over generated artifacts: single-document
// rubric scoring and pairwise comparisons, plus the tournament pairing
// strategies. Judges answer under a strict output contract; replies that
// deviate get reformat retries before the evaluation is recorded as failed.
package judge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/promptarena/arena/pkg/config"
	"github.com/promptarena/arena/pkg/llm"
	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/ratelimit"
)

// maxReformatRetries is the number of times a judge is asked to restate a
// malformed verdict. Not configurable: the reply depends on the conversation
// content, not on elapsed time, and a judge that cannot follow the contract
// after three reminders will not follow it on the fourth.
const maxReformatRetries = 3

// Caller is the completion surface the runner drives; *llm.Client satisfies it.
type Caller interface {
	ChatCompletion(ctx context.Context, req *llm.Request, apiKey string) (*llm.Response, error)
}

// Runner executes judge calls behind the rate limiter.
type Runner struct {
	llm     Caller
	limiter *ratelimit.Limiter
	flip    func() bool
}

// NewRunner wires a runner over the completion client and the shared limiter.
func NewRunner(caller Caller, limiter *ratelimit.Limiter) *Runner {
	return &Runner{
		llm:     caller,
		limiter: limiter,
		flip:    func() bool { return rand.Int64N(2) == 1 },
	}
}

// SingleRequest is one (artifact, judge, dimension, iteration) scoring unit.
type SingleRequest struct {
	RunID      string
	ArtifactID string
	Content    string
	Judge      config.ModelRef
	Dimension  string
	Rubric     string
	Iteration  int
}

// SingleOutcome is the scoring verdict. Score nil with FailedParse set
// records a judge that never produced a contract-conforming reply.
type SingleOutcome struct {
	Score       *int
	Rationale   string
	FailedParse bool
}

// ScoreSingle evaluates one artifact on one dimension. Transport errors
// propagate to the caller; contract failures after all reformat retries are
// an outcome, not an error.
func (r *Runner) ScoreSingle(ctx context.Context, req *SingleRequest, apiKey string) (*SingleOutcome, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: singleSystemPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf(singleUserTemplate,
			req.Dimension, req.Rubric, req.Content, singleOutputContract)},
	}

	var lastReply string
	for attempt := 0; attempt <= maxReformatRetries; attempt++ {
		if attempt > 0 {
			messages = append(messages,
				llm.Message{Role: llm.RoleAssistant, Content: lastReply},
				llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(singleReformatPrompt, singleOutputContract)},
			)
		}

		resp, err := r.call(ctx, req.Judge, messages, apiKey)
		if err != nil {
			return nil, err
		}
		lastReply = resp.Content

		score, rationale, parseErr := parseScore(resp.Content)
		if parseErr == nil {
			return &SingleOutcome{Score: &score, Rationale: rationale}, nil
		}
	}

	slog.Warn("Judge reply failed the scoring contract after retries",
		"run_id", req.RunID, "artifact_id", req.ArtifactID,
		"judge", req.Judge.Model, "dimension", req.Dimension)
	return &SingleOutcome{FailedParse: true}, nil
}

// ArtifactRef is one side of a pairwise comparison.
type ArtifactRef struct {
	ID      string
	Content string
}

// PairwiseRequest is one (pair, judge, iteration) comparison unit.
type PairwiseRequest struct {
	RunID     string
	ArtifactA ArtifactRef
	ArtifactB ArtifactRef
	Judge     config.ModelRef
	Iteration int
}

// PairwiseOutcome is the comparison verdict in canonical (a<b) order with the
// presentation flip already undone. Winner nil records a judge that never
// produced a contract-conforming reply.
type PairwiseOutcome struct {
	Winner       *models.Winner
	Flipped      bool
	Rationale    string
	ErrorMessage string
}

// Compare evaluates one artifact pair. Presentation order is randomized per
// call to mitigate position bias; the flip is recorded and undone in the
// verdict.
func (r *Runner) Compare(ctx context.Context, req *PairwiseRequest, apiKey string) (*PairwiseOutcome, error) {
	a, b := req.ArtifactA, req.ArtifactB
	if a.ID > b.ID {
		a, b = b, a
	}

	flipped := r.flip()
	first, second := a, b
	if flipped {
		first, second = b, a
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: pairwiseSystemPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf(pairwiseUserTemplate,
			first.Content, second.Content, pairwiseOutputContract)},
	}

	var lastReply string
	for attempt := 0; attempt <= maxReformatRetries; attempt++ {
		if attempt > 0 {
			messages = append(messages,
				llm.Message{Role: llm.RoleAssistant, Content: lastReply},
				llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(pairwiseReformatPrompt, pairwiseOutputContract)},
			)
		}

		resp, err := r.call(ctx, req.Judge, messages, apiKey)
		if err != nil {
			return nil, err
		}
		lastReply = resp.Content

		verdict, rationale, parseErr := parseWinner(resp.Content)
		if parseErr == nil {
			w := canonicalWinner(verdict, flipped)
			return &PairwiseOutcome{Winner: &w, Flipped: flipped, Rationale: rationale}, nil
		}
	}

	slog.Warn("Judge reply failed the comparison contract after retries",
		"run_id", req.RunID, "artifact_a", a.ID, "artifact_b", b.ID,
		"judge", req.Judge.Model)
	return &PairwiseOutcome{
		Flipped:      flipped,
		ErrorMessage: "judge reply did not match the output contract",
	}, nil
}

// call acquires a rate-limit permit, performs the completion, and releases
// the permit with the actual usage and response headers.
func (r *Runner) call(ctx context.Context, judgeRef config.ModelRef, messages []llm.Message, apiKey string) (*llm.Response, error) {
	permit, err := r.limiter.Acquire(ctx, judgeRef.Provider, judgeRef.Model, llm.EstimateTokens(messages))
	if err != nil {
		return nil, err
	}

	temperature := 0.0
	resp, err := r.llm.ChatCompletion(ctx, &llm.Request{
		Provider:    judgeRef.Provider,
		Model:       judgeRef.Model,
		Messages:    messages,
		Temperature: &temperature,
	}, apiKey)
	if err != nil {
		var statusErr *llm.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests {
			r.limiter.Observe429(judgeRef.Provider)
		}
		permit.Release(0, nil)
		return nil, err
	}

	permit.Release(resp.Usage.TotalTokens, resp.Headers)
	return resp, nil
}

var scoreRe = regexp.MustCompile(`(?m)^\s*SCORE:\s*([+-]?\d+)\s*$`)

// parseScore extracts the score and rationale from a contract-conforming
// reply. Scores outside [1, 5] are parse failures.
func parseScore(text string) (int, string, error) {
	match := scoreRe.FindStringSubmatch(text)
	if match == nil {
		return 0, "", fmt.Errorf("no SCORE line in reply")
	}
	score, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, "", fmt.Errorf("failed to parse score %q: %w", match[1], err)
	}
	if score < 1 || score > 5 {
		return 0, "", fmt.Errorf("score %d out of range [1, 5]", score)
	}

	idx := strings.Index(text, "RATIONALE:")
	if idx < 0 {
		return 0, "", fmt.Errorf("no RATIONALE section in reply")
	}
	rationale := strings.TrimSpace(text[idx+len("RATIONALE:"):])
	if rationale == "" {
		return 0, "", fmt.Errorf("empty rationale")
	}
	return score, rationale, nil
}

var winnerRe = regexp.MustCompile(`(?m)^\s*WINNER:\s*(A|B|TIE)\s*$`)

// parseWinner extracts the verdict in presentation order.
func parseWinner(text string) (string, string, error) {
	match := winnerRe.FindStringSubmatch(text)
	if match == nil {
		return "", "", fmt.Errorf("no WINNER line in reply")
	}

	idx := strings.Index(text, "RATIONALE:")
	if idx < 0 {
		return "", "", fmt.Errorf("no RATIONALE section in reply")
	}
	rationale := strings.TrimSpace(text[idx+len("RATIONALE:"):])
	if rationale == "" {
		return "", "", fmt.Errorf("empty rationale")
	}
	return match[1], rationale, nil
}

// canonicalWinner maps a presentation-order verdict back to canonical order.
func canonicalWinner(verdict string, flipped bool) models.Winner {
	switch verdict {
	case "TIE":
		return models.WinnerTie
	case "A":
		if flipped {
			return models.WinnerB
		}
		return models.WinnerA
	default: // "B"
		if flipped {
			return models.WinnerA
		}
		return models.WinnerB
	}
}
