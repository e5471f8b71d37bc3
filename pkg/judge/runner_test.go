package judge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptarena/arena/pkg/config"
	"github.com/promptarena/arena/pkg/llm"
	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/ratelimit"
)

type scriptedReply struct {
	content string
	err     error
}

// scriptedCaller feeds canned judge replies in order and records every request.
type scriptedCaller struct {
	mu      sync.Mutex
	replies []scriptedReply
	calls   []*llm.Request
}

func (c *scriptedCaller) ChatCompletion(_ context.Context, req *llm.Request, _ string) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, req)
	if len(c.replies) == 0 {
		return nil, fmt.Errorf("no scripted reply for call %d", len(c.calls))
	}
	next := c.replies[0]
	c.replies = c.replies[1:]
	if next.err != nil {
		return nil, next.err
	}
	return &llm.Response{
		Content: next.content,
		Usage:   llm.Usage{PromptTokens: 40, CompletionTokens: 10, TotalTokens: 50},
	}, nil
}

var testJudgeRef = config.ModelRef{Provider: "openai", Model: "gpt-4o"}

func newTestRunner(caller Caller, flip bool) (*Runner, *ratelimit.Limiter) {
	lim := ratelimit.New(config.RateLimitConfig{
		Defaults: config.ModelLimits{RPM: 1000, TPM: 1_000_000},
	}, nil)
	return &Runner{
		llm:     caller,
		limiter: lim,
		flip:    func() bool { return flip },
	}, lim
}

func singleReq() *SingleRequest {
	return &SingleRequest{
		RunID:      "run-1",
		ArtifactID: "art-1",
		Content:    "the artifact body",
		Judge:      testJudgeRef,
		Dimension:  "accuracy",
		Rubric:     "5 = every claim is supported",
		Iteration:  1,
	}
}

func TestScoreSingleParsesVerdict(t *testing.T) {
	caller := &scriptedCaller{replies: []scriptedReply{
		{content: "SCORE: 4\nRATIONALE: Accurate and grounded in the document."},
	}}
	r, _ := newTestRunner(caller, false)

	out, err := r.ScoreSingle(context.Background(), singleReq(), "sk-test")
	require.NoError(t, err)
	require.NotNil(t, out.Score)
	assert.Equal(t, 4, *out.Score)
	assert.Equal(t, "Accurate and grounded in the document.", out.Rationale)
	assert.False(t, out.FailedParse)

	require.Len(t, caller.calls, 1)
	req := caller.calls[0]
	assert.Equal(t, "openai", req.Provider)
	assert.Equal(t, "gpt-4o", req.Model)
	require.NotNil(t, req.Temperature)
	assert.Zero(t, *req.Temperature)

	require.Len(t, req.Messages, 2)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	user := req.Messages[1].Content
	assert.Contains(t, user, "accuracy")
	assert.Contains(t, user, "5 = every claim is supported")
	assert.Contains(t, user, "the artifact body")
	assert.Contains(t, user, "SCORE:")
}

func TestScoreSingleReformatRetry(t *testing.T) {
	caller := &scriptedCaller{replies: []scriptedReply{
		{content: "I would give this a solid 4 out of 5, nice work overall."},
		{content: "SCORE: 4\nRATIONALE: Solid coverage of the source."},
	}}
	r, _ := newTestRunner(caller, false)

	out, err := r.ScoreSingle(context.Background(), singleReq(), "sk-test")
	require.NoError(t, err)
	require.NotNil(t, out.Score)
	assert.Equal(t, 4, *out.Score)

	require.Len(t, caller.calls, 2)
	second := caller.calls[1]
	require.Len(t, second.Messages, 4)
	assert.Equal(t, llm.RoleAssistant, second.Messages[2].Role)
	assert.Equal(t, "I would give this a solid 4 out of 5, nice work overall.", second.Messages[2].Content)
	assert.Equal(t, llm.RoleUser, second.Messages[3].Role)
	assert.Contains(t, second.Messages[3].Content, "did not match the required format")
}

func TestScoreSingleFailedParseAfterRetries(t *testing.T) {
	caller := &scriptedCaller{replies: []scriptedReply{
		{content: "nope"},
		{content: "still nope"},
		{content: "SCORE: eleven\nRATIONALE: x"},
		{content: "nope again"},
	}}
	r, _ := newTestRunner(caller, false)

	out, err := r.ScoreSingle(context.Background(), singleReq(), "sk-test")
	require.NoError(t, err)
	assert.Nil(t, out.Score)
	assert.True(t, out.FailedParse)
	assert.Len(t, caller.calls, 4, "one call plus three reformat retries")
}

func TestScoreSingleRejectsOutOfRangeScore(t *testing.T) {
	caller := &scriptedCaller{replies: []scriptedReply{
		{content: "SCORE: 9\nRATIONALE: Off the chart."},
		{content: "SCORE: 5\nRATIONALE: Within range this time."},
	}}
	r, _ := newTestRunner(caller, false)

	out, err := r.ScoreSingle(context.Background(), singleReq(), "sk-test")
	require.NoError(t, err)
	require.NotNil(t, out.Score)
	assert.Equal(t, 5, *out.Score)
	assert.Len(t, caller.calls, 2)
}

func TestScoreSingleTransportErrorPropagates(t *testing.T) {
	caller := &scriptedCaller{replies: []scriptedReply{
		{err: errors.New("upstream unreachable")},
	}}
	r, _ := newTestRunner(caller, false)

	out, err := r.ScoreSingle(context.Background(), singleReq(), "sk-test")
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Len(t, caller.calls, 1, "transport errors are not reformatted")
}

func TestScoreSingleReleasesActualUsage(t *testing.T) {
	caller := &scriptedCaller{replies: []scriptedReply{
		{content: "SCORE: 3\nRATIONALE: Middle of the road."},
	}}
	r, lim := newTestRunner(caller, false)

	_, err := r.ScoreSingle(context.Background(), singleReq(), "sk-test")
	require.NoError(t, err)

	status := lim.Status()
	require.Len(t, status, 1)
	assert.Equal(t, int64(999), status[0].RPMRemaining)
	assert.Equal(t, int64(1_000_000-50), status[0].TPMRemaining, "estimate refunded down to actual usage")
	assert.Zero(t, status[0].InFlight)
}

func TestScoreSingleErrorRefundsEstimate(t *testing.T) {
	caller := &scriptedCaller{replies: []scriptedReply{
		{err: errors.New("connection reset")},
	}}
	r, lim := newTestRunner(caller, false)

	_, err := r.ScoreSingle(context.Background(), singleReq(), "sk-test")
	require.Error(t, err)

	status := lim.Status()
	require.Len(t, status, 1)
	assert.Equal(t, int64(999), status[0].RPMRemaining, "the request slot stays spent")
	assert.Equal(t, int64(1_000_000), status[0].TPMRemaining, "tokens fully refunded on failure")
	assert.Zero(t, status[0].InFlight)
}

func TestScoreSingleReports429(t *testing.T) {
	metrics := ratelimit.NewMetrics(prometheus.NewRegistry())
	lim := ratelimit.New(config.RateLimitConfig{
		Defaults: config.ModelLimits{RPM: 1000, TPM: 1_000_000},
	}, metrics)
	caller := &scriptedCaller{replies: []scriptedReply{
		{err: &llm.StatusError{StatusCode: http.StatusTooManyRequests, Body: "slow down"}},
	}}
	r := &Runner{llm: caller, limiter: lim, flip: func() bool { return false }}

	_, err := r.ScoreSingle(context.Background(), singleReq(), "sk-test")
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Upstream429.WithLabelValues("openai")))
}

func pairwiseReq() *PairwiseRequest {
	return &PairwiseRequest{
		RunID:     "run-1",
		ArtifactA: ArtifactRef{ID: "01AAA", Content: "alpha body"},
		ArtifactB: ArtifactRef{ID: "01BBB", Content: "bravo body"},
		Judge:     testJudgeRef,
		Iteration: 1,
	}
}

func TestCompareWithoutFlip(t *testing.T) {
	caller := &scriptedCaller{replies: []scriptedReply{
		{content: "WINNER: B\nRATIONALE: The second document is better organized."},
	}}
	r, _ := newTestRunner(caller, false)

	out, err := r.Compare(context.Background(), pairwiseReq(), "sk-test")
	require.NoError(t, err)
	require.NotNil(t, out.Winner)
	assert.Equal(t, models.WinnerB, *out.Winner)
	assert.False(t, out.Flipped)
	assert.Equal(t, "The second document is better organized.", out.Rationale)

	user := caller.calls[0].Messages[1].Content
	assert.Less(t, strings.Index(user, "alpha body"), strings.Index(user, "bravo body"),
		"canonical order presents the smaller id first")
}

func TestCompareUndoesFlip(t *testing.T) {
	caller := &scriptedCaller{replies: []scriptedReply{
		{content: "WINNER: A\nRATIONALE: The first document is tighter."},
	}}
	r, _ := newTestRunner(caller, true)

	out, err := r.Compare(context.Background(), pairwiseReq(), "sk-test")
	require.NoError(t, err)
	require.NotNil(t, out.Winner)
	assert.Equal(t, models.WinnerB, *out.Winner, "presented A is the canonical B when flipped")
	assert.True(t, out.Flipped)

	user := caller.calls[0].Messages[1].Content
	assert.Less(t, strings.Index(user, "bravo body"), strings.Index(user, "alpha body"))
}

func TestCompareCanonicalizesInput(t *testing.T) {
	caller := &scriptedCaller{replies: []scriptedReply{
		{content: "WINNER: A\nRATIONALE: Clearly stronger sourcing."},
	}}
	r, _ := newTestRunner(caller, false)

	req := pairwiseReq()
	req.ArtifactA, req.ArtifactB = req.ArtifactB, req.ArtifactA

	out, err := r.Compare(context.Background(), req, "sk-test")
	require.NoError(t, err)
	require.NotNil(t, out.Winner)
	assert.Equal(t, models.WinnerA, *out.Winner, "verdict is relative to canonical order, not input order")

	user := caller.calls[0].Messages[1].Content
	assert.Less(t, strings.Index(user, "alpha body"), strings.Index(user, "bravo body"))
}

func TestCompareTie(t *testing.T) {
	caller := &scriptedCaller{replies: []scriptedReply{
		{content: "WINNER: TIE\nRATIONALE: Neither would be preferred by a careful reader."},
	}}
	r, _ := newTestRunner(caller, true)

	out, err := r.Compare(context.Background(), pairwiseReq(), "sk-test")
	require.NoError(t, err)
	require.NotNil(t, out.Winner)
	assert.Equal(t, models.WinnerTie, *out.Winner, "ties are unaffected by the flip")
}

func TestCompareParseFailureIsAnOutcome(t *testing.T) {
	caller := &scriptedCaller{replies: []scriptedReply{
		{content: "the first one, probably"},
		{content: "A wins"},
		{content: "WINNER: first"},
		{content: "A"},
	}}
	r, _ := newTestRunner(caller, false)

	out, err := r.Compare(context.Background(), pairwiseReq(), "sk-test")
	require.NoError(t, err)
	assert.Nil(t, out.Winner)
	assert.NotEmpty(t, out.ErrorMessage)
	assert.Len(t, caller.calls, 4)
}

func TestCompareTransportErrorPropagates(t *testing.T) {
	caller := &scriptedCaller{replies: []scriptedReply{
		{err: errors.New("upstream unreachable")},
	}}
	r, _ := newTestRunner(caller, false)

	out, err := r.Compare(context.Background(), pairwiseReq(), "sk-test")
	require.Error(t, err)
	assert.Nil(t, out)
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		name          string
		text          string
		wantScore     int
		wantRationale string
		wantErr       bool
	}{
		{
			name:          "well formed",
			text:          "SCORE: 3\nRATIONALE: Fine.",
			wantScore:     3,
			wantRationale: "Fine.",
		},
		{
			name:          "prose before the verdict",
			text:          "Here is my verdict.\nSCORE: 2\nRATIONALE: Shallow coverage of the topic.",
			wantScore:     2,
			wantRationale: "Shallow coverage of the topic.",
		},
		{
			name:          "indented score line",
			text:          "  SCORE: 5\nRATIONALE: Crisp.",
			wantScore:     5,
			wantRationale: "Crisp.",
		},
		{
			name:          "multiline rationale",
			text:          "SCORE: 4\nRATIONALE: First point.\nSecond point.",
			wantScore:     4,
			wantRationale: "First point.\nSecond point.",
		},
		{name: "missing score line", text: "I give it a 4.\nRATIONALE: Good.", wantErr: true},
		{name: "score embedded in prose", text: "SCORE: 4 out of 5\nRATIONALE: Good.", wantErr: true},
		{name: "score too high", text: "SCORE: 6\nRATIONALE: x", wantErr: true},
		{name: "score zero", text: "SCORE: 0\nRATIONALE: x", wantErr: true},
		{name: "score negative", text: "SCORE: -1\nRATIONALE: x", wantErr: true},
		{name: "missing rationale", text: "SCORE: 4", wantErr: true},
		{name: "empty rationale", text: "SCORE: 4\nRATIONALE:   ", wantErr: true},
		{name: "empty reply", text: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, rationale, err := parseScore(tt.text)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantScore, score)
			assert.Equal(t, tt.wantRationale, rationale)
		})
	}
}

func TestParseWinner(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		wantVerdict string
		wantErr     bool
	}{
		{name: "winner a", text: "WINNER: A\nRATIONALE: Stronger.", wantVerdict: "A"},
		{name: "winner b", text: "WINNER: B\nRATIONALE: Stronger.", wantVerdict: "B"},
		{name: "tie", text: "WINNER: TIE\nRATIONALE: Even.", wantVerdict: "TIE"},
		{name: "lowercase verdict", text: "winner: a\nRATIONALE: Even.", wantErr: true},
		{name: "prose verdict", text: "The first one is better.", wantErr: true},
		{name: "missing rationale", text: "WINNER: B", wantErr: true},
		{name: "verdict embedded in prose", text: "WINNER: A by a mile\nRATIONALE: x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, _, err := parseWinner(tt.text)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantVerdict, verdict)
		})
	}
}

