package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/promptarena/arena/pkg/upstream"
)

// GeneratorScript is one scripted response from the fake generation service.
// Zero values fall back to a deterministic artifact derived from the request.
type GeneratorScript struct {
	Artifact   string  // response body; derived from the request when empty
	CostUSD    float64 // defaults to 0.01
	TokenCount int64   // defaults to 120
	StatusCode int     // non-zero turns the call into an HTTP error with this code

	// BlockUntilCancelled parks the handler until the request context is
	// cancelled, simulating a long upstream call. OnBlock, if set, receives
	// one signal once the handler is parked.
	BlockUntilCancelled bool
	OnBlock             chan<- struct{}
}

// GeneratorStub is a scripted stand-in for the FPF and research generation
// services. Responses are routed by document display name; requests with no
// scripted entry get a default artifact whose body sorts lexicographically
// by display name, so eval outcomes stay predictable.
type GeneratorStub struct {
	srv *httptest.Server

	mu          sync.Mutex
	routes      map[string][]GeneratorScript
	requests    []*upstream.GenerateRequest
	keys        map[string]string // provider → last X-Provider-Key value seen
	inFlight    int
	maxInFlight int
}

// NewGeneratorStub starts the fake service. Shutdown is registered via
// t.Cleanup.
func NewGeneratorStub(t *testing.T) *GeneratorStub {
	t.Helper()
	g := &GeneratorStub{
		routes: make(map[string][]GeneratorScript),
		keys:   make(map[string]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/generate", g.handleGenerate)
	g.srv = httptest.NewServer(mux)
	t.Cleanup(g.srv.Close)
	return g
}

// URL returns the base URL generation clients should point at.
func (g *GeneratorStub) URL() string { return g.srv.URL }

// Route queues scripted responses for documents with the given display name.
// Each matching request consumes one entry; an exhausted queue falls back to
// the default response.
func (g *GeneratorStub) Route(displayName string, scripts ...GeneratorScript) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.routes[displayName] = append(g.routes[displayName], scripts...)
}

// CallCount returns how many generate requests the stub has received.
func (g *GeneratorStub) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

// MaxInFlight returns the highest number of requests the stub has had open
// at once.
func (g *GeneratorStub) MaxInFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxInFlight
}

// ProviderKey returns the last X-Provider-Key header value seen for the
// given provider, or "" if none arrived.
func (g *GeneratorStub) ProviderKey(provider string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.keys[strings.ToLower(provider)]
}

// Requests returns a snapshot of every request received, in arrival order.
func (g *GeneratorStub) Requests() []*upstream.GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*upstream.GenerateRequest, len(g.requests))
	copy(out, g.requests)
	return out
}

func (g *GeneratorStub) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req upstream.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	g.mu.Lock()
	g.requests = append(g.requests, &req)
	for name, vals := range r.Header {
		if provider, ok := strings.CutPrefix(name, "X-Provider-Key-"); ok && len(vals) > 0 {
			g.keys[strings.ToLower(provider)] = vals[0]
		}
	}
	script := g.nextScriptLocked(displayName(&req))
	g.inFlight++
	if g.inFlight > g.maxInFlight {
		g.maxInFlight = g.inFlight
	}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}()

	if script.BlockUntilCancelled {
		if script.OnBlock != nil {
			script.OnBlock <- struct{}{}
		}
		<-r.Context().Done()
		return
	}

	if script.StatusCode != 0 && script.StatusCode != http.StatusOK {
		http.Error(w, http.StatusText(script.StatusCode), script.StatusCode)
		return
	}

	artifact := script.Artifact
	if artifact == "" {
		artifact = defaultArtifact(&req)
	}
	cost := script.CostUSD
	if cost == 0 {
		cost = 0.01
	}
	tokens := script.TokenCount
	if tokens == 0 {
		tokens = 120
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(&upstream.GenerateResult{
		Artifact:   artifact,
		CostUSD:    cost,
		TokenCount: tokens,
		DurationMS: 5,
	})
}

func (g *GeneratorStub) nextScriptLocked(name string) GeneratorScript {
	queue := g.routes[name]
	if len(queue) == 0 {
		return GeneratorScript{}
	}
	script := queue[0]
	g.routes[name] = queue[1:]
	return script
}

func displayName(req *upstream.GenerateRequest) string {
	if req.Document == nil {
		return ""
	}
	return req.Document.DisplayName
}

func defaultArtifact(req *upstream.GenerateRequest) string {
	return fmt.Sprintf("# %s\n\nDraft produced by %s/%s covering the brief in full.",
		displayName(req), req.Provider, req.Model)
}
