package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/apexcrm/leadscout/config"
	"github.com/apexcrm/leadscout/provider"
	fetchmodels "github.com/apexcrm/leadscout/tools/web_fetch/models"
	searchmodels "github.com/apexcrm/leadscout/tools/web_search/models"
)

type scriptedProvider struct {
	completions []provider.Completion
	calls       int
}

func (p *scriptedProvider) Complete(ctx context.Context, messages []provider.Message, tools []provider.ToolSpec) (provider.Completion, error) {
	idx := p.calls
	if idx >= len(p.completions) {
		idx = len(p.completions) - 1
	}
	p.calls++
	return p.completions[idx], nil
}

func (p *scriptedProvider) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range out {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

type fakeSearcher struct {
	results []searchmodels.Result
	err     error
}

func (f fakeSearcher) Search(ctx context.Context, query string, maxResults int) ([]searchmodels.Result, error) {
	return f.results, f.err
}

type fakeFetcher struct {
	text  string
	delay time.Duration
}

func (f fakeFetcher) Exec(ctx context.Context, url string) (fetchmodels.Result, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return fetchmodels.Result{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	return fetchmodels.Result{URL: url, Text: f.text, Status: 200}, nil
}

func testAgentConfig() config.AgentsConfig {
	return config.AgentsConfig{
		MaxIterations:      5,
		MaxAttempts:        3,
		RetryDelay:         time.Millisecond,
		MinScore:           1,
		MaxScore:           10,
		NeutralWeight:      5,
		TopN:               15,
		ToolTimeout:        50 * time.Millisecond,
		ToolResultMaxChars: 200,
	}
}

func newTestAgent(p provider.Provider, bridge *ToolBridge) *ScoringAgent {
	a := NewScoringAgent(testAgentConfig(), p, bridge)
	a.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return a
}

func text(content string) provider.Completion {
	return provider.Completion{Content: content}
}

func TestRetryPolicyRecoversAfterMalformedAttempts(t *testing.T) {
	p := &scriptedProvider{completions: []provider.Completion{
		text("sure, here are the rankings!"),
		text(`{"rankings": []}`),
		text(`{"rankings": [{"url": "https://gov.example/alert", "title": "Alert", "score": 9, "verification_method": "official publisher"}]}`),
	}}
	a := newTestAgent(p, nil)

	out := a.AssessReliability(context.Background(), "water contamination", nil, "")
	if out.Status != StatusOK {
		t.Fatalf("expected ok status, got %s", out.Status)
	}
	if out.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", out.Attempts)
	}
	if len(out.Rankings) != 1 || out.Rankings[0].Score != 9 {
		t.Fatalf("unexpected rankings: %+v", out.Rankings)
	}
}

func TestRetryPolicyExhaustionReturnsEmptySentinel(t *testing.T) {
	p := &scriptedProvider{completions: []provider.Completion{text("not json at all")}}
	a := newTestAgent(p, nil)

	out := a.AssessReliability(context.Background(), "q", nil, "")
	if out.Status != StatusExhausted {
		t.Fatalf("expected exhausted status, got %s", out.Status)
	}
	if out.Attempts != testAgentConfig().MaxAttempts {
		t.Fatalf("expected %d attempts, got %d", testAgentConfig().MaxAttempts, out.Attempts)
	}
	if len(out.Rankings) != 0 {
		t.Fatalf("expected no rankings, got %+v", out.Rankings)
	}
	if out.Raw != "not json at all" {
		t.Fatalf("raw response not preserved: %q", out.Raw)
	}
}

func TestExtractListLadder(t *testing.T) {
	cases := []struct {
		name       string
		raw        string
		listKey    string
		wantReason string
	}{
		{"not json", "hello", "rankings", "not valid JSON"},
		{"missing key", `{"other": []}`, "rankings", "missing"},
		{"not a list", `{"rankings": "high"}`, "rankings", "not a list"},
		{"empty list", `{"rankings": []}`, "rankings", "empty"},
		{"scalar first element", `{"rankings": [1, 2]}`, "rankings", "not an object"},
		{"valid keyed", `{"rankings": [{"url": "x"}]}`, "rankings", ""},
		{"valid bare list", `[{"url": "x"}]`, "", ""},
		{"fenced json", "```json\n[{\"url\": \"x\"}]\n```", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			items, reason := extractList(tc.raw, tc.listKey)
			if tc.wantReason == "" {
				if reason != "" {
					t.Fatalf("expected accept, got reason %q", reason)
				}
				if len(items) == 0 {
					t.Fatalf("expected items")
				}
				return
			}
			if !strings.Contains(reason, tc.wantReason) {
				t.Fatalf("reason %q does not mention %q", reason, tc.wantReason)
			}
		})
	}
}

func TestConverseExecutesToolCallsByID(t *testing.T) {
	p := &scriptedProvider{completions: []provider.Completion{
		{ToolCalls: []provider.ToolCall{{ID: "call_1", Name: "web_search", Arguments: `{"query": "recalls"}`}}},
		text(`[{"url": "https://news.example/a", "urgency_score": 7, "summary": "recent recall"}]`),
	}}
	bridge := NewToolBridge(testAgentConfig(), fakeSearcher{results: []searchmodels.Result{{Title: "A", URL: "https://news.example/a"}}}, fakeFetcher{text: "body"})
	a := newTestAgent(p, bridge)

	out := a.AssessUrgency(context.Background(), "recalls", searchmodels.Result{URL: "https://news.example/a"})
	if out.Status != StatusOK {
		t.Fatalf("expected ok, got %s (raw %q)", out.Status, out.Raw)
	}
	if p.calls != 2 {
		t.Fatalf("expected 2 completions, got %d", p.calls)
	}
	if out.Items[0].UrgencyScore != 7 {
		t.Fatalf("unexpected items: %+v", out.Items)
	}
}

func TestAssessUrgencyFallsBackToCandidateDate(t *testing.T) {
	p := &scriptedProvider{completions: []provider.Completion{
		text(`[{"url": "https://news.example/a", "urgency_score": 6, "summary": "s"}, {"url": "https://news.example/b", "date": "2026-08-20", "urgency_score": 4}]`),
	}}
	a := newTestAgent(p, nil)

	out := a.AssessUrgency(context.Background(), "q", searchmodels.Result{URL: "https://news.example/a", Date: "2026-08-10"})
	if out.Status != StatusOK || len(out.Items) != 2 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Items[0].Date != "2026-08-10" {
		t.Fatalf("expected candidate date fallback, got %q", out.Items[0].Date)
	}
	if out.Items[1].Date != "2026-08-20" {
		t.Fatalf("model-provided date must win, got %q", out.Items[1].Date)
	}
}

func TestConverseStopsAtIterationCap(t *testing.T) {
	// model that never stops asking for tools
	p := &scriptedProvider{completions: []provider.Completion{
		{Content: `[{"url": "https://a", "urgency_score": 4}]`, ToolCalls: []provider.ToolCall{{ID: "c", Name: "web_search", Arguments: `{"query": "x"}`}}},
	}}
	bridge := NewToolBridge(testAgentConfig(), fakeSearcher{}, fakeFetcher{})
	a := newTestAgent(p, bridge)

	out := a.AssessUrgency(context.Background(), "q", searchmodels.Result{URL: "https://a"})
	if out.Status != StatusOK {
		t.Fatalf("expected content at cap to be parsed, got %s", out.Status)
	}
	wantCalls := testAgentConfig().MaxIterations
	if p.calls != wantCalls {
		t.Fatalf("expected %d completions before cap, got %d", wantCalls, p.calls)
	}
}

func TestBridgeUnknownTool(t *testing.T) {
	bridge := NewToolBridge(testAgentConfig(), fakeSearcher{}, fakeFetcher{})
	_, err := bridge.Invoke(context.Background(), "launch_missiles", "{}")
	if err == nil || !strings.Contains(err.Error(), "unknown tool") {
		t.Fatalf("expected unknown tool error, got %v", err)
	}
}

func TestBridgeTruncatesLongResults(t *testing.T) {
	bridge := NewToolBridge(testAgentConfig(), fakeSearcher{}, fakeFetcher{text: strings.Repeat("x", 1000)})
	out, err := bridge.Invoke(context.Background(), "web_fetch", `{"url": "https://a"}`)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !strings.HasSuffix(out, TruncationMarker) {
		t.Fatalf("expected truncation marker, got %q", out[len(out)-40:])
	}
	if len(out) != testAgentConfig().ToolResultMaxChars+len(TruncationMarker) {
		t.Fatalf("unexpected truncated length %d", len(out))
	}
}

func TestBridgeTimeoutIsDataNotError(t *testing.T) {
	bridge := NewToolBridge(testAgentConfig(), fakeSearcher{}, fakeFetcher{delay: time.Second})
	out, err := bridge.Invoke(context.Background(), "web_fetch", `{"url": "https://slow.example"}`)
	if err != nil {
		t.Fatalf("timeout must not surface as error, got %v", err)
	}
	if !strings.Contains(out, "failed") {
		t.Fatalf("expected failure payload, got %q", out)
	}
}

func TestSourceCacheMemoizesAndDefaults(t *testing.T) {
	p := &scriptedProvider{completions: []provider.Completion{
		text(`{"rankings": [{"url": "gov.example", "score": 9}]}`),
	}}
	cache := NewSourceCache(testAgentConfig(), newTestAgent(p, nil))

	w := cache.Weight(context.Background(), "gov.example")
	if w != 9 {
		t.Fatalf("expected weight 9, got %v", w)
	}
	before := p.calls
	if w := cache.Weight(context.Background(), "gov.example"); w != 9 {
		t.Fatalf("expected cached weight 9, got %v", w)
	}
	if p.calls != before {
		t.Fatalf("cache miss on second lookup")
	}

	failing := &scriptedProvider{completions: []provider.Completion{text("garbage")}}
	cache = NewSourceCache(testAgentConfig(), newTestAgent(failing, nil))
	if w := cache.Weight(context.Background(), "shady.example"); w != 5 {
		t.Fatalf("expected neutral weight 5 on failure, got %v", w)
	}
}
