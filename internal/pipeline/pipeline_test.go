package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apexcrm/leadscout/config"
	"github.com/apexcrm/leadscout/internal/agent"
	"github.com/apexcrm/leadscout/internal/helpers"
	"github.com/apexcrm/leadscout/internal/store"
	searchmodels "github.com/apexcrm/leadscout/tools/web_search/models"
)

type fakeSearcher struct {
	results []searchmodels.Result
	err     error
	calls   int
}

func (f *fakeSearcher) Search(ctx context.Context, query string, maxResults int) ([]searchmodels.Result, error) {
	f.calls++
	return f.results, f.err
}

type fakeScorer struct {
	reliability  agent.ReliabilityOutcome
	urgencyByURL map[string]agent.UrgencyOutcome

	mu          sync.Mutex
	inFlight    int
	maxInFlight int
}

func (f *fakeScorer) AssessReliability(ctx context.Context, query string, candidates []searchmodels.Result, recentContext string) agent.ReliabilityOutcome {
	return f.reliability
}

func (f *fakeScorer) AssessUrgency(ctx context.Context, query string, candidate searchmodels.Result) agent.UrgencyOutcome {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if out, ok := f.urgencyByURL[candidate.URL]; ok {
		return out
	}
	return agent.UrgencyOutcome{Status: agent.StatusExhausted, Attempts: 1}
}

type fakeWeigher struct{ weight float64 }

func (f fakeWeigher) Weight(ctx context.Context, domain string) float64 { return f.weight }

type fakeEmbedder struct{ err error }

func (f fakeEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(inputs))
	for i := range out {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

type fakeSummarizer struct {
	summary string
	err     error
}

func (f fakeSummarizer) Summarize(ctx context.Context, query string, leads []store.Lead) (string, error) {
	return f.summary, f.err
}

type fakeStore struct {
	mu      sync.Mutex
	leads   map[string]store.Lead
	recent  []store.Lead
	err     error
	written int
}

func newFakeStore() *fakeStore {
	return &fakeStore{leads: map[string]store.Lead{}}
}

func (f *fakeStore) UpsertLeads(ctx context.Context, leads []store.Lead, embeddings [][]float32) (int, error) {
	if f.err != nil {
		return f.written, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, lead := range leads {
		f.leads[lead.ID] = lead
	}
	return len(leads), nil
}

func (f *fakeStore) RecentLeads(ctx context.Context, limit int) ([]store.Lead, error) {
	return f.recent, nil
}

type fakeFeed struct {
	published []store.Lead
	err       error
}

func (f *fakeFeed) PublishRanked(ctx context.Context, query string, leads []store.Lead) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, leads...)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		Search: config.SearchConfig{MaxResults: 10},
		Agents: config.AgentsConfig{
			MaxConcurrentUrgency: 2,
			TopN:                 15,
			RecentContextLimit:   5,
			MinScore:             1,
			MaxScore:             10,
			NeutralWeight:        5,
		},
	}
}

func okUrgency(url string, score float64) agent.UrgencyOutcome {
	return agent.UrgencyOutcome{Status: agent.StatusOK, Attempts: 1, Items: []agent.UrgencyItem{
		{URL: url, UrgencyScore: score, Summary: "summary for " + url},
	}}
}

func TestRunEndToEnd(t *testing.T) {
	const leadURL = "https://gov.example/water-alert"
	searcher := &fakeSearcher{results: []searchmodels.Result{
		{Title: "Water alert", URL: leadURL, Snippet: "contamination notice"},
	}}
	urgency := okUrgency(leadURL, 7)
	urgency.Items[0].Date = "2026-08-28"
	scorer := &fakeScorer{
		reliability: agent.ReliabilityOutcome{Status: agent.StatusOK, Rankings: []agent.ReliabilityRanking{
			{URL: leadURL, Title: "Water alert", Score: 9},
		}},
		urgencyByURL: map[string]agent.UrgencyOutcome{leadURL: urgency},
	}
	st := newFakeStore()
	feed := &fakeFeed{}

	p := New(testConfig(), searcher, scorer, fakeWeigher{weight: 8}, fakeEmbedder{}, fakeSummarizer{summary: "act on the water alert"}, st, feed)

	result, err := p.Run(context.Background(), "water contamination leads", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.State != StateDone {
		t.Fatalf("expected done, got %s", result.State)
	}
	if len(result.Ranked) != 1 || result.Ranked[0].TotalScore != 63 {
		t.Fatalf("expected total 63, got %+v", result.Ranked)
	}
	if result.Written != 1 {
		t.Fatalf("expected 1 written, got %d", result.Written)
	}
	if result.Summary != "act on the water alert" {
		t.Fatalf("unexpected summary %q", result.Summary)
	}

	id := helpers.IdentityKey(leadURL)
	stored, ok := st.leads[id]
	if !ok {
		t.Fatalf("lead not stored under deterministic id %s (have %v)", id, st.leads)
	}
	if stored.ReliabilityScore != 9 || stored.UrgencyScore != 7 || stored.TotalScore != 63 {
		t.Fatalf("stored scores wrong: %+v", stored)
	}
	if stored.Date != "2026-08-28" {
		t.Fatalf("stored date wrong: %q", stored.Date)
	}
	if len(feed.published) != 1 {
		t.Fatalf("expected feed publish, got %d", len(feed.published))
	}
}

func TestRunSkipsSearchWithPrefetchedCandidates(t *testing.T) {
	const leadURL = "https://news.example/expansion"
	searcher := &fakeSearcher{}
	scorer := &fakeScorer{
		reliability:  agent.ReliabilityOutcome{Status: agent.StatusOK, Rankings: []agent.ReliabilityRanking{{URL: leadURL, Score: 6}}},
		urgencyByURL: map[string]agent.UrgencyOutcome{leadURL: okUrgency(leadURL, 4)},
	}

	p := New(testConfig(), searcher, scorer, nil, fakeEmbedder{}, nil, newFakeStore(), nil)
	result, err := p.Run(context.Background(), "q", []searchmodels.Result{{URL: leadURL}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if searcher.calls != 0 {
		t.Fatalf("search should have been skipped, got %d calls", searcher.calls)
	}
	if result.Ranked[0].TotalScore != 24 {
		t.Fatalf("unexpected total: %+v", result.Ranked)
	}
}

func TestRunWithoutCandidatesFinishesEmpty(t *testing.T) {
	p := New(testConfig(), &fakeSearcher{}, &fakeScorer{}, nil, fakeEmbedder{}, nil, newFakeStore(), nil)
	result, err := p.Run(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.State != StateDone || len(result.Ranked) != 0 {
		t.Fatalf("expected empty done result, got %+v", result)
	}
}

func TestRunSearchFailureDegradesToEmpty(t *testing.T) {
	p := New(testConfig(), &fakeSearcher{err: errors.New("search api down")}, &fakeScorer{}, nil, fakeEmbedder{}, nil, newFakeStore(), nil)
	result, err := p.Run(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("run must not fail on search error: %v", err)
	}
	if result.State != StateDone {
		t.Fatalf("expected done, got %s", result.State)
	}
	if len(result.Degraded) == 0 || !strings.Contains(result.Degraded[0], "search") {
		t.Fatalf("expected degraded search marker, got %v", result.Degraded)
	}
}

func TestRunReliabilityExhaustionZeroesTotals(t *testing.T) {
	const leadURL = "https://blog.example/post"
	scorer := &fakeScorer{
		reliability:  agent.ReliabilityOutcome{Status: agent.StatusExhausted, Attempts: 10},
		urgencyByURL: map[string]agent.UrgencyOutcome{leadURL: okUrgency(leadURL, 5)},
	}
	p := New(testConfig(), &fakeSearcher{results: []searchmodels.Result{{URL: leadURL}}}, scorer, nil, fakeEmbedder{}, nil, newFakeStore(), nil)

	result, err := p.Run(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.State != StateDone {
		t.Fatalf("expected done, got %s", result.State)
	}
	if len(result.Ranked) != 1 || result.Ranked[0].TotalScore != 0 {
		t.Fatalf("expected zero total for unverified lead, got %+v", result.Ranked)
	}
}

func TestRunPersistenceAbortFailsRun(t *testing.T) {
	const leadURL = "https://gov.example/alert"
	scorer := &fakeScorer{
		reliability:  agent.ReliabilityOutcome{Status: agent.StatusOK, Rankings: []agent.ReliabilityRanking{{URL: leadURL, Score: 9}}},
		urgencyByURL: map[string]agent.UrgencyOutcome{leadURL: okUrgency(leadURL, 7)},
	}
	st := newFakeStore()
	st.err = fmt.Errorf("%w after 11 failures", store.ErrBatchAborted)

	p := New(testConfig(), &fakeSearcher{results: []searchmodels.Result{{URL: leadURL}}}, scorer, nil, fakeEmbedder{}, nil, st, nil)
	result, err := p.Run(context.Background(), "q", nil)
	if err == nil {
		t.Fatal("expected error on batch abort")
	}
	if result.State != StateFailed || result.FailureReason == "" {
		t.Fatalf("expected failed state with reason, got %+v", result)
	}
}

func TestRunEmbeddingFailureSkipsPersistence(t *testing.T) {
	const leadURL = "https://gov.example/alert"
	scorer := &fakeScorer{
		reliability:  agent.ReliabilityOutcome{Status: agent.StatusOK, Rankings: []agent.ReliabilityRanking{{URL: leadURL, Score: 9}}},
		urgencyByURL: map[string]agent.UrgencyOutcome{leadURL: okUrgency(leadURL, 7)},
	}
	st := newFakeStore()

	p := New(testConfig(), &fakeSearcher{results: []searchmodels.Result{{URL: leadURL}}}, scorer, nil, fakeEmbedder{err: errors.New("embedding api down")}, nil, st, nil)
	result, err := p.Run(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("embedding outage must not fail run: %v", err)
	}
	if result.Written != 0 || len(st.leads) != 0 {
		t.Fatalf("expected nothing persisted, got %d/%v", result.Written, st.leads)
	}
	if len(result.Ranked) != 1 {
		t.Fatalf("ranking should still run: %+v", result.Ranked)
	}
	found := false
	for _, d := range result.Degraded {
		if strings.Contains(d, "embedding") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected degraded embedding marker, got %v", result.Degraded)
	}
}

func TestRunPartialPersistFailureDegrades(t *testing.T) {
	const leadURL = "https://gov.example/alert"
	scorer := &fakeScorer{
		reliability:  agent.ReliabilityOutcome{Status: agent.StatusOK, Rankings: []agent.ReliabilityRanking{{URL: leadURL, Score: 9}}},
		urgencyByURL: map[string]agent.UrgencyOutcome{leadURL: okUrgency(leadURL, 7)},
	}
	st := newFakeStore()
	st.err = errors.New(`duplicate key value violates unique constraint "leads_pkey"`)

	p := New(testConfig(), &fakeSearcher{results: []searchmodels.Result{{URL: leadURL}}}, scorer, nil, fakeEmbedder{}, nil, st, nil)
	result, err := p.Run(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("under-threshold persist failure must not fail run: %v", err)
	}
	if result.State != StateDone {
		t.Fatalf("expected done, got %s", result.State)
	}
	found := false
	for _, d := range result.Degraded {
		if strings.Contains(d, "persist") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected degraded persist marker, got %v", result.Degraded)
	}
}

func TestRunSummaryFailureIsBestEffort(t *testing.T) {
	const leadURL = "https://gov.example/alert"
	scorer := &fakeScorer{
		reliability:  agent.ReliabilityOutcome{Status: agent.StatusOK, Rankings: []agent.ReliabilityRanking{{URL: leadURL, Score: 9}}},
		urgencyByURL: map[string]agent.UrgencyOutcome{leadURL: okUrgency(leadURL, 7)},
	}
	p := New(testConfig(), &fakeSearcher{results: []searchmodels.Result{{URL: leadURL}}}, scorer, nil, fakeEmbedder{}, fakeSummarizer{err: errors.New("model down")}, newFakeStore(), nil)

	result, err := p.Run(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("summary failure must not fail run: %v", err)
	}
	if result.State != StateDone || result.Summary != "" {
		t.Fatalf("expected done with empty summary, got %+v", result)
	}
	found := false
	for _, d := range result.Degraded {
		if strings.Contains(d, "summary") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected degraded summary marker, got %v", result.Degraded)
	}
}

func TestUrgencyConcurrencyIsBounded(t *testing.T) {
	urgency := map[string]agent.UrgencyOutcome{}
	var candidates []searchmodels.Result
	for i := 0; i < 8; i++ {
		u := fmt.Sprintf("https://news.example/%d", i)
		candidates = append(candidates, searchmodels.Result{URL: u})
		urgency[u] = okUrgency(u, 5)
	}
	scorer := &fakeScorer{
		reliability:  agent.ReliabilityOutcome{Status: agent.StatusOK, Rankings: []agent.ReliabilityRanking{{URL: candidates[0].URL, Score: 5}}},
		urgencyByURL: urgency,
	}

	p := New(testConfig(), &fakeSearcher{results: candidates}, scorer, nil, fakeEmbedder{}, nil, newFakeStore(), nil)
	if _, err := p.Run(context.Background(), "q", nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if scorer.maxInFlight > 2 {
		t.Fatalf("concurrency cap exceeded: %d", scorer.maxInFlight)
	}
	if scorer.maxInFlight == 0 {
		t.Fatal("urgency scoring never ran")
	}
}
