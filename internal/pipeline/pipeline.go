package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/apexcrm/leadscout/config"
	"github.com/apexcrm/leadscout/internal/agent"
	"github.com/apexcrm/leadscout/internal/helpers"
	"github.com/apexcrm/leadscout/internal/rank"
	"github.com/apexcrm/leadscout/internal/store"
	"github.com/apexcrm/leadscout/internal/telemetry"
	searchmodels "github.com/apexcrm/leadscout/tools/web_search/models"
)

// State names one stage of a run. Transitions are one-way; a failed run is
// retried from Idle, never resumed mid-stage.
type State string

const (
	StateIdle               State = "idle"
	StateSearching          State = "searching"
	StateScoringReliability State = "scoring_reliability"
	StateScoringUrgency     State = "scoring_urgency"
	StateMerging            State = "merging"
	StatePersisting         State = "persisting"
	StateRanking            State = "ranking"
	StateSummarizing        State = "summarizing"
	StateDone               State = "done"
	StateFailed             State = "failed"
)

// Scorer is the slice of the scoring agent the pipeline needs.
type Scorer interface {
	AssessReliability(ctx context.Context, query string, candidates []searchmodels.Result, recentContext string) agent.ReliabilityOutcome
	AssessUrgency(ctx context.Context, query string, candidate searchmodels.Result) agent.UrgencyOutcome
}

// Weigher resolves a per-domain reliability weight.
type Weigher interface {
	Weight(ctx context.Context, domain string) float64
}

// Embedder turns lead text into vectors for persistence.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// Summarizer produces the best-effort run narrative.
type Summarizer interface {
	Summarize(ctx context.Context, query string, leads []store.Lead) (string, error)
}

// LeadStore is the persistence surface the pipeline writes through.
type LeadStore interface {
	UpsertLeads(ctx context.Context, leads []store.Lead, embeddings [][]float32) (int, error)
	RecentLeads(ctx context.Context, limit int) ([]store.Lead, error)
}

// FeedPublisher pushes ranked leads to the downstream CRM feed. Optional.
type FeedPublisher interface {
	PublishRanked(ctx context.Context, query string, leads []store.Lead) error
}

// RunResult is returned from every run, including failed ones. Callers check
// State and the per-stage outcomes rather than relying on an error.
type RunResult struct {
	Query         string                   `json:"query"`
	State         State                    `json:"state"`
	Candidates    []searchmodels.Result    `json:"candidates"`
	Reliability   agent.ReliabilityOutcome `json:"reliability"`
	UrgencyItems  []agent.UrgencyItem      `json:"urgency_items"`
	Leads         []store.Lead             `json:"leads"`
	Ranked        []store.Lead             `json:"ranked"`
	Written       int                      `json:"written"`
	Summary       string                   `json:"summary"`
	Degraded      []string                 `json:"degraded,omitempty"`
	StartedAt     time.Time                `json:"started_at"`
	DurationMS    int64                    `json:"duration_ms"`
	FailureReason string                   `json:"failure_reason,omitempty"`
}

// Pipeline runs one query through search, scoring, persistence and ranking.
type Pipeline struct {
	cfg        config.AgentsConfig
	maxResults int

	searcher  searcher
	scorer    Scorer
	weigher   Weigher
	embedder  Embedder
	summarize Summarizer
	store     LeadStore
	feed      FeedPublisher

	logger *log.Logger
}

type searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]searchmodels.Result, error)
}

func New(cfg config.Config, s searcher, scorer Scorer, weigher Weigher, embedder Embedder, summarizer Summarizer, leadStore LeadStore, feed FeedPublisher) *Pipeline {
	return &Pipeline{
		cfg:        cfg.Agents,
		maxResults: cfg.Search.MaxResults,
		searcher:   s,
		scorer:     scorer,
		weigher:    weigher,
		embedder:   embedder,
		summarize:  summarizer,
		store:      leadStore,
		feed:       feed,
		logger:     telemetry.NewLogger("PIPELINE"),
	}
}

// Run executes the full pipeline for one query. When candidates is non-empty
// the search stage is skipped and the supplied list is scored as-is. The
// returned error is non-nil only when the run reached the Failed state;
// degraded stages are recorded on the result instead.
func (p *Pipeline) Run(ctx context.Context, query string, candidates []searchmodels.Result) (RunResult, error) {
	result := RunResult{Query: query, State: StateIdle, StartedAt: time.Now()}
	defer func() {
		result.DurationMS = time.Since(result.StartedAt).Milliseconds()
		telemetry.RunsTotal.WithLabelValues(string(result.State)).Inc()
		telemetry.RunDuration.Observe(time.Since(result.StartedAt).Seconds())
	}()

	// Searching
	result.State = StateSearching
	if len(candidates) == 0 {
		found, err := p.searcher.Search(ctx, query, p.maxResults)
		if err != nil {
			// search failure degrades to an empty candidate list
			p.logger.Printf("search failed: %v", err)
			result.Degraded = append(result.Degraded, fmt.Sprintf("search: %v", err))
		}
		candidates = found
	} else {
		p.logger.Printf("using %d pre-fetched candidates, skipping search", len(candidates))
	}
	result.Candidates = candidates
	if len(candidates) == 0 {
		p.logger.Printf("no candidates for query %q", query)
		result.State = StateDone
		return result, nil
	}

	recentContext := p.recentContext(ctx, &result)
	domainContext := p.domainWeights(ctx, candidates)
	if domainContext != "" {
		recentContext = joinContext(recentContext, domainContext)
	}

	// ScoringReliability
	result.State = StateScoringReliability
	result.Reliability = p.scorer.AssessReliability(ctx, query, candidates, recentContext)
	if result.Reliability.Status == agent.StatusExhausted {
		p.logger.Printf("reliability scoring exhausted after %d attempts", result.Reliability.Attempts)
		result.Degraded = append(result.Degraded, "reliability: attempt budget exhausted")
	}

	// ScoringUrgency
	result.State = StateScoringUrgency
	result.UrgencyItems = p.scoreUrgency(ctx, query, candidates, &result)

	// Merging
	result.State = StateMerging
	result.Leads = rank.Merge(result.Reliability.Rankings, result.UrgencyItems)

	// Persisting
	result.State = StatePersisting
	if len(result.Leads) > 0 {
		written, err := p.persist(ctx, result.Leads, &result)
		result.Written = written
		if err != nil {
			result.State = StateFailed
			result.FailureReason = err.Error()
			return result, err
		}
	}

	// Ranking
	result.State = StateRanking
	result.Ranked = rank.Rank(result.Leads, p.cfg.TopN)
	if p.feed != nil && len(result.Ranked) > 0 {
		if err := p.feed.PublishRanked(ctx, query, result.Ranked); err != nil {
			p.logger.Printf("feed publish failed: %v", err)
			result.Degraded = append(result.Degraded, fmt.Sprintf("feed: %v", err))
		}
	}

	// Summarizing, best effort: ranked and persisted output stands even if
	// the narrative never materializes.
	result.State = StateSummarizing
	if p.summarize != nil && len(result.Ranked) > 0 {
		summary, err := p.summarize.Summarize(ctx, query, result.Ranked)
		if err != nil {
			p.logger.Printf("summary failed: %v", err)
			result.Degraded = append(result.Degraded, fmt.Sprintf("summary: %v", err))
		} else {
			result.Summary = summary
		}
	}

	result.State = StateDone
	return result, nil
}

// recentContext loads the latest persisted leads so scoring stays consistent
// with what previous runs concluded. Failure here degrades to no context.
func (p *Pipeline) recentContext(ctx context.Context, result *RunResult) string {
	if p.cfg.RecentContextLimit <= 0 {
		return ""
	}
	recent, err := p.store.RecentLeads(ctx, p.cfg.RecentContextLimit)
	if err != nil {
		p.logger.Printf("recent context unavailable: %v", err)
		result.Degraded = append(result.Degraded, fmt.Sprintf("recent context: %v", err))
		return ""
	}
	return formatRecentContext(recent)
}

// domainWeights resolves cached per-domain reliability weights and renders
// them as a hint block for the reliability prompt.
func (p *Pipeline) domainWeights(ctx context.Context, candidates []searchmodels.Result) string {
	if p.weigher == nil {
		return ""
	}
	weights := map[string]float64{}
	for _, c := range candidates {
		domain, err := helpers.Domain(c.URL)
		if err != nil {
			continue
		}
		if _, seen := weights[domain]; seen {
			continue
		}
		weights[domain] = p.weigher.Weight(ctx, domain)
	}
	return formatDomainWeights(weights)
}

// scoreUrgency fans urgency assessment out across candidates under the
// configured concurrency cap. Order is irrelevant; ranking re-sorts later.
func (p *Pipeline) scoreUrgency(ctx context.Context, query string, candidates []searchmodels.Result, result *RunResult) []agent.UrgencyItem {
	limit := p.cfg.MaxConcurrentUrgency
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		items     []agent.UrgencyItem
		exhausted int
	)
	for _, candidate := range candidates {
		wg.Add(1)
		sem <- struct{}{}
		go func(c searchmodels.Result) {
			defer wg.Done()
			defer func() { <-sem }()
			out := p.scorer.AssessUrgency(ctx, query, c)
			mu.Lock()
			defer mu.Unlock()
			if out.Status == agent.StatusExhausted {
				exhausted++
				return
			}
			items = append(items, out.Items...)
		}(candidate)
	}
	wg.Wait()

	if exhausted > 0 {
		p.logger.Printf("urgency scoring exhausted for %d of %d candidates", exhausted, len(candidates))
		result.Degraded = append(result.Degraded, fmt.Sprintf("urgency: %d of %d candidates unscored", exhausted, len(candidates)))
	}
	// deterministic order for merging and tests
	sort.SliceStable(items, func(i, j int) bool { return items[i].URL < items[j].URL })
	return items
}

// persist embeds lead text and writes the batch. An embedding outage skips
// persistence for this run rather than failing it; a store batch abort is the
// one unrecoverable error. Either degradation is recorded on the result.
func (p *Pipeline) persist(ctx context.Context, leads []store.Lead, result *RunResult) (int, error) {
	texts := make([]string, len(leads))
	for i, lead := range leads {
		texts[i] = embeddingText(lead)
	}
	embeddings, err := p.embedder.Embed(ctx, texts)
	if err != nil || len(embeddings) != len(leads) {
		p.logger.Printf("embedding failed, skipping persistence this run: %v", err)
		result.Degraded = append(result.Degraded, fmt.Sprintf("embedding: %v", err))
		return 0, nil
	}

	written, err := p.store.UpsertLeads(ctx, leads, embeddings)
	telemetry.LeadsUpsertedTotal.Add(float64(written))
	if err != nil {
		if errors.Is(err, store.ErrBatchAborted) {
			return written, fmt.Errorf("persist batch: %w", err)
		}
		// under-threshold failures were skipped record by record
		p.logger.Printf("persisted %d/%d leads, first failure: %v", written, len(leads), err)
		result.Degraded = append(result.Degraded, fmt.Sprintf("persist: %d/%d leads failed: %v", len(leads)-written, len(leads), err))
	}
	return written, nil
}
