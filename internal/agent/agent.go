package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/apexcrm/leadscout/config"
	"github.com/apexcrm/leadscout/internal/telemetry"
	"github.com/apexcrm/leadscout/provider"
	searchmodels "github.com/apexcrm/leadscout/tools/web_search/models"
)

// ReliabilityOutcome is the result of one reliability-scoring run. Exhaustion
// of the attempt budget is reported here, never as a Go error: an empty
// outcome is a valid answer the pipeline has to live with.
type ReliabilityOutcome struct {
	Status   Status               `json:"status"`
	Attempts int                  `json:"attempts"`
	Rankings []ReliabilityRanking `json:"rankings"`
	// Raw holds the last model response, kept only when parsing never
	// succeeded.
	Raw string `json:"raw,omitempty"`
}

// UrgencyOutcome is the result of one urgency-scoring run.
type UrgencyOutcome struct {
	Status   Status        `json:"status"`
	Attempts int           `json:"attempts"`
	Items    []UrgencyItem `json:"items"`
	Raw      string        `json:"raw,omitempty"`
}

// ScoringAgent drives the bounded tool-calling loop shared by every scoring
// role. One agent instance is safe for concurrent use.
type ScoringAgent struct {
	provider provider.Provider
	bridge   *ToolBridge
	cfg      config.AgentsConfig
	logger   *log.Logger

	// sleep is swappable so retry tests don't wait out real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewScoringAgent(cfg config.AgentsConfig, p provider.Provider, bridge *ToolBridge) *ScoringAgent {
	return &ScoringAgent{
		provider: p,
		bridge:   bridge,
		cfg:      cfg,
		logger:   telemetry.NewLogger("AGENT"),
		sleep:    sleepCtx,
	}
}

// AssessReliability scores every candidate source for trustworthiness in a
// single conversation. recentContext, when non-empty, carries summaries of
// prior runs so the model can stay consistent with earlier assessments.
func (a *ScoringAgent) AssessReliability(ctx context.Context, query string, candidates []searchmodels.Result, recentContext string) ReliabilityOutcome {
	payload := buildReliabilityPayload(query, candidates, recentContext)
	items, attempts, raw := a.run(ctx, reliabilityRole, payload)
	out := ReliabilityOutcome{Attempts: attempts}
	if items == nil {
		out.Status = StatusExhausted
		out.Raw = raw
		return out
	}
	out.Status = StatusOK
	for _, m := range items {
		out.Rankings = append(out.Rankings, decodeRanking(m, a.cfg.MinScore, a.cfg.MaxScore))
	}
	return out
}

// AssessUrgency scores a single candidate for time sensitivity. Candidates
// are independent, so the pipeline fans these out under a concurrency cap.
func (a *ScoringAgent) AssessUrgency(ctx context.Context, query string, candidate searchmodels.Result) UrgencyOutcome {
	payload := buildUrgencyPayload(query, candidate)
	items, attempts, raw := a.run(ctx, urgencyRole, payload)
	out := UrgencyOutcome{Attempts: attempts}
	if items == nil {
		out.Status = StatusExhausted
		out.Raw = raw
		return out
	}
	out.Status = StatusOK
	for _, m := range items {
		item := decodeUrgency(m, a.cfg.MinScore, a.cfg.MaxScore)
		if item.URL == "" {
			item.URL = candidate.URL
		}
		if item.Date == "" {
			item.Date = candidate.Date
		}
		out.Items = append(out.Items, item)
	}
	return out
}

// AssessDomain rates a bare domain's trustworthiness without tool access.
// The boolean is false when the attempt budget ran out.
func (a *ScoringAgent) AssessDomain(ctx context.Context, domain string) (float64, bool) {
	items, _, _ := a.run(ctx, domainRole, fmt.Sprintf("Domain: %s", domain))
	if items == nil {
		return 0, false
	}
	return score(items[0], "score", a.cfg.MinScore, a.cfg.MaxScore), true
}

// run executes the retry loop around one conversation per attempt. It returns
// nil items when every attempt produced unusable output; raw then carries the
// last response for diagnostics.
func (a *ScoringAgent) run(ctx context.Context, role Role, userPayload string) (items []map[string]interface{}, attempts int, raw string) {
	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		attempts = attempt

		content, err := a.converse(ctx, role, userPayload)
		reason := ""
		if err != nil {
			reason = fmt.Sprintf("completion failed: %v", err)
		} else {
			raw = content
			items, reason = extractList(content, role.ListKey)
			if reason == "" {
				return items, attempts, raw
			}
		}

		a.logger.Printf("%s attempt %d/%d rejected: %s", role.Name, attempt, a.cfg.MaxAttempts, reason)
		telemetry.AgentRetriesTotal.WithLabelValues(role.Name).Inc()

		if attempt < a.cfg.MaxAttempts {
			if err := a.sleep(ctx, a.cfg.RetryDelay); err != nil {
				break
			}
		}
	}

	a.logger.Printf("%s exhausted %d attempts, returning empty result; last response: %s", role.Name, attempts, snippet(raw))
	telemetry.AgentExhaustedTotal.WithLabelValues(role.Name).Inc()
	return nil, attempts, raw
}

// converse runs one bounded tool-calling conversation and returns the final
// message content. If the model is still requesting tools at the iteration
// cap, whatever content the last response carried is returned for parsing.
func (a *ScoringAgent) converse(ctx context.Context, role Role, userPayload string) (string, error) {
	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: role.SystemPrompt},
		{Role: provider.RoleUser, Content: userPayload},
	}
	var tools []provider.ToolSpec
	if role.UseTools && a.bridge != nil {
		tools = a.bridge.Specs()
	}

	var last provider.Completion
	for i := 0; i < a.cfg.MaxIterations; i++ {
		completion, err := a.provider.Complete(ctx, messages, tools)
		if err != nil {
			return "", err
		}
		last = completion

		if len(completion.ToolCalls) == 0 || a.bridge == nil {
			return completion.Content, nil
		}

		messages = append(messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   completion.Content,
			ToolCalls: completion.ToolCalls,
		})
		for _, call := range completion.ToolCalls {
			result, err := a.bridge.Invoke(ctx, call.Name, call.Arguments)
			if err != nil {
				if !errors.Is(err, ErrUnknownTool) {
					return "", err
				}
				result = err.Error()
			}
			messages = append(messages, provider.Message{
				Role:       provider.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}
	return last.Content, nil
}

func buildReliabilityPayload(query string, candidates []searchmodels.Result, recentContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\n", query)
	if recentContext != "" {
		fmt.Fprintf(&b, "Context from recent runs:\n%s\n\n", recentContext)
	}
	b.WriteString("Candidate sources:\n")
	enc, _ := json.MarshalIndent(candidates, "", "  ")
	b.Write(enc)
	return b.String()
}

func buildUrgencyPayload(query string, candidate searchmodels.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nCandidate source:\n", query)
	enc, _ := json.MarshalIndent(candidate, "", "  ")
	b.Write(enc)
	return b.String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func snippet(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}
