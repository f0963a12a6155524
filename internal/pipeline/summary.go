package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/apexcrm/leadscout/internal/store"
	"github.com/apexcrm/leadscout/provider"
)

const summaryPrompt = `You are a sales analyst. Given a query and its ranked leads,
write a short narrative (3-5 sentences) for an account executive: what surfaced,
which leads matter most and why, and what to act on first. Plain prose, no lists.`

// LLMSummarizer produces the run narrative through the completion endpoint,
// without tool access.
type LLMSummarizer struct {
	Provider provider.Provider
}

func (s LLMSummarizer) Summarize(ctx context.Context, query string, leads []store.Lead) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nRanked leads:\n", query)
	for i, lead := range leads {
		fmt.Fprintf(&b, "%d. %s (%s) reliability=%.1f urgency=%.1f total=%.1f\n   %s\n",
			i+1, lead.Title, lead.URL, lead.ReliabilityScore, lead.UrgencyScore, lead.TotalScore, lead.Summary)
	}

	completion, err := s.Provider.Complete(ctx, []provider.Message{
		{Role: provider.RoleSystem, Content: summaryPrompt},
		{Role: provider.RoleUser, Content: b.String()},
	}, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(completion.Content), nil
}

func formatRecentContext(leads []store.Lead) string {
	if len(leads) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Recently assessed leads:\n")
	for _, lead := range leads {
		fmt.Fprintf(&b, "- %s (%s): reliability %.1f, urgency %.1f", lead.Title, lead.URL, lead.ReliabilityScore, lead.UrgencyScore)
		if lead.Summary != "" {
			fmt.Fprintf(&b, " — %s", lead.Summary)
		}
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

func formatDomainWeights(weights map[string]float64) string {
	if len(weights) == 0 {
		return ""
	}
	domains := make([]string, 0, len(weights))
	for d := range weights {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	var b strings.Builder
	b.WriteString("Known domain reliability weights:\n")
	for _, d := range domains {
		fmt.Fprintf(&b, "- %s: %.1f\n", d, weights[d])
	}
	return strings.TrimSpace(b.String())
}

func joinContext(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

// embeddingText is the lead content indexed for nearest-neighbor search.
func embeddingText(lead store.Lead) string {
	parts := []string{lead.Title, lead.Snippet, lead.Summary}
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, strings.TrimSpace(p))
		}
	}
	if len(kept) == 0 {
		return lead.URL
	}
	return strings.Join(kept, "\n")
}
