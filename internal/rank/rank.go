package rank

import (
	"sort"

	"github.com/apexcrm/leadscout/internal/agent"
	"github.com/apexcrm/leadscout/internal/helpers"
	"github.com/apexcrm/leadscout/internal/store"
)

// Merge joins reliability and urgency assessments by URL into lead records.
// The two assessments are produced independently, so the join key is the
// canonical URL, never list position. A URL scored for urgency but missing
// from the reliability output gets reliability 0, which zeroes its total —
// unverified sources sink to the bottom instead of breaking the merge.
func Merge(rankings []agent.ReliabilityRanking, urgency []agent.UrgencyItem) []store.Lead {
	reliability := make(map[string]agent.ReliabilityRanking, len(rankings))
	for _, r := range rankings {
		reliability[mergeKey(r.URL)] = r
	}

	leads := make([]store.Lead, 0, len(urgency))
	for _, item := range urgency {
		rel := reliability[mergeKey(item.URL)]

		title := item.Title
		if title == "" {
			title = rel.Title
		}
		snippet := item.Snippet
		if snippet == "" {
			snippet = rel.Snippet
		}
		date := item.Date
		if date == "" {
			date = rel.Date
		}

		leads = append(leads, store.Lead{
			ID:               helpers.IdentityKey(item.URL),
			Title:            title,
			URL:              item.URL,
			Snippet:          snippet,
			Date:             date,
			ReliabilityScore: rel.Score,
			UrgencyScore:     item.UrgencyScore,
			TotalScore:       rel.Score * item.UrgencyScore,
			TopIndicators:    item.TopUrgencyIndicators,
			Summary:          item.Summary,
		})
	}
	return leads
}

// Rank orders leads by total score descending and returns at most topN. The
// sort is stable; there is no further tie-break. Zero totals are ordinary
// values, not errors.
func Rank(leads []store.Lead, topN int) []store.Lead {
	out := make([]store.Lead, len(leads))
	copy(out, leads)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TotalScore > out[j].TotalScore
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

func mergeKey(rawURL string) string {
	if canonical, err := helpers.Canonicalize(rawURL); err == nil {
		return canonical
	}
	return rawURL
}
