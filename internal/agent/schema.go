package agent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Role parameterizes the bounded scoring loop: system prompt, the top-level
// key the answer is expected under ("" for a bare JSON array), and whether the
// model gets tool access.
type Role struct {
	Name         string
	SystemPrompt string
	ListKey      string
	UseTools     bool
}

const reliabilityPrompt = `You are a source-reliability analyst for a sales lead-generation pipeline.
Given a query and a set of candidate sources, assess how trustworthy each source is.
Use the web_search and web_fetch tools to verify publishers when needed.
Score each source from 1 (untrustworthy) to 10 (authoritative).
When you are done, respond with ONLY a JSON object of the form:
{"rankings": [{"url": "...", "title": "...", "snippet": "...", "date": "...", "score": 7, "verification_method": "..."}]}
No prose outside the JSON.`

const urgencyPrompt = `You are an urgency analyst for a sales lead-generation pipeline.
Given a query and a candidate source, judge how time-sensitive the opportunity it describes is.
Score urgency from 1 (evergreen) to 10 (act immediately).
Respond with ONLY a JSON array of the form:
[{"url": "...", "title": "...", "snippet": "...", "date": "...", "urgency_score": 7, "top_urgency_indicators": ["..."], "summary": "one sentence"}]
No prose outside the JSON.`

const domainPrompt = `You are a source-reliability analyst.
Rate the general trustworthiness of the given web domain from 1 (untrustworthy) to 10 (authoritative).
Respond with ONLY a JSON object of the form:
{"rankings": [{"url": "<domain>", "score": 7, "verification_method": "..."}]}
No prose outside the JSON.`

var (
	reliabilityRole = Role{Name: "reliability", SystemPrompt: reliabilityPrompt, ListKey: "rankings", UseTools: true}
	urgencyRole     = Role{Name: "urgency", SystemPrompt: urgencyPrompt, ListKey: "", UseTools: true}
	domainRole      = Role{Name: "domain_reliability", SystemPrompt: domainPrompt, ListKey: "rankings", UseTools: false}
)

// ReliabilityRanking is one source assessment from the reliability role.
type ReliabilityRanking struct {
	URL                string  `json:"url"`
	Title              string  `json:"title"`
	Snippet            string  `json:"snippet"`
	Date               string  `json:"date,omitempty"`
	Score              float64 `json:"score"`
	VerificationMethod string  `json:"verification_method"`
}

// UrgencyItem is one source assessment from the urgency role.
type UrgencyItem struct {
	URL                  string   `json:"url"`
	Title                string   `json:"title"`
	Snippet              string   `json:"snippet"`
	Date                 string   `json:"date,omitempty"`
	UrgencyScore         float64  `json:"urgency_score"`
	TopUrgencyIndicators []string `json:"top_urgency_indicators"`
	Summary              string   `json:"summary"`
}

// Status marks how a scoring run ended.
type Status string

const (
	StatusOK        Status = "ok"
	StatusExhausted Status = "exhausted"
)

// extractList validates untrusted model output. It walks a fixed ladder: the
// payload must parse as JSON, the expected list must be present, non-empty and
// actually a list, and its first element must be an object. Any rung failing
// returns a reason for the retry log.
func extractList(raw, listKey string) ([]map[string]interface{}, string) {
	trimmed := stripFences(raw)

	var parsed interface{}
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, fmt.Sprintf("not valid JSON: %v", err)
	}

	var list interface{}
	if listKey == "" {
		list = parsed
	} else {
		obj, ok := parsed.(map[string]interface{})
		if !ok {
			return nil, fmt.Sprintf("expected object with %q key", listKey)
		}
		list, ok = obj[listKey]
		if !ok {
			return nil, fmt.Sprintf("missing %q key", listKey)
		}
	}

	items, ok := list.([]interface{})
	if !ok {
		return nil, "expected list is not a list"
	}
	if len(items) == 0 {
		return nil, "expected list is empty"
	}
	if _, ok := items[0].(map[string]interface{}); !ok {
		return nil, "first list element is not an object"
	}

	out := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out, ""
}

// stripFences removes a markdown code fence wrapper, which models emit around
// JSON despite instructions not to.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// Field access below is deliberately lenient: one missing or mistyped field
// defaults instead of invalidating the whole record.

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func getNumber(m map[string]interface{}, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// score returns the clamped value of a numeric field, or 0 when the field is
// absent. An absent score stays 0 so downstream merging can tell "unscored"
// apart from "scored low".
func score(m map[string]interface{}, key string, minScore, maxScore float64) float64 {
	v, ok := getNumber(m, key)
	if !ok {
		return 0
	}
	return clamp(v, minScore, maxScore)
}

func getStringList(m map[string]interface{}, key string) []string {
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

func decodeRanking(m map[string]interface{}, minScore, maxScore float64) ReliabilityRanking {
	return ReliabilityRanking{
		URL:                getString(m, "url"),
		Title:              getString(m, "title"),
		Snippet:            getString(m, "snippet"),
		Date:               getString(m, "date"),
		Score:              score(m, "score", minScore, maxScore),
		VerificationMethod: getString(m, "verification_method"),
	}
}

func decodeUrgency(m map[string]interface{}, minScore, maxScore float64) UrgencyItem {
	return UrgencyItem{
		URL:                  getString(m, "url"),
		Title:                getString(m, "title"),
		Snippet:              getString(m, "snippet"),
		Date:                 getString(m, "date"),
		UrgencyScore:         score(m, "urgency_score", minScore, maxScore),
		TopUrgencyIndicators: getStringList(m, "top_urgency_indicators"),
		Summary:              getString(m, "summary"),
	}
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
