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
	"github.com/apexcrm/leadscout/tools/web_fetch"
	"github.com/apexcrm/leadscout/tools/web_search"
)

// TruncationMarker is appended to tool output that exceeded the configured cap.
const TruncationMarker = "\n...[truncated]"

// ErrUnknownTool is returned when a model requests a tool that was never
// registered with the bridge.
var ErrUnknownTool = errors.New("unknown tool")

type toolFunc func(ctx context.Context, args json.RawMessage) (string, error)

// ToolBridge dispatches model-requested tool calls to the search and fetch
// tools. Every invocation runs under its own timeout; a timed-out or failed
// tool produces an error payload for the conversation, not a Go error, so the
// agent loop keeps going.
type ToolBridge struct {
	timeout  time.Duration
	maxChars int
	specs    []provider.ToolSpec
	funcs    map[string]toolFunc
	logger   *log.Logger
}

func NewToolBridge(cfg config.AgentsConfig, searcher web_search.WebSearcher, fetcher web_fetch.WebFetcher) *ToolBridge {
	b := &ToolBridge{
		timeout:  cfg.ToolTimeout,
		maxChars: cfg.ToolResultMaxChars,
		funcs:    make(map[string]toolFunc),
		logger:   telemetry.NewLogger("TOOLS"),
	}
	b.register(provider.ToolSpec{
		Name:        "web_search",
		Description: "Search the web. Returns a JSON list of {title, url, snippet, date}.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query":       map[string]interface{}{"type": "string", "description": "Search query"},
				"max_results": map[string]interface{}{"type": "integer", "description": "Maximum results to return"},
			},
			"required": []string{"query"},
		},
	}, func(ctx context.Context, args json.RawMessage) (string, error) {
		var p struct {
			Query      string `json:"query"`
			MaxResults int    `json:"max_results"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return "", fmt.Errorf("bad arguments: %w", err)
		}
		if p.MaxResults <= 0 {
			p.MaxResults = 10
		}
		results, err := searcher.Search(ctx, p.Query, p.MaxResults)
		if err != nil {
			return "", err
		}
		out, err := json.Marshal(results)
		if err != nil {
			return "", err
		}
		return string(out), nil
	})
	b.register(provider.ToolSpec{
		Name:        "web_fetch",
		Description: "Fetch a web page and return its readable text content.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url": map[string]interface{}{"type": "string", "description": "Absolute URL to fetch"},
			},
			"required": []string{"url"},
		},
	}, func(ctx context.Context, args json.RawMessage) (string, error) {
		var p struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return "", fmt.Errorf("bad arguments: %w", err)
		}
		result, err := fetcher.Exec(ctx, p.URL)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(result.Text) == "" {
			return fmt.Sprintf("no readable content (status %d)", result.Status), nil
		}
		return result.Text, nil
	})
	return b
}

func (b *ToolBridge) register(spec provider.ToolSpec, fn toolFunc) {
	b.specs = append(b.specs, spec)
	b.funcs[spec.Name] = fn
}

// Specs returns the tool declarations to advertise to the model.
func (b *ToolBridge) Specs() []provider.ToolSpec {
	return b.specs
}

// Invoke runs a named tool and returns its text payload. Tool failures and
// timeouts come back as descriptive payloads so the model can react; only an
// unregistered tool name is an error.
func (b *ToolBridge) Invoke(ctx context.Context, name, arguments string) (string, error) {
	fn, ok := b.funcs[name]
	if !ok {
		telemetry.ToolCallsTotal.WithLabelValues(name, "unknown").Inc()
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	out, err := fn(cctx, json.RawMessage(arguments))
	if err != nil {
		telemetry.ToolCallsTotal.WithLabelValues(name, "error").Inc()
		b.logger.Printf("tool %s failed: %v", name, err)
		return fmt.Sprintf("tool %s failed: %v", name, err), nil
	}
	telemetry.ToolCallsTotal.WithLabelValues(name, "ok").Inc()
	if len(out) > b.maxChars {
		out = out[:b.maxChars] + TruncationMarker
	}
	return out, nil
}
