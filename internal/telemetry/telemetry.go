package telemetry

import (
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NewLogger returns a stdout logger with a bracketed component prefix, e.g.
// "[PIPELINE] ".
func NewLogger(component string) *log.Logger {
	return log.New(os.Stdout, "["+component+"] ", log.LstdFlags)
}

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leadscout",
		Name:      "pipeline_runs_total",
		Help:      "Pipeline runs by terminal state.",
	}, []string{"state"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "leadscout",
		Name:      "pipeline_run_duration_seconds",
		Help:      "Wall-clock duration of a full pipeline run.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	AgentRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leadscout",
		Name:      "agent_retries_total",
		Help:      "Scoring-agent retry attempts by role.",
	}, []string{"role"})

	AgentExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leadscout",
		Name:      "agent_exhausted_total",
		Help:      "Scoring-agent runs that exhausted the attempt budget.",
	}, []string{"role"})

	ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leadscout",
		Name:      "tool_calls_total",
		Help:      "Tool invocations by tool name and outcome.",
	}, []string{"tool", "outcome"})

	LeadsUpsertedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "leadscout",
		Name:      "leads_upserted_total",
		Help:      "Lead records written to the store.",
	})
)
