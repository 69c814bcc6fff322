// Package metrics collects run-level Prometheus metrics for the serve
// daemon, exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors the coordinator reports into.
type Metrics struct {
	// RunsStarted counts accepted run starts. Labels: context.
	RunsStarted *prometheus.CounterVec

	// RunsFinished counts terminal runs. Labels: context, status (complete|error).
	RunsFinished *prometheus.CounterVec

	// RunConflicts counts run starts rejected because another run was active.
	RunConflicts prometheus.Counter

	// StaleRunsRecovered counts abandoned runs transitioned to error.
	StaleRunsRecovered prometheus.Counter

	// ChunksAppended counts streamed text chunks written to the log.
	ChunksAppended prometheus.Counter

	// ToolCalls counts tool_call messages. Labels: tool, mode (local|remote).
	ToolCalls *prometheus.CounterVec

	// RunDuration measures wall time per run in seconds. Labels: context.
	RunDuration *prometheus.HistogramVec
}

// New creates the collectors on the given registerer. Pass
// prometheus.DefaultRegisterer in the daemon and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cadpilot_runs_started_total",
			Help: "Accepted run starts by session context.",
		}, []string{"context"}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cadpilot_runs_finished_total",
			Help: "Terminal runs by session context and status.",
		}, []string{"context", "status"}),
		RunConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "cadpilot_run_conflicts_total",
			Help: "Run starts rejected because another run was active.",
		}),
		StaleRunsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "cadpilot_stale_runs_recovered_total",
			Help: "Abandoned runs transitioned to error by the staleness pass.",
		}),
		ChunksAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "cadpilot_chunks_appended_total",
			Help: "Streamed text chunks written to the log.",
		}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cadpilot_tool_calls_total",
			Help: "Tool calls by tool name and execution mode.",
		}, []string{"tool", "mode"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cadpilot_run_duration_seconds",
			Help:    "Wall time per run.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"context"}),
	}
}
