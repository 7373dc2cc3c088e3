package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments exported by the server.
type Metrics struct {
	Registry *prometheus.Registry

	SubagentsActive prometheus.Gauge
	SubagentsQueued prometheus.Gauge
	PlannerTurns    prometheus.Counter
	PlannerErrors   prometheus.Counter
	ToolExecutions  *prometheus.CounterVec
	ToolDuration    prometheus.Histogram
	LLMRequests     *prometheus.CounterVec
	RPCRequests     *prometheus.CounterVec
}

// NewMetrics creates and registers the server's metric set on a fresh
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		SubagentsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "loom_subagents_active",
			Help: "Number of subagent jobs currently executing.",
		}),
		SubagentsQueued: factory.NewGauge(prometheus.GaugeOpts{
			Name: "loom_subagents_queued",
			Help: "Number of subagent jobs waiting for a slot.",
		}),
		PlannerTurns: factory.NewCounter(prometheus.CounterOpts{
			Name: "loom_planner_turns_total",
			Help: "Completed planner turns.",
		}),
		PlannerErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "loom_planner_errors_total",
			Help: "Planner turns that ended in an error.",
		}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_tool_executions_total",
			Help: "Tool executions by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		ToolDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "loom_tool_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: prometheus.DefBuckets,
		}),
		LLMRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_llm_requests_total",
			Help: "LLM requests by provider and finish reason.",
		}, []string{"provider", "finish_reason"}),
		RPCRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_rpc_requests_total",
			Help: "JSON-RPC requests by method.",
		}, []string{"method"}),
	}
}
