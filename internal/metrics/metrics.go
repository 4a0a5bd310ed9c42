// Package metrics exposes Prometheus metrics for turns, pipeline stages,
// tool dispatch, model usage and rate limiting.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/OhziiiLov3/rights2roof"
	"github.com/OhziiiLov3/rights2roof/internal/eventbus"
)

const namespace = "rights2roof"

// Turn outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeCacheHit = "cache_hit"
)

// Metrics owns a registry and the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	TurnDuration   *prometheus.HistogramVec
	TurnTotal      *prometheus.CounterVec
	StageFallbacks *prometheus.CounterVec
	ToolDuration   *prometheus.HistogramVec
	ToolTotal      *prometheus.CounterVec
	LLMTokensTotal *prometheus.CounterVec
	RateLimited    prometheus.Counter
}

// New creates the collectors on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Turn latency by outcome.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40},
		}, []string{"outcome"}),
		TurnTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns by outcome.",
		}, []string{"outcome"}),
		StageFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_fallbacks_total",
			Help:      "Planner, retrieval and synthesis fallbacks.",
		}, []string{"stage"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		ToolTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Tool invocations by outcome.",
		}, []string{"tool", "outcome"}),
		LLMTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Model tokens by direction.",
		}, []string{"direction"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-user rate limit.",
		}),
	}
	m.registry.MustRegister(
		m.TurnDuration, m.TurnTotal, m.StageFallbacks,
		m.ToolDuration, m.ToolTotal, m.LLMTokensTotal, m.RateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStep records one dispatched step. It has the shape of a
// dispatch.Observer.
func (m *Metrics) ObserveStep(tool rights2roof.ToolName, outcome string, duration time.Duration) {
	m.ToolDuration.WithLabelValues(string(tool)).Observe(duration.Seconds())
	m.ToolTotal.WithLabelValues(string(tool), outcome).Inc()
}

// ObserveTokens records model usage. It has the shape of the OpenAI
// client's usage hook.
func (m *Metrics) ObserveTokens(promptTokens, completionTokens int64) {
	m.LLMTokensTotal.WithLabelValues("input").Add(float64(promptTokens))
	m.LLMTokensTotal.WithLabelValues("output").Add(float64(completionTokens))
}

// Subscribe counts turn outcomes and stage fallbacks from bus events.
func (m *Metrics) Subscribe(bus eventbus.EventBus) (string, error) {
	return bus.Subscribe([]eventbus.EventType{
		eventbus.EventTurnSuccess,
		eventbus.EventTurnFailure,
		eventbus.EventPlanFallback,
		eventbus.EventRetrievalFallback,
		eventbus.EventSynthesisFallback,
	}, m.handle)
}

func (m *Metrics) handle(ctx context.Context, e eventbus.Event) error {
	meta := e.Metadata()
	switch e.Type() {
	case eventbus.EventTurnSuccess:
		outcome := OutcomeSuccess
		if hit, _ := meta["cache_hit"].(bool); hit {
			outcome = OutcomeCacheHit
		}
		m.TurnTotal.WithLabelValues(outcome).Inc()
		if ms, ok := meta["duration_ms"].(int64); ok {
			m.TurnDuration.WithLabelValues(outcome).Observe(float64(ms) / 1000)
		}
	case eventbus.EventTurnFailure:
		m.TurnTotal.WithLabelValues(OutcomeFailure).Inc()
	case eventbus.EventPlanFallback:
		m.StageFallbacks.WithLabelValues("plan").Inc()
	case eventbus.EventRetrievalFallback:
		m.StageFallbacks.WithLabelValues("retrieval").Inc()
	case eventbus.EventSynthesisFallback:
		m.StageFallbacks.WithLabelValues("synthesis").Inc()
	}
	return nil
}
