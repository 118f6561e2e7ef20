// Package metrics exposes the gateway's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components can take an
// optional metrics handle without nil checks at every call site.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatgw"

// Metrics holds the gateway collectors.
type Metrics struct {
	// ChatRequests counts chat completion requests.
	// Labels: mode (stream|sync), status (HTTP status code)
	ChatRequests *prometheus.CounterVec

	// Admissions counts rate limiter decisions.
	// Labels: result (allowed|RPD_LIMIT|RPM_LIMIT)
	Admissions *prometheus.CounterVec

	// SlotSelections counts credential slot picks by slot index.
	SlotSelections *prometheus.CounterVec

	// ModelCalls counts model calls.
	// Labels: model, status (success|error)
	ModelCalls *prometheus.CounterVec

	// ModelCallDuration measures model call latency in seconds.
	ModelCallDuration *prometheus.HistogramVec

	// ModelTokens tracks token usage.
	// Labels: model, type (prompt|completion)
	ModelTokens *prometheus.CounterVec

	// ToolCalls counts tool invocations.
	// Labels: tool, status (success|error)
	ToolCalls *prometheus.CounterVec

	// ToolCallDuration measures tool execution time in seconds.
	ToolCallDuration *prometheus.HistogramVec

	// AgentRuns counts finished agent loops by stop reason.
	AgentRuns *prometheus.CounterVec

	// AgentIterations observes the number of model calls per agent run.
	AgentIterations prometheus.Histogram

	// InFlight is the number of chat requests being served.
	InFlight prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A fresh
// registry keeps tests isolated from the global default registry.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ChatRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Total number of chat completion requests by mode and status",
		}, []string{"mode", "status"}),

		Admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Rate limiter decisions by result",
		}, []string{"result"}),

		SlotSelections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_slot_selections_total",
			Help:      "Credential slot picks by slot index",
		}, []string{"slot"}),

		ModelCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Total number of model calls by model and status",
		}, []string{"model", "status"}),

		ModelCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Duration of model calls in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),

		ModelTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_tokens_total",
			Help:      "Tokens used by model and type",
		}, []string{"model", "type"}),

		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool invocations by tool and status",
		}, []string{"tool", "status"}),

		ToolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of tool invocations in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),

		AgentRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Finished agent loops by stop reason",
		}, []string{"stop_reason"}),

		AgentIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_iterations",
			Help:      "Model calls per agent run",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 10},
		}),

		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chat_requests_in_flight",
			Help:      "Chat completion requests currently being served",
		}),

		gatherer: reg,
	}
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ChatRequest records a finished chat completion request.
func (m *Metrics) ChatRequest(stream bool, code int) {
	if m == nil {
		return
	}
	mode := "sync"
	if stream {
		mode = "stream"
	}
	m.ChatRequests.WithLabelValues(mode, strconv.Itoa(code)).Inc()
}

// Admission records a rate limiter decision.
func (m *Metrics) Admission(result string) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(result).Inc()
}

// SlotSelected records a credential slot pick.
func (m *Metrics) SlotSelected(slot int) {
	if m == nil {
		return
	}
	m.SlotSelections.WithLabelValues(strconv.Itoa(slot)).Inc()
}

// ModelCall records one model call.
func (m *Metrics) ModelCall(model string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.ModelCalls.WithLabelValues(model, status(err)).Inc()
	m.ModelCallDuration.WithLabelValues(model).Observe(elapsed.Seconds())
}

// Tokens records token usage for a model call.
func (m *Metrics) Tokens(model string, prompt, completion int64) {
	if m == nil {
		return
	}
	if prompt > 0 {
		m.ModelTokens.WithLabelValues(model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.ModelTokens.WithLabelValues(model, "completion").Add(float64(completion))
	}
}

// ToolCall records one tool invocation.
func (m *Metrics) ToolCall(tool string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, status(err)).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// AgentRun records a finished agent loop.
func (m *Metrics) AgentRun(stopReason string, iterations int) {
	if m == nil {
		return
	}
	m.AgentRuns.WithLabelValues(stopReason).Inc()
	m.AgentIterations.Observe(float64(iterations))
}

// RequestStarted increments the in-flight gauge and returns its decrement.
func (m *Metrics) RequestStarted() func() {
	if m == nil {
		return func() {}
	}
	m.InFlight.Inc()
	return m.InFlight.Dec
}
