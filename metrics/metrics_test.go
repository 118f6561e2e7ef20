package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ChatRequest(true, 200)
	m.ChatRequest(false, 429)
	m.ChatRequest(false, 429)
	m.Admission("allowed")
	m.SlotSelected(2)
	m.ModelCall("gpt-4o", 50*time.Millisecond, nil)
	m.ModelCall("gpt-4o", 10*time.Millisecond, errors.New("boom"))
	m.Tokens("gpt-4o", 12, 0)
	m.ToolCall("search", time.Millisecond, nil)
	m.AgentRun("max_iterations", 3)

	expected := `
		# HELP chatgw_chat_requests_total Total number of chat completion requests by mode and status
		# TYPE chatgw_chat_requests_total counter
		chatgw_chat_requests_total{mode="stream",status="200"} 1
		chatgw_chat_requests_total{mode="sync",status="429"} 2
	`
	if err := testutil.CollectAndCompare(m.ChatRequests, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}

	if got := testutil.ToFloat64(m.ModelCalls.WithLabelValues("gpt-4o", "error")); got != 1 {
		t.Errorf("model error calls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ModelTokens.WithLabelValues("gpt-4o", "prompt")); got != 12 {
		t.Errorf("prompt tokens = %v, want 12", got)
	}
	if count := testutil.CollectAndCount(m.ModelTokens); count != 1 {
		t.Errorf("Expected 1 token series, got %d", count)
	}
	if got := testutil.ToFloat64(m.SlotSelections.WithLabelValues("2")); got != 1 {
		t.Errorf("slot selections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AgentRuns.WithLabelValues("max_iterations")); got != 1 {
		t.Errorf("agent runs = %v, want 1", got)
	}
}

func TestInFlight(t *testing.T) {
	m := New(prometheus.NewRegistry())
	done := m.RequestStarted()
	if got := testutil.ToFloat64(m.InFlight); got != 1 {
		t.Fatalf("in flight = %v, want 1", got)
	}
	done()
	if got := testutil.ToFloat64(m.InFlight); got != 0 {
		t.Errorf("in flight = %v, want 0", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ChatRequest(true, 200)
	m.ModelCall("x", time.Second, nil)
	m.ToolCall("x", time.Second, nil)
	m.AgentRun("final", 1)
	m.RequestStarted()()
}

func TestHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Admission("RPM_LIMIT")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `chatgw_admissions_total{result="RPM_LIMIT"} 1`) {
		t.Errorf("metrics output missing admission counter:\n%s", rec.Body.String())
	}
}
