package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/warden/internal/audit"
	"github.com/jkaninda/warden/internal/budget"
	"github.com/jkaninda/warden/internal/config"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil || obs.AnomalyOrNil() != nil {
		t.Error("nil Observability returned non-nil components")
	}
	// Should not panic.
	obs.Shutdown(context.Background())
	if err := obs.Serve(context.Background()); err != nil {
		t.Errorf("Serve on nil: %v", err)
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(context.Background(), &config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestTracerSetup_NilIsNoop(t *testing.T) {
	var ts *TracerSetup
	_, span := ts.Tracer().Start(context.Background(), "x")
	span.End()
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil: %v", err)
	}
}

func TestNewTracerSetup_Disabled(t *testing.T) {
	ts, err := NewTracerSetup(context.Background(), &config.TracingConfig{Enabled: false})
	if err != nil || ts != nil {
		t.Fatalf("disabled tracing = %v, %v; want nil, nil", ts, err)
	}
}

func TestSamplerFor(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{3, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		if got := samplerFor(tt.rate).Description(); !strings.Contains(got, tt.want) {
			t.Errorf("samplerFor(%v) = %q, want it to contain %q", tt.rate, got, tt.want)
		}
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_RecordAndGather(t *testing.T) {
	m := NewMetricsCollector()

	m.PipelineRunsTotal.WithLabelValues("denied", "budget-check").Inc()
	m.PipelineRunsTotal.WithLabelValues("denied", "budget-check").Inc()
	m.PipelineRunsTotal.WithLabelValues("allowed", "").Inc()
	m.HookExecutionsTotal.WithLabelValues("permission-check", "allow").Inc()

	if got := counterValue(t, m.Registry, "warden_pipeline_runs_total", prometheus.Labels{"result": "denied"}); got != 2 {
		t.Errorf("denied runs = %v, want 2", got)
	}
	if got := counterValue(t, m.Registry, "warden_pipeline_runs_total", prometheus.Labels{"result": "allowed"}); got != 1 {
		t.Errorf("allowed runs = %v, want 1", got)
	}
	if got := counterValue(t, m.Registry, "warden_hook_executions_total", prometheus.Labels{"hook": "permission-check"}); got != 1 {
		t.Errorf("hook executions = %v, want 1", got)
	}
}

func TestMetricsCollector_Handler(t *testing.T) {
	m := NewMetricsCollector()
	m.ActiveOperations.Set(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "warden_active_operations 3") {
		t.Errorf("exposition missing gauge:\n%s", rec.Body.String())
	}
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if s := h.CheckReady(context.Background()); s.Status != "ok" {
		t.Errorf("status = %q, want ok", s.Status)
	}
}

func TestHealthChecker_Aggregation(t *testing.T) {
	ok := func(context.Context) error { return nil }
	bad := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name     string
		setup    func(h *HealthChecker)
		want     string
		wantCode int
	}{
		{"all pass", func(h *HealthChecker) { h.AddCheck("db", ok); h.AddOptionalCheck("redis", ok) }, "ok", http.StatusOK},
		{"optional fails", func(h *HealthChecker) { h.AddCheck("db", ok); h.AddOptionalCheck("redis", bad) }, "degraded", http.StatusOK},
		{"required fails", func(h *HealthChecker) { h.AddCheck("db", bad); h.AddOptionalCheck("redis", bad) }, "fail", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker(nil)
			tt.setup(h)

			rec := httptest.NewRecorder()
			h.ReadyHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			var status HealthStatus
			if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if status.Status != tt.want {
				t.Errorf("status = %q, want %q", status.Status, tt.want)
			}
			if len(status.Checks) != 2 {
				t.Errorf("checks = %d, want 2", len(status.Checks))
			}
		})
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	if a.RecordDecision("a", false) || a.RecordSpend("a", 100) {
		t.Error("nil detector flagged an anomaly")
	}
}

func TestAnomalyDetector_DenialRate(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, WindowSeconds: 60, DenialRateThreshold: 0.5}, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		a.RecordDecision("a", true)
	}
	// 3 allowed, 1 denied: below minimum sample size.
	if a.RecordDecision("a", false) {
		t.Fatal("flagged before enough samples")
	}
	// 3 allowed, 2 denied: 40%.
	if a.RecordDecision("a", false) {
		t.Fatal("flagged at 40% denial rate")
	}
	// 3 allowed, 3 denied: 50% is not above the threshold.
	if a.RecordDecision("a", false) {
		t.Fatal("flagged at exactly the threshold")
	}
	if !a.RecordDecision("a", false) {
		t.Fatal("57% denial rate not flagged")
	}
	if a.RecordDecision("b", false) {
		t.Error("other agent flagged")
	}

	now = now.Add(2 * time.Minute)
	if a.RecordDecision("a", true) {
		t.Error("window did not expire")
	}
}

func TestAnomalyDetector_SpendSpike(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, TokenSpendThreshold: 1000}, nil)
	if a.RecordSpend("a", 600) {
		t.Fatal("flagged below threshold")
	}
	if !a.RecordSpend("a", 600) {
		t.Fatal("1200 tokens not flagged")
	}
}

// --- Wrappers ---

type stubRecorder struct{ result audit.Result }

func (s stubRecorder) Record(context.Context, audit.Event) audit.Result { return s.result }

func TestInstrumentedRecorder(t *testing.T) {
	m := NewMetricsCollector()
	ok := NewInstrumentedRecorder(stubRecorder{audit.Result{Success: true}}, m, nil)
	bad := NewInstrumentedRecorder(stubRecorder{audit.Result{Reason: "disk full"}}, m, nil)

	ok.Record(context.Background(), audit.Event{AgentID: "a"})
	res := bad.Record(context.Background(), audit.Event{AgentID: "a"})
	if res.Success || res.Reason != "disk full" {
		t.Errorf("result not passed through: %+v", res)
	}
	if got := counterValue(t, m.Registry, "warden_audit_writes_total", prometheus.Labels{"status": "failure"}); got != 1 {
		t.Errorf("failures = %v, want 1", got)
	}
	if got := counterValue(t, m.Registry, "warden_audit_writes_total", prometheus.Labels{"status": "success"}); got != 1 {
		t.Errorf("successes = %v, want 1", got)
	}
}

func TestInstrumentedRecorder_Disabled(t *testing.T) {
	inner := stubRecorder{audit.Result{Success: true}}
	if _, wrapped := NewInstrumentedRecorder(inner, nil, nil).(*InstrumentedRecorder); wrapped {
		t.Error("recorder wrapped with observability disabled")
	}
}

type downRemote struct{}

func (downRemote) Store(context.Context, string, []string) budget.Result {
	return budget.Result{Status: budget.RemoteUnavailable, Err: errors.New("dial tcp: refused")}
}

func (downRemote) Query(context.Context, budget.Filter) ([]budget.Record, budget.Result) {
	return nil, budget.Result{Status: budget.RemoteUnavailable, Err: errors.New("dial tcp: refused")}
}

func TestInstrumentedRemote_CountsOutages(t *testing.T) {
	m := NewMetricsCollector()
	r := NewInstrumentedRemote(downRemote{}, m, nil)

	if res := r.Store(context.Background(), "{}", []string{"agent:a"}); res.OK() {
		t.Fatal("outage hidden by wrapper")
	}
	r.Query(context.Background(), budget.Filter{Tags: []string{"agent:a"}})

	if got := counterValue(t, m.Registry, "warden_budget_remote_outages_total", prometheus.Labels{"op": "store"}); got != 1 {
		t.Errorf("store outages = %v, want 1", got)
	}
	if got := counterValue(t, m.Registry, "warden_budget_remote_outages_total", prometheus.Labels{"op": "query"}); got != 1 {
		t.Errorf("query outages = %v, want 1", got)
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
