package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/warden/internal/audit"
	"github.com/jkaninda/warden/internal/budget"
)

// --- InstrumentedRecorder ---

// InstrumentedRecorder wraps an audit.Recorder with metrics and tracing.
type InstrumentedRecorder struct {
	inner   audit.Recorder
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedRecorder wraps an audit recorder with observability.
// Returns inner unchanged when both metrics and tracing are off.
func NewInstrumentedRecorder(inner audit.Recorder, metrics *MetricsCollector, ts *TracerSetup) audit.Recorder {
	if metrics == nil && ts == nil {
		return inner
	}
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRecorder{inner: inner, metrics: metrics, tracer: tracer}
}

func (r *InstrumentedRecorder) Record(ctx context.Context, event audit.Event) audit.Result {
	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "audit.record",
			trace.WithAttributes(
				attribute.String("agent.id", event.AgentID),
				attribute.String("operation", event.Operation),
				attribute.String("audit.result", event.Result),
			))
		defer span.End()
	}

	res := r.inner.Record(ctx, event)

	status := "success"
	if !res.Success {
		status = "failure"
		if span != nil {
			span.SetStatus(codes.Error, res.Reason)
		}
	}
	if r.metrics != nil {
		r.metrics.AuditWritesTotal.WithLabelValues(status).Inc()
	}
	return res
}

// --- InstrumentedRemote ---

// InstrumentedRemote wraps a budget.RemoteStore and counts outages.
type InstrumentedRemote struct {
	inner   budget.RemoteStore
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedRemote wraps a remote budget store with observability.
func NewInstrumentedRemote(inner budget.RemoteStore, metrics *MetricsCollector, ts *TracerSetup) budget.RemoteStore {
	if metrics == nil && ts == nil {
		return inner
	}
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRemote{inner: inner, metrics: metrics, tracer: tracer}
}

func (r *InstrumentedRemote) Store(ctx context.Context, text string, tags []string) budget.Result {
	ctx, end := r.start(ctx, "budget.remote.store")
	res := r.inner.Store(ctx, text, tags)
	r.observe("store", res)
	end(res)
	return res
}

func (r *InstrumentedRemote) Query(ctx context.Context, filter budget.Filter) ([]budget.Record, budget.Result) {
	ctx, end := r.start(ctx, "budget.remote.query")
	records, res := r.inner.Query(ctx, filter)
	r.observe("query", res)
	end(res)
	return records, res
}

func (r *InstrumentedRemote) start(ctx context.Context, name string) (context.Context, func(budget.Result)) {
	if r.tracer == nil {
		return ctx, func(budget.Result) {}
	}
	ctx, span := r.tracer.Start(ctx, name)
	return ctx, func(res budget.Result) {
		span.SetAttributes(attribute.String("remote.status", res.Status.String()))
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
		span.End()
	}
}

func (r *InstrumentedRemote) observe(op string, res budget.Result) {
	if r.metrics != nil && !res.OK() {
		r.metrics.RemoteOutagesTotal.WithLabelValues(op).Inc()
	}
}
