package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/warden/internal/approval"
	"github.com/jkaninda/warden/internal/audit"
	"github.com/jkaninda/warden/internal/budget"
	"github.com/jkaninda/warden/internal/identity"
	"github.com/jkaninda/warden/internal/observability"
	"github.com/jkaninda/warden/internal/ratelimit"
	"github.com/jkaninda/warden/internal/security"
)

var (
	ErrDuplicateHook = errors.New("hook already registered")
	ErrInvalidHook   = errors.New("invalid hook")
)

// deniedAuditTimeout bounds the background write of a denial.
const deniedAuditTimeout = 5 * time.Second

// ApprovalPolicy controls when operations that require sign-off skip it.
type ApprovalPolicy struct {
	AutoApprove              bool // Approve everything.
	AutoApproveNonProduction bool // Approve everything outside production.
	Production               bool
}

// Options wires the orchestrator. Each built-in hook is registered only when
// the component it needs is set, so callers and tests can run partial pipelines.
type Options struct {
	Identity     *identity.Registry
	Permissions  *security.Evaluator
	Ledger       *budget.Ledger
	Approvals    *approval.Manager
	AutoApprover *approval.AutoApprover
	RateLimiter  *ratelimit.Limiter
	Recorder     audit.Recorder

	Approval ApprovalPolicy

	// DefaultEstimatedTokens is used when a call carries neither an estimate nor a file size.
	DefaultEstimatedTokens int64

	Metrics *observability.MetricsCollector
	Tracer  trace.Tracer
	Anomaly *observability.AnomalyDetector
	Logger  *slog.Logger
}

// Orchestrator runs the enforcement pipeline. Safe for concurrent use.
type Orchestrator struct {
	identity     *identity.Registry
	permissions  *security.Evaluator
	ledger       *budget.Ledger
	approvals    *approval.Manager
	autoApprover *approval.AutoApprover
	limiter      *ratelimit.Limiter
	recorder     audit.Recorder
	policy       ApprovalPolicy
	estimate     int64

	metrics *observability.MetricsCollector
	tracer  trace.Tracer
	anomaly *observability.AnomalyDetector
	logger  *slog.Logger

	mu    sync.RWMutex
	pre   []HookDescriptor
	post  []HookDescriptor
	stats *statsCollector

	// Background denial audits, drained by Close.
	pending sync.WaitGroup
}

// New creates an orchestrator and registers the built-in hooks for every
// component present in opts.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	o := &Orchestrator{
		identity:     opts.Identity,
		permissions:  opts.Permissions,
		ledger:       opts.Ledger,
		approvals:    opts.Approvals,
		autoApprover: opts.AutoApprover,
		limiter:      opts.RateLimiter,
		recorder:     opts.Recorder,
		policy:       opts.Approval,
		estimate:     opts.DefaultEstimatedTokens,
		metrics:      opts.Metrics,
		tracer:       tracer,
		anomaly:      opts.Anomaly,
		logger:       logger,
		stats:        newStatsCollector(),
	}
	for _, h := range o.builtinHooks() {
		// Built-in names are unique; Register cannot fail here.
		_ = o.Register(h)
	}
	return o
}

// Register adds a hook. Hooks with equal priority keep registration order.
func (o *Orchestrator) Register(h HookDescriptor) error {
	if h.Name == "" || h.Handler == nil {
		return fmt.Errorf("%w: name and handler are required", ErrInvalidHook)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, existing := range slices.Concat(o.pre, o.post) {
		if existing.Name == h.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateHook, h.Name)
		}
	}
	byPriority := func(a, b HookDescriptor) int { return cmp.Compare(a.Priority, b.Priority) }
	if h.Blocking {
		o.pre = append(o.pre, h)
		slices.SortStableFunc(o.pre, byPriority)
	} else {
		o.post = append(o.post, h)
		slices.SortStableFunc(o.post, byPriority)
	}
	return nil
}

// Hooks returns the registered pre-checks and post-actions in execution order.
func (o *Orchestrator) Hooks() (pre, post []HookDescriptor) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.pre), slices.Clone(o.post)
}

// Enforce runs the pre-checks for agentID performing operation. It returns
// at the first denial; a hook that errors or panics denies the operation.
func (o *Orchestrator) Enforce(ctx context.Context, agentID, operation string, opCtx OperationContext) *PipelineResult {
	start := time.Now()
	if opCtx.CorrelationID == "" {
		opCtx.CorrelationID = uuid.NewString()
	}
	ctx, span := o.tracer.Start(ctx, "pipeline.enforce", trace.WithAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("operation", operation),
		attribute.String("correlation_id", opCtx.CorrelationID),
	))
	defer span.End()

	if o.metrics != nil {
		o.metrics.ActiveOperations.Inc()
		defer o.metrics.ActiveOperations.Dec()
	}

	pre, _ := o.Hooks()
	hc := &HookContext{
		AgentID:       agentID,
		Operation:     operation,
		CorrelationID: opCtx.CorrelationID,
		Op:            opCtx,
	}
	result := &PipelineResult{
		Allowed:       true,
		Reasons:       make([]HookOutcome, 0, len(pre)),
		CorrelationID: opCtx.CorrelationID,
	}

	for _, h := range pre {
		d, outcome := o.runHook(ctx, h, hc)
		if d.Budget != nil {
			result.BudgetRemaining = d.Budget
		}
		result.Reasons = append(result.Reasons, outcome)
		if outcome.Allowed {
			continue
		}

		result.Allowed = false
		result.BlockedBy = h.Name
		result.RequiresApproval = d.RequiresApproval
		result.Approvers = d.Approvers
		result.ApprovalID = d.ApprovalID
		break
	}

	if result.BudgetRemaining == nil && o.ledger != nil && result.BlockedBy != HookIdentity {
		result.BudgetRemaining = o.ledger.Remaining(ctx, agentID)
	}
	result.ExecutionTime = time.Since(start)
	o.stats.recordPipeline(result.Allowed, result.ExecutionTime)
	o.anomaly.RecordDecision(agentID, result.Allowed)
	o.observePipeline(result)

	if result.Allowed {
		o.logger.DebugContext(ctx, "operation allowed",
			slog.String("agent_id", agentID),
			slog.String("operation", operation),
			slog.String("correlation_id", result.CorrelationID),
			slog.Duration("duration", result.ExecutionTime),
		)
		return result
	}

	span.SetStatus(codes.Error, "denied by "+result.BlockedBy)
	span.SetAttributes(attribute.String("blocked_by", result.BlockedBy))
	o.logger.WarnContext(ctx, "operation denied",
		slog.String("agent_id", agentID),
		slog.String("operation", operation),
		slog.String("blocked_by", result.BlockedBy),
		slog.String("reason", result.Reason()),
		slog.String("correlation_id", result.CorrelationID),
	)
	o.auditDenied(ctx, hc, result)
	return result
}

// Complete runs every post-action concurrently and waits for all of them.
// Failures are isolated per hook and never fail the call.
func (o *Orchestrator) Complete(ctx context.Context, agentID, operation string, opCtx OperationContext, res OperationResult) *PostActionResult {
	start := time.Now()
	if opCtx.CorrelationID == "" {
		opCtx.CorrelationID = uuid.NewString()
	}
	ctx, span := o.tracer.Start(ctx, "pipeline.complete", trace.WithAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("operation", operation),
		attribute.String("correlation_id", opCtx.CorrelationID),
		attribute.Int64("tokens_used", res.TokensUsed),
	))
	defer span.End()

	_, post := o.Hooks()
	hc := &HookContext{
		AgentID:       agentID,
		Operation:     operation,
		CorrelationID: opCtx.CorrelationID,
		Op:            opCtx,
		Result:        &res,
	}
	hc.Role = o.roleOf(hc)

	outcomes := make([]HookOutcome, len(post))
	decisions := make([]Decision, len(post))
	var wg sync.WaitGroup
	for i, h := range post {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decisions[i], outcomes[i] = o.runHook(ctx, h, hc)
		}()
	}
	wg.Wait()

	out := &PostActionResult{
		Success:       true,
		Results:       outcomes,
		CorrelationID: opCtx.CorrelationID,
	}
	for i, d := range decisions {
		if d.Budget != nil {
			out.BudgetRemaining = d.Budget
		}
		status := "success"
		if outcomes[i].Error != "" {
			status = "failure"
		}
		if o.metrics != nil {
			o.metrics.PostActionsTotal.WithLabelValues(outcomes[i].Hook, status).Inc()
		}
	}
	if out.BudgetRemaining == nil && o.ledger != nil {
		out.BudgetRemaining = o.ledger.Remaining(ctx, agentID)
	}
	out.ExecutionTime = time.Since(start)
	return out
}

// Stats returns a snapshot of the execution statistics.
func (o *Orchestrator) Stats() Stats {
	return o.stats.snapshot()
}

// ResetStats zeroes all statistics.
func (o *Orchestrator) ResetStats() {
	o.stats.reset()
}

// Close waits for background denial audits to finish or ctx to end.
func (o *Orchestrator) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for pending audit writes: %w", ctx.Err())
	}
}

// runHook executes one hook with timing, tracing and panic recovery.
// The outcome is a denial whenever the hook errors, panics or does not allow.
func (o *Orchestrator) runHook(ctx context.Context, h HookDescriptor, hc *HookContext) (d Decision, outcome HookOutcome) {
	ctx, span := o.tracer.Start(ctx, "hook."+h.Name, trace.WithAttributes(
		attribute.String("hook", h.Name),
		attribute.Bool("blocking", h.Blocking),
	))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorContext(ctx, "hook panicked",
				slog.String("hook", h.Name),
				slog.String("agent_id", hc.AgentID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			d = Decision{Allowed: false, Reason: fmt.Sprintf("Hook %s failed: panic: %v", h.Name, r)}
			outcome = HookOutcome{Hook: h.Name, Reason: d.Reason, Error: fmt.Sprintf("panic: %v", r)}
		}
		outcome.Duration = time.Since(start)

		label := "allow"
		switch {
		case outcome.Error != "":
			label = "error"
			span.SetStatus(codes.Error, outcome.Error)
		case !outcome.Allowed:
			label = "deny"
		}
		span.SetAttributes(attribute.String("decision", label))
		span.End()

		o.stats.recordHook(h.Name, outcome.Error == "" && outcome.Allowed, outcome.Duration)
		if o.metrics != nil {
			o.metrics.HookExecutionsTotal.WithLabelValues(h.Name, label).Inc()
			o.metrics.HookDuration.WithLabelValues(h.Name).Observe(outcome.Duration.Seconds())
		}
	}()

	d, err := h.Handler(ctx, hc)
	if err != nil {
		o.logger.ErrorContext(ctx, "hook failed",
			slog.String("hook", h.Name),
			slog.String("agent_id", hc.AgentID),
			slog.String("error", err.Error()),
		)
		d = Decision{Allowed: false, Reason: fmt.Sprintf("Hook %s failed: %v", h.Name, err)}
		return d, HookOutcome{Hook: h.Name, Reason: d.Reason, Error: err.Error()}
	}
	return d, HookOutcome{Hook: h.Name, Allowed: d.Allowed, Reason: d.Reason}
}

func (o *Orchestrator) observePipeline(r *PipelineResult) {
	if o.metrics == nil {
		return
	}
	label := "allowed"
	if !r.Allowed {
		label = "denied"
	}
	o.metrics.PipelineRunsTotal.WithLabelValues(label, r.BlockedBy).Inc()
	o.metrics.PipelineDuration.WithLabelValues(label).Observe(r.ExecutionTime.Seconds())
}

// auditDenied records the denial in the background. The write outlives
// the caller's context but not Close.
func (o *Orchestrator) auditDenied(ctx context.Context, hc *HookContext, r *PipelineResult) {
	if o.recorder == nil {
		return
	}
	event := audit.Event{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		CorrelationID: r.CorrelationID,
		AgentID:       hc.AgentID,
		Role:          o.roleOf(hc),
		Operation:     hc.Operation,
		Result:        audit.ResultDenied,
		BlockedBy:     r.BlockedBy,
		Reason:        r.Reason(),
		FilePath:      hc.Op.FilePath,
		Command:       hc.Op.Command,
		APIName:       hc.Op.APIName,
		TokensUsed:    o.estimateTokens(hc.Op),
		Duration:      r.ExecutionTime,
		Context:       maps.Clone(hc.Op.Extra),
	}

	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deniedAuditTimeout)
		defer cancel()
		if res := o.recorder.Record(ctx, event); !res.Success {
			o.logger.WarnContext(ctx, "recording denied operation",
				slog.String("agent_id", event.AgentID),
				slog.String("correlation_id", event.CorrelationID),
				slog.String("reason", res.Reason),
			)
		}
	}()
}
