package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// LimitsResolver returns the limits configured for an agent, typically from
// its role. The second return is false when nothing is configured.
type LimitsResolver func(agentID string) (Limits, bool)

// Config holds the ledger-wide settings.
type Config struct {
	DefaultLimits      Limits
	GlobalTokensPerDay int64
	CostPer1KTokens    float64        // Used by CostFor. 0 = costs must be supplied by callers.
	Location           *time.Location // Day boundaries are computed here. Default: UTC.
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now, for tests that cross window boundaries.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLimitsResolver sets the source of per-agent limits used on lazy creation.
func WithLimitsResolver(r LimitsResolver) Option {
	return func(l *Ledger) { l.resolve = r }
}

type entry struct {
	mu sync.Mutex
	b  Budget

	// ready is closed once b is hydrated or err is set.
	ready chan struct{}
	err   error
}

// Ledger tracks budgets for all agents plus the global daily cap.
//
// Mutations for one agent are serialized by that agent's mutex, so
// concurrent deductions never lose updates. Lock order is always
// agent entry, then global.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]*entry

	globalMu     sync.Mutex
	global       GlobalBudget
	globalLoaded bool

	persister Persister
	cfg       Config
	resolve   LimitsResolver
	now       func() time.Time
	logger    *slog.Logger
}

// NewLedger creates a ledger persisting through p.
func NewLedger(p Persister, cfg Config, logger *slog.Logger, opts ...Option) *Ledger {
	if cfg.DefaultLimits == (Limits{}) {
		cfg.DefaultLimits = DefaultLimits()
	}
	if cfg.GlobalTokensPerDay <= 0 {
		cfg.GlobalTokensPerDay = DefaultGlobalTokensPerDay
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	l := &Ledger{
		entries:   make(map[string]*entry),
		persister: p,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// InitBudget creates the agent's budget if absent and returns it.
// Existing budgets are returned unchanged; use SetLimits to change limits.
func (l *Ledger) InitBudget(ctx context.Context, agentID string, limits *Limits) (Budget, error) {
	e, created, err := l.entry(ctx, agentID, limits)
	if err != nil {
		return Budget{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := l.rollover(&e.b, l.now())
	if created || changed {
		if err := l.persister.Save(ctx, e.b); err != nil {
			return e.b, fmt.Errorf("persisting budget for %s: %w", agentID, err)
		}
	}
	return e.b, nil
}

// CheckBudget decides whether an operation with the given estimate may run.
// It is allowed iff the estimate fits every window inclusively and its cost
// does not exceed the per-operation cap. Denials increment OperationsBlocked.
func (l *Ledger) CheckBudget(ctx context.Context, agentID string, est Estimate) CheckResult {
	e, created, err := l.entry(ctx, agentID, nil)
	if err != nil {
		return CheckResult{Allowed: false, Reason: fmt.Sprintf("budget unavailable: %v", err)}
	}
	now := l.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	changed := l.rollover(&e.b, now) || created
	g := l.globalSnapshot(ctx, now)
	remaining := l.remaining(&e.b, &g)

	var reason string
	switch {
	case est.Tokens > g.RemainingTokens():
		reason = fmt.Sprintf("Global daily token budget exceeded: requested %d, remaining %d",
			est.Tokens, g.RemainingTokens())
	case est.Tokens > e.b.RemainingTokens():
		reason = fmt.Sprintf("Daily token budget exceeded: requested %d, remaining %d",
			est.Tokens, e.b.RemainingTokens())
	case e.b.Limits.TokensPerHour > 0 && est.Tokens > e.b.RemainingHourTokens():
		reason = fmt.Sprintf("Hourly token budget exceeded: requested %d, remaining %d",
			est.Tokens, e.b.RemainingHourTokens())
	case e.b.Limits.MaxCostPerOperation > 0 && est.Cost > e.b.Limits.MaxCostPerOperation:
		reason = fmt.Sprintf("Estimated cost $%.4f exceeds per-operation limit $%.4f",
			est.Cost, e.b.Limits.MaxCostPerOperation)
	}

	if reason != "" {
		e.b.Usage.OperationsBlocked++
		e.b.UpdatedAt = now
		changed = true
		l.logger.WarnContext(ctx, "budget check denied",
			slog.String("agent_id", agentID),
			slog.Int64("estimated_tokens", est.Tokens),
			slog.Float64("estimated_cost", est.Cost),
			slog.String("reason", reason),
		)
	}
	if changed {
		if err := l.persister.Save(ctx, e.b); err != nil {
			l.logger.ErrorContext(ctx, "persisting budget after check",
				slog.String("agent_id", agentID),
				slog.String("error", err.Error()),
			)
		}
	}

	if reason != "" {
		return CheckResult{Allowed: false, Reason: reason, Remaining: remaining}
	}
	return CheckResult{Allowed: true, Reason: "Within budget", Remaining: remaining}
}

// Deduct records actual consumption. It does not re-validate limits: the
// check happened before execution, and an actual above the estimate is
// recorded as-is.
func (l *Ledger) Deduct(ctx context.Context, agentID string, spend Spend) DeductResult {
	if spend.Tokens < 0 || spend.Cost < 0 {
		return DeductResult{Success: false, Error: "spend must not be negative"}
	}
	e, _, err := l.entry(ctx, agentID, nil)
	if err != nil {
		return DeductResult{Success: false, Error: err.Error()}
	}
	now := l.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	l.rollover(&e.b, now)
	e.b.Usage.TokensUsed += spend.Tokens
	e.b.Usage.HourTokensUsed += spend.Tokens
	e.b.Usage.OperationCount++
	e.b.Usage.TotalCost += spend.Cost
	e.b.UpdatedAt = now

	g, gerr := l.addGlobal(ctx, now, spend.Tokens)
	remaining := l.remaining(&e.b, &g)

	err = l.persister.Save(ctx, e.b)
	if err = errors.Join(err, gerr); err != nil {
		l.logger.ErrorContext(ctx, "persisting budget deduction",
			slog.String("agent_id", agentID),
			slog.Int64("tokens", spend.Tokens),
			slog.String("error", err.Error()),
		)
		return DeductResult{Success: false, Remaining: remaining, Error: err.Error()}
	}

	l.logger.DebugContext(ctx, "budget deducted",
		slog.String("agent_id", agentID),
		slog.Int64("tokens", spend.Tokens),
		slog.Float64("cost", spend.Cost),
		slog.Int64("remaining", remaining.Tokens),
	)
	return DeductResult{Success: true, Remaining: remaining}
}

// Status returns a snapshot of the agent's budget with utilization percentages.
func (l *Ledger) Status(ctx context.Context, agentID string) (Status, error) {
	e, created, err := l.entry(ctx, agentID, nil)
	if err != nil {
		return Status{}, err
	}
	now := l.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if l.rollover(&e.b, now) || created {
		if err := l.persister.Save(ctx, e.b); err != nil {
			return Status{}, fmt.Errorf("persisting budget for %s: %w", agentID, err)
		}
	}
	g := l.globalSnapshot(ctx, now)

	st := Status{
		Budget:        e.b,
		Global:        g,
		Remaining:     l.remaining(&e.b, &g),
		DailyPercent:  percent(e.b.Usage.TokensUsed, e.b.Limits.TokensPerDay),
		HourlyPercent: percent(e.b.Usage.HourTokensUsed, e.b.Limits.TokensPerHour),
		GlobalPercent: percent(g.TokensUsed, g.TokensPerDay),
	}
	if e.b.Usage.OperationCount > 0 {
		st.AverageOpTokens = float64(e.b.Usage.TokensUsed) / float64(e.b.Usage.OperationCount)
	}
	return st, nil
}

// Remaining returns the remaining snapshot for an agent, or nil if the
// ledger cannot load it.
func (l *Ledger) Remaining(ctx context.Context, agentID string) *Remaining {
	st, err := l.Status(ctx, agentID)
	if err != nil {
		return nil
	}
	return &st.Remaining
}

// Reset zeroes the agent's usage counters. Limits are untouched.
func (l *Ledger) Reset(ctx context.Context, agentID string) error {
	e, _, err := l.entry(ctx, agentID, nil)
	if err != nil {
		return err
	}
	now := l.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.b.Usage = freshUsage(now)
	e.b.UpdatedAt = now
	l.logger.InfoContext(ctx, "budget reset", slog.String("agent_id", agentID))
	return l.persister.Save(ctx, e.b)
}

// ResetGlobal zeroes the global usage counter.
func (l *Ledger) ResetGlobal(ctx context.Context) error {
	now := l.now()
	l.globalMu.Lock()
	defer l.globalMu.Unlock()
	l.loadGlobalLocked(ctx, now)
	l.global.TokensUsed = 0
	l.global.ResetAt = l.nextDay(now)
	return l.persister.SaveGlobal(ctx, l.global)
}

// SetLimits replaces an agent's limits, creating the budget if needed.
func (l *Ledger) SetLimits(ctx context.Context, agentID string, limits Limits) error {
	e, _, err := l.entry(ctx, agentID, &limits)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.b.Limits = limits
	e.b.UpdatedAt = l.now()
	return l.persister.Save(ctx, e.b)
}

// Snapshot returns copies of all in-memory budgets, sorted by agent ID.
func (l *Ledger) Snapshot() []Budget {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		select {
		case <-e.ready:
			if e.err == nil {
				entries = append(entries, e)
			}
		default:
			// Still loading; nothing to flush yet.
		}
	}
	l.mu.RUnlock()

	out := make([]Budget, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.b)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Global returns a copy of the global budget.
func (l *Ledger) Global(ctx context.Context) GlobalBudget {
	return l.globalSnapshot(ctx, l.now())
}

// Flush writes every in-memory budget through the persister synchronously.
func (l *Ledger) Flush(ctx context.Context) error {
	budgets := l.Snapshot()
	g := l.Global(ctx)
	if err := l.persister.Sync(ctx, budgets, g); err != nil {
		return fmt.Errorf("flushing budgets: %w", err)
	}
	l.logger.DebugContext(ctx, "budgets flushed", slog.Int("count", len(budgets)))
	return nil
}

// Close waits for background persistence to finish.
func (l *Ledger) Close(ctx context.Context) error {
	return l.persister.Close(ctx)
}

// CostFor converts a token count to a cost using the configured rate.
func (l *Ledger) CostFor(tokens int64) float64 {
	return float64(tokens) / 1000 * l.cfg.CostPer1KTokens
}

// entry returns the in-memory entry for agentID, loading or creating it.
// The ledger-wide lock only guards the map: the first caller for an agent
// inserts a placeholder and loads it, later callers wait on that entry
// alone. Only the loading caller sees created=true.
func (l *Ledger) entry(ctx context.Context, agentID string, limits *Limits) (*entry, bool, error) {
	if agentID == "" {
		return nil, false, errors.New("agent ID is required")
	}
	l.mu.RLock()
	e, ok := l.entries[agentID]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		e, ok = l.entries[agentID]
		if !ok {
			e = &entry{ready: make(chan struct{})}
			l.entries[agentID] = e
		}
		l.mu.Unlock()
		if !ok {
			return l.load(ctx, e, agentID, limits)
		}
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, false, fmt.Errorf("waiting for budget of %s: %w", agentID, ctx.Err())
	}
	if e.err != nil {
		return nil, false, e.err
	}
	return e, false, nil
}

// load hydrates a placeholder entry. A failed load removes the placeholder
// so the next call retries.
func (l *Ledger) load(ctx context.Context, e *entry, agentID string, limits *Limits) (*entry, bool, error) {
	defer close(e.ready)

	stored, err := l.persister.Load(ctx, agentID)
	if err != nil {
		e.err = fmt.Errorf("loading budget for %s: %w", agentID, err)
		l.mu.Lock()
		if l.entries[agentID] == e {
			delete(l.entries, agentID)
		}
		l.mu.Unlock()
		return nil, false, e.err
	}
	created := stored == nil
	if created {
		now := l.now()
		stored = &Budget{
			AgentID:   agentID,
			Limits:    l.limitsFor(agentID, limits),
			Usage:     freshUsage(now),
			UpdatedAt: now,
		}
	}
	e.b = *stored
	return e, created, nil
}

func (l *Ledger) limitsFor(agentID string, explicit *Limits) Limits {
	if explicit != nil {
		return *explicit
	}
	if l.resolve != nil {
		if lim, ok := l.resolve(agentID); ok {
			return lim
		}
	}
	return l.cfg.DefaultLimits
}

// rollover applies daily and hourly window resets. Reports whether anything changed.
func (l *Ledger) rollover(b *Budget, now time.Time) bool {
	changed := false
	if l.startOfDay(now).After(l.startOfDay(b.Usage.LastReset)) {
		b.Usage = freshUsage(now)
		changed = true
	}
	hour := now.Truncate(time.Hour)
	if hour.After(b.Usage.HourStart) {
		b.Usage.HourTokensUsed = 0
		b.Usage.HourStart = hour
		changed = true
	}
	if changed {
		b.UpdatedAt = now
	}
	return changed
}

func (l *Ledger) globalSnapshot(ctx context.Context, now time.Time) GlobalBudget {
	l.globalMu.Lock()
	defer l.globalMu.Unlock()
	if l.loadGlobalLocked(ctx, now) {
		if err := l.persister.SaveGlobal(ctx, l.global); err != nil {
			l.logger.ErrorContext(ctx, "persisting global budget", slog.String("error", err.Error()))
		}
	}
	return l.global
}

func (l *Ledger) addGlobal(ctx context.Context, now time.Time, tokens int64) (GlobalBudget, error) {
	l.globalMu.Lock()
	defer l.globalMu.Unlock()
	l.loadGlobalLocked(ctx, now)
	l.global.TokensUsed += tokens
	if err := l.persister.SaveGlobal(ctx, l.global); err != nil {
		return l.global, fmt.Errorf("persisting global budget: %w", err)
	}
	return l.global, nil
}

// loadGlobalLocked hydrates and rolls over the global budget. Caller holds globalMu.
// Reports whether the global budget changed.
func (l *Ledger) loadGlobalLocked(ctx context.Context, now time.Time) bool {
	changed := false
	if !l.globalLoaded {
		g, err := l.persister.LoadGlobal(ctx)
		if err != nil {
			l.logger.WarnContext(ctx, "loading global budget, starting fresh", slog.String("error", err.Error()))
		}
		if g != nil {
			l.global = *g
		} else {
			l.global = GlobalBudget{ResetAt: l.nextDay(now)}
			changed = true
		}
		l.global.TokensPerDay = l.cfg.GlobalTokensPerDay
		l.globalLoaded = true
	}
	if !now.Before(l.global.ResetAt) {
		l.global.TokensUsed = 0
		l.global.ResetAt = l.nextDay(now)
		changed = true
	}
	return changed
}

func (l *Ledger) remaining(b *Budget, g *GlobalBudget) Remaining {
	return Remaining{
		Tokens:       b.RemainingTokens(),
		HourTokens:   b.RemainingHourTokens(),
		GlobalTokens: g.RemainingTokens(),
		MaxCost:      b.Limits.MaxCostPerOperation,
	}
}

func (l *Ledger) startOfDay(t time.Time) time.Time {
	t = t.In(l.cfg.Location)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, l.cfg.Location)
}

func (l *Ledger) nextDay(t time.Time) time.Time {
	return l.startOfDay(t).AddDate(0, 0, 1)
}

func freshUsage(now time.Time) Usage {
	return Usage{LastReset: now, HourStart: now.Truncate(time.Hour)}
}
