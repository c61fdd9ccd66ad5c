package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// LocalStore is the durable local store for budgets.
// Load methods return nil, nil when no record exists.
type LocalStore interface {
	LoadBudget(ctx context.Context, agentID string) (*Budget, error)
	SaveBudget(ctx context.Context, b Budget) error
	ListBudgets(ctx context.Context) ([]Budget, error)
	LoadGlobal(ctx context.Context) (*GlobalBudget, error)
	SaveGlobal(ctx context.Context, g GlobalBudget) error
}

// Persister is the persistence capability used by the Ledger.
// Save and SaveGlobal write locally and synchronously; Sync writes
// everything it is given to every backend before returning.
type Persister interface {
	Load(ctx context.Context, agentID string) (*Budget, error)
	LoadGlobal(ctx context.Context) (*GlobalBudget, error)
	Save(ctx context.Context, b Budget) error
	SaveGlobal(ctx context.Context, g GlobalBudget) error
	Sync(ctx context.Context, budgets []Budget, global GlobalBudget) error
	Close(ctx context.Context) error
}

// --- LocalOnly ---

// LocalOnly persists to the local store only.
type LocalOnly struct {
	local LocalStore
}

// NewLocalOnly creates a persister without a remote store.
func NewLocalOnly(local LocalStore) *LocalOnly {
	return &LocalOnly{local: local}
}

func (p *LocalOnly) Load(ctx context.Context, agentID string) (*Budget, error) {
	return p.local.LoadBudget(ctx, agentID)
}

func (p *LocalOnly) LoadGlobal(ctx context.Context) (*GlobalBudget, error) {
	return p.local.LoadGlobal(ctx)
}

func (p *LocalOnly) Save(ctx context.Context, b Budget) error {
	return p.local.SaveBudget(ctx, b)
}

func (p *LocalOnly) SaveGlobal(ctx context.Context, g GlobalBudget) error {
	return p.local.SaveGlobal(ctx, g)
}

func (p *LocalOnly) Sync(ctx context.Context, budgets []Budget, global GlobalBudget) error {
	return syncLocal(ctx, p.local, budgets, global)
}

func (p *LocalOnly) Close(context.Context) error { return nil }

// --- LocalPlusRemote ---

const (
	remoteTagBudget = "budget"
	remoteTagGlobal = "global"
)

// Remote read defaults. A local miss consults the remote store for at most
// remoteReadTimeout; after an outage remote reads are skipped for
// remoteReadCooldown so new agents are not held up by a dead store.
const (
	remoteReadTimeout  = 250 * time.Millisecond
	remoteReadCooldown = 30 * time.Second
)

// LocalPlusRemote persists locally and mirrors every write to a RemoteStore.
// Remote writes from Save are asynchronous and applied in order per record;
// remote outages are logged and never reach the caller.
type LocalPlusRemote struct {
	local   LocalStore
	remote  RemoteStore
	logger  *slog.Logger
	timeout time.Duration
	onFail  func()

	readTimeout  time.Duration
	readCooldown time.Duration
	readsPaused  atomic.Int64 // Unix nanos until which remote reads are skipped.
	now          func() time.Time

	mu       sync.Mutex
	latest   map[string]pendingMirror
	draining map[string]bool
	wg       sync.WaitGroup
}

type pendingMirror struct {
	ctx  context.Context
	v    any
	tags []string
}

// RemoteOption customizes a LocalPlusRemote.
type RemoteOption func(*LocalPlusRemote)

// WithRemoteReadTimeout bounds the remote lookup done on a local miss.
func WithRemoteReadTimeout(d time.Duration) RemoteOption {
	return func(p *LocalPlusRemote) { p.readTimeout = d }
}

// WithRemoteReadCooldown sets how long remote reads stay off after an outage.
func WithRemoteReadCooldown(d time.Duration) RemoteOption {
	return func(p *LocalPlusRemote) { p.readCooldown = d }
}

// NewLocalPlusRemote creates a persister that mirrors writes to remote.
// onUnavailable, if non-nil, is called each time the remote store is unreachable.
func NewLocalPlusRemote(local LocalStore, remote RemoteStore, onUnavailable func(), logger *slog.Logger, opts ...RemoteOption) *LocalPlusRemote {
	p := &LocalPlusRemote{
		local:        local,
		remote:       remote,
		logger:       logger,
		timeout:      5 * time.Second,
		onFail:       onUnavailable,
		readTimeout:  remoteReadTimeout,
		readCooldown: remoteReadCooldown,
		now:          time.Now,
		latest:       make(map[string]pendingMirror),
		draining:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Load reads the local record first and falls back to the remote store,
// bounded by the read timeout and skipped while reads are paused.
func (p *LocalPlusRemote) Load(ctx context.Context, agentID string) (*Budget, error) {
	b, err := p.local.LoadBudget(ctx, agentID)
	if err != nil || b != nil {
		return b, err
	}
	if p.now().UnixNano() < p.readsPaused.Load() {
		return nil, nil
	}

	rctx, cancel := context.WithTimeout(ctx, p.readTimeout)
	defer cancel()
	records, res := p.remote.Query(rctx, Filter{Tags: []string{remoteTagBudget, agentTag(agentID)}, Limit: 1})
	if !res.OK() {
		p.readsPaused.Store(p.now().Add(p.readCooldown).UnixNano())
		p.warnUnavailable(ctx, "load", res)
		return nil, nil
	}
	if len(records) == 0 {
		return nil, nil
	}
	var remote Budget
	if err := json.Unmarshal([]byte(records[0].Text), &remote); err != nil {
		p.logger.WarnContext(ctx, "ignoring malformed remote budget record",
			slog.String("agent_id", agentID),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}
	return &remote, nil
}

func (p *LocalPlusRemote) LoadGlobal(ctx context.Context) (*GlobalBudget, error) {
	return p.local.LoadGlobal(ctx)
}

// Save writes the budget locally, then mirrors it to the remote store in the background.
func (p *LocalPlusRemote) Save(ctx context.Context, b Budget) error {
	if err := p.local.SaveBudget(ctx, b); err != nil {
		return err
	}
	p.mirror(ctx, b.AgentID, b, []string{remoteTagBudget, agentTag(b.AgentID)})
	return nil
}

func (p *LocalPlusRemote) SaveGlobal(ctx context.Context, g GlobalBudget) error {
	if err := p.local.SaveGlobal(ctx, g); err != nil {
		return err
	}
	p.mirror(ctx, "global", g, []string{remoteTagBudget, remoteTagGlobal})
	return nil
}

// Sync writes all budgets locally and to the remote store synchronously.
// Only local failures are returned.
func (p *LocalPlusRemote) Sync(ctx context.Context, budgets []Budget, global GlobalBudget) error {
	if err := syncLocal(ctx, p.local, budgets, global); err != nil {
		return err
	}

	for _, b := range budgets {
		if !p.storeRemote(ctx, b, []string{remoteTagBudget, agentTag(b.AgentID)}) {
			// One outage is enough to know the rest will fail too.
			return nil
		}
	}
	p.storeRemote(ctx, global, []string{remoteTagBudget, remoteTagGlobal})
	return nil
}

// Close waits for in-flight remote writes or ctx expiry.
func (p *LocalPlusRemote) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for remote budget writes: %w", ctx.Err())
	}
}

// mirror queues v as the latest value for id. One worker per id drains the
// slot, so remote writes for a record land in order; values superseded
// while a write is in flight are skipped.
func (p *LocalPlusRemote) mirror(ctx context.Context, id string, v any, tags []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest[id] = pendingMirror{ctx: context.WithoutCancel(ctx), v: v, tags: tags}
	if p.draining[id] {
		return
	}
	p.draining[id] = true
	p.wg.Add(1)
	go p.drain(id)
}

func (p *LocalPlusRemote) drain(id string) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		m, ok := p.latest[id]
		if !ok {
			delete(p.draining, id)
			p.mu.Unlock()
			return
		}
		delete(p.latest, id)
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(m.ctx, p.timeout)
		if !p.storeRemote(ctx, m.v, m.tags) {
			p.logger.Debug("remote budget mirror skipped", slog.String("id", id))
		}
		cancel()
	}
}

func (p *LocalPlusRemote) storeRemote(ctx context.Context, v any, tags []string) bool {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.WarnContext(ctx, "marshaling budget for remote store", slog.String("error", err.Error()))
		return false
	}
	res := p.remote.Store(ctx, string(data), tags)
	if !res.OK() {
		p.warnUnavailable(ctx, "store", res)
		return false
	}
	return true
}

func (p *LocalPlusRemote) warnUnavailable(ctx context.Context, op string, res Result) {
	if p.onFail != nil {
		p.onFail()
	}
	attrs := []any{slog.String("op", op), slog.String("status", res.Status.String())}
	if res.Err != nil {
		attrs = append(attrs, slog.String("error", res.Err.Error()))
	}
	p.logger.WarnContext(ctx, "remote budget store unavailable, continuing with local persistence", attrs...)
}

func syncLocal(ctx context.Context, local LocalStore, budgets []Budget, global GlobalBudget) error {
	for _, b := range budgets {
		if err := local.SaveBudget(ctx, b); err != nil {
			return fmt.Errorf("saving budget for %s: %w", b.AgentID, err)
		}
	}
	if err := local.SaveGlobal(ctx, global); err != nil {
		return fmt.Errorf("saving global budget: %w", err)
	}
	return nil
}

func agentTag(agentID string) string { return "agent:" + agentID }
