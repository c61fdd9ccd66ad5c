package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/warden/internal/approval"
	"github.com/jkaninda/warden/internal/audit"
	"github.com/jkaninda/warden/internal/budget"
	"github.com/jkaninda/warden/internal/config"
	"github.com/jkaninda/warden/internal/identity"
	"github.com/jkaninda/warden/internal/observability"
	"github.com/jkaninda/warden/internal/orchestrator"
	"github.com/jkaninda/warden/internal/ratelimit"
	"github.com/jkaninda/warden/internal/security"
	"github.com/jkaninda/warden/internal/storage"
	pgstore "github.com/jkaninda/warden/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/warden/internal/storage/sqlite"
)

// SharedComponents holds every subsystem the commands need. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store
	Obs    *observability.Observability

	Identities   *identity.Registry
	Evaluator    *security.Evaluator
	Ledger       *budget.Ledger
	Approvals    *approval.Manager
	Orchestrator *orchestrator.Orchestrator

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// newLogger builds the process logger from the --log-level and --log-format flags.
func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(goutils.Env("WARDEN_LOG_LEVEL", logLevel))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(goutils.Env("WARDEN_LOG_FORMAT", logFormat), "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// resolvedConfigPath returns WARDEN_CONFIG when set, otherwise the --config flag.
func resolvedConfigPath() string {
	return goutils.Env("WARDEN_CONFIG", configPath)
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolvedConfigPath())
}

// initShared performs the initialization common to all commands.
// Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	// Observability.
	obs, err := observability.New(ctx, cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})

	// Storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(ctx); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if health := obs.HealthOrNil(); health != nil {
		health.AddCheck("storage", store.Ping)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Identity and permissions.
	sc.Identities = identity.NewRegistry(store.Identities(), logger)
	sc.Evaluator = security.NewEvaluator(buildRBACConfig(cfg), logger)

	// Budget ledger.
	ledger, err := initLedger(cfg, store, obs, sc.Evaluator, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing budget ledger: %w", err)
	}
	sc.Ledger = ledger
	sc.addCleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ledger.Close(closeCtx); err != nil {
			logger.Error("closing budget ledger", slog.String("error", err.Error()))
		}
	})

	// Audit.
	recorder, closeRecorder, err := initRecorder(cfg, store, obs, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing audit: %w", err)
	}
	sc.addCleanup(closeRecorder)

	// Approvals.
	var learner *approval.AutoApprover
	if l := cfg.Approval.Learned; l != nil && l.Enabled {
		learner = approval.NewAutoApprover(approval.AutoApprovalConfig{
			Enabled:           true,
			Operations:        l.Operations,
			RequiredApprovals: l.RequiredApprovals,
			WindowHours:       l.WindowHours,
			MaxPerHour:        l.MaxPerHour,
		}, logger)
	}
	sc.Approvals = approval.NewManager(cfg.Approval.ApprovalTTL(), logger, approval.WithAutoApprover(learner))

	var limiter *ratelimit.Limiter
	if rl := cfg.RateLimit; rl != nil {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: rl.RequestsPerMinute,
			BurstSize:         rl.BurstSize,
		})
	}

	sc.Orchestrator = orchestrator.New(orchestrator.Options{
		Identity:     sc.Identities,
		Permissions:  sc.Evaluator,
		Ledger:       ledger,
		Approvals:    sc.Approvals,
		AutoApprover: learner,
		RateLimiter:  limiter,
		Recorder:     recorder,
		Approval: orchestrator.ApprovalPolicy{
			AutoApprove:              cfg.Approval.AutoApprove,
			AutoApproveNonProduction: cfg.Approval.AutoApproveNonProduction,
			Production:               cfg.IsProduction(),
		},
		DefaultEstimatedTokens: cfg.Budget.DefaultEstimatedTokens,
		Metrics:                obs.MetricsOrNil(),
		Tracer:                 obs.TracerOrNil().Tracer(),
		Anomaly:                obs.AnomalyOrNil(),
		Logger:                 logger,
	})
	sc.addCleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sc.Orchestrator.Close(closeCtx); err != nil {
			logger.Error("draining audit writes", slog.String("error", err.Error()))
		}
	})

	logger.Debug("enforcement pipeline initialized",
		slog.String("environment", cfg.Environment),
		slog.Any("roles", sc.Evaluator.RoleNames()),
		slog.Bool("rate_limit", limiter.Enabled()),
	)
	return sc, nil
}

func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	case storage.DriverMemory:
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dbPath := cfg.DatabasePath()
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

// initLedger builds the ledger on the local store, mirrored to Redis when
// a remote is configured.
func initLedger(cfg *config.Config, store storage.Store, obs *observability.Observability, ev *security.Evaluator, logger *slog.Logger) (*budget.Ledger, error) {
	loc, err := cfg.Budget.Location()
	if err != nil {
		return nil, err
	}

	var persister budget.Persister = budget.NewLocalOnly(store.Budgets())
	if r := cfg.Budget.Remote; r != nil && r.Redis != nil {
		redisStore := budget.NewRedisStore(budget.RedisConfig{
			Addr:     r.Redis.Addr,
			Password: r.Redis.Password,
			DB:       r.Redis.DB,
			Prefix:   r.Redis.Prefix,
			Timeout:  r.Redis.RedisTimeout(),
		})
		remote := observability.NewInstrumentedRemote(redisStore, obs.MetricsOrNil(), obs.TracerOrNil())
		persister = budget.NewLocalPlusRemote(store.Budgets(), remote, nil, logger)
		if health := obs.HealthOrNil(); health != nil {
			health.AddOptionalCheck("budget_remote", func(ctx context.Context) error {
				if res := redisStore.Ping(ctx); !res.OK() {
					return res.Err
				}
				return nil
			})
		}
		logger.Debug("budget remote store enabled", slog.String("addr", r.Redis.Addr))
	}

	limits := budget.DefaultLimits()
	if d := cfg.Budget.DefaultLimits; d != nil {
		limits = toBudgetLimits(d)
	}
	return budget.NewLedger(persister, budget.Config{
		DefaultLimits:      limits,
		GlobalTokensPerDay: cfg.Budget.GlobalTokensPerDay,
		CostPer1KTokens:    cfg.Budget.CostPer1KTokens,
		Location:           loc,
	}, logger, budget.WithLimitsResolver(ev.BudgetLimitsFor)), nil
}

// initRecorder fans audit events out to the JSONL file and, when enabled,
// the database. It returns a cleanup that closes the file.
func initRecorder(cfg *config.Config, store storage.Store, obs *observability.Observability, logger *slog.Logger) (audit.Recorder, func(), error) {
	file, err := audit.NewFileRecorder(cfg.AuditLogPath(), logger)
	if err != nil {
		return nil, nil, err
	}
	recorders := audit.Multi{file}
	if cfg.Audit.Store {
		recorders = append(recorders, audit.NewStoreRecorder(store.Audit(), logger))
	}
	cleanup := func() {
		if err := file.Close(); err != nil {
			logger.Error("closing audit log", slog.String("error", err.Error()))
		}
	}
	return observability.NewInstrumentedRecorder(recorders, obs.MetricsOrNil(), obs.TracerOrNil()), cleanup, nil
}

// buildRBACConfig converts the security section into evaluator configuration.
func buildRBACConfig(cfg *config.Config) security.RBACConfig {
	roles := make(map[string]security.Role, len(cfg.Security.Roles))
	for name, rc := range cfg.Security.Roles {
		role := security.Role{
			Name:            name,
			Description:     rc.Description,
			Permissions:     rc.Permissions,
			Paths:           rc.Paths,
			APIAccess:       rc.APIAccess,
			RequireApproval: rc.RequireApproval,
		}
		if rc.Budget != nil {
			limits := toBudgetLimits(rc.Budget)
			role.Budget = &limits
		}
		roles[name] = role
	}
	return security.RBACConfig{
		Roles:            roles,
		Assignments:      cfg.Security.Assignments,
		DefaultRole:      cfg.Security.DefaultRole,
		UnassignedPolicy: security.UnassignedPolicy(cfg.Security.UnassignedPolicy),
		Operations:       cfg.Security.Operations,
		Approvers:        cfg.Approval.Approvers,
	}
}

func toBudgetLimits(l *config.LimitsConfig) budget.Limits {
	return budget.Limits{
		TokensPerHour:       l.TokensPerHour,
		TokensPerDay:        l.TokensPerDay,
		MaxCostPerOperation: l.MaxCostPerOperation,
	}
}
