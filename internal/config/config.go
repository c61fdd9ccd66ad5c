// Package config handles loading and validating Warden configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Environment names with special meaning.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Config is the root configuration for Warden.
type Config struct {
	Environment           string               `json:"environment,omitempty" yaml:"environment,omitempty"` // Default: production. Override: WARDEN_ENVIRONMENT.
	DataDir               string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`       // Default: ~/.warden/data. Override: WARDEN_DATA_DIR.
	Storage               *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`         // nil = SQLite under data_dir
	Security              SecurityConfig       `json:"security" yaml:"security"`
	Budget                BudgetConfig         `json:"budget" yaml:"budget"`
	Approval              ApprovalConfig       `json:"approval" yaml:"approval"`
	Audit                 AuditConfig          `json:"audit" yaml:"audit"`
	RateLimit             *RateLimitConfig     `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`       // nil = no rate-limit pre-check
	Observability         *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	ConfigCacheTTLSeconds int                  `json:"config_cache_ttl_seconds,omitempty" yaml:"config_cache_ttl_seconds,omitempty"`
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default), "postgres" or "memory".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/warden.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: WARDEN_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// SecurityConfig holds roles, assignments and the operation table.
type SecurityConfig struct {
	Roles            map[string]RoleConfig `json:"roles" yaml:"roles"`
	Assignments      map[string]string     `json:"assignments" yaml:"assignments"` // agent ID → role name
	DefaultRole      string                `json:"default_role" yaml:"default_role"`
	UnassignedPolicy string                `json:"unassigned_policy,omitempty" yaml:"unassigned_policy,omitempty"` // "default-role" (default) or "deny".
	Operations       map[string]string     `json:"operations,omitempty" yaml:"operations,omitempty"`               // operation → permission overrides
}

// RoleConfig defines a role's permissions, resource scope and budget.
type RoleConfig struct {
	Description     string        `json:"description,omitempty" yaml:"description,omitempty"`
	Permissions     []string      `json:"permissions" yaml:"permissions"`
	Paths           []string      `json:"paths" yaml:"paths"`
	APIAccess       []string      `json:"api_access" yaml:"api_access"`
	Budget          *LimitsConfig `json:"budget" yaml:"budget"`
	RequireApproval []string      `json:"require_approval,omitempty" yaml:"require_approval,omitempty"`
}

// LimitsConfig is a set of per-agent budget limits.
type LimitsConfig struct {
	TokensPerHour       int64   `json:"tokens_per_hour" yaml:"tokens_per_hour"` // 0 = no hourly window.
	TokensPerDay        int64   `json:"tokens_per_day" yaml:"tokens_per_day"`
	MaxCostPerOperation float64 `json:"max_cost_per_operation" yaml:"max_cost_per_operation"`
}

// BudgetConfig configures the budget ledger.
type BudgetConfig struct {
	GlobalTokensPerDay     int64         `json:"global_tokens_per_day" yaml:"global_tokens_per_day"` // Default: 1,000,000.
	DefaultLimits          *LimitsConfig `json:"default_limits,omitempty" yaml:"default_limits,omitempty"`
	CostPer1KTokens        float64       `json:"cost_per_1k_tokens" yaml:"cost_per_1k_tokens"`
	DefaultEstimatedTokens int64         `json:"default_estimated_tokens" yaml:"default_estimated_tokens"` // Default: 500.
	Timezone               string        `json:"timezone,omitempty" yaml:"timezone,omitempty"`             // Daily reset boundary. Default: UTC.
	Sync                   *SyncConfig   `json:"sync,omitempty" yaml:"sync,omitempty"`
	Remote                 *RemoteConfig `json:"remote,omitempty" yaml:"remote,omitempty"` // nil = local persistence only
}

// SyncConfig configures the periodic budget flush.
type SyncConfig struct {
	Enabled         bool `json:"enabled" yaml:"enabled"`
	IntervalSeconds int  `json:"interval_seconds" yaml:"interval_seconds"` // Default: 300.
}

// RemoteConfig configures the best-effort long-term budget store.
type RemoteConfig struct {
	Redis *RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`         // Override: WARDEN_REDIS_ADDR.
	Password  string `json:"password" yaml:"password"` // Override: WARDEN_REDIS_PASSWORD.
	DB        int    `json:"db" yaml:"db"`
	Prefix    string `json:"prefix" yaml:"prefix"`         // Default: "warden".
	TimeoutMS int    `json:"timeout_ms" yaml:"timeout_ms"` // Default: 2000.
}

// ApprovalConfig configures the approval workflow.
type ApprovalConfig struct {
	Approvers                []string            `json:"approvers,omitempty" yaml:"approvers,omitempty"` // Default: ["human", "admin"].
	TTLSeconds               int                 `json:"ttl_seconds" yaml:"ttl_seconds"`                 // How long approvals are valid. 0 = 300s (5 min).
	AutoApprove              bool                `json:"auto_approve" yaml:"auto_approve"`
	AutoApproveNonProduction bool                `json:"auto_approve_non_production" yaml:"auto_approve_non_production"`
	Learned                  *AutoApprovalConfig `json:"learned,omitempty" yaml:"learned,omitempty"`
}

// AutoApprovalConfig controls learned automatic approval.
type AutoApprovalConfig struct {
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	Operations        []string `json:"operations" yaml:"operations"`                 // Operations eligible for auto-approval.
	RequiredApprovals int      `json:"required_approvals" yaml:"required_approvals"` // Manual approvals before auto. Default: 3.
	WindowHours       int      `json:"window_hours" yaml:"window_hours"`             // Lookback window. Default: 24.
	MaxPerHour        int      `json:"max_per_hour" yaml:"max_per_hour"`             // Per agent. Default: 10.
}

// AuditConfig configures the audit sinks.
type AuditConfig struct {
	Path  string `json:"path,omitempty" yaml:"path,omitempty"` // JSONL file. Default: <data_dir>/audit.jsonl.
	Store bool   `json:"store" yaml:"store"`                   // Also append to the database.
}

// RateLimitConfig configures per-agent rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"` // e.g. "127.0.0.1:9464". Empty = not served.
	Path    string `json:"path" yaml:"path"`     // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "warden"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures denial-spike detection.
type AnomalyConfig struct {
	Enabled             bool    `json:"enabled" yaml:"enabled"`
	WindowSeconds       int     `json:"window_seconds" yaml:"window_seconds"`               // Sliding window. Default: 300 (5 min).
	DenialRateThreshold float64 `json:"denial_rate_threshold" yaml:"denial_rate_threshold"` // 0.0–1.0. 0 = disabled.
	TokenSpendThreshold int64   `json:"token_spend_threshold" yaml:"token_spend_threshold"` // Tokens per agent per window. 0 = disabled.
}

// DefaultConfigPath returns the default config file path (~/.warden/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/warden.yaml"
	}
	return filepath.Join(home, ".warden", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// The raw document is checked against the embedded JSON schema before decoding.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}
	return Parse(data, filepath.Ext(resolved))
}

// Parse decodes and validates a config document. ext selects the format
// the same way Load does.
func Parse(data []byte, ext string) (*Config, error) {
	yamlFormat := false
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		yamlFormat = true
	}

	if err := validateSchema(data, yamlFormat); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var cfg Config
	if yamlFormat {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("WARDEN_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("WARDEN_ENVIRONMENT"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("WARDEN_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("WARDEN_REDIS_ADDR"); v != "" {
		c.redis().Addr = v
	}
	if v := os.Getenv("WARDEN_REDIS_PASSWORD"); v != "" {
		if c.Budget.Remote != nil && c.Budget.Remote.Redis != nil {
			c.Budget.Remote.Redis.Password = v
		}
	}
}

func (c *Config) redis() *RedisConfig {
	if c.Budget.Remote == nil {
		c.Budget.Remote = &RemoteConfig{}
	}
	if c.Budget.Remote.Redis == nil {
		c.Budget.Remote.Redis = &RedisConfig{}
	}
	return c.Budget.Remote.Redis
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = EnvProduction
	}
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".warden", "data")
		}
	}
	if c.Security.UnassignedPolicy == "" {
		c.Security.UnassignedPolicy = "default-role"
	}
	if c.Budget.GlobalTokensPerDay == 0 {
		c.Budget.GlobalTokensPerDay = 1000000
	}
	if c.Budget.DefaultEstimatedTokens == 0 {
		c.Budget.DefaultEstimatedTokens = 500
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// IsProduction reports whether the engine runs in the production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "" || c.Environment == EnvProduction
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".warden", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "warden.db")
}

// AuditLogPath returns the audit log path.
func (c *Config) AuditLogPath() string {
	if c.Audit.Path != "" {
		if p, err := resolvePath(c.Audit.Path); err == nil {
			return p
		}
		return c.Audit.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

// CacheTTL returns how long a loaded config is served before re-reading. Default: 30s.
func (c *Config) CacheTTL() time.Duration {
	if c.ConfigCacheTTLSeconds > 0 {
		return time.Duration(c.ConfigCacheTTLSeconds) * time.Second
	}
	return 30 * time.Second
}

// ApprovalTTL returns the approval validity window. Default: 5m.
func (a *ApprovalConfig) ApprovalTTL() time.Duration {
	if a.TTLSeconds > 0 {
		return time.Duration(a.TTLSeconds) * time.Second
	}
	return 5 * time.Minute
}

// SyncInterval returns the budget flush interval. Default: 5m.
func (b *BudgetConfig) SyncInterval() time.Duration {
	if b.Sync != nil && b.Sync.IntervalSeconds > 0 {
		return time.Duration(b.Sync.IntervalSeconds) * time.Second
	}
	return 5 * time.Minute
}

// SyncEnabled reports whether the periodic budget flush runs.
func (b *BudgetConfig) SyncEnabled() bool {
	return b.Sync != nil && b.Sync.Enabled
}

// Location returns the time zone used for daily budget resets.
func (b *BudgetConfig) Location() (*time.Location, error) {
	if b.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(b.Timezone)
}

// RedisTimeout returns the per-call Redis timeout. Default: 2s.
func (r *RedisConfig) RedisTimeout() time.Duration {
	if r.TimeoutMS > 0 {
		return time.Duration(r.TimeoutMS) * time.Millisecond
	}
	return 2 * time.Second
}

func (c *Config) validate() error {
	switch c.StorageDriverName() {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres or memory)", c.Storage.Driver)
	}

	switch c.Security.UnassignedPolicy {
	case "default-role", "deny":
	default:
		return fmt.Errorf("security.unassigned_policy %q is not supported (use default-role or deny)", c.Security.UnassignedPolicy)
	}
	for name, role := range c.Security.Roles {
		switch {
		case len(role.Permissions) == 0:
			return fmt.Errorf("security.roles.%s.permissions must not be empty", name)
		case len(role.Paths) == 0:
			return fmt.Errorf("security.roles.%s.paths must not be empty", name)
		case len(role.APIAccess) == 0:
			return fmt.Errorf("security.roles.%s.api_access must not be empty", name)
		case role.Budget == nil:
			return fmt.Errorf("security.roles.%s.budget is required", name)
		}
		if err := role.Budget.validate("security.roles." + name + ".budget"); err != nil {
			return err
		}
	}

	if c.Budget.GlobalTokensPerDay < 0 {
		return fmt.Errorf("budget.global_tokens_per_day must not be negative")
	}
	if c.Budget.CostPer1KTokens < 0 {
		return fmt.Errorf("budget.cost_per_1k_tokens must not be negative")
	}
	if err := c.Budget.DefaultLimits.validate("budget.default_limits"); err != nil {
		return err
	}
	if _, err := c.Budget.Location(); err != nil {
		return fmt.Errorf("budget.timezone %q: %w", c.Budget.Timezone, err)
	}
	if c.Budget.Remote != nil && c.Budget.Remote.Redis != nil && c.Budget.Remote.Redis.Addr == "" {
		return fmt.Errorf("budget.remote.redis.addr is required when redis is configured")
	}

	if c.Approval.TTLSeconds < 0 {
		return fmt.Errorf("approval.ttl_seconds must not be negative")
	}
	if c.RateLimit != nil && (c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.BurstSize < 0) {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if t := c.tracing(); t != nil && t.Enabled && t.Endpoint == "" {
		return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

func (l *LimitsConfig) validate(field string) error {
	if l == nil {
		return nil
	}
	if l.TokensPerHour < 0 || l.TokensPerDay < 0 || l.MaxCostPerOperation < 0 {
		return fmt.Errorf("%s values must not be negative", field)
	}
	if l.TokensPerHour > 0 && l.TokensPerDay > 0 && l.TokensPerHour > l.TokensPerDay {
		return fmt.Errorf("%s.tokens_per_hour must not exceed tokens_per_day", field)
	}
	return nil
}

func (c *Config) tracing() *TracingConfig {
	if c.Observability == nil {
		return nil
	}
	return c.Observability.Tracing
}

// Lint returns non-fatal findings: references that load fine but will deny
// at runtime, such as assignments to roles that do not exist.
func (c *Config) Lint() []string {
	var warnings []string
	if c.Security.DefaultRole != "" {
		if _, ok := c.Security.Roles[c.Security.DefaultRole]; !ok {
			warnings = append(warnings, fmt.Sprintf("security.default_role %q not found in roles", c.Security.DefaultRole))
		}
	} else if c.Security.UnassignedPolicy == "default-role" {
		warnings = append(warnings, "security.default_role is empty: unassigned agents will be denied")
	}
	for agent, role := range c.Security.Assignments {
		if _, ok := c.Security.Roles[role]; !ok {
			warnings = append(warnings, fmt.Sprintf("security.assignments.%s references unknown role %q", agent, role))
		}
	}
	if c.Approval.AutoApprove && c.IsProduction() {
		warnings = append(warnings, "approval.auto_approve is enabled in production")
	}
	return warnings
}
