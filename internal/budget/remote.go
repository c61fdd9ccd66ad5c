package budget

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RemoteStatus classifies the outcome of a remote store call.
type RemoteStatus int

const (
	RemoteOK RemoteStatus = iota
	RemoteUnavailable
)

func (s RemoteStatus) String() string {
	switch s {
	case RemoteOK:
		return "ok"
	case RemoteUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Result reports whether a remote call reached the store.
// Remote calls never return errors; callers branch on Status only when they care.
type Result struct {
	Status RemoteStatus
	Err    error
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Status == RemoteOK }

func unavailable(err error) Result { return Result{Status: RemoteUnavailable, Err: err} }

// Record is one text entry held by a remote store.
type Record struct {
	Key  string   `json:"key"`
	Text string   `json:"text"`
	Tags []string `json:"tags"`
}

// Filter selects remote records carrying all of Tags.
type Filter struct {
	Tags  []string
	Limit int // 0 = no limit.
}

// RemoteStore is an optional long-term store with eventual, best-effort semantics.
// Implementations must never block indefinitely and must report outages as
// RemoteUnavailable rather than returning errors.
type RemoteStore interface {
	Store(ctx context.Context, text string, tags []string) Result
	Query(ctx context.Context, filter Filter) ([]Record, Result)
}

// RedisConfig configures RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // Key prefix. Default: "warden".
	Timeout  time.Duration // Per-call timeout. Default: 2s.
}

// RedisStore implements RemoteStore on Redis. Each record is a string key
// derived from its tag set; each tag is a set of record keys, so a query is
// an intersection of tag sets.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedisStore creates a Redis-backed remote store. The connection is lazy:
// an unreachable server surfaces as RemoteUnavailable on first use.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "warden"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		MaxRetries:   1,
	})
	return &RedisStore{client: client, prefix: prefix, timeout: timeout}
}

// Store writes text under a key derived from tags and indexes it by each tag.
// Storing again with the same tags overwrites the previous text.
func (s *RedisStore) Store(ctx context.Context, text string, tags []string) Result {
	if len(tags) == 0 {
		return unavailable(errors.New("at least one tag is required"))
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := s.recordKey(tags)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, text, 0)
		pipe.SAdd(ctx, key+":tags", stringsToAny(tags)...)
		for _, tag := range tags {
			pipe.SAdd(ctx, s.tagKey(tag), key)
		}
		return nil
	})
	if err != nil {
		return unavailable(fmt.Errorf("redis store: %w", err))
	}
	return Result{Status: RemoteOK}
}

// Query returns records carrying every tag in filter.
func (s *RedisStore) Query(ctx context.Context, filter Filter) ([]Record, Result) {
	if len(filter.Tags) == 0 {
		return nil, unavailable(errors.New("at least one tag is required"))
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tagKeys := make([]string, len(filter.Tags))
	for i, tag := range filter.Tags {
		tagKeys[i] = s.tagKey(tag)
	}
	keys, err := s.client.SInter(ctx, tagKeys...).Result()
	if err != nil {
		return nil, unavailable(fmt.Errorf("redis query: %w", err))
	}
	if len(keys) == 0 {
		return nil, Result{Status: RemoteOK}
	}
	sort.Strings(keys)
	if filter.Limit > 0 && len(keys) > filter.Limit {
		keys = keys[:filter.Limit]
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable(fmt.Errorf("redis mget: %w", err))
	}
	records := make([]Record, 0, len(values))
	for i, v := range values {
		text, ok := v.(string)
		if !ok {
			continue // Expired or deleted between SINTER and MGET.
		}
		records = append(records, Record{Key: keys[i], Text: text, Tags: filter.Tags})
	}
	return records, Result{Status: RemoteOK}
}

// Ping checks that the server answers.
func (s *RedisStore) Ping(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(fmt.Errorf("redis ping: %w", err))
	}
	return Result{Status: RemoteOK}
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) recordKey(tags []string) string {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	sum := sha1.Sum([]byte(strings.Join(sorted, "\x00")))
	return s.prefix + ":rec:" + hex.EncodeToString(sum[:])
}

func (s *RedisStore) tagKey(tag string) string {
	return s.prefix + ":tag:" + tag
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
