package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"
)

// Source serves a config file through a TTL cache. Concurrent reloads are
// coalesced, and a failed reload keeps the last good config.
type Source struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
	ttl    time.Duration // 0 = use the loaded config's CacheTTL
	group  singleflight.Group

	mu        sync.RWMutex
	current   *Config
	loadedAt  time.Time
	listeners []func(*Config)
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithTTL overrides the cache TTL taken from the config itself.
func WithTTL(ttl time.Duration) SourceOption {
	return func(s *Source) { s.ttl = ttl }
}

// WithSourceClock overrides the time source.
func WithSourceClock(now func() time.Time) SourceOption {
	return func(s *Source) { s.now = now }
}

// NewSource creates a Source for the config file at path. Nothing is read
// until the first Get.
func NewSource(path string, logger *slog.Logger, opts ...SourceOption) *Source {
	s := &Source{
		path:   path,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the config file path.
func (s *Source) Path() string { return s.path }

// Get returns the cached config, re-reading the file once the TTL expires.
func (s *Source) Get(ctx context.Context) (*Config, error) {
	s.mu.RLock()
	cfg, loadedAt := s.current, s.loadedAt
	s.mu.RUnlock()

	if cfg != nil && s.now().Sub(loadedAt) < s.cacheTTL(cfg) {
		return cfg, nil
	}

	fresh, err := s.Reload(ctx)
	if err != nil {
		if cfg != nil {
			return cfg, nil
		}
		return nil, err
	}
	return fresh, nil
}

// Reload re-reads the file immediately. On failure the previous config stays
// in place and the error is returned.
func (s *Source) Reload(ctx context.Context) (*Config, error) {
	ch := s.group.DoChan("load", func() (any, error) {
		return s.load()
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Config), nil
	}
}

// Invalidate forces the next Get to re-read the file.
func (s *Source) Invalidate() {
	s.mu.Lock()
	s.loadedAt = time.Time{}
	s.mu.Unlock()
}

// OnChange registers fn to be called with every successfully loaded config.
func (s *Source) OnChange(fn func(*Config)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Source) load() (*Config, error) {
	cfg, err := Load(s.path)
	if err != nil {
		s.mu.Lock()
		// Back off for a full TTL before retrying a broken file.
		if s.current != nil {
			s.loadedAt = s.now()
		}
		s.mu.Unlock()
		s.logger.Warn("config reload failed, keeping last good config",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.mu.Lock()
	s.current = cfg
	s.loadedAt = s.now()
	listeners := append([]func(*Config){}, s.listeners...)
	s.mu.Unlock()

	s.logger.Debug("config loaded", slog.String("path", s.path))
	for _, fn := range listeners {
		fn(cfg)
	}
	return cfg, nil
}

func (s *Source) cacheTTL(cfg *Config) time.Duration {
	if s.ttl > 0 {
		return s.ttl
	}
	return cfg.CacheTTL()
}

// Watch reloads the config whenever the file changes on disk. The parent
// directory is watched so editors that replace the file are picked up.
// It returns once the watcher is installed; watching stops when ctx ends.
func (s *Source) Watch(ctx context.Context) error {
	resolved, err := resolvePath(s.path)
	if err != nil {
		return fmt.Errorf("resolving config path %s: %w", s.path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(resolved)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(resolved), err)
	}

	s.logger.Info("watching config file", slog.String("path", resolved))
	go s.watch(ctx, watcher, resolved)
	return nil
}

func (s *Source) watch(ctx context.Context, watcher *fsnotify.Watcher, target string) {
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.Debug("config file changed",
				slog.String("path", event.Name),
				slog.String("op", event.Op.String()),
			)
			// Errors are logged by load.
			_, _ = s.Reload(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("config watcher error", slog.String("error", err.Error()))
		}
	}
}
