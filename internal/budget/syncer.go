package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Flusher is satisfied by *Ledger.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Syncer periodically flushes a ledger to its persister.
// Stop cancels future runs and performs one last synchronous flush.
type Syncer struct {
	mu       sync.Mutex
	ledger   Flusher
	interval time.Duration
	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger
	onFlush  func(error)
}

// NewSyncer creates a syncer that flushes every interval. Default: 5m.
// onFlush, if non-nil, observes the outcome of every flush.
func NewSyncer(ledger Flusher, interval time.Duration, onFlush func(error), logger *slog.Logger) *Syncer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Syncer{
		ledger:   ledger,
		interval: interval,
		logger:   logger,
		onFlush:  onFlush,
	}
}

// Start schedules periodic flushes. Calling Start on a running syncer is a no-op.
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	s.ctx, s.cancel = context.WithCancel(ctx)
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), s.tick); err != nil {
		s.cancel()
		return fmt.Errorf("scheduling budget sync: %w", err)
	}
	c.Start()
	s.cron = c

	s.logger.Info("budget sync started", slog.Duration("interval", s.interval))
	return nil
}

// Stop cancels future runs, waits for a running flush, then flushes once more.
// ctx bounds both the wait and the final flush.
func (s *Syncer) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		stopped := c.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
			s.logger.Warn("timed out waiting for running budget sync")
		}
		cancel()
	}

	err := s.ledger.Flush(ctx)
	s.observe(err)
	if err != nil {
		s.logger.Error("final budget flush failed", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("budget sync stopped")
	return nil
}

// FlushNow runs a flush immediately on the caller's goroutine.
func (s *Syncer) FlushNow(ctx context.Context) error {
	err := s.ledger.Flush(ctx)
	s.observe(err)
	return err
}

func (s *Syncer) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if err := s.ledger.Flush(ctx); err != nil {
		s.logger.Error("periodic budget flush failed", slog.String("error", err.Error()))
		s.observe(err)
		return
	}
	s.observe(nil)
}

func (s *Syncer) observe(err error) {
	if s.onFlush != nil {
		s.onFlush(err)
	}
}
