package budget

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type countingFlusher struct {
	calls atomic.Int64
	err   error
}

func (f *countingFlusher) Flush(context.Context) error {
	f.calls.Add(1)
	return f.err
}

func TestSyncer_StopFlushesOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := &countingFlusher{}
	var observed atomic.Int64
	s := NewSyncer(f, time.Hour, func(error) { observed.Add(1) }, testLogger())

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if got := f.calls.Load(); got != 1 {
		t.Errorf("flush calls = %d, want 1 (final flush only)", got)
	}
	if got := observed.Load(); got != 1 {
		t.Errorf("observed flushes = %d, want 1", got)
	}
}

func TestSyncer_PeriodicFlush(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := &countingFlusher{}
	s := NewSyncer(f, time.Second, nil, testLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for f.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if f.calls.Load() == 0 {
		t.Fatal("expected at least one periodic flush")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestSyncer_StopReturnsFlushError(t *testing.T) {
	f := &countingFlusher{err: errors.New("store offline")}
	s := NewSyncer(f, 0, nil, testLogger())

	if err := s.Stop(context.Background()); err == nil {
		t.Fatal("expected final flush error")
	}
}

func TestSyncer_FlushesLedgerToStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := NewLedger(NewLocalOnly(store), Config{}, testLogger())
	l.Deduct(ctx, "a", Spend{Tokens: 42})

	s := NewSyncer(l, time.Hour, nil, testLogger())
	if err := s.FlushNow(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	g, _ := store.LoadGlobal(ctx)
	if g == nil || g.TokensUsed != 42 {
		t.Errorf("global in store = %+v, want TokensUsed 42", g)
	}
}
