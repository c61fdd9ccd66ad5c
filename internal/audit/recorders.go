package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// StoreRecorder adapts a Store (database table) to the Recorder interface.
type StoreRecorder struct {
	store  Store
	logger *slog.Logger
}

func NewStoreRecorder(store Store, logger *slog.Logger) *StoreRecorder {
	return &StoreRecorder{store: store, logger: logger}
}

func (r *StoreRecorder) Record(ctx context.Context, event Event) Result {
	stamp(&event)
	if err := r.store.Append(ctx, event); err != nil {
		r.logger.ErrorContext(ctx, "appending audit event",
			slog.String("agent_id", event.AgentID),
			slog.String("error", err.Error()),
		)
		return failed(err)
	}
	return ok()
}

// Multi fans an event out to several recorders. It succeeds only if every
// recorder succeeds; failure reasons are joined in recorder order.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, event Event) Result {
	stamp(&event)
	var reasons []string
	for _, r := range m {
		if res := safeRecord(ctx, r, event); !res.Success {
			reasons = append(reasons, res.Reason)
		}
	}
	if len(reasons) > 0 {
		return Result{Success: false, Reason: strings.Join(reasons, "; ")}
	}
	return ok()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) Result { return ok() }

func safeRecord(ctx context.Context, r Recorder, event Event) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Result{Success: false, Reason: fmt.Sprintf("audit recorder panicked: %v", p)}
		}
	}()
	return r.Record(ctx, event)
}
