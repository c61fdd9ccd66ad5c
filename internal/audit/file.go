package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileRecorder writes audit events as append-only JSONL.
// Each event is a single JSON line followed by a newline.
type FileRecorder struct {
	mu     sync.Mutex
	file   *os.File
	closed bool
	logger *slog.Logger
}

// NewFileRecorder opens (or creates) the audit log in append-only mode.
// The file and any missing parent directory are owner-only.
func NewFileRecorder(path string, logger *slog.Logger) (*FileRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &FileRecorder{file: f, logger: logger}, nil
}

// Record serializes the event and appends it to the log.
// Marshal happens outside the lock; only the file write is serialized.
func (r *FileRecorder) Record(ctx context.Context, event Event) Result {
	stamp(&event)
	data, err := json.Marshal(event)
	if err != nil {
		return failed(fmt.Errorf("marshaling audit event: %w", err))
	}
	data = append(data, '\n')

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Result{Success: false, Reason: "audit log is closed"}
	}
	_, writeErr := r.file.Write(data)
	r.mu.Unlock()

	if writeErr != nil {
		r.logger.ErrorContext(ctx, "writing audit event", slog.String("error", writeErr.Error()))
		return failed(fmt.Errorf("writing audit event: %w", writeErr))
	}

	r.logger.DebugContext(ctx, "audit event logged",
		slog.String("agent_id", event.AgentID),
		slog.String("operation", event.Operation),
		slog.String("result", event.Result),
		slog.String("correlation_id", event.CorrelationID),
	)
	return ok()
}

// Close closes the underlying file. Later Record calls fail.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

// stamp fills in the ID and timestamp when the caller left them empty.
func stamp(e *Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}
