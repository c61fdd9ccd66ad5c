package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/warden/internal/budget"
	"github.com/jkaninda/warden/internal/config"
	"github.com/jkaninda/warden/internal/orchestrator"
)

// maxRequestBytes bounds a single NDJSON request line.
const maxRequestBytes = 1 << 20

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve enforcement requests as NDJSON on stdin/stdout",
	Long: `Reads one JSON request per line from stdin and writes one JSON response per
line to stdout. Request types: enforce, complete, approve, deny, status, stats.

  {"id":"1","type":"enforce","agent_id":"coder-1","operation":"Edit","context":{"file_path":"a.js","estimated_tokens":500}}
  {"id":"2","type":"complete","agent_id":"coder-1","operation":"Edit","context":{"file_path":"a.js"},"result":{"success":true,"tokens_used":480}}`,
	RunE: runServe,
}

// request is one line of the NDJSON protocol.
type request struct {
	ID         string                        `json:"id,omitempty"`
	Type       string                        `json:"type"`
	AgentID    string                        `json:"agent_id,omitempty"`
	Operation  string                        `json:"operation,omitempty"`
	Context    orchestrator.OperationContext `json:"context"`
	Result     *operationResult              `json:"result,omitempty"`
	ApprovalID string                        `json:"approval_id,omitempty"`
	Approver   string                        `json:"approver,omitempty"`
}

type operationResult struct {
	Success         bool    `json:"success"`
	ExecutionTimeMS int64   `json:"execution_time_ms"`
	TokensUsed      int64   `json:"tokens_used"`
	Cost            float64 `json:"cost"`
	Error           string  `json:"error,omitempty"`
}

type response struct {
	ID     string `json:"id,omitempty"`
	Type   string `json:"type"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source := config.NewSource(resolvedConfigPath(), logger)
	cfg, err := source.Get(ctx)
	if err != nil {
		return err
	}
	for _, w := range cfg.Lint() {
		logger.Warn("config warning", slog.String("warning", w))
	}

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Roles and assignments follow the config file; storage and budgets need a restart.
	source.OnChange(func(c *config.Config) {
		sc.Evaluator.Reload(buildRBACConfig(c))
	})
	if err := source.Watch(ctx); err != nil {
		logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
	}

	cancelCleanup := sc.Approvals.StartCleanup(ctx, time.Minute)
	defer cancelCleanup()

	if cfg.Budget.SyncEnabled() {
		syncer := budget.NewSyncer(sc.Ledger, cfg.Budget.SyncInterval(), nil, logger)
		if err := syncer.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := syncer.Stop(stopCtx); err != nil {
				logger.Error("final budget sync failed", slog.String("error", err.Error()))
			}
		}()
	}

	go func() {
		if err := sc.Obs.Serve(ctx); err != nil {
			logger.Error("observability server stopped", slog.String("error", err.Error()))
		}
	}()

	logger.Info("warden ready",
		slog.String("config", source.Path()),
		slog.String("storage", sc.Store.Driver()),
		slog.String("environment", cfg.Environment),
	)
	err = serveNDJSON(ctx, os.Stdin, os.Stdout, func(ctx context.Context, req request) response {
		if _, err := source.Get(ctx); err != nil {
			logger.Warn("config refresh failed", slog.String("error", err.Error()))
		}
		return handleRequest(ctx, sc, req)
	})
	logger.Info("warden stopping")
	return err
}

// inputLine is one request line, or a marker for a line over maxRequestBytes.
type inputLine struct {
	data    []byte
	tooLong bool
}

// serveNDJSON reads requests until EOF or ctx ends. Requests are handled in
// order; a malformed or oversized line gets an error response and does not
// stop the loop.
func serveNDJSON(ctx context.Context, in io.Reader, out io.Writer, handle func(context.Context, request) response) error {
	lines := make(chan inputLine)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		r := bufio.NewReaderSize(in, 64*1024)
		for {
			data, tooLong, err := readLine(r, maxRequestBytes)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
			select {
			case lines <- inputLine{data: data, tooLong: tooLong}:
			case <-ctx.Done():
				return
			}
		}
	}()

	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return fmt.Errorf("reading requests: %w", err)
				default:
				}
				return nil
			}
			var resp response
			switch {
			case line.tooLong:
				resp = response{Type: "error", Error: fmt.Sprintf("request exceeds %d bytes", maxRequestBytes)}
			case len(line.data) == 0:
				continue
			default:
				var req request
				if err := json.Unmarshal(line.data, &req); err != nil {
					resp = response{Type: "error", Error: fmt.Sprintf("invalid request: %v", err)}
				} else {
					resp = handle(ctx, req)
				}
			}
			if err := enc.Encode(resp); err != nil {
				return fmt.Errorf("writing response: %w", err)
			}
		}
	}
}

// readLine returns the next line without its terminator. A line longer than
// limit is consumed in full and reported with tooLong set and no data.
func readLine(r *bufio.Reader, limit int) ([]byte, bool, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(bytes.TrimRight(chunk, "\r\n"))+len(line) > limit {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		switch {
		case err == nil:
			return bytes.TrimRight(line, "\r\n"), tooLong, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && (len(line) > 0 || tooLong):
			// Unterminated last line; the next call reports EOF.
			return bytes.TrimRight(line, "\r\n"), tooLong, nil
		default:
			return nil, false, err
		}
	}
}

func handleRequest(ctx context.Context, sc *SharedComponents, req request) response {
	resp := response{ID: req.ID, Type: req.Type}
	if err := validateRequest(req); err != nil {
		resp.Error = err.Error()
		return resp
	}

	switch req.Type {
	case "enforce":
		resp.Result = sc.Orchestrator.Enforce(ctx, req.AgentID, req.Operation, req.Context)
	case "complete":
		r := req.Result
		resp.Result = sc.Orchestrator.Complete(ctx, req.AgentID, req.Operation, req.Context, orchestrator.OperationResult{
			Success:       r.Success,
			ExecutionTime: time.Duration(r.ExecutionTimeMS) * time.Millisecond,
			TokensUsed:    r.TokensUsed,
			Cost:          r.Cost,
			Error:         r.Error,
		})
	case "approve":
		if err := sc.Approvals.Approve(ctx, req.ApprovalID, req.Approver); err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Result, _ = sc.Approvals.Get(ctx, req.ApprovalID)
	case "deny":
		if err := sc.Approvals.Deny(ctx, req.ApprovalID, req.Approver); err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Result, _ = sc.Approvals.Get(ctx, req.ApprovalID)
	case "status":
		st, err := sc.Ledger.Status(ctx, req.AgentID)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Result = st
	case "stats":
		resp.Result = sc.Orchestrator.Stats()
	}
	return resp
}

var errMissingField = errors.New("missing required field")

func validateRequest(req request) error {
	switch req.Type {
	case "enforce":
		return require(req.AgentID, "agent_id", req.Operation, "operation")
	case "complete":
		if req.Result == nil {
			return fmt.Errorf("%w: result", errMissingField)
		}
		return require(req.AgentID, "agent_id", req.Operation, "operation")
	case "approve", "deny":
		return require(req.ApprovalID, "approval_id", req.Approver, "approver")
	case "status":
		return require(req.AgentID, "agent_id")
	case "stats":
		return nil
	default:
		return fmt.Errorf("unknown request type %q", req.Type)
	}
}

// require takes value/name pairs and reports the first empty value.
func require(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i] == "" {
			return fmt.Errorf("%w: %s", errMissingField, pairs[i+1])
		}
	}
	return nil
}
