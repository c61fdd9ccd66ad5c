package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/warden/internal/config"
)

// minSamples is the number of decisions needed before a denial rate is judged.
const minSamples = 5

// AnomalyDetector flags agents whose denial rate or token spend spikes
// within a sliding window. It only logs; it never blocks operations.
type AnomalyDetector struct {
	mu      sync.Mutex
	denials map[string]*slidingWindow
	allows  map[string]*slidingWindow
	spend   map[string]*slidingWindow
	flagged map[string]time.Time // agentID|kind → last warning
	window  time.Duration
	cfg     config.AnomalyConfig
	now     func() time.Time
	logger  *slog.Logger
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	secs := cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return &AnomalyDetector{
		denials: make(map[string]*slidingWindow),
		allows:  make(map[string]*slidingWindow),
		spend:   make(map[string]*slidingWindow),
		flagged: make(map[string]time.Time),
		window:  time.Duration(secs) * time.Second,
		cfg:     *cfg,
		now:     time.Now,
		logger:  logger,
	}
}

// RecordDecision records a pipeline outcome for agentID and reports whether
// the agent's denial rate is above the threshold.
func (a *AnomalyDetector) RecordDecision(agentID string, allowed bool) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if allowed {
		a.windowFor(a.allows, agentID).add(now, 1)
	} else {
		a.windowFor(a.denials, agentID).add(now, 1)
	}

	threshold := a.cfg.DenialRateThreshold
	if threshold <= 0 {
		return false
	}
	denied := a.windowFor(a.denials, agentID).sum(now)
	total := denied + a.windowFor(a.allows, agentID).sum(now)
	if total < minSamples {
		return false
	}
	rate := denied / total
	if rate <= threshold {
		return false
	}
	a.warnOnce(now, agentID, "denial_rate", "anomaly detected: high denial rate",
		slog.Float64("denial_rate", rate),
		slog.Float64("threshold", threshold),
		slog.Float64("denied", denied),
		slog.Float64("total", total),
	)
	return true
}

// RecordSpend records tokens charged to agentID and reports whether spend
// inside the window exceeds the threshold.
func (a *AnomalyDetector) RecordSpend(agentID string, tokens int64) bool {
	if a == nil || tokens <= 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	w := a.windowFor(a.spend, agentID)
	w.add(now, float64(tokens))

	threshold := a.cfg.TokenSpendThreshold
	if threshold <= 0 {
		return false
	}
	total := w.sum(now)
	if total <= float64(threshold) {
		return false
	}
	a.warnOnce(now, agentID, "spend", "anomaly detected: token spend spike",
		slog.Float64("tokens", total),
		slog.Int64("threshold", threshold),
	)
	return true
}

// warnOnce logs at most one warning per agent and kind per window.
// Must be called with a.mu held.
func (a *AnomalyDetector) warnOnce(now time.Time, agentID, kind, msg string, attrs ...any) {
	key := agentID + "|" + kind
	if last, ok := a.flagged[key]; ok && now.Sub(last) < a.window {
		return
	}
	a.flagged[key] = now
	if a.logger != nil {
		a.logger.Warn(msg, append([]any{slog.String("agent_id", agentID)}, attrs...)...)
	}
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(now time.Time, value float64) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
