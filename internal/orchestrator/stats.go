package orchestrator

import (
	"sync"
	"time"
)

// statsCollector keeps running counts and incremental averages.
// Nothing is retained per call.
type statsCollector struct {
	mu      sync.Mutex
	total   int64
	allowed int64
	blocked int64
	avg     float64 // nanoseconds
	hooks   map[string]*hookAggregate
}

type hookAggregate struct {
	executions int64
	successes  int64
	failures   int64
	avg        float64 // nanoseconds
}

func newStatsCollector() *statsCollector {
	return &statsCollector{hooks: make(map[string]*hookAggregate)}
}

func (s *statsCollector) recordPipeline(allowed bool, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	if allowed {
		s.allowed++
	} else {
		s.blocked++
	}
	s.avg += (float64(d) - s.avg) / float64(s.total)
}

func (s *statsCollector) recordHook(name string, success bool, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hooks[name]
	if !ok {
		h = &hookAggregate{}
		s.hooks[name] = h
	}
	h.executions++
	if success {
		h.successes++
	} else {
		h.failures++
	}
	h.avg += (float64(d) - h.avg) / float64(h.executions)
}

func (s *statsCollector) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		TotalExecutions:      s.total,
		SuccessfulExecutions: s.allowed,
		BlockedExecutions:    s.blocked,
		AverageExecutionTime: time.Duration(s.avg),
		HookStats:            make(map[string]HookStats, len(s.hooks)),
	}
	for name, h := range s.hooks {
		st.HookStats[name] = HookStats{
			Executions:  h.executions,
			Successes:   h.successes,
			Failures:    h.failures,
			AverageTime: time.Duration(h.avg),
		}
	}
	return st
}

func (s *statsCollector) reset() {
	s.mu.Lock()
	s.total, s.allowed, s.blocked, s.avg = 0, 0, 0, 0
	s.hooks = make(map[string]*hookAggregate)
	s.mu.Unlock()
}
