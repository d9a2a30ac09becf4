package bridge

import (
	"sync"
	"time"
)

// MetricsCollector collects call metrics
type MetricsCollector interface {
	RecordCall(method string, kind OutcomeKind, duration time.Duration)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordCall does nothing
func (NoOpMetricsCollector) RecordCall(method string, kind OutcomeKind, duration time.Duration) {}

// MethodStats aggregates the calls made for one method
type MethodStats struct {
	Calls         int64
	Outcomes      map[string]int64
	TotalDuration time.Duration
	MaxDuration   time.Duration
}

// AverageDuration returns the mean call duration
func (s MethodStats) AverageDuration() time.Duration {
	if s.Calls == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Calls)
}

// InMemoryMetrics keeps per-method call statistics in memory
type InMemoryMetrics struct {
	mu      sync.Mutex
	methods map[string]*MethodStats
}

// NewInMemoryMetrics creates an empty collector
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		methods: make(map[string]*MethodStats),
	}
}

// RecordCall implements MetricsCollector
func (m *InMemoryMetrics) RecordCall(method string, kind OutcomeKind, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, ok := m.methods[method]
	if !ok {
		stats = &MethodStats{Outcomes: make(map[string]int64)}
		m.methods[method] = stats
	}

	stats.Calls++
	stats.Outcomes[kind.String()]++
	stats.TotalDuration += duration
	if duration > stats.MaxDuration {
		stats.MaxDuration = duration
	}
}

// Snapshot returns a copy of the statistics keyed by method
func (m *InMemoryMetrics) Snapshot() map[string]MethodStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string]MethodStats, len(m.methods))
	for method, stats := range m.methods {
		outcomes := make(map[string]int64, len(stats.Outcomes))
		for k, v := range stats.Outcomes {
			outcomes[k] = v
		}
		snapshot[method] = MethodStats{
			Calls:         stats.Calls,
			Outcomes:      outcomes,
			TotalDuration: stats.TotalDuration,
			MaxDuration:   stats.MaxDuration,
		}
	}
	return snapshot
}
