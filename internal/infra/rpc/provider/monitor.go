package provider

import (
	"sync"
	"time"
)

const (
	// DefaultWindowSize is the number of recent outcomes kept.
	DefaultWindowSize = 10

	healthyRate      = 0.5
	maxFailureStreak = 5
)

// MonitorStats is a point-in-time view of a HealthMonitor.
type MonitorStats struct {
	IsHealthy           bool       `json:"is_healthy"`
	SuccessRate         float64    `json:"success_rate"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalOperations     int        `json:"total_operations"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	MinutesSinceSuccess *float64   `json:"minutes_since_success,omitempty"`
	MinutesSinceFailure *float64   `json:"minutes_since_failure,omitempty"`
}

// HealthMonitor tracks the outcome of recent upstream calls.
type HealthMonitor struct {
	mu sync.RWMutex

	// Rolling outcome window, oldest first
	outcomes   []bool
	windowSize int

	consecutiveFailures int
	lastSuccess         time.Time
	lastFailure         time.Time

	now func() time.Time
}

// NewHealthMonitor creates a monitor keeping the last windowSize outcomes.
func NewHealthMonitor(windowSize int) *HealthMonitor {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &HealthMonitor{
		outcomes:   make([]bool, 0, windowSize),
		windowSize: windowSize,
		now:        time.Now,
	}
}

// RecordSuccess records a successful call and clears the failure streak.
func (m *HealthMonitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.push(true)
	m.consecutiveFailures = 0
	m.lastSuccess = m.now()
}

// RecordFailure records a failed call.
func (m *HealthMonitor) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.push(false)
	m.consecutiveFailures++
	m.lastFailure = m.now()
}

func (m *HealthMonitor) push(ok bool) {
	m.outcomes = append(m.outcomes, ok)
	if len(m.outcomes) > m.windowSize {
		m.outcomes = m.outcomes[1:]
	}
}

// SuccessRate returns the share of successes in the window, 0 when empty.
func (m *HealthMonitor) SuccessRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.successRate()
}

func (m *HealthMonitor) successRate() float64 {
	if len(m.outcomes) == 0 {
		return 0
	}
	ok := 0
	for _, o := range m.outcomes {
		if o {
			ok++
		}
	}
	return float64(ok) / float64(len(m.outcomes))
}

// IsHealthy reports a success rate of at least one half with fewer than five
// consecutive failures.
func (m *HealthMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isHealthy()
}

func (m *HealthMonitor) isHealthy() bool {
	return m.successRate() >= healthyRate && m.consecutiveFailures < maxFailureStreak
}

// ConsecutiveFailures returns the current failure streak.
func (m *HealthMonitor) ConsecutiveFailures() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consecutiveFailures
}

// Stats returns current monitoring statistics.
func (m *HealthMonitor) Stats() MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	stats := MonitorStats{
		IsHealthy:           m.isHealthy(),
		SuccessRate:         m.successRate(),
		ConsecutiveFailures: m.consecutiveFailures,
		TotalOperations:     len(m.outcomes),
	}
	if !m.lastSuccess.IsZero() {
		t := m.lastSuccess
		mins := now.Sub(t).Minutes()
		stats.LastSuccess, stats.MinutesSinceSuccess = &t, &mins
	}
	if !m.lastFailure.IsZero() {
		t := m.lastFailure
		mins := now.Sub(t).Minutes()
		stats.LastFailure, stats.MinutesSinceFailure = &t, &mins
	}
	return stats
}

// Reset clears all recorded outcomes.
func (m *HealthMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.outcomes = m.outcomes[:0]
	m.consecutiveFailures = 0
	m.lastSuccess = time.Time{}
	m.lastFailure = time.Time{}
}
