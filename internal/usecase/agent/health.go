package agent

import (
	"fmt"
	"time"

	"swapmesh/internal/domain"
)

// Health thresholds.
const (
	healthySuccessRate  = 0.7
	reportSuccessRate   = 0.8
	reportMinTasks      = 5
	recentErrorWindow   = 5 * time.Minute
	recentErrorMax      = 3
	inactivityThreshold = 10 * time.Minute
	highLoadRatio       = 0.8
)

// Metrics returns a copy of the agent's counters.
func (b *Base) Metrics() domain.AgentMetrics {
	inProgress := b.tasksInProgress()

	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	return domain.AgentMetrics{
		TasksCompleted:      b.completed,
		TasksFailed:         b.failed,
		TasksInProgress:     inProgress,
		AverageResponseTime: b.avgResponse,
		SuccessRate:         b.successRateLocked(),
		LastActivity:        b.lastActivity,
		Errors:              b.errors.Snapshot(),
	}
}

func (b *Base) successRateLocked() float64 {
	total := b.completed + b.failed
	if total == 0 {
		return 1
	}
	return float64(b.completed) / float64(total)
}

// IsHealthy reports whether the agent is ACTIVE, its circuit is closed and
// its success rate is acceptable.
func (b *Base) IsHealthy() bool {
	if b.Status() != domain.StatusActive {
		return false
	}
	if b.breaker.Load().IsOpen() {
		return false
	}
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	return b.completed+b.failed == 0 || b.successRateLocked() > healthySuccessRate
}

// HealthCheck returns a detailed report. Issues are informational; Healthy
// mirrors IsHealthy.
func (b *Base) HealthCheck() domain.HealthReport {
	now := time.Now()
	m := b.Metrics()
	br := b.breaker.Load()
	report := domain.HealthReport{
		AgentID:     b.cfg.ID,
		Healthy:     b.IsHealthy(),
		Status:      b.Status(),
		BreakerOpen: br.IsOpen(),
		CheckedAt:   now,
	}

	total := m.TasksCompleted + m.TasksFailed
	if total >= reportMinTasks && m.SuccessRate < reportSuccessRate {
		report.Issues = append(report.Issues, fmt.Sprintf("low success rate: %.2f", m.SuccessRate))
	}
	if report.BreakerOpen {
		report.Issues = append(report.Issues, fmt.Sprintf("circuit breaker open since %s", br.OpenedAt().Format(time.RFC3339)))
	}
	recent := b.errors.Filter(func(r domain.ErrorRecord) bool {
		return now.Sub(r.Time) <= recentErrorWindow && r.Severity != domain.SeverityLow
	})
	if len(recent) > recentErrorMax {
		report.Issues = append(report.Issues, fmt.Sprintf("%d significant errors in the last %s", len(recent), recentErrorWindow))
	}
	last := m.LastActivity
	if last.IsZero() {
		last = b.startedAtSnapshot()
	}
	if !last.IsZero() && now.Sub(last) > inactivityThreshold {
		report.Issues = append(report.Issues, fmt.Sprintf("inactive for %s", now.Sub(last).Round(time.Second)))
	}
	load := float64(m.TasksInProgress) / float64(b.cfg.MaxConcurrentTasks)
	if load > highLoadRatio {
		report.Issues = append(report.Issues, fmt.Sprintf("high load: %d/%d tasks", m.TasksInProgress, b.cfg.MaxConcurrentTasks))
	}

	report.Metrics = map[string]any{
		"tasks_completed":      m.TasksCompleted,
		"tasks_failed":         m.TasksFailed,
		"tasks_in_progress":    m.TasksInProgress,
		"success_rate":         m.SuccessRate,
		"avg_response_ms":      m.AverageResponseTime.Milliseconds(),
		"queue_length":         b.QueueLen(),
		"breaker_failures":     br.Failures(),
		"error_history_length": len(m.Errors),
	}
	return report
}

func (b *Base) startedAtSnapshot() time.Time {
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	return b.startedAt
}
