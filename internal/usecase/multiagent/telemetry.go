package multiagent

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"swapmesh/internal/domain"
)

// Outcome labels passed to a Recorder.
const (
	outcomeDelivered   = "delivered"
	outcomeFailed      = "failed"
	outcomeUnroutable  = "unroutable"
	outcomeDegraded    = "degraded"
	outcomeQuorum      = "insufficient_quorum"
	outcomeNoVoters    = "no_participants"
	outcomeNoResponses = "no_responses"
	outcomeCancelled   = "cancelled"
)

// Recorder receives coordinator metrics.
type Recorder interface {
	MessageRouted(msgType domain.MessageType, outcome string)
	Fallback(from, to string)
	ConsensusCompleted(outcome string, d time.Duration)
	AgentRestarted(agentID string, ok bool)
	AgentHealth(agentID string, healthy bool, tasksInProgress int)
}

type noopRecorder struct{}

func (noopRecorder) MessageRouted(domain.MessageType, string) {}
func (noopRecorder) Fallback(string, string)                  {}
func (noopRecorder) ConsensusCompleted(string, time.Duration) {}
func (noopRecorder) AgentRestarted(string, bool)              {}
func (noopRecorder) AgentHealth(string, bool, int)            {}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientQuorum):
		return outcomeQuorum
	case errors.Is(err, domain.ErrNoParticipants):
		return outcomeNoVoters
	case errors.Is(err, domain.ErrNoResponses):
		return outcomeNoResponses
	case errors.Is(err, domain.ErrCancelled):
		return outcomeCancelled
	}
	return outcomeFailed
}

// Counters are the coordinator-wide telemetry figures. Quorum failures are
// counted apart from routing failures.
type Counters struct {
	MessagesRouted       int64            `json:"messages_routed"`
	MessagesFailed       int64            `json:"messages_failed"`
	MessagesUnroutable   int64            `json:"messages_unroutable"`
	Fallbacks            int64            `json:"fallbacks"`
	Broadcasts           int64            `json:"broadcasts"`
	ConsensusRequests    int64            `json:"consensus_requests"`
	ConsensusSucceeded   int64            `json:"consensus_succeeded"`
	ConsensusFailed      int64            `json:"consensus_failed"`
	QuorumFailures       int64            `json:"quorum_failures"`
	ConsensusSuccessRate float64          `json:"consensus_success_rate"`
	AverageConsensusTime time.Duration    `json:"average_consensus_time"`
	Restarts             int64            `json:"restarts"`
	RestartFailures      int64            `json:"restart_failures"`
	StatusChanges        int64            `json:"status_changes"`
	AgentErrors          map[string]int64 `json:"agent_errors,omitempty"`
}

type telemetry struct {
	mu        sync.Mutex
	c         Counters
	startedAt time.Time
}

func newTelemetry() *telemetry {
	return &telemetry{c: Counters{AgentErrors: make(map[string]int64)}}
}

func (t *telemetry) routed(ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ok {
		t.c.MessagesRouted++
	} else {
		t.c.MessagesFailed++
	}
}

func (t *telemetry) unroutable() {
	t.mu.Lock()
	t.c.MessagesUnroutable++
	t.mu.Unlock()
}

func (t *telemetry) fallback() {
	t.mu.Lock()
	t.c.Fallbacks++
	t.mu.Unlock()
}

func (t *telemetry) broadcast() {
	t.mu.Lock()
	t.c.Broadcasts++
	t.mu.Unlock()
}

func (t *telemetry) consensusStarted() {
	t.mu.Lock()
	t.c.ConsensusRequests++
	t.mu.Unlock()
}

func (t *telemetry) quorumFailed() {
	t.mu.Lock()
	t.c.QuorumFailures++
	t.mu.Unlock()
}

// consensusFinished folds one outcome into the running success rate:
// rate = (rate*(n-1) + success) / n.
func (t *telemetry) consensusFinished(success bool, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := 0.0
	if success {
		t.c.ConsensusSucceeded++
		s = 1
	} else {
		t.c.ConsensusFailed++
	}
	n := t.c.ConsensusSucceeded + t.c.ConsensusFailed
	t.c.ConsensusSuccessRate = (t.c.ConsensusSuccessRate*float64(n-1) + s) / float64(n)
	t.c.AverageConsensusTime += (d - t.c.AverageConsensusTime) / time.Duration(n)
}

func (t *telemetry) restart(ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ok {
		t.c.Restarts++
	} else {
		t.c.RestartFailures++
	}
}

func (t *telemetry) statusChange() {
	t.mu.Lock()
	t.c.StatusChanges++
	t.mu.Unlock()
}

func (t *telemetry) agentError(agentID string) {
	t.mu.Lock()
	t.c.AgentErrors[agentID]++
	t.mu.Unlock()
}

func (t *telemetry) markStarted(at time.Time) {
	t.mu.Lock()
	t.startedAt = at
	t.mu.Unlock()
}

func (t *telemetry) uptime(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startedAt.IsZero() {
		return 0
	}
	return now.Sub(t.startedAt)
}

func (t *telemetry) snapshot() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.c
	out.AgentErrors = maps.Clone(t.c.AgentErrors)
	return out
}

// AgentTelemetry is the per-agent part of a telemetry report.
type AgentTelemetry struct {
	AgentID             string             `json:"agent_id"`
	Type                domain.AgentType   `json:"type"`
	Role                domain.AgentRole   `json:"role"`
	Status              domain.AgentStatus `json:"status"`
	Healthy             bool               `json:"healthy"`
	FailureCount        int                `json:"failure_count"`
	TasksCompleted      int64              `json:"tasks_completed"`
	TasksFailed         int64              `json:"tasks_failed"`
	TasksInProgress     int                `json:"tasks_in_progress"`
	SuccessRate         float64            `json:"success_rate"`
	AverageResponseTime time.Duration      `json:"average_response_time"`
	LastHealthCheck     time.Time          `json:"last_health_check"`
}

// TelemetryReport is a point-in-time snapshot of the system.
type TelemetryReport struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Uptime      time.Duration    `json:"uptime"`
	Counters    Counters         `json:"counters"`
	Agents      []AgentTelemetry `json:"agents"`
}

// GetTelemetryReport returns a snapshot of coordinator and agent figures.
func (c *Coordinator) GetTelemetryReport() TelemetryReport {
	now := time.Now()
	r := TelemetryReport{GeneratedAt: now, Uptime: c.telemetry.uptime(now), Counters: c.telemetry.snapshot()}
	for _, e := range c.registry.List() {
		m := e.Agent.Metrics()
		r.Agents = append(r.Agents, AgentTelemetry{
			AgentID:             e.ID(),
			Type:                e.Type,
			Role:                e.Role,
			Status:              e.Agent.Status(),
			Healthy:             e.Agent.IsHealthy(),
			FailureCount:        e.FailureCount,
			TasksCompleted:      m.TasksCompleted,
			TasksFailed:         m.TasksFailed,
			TasksInProgress:     m.TasksInProgress,
			SuccessRate:         m.SuccessRate,
			AverageResponseTime: m.AverageResponseTime,
			LastHealthCheck:     e.LastHealthCheck,
		})
	}
	return r
}

// publishTelemetry emits the current report as a telemetry.report event.
func (c *Coordinator) publishTelemetry(ctx context.Context) error {
	report := c.GetTelemetryReport()
	c.emit(ctx, domain.EventTelemetry, "", report)
	c.logger.Debug("telemetry published",
		"agents", len(report.Agents),
		"routed", report.Counters.MessagesRouted,
		"consensus_success_rate", report.Counters.ConsensusSuccessRate,
	)
	return nil
}
