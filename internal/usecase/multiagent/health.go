package multiagent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"swapmesh/internal/domain"
)

// SystemHealth aggregates the health of every registered agent.
type SystemHealth struct {
	Healthy         bool                  `json:"healthy"`
	TotalAgents     int                   `json:"total_agents"`
	ActiveAgents    int                   `json:"active_agents"`
	UnhealthyAgents int                   `json:"unhealthy_agents"`
	FailedAgents    int                   `json:"failed_agents"`
	Issues          []string              `json:"issues,omitempty"`
	Agents          []domain.HealthReport `json:"agents"`
	CheckedAt       time.Time             `json:"checked_at"`
}

// GetSystemHealth polls every agent and summarises the result. Agents in
// ERROR or OFFLINE count as failed.
func (c *Coordinator) GetSystemHealth() SystemHealth {
	h := SystemHealth{CheckedAt: time.Now()}
	for _, e := range c.registry.List() {
		report := e.Agent.HealthCheck()
		h.TotalAgents++
		h.Agents = append(h.Agents, report)
		switch report.Status {
		case domain.StatusActive:
			h.ActiveAgents++
		case domain.StatusError, domain.StatusOffline:
			h.FailedAgents++
		}
		if !report.Healthy {
			h.UnhealthyAgents++
		}
		for _, issue := range report.Issues {
			h.Issues = append(h.Issues, fmt.Sprintf("%s: %s", report.AgentID, issue))
		}
		if !report.Healthy && len(report.Issues) == 0 {
			h.Issues = append(h.Issues, fmt.Sprintf("%s: unhealthy (status %s)", report.AgentID, report.Status))
		}
	}
	h.Healthy = h.TotalAgents > 0 && h.UnhealthyAgents == 0
	return h
}

// CheckHealth polls every agent once. Agents in ERROR are restarted;
// unhealthy agents raise a health alert, are re-checked and restarted once
// their failure count reaches RestartThreshold. Restart failures are joined
// into the returned error.
func (c *Coordinator) CheckHealth(ctx context.Context) error {
	var errs []error
	for _, e := range c.registry.List() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		id := e.ID()
		report := e.Agent.HealthCheck()
		c.registry.update(id, func(live *Entry) { live.LastHealthCheck = report.CheckedAt })
		c.recorder.AgentHealth(id, report.Healthy, e.Agent.Metrics().TasksInProgress)

		if report.Status == domain.StatusError {
			c.logger.Warn("agent in error state, restarting", "agent_id", id)
			if err := c.restartAgent(ctx, id); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if report.Healthy {
			continue
		}

		failures := c.registry.recordFailure(id)
		c.logger.Warn("agent unhealthy", "agent_id", id, "status", string(report.Status), "issues", report.Issues, "failures", failures)
		c.emit(ctx, domain.EventHealthAlert, id, report)

		if recheck := e.Agent.HealthCheck(); recheck.Healthy {
			continue
		}
		if failures >= c.cfg.RestartThreshold {
			if err := c.restartAgent(ctx, id); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// RestartAgent stops and restarts one agent.
func (c *Coordinator) RestartAgent(ctx context.Context, agentID string) error {
	return c.restartAgent(ctx, agentID)
}

// restartAgent runs Stop, waits RestartDelay, then Start. Success resets the
// failure count; failure increments it. Concurrent restarts of one agent
// collapse into the first.
func (c *Coordinator) restartAgent(ctx context.Context, agentID string) error {
	e, ok := c.registry.Get(agentID)
	if !ok {
		return domain.NewSubSystemError("agent", "Coordinator.restartAgent", domain.ErrNotFound, agentID)
	}

	c.restartMu.Lock()
	if c.restarting[agentID] {
		c.restartMu.Unlock()
		return nil
	}
	c.restarting[agentID] = true
	c.restartMu.Unlock()
	defer func() {
		c.restartMu.Lock()
		delete(c.restarting, agentID)
		c.restartMu.Unlock()
	}()

	err := c.doRestart(ctx, e)
	c.telemetry.restart(err == nil)
	c.recorder.AgentRestarted(agentID, err == nil)
	if err != nil {
		failures := c.registry.recordFailure(agentID)
		c.logger.Error("agent restart failed", "agent_id", agentID, "failures", failures, "error", err)
		return domain.NewSubSystemError("agent", "Coordinator.restartAgent", err, agentID)
	}
	c.registry.update(agentID, func(live *Entry) { live.FailureCount = 0 })
	c.logger.Info("agent restarted", "agent_id", agentID)
	c.emit(ctx, domain.EventAgentRestarted, agentID, nil)
	return nil
}

func (c *Coordinator) doRestart(ctx context.Context, e Entry) error {
	stopCtx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout)
	err := e.Agent.Stop(stopCtx)
	cancel()
	if err != nil {
		c.logger.Warn("stop before restart failed", "agent_id", e.ID(), "error", err)
	}

	select {
	case <-time.After(c.cfg.RestartDelay):
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", domain.ErrCancelled, ctx.Err())
	}
	return e.Agent.Start(ctx)
}
