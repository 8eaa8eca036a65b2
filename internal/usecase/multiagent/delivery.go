package multiagent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"swapmesh/internal/domain"
)

// canAgentHandleMessage reports whether e may receive msg now.
func (c *Coordinator) canAgentHandleMessage(e Entry, msg domain.AgentMessage) bool {
	a := e.Agent
	if !a.IsHealthy() || a.Status() != domain.StatusActive {
		return false
	}
	if req := msg.Type.RequiredCapability(); req != "" && !e.Capabilities.Has(req) {
		return false
	}
	if c.cfg.LoadBalancing {
		m := a.Metrics()
		if m.TasksInProgress >= c.cfg.MaxTasksPerAgent || m.SuccessRate <= c.cfg.HealthThreshold {
			return false
		}
	}
	return true
}

// deliveryBackoff returns the wait before delivery retry attempt+1.
func (c *Coordinator) deliveryBackoff(attempt int) time.Duration {
	d := c.cfg.Backoff << attempt
	if d <= 0 || d > c.cfg.MaxBackoff {
		return c.cfg.MaxBackoff
	}
	return d
}

// isAvailabilityError reports failures that retrying the same agent cannot fix.
func isAvailabilityError(err error) bool {
	return errors.Is(err, domain.ErrAgentUnavailable) ||
		errors.Is(err, domain.ErrAgentNotActive) ||
		errors.Is(err, domain.ErrQueueFull)
}

// deliverWithRetry hands msg to e, retrying with exponential backoff.
// Availability errors return immediately so the caller can fall back.
func (c *Coordinator) deliverWithRetry(ctx context.Context, e Entry, msg domain.AgentMessage) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.deliveryBackoff(attempt - 1)):
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", domain.ErrCancelled, ctx.Err())
			}
		}
		err := e.Agent.ReceiveMessage(ctx, msg)
		if err == nil {
			c.registry.recordSuccess(e.ID())
			return nil
		}
		lastErr = err
		c.registry.recordFailure(e.ID())
		if isAvailabilityError(err) {
			return err
		}
		c.logger.Debug("delivery attempt failed", "agent_id", e.ID(), "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("%w after %d attempts: %w", domain.ErrRetriesExhausted, c.cfg.MaxRetries, lastErr)
}

// routeToSpecificAgent delivers msg to msg.To, falling back to a same-type
// backup or a capability match when the target is missing, ineligible or
// unreachable. At most MaxFallbackHops targets are tried and none twice.
func (c *Coordinator) routeToSpecificAgent(ctx context.Context, msg domain.AgentMessage) error {
	origin := msg.To
	want := c.fallbackProfile(msg)
	tried := make(map[string]bool, c.cfg.MaxFallbackHops)
	target := origin
	var lastErr error

	for hop := 0; hop < c.cfg.MaxFallbackHops; hop++ {
		tried[target] = true
		e, ok := c.registry.Get(target)
		switch {
		case !ok:
			c.logger.Debug("target not registered", "target", target, "message_id", msg.ID)
		case !c.canAgentHandleMessage(e, msg):
			c.logger.Debug("target cannot handle message", "target", target, "status", string(e.Agent.Status()), "message_id", msg.ID)
		default:
			msg.To = target
			err := c.deliverWithRetry(ctx, e, msg)
			if err == nil {
				if target != origin {
					c.logger.Info("message delivered to fallback", "original", origin, "fallback", target, "message_id", msg.ID)
				}
				return nil
			}
			if ctx.Err() != nil {
				return err
			}
			lastErr = err
			c.logger.Warn("delivery failed, seeking fallback", "target", target, "message_id", msg.ID, "error", err)
		}

		next, found := c.findFallback(want, msg, tried)
		if !found {
			if lastErr != nil {
				return domain.NewSubSystemError("agent", "Coordinator.routeToSpecificAgent",
					fmt.Errorf("%w: %w", domain.ErrDeliveryFailed, lastErr), origin)
			}
			return domain.NewSubSystemError("agent", "Coordinator.routeToSpecificAgent", domain.ErrNoFallback, origin)
		}
		c.telemetry.fallback()
		c.recorder.Fallback(target, next)
		target = next
	}
	return domain.NewSubSystemError("agent", "Coordinator.routeToSpecificAgent",
		fmt.Errorf("%w: %w", domain.ErrFallbackExhausted, domain.ErrNoFallback),
		fmt.Sprintf("%s after %d targets", origin, c.cfg.MaxFallbackHops))
}

// fallbackProfile is what a replacement for msg.To must look like.
type fallbackProfile struct {
	typ  domain.AgentType
	caps []domain.Capability
}

func (c *Coordinator) fallbackProfile(msg domain.AgentMessage) fallbackProfile {
	var p fallbackProfile
	if e, ok := c.registry.Get(msg.To); ok {
		p.typ = e.Type
	} else if msg.TargetType != "" {
		p.typ = msg.TargetType
	} else if t, ok := domain.InferAgentType(msg.To); ok {
		p.typ = t
	}
	if req := msg.Type.RequiredCapability(); req != "" {
		p.caps = []domain.Capability{req}
	} else {
		p.caps = domain.ExpectedCapabilities(p.typ)
	}
	return p
}

// findFallback picks the next target: an eligible backup of the same type
// first, then any eligible agent holding one of the wanted capabilities.
func (c *Coordinator) findFallback(want fallbackProfile, msg domain.AgentMessage, tried map[string]bool) (string, bool) {
	if want.typ == "" && len(want.caps) == 0 {
		return "", false
	}
	var backups, matches []Entry
	for _, e := range c.registry.List() {
		id := e.ID()
		if tried[id] || id == msg.From || !c.canAgentHandleMessage(e, msg) {
			continue
		}
		if e.IsBackup && want.typ != "" && e.Type == want.typ {
			backups = append(backups, e)
			continue
		}
		if slices.ContainsFunc(want.caps, e.Capabilities.Has) {
			matches = append(matches, e)
		}
	}
	if len(backups) > 0 {
		sortByPriority(backups)
		return backups[0].ID(), true
	}
	if len(matches) > 0 {
		sortByLoad(matches)
		return matches[0].ID(), true
	}
	return "", false
}

// bestAgentFor returns the least loaded eligible agent with capability cp,
// preferring agents of type prefer when any is eligible.
func (c *Coordinator) bestAgentFor(msg domain.AgentMessage, cp domain.Capability, prefer domain.AgentType) (string, bool) {
	if prefer != "" {
		if id, ok := c.bestInPool(msg, typePool(prefer)); ok {
			return id, true
		}
	}
	return c.bestInPool(msg, capabilityPool(cp))
}

func (c *Coordinator) bestInPool(msg domain.AgentMessage, pool string) (string, bool) {
	var candidates []Entry
	for _, id := range c.registry.Pool(pool) {
		e, ok := c.registry.Get(id)
		if ok && id != msg.From && !e.IsBackup && c.canAgentHandleMessage(e, msg) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sortByLoad(candidates)
	return candidates[0].ID(), true
}

func sortByPriority(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].ID() < entries[j].ID()
	})
}

// sortByLoad orders by tasks in progress ascending, then priority descending.
func sortByLoad(entries []Entry) {
	load := make(map[string]int, len(entries))
	for _, e := range entries {
		load[e.ID()] = e.Agent.Metrics().TasksInProgress
	}
	sort.SliceStable(entries, func(i, j int) bool {
		li, lj := load[entries[i].ID()], load[entries[j].ID()]
		if li != lj {
			return li < lj
		}
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].ID() < entries[j].ID()
	})
}

// broadcast delivers msg to the least loaded eligible agents other than the
// sender. Individual failures are logged; the call fails only when every
// delivery failed.
func (c *Coordinator) broadcast(ctx context.Context, msg domain.AgentMessage) error {
	var eligible []Entry
	for _, e := range c.registry.List() {
		if e.ID() != msg.From && c.canAgentHandleMessage(e, msg) {
			eligible = append(eligible, e)
		}
	}
	if len(eligible) == 0 {
		return domain.NewSubSystemError("agent", "Coordinator.broadcast", domain.ErrUnroutable, "no eligible agents")
	}
	sortByLoad(eligible)
	eligible = eligible[:min(len(eligible), c.cfg.MaxBroadcastTargets)]
	c.telemetry.broadcast()

	var wg sync.WaitGroup
	errs := make([]error, len(eligible))
	for i, e := range eligible {
		out := msg
		out.To = e.ID()
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.routeToSpecificAgent(ctx, out)
		}()
	}
	wg.Wait()

	failed := 0
	for i, err := range errs {
		if err != nil {
			failed++
			c.logger.Warn("broadcast delivery failed", "agent_id", eligible[i].ID(), "message_id", msg.ID, "error", err)
		}
	}
	if failed == len(eligible) {
		return errors.Join(errs...)
	}
	return nil
}
