package multiagent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"

	"swapmesh/internal/domain"
)

// discardLogger returns a no-op logger for routers created without one.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Router takes full control of the messages it accepts. Routers are
// consulted in registration order before direct, broadcast and coordinator
// delivery.
type Router interface {
	Name() string
	CanRoute(msg domain.AgentMessage) bool
	Route(ctx context.Context, msg domain.AgentMessage) error
}

// RouteFunc delivers one message.
type RouteFunc func(ctx context.Context, msg domain.AgentMessage) error

// TypeRouter hands every message of the given types to a function.
type TypeRouter struct {
	name   string
	types  []domain.MessageType
	fn     RouteFunc
	logger *slog.Logger
}

// NewTypeRouter creates a router for the given message types.
func NewTypeRouter(name string, fn RouteFunc, types ...domain.MessageType) *TypeRouter {
	return &TypeRouter{name: name, types: types, fn: fn, logger: discardLogger()}
}

// NewTypeRouterWithLogger creates a TypeRouter with debug logging.
func NewTypeRouterWithLogger(name string, fn RouteFunc, logger *slog.Logger, types ...domain.MessageType) *TypeRouter {
	return &TypeRouter{name: name, types: types, fn: fn, logger: logger}
}

func (r *TypeRouter) Name() string { return r.name }

func (r *TypeRouter) CanRoute(msg domain.AgentMessage) bool {
	return slices.Contains(r.types, msg.Type)
}

func (r *TypeRouter) Route(ctx context.Context, msg domain.AgentMessage) error {
	r.logger.Debug("custom router handling message", "router", r.name, "type", string(msg.Type), "message_id", msg.ID)
	return r.fn(ctx, msg)
}

// PoolRule fans a message type out to the members of registry pools. Event,
// when set, is published for every matching message.
type PoolRule struct {
	Type  domain.MessageType
	Pools []string
	Event domain.EventType
}

// poolRouter delivers messages addressed to a registered agent directly and
// fans everything else out to the pools of the first matching rule.
type poolRouter struct {
	c     *Coordinator
	rules []PoolRule
}

func newPoolRouter(c *Coordinator, rules []PoolRule) *poolRouter {
	return &poolRouter{c: c, rules: rules}
}

func (r *poolRouter) Name() string { return "pool" }

func (r *poolRouter) CanRoute(msg domain.AgentMessage) bool {
	_, ok := r.rule(msg.Type)
	return ok
}

func (r *poolRouter) rule(t domain.MessageType) (PoolRule, bool) {
	for _, rule := range r.rules {
		if rule.Type == t {
			return rule, true
		}
	}
	return PoolRule{}, false
}

func (r *poolRouter) Route(ctx context.Context, msg domain.AgentMessage) error {
	rule, _ := r.rule(msg.Type)
	if rule.Event != "" {
		r.c.emit(ctx, rule.Event, msg.From, msg)
	}
	if _, ok := r.c.registry.Get(msg.To); ok {
		return r.c.routeToSpecificAgent(ctx, msg)
	}

	var targets []string
	for _, pool := range rule.Pools {
		for _, id := range r.c.registry.Pool(pool) {
			if id != msg.From && !slices.Contains(targets, id) {
				targets = append(targets, id)
			}
		}
	}
	return r.c.deliverToMembers(ctx, msg, targets)
}

// defaultPoolRules wires the message types the coordinator routes itself.
func defaultPoolRules() []PoolRule {
	return []PoolRule{
		{
			Type:  domain.MessageMarketData,
			Pools: []string{capabilityPool(domain.CapabilityDiscoverRoutes), capabilityPool(domain.CapabilityAssessRisk)},
		},
		{
			Type:  domain.MessageRiskAssessment,
			Pools: []string{capabilityPool(domain.CapabilityExecuteTransaction), capabilityPool(domain.CapabilityDiscoverRoutes)},
		},
		{
			Type:  domain.MessageRouteProposal,
			Pools: []string{capabilityPool(domain.CapabilityAssessRisk)},
			Event: domain.EventRouteProposal,
		},
		{
			Type:  domain.MessageErrorReport,
			Pools: []string{typePool(domain.AgentTypeSecurity)},
			Event: domain.EventErrorReport,
		},
	}
}

// deliverToMembers sends msg to each eligible non-backup member with
// all-settled semantics. It fails only when every delivery failed.
func (c *Coordinator) deliverToMembers(ctx context.Context, msg domain.AgentMessage, ids []string) error {
	var errs []error
	delivered := 0
	for _, id := range ids {
		e, ok := c.registry.Get(id)
		if !ok || e.IsBackup || !c.canAgentHandleMessage(e, msg) {
			continue
		}
		out := msg
		out.To = id
		if err := c.deliverWithRetry(ctx, e, out); err != nil {
			c.logger.Warn("pool delivery failed", "agent_id", id, "type", string(msg.Type), "error", err)
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	if delivered == 0 && len(errs) > 0 {
		return errors.Join(errs...)
	}
	if delivered == 0 {
		c.logger.Debug("no pool members for message", "type", string(msg.Type), "message_id", msg.ID)
	}
	return nil
}
