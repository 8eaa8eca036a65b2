// Package multiagent hosts the coordinator: the registry of running agents,
// message routing with retry and fallback, broadcast, consensus rounds,
// health monitoring with restarts, and system telemetry.
package multiagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"swapmesh/internal/domain"
	"swapmesh/internal/infra/tracer"
	"swapmesh/internal/usecase/eventbus"
	"swapmesh/internal/usecase/scheduling"
)

// Config tunes the coordinator.
type Config struct {
	MaxAgents           int           `yaml:"max_agents"`
	MaxFallbackHops     int           `yaml:"max_fallback_hops"`
	MaxRetries          int           `yaml:"max_retries"`
	Backoff             time.Duration `yaml:"backoff"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	LoadBalancing       bool          `yaml:"load_balancing"`
	MaxTasksPerAgent    int           `yaml:"max_tasks_per_agent"`
	HealthThreshold     float64       `yaml:"health_threshold"`
	MaxBroadcastTargets int           `yaml:"max_broadcast_targets"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	TelemetryInterval   time.Duration `yaml:"telemetry_interval"`
	RestartThreshold    int           `yaml:"restart_threshold"`
	RestartDelay        time.Duration `yaml:"restart_delay"`
	StopTimeout         time.Duration `yaml:"stop_timeout"`

	Consensus ConsensusConfig `yaml:"consensus"`
}

// ConsensusConfig is the quorum policy of consensus rounds.
type ConsensusConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	QuorumRatio float64       `yaml:"quorum_ratio"`
	// AllowDegraded aggregates whatever arrived when the quorum is missed.
	AllowDegraded bool `yaml:"allow_degraded"`
	// DemoMode additionally synthesises a vote when nothing arrived.
	DemoMode bool `yaml:"demo_mode"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAgents:           50,
		MaxFallbackHops:     3,
		MaxRetries:          3,
		Backoff:             time.Second,
		MaxBackoff:          10 * time.Second,
		LoadBalancing:       true,
		MaxTasksPerAgent:    10,
		HealthThreshold:     0.8,
		MaxBroadcastTargets: 5,
		HealthCheckInterval: 30 * time.Second,
		TelemetryInterval:   60 * time.Second,
		RestartThreshold:    3,
		RestartDelay:        time.Second,
		StopTimeout:         10 * time.Second,
		Consensus: ConsensusConfig{
			Timeout:     30 * time.Second,
			QuorumRatio: 0.6,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxFallbackHops <= 0 {
		c.MaxFallbackHops = d.MaxFallbackHops
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.Backoff <= 0 {
		c.Backoff = d.Backoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxTasksPerAgent <= 0 {
		c.MaxTasksPerAgent = d.MaxTasksPerAgent
	}
	if c.HealthThreshold <= 0 {
		c.HealthThreshold = d.HealthThreshold
	}
	if c.MaxBroadcastTargets <= 0 {
		c.MaxBroadcastTargets = d.MaxBroadcastTargets
	}
	if c.RestartThreshold <= 0 {
		c.RestartThreshold = d.RestartThreshold
	}
	if c.RestartDelay < 0 {
		c.RestartDelay = 0
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.Consensus.Timeout <= 0 {
		c.Consensus.Timeout = d.Consensus.Timeout
	}
	if c.Consensus.QuorumRatio <= 0 || c.Consensus.QuorumRatio > 1 {
		c.Consensus.QuorumRatio = d.Consensus.QuorumRatio
	}
	return c
}

// CoordinatorOption configures optional collaborators.
type CoordinatorOption func(*Coordinator)

// WithEventBus publishes coordinator events on bus.
func WithEventBus(bus domain.EventBus) CoordinatorOption {
	return func(c *Coordinator) { c.bus = bus }
}

// WithRecorder exports coordinator metrics through rec.
func WithRecorder(rec Recorder) CoordinatorOption {
	return func(c *Coordinator) { c.recorder = rec }
}

// Coordinator owns the agent registry and routes every message between agents.
type Coordinator struct {
	cfg       Config
	registry  *Registry
	logger    *slog.Logger
	bus       domain.EventBus
	recorder  Recorder
	scheduler *scheduling.Scheduler

	routersMu sync.RWMutex
	routers   []Router

	lifecycleMu sync.Mutex
	started     bool

	// routing tracks asynchronous routing of agent-emitted messages.
	routingMu sync.Mutex
	stopping  bool
	routing   sync.WaitGroup
	runCtx    context.Context
	runCancel context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]*pendingConsensus

	restartMu  sync.Mutex
	restarting map[string]bool

	telemetry *telemetry
}

// New creates a coordinator.
func New(cfg Config, logger *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	cfg = cfg.withDefaults()
	runCtx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:        cfg,
		registry:   NewRegistry(cfg.MaxAgents, logger),
		logger:     logger,
		recorder:   noopRecorder{},
		scheduler:  scheduling.NewScheduler(logger),
		runCtx:     runCtx,
		runCancel:  cancel,
		pending:    make(map[string]*pendingConsensus),
		restarting: make(map[string]bool),
		telemetry:  newTelemetry(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.routers = append(c.routers,
		NewTypeRouterWithLogger("consensus", c.routeConsensusRequest, logger, domain.MessageConsensusRequest),
		newPoolRouter(c, defaultPoolRules()),
	)
	c.scheduler.RegisterAction(scheduling.ActionHealthCheck, c.CheckHealth)
	c.scheduler.RegisterAction(scheduling.ActionTelemetryReport, c.publishTelemetry)
	return c
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// Registry exposes the agent registry for read access.
func (c *Coordinator) Registry() *Registry { return c.registry }

// AddRouter registers a custom router consulted before the built-in ones.
func (c *Coordinator) AddRouter(r Router) {
	c.routersMu.Lock()
	defer c.routersMu.Unlock()
	c.routers = append([]Router{r}, c.routers...)
	c.logger.Info("custom router added", "router", r.Name())
}

// RegisterAgent adds agent to the registry and attaches the coordinator as
// its observer. Agents registered after Start are started immediately.
func (c *Coordinator) RegisterAgent(ctx context.Context, agent Agent, opts RegisterOptions) error {
	c.routingMu.Lock()
	stopping := c.stopping
	c.routingMu.Unlock()
	if stopping {
		return domain.NewSubSystemError("agent", "Coordinator.RegisterAgent", domain.ErrShuttingDown, agent.ID())
	}

	entry, err := c.registry.Register(agent, opts)
	if err != nil {
		return err
	}
	if missing := capabilityMismatches(entry.Type, entry.Capabilities); len(missing) > 0 {
		c.logger.Warn("agent capabilities do not match its type",
			"agent_id", agent.ID(), "type", string(entry.Type), "missing", missing)
	}
	agent.SetObserver(&agentObserver{c: c, agentID: agent.ID()})
	c.emit(ctx, domain.EventAgentRegistered, agent.ID(), map[string]any{
		"type":     entry.Type,
		"role":     entry.Role,
		"priority": entry.Priority,
		"backup":   entry.IsBackup,
	})

	c.lifecycleMu.Lock()
	started := c.started
	c.lifecycleMu.Unlock()
	if started {
		if err := agent.Start(ctx); err != nil {
			c.registry.recordFailure(agent.ID())
			return fmt.Errorf("start %s: %w", agent.ID(), err)
		}
	}
	return nil
}

// Start starts every agent in dependency order and begins periodic health
// checks and telemetry reports. Agents that fail to start stay registered
// for the health monitor to restart; their errors are joined.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.started {
		return nil
	}
	c.routingMu.Lock()
	stopping := c.stopping
	c.routingMu.Unlock()
	if stopping {
		return domain.NewSubSystemError("agent", "Coordinator.Start", domain.ErrShuttingDown, "coordinator cannot be restarted")
	}

	order, err := startOrder(c.registry.List())
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range order {
		if err := e.Agent.Start(ctx); err != nil {
			c.logger.Error("agent failed to start", "agent_id", e.ID(), "error", err)
			c.registry.recordFailure(e.ID())
			errs = append(errs, fmt.Errorf("start %s: %w", e.ID(), err))
		}
	}

	if c.cfg.HealthCheckInterval > 0 {
		if err := c.scheduler.AddJob(scheduling.Job{
			Name: "health-check", Schedule: c.cfg.HealthCheckInterval.String(), Action: scheduling.ActionHealthCheck,
		}); err != nil {
			errs = append(errs, err)
		}
	}
	if c.cfg.TelemetryInterval > 0 {
		if err := c.scheduler.AddJob(scheduling.Job{
			Name: "telemetry-report", Schedule: c.cfg.TelemetryInterval.String(), Action: scheduling.ActionTelemetryReport,
		}); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.scheduler.Start(c.runCtx); err != nil {
		errs = append(errs, err)
	}

	c.started = true
	c.telemetry.markStarted(time.Now())
	c.logger.Info("coordinator started", "agents", len(order))
	return errors.Join(errs...)
}

// Stop halts periodic jobs, fails pending consensus rounds with
// ErrShuttingDown, stops agents in reverse dependency order and waits for
// in-flight routing. A stopped coordinator cannot be started again.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.routingMu.Lock()
	if c.stopping {
		c.routingMu.Unlock()
		return nil
	}
	c.stopping = true
	c.routingMu.Unlock()

	if err := c.scheduler.Stop(); err != nil {
		c.logger.Warn("scheduler stop failed", "error", err)
	}
	c.rejectPending(domain.ErrShuttingDown)

	order, err := startOrder(c.registry.List())
	if err != nil {
		order = c.registry.List()
	}
	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		e := order[i]
		stopCtx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout)
		if err := e.Agent.Stop(stopCtx); err != nil {
			c.logger.Error("agent failed to stop", "agent_id", e.ID(), "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", e.ID(), err))
		}
		cancel()
		e.Agent.SetObserver(nil)
	}

	c.runCancel()
	done := make(chan struct{})
	go func() {
		c.routing.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("stop deadline reached with routing in flight")
	}

	c.started = false
	c.logger.Info("coordinator stopped")
	return errors.Join(errs...)
}

// HandleMessage routes a message submitted from outside the agent set.
func (c *Coordinator) HandleMessage(ctx context.Context, msg domain.AgentMessage) error {
	if msg.ID == "" {
		msg.ID = domain.NewID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return c.RouteMessage(ctx, msg)
}

// RouteMessage delivers msg: a matching custom router first, then direct
// delivery, broadcast, and the coordinator's own handler. Unroutable
// messages are logged and reported as a routing.error event, never returned.
func (c *Coordinator) RouteMessage(ctx context.Context, msg domain.AgentMessage) error {
	ctx, span := tracer.StartSpan(ctx, "coordinator.route_message")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("message.id", msg.ID),
		tracer.StringAttr("message.type", string(msg.Type)),
		tracer.StringAttr("message.from", msg.From),
		tracer.StringAttr("message.to", msg.To),
	)

	err := c.route(ctx, msg)
	switch {
	case errors.Is(err, domain.ErrUnroutable):
		c.telemetry.unroutable()
		c.recorder.MessageRouted(msg.Type, outcomeUnroutable)
		c.logger.Warn("message unroutable", "message_id", msg.ID, "type", string(msg.Type), "from", msg.From, "to", msg.To)
		c.emit(ctx, domain.EventRoutingError, msg.From, routingErrorPayload(msg, err))
		tracer.RecordError(span, err)
		return nil
	case err != nil:
		c.telemetry.routed(false)
		c.recorder.MessageRouted(msg.Type, outcomeFailed)
		c.emit(ctx, domain.EventRoutingError, msg.From, routingErrorPayload(msg, err))
		tracer.RecordError(span, err)
		return err
	}
	c.telemetry.routed(true)
	c.recorder.MessageRouted(msg.Type, outcomeDelivered)
	tracer.SetOK(span)
	return nil
}

func (c *Coordinator) route(ctx context.Context, msg domain.AgentMessage) error {
	c.routersMu.RLock()
	routers := append([]Router(nil), c.routers...)
	c.routersMu.RUnlock()
	for _, r := range routers {
		if r.CanRoute(msg) {
			return r.Route(ctx, msg)
		}
	}

	switch msg.To {
	case domain.BroadcastID:
		return c.broadcast(ctx, msg)
	case domain.CoordinatorID:
		return c.handleCoordinatorMessage(ctx, msg)
	case "":
		return domain.NewSubSystemError("agent", "Coordinator.RouteMessage", domain.ErrUnroutable, "empty recipient")
	}
	if _, ok := c.registry.Get(msg.To); ok || msg.TargetType != "" {
		return c.routeToSpecificAgent(ctx, msg)
	}
	if _, ok := domain.InferAgentType(msg.To); ok {
		return c.routeToSpecificAgent(ctx, msg)
	}
	return domain.NewSubSystemError("agent", "Coordinator.RouteMessage", domain.ErrUnroutable,
		fmt.Sprintf("unknown recipient %q", msg.To))
}

func routingErrorPayload(msg domain.AgentMessage, err error) map[string]any {
	return map[string]any{
		"message_id": msg.ID,
		"type":       msg.Type,
		"from":       msg.From,
		"to":         msg.To,
		"error":      err.Error(),
		"code":       domain.ErrorCodeOf(err),
	}
}

// handleCoordinatorMessage processes messages addressed to the coordinator.
func (c *Coordinator) handleCoordinatorMessage(ctx context.Context, msg domain.AgentMessage) error {
	switch msg.Type {
	case domain.MessageConsensusResponse:
		c.acceptConsensusResponse(msg)
		return nil
	case domain.MessageAnalysisRequest:
		target, ok := c.bestAgentFor(msg, domain.CapabilityAnalyzeMarket, domain.AgentTypeMarketIntelligence)
		if !ok {
			return domain.NewSubSystemError("agent", "Coordinator.handleCoordinatorMessage", domain.ErrNoFallback,
				"no market analyst for analysis request")
		}
		msg.To = target
		return c.routeToSpecificAgent(ctx, msg)
	case domain.MessageRouteProposal:
		c.emit(ctx, domain.EventRouteProposal, msg.From, msg)
		return nil
	case domain.MessageErrorReport:
		c.emit(ctx, domain.EventErrorReport, msg.From, msg)
		return nil
	case domain.MessagePerformanceReport, domain.MessageExecutionResult:
		for _, id := range c.registry.Pool(typePool(domain.AgentTypePerformanceMonitor)) {
			if id == msg.From {
				continue
			}
			out := msg
			out.To = id
			if e, ok := c.registry.Get(id); ok {
				if err := e.Agent.ReceiveMessage(ctx, out); err != nil {
					c.logger.Debug("performance monitor rejected report", "agent_id", id, "error", err)
				}
			}
		}
		return nil
	case domain.MessageSecurityEvent:
		if _, ok := msg.Payload.(domain.SecurityAlert); ok {
			c.emit(ctx, domain.EventSecurityAlert, msg.From, msg.Payload)
		}
		c.relayToSecurity(ctx, msg.From, msg.Payload, msg.Priority)
		return nil
	}
	c.logger.Debug("coordinator ignoring message", "type", string(msg.Type), "from", msg.From)
	return nil
}

// emit publishes an event on the bus, if any.
func (c *Coordinator) emit(ctx context.Context, t domain.EventType, agentID string, payload any) {
	eventbus.Emit(ctx, c.bus, t, agentID, payload, c.logger)
}

// trackRouting reserves a slot for asynchronous routing. It fails once Stop began.
func (c *Coordinator) trackRouting() bool {
	c.routingMu.Lock()
	defer c.routingMu.Unlock()
	if c.stopping {
		return false
	}
	c.routing.Add(1)
	return true
}

// agentObserver forwards one agent's signals to the coordinator.
type agentObserver struct {
	c       *Coordinator
	agentID string
}

// OnMessage routes the message on its own goroutine under the coordinator's
// lifetime context; the emitting agent's processing context ends too early.
func (o *agentObserver) OnMessage(ctx context.Context, msg domain.AgentMessage) {
	c := o.c
	if !c.trackRouting() {
		c.logger.Debug("coordinator stopping, dropping message", "message_id", msg.ID, "from", msg.From)
		return
	}
	go func() {
		defer c.routing.Done()
		if err := c.RouteMessage(c.runCtx, msg); err != nil {
			c.logger.Warn("routing agent message failed", "message_id", msg.ID, "from", msg.From, "to", msg.To, "error", err)
		}
	}()
}

func (o *agentObserver) OnStatusChange(agentID string, from, to domain.AgentStatus) {
	c := o.c
	c.telemetry.statusChange()
	ctx := c.runCtx
	c.emit(ctx, domain.EventAgentStatusChange, agentID, map[string]any{"from": from, "to": to})
	priority := domain.PriorityMedium
	if to == domain.StatusError {
		priority = domain.PriorityHigh
	}
	c.relayToSecurity(ctx, agentID, domain.AgentSignal{
		AgentID: agentID, Kind: domain.SignalStatusChange, From: from, To: to, Time: time.Now(),
	}, priority)
}

func (o *agentObserver) OnError(agentID string, err error, analysis domain.ErrorAnalysis) {
	c := o.c
	c.telemetry.agentError(agentID)
	ctx := c.runCtx
	c.emit(ctx, domain.EventAgentError, agentID, map[string]any{
		"error":       err.Error(),
		"severity":    analysis.Severity,
		"category":    analysis.Category,
		"recoverable": analysis.AutoRecoverable,
	})
	priority := domain.PriorityMedium
	switch analysis.Severity {
	case domain.SeverityHigh:
		priority = domain.PriorityHigh
	case domain.SeverityCritical:
		priority = domain.PriorityCritical
	}
	c.relayToSecurity(ctx, agentID, domain.AgentSignal{
		AgentID:  agentID,
		Kind:     domain.SignalError,
		Error:    err.Error(),
		Severity: analysis.Severity,
		Category: analysis.Category,
		Time:     time.Now(),
	}, priority)
}

// relayToSecurity hands payload to every registered security agent other
// than the source. Delivery is best effort and never blocks.
func (c *Coordinator) relayToSecurity(ctx context.Context, source string, payload any, priority domain.MessagePriority) {
	for _, id := range c.registry.Pool(typePool(domain.AgentTypeSecurity)) {
		if id == source {
			continue
		}
		e, ok := c.registry.Get(id)
		if !ok {
			continue
		}
		msg := domain.NewMessage(domain.CoordinatorID, id, domain.MessageSecurityEvent, payload, priority)
		if err := e.Agent.ReceiveMessage(ctx, msg); err != nil {
			c.logger.Debug("security relay rejected", "agent_id", id, "source", source, "error", err)
		}
	}
}
