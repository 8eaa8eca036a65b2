package multiagent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swapmesh/internal/domain"
	"swapmesh/internal/usecase/eventbus"
)

func TestCoordinatorStartStopOrder(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	j := &journal{}
	market := newStub("market", domain.AgentTypeMarketIntelligence)
	route := newStub("route", domain.AgentTypeRouteDiscovery)
	exec := newStub("exec", domain.AgentTypeExecutionStrategy)
	for _, a := range []*stubAgent{market, route, exec} {
		a.journal = j
	}
	register(t, c, market, RegisterOptions{})
	register(t, c, route, RegisterOptions{Dependencies: []string{"market"}})
	register(t, c, exec, RegisterOptions{Dependencies: []string{"route"}})

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop(context.Background()))

	assert.Equal(t, []string{
		"start:market", "start:route", "start:exec",
		"stop:exec", "stop:route", "stop:market",
	}, j.list())
	assert.Nil(t, exec.observer(), "observer detached on stop")
}

func TestCoordinatorStartJoinsAgentFailures(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	good := newStub("market-1", domain.AgentTypeMarketIntelligence)
	bad := newStub("risk-1", domain.AgentTypeRiskAssessment)
	bad.startErr = errors.New("rpc endpoint unreachable")
	register(t, c, good, RegisterOptions{})
	register(t, c, bad, RegisterOptions{})

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "risk-1")
	assert.Equal(t, domain.StatusActive, good.Status())

	e, _ := c.Registry().Get("risk-1")
	assert.Equal(t, 1, e.FailureCount)
}

func TestCoordinatorRegisterAfterStart(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	require.NoError(t, c.Start(context.Background()))

	late := newStub("security-1", domain.AgentTypeSecurity)
	late.setStatus(domain.StatusInitializing)
	register(t, c, late, RegisterOptions{})

	starts, _ := late.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, domain.StatusActive, late.Status())
}

func TestCoordinatorCannotRestartAfterStop(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()), "stop is idempotent")

	assert.ErrorIs(t, c.Start(context.Background()), domain.ErrShuttingDown)
	err := c.RegisterAgent(context.Background(), newStub("market-1", domain.AgentTypeMarketIntelligence), RegisterOptions{})
	assert.ErrorIs(t, err, domain.ErrShuttingDown)
}

func TestCoordinatorSystemStartsHealthy(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	register(t, c, newVoter("market-1", domain.AgentTypeMarketIntelligence, "r1", 0.9, 0.9).base, RegisterOptions{})
	register(t, c, newVoter("risk-1", domain.AgentTypeRiskAssessment, "r1", 0.85, 0.8).base, RegisterOptions{})
	register(t, c, newVoter("risk-2", domain.AgentTypeRiskAssessment, "r2", 0.95, 0.95).base, RegisterOptions{})

	before := c.GetSystemHealth()
	assert.False(t, before.Healthy)

	require.NoError(t, c.Start(context.Background()))
	h := c.GetSystemHealth()
	assert.True(t, h.Healthy)
	assert.Equal(t, 3, h.TotalAgents)
	assert.Equal(t, 3, h.ActiveAgents)
	assert.Zero(t, h.UnhealthyAgents)
	assert.Len(t, h.Agents, 3)
}

func TestGetSystemHealthEmpty(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	h := c.GetSystemHealth()
	assert.False(t, h.Healthy)
	assert.Zero(t, h.TotalAgents)
}

func TestCheckHealthRestartsErroredAgent(t *testing.T) {
	bus := eventbus.New(testLogger())
	defer bus.Close()
	restarted := make(chan string, 1)
	bus.Subscribe(domain.EventAgentRestarted, func(_ context.Context, e domain.Event) { restarted <- e.AgentID })

	c := newTestCoordinator(t, testConfig(), WithEventBus(bus))
	a := newStub("exec-1", domain.AgentTypeExecutionStrategy)
	register(t, c, a, RegisterOptions{})
	a.setStatus(domain.StatusError)

	require.NoError(t, c.CheckHealth(context.Background()))

	starts, stops := a.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
	assert.Equal(t, domain.StatusActive, a.Status())
	assert.Equal(t, int64(1), c.GetTelemetryReport().Counters.Restarts)

	e, _ := c.Registry().Get("exec-1")
	assert.False(t, e.LastHealthCheck.IsZero())
	select {
	case id := <-restarted:
		assert.Equal(t, "exec-1", id)
	case <-time.After(time.Second):
		t.Fatal("agent.restarted event not published")
	}
}

func TestCheckHealthRestartsAtThreshold(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	a := newStub("market-1", domain.AgentTypeMarketIntelligence)
	a.unhealthy = true
	register(t, c, a, RegisterOptions{})

	for i := 1; i < c.Config().RestartThreshold; i++ {
		require.NoError(t, c.CheckHealth(context.Background()))
		starts, _ := a.counts()
		assert.Zero(t, starts, "no restart below threshold")
		e, _ := c.Registry().Get("market-1")
		assert.Equal(t, i, e.FailureCount)
	}

	require.NoError(t, c.CheckHealth(context.Background()))
	starts, _ := a.counts()
	assert.Equal(t, 1, starts)
	e, _ := c.Registry().Get("market-1")
	assert.Zero(t, e.FailureCount, "restart resets failures")
}

func TestCheckHealthRestartFailure(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	a := newStub("risk-1", domain.AgentTypeRiskAssessment)
	register(t, c, a, RegisterOptions{})
	a.setStatus(domain.StatusError)
	a.startErr = errors.New("still broken")

	err := c.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still broken")

	e, _ := c.Registry().Get("risk-1")
	assert.Equal(t, 1, e.FailureCount)
	assert.Equal(t, int64(1), c.GetTelemetryReport().Counters.RestartFailures)
}

func TestRestartUnknownAgent(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	assert.ErrorIs(t, c.RestartAgent(context.Background(), "ghost"), domain.ErrNotFound)
}

func TestAnalysisRequestGoesToLeastLoadedAnalyst(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	busy := newStub("market-1", domain.AgentTypeMarketIntelligence)
	busy.inProgress = 4
	idle := newStub("market-2", domain.AgentTypeMarketIntelligence)
	register(t, c, busy, RegisterOptions{})
	register(t, c, idle, RegisterOptions{})

	msg := domain.NewMessage("route-1", domain.CoordinatorID, domain.MessageAnalysisRequest, nil, domain.PriorityMedium)
	require.NoError(t, c.HandleMessage(context.Background(), msg))
	assert.Empty(t, busy.messages())
	assert.Len(t, idle.messages(), 1)
}

func TestAnalysisRequestPrefersMarketAgents(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	market := newStub("market-1", domain.AgentTypeMarketIntelligence)
	market.inProgress = 4
	routes := newStub("route-1", domain.AgentTypeRouteDiscovery,
		domain.CapabilityDiscoverRoutes, domain.CapabilityAnalyzeMarket)
	register(t, c, market, RegisterOptions{})
	register(t, c, routes, RegisterOptions{})

	msg := domain.NewMessage("exec-1", domain.CoordinatorID, domain.MessageAnalysisRequest, nil, domain.PriorityMedium)
	require.NoError(t, c.HandleMessage(context.Background(), msg))
	assert.Len(t, market.messages(), 1)
	assert.Empty(t, routes.messages())

	// Without an eligible market agent any analyst takes the request.
	require.NoError(t, c.HandleMessage(context.Background(),
		domain.NewMessage("market-1", domain.CoordinatorID, domain.MessageAnalysisRequest, nil, domain.PriorityMedium)))
	assert.Len(t, routes.messages(), 1)
}

func TestPerformanceReportsReachMonitors(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	mon := newStub("perf-1", domain.AgentTypePerformanceMonitor)
	exec := newStub("exec-1", domain.AgentTypeExecutionStrategy)
	register(t, c, mon, RegisterOptions{Role: domain.RoleMonitor})
	register(t, c, exec, RegisterOptions{})

	msg := domain.NewMessage("exec-1", domain.CoordinatorID, domain.MessageExecutionResult, map[string]any{"tx": "0xabc"}, domain.PriorityMedium)
	require.NoError(t, c.HandleMessage(context.Background(), msg))
	require.Len(t, mon.messages(), 1)
	assert.Equal(t, "perf-1", mon.messages()[0].To)
	assert.Empty(t, exec.messages())
}

func TestAgentEmittedMessagesAreRouted(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	sender := newStub("route-1", domain.AgentTypeRouteDiscovery)
	risk := newStub("risk-1", domain.AgentTypeRiskAssessment)
	register(t, c, sender, RegisterOptions{})
	register(t, c, risk, RegisterOptions{})

	msg := domain.NewMessage("route-1", domain.CoordinatorID, domain.MessageRouteProposal, testRoutes[0], domain.PriorityMedium)
	sender.observer().OnMessage(context.Background(), msg)

	require.Eventually(t, func() bool { return len(risk.messages()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestTelemetryReport(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	register(t, c, newStub("market-1", domain.AgentTypeMarketIntelligence), RegisterOptions{Priority: 2})
	register(t, c, newStub("risk-1", domain.AgentTypeRiskAssessment), RegisterOptions{IsBackup: true})

	assert.Zero(t, c.GetTelemetryReport().Uptime)
	require.NoError(t, c.Start(context.Background()))

	msg := domain.NewMessage("ops", "market-1", domain.MessageHealthCheck, nil, domain.PriorityLow)
	require.NoError(t, c.HandleMessage(context.Background(), msg))

	r := c.GetTelemetryReport()
	assert.Equal(t, int64(1), r.Counters.MessagesRouted)
	require.Len(t, r.Agents, 2)
	assert.Equal(t, "market-1", r.Agents[0].AgentID)
	assert.Equal(t, domain.RolePrimary, r.Agents[0].Role)
	assert.Equal(t, domain.RoleBackup, r.Agents[1].Role)
	assert.True(t, r.Agents[0].Healthy)
}

func TestScheduledTelemetryPublishes(t *testing.T) {
	bus := eventbus.New(testLogger())
	defer bus.Close()
	reports := make(chan domain.Event, 8)
	bus.Subscribe(domain.EventTelemetry, func(_ context.Context, e domain.Event) {
		select {
		case reports <- e:
		default:
		}
	})

	cfg := testConfig()
	cfg.TelemetryInterval = 20 * time.Millisecond
	c := newTestCoordinator(t, cfg, WithEventBus(bus))
	require.NoError(t, c.Start(context.Background()))

	select {
	case e := <-reports:
		assert.NotEmpty(t, e.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no telemetry report published")
	}
}

type countingRecorder struct {
	noopRecorder
	routed chan string
}

func (r countingRecorder) MessageRouted(_ domain.MessageType, outcome string) {
	select {
	case r.routed <- outcome:
	default:
	}
}

func TestRecorderSeesOutcomes(t *testing.T) {
	rec := countingRecorder{routed: make(chan string, 4)}
	c := newTestCoordinator(t, testConfig(), WithRecorder(rec))
	register(t, c, newStub("market-1", domain.AgentTypeMarketIntelligence), RegisterOptions{})

	require.NoError(t, c.HandleMessage(context.Background(),
		domain.NewMessage("ops", "market-1", domain.MessageHealthCheck, nil, domain.PriorityLow)))
	require.NoError(t, c.HandleMessage(context.Background(),
		domain.NewMessage("ops", "", domain.MessageHealthCheck, nil, domain.PriorityLow)))

	assert.Equal(t, outcomeDelivered, <-rec.routed)
	assert.Equal(t, outcomeUnroutable, <-rec.routed)
}
