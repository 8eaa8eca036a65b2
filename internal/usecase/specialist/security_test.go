package specialist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swapmesh/internal/domain"
)

func testRules() ThreatRules {
	return ThreatRules{
		BlockedBridges:   []string{"Multichain"},
		BlockedProtocols: []string{"rugswap"},
		MaxPriceImpact:   3,
	}
}

func TestThreatRulesInspect(t *testing.T) {
	rules := testRules()
	assert.Empty(t, rules.Inspect(swapRoutes()[0]))

	findings := rules.Inspect(domain.Route{
		Bridges:     []string{"multichain"},
		Protocols:   []string{"uniswap-v3", "RugSwap"},
		PriceImpact: 4.5,
	})
	require.Len(t, findings, 3)
	assert.Equal(t, "blocked bridge multichain", findings[0])
	assert.Equal(t, "blocked protocol RugSwap", findings[1])
	assert.Contains(t, findings[2], "price impact")

	assert.Empty(t, ThreatRules{}.Inspect(domain.Route{PriceImpact: 50}))
}

type securityHarness struct {
	agent *SecurityMonitor
	obs   *recordingObserver
	now   time.Time
}

func newSecurityHarness() *securityHarness {
	h := &securityHarness{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), obs: &recordingObserver{}}
	h.agent = NewSecurityMonitor(testAgentConfig("security"), testRules(), testLogger(),
		WithClock(func() time.Time { return h.now }))
	h.agent.SetObserver(h.obs)
	return h
}

func (h *securityHarness) signal(t *testing.T, sig domain.AgentSignal) {
	t.Helper()
	msg := domain.NewMessage(domain.CoordinatorID, "security", domain.MessageSecurityEvent, sig, domain.PriorityHigh)
	require.NoError(t, h.agent.ProcessMessage(context.Background(), msg))
}

func failure(agentID string) domain.AgentSignal {
	return domain.AgentSignal{AgentID: agentID, Kind: domain.SignalError, Error: "timeout", Severity: domain.SeverityMedium}
}

func TestSecurityRepeatedFailuresRaiseOneAlert(t *testing.T) {
	h := newSecurityHarness()

	h.signal(t, failure("market"))
	h.signal(t, failure("market"))
	assert.Empty(t, h.agent.Alerts())

	h.signal(t, failure("market"))
	alerts := h.agent.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "market", alerts[0].AgentID)
	assert.Equal(t, domain.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, 3, alerts[0].Count)
	assert.Equal(t, h.now, alerts[0].Time)

	h.signal(t, failure("market"))
	assert.Len(t, h.agent.Alerts(), 1, "deduplicated within the window")

	sent := h.obs.ofType(domain.MessageSecurityEvent)
	require.Len(t, sent, 1)
	assert.Equal(t, domain.CoordinatorID, sent[0].To)
	assert.IsType(t, domain.SecurityAlert{}, sent[0].Payload)
}

func TestSecurityWindowExpires(t *testing.T) {
	h := newSecurityHarness()
	for range 3 {
		h.signal(t, failure("routes"))
	}
	require.Len(t, h.agent.Alerts(), 1)

	h.now = h.now.Add(DefaultAlertWindow + time.Second)
	h.signal(t, failure("routes"))
	h.signal(t, failure("routes"))
	assert.Len(t, h.agent.Alerts(), 1, "old failures dropped out of the window")

	h.signal(t, failure("routes"))
	assert.Len(t, h.agent.Alerts(), 2)
}

func TestSecurityCriticalFailureAlertsImmediately(t *testing.T) {
	h := newSecurityHarness()
	sig := failure("exec")
	sig.Severity = domain.SeverityCritical
	sig.Error = "out of memory"
	h.signal(t, sig)

	alerts := h.agent.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.SeverityCritical, alerts[0].Severity)
	assert.Contains(t, alerts[0].Reason, "out of memory")
	sent := h.obs.ofType(domain.MessageSecurityEvent)
	require.Len(t, sent, 1)
	assert.Equal(t, domain.PriorityCritical, sent[0].Priority)
}

func TestSecurityStatusSignals(t *testing.T) {
	h := newSecurityHarness()
	for range 3 {
		h.signal(t, domain.AgentSignal{AgentID: "risk", Kind: domain.SignalStatusChange, From: domain.StatusActive, To: domain.StatusBusy})
	}
	assert.Empty(t, h.agent.Alerts())

	for range 3 {
		h.signal(t, domain.AgentSignal{AgentID: "risk", Kind: domain.SignalStatusChange, From: domain.StatusActive, To: domain.StatusError})
	}
	assert.Len(t, h.agent.Alerts(), 1)
}

func TestSecurityFlagsProposedRoutes(t *testing.T) {
	h := newSecurityHarness()
	proposal := domain.NewMessage("routes", domain.CoordinatorID, domain.MessageRouteProposal, swapRoutes()[2], domain.PriorityMedium)
	require.NoError(t, h.agent.ProcessMessage(context.Background(), proposal))
	require.NoError(t, h.agent.ProcessMessage(context.Background(), proposal))

	alerts := h.agent.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "multichain-fast", alerts[0].RouteID)
	assert.Contains(t, alerts[0].Reason, "blocked bridge")

	clean := domain.NewMessage("routes", domain.CoordinatorID, domain.MessageRouteProposal, swapRoutes()[0], domain.PriorityMedium)
	require.NoError(t, h.agent.ProcessMessage(context.Background(), clean))
	assert.Len(t, h.agent.Alerts(), 1)
}

func TestSecurityVoteAvoidsFlaggedRoutes(t *testing.T) {
	h := newSecurityHarness()
	flagged := domain.Route{ID: "flagged", Hops: 1, FeeUSD: 0.5, Bridges: []string{"multichain"}}
	safe := domain.Route{ID: "safe", Hops: 1, FeeUSD: 6, Bridges: []string{"stargate"}}

	require.NoError(t, h.agent.ProcessMessage(context.Background(), consensusMessage(newConsensusRequest(flagged, safe))))
	assert.Equal(t, "safe", voteOf(t, h.obs).RecommendedRoute)
}

func TestSecurityErrorAnalysis(t *testing.T) {
	h := newSecurityHarness()

	threat := h.agent.AnalyzeError(errors.New("permit signature mismatch"))
	assert.Equal(t, CategorySecurityThreat, threat.Category)
	assert.Equal(t, domain.CodeSecurity, threat.Code)
	assert.Equal(t, domain.SeverityHigh, threat.Severity)
	assert.False(t, threat.AutoRecoverable)

	plain := h.agent.AnalyzeError(errors.New("connection reset by peer"))
	assert.NotEqual(t, CategorySecurityThreat, plain.Category)
}

func TestSecurityInspectTask(t *testing.T) {
	h := newSecurityHarness()
	out, err := h.agent.HandleTask(context.Background(), domain.Task{Type: TaskInspectRoute, Payload: swapRoutes()[2]})
	require.NoError(t, err)
	assert.Len(t, out, 1)

	_, err = h.agent.HandleTask(context.Background(), domain.Task{Type: TaskInspectRoute})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}
