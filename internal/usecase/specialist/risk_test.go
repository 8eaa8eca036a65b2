package specialist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swapmesh/internal/domain"
)

func TestHeuristicRiskModel(t *testing.T) {
	calm := &domain.MarketSnapshot{Volatility: map[string]float64{"ETH": 0.35}}
	wild := &domain.MarketSnapshot{Volatility: map[string]float64{"ETH": 0.5}}

	tests := []struct {
		name    string
		route   domain.Route
		market  *domain.MarketSnapshot
		score   float64
		level   string
		factors int
	}{
		{
			name:  "single hop no bridge",
			route: domain.Route{ID: "a", Hops: 1},
			level: RiskLow,
		},
		{
			name:    "bridges hops and impact",
			route:   domain.Route{ID: "b", Hops: 3, Bridges: []string{"x", "y"}, PriceImpact: 1},
			score:   50,
			level:   RiskMedium,
			factors: 3,
		},
		{
			name:    "thin liquidity",
			route:   domain.Route{ID: "c", Hops: 3, Bridges: []string{"x", "y"}, PriceImpact: 1, Liquidity: 100_000, AmountIn: 20_000},
			score:   70,
			level:   RiskHigh,
			factors: 4,
		},
		{
			name:    "volatile source token",
			route:   domain.Route{ID: "d", Hops: 1, FromToken: "ETH"},
			market:  calm,
			score:   35,
			level:   RiskMedium,
			factors: 1,
		},
		{
			name:    "clamped",
			route:   domain.Route{ID: "e", Hops: 1, FromToken: "ETH", Bridges: make([]string, 4), Liquidity: 1, AmountIn: 1},
			market:  wild,
			score:   100,
			level:   RiskHigh,
			factors: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ra := HeuristicRiskModel{}.Assess(tt.route, tt.market)
			assert.Equal(t, tt.route.ID, ra.RouteID)
			assert.InDelta(t, tt.score, ra.Score, 1e-9)
			assert.Equal(t, tt.level, ra.Level)
			assert.Len(t, ra.Factors, tt.factors)
		})
	}
}

func TestRiskAssessorAnswersProposals(t *testing.T) {
	a := NewRiskAssessor(testAgentConfig("risk"), nil, testLogger())
	obs := &recordingObserver{}
	a.SetObserver(obs)

	risky := domain.Route{ID: "risky", Hops: 3, Bridges: []string{"x", "y"}, PriceImpact: 1, Liquidity: 100_000, AmountIn: 20_000}
	proposal := domain.NewMessage("routes", domain.CoordinatorID, domain.MessageRouteProposal, risky, domain.PriorityMedium)
	require.NoError(t, a.ProcessMessage(context.Background(), proposal))

	out := obs.ofType(domain.MessageRiskAssessment)
	require.Len(t, out, 1)
	assert.Equal(t, domain.CoordinatorID, out[0].To)
	assert.Equal(t, proposal.ID, out[0].CorrelationID)
	assert.Equal(t, domain.PriorityHigh, out[0].Priority)
	assert.Equal(t, RiskHigh, out[0].Payload.(domain.RiskAssessment).Level)

	bad := domain.NewMessage("routes", domain.CoordinatorID, domain.MessageRouteProposal, "risky", domain.PriorityMedium)
	require.ErrorIs(t, a.ProcessMessage(context.Background(), bad), domain.ErrInvalidInput)
}

func TestRiskAssessorTracksMarketData(t *testing.T) {
	a := NewRiskAssessor(testAgentConfig("risk"), nil, testLogger())
	route := domain.Route{ID: "eth", Hops: 1, FromToken: "ETH"}
	assert.Zero(t, a.Assess(route).Score)

	snap := domain.MarketSnapshot{Volatility: map[string]float64{"ETH": 0.2}}
	require.NoError(t, a.ProcessMessage(context.Background(),
		domain.NewMessage("market", "risk", domain.MessageMarketData, snap, domain.PriorityMedium)))
	assert.InDelta(t, 20, a.Assess(route).Score, 1e-9)
}

func TestRiskAssessorVoteUsesSuppliedAssessments(t *testing.T) {
	a := NewRiskAssessor(testAgentConfig("risk"), nil, testLogger())
	obs := &recordingObserver{}
	a.SetObserver(obs)

	req := newConsensusRequest(swapRoutes()...)
	req.Assessments = []domain.RiskAssessment{{RouteID: "stargate-direct", Score: 95, Level: RiskHigh}}
	require.NoError(t, a.ProcessMessage(context.Background(), consensusMessage(req)))

	resp := voteOf(t, obs)
	assert.NotEqual(t, "stargate-direct", resp.RecommendedRoute)
	assert.Equal(t, req.ID, resp.RequestID)
	assert.Equal(t, "risk", resp.AgentID)
}

func TestRiskAssessorTask(t *testing.T) {
	a := NewRiskAssessor(testAgentConfig("risk"), nil, testLogger())
	out, err := a.HandleTask(context.Background(), domain.Task{Type: TaskAssessRoute, Payload: domain.Route{ID: "r", Hops: 1}})
	require.NoError(t, err)
	assert.Equal(t, RiskLow, out.(domain.RiskAssessment).Level)

	_, err = a.HandleTask(context.Background(), domain.Task{Type: TaskAssessRoute, Payload: 42})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}
