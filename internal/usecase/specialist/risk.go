package specialist

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"swapmesh/internal/domain"
	"swapmesh/internal/usecase/agent"
)

// RiskModel rates a route. Score runs from 0 (safe) to 100.
type RiskModel interface {
	Assess(route domain.Route, market *domain.MarketSnapshot) domain.RiskAssessment
}

// Risk levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// HeuristicRiskModel adds fixed penalties for bridges, hops, price impact,
// thin liquidity and source token volatility.
type HeuristicRiskModel struct{}

func (HeuristicRiskModel) Assess(r domain.Route, market *domain.MarketSnapshot) domain.RiskAssessment {
	ra := domain.RiskAssessment{RouteID: r.ID}
	add := func(points float64, factor string) {
		if points > 0 {
			ra.Score += points
			ra.Factors = append(ra.Factors, factor)
		}
	}
	add(15*float64(len(r.Bridges)), "bridge exposure")
	add(5*float64(max(r.Hops-1, 0)), "multi-hop")
	add(10*r.PriceImpact, "price impact")
	if r.Liquidity > 0 && r.AmountIn > 0 && r.Liquidity < 10*r.AmountIn {
		add(20, "thin liquidity")
	}
	add(100*market.VolatilityOf(r.FromToken), "volatile source token")
	ra.Score = clamp(ra.Score, 0, 100)
	ra.Level = riskLevel(ra.Score)
	return ra
}

func riskLevel(score float64) string {
	switch {
	case score < 30:
		return RiskLow
	case score < 60:
		return RiskMedium
	}
	return RiskHigh
}

// RiskAssessor answers route proposals with RISK_ASSESSMENT messages and
// votes for the safest route.
type RiskAssessor struct {
	*agent.Base
	model RiskModel

	mu     sync.RWMutex
	market *domain.MarketSnapshot
}

// NewRiskAssessor creates a risk agent. A nil model selects HeuristicRiskModel.
func NewRiskAssessor(cfg agent.Config, model RiskModel, logger *slog.Logger) *RiskAssessor {
	if model == nil {
		model = HeuristicRiskModel{}
	}
	a := &RiskAssessor{model: model}
	a.Base = agent.NewBase(prepare(cfg, domain.AgentTypeRiskAssessment), a, logger)
	return a
}

func (a *RiskAssessor) Initialize(context.Context) error { return nil }

func (a *RiskAssessor) ProcessMessage(ctx context.Context, msg domain.AgentMessage) error {
	switch msg.Type {
	case domain.MessageMarketData:
		if snap, ok := payloadAs[domain.MarketSnapshot](msg); ok {
			a.mu.Lock()
			a.market = &snap
			a.mu.Unlock()
		}
	case domain.MessageRouteProposal:
		route, ok := payloadAs[domain.Route](msg)
		if !ok {
			return domain.NewSubSystemError("agent", "RiskAssessor.ProcessMessage", domain.ErrInvalidInput,
				fmt.Sprintf("route proposal payload %T", msg.Payload))
		}
		ra := a.Assess(route)
		out := domain.NewMessage(a.ID(), domain.CoordinatorID, domain.MessageRiskAssessment, ra, priorityForRisk(ra))
		out.CorrelationID = msg.ID
		return a.Emit(ctx, out)
	case domain.MessageConsensusRequest:
		req, _ := payloadAs[domain.ConsensusRequest](msg)
		return answerConsensus(ctx, a.Base, msg, func(r domain.Route) domain.ScoreBreakdown {
			ra, ok := req.AssessmentFor(r.ID)
			if !ok {
				ra = a.Assess(r)
			}
			s := DefaultScorer{}.Score(r, req.EffectiveCriteria())
			s.Security = 100 - ra.Score
			s.Reliability = clamp(s.Reliability-ra.Score/2, 0, 100)
			s.Overall = 0
			return s
		}, "lowest assessed risk")
	default:
		a.Logger().Debug("risk agent ignoring message", "type", string(msg.Type), "from", msg.From)
	}
	return nil
}

func (a *RiskAssessor) HandleTask(_ context.Context, task domain.Task) (any, error) {
	if task.Type != TaskAssessRoute {
		return nil, domain.NewSubSystemError("agent", "RiskAssessor.HandleTask", domain.ErrInvalidInput, "unknown task "+task.Type)
	}
	route, ok := task.Payload.(domain.Route)
	if !ok {
		return nil, domain.NewSubSystemError("agent", "RiskAssessor.HandleTask", domain.ErrInvalidInput,
			fmt.Sprintf("payload %T is not a route", task.Payload))
	}
	return a.Assess(route), nil
}

func (a *RiskAssessor) Cleanup(context.Context) error { return nil }

// Assess rates route against the latest market data.
func (a *RiskAssessor) Assess(route domain.Route) domain.RiskAssessment {
	a.mu.RLock()
	market := a.market
	a.mu.RUnlock()
	return a.model.Assess(route, market)
}

func priorityForRisk(ra domain.RiskAssessment) domain.MessagePriority {
	if ra.Level == RiskHigh {
		return domain.PriorityHigh
	}
	return domain.PriorityMedium
}
