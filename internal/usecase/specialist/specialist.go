// Package specialist implements the swap-route agents on top of agent.Base.
// Each agent delegates its judgement to a small strategy interface and ships
// a simple default; none of the defaults claims to be a production model.
package specialist

import (
	"context"
	"math"
	"time"

	"swapmesh/internal/domain"
	"swapmesh/internal/usecase/agent"
)

// Task types accepted by ExecuteTask.
const (
	TaskDiscoverRoutes    = "discover_routes"
	TaskPublishMarketData = "publish_market_data"
	TaskAssessRoute       = "assess_route"
	TaskPlanExecution     = "plan_execution"
	TaskInspectRoute      = "inspect_route"
	TaskSnapshot          = "performance_snapshot"
)

// RouteScorer turns a route into factor scores. Factors are 0-100; Overall
// may be left zero, in which case the criteria-weighted factor average is used.
type RouteScorer interface {
	Score(route domain.Route, criteria domain.DecisionCriteria) domain.ScoreBreakdown
}

// RouteScorerFunc adapts a function to RouteScorer.
type RouteScorerFunc func(route domain.Route, criteria domain.DecisionCriteria) domain.ScoreBreakdown

func (f RouteScorerFunc) Score(route domain.Route, criteria domain.DecisionCriteria) domain.ScoreBreakdown {
	return f(route, criteria)
}

// Reference points of DefaultScorer.
const (
	referenceFeeUSD = 10.0
	referenceTime   = 5 * time.Minute
)

// DefaultScorer rates routes on fee, duration, bridge count, hop count and
// expected slippage.
type DefaultScorer struct{}

func (DefaultScorer) Score(r domain.Route, criteria domain.DecisionCriteria) domain.ScoreBreakdown {
	s := domain.ScoreBreakdown{
		Cost:        100 * referenceFeeUSD / (referenceFeeUSD + math.Max(r.FeeUSD, 0)),
		Time:        100 * float64(referenceTime) / float64(referenceTime+max(r.EstimatedTime, 0)),
		Security:    clamp(100-20*float64(len(r.Bridges)), 0, 100),
		Reliability: clamp(100-15*float64(max(r.Hops-1, 0))-10*float64(len(r.Bridges)), 0, 100),
		Slippage:    clamp(100-20*(r.Slippage+r.PriceImpact), 0, 100),
	}
	s.Overall = s.Weighted(criteria)
	return s
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// prepare forces the agent type and fills the default capabilities.
func prepare(cfg agent.Config, typ domain.AgentType) agent.Config {
	cfg.Type = typ
	if cfg.ID == "" {
		cfg.ID = string(typ)
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = domain.DefaultCapabilities(typ)
	}
	return cfg
}

// payloadAs extracts a T carried by value or by pointer.
func payloadAs[T any](msg domain.AgentMessage) (T, bool) {
	switch v := msg.Payload.(type) {
	case T:
		return v, true
	case *T:
		if v != nil {
			return *v, true
		}
	}
	var zero T
	return zero, false
}

// vote scores every candidate route and returns a response for the best.
// Confidence grows with the lead over the runner-up.
func vote(agentID string, req *domain.ConsensusRequest, score func(domain.Route) domain.ScoreBreakdown, reasoning string) (domain.ConsensusResponse, bool) {
	if len(req.Routes) == 0 {
		return domain.ConsensusResponse{}, false
	}
	criteria := req.EffectiveCriteria()
	best, second := -1.0, -1.0
	var pick domain.Route
	var pickScores domain.ScoreBreakdown
	for _, r := range req.Routes {
		s := score(r)
		if s.Overall == 0 {
			s.Overall = s.Weighted(criteria)
		}
		switch {
		case s.Overall > best:
			second = best
			best = s.Overall
			pick, pickScores = r, s
		case s.Overall > second:
			second = s.Overall
		}
	}
	confidence := 0.7
	if second >= 0 {
		confidence = clamp(0.6+2*(best-second), 0.5, 0.95)
	}
	return domain.ConsensusResponse{
		RequestID:        req.ID,
		AgentID:          agentID,
		RecommendedRoute: pick.ID,
		Scores:           pickScores,
		Confidence:       confidence,
		Reasoning:        reasoning,
	}, true
}

// answerAnalysis replies to an analysis request with snap, or with err when
// the agent has nothing to offer. Requests without a correlation id have
// no waiting caller and are dropped.
func answerAnalysis(ctx context.Context, b *agent.Base, msg domain.AgentMessage, snap domain.MarketSnapshot, err error) error {
	if msg.CorrelationID == "" {
		b.Logger().Debug("uncorrelated analysis request ignored", "from", msg.From)
		return nil
	}
	if err != nil {
		return b.Reply(ctx, msg, err)
	}
	return b.Reply(ctx, msg, snap)
}

// answerConsensus votes on the request carried by msg and sends the vote
// back to the coordinator under the request's correlation id.
func answerConsensus(ctx context.Context, b *agent.Base, msg domain.AgentMessage, score func(domain.Route) domain.ScoreBreakdown, reasoning string) error {
	req, ok := payloadAs[domain.ConsensusRequest](msg)
	if !ok {
		b.Logger().Warn("consensus request without payload", "message_id", msg.ID, "from", msg.From)
		return nil
	}
	if !req.Deadline.IsZero() && time.Now().After(req.Deadline) {
		b.Logger().Debug("consensus request expired", "consensus_id", req.ID)
		return nil
	}
	resp, ok := vote(b.ID(), &req, score, reasoning)
	if !ok {
		return nil
	}
	out := domain.NewMessage(b.ID(), domain.CoordinatorID, domain.MessageConsensusResponse, resp, domain.PriorityHigh)
	out.CorrelationID = msg.CorrelationID
	if out.CorrelationID == "" {
		out.CorrelationID = req.ID
	}
	return b.Emit(ctx, out)
}
