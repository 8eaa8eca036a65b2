package specialist

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"swapmesh/internal/domain"
	"swapmesh/internal/usecase/agent"
)

// RouteSource finds candidate routes for a swap. Aggregator clients are
// plugged in from outside.
type RouteSource interface {
	Routes(ctx context.Context, q domain.RouteQuery) ([]domain.Route, error)
}

// StaticRoutes serves a fixed route table filtered by the query.
type StaticRoutes []domain.Route

func (s StaticRoutes) Routes(_ context.Context, q domain.RouteQuery) ([]domain.Route, error) {
	var out []domain.Route
	for _, r := range s {
		if matches(q.FromChain, r.FromChain) && matches(q.ToChain, r.ToChain) &&
			matches(q.FromToken, r.FromToken) && matches(q.ToToken, r.ToToken) {
			if q.Amount > 0 {
				r.AmountIn = q.Amount
			}
			out = append(out, r)
		}
	}
	return out, nil
}

func matches(want, have string) bool {
	return want == "" || strings.EqualFold(want, have)
}

// RouteDiscovery finds and ranks routes, proposes them to risk agents and
// votes in consensus rounds using the risk verdicts it has seen.
type RouteDiscovery struct {
	*agent.Base
	source RouteSource
	scorer RouteScorer

	mu     sync.RWMutex
	risk   map[string]domain.RiskAssessment
	market *domain.MarketSnapshot
}

// NewRouteDiscovery creates a route discovery agent. A nil scorer selects
// DefaultScorer.
func NewRouteDiscovery(cfg agent.Config, source RouteSource, scorer RouteScorer, logger *slog.Logger) *RouteDiscovery {
	if scorer == nil {
		scorer = DefaultScorer{}
	}
	a := &RouteDiscovery{source: source, scorer: scorer, risk: make(map[string]domain.RiskAssessment)}
	a.Base = agent.NewBase(prepare(cfg, domain.AgentTypeRouteDiscovery), a, logger)
	return a
}

func (a *RouteDiscovery) Initialize(context.Context) error {
	if a.source == nil {
		return domain.NewSubSystemError("agent", "RouteDiscovery.Initialize", domain.ErrInvalidInput, "no route source")
	}
	return nil
}

func (a *RouteDiscovery) ProcessMessage(ctx context.Context, msg domain.AgentMessage) error {
	switch msg.Type {
	case domain.MessageMarketData:
		if snap, ok := payloadAs[domain.MarketSnapshot](msg); ok {
			a.mu.Lock()
			a.market = &snap
			a.mu.Unlock()
		}
	case domain.MessageRiskAssessment:
		if ra, ok := payloadAs[domain.RiskAssessment](msg); ok {
			a.mu.Lock()
			a.risk[ra.RouteID] = ra
			a.mu.Unlock()
		}
	case domain.MessageAnalysisRequest:
		snap, ok := a.lastMarket()
		if !ok {
			return answerAnalysis(ctx, a.Base, msg, snap, domain.NewSubSystemError("agent", "RouteDiscovery.ProcessMessage",
				domain.ErrNoMarketData, "no market snapshot received"))
		}
		return answerAnalysis(ctx, a.Base, msg, snap, nil)
	case domain.MessageConsensusRequest:
		return answerConsensus(ctx, a.Base, msg, a.scoreFor(msg), "best fee, time and slippage balance")
	default:
		a.Logger().Debug("route discovery ignoring message", "type", string(msg.Type), "from", msg.From)
	}
	return nil
}

func (a *RouteDiscovery) HandleTask(ctx context.Context, task domain.Task) (any, error) {
	if task.Type != TaskDiscoverRoutes {
		return nil, domain.NewSubSystemError("agent", "RouteDiscovery.HandleTask", domain.ErrInvalidInput, "unknown task "+task.Type)
	}
	q, ok := task.Payload.(domain.RouteQuery)
	if !ok {
		return nil, domain.NewSubSystemError("agent", "RouteDiscovery.HandleTask", domain.ErrInvalidInput,
			fmt.Sprintf("payload %T is not a route query", task.Payload))
	}
	return a.Discover(ctx, q)
}

func (a *RouteDiscovery) Cleanup(context.Context) error { return nil }

// Discover fetches routes for q, ranks them best first and proposes each to
// the coordinator.
func (a *RouteDiscovery) Discover(ctx context.Context, q domain.RouteQuery) ([]domain.Route, error) {
	routes, err := a.source.Routes(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("discover routes: %w", err)
	}
	criteria := domain.DefaultCriteria()
	scores := make(map[string]float64, len(routes))
	for _, r := range routes {
		scores[r.ID] = a.score(r, criteria).Overall
	}
	sort.SliceStable(routes, func(i, j int) bool { return scores[routes[i].ID] > scores[routes[j].ID] })

	for _, r := range routes {
		msg := domain.NewMessage(a.ID(), domain.CoordinatorID, domain.MessageRouteProposal, r, domain.PriorityMedium)
		if err := a.Emit(ctx, msg); err != nil {
			return routes, err
		}
	}
	a.Logger().Info("routes discovered", "count", len(routes), "from", q.FromChain, "to", q.ToChain)
	return routes, nil
}

// lastMarket returns a copy of the latest market snapshot received.
func (a *RouteDiscovery) lastMarket() (domain.MarketSnapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.market == nil {
		return domain.MarketSnapshot{}, false
	}
	return cloneSnapshot(*a.market), true
}

// score folds a known risk verdict into the security factor and the source
// token's volatility into the slippage factor.
func (a *RouteDiscovery) score(r domain.Route, criteria domain.DecisionCriteria) domain.ScoreBreakdown {
	s := a.scorer.Score(r, criteria)
	a.mu.RLock()
	ra, known := a.risk[r.ID]
	vol := a.market.VolatilityOf(r.FromToken)
	a.mu.RUnlock()
	if !known && vol == 0 {
		return s
	}
	if known {
		s.Security = clamp(100-ra.Score, 0, 100)
	}
	s.Slippage = clamp(s.Slippage-100*vol, 0, 100)
	s.Overall = s.Weighted(criteria)
	return s
}

func (a *RouteDiscovery) scoreFor(msg domain.AgentMessage) func(domain.Route) domain.ScoreBreakdown {
	criteria := domain.DefaultCriteria()
	if req, ok := payloadAs[domain.ConsensusRequest](msg); ok {
		criteria = req.EffectiveCriteria()
	}
	return func(r domain.Route) domain.ScoreBreakdown { return a.score(r, criteria) }
}
