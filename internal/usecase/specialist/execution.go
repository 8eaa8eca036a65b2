package specialist

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"swapmesh/internal/domain"
	"swapmesh/internal/usecase/agent"
)

// GasOracle reports the current gas price of the source chain.
type GasOracle interface {
	GasPriceGwei(ctx context.Context) (float64, error)
}

// ExecutionPlanner turns a route into an execution strategy.
type ExecutionPlanner interface {
	Plan(route domain.Route, risk *domain.RiskAssessment, gasGwei float64) domain.ExecutionStrategy
}

// Planner thresholds.
const (
	maxSplits          = 5
	splitLiquidityPart = 0.02
	mevAmountThreshold = 50_000.0
	mevRiskThreshold   = 50.0
	defaultDeadline    = 20 * time.Minute
)

// DefaultPlanner splits trades larger than 2% of pool liquidity and turns
// on MEV protection for large or risky trades.
type DefaultPlanner struct{}

func (DefaultPlanner) Plan(r domain.Route, risk *domain.RiskAssessment, gasGwei float64) domain.ExecutionStrategy {
	s := domain.ExecutionStrategy{RouteID: r.ID, GasPriceGwei: gasGwei, SplitCount: 1, Deadline: defaultDeadline}
	if r.Liquidity > 0 && r.AmountIn > 0 {
		s.SplitCount = int(math.Min(maxSplits, math.Max(1, math.Ceil(r.AmountIn/(r.Liquidity*splitLiquidityPart)))))
	}
	s.MEVProtection = r.AmountIn >= mevAmountThreshold || (risk != nil && risk.Score >= mevRiskThreshold)
	if r.EstimatedTime > 0 {
		s.Deadline = 2 * r.EstimatedTime
	}
	switch {
	case s.MEVProtection:
		s.Name = "protected"
	case s.SplitCount > 1:
		s.Name = "split"
	default:
		s.Name = "direct"
	}
	return s
}

// ExecutionStrategist plans route execution. It never submits transactions.
type ExecutionStrategist struct {
	*agent.Base
	oracle    GasOracle
	planner   ExecutionPlanner
	nativeUSD float64

	mu   sync.RWMutex
	risk map[string]domain.RiskAssessment
}

// NewExecutionStrategist creates an execution agent. nativeUSD prices the
// source chain's gas token for cost scoring; a nil planner selects
// DefaultPlanner.
func NewExecutionStrategist(cfg agent.Config, oracle GasOracle, planner ExecutionPlanner, nativeUSD float64, logger *slog.Logger) *ExecutionStrategist {
	if planner == nil {
		planner = DefaultPlanner{}
	}
	a := &ExecutionStrategist{
		oracle:    oracle,
		planner:   planner,
		nativeUSD: nativeUSD,
		risk:      make(map[string]domain.RiskAssessment),
	}
	a.Base = agent.NewBase(prepare(cfg, domain.AgentTypeExecutionStrategy), a, logger)
	return a
}

func (a *ExecutionStrategist) Initialize(ctx context.Context) error {
	if a.oracle == nil {
		return domain.NewSubSystemError("agent", "ExecutionStrategist.Initialize", domain.ErrInvalidInput, "no gas oracle")
	}
	if gwei, err := a.oracle.GasPriceGwei(ctx); err != nil {
		a.Logger().Warn("gas oracle unavailable at start", "error", err)
	} else {
		a.Logger().Info("gas oracle ready", "gas_price_gwei", gwei)
	}
	return nil
}

func (a *ExecutionStrategist) ProcessMessage(ctx context.Context, msg domain.AgentMessage) error {
	switch msg.Type {
	case domain.MessageRiskAssessment:
		if ra, ok := payloadAs[domain.RiskAssessment](msg); ok {
			a.mu.Lock()
			a.risk[ra.RouteID] = ra
			a.mu.Unlock()
		}
	case domain.MessageExecutionRequest:
		route, ok := payloadAs[domain.Route](msg)
		if !ok {
			return domain.NewSubSystemError("agent", "ExecutionStrategist.ProcessMessage", domain.ErrInvalidInput,
				fmt.Sprintf("execution request payload %T", msg.Payload))
		}
		plan, err := a.Plan(ctx, route)
		if err != nil {
			return err
		}
		if msg.CorrelationID != "" {
			return a.Reply(ctx, msg, plan)
		}
		a.Logger().Info("execution planned", "route_id", route.ID, "strategy", plan.Name, "splits", plan.SplitCount)
	case domain.MessageAnalysisRequest:
		gwei, err := a.oracle.GasPriceGwei(ctx)
		if err != nil {
			return answerAnalysis(ctx, a.Base, msg, domain.MarketSnapshot{}, fmt.Errorf("%w: gas price: %w", domain.ErrNoMarketData, err))
		}
		return answerAnalysis(ctx, a.Base, msg, domain.MarketSnapshot{GasPriceGwei: gwei, Time: time.Now()}, nil)
	case domain.MessageConsensusRequest:
		gwei, err := a.oracle.GasPriceGwei(ctx)
		if err != nil {
			return fmt.Errorf("gas price: %w", err)
		}
		req, _ := payloadAs[domain.ConsensusRequest](msg)
		return answerConsensus(ctx, a.Base, msg, func(r domain.Route) domain.ScoreBreakdown {
			r.FeeUSD += a.gasCostUSD(r, gwei)
			s := DefaultScorer{}.Score(r, req.EffectiveCriteria())
			s.Overall = 0
			return s
		}, "cheapest to execute at current gas")
	default:
		a.Logger().Debug("execution agent ignoring message", "type", string(msg.Type), "from", msg.From)
	}
	return nil
}

func (a *ExecutionStrategist) HandleTask(ctx context.Context, task domain.Task) (any, error) {
	if task.Type != TaskPlanExecution {
		return nil, domain.NewSubSystemError("agent", "ExecutionStrategist.HandleTask", domain.ErrInvalidInput, "unknown task "+task.Type)
	}
	route, ok := task.Payload.(domain.Route)
	if !ok {
		return nil, domain.NewSubSystemError("agent", "ExecutionStrategist.HandleTask", domain.ErrInvalidInput,
			fmt.Sprintf("payload %T is not a route", task.Payload))
	}
	return a.Plan(ctx, route)
}

func (a *ExecutionStrategist) Cleanup(context.Context) error { return nil }

// Plan builds an execution strategy for route at the current gas price.
func (a *ExecutionStrategist) Plan(ctx context.Context, route domain.Route) (domain.ExecutionStrategy, error) {
	gwei, err := a.oracle.GasPriceGwei(ctx)
	if err != nil {
		return domain.ExecutionStrategy{}, fmt.Errorf("gas price: %w", err)
	}
	a.mu.RLock()
	ra, ok := a.risk[route.ID]
	a.mu.RUnlock()
	var risk *domain.RiskAssessment
	if ok {
		risk = &ra
	}
	return a.planner.Plan(route, risk, gwei), nil
}

// gasCostUSD prices the route's gas units at gwei.
func (a *ExecutionStrategist) gasCostUSD(r domain.Route, gwei float64) float64 {
	return float64(r.GasUnits) * gwei * 1e-9 * a.nativeUSD
}
