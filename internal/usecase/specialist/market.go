package specialist

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"swapmesh/internal/domain"
	"swapmesh/internal/usecase/agent"
)

// MarketFeed supplies prices, volatility and liquidity for tokens.
type MarketFeed interface {
	Snapshot(ctx context.Context, tokens []string) (domain.MarketSnapshot, error)
}

// FixedFeed is a MarketFeed over constant figures.
type FixedFeed struct {
	Prices       map[string]float64
	Volatility   map[string]float64
	Liquidity    map[string]float64
	GasPriceGwei float64
}

func (f FixedFeed) Snapshot(_ context.Context, tokens []string) (domain.MarketSnapshot, error) {
	snap := domain.MarketSnapshot{
		Prices:       make(map[string]float64, len(tokens)),
		Volatility:   make(map[string]float64, len(tokens)),
		Liquidity:    make(map[string]float64, len(tokens)),
		GasPriceGwei: f.GasPriceGwei,
		Time:         time.Now(),
	}
	for _, t := range tokens {
		if p, ok := f.Prices[t]; ok {
			snap.Prices[t] = p
		}
		if v, ok := f.Volatility[t]; ok {
			snap.Volatility[t] = v
		}
		if l, ok := f.Liquidity[t]; ok {
			snap.Liquidity[t] = l
		}
	}
	return snap, nil
}

// MarketIntelligence polls a market feed, publishes MARKET_DATA and answers
// analysis requests. Feed calls are rate limited.
type MarketIntelligence struct {
	*agent.Base
	feed    MarketFeed
	tokens  []string
	limiter *rate.Limiter
	maxAge  time.Duration

	mu   sync.RWMutex
	last *domain.MarketSnapshot
}

// MarketOption configures a MarketIntelligence agent.
type MarketOption func(*MarketIntelligence)

// WithFeedRate limits feed calls to r per second with the given burst.
func WithFeedRate(r float64, burst int) MarketOption {
	return func(a *MarketIntelligence) { a.limiter = rate.NewLimiter(rate.Limit(r), max(burst, 1)) }
}

// WithSnapshotMaxAge reuses a snapshot younger than d instead of polling.
func WithSnapshotMaxAge(d time.Duration) MarketOption {
	return func(a *MarketIntelligence) { a.maxAge = d }
}

// NewMarketIntelligence creates a market agent tracking tokens.
func NewMarketIntelligence(cfg agent.Config, feed MarketFeed, tokens []string, logger *slog.Logger, opts ...MarketOption) *MarketIntelligence {
	a := &MarketIntelligence{
		feed:    feed,
		tokens:  append([]string(nil), tokens...),
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.Base = agent.NewBase(prepare(cfg, domain.AgentTypeMarketIntelligence), a, logger)
	return a
}

func (a *MarketIntelligence) Initialize(context.Context) error {
	if a.feed == nil {
		return domain.NewSubSystemError("agent", "MarketIntelligence.Initialize", domain.ErrInvalidInput, "no market feed")
	}
	return nil
}

func (a *MarketIntelligence) ProcessMessage(ctx context.Context, msg domain.AgentMessage) error {
	switch msg.Type {
	case domain.MessageAnalysisRequest:
		snap, err := a.Refresh(ctx)
		if err != nil {
			return err
		}
		if msg.CorrelationID != "" {
			return a.Reply(ctx, msg, snap)
		}
		return a.publish(ctx, snap)
	case domain.MessageConsensusRequest:
		return answerConsensus(ctx, a.Base, msg, a.score, "deepest liquidity with calm markets")
	default:
		a.Logger().Debug("market agent ignoring message", "type", string(msg.Type), "from", msg.From)
	}
	return nil
}

func (a *MarketIntelligence) HandleTask(ctx context.Context, task domain.Task) (any, error) {
	if task.Type != TaskPublishMarketData {
		return nil, domain.NewSubSystemError("agent", "MarketIntelligence.HandleTask", domain.ErrInvalidInput, "unknown task "+task.Type)
	}
	snap, err := a.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	return snap, a.publish(ctx, snap)
}

func (a *MarketIntelligence) Cleanup(context.Context) error { return nil }

// Refresh returns a fresh snapshot, polling the feed when the cached one is
// older than the configured max age.
func (a *MarketIntelligence) Refresh(ctx context.Context) (domain.MarketSnapshot, error) {
	if snap, ok := a.cached(); ok {
		return snap, nil
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("%w: market feed: %w", domain.ErrRateLimit, err)
	}
	snap, err := a.feed.Snapshot(ctx, a.tokens)
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("market feed: %w", err)
	}
	a.mu.Lock()
	a.last = &snap
	a.mu.Unlock()
	return cloneSnapshot(snap), nil
}

// Latest returns the last snapshot taken, if any.
func (a *MarketIntelligence) Latest() (domain.MarketSnapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.last == nil {
		return domain.MarketSnapshot{}, false
	}
	return cloneSnapshot(*a.last), true
}

func (a *MarketIntelligence) cached() (domain.MarketSnapshot, bool) {
	if a.maxAge <= 0 {
		return domain.MarketSnapshot{}, false
	}
	snap, ok := a.Latest()
	if !ok || time.Since(snap.Time) > a.maxAge {
		return domain.MarketSnapshot{}, false
	}
	return snap, true
}

func (a *MarketIntelligence) publish(ctx context.Context, snap domain.MarketSnapshot) error {
	return a.Emit(ctx, domain.NewMessage(a.ID(), domain.CoordinatorID, domain.MessageMarketData, snap, domain.PriorityMedium))
}

// score favours routes whose pool liquidity dwarfs the trade and whose
// source token is calm.
func (a *MarketIntelligence) score(r domain.Route) domain.ScoreBreakdown {
	s := DefaultScorer{}.Score(r, domain.DefaultCriteria())
	if r.Liquidity > 0 && r.AmountIn > 0 {
		s.Reliability = clamp(100*r.Liquidity/(r.Liquidity+10*r.AmountIn), 0, 100)
	}
	if snap, ok := a.Latest(); ok {
		s.Slippage = clamp(s.Slippage-100*snap.VolatilityOf(r.FromToken), 0, 100)
	}
	s.Overall = 0
	return s
}

func cloneSnapshot(s domain.MarketSnapshot) domain.MarketSnapshot {
	s.Prices = maps.Clone(s.Prices)
	s.Volatility = maps.Clone(s.Volatility)
	s.Liquidity = maps.Clone(s.Liquidity)
	return s
}
