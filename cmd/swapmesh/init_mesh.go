package main

import (
	"context"
	"fmt"
	"log/slog"

	"swapmesh/internal/adapter/chain"
	"swapmesh/internal/domain"
	"swapmesh/internal/infra/config"
	"swapmesh/internal/usecase/agent"
	"swapmesh/internal/usecase/multiagent"
	"swapmesh/internal/usecase/specialist"
)

// MeshComponents holds the coordinator and the agents registered with it.
type MeshComponents struct {
	Coordinator *multiagent.Coordinator
	Agents      []multiagent.Agent
	// Market is the first market intelligence agent, driven by the refresh job.
	Market *specialist.MarketIntelligence
	Oracle specialist.GasOracle
}

// coordinatorConfig maps the config file sections onto the coordinator.
func coordinatorConfig(cfg *config.Config) multiagent.Config {
	c := cfg.Coordinator
	return multiagent.Config{
		MaxAgents:           c.MaxAgents,
		MaxFallbackHops:     c.MaxFallbackHops,
		MaxRetries:          c.MaxRetries,
		Backoff:             c.Backoff,
		MaxBackoff:          c.MaxBackoff,
		LoadBalancing:       c.LoadBalancing,
		MaxTasksPerAgent:    c.MaxTasksPerAgent,
		HealthThreshold:     c.HealthThreshold,
		MaxBroadcastTargets: c.MaxBroadcastTargets,
		HealthCheckInterval: c.HealthCheckInterval,
		TelemetryInterval:   c.TelemetryInterval,
		RestartThreshold:    c.RestartThreshold,
		RestartDelay:        c.RestartDelay,
		StopTimeout:         c.StopTimeout,
		Consensus: multiagent.ConsensusConfig{
			Timeout:       cfg.Consensus.Timeout,
			QuorumRatio:   cfg.Consensus.QuorumRatio,
			AllowDegraded: cfg.Consensus.AllowDegraded,
			DemoMode:      cfg.Consensus.DemoMode,
		},
	}
}

// agentConfig applies the shared runtime settings to one instance.
func agentConfig(rt config.AgentRuntimeConfig, inst config.AgentInstanceConfig, typ domain.AgentType) agent.Config {
	ac := agent.DefaultConfig(inst.ID, typ)
	ac.Networks = inst.Networks
	ac.Protocols = inst.Protocols
	ac.MaxConcurrentTasks = rt.MaxConcurrentTasks
	ac.Timeout = rt.Timeout
	ac.MaxRetries = rt.MaxRetries
	ac.Retry = agent.RetryPolicy{
		InitialDelay:  rt.RetryInitialDelay,
		BackoffFactor: rt.RetryBackoffFactor,
		MaxDelay:      rt.RetryMaxDelay,
	}
	ac.Breaker = agent.BreakerConfig{
		MaxFailures: rt.BreakerMaxFailures,
		ResetTime:   rt.BreakerResetTime,
	}
	ac.QueueSize = rt.QueueSize
	ac.RateLimit = rt.RateLimit
	ac.RateBurst = rt.RateBurst
	ac.RequestTimeout = rt.RequestTimeout
	return ac
}

func staticRoutes(cfg []config.RouteConfig) specialist.StaticRoutes {
	routes := make(specialist.StaticRoutes, 0, len(cfg))
	for _, r := range cfg {
		routes = append(routes, domain.Route{
			ID:            r.ID,
			FromChain:     r.FromChain,
			ToChain:       r.ToChain,
			FromToken:     r.FromToken,
			ToToken:       r.ToToken,
			AmountIn:      r.AmountIn,
			ExpectedOut:   r.ExpectedOut,
			Protocols:     r.Protocols,
			Bridges:       r.Bridges,
			Hops:          r.Hops,
			GasUnits:      r.GasUnits,
			FeeUSD:        r.FeeUSD,
			EstimatedTime: r.EstimatedTime,
			PriceImpact:   r.PriceImpact,
			Slippage:      r.Slippage,
			Liquidity:     r.Liquidity,
		})
	}
	return routes
}

// chainFeed serves configured market figures with the live gas price.
type chainFeed struct {
	base   specialist.FixedFeed
	oracle specialist.GasOracle
	logger *slog.Logger
}

func (f chainFeed) Snapshot(ctx context.Context, tokens []string) (domain.MarketSnapshot, error) {
	snap, err := f.base.Snapshot(ctx, tokens)
	if err != nil {
		return snap, err
	}
	gas, err := f.oracle.GasPriceGwei(ctx)
	if err != nil {
		f.logger.Warn("gas price unavailable, using configured value", "error", err)
		return snap, nil
	}
	snap.GasPriceGwei = gas
	return snap, nil
}

// initOracle dials the chain RPC when one is configured. The returned closer
// is never nil.
func initOracle(ctx context.Context, cfg config.ChainConfig, log *slog.Logger) (specialist.GasOracle, func(), error) {
	if cfg.RPCURL == "" {
		log.Info("gas oracle: static", "gwei", cfg.StaticGasGwei)
		return chain.StaticOracle(cfg.StaticGasGwei), func() {}, nil
	}
	oracle, err := chain.Dial(ctx, cfg.Name, cfg.RPCURL, cfg.GasCacheTTL, log)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s rpc: %w", cfg.Name, err)
	}
	return oracle, oracle.Close, nil
}

// buildAgent constructs the specialist for one configured instance.
func buildAgent(cfg *config.Config, inst config.AgentInstanceConfig, oracle specialist.GasOracle, log *slog.Logger) (multiagent.Agent, error) {
	typ, ok := domain.ParseAgentType(inst.Type)
	if !ok {
		return nil, fmt.Errorf("agent %q: unknown type %q", inst.ID, inst.Type)
	}
	ac := agentConfig(cfg.Agents.Runtime, inst, typ)

	switch typ {
	case domain.AgentTypeMarketIntelligence:
		m := cfg.Market
		feed := chainFeed{
			base: specialist.FixedFeed{
				Prices:       m.Prices,
				Volatility:   m.Volatility,
				Liquidity:    m.Liquidity,
				GasPriceGwei: cfg.Chain.StaticGasGwei,
			},
			oracle: oracle,
			logger: log,
		}
		return specialist.NewMarketIntelligence(ac, feed, m.Tokens, log,
			specialist.WithFeedRate(m.FeedRate, m.FeedBurst),
			specialist.WithSnapshotMaxAge(m.SnapshotMaxAge),
		), nil
	case domain.AgentTypeRiskAssessment:
		return specialist.NewRiskAssessor(ac, nil, log), nil
	case domain.AgentTypeRouteDiscovery:
		return specialist.NewRouteDiscovery(ac, staticRoutes(cfg.Routes), nil, log), nil
	case domain.AgentTypeExecutionStrategy:
		return specialist.NewExecutionStrategist(ac, oracle, nil, cfg.Chain.NativeUSD, log), nil
	case domain.AgentTypeSecurity:
		s := cfg.Security
		rules := specialist.ThreatRules{
			BlockedBridges:   s.BlockedBridges,
			BlockedProtocols: s.BlockedProtocols,
			MaxPriceImpact:   s.MaxPriceImpact,
		}
		return specialist.NewSecurityMonitor(ac, rules, log, specialist.WithAlertWindow(s.AlertWindow, s.AlertThreshold)), nil
	case domain.AgentTypePerformanceMonitor:
		return specialist.NewPerformanceMonitor(ac, log), nil
	}
	return nil, fmt.Errorf("agent %q: no constructor for type %q", inst.ID, typ)
}

// initMesh builds the coordinator and registers every configured agent.
// Start is left to the caller.
func initMesh(ctx context.Context, cfg *config.Config, oracle specialist.GasOracle, bus domain.EventBus, rec multiagent.Recorder, log *slog.Logger) (*MeshComponents, error) {
	opts := []multiagent.CoordinatorOption{multiagent.WithEventBus(bus)}
	if rec != nil {
		opts = append(opts, multiagent.WithRecorder(rec))
	}
	comp := &MeshComponents{
		Coordinator: multiagent.New(coordinatorConfig(cfg), log, opts...),
		Oracle:      oracle,
	}

	for _, inst := range cfg.Agents.Instances {
		a, err := buildAgent(cfg, inst, oracle, log)
		if err != nil {
			return nil, err
		}
		err = comp.Coordinator.RegisterAgent(ctx, a, multiagent.RegisterOptions{
			Type:         a.Type(),
			Priority:     inst.Priority,
			Dependencies: inst.Dependencies,
			IsBackup:     inst.Backup,
			Tags:         inst.Tags,
		})
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", inst.ID, err)
		}
		comp.Agents = append(comp.Agents, a)
		if m, ok := a.(*specialist.MarketIntelligence); ok && comp.Market == nil {
			comp.Market = m
		}
	}

	log.Info("mesh assembled", "agents", len(comp.Agents))
	return comp, nil
}
