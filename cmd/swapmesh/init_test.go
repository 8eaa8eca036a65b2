package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"swapmesh/internal/adapter/chain"
	"swapmesh/internal/domain"
	"swapmesh/internal/infra/config"
	"swapmesh/internal/usecase/eventbus"
	"swapmesh/internal/usecase/multiagent"
	"swapmesh/internal/usecase/specialist"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRoutes() []domain.Route {
	return []domain.Route{
		{ID: "stargate-direct", FromChain: "ethereum", ToChain: "arbitrum", AmountIn: 10_000, ExpectedOut: 9_990,
			Bridges: []string{"stargate"}, Hops: 1, FeeUSD: 4, EstimatedTime: 2 * time.Minute, PriceImpact: 0.1, Slippage: 0.3, Liquidity: 5_000_000},
		{ID: "hop-multi", FromChain: "ethereum", ToChain: "arbitrum", AmountIn: 10_000, ExpectedOut: 9_950,
			Bridges: []string{"hop"}, Protocols: []string{"uniswap"}, Hops: 3, FeeUSD: 9, EstimatedTime: 10 * time.Minute, PriceImpact: 0.8, Slippage: 0.5, Liquidity: 800_000},
	}
}

func TestCoordinatorConfigMapping(t *testing.T) {
	cfg := config.Defaults()
	cfg.Coordinator.MaxFallbackHops = 7
	cfg.Consensus.QuorumRatio = 0.75
	cfg.Consensus.DemoMode = true

	mc := coordinatorConfig(cfg)
	if mc.MaxFallbackHops != 7 {
		t.Errorf("MaxFallbackHops = %d", mc.MaxFallbackHops)
	}
	if mc.Consensus.QuorumRatio != 0.75 || !mc.Consensus.DemoMode {
		t.Errorf("Consensus = %+v", mc.Consensus)
	}
	if mc.StopTimeout != cfg.Coordinator.StopTimeout {
		t.Errorf("StopTimeout = %v, want %v", mc.StopTimeout, cfg.Coordinator.StopTimeout)
	}
}

func TestAgentConfigMapping(t *testing.T) {
	rt := config.Defaults().Agents.Runtime
	rt.RateLimit = 5
	rt.RateBurst = 2
	inst := config.AgentInstanceConfig{ID: "exec-l2", Type: "execution-strategy", Networks: []string{"arbitrum"}}

	ac := agentConfig(rt, inst, domain.AgentTypeExecutionStrategy)
	if ac.ID != "exec-l2" || ac.Type != domain.AgentTypeExecutionStrategy {
		t.Errorf("identity = %s/%s", ac.ID, ac.Type)
	}
	if ac.RateLimit != 5 || ac.RateBurst != 2 {
		t.Errorf("rate = %v/%d", ac.RateLimit, ac.RateBurst)
	}
	if len(ac.Networks) != 1 || ac.Networks[0] != "arbitrum" {
		t.Errorf("Networks = %v", ac.Networks)
	}
	if ac.Breaker.MaxFailures != rt.BreakerMaxFailures {
		t.Errorf("Breaker.MaxFailures = %d", ac.Breaker.MaxFailures)
	}
}

func TestBuildAgentUnknownType(t *testing.T) {
	_, err := buildAgent(config.Defaults(), config.AgentInstanceConfig{ID: "x", Type: "oracle"}, chain.StaticOracle(20), testLogger())
	if err == nil || !strings.Contains(err.Error(), "unknown type") {
		t.Fatalf("err = %v", err)
	}
}

type failingOracle struct{}

func (failingOracle) GasPriceGwei(context.Context) (float64, error) {
	return 0, errors.New("rpc down")
}

func TestChainFeedGasPrice(t *testing.T) {
	base := specialist.FixedFeed{Prices: map[string]float64{"ETH": 3000}, GasPriceGwei: 20}

	live := chainFeed{base: base, oracle: chain.StaticOracle(42), logger: testLogger()}
	snap, err := live.Snapshot(context.Background(), []string{"ETH"})
	if err != nil {
		t.Fatal(err)
	}
	if snap.GasPriceGwei != 42 {
		t.Errorf("GasPriceGwei = %v, want 42", snap.GasPriceGwei)
	}

	fallback := chainFeed{base: base, oracle: failingOracle{}, logger: testLogger()}
	snap, err = fallback.Snapshot(context.Background(), []string{"ETH"})
	if err != nil {
		t.Fatal(err)
	}
	if snap.GasPriceGwei != 20 {
		t.Errorf("GasPriceGwei = %v, want configured 20", snap.GasPriceGwei)
	}
}

func TestInitOracleStatic(t *testing.T) {
	oracle, closeFn, err := initOracle(context.Background(), config.ChainConfig{StaticGasGwei: 15}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	gas, _ := oracle.GasPriceGwei(context.Background())
	if gas != 15 {
		t.Errorf("gas = %v", gas)
	}
}

func startMesh(t *testing.T, cfg *config.Config) (*MeshComponents, *RuntimeComponents) {
	t.Helper()
	log := testLogger()
	bus := eventbus.New(log)
	rec := initMetrics(cfg.Metrics)

	mesh, err := initMesh(context.Background(), cfg, chain.StaticOracle(cfg.Chain.StaticGasGwei), bus, recorderFor(rec), log)
	if err != nil {
		t.Fatalf("initMesh: %v", err)
	}
	rt, cleanup, err := initRuntime(cfg, mesh, rec, bus, log)
	if err != nil {
		t.Fatalf("initRuntime: %v", err)
	}
	if err := mesh.Coordinator.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cleanup(ctx)
		_ = mesh.Coordinator.Stop(ctx)
		bus.Close()
	})
	return mesh, rt
}

func TestMeshFromDefaults(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.Enabled = false
	mesh, _ := startMesh(t, cfg)

	if len(mesh.Agents) != len(cfg.Agents.Instances) {
		t.Fatalf("agents = %d, want %d", len(mesh.Agents), len(cfg.Agents.Instances))
	}
	if mesh.Market == nil {
		t.Fatal("market agent not captured")
	}
	health := mesh.Coordinator.GetSystemHealth()
	if !health.Healthy || health.ActiveAgents != len(cfg.Agents.Instances) {
		t.Errorf("health = %+v", health)
	}

	result, err := mesh.Coordinator.RequestConsensus(context.Background(), multiagent.ConsensusInput{Routes: testRoutes()})
	if err != nil {
		t.Fatalf("RequestConsensus: %v", err)
	}
	if result.SelectedRoute != "stargate-direct" && result.SelectedRoute != "hop-multi" {
		t.Errorf("SelectedRoute = %q", result.SelectedRoute)
	}
	if result.Responses == 0 {
		t.Error("no agent voted")
	}

	if err := marketRefresh(mesh.Market, time.Second)(context.Background()); err != nil {
		t.Errorf("market refresh: %v", err)
	}
}

func TestRuntimeGatewayServesMetrics(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.Token = "tok"
	cfg.Market.RefreshSchedule = "1h"
	mesh, rt := startMesh(t, cfg)

	if rt.Gateway == nil {
		t.Fatal("gateway not built")
	}
	if rt.Scheduler == nil {
		t.Fatal("market refresh scheduler not built")
	}
	if _, ok := rt.Scheduler.NextRun(marketRefreshJob); !ok {
		t.Error("market refresh job not scheduled")
	}

	if err := mesh.Coordinator.CheckHealth(context.Background()); err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}

	ts := httptest.NewServer(rt.Gateway.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), cfg.Metrics.Namespace+"_agent_healthy") {
		t.Errorf("/metrics missing %s_agent_healthy", cfg.Metrics.Namespace)
	}

	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers not applied")
	}

	resp, err = http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("/api/v1/health without token = %d", resp.StatusCode)
	}
}

func TestRuntimeGatewayRateLimits(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.RateLimitPerMin = 1
	cfg.Gateway.RateBurst = 2
	_, rt := startMesh(t, cfg)

	ts := httptest.NewServer(rt.Gateway.Handler())
	defer ts.Close()

	var codes []int
	for range 3 {
		resp, err := http.Get(ts.URL + "/healthz")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("status codes = %v, want [200 200 429]", codes)
	}
}

func TestRuntimeStartsNotifiers(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.Enabled = false
	cfg.Notify.Slack = config.SlackConfig{Enabled: true, Token: "xoxb-test", Channel: "#alerts"}
	cfg.Notify.Discord = config.DiscordConfig{Enabled: true, Token: "bot", ChannelID: "42", MinSeverity: "critical"}
	_, rt := startMesh(t, cfg)

	names := sinkNames(rt.Notifiers)
	if len(names) != 2 || names[0] != "slack" || names[1] != "discord" {
		t.Errorf("notifiers = %v", names)
	}
}
