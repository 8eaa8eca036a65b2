package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"swapmesh/internal/adapter/chain"
	"swapmesh/internal/domain"
	"swapmesh/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

const rpcCheckTimeout = 10 * time.Second

func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)
	if cfgErr != nil {
		cfg = nil
	}

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Agents", Fn: checkAgents},
		{Name: "Consensus policy", Fn: checkConsensus},
		{Name: "Chain RPC", Fn: checkChainRPC},
		{Name: "Gateway address", Fn: checkGatewayAddr},
		{Name: "Alert notifiers", Fn: checkNotifiers},
	}

	fmt.Println("swapmesh doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	pass, warn, fail := runChecks(os.Stdout, cfg, checks)

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn == 0 {
		fmt.Println("\nAll checks passed! swapmesh is ready to run.")
	}
	return nil
}

func runChecks(w io.Writer, cfg *config.Config, checks []Check) (pass, warn, fail int) {
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}
	return pass, warn, fail
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

var notLoaded = CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}

func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Fix the listed fields in " + cfgPath,
			}
		}
		if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config at %s, defaults apply", cfgPath),
				Fix:     "Create config.yaml or pass --config",
			}
		}
		return CheckResult{Status: StatusPass, Message: "config loaded from " + cfgPath}
	}
}

// checkAgents verifies every agent type the consensus pipeline relies on is present.
func checkAgents(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	present := make(map[domain.AgentType]int)
	for _, inst := range cfg.Agents.Instances {
		if typ, ok := domain.ParseAgentType(inst.Type); ok {
			present[typ]++
		}
	}
	if len(present) == 0 {
		return CheckResult{Status: StatusFail, Message: "no agents configured", Fix: "Add agents.instances"}
	}
	var missing []string
	for _, typ := range domain.AgentTypes {
		if present[typ] == 0 {
			missing = append(missing, string(typ))
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d agents; no %s", len(cfg.Agents.Instances), strings.Join(missing, ", ")),
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d agents covering every type", len(cfg.Agents.Instances))}
}

func checkConsensus(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	c := cfg.Consensus
	switch {
	case c.DemoMode:
		return CheckResult{
			Status:  StatusWarn,
			Message: "demo mode synthesises votes when agents are silent",
			Fix:     "Set consensus.demo_mode: false outside demos",
		}
	case c.AllowDegraded:
		return CheckResult{Status: StatusWarn, Message: fmt.Sprintf("rounds below quorum %.0f%% still decide", c.QuorumRatio*100)}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("strict quorum %.0f%%, timeout %s", c.QuorumRatio*100, c.Timeout)}
}

func checkChainRPC(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if cfg.Chain.RPCURL == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("no RPC, static gas price %.1f gwei", cfg.Chain.StaticGasGwei),
			Fix:     "Set chain.rpc_url or SWAPMESH_CHAIN_RPC_URL for live gas prices",
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcCheckTimeout)
	defer cancel()

	oracle, err := chain.Dial(ctx, cfg.Chain.Name, cfg.Chain.RPCURL, cfg.Chain.GasCacheTTL, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("dial failed: %v", err), Fix: "Check chain.rpc_url"}
	}
	defer oracle.Close()

	id, err := oracle.ChainID(ctx)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("chain id: %v", err)}
	}
	gas, err := oracle.GasPriceGwei(ctx)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("gas price: %v", err)}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s chain id %d, gas %.2f gwei", cfg.Chain.Name, id, gas)}
}

func checkGatewayAddr(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if !cfg.Gateway.Enabled {
		return CheckResult{Status: StatusPass, Message: "gateway disabled"}
	}
	ln, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot bind %s: %v", cfg.Gateway.Addr, err),
			Fix:     "Stop the process using the port or change gateway.addr",
		}
	}
	ln.Close()

	host, _, _ := net.SplitHostPort(cfg.Gateway.Addr)
	if cfg.Gateway.Token == "" && !isLoopback(host) {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s is reachable beyond loopback without a token", cfg.Gateway.Addr),
			Fix:     "Set gateway.token",
		}
	}
	return CheckResult{Status: StatusPass, Message: cfg.Gateway.Addr + " is free"}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func checkNotifiers(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	var sinks []string
	if s := cfg.Notify.Slack; s.Enabled {
		sinks = append(sinks, "slack "+s.Channel)
	}
	if d := cfg.Notify.Discord; d.Enabled {
		sinks = append(sinks, "discord "+d.ChannelID)
	}
	if len(sinks) == 0 {
		return CheckResult{Status: StatusPass, Message: "none, alerts stay on the event bus"}
	}
	return CheckResult{Status: StatusPass, Message: "alerts go to " + strings.Join(sinks, ", ")}
}
