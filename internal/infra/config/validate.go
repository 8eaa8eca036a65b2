package config

import (
	"fmt"
	"net"
	"strings"

	"swapmesh/internal/domain"
	"swapmesh/internal/usecase/scheduling"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateCoordinator(cfg, ve)
	validateConsensus(cfg, ve)
	validateAgents(cfg, ve)
	validateMarket(cfg, ve)
	validateRoutes(cfg, ve)
	validateChain(cfg, ve)
	validateSecurity(cfg, ve)
	validateGateway(cfg, ve)
	validateNotify(cfg, ve)
	validateLogger(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateCoordinator(cfg *Config, ve *ValidationError) {
	c := cfg.Coordinator
	if c.MaxAgents <= 0 {
		ve.Add("coordinator.max_agents must be > 0")
	}
	if c.MaxFallbackHops < 0 {
		ve.Add("coordinator.max_fallback_hops must be >= 0")
	}
	if c.MaxRetries <= 0 {
		ve.Add("coordinator.max_retries must be > 0")
	}
	if c.Backoff < 0 || c.MaxBackoff < 0 {
		ve.Add("coordinator.backoff and coordinator.max_backoff must be >= 0")
	}
	if c.HealthThreshold < 0 || c.HealthThreshold > 1 {
		ve.Add("coordinator.health_threshold must be between 0 and 1")
	}
	if c.MaxTasksPerAgent <= 0 {
		ve.Add("coordinator.max_tasks_per_agent must be > 0")
	}
}

func validateConsensus(cfg *Config, ve *ValidationError) {
	if cfg.Consensus.Timeout <= 0 {
		ve.Add("consensus.timeout must be > 0")
	}
	if r := cfg.Consensus.QuorumRatio; r <= 0 || r > 1 {
		ve.Add("consensus.quorum_ratio must be in (0, 1], got %v", r)
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	rt := cfg.Agents.Runtime
	if rt.MaxRetries < 0 {
		ve.Add("agents.runtime.max_retries must be >= 0")
	}
	if rt.RateLimit < 0 {
		ve.Add("agents.runtime.rate_limit must be >= 0")
	}

	if len(cfg.Agents.Instances) > cfg.Coordinator.MaxAgents && cfg.Coordinator.MaxAgents > 0 {
		ve.Add("agents.instances has %d entries, above coordinator.max_agents %d", len(cfg.Agents.Instances), cfg.Coordinator.MaxAgents)
	}

	ids := make(map[string]bool, len(cfg.Agents.Instances))
	for i, inst := range cfg.Agents.Instances {
		switch {
		case inst.ID == "":
			ve.Add("agents.instances[%d].id is required", i)
		case inst.ID == domain.CoordinatorID || inst.ID == domain.BroadcastID:
			ve.Add("agents.instances[%d].id %q is reserved", i, inst.ID)
		case ids[inst.ID]:
			ve.Add("agents.instances[%d].id %q is duplicated", i, inst.ID)
		}
		ids[inst.ID] = true
		if _, ok := domain.ParseAgentType(inst.Type); !ok {
			ve.Add("agents.instances[%d].type %q is not a known agent type", i, inst.Type)
		}
	}
	for i, inst := range cfg.Agents.Instances {
		for _, dep := range inst.Dependencies {
			if !ids[dep] {
				ve.Add("agents.instances[%d].dependencies references unknown agent %q", i, dep)
			}
		}
	}
}

func validateMarket(cfg *Config, ve *ValidationError) {
	if cfg.Market.FeedRate < 0 {
		ve.Add("market.feed_rate must be >= 0")
	}
	if s := cfg.Market.RefreshSchedule; s != "" {
		if _, err := scheduling.ParseSchedule(s); err != nil {
			ve.Add("market.refresh_schedule: %v", err)
		}
	}
}

func validateRoutes(cfg *Config, ve *ValidationError) {
	ids := make(map[string]bool, len(cfg.Routes))
	for i, r := range cfg.Routes {
		if r.ID == "" {
			ve.Add("routes[%d].id is required", i)
		} else if ids[r.ID] {
			ve.Add("routes[%d].id %q is duplicated", i, r.ID)
		}
		ids[r.ID] = true
		if r.FromChain == "" || r.ToChain == "" {
			ve.Add("routes[%d] needs from_chain and to_chain", i)
		}
		if r.Hops <= 0 {
			ve.Add("routes[%d].hops must be > 0", i)
		}
		if r.FeeUSD < 0 || r.AmountIn < 0 {
			ve.Add("routes[%d] amounts must be >= 0", i)
		}
	}
}

func validateChain(cfg *Config, ve *ValidationError) {
	if cfg.Chain.RPCURL == "" && cfg.Chain.StaticGasGwei <= 0 {
		ve.Add("chain.static_gas_gwei must be > 0 when chain.rpc_url is empty")
	}
	if strings.HasPrefix(cfg.Chain.RPCURL, encPrefix) {
		ve.Add("chain.rpc_url is encrypted but %s is not set", EnvConfigKey)
	}
	if cfg.Chain.NativeUSD < 0 {
		ve.Add("chain.native_usd must be >= 0")
	}
}

func validateSecurity(cfg *Config, ve *ValidationError) {
	if cfg.Security.MaxPriceImpact < 0 {
		ve.Add("security.max_price_impact must be >= 0")
	}
	if cfg.Security.AlertThreshold < 0 {
		ve.Add("security.alert_threshold must be >= 0")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	if strings.HasPrefix(cfg.Gateway.Token, encPrefix) {
		ve.Add("gateway.token is encrypted but %s is not set", EnvConfigKey)
	}
	if cfg.Gateway.RateLimitPerMin < 0 {
		ve.Add("gateway.rate_limit_per_min must be >= 0")
	}
	if cfg.Gateway.RateBurst < 0 {
		ve.Add("gateway.rate_burst must be >= 0")
	}
	for i, p := range cfg.Gateway.TrustedProxies {
		if net.ParseIP(p) == nil {
			ve.Add("gateway.trusted_proxies[%d] %q is not an IP address", i, p)
		}
	}
}

func validateNotify(cfg *Config, ve *ValidationError) {
	if s := cfg.Notify.Slack; s.Enabled {
		validateSink(ve, "slack", s.Token, s.MinSeverity)
		if s.Channel == "" {
			ve.Add("notify.slack.channel is required when slack is enabled")
		}
	}
	if d := cfg.Notify.Discord; d.Enabled {
		validateSink(ve, "discord", d.Token, d.MinSeverity)
		if d.ChannelID == "" {
			ve.Add("notify.discord.channel_id is required when discord is enabled")
		}
	}
}

func validateSink(ve *ValidationError, name, token, minSeverity string) {
	if token == "" {
		ve.Add("notify.%s.token is required when %s is enabled", name, name)
	}
	if strings.HasPrefix(token, encPrefix) {
		ve.Add("notify.%s.token is encrypted but %s is not set", name, EnvConfigKey)
	}
	switch domain.Severity(minSeverity) {
	case "", domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical:
	default:
		ve.Add("notify.%s.min_severity %q is not a known severity", name, minSeverity)
	}
}

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validLogFormats = map[string]bool{"json": true, "text": true}
	validExporters  = map[string]bool{"": true, "noop": true, "stdout": true}
)

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q must be one of debug, info, warn, error", cfg.Logger.Level)
	}
	if !validLogFormats[cfg.Logger.Format] {
		ve.Add("logger.format %q must be json or text", cfg.Logger.Format)
	}
	if !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is not supported", cfg.Tracer.Exporter)
	}
}
