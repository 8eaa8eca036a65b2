package domain

import "time"

// MarketSnapshot is a market intelligence agent's view of the tokens it tracks.
type MarketSnapshot struct {
	Prices       map[string]float64 `json:"prices"`
	Volatility   map[string]float64 `json:"volatility,omitempty"` // fraction, 0.05 = 5%
	Liquidity    map[string]float64 `json:"liquidity_usd,omitempty"`
	GasPriceGwei float64            `json:"gas_price_gwei"`
	Time         time.Time          `json:"time"`
}

// VolatilityOf returns the recorded volatility of token, zero when unknown.
func (s *MarketSnapshot) VolatilityOf(token string) float64 {
	if s == nil {
		return 0
	}
	return s.Volatility[token]
}

// RouteQuery asks a route discovery agent for candidate routes.
type RouteQuery struct {
	FromChain string  `json:"from_chain"`
	ToChain   string  `json:"to_chain"`
	FromToken string  `json:"from_token"`
	ToToken   string  `json:"to_token"`
	Amount    float64 `json:"amount"`
}

// ExecutionReport is the outcome of executing a route.
type ExecutionReport struct {
	RouteID  string        `json:"route_id"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	GasUsed  uint64        `json:"gas_used,omitempty"`
	FeeUSD   float64       `json:"fee_usd"`
	Error    string        `json:"error,omitempty"`
}

// SecurityAlert is raised by a security agent when an agent keeps failing
// or a route trips a threat rule.
type SecurityAlert struct {
	AgentID  string    `json:"agent_id,omitempty"`
	RouteID  string    `json:"route_id,omitempty"`
	Severity Severity  `json:"severity"`
	Reason   string    `json:"reason"`
	Count    int       `json:"count,omitempty"`
	Time     time.Time `json:"time"`
}
