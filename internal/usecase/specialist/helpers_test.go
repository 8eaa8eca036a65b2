package specialist

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"swapmesh/internal/domain"
	"swapmesh/internal/usecase/agent"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAgentConfig(id string) agent.Config {
	cfg := agent.DefaultConfig(id, "")
	cfg.MaxRetries = 0
	cfg.Timeout = 2 * time.Second
	return cfg
}

// recordingObserver captures everything an agent emits.
type recordingObserver struct {
	mu   sync.Mutex
	msgs []domain.AgentMessage
}

func (o *recordingObserver) OnMessage(_ context.Context, msg domain.AgentMessage) {
	o.mu.Lock()
	o.msgs = append(o.msgs, msg)
	o.mu.Unlock()
}

func (o *recordingObserver) OnStatusChange(string, domain.AgentStatus, domain.AgentStatus) {}
func (o *recordingObserver) OnError(string, error, domain.ErrorAnalysis)                   {}

func (o *recordingObserver) ofType(t domain.MessageType) []domain.AgentMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []domain.AgentMessage
	for _, m := range o.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// swapRoutes are three USDC routes from Ethereum to Arbitrum. stargate-direct
// wins under the default criteria; multichain-fast uses a bridge the tests
// treat as blocked.
func swapRoutes() []domain.Route {
	base := domain.Route{
		FromChain: "ethereum",
		ToChain:   "arbitrum",
		FromToken: "USDC",
		ToToken:   "USDC",
		AmountIn:  10_000,
	}
	r1, r2, r3 := base, base, base

	r1.ID = "stargate-direct"
	r1.Bridges = []string{"stargate"}
	r1.Protocols = []string{"uniswap-v3"}
	r1.Hops = 1
	r1.FeeUSD = 4
	r1.EstimatedTime = 2 * time.Minute
	r1.Slippage = 0.1
	r1.PriceImpact = 0.05
	r1.Liquidity = 5_000_000
	r1.GasUnits = 200_000

	r2.ID = "hop-multi"
	r2.Bridges = []string{"hop"}
	r2.Protocols = []string{"curve", "sushiswap"}
	r2.Hops = 3
	r2.FeeUSD = 2
	r2.EstimatedTime = 10 * time.Minute
	r2.Slippage = 0.3
	r2.PriceImpact = 0.4
	r2.Liquidity = 200_000
	r2.GasUnits = 450_000

	r3.ID = "multichain-fast"
	r3.Bridges = []string{"multichain"}
	r3.Protocols = []string{"uniswap-v3"}
	r3.Hops = 1
	r3.FeeUSD = 8
	r3.EstimatedTime = 3 * time.Minute
	r3.Slippage = 0.1
	r3.Liquidity = 1_000_000
	r3.GasUnits = 250_000

	return []domain.Route{r1, r2, r3}
}

func consensusMessage(req domain.ConsensusRequest) domain.AgentMessage {
	msg := domain.NewMessage(domain.CoordinatorID, "", domain.MessageConsensusRequest, req, domain.PriorityHigh)
	msg.CorrelationID = req.ID
	return msg
}

func newConsensusRequest(routes ...domain.Route) domain.ConsensusRequest {
	return domain.ConsensusRequest{
		ID:       domain.NewID(),
		Routes:   routes,
		Criteria: domain.DefaultCriteria(),
		Deadline: time.Now().Add(time.Minute),
	}
}

func voteOf(t *testing.T, obs *recordingObserver) domain.ConsensusResponse {
	t.Helper()
	votes := obs.ofType(domain.MessageConsensusResponse)
	require.Len(t, votes, 1)
	resp, ok := votes[0].Payload.(domain.ConsensusResponse)
	require.True(t, ok, "vote payload %T", votes[0].Payload)
	return resp
}
