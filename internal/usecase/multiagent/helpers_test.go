package multiagent

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

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.HealthCheckInterval = 0
	cfg.TelemetryInterval = 0
	cfg.RestartDelay = 0
	cfg.Consensus.Timeout = 2 * time.Second
	return cfg
}

func newTestCoordinator(t *testing.T, cfg Config, opts ...CoordinatorOption) *Coordinator {
	t.Helper()
	c := New(cfg, testLogger(), opts...)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

// stubAgent is a scriptable Agent.
type stubAgent struct {
	id   string
	typ  domain.AgentType
	caps domain.AgentCapabilities

	mu         sync.Mutex
	status     domain.AgentStatus
	unhealthy  bool
	inProgress int
	receiveErr error
	startErr   error
	received   []domain.AgentMessage
	starts     int
	stops      int
	obs        domain.AgentObserver
	journal    *journal
}

// journal records lifecycle calls across agents in order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	j.entries = append(j.entries, s)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func newStub(id string, typ domain.AgentType, caps ...domain.Capability) *stubAgent {
	if len(caps) == 0 {
		caps = domain.ExpectedCapabilities(typ)
	}
	return &stubAgent{
		id:     id,
		typ:    typ,
		caps:   domain.NewCapabilities(caps, nil, nil),
		status: domain.StatusActive,
	}
}

func (s *stubAgent) ID() string                              { return s.id }
func (s *stubAgent) Type() domain.AgentType                  { return s.typ }
func (s *stubAgent) Capabilities() domain.AgentCapabilities { return s.caps }

func (s *stubAgent) Status() domain.AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *stubAgent) setStatus(st domain.AgentStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *stubAgent) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	s.journal.add("start:" + s.id)
	if s.startErr != nil {
		s.status = domain.StatusError
		return s.startErr
	}
	s.status = domain.StatusActive
	return nil
}

func (s *stubAgent) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	s.journal.add("stop:" + s.id)
	s.status = domain.StatusOffline
	return nil
}

func (s *stubAgent) ReceiveMessage(_ context.Context, msg domain.AgentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, msg)
	return s.receiveErr
}

func (s *stubAgent) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.unhealthy && s.status == domain.StatusActive
}

func (s *stubAgent) HealthCheck() domain.HealthReport {
	healthy := s.IsHealthy()
	r := domain.HealthReport{AgentID: s.id, Healthy: healthy, Status: s.Status(), CheckedAt: time.Now()}
	if !healthy {
		r.Issues = []string{"scripted failure"}
	}
	return r
}

func (s *stubAgent) Metrics() domain.AgentMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.AgentMetrics{TasksInProgress: s.inProgress, SuccessRate: 1}
}

func (s *stubAgent) SetObserver(obs domain.AgentObserver) {
	s.mu.Lock()
	s.obs = obs
	s.mu.Unlock()
}

func (s *stubAgent) observer() domain.AgentObserver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.obs
}

func (s *stubAgent) messages() []domain.AgentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AgentMessage(nil), s.received...)
}

func (s *stubAgent) counts() (starts, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops
}

// voter is an agent.Behavior that answers consensus requests.
type voter struct {
	base       *agent.Base
	route      string
	score      float64
	confidence float64
	silent     bool

	mu   sync.Mutex
	seen []domain.AgentMessage
}

func (v *voter) Initialize(context.Context) error { return nil }

func (v *voter) ProcessMessage(ctx context.Context, msg domain.AgentMessage) error {
	v.mu.Lock()
	v.seen = append(v.seen, msg)
	v.mu.Unlock()
	if msg.Type != domain.MessageConsensusRequest || v.silent {
		return nil
	}
	req := msg.Payload.(domain.ConsensusRequest)
	resp := domain.NewMessage(v.base.ID(), domain.CoordinatorID, domain.MessageConsensusResponse, domain.ConsensusResponse{
		RequestID:        req.ID,
		RecommendedRoute: v.route,
		Scores:           domain.ScoreBreakdown{Overall: v.score},
		Confidence:       v.confidence,
	}, domain.PriorityHigh)
	resp.CorrelationID = msg.CorrelationID
	return v.base.Emit(ctx, resp)
}

func (v *voter) HandleTask(context.Context, domain.Task) (any, error) { return nil, nil }
func (v *voter) Cleanup(context.Context) error                        { return nil }

func (v *voter) received() []domain.AgentMessage {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]domain.AgentMessage(nil), v.seen...)
}

func newVoter(id string, typ domain.AgentType, route string, score, confidence float64) *voter {
	cfg := agent.DefaultConfig(id, typ)
	cfg.Capabilities = domain.ExpectedCapabilities(typ)
	cfg.MaxRetries = 0
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Timeout = 2 * time.Second
	v := &voter{route: route, score: score, confidence: confidence}
	v.base = agent.NewBase(cfg, v, testLogger())
	return v
}

func register(t *testing.T, c *Coordinator, a Agent, opts RegisterOptions) {
	t.Helper()
	require.NoError(t, c.RegisterAgent(context.Background(), a, opts))
}

func pendingRounds(c *Coordinator) int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

var testRoutes = []domain.Route{
	{ID: "r1", FromChain: "ethereum", ToChain: "arbitrum", FromToken: "USDC", ToToken: "USDC"},
	{ID: "r2", FromChain: "ethereum", ToChain: "arbitrum", FromToken: "USDC", ToToken: "USDC"},
}
