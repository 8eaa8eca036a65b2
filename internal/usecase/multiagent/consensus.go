package multiagent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"swapmesh/internal/domain"
	"swapmesh/internal/infra/tracer"
	"swapmesh/internal/usecase/consensus"
)

// ConsensusInput is what a caller supplies for one consensus round.
type ConsensusInput struct {
	Routes      []domain.Route
	Assessments []domain.RiskAssessment
	Strategies  []domain.ExecutionStrategy
	// Criteria defaults to domain.DefaultCriteria.
	Criteria    *domain.DecisionCriteria
	Preferences *domain.UserPreferences
}

// pendingConsensus collects the votes of one round.
type pendingConsensus struct {
	req          domain.ConsensusRequest
	participants map[string]bool

	mu        sync.Mutex
	responses []domain.ConsensusResponse
	notify    chan struct{}
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

func newPendingConsensus(req domain.ConsensusRequest, participants []string) *pendingConsensus {
	p := &pendingConsensus{
		req:          req,
		participants: make(map[string]bool, len(participants)),
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for _, id := range participants {
		p.participants[id] = true
	}
	return p
}

// add records the first response of each participant.
func (p *pendingConsensus) add(resp domain.ConsensusResponse) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.participants[resp.AgentID] {
		return false
	}
	for _, r := range p.responses {
		if r.AgentID == resp.AgentID {
			return false
		}
	}
	p.responses = append(p.responses, resp)
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return true
}

func (p *pendingConsensus) snapshot() []domain.ConsensusResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ConsensusResponse(nil), p.responses...)
}

func (p *pendingConsensus) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.responses)
}

func (p *pendingConsensus) reject(err error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *pendingConsensus) rejection() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// quorum returns the minimum number of responses for n participants.
func quorum(n int, ratio float64) int {
	return max(1, int(math.Ceil(float64(n)*ratio)))
}

// consensusParticipants returns the eligible voters: non-backup agents that
// analyse markets or assess risk. Performance monitors never vote.
func (c *Coordinator) consensusParticipants(probe domain.AgentMessage) []string {
	var ids []string
	for _, e := range c.registry.List() {
		if e.IsBackup || e.Type == domain.AgentTypePerformanceMonitor {
			continue
		}
		if !e.Capabilities.CanAnalyzeMarket && !e.Capabilities.CanAssessRisk {
			continue
		}
		if e.ID() == probe.From || !c.canAgentHandleMessage(e, probe) {
			continue
		}
		ids = append(ids, e.ID())
	}
	return ids
}

// RequestConsensus runs one consensus round over the candidate routes. The
// quorum policy decides what happens when fewer than ceil(N*QuorumRatio)
// participants answer before the deadline: strict mode fails with
// ErrInsufficientQuorum, AllowDegraded aggregates what arrived and DemoMode
// additionally synthesises a vote when nothing arrived.
func (c *Coordinator) RequestConsensus(ctx context.Context, in ConsensusInput) (domain.ConsensusResult, error) {
	ctx, span := tracer.StartSpan(ctx, "coordinator.request_consensus")
	defer span.End()

	result, err := c.requestConsensus(ctx, in)
	span.SetAttributes(
		tracer.StringAttr("consensus.id", result.RequestID),
		tracer.IntAttr("consensus.responses", result.Responses),
		tracer.IntAttr("consensus.participants", result.Participants),
	)
	if err != nil {
		tracer.RecordError(span, err)
		return result, err
	}
	span.SetAttributes(
		tracer.StringAttr("consensus.route", result.SelectedRoute),
		tracer.FloatAttr("consensus.confidence", result.Confidence),
		tracer.BoolAttr("consensus.degraded", result.Degraded),
	)
	tracer.SetOK(span)
	return result, nil
}

func (c *Coordinator) requestConsensus(ctx context.Context, in ConsensusInput) (domain.ConsensusResult, error) {
	start := time.Now()
	c.routingMu.Lock()
	stopping := c.stopping
	c.routingMu.Unlock()
	if stopping {
		return domain.ConsensusResult{}, domain.NewSubSystemError("consensus", "Coordinator.RequestConsensus", domain.ErrShuttingDown, "")
	}
	if len(in.Routes) == 0 {
		return domain.ConsensusResult{}, domain.NewSubSystemError("consensus", "Coordinator.RequestConsensus", domain.ErrInvalidInput, "no candidate routes")
	}

	criteria := domain.DefaultCriteria()
	if in.Criteria != nil {
		criteria = *in.Criteria
	}
	req := domain.ConsensusRequest{
		ID:          domain.NewID(),
		Routes:      in.Routes,
		Assessments: in.Assessments,
		Strategies:  in.Strategies,
		Criteria:    criteria,
		Deadline:    start.Add(c.cfg.Consensus.Timeout),
		Preferences: in.Preferences,
	}
	probe := domain.NewMessage(domain.CoordinatorID, "", domain.MessageConsensusRequest, nil, domain.PriorityHigh)
	participants := c.consensusParticipants(probe)
	result := domain.ConsensusResult{RequestID: req.ID, Participants: len(participants)}
	c.telemetry.consensusStarted()

	logger := c.logger.With("consensus_id", req.ID)
	logger.Info("consensus requested", "routes", len(req.Routes), "participants", len(participants))

	pending := newPendingConsensus(req, participants)
	c.pendingMu.Lock()
	c.pending[req.ID] = pending
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	sent := c.sendConsensusRequests(ctx, req, participants)
	need := quorum(len(participants), c.cfg.Consensus.QuorumRatio)

	if err := c.awaitResponses(ctx, pending, sent, req.Deadline); err != nil {
		if !errors.Is(err, domain.ErrShuttingDown) {
			c.finishConsensus(ctx, &result, start, err)
		}
		return result, err
	}

	responses := pending.snapshot()
	switch {
	case len(participants) > 0 && len(responses) >= need:
	case len(responses) == 0 && c.cfg.Consensus.DemoMode:
		logger.Warn("no consensus responses, synthesising a vote in demo mode", "participants", len(participants))
		responses = []domain.ConsensusResponse{syntheticResponse(&req)}
		result.Synthetic = true
		result.Degraded = true
	case len(responses) > 0 && (c.cfg.Consensus.AllowDegraded || c.cfg.Consensus.DemoMode):
		logger.Warn("consensus quorum not met, aggregating degraded result", "responses", len(responses), "quorum", need)
		result.Degraded = true
	case len(participants) == 0:
		err := domain.NewSubSystemError("consensus", "Coordinator.RequestConsensus", domain.ErrNoParticipants, "")
		c.telemetry.quorumFailed()
		c.finishConsensus(ctx, &result, start, err)
		return result, err
	default:
		err := domain.NewSubSystemError("consensus", "Coordinator.RequestConsensus", domain.ErrInsufficientQuorum,
			fmt.Sprintf("%d of %d responses, need %d", len(responses), len(participants), need))
		c.telemetry.quorumFailed()
		result.Responses = len(responses)
		c.finishConsensus(ctx, &result, start, err)
		return result, err
	}

	agg, err := consensus.Aggregate(&req, responses, c.weigher())
	if err != nil {
		result.Responses = len(responses)
		c.finishConsensus(ctx, &result, start, err)
		return result, err
	}
	agg.Participants = result.Participants
	agg.Degraded = result.Degraded
	agg.Synthetic = result.Synthetic
	result = agg
	c.finishConsensus(ctx, &result, start, nil)
	logger.Info("consensus reached",
		"route", result.SelectedRoute,
		"conflict", string(result.Conflict),
		"resolution", string(result.Resolution),
		"responses", result.Responses,
		"confidence", result.Confidence,
	)
	return result, nil
}

// sendConsensusRequests delivers the request to each participant and
// returns how many accepted it.
func (c *Coordinator) sendConsensusRequests(ctx context.Context, req domain.ConsensusRequest, participants []string) int {
	sent := 0
	for _, id := range participants {
		e, ok := c.registry.Get(id)
		if !ok {
			continue
		}
		msg := domain.NewMessage(domain.CoordinatorID, id, domain.MessageConsensusRequest, req, domain.PriorityHigh)
		msg.CorrelationID = req.ID
		if err := c.deliverWithRetry(ctx, e, msg); err != nil {
			c.logger.Warn("consensus request not delivered", "agent_id", id, "consensus_id", req.ID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// awaitResponses blocks until every delivered request was answered, the
// deadline passes, ctx ends or the round is rejected.
func (c *Coordinator) awaitResponses(ctx context.Context, p *pendingConsensus, sent int, deadline time.Time) error {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for p.count() < sent {
		select {
		case <-p.notify:
		case <-timer.C:
			c.logger.Warn("consensus deadline reached", "consensus_id", p.req.ID, "responses", p.count(), "sent", sent)
			return nil
		case <-p.done:
			return domain.NewSubSystemError("consensus", "Coordinator.RequestConsensus", p.rejection(), p.req.ID)
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", domain.ErrCancelled, ctx.Err())
		}
	}
	return nil
}

func (c *Coordinator) finishConsensus(ctx context.Context, result *domain.ConsensusResult, start time.Time, err error) {
	result.Duration = time.Since(start)
	c.telemetry.consensusFinished(err == nil, result.Duration)
	if err != nil {
		c.recorder.ConsensusCompleted(outcomeFor(err), result.Duration)
		c.emit(ctx, domain.EventConsensusFailed, "", map[string]any{
			"consensus_id": result.RequestID,
			"error":        err.Error(),
			"code":         domain.ErrorCodeOf(err),
			"responses":    result.Responses,
			"participants": result.Participants,
		})
		return
	}
	outcome := outcomeDelivered
	if result.Degraded {
		outcome = outcomeDegraded
	}
	c.recorder.ConsensusCompleted(outcome, result.Duration)
	c.emit(ctx, domain.EventConsensusCompleted, "", result)
}

// syntheticResponse is the demo-mode stand-in vote for the first candidate.
func syntheticResponse(req *domain.ConsensusRequest) domain.ConsensusResponse {
	return domain.ConsensusResponse{
		RequestID:        req.ID,
		AgentID:          domain.CoordinatorID,
		RecommendedRoute: req.Routes[0].ID,
		Scores:           domain.ScoreBreakdown{Overall: 0.5},
		Confidence:       0.5,
		Reasoning:        "synthetic vote: no participant answered",
	}
}

// acceptConsensusResponse matches a CONSENSUS_RESPONSE to its pending round.
func (c *Coordinator) acceptConsensusResponse(msg domain.AgentMessage) {
	var resp domain.ConsensusResponse
	switch v := msg.Payload.(type) {
	case domain.ConsensusResponse:
		resp = v
	case *domain.ConsensusResponse:
		if v == nil {
			return
		}
		resp = *v
	default:
		c.logger.Warn("malformed consensus response", "from", msg.From, "payload", fmt.Sprintf("%T", msg.Payload))
		return
	}
	id := msg.CorrelationID
	if id == "" {
		id = resp.RequestID
	}
	resp.RequestID = id
	resp.AgentID = msg.From

	c.pendingMu.Lock()
	p, ok := c.pending[id]
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Debug("consensus response for unknown round", "consensus_id", id, "from", msg.From)
		return
	}
	if !p.add(resp) {
		c.logger.Debug("consensus response ignored", "consensus_id", id, "from", msg.From)
	}
}

// rejectPending fails every waiting consensus round with err.
func (c *Coordinator) rejectPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, p := range c.pending {
		c.logger.Info("rejecting pending consensus", "consensus_id", id, "error", err)
		p.reject(err)
	}
}

// routeConsensusRequest handles agent-originated CONSENSUS_REQUEST messages:
// direct when addressed to a registered agent, otherwise to every voter.
func (c *Coordinator) routeConsensusRequest(ctx context.Context, msg domain.AgentMessage) error {
	if _, ok := c.registry.Get(msg.To); ok {
		return c.routeToSpecificAgent(ctx, msg)
	}
	voters := c.consensusParticipants(msg)
	if len(voters) == 0 {
		return domain.NewSubSystemError("consensus", "Coordinator.routeConsensusRequest", domain.ErrUnroutable, "no voters")
	}
	return c.deliverToMembers(ctx, msg, voters)
}

// weigher reads the current registry state of participants.
func (c *Coordinator) weigher() consensus.Weigher {
	return consensus.WeigherFunc(func(agentID string) (consensus.AgentWeight, bool) {
		e, ok := c.registry.Get(agentID)
		if !ok {
			return consensus.AgentWeight{}, false
		}
		return consensus.AgentWeight{
			AgentID:      agentID,
			Type:         e.Type,
			Priority:     e.Priority,
			Healthy:      e.Agent.IsHealthy(),
			SuccessRate:  e.Agent.Metrics().SuccessRate,
			FailureCount: e.FailureCount,
		}, true
	})
}
