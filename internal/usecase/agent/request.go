package agent

import (
	"context"
	"fmt"
	"time"

	"swapmesh/internal/domain"
)

// RequestDataFromAgent sends a request to another agent and waits for the
// EXECUTION_RESULT carrying the same correlation id. A payload of type error
// in the reply is returned as the error.
func (b *Base) RequestDataFromAgent(ctx context.Context, to string, typ domain.MessageType, payload any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = b.cfg.RequestTimeout
	}
	correlationID := domain.NewID()
	reply := make(chan domain.AgentMessage, 1)

	b.pendingMu.Lock()
	b.pending[correlationID] = reply
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, correlationID)
		b.pendingMu.Unlock()
	}()

	msg := domain.NewMessage(b.cfg.ID, to, typ, payload, domain.PriorityMedium)
	msg.CorrelationID = correlationID
	if err := b.Emit(ctx, msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-reply:
		if err, ok := resp.Payload.(error); ok {
			return nil, err
		}
		return resp.Payload, nil
	case <-timer.C:
		return nil, domain.NewSubSystemError("agent", "Agent.RequestDataFromAgent", domain.ErrRequestTimeout,
			fmt.Sprintf("%s -> %s %s after %s", b.cfg.ID, to, typ, timeout))
	case <-ctx.Done():
		return nil, fmt.Errorf("request to %s: %w: %w", to, domain.ErrCancelled, ctx.Err())
	}
}

// resolvePending delivers a reply to its waiting request. Each correlation
// id resolves at most once.
func (b *Base) resolvePending(msg domain.AgentMessage) bool {
	b.pendingMu.Lock()
	reply, ok := b.pending[msg.CorrelationID]
	if ok {
		delete(b.pending, msg.CorrelationID)
	}
	b.pendingMu.Unlock()
	if !ok {
		return false
	}
	reply <- msg
	return true
}

// Reply answers a request received through RequestDataFromAgent.
func (b *Base) Reply(ctx context.Context, req domain.AgentMessage, payload any) error {
	msg := domain.NewMessage(b.cfg.ID, req.From, domain.MessageExecutionResult, payload, req.Priority)
	msg.CorrelationID = req.CorrelationID
	return b.Emit(ctx, msg)
}
