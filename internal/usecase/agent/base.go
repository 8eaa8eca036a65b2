// Package agent provides the runtime shared by every specialist agent: a
// bounded priority message queue, retry with exponential backoff, a circuit
// breaker, task bookkeeping, error analysis, health reporting and
// request/response messaging between agents.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"swapmesh/internal/domain"
	"swapmesh/internal/infra/tracer"
)

// Behavior is the specialisation plugged into a Base.
type Behavior interface {
	// Initialize prepares the agent. A failure leaves the agent in ERROR.
	Initialize(ctx context.Context) error
	// ProcessMessage handles one queued message. Errors are retried when recoverable.
	ProcessMessage(ctx context.Context, msg domain.AgentMessage) error
	// HandleTask runs a task submitted through ExecuteTask.
	HandleTask(ctx context.Context, task domain.Task) (any, error)
	// Cleanup releases resources during Stop.
	Cleanup(ctx context.Context) error
}

// Base is the shared agent runtime. Specialists embed *Base and pass
// themselves as the Behavior.
type Base struct {
	cfg      Config
	caps     domain.AgentCapabilities
	behavior Behavior
	logger   *slog.Logger

	statusMu sync.RWMutex
	status   domain.AgentStatus

	obsMu    sync.RWMutex
	observer domain.AgentObserver

	lifecycleMu sync.Mutex
	runCancel   context.CancelFunc
	workers     sync.WaitGroup
	stopPending atomic.Bool

	breaker atomic.Pointer[breaker]
	limiter *rate.Limiter
	queue   *messageQueue
	slots   *semaphore.Weighted

	taskMu sync.Mutex
	tasks  map[string]*taskContext

	metricsMu    sync.Mutex
	completed    int64
	failed       int64
	avgResponse  time.Duration
	lastActivity time.Time
	startedAt    time.Time
	errors       *ringBuffer[domain.ErrorRecord]

	pendingMu sync.Mutex
	pending   map[string]chan domain.AgentMessage
}

// NewBase creates the runtime for one agent.
func NewBase(cfg Config, behavior Behavior, logger *slog.Logger) *Base {
	cfg = cfg.withDefaults()
	b := &Base{
		cfg:      cfg,
		caps:     domain.NewCapabilities(cfg.Capabilities, cfg.Networks, cfg.Protocols),
		behavior: behavior,
		logger:   logger.With("agent", cfg.ID, "type", string(cfg.Type)),
		status:   domain.StatusOffline,
		queue:    newMessageQueue(cfg.QueueSize),
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		tasks:    make(map[string]*taskContext),
		errors:   newRingBuffer[domain.ErrorRecord](maxErrorHistory),
		pending:  make(map[string]chan domain.AgentMessage),
	}
	if cfg.RateLimit > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	b.breaker.Store(newBreaker(cfg.ID, cfg.Breaker, b.logger))
	return b
}

// ID returns the agent id.
func (b *Base) ID() string { return b.cfg.ID }

// Type returns the agent type.
func (b *Base) Type() domain.AgentType { return b.cfg.Type }

// Config returns the effective configuration.
func (b *Base) Config() Config { return b.cfg }

// Capabilities returns the typed capability flags.
func (b *Base) Capabilities() domain.AgentCapabilities { return b.caps }

// Logger returns the agent-scoped logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// Status returns the current lifecycle status.
func (b *Base) Status() domain.AgentStatus {
	b.statusMu.RLock()
	defer b.statusMu.RUnlock()
	return b.status
}

func (b *Base) setStatus(to domain.AgentStatus) {
	b.statusMu.Lock()
	from := b.status
	b.status = to
	b.statusMu.Unlock()
	if from == to {
		return
	}
	b.logger.Info("agent status changed", "from", string(from), "to", string(to))
	if obs := b.getObserver(); obs != nil {
		obs.OnStatusChange(b.cfg.ID, from, to)
	}
}

// SetObserver attaches the receiver of outgoing messages, status changes and
// errors. Passing nil detaches the current observer.
func (b *Base) SetObserver(obs domain.AgentObserver) {
	b.obsMu.Lock()
	b.observer = obs
	b.obsMu.Unlock()
}

func (b *Base) getObserver() domain.AgentObserver {
	b.obsMu.RLock()
	defer b.obsMu.RUnlock()
	return b.observer
}

// Start initialises the behaviour and begins draining the message queue.
func (b *Base) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if b.Status() == domain.StatusActive {
		return nil
	}
	b.setStatus(domain.StatusInitializing)
	b.breaker.Store(newBreaker(b.cfg.ID, b.cfg.Breaker, b.logger))
	b.stopPending.Store(false)

	if err := b.behavior.Initialize(ctx); err != nil {
		b.recordError(err)
		b.setStatus(domain.StatusError)
		return domain.WrapOp("Agent.Start", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.runCancel = cancel
	b.metricsMu.Lock()
	b.startedAt = time.Now()
	b.metricsMu.Unlock()
	b.workers.Add(1)
	go b.dispatch(runCtx)

	b.setStatus(domain.StatusActive)
	return nil
}

// Stop cancels running tasks, drops queued messages, runs Cleanup and marks
// the agent OFFLINE. ctx bounds the wait for in-flight work.
func (b *Base) Stop(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if b.Status() == domain.StatusOffline {
		return nil
	}

	b.taskMu.Lock()
	for _, tc := range b.tasks {
		tc.cancel()
	}
	b.taskMu.Unlock()

	if b.runCancel != nil {
		b.runCancel()
		b.runCancel = nil
	}
	if dropped := b.queue.drain(); dropped > 0 {
		b.logger.Warn("dropped queued messages on stop", "count", dropped)
	}

	done := make(chan struct{})
	go func() {
		b.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("stop deadline reached with work in flight")
	}

	err := b.behavior.Cleanup(ctx)
	if err != nil {
		b.logger.Error("agent cleanup failed", "error", err)
	}
	b.setStatus(domain.StatusOffline)
	return domain.WrapOp("Agent.Stop", err)
}

// ReceiveMessage accepts a message for asynchronous processing. It fails
// fast when the circuit is open, the agent is not running or the queue is full.
func (b *Base) ReceiveMessage(ctx context.Context, msg domain.AgentMessage) error {
	if msg.Type == domain.MessageExecutionResult && msg.CorrelationID != "" && b.resolvePending(msg) {
		return nil
	}
	if b.breaker.Load().Busy() {
		return domain.NewSubSystemError("agent", "Agent.ReceiveMessage", domain.ErrAgentUnavailable, b.cfg.ID)
	}
	switch b.Status() {
	case domain.StatusOffline, domain.StatusError:
		return domain.NewSubSystemError("agent", "Agent.ReceiveMessage", domain.ErrAgentNotActive, b.cfg.ID)
	}
	if !b.queue.push(msg) {
		return domain.NewSubSystemError("agent", "Agent.ReceiveMessage", domain.ErrQueueFull, b.cfg.ID)
	}
	return nil
}

// QueueLen returns the number of messages waiting to be processed.
func (b *Base) QueueLen() int { return b.queue.len() }

// dispatch moves queued messages onto workers while slots are free.
func (b *Base) dispatch(ctx context.Context) {
	defer b.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.queue.ready:
		}
		for {
			if err := b.slots.Acquire(ctx, 1); err != nil {
				return
			}
			msg, ok := b.queue.pop()
			if !ok {
				b.slots.Release(1)
				break
			}
			b.workers.Add(1)
			go func() {
				defer b.workers.Done()
				requeue := b.handleQueued(ctx, msg)
				b.slots.Release(1)
				if requeue {
					b.requeueAfterProbe(ctx, msg)
				}
			}()
		}
	}
}

// handleQueued processes one message. It returns true when the message
// reached a half-open circuit behind another probe and must be queued again.
func (b *Base) handleQueued(ctx context.Context, msg domain.AgentMessage) bool {
	tc, err := b.registerTask(ctx, domain.Task{ID: domain.NewID(), Type: string(msg.Type), Payload: msg.Payload, Priority: msg.Priority})
	if err != nil {
		b.logger.Error("register message task", "message_id", msg.ID, "error", err)
		return false
	}
	defer b.cleanupTask(tc.ID)

	ctx, span := tracer.StartSpan(tc.ctx, "agent.process_message")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("agent.id", b.cfg.ID),
		tracer.StringAttr("message.type", string(msg.Type)),
		tracer.StringAttr("message.id", msg.ID),
	)

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err = b.breaker.Load().Execute(func() error {
		return b.withRetry(ctx, tc, func(ctx context.Context) error {
			return b.behavior.ProcessMessage(ctx, msg)
		})
	})
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.logger.Debug("message waiting for half-open probe", "message_id", msg.ID, "type", string(msg.Type))
		return true
	}
	if errors.Is(err, gobreaker.ErrOpenState) {
		err = domain.NewSubSystemError("agent", "Agent.handleQueued", domain.ErrAgentUnavailable,
			fmt.Sprintf("%s: circuit opened before %s ran", b.cfg.ID, msg.ID))
		b.recordError(err)
	}
	b.recordOutcome(time.Since(start), err)
	if err != nil {
		tracer.RecordError(span, err)
		b.logger.Error("message processing failed", "message_id", msg.ID, "type", string(msg.Type), "error", err)
		return false
	}
	tracer.SetOK(span)
	return false
}

// requeueAfterProbe puts msg back on the queue once the half-open probe has
// settled the circuit.
func (b *Base) requeueAfterProbe(ctx context.Context, msg domain.AgentMessage) {
	if err := b.breaker.Load().waitSettled(ctx); err != nil || ctx.Err() != nil {
		return
	}
	if !b.queue.push(msg) {
		err := domain.NewSubSystemError("agent", "Agent.requeueAfterProbe", domain.ErrQueueFull, msg.ID)
		b.recordError(err)
		b.recordOutcome(0, err)
	}
}

// withRetry runs fn up to MaxRetries+1 times. Non-recoverable errors and
// cancellation stop early.
func (b *Base) withRetry(ctx context.Context, tc *taskContext, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrCancelled, err)
		}
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%w: rate limiter: %w", domain.ErrCancelled, err)
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		analysis := b.recordError(err)
		if !analysis.AutoRecoverable || ctx.Err() != nil {
			return err
		}
		if attempt == b.cfg.MaxRetries {
			break
		}

		tc.retries.Add(1)
		delay := b.cfg.Retry.Delay(attempt)
		b.logger.Debug("retrying after error", "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", domain.ErrCancelled, ctx.Err())
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", domain.ErrRetriesExhausted, b.cfg.MaxRetries+1, lastErr)
}

// AnalyzeError classifies err, letting the behaviour refine the result.
func (b *Base) AnalyzeError(err error) domain.ErrorAnalysis {
	analysis := AnalyzeError(err)
	if a, ok := b.behavior.(ErrorAnalyzer); ok {
		if refined, ok := a.AnalyzeError(err, analysis); ok {
			return refined
		}
	}
	return analysis
}

// recordError analyses err, stores it in the history, notifies the observer
// and schedules a stop for critical failures.
func (b *Base) recordError(err error) domain.ErrorAnalysis {
	analysis := b.AnalyzeError(err)
	b.errors.Add(domain.ErrorRecord{
		Time:     time.Now(),
		Message:  err.Error(),
		Severity: analysis.Severity,
		Category: analysis.Category,
	})
	b.logger.Warn("agent error",
		"error", err,
		"severity", string(analysis.Severity),
		"category", analysis.Category,
		"recoverable", analysis.AutoRecoverable,
	)
	if obs := b.getObserver(); obs != nil {
		obs.OnError(b.cfg.ID, err, analysis)
	}
	if analysis.Severity == domain.SeverityCritical {
		b.scheduleStop()
	}
	return analysis
}

func (b *Base) scheduleStop() {
	if b.stopPending.Swap(true) {
		return
	}
	b.logger.Error("critical error, scheduling stop", "delay", b.cfg.CriticalStopDelay)
	time.AfterFunc(b.cfg.CriticalStopDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
		defer cancel()
		if err := b.Stop(ctx); err != nil {
			b.logger.Error("scheduled stop failed", "error", err)
		}
	})
}

// Emit sends msg through the attached observer. From, ID and Timestamp are
// filled when empty.
func (b *Base) Emit(ctx context.Context, msg domain.AgentMessage) error {
	if msg.From == "" {
		msg.From = b.cfg.ID
	}
	if msg.ID == "" {
		msg.ID = domain.NewID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	obs := b.getObserver()
	if obs == nil {
		return domain.NewSubSystemError("agent", "Agent.Emit", domain.ErrUnroutable,
			fmt.Sprintf("%s has no observer for %s", b.cfg.ID, msg.Type))
	}
	obs.OnMessage(ctx, msg)
	return nil
}

func (b *Base) recordOutcome(d time.Duration, err error) {
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	if err == nil {
		b.completed++
	} else {
		b.failed++
	}
	n := b.completed + b.failed
	b.avgResponse += (d - b.avgResponse) / time.Duration(n)
	b.lastActivity = time.Now()
}
