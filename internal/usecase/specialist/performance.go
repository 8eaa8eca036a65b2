package specialist

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"swapmesh/internal/domain"
	"swapmesh/internal/usecase/agent"
)

// RouteStats aggregates the executions of one route.
type RouteStats struct {
	Executions  int           `json:"executions"`
	Successes   int           `json:"successes"`
	AvgDuration time.Duration `json:"avg_duration"`
	AvgFeeUSD   float64       `json:"avg_fee_usd"`
}

// PerformanceSnapshot summarises every execution result seen so far.
type PerformanceSnapshot struct {
	Executions  int                   `json:"executions"`
	Successes   int                   `json:"successes"`
	SuccessRate float64               `json:"success_rate"`
	AvgDuration time.Duration         `json:"avg_duration"`
	AvgFeeUSD   float64               `json:"avg_fee_usd"`
	Routes      map[string]RouteStats `json:"routes"`
	// Reports holds the latest performance report of each sender.
	Reports map[string]any `json:"reports,omitempty"`
}

// PerformanceMonitor records execution results and performance reports.
type PerformanceMonitor struct {
	*agent.Base

	mu      sync.RWMutex
	total   RouteStats
	routes  map[string]RouteStats
	reports map[string]any
}

// NewPerformanceMonitor creates a performance agent.
func NewPerformanceMonitor(cfg agent.Config, logger *slog.Logger) *PerformanceMonitor {
	a := &PerformanceMonitor{
		routes:  make(map[string]RouteStats),
		reports: make(map[string]any),
	}
	a.Base = agent.NewBase(prepare(cfg, domain.AgentTypePerformanceMonitor), a, logger)
	return a
}

func (a *PerformanceMonitor) Initialize(context.Context) error { return nil }

func (a *PerformanceMonitor) ProcessMessage(ctx context.Context, msg domain.AgentMessage) error {
	switch msg.Type {
	case domain.MessageExecutionResult:
		report, ok := payloadAs[domain.ExecutionReport](msg)
		if !ok {
			a.Logger().Warn("execution result without report", "from", msg.From, "message_id", msg.ID)
			return nil
		}
		a.Record(report)
	case domain.MessagePerformanceReport:
		if msg.Payload == nil && msg.CorrelationID != "" {
			return a.Reply(ctx, msg, a.Snapshot())
		}
		a.mu.Lock()
		a.reports[msg.From] = msg.Payload
		a.mu.Unlock()
	default:
		a.Logger().Debug("performance agent ignoring message", "type", string(msg.Type), "from", msg.From)
	}
	return nil
}

func (a *PerformanceMonitor) HandleTask(_ context.Context, task domain.Task) (any, error) {
	if task.Type != TaskSnapshot {
		return nil, domain.NewSubSystemError("agent", "PerformanceMonitor.HandleTask", domain.ErrInvalidInput, "unknown task "+task.Type)
	}
	return a.Snapshot(), nil
}

func (a *PerformanceMonitor) Cleanup(context.Context) error { return nil }

// Record folds one execution report into the running averages.
func (a *PerformanceMonitor) Record(r domain.ExecutionReport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total = accumulate(a.total, r)
	a.routes[r.RouteID] = accumulate(a.routes[r.RouteID], r)
	if !r.Success {
		a.Logger().Info("execution failed", "route_id", r.RouteID, "error", r.Error)
	}
}

func accumulate(s RouteStats, r domain.ExecutionReport) RouteStats {
	s.Executions++
	if r.Success {
		s.Successes++
	}
	n := float64(s.Executions)
	s.AvgDuration += time.Duration((float64(r.Duration) - float64(s.AvgDuration)) / n)
	s.AvgFeeUSD += (r.FeeUSD - s.AvgFeeUSD) / n
	return s
}

// Snapshot returns a copy of the aggregated figures.
func (a *PerformanceMonitor) Snapshot() PerformanceSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	snap := PerformanceSnapshot{
		Executions:  a.total.Executions,
		Successes:   a.total.Successes,
		AvgDuration: a.total.AvgDuration,
		AvgFeeUSD:   a.total.AvgFeeUSD,
		Routes:      maps.Clone(a.routes),
		Reports:     maps.Clone(a.reports),
	}
	if snap.Executions > 0 {
		snap.SuccessRate = float64(snap.Successes) / float64(snap.Executions)
	}
	return snap
}
