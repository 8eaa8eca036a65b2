// Package metrics exports coordinator telemetry to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"swapmesh/internal/domain"
)

// Recorder implements the coordinator's metrics hook on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	messages  *prometheus.CounterVec
	fallbacks *prometheus.CounterVec
	consensus *prometheus.HistogramVec
	restarts  *prometheus.CounterVec
	healthy   *prometheus.GaugeVec
	tasks     *prometheus.GaugeVec
	alerts    *prometheus.CounterVec
}

// NewRecorder registers the swapmesh collectors plus the Go runtime and
// process collectors under namespace.
func NewRecorder(namespace string) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Messages handled by the coordinator, by type and outcome.",
		}, []string{"type", "outcome"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Deliveries redirected from an unavailable agent to a fallback.",
		}, []string{"from", "to"}),
		consensus: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consensus_duration_seconds",
			Help:      "Consensus round latency by outcome.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_restarts_total",
			Help:      "Agent restart attempts by result.",
		}, []string{"agent", "ok"}),
		healthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_healthy",
			Help:      "1 when the agent passed its last health check.",
		}, []string{"agent"}),
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_tasks_in_progress",
			Help:      "Tasks running on the agent at its last health check.",
		}, []string{"agent"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_alerts_total",
			Help:      "Security alerts published, by severity.",
		}, []string{"severity"}),
	}
	r.registry.MustRegister(
		r.messages, r.fallbacks, r.consensus, r.restarts, r.healthy, r.tasks, r.alerts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) MessageRouted(msgType domain.MessageType, outcome string) {
	r.messages.WithLabelValues(string(msgType), outcome).Inc()
}

func (r *Recorder) Fallback(from, to string) {
	r.fallbacks.WithLabelValues(from, to).Inc()
}

func (r *Recorder) ConsensusCompleted(outcome string, d time.Duration) {
	r.consensus.WithLabelValues(outcome).Observe(d.Seconds())
}

func (r *Recorder) AgentRestarted(agentID string, ok bool) {
	r.restarts.WithLabelValues(agentID, strconv.FormatBool(ok)).Inc()
}

func (r *Recorder) AgentHealth(agentID string, healthy bool, tasksInProgress int) {
	v := 0.0
	if healthy {
		v = 1
	}
	r.healthy.WithLabelValues(agentID).Set(v)
	r.tasks.WithLabelValues(agentID).Set(float64(tasksInProgress))
}

// SecurityAlert counts a published alert.
func (r *Recorder) SecurityAlert(severity domain.Severity) {
	r.alerts.WithLabelValues(string(severity)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
