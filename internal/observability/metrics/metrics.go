// Package metrics exposes the orchestrator's Prometheus collectors. Each
// Registry owns its own prometheus.Registry so several orchestrators (or
// tests) can coexist in one process. All methods are safe on a nil *Registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orchestrator"

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Registry groups every collector the service exports.
type Registry struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	submitted        *prometheus.CounterVec
	rejected         *prometheus.CounterVec
	finished         *prometheus.CounterVec
	requeued         *prometheus.CounterVec
	deadLetters      *prometheus.CounterVec
	transportRetries *prometheus.CounterVec
	dispatchLatency  *prometheus.HistogramVec

	activeTasks   prometheus.Gauge
	queueDepth    *prometheus.GaugeVec
	breakerState  *prometheus.GaugeVec
	targetHealthy *prometheus.GaugeVec
}

// New creates a registry with Go runtime and process collectors attached.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_request_errors_total",
			Help: "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help: "HTTP request duration in seconds.", Buckets: latencyBuckets,
		}, []string{"handler", "method"}),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_submitted_total",
			Help: "Tasks accepted into the queue.",
		}, []string{"pattern", "target"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_rejected_total",
			Help: "Submissions rejected before enqueue, by error code.",
		}, []string{"target", "code"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_finished_total",
			Help: "Tasks that reached a terminal status.",
		}, []string{"target", "status"}),
		requeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_requeued_total",
			Help: "Task-level retries scheduled by the failure handler.",
		}, []string{"target"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_dead_lettered_total",
			Help: "Tasks forwarded to the dead-letter sink.",
		}, []string{"target"}),
		transportRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transport_retries_total",
			Help: "Transport-level retries performed inside execution attempts.",
		}, []string{"target"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "dispatch_duration_seconds",
			Help: "Duration of one execution attempt including transport retries.", Buckets: latencyBuckets,
		}, []string{"target", "outcome"}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_tasks",
			Help: "Tasks currently executing against a downstream target.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Queued tasks per priority lane.",
		}, []string{"priority"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_breaker_state",
			Help: "Circuit breaker state per target (0 closed, 1 open, 2 half-open).",
		}, []string{"target"}),
		targetHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "target_healthy",
			Help: "Result of the last health probe per target (1 healthy).",
		}, []string{"target"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests, r.httpErrors, r.httpLatency,
		r.submitted, r.rejected, r.finished, r.requeued, r.deadLetters, r.transportRetries, r.dispatchLatency,
		r.activeTasks, r.queueDepth, r.breakerState, r.targetHealthy,
	)
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

// Handler serves the Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (r *Registry) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		r.httpErrors.WithLabelValues(handler, method).Inc()
	}
	r.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// TaskSubmitted counts an accepted submission.
func (r *Registry) TaskSubmitted(pattern, target string) {
	if r == nil {
		return
	}
	r.submitted.WithLabelValues(pattern, target).Inc()
}

// TaskRejected counts a submission refused with the given error code.
func (r *Registry) TaskRejected(target, code string) {
	if r == nil {
		return
	}
	r.rejected.WithLabelValues(target, code).Inc()
}

// TaskFinished counts a task reaching a terminal status.
func (r *Registry) TaskFinished(target, status string) {
	if r == nil {
		return
	}
	r.finished.WithLabelValues(target, status).Inc()
}

// TaskRequeued counts a task-level retry.
func (r *Registry) TaskRequeued(target string) {
	if r == nil {
		return
	}
	r.requeued.WithLabelValues(target).Inc()
}

// TaskDeadLettered counts a dead-letter hand-off.
func (r *Registry) TaskDeadLettered(target string) {
	if r == nil {
		return
	}
	r.deadLetters.WithLabelValues(target).Inc()
}

// TransportRetries adds n transport-level retries for target.
func (r *Registry) TransportRetries(target string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.transportRetries.WithLabelValues(target).Add(float64(n))
}

// ObserveDispatch records one execution attempt.
func (r *Registry) ObserveDispatch(target, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.dispatchLatency.WithLabelValues(target, outcome).Observe(duration.Seconds())
}

// SetActiveTasks sets the number of in-flight executions.
func (r *Registry) SetActiveTasks(n int) {
	if r == nil {
		return
	}
	r.activeTasks.Set(float64(n))
}

// SetQueueDepths publishes per-lane depths keyed by priority.
func (r *Registry) SetQueueDepths(depths map[int]int) {
	if r == nil {
		return
	}
	for priority, depth := range depths {
		r.queueDepth.WithLabelValues(strconv.Itoa(priority)).Set(float64(depth))
	}
}

// SetBreakerState publishes the numeric breaker state for target.
func (r *Registry) SetBreakerState(target string, state int) {
	if r == nil {
		return
	}
	r.breakerState.WithLabelValues(target).Set(float64(state))
}

// SetTargetHealthy publishes the last probe result for target.
func (r *Registry) SetTargetHealthy(target string, healthy bool) {
	if r == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	r.targetHealthy.WithLabelValues(target).Set(v)
}
