package orchestrator

import (
	"time"

	"Orchestrator-Core/internal/breaker"
	"Orchestrator-Core/internal/health"
	"Orchestrator-Core/internal/ratelimit"
)

// 服务整体健康状态
const (
	OverallHealthy   = "healthy"
	OverallDegraded  = "degraded"
	OverallUnhealthy = "unhealthy"
)

// TargetReport 合并了一个下游目标的探测结果与熔断状态。
type TargetReport struct {
	Name             string        `json:"name"`
	Status           health.Status `json:"status"`
	Circuit          breaker.State `json:"circuit"`
	FailureCount     int           `json:"failure_count"`
	ConsecutiveFails int           `json:"consecutive_probe_failures"`
	LastCheck        time.Time     `json:"last_check,omitempty"`
	LastError        string        `json:"last_error,omitempty"`
}

// HealthReport 是 /health 的响应体。
type HealthReport struct {
	Status         string         `json:"status"`
	HealthyTargets int            `json:"healthy_targets"`
	TotalTargets   int            `json:"total_targets"`
	ActiveTasks    int            `json:"active_tasks"`
	QueueSize      int            `json:"queue_size"`
	Targets        []TargetReport `json:"targets"`
}

// Health 汇总下游健康、熔断状态、在途任务与队列长度。
// 没有配置健康探测时，以熔断器是否闭合判断目标是否健康。
func (o *Orchestrator) Health() HealthReport {
	report := HealthReport{
		ActiveTasks: int(o.active.Load()),
		QueueSize:   o.queue.Len(),
		Targets:     []TargetReport{},
	}
	for _, target := range o.routes.Targets() {
		stats := o.breakers.Get(target.Name).Stats()
		tr := TargetReport{
			Name:         target.Name,
			Status:       health.StatusUnknown,
			Circuit:      stats.State,
			FailureCount: stats.FailureCount,
		}
		if o.monitor != nil {
			if h, ok := o.monitor.Get(target.Name); ok {
				tr.Status = h.Status
				tr.ConsecutiveFails = h.ConsecutiveFails
				tr.LastCheck = h.LastCheck
				tr.LastError = h.LastError
			}
		} else if stats.State == breaker.Closed {
			tr.Status = health.StatusHealthy
		} else {
			tr.Status = health.StatusUnhealthy
		}
		if tr.Status == health.StatusHealthy {
			report.HealthyTargets++
		}
		report.Targets = append(report.Targets, tr)
	}
	report.TotalTargets = len(report.Targets)

	switch {
	case report.HealthyTargets == report.TotalTargets:
		report.Status = OverallHealthy
	case report.HealthyTargets == 0:
		report.Status = OverallUnhealthy
	default:
		report.Status = OverallDegraded
	}
	return report
}

// TaskCounters 是进程启动以来的任务计数。
type TaskCounters struct {
	Submitted        int64 `json:"submitted"`
	Rejected         int64 `json:"rejected"`
	Completed        int64 `json:"completed"`
	Failed           int64 `json:"failed"`
	TimedOut         int64 `json:"timed_out"`
	Cancelled        int64 `json:"cancelled"`
	Requeued         int64 `json:"requeued"`
	DeadLettered     int64 `json:"dead_lettered"`
	TransportRetries int64 `json:"transport_retries"`
}

// MetricsSnapshot 是 /api/v1/metrics 的 JSON 视图。
type MetricsSnapshot struct {
	Tasks       TaskCounters      `json:"tasks"`
	ActiveTasks int               `json:"active_tasks"`
	QueueSize   int               `json:"queue_size"`
	QueueDepth  map[int]int       `json:"queue_depth"`
	Breakers    []breaker.Stats   `json:"breakers"`
	RateLimits  []ratelimit.Stats `json:"rate_limits,omitempty"`
	CollectedAt time.Time         `json:"collected_at"`
}

// Metrics 返回当前计数、队列深度与熔断器状态。
func (o *Orchestrator) Metrics() MetricsSnapshot {
	snap := MetricsSnapshot{
		Tasks: TaskCounters{
			Submitted:        o.counters.submitted.Load(),
			Rejected:         o.counters.rejected.Load(),
			Completed:        o.counters.completed.Load(),
			Failed:           o.counters.failed.Load(),
			TimedOut:         o.counters.timedOut.Load(),
			Cancelled:        o.counters.cancelled.Load(),
			Requeued:         o.counters.requeued.Load(),
			DeadLettered:     o.counters.deadLettered.Load(),
			TransportRetries: o.counters.transportRetries.Load(),
		},
		ActiveTasks: int(o.active.Load()),
		QueueSize:   o.queue.Len(),
		QueueDepth:  o.queue.Depths(),
		Breakers:    o.breakers.Snapshot(),
		CollectedAt: o.opts.Now(),
	}
	if reg, ok := o.limiter.(*ratelimit.Registry); ok {
		snap.RateLimits = reg.Snapshot()
	}
	return snap
}
