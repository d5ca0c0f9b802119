package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"Orchestrator-Core/internal/downstream"
	xerrors "Orchestrator-Core/internal/errors"
	"Orchestrator-Core/internal/events"
	"Orchestrator-Core/internal/observability/alerting"
	"Orchestrator-Core/internal/observability/tracing"
	"Orchestrator-Core/internal/task"
)

// handleFailure 决定失败任务的去向：仍有重试次数时以原优先级重新入队，
// 否则写入终态并交给死信通道。任务必须处于 running。
func (o *Orchestrator) handleFailure(ctx context.Context, t *task.Task, cause error, log *slog.Logger) {
	tracing.Fail(trace.SpanFromContext(ctx), cause)
	t.Error = cause.Error()
	t.ErrorCode = string(xerrors.CodeOf(cause))

	if t.RetryCount < t.MaxRetries {
		t.RetryCount++
		t.Status = task.StatusPending
		t.UpdatedAt = o.opts.Now()
		if err := o.store.Update(ctx, t, task.StatusRunning); err != nil {
			log.Error("任务重排失败", slog.Any("error", err))
			return
		}
		if err := o.enqueue(ctx, t, task.StatusPending); err != nil {
			if task.IsTaskError(err, task.CodeTaskConflict) {
				log.Info("任务在重排前被取消")
				return
			}
			log.Error("任务重新入队失败", slog.Any("error", err))
			if xerrors.HasCode(err, xerrors.CodeQueueFull) {
				// enqueue 已把任务写成 failed 并计数。
				o.exhausted(t, err)
			}
			return
		}
		o.counters.requeued.Add(1)
		o.metrics.TaskRequeued(t.Target)
		log.Info("任务已重新入队",
			slog.Int("retry_count", t.RetryCount),
			slog.Int("max_retries", t.MaxRetries),
			slog.String("code", t.ErrorCode),
		)
		return
	}

	final := task.StatusFailed
	if downstream.IsTimeout(cause) {
		final = task.StatusTimeout
	}
	t.Status = final
	t.UpdatedAt = o.opts.Now()
	if err := o.store.Update(ctx, t, task.StatusRunning); err != nil {
		log.Error("写入任务终态失败", slog.Any("error", err))
		return
	}
	if final == task.StatusTimeout {
		o.counters.timedOut.Add(1)
	} else {
		o.counters.failed.Add(1)
	}
	o.metrics.TaskFinished(t.Target, final.String())
	o.exhausted(t, cause)
}

// exhausted 处理已写入失败终态的任务：审计、死信与回调。
func (o *Orchestrator) exhausted(t *task.Task, cause error) {
	o.audit.Warn("任务重试耗尽",
		slog.String("task_id", t.ID),
		slog.String("target", t.Target),
		slog.String("status", t.Status.String()),
		slog.Int("retry_count", t.RetryCount),
		slog.String("error", t.Error),
	)
	o.deadLetter(t, cause)
	o.deliverCallback(t)
}

// deadLetter 发布死信事件并触发告警，任务必须已经是终态。
func (o *Orchestrator) deadLetter(t *task.Task, cause error) {
	o.alert(alerting.Event{
		Code:       task.CodeTaskExhausted,
		Message:    fmt.Sprintf("task %s failed permanently: %v", t.ID, cause),
		Severity:   xerrors.SeverityCritical,
		TaskID:     t.ID,
		Target:     t.Target,
		Attempts:   t.RetryCount + 1,
		MaxRetries: t.MaxRetries,
		Metadata:   map[string]string{"error_code": t.ErrorCode, "status": t.Status.String()},
	})
	if !o.opts.DeadLetter {
		return
	}
	o.counters.deadLettered.Add(1)
	o.metrics.TaskDeadLettered(t.Target)
	o.publish(events.DeadLetter(t, o.opts.Now()))
}
