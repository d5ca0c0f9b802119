package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"Orchestrator-Core/internal/downstream"
	xerrors "Orchestrator-Core/internal/errors"
	"Orchestrator-Core/internal/events"
	"Orchestrator-Core/internal/observability/tracing"
	"Orchestrator-Core/internal/queue"
	"Orchestrator-Core/internal/task"
)

// worker 按优先级从队列取任务执行，队列为空时等待入队信号或轮询间隔。
func (o *Orchestrator) worker() {
	defer o.workers.Done()
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopping:
			return
		default:
		}

		item, ok := o.queue.Dequeue()
		if !ok {
			select {
			case <-o.stopping:
				return
			case <-o.queue.Signal():
			case <-ticker.C:
			}
			continue
		}
		o.metrics.SetQueueDepths(o.queue.Depths())
		o.dispatch(o.runCtx, item)
	}
}

// dispatch 执行单个任务。取消或被其他执行器抢占的任务会通过状态比较直接跳过。
func (o *Orchestrator) dispatch(ctx context.Context, item queue.Item) {
	log := o.log.With(slog.String("task_id", item.TaskID))

	t, err := o.store.Get(ctx, item.TaskID)
	if err != nil {
		if task.IsTaskError(err, task.CodeTaskNotFound) {
			log.Debug("任务已不存在，跳过")
			return
		}
		log.Error("读取任务失败", slog.Any("error", err))
		return
	}
	if t.Status != task.StatusQueued {
		log.Debug("任务状态已变化，跳过", slog.String("status", t.Status.String()))
		return
	}

	ctx, span := tracing.Start(ctx, "orchestrator.dispatch",
		attribute.String("task.id", t.ID),
		attribute.String("task.target", t.Target),
		attribute.Int("task.retry_count", t.RetryCount),
	)
	defer span.End()

	if !o.markRunning(ctx, t, log) {
		return
	}
	rule, err := o.routes.Resolve(t.Pattern)
	if err != nil {
		o.handleFailure(ctx, t, err, log)
		return
	}

	n := o.active.Add(1)
	o.metrics.SetActiveTasks(int(n))
	defer func() {
		o.metrics.SetActiveTasks(int(o.active.Add(-1)))
	}()

	br := o.breakers.Get(t.Target)
	if !br.CanExecute() {
		o.metrics.ObserveDispatch(t.Target, "circuit_open", 0)
		o.handleFailure(ctx, t, xerrors.New(xerrors.CodeCircuitOpen, "", xerrors.WithMetadata("target", t.Target)), log)
		return
	}

	// 首次执行的令牌已在提交时消耗，重排的任务需要重新申请。
	if t.RetryCount > 0 {
		allowed, lerr := o.limiter.Acquire(ctx, t.Target)
		if lerr != nil {
			log.Warn("限流后端不可用，本次执行放行", slog.Any("error", lerr))
			allowed = true
		}
		if !allowed {
			br.Release()
			o.metrics.ObserveDispatch(t.Target, "rate_limited", 0)
			o.handleFailure(ctx, t, xerrors.New(xerrors.CodeRateLimitExceeded, "", xerrors.WithMetadata("target", t.Target)), log)
			return
		}
	}

	started := time.Now()
	resp, attempts, err := o.invoker.Invoke(ctx, downstream.Request{
		TaskID:   t.ID,
		Target:   t.Target,
		Endpoint: rule.Endpoint,
		Payload:  t.Payload,
		Timeout:  t.Timeout(),
	})
	if attempts > 1 {
		t.TransportRetries += attempts - 1
		o.counters.transportRetries.Add(int64(attempts - 1))
		o.metrics.TransportRetries(t.Target, attempts-1)
	}

	if err != nil && o.runCtx.Err() != nil {
		br.Release()
		o.metrics.ObserveDispatch(t.Target, "interrupted", time.Since(started))
		o.requeueInterrupted(t, err, log)
		return
	}
	if err != nil {
		br.RecordFailure()
		o.metrics.ObserveDispatch(t.Target, string(xerrors.CodeOf(err)), time.Since(started))
		o.handleFailure(ctx, t, err, log)
		return
	}
	br.RecordSuccess()
	o.metrics.ObserveDispatch(t.Target, "success", time.Since(started))
	o.complete(ctx, t, resp, log)
}

// requeueInterrupted 把因停机被取消的任务放回 queued，不计入重试和熔断统计。
// 内存队列随进程退出，任务由下一次启动时的恢复流程重新入队。
func (o *Orchestrator) requeueInterrupted(t *task.Task, cause error, log *slog.Logger) {
	t.Status = task.StatusQueued
	t.UpdatedAt = o.opts.Now()
	if err := o.store.Update(context.WithoutCancel(o.runCtx), t, task.StatusRunning); err != nil {
		log.Error("停机时回退任务状态失败", slog.Any("error", err))
		return
	}
	log.Warn("停机中断执行，任务已退回队列", slog.Any("error", cause))
}

func (o *Orchestrator) markRunning(ctx context.Context, t *task.Task, log *slog.Logger) bool {
	t.Status = task.StatusRunning
	t.UpdatedAt = o.opts.Now()
	if err := o.store.Update(ctx, t, task.StatusQueued); err != nil {
		log.Debug("任务无法进入运行态，跳过", slog.Any("error", err))
		return false
	}
	return true
}

func (o *Orchestrator) complete(ctx context.Context, t *task.Task, resp downstream.Response, log *slog.Logger) {
	t.Status = task.StatusCompleted
	t.Result = resp.Body
	t.Error = ""
	t.ErrorCode = ""
	t.UpdatedAt = o.opts.Now()
	if err := o.store.Update(ctx, t, task.StatusRunning); err != nil {
		log.Error("写入任务结果失败", slog.Any("error", err))
		return
	}

	o.counters.completed.Add(1)
	o.metrics.TaskFinished(t.Target, task.StatusCompleted.String())
	o.audit.Info("任务执行完成",
		slog.String("task_id", t.ID),
		slog.String("target", t.Target),
		slog.Int("retry_count", t.RetryCount),
		slog.Int("transport_retries", t.TransportRetries),
	)

	o.publish(events.Completed(t, o.opts.Now()))
	o.deliverCallback(t)
}

func (o *Orchestrator) publish(event events.Event) {
	o.background.Go("publish "+event.Topic, func(ctx context.Context) error {
		return o.bus.Publish(ctx, event)
	})
}

func (o *Orchestrator) deliverCallback(t *task.Task) {
	if t.CallbackURL == "" {
		return
	}
	record := t.Clone()
	o.background.Go("callback", func(ctx context.Context) error {
		return o.callbacks.Deliver(ctx, record.CallbackURL, record)
	})
}
