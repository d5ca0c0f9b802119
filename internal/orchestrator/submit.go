package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	xerrors "Orchestrator-Core/internal/errors"
	"Orchestrator-Core/internal/observability/tracing"
	"Orchestrator-Core/internal/queue"
	"Orchestrator-Core/internal/task"
)

// SubmitRequest 描述一次任务提交。Priority 为 0 时使用路由默认优先级，
// MaxRetries 为 nil 时使用全局默认值。
type SubmitRequest struct {
	Pattern        string            `json:"pattern"`
	Payload        json.RawMessage   `json:"payload"`
	Priority       int               `json:"priority,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	MaxRetries     *int              `json:"max_retries,omitempty"`
	CallbackURL    string            `json:"callback_url,omitempty"`
}

// SubmitResult 是提交成功后的返回值。
type SubmitResult struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
}

func validationError(message string, opts ...xerrors.Option) error {
	return xerrors.New(task.CodeTaskValidation, message, opts...)
}

func (r SubmitRequest) validate() error {
	if r.Pattern == "" {
		return validationError("pattern is required")
	}
	payload := bytes.TrimSpace(r.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return validationError("payload is required")
	}
	if !json.Valid(payload) || payload[0] != '{' {
		return validationError("payload must be a JSON object")
	}
	if r.Priority != 0 && !queue.ValidPriority(r.Priority) {
		return validationError(
			fmt.Sprintf("priority must be between %d and %d", queue.MinPriority, queue.MaxPriority),
			xerrors.WithMetadata("priority", fmt.Sprint(r.Priority)),
		)
	}
	if r.TimeoutSeconds < 0 {
		return validationError("timeout_seconds must not be negative")
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return validationError("max_retries must not be negative")
	}
	if r.CallbackURL != "" {
		u, err := url.Parse(r.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return validationError("callback_url must be an absolute http(s) URL")
		}
	}
	return nil
}

// Submit 校验请求并依次经过路由、熔断与限流检查，通过后创建任务并入队。
// 任一检查失败都会立即返回对应错误，不会创建任务。
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	ctx, span := tracing.Start(ctx, "orchestrator.submit", attribute.String("task.pattern", req.Pattern))
	defer span.End()
	res, err := o.submit(ctx, req)
	if err != nil {
		tracing.Fail(span, err)
		return res, err
	}
	span.SetAttributes(attribute.String("task.id", res.TaskID))
	return res, nil
}

func (o *Orchestrator) submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if err := req.validate(); err != nil {
		o.reject("", err)
		return SubmitResult{}, err
	}

	rule, err := o.routes.Resolve(req.Pattern)
	if err != nil {
		o.reject("", err)
		return SubmitResult{}, err
	}

	if !o.breakers.Get(rule.Target).Admits() {
		err := xerrors.New(xerrors.CodeCircuitOpen, "",
			xerrors.WithMetadata("target", rule.Target),
		)
		o.reject(rule.Target, err)
		return SubmitResult{}, err
	}

	allowed, err := o.limiter.Acquire(ctx, rule.Target)
	if err != nil {
		// 限流后端不可用时放行，避免 Redis 故障拖垮整个提交链路。
		o.log.Warn("限流后端不可用，本次请求放行", slog.String("target", rule.Target), slog.Any("error", err))
		allowed = true
	}
	if !allowed {
		err := xerrors.New(xerrors.CodeRateLimitExceeded, "",
			xerrors.WithMetadata("target", rule.Target),
		)
		o.reject(rule.Target, err)
		return SubmitResult{}, err
	}

	priority := req.Priority
	if priority == 0 {
		priority = queue.ClampPriority(rule.DefaultPriority)
	}
	timeout := req.TimeoutSeconds
	if timeout == 0 {
		timeout = int(rule.Timeout.Seconds())
	}
	maxRetries := o.opts.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	now := o.opts.Now()
	t := &task.Task{
		ID:             uuid.NewString(),
		Pattern:        rule.Pattern,
		Target:         rule.Target,
		Payload:        append(json.RawMessage(nil), bytes.TrimSpace(req.Payload)...),
		Metadata:       req.Metadata,
		Priority:       priority,
		Status:         task.StatusPending,
		MaxRetries:     maxRetries,
		TimeoutSeconds: timeout,
		CallbackURL:    req.CallbackURL,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.Create(ctx, t); err != nil {
		return SubmitResult{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create task")
	}

	if err := o.enqueue(ctx, t, task.StatusPending); err != nil {
		return SubmitResult{}, err
	}

	o.counters.submitted.Add(1)
	o.metrics.TaskSubmitted(t.Pattern, t.Target)
	o.log.Info("任务已提交",
		slog.String("task_id", t.ID),
		slog.String("pattern", t.Pattern),
		slog.String("target", t.Target),
		slog.Int("priority", t.Priority),
	)
	return SubmitResult{TaskID: t.ID, Status: task.StatusQueued}, nil
}

// enqueue 先把任务标记为 queued 再放入队列，保证执行器取到的任务一定处于 queued。
// 队列已满时任务被记为失败，不会悄悄丢失。
func (o *Orchestrator) enqueue(ctx context.Context, t *task.Task, expect task.Status) error {
	t.Status = task.StatusQueued
	t.UpdatedAt = o.opts.Now()
	if err := o.store.Update(ctx, t, expect); err != nil {
		return err
	}

	if err := o.queue.Enqueue(t.ID, t.Priority); err != nil {
		t.Status = task.StatusFailed
		t.Error = err.Error()
		t.ErrorCode = string(xerrors.CodeOf(err))
		t.UpdatedAt = o.opts.Now()
		if uerr := o.store.Update(ctx, t, task.StatusQueued); uerr != nil {
			o.log.Error("队列已满且无法记录任务失败", slog.String("task_id", t.ID), slog.Any("error", uerr))
		}
		o.counters.failed.Add(1)
		o.metrics.TaskFinished(t.Target, task.StatusFailed.String())
		o.reject(t.Target, err)
		if coded, ok := xerrors.From(err); ok {
			return xerrors.New(coded.Code(), coded.Message(),
				xerrors.WithMetadata("task_id", t.ID),
				xerrors.WithMetadata("target", t.Target),
			)
		}
		return err
	}
	o.metrics.SetQueueDepths(o.queue.Depths())
	return nil
}

func (o *Orchestrator) reject(target string, err error) {
	o.counters.rejected.Add(1)
	o.metrics.TaskRejected(target, string(xerrors.CodeOf(err)))
	o.log.Info("任务被拒绝",
		slog.String("target", target),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.Any("error", err),
	)
}

// Get 返回任务当前状态。
func (o *Orchestrator) Get(ctx context.Context, id string) (*task.Task, error) {
	if id == "" {
		return nil, validationError("task id is required")
	}
	return o.store.Get(ctx, id)
}

// Cancel 取消尚未开始执行的任务。运行中或已结束的任务返回 TASK_CONFLICT。
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*task.Task, error) {
	t, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case task.StatusPending, task.StatusQueued:
	default:
		return nil, task.Conflict(t.ID, t.Status)
	}

	prev := t.Status
	o.queue.Remove(t.ID)
	t.Status = task.StatusCancelled
	t.UpdatedAt = o.opts.Now()
	if err := o.store.Update(ctx, t, prev); err != nil {
		return nil, err
	}
	o.metrics.SetQueueDepths(o.queue.Depths())
	o.counters.cancelled.Add(1)
	o.metrics.TaskFinished(t.Target, task.StatusCancelled.String())
	o.audit.Info("任务已取消", slog.String("task_id", t.ID), slog.String("previous", prev.String()))
	return t, nil
}

// List 分页返回任务。
func (o *Orchestrator) List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error) {
	return o.store.List(ctx, task.BuildListOptions(opts...))
}

// Stats 返回按状态聚合的任务数量。
func (o *Orchestrator) Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error) {
	return o.store.Stats(ctx, task.BuildListOptions(opts...))
}
