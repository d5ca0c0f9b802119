package orchestrator

import (
	"cmp"
	"context"
	"log/slog"
	"slices"

	xerrors "Orchestrator-Core/internal/errors"
	"Orchestrator-Core/internal/task"
)

const recoveryPageSize = 500

// recoverUnfinished 在启动时接管存储中遗留的非终态任务：pending/queued 按原优先级重新入队，
// running 视为执行被中断，按失败处理规则重排或写入终态。
// 调用方必须保证此时没有执行器在运行。
func (o *Orchestrator) recoverUnfinished(ctx context.Context) {
	pending, err := o.unfinished(ctx)
	if err != nil {
		o.log.Error("扫描未完成任务失败", slog.Any("error", err))
		return
	}
	if len(pending) == 0 {
		return
	}
	// 同一优先级内保持提交顺序。
	slices.SortStableFunc(pending, func(a, b *task.Task) int {
		return cmp.Compare(a.CreatedAt.UnixNano(), b.CreatedAt.UnixNano())
	})

	var requeued, interrupted, lost int
	for _, t := range pending {
		log := o.log.With(slog.String("task_id", t.ID), slog.String("target", t.Target))
		switch t.Status {
		case task.StatusRunning:
			cause := xerrors.New(task.CodeTaskInterrupted, "execution interrupted by restart",
				xerrors.WithMetadata("task_id", t.ID))
			o.handleFailure(ctx, t, cause, log)
			interrupted++
		case task.StatusQueued:
			t.Status = task.StatusPending
			t.UpdatedAt = o.opts.Now()
			if err := o.store.Update(ctx, t, task.StatusQueued); err != nil {
				log.Error("恢复任务失败", slog.Any("error", err))
				lost++
				continue
			}
			fallthrough
		case task.StatusPending:
			if err := o.enqueue(ctx, t, task.StatusPending); err != nil {
				log.Error("恢复任务入队失败", slog.Any("error", err))
				lost++
				continue
			}
			requeued++
		}
	}
	o.log.Info("已恢复未完成任务",
		slog.Int("requeued", requeued),
		slog.Int("interrupted", interrupted),
		slog.Int("failed", lost),
	)
}

// unfinished 分页读取全部非终态任务。读取完成后才开始修改状态，避免翻页时结果集漂移。
func (o *Orchestrator) unfinished(ctx context.Context) ([]*task.Task, error) {
	var out []*task.Task
	for offset := 0; ; offset += recoveryPageSize {
		page, err := o.store.List(ctx, task.BuildListOptions(
			task.WithStatuses(task.StatusPending, task.StatusQueued, task.StatusRunning),
			task.WithSortOrder(task.SortByUpdatedAsc),
			task.WithLimit(recoveryPageSize),
			task.WithOffset(offset),
		))
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < recoveryPageSize {
			return out, nil
		}
	}
}
