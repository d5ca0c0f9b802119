package task

import (
	"context"
	"time"
)

// Store 抽象了任务状态的持久化接口，是任务状态的唯一可信来源。
type Store interface {
	// Create 写入新任务，ID 重复时返回 TASK_CONFLICT。
	Create(ctx context.Context, task *Task) error
	// Get 返回任务副本，不存在时返回 TASK_NOT_FOUND。
	Get(ctx context.Context, id string) (*Task, error)
	// Update 以比较并交换的方式写回任务：只有当前状态等于 expect 时才会成功，
	// 否则返回 TASK_CONFLICT。
	Update(ctx context.Context, task *Task, expect Status) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	// PurgeTerminal 删除 updated_at 早于 before 的终态任务，返回删除数量。
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// TerminalStatuses 返回全部终态。
func TerminalStatuses() []Status {
	return []Status{StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled}
}
