package task

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "Orchestrator-Core/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，适用于单实例部署与测试。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return Conflict(task.ID, m.tasks[task.ID].Status)
	}
	now := m.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = task.Clone()
	return nil
}

// Get 返回任务副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, NotFound(id)
	}
	return task.Clone(), nil
}

// Update 在状态匹配时写回任务。
func (m *MemoryStore) Update(_ context.Context, task *Task, expect Status) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.tasks[task.ID]
	if !ok {
		return NotFound(task.ID)
	}
	if current.Status != expect {
		return Conflict(task.ID, current.Status)
	}
	task.CreatedAt = current.CreatedAt
	task.UpdatedAt = m.now()
	m.tasks[task.ID] = task.Clone()
	return nil
}

// List 返回符合条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()
	matched := m.filter(opts)

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			if opts.Order == SortByUpdatedAsc {
				return a.UpdatedAt.Before(b.UpdatedAt)
			}
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		if opts.Order == SortByUpdatedAsc {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})

	if opts.Offset >= len(matched) {
		return []*Task{}, nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	out := make([]*Task, 0, len(matched))
	for _, task := range matched {
		out = append(out, task.Clone())
	}
	return out, nil
}

// Stats 返回符合过滤条件的任务聚合信息，分页参数被忽略。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()
	var stats TaskStats
	for _, task := range m.filter(opts) {
		stats.add(task.Status, 1)
		if stats.OldestUpdatedAt.IsZero() || task.UpdatedAt.Before(stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = task.UpdatedAt
		}
		if task.UpdatedAt.After(stats.NewestUpdatedAt) {
			stats.NewestUpdatedAt = task.UpdatedAt
		}
	}
	return stats, nil
}

// PurgeTerminal 删除过期的终态任务。
func (m *MemoryStore) PurgeTerminal(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, task := range m.tasks {
		if task.Status.IsTerminal() && task.UpdatedAt.Before(before) {
			delete(m.tasks, id)
			removed++
		}
	}
	return removed, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) filter(opts ListOptions) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if opts.matches(task) {
			matched = append(matched, task)
		}
	}
	return matched
}

var _ Store = (*MemoryStore)(nil)
