package orchestrator

import (
	"context"
	"encoding/json"

	"Orchestrator-Core/internal/task"
)

// TaskResult 是聚合结果中一个已完成任务的输出。
type TaskResult struct {
	TaskID string          `json:"task_id"`
	Result json.RawMessage `json:"result"`
}

// TaskError 是聚合结果中一个失败或不存在的任务。
type TaskError struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

// AggregateResult 汇总一组任务的执行结果。
type AggregateResult struct {
	Total     int          `json:"total"`
	Completed int          `json:"completed"`
	Failed    int          `json:"failed"`
	Results   []TaskResult `json:"results"`
	Errors    []TaskError  `json:"errors"`
}

// Aggregate 汇总一组任务：completed 贡献结果，failed 与 timeout 都算失败并贡献错误，
// 不存在的 ID 记为错误，其余状态只计入 total。
func (o *Orchestrator) Aggregate(ctx context.Context, ids []string) (AggregateResult, error) {
	if len(ids) == 0 {
		return AggregateResult{}, validationError("task_ids must not be empty")
	}
	out := AggregateResult{
		Total:   len(ids),
		Results: []TaskResult{},
		Errors:  []TaskError{},
	}
	for _, id := range ids {
		t, err := o.store.Get(ctx, id)
		if err != nil {
			if task.IsTaskError(err, task.CodeTaskNotFound) {
				out.Errors = append(out.Errors, TaskError{TaskID: id, Error: "task not found"})
				continue
			}
			return AggregateResult{}, err
		}
		switch t.Status {
		case task.StatusCompleted:
			out.Completed++
			out.Results = append(out.Results, TaskResult{TaskID: t.ID, Result: t.Result})
		case task.StatusFailed, task.StatusTimeout:
			out.Failed++
			out.Errors = append(out.Errors, TaskError{TaskID: t.ID, Error: t.Error})
		}
	}
	return out, nil
}
