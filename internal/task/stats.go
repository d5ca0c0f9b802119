package task

import "time"

// TaskStats 聚合了任务状态的统计信息，常用于仪表盘或健康检查。
type TaskStats struct {
	Total           int       `json:"total"`
	Pending         int       `json:"pending"`
	Queued          int       `json:"queued"`
	Running         int       `json:"running"`
	Completed       int       `json:"completed"`
	Failed          int       `json:"failed"`
	Timeout         int       `json:"timeout"`
	Cancelled       int       `json:"cancelled"`
	OldestUpdatedAt time.Time `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt time.Time `json:"newest_updated_at,omitempty"`
}

// Active 返回尚未结束的任务数量。
func (s TaskStats) Active() int {
	return s.Pending + s.Queued + s.Running
}

func (s *TaskStats) add(status Status, n int) {
	s.Total += n
	switch status {
	case StatusPending:
		s.Pending += n
	case StatusQueued:
		s.Queued += n
	case StatusRunning:
		s.Running += n
	case StatusCompleted:
		s.Completed += n
	case StatusFailed:
		s.Failed += n
	case StatusTimeout:
		s.Timeout += n
	case StatusCancelled:
		s.Cancelled += n
	}
}
