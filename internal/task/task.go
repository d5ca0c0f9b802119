package task

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"net/http"
	"time"

	xerrors "Orchestrator-Core/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusQueued
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusTimeout
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusPending:   "pending",
	StatusQueued:    "queued",
	StatusRunning:   "running",
	StatusCompleted: "completed",
	StatusFailed:    "failed",
	StatusTimeout:   "timeout",
	StatusCancelled: "cancelled",
}

// AllStatuses 按生命周期顺序列出全部状态。
var AllStatuses = []Status{
	StatusPending,
	StatusQueued,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusTimeout,
	StatusCancelled,
}

// String 返回状态的线上表示。
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// IsTerminal 判断任务是否已经结束。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus 将字符串解析为状态。
func ParseStatus(value string) (Status, error) {
	for status, name := range statusNames {
		if name == value {
			return status, nil
		}
	}
	return 0, xerrors.New(CodeTaskValidation, fmt.Sprintf("未知的任务状态 %q", value))
}

// MarshalText 实现 encoding.TextMarshaler。
func (s Status) MarshalText() ([]byte, error) {
	if !IsValidStatus(s) {
		return nil, fmt.Errorf("invalid task status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	_, ok := statusNames[status]
	return ok
}

// Task 描述了一次路由到下游服务的调用请求及其执行状态。
type Task struct {
	ID               string            `json:"id"`
	Pattern          string            `json:"pattern"`
	Target           string            `json:"target"`
	Payload          json.RawMessage   `json:"payload"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Priority         int               `json:"priority"`
	Status           Status            `json:"status"`
	RetryCount       int               `json:"retry_count"`
	TransportRetries int               `json:"transport_retries"`
	MaxRetries       int               `json:"max_retries"`
	TimeoutSeconds   int               `json:"timeout_seconds"`
	CallbackURL      string            `json:"callback_url,omitempty"`
	Result           json.RawMessage   `json:"result,omitempty"`
	Error            string            `json:"error,omitempty"`
	ErrorCode        string            `json:"error_code,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Timeout 返回单次调用的超时时间。
func (t *Task) Timeout() time.Duration {
	if t == nil || t.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// Clone 返回任务的深拷贝，存储层不会与调用方共享可变字段。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Payload = cloneRaw(t.Payload)
	clone.Result = cloneRaw(t.Result)
	clone.Metadata = cloneMetadata(t.Metadata)
	return &clone
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict")
)

const (
	CodeTaskNotFound    xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict    xerrors.Code = "TASK_CONFLICT"
	CodeTaskValidation  xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskExhausted   xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskInterrupted xerrors.Code = "TASK_INTERRUPTED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:    "task not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:    "task conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:    "task validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:    "task retries exhausted",
		Severity:   xerrors.SeverityCritical,
		HTTPStatus: http.StatusInternalServerError,
	})
	xerrors.Register(CodeTaskInterrupted, xerrors.Attributes{
		Message:    "task execution interrupted",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusServiceUnavailable,
	})
}

// NotFound 构造携带任务 ID 的 TASK_NOT_FOUND 错误。
func NotFound(id string) error {
	return xerrors.New(CodeTaskNotFound, "task not found", xerrors.WithMetadata("task_id", id))
}

// Conflict 构造携带当前状态的 TASK_CONFLICT 错误。
func Conflict(id string, status Status) error {
	return xerrors.New(CodeTaskConflict,
		fmt.Sprintf("task %s is %s", id, status),
		xerrors.WithMetadata("task_id", id),
		xerrors.WithMetadata("status", status.String()),
	)
}

// IsTaskError 判断错误是否为指定的任务错误码。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	var coded *xerrors.Error
	if stdErrors.As(err, &coded) {
		return coded.Code() == target
	}
	return false
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]string, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
