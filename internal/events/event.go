// Package events publishes task lifecycle events to a message bus. Every
// event travels as a JSON envelope; publishers never see native maps.
package events

import (
	"context"
	"encoding/json"
	"time"

	xerrors "Orchestrator-Core/internal/errors"
	"Orchestrator-Core/internal/task"
)

// Topics used on the bus.
const (
	TopicCompletedPrefix = "task.completed."
	TopicDeadLetter      = "task.dead_letter"
)

// CompletedTopic returns the completion topic for a target.
func CompletedTopic(target string) string {
	return TopicCompletedPrefix + target
}

// Event is the envelope published for completed and dead-lettered tasks.
// Task carries the full record on dead-letter events only.
type Event struct {
	Topic      string          `json:"topic"`
	TaskID     string          `json:"task_id"`
	Pattern    string          `json:"pattern"`
	Target     string          `json:"target"`
	Status     task.Status     `json:"status"`
	RetryCount int             `json:"retry_count"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Task       *task.Task      `json:"task,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Completed builds the event for a task that finished successfully.
func Completed(t *task.Task, now time.Time) Event {
	return Event{
		Topic:      CompletedTopic(t.Target),
		TaskID:     t.ID,
		Pattern:    t.Pattern,
		Target:     t.Target,
		Status:     t.Status,
		RetryCount: t.RetryCount,
		Result:     t.Result,
		OccurredAt: now,
	}
}

// DeadLetter builds the event for a task that exhausted its retries.
func DeadLetter(t *task.Task, now time.Time) Event {
	return Event{
		Topic:      TopicDeadLetter,
		TaskID:     t.ID,
		Pattern:    t.Pattern,
		Target:     t.Target,
		Status:     t.Status,
		RetryCount: t.RetryCount,
		Error:      t.Error,
		ErrorCode:  t.ErrorCode,
		Task:       t.Clone(),
		OccurredAt: now,
	}
}

// Encode serializes the envelope. Failures are SERIALIZATION_FAILED errors.
func Encode(event Event) ([]byte, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSerialization, err, "encode event",
			xerrors.WithMetadata("topic", event.Topic),
			xerrors.WithMetadata("task_id", event.TaskID),
		)
	}
	return body, nil
}

// Publisher delivers encoded events to a bus.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}
