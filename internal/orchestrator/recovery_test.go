package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Orchestrator-Core/internal/breaker"
	"Orchestrator-Core/internal/events"
	"Orchestrator-Core/internal/task"
)

func seedTask(t *testing.T, store *task.MemoryStore, id string, status task.Status, maxRetries int) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &task.Task{
		ID:         id,
		Pattern:    "vision.detect",
		Target:     "vision",
		Payload:    json.RawMessage(`{}`),
		Priority:   3,
		Status:     status,
		MaxRetries: maxRetries,
	}))
}

func shutdown(t *testing.T, o *Orchestrator, timeout time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return o.Shutdown(ctx)
}

func TestStartRecoversUnfinishedTasks(t *testing.T) {
	store := task.NewMemoryStore()
	first := newHarness(t, harnessConfig{store: store})
	queued := first.submit(t, `{"image":"c.png"}`)
	require.NoError(t, shutdown(t, first.orch, time.Second))

	seedTask(t, store, "left-pending", task.StatusPending, 0)
	seedTask(t, store, "left-running", task.StatusRunning, 1)
	seedTask(t, store, "left-running-exhausted", task.StatusRunning, 0)

	second := newHarness(t, harnessConfig{store: store})
	second.orch.Start()

	second.waitFor(t, queued.TaskID, task.StatusCompleted)
	second.waitFor(t, "left-pending", task.StatusCompleted)
	retried := second.waitFor(t, "left-running", task.StatusCompleted)
	assert.Equal(t, 1, retried.RetryCount)

	exhausted := second.waitFor(t, "left-running-exhausted", task.StatusFailed)
	assert.Equal(t, string(task.CodeTaskInterrupted), exhausted.ErrorCode)

	assert.Equal(t, int32(0), first.hits.Load())
	assert.Equal(t, int32(3), second.hits.Load())
}

func TestShutdownDeadlineReturnsInFlightTaskToQueue(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, harnessConfig{
		handler: func(_ http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-release:
			}
		},
		failureThreshold: 1,
		opts:             Options{Workers: 1, DeadLetter: true},
	})
	t.Cleanup(func() { close(release) })
	h.orch.Start()

	res := h.submit(t, `{"image":"d.png"}`)
	h.waitFor(t, res.TaskID, task.StatusRunning)

	err := shutdown(t, h.orch, 50*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	stored, err := h.store.Get(context.Background(), res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)
	assert.Equal(t, breaker.Closed, h.orch.Breakers().Get("vision").State())
	assert.False(t, slices.Contains(h.bus.Topics(), events.TopicDeadLetter))
	assert.Zero(t, h.orch.Metrics().Tasks.Failed)

	next := newHarness(t, harnessConfig{store: h.store})
	next.orch.Start()
	done := next.waitFor(t, res.TaskID, task.StatusCompleted)
	assert.Equal(t, 0, done.RetryCount)
}
