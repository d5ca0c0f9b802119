package events

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Orchestrator-Core/internal/errors"
	"Orchestrator-Core/internal/task"
)

func sampleTask() *task.Task {
	return &task.Task{
		ID:         "t-1",
		Pattern:    "vision.detect",
		Target:     "vision",
		Status:     task.StatusCompleted,
		RetryCount: 1,
		Payload:    json.RawMessage(`{"image":"a.png"}`),
		Result:     json.RawMessage(`{"labels":["cat"]}`),
	}
}

func TestCompletedEventIsWellFormedJSON(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	body, err := Encode(Completed(sampleTask(), now))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "task.completed.vision", decoded["topic"])
	assert.Equal(t, "completed", decoded["status"])
	assert.Equal(t, []any{"cat"}, decoded["result"].(map[string]any)["labels"])
	assert.NotContains(t, decoded, "task")
}

func TestDeadLetterEventCarriesFullRecord(t *testing.T) {
	tk := sampleTask()
	tk.Status = task.StatusFailed
	tk.Result = nil
	tk.Error = "downstream vision returned 500"
	tk.ErrorCode = string(xerrors.CodePermanentDownstream)

	body, err := Encode(DeadLetter(tk, time.Now()))
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, TopicDeadLetter, decoded.Topic)
	require.NotNil(t, decoded.Task)
	assert.Equal(t, "t-1", decoded.Task.ID)
	assert.Equal(t, task.StatusFailed, decoded.Task.Status)
	assert.Equal(t, "downstream vision returned 500", decoded.Error)
}

func TestEncodeReportsSerializationError(t *testing.T) {
	tk := sampleTask()
	tk.Result = json.RawMessage(`{not json`)

	_, err := Encode(Completed(tk, time.Now()))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeSerialization, xerrors.CodeOf(err))
}

func TestMemoryAndLogPublishers(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryPublisher()
	require.NoError(t, mem.Publish(ctx, Completed(sampleTask(), time.Now())))
	assert.Equal(t, []string{"task.completed.vision"}, mem.Topics())

	var buf bytes.Buffer
	logPub := NewLogPublisher(slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, logPub.Publish(ctx, Completed(sampleTask(), time.Now())))
	assert.Contains(t, buf.String(), "task.completed.vision")
}

func TestRedisPublisherIntegration(t *testing.T) {
	addr := os.Getenv("ORCH_REDIS_INTEGRATION")
	if addr == "" {
		t.Skip("set ORCH_REDIS_INTEGRATION=host:port to run Redis integration tests")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	prefix := "orchestrator:test:" + time.Now().Format("150405.000") + ":"
	pub := NewRedisPublisherWithClient(client, prefix, 10)
	sub := client.Subscribe(ctx, pub.Channel(TopicDeadLetter))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	tk := sampleTask()
	tk.Status = task.StatusFailed
	require.NoError(t, pub.Publish(ctx, DeadLetter(tk, time.Now())))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, `"task_id":"t-1"`)

	n, err := client.LLen(ctx, prefix+"dead_letter").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRabbitMQPublisherIntegration(t *testing.T) {
	url := os.Getenv("ORCH_RABBITMQ_INTEGRATION")
	if url == "" {
		t.Skip("set ORCH_RABBITMQ_INTEGRATION to an AMQP URL to run")
	}
	pub, err := NewRabbitMQPublisher(RabbitMQConfig{URL: url, Exchange: "orchestrator.test", DeadLetterQueue: "orchestrator.test.dlq"})
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.Publish(context.Background(), Completed(sampleTask(), time.Now())))
}
