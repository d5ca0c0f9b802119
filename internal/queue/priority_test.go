package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Orchestrator-Core/internal/errors"
)

func TestDequeueOrdersByPriorityThenFIFO(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue("low", 1))
	require.NoError(t, q.Enqueue("high-a", 5))
	require.NoError(t, q.Enqueue("mid", 3))
	require.NoError(t, q.Enqueue("high-b", 5))

	var got []string
	for {
		item, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, item.TaskID)
	}
	assert.Equal(t, []string{"high-a", "high-b", "mid", "low"}, got)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q := New(2)
	require.NoError(t, q.Enqueue("a", 3))
	require.NoError(t, q.Enqueue("b", 3))

	err := q.Enqueue("c", 5)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeQueueFull))
	assert.Equal(t, 2, q.Len())
}

func TestEnqueueValidatesPriority(t *testing.T) {
	q := New(0)
	err := q.Enqueue("a", 0)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
	err = q.Enqueue("a", 6)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestEnqueueDuplicateIsIgnored(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue("a", 2))
	require.NoError(t, q.Enqueue("a", 4))
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, q.Depths()[2])
}

func TestRemove(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue("a", 2))
	require.NoError(t, q.Enqueue("b", 2))

	assert.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"))
	assert.False(t, q.Contains("a"))

	item, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "b", item.TaskID)
}

func TestSignalAfterEnqueue(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue("a", 1))
	select {
	case <-q.Signal():
	default:
		t.Fatal("expected a wake-up signal after enqueue")
	}
}

func TestConcurrentEnqueueDequeue(t *testing.T) {
	q := New(0)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Enqueue(fmt.Sprintf("t-%d", i), ClampPriority(i%7))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 100, q.Len())

	seen := make(map[string]bool)
	last := MaxPriority
	for {
		item, ok := q.Dequeue()
		if !ok {
			break
		}
		assert.LessOrEqual(t, item.Priority, last)
		last = item.Priority
		seen[item.TaskID] = true
	}
	assert.Len(t, seen, 100)
}
