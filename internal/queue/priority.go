// Package queue implements the in-process priority queue that feeds the
// dispatcher. Five lanes (priority 1..5) hold task identifiers; dequeue always
// drains the highest non-empty lane first and preserves FIFO order within a
// lane. Lower lanes are served only while every higher lane is empty.
package queue

import (
	"container/list"
	"sync"

	xerrors "Orchestrator-Core/internal/errors"
)

const (
	// MinPriority is the lowest accepted priority.
	MinPriority = 1
	// MaxPriority is the highest accepted priority.
	MaxPriority = 5

	lanes = MaxPriority - MinPriority + 1
)

// Item is one queued entry.
type Item struct {
	TaskID   string
	Priority int
}

// PriorityQueue is safe for concurrent use.
type PriorityQueue struct {
	maxSize int

	mu    sync.Mutex
	lanes [lanes]*list.List
	index map[string]*list.Element
	size  int

	signal chan struct{}
}

// New creates a queue bounded at maxSize entries; maxSize <= 0 means unbounded.
func New(maxSize int) *PriorityQueue {
	q := &PriorityQueue{
		maxSize: maxSize,
		index:   make(map[string]*list.Element),
		signal:  make(chan struct{}, 1),
	}
	for i := range q.lanes {
		q.lanes[i] = list.New()
	}
	return q
}

// ClampPriority forces p into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// ValidPriority reports whether p is an accepted lane.
func ValidPriority(p int) bool {
	return p >= MinPriority && p <= MaxPriority
}

// Enqueue appends the task to the tail of its lane. Enqueuing an id already
// present is a no-op.
func (q *PriorityQueue) Enqueue(taskID string, priority int) error {
	if taskID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "task id is required")
	}
	if !ValidPriority(priority) {
		return xerrors.New(xerrors.CodeInvalidArgument, "priority must be between 1 and 5")
	}

	q.mu.Lock()
	if _, exists := q.index[taskID]; exists {
		q.mu.Unlock()
		return nil
	}
	if q.maxSize > 0 && q.size >= q.maxSize {
		q.mu.Unlock()
		return xerrors.New(xerrors.CodeQueueFull, "", xerrors.WithMetadata("task_id", taskID))
	}
	el := q.lanes[priority-MinPriority].PushBack(Item{TaskID: taskID, Priority: priority})
	q.index[taskID] = el
	q.size++
	q.mu.Unlock()

	q.notify()
	return nil
}

// Dequeue removes and returns the oldest entry of the highest non-empty lane.
func (q *PriorityQueue) Dequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := lanes - 1; i >= 0; i-- {
		front := q.lanes[i].Front()
		if front == nil {
			continue
		}
		item := q.lanes[i].Remove(front).(Item)
		delete(q.index, item.TaskID)
		q.size--
		if q.size > 0 {
			q.notify()
		}
		return item, true
	}
	return Item{}, false
}

// Remove deletes the task from whichever lane holds it.
func (q *PriorityQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	el, ok := q.index[taskID]
	if !ok {
		return false
	}
	item := el.Value.(Item)
	q.lanes[item.Priority-MinPriority].Remove(el)
	delete(q.index, taskID)
	q.size--
	return true
}

// Contains reports whether the task is waiting in the queue.
func (q *PriorityQueue) Contains(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[taskID]
	return ok
}

// Len returns the number of queued entries.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Depths returns the number of entries per priority, keyed 1..5.
func (q *PriorityQueue) Depths() map[int]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[int]int, lanes)
	for i, l := range q.lanes {
		out[i+MinPriority] = l.Len()
	}
	return out
}

// Signal fires at least once after an enqueue. Consumers should drain with
// Dequeue until it reports empty before waiting again.
func (q *PriorityQueue) Signal() <-chan struct{} {
	return q.signal
}

func (q *PriorityQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
