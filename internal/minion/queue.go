package minion

import (
	"encoding/json"
	"errors"
	"slices"
	"sync"

	"github.com/mtzanidakis/minions/internal/protocol"
)

var ErrTaskRunning = errors.New("a task is already running")

// QueuedTask is work accepted by the runtime but not started yet.
type QueuedTask struct {
	TaskID       string            `json:"task_id"`
	ParentTaskID string            `json:"parent_task_id,omitempty"`
	RequesterID  string            `json:"requester_id"`
	Description  string            `json:"description"`
	TraceID      string            `json:"trace_id"`
	Depth        int               `json:"depth"`
	Priority     protocol.Priority `json:"priority"`
	Context      []protocol.Turn   `json:"context,omitempty"`
	Seq          uint64            `json:"seq"`
}

// ToolStep is a local tool call decided by the generator and not yet run.
type ToolStep struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ActiveTask is the task being executed. Waiting holds the correlation id
// of a remote request the task is blocked on.
type ActiveTask struct {
	QueuedTask
	Steps   int       `json:"steps"`
	Pending *ToolStep `json:"pending,omitempty"`
	Waiting string    `json:"waiting,omitempty"`
}

// TaskQueue orders pending tasks by priority, then arrival, and holds the
// single running task.
type TaskQueue struct {
	mu      sync.Mutex
	items   []QueuedTask
	current *ActiveTask
	seq     uint64
}

func NewTaskQueue() *TaskQueue {
	return &TaskQueue{}
}

// Push inserts t after every queued task of equal or higher priority.
func (q *TaskQueue) Push(t QueuedTask) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.Priority == "" {
		t.Priority = protocol.PriorityNormal
	}
	q.seq++
	t.Seq = q.seq

	rank := t.Priority.Rank()
	i := len(q.items)
	for i > 0 && q.items[i-1].Priority.Rank() < rank {
		i--
	}
	q.items = slices.Insert(q.items, i, t)
}

// StartNext makes the head of the queue the current task. It fails while
// a task is running and returns nil when the queue is empty.
func (q *TaskQueue) StartNext() (*ActiveTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current != nil {
		return nil, ErrTaskRunning
	}
	if len(q.items) == 0 {
		return nil, nil
	}
	next := q.items[0]
	q.items = slices.Delete(q.items, 0, 1)
	q.current = &ActiveTask{QueuedTask: next}
	return q.current, nil
}

func (q *TaskQueue) Current() *ActiveTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// Finish clears the current task.
func (q *TaskQueue) Finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.current = nil
}

// Remove drops a queued task. It reports whether the task was queued.
func (q *TaskQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, t := range q.items {
		if t.TaskID == taskID {
			q.items = slices.Delete(q.items, i, i+1)
			return true
		}
	}
	return false
}

// Has reports whether taskID is running or queued.
func (q *TaskQueue) Has(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current != nil && q.current.TaskID == taskID {
		return true
	}
	for _, t := range q.items {
		if t.TaskID == taskID {
			return true
		}
	}
	return false
}

func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Tasks returns a copy of the queued tasks in dequeue order.
func (q *TaskQueue) Tasks() []QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.items)
}

// restore replaces the queue contents, keeping their order.
func (q *TaskQueue) restore(items []QueuedTask, current *ActiveTask) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = slices.Clone(items)
	q.current = current
	q.seq = 0
	for _, t := range q.items {
		q.seq = max(q.seq, t.Seq)
	}
	if current != nil {
		q.seq = max(q.seq, current.Seq)
	}
}
