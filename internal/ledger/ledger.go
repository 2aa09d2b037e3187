package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/minions/internal/keylock"
	"github.com/mtzanidakis/minions/internal/natsbus"
	"github.com/mtzanidakis/minions/internal/protocol"
	"github.com/mtzanidakis/minions/internal/store"
	"github.com/mtzanidakis/minions/internal/tracer"
)

// Publisher receives task status events. A nil Publisher disables them.
type Publisher interface {
	PublishEvent(topic, eventType string, data any) error
}

// Ledger records the lifecycle of formally submitted tasks. It does not
// execute them. Mutations of one task are serialized.
type Ledger struct {
	store    *store.Store
	events   Publisher
	maxDepth int
	locks    *keylock.Map
	now      func() time.Time

	subMu sync.Mutex
	subs  map[string]map[*Subscription]struct{}
}

func New(s *store.Store, events Publisher, maxDepth int) *Ledger {
	return &Ledger{
		store:    s,
		events:   events,
		maxDepth: maxDepth,
		locks:    keylock.New(),
		now:      func() time.Time { return time.Now().UTC() },
		subs:     make(map[string]map[*Subscription]struct{}),
	}
}

func (l *Ledger) MaxDepth() int {
	return l.maxDepth
}

// Submit records t with status submitted. The parent chain must exist, be
// acyclic and no deeper than the configured maximum; otherwise no record
// is created.
func (l *Ledger) Submit(ctx context.Context, t protocol.Task) (string, error) {
	_, span := tracer.StartSpan(ctx, "ledger.submit", tracer.StringAttr("minions.trace_id", t.TraceID))
	id, err := l.submit(t)
	tracer.End(span, err)
	return id, err
}

func (l *Ledger) submit(t protocol.Task) (string, error) {
	if strings.TrimSpace(t.RequesterID) == "" {
		return "", &protocol.ValidationError{Field: "requester_id", Reason: "required"}
	}
	if strings.TrimSpace(t.AssigneeID) == "" {
		return "", &protocol.ValidationError{Field: "assignee_id", Reason: "required"}
	}
	if strings.TrimSpace(t.Description) == "" {
		return "", &protocol.ValidationError{Field: "description", Reason: "required"}
	}
	if t.TaskID == "" {
		t.TaskID = uuid.NewString()
	}
	if t.ParentTaskID == t.TaskID {
		return "", fmt.Errorf("task %s is its own parent: %w", t.TaskID, protocol.ErrCycle)
	}

	depth, err := l.depth(t.TaskID, t.ParentTaskID)
	if err != nil {
		return "", err
	}

	unlock := l.locks.Lock(t.TaskID)
	defer unlock()

	now := l.now()
	t.Status = protocol.TaskSubmitted
	t.Result, t.Error = "", ""
	t.Depth = depth
	t.CreatedAt = now
	t.UpdatedAt = now

	ok, err := l.store.CreateTask(&t)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("task %s: %w", t.TaskID, protocol.ErrTaskExists)
	}

	slog.Info("task submitted",
		"task_id", t.TaskID, "parent", t.ParentTaskID, "requester", t.RequesterID,
		"assignee", t.AssigneeID, "depth", depth, "trace_id", t.TraceID)
	l.publish(protocol.TaskEvent{TaskID: t.TaskID, Status: t.Status, Timestamp: now})
	return t.TaskID, nil
}

// depth walks the parent chain of a new task and returns its depth.
func (l *Ledger) depth(taskID, parentID string) (int, error) {
	if parentID == "" {
		return 0, nil
	}
	visited := map[string]bool{taskID: true}
	depth := 0
	for cur := parentID; cur != ""; {
		if visited[cur] {
			return 0, fmt.Errorf("task %s: %w", taskID, protocol.ErrCycle)
		}
		visited[cur] = true

		p, err := l.store.GetTask(cur)
		if err != nil {
			return 0, err
		}
		if p == nil {
			if cur == parentID {
				return 0, &protocol.ValidationError{Field: "parent_task_id", Reason: "unknown task " + parentID}
			}
			break
		}
		depth++
		if depth > l.maxDepth {
			return 0, &protocol.DelegationDepthExceededError{Depth: depth, Max: l.maxDepth}
		}
		cur = p.ParentTaskID
	}
	return depth, nil
}

func (l *Ledger) Get(taskID string) (*protocol.Task, error) {
	t, err := l.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("task %s: %w", taskID, protocol.ErrNotFound)
	}
	return t, nil
}

func (l *Ledger) List(f protocol.TaskFilter) ([]protocol.Task, error) {
	return l.store.ListTasks(f)
}

// UpdateStatus moves a task forward. Updates from a terminal status fail
// with AlreadyTerminalError, regressions with InvalidTransitionError and
// a repeat of the current status is a no-op.
func (l *Ledger) UpdateStatus(ctx context.Context, taskID string, status protocol.TaskStatus, result, errMsg string) error {
	_, span := tracer.StartSpan(ctx, "ledger.update_status",
		tracer.StringAttr("minions.task_id", taskID), tracer.StringAttr("minions.status", string(status)))
	err := l.transition(taskID, status, result, errMsg)
	tracer.End(span, err)
	return err
}

// Cancel marks a non-terminal task canceled. The assignee observes it at
// its next safe point.
func (l *Ledger) Cancel(ctx context.Context, taskID string) error {
	return l.UpdateStatus(ctx, taskID, protocol.TaskCanceled, "", "canceled")
}

func (l *Ledger) transition(taskID string, to protocol.TaskStatus, result, errMsg string) error {
	if !to.Valid() {
		return &protocol.ValidationError{Field: "status", Reason: "unknown status " + string(to)}
	}

	unlock := l.locks.Lock(taskID)
	defer unlock()

	t, err := l.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("task %s: %w", taskID, protocol.ErrNotFound)
	}

	switch {
	case t.Status.Terminal():
		return &protocol.AlreadyTerminalError{TaskID: taskID, Status: t.Status}
	case to == t.Status:
		return nil
	case to == protocol.TaskSubmitted:
		return &protocol.InvalidTransitionError{TaskID: taskID, From: t.Status, To: to}
	}

	now := l.now()
	if err := l.store.UpdateTaskStatus(taskID, to, result, errMsg, now); err != nil {
		return err
	}

	slog.Info("task status changed", "task_id", taskID, "from", t.Status, "to", to, "trace_id", t.TraceID)
	l.publish(protocol.TaskEvent{TaskID: taskID, Status: to, Result: result, Error: errMsg, Timestamp: now})
	return nil
}

func (l *Ledger) publish(ev protocol.TaskEvent) {
	l.fanout(ev)
	if l.events == nil {
		return
	}
	if err := l.events.PublishEvent(natsbus.TopicEventsTask(ev.TaskID), natsbus.EventTaskStatus, ev); err != nil {
		slog.Warn("publish task event failed", "task_id", ev.TaskID, "error", err)
	}
}
