package ledger

import (
	"log/slog"

	"github.com/mtzanidakis/minions/internal/protocol"
)

// At most one event per reachable status plus the initial snapshot.
const subscriptionBuffer = 4

// Subscription is a live feed of one task's status changes. C closes
// after a terminal event or Unsubscribe.
type Subscription struct {
	C <-chan protocol.TaskEvent

	ch     chan protocol.TaskEvent
	taskID string
	ledger *Ledger
	closed bool
}

// Subscribe returns a feed that starts with the task's current status.
// For a task that is already terminal the feed holds that one event and is
// closed.
func (l *Ledger) Subscribe(taskID string) (*Subscription, error) {
	unlock := l.locks.Lock(taskID)
	defer unlock()

	t, err := l.Get(taskID)
	if err != nil {
		return nil, err
	}

	ch := make(chan protocol.TaskEvent, subscriptionBuffer)
	sub := &Subscription{C: ch, ch: ch, taskID: taskID, ledger: l}
	ch <- protocol.TaskEvent{TaskID: t.TaskID, Status: t.Status, Result: t.Result, Error: t.Error, Timestamp: t.UpdatedAt}

	if t.Status.Terminal() {
		sub.closed = true
		close(ch)
		return sub, nil
	}

	l.subMu.Lock()
	if l.subs[taskID] == nil {
		l.subs[taskID] = make(map[*Subscription]struct{})
	}
	l.subs[taskID][sub] = struct{}{}
	l.subMu.Unlock()
	return sub, nil
}

// Unsubscribe stops the feed and closes C. It is safe to call twice.
func (s *Subscription) Unsubscribe() {
	l := s.ledger
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	if set := l.subs[s.taskID]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(l.subs, s.taskID)
		}
	}
}

// fanout is called with the task lock held, so events reach subscribers
// in transition order.
func (l *Ledger) fanout(ev protocol.TaskEvent) {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	set := l.subs[ev.TaskID]
	for sub := range set {
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("task subscriber full, dropping event", "task_id", ev.TaskID, "status", ev.Status)
		}
		if ev.Status.Terminal() {
			sub.closed = true
			close(sub.ch)
		}
	}
	if ev.Status.Terminal() {
		delete(l.subs, ev.TaskID)
	}
}

// Subscribers returns the number of open feeds for taskID.
func (l *Ledger) Subscribers(taskID string) int {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	return len(l.subs[taskID])
}
