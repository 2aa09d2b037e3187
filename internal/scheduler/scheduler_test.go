package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/minions/internal/broker"
	"github.com/mtzanidakis/minions/internal/config"
	"github.com/mtzanidakis/minions/internal/protocol"
	"github.com/mtzanidakis/minions/internal/store"
)

type recorder struct {
	events []string
}

func (r *recorder) PublishEvent(topic, eventType string, data any) error {
	r.events = append(r.events, topic+" "+eventType)
	return nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *broker.Broker, *recorder) {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	b := broker.New(s, nil, config.Default())
	if _, err := b.Register(context.Background(), protocol.AgentDescriptor{AgentID: "worker", DisplayName: "Worker"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	rec := &recorder{}
	return New(s, b, rec, config.SchedulerConfig{PollInterval: time.Second}, time.Minute), s, b, rec
}

func TestRunDueSendsDirective(t *testing.T) {
	sched, s, b, rec := newTestScheduler(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	sched.now = func() time.Time { return now }

	past := now.Add(-time.Minute)
	if err := s.SaveSchedule(&store.Schedule{
		ID:          "daily",
		AssigneeID:  "worker",
		Name:        "Daily digest",
		Schedule:    `{"kind":"interval","interval_ms":3600000}`,
		Description: "write the digest",
		Priority:    "high",
		Status:      "active",
		NextRunAt:   &past,
	}); err != nil {
		t.Fatalf("save schedule: %v", err)
	}

	if n := sched.RunDue(context.Background()); n != 1 {
		t.Fatalf("expected 1 run, got %d", n)
	}

	sc, err := s.GetSchedule("daily")
	if err != nil || sc == nil {
		t.Fatalf("get schedule: %v", err)
	}
	if sc.LastStatus != "sent" || sc.LastTaskID == "" {
		t.Fatalf("unexpected run record: %+v", sc)
	}
	if sc.NextRunAt == nil || !sc.NextRunAt.Equal(now.Add(time.Hour)) {
		t.Errorf("next run = %v, want %v", sc.NextRunAt, now.Add(time.Hour))
	}

	task, err := b.GetTask(context.Background(), sc.LastTaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.RequesterID != SenderID || task.AssigneeID != "worker" || task.Status != protocol.TaskSubmitted {
		t.Errorf("unexpected task: %+v", task)
	}

	msgs, err := b.Poll(context.Background(), "worker", 0)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].SenderID != SenderID || msgs[0].Type != protocol.TypeTaskDelegation || msgs[0].Priority != protocol.PriorityHigh {
		t.Errorf("unexpected message: %+v", msgs[0])
	}
	body, err := msgs[0].Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	d := body.(*protocol.TaskDelegation)
	if d.TaskID != sc.LastTaskID || d.Description != "write the digest" || d.TimeoutSeconds != 60 {
		t.Errorf("unexpected delegation: %+v", d)
	}

	if len(rec.events) != 1 || rec.events[0] != "events.scheduler schedule_executed" {
		t.Errorf("unexpected events: %v", rec.events)
	}

	// Nothing is due until the next run.
	if n := sched.RunDue(context.Background()); n != 0 {
		t.Errorf("expected no due schedules, got %d", n)
	}
}

func TestOnceScheduleCompletes(t *testing.T) {
	sched, s, _, _ := newTestScheduler(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	sched.now = func() time.Time { return now }

	at := now.Add(-time.Second)
	if err := s.SaveSchedule(&store.Schedule{
		ID:          "once",
		AssigneeID:  "worker",
		Schedule:    fmt.Sprintf(`{"kind":"once","at_ms":%d}`, at.UnixMilli()),
		Description: "one shot",
		Status:      "active",
		NextRunAt:   &at,
	}); err != nil {
		t.Fatalf("save schedule: %v", err)
	}

	sched.RunDue(context.Background())

	sc, err := s.GetSchedule("once")
	if err != nil || sc == nil {
		t.Fatalf("get schedule: %v", err)
	}
	if sc.Status != "completed" {
		t.Errorf("expected completed, got %s", sc.Status)
	}
	if sc.NextRunAt != nil {
		t.Errorf("expected no next run, got %v", sc.NextRunAt)
	}
}

func TestUnknownAssigneeFailsTask(t *testing.T) {
	sched, s, b, _ := newTestScheduler(t)
	now := time.Now().UTC()
	sched.now = func() time.Time { return now }

	past := now.Add(-time.Minute)
	if err := s.SaveSchedule(&store.Schedule{
		ID:          "orphan",
		AssigneeID:  "ghost",
		Schedule:    `{"kind":"interval","interval_ms":60000}`,
		Description: "nobody home",
		Status:      "active",
		NextRunAt:   &past,
	}); err != nil {
		t.Fatalf("save schedule: %v", err)
	}

	sched.RunDue(context.Background())

	sc, _ := s.GetSchedule("orphan")
	if sc.LastStatus != "error" || sc.LastError == "" {
		t.Fatalf("expected error run, got %+v", sc)
	}
	task, err := b.GetTask(context.Background(), sc.LastTaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != protocol.TaskFailed {
		t.Errorf("expected failed task, got %s", task.Status)
	}
}
