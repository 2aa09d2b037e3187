package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/minions/internal/config"
	"github.com/mtzanidakis/minions/internal/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPragmasOnEveryConnection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Hold several connections at once so the pool has to open new ones.
	for i := 0; i < 4; i++ {
		conn, err := s.db.Conn(ctx)
		if err != nil {
			t.Fatalf("conn %d: %v", i, err)
		}
		defer conn.Close()

		var timeout int
		if err := conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout); err != nil {
			t.Fatalf("busy_timeout on conn %d: %v", i, err)
		}
		if timeout != 5000 {
			t.Errorf("conn %d: expected busy_timeout 5000, got %d", i, timeout)
		}
		var mode string
		if err := conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
			t.Fatalf("journal_mode on conn %d: %v", i, err)
		}
		if mode != "wal" {
			t.Errorf("conn %d: expected wal, got %s", i, mode)
		}
	}
}

func testMessage(id, recipient string, p protocol.Priority) *protocol.Message {
	return &protocol.Message{
		ID:          id,
		SenderID:    "console",
		RecipientID: recipient,
		Type:        protocol.TypeControlPause,
		TraceID:     "trace-" + id,
		Priority:    p,
		SentAt:      time.Now().UTC(),
		Body:        json.RawMessage(`{}`),
	}
}

func TestAgentCRUD(t *testing.T) {
	s := newTestStore(t)
	first := time.Now().Add(-time.Hour)

	a := &protocol.AgentDescriptor{
		AgentID:      "summarizer",
		DisplayName:  "Summarizer",
		Capabilities: []protocol.Capability{{Name: "summarize"}},
	}
	if err := s.SaveAgent(a, first); err != nil {
		t.Fatalf("save agent: %v", err)
	}

	got, err := s.GetAgent("summarizer")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got == nil {
		t.Fatal("expected agent, got nil")
	}
	if got.DisplayName != "Summarizer" {
		t.Errorf("expected name 'Summarizer', got '%s'", got.DisplayName)
	}
	if !got.HasCapability("summarize") {
		t.Error("expected summarize capability")
	}

	// Re-register keeps registered_at
	a.DisplayName = "Summarizer v2"
	if err := s.SaveAgent(a, time.Now()); err != nil {
		t.Fatalf("update agent: %v", err)
	}
	got, _ = s.GetAgent("summarizer")
	if got.DisplayName != "Summarizer v2" {
		t.Errorf("expected updated name, got %s", got.DisplayName)
	}
	if got.RegisteredAt.UnixMilli() != first.UnixMilli() {
		t.Errorf("expected registered_at to be kept, got %v", got.RegisteredAt)
	}

	agents, err := s.ListAgents()
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 1 {
		t.Errorf("expected 1 agent, got %d", len(agents))
	}

	deleted, err := s.DeleteAgent("summarizer")
	if err != nil || !deleted {
		t.Fatalf("delete agent: %v %v", deleted, err)
	}
	got, _ = s.GetAgent("summarizer")
	if got != nil {
		t.Error("expected nil after delete")
	}
}

func TestLeaseOrderAndAck(t *testing.T) {
	s := newTestStore(t)

	for _, m := range []*protocol.Message{
		testMessage("m1", "a", protocol.PriorityNormal),
		testMessage("m2", "a", protocol.PriorityCritical),
		testMessage("m3", "a", protocol.PriorityNormal),
		testMessage("m4", "b", protocol.PriorityHigh),
	} {
		if _, err := s.InsertMessage(m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	now := time.Now()
	got, err := s.LeaseMessages("a", now, time.Minute, 10)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	ids := messageIDs(got)
	if len(ids) != 3 || ids[0] != "m2" || ids[1] != "m1" || ids[2] != "m3" {
		t.Fatalf("expected [m2 m1 m3], got %v", ids)
	}
	if got[0].DeliveryCount != 1 {
		t.Errorf("expected delivery count 1, got %d", got[0].DeliveryCount)
	}

	// In-flight messages are not handed out again
	again, _ := s.LeaseMessages("a", now, time.Minute, 10)
	if len(again) != 0 {
		t.Errorf("expected no messages while leased, got %v", messageIDs(again))
	}

	// Ack m2 only; after the lease expires m1 and m3 return
	if _, err := s.AckMessages("a", []string{"m2"}, now); err != nil {
		t.Fatalf("ack: %v", err)
	}
	later, _ := s.LeaseMessages("a", now.Add(2*time.Minute), time.Minute, 10)
	ids = messageIDs(later)
	if len(ids) != 2 || ids[0] != "m1" || ids[1] != "m3" {
		t.Errorf("expected [m1 m3] after lease expiry, got %v", ids)
	}

	// Acking on behalf of another recipient has no effect
	n, _ := s.AckMessages("a", []string{"m4"}, now)
	if n != 0 {
		t.Errorf("expected cross-recipient ack to be ignored, got %d", n)
	}

	rec, err := s.GetMessage("m2")
	if err != nil || rec == nil {
		t.Fatalf("get message: %v", err)
	}
	if rec.AckedAt == nil {
		t.Error("expected acked_at on acknowledged message")
	}

	pending, _ := s.CountUnacked("a")
	if pending != 2 {
		t.Errorf("expected 2 unacked, got %d", pending)
	}
}

func TestInsertMessageDuplicate(t *testing.T) {
	s := newTestStore(t)
	m := testMessage("dup", "a", protocol.PriorityLow)
	ok, err := s.InsertMessage(m)
	if err != nil || !ok {
		t.Fatalf("first insert: %v %v", ok, err)
	}
	ok, err = s.InsertMessage(m)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if ok {
		t.Error("expected duplicate insert to report false")
	}
}

func TestPruneAcked(t *testing.T) {
	s := newTestStore(t)
	s.InsertMessage(testMessage("old", "a", protocol.PriorityNormal))
	s.InsertMessage(testMessage("live", "a", protocol.PriorityNormal))
	s.AckMessages("a", []string{"old"}, time.Now().Add(-48*time.Hour))

	n, err := s.PruneAcked(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}
	if rec, _ := s.GetMessage("live"); rec == nil {
		t.Error("expected unacked message to survive prune")
	}
}

func TestTaskCRUD(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	deadline := now.Add(time.Hour)

	task := &protocol.Task{
		TaskID:      "t1",
		RequesterID: "b",
		AssigneeID:  "a",
		Description: "summarize",
		Status:      protocol.TaskSubmitted,
		TraceID:     "tr",
		Deadline:    &deadline,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ok, err := s.CreateTask(task)
	if err != nil || !ok {
		t.Fatalf("create task: %v %v", ok, err)
	}
	if ok, _ := s.CreateTask(task); ok {
		t.Error("expected duplicate task id to be rejected")
	}

	if err := s.UpdateTaskStatus("t1", protocol.TaskCompleted, "done", "", now); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GetTask("t1")
	if err != nil || got == nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != protocol.TaskCompleted || got.Result != "done" {
		t.Errorf("unexpected task: %+v", got)
	}
	if got.Deadline == nil || got.Deadline.UnixMilli() != deadline.UnixMilli() {
		t.Errorf("expected deadline to round trip, got %v", got.Deadline)
	}

	list, _ := s.ListTasks(protocol.TaskFilter{AssigneeID: "a", Status: protocol.TaskCompleted})
	if len(list) != 1 {
		t.Errorf("expected 1 task, got %d", len(list))
	}
	missing, err := s.GetTask("nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing task, got %v %v", missing, err)
	}
}

func TestStateBlobs(t *testing.T) {
	s := newTestStore(t)
	if got, err := s.LoadState("a"); err != nil || got != nil {
		t.Fatalf("expected no state, got %v %v", got, err)
	}
	if err := s.SaveState("a", []byte{1, 2, 3}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveState("a", []byte{4}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ := s.LoadState("a")
	if len(got) != 1 || got[0] != 4 {
		t.Errorf("expected overwritten snapshot, got %v", got)
	}
	if ok, _ := s.DeleteState("a"); !ok {
		t.Error("expected delete to report true")
	}
}

func TestScheduleDue(t *testing.T) {
	s := newTestStore(t)
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	s.SaveSchedule(&Schedule{ID: "s1", AssigneeID: "a", Name: "due", Schedule: `{"kind":"interval","interval_ms":60000}`,
		Description: "report", Priority: "normal", Status: "active", NextRunAt: &past})
	s.SaveSchedule(&Schedule{ID: "s2", AssigneeID: "a", Name: "later", Schedule: `{"kind":"interval","interval_ms":60000}`,
		Description: "report", Priority: "normal", Status: "active", NextRunAt: &future})
	s.SaveSchedule(&Schedule{ID: "s3", AssigneeID: "a", Name: "paused", Schedule: `{"kind":"interval","interval_ms":60000}`,
		Description: "report", Priority: "normal", Status: "paused", NextRunAt: &past})

	due, err := s.GetDueSchedules(time.Now())
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "s1" {
		t.Fatalf("expected only s1 due, got %+v", due)
	}

	if err := s.UpdateScheduleRun("s1", "t9", "success", "", time.Now(), &future); err != nil {
		t.Fatalf("update run: %v", err)
	}
	got, _ := s.GetSchedule("s1")
	if got.LastTaskID != "t9" || got.LastStatus != "success" {
		t.Errorf("unexpected run fields: %+v", got)
	}

	all, _ := s.ListSchedules()
	if len(all) != 3 {
		t.Errorf("expected 3 schedules, got %d", len(all))
	}
}

func messageIDs(recs []MessageRecord) []string {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids
}
