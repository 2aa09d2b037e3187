package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/minions/internal/broker"
	"github.com/mtzanidakis/minions/internal/collab"
	"github.com/mtzanidakis/minions/internal/config"
	"github.com/mtzanidakis/minions/internal/minion"
	"github.com/mtzanidakis/minions/internal/protocol"
	"github.com/mtzanidakis/minions/internal/retry"
	"github.com/mtzanidakis/minions/internal/store"
	"github.com/mtzanidakis/minions/internal/web"
)

var _ minion.Broker = (*Client)(nil)

type testBroker struct {
	*broker.Broker
	store *store.Store
	url   string
}

func newTestBroker(t *testing.T, token string) *testBroker {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "broker.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	b := broker.New(s, nil, config.Default())
	srv := httptest.NewServer(web.NewServer(b, s, nil, config.WebConfig{AuthToken: token}, "test").Handler())
	t.Cleanup(srv.Close)
	return &testBroker{Broker: b, store: s, url: srv.URL}
}

func TestRegistryRoundTrip(t *testing.T) {
	tb := newTestBroker(t, "")
	c := New(tb.url, "")
	ctx := context.Background()

	id, err := c.Register(ctx, protocol.AgentDescriptor{
		AgentID:      "researcher",
		DisplayName:  "Researcher",
		Capabilities: []protocol.Capability{{Name: "summarize"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "researcher", id)

	got, err := c.GetAgent(ctx, "researcher")
	require.NoError(t, err)
	assert.Equal(t, "Researcher", got.DisplayName)

	agents, err := c.ListAgents(ctx, protocol.AgentFilter{Capability: "summarize"})
	require.NoError(t, err)
	require.Len(t, agents, 1)

	agents, err = c.ListAgents(ctx, protocol.AgentFilter{Capability: "translate"})
	require.NoError(t, err)
	assert.Empty(t, agents)

	require.NoError(t, c.Deregister(ctx, "researcher"))
	_, err = c.GetAgent(ctx, "researcher")
	assert.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestRegisterValidationError(t *testing.T) {
	tb := newTestBroker(t, "")
	_, err := New(tb.url, "").Register(context.Background(), protocol.AgentDescriptor{AgentID: "x"})

	var ve *protocol.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestSendPollAck(t *testing.T) {
	tb := newTestBroker(t, "")
	c := New(tb.url, "")
	ctx := context.Background()

	_, err := c.Register(ctx, protocol.AgentDescriptor{AgentID: "b", DisplayName: "B"})
	require.NoError(t, err)

	m, err := protocol.New("a", "b", "", protocol.PriorityHigh, &protocol.ControlPause{Reason: "lunch"})
	require.NoError(t, err)
	ack, err := c.Send(ctx, m)
	require.NoError(t, err)
	assert.NotEmpty(t, ack.MessageID)
	assert.NotEmpty(t, ack.TraceID)

	msgs, err := c.Poll(ctx, "b", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, ack.MessageID, msgs[0].ID)
	assert.Equal(t, protocol.PriorityHigh, msgs[0].Priority)

	require.NoError(t, c.Acknowledge(ctx, "b", []string{ack.MessageID}))
	rec, err := c.GetMessage(ctx, ack.MessageID)
	require.NoError(t, err)
	assert.NotNil(t, rec.AckedAt)
	assert.Equal(t, 1, rec.DeliveryCount)

	msgs, err = c.Poll(ctx, "b", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendUnknownRecipient(t *testing.T) {
	tb := newTestBroker(t, "")
	m, err := protocol.New("a", "nobody", "", protocol.PriorityNormal, &protocol.ControlResume{})
	require.NoError(t, err)

	_, err = New(tb.url, "").Send(context.Background(), m)
	var ur *protocol.UnknownRecipientError
	assert.ErrorAs(t, err, &ur)
}

func TestTaskErrorsKeepTheirType(t *testing.T) {
	tb := newTestBroker(t, "")
	c := New(tb.url, "")
	ctx := context.Background()

	id, err := c.SubmitTask(ctx, protocol.Task{TaskID: "t1", RequesterID: "a", AssigneeID: "b", Description: "work"})
	require.NoError(t, err)
	assert.Equal(t, "t1", id)

	_, err = c.SubmitTask(ctx, protocol.Task{TaskID: "t1", RequesterID: "a", AssigneeID: "b", Description: "again"})
	assert.ErrorIs(t, err, protocol.ErrTaskExists)

	require.NoError(t, c.UpdateTaskStatus(ctx, "t1", protocol.TaskCompleted, "done", ""))
	err = c.UpdateTaskStatus(ctx, "t1", protocol.TaskWorking, "", "")
	var at *protocol.AlreadyTerminalError
	assert.ErrorAs(t, err, &at)

	_, err = c.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, protocol.ErrNotFound)

	tasks, err := c.ListTasks(ctx, protocol.TaskFilter{Status: protocol.TaskCompleted})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "done", tasks[0].Result)
}

func TestDepthExceededCrossesTheWire(t *testing.T) {
	tb := newTestBroker(t, "")
	c := New(tb.url, "")
	ctx := context.Background()

	// The default limit is 5, so the seventh task in a chain is refused.
	parent := ""
	for i := 0; i < 6; i++ {
		id, err := c.SubmitTask(ctx, protocol.Task{ParentTaskID: parent, RequesterID: "a", AssigneeID: "b", Description: "level"})
		require.NoError(t, err)
		parent = id
	}
	_, err := c.SubmitTask(ctx, protocol.Task{ParentTaskID: parent, RequesterID: "a", AssigneeID: "b", Description: "too deep"})
	var de *protocol.DelegationDepthExceededError
	assert.ErrorAs(t, err, &de)
}

func TestWatchTask(t *testing.T) {
	tb := newTestBroker(t, "")
	c := New(tb.url, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.SubmitTask(ctx, protocol.Task{TaskID: "w1", RequesterID: "a", AssigneeID: "b", Description: "watch me"})
	require.NoError(t, err)

	events := make(chan protocol.TaskEvent, 8)
	done := make(chan error, 1)
	go func() {
		done <- c.WatchTask(ctx, "w1", func(ev protocol.TaskEvent) bool {
			events <- ev
			return true
		})
	}()

	require.Eventually(t, func() bool { return tb.Ledger.Subscribers("w1") == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.UpdateTaskStatus(ctx, "w1", protocol.TaskWorking, "", ""))
	require.NoError(t, c.UpdateTaskStatus(ctx, "w1", protocol.TaskCompleted, "watched", ""))
	require.NoError(t, <-done)
	close(events)

	var statuses []protocol.TaskStatus
	for ev := range events {
		statuses = append(statuses, ev.Status)
	}
	assert.Equal(t, []protocol.TaskStatus{protocol.TaskSubmitted, protocol.TaskWorking, protocol.TaskCompleted}, statuses)
}

func TestAuthToken(t *testing.T) {
	tb := newTestBroker(t, "s3cret")
	ctx := context.Background()

	_, err := New(tb.url, "").ListAgents(ctx, protocol.AgentFilter{})
	assert.Error(t, err)

	_, err = New(tb.url, "wrong").ListAgents(ctx, protocol.AgentFilter{})
	assert.Error(t, err)

	_, err = New(tb.url, "s3cret").ListAgents(ctx, protocol.AgentFilter{})
	assert.NoError(t, err)
}

func TestSchedules(t *testing.T) {
	tb := newTestBroker(t, "")
	c := New(tb.url, "")
	ctx := context.Background()

	_, err := c.CreateSchedule(ctx, ScheduleRequest{AssigneeID: "ghost", Schedule: "0 9 * * *", Description: "nobody"})
	var ur *protocol.UnknownRecipientError
	require.ErrorAs(t, err, &ur)

	_, err = c.Register(ctx, protocol.AgentDescriptor{AgentID: "worker", DisplayName: "Worker"})
	require.NoError(t, err)

	_, err = c.CreateSchedule(ctx, ScheduleRequest{AssigneeID: "worker", Schedule: "not cron", Description: "bad"})
	var ve *protocol.ValidationError
	require.ErrorAs(t, err, &ve)

	sc, err := c.CreateSchedule(ctx, ScheduleRequest{ID: "digest", AssigneeID: "worker", Schedule: "0 9 * * *", Description: "digest"})
	require.NoError(t, err)
	assert.Equal(t, "active", sc["status"])
	assert.Equal(t, "cron 0 9 * * *", sc["schedule_display"])
	assert.NotEmpty(t, sc["next_run_at"])

	sc, err = c.SetScheduleStatus(ctx, "digest", "paused")
	require.NoError(t, err)
	assert.Equal(t, "paused", sc["status"])
	assert.Nil(t, sc["next_run_at"])

	list, err := c.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, c.DeleteSchedule(ctx, "digest"))
	assert.ErrorIs(t, c.DeleteSchedule(ctx, "digest"), protocol.ErrNotFound)
}

// A minion driven entirely over HTTP completes a delegated task.
func TestRemoteMinion(t *testing.T) {
	tb := newTestBroker(t, "")
	c := New(tb.url, "")

	r, err := minion.New(c, minion.Options{
		Descriptor: protocol.AgentDescriptor{AgentID: "remote", DisplayName: "Remote"},
		Generator: collab.GeneratorFunc(func(ctx context.Context, prompt string, turns []protocol.Turn) (string, error) {
			return "remote did " + prompt, nil
		}),
		States: tb.store,
		Policy: retry.Policy{MinInterval: 5 * time.Millisecond, MaxInterval: 20 * time.Millisecond, Multiplier: 2},
		Tick:   10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		_, err := c.GetAgent(context.Background(), "remote")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	m, err := protocol.New("operator", "remote", "", protocol.PriorityNormal, &protocol.TaskDelegation{
		RequestMeta: protocol.RequestMeta{TimeoutSeconds: 30, Version: protocol.Version},
		TaskID:      "over-http",
		Description: "the chores",
	})
	require.NoError(t, err)
	_, err = c.Send(context.Background(), m)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, err := c.GetTask(context.Background(), "over-http")
		return err == nil && task.Status == protocol.TaskCompleted && task.Result == "remote did the chores"
	}, 5*time.Second, 10*time.Millisecond)
}
