package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/minions/internal/config"
	"github.com/mtzanidakis/minions/internal/natsbus"
	"github.com/mtzanidakis/minions/internal/protocol"
	"github.com/mtzanidakis/minions/internal/schedule"
	"github.com/mtzanidakis/minions/internal/store"
)

// SenderID is the sender of every delegation the scheduler sends. It is
// not a registered agent, so assignees skip their status reports to it.
const SenderID = "scheduler"

// Broker is the part of the broker the scheduler drives.
type Broker interface {
	SubmitTask(ctx context.Context, t protocol.Task) (string, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status protocol.TaskStatus, result, errMsg string) error
	Send(ctx context.Context, m *protocol.Message) (protocol.SendAck, error)
}

type Publisher interface {
	PublishEvent(topic, eventType string, data any) error
}

type Scheduler struct {
	store        *store.Store
	broker       Broker
	events       Publisher
	pollInterval time.Duration
	timeout      time.Duration
	reloadCh     chan struct{}
	now          func() time.Time
}

// New returns a scheduler over s. events may be nil. timeout is the
// response timeout stamped on each directive.
func New(s *store.Store, b Broker, events Publisher, cfg config.SchedulerConfig, timeout time.Duration) *Scheduler {
	if timeout < time.Second {
		timeout = 5 * time.Minute
	}
	return &Scheduler{
		store:        s,
		broker:       b,
		events:       events,
		pollInterval: cfg.PollInterval,
		timeout:      timeout,
		reloadCh:     make(chan struct{}, 1),
		now:          time.Now,
	}
}

// UpdateInterval changes the poll interval and resets the run loop's
// ticker.
func (s *Scheduler) UpdateInterval(d time.Duration) {
	s.pollInterval = d
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.pollInterval)
			slog.Info("scheduler interval changed", "poll_interval", s.pollInterval)
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue runs every schedule that is due and returns how many ran.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.now().UTC()
	due, err := s.store.GetDueSchedules(now)
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return 0
	}
	for _, sc := range due {
		s.execute(ctx, sc, now)
	}
	return len(due)
}

func (s *Scheduler) execute(ctx context.Context, sc store.Schedule, now time.Time) {
	taskID, err := s.dispatch(ctx, sc)

	lastStatus, lastError := "sent", ""
	if err != nil {
		lastStatus, lastError = "error", err.Error()
		slog.Error("scheduled directive failed", "schedule", sc.ID, "assignee", sc.AssigneeID, "error", err)
	} else {
		slog.Info("scheduled directive sent", "schedule", sc.ID, "name", sc.Name, "assignee", sc.AssigneeID, "task_id", taskID)
	}

	next := schedule.NextRun(sc.Schedule, now)
	if err := s.store.UpdateScheduleRun(sc.ID, taskID, lastStatus, lastError, now, next); err != nil {
		slog.Error("failed to update schedule run", "schedule", sc.ID, "error", err)
	}
	if next == nil {
		slog.Info("no next run, completing schedule", "schedule", sc.ID, "name", sc.Name)
		if err := s.store.UpdateScheduleStatus(sc.ID, "completed"); err != nil {
			slog.Error("failed to complete schedule", "schedule", sc.ID, "error", err)
		}
	}

	if s.events != nil {
		_ = s.events.PublishEvent(natsbus.TopicEventsScheduler, natsbus.EventScheduleExecuted, map[string]any{
			"id":      sc.ID,
			"name":    sc.Name,
			"task_id": taskID,
			"status":  lastStatus,
		})
	}
}

// dispatch records a root task for the schedule and delegates it to the
// assignee.
func (s *Scheduler) dispatch(ctx context.Context, sc store.Schedule) (string, error) {
	priority, err := protocol.ParsePriority(sc.Priority)
	if err != nil {
		return "", err
	}
	taskID, err := s.broker.SubmitTask(ctx, protocol.Task{
		TaskID:      uuid.NewString(),
		RequesterID: SenderID,
		AssigneeID:  sc.AssigneeID,
		Description: sc.Description,
	})
	if err != nil {
		return "", err
	}

	m, err := protocol.New(SenderID, sc.AssigneeID, "", priority, &protocol.TaskDelegation{
		RequestMeta: protocol.RequestMeta{TimeoutSeconds: int(s.timeout / time.Second), Version: protocol.Version},
		TaskID:      taskID,
		Description: sc.Description,
	})
	if err == nil {
		_, err = s.broker.Send(ctx, m)
	}
	if err != nil {
		if uerr := s.broker.UpdateTaskStatus(ctx, taskID, protocol.TaskFailed, "", err.Error()); uerr != nil {
			slog.Warn("failed to record undelivered directive", "task_id", taskID, "error", uerr)
		}
		return taskID, err
	}
	return taskID, nil
}
