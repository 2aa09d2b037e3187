// Package minion is the per-agent runtime: a single-writer control loop
// that owns the agent's task queue, pause/resume state machine and
// conversation context, and talks to peers through the m2m engine.
package minion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/minions/internal/collab"
	"github.com/mtzanidakis/minions/internal/m2m"
	"github.com/mtzanidakis/minions/internal/natsbus"
	"github.com/mtzanidakis/minions/internal/protocol"
	"github.com/mtzanidakis/minions/internal/retry"
	"github.com/mtzanidakis/minions/internal/snapshot"
)

// Broker is the broker surface a runtime needs. broker.Broker serves
// in-process runtimes and client.Client remote ones.
type Broker interface {
	m2m.Broker
	Register(ctx context.Context, d protocol.AgentDescriptor) (string, error)
	Poll(ctx context.Context, agentID string, limit int) ([]protocol.Message, error)
	Acknowledge(ctx context.Context, agentID string, ids []string) error
	GetTask(ctx context.Context, taskID string) (*protocol.Task, error)
}

// StateStore keeps one snapshot per agent. store.Store satisfies it.
type StateStore interface {
	SaveState(agentID string, snapshot []byte) error
	LoadState(agentID string) ([]byte, error)
}

// Publisher receives minion state events. natsbus.Client satisfies it.
type Publisher interface {
	PublishEvent(topic, eventType string, data any) error
}

type Options struct {
	Descriptor protocol.AgentDescriptor
	Generator  collab.Generator
	// Tools runs the tools this agent advertises. It may be nil.
	Tools     collab.ToolInvoker
	Engine    m2m.Options
	Policy    retry.Policy
	States    StateStore
	Codec     *snapshot.Codec
	Events    Publisher
	Wake      <-chan []byte
	ConsoleID string
	Tick      time.Duration
	PollBatch int
	MaxQueue  int
	MaxSteps  int
	// MaxServed bounds concurrent tool calls served for peers.
	MaxServed int
}

type Runtime struct {
	id     string
	opts   Options
	broker Broker
	engine *m2m.Engine
	queue  *TaskQueue
	tools  *collab.SchemaInvoker
	state  *MinionState
	now    func() time.Time

	status   Status
	inFlight bool
	stopping bool
	fatal    error

	inbox    chan []protocol.Message
	stepDone chan stepResult
	served   chan struct{}
	wg       sync.WaitGroup

	mu   sync.RWMutex
	view protocol.MinionStateUpdate
}

func New(b Broker, opts Options) (*Runtime, error) {
	id := opts.Descriptor.AgentID
	if id == "" {
		return nil, &protocol.ValidationError{Field: "agent_id", Reason: "required"}
	}
	if opts.Generator == nil {
		return nil, &protocol.ValidationError{Field: "generator", Reason: "required"}
	}
	if opts.States == nil {
		return nil, &protocol.ValidationError{Field: "states", Reason: "required"}
	}
	if opts.Codec == nil {
		opts.Codec = &snapshot.Codec{}
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 16
	}
	if opts.MaxServed <= 0 {
		opts.MaxServed = 4
	}
	if opts.Policy == (retry.Policy{}) {
		opts.Policy = retry.Default()
	}
	if opts.Engine.Policy == (retry.Policy{}) {
		opts.Engine.Policy = opts.Policy
	}

	r := &Runtime{
		id:       id,
		opts:     opts,
		broker:   b,
		engine:   m2m.New(id, b, opts.Engine),
		queue:    NewTaskQueue(),
		state:    &MinionState{AgentID: id},
		now:      time.Now,
		status:   StatusIdle,
		inbox:    make(chan []protocol.Message),
		stepDone: make(chan stepResult, 1),
		served:   make(chan struct{}, opts.MaxServed),
	}

	var tools []protocol.Capability
	for _, c := range opts.Descriptor.Capabilities {
		if c.Kind == "tool" {
			tools = append(tools, c)
		}
	}
	if opts.Tools != nil && len(tools) > 0 {
		si, err := collab.NewSchemaInvoker(opts.Tools, tools)
		if err != nil {
			return nil, err
		}
		r.tools = si
	}
	r.refreshView()
	return r, nil
}

func (r *Runtime) ID() string {
	return r.id
}

// Status returns the last published state. Safe for concurrent use.
func (r *Runtime) Status() protocol.MinionStateUpdate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.view
}

// Run drives the runtime until ctx is canceled, a shutdown request
// arrives or the runtime hits an unrecoverable error.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.load(); err != nil {
		r.enterError(ctx, err)
		return err
	}
	if _, err := r.broker.Register(ctx, r.opts.Descriptor); err != nil {
		return fmt.Errorf("register %s: %w", r.id, err)
	}
	r.publishState(ctx)
	slog.Info("minion started", "agent", r.id, "status", r.status, "queued", r.queue.Len())

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	go r.poll(pollCtx)

	ticker := time.NewTicker(r.opts.Tick)
	defer ticker.Stop()

	r.advance(ctx)
	for {
		select {
		case <-ctx.Done():
			stopPoll()
			return r.shutdown(context.WithoutCancel(ctx), "context canceled")
		case batch := <-r.inbox:
			r.receive(ctx, batch)
		case res := <-r.stepDone:
			r.finishStep(ctx, res)
		case <-ticker.C:
			r.tick(ctx)
		}
		if r.fatal != nil {
			return r.fatal
		}
		if r.stopping {
			stopPoll()
			return r.shutdown(ctx, "shutdown requested")
		}
	}
}

func (r *Runtime) load() error {
	data, err := r.opts.States.LoadState(r.id)
	if err != nil {
		return fmt.Errorf("load state %s: %w", r.id, err)
	}
	if data == nil {
		return nil
	}
	st, err := DecodeState(r.opts.Codec, data)
	if err != nil {
		return err
	}
	if st.AgentID != r.id {
		return fmt.Errorf("%w: snapshot belongs to %s", ErrCorruptState, st.AgentID)
	}
	r.apply(st)

	switch st.Status {
	case StatusPaused, StatusPausing:
		r.status = StatusPaused
	default:
		r.status = r.busyStatus()
	}
	slog.Info("minion state restored", "agent", r.id, "status", r.status,
		"queued", r.queue.Len(), "pending", len(r.state.PendingWhilePaused))
	return nil
}

func (r *Runtime) apply(st *MinionState) {
	if st.OutstandingDelegations == nil {
		st.OutstandingDelegations = map[string]*m2m.Outstanding{}
	}
	r.state = st
	r.queue.restore(st.TaskQueue, st.Current)
	r.engine.Restore(st.OutstandingDelegations)
}

// capture assembles the snapshot of the live state.
func (r *Runtime) capture(status Status) *MinionState {
	st := *r.state
	st.AgentID = r.id
	st.Status = status
	st.Current = r.queue.Current()
	st.CurrentTaskID = ""
	if st.Current != nil {
		st.CurrentTaskID = st.Current.TaskID
	}
	st.TaskQueue = r.queue.Tasks()
	st.OutstandingDelegations = r.engine.Outstanding()
	return &st
}

func (r *Runtime) persist(status Status) error {
	data, err := EncodeState(r.opts.Codec, r.capture(status))
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := r.opts.States.SaveState(r.id, data); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (r *Runtime) save() {
	status := r.status
	if status == StatusPausing {
		status = StatusPaused
	}
	if err := r.persist(status); err != nil {
		slog.Error("persist minion state failed", "agent", r.id, "error", err)
	}
}

func (r *Runtime) busyStatus() Status {
	if r.queue.Current() != nil || r.queue.Len() > 0 {
		return StatusRunning
	}
	return StatusIdle
}

func (r *Runtime) setStatus(ctx context.Context, s Status) {
	if r.status == s {
		return
	}
	slog.Info("minion status changed", "agent", r.id, "from", r.status, "to", s)
	r.status = s
	r.publishState(ctx)
}

func (r *Runtime) refreshView() protocol.MinionStateUpdate {
	v := protocol.MinionStateUpdate{
		AgentID:       r.id,
		Status:        string(r.status),
		QueueLength:   r.queue.Len(),
		PendingLength: len(r.state.PendingWhilePaused),
		Timestamp:     r.now().UTC(),
	}
	if cur := r.queue.Current(); cur != nil {
		v.CurrentTaskID = cur.TaskID
	}
	r.mu.Lock()
	r.view = v
	r.mu.Unlock()
	return v
}

// publishState tells the console and the event bus about the current
// status.
func (r *Runtime) publishState(ctx context.Context) {
	v := r.refreshView()
	if r.opts.Events != nil {
		if err := r.opts.Events.PublishEvent(natsbus.TopicEventsMinion(r.id), natsbus.EventMinionState, v); err != nil {
			slog.Warn("publish minion state failed", "agent", r.id, "error", err)
		}
	}
	if r.opts.ConsoleID == "" {
		return
	}
	m, err := protocol.New(r.id, r.opts.ConsoleID, "", protocol.PriorityLow, &v)
	if err != nil {
		return
	}
	if _, err := r.broker.Send(ctx, m); err != nil {
		slog.Debug("state update to console failed", "agent", r.id, "console", r.opts.ConsoleID, "error", err)
	}
}

func (r *Runtime) enterError(ctx context.Context, err error) {
	slog.Error("minion entered error state", "agent", r.id, "error", err)
	r.state.Error = err.Error()
	r.fatal = err
	r.setStatus(ctx, StatusError)
}

// poll feeds the control loop. The interval adapts to traffic and a
// wake-up from the bus triggers an immediate poll.
func (r *Runtime) poll(ctx context.Context) {
	var interval time.Duration
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-r.opts.Wake:
		}

		msgs, err := r.broker.Poll(ctx, r.id, r.opts.PollBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("poll failed", "agent", r.id, "error", err)
		}
		if len(msgs) > 0 {
			select {
			case r.inbox <- msgs:
			case <-ctx.Done():
				return
			}
		}
		interval = r.opts.Policy.NextPoll(interval, len(msgs) > 0)
		timer.Reset(interval)
	}
}

// receive handles one polled batch, persists the result and only then
// acknowledges it.
func (r *Runtime) receive(ctx context.Context, batch []protocol.Message) {
	ids := make([]string, 0, len(batch))
	for i := range batch {
		m := &batch[i]
		ids = append(ids, m.ID)
		if r.state.seen(m.ID) {
			slog.Debug("duplicate message dropped", "agent", r.id, "id", m.ID, "type", m.Type)
			continue
		}
		r.state.markSeen(m.ID)
		r.handle(ctx, m)
		if r.fatal != nil {
			return
		}
	}
	r.save()
	if err := r.broker.Acknowledge(ctx, r.id, ids); err != nil {
		slog.Warn("acknowledge failed", "agent", r.id, "count", len(ids), "error", err)
	}
	r.refreshView()
	r.advance(ctx)
}

func (r *Runtime) tick(ctx context.Context) {
	switch r.status {
	case StatusPaused, StatusPausing, StatusError, StatusShuttingDown:
		return
	}
	for _, out := range r.engine.Sweep(ctx) {
		r.settle(ctx, &out)
	}
	if cur := r.queue.Current(); cur != nil && cur.Waiting != "" && !r.inFlight {
		if lt := r.settledElsewhere(ctx, cur); lt != nil {
			r.drop(ctx, cur, lt)
		}
	}
	r.advance(ctx)
}

func (r *Runtime) shutdown(ctx context.Context, reason string) error {
	r.stopping = true
	paused := r.status == StatusPaused || r.status == StatusPausing
	r.setStatus(ctx, StatusShuttingDown)

	if r.inFlight {
		slog.Info("waiting for in-flight call", "agent", r.id)
		r.finishStep(ctx, <-r.stepDone)
	}
	r.wg.Wait()

	status := r.busyStatus()
	if paused {
		status = StatusPaused
	}
	if err := r.persist(status); err != nil {
		slog.Error("persist minion state failed", "agent", r.id, "error", err)
		return err
	}
	slog.Info("minion stopped", "agent", r.id, "reason", reason, "queued", r.queue.Len())
	return nil
}

func isSettled(err error) bool {
	var at *protocol.AlreadyTerminalError
	return errors.As(err, &at) || errors.Is(err, protocol.ErrNotFound)
}
