package minion

import (
	"context"
	"log/slog"

	"github.com/mtzanidakis/minions/internal/protocol"
)

// pause stops draining the task queue. With a call in flight the runtime
// is pausing until the call's result is recorded.
func (r *Runtime) pause(ctx context.Context, m *protocol.Message, b *protocol.ControlPause) {
	switch r.status {
	case StatusPaused, StatusPausing, StatusError, StatusShuttingDown:
		return
	}
	slog.Info("pause requested", "agent", r.id, "from", m.SenderID, "reason", b.Reason, "in_flight", r.inFlight)
	if r.inFlight {
		r.setStatus(ctx, StatusPausing)
		return
	}
	r.enterPaused(ctx)
}

// enterPaused persists before announcing the status, so a paused view
// always has its snapshot on disk.
func (r *Runtime) enterPaused(ctx context.Context) {
	if err := r.persist(StatusPaused); err != nil {
		slog.Error("persist paused state failed", "agent", r.id, "error", err)
	}
	r.setStatus(ctx, StatusPaused)
}

// resume restores the persisted state, replays held messages oldest
// first and goes back to work.
func (r *Runtime) resume(ctx context.Context, m *protocol.Message) {
	switch r.status {
	case StatusPausing:
		// The call never finished; cancel the pause.
		slog.Info("pause withdrawn", "agent", r.id, "from", m.SenderID)
		r.setStatus(ctx, StatusRunning)
		r.replay(ctx)
		return
	case StatusPaused:
	default:
		return
	}

	slog.Info("resume requested", "agent", r.id, "from", m.SenderID)
	r.setStatus(ctx, StatusResuming)

	// Messages held earlier in this batch are not persisted yet.
	if err := r.persist(StatusPaused); err != nil {
		slog.Warn("persist before resume failed", "agent", r.id, "error", err)
	}
	data, err := r.opts.States.LoadState(r.id)
	if err != nil {
		slog.Warn("reload state failed, continuing from memory", "agent", r.id, "error", err)
	} else if data != nil {
		st, err := DecodeState(r.opts.Codec, data)
		if err != nil {
			r.enterError(ctx, err)
			return
		}
		r.apply(st)
	}

	r.replay(ctx)
	r.setStatus(ctx, r.busyStatus())
}

func (r *Runtime) replay(ctx context.Context) {
	pending := r.state.PendingWhilePaused
	r.state.PendingWhilePaused = nil
	for i := range pending {
		slog.Debug("replaying held message", "agent", r.id, "id", pending[i].ID, "type", pending[i].Type)
		r.dispatch(ctx, &pending[i])
	}
	if len(pending) > 0 {
		slog.Info("held messages replayed", "agent", r.id, "count", len(pending))
	}
}
