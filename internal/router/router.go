package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/mtzanidakis/minions/internal/config"
	"github.com/mtzanidakis/minions/internal/keylock"
	"github.com/mtzanidakis/minions/internal/protocol"
	"github.com/mtzanidakis/minions/internal/registry"
	"github.com/mtzanidakis/minions/internal/store"
	"github.com/mtzanidakis/minions/internal/tracer"
)

const (
	DefaultPollMax = 32
	MaxPollMax     = 256
)

// Notifier wakes a recipient's poller after a message is queued.
type Notifier interface {
	NotifyInbox(agentID, messageID string) error
}

type Options struct {
	Lease         time.Duration
	MaxQueueDepth int     // 0 disables the limit
	SendRate      float64 // per sender per second, 0 disables limiting
	SendBurst     int
	Retention     time.Duration
}

func OptionsFromConfig(cfg config.BrokerConfig) Options {
	return Options{
		Lease:         cfg.Lease,
		MaxQueueDepth: cfg.MaxQueueDepth,
		SendRate:      cfg.SendRate,
		SendBurst:     cfg.SendBurst,
		Retention:     cfg.Retention,
	}
}

// Router moves messages from senders into per-recipient queues and hands
// them out with two-phase poll/ack. All mutations of one recipient's
// queue are serialized; different recipients proceed in parallel.
type Router struct {
	store    *store.Store
	registry *registry.Registry
	notifier Notifier
	opts     Options
	locks    *keylock.Map
	now      func() time.Time

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(s *store.Store, reg *registry.Registry, notifier Notifier, opts Options) *Router {
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = 1
	}
	return &Router{
		store:    s,
		registry: reg,
		notifier: notifier,
		opts:     opts,
		locks:    keylock.New(),
		now:      func() time.Time { return time.Now().UTC() },
		limiters: make(map[string]*rate.Limiter),
	}
}

// Send validates m and appends it to the recipient's queue. The router
// assigns the id (unless the sender supplied one), the send time and a
// trace id when missing. A repeated sender-supplied id returns the ack of
// the stored message without queueing a second copy.
func (r *Router) Send(ctx context.Context, m *protocol.Message) (protocol.SendAck, error) {
	ctx, span := tracer.StartMessageSpan(ctx, "router.send", m)
	ack, err := r.send(ctx, m)
	tracer.End(span, err)
	return ack, err
}

func (r *Router) send(_ context.Context, m *protocol.Message) (protocol.SendAck, error) {
	msg := *m
	if msg.Priority == "" {
		msg.Priority = protocol.PriorityNormal
	}
	if len(msg.Body) == 0 {
		msg.Body = json.RawMessage(`{}`)
	}
	if err := msg.Validate(); err != nil {
		return protocol.SendAck{}, err
	}

	if !r.allow(msg.SenderID) {
		return protocol.SendAck{}, fmt.Errorf("sender %s: %w", msg.SenderID, protocol.ErrRateLimited)
	}

	ok, err := r.registry.Exists(msg.RecipientID)
	if err != nil {
		return protocol.SendAck{}, err
	}
	if !ok {
		return protocol.SendAck{}, &protocol.UnknownRecipientError{RecipientID: msg.RecipientID}
	}

	unlock := r.locks.Lock(msg.RecipientID)
	defer unlock()

	if msg.ID != "" {
		existing, err := r.store.GetMessage(msg.ID)
		if err != nil {
			return protocol.SendAck{}, err
		}
		if existing != nil {
			return protocol.SendAck{MessageID: existing.ID, TraceID: existing.TraceID, SentAt: existing.SentAt}, nil
		}
	}

	if r.opts.MaxQueueDepth > 0 {
		n, err := r.store.CountUnacked(msg.RecipientID)
		if err != nil {
			return protocol.SendAck{}, err
		}
		if n >= r.opts.MaxQueueDepth {
			return protocol.SendAck{}, fmt.Errorf("recipient %s has %d queued: %w", msg.RecipientID, n, protocol.ErrQueueFull)
		}
	}

	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.TraceID == "" {
		msg.TraceID = uuid.NewString()
	}
	msg.SentAt = r.now().Truncate(time.Millisecond)

	if _, err := r.store.InsertMessage(&msg); err != nil {
		return protocol.SendAck{}, err
	}

	slog.Debug("message queued",
		"id", msg.ID, "type", msg.Type, "trace_id", msg.TraceID,
		"sender", msg.SenderID, "recipient", msg.RecipientID, "priority", msg.Priority)

	if r.notifier != nil {
		if err := r.notifier.NotifyInbox(msg.RecipientID, msg.ID); err != nil {
			slog.Warn("inbox notify failed", "recipient", msg.RecipientID, "error", err)
		}
	}

	return protocol.SendAck{MessageID: msg.ID, TraceID: msg.TraceID, SentAt: msg.SentAt}, nil
}

// Poll leases up to limit queued messages of agentID. Leased messages stay
// queued until acknowledged and come back once the lease lapses.
func (r *Router) Poll(_ context.Context, agentID string, limit int) ([]protocol.Message, error) {
	if agentID == "" {
		return nil, &protocol.ValidationError{Field: "agent_id", Reason: "required"}
	}
	if limit <= 0 {
		limit = DefaultPollMax
	}
	if limit > MaxPollMax {
		limit = MaxPollMax
	}

	unlock := r.locks.Lock(agentID)
	defer unlock()

	recs, err := r.store.LeaseMessages(agentID, r.now(), r.opts.Lease, limit)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Message, len(recs))
	for i, rec := range recs {
		out[i] = rec.Message
		if rec.DeliveryCount > 1 {
			slog.Debug("message redelivered", "id", rec.ID, "recipient", agentID, "deliveries", rec.DeliveryCount)
		}
	}
	return out, nil
}

// Acknowledge removes delivered messages from agentID's queue. It is
// idempotent and ignores ids addressed to other agents.
func (r *Router) Acknowledge(_ context.Context, agentID string, ids []string) error {
	if agentID == "" {
		return &protocol.ValidationError{Field: "agent_id", Reason: "required"}
	}

	unlock := r.locks.Lock(agentID)
	defer unlock()

	_, err := r.store.AckMessages(agentID, ids, r.now())
	return err
}

// Get returns the durable record of a message.
func (r *Router) Get(id string) (*store.MessageRecord, error) {
	rec, err := r.store.GetMessage(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("message %s: %w", id, protocol.ErrNotFound)
	}
	return rec, nil
}

// StartJanitor prunes acknowledged messages older than the retention
// window until ctx is done.
func (r *Router) StartJanitor(ctx context.Context, every time.Duration) {
	if r.opts.Retention <= 0 {
		return
	}
	if every <= 0 {
		every = time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.store.PruneAcked(r.now().Add(-r.opts.Retention))
			if err != nil {
				slog.Error("prune acked messages failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("pruned acked messages", "count", n)
			}
		}
	}
}

func (r *Router) allow(senderID string) bool {
	if r.opts.SendRate <= 0 {
		return true
	}
	r.limMu.Lock()
	lim, ok := r.limiters[senderID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(r.opts.SendRate), r.opts.SendBurst)
		r.limiters[senderID] = lim
	}
	r.limMu.Unlock()
	return lim.Allow()
}
