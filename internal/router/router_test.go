package router

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/minions/internal/config"
	"github.com/mtzanidakis/minions/internal/protocol"
	"github.com/mtzanidakis/minions/internal/registry"
	"github.com/mtzanidakis/minions/internal/store"
)

type fakeNotifier struct {
	mu    sync.Mutex
	woken []string
}

func (n *fakeNotifier) NotifyInbox(agentID, messageID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.woken = append(n.woken, agentID+"/"+messageID)
	return nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRouter(t *testing.T, opts Options) (*Router, *fakeNotifier, *clock) {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := registry.New(s, nil)
	for _, id := range []string{"a", "b"} {
		if _, err := reg.Register(protocol.AgentDescriptor{AgentID: id, DisplayName: id}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	n := &fakeNotifier{}
	r := New(s, reg, n, opts)
	c := &clock{t: time.Now().UTC()}
	r.now = c.now
	return r, n, c
}

func pause(sender, recipient string, p protocol.Priority) *protocol.Message {
	m, _ := protocol.New(sender, recipient, "", p, &protocol.ControlPause{Reason: "test"})
	return m
}

func TestSendUnknownRecipient(t *testing.T) {
	r, _, _ := newTestRouter(t, Options{})

	_, err := r.Send(context.Background(), pause("a", "ghost", protocol.PriorityNormal))
	var ur *protocol.UnknownRecipientError
	if !errors.As(err, &ur) {
		t.Fatalf("expected UnknownRecipientError, got %v", err)
	}
	if ur.RecipientID != "ghost" {
		t.Errorf("expected recipient ghost, got %s", ur.RecipientID)
	}
}

func TestSendRejectsInvalid(t *testing.T) {
	r, _, _ := newTestRouter(t, Options{})

	_, err := r.Send(context.Background(), &protocol.Message{SenderID: "a", RecipientID: "b", Type: "nope"})
	var ve *protocol.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	msgs, _ := r.Poll(context.Background(), "b", 0)
	if len(msgs) != 0 {
		t.Error("invalid message must never be queued")
	}
}

func TestDeliveredOnlyToRecipient(t *testing.T) {
	r, n, _ := newTestRouter(t, Options{})
	ctx := context.Background()

	ack, err := r.Send(ctx, pause("a", "b", protocol.PriorityNormal))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ack.MessageID == "" || ack.TraceID == "" {
		t.Errorf("expected id and trace to be assigned, got %+v", ack)
	}

	if msgs, _ := r.Poll(ctx, "a", 0); len(msgs) != 0 {
		t.Errorf("sender must not receive the message, got %d", len(msgs))
	}
	msgs, err := r.Poll(ctx, "b", 0)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != ack.MessageID {
		t.Fatalf("expected message %s, got %+v", ack.MessageID, msgs)
	}
	if !msgs[0].SentAt.Equal(ack.SentAt) {
		t.Errorf("expected sent_at %v, got %v", ack.SentAt, msgs[0].SentAt)
	}
	if len(n.woken) != 1 || n.woken[0] != "b/"+ack.MessageID {
		t.Errorf("expected inbox notification, got %v", n.woken)
	}
}

func TestPriorityThenFIFO(t *testing.T) {
	r, _, _ := newTestRouter(t, Options{})
	ctx := context.Background()

	var ids []string
	for _, p := range []protocol.Priority{protocol.PriorityLow, protocol.PriorityNormal, protocol.PriorityCritical, protocol.PriorityNormal} {
		ack, err := r.Send(ctx, pause("a", "b", p))
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		ids = append(ids, ack.MessageID)
	}

	msgs, _ := r.Poll(ctx, "b", 0)
	want := []string{ids[2], ids[1], ids[3], ids[0]}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, m := range msgs {
		if m.ID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], m.ID)
		}
	}
}

func TestLeaseExpiryAndIdempotentAck(t *testing.T) {
	r, _, c := newTestRouter(t, Options{Lease: 10 * time.Second})
	ctx := context.Background()

	ack, _ := r.Send(ctx, pause("a", "b", protocol.PriorityNormal))

	if msgs, _ := r.Poll(ctx, "b", 0); len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs, _ := r.Poll(ctx, "b", 0); len(msgs) != 0 {
		t.Fatalf("expected in-flight message to be hidden, got %d", len(msgs))
	}

	c.advance(11 * time.Second)
	msgs, _ := r.Poll(ctx, "b", 0)
	if len(msgs) != 1 || msgs[0].ID != ack.MessageID {
		t.Fatalf("expected message to be re-pollable after lease, got %+v", msgs)
	}

	for i := 0; i < 2; i++ {
		if err := r.Acknowledge(ctx, "b", []string{ack.MessageID}); err != nil {
			t.Fatalf("ack %d: %v", i, err)
		}
	}
	c.advance(time.Minute)
	if msgs, _ := r.Poll(ctx, "b", 0); len(msgs) != 0 {
		t.Errorf("acknowledged message must not return, got %d", len(msgs))
	}

	rec, err := r.Get(ack.MessageID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.AckedAt == nil || rec.DeliveryCount != 2 {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestSenderSuppliedIDIsIdempotent(t *testing.T) {
	r, _, _ := newTestRouter(t, Options{})
	ctx := context.Background()

	m := pause("a", "b", protocol.PriorityNormal)
	m.ID = "client-1"
	first, err := r.Send(ctx, m)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	second, err := r.Send(ctx, m)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if first != second {
		t.Errorf("expected identical acks, got %+v and %+v", first, second)
	}
	if msgs, _ := r.Poll(ctx, "b", 0); len(msgs) != 1 {
		t.Errorf("expected a single queued copy, got %d", len(msgs))
	}
}

func TestRateLimit(t *testing.T) {
	r, _, _ := newTestRouter(t, Options{SendRate: 0.001, SendBurst: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := r.Send(ctx, pause("a", "b", protocol.PriorityNormal)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if _, err := r.Send(ctx, pause("a", "b", protocol.PriorityNormal)); !errors.Is(err, protocol.ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
	if _, err := r.Send(ctx, pause("b", "a", protocol.PriorityNormal)); err != nil {
		t.Errorf("other senders are not limited: %v", err)
	}
}

func TestQueueFull(t *testing.T) {
	r, _, _ := newTestRouter(t, Options{MaxQueueDepth: 1})
	ctx := context.Background()

	if _, err := r.Send(ctx, pause("a", "b", protocol.PriorityNormal)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := r.Send(ctx, pause("a", "b", protocol.PriorityNormal)); !errors.Is(err, protocol.ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestConcurrentSendersNoLoss(t *testing.T) {
	r, _, _ := newTestRouter(t, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if _, err := r.Send(ctx, pause("a", "b", protocol.PriorityNormal)); err != nil {
					t.Errorf("send: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for {
		msgs, err := r.Poll(ctx, "b", 16)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			if seen[m.ID] {
				t.Fatalf("message %s delivered twice within its lease", m.ID)
			}
			seen[m.ID] = true
		}
	}
	if len(seen) != 50 {
		t.Errorf("expected 50 messages, got %d", len(seen))
	}
}

func TestConcurrentRecipients(t *testing.T) {
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := registry.New(s, nil)
	const recipients, rounds = 16, 50
	for i := 0; i < recipients; i++ {
		id := fmt.Sprintf("agent-%d", i)
		if _, err := reg.Register(protocol.AgentDescriptor{AgentID: id, DisplayName: id}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	r := New(s, reg, nil, Options{})
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		received = map[string]int{}
	)
	for i := 0; i < recipients; i++ {
		id := fmt.Sprintf("agent-%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				if _, err := r.Send(ctx, pause("console", id, protocol.PriorityNormal)); err != nil {
					t.Errorf("send to %s: %v", id, err)
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				msgs, err := r.Poll(ctx, id, 8)
				if err != nil {
					t.Errorf("poll %s: %v", id, err)
					return
				}
				ids := make([]string, len(msgs))
				for k, m := range msgs {
					ids[k] = m.ID
				}
				if err := r.Acknowledge(ctx, id, ids); err != nil {
					t.Errorf("ack %s: %v", id, err)
					return
				}
				mu.Lock()
				received[id] += len(msgs)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Drain what the pollers did not reach.
	for i := 0; i < recipients; i++ {
		id := fmt.Sprintf("agent-%d", i)
		for {
			msgs, err := r.Poll(ctx, id, 64)
			if err != nil {
				t.Fatalf("drain %s: %v", id, err)
			}
			if len(msgs) == 0 {
				break
			}
			received[id] += len(msgs)
			ids := make([]string, len(msgs))
			for k, m := range msgs {
				ids[k] = m.ID
			}
			if err := r.Acknowledge(ctx, id, ids); err != nil {
				t.Fatalf("drain ack %s: %v", id, err)
			}
		}
		if received[id] != rounds {
			t.Errorf("%s: expected %d messages, got %d", id, rounds, received[id])
		}
	}
}
