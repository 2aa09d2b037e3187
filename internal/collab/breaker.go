package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/mtzanidakis/minions/internal/protocol"
)

type BreakerSettings struct {
	MaxFailures uint32
	Timeout     time.Duration // open -> half-open
	Interval    time.Duration // closed-state count reset
}

func (s BreakerSettings) settings(name string) gobreaker.Settings {
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	if s.Timeout == 0 {
		s.Timeout = 30 * time.Second
	}
	if s.Interval == 0 {
		s.Interval = time.Minute
	}
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || clientFault(err) || errors.Is(err, context.Canceled)
		},
	}
}

func openCircuit(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// BreakerGenerator fails fast with LLMError{unavailable} while the
// wrapped generator keeps failing.
type BreakerGenerator struct {
	inner Generator
	cb    *gobreaker.CircuitBreaker[string]
}

func NewBreakerGenerator(name string, inner Generator, s BreakerSettings) *BreakerGenerator {
	return &BreakerGenerator{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker[string](s.settings("llm:" + name)),
	}
}

func (b *BreakerGenerator) Generate(ctx context.Context, prompt string, turns []protocol.Turn) (string, error) {
	text, err := b.cb.Execute(func() (string, error) {
		return b.inner.Generate(ctx, prompt, turns)
	})
	if openCircuit(err) {
		return "", &LLMError{Kind: KindUnavailable, Detail: err.Error()}
	}
	return text, err
}

func (b *BreakerGenerator) State() gobreaker.State {
	return b.cb.State()
}

type BreakerInvoker struct {
	inner ToolInvoker
	cb    *gobreaker.CircuitBreaker[json.RawMessage]
}

func NewBreakerInvoker(name string, inner ToolInvoker, s BreakerSettings) *BreakerInvoker {
	return &BreakerInvoker{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker[json.RawMessage](s.settings("tools:" + name)),
	}
}

func (b *BreakerInvoker) Invoke(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	out, err := b.cb.Execute(func() (json.RawMessage, error) {
		return b.inner.Invoke(ctx, tool, args)
	})
	if openCircuit(err) {
		return nil, &ToolError{Tool: tool, Kind: KindUnavailable, Detail: err.Error()}
	}
	return out, err
}

func (b *BreakerInvoker) State() gobreaker.State {
	return b.cb.State()
}
