package collab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/minions/internal/protocol"
)

func TestHTTPGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Prompt == "boom" {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":{"kind":"unavailable","detail":"model offline"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(generateResponse{Text: req.Prompt + "/" + req.Context[0].Content})
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL)
	text, err := g.Generate(context.Background(), "hi", []protocol.Turn{{Role: "user", Content: "ctx"}})
	require.NoError(t, err)
	assert.Equal(t, "hi/ctx", text)

	_, err = g.Generate(context.Background(), "boom", nil)
	var le *LLMError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, KindUnavailable, le.Kind)
	assert.Equal(t, "model offline", le.Detail)
}

func TestHTTPGeneratorBadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := NewHTTPGenerator(srv.URL).Generate(context.Background(), "x", nil)
	var le *LLMError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, KindInvalidResponse, le.Kind)
}

func TestHTTPToolInvoker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req invokeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.Tool {
		case "echo":
			_ = json.NewEncoder(w).Encode(invokeResponse{Result: req.Args})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"kind":"unknown_tool","detail":"no such tool"}}`))
		}
	}))
	defer srv.Close()

	inv := NewHTTPToolInvoker(srv.URL)
	out, err := inv.Invoke(context.Background(), "echo", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))

	_, err = inv.Invoke(context.Background(), "nope", nil)
	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindUnknownTool, te.Kind)
	assert.Equal(t, "nope", te.Tool)
}

func TestBreakerGeneratorOpens(t *testing.T) {
	calls := 0
	failing := GeneratorFunc(func(ctx context.Context, prompt string, turns []protocol.Turn) (string, error) {
		calls++
		return "", errors.New("connection refused")
	})
	g := NewBreakerGenerator("test", failing, BreakerSettings{MaxFailures: 2, Timeout: time.Hour})

	for i := 0; i < 2; i++ {
		_, err := g.Generate(context.Background(), "p", nil)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, g.State())

	_, err := g.Generate(context.Background(), "p", nil)
	var le *LLMError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, KindUnavailable, le.Kind)
	assert.Equal(t, 2, calls, "open breaker must not reach the generator")
}

func TestBreakerInvokerIgnoresClientFaults(t *testing.T) {
	inner := ToolFunc(func(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
		return nil, &ToolError{Tool: tool, Kind: KindInvalidArgs, Detail: "bad"}
	})
	b := NewBreakerInvoker("test", inner, BreakerSettings{MaxFailures: 1, Timeout: time.Hour})

	for i := 0; i < 3; i++ {
		_, err := b.Invoke(context.Background(), "t", nil)
		var te *ToolError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, KindInvalidArgs, te.Kind)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestSchemaInvoker(t *testing.T) {
	called := false
	inner := ToolFunc(func(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
		called = true
		return json.RawMessage(`"ok"`), nil
	})
	si, err := NewSchemaInvoker(inner, []protocol.Capability{{
		Name:   "fetch",
		Kind:   "tool",
		Schema: json.RawMessage(`{"type":"object","required":["url"],"properties":{"url":{"type":"string"}}}`),
	}})
	require.NoError(t, err)
	assert.True(t, si.Has("fetch"))
	assert.False(t, si.Has("other"))

	_, err = si.Invoke(context.Background(), "fetch", json.RawMessage(`{}`))
	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindInvalidArgs, te.Kind)
	assert.False(t, called)

	_, err = si.Invoke(context.Background(), "other", nil)
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindUnknownTool, te.Kind)

	out, err := si.Invoke(context.Background(), "fetch", json.RawMessage(`{"url":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(out))
	assert.True(t, called)
}
