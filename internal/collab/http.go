package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mtzanidakis/minions/internal/protocol"
)

// HTTPGenerator calls a generation endpoint:
//
//	POST {"prompt": "...", "context": [turns]} -> {"text": "..."}
//
// Failures come back as {"error": {"kind": "...", "detail": "..."}}.
type HTTPGenerator struct {
	URL    string
	Client *http.Client
}

func NewHTTPGenerator(url string) *HTTPGenerator {
	return &HTTPGenerator{URL: url, Client: &http.Client{Timeout: 5 * time.Minute}}
}

type generateRequest struct {
	Prompt  string          `json:"prompt"`
	Context []protocol.Turn `json:"context"`
}

type generateResponse struct {
	Text  string    `json:"text"`
	Error *LLMError `json:"error,omitempty"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, prompt string, turns []protocol.Turn) (string, error) {
	var resp generateResponse
	status, err := postJSON(ctx, g.Client, g.URL, generateRequest{Prompt: prompt, Context: turns}, &resp)
	if err != nil {
		return "", &LLMError{Kind: transportKind(err), Detail: err.Error()}
	}
	if resp.Error != nil {
		return "", resp.Error
	}
	if status >= 300 {
		return "", &LLMError{Kind: KindUnavailable, Detail: fmt.Sprintf("status %d", status)}
	}
	return resp.Text, nil
}

// HTTPToolInvoker calls a tool bridge:
//
//	POST {"tool": "...", "args": {...}} -> {"result": ...}
type HTTPToolInvoker struct {
	URL    string
	Client *http.Client
}

func NewHTTPToolInvoker(url string) *HTTPToolInvoker {
	return &HTTPToolInvoker{URL: url, Client: &http.Client{Timeout: 5 * time.Minute}}
}

type invokeRequest struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
}

type invokeResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *ToolError      `json:"error,omitempty"`
}

func (t *HTTPToolInvoker) Invoke(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	var resp invokeResponse
	status, err := postJSON(ctx, t.Client, t.URL, invokeRequest{Tool: tool, Args: args}, &resp)
	if err != nil {
		return nil, &ToolError{Tool: tool, Kind: transportKind(err), Detail: err.Error()}
	}
	if resp.Error != nil {
		if resp.Error.Tool == "" {
			resp.Error.Tool = tool
		}
		return nil, resp.Error
	}
	if status >= 300 {
		return nil, &ToolError{Tool: tool, Kind: KindUnavailable, Detail: fmt.Sprintf("status %d", status)}
	}
	return resp.Result, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, in, out any) (int, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode < 300 {
			return resp.StatusCode, fmt.Errorf("%w: %v", errInvalidResponse, err)
		}
	}
	return resp.StatusCode, nil
}

var errInvalidResponse = errors.New("invalid response")

func transportKind(err error) string {
	switch {
	case errors.Is(err, errInvalidResponse):
		return KindInvalidResponse
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindUnavailable
	}
}
