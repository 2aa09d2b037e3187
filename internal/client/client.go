// Package client talks to a broker over its HTTP API. It satisfies the
// broker surface the runtime needs, so a minion runs the same against a
// remote broker as against an in-process one.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mtzanidakis/minions/internal/protocol"
	"github.com/mtzanidakis/minions/internal/store"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a client for the broker at baseURL. token, when set, is sent
// as a bearer token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Register(ctx context.Context, d protocol.AgentDescriptor) (string, error) {
	var out struct {
		AgentID string `json:"agent_id"`
	}
	err := c.do(ctx, http.MethodPost, "/agents", d, &out)
	return out.AgentID, err
}

func (c *Client) Deregister(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodDelete, "/agents/"+url.PathEscape(agentID), nil, nil)
}

func (c *Client) GetAgent(ctx context.Context, agentID string) (*protocol.AgentDescriptor, error) {
	var out protocol.AgentDescriptor
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListAgents(ctx context.Context, f protocol.AgentFilter) ([]protocol.AgentDescriptor, error) {
	path := "/agents"
	if f.Capability != "" {
		path += "?capability=" + url.QueryEscape(f.Capability)
	}
	var out []protocol.AgentDescriptor
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Send(ctx context.Context, m *protocol.Message) (protocol.SendAck, error) {
	var ack protocol.SendAck
	err := c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(m.RecipientID)+"/messages", m, &ack)
	return ack, err
}

func (c *Client) Poll(ctx context.Context, agentID string, limit int) ([]protocol.Message, error) {
	path := "/agents/" + url.PathEscape(agentID) + "/messages"
	if limit > 0 {
		path += "?max=" + strconv.Itoa(limit)
	}
	var out []protocol.Message
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Acknowledge(ctx context.Context, agentID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body := map[string][]string{"ids": ids}
	return c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(agentID)+"/messages/ack", body, nil)
}

func (c *Client) GetMessage(ctx context.Context, id string) (*store.MessageRecord, error) {
	var out store.MessageRecord
	if err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SubmitTask(ctx context.Context, t protocol.Task) (string, error) {
	var out struct {
		TaskID string `json:"task_id"`
	}
	err := c.do(ctx, http.MethodPost, "/tasks", t, &out)
	return out.TaskID, err
}

func (c *Client) GetTask(ctx context.Context, taskID string) (*protocol.Task, error) {
	var out protocol.Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListTasks(ctx context.Context, f protocol.TaskFilter) ([]protocol.Task, error) {
	q := url.Values{}
	if f.AssigneeID != "" {
		q.Set("assignee", f.AssigneeID)
	}
	if f.RequesterID != "" {
		q.Set("requester", f.RequesterID)
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	path := "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []protocol.Task
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) UpdateTaskStatus(ctx context.Context, taskID string, status protocol.TaskStatus, result, errMsg string) error {
	body := map[string]string{"status": string(status), "result": result, "error": errMsg}
	return c.do(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(taskID)+"/status", body, nil)
}

func (c *Client) CancelTask(ctx context.Context, taskID string) (*protocol.Task, error) {
	var out protocol.Task
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WatchTask calls fn with the task's current status and each change until
// the task settles, fn returns false or ctx is done.
func (c *Client) WatchTask(ctx context.Context, taskID string, fn func(protocol.TaskEvent) bool) error {
	u, err := url.Parse(c.baseURL + "/tasks/" + url.PathEscape(taskID) + "/stream")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if rerr := decodeError(resp); rerr != nil {
				return rerr
			}
		}
		return fmt.Errorf("watch task %s: %w", taskID, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var ev protocol.TaskEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("watch task %s: %w", taskID, err)
		}
		if !fn(ev) || ev.Status.Terminal() {
			return nil
		}
	}
}

func (c *Client) ListSchedules(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	err := c.do(ctx, http.MethodGet, "/schedules", nil, &out)
	return out, err
}

// ScheduleRequest creates a schedule. Schedule is a cron expression or the
// JSON schedule form.
type ScheduleRequest struct {
	ID          string `json:"id,omitempty"`
	AssigneeID  string `json:"assignee_id"`
	Name        string `json:"name,omitempty"`
	Schedule    string `json:"schedule"`
	Description string `json:"description"`
	Priority    string `json:"priority,omitempty"`
}

func (c *Client) CreateSchedule(ctx context.Context, req ScheduleRequest) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/schedules", req, &out)
	return out, err
}

func (c *Client) SetScheduleStatus(ctx context.Context, id, status string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPatch, "/schedules/"+url.PathEscape(id), map[string]string{"status": status}, &out)
	return out, err
}

func (c *Client) DeleteSchedule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/schedules/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := decodeError(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// decodeError turns a non-2xx response into the typed error the server
// reported.
func decodeError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = fmt.Sprintf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if body.Kind == "" {
		body.Kind = kindForStatus(resp.StatusCode)
	}
	return protocol.ErrorFromKind(body.Kind, body.Error)
}

func kindForStatus(code int) string {
	switch code {
	case http.StatusNotFound:
		return protocol.KindNotFound
	case http.StatusTooManyRequests:
		return protocol.KindRateLimited
	case http.StatusBadRequest:
		return protocol.KindValidation
	default:
		return protocol.KindInternal
	}
}
