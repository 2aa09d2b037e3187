package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/minions/internal/protocol"
)

// maxBody bounds request bodies.
const maxBody = 1 << 20

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Registry
	mux.HandleFunc("POST /agents", s.registerAgent)
	mux.HandleFunc("GET /agents", s.listAgents)
	mux.HandleFunc("GET /agents/{id}", s.getAgent)
	mux.HandleFunc("DELETE /agents/{id}", s.deregisterAgent)

	// Router
	mux.HandleFunc("POST /agents/{id}/messages", s.sendMessage)
	mux.HandleFunc("GET /agents/{id}/messages", s.pollMessages)
	mux.HandleFunc("POST /agents/{id}/messages/ack", s.ackMessages)
	mux.HandleFunc("GET /messages/{id}", s.getMessage)

	// Ledger
	mux.HandleFunc("POST /tasks", s.submitTask)
	mux.HandleFunc("GET /tasks", s.listTasks)
	mux.HandleFunc("GET /tasks/{id}", s.getTask)
	mux.HandleFunc("PATCH /tasks/{id}/status", s.updateTaskStatus)
	mux.HandleFunc("POST /tasks/{id}/cancel", s.cancelTask)
	mux.HandleFunc("GET /tasks/{id}/stream", s.handleTaskStream)

	// Schedules
	mux.HandleFunc("GET /schedules", s.listSchedules)
	mux.HandleFunc("POST /schedules", s.createSchedule)
	mux.HandleFunc("GET /schedules/{id}", s.getSchedule)
	mux.HandleFunc("PATCH /schedules/{id}", s.updateSchedule)
	mux.HandleFunc("DELETE /schedules/{id}", s.deleteSchedule)

	// System
	mux.HandleFunc("GET /status", s.getStatus)
}

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var d protocol.AgentDescriptor
	if !decodeBody(w, r, &d) {
		return
	}
	id, err := s.broker.Registry.Register(d)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"agent_id": id})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.broker.Registry.List(protocol.AgentFilter{Capability: r.URL.Query().Get("capability")})
	if err != nil {
		writeError(w, err)
		return
	}
	if agents == nil {
		agents = []protocol.AgentDescriptor{}
	}
	jsonResponse(w, agents)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.broker.Registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, a)
}

func (s *Server) deregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.Registry.Deregister(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var m protocol.Message
	if !decodeBody(w, r, &m) {
		return
	}
	id := r.PathValue("id")
	if m.RecipientID == "" {
		m.RecipientID = id
	}
	if m.RecipientID != id {
		writeError(w, &protocol.ValidationError{Field: "recipient_id", Reason: "does not match path"})
		return
	}
	ack, err := s.broker.Send(r.Context(), &m)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/messages/"+ack.MessageID)
	jsonResponse(w, ack)
}

func (s *Server) pollMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, &protocol.ValidationError{Field: "max", Reason: "not a number"})
			return
		}
		limit = n
	}
	msgs, err := s.broker.Poll(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	jsonResponse(w, msgs)
}

func (s *Server) ackMessages(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.broker.Acknowledge(r.Context(), r.PathValue("id"), body.IDs); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]any{"status": "ok", "count": len(body.IDs)})
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	rec, err := s.broker.Router.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, rec)
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var t protocol.Task
	if !decodeBody(w, r, &t) {
		return
	}
	id, err := s.broker.SubmitTask(r.Context(), t)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"task_id": id})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := protocol.TaskFilter{
		AssigneeID:  q.Get("assignee"),
		RequesterID: q.Get("requester"),
		Status:      protocol.TaskStatus(q.Get("status")),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, &protocol.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", f.Status)})
		return
	}
	tasks, err := s.broker.Ledger.List(f)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []protocol.Task{}
	}
	jsonResponse(w, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.broker.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, t)
}

func (s *Server) updateTaskStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status protocol.TaskStatus `json:"status"`
		Result string              `json:"result"`
		Error  string              `json:"error"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	id := r.PathValue("id")
	if err := s.broker.UpdateTaskStatus(r.Context(), id, body.Status, body.Result, body.Error); err != nil {
		writeError(w, err)
		return
	}
	s.getTask(w, r)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.Ledger.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	s.getTask(w, r)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	agents, err := s.broker.Registry.List(protocol.AgentFilter{})
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.broker.Ledger.List(protocol.TaskFilter{})
	if err != nil {
		writeError(w, err)
		return
	}
	byStatus := map[protocol.TaskStatus]int{}
	for _, t := range tasks {
		byStatus[t.Status]++
	}

	nats := "disabled"
	if s.nats != nil {
		nats = "ok"
	}
	jsonResponse(w, map[string]any{
		"status":     "ok",
		"agents":     len(agents),
		"tasks":      byStatus,
		"ws_clients": s.hub.Clients(),
		"nats":       nats,
		"uptime":     formatUptime(time.Since(s.startedAt)),
		"version":    s.version,
		"timestamp":  time.Now().UTC(),
	})
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		writeError(w, &protocol.ValidationError{Reason: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeError reports err with its wire kind so clients can rebuild the
// typed error.
func writeError(w http.ResponseWriter, err error) {
	kind := protocol.ErrorKind(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(kind))
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "kind": kind})
}

func statusFor(kind string) int {
	switch kind {
	case protocol.KindValidation:
		return http.StatusBadRequest
	case protocol.KindUnknownRecipient, protocol.KindNotFound:
		return http.StatusNotFound
	case protocol.KindInvalidTransition, protocol.KindAlreadyTerminal, protocol.KindTaskExists:
		return http.StatusConflict
	case protocol.KindDepthExceeded, protocol.KindCycle:
		return http.StatusUnprocessableEntity
	case protocol.KindRateLimited:
		return http.StatusTooManyRequests
	case protocol.KindQueueFull:
		return http.StatusServiceUnavailable
	case protocol.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
