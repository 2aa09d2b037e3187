package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/minions/internal/protocol"
	"github.com/mtzanidakis/minions/internal/schedule"
	"github.com/mtzanidakis/minions/internal/store"
)

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListSchedules()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, sc := range list {
		out = append(out, scheduleToAPI(sc))
	}
	jsonResponse(w, out)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.lookupSchedule(w, r.PathValue("id"))
	if !ok {
		return
	}
	jsonResponse(w, scheduleToAPI(*sc))
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID          string `json:"id"`
		AssigneeID  string `json:"assignee_id"`
		Name        string `json:"name"`
		Schedule    string `json:"schedule"`
		Description string `json:"description"`
		Priority    string `json:"priority"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.AssigneeID == "" || body.Description == "" {
		writeError(w, &protocol.ValidationError{Reason: "assignee_id and description are required"})
		return
	}
	priority, err := protocol.ParsePriority(body.Priority)
	if err != nil {
		writeError(w, err)
		return
	}
	ok, err := s.broker.Registry.Exists(body.AssigneeID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, &protocol.UnknownRecipientError{RecipientID: body.AssigneeID})
		return
	}

	normalized, err := schedule.Normalize(body.Schedule)
	if err != nil {
		writeError(w, &protocol.ValidationError{Field: "schedule", Reason: err.Error()})
		return
	}
	next := schedule.NextRun(normalized, time.Now())
	if next == nil {
		writeError(w, &protocol.ValidationError{Field: "schedule", Reason: "never runs"})
		return
	}

	if body.ID == "" {
		body.ID = uuid.NewString()
	}
	name := body.Name
	if name == "" {
		name = body.ID
	}
	sc := &store.Schedule{
		ID:          body.ID,
		AssigneeID:  body.AssigneeID,
		Name:        name,
		Schedule:    normalized,
		Description: body.Description,
		Priority:    string(priority),
		Status:      "active",
		NextRunAt:   next,
	}
	if err := s.store.SaveSchedule(sc); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/schedules/"+sc.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(scheduleToAPI(*sc))
}

// updateSchedule pauses or reactivates a schedule.
func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	sc, ok := s.lookupSchedule(w, r.PathValue("id"))
	if !ok {
		return
	}

	switch body.Status {
	case "active":
		sc.NextRunAt = schedule.NextRun(sc.Schedule, time.Now())
		if sc.NextRunAt == nil {
			writeError(w, &protocol.ValidationError{Field: "schedule", Reason: "never runs"})
			return
		}
	case "paused":
		sc.NextRunAt = nil
	default:
		writeError(w, &protocol.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", body.Status)})
		return
	}
	sc.Status = body.Status

	if err := s.store.SaveSchedule(sc); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, scheduleToAPI(*sc))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	ok, err := s.store.DeleteSchedule(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, fmt.Errorf("schedule %s: %w", r.PathValue("id"), protocol.ErrNotFound))
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) lookupSchedule(w http.ResponseWriter, id string) (*store.Schedule, bool) {
	sc, err := s.store.GetSchedule(id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if sc == nil {
		writeError(w, fmt.Errorf("schedule %s: %w", id, protocol.ErrNotFound))
		return nil, false
	}
	return sc, true
}

func scheduleToAPI(sc store.Schedule) map[string]any {
	m := map[string]any{
		"id":               sc.ID,
		"name":             sc.Name,
		"assignee_id":      sc.AssigneeID,
		"schedule":         sc.Schedule,
		"schedule_display": schedule.Describe(sc.Schedule),
		"description":      sc.Description,
		"priority":         sc.Priority,
		"status":           sc.Status,
		"created_at":       sc.CreatedAt,
	}
	if sc.NextRunAt != nil {
		m["next_run_at"] = *sc.NextRunAt
	}
	if sc.LastRunAt != nil {
		m["last_run_at"] = *sc.LastRunAt
		m["last_task_id"] = sc.LastTaskID
		m["last_status"] = sc.LastStatus
		if sc.LastError != "" {
			m["last_error"] = sc.LastError
		}
	}
	return m
}
