package minion

import (
	"errors"
	"fmt"
	"slices"

	"github.com/mtzanidakis/minions/internal/m2m"
	"github.com/mtzanidakis/minions/internal/protocol"
	"github.com/mtzanidakis/minions/internal/snapshot"
)

type Status string

const (
	StatusIdle         Status = "idle"
	StatusRunning      Status = "running"
	StatusPausing      Status = "pausing"
	StatusPaused       Status = "paused"
	StatusResuming     Status = "resuming"
	StatusError        Status = "error"
	StatusShuttingDown Status = "shutting_down"
)

const (
	seenLimit     = 512
	finishedLimit = 128
)

// ErrCorruptState is returned when a persisted snapshot cannot be loaded.
// The runtime stays in the error state until an operator resets it.
var ErrCorruptState = errors.New("persisted minion state is corrupt")

// FinishedTask remembers the final status of a recent task so retried
// delegations can be answered without running the task again.
type FinishedTask struct {
	TaskID      string              `json:"task_id"`
	RequesterID string              `json:"requester_id"`
	Status      protocol.TaskStatus `json:"status"`
	Result      string              `json:"result,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// MinionState is everything a runtime needs to continue after a pause or
// restart.
type MinionState struct {
	AgentID                string                      `json:"agent_id"`
	Status                 Status                      `json:"status"`
	CurrentTaskID          string                      `json:"current_task_id,omitempty"`
	Current                *ActiveTask                 `json:"current,omitempty"`
	TaskQueue              []QueuedTask                `json:"task_queue"`
	PendingWhilePaused     []protocol.Message          `json:"pending_while_paused"`
	ConversationContext    []protocol.Turn             `json:"conversation_context"`
	OutstandingDelegations map[string]*m2m.Outstanding `json:"outstanding_delegations"`
	Seen                   []string                    `json:"seen,omitempty"`
	Finished               []FinishedTask              `json:"finished,omitempty"`
	Error                  string                      `json:"error,omitempty"`
}

func EncodeState(c *snapshot.Codec, s *MinionState) ([]byte, error) {
	return c.Marshal(s)
}

func DecodeState(c *snapshot.Codec, data []byte) (*MinionState, error) {
	var s MinionState
	if err := c.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if s.AgentID == "" {
		return nil, fmt.Errorf("%w: missing agent_id", ErrCorruptState)
	}
	if s.Current != nil && s.Current.TaskID != s.CurrentTaskID {
		return nil, fmt.Errorf("%w: current task mismatch", ErrCorruptState)
	}
	return &s, nil
}

func (s *MinionState) seen(id string) bool {
	return slices.Contains(s.Seen, id)
}

func (s *MinionState) markSeen(id string) {
	s.Seen = append(s.Seen, id)
	if over := len(s.Seen) - seenLimit; over > 0 {
		s.Seen = slices.Delete(s.Seen, 0, over)
	}
}

func (s *MinionState) finished(taskID string) (FinishedTask, bool) {
	for _, f := range s.Finished {
		if f.TaskID == taskID {
			return f, true
		}
	}
	return FinishedTask{}, false
}

func (s *MinionState) recordFinished(f FinishedTask) {
	s.Finished = append(s.Finished, f)
	if over := len(s.Finished) - finishedLimit; over > 0 {
		s.Finished = slices.Delete(s.Finished, 0, over)
	}
}
