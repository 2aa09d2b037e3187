package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mtzanidakis/minions/internal/protocol"
)

const taskColumns = `id, parent_task_id, requester_id, assignee_id, description, status, result, error, trace_id, depth, deadline, created_at, updated_at`

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*protocol.Task, error) {
	t := &protocol.Task{}
	var parent, result, errMsg, trace sql.NullString
	var status string
	var deadline sql.NullInt64
	var created, updated int64
	err := scanner.Scan(&t.TaskID, &parent, &t.RequesterID, &t.AssigneeID, &t.Description, &status,
		&result, &errMsg, &trace, &t.Depth, &deadline, &created, &updated)
	if err != nil {
		return nil, err
	}
	t.ParentTaskID = parent.String
	t.Status = protocol.TaskStatus(status)
	t.Result = result.String
	t.Error = errMsg.String
	t.TraceID = trace.String
	t.Deadline = ptrMs(deadline)
	t.CreatedAt = fromMs(created)
	t.UpdatedAt = fromMs(updated)
	return t, nil
}

// CreateTask inserts a new ledger record. It reports false if the id is
// taken.
func (s *Store) CreateTask(t *protocol.Task) (bool, error) {
	var parent any
	if t.ParentTaskID != "" {
		parent = t.ParentTaskID
	}
	res, err := s.db.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		t.TaskID, parent, t.RequesterID, t.AssigneeID, t.Description, string(t.Status),
		t.Result, t.Error, t.TraceID, t.Depth, nullMs(t.Deadline), ms(t.CreatedAt), ms(t.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("create task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) GetTask(id string) (*protocol.Task, error) {
	t, err := scanTask(s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks(f protocol.TaskFilter) ([]protocol.Task, error) {
	var where []string
	var args []any
	if f.AssigneeID != "" {
		where = append(where, "assignee_id = ?")
		args = append(args, f.AssigneeID)
	}
	if f.RequesterID != "" {
		where = append(where, "requester_id = ?")
		args = append(args, f.RequesterID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []protocol.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateTaskStatus(id string, status protocol.TaskStatus, result, errMsg string, now time.Time) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET status = ?, result = ?, error = ?, updated_at = ?
		WHERE id = ?`, string(status), result, errMsg, ms(now), id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}
