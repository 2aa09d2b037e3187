package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Schedule is a recurring or one-off directive that submits a task to an
// assignee when due.
type Schedule struct {
	ID          string     `json:"id"`
	AssigneeID  string     `json:"assignee_id"`
	Name        string     `json:"name"`
	Schedule    string     `json:"schedule"`
	Description string     `json:"description"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	LastTaskID  string     `json:"last_task_id,omitempty"`
	LastStatus  string     `json:"last_status,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

const scheduleColumns = `id, assignee_id, name, schedule, description, priority, status, next_run_at, last_run_at, last_task, last_status, last_error, created_at`

func scanSchedule(scanner interface {
	Scan(dest ...any) error
}) (*Schedule, error) {
	sc := &Schedule{}
	var next, last sql.NullInt64
	var lastTask, lastStatus, lastError sql.NullString
	var created int64
	err := scanner.Scan(&sc.ID, &sc.AssigneeID, &sc.Name, &sc.Schedule, &sc.Description, &sc.Priority, &sc.Status,
		&next, &last, &lastTask, &lastStatus, &lastError, &created)
	if err != nil {
		return nil, err
	}
	sc.NextRunAt = ptrMs(next)
	sc.LastRunAt = ptrMs(last)
	sc.LastTaskID = lastTask.String
	sc.LastStatus = lastStatus.String
	sc.LastError = lastError.String
	sc.CreatedAt = fromMs(created)
	return sc, nil
}

func (s *Store) SaveSchedule(sc *Schedule) error {
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO schedules (id, assignee_id, name, schedule, description, priority, status, next_run_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			assignee_id = excluded.assignee_id,
			name = excluded.name,
			schedule = excluded.schedule,
			description = excluded.description,
			priority = excluded.priority,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		sc.ID, sc.AssigneeID, sc.Name, sc.Schedule, sc.Description, sc.Priority, sc.Status,
		nullMs(sc.NextRunAt), ms(sc.CreatedAt))
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(id string) (*Schedule, error) {
	sc, err := scanSchedule(s.db.QueryRow(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

func (s *Store) ListSchedules() ([]Schedule, error) {
	return s.querySchedules(`SELECT ` + scheduleColumns + ` FROM schedules ORDER BY created_at, id`)
}

// GetDueSchedules returns active schedules whose next run is not after now.
func (s *Store) GetDueSchedules(now time.Time) ([]Schedule, error) {
	return s.querySchedules(`
		SELECT `+scheduleColumns+` FROM schedules
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at`, ms(now))
}

func (s *Store) querySchedules(q string, args ...any) ([]Schedule, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

func (s *Store) UpdateScheduleRun(id, taskID, lastStatus, lastError string, ranAt time.Time, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE schedules
		SET last_run_at = ?, last_task = ?, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, ms(ranAt), taskID, lastStatus, lastError, nullMs(nextRunAt), id)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}

func (s *Store) UpdateScheduleStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE schedules SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update schedule status: %w", err)
	}
	return nil
}

func (s *Store) DeleteSchedule(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete schedule: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
