package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mtzanidakis/minions/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them: WAL lets
	// pollers read while senders append, the busy timeout makes concurrent
	// writers wait instead of failing with SQLITE_BUSY.
	db, err := sql.Open("sqlite", dsn(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func dsn(path string) string {
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id            TEXT PRIMARY KEY,
			display_name  TEXT NOT NULL,
			description   TEXT,
			capabilities  TEXT NOT NULL DEFAULT '[]',
			endpoint_hint TEXT,
			registered_at INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq            INTEGER PRIMARY KEY AUTOINCREMENT,
			id             TEXT NOT NULL UNIQUE,
			sender_id      TEXT NOT NULL,
			recipient_id   TEXT NOT NULL,
			type           TEXT NOT NULL,
			trace_id       TEXT NOT NULL,
			priority       INTEGER NOT NULL DEFAULT 1,
			sent_at        INTEGER NOT NULL,
			body           TEXT,
			leased_until   INTEGER,
			delivery_count INTEGER NOT NULL DEFAULT 0,
			acked_at       INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_queue ON messages(recipient_id, acked_at, priority, seq)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id             TEXT PRIMARY KEY,
			parent_task_id TEXT,
			requester_id   TEXT NOT NULL,
			assignee_id    TEXT NOT NULL,
			description    TEXT NOT NULL,
			status         TEXT NOT NULL,
			result         TEXT,
			error          TEXT,
			trace_id       TEXT,
			depth          INTEGER NOT NULL DEFAULT 0,
			deadline       INTEGER,
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee_id, status)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id          TEXT PRIMARY KEY,
			assignee_id TEXT NOT NULL,
			name        TEXT NOT NULL,
			schedule    TEXT NOT NULL,
			description TEXT NOT NULL,
			priority    TEXT NOT NULL DEFAULT 'normal',
			status      TEXT NOT NULL DEFAULT 'active',
			next_run_at INTEGER,
			last_run_at INTEGER,
			last_task   TEXT,
			last_status TEXT,
			last_error  TEXT,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(status, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS minion_states (
			agent_id   TEXT PRIMARY KEY,
			snapshot   BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

// Timestamps are stored as unix milliseconds.

func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMs(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func ptrMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMs(v.Int64)
	return &t
}
