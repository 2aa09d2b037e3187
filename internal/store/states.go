package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SaveState stores the encoded snapshot of a minion runtime.
func (s *Store) SaveState(agentID string, snapshot []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO minion_states (agent_id, snapshot, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`,
		agentID, snapshot, ms(time.Now()))
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// LoadState returns nil when no snapshot exists.
func (s *Store) LoadState(agentID string) ([]byte, error) {
	var snapshot []byte
	err := s.db.QueryRow(`SELECT snapshot FROM minion_states WHERE agent_id = ?`, agentID).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return snapshot, nil
}

// DeleteState is the operator path for discarding a snapshot.
func (s *Store) DeleteState(agentID string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM minion_states WHERE agent_id = ?`, agentID)
	if err != nil {
		return false, fmt.Errorf("delete state: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
