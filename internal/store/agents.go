package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtzanidakis/minions/internal/protocol"
)

const agentColumns = `id, display_name, description, capabilities, endpoint_hint, registered_at, updated_at`

func scanAgent(scanner interface {
	Scan(dest ...any) error
}) (*protocol.AgentDescriptor, error) {
	a := &protocol.AgentDescriptor{}
	var description, hint sql.NullString
	var caps string
	var registered, updated int64
	if err := scanner.Scan(&a.AgentID, &a.DisplayName, &description, &caps, &hint, &registered, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities of %s: %w", a.AgentID, err)
	}
	a.Description = description.String
	a.EndpointHint = hint.String
	a.RegisteredAt = fromMs(registered)
	a.UpdatedAt = fromMs(updated)
	return a, nil
}

// SaveAgent upserts a descriptor. registered_at is kept from the first
// registration.
func (s *Store) SaveAgent(a *protocol.AgentDescriptor, now time.Time) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			description = excluded.description,
			capabilities = excluded.capabilities,
			endpoint_hint = excluded.endpoint_hint,
			updated_at = excluded.updated_at`,
		a.AgentID, a.DisplayName, a.Description, string(caps), a.EndpointHint, ms(now), ms(now))
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(id string) (*protocol.AgentDescriptor, error) {
	a, err := scanAgent(s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents() ([]protocol.AgentDescriptor, error) {
	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY registered_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []protocol.AgentDescriptor
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// DeleteAgent removes the descriptor only; queued messages are untouched.
func (s *Store) DeleteAgent(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete agent: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
