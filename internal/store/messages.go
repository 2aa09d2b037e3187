package store

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mtzanidakis/minions/internal/protocol"
)

// MessageRecord is the durable record of a routed message.
type MessageRecord struct {
	protocol.Message
	Seq           int64      `json:"seq"`
	DeliveryCount int        `json:"delivery_count"`
	LeasedUntil   *time.Time `json:"leased_until,omitempty"`
	AckedAt       *time.Time `json:"acked_at,omitempty"`
}

const messageColumns = `seq, id, sender_id, recipient_id, type, trace_id, priority, sent_at, body, leased_until, delivery_count, acked_at`

func scanMessage(scanner interface {
	Scan(dest ...any) error
}) (*MessageRecord, error) {
	r := &MessageRecord{}
	var typ string
	var prio int
	var sent int64
	var body sql.NullString
	var leased, acked sql.NullInt64
	err := scanner.Scan(&r.Seq, &r.ID, &r.SenderID, &r.RecipientID, &typ, &r.TraceID, &prio, &sent,
		&body, &leased, &r.DeliveryCount, &acked)
	if err != nil {
		return nil, err
	}
	r.Type = protocol.MessageType(typ)
	r.Priority = protocol.PriorityFromRank(prio)
	r.SentAt = fromMs(sent)
	if body.Valid && body.String != "" {
		r.Body = []byte(body.String)
	}
	r.LeasedUntil = ptrMs(leased)
	r.AckedAt = ptrMs(acked)
	return r, nil
}

// InsertMessage appends m to its recipient's queue. It reports false when
// a message with the same id is already stored.
func (s *Store) InsertMessage(m *protocol.Message) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO messages (id, sender_id, recipient_id, type, trace_id, priority, sent_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, m.SenderID, m.RecipientID, string(m.Type), m.TraceID, m.Priority.Rank(), ms(m.SentAt), string(m.Body))
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) GetMessage(id string) (*MessageRecord, error) {
	r, err := scanMessage(s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return r, nil
}

// CountUnacked returns the number of queued or in-flight messages for a
// recipient.
func (s *Store) CountUnacked(recipientID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE recipient_id = ? AND acked_at IS NULL`, recipientID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// LeaseMessages marks up to limit deliverable messages of a recipient as
// in-flight until now+lease and returns them priority first, then in send
// order. Messages whose lease expired are deliverable again.
func (s *Store) LeaseMessages(recipientID string, now time.Time, lease time.Duration, limit int) ([]MessageRecord, error) {
	rows, err := s.db.Query(`
		UPDATE messages
		SET leased_until = ?, delivery_count = delivery_count + 1
		WHERE seq IN (
			SELECT seq FROM messages
			WHERE recipient_id = ? AND acked_at IS NULL
			  AND (leased_until IS NULL OR leased_until <= ?)
			ORDER BY priority DESC, seq ASC
			LIMIT ?
		)
		RETURNING `+messageColumns,
		ms(now.Add(lease)), recipientID, ms(now), limit)
	if err != nil {
		return nil, fmt.Errorf("lease messages: %w", err)
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		r, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not preserve the subquery order.
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].Priority.Rank(), out[j].Priority.Rank()
		if pi != pj {
			return pi > pj
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// AckMessages acknowledges messages addressed to recipientID. Unknown and
// already acknowledged ids are ignored.
func (s *Store) AckMessages(recipientID string, ids []string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, ms(now), recipientID)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	res, err := s.db.Exec(`
		UPDATE messages SET acked_at = ?, leased_until = NULL
		WHERE recipient_id = ? AND acked_at IS NULL AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("ack messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PruneAcked deletes acknowledged messages older than before.
func (s *Store) PruneAcked(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM messages WHERE acked_at IS NOT NULL AND acked_at < ?`, ms(before))
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
