package store

import (
	"fmt"
	"time"
)

// MessageRecord is the durable per-session message log entry. Rowid
// order matches delivery order for a given (sender, recipient) pair.
type MessageRecord struct {
	ID               int64     `json:"id"`
	SessionID        string    `json:"session_id"`
	MessageID        string    `json:"message_id"`
	Sender           string    `json:"sender"`
	Recipient        string    `json:"recipient,omitempty"`
	Type             string    `json:"type,omitempty"`
	Content          string    `json:"content"`
	RequiresResponse bool      `json:"requires_response"`
	InReplyTo        string    `json:"in_reply_to,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func (s *Store) SaveMessage(m *MessageRecord) error {
	result, err := s.db.Exec(`
		INSERT INTO messages (session_id, message_id, sender, recipient, type, content, requires_response, in_reply_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.MessageID, m.Sender, m.Recipient, m.Type, m.Content, m.RequiresResponse, m.InReplyTo)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	m.ID, _ = result.LastInsertId()
	return nil
}

func (s *Store) GetMessages(sessionID string, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, session_id, message_id, sender, recipient, type, content, requires_response, in_reply_to, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []MessageRecord
	for rows.Next() {
		var m MessageRecord
		var recipient, msgType, inReplyTo *string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.MessageID, &m.Sender, &recipient,
			&msgType, &m.Content, &m.RequiresResponse, &inReplyTo, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if recipient != nil {
			m.Recipient = *recipient
		}
		if msgType != nil {
			m.Type = *msgType
		}
		if inReplyTo != nil {
			m.InReplyTo = *inReplyTo
		}
		messages = append(messages, m)
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, rows.Err()
}
