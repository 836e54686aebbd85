package collab

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/bus"
	"github.com/taskmesh/taskmesh/internal/errs"
	"github.com/taskmesh/taskmesh/internal/store"
)

// SendConfig describes a message to route inside a session. An empty
// Recipient broadcasts to every other participant. InReplyTo settles
// an open response wait on the referenced message.
type SendConfig struct {
	Sender           string        `json:"sender"`
	Recipient        string        `json:"recipient,omitempty"`
	Type             string        `json:"type,omitempty"`
	Content          string        `json:"content"`
	RequiresResponse bool          `json:"requires_response,omitempty"`
	ResponseTimeout  time.Duration `json:"response_timeout,omitempty"`
	InReplyTo        string        `json:"in_reply_to,omitempty"`
}

// Send routes a message between session participants. Both ends must
// belong to the session. Messages are appended under the session lock
// so two messages from the same sender to the same recipient are
// always observed in send order. Broadcasts expand into individually
// addressed copies, one per other participant.
//
// A message with RequiresResponse blocks until another participant
// replies (a Send carrying InReplyTo with this message's id) or the
// response timeout expires, in which case the call returns
// errs.ErrDeadlineExceeded. The request stays in the log either way.
func (m *Manager) Send(sessionID string, cfg SendConfig) ([]Message, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	if cfg.Content == "" {
		return nil, fmt.Errorf("%w: empty message content", errs.ErrValidation)
	}
	if !s.participant(cfg.Sender) {
		return nil, fmt.Errorf("%w: sender %s", errs.ErrInvalidParticipant, cfg.Sender)
	}
	if cfg.Recipient != "" && !s.participant(cfg.Recipient) {
		return nil, fmt.Errorf("%w: recipient %s", errs.ErrInvalidParticipant, cfg.Recipient)
	}
	msgType := cfg.Type
	if msgType == "" {
		msgType = "text"
	}

	recipients := []string{cfg.Recipient}
	if cfg.Recipient == "" {
		recipients = recipients[:0]
		for _, p := range s.participants {
			if p != cfg.Sender {
				recipients = append(recipients, p)
			}
		}
	}

	delivered := make([]Message, 0, len(recipients))
	for _, to := range recipients {
		delivered = append(delivered, Message{
			ID:               uuid.NewString(),
			SessionID:        sessionID,
			Sender:           cfg.Sender,
			Recipient:        to,
			Type:             msgType,
			Content:          cfg.Content,
			Timestamp:        m.clock.Now(),
			RequiresResponse: cfg.RequiresResponse,
			ResponseTimeout:  cfg.ResponseTimeout,
			InReplyTo:        cfg.InReplyTo,
		})
	}

	// The wait must be open before the request is visible, or a fast
	// reply could slip past it.
	var reply chan Message
	if cfg.RequiresResponse {
		reply = m.openReplyWait(delivered)
	}

	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		if reply != nil {
			m.dropReplyWait(delivered)
		}
		return nil, fmt.Errorf("%w: session %s is %s", errs.ErrConflict, sessionID, s.status)
	}
	s.messages = append(s.messages, delivered...)
	s.mu.Unlock()

	for _, msg := range delivered {
		m.persistMessage(msg)
		m.publishMessage(s, msg)
	}

	if cfg.InReplyTo != "" {
		m.settleReplyWait(cfg.InReplyTo, delivered[0])
	}

	if reply != nil {
		defer m.dropReplyWait(delivered)
		timeout := cfg.ResponseTimeout
		if timeout <= 0 {
			timeout = m.stepTimeout
		}
		select {
		case <-reply:
		case <-time.After(timeout):
			return nil, fmt.Errorf("%w: no response to message %s within %s",
				errs.ErrDeadlineExceeded, delivered[0].ID, timeout)
		}
	}
	return delivered, nil
}

// openReplyWait registers one shared wait across every copy of a
// request, so the first reply to any copy settles it.
func (m *Manager) openReplyWait(sent []Message) chan Message {
	ch := make(chan Message, 1)
	m.mu.Lock()
	for _, msg := range sent {
		m.replies[msg.ID] = ch
	}
	m.mu.Unlock()
	return ch
}

func (m *Manager) settleReplyWait(requestID string, reply Message) {
	m.mu.Lock()
	ch := m.replies[requestID]
	delete(m.replies, requestID)
	m.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

func (m *Manager) dropReplyWait(sent []Message) {
	m.mu.Lock()
	for _, msg := range sent {
		delete(m.replies, msg.ID)
	}
	m.mu.Unlock()
}

// Messages returns the session's messages in delivery order, most
// recent last. A zero or negative limit returns everything.
func (m *Manager) Messages(sessionID string, limit int) ([]Message, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]Message(nil), msgs...), nil
}

func (m *Manager) persistMessage(msg Message) {
	if m.db == nil {
		return
	}
	rec := &store.MessageRecord{
		SessionID:        msg.SessionID,
		MessageID:        msg.ID,
		Sender:           msg.Sender,
		Recipient:        msg.Recipient,
		Type:             msg.Type,
		Content:          msg.Content,
		RequiresResponse: msg.RequiresResponse,
		InReplyTo:        msg.InReplyTo,
	}
	if err := m.db.SaveMessage(rec); err != nil {
		slog.Warn("persist message", "session", msg.SessionID, "error", err)
	}
}

// publishMessage mirrors the message onto the bus: the per-recipient
// subject for direct delivery plus the session chat subject for
// observers.
func (m *Manager) publishMessage(s *session, msg Message) {
	if m.client == nil {
		return
	}
	if err := m.client.PublishJSON(bus.TopicSessionDirect(s.id, msg.Recipient), msg); err != nil {
		slog.Warn("publish direct message", "session", s.id, "recipient", msg.Recipient, "error", err)
		return
	}
	if err := m.client.PublishJSON(bus.TopicSessionChat(s.id), msg); err != nil {
		slog.Warn("publish chat message", "session", s.id, "error", err)
	}
}
