package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewInboxMessage is created by the inbound producer layer, always unread.
type NewInboxMessage struct {
	AgentID   string
	Content   string
	Source    string
	ChannelID *string
	ThreadID  *string
	UserID    *string
}

func (s *Store) CreateInboxMessage(ctx context.Context, req NewInboxMessage) (*InboxMessage, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return nil, fmt.Errorf("inbox message owner is empty")
	}
	if req.Content == "" {
		return nil, fmt.Errorf("inbox message content is empty")
	}
	source := req.Source
	if source == "" {
		source = "api"
	}

	id := uuid.NewString()
	now := s.stamp()
	if _, err := s.exec(ctx, `
INSERT INTO inbox_messages(id, agent_id, content, source, status, channel_id, thread_id, user_id, created_at, last_updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, req.AgentID, req.Content, source, InboxUnread, nullable(req.ChannelID), nullable(req.ThreadID), nullable(req.UserID), now, now); err != nil {
		return nil, fmt.Errorf("insert inbox message: %w", err)
	}
	return s.GetInboxMessage(ctx, id)
}

func (s *Store) GetInboxMessage(ctx context.Context, id string) (*InboxMessage, error) {
	m, err := ScanInboxMessage(s.queryRow(ctx, `SELECT `+InboxColumns+` FROM inbox_messages WHERE id = ?;`, id))
	if isNoRows(err) {
		return nil, notFound("inbox message", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get inbox message: %w", err)
	}
	return m, nil
}

// MarkInboxRead closes a message without a reply.
func (s *Store) MarkInboxRead(ctx context.Context, id, agentID string) (*InboxMessage, bool, error) {
	return s.finishInbox(ctx, id, `
UPDATE inbox_messages SET status = ?, last_updated_at = ?
WHERE id = ? AND agent_id = ? AND status IN (?, ?)
RETURNING `+InboxColumns+`;
`, InboxRead, s.stamp(), id, agentID, InboxUnread, InboxProcessing)
}

func (s *Store) MarkInboxResponded(ctx context.Context, id, agentID, response string) (*InboxMessage, bool, error) {
	return s.finishInbox(ctx, id, `
UPDATE inbox_messages SET status = ?, response = ?, last_updated_at = ?
WHERE id = ? AND agent_id = ? AND status IN (?, ?)
RETURNING `+InboxColumns+`;
`, InboxResponded, response, s.stamp(), id, agentID, InboxUnread, InboxProcessing)
}

func (s *Store) MarkInboxDelegated(ctx context.Context, id, agentID, taskID string) (*InboxMessage, bool, error) {
	return s.finishInbox(ctx, id, `
UPDATE inbox_messages SET status = ?, delegated_task_id = ?, last_updated_at = ?
WHERE id = ? AND agent_id = ? AND status IN (?, ?)
RETURNING `+InboxColumns+`;
`, InboxDelegated, taskID, s.stamp(), id, agentID, InboxUnread, InboxProcessing)
}

// finishInbox accepts both unread and processing as inputs; terminal
// messages are returned unchanged.
func (s *Store) finishInbox(ctx context.Context, id, query string, args ...any) (*InboxMessage, bool, error) {
	m, err := ScanInboxMessage(s.queryRow(ctx, query, args...))
	if err == nil {
		return m, true, nil
	}
	if !isNoRows(err) {
		return nil, false, fmt.Errorf("update inbox message %s: %w", id, err)
	}
	cur, err := s.GetInboxMessage(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return cur, false, nil
}
