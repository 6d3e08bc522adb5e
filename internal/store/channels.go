package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mattjoyce/swarmhub/internal/storage"
)

type NewChannelMessage struct {
	ChannelID     string
	AuthorAgentID *string
	Content       string
	Mentions      []string
}

// PostChannelMessage records a channel message and one mention row per
// mentioned agent. Authors never mention themselves.
func (s *Store) PostChannelMessage(ctx context.Context, req NewChannelMessage) (*ChannelMessage, error) {
	channel := strings.TrimSpace(req.ChannelID)
	if channel == "" {
		return nil, fmt.Errorf("channel id is empty")
	}
	if req.Content == "" {
		return nil, fmt.Errorf("channel message content is empty")
	}

	msg := &ChannelMessage{
		ID:            uuid.NewString(),
		ChannelID:     channel,
		AuthorAgentID: req.AuthorAgentID,
		Content:       req.Content,
		CreatedAt:     s.now(),
	}
	now := storage.FormatTime(msg.CreatedAt)

	seen := make(map[string]struct{}, len(req.Mentions))
	for _, agentID := range req.Mentions {
		agentID = strings.TrimSpace(agentID)
		if agentID == "" {
			continue
		}
		if req.AuthorAgentID != nil && *req.AuthorAgentID == agentID {
			continue
		}
		if _, dup := seen[agentID]; dup {
			continue
		}
		seen[agentID] = struct{}{}
		msg.Mentions = append(msg.Mentions, agentID)
	}

	err := s.InTx(ctx, func(tx *Store) error {
		if _, err := tx.exec(ctx, `
INSERT INTO channel_messages(id, channel_id, author_agent_id, content, created_at)
VALUES(?, ?, ?, ?, ?);
`, msg.ID, channel, nullable(req.AuthorAgentID), req.Content, now); err != nil {
			return fmt.Errorf("insert channel message: %w", err)
		}
		for _, agentID := range msg.Mentions {
			if _, err := tx.exec(ctx, `
INSERT INTO channel_mentions(message_id, channel_id, agent_id, created_at)
VALUES(?, ?, ?, ?);
`, msg.ID, channel, agentID, now); err != nil {
				return fmt.Errorf("insert channel mention: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// MarkChannelRead advances lastReadAt and releases any mention claim the
// agent holds on the channel.
func (s *Store) MarkChannelRead(ctx context.Context, agentID, channelID string) (*ChannelReadState, error) {
	if agentID == "" || channelID == "" {
		return nil, fmt.Errorf("agent id and channel id are required")
	}
	if _, err := s.exec(ctx, `
INSERT INTO channel_read_state(agent_id, channel_id, last_read_at, processing_since)
VALUES(?, ?, ?, NULL)
ON CONFLICT(agent_id, channel_id) DO UPDATE SET
  last_read_at = excluded.last_read_at,
  processing_since = NULL;
`, agentID, channelID, s.stamp()); err != nil {
		return nil, fmt.Errorf("mark channel read: %w", err)
	}
	return s.GetChannelReadState(ctx, agentID, channelID)
}

func (s *Store) GetChannelReadState(ctx context.Context, agentID, channelID string) (*ChannelReadState, error) {
	var lastRead, processing sql.NullString
	err := s.queryRow(ctx, `
SELECT last_read_at, processing_since FROM channel_read_state
WHERE agent_id = ? AND channel_id = ?;
`, agentID, channelID).Scan(&lastRead, &processing)
	if isNoRows(err) {
		return nil, notFound("channel read state", agentID+"/"+channelID)
	}
	if err != nil {
		return nil, fmt.Errorf("get channel read state: %w", err)
	}
	return &ChannelReadState{
		AgentID:         agentID,
		ChannelID:       channelID,
		LastReadAt:      storage.ParseNullTime(lastRead),
		ProcessingSince: storage.ParseNullTime(processing),
	}, nil
}
