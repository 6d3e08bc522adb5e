package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/swarmhub/internal/storage"
)

// RowScanner is implemented by *sql.Row and *sql.Rows.
type RowScanner interface {
	Scan(dest ...any) error
}

const AgentColumns = `id, name, role, status, capacity, capabilities, created_at, last_updated_at`

const TaskColumns = `id, agent_id, creator_agent_id, task, status, offered_to, priority, progress, output,
  failure_reason, created_at, last_updated_at, offered_at, accepted_at, finished_at, notified_at`

const InboxColumns = `id, agent_id, content, source, status, channel_id, thread_id, user_id, response,
  delegated_task_id, created_at, last_updated_at`

func ScanAgent(row RowScanner) (*Agent, error) {
	var (
		a                    Agent
		role, status, caps   string
		createdAt, updatedAt string
	)
	if err := row.Scan(&a.ID, &a.Name, &role, &status, &a.Capacity, &caps, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.Role = AgentRole(role)
	a.Status = AgentStatus(status)
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities for agent %s: %w", a.ID, err)
	}
	if a.Capabilities == nil {
		a.Capabilities = []string{}
	}
	a.CreatedAt = storage.ParseTime(createdAt)
	a.LastUpdatedAt = storage.ParseTime(updatedAt)
	return &a, nil
}

func ScanTask(row RowScanner) (*Task, error) {
	var (
		t                                             Task
		status, createdAt, updatedAt                  string
		agentID, creator, offeredTo                   sql.NullString
		progress, output, failure                     sql.NullString
		offeredAt, acceptedAt, finishedAt, notifiedAt sql.NullString
	)
	if err := row.Scan(
		&t.ID, &agentID, &creator, &t.Task, &status, &offeredTo, &t.Priority, &progress, &output,
		&failure, &createdAt, &updatedAt, &offeredAt, &acceptedAt, &finishedAt, &notifiedAt,
	); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.AgentID = storage.StringPtr(agentID)
	t.CreatorAgentID = storage.StringPtr(creator)
	t.OfferedTo = storage.StringPtr(offeredTo)
	t.Progress = storage.StringPtr(progress)
	t.Output = storage.StringPtr(output)
	t.FailureReason = storage.StringPtr(failure)
	t.CreatedAt = storage.ParseTime(createdAt)
	t.LastUpdatedAt = storage.ParseTime(updatedAt)
	t.OfferedAt = storage.ParseNullTime(offeredAt)
	t.AcceptedAt = storage.ParseNullTime(acceptedAt)
	t.FinishedAt = storage.ParseNullTime(finishedAt)
	t.NotifiedAt = storage.ParseNullTime(notifiedAt)
	return &t, nil
}

func ScanInboxMessage(row RowScanner) (*InboxMessage, error) {
	var (
		m                                            InboxMessage
		status, createdAt, updatedAt                 string
		channelID, threadID, userID, resp, delegated sql.NullString
	)
	if err := row.Scan(
		&m.ID, &m.AgentID, &m.Content, &m.Source, &status, &channelID, &threadID, &userID, &resp,
		&delegated, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	m.Status = InboxStatus(status)
	m.ChannelID = storage.StringPtr(channelID)
	m.ThreadID = storage.StringPtr(threadID)
	m.UserID = storage.StringPtr(userID)
	m.Response = storage.StringPtr(resp)
	m.DelegatedTaskID = storage.StringPtr(delegated)
	m.CreatedAt = storage.ParseTime(createdAt)
	m.LastUpdatedAt = storage.ParseTime(updatedAt)
	return &m, nil
}

// ScanTasks drains rows into tasks and closes them.
func ScanTasks(rows *sql.Rows) ([]*Task, error) {
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := ScanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ScanInboxMessages drains rows into inbox messages and closes them.
func ScanInboxMessages(rows *sql.Rows) ([]*InboxMessage, error) {
	defer rows.Close()
	var out []*InboxMessage
	for rows.Next() {
		m, err := ScanInboxMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan inbox message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
