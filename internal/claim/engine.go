package claim

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/swarmhub/internal/metrics"
	"github.com/mattjoyce/swarmhub/internal/storage"
	"github.com/mattjoyce/swarmhub/internal/store"
)

// Kinds label claims in metrics and logs.
const (
	KindOfferedTask   = "task_offered"
	KindPendingTask   = "task_assigned"
	KindInbox         = "slack_inbox_message"
	KindMentions      = "unread_mentions"
	KindTasksFinished = "tasks_finished"
	KindPoolTask      = "pool_task"
)

// Outcome distinguishes "nothing to claim" from "lost the race".
type Outcome int

const (
	// Empty means no candidate matched.
	Empty Outcome = iota
	// Claimed means at least one candidate was taken.
	Claimed
	// Lost means candidates existed but every conditional update missed.
	Lost
)

func (o Outcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case Lost:
		return "lost"
	default:
		return "empty"
	}
}

func outcomeOf(candidates, claimed int) Outcome {
	switch {
	case claimed > 0:
		return Claimed
	case candidates > 0:
		return Lost
	default:
		return Empty
	}
}

// MentionClaim is one channel whose unread mentions are now held by the
// claiming agent.
type MentionClaim struct {
	ChannelID     string     `json:"channelId"`
	LastReadAt    *time.Time `json:"lastReadAt,omitempty"`
	MentionsCount int        `json:"mentionsCount"`
}

type Engine struct {
	dialect storage.Dialect
	now     func() time.Time
	metrics *metrics.Metrics
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func New(dialect storage.Dialect, opts ...Option) *Engine {
	e := &Engine{
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) rebind(q string) string {
	return storage.Rebind(e.dialect, q)
}

func (e *Engine) stamp() string {
	return storage.FormatTime(e.now())
}

// NextOfferedTask returns the id of the agent's highest-priority open offer,
// or "" when there is none. It does not claim.
func (e *Engine) NextOfferedTask(ctx context.Context, q storage.Querier, agentID string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, e.rebind(`
SELECT id FROM tasks
WHERE status = ? AND offered_to = ?
ORDER BY priority DESC, offered_at ASC, id ASC
LIMIT 1;
`), store.TaskOffered, agentID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find offered task: %w", err)
	}
	return id, nil
}

// ClaimOfferedTask moves offered→reviewing iff the task is still offered to
// agentID. nil means the offer was already taken or withdrawn.
func (e *Engine) ClaimOfferedTask(ctx context.Context, q storage.Querier, taskID, agentID string) (*store.Task, error) {
	t, err := store.ScanTask(q.QueryRowContext(ctx, e.rebind(`
UPDATE tasks
SET status = ?, last_updated_at = ?
WHERE id = ? AND status = ? AND offered_to = ?
RETURNING `+store.TaskColumns+`;
`), store.TaskReviewing, e.stamp(), taskID, store.TaskOffered, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		e.metrics.Claim(KindOfferedTask, 0)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim offered task %s: %w", taskID, err)
	}
	e.metrics.Claim(KindOfferedTask, 1)
	return t, nil
}

// ClaimPendingTask moves the agent's oldest directly assigned task
// pending→in_progress. Tasks reached by accepting an offer (accepted_at set)
// are already in the hands of the accepting session and are skipped.
func (e *Engine) ClaimPendingTask(ctx context.Context, q storage.Querier, agentID string) (*store.Task, Outcome, error) {
	ids, err := e.selectIDs(ctx, q, `
SELECT id FROM tasks
WHERE status = ? AND agent_id = ? AND accepted_at IS NULL
ORDER BY priority DESC, created_at ASC, id ASC
LIMIT 1;
`, store.TaskPending, agentID)
	if err != nil {
		return nil, Empty, fmt.Errorf("find pending task: %w", err)
	}
	if len(ids) == 0 {
		e.metrics.Claim(KindPendingTask, 0)
		return nil, Empty, nil
	}

	t, err := store.ScanTask(q.QueryRowContext(ctx, e.rebind(`
UPDATE tasks
SET status = ?, last_updated_at = ?
WHERE id = ? AND status = ?
RETURNING `+store.TaskColumns+`;
`), store.TaskInProgress, e.stamp(), ids[0], store.TaskPending))
	if errors.Is(err, sql.ErrNoRows) {
		e.metrics.Claim(KindPendingTask, 0)
		return nil, Lost, nil
	}
	if err != nil {
		return nil, Empty, fmt.Errorf("claim pending task %s: %w", ids[0], err)
	}
	e.metrics.Claim(KindPendingTask, 1)
	return t, Claimed, nil
}

// ClaimInboxMessages takes up to limit of the agent's oldest unread messages
// and moves exactly those unread→processing.
func (e *Engine) ClaimInboxMessages(ctx context.Context, q storage.Querier, agentID string, limit int) ([]*store.InboxMessage, Outcome, error) {
	if limit <= 0 {
		return nil, Empty, nil
	}
	ids, err := e.selectIDs(ctx, q, `
SELECT id FROM inbox_messages
WHERE agent_id = ? AND status = ?
ORDER BY created_at ASC, id ASC
LIMIT ?;
`, agentID, store.InboxUnread, limit)
	if err != nil {
		return nil, Empty, fmt.Errorf("find unread inbox messages: %w", err)
	}
	if len(ids) == 0 {
		e.metrics.Claim(KindInbox, 0)
		return nil, Empty, nil
	}

	args := []any{store.InboxProcessing, e.stamp()}
	args = append(args, idArgs(ids)...)
	args = append(args, store.InboxUnread)
	rows, err := q.QueryContext(ctx, e.rebind(`
UPDATE inbox_messages
SET status = ?, last_updated_at = ?
WHERE id IN (`+placeholders(len(ids))+`) AND status = ?
RETURNING `+store.InboxColumns+`;
`), args...)
	if err != nil {
		return nil, Empty, fmt.Errorf("claim inbox messages: %w", err)
	}
	msgs, err := store.ScanInboxMessages(rows)
	if err != nil {
		return nil, Empty, fmt.Errorf("claim inbox messages: %w", err)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	e.metrics.Claim(KindInbox, len(msgs))
	return msgs, outcomeOf(len(ids), len(msgs)), nil
}

// ClaimMentions claims every channel holding a mention of agentID newer
// than the agent's lastReadAt. The per-channel upsert only writes when
// processing_since is NULL, so a channel is held by one claim at a time.
func (e *Engine) ClaimMentions(ctx context.Context, q storage.Querier, agentID string) ([]MentionClaim, Outcome, error) {
	rows, err := q.QueryContext(ctx, e.rebind(`
SELECT m.channel_id, rs.last_read_at, COUNT(*)
FROM channel_mentions m
LEFT JOIN channel_read_state rs
  ON rs.agent_id = m.agent_id AND rs.channel_id = m.channel_id
WHERE m.agent_id = ?
  AND (rs.last_read_at IS NULL OR m.created_at > rs.last_read_at)
  AND rs.processing_since IS NULL
GROUP BY m.channel_id, rs.last_read_at
ORDER BY MIN(m.created_at) ASC, m.channel_id ASC;
`), agentID)
	if err != nil {
		return nil, Empty, fmt.Errorf("find unread mentions: %w", err)
	}
	var candidates []MentionClaim
	for rows.Next() {
		var (
			c        MentionClaim
			lastRead sql.NullString
		)
		if err := rows.Scan(&c.ChannelID, &lastRead, &c.MentionsCount); err != nil {
			_ = rows.Close()
			return nil, Empty, fmt.Errorf("scan unread mentions: %w", err)
		}
		c.LastReadAt = storage.ParseNullTime(lastRead)
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, Empty, fmt.Errorf("find unread mentions: %w", err)
	}
	_ = rows.Close()

	now := e.stamp()
	var claimed []MentionClaim
	for _, c := range candidates {
		var channelID string
		err := q.QueryRowContext(ctx, e.rebind(`
INSERT INTO channel_read_state(agent_id, channel_id, last_read_at, processing_since)
VALUES(?, ?, NULL, ?)
ON CONFLICT(agent_id, channel_id) DO UPDATE SET
  processing_since = excluded.processing_since
WHERE channel_read_state.processing_since IS NULL
RETURNING channel_id;
`), agentID, c.ChannelID, now).Scan(&channelID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, Empty, fmt.Errorf("claim mentions in %s: %w", c.ChannelID, err)
		}
		claimed = append(claimed, c)
	}
	e.metrics.Claim(KindMentions, len(claimed))
	return claimed, outcomeOf(len(candidates), len(claimed)), nil
}

// ClaimTasksFinished stamps notified_at on every finished, unnotified task
// owned by one of agentIDs and returns the tasks it stamped.
func (e *Engine) ClaimTasksFinished(ctx context.Context, q storage.Querier, agentIDs []string) ([]*store.Task, Outcome, error) {
	if len(agentIDs) == 0 {
		return nil, Empty, nil
	}
	args := []any{store.TaskCompleted, store.TaskFailed}
	args = append(args, idArgs(agentIDs)...)
	ids, err := e.selectIDs(ctx, q, `
SELECT id FROM tasks
WHERE status IN (?, ?) AND notified_at IS NULL
  AND agent_id IN (`+placeholders(len(agentIDs))+`)
ORDER BY finished_at ASC, id ASC;
`, args...)
	if err != nil {
		return nil, Empty, fmt.Errorf("find finished tasks: %w", err)
	}
	if len(ids) == 0 {
		e.metrics.Claim(KindTasksFinished, 0)
		return nil, Empty, nil
	}

	args = []any{e.stamp()}
	args = append(args, idArgs(ids)...)
	rows, err := q.QueryContext(ctx, e.rebind(`
UPDATE tasks
SET notified_at = ?
WHERE id IN (`+placeholders(len(ids))+`) AND notified_at IS NULL
RETURNING `+store.TaskColumns+`;
`), args...)
	if err != nil {
		return nil, Empty, fmt.Errorf("claim finished tasks: %w", err)
	}
	tasks, err := store.ScanTasks(rows)
	if err != nil {
		return nil, Empty, fmt.Errorf("claim finished tasks: %w", err)
	}
	sort.SliceStable(tasks, func(i, j int) bool { return finishedBefore(tasks[i], tasks[j]) })
	e.metrics.Claim(KindTasksFinished, len(tasks))
	return tasks, outcomeOf(len(ids), len(tasks)), nil
}

// ClaimPoolTask takes an unassigned task straight to in_progress for
// agentID. nil means another agent got there first.
func (e *Engine) ClaimPoolTask(ctx context.Context, q storage.Querier, taskID, agentID string) (*store.Task, error) {
	t, err := store.ScanTask(q.QueryRowContext(ctx, e.rebind(`
UPDATE tasks
SET status = ?, agent_id = ?, last_updated_at = ?
WHERE id = ? AND status = ?
RETURNING `+store.TaskColumns+`;
`), store.TaskInProgress, agentID, e.stamp(), taskID, store.TaskUnassigned))
	if errors.Is(err, sql.ErrNoRows) {
		e.metrics.Claim(KindPoolTask, 0)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim pool task %s: %w", taskID, err)
	}
	e.metrics.Claim(KindPoolTask, 1)
	return t, nil
}

func (e *Engine) selectIDs(ctx context.Context, q storage.Querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, e.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func idArgs(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func finishedBefore(a, b *store.Task) bool {
	switch {
	case a.FinishedAt == nil || b.FinishedAt == nil:
		return a.ID < b.ID
	case a.FinishedAt.Equal(*b.FinishedAt):
		return a.ID < b.ID
	default:
		return a.FinishedAt.Before(*b.FinishedAt)
	}
}
