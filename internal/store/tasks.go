package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const defaultTaskPriority = 50

// NewTask is the producer-side request for a task. At most one of OfferTo
// and AssignTo may be set; neither leaves the task in the pool.
type NewTask struct {
	Task           string
	CreatorAgentID *string
	Priority       int
	OfferTo        *string
	AssignTo       *string
	DependsOn      []string
}

// CreateTask inserts a task in one of its pre-claim states: unassigned,
// offered or pending.
func (s *Store) CreateTask(ctx context.Context, req NewTask) (*Task, error) {
	if strings.TrimSpace(req.Task) == "" {
		return nil, fmt.Errorf("task description is empty")
	}
	if req.OfferTo != nil && req.AssignTo != nil {
		return nil, fmt.Errorf("task cannot be both offered and assigned")
	}
	priority := req.Priority
	if priority == 0 {
		priority = defaultTaskPriority
	}

	id := uuid.NewString()
	now := s.stamp()

	status := TaskUnassigned
	var offeredAt any
	switch {
	case req.OfferTo != nil:
		status = TaskOffered
		offeredAt = now
	case req.AssignTo != nil:
		status = TaskPending
	}

	err := s.InTx(ctx, func(tx *Store) error {
		if _, err := tx.exec(ctx, `
INSERT INTO tasks(id, agent_id, creator_agent_id, task, status, offered_to, priority, created_at, last_updated_at, offered_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, nullable(req.AssignTo), nullable(req.CreatorAgentID), req.Task, status, nullable(req.OfferTo), priority, now, now, offeredAt); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		for _, dep := range req.DependsOn {
			if _, err := tx.exec(ctx, `
INSERT INTO task_dependencies(task_id, depends_on_id) VALUES(?, ?)
ON CONFLICT(task_id, depends_on_id) DO NOTHING;
`, id, dep); err != nil {
				return fmt.Errorf("insert task dependency: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

// OfferTask proposes an unassigned task to one agent.
func (s *Store) OfferTask(ctx context.Context, taskID, agentID string) (*Task, bool, error) {
	now := s.stamp()
	return s.transitionTask(ctx, taskID, `
UPDATE tasks
SET status = ?, offered_to = ?, offered_at = ?, last_updated_at = ?
WHERE id = ? AND status = ?
RETURNING `+TaskColumns+`;
`, TaskOffered, agentID, now, now, taskID, TaskUnassigned)
}

// AcceptTask honours both offered and reviewing: the poll may or may not
// have claimed the offer before the agent answered it.
func (s *Store) AcceptTask(ctx context.Context, taskID, agentID string) (*Task, bool, error) {
	now := s.stamp()
	return s.transitionTask(ctx, taskID, `
UPDATE tasks
SET status = ?, agent_id = ?, offered_to = NULL, accepted_at = ?, last_updated_at = ?
WHERE id = ? AND offered_to = ? AND status IN (?, ?)
RETURNING `+TaskColumns+`;
`, TaskPending, agentID, now, now, taskID, agentID, TaskOffered, TaskReviewing)
}

// RejectTask returns an offered or reviewing task to the pool.
func (s *Store) RejectTask(ctx context.Context, taskID, agentID string) (*Task, bool, error) {
	return s.transitionTask(ctx, taskID, `
UPDATE tasks
SET status = ?, offered_to = NULL, last_updated_at = ?
WHERE id = ? AND offered_to = ? AND status IN (?, ?)
RETURNING `+TaskColumns+`;
`, TaskUnassigned, s.stamp(), taskID, agentID, TaskOffered, TaskReviewing)
}

// StartTask moves an owned pending task to in_progress. Starting a task that
// is already in progress is a no-op.
func (s *Store) StartTask(ctx context.Context, taskID, agentID string) (*Task, bool, error) {
	return s.transitionTask(ctx, taskID, `
UPDATE tasks
SET status = ?, last_updated_at = ?
WHERE id = ? AND agent_id = ? AND status = ?
RETURNING `+TaskColumns+`;
`, TaskInProgress, s.stamp(), taskID, agentID, TaskPending)
}

// RecordProgress stores a progress note; a pending task is started by it.
func (s *Store) RecordProgress(ctx context.Context, taskID, agentID, progress string) (*Task, bool, error) {
	return s.transitionTask(ctx, taskID, `
UPDATE tasks
SET progress = ?, status = ?, last_updated_at = ?
WHERE id = ? AND agent_id = ? AND status IN (?, ?)
RETURNING `+TaskColumns+`;
`, progress, TaskInProgress, s.stamp(), taskID, agentID, TaskPending, TaskInProgress)
}

func (s *Store) CompleteTask(ctx context.Context, taskID, agentID, output string) (*Task, bool, error) {
	now := s.stamp()
	return s.transitionTask(ctx, taskID, `
UPDATE tasks
SET status = ?, output = ?, finished_at = ?, last_updated_at = ?
WHERE id = ? AND agent_id = ? AND status IN (?, ?)
RETURNING `+TaskColumns+`;
`, TaskCompleted, output, now, now, taskID, agentID, TaskPending, TaskInProgress)
}

func (s *Store) FailTask(ctx context.Context, taskID, agentID, reason string) (*Task, bool, error) {
	now := s.stamp()
	return s.transitionTask(ctx, taskID, `
UPDATE tasks
SET status = ?, failure_reason = ?, finished_at = ?, last_updated_at = ?
WHERE id = ? AND agent_id = ? AND status IN (?, ?)
RETURNING `+TaskColumns+`;
`, TaskFailed, reason, now, now, taskID, agentID, TaskPending, TaskInProgress)
}

// CancelTask stops owned work. Pool and offer states have no owner and
// cannot be cancelled without breaking the ownership invariant.
func (s *Store) CancelTask(ctx context.Context, taskID, reason string) (*Task, bool, error) {
	now := s.stamp()
	return s.transitionTask(ctx, taskID, `
UPDATE tasks
SET status = ?, failure_reason = ?, finished_at = ?, last_updated_at = ?
WHERE id = ? AND status IN (?, ?)
RETURNING `+TaskColumns+`;
`, TaskCancelled, reason, now, now, taskID, TaskPending, TaskInProgress)
}

// transitionTask runs a guarded UPDATE ... RETURNING. When the guard does
// not match, the current row is returned with updated=false; a missing task
// is ErrNotFound.
func (s *Store) transitionTask(ctx context.Context, taskID, query string, args ...any) (*Task, bool, error) {
	t, err := ScanTask(s.queryRow(ctx, query, args...))
	if err == nil {
		return t, true, nil
	}
	if !isNoRows(err) {
		return nil, false, fmt.Errorf("update task %s: %w", taskID, err)
	}
	cur, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	return cur, false, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := ScanTask(s.queryRow(ctx, `SELECT `+TaskColumns+` FROM tasks WHERE id = ?;`, id))
	if isNoRows(err) {
		return nil, notFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	deps, err := s.TaskDependencies(ctx, id)
	if err != nil {
		return nil, err
	}
	t.DependsOn = deps
	return t, nil
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Status  TaskStatus
	AgentID string
	Limit   int
}

func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.AgentID != "" {
		where = append(where, "(agent_id = ? OR offered_to = ?)")
		args = append(args, f.AgentID, f.AgentID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT ` + TaskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at ASC, id ASC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return ScanTasks(rows)
}

// TaskDependencies returns the ids a task depends on. The graph is stored,
// not resolved.
func (s *Store) TaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.query(ctx, `SELECT depends_on_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_id;`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task dependencies: %w", err)
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("scan task dependency: %w", err)
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// CountPoolTasks counts unassigned tasks. Nothing is claimed.
func (s *Store) CountPoolTasks(ctx context.Context) (int, error) {
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE status = ?;`, TaskUnassigned).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pool tasks: %w", err)
	}
	return n, nil
}

func nullable(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}
