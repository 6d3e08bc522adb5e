package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// RegisterRequest describes an agent announcing itself to the hub.
type RegisterRequest struct {
	ID           string
	Name         string
	Role         AgentRole
	Capabilities []string
	Capacity     int
}

// RegisterAgent is register-or-revive: a new id is inserted as idle, an
// existing offline agent flips back to idle, anything else is returned as is.
func (s *Store) RegisterAgent(ctx context.Context, req RegisterRequest) (*Agent, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return nil, fmt.Errorf("agent id is empty")
	}
	role := req.Role
	if role == "" {
		role = RoleWorker
	}
	if !role.Valid() {
		return nil, fmt.Errorf("invalid agent role %q", role)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = id
	}
	capacity := req.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	caps := req.Capabilities
	if caps == nil {
		caps = []string{}
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("encode capabilities: %w", err)
	}

	now := s.stamp()
	if _, err := s.exec(ctx, `
INSERT INTO agents(id, name, role, status, capacity, capabilities, created_at, last_updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;
`, id, name, role, AgentIdle, capacity, string(capsJSON), now, now); err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}

	if _, err := s.exec(ctx, `
UPDATE agents SET status = ?, last_updated_at = ?
WHERE id = ? AND status = ?;
`, AgentIdle, now, id, AgentOffline); err != nil {
		return nil, fmt.Errorf("revive agent: %w", err)
	}

	return s.GetAgent(ctx, id)
}

func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, err := ScanAgent(s.queryRow(ctx, `SELECT `+AgentColumns+` FROM agents WHERE id = ?;`, id))
	if isNoRows(err) {
		return nil, notFound("agent", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.query(ctx, `SELECT `+AgentColumns+` FROM agents ORDER BY created_at ASC, id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := ScanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AgentIDsExcludingRole lists every agent id whose role differs from role.
func (s *Store) AgentIDsExcludingRole(ctx context.Context, role AgentRole) ([]string, error) {
	rows, err := s.query(ctx, `SELECT id FROM agents WHERE role <> ? ORDER BY id;`, role)
	if err != nil {
		return nil, fmt.Errorf("list agent ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkAgentBusy is called once a trigger has been claimed for the agent.
func (s *Store) MarkAgentBusy(ctx context.Context, id string) error {
	return s.setAgentStatus(ctx, id, AgentBusy)
}

// MarkAgentIdle is called when an agent starts waiting for work.
func (s *Store) MarkAgentIdle(ctx context.Context, id string) error {
	return s.setAgentStatus(ctx, id, AgentIdle)
}

// MarkAgentOffline is the only way an agent leaves the roster; rows are
// never deleted.
func (s *Store) MarkAgentOffline(ctx context.Context, id string) error {
	return s.setAgentStatus(ctx, id, AgentOffline)
}

// Heartbeat bumps last_updated_at without changing status.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `UPDATE agents SET last_updated_at = ? WHERE id = ?;`, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("heartbeat agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("agent", id)
	}
	return nil
}

func (s *Store) setAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	res, err := s.exec(ctx, `
UPDATE agents SET status = ?, last_updated_at = ?
WHERE id = ?;
`, status, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("set agent %s %s: %w", id, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("agent", id)
	}
	return nil
}
