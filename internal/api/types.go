package api

import (
	"time"

	"github.com/mattjoyce/swarmhub/internal/store"
)

// AgentIDHeader carries the calling agent's id on every agent endpoint.
const AgentIDHeader = "X-Agent-ID"

// RegisterRequest is the body of POST /agents.
type RegisterRequest struct {
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities"`
	Capacity     int      `json:"capacity"`
}

// CompletionRequest carries the optional fields of the completion
// endpoints; which one matters depends on the route.
type CompletionRequest struct {
	Progress string `json:"progress,omitempty"`
	Output   string `json:"output,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Response string `json:"response,omitempty"`
	TaskID   string `json:"taskId,omitempty"`
}

// TaskUpdateResponse is returned by task completion endpoints. Updated is
// false when the guard did not match or the task does not exist.
type TaskUpdateResponse struct {
	Updated bool        `json:"updated"`
	Task    *store.Task `json:"task,omitempty"`
}

type InboxUpdateResponse struct {
	Updated bool                `json:"updated"`
	Message *store.InboxMessage `json:"message,omitempty"`
}

type ChannelReadResponse struct {
	Updated   bool                    `json:"updated"`
	ReadState *store.ChannelReadState `json:"readState,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Backend       string `json:"backend"`
	PoolTasks     int    `json:"pool_tasks"`
}

type AgentsResponse struct {
	Agents []*store.Agent `json:"agents"`
}

type TasksResponse struct {
	Tasks []*store.Task `json:"tasks"`
}

// pollWindow bounds how long GET /poll may hold the request.
type pollWindow struct {
	interval time.Duration
	maxWait  time.Duration
}
