package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("not found")

type AgentRole string

const (
	RoleLead   AgentRole = "lead"
	RoleWorker AgentRole = "worker"
)

func (r AgentRole) Valid() bool {
	return r == RoleLead || r == RoleWorker
}

type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Role          AgentRole   `json:"role"`
	Status        AgentStatus `json:"status"`
	Capacity      int         `json:"capacity"`
	Capabilities  []string    `json:"capabilities"`
	CreatedAt     time.Time   `json:"createdAt"`
	LastUpdatedAt time.Time   `json:"lastUpdatedAt"`
}

type TaskStatus string

const (
	TaskUnassigned TaskStatus = "unassigned"
	TaskOffered    TaskStatus = "offered"
	TaskReviewing  TaskStatus = "reviewing"
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// HasOwner reports whether a task in this status must carry an owner agent.
func (s TaskStatus) HasOwner() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// IsOffer reports whether a task in this status must carry offeredTo.
func (s TaskStatus) IsOffer() bool {
	return s == TaskOffered || s == TaskReviewing
}

type Task struct {
	ID             string     `json:"id"`
	AgentID        *string    `json:"agentId,omitempty"`
	CreatorAgentID *string    `json:"creatorAgentId,omitempty"`
	Task           string     `json:"task"`
	Status         TaskStatus `json:"status"`
	OfferedTo      *string    `json:"offeredTo,omitempty"`
	Priority       int        `json:"priority"`
	DependsOn      []string   `json:"dependsOn,omitempty"`
	Progress       *string    `json:"progress,omitempty"`
	Output         *string    `json:"output,omitempty"`
	FailureReason  *string    `json:"failureReason,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastUpdatedAt  time.Time  `json:"lastUpdatedAt"`
	OfferedAt      *time.Time `json:"offeredAt,omitempty"`
	AcceptedAt     *time.Time `json:"acceptedAt,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	NotifiedAt     *time.Time `json:"notifiedAt,omitempty"`
}

type InboxStatus string

const (
	InboxUnread     InboxStatus = "unread"
	InboxProcessing InboxStatus = "processing"
	InboxRead       InboxStatus = "read"
	InboxResponded  InboxStatus = "responded"
	InboxDelegated  InboxStatus = "delegated"
)

func (s InboxStatus) Terminal() bool {
	return s == InboxRead || s == InboxResponded || s == InboxDelegated
}

type InboxMessage struct {
	ID              string      `json:"id"`
	AgentID         string      `json:"agentId"`
	Content         string      `json:"content"`
	Source          string      `json:"source"`
	Status          InboxStatus `json:"status"`
	ChannelID       *string     `json:"channelId,omitempty"`
	ThreadID        *string     `json:"threadId,omitempty"`
	UserID          *string     `json:"userId,omitempty"`
	Response        *string     `json:"response,omitempty"`
	DelegatedTaskID *string     `json:"delegatedTaskId,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	LastUpdatedAt   time.Time   `json:"lastUpdatedAt"`
}

type ChannelMessage struct {
	ID            string    `json:"id"`
	ChannelID     string    `json:"channelId"`
	AuthorAgentID *string   `json:"authorAgentId,omitempty"`
	Content       string    `json:"content"`
	Mentions      []string  `json:"mentions,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type ChannelReadState struct {
	AgentID         string     `json:"agentId"`
	ChannelID       string     `json:"channelId"`
	LastReadAt      *time.Time `json:"lastReadAt,omitempty"`
	ProcessingSince *time.Time `json:"processingSince,omitempty"`
}
