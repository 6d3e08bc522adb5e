// Package trigger defines the ephemeral unit of work handed to a polling
// agent. Triggers are derived from store state and never persisted.
package trigger

import (
	"time"

	"github.com/mattjoyce/swarmhub/internal/store"
)

type Type string

const (
	TaskOffered        Type = "task_offered"
	TaskAssigned       Type = "task_assigned"
	InboxMessages      Type = "slack_inbox_message"
	UnreadMentions     Type = "unread_mentions"
	TasksFinished      Type = "tasks_finished"
	PoolTasksAvailable Type = "pool_tasks_available"
)

// Priority lists trigger types highest first.
var Priority = []Type{
	TaskOffered,
	TaskAssigned,
	InboxMessages,
	UnreadMentions,
	TasksFinished,
	PoolTasksAvailable,
}

// Claimed reports whether delivering a trigger of this type implies the
// underlying records are already held by the receiving agent. Pool
// announcements are shared by every worker.
func (t Type) Claimed() bool {
	return t != PoolTasksAvailable && t != ""
}

func (t Type) Valid() bool {
	for _, p := range Priority {
		if p == t {
			return true
		}
	}
	return false
}

// Channel is one channel whose unread mentions were claimed.
type Channel struct {
	ChannelID     string     `json:"channelId"`
	LastReadAt    *time.Time `json:"lastReadAt,omitempty"`
	MentionsCount int        `json:"mentionsCount"`
}

// Trigger is the tagged union sent on the wire. Which fields are set
// depends on Type.
type Trigger struct {
	Type Type `json:"type"`

	// task_offered, task_assigned
	TaskID string      `json:"taskId,omitempty"`
	Task   *store.Task `json:"task,omitempty"`

	// slack_inbox_message, tasks_finished, pool_tasks_available
	Count int `json:"count,omitempty"`

	Messages []*store.InboxMessage `json:"messages,omitempty"`

	// unread_mentions
	MentionsCount int       `json:"mentionsCount,omitempty"`
	Channels      []Channel `json:"channels,omitempty"`

	Tasks []*store.Task `json:"tasks,omitempty"`
}

// PollResponse is the body of GET /poll. A nil Trigger encodes as null.
type PollResponse struct {
	Trigger *Trigger `json:"trigger"`
}

func Offered(t *store.Task) *Trigger {
	return &Trigger{Type: TaskOffered, TaskID: t.ID, Task: t}
}

func Assigned(t *store.Task) *Trigger {
	return &Trigger{Type: TaskAssigned, TaskID: t.ID, Task: t}
}

func Inbox(msgs []*store.InboxMessage) *Trigger {
	return &Trigger{Type: InboxMessages, Count: len(msgs), Messages: msgs}
}

func Mentions(channels []Channel) *Trigger {
	total := 0
	for _, c := range channels {
		total += c.MentionsCount
	}
	return &Trigger{Type: UnreadMentions, MentionsCount: total, Channels: channels}
}

func Finished(tasks []*store.Task) *Trigger {
	return &Trigger{Type: TasksFinished, Count: len(tasks), Tasks: tasks}
}

func Pool(count int) *Trigger {
	return &Trigger{Type: PoolTasksAvailable, Count: count}
}

// MessageIDs returns the ids of the inbox messages carried by the trigger.
func (t *Trigger) MessageIDs() []string {
	ids := make([]string, 0, len(t.Messages))
	for _, m := range t.Messages {
		ids = append(ids, m.ID)
	}
	return ids
}

// TaskIDs returns the ids of the finished tasks carried by the trigger.
func (t *Trigger) TaskIDs() []string {
	ids := make([]string, 0, len(t.Tasks))
	for _, task := range t.Tasks {
		ids = append(ids, task.ID)
	}
	return ids
}

// ChannelIDs returns the channels whose mentions were claimed.
func (t *Trigger) ChannelIDs() []string {
	ids := make([]string, 0, len(t.Channels))
	for _, c := range t.Channels {
		ids = append(ids, c.ChannelID)
	}
	return ids
}
