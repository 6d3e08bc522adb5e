package worker

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/swarmhub/internal/store"
	"github.com/mattjoyce/swarmhub/internal/trigger"
)

// Directive is the instruction handed to the agent session for a trigger.
// Leads triage inbox traffic; workers answer it.
func Directive(role store.AgentRole, t *trigger.Trigger) string {
	switch t.Type {
	case trigger.TaskOffered:
		return fmt.Sprintf("Review offered task %s%s and accept or reject it.", t.TaskID, describe(t.Task))
	case trigger.TaskAssigned:
		return fmt.Sprintf("Work on task %s%s. Report progress, then complete or fail it.", t.TaskID, describe(t.Task))
	case trigger.InboxMessages:
		if role == store.RoleLead {
			return fmt.Sprintf("Triage %d inbox messages: %s.", t.Count, strings.Join(t.MessageIDs(), ", "))
		}
		return fmt.Sprintf("Respond to %d inbox messages: %s.", t.Count, strings.Join(t.MessageIDs(), ", "))
	case trigger.UnreadMentions:
		return fmt.Sprintf("Check %d unread mentions in %s.", t.MentionsCount, strings.Join(t.ChannelIDs(), ", "))
	case trigger.TasksFinished:
		return fmt.Sprintf("Review %d finished tasks: %s.", t.Count, strings.Join(t.TaskIDs(), ", "))
	case trigger.PoolTasksAvailable:
		return fmt.Sprintf("%d tasks are available in the pool; claim one that fits.", t.Count)
	default:
		return fmt.Sprintf("Handle trigger %s.", t.Type)
	}
}

func describe(t *store.Task) string {
	if t == nil || strings.TrimSpace(t.Task) == "" {
		return ""
	}
	return fmt.Sprintf(" (%q)", t.Task)
}
