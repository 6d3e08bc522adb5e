package trigger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/swarmhub/internal/store"
)

func TestPollResponseEncodesNullTrigger(t *testing.T) {
	b, err := json.Marshal(PollResponse{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"trigger":null}`, string(b))
}

func TestTriggerWireShapes(t *testing.T) {
	task := &store.Task{ID: "t1", Task: "write docs", Status: store.TaskReviewing}

	b, err := json.Marshal(Offered(task))
	require.NoError(t, err)
	var offered map[string]any
	require.NoError(t, json.Unmarshal(b, &offered))
	assert.Equal(t, "task_offered", offered["type"])
	assert.Equal(t, "t1", offered["taskId"])
	assert.NotContains(t, offered, "count")

	b, err = json.Marshal(Pool(4))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pool_tasks_available","count":4}`, string(b))

	m := Mentions([]Channel{{ChannelID: "a", MentionsCount: 2}, {ChannelID: "b", MentionsCount: 1}})
	assert.Equal(t, 3, m.MentionsCount)
	assert.Equal(t, []string{"a", "b"}, m.ChannelIDs())
}

func TestRoundTripKeepsPayload(t *testing.T) {
	in := Inbox([]*store.InboxMessage{{ID: "m1", AgentID: "lead"}, {ID: "m2", AgentID: "lead"}})
	b, err := json.Marshal(PollResponse{Trigger: in})
	require.NoError(t, err)

	var out PollResponse
	require.NoError(t, json.Unmarshal(b, &out))
	require.NotNil(t, out.Trigger)
	assert.Equal(t, InboxMessages, out.Trigger.Type)
	assert.Equal(t, 2, out.Trigger.Count)
	assert.Equal(t, []string{"m1", "m2"}, out.Trigger.MessageIDs())
}

func TestTypeClaimed(t *testing.T) {
	for _, typ := range Priority {
		assert.True(t, typ.Valid())
		assert.Equal(t, typ != PoolTasksAvailable, typ.Claimed(), typ)
	}
	assert.False(t, Type("bogus").Valid())
}
