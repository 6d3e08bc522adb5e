package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TriggerClaimed, map[string]string{"agent_id": "w1"})

	select {
	case ev := <-ch:
		assert.Equal(t, TriggerClaimed, ev.Type)
		assert.Equal(t, int64(1), ev.ID)
		var data map[string]string
		require.NoError(t, json.Unmarshal(ev.Data, &data))
		assert.Equal(t, "w1", data["agent_id"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSnapshotSinceWrapsRing(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(ClaimsReaped, nil)
	}

	all := h.SnapshotSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{all[0].ID, all[1].ID, all[2].ID})

	tail := h.SnapshotSince(4)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(5), tail[0].ID)
	assert.JSONEq(t, `{}`, string(tail[0].Data))
}

func TestCancelIsIdempotent(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe()
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	h.Publish(AgentOffline, nil)
}

func TestNilHubPublishIsNoop(t *testing.T) {
	var h *Hub
	h.Publish(TaskCreated, nil)
}
