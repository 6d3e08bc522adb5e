package resolver

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/swarmhub/internal/claim"
	"github.com/mattjoyce/swarmhub/internal/events"
	"github.com/mattjoyce/swarmhub/internal/reaper"
	"github.com/mattjoyce/swarmhub/internal/storage"
	"github.com/mattjoyce/swarmhub/internal/store"
	"github.com/mattjoyce/swarmhub/internal/trigger"
)

type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type env struct {
	store    *store.Store
	resolver *Resolver
	hub      *events.Hub
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "swarm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	c := &tickingClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	s := store.New(db, store.WithClock(c.Now))
	hub := events.NewHub(64)
	opts = append([]Option{WithEvents(hub)}, opts...)
	return &env{
		store:    s,
		resolver: New(s, claim.New(db.Dialect, claim.WithClock(c.Now)), nil, opts...),
		hub:      hub,
	}
}

func (e *env) register(t *testing.T, id string, role store.AgentRole) {
	t.Helper()
	_, err := e.store.RegisterAgent(context.Background(), store.RegisterRequest{ID: id, Role: role})
	require.NoError(t, err)
}

func strp(s string) *string { return &s }

func TestOfferedBeatsMentions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "w1", store.RoleWorker)

	_, err := e.store.PostChannelMessage(ctx, store.NewChannelMessage{ChannelID: "general", Content: "@w1", Mentions: []string{"w1"}})
	require.NoError(t, err)
	task, err := e.store.CreateTask(ctx, store.NewTask{Task: "review me", OfferTo: strp("w1")})
	require.NoError(t, err)

	first, err := e.resolver.Resolve(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, trigger.TaskOffered, first.Type)
	assert.Equal(t, task.ID, first.TaskID)

	second, err := e.resolver.Resolve(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, trigger.UnreadMentions, second.Type)
	assert.Equal(t, 1, second.MentionsCount)
}

func TestNoDuplicateDelivery(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "w1", store.RoleWorker)

	for _, desc := range []string{"offer a", "offer b"} {
		_, err := e.store.CreateTask(ctx, store.NewTask{Task: desc, OfferTo: strp("w1")})
		require.NoError(t, err)
	}
	_, err := e.store.CreateTask(ctx, store.NewTask{Task: "direct", AssignTo: strp("w1")})
	require.NoError(t, err)
	_, err = e.store.CreateInboxMessage(ctx, store.NewInboxMessage{AgentID: "w1", Content: "hello"})
	require.NoError(t, err)
	_, err = e.store.PostChannelMessage(ctx, store.NewChannelMessage{ChannelID: "ops", Content: "@w1", Mentions: []string{"w1"}})
	require.NoError(t, err)

	want := []trigger.Type{
		trigger.TaskOffered,
		trigger.TaskOffered,
		trigger.TaskAssigned,
		trigger.InboxMessages,
		trigger.UnreadMentions,
	}
	seenTasks := map[string]bool{}
	for i, typ := range want {
		got, err := e.resolver.Resolve(ctx, "w1")
		require.NoError(t, err)
		require.NotNilf(t, got, "poll %d", i)
		assert.Equal(t, typ, got.Type)
		if got.TaskID != "" {
			assert.Falsef(t, seenTasks[got.TaskID], "task %s delivered twice", got.TaskID)
			seenTasks[got.TaskID] = true
		}
	}

	last, err := e.resolver.Resolve(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestOfferAcceptScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "a", store.RoleWorker)

	t1, err := e.store.CreateTask(ctx, store.NewTask{Task: "T1", OfferTo: strp("a")})
	require.NoError(t, err)

	got, err := e.resolver.Resolve(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, trigger.TaskOffered, got.Type)
	assert.Equal(t, t1.ID, got.TaskID)

	cur, err := e.store.GetTask(ctx, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskReviewing, cur.Status)

	got, err = e.resolver.Resolve(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got)

	accepted, ok, err := e.store.AcceptTask(ctx, t1.ID, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.TaskPending, accepted.Status)

	got, err = e.resolver.Resolve(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPoolTriggerIsSharedByWorkers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "w1", store.RoleWorker)
	e.register(t, "w2", store.RoleWorker)
	e.register(t, "lead", store.RoleLead)

	for i := 0; i < 3; i++ {
		_, err := e.store.CreateTask(ctx, store.NewTask{Task: "pool"})
		require.NoError(t, err)
	}

	var (
		wg      sync.WaitGroup
		results = make([]*trigger.Trigger, 2)
	)
	for i, id := range []string{"w1", "w2"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			got, err := e.resolver.Resolve(ctx, id)
			assert.NoError(t, err)
			results[i] = got
		}(i, id)
	}
	wg.Wait()

	for _, got := range results {
		require.NotNil(t, got)
		assert.Equal(t, trigger.PoolTasksAvailable, got.Type)
		assert.Equal(t, 3, got.Count)
	}

	leadGot, err := e.resolver.Resolve(ctx, "lead")
	require.NoError(t, err)
	assert.Nil(t, leadGot)

	a, err := e.store.GetAgent(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentIdle, a.Status, "pool announcements do not claim")
}

func TestLeadReceivesFinishedTasksOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "lead", store.RoleLead)
	e.register(t, "w1", store.RoleWorker)

	task, err := e.store.CreateTask(ctx, store.NewTask{Task: "build", AssignTo: strp("w1"), CreatorAgentID: strp("lead")})
	require.NoError(t, err)
	_, ok, err := e.store.CompleteTask(ctx, task.ID, "w1", "done")
	require.NoError(t, err)
	require.True(t, ok)

	workerGot, err := e.resolver.Resolve(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, workerGot, "workers never see tasks_finished")

	got, err := e.resolver.Resolve(ctx, "lead")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, trigger.TasksFinished, got.Type)
	assert.Equal(t, 1, got.Count)
	assert.Equal(t, []string{task.ID}, got.TaskIDs())

	again, err := e.resolver.Resolve(ctx, "lead")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestLeadTasksFinishedIgnoresLeadOwnedTasks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "lead", store.RoleLead)

	task, err := e.store.CreateTask(ctx, store.NewTask{Task: "own", AssignTo: strp("lead")})
	require.NoError(t, err)
	_, _, err = e.store.CompleteTask(ctx, task.ID, "lead", "done")
	require.NoError(t, err)

	got, err := e.resolver.Resolve(ctx, "lead")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClaimMarksAgentBusyAndPublishes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, "w1", store.RoleWorker)

	_, err := e.store.CreateInboxMessage(ctx, store.NewInboxMessage{AgentID: "w1", Content: "ping"})
	require.NoError(t, err)

	got, err := e.resolver.Resolve(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, trigger.InboxMessages, got.Type)
	assert.Equal(t, store.InboxProcessing, got.Messages[0].Status)

	a, err := e.store.GetAgent(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentBusy, a.Status)

	snap := e.hub.SnapshotSince(0)
	require.Len(t, snap, 1)
	assert.Equal(t, events.TriggerClaimed, snap[0].Type)
}

func TestInboxLimitBatches(t *testing.T) {
	e := newEnv(t, WithInboxLimit(2))
	ctx := context.Background()
	e.register(t, "lead", store.RoleLead)
	for i := 0; i < 3; i++ {
		_, err := e.store.CreateInboxMessage(ctx, store.NewInboxMessage{AgentID: "lead", Content: "m"})
		require.NoError(t, err)
	}

	first, err := e.resolver.Resolve(ctx, "lead")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 2, first.Count)

	second, err := e.resolver.Resolve(ctx, "lead")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 1, second.Count)
}

func TestUnknownAgent(t *testing.T) {
	e := newEnv(t)
	_, err := e.resolver.Resolve(context.Background(), "ghost")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

type countingSweeper struct {
	calls int
	err   error
}

func (c *countingSweeper) Sweep(context.Context) (reaper.Released, error) {
	c.calls++
	return reaper.Released{}, c.err
}

func TestLazySweepRunsBeforeResolution(t *testing.T) {
	sw := &countingSweeper{err: errors.New("db hiccup")}
	e := newEnv(t, WithLazySweep(sw))
	e.register(t, "w1", store.RoleWorker)

	got, err := e.resolver.Resolve(context.Background(), "w1")
	require.NoError(t, err, "sweep failures do not fail resolution")
	assert.Nil(t, got)
	assert.Equal(t, 1, sw.calls)
}
