package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mattjoyce/swarmhub/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "swarm.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func strp(s string) *string { return &s }

func TestRegisterAgentRevivesOffline(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.RegisterAgent(ctx, RegisterRequest{ID: "w1", Capabilities: []string{"go"}})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if a.Role != RoleWorker || a.Status != AgentIdle || a.Name != "w1" || a.Capacity != 1 {
		t.Fatalf("unexpected agent: %#v", a)
	}

	if err := s.MarkAgentBusy(ctx, "w1"); err != nil {
		t.Fatalf("MarkAgentBusy: %v", err)
	}
	a, err = s.RegisterAgent(ctx, RegisterRequest{ID: "w1"})
	if err != nil {
		t.Fatalf("RegisterAgent again: %v", err)
	}
	if a.Status != AgentBusy {
		t.Fatalf("re-register changed a busy agent: %s", a.Status)
	}

	if err := s.MarkAgentOffline(ctx, "w1"); err != nil {
		t.Fatalf("MarkAgentOffline: %v", err)
	}
	a, err = s.RegisterAgent(ctx, RegisterRequest{ID: "w1"})
	if err != nil {
		t.Fatalf("RegisterAgent revive: %v", err)
	}
	if a.Status != AgentIdle {
		t.Fatalf("expected revived agent to be idle, got %s", a.Status)
	}
	if len(a.Capabilities) != 1 || a.Capabilities[0] != "go" {
		t.Fatalf("capabilities lost: %v", a.Capabilities)
	}
}

func TestRegisterAgentRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if _, err := s.RegisterAgent(context.Background(), RegisterRequest{ID: " "}); err == nil {
		t.Fatal("expected error for empty id")
	}
	if _, err := s.RegisterAgent(context.Background(), RegisterRequest{ID: "x", Role: "boss"}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestAgentStatusOnUnknownAgent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if err := s.MarkAgentIdle(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAgentIDsExcludingRole(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for _, req := range []RegisterRequest{{ID: "lead", Role: RoleLead}, {ID: "w2"}, {ID: "w1"}} {
		if _, err := s.RegisterAgent(ctx, req); err != nil {
			t.Fatalf("RegisterAgent %s: %v", req.ID, err)
		}
	}
	ids, err := s.AgentIDsExcludingRole(ctx, RoleLead)
	if err != nil {
		t.Fatalf("AgentIDsExcludingRole: %v", err)
	}
	if len(ids) != 2 || ids[0] != "w1" || ids[1] != "w2" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestCreateTaskInitialStates(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	pool, err := s.CreateTask(ctx, NewTask{Task: "pool"})
	if err != nil {
		t.Fatalf("CreateTask pool: %v", err)
	}
	if pool.Status != TaskUnassigned || pool.Priority != defaultTaskPriority {
		t.Fatalf("unexpected pool task: %#v", pool)
	}

	offer, err := s.CreateTask(ctx, NewTask{Task: "offer", OfferTo: strp("w1"), DependsOn: []string{pool.ID}})
	if err != nil {
		t.Fatalf("CreateTask offer: %v", err)
	}
	if offer.Status != TaskOffered || offer.OfferedTo == nil || offer.OfferedAt == nil {
		t.Fatalf("unexpected offered task: %#v", offer)
	}
	if len(offer.DependsOn) != 1 || offer.DependsOn[0] != pool.ID {
		t.Fatalf("dependencies not stored: %v", offer.DependsOn)
	}

	assigned, err := s.CreateTask(ctx, NewTask{Task: "assigned", AssignTo: strp("w1"), Priority: 90})
	if err != nil {
		t.Fatalf("CreateTask assigned: %v", err)
	}
	if assigned.Status != TaskPending || assigned.AgentID == nil || *assigned.AgentID != "w1" || assigned.Priority != 90 {
		t.Fatalf("unexpected assigned task: %#v", assigned)
	}

	if _, err := s.CreateTask(ctx, NewTask{Task: "both", OfferTo: strp("a"), AssignTo: strp("b")}); err == nil {
		t.Fatal("expected error when both offered and assigned")
	}
	if _, err := s.CreateTask(ctx, NewTask{Task: "  "}); err == nil {
		t.Fatal("expected error for empty task")
	}
}

func TestOfferAcceptRejectTransitions(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, NewTask{Task: "t"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	offered, ok, err := s.OfferTask(ctx, task.ID, "w1")
	if err != nil || !ok || offered.Status != TaskOffered {
		t.Fatalf("OfferTask: ok=%v err=%v task=%#v", ok, err, offered)
	}

	// Only the recipient may answer.
	cur, ok, err := s.AcceptTask(ctx, task.ID, "w2")
	if err != nil || ok || cur.Status != TaskOffered {
		t.Fatalf("AcceptTask by stranger: ok=%v err=%v task=%#v", ok, err, cur)
	}

	rejected, ok, err := s.RejectTask(ctx, task.ID, "w1")
	if err != nil || !ok || rejected.Status != TaskUnassigned || rejected.OfferedTo != nil {
		t.Fatalf("RejectTask: ok=%v err=%v task=%#v", ok, err, rejected)
	}

	if _, _, err := s.OfferTask(ctx, task.ID, "w2"); err != nil {
		t.Fatalf("re-offer: %v", err)
	}
	accepted, ok, err := s.AcceptTask(ctx, task.ID, "w2")
	if err != nil || !ok {
		t.Fatalf("AcceptTask: ok=%v err=%v", ok, err)
	}
	if accepted.Status != TaskPending || accepted.AgentID == nil || *accepted.AgentID != "w2" || accepted.AcceptedAt == nil || accepted.OfferedTo != nil {
		t.Fatalf("unexpected accepted task: %#v", accepted)
	}

	if _, _, err := s.AcceptTask(ctx, "missing", "w2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTaskLifecycleToCompletion(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, NewTask{Task: "t", AssignTo: strp("w1")})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	p, ok, err := s.RecordProgress(ctx, task.ID, "w1", "half way")
	if err != nil || !ok || p.Status != TaskInProgress || p.Progress == nil || *p.Progress != "half way" {
		t.Fatalf("RecordProgress: ok=%v err=%v task=%#v", ok, err, p)
	}

	if _, ok, _ := s.CompleteTask(ctx, task.ID, "w2", "nope"); ok {
		t.Fatal("non-owner completed the task")
	}

	done, ok, err := s.CompleteTask(ctx, task.ID, "w1", "result")
	if err != nil || !ok || done.Status != TaskCompleted || done.FinishedAt == nil {
		t.Fatalf("CompleteTask: ok=%v err=%v task=%#v", ok, err, done)
	}

	again, ok, err := s.FailTask(ctx, task.ID, "w1", "late")
	if err != nil || ok || again.Status != TaskCompleted {
		t.Fatalf("FailTask after completion: ok=%v err=%v task=%#v", ok, err, again)
	}
}

func TestCancelTaskOnlyOwnedWork(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	pool, err := s.CreateTask(ctx, NewTask{Task: "pool"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if cur, ok, err := s.CancelTask(ctx, pool.ID, "stop"); err != nil || ok || cur.Status != TaskUnassigned {
		t.Fatalf("cancel pool task: ok=%v err=%v", ok, err)
	}

	owned, err := s.CreateTask(ctx, NewTask{Task: "owned", AssignTo: strp("w1")})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	cancelled, ok, err := s.CancelTask(ctx, owned.ID, "stop")
	if err != nil || !ok || cancelled.Status != TaskCancelled || cancelled.FailureReason == nil {
		t.Fatalf("CancelTask: ok=%v err=%v task=%#v", ok, err, cancelled)
	}
}

func TestListTasksAndCountPool(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.CreateTask(ctx, NewTask{Task: "pool"}); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	if _, err := s.CreateTask(ctx, NewTask{Task: "mine", AssignTo: strp("w1")}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	n, err := s.CountPoolTasks(ctx)
	if err != nil || n != 3 {
		t.Fatalf("CountPoolTasks = %d, %v", n, err)
	}

	mine, err := s.ListTasks(ctx, TaskFilter{AgentID: "w1"})
	if err != nil || len(mine) != 1 {
		t.Fatalf("ListTasks by agent = %d, %v", len(mine), err)
	}
	pool, err := s.ListTasks(ctx, TaskFilter{Status: TaskUnassigned, Limit: 2})
	if err != nil || len(pool) != 2 {
		t.Fatalf("ListTasks by status = %d, %v", len(pool), err)
	}
}

func TestInboxCompletionAcceptsUnreadOrProcessing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	m, err := s.CreateInboxMessage(ctx, NewInboxMessage{AgentID: "w1", Content: "hi", ChannelID: strp("C1")})
	if err != nil {
		t.Fatalf("CreateInboxMessage: %v", err)
	}
	if m.Status != InboxUnread || m.Source != "api" {
		t.Fatalf("unexpected message: %#v", m)
	}

	replied, ok, err := s.MarkInboxResponded(ctx, m.ID, "w1", "hello")
	if err != nil || !ok || replied.Status != InboxResponded || replied.Response == nil {
		t.Fatalf("MarkInboxResponded: ok=%v err=%v msg=%#v", ok, err, replied)
	}

	cur, ok, err := s.MarkInboxRead(ctx, m.ID, "w1")
	if err != nil || ok || cur.Status != InboxResponded {
		t.Fatalf("MarkInboxRead on terminal: ok=%v err=%v", ok, err)
	}

	if _, _, err := s.MarkInboxDelegated(ctx, "missing", "w1", "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostChannelMessageDropsSelfAndDuplicateMentions(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	msg, err := s.PostChannelMessage(ctx, NewChannelMessage{
		ChannelID:     "general",
		AuthorAgentID: strp("lead"),
		Content:       "@w1 @w1 @lead",
		Mentions:      []string{"w1", "w1", "lead", " "},
	})
	if err != nil {
		t.Fatalf("PostChannelMessage: %v", err)
	}
	if len(msg.Mentions) != 1 || msg.Mentions[0] != "w1" {
		t.Fatalf("unexpected mentions: %v", msg.Mentions)
	}

	var n int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM channel_mentions;`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("mention rows = %d, %v", n, err)
	}
}

func TestMarkChannelReadReleasesClaim(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.DB().Exec(`
INSERT INTO channel_read_state(agent_id, channel_id, last_read_at, processing_since)
VALUES('w1', 'general', NULL, '2026-01-01T00:00:00.000000000Z');`); err != nil {
		t.Fatalf("seed read state: %v", err)
	}

	rs, err := s.MarkChannelRead(ctx, "w1", "general")
	if err != nil {
		t.Fatalf("MarkChannelRead: %v", err)
	}
	if rs.ProcessingSince != nil || rs.LastReadAt == nil {
		t.Fatalf("unexpected read state: %#v", rs)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx *Store) error {
		if _, err := tx.RegisterAgent(ctx, RegisterRequest{ID: "w1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.GetAgent(ctx, "w1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected rollback, got %v", err)
	}
}
