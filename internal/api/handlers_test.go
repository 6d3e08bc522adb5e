package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mattjoyce/swarmhub/internal/auth"
	"github.com/mattjoyce/swarmhub/internal/claim"
	"github.com/mattjoyce/swarmhub/internal/events"
	"github.com/mattjoyce/swarmhub/internal/metrics"
	"github.com/mattjoyce/swarmhub/internal/resolver"
	"github.com/mattjoyce/swarmhub/internal/storage"
	"github.com/mattjoyce/swarmhub/internal/store"
	"github.com/mattjoyce/swarmhub/internal/trigger"
)

type testHub struct {
	srv     *Server
	handler http.Handler
	store   *store.Store
	events  *events.Hub
}

func newTestHub(t *testing.T, config Config) *testHub {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := store.New(db)
	claims := claim.New(db.Dialect, claim.WithMetrics(m))
	hub := events.NewHub(32)
	res := resolver.New(s, claims, slog.Default(), resolver.WithEvents(hub), resolver.WithMetrics(m))

	if config.PollInterval == 0 {
		config.PollInterval = 10 * time.Millisecond
		config.PollMaxWait = 200 * time.Millisecond
	}
	srv := New(config, Deps{Store: s, Resolver: res, Claims: claims, Events: hub, Gatherer: reg}, slog.Default())
	return &testHub{srv: srv, handler: srv.Handler(), store: s, events: hub}
}

func (h *testHub) do(t *testing.T, method, path, agentID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if agentID != "" {
		req.Header.Set(AgentIDHeader, agentID)
	}
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func strp(s string) *string { return &s }

func TestHealthzNoAuth(t *testing.T) {
	h := newTestHub(t, Config{APIKey: "secret"})

	rr := h.do(t, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	resp := decode[HealthzResponse](t, rr)
	if resp.Status != "ok" || resp.Backend != "sqlite" {
		t.Errorf("unexpected healthz: %+v", resp)
	}
}

func TestRegisterRevivesAndRequiresHeader(t *testing.T) {
	h := newTestHub(t, Config{})

	rr := h.do(t, http.MethodPost, "/agents", "", RegisterRequest{Name: "nobody"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing header: status = %d, want 400", rr.Code)
	}

	rr = h.do(t, http.MethodPost, "/agents", "lead-1", RegisterRequest{Name: "Lead", Role: "lead"})
	if rr.Code != http.StatusOK {
		t.Fatalf("register: status = %d body=%s", rr.Code, rr.Body)
	}
	agent := decode[store.Agent](t, rr)
	if agent.Role != store.RoleLead || agent.Status != store.AgentIdle {
		t.Errorf("registered agent = %+v", agent)
	}

	if rr := h.do(t, http.MethodPost, "/agents/offline", "lead-1", nil); rr.Code != http.StatusOK {
		t.Fatalf("offline: status = %d", rr.Code)
	}
	rr = h.do(t, http.MethodPost, "/agents", "lead-1", RegisterRequest{Role: "lead"})
	agent = decode[store.Agent](t, rr)
	if agent.Status != store.AgentIdle {
		t.Errorf("revived status = %s, want idle", agent.Status)
	}
}

func TestRegisterRejectsUnknownRole(t *testing.T) {
	h := newTestHub(t, Config{})
	rr := h.do(t, http.MethodPost, "/agents", "a1", RegisterRequest{Role: "boss"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestPollUnregisteredAgent(t *testing.T) {
	h := newTestHub(t, Config{})
	rr := h.do(t, http.MethodGet, "/poll", "ghost", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestPollTimesOutWithNullTrigger(t *testing.T) {
	h := newTestHub(t, Config{})
	h.do(t, http.MethodPost, "/agents", "w1", RegisterRequest{})

	start := time.Now()
	rr := h.do(t, http.MethodGet, "/poll?wait=50ms", "w1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body)
	}
	if !strings.Contains(rr.Body.String(), `"trigger":null`) {
		t.Errorf("body = %s, want null trigger", rr.Body)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("poll held for %v, want about 50ms", elapsed)
	}
}

func TestPollRejectsBadWait(t *testing.T) {
	h := newTestHub(t, Config{})
	h.do(t, http.MethodPost, "/agents", "w1", RegisterRequest{})
	if rr := h.do(t, http.MethodGet, "/poll?wait=soon", "w1", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestOfferAcceptFlowOverHTTP(t *testing.T) {
	h := newTestHub(t, Config{})
	ctx := context.Background()
	h.do(t, http.MethodPost, "/agents", "w1", RegisterRequest{})

	task, err := h.store.CreateTask(ctx, store.NewTask{Task: "write docs", OfferTo: strp("w1")})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	resp := decode[trigger.PollResponse](t, h.do(t, http.MethodGet, "/poll", "w1", nil))
	if resp.Trigger == nil || resp.Trigger.Type != trigger.TaskOffered || resp.Trigger.TaskID != task.ID {
		t.Fatalf("first poll = %+v, want task_offered %s", resp.Trigger, task.ID)
	}

	upd := decode[TaskUpdateResponse](t, h.do(t, http.MethodPost, "/tasks/"+task.ID+"/accept", "w1", nil))
	if !upd.Updated || upd.Task.Status != store.TaskPending {
		t.Fatalf("accept = %+v", upd)
	}

	// Accepting again misses the guard.
	upd = decode[TaskUpdateResponse](t, h.do(t, http.MethodPost, "/tasks/"+task.ID+"/accept", "w1", nil))
	if upd.Updated {
		t.Errorf("second accept updated, want guard miss")
	}

	resp = decode[trigger.PollResponse](t, h.do(t, http.MethodGet, "/poll?wait=20ms", "w1", nil))
	if resp.Trigger != nil {
		t.Errorf("poll after accept = %+v, want none", resp.Trigger)
	}

	if upd := decode[TaskUpdateResponse](t, h.do(t, http.MethodPost, "/tasks/"+task.ID+"/start", "w1", nil)); !upd.Updated {
		t.Fatalf("start not applied")
	}
	upd = decode[TaskUpdateResponse](t, h.do(t, http.MethodPost, "/tasks/"+task.ID+"/complete", "w1", CompletionRequest{Output: "done"}))
	if !upd.Updated || upd.Task.Status != store.TaskCompleted {
		t.Fatalf("complete = %+v", upd)
	}
}

func TestCompletionOnUnknownTask(t *testing.T) {
	h := newTestHub(t, Config{})
	h.do(t, http.MethodPost, "/agents", "w1", RegisterRequest{})

	rr := h.do(t, http.MethodPost, "/tasks/missing/complete", "w1", CompletionRequest{Output: "x"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if upd := decode[TaskUpdateResponse](t, rr); upd.Updated {
		t.Errorf("updated = true for unknown task")
	}
}

func TestPoolClaimFirstWins(t *testing.T) {
	h := newTestHub(t, Config{})
	ctx := context.Background()
	h.do(t, http.MethodPost, "/agents", "w1", RegisterRequest{})
	h.do(t, http.MethodPost, "/agents", "w2", RegisterRequest{})

	task, err := h.store.CreateTask(ctx, store.NewTask{Task: "anyone"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	first := decode[TaskUpdateResponse](t, h.do(t, http.MethodPost, "/tasks/"+task.ID+"/claim", "w1", nil))
	second := decode[TaskUpdateResponse](t, h.do(t, http.MethodPost, "/tasks/"+task.ID+"/claim", "w2", nil))
	if !first.Updated || second.Updated {
		t.Fatalf("first=%v second=%v, want only first", first.Updated, second.Updated)
	}

	agent, err := h.store.GetAgent(ctx, "w1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Status != store.AgentBusy {
		t.Errorf("claimer status = %s, want busy", agent.Status)
	}
}

func TestInboxRespondOnce(t *testing.T) {
	h := newTestHub(t, Config{})
	ctx := context.Background()
	h.do(t, http.MethodPost, "/agents", "w1", RegisterRequest{})

	msg, err := h.store.CreateInboxMessage(ctx, store.NewInboxMessage{AgentID: "w1", Content: "ping"})
	if err != nil {
		t.Fatalf("create inbox: %v", err)
	}

	resp := decode[trigger.PollResponse](t, h.do(t, http.MethodGet, "/poll", "w1", nil))
	if resp.Trigger == nil || resp.Trigger.Type != trigger.InboxMessages {
		t.Fatalf("poll = %+v, want inbox trigger", resp.Trigger)
	}

	upd := decode[InboxUpdateResponse](t, h.do(t, http.MethodPost, "/inbox/"+msg.ID+"/respond", "w1", CompletionRequest{Response: "pong"}))
	if !upd.Updated || upd.Message.Status != store.InboxResponded {
		t.Fatalf("respond = %+v", upd)
	}
	upd = decode[InboxUpdateResponse](t, h.do(t, http.MethodPost, "/inbox/"+msg.ID+"/respond", "w1", CompletionRequest{Response: "again"}))
	if upd.Updated {
		t.Errorf("second respond updated")
	}
}

func TestChannelReadReleasesMentions(t *testing.T) {
	h := newTestHub(t, Config{})
	ctx := context.Background()
	h.do(t, http.MethodPost, "/agents", "w1", RegisterRequest{})

	if _, err := h.store.PostChannelMessage(ctx, store.NewChannelMessage{ChannelID: "ops", Content: "@w1 look", Mentions: []string{"w1"}}); err != nil {
		t.Fatalf("post: %v", err)
	}
	resp := decode[trigger.PollResponse](t, h.do(t, http.MethodGet, "/poll", "w1", nil))
	if resp.Trigger == nil || resp.Trigger.Type != trigger.UnreadMentions {
		t.Fatalf("poll = %+v, want mentions", resp.Trigger)
	}

	upd := decode[ChannelReadResponse](t, h.do(t, http.MethodPost, "/channels/ops/read", "w1", nil))
	if !upd.Updated || upd.ReadState == nil || upd.ReadState.LastReadAt == nil {
		t.Fatalf("read = %+v", upd)
	}

	resp = decode[trigger.PollResponse](t, h.do(t, http.MethodGet, "/poll?wait=20ms", "w1", nil))
	if resp.Trigger != nil {
		t.Errorf("poll after read = %+v, want none", resp.Trigger)
	}
}

func TestListTasksBadLimit(t *testing.T) {
	h := newTestHub(t, Config{})
	if rr := h.do(t, http.MethodGet, "/tasks?limit=-1", "", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	rr := h.do(t, http.MethodGet, "/tasks", "", nil)
	if !strings.Contains(rr.Body.String(), `"tasks":[]`) {
		t.Errorf("empty list body = %s", rr.Body)
	}
}

func TestScopedTokens(t *testing.T) {
	h := newTestHub(t, Config{Tokens: []auth.TokenConfig{
		{Token: "reader", Scopes: []string{auth.ScopeRead}},
		{Token: "agent", Scopes: []string{auth.ScopeAgent}},
	}})

	send := func(method, path, token string) int {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set(AgentIDHeader, "w1")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rr := httptest.NewRecorder()
		h.handler.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := send(http.MethodGet, "/agents", ""); code != http.StatusUnauthorized {
		t.Errorf("no token: %d, want 401", code)
	}
	if code := send(http.MethodGet, "/agents", "reader"); code != http.StatusOK {
		t.Errorf("reader list: %d, want 200", code)
	}
	if code := send(http.MethodPost, "/agents", "reader"); code != http.StatusForbidden {
		t.Errorf("reader register: %d, want 403", code)
	}
	if code := send(http.MethodPost, "/agents", "agent"); code != http.StatusOK {
		t.Errorf("agent register: %d, want 200", code)
	}
	if code := send(http.MethodGet, "/agents", "agent"); code != http.StatusOK {
		t.Errorf("agent implies read: %d, want 200", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHub(t, Config{})
	h.do(t, http.MethodPost, "/agents", "w1", RegisterRequest{})
	h.do(t, http.MethodGet, "/poll?wait=10ms", "w1", nil)

	rr := h.do(t, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "swarmhub_polls_total") {
		t.Errorf("metrics missing polls counter")
	}
}
