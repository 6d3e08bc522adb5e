package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/swarmhub/internal/events"
	"github.com/mattjoyce/swarmhub/internal/store"
	"github.com/mattjoyce/swarmhub/internal/trigger"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Store.CountPoolTasks(r.Context())
	if err != nil {
		s.logger.Error("health check failed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Backend:       s.deps.Store.DB().Dialect.String(),
		PoolTasks:     n,
	})
}

// handleRegister handles POST /agents: register-or-revive.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeOptional(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	role := store.AgentRole(req.Role)
	if role != "" && !role.Valid() {
		s.writeError(w, http.StatusBadRequest, "role must be lead or worker")
		return
	}

	agent, err := s.deps.Store.RegisterAgent(r.Context(), store.RegisterRequest{
		ID:           agentIDFrom(r),
		Name:         req.Name,
		Role:         role,
		Capabilities: req.Capabilities,
		Capacity:     req.Capacity,
	})
	if err != nil {
		s.internalError(w, "register agent", err)
		return
	}
	s.deps.Events.Publish(events.AgentRegistered, map[string]any{"agent_id": agent.ID, "role": agent.Role})
	respondJSON(w, http.StatusOK, agent)
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	id := agentIDFrom(r)
	err := s.deps.Store.MarkAgentOffline(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondJSON(w, http.StatusOK, map[string]bool{"updated": false})
		return
	}
	if err != nil {
		s.internalError(w, "mark agent offline", err)
		return
	}
	s.deps.Events.Publish(events.AgentOffline, map[string]any{"agent_id": id})
	respondJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Store.Heartbeat(r.Context(), agentIDFrom(r))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "agent not registered")
		return
	}
	if err != nil {
		s.internalError(w, "heartbeat", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePoll handles GET /poll. The request is held until a trigger is
// claimed for the agent or the poll window closes; ?wait= can shorten the
// window.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := agentIDFrom(r)

	err := s.deps.Store.MarkAgentIdle(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "agent not registered")
		return
	}
	if err != nil {
		s.internalError(w, "mark agent idle", err)
		return
	}

	maxWait := s.poll.maxWait
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.writeError(w, http.StatusBadRequest, "wait must be a duration")
			return
		}
		if d < maxWait {
			maxWait = d
		}
	}
	interval := s.poll.interval
	if interval > maxWait && maxWait > 0 {
		interval = maxWait
	}

	trig, err := s.deps.Resolver.Wait(ctx, id, interval, maxWait)
	if err != nil {
		s.internalError(w, "poll", err)
		return
	}
	respondJSON(w, http.StatusOK, trigger.PollResponse{Trigger: trig})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Store.ListAgents(r.Context())
	if err != nil {
		s.internalError(w, "list agents", err)
		return
	}
	if agents == nil {
		agents = []*store.Agent{}
	}
	respondJSON(w, http.StatusOK, AgentsResponse{Agents: agents})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.TaskFilter{
		Status:  store.TaskStatus(q.Get("status")),
		AgentID: q.Get("agent"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	tasks, err := s.deps.Store.ListTasks(r.Context(), f)
	if err != nil {
		s.internalError(w, "list tasks", err)
		return
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}
	respondJSON(w, http.StatusOK, TasksResponse{Tasks: tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.internalError(w, "get task", err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Error("request failed", "op", op, "error", err)
	s.writeError(w, http.StatusInternalServerError, op+" failed")
}
