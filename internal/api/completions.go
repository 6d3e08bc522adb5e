package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/swarmhub/internal/events"
	"github.com/mattjoyce/swarmhub/internal/log"
	"github.com/mattjoyce/swarmhub/internal/store"
)

type taskTransition func(ctx context.Context, taskID, agentID string, req CompletionRequest) (*store.Task, bool, error)

// taskUpdate runs one guarded task transition. A guard miss or an unknown
// id is answered 200 with updated=false.
func (s *Server) taskUpdate(op string, fn taskTransition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CompletionRequest
		if err := decodeOptional(r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		taskID := chi.URLParam(r, "id")
		agentID := agentIDFrom(r)

		t, updated, err := fn(r.Context(), taskID, agentID, req)
		if errors.Is(err, store.ErrNotFound) {
			respondJSON(w, http.StatusOK, TaskUpdateResponse{Updated: false})
			return
		}
		if err != nil {
			s.internalError(w, op, err)
			return
		}
		if updated {
			log.WithTask(t.ID).Debug("Task transition", "op", op, "status", t.Status, "agent_id", agentID)
			s.deps.Events.Publish(events.TaskUpdated, map[string]any{
				"task_id":  t.ID,
				"status":   t.Status,
				"agent_id": agentID,
				"op":       op,
			})
		}
		respondJSON(w, http.StatusOK, TaskUpdateResponse{Updated: updated, Task: t})
	}
}

func (s *Server) handleAcceptTask(w http.ResponseWriter, r *http.Request) {
	s.taskUpdate("accept task", func(ctx context.Context, taskID, agentID string, _ CompletionRequest) (*store.Task, bool, error) {
		return s.deps.Store.AcceptTask(ctx, taskID, agentID)
	})(w, r)
}

func (s *Server) handleRejectTask(w http.ResponseWriter, r *http.Request) {
	s.taskUpdate("reject task", func(ctx context.Context, taskID, agentID string, _ CompletionRequest) (*store.Task, bool, error) {
		return s.deps.Store.RejectTask(ctx, taskID, agentID)
	})(w, r)
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	s.taskUpdate("start task", func(ctx context.Context, taskID, agentID string, _ CompletionRequest) (*store.Task, bool, error) {
		return s.deps.Store.StartTask(ctx, taskID, agentID)
	})(w, r)
}

func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	s.taskUpdate("record progress", func(ctx context.Context, taskID, agentID string, req CompletionRequest) (*store.Task, bool, error) {
		return s.deps.Store.RecordProgress(ctx, taskID, agentID, req.Progress)
	})(w, r)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	s.taskUpdate("complete task", func(ctx context.Context, taskID, agentID string, req CompletionRequest) (*store.Task, bool, error) {
		return s.deps.Store.CompleteTask(ctx, taskID, agentID, req.Output)
	})(w, r)
}

func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	s.taskUpdate("fail task", func(ctx context.Context, taskID, agentID string, req CompletionRequest) (*store.Task, bool, error) {
		return s.deps.Store.FailTask(ctx, taskID, agentID, req.Reason)
	})(w, r)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	s.taskUpdate("cancel task", func(ctx context.Context, taskID, _ string, req CompletionRequest) (*store.Task, bool, error) {
		return s.deps.Store.CancelTask(ctx, taskID, req.Reason)
	})(w, r)
}

// handleClaimPoolTask lets a worker take a task it saw in a pool
// announcement. Losing to another worker is updated=false.
func (s *Server) handleClaimPoolTask(w http.ResponseWriter, r *http.Request) {
	s.taskUpdate("claim pool task", func(ctx context.Context, taskID, agentID string, _ CompletionRequest) (*store.Task, bool, error) {
		var claimed *store.Task
		err := s.deps.Store.InTx(ctx, func(tx *store.Store) error {
			t, err := s.deps.Claims.ClaimPoolTask(ctx, tx.Querier(), taskID, agentID)
			if err != nil || t == nil {
				return err
			}
			claimed = t
			return tx.MarkAgentBusy(ctx, agentID)
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
		if claimed != nil {
			return claimed, true, nil
		}
		cur, err := s.deps.Store.GetTask(ctx, taskID)
		return cur, false, err
	})(w, r)
}

type inboxTransition func(ctx context.Context, id, agentID string, req CompletionRequest) (*store.InboxMessage, bool, error)

func (s *Server) inboxUpdate(op string, fn inboxTransition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CompletionRequest
		if err := decodeOptional(r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		m, updated, err := fn(r.Context(), chi.URLParam(r, "id"), agentIDFrom(r), req)
		if errors.Is(err, store.ErrNotFound) {
			respondJSON(w, http.StatusOK, InboxUpdateResponse{Updated: false})
			return
		}
		if err != nil {
			s.internalError(w, op, err)
			return
		}
		if updated {
			s.deps.Events.Publish(events.InboxUpdated, map[string]any{"message_id": m.ID, "status": m.Status})
		}
		respondJSON(w, http.StatusOK, InboxUpdateResponse{Updated: updated, Message: m})
	}
}

func (s *Server) handleInboxRead(w http.ResponseWriter, r *http.Request) {
	s.inboxUpdate("mark inbox read", func(ctx context.Context, id, agentID string, _ CompletionRequest) (*store.InboxMessage, bool, error) {
		return s.deps.Store.MarkInboxRead(ctx, id, agentID)
	})(w, r)
}

func (s *Server) handleInboxRespond(w http.ResponseWriter, r *http.Request) {
	s.inboxUpdate("respond to inbox message", func(ctx context.Context, id, agentID string, req CompletionRequest) (*store.InboxMessage, bool, error) {
		return s.deps.Store.MarkInboxResponded(ctx, id, agentID, req.Response)
	})(w, r)
}

func (s *Server) handleInboxDelegate(w http.ResponseWriter, r *http.Request) {
	s.inboxUpdate("delegate inbox message", func(ctx context.Context, id, agentID string, req CompletionRequest) (*store.InboxMessage, bool, error) {
		return s.deps.Store.MarkInboxDelegated(ctx, id, agentID, req.TaskID)
	})(w, r)
}

func (s *Server) handleChannelRead(w http.ResponseWriter, r *http.Request) {
	rs, err := s.deps.Store.MarkChannelRead(r.Context(), agentIDFrom(r), chi.URLParam(r, "channel"))
	if err != nil {
		s.internalError(w, "mark channel read", err)
		return
	}
	respondJSON(w, http.StatusOK, ChannelReadResponse{Updated: true, ReadState: rs})
}
