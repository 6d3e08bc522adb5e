package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/swarmhub/internal/config"
	"github.com/mattjoyce/swarmhub/internal/dedupe"
	"github.com/mattjoyce/swarmhub/internal/events"
	"github.com/mattjoyce/swarmhub/internal/store"
)

const defaultMaxBodyBytes = 1 << 20

type Handler struct {
	store  *store.Store
	seen   *dedupe.Cache
	hub    *events.Hub
	cfg    config.IngestConfig
	logger *slog.Logger
}

// New builds the ingest routes. hub may be nil.
func New(s *store.Store, seen *dedupe.Cache, hub *events.Hub, cfg config.IngestConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if seen == nil {
		seen = dedupe.New(cfg.DedupeTTL, cfg.DedupeMaxEntries)
	}
	return &Handler{store: s, seen: seen, hub: hub, cfg: cfg, logger: logger.With("component", "ingest")}
}

// Routes returns a router meant to be mounted under /ingest.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/tasks", h.handleTask)
	r.Post("/tasks/{id}/offer", h.handleOffer)
	r.Post("/inbox", h.handleInbox)
	r.Post("/channels/{channel}/messages", h.handleChannelMessage)
	return r
}

func (h *Handler) handleTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	key, ok := h.accept(w, r, &req, func() string { return req.DedupeKey })
	if !ok {
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		h.reject(w, key, http.StatusBadRequest, "task is required")
		return
	}
	if req.OfferTo != nil && req.AssignTo != nil {
		h.reject(w, key, http.StatusBadRequest, "offerTo and assignTo are exclusive")
		return
	}

	t, err := h.store.CreateTask(r.Context(), store.NewTask{
		Task:           req.Task,
		CreatorAgentID: req.CreatorAgentID,
		Priority:       req.Priority,
		OfferTo:        req.OfferTo,
		AssignTo:       req.AssignTo,
		DependsOn:      req.DependsOn,
	})
	if err != nil {
		h.fail(w, key, "create task", err)
		return
	}
	h.hub.Publish(events.TaskCreated, map[string]any{"task_id": t.ID, "status": t.Status})
	h.logger.Info("task ingested", "task_id", t.ID, "status", t.Status)
	respondJSON(w, http.StatusCreated, Response{Task: t})
}

// handleOffer proposes an existing pool task to one agent. An offer that
// misses its guard is reported with Updated false, never an error.
func (h *Handler) handleOffer(w http.ResponseWriter, r *http.Request) {
	var req OfferRequest
	key, ok := h.accept(w, r, &req, func() string { return req.DedupeKey })
	if !ok {
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		h.reject(w, key, http.StatusBadRequest, "agentId is required")
		return
	}

	t, updated, err := h.store.OfferTask(r.Context(), chi.URLParam(r, "id"), req.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		h.reject(w, key, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		h.fail(w, key, "offer task", err)
		return
	}
	if updated {
		h.hub.Publish(events.TaskUpdated, map[string]any{"task_id": t.ID, "status": t.Status, "offered_to": req.AgentID})
	}
	respondJSON(w, http.StatusOK, Response{Updated: updated, Task: t})
}

func (h *Handler) handleInbox(w http.ResponseWriter, r *http.Request) {
	var req InboxRequest
	key, ok := h.accept(w, r, &req, func() string { return req.DedupeKey })
	if !ok {
		return
	}
	if strings.TrimSpace(req.AgentID) == "" || strings.TrimSpace(req.Content) == "" {
		h.reject(w, key, http.StatusBadRequest, "agentId and content are required")
		return
	}

	m, err := h.store.CreateInboxMessage(r.Context(), store.NewInboxMessage{
		AgentID:   req.AgentID,
		Content:   req.Content,
		Source:    req.Source,
		ChannelID: req.ChannelID,
		ThreadID:  req.ThreadID,
		UserID:    req.UserID,
	})
	if err != nil {
		h.fail(w, key, "create inbox message", err)
		return
	}
	h.hub.Publish(events.InboxCreated, map[string]any{"message_id": m.ID, "agent_id": m.AgentID})
	h.logger.Info("inbox message ingested", "message_id", m.ID, "agent_id", m.AgentID)
	respondJSON(w, http.StatusCreated, Response{Message: m})
}

func (h *Handler) handleChannelMessage(w http.ResponseWriter, r *http.Request) {
	var req ChannelMessageRequest
	key, ok := h.accept(w, r, &req, func() string { return req.DedupeKey })
	if !ok {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		h.reject(w, key, http.StatusBadRequest, "content is required")
		return
	}

	channel := chi.URLParam(r, "channel")
	msg, err := h.store.PostChannelMessage(r.Context(), store.NewChannelMessage{
		ChannelID:     channel,
		AuthorAgentID: req.AuthorAgentID,
		Content:       req.Content,
		Mentions:      req.Mentions,
	})
	if err != nil {
		h.fail(w, key, "post channel message", err)
		return
	}
	h.hub.Publish(events.ChannelMessage, map[string]any{"message_id": msg.ID, "channel_id": channel, "mentions": len(req.Mentions)})
	respondJSON(w, http.StatusCreated, Response{Post: msg})
}

// accept reads and verifies the body, decodes it into v and marks the
// delivery as seen. It writes the response itself and returns false when the
// request should go no further, including for duplicates.
func (h *Handler) accept(w http.ResponseWriter, r *http.Request, v any, dedupeKey func() string) (string, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxBodyBytes+1))
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read request body"})
		return "", false
	}
	if int64(len(body)) > h.cfg.MaxBodyBytes {
		respondJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload too large"})
		return "", false
	}

	if h.cfg.Secret != "" {
		if err := verifySignature(body, r.Header.Get(SignatureHeader), h.cfg.Secret); err != nil {
			h.logger.Warn("ingest signature rejected", "path", r.URL.Path, "error", err)
			respondJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
			return "", false
		}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid JSON body: %v", err)})
		return "", false
	}

	key := dedupeKey()
	if key == "" {
		key = dedupe.Fingerprint([]byte(r.URL.Path), body)
	} else {
		key = "key:" + key
	}
	if h.seen.CheckAndMark(key) {
		h.logger.Info("duplicate delivery ignored", "path", r.URL.Path)
		respondJSON(w, http.StatusOK, Response{Duplicate: true})
		return "", false
	}
	return key, true
}

// reject answers a bad request and forgets the key so a corrected retry
// with the same dedupe_key is not swallowed.
func (h *Handler) reject(w http.ResponseWriter, key string, status int, msg string) {
	h.seen.Forget(key)
	respondJSON(w, status, errorResponse{Error: msg})
}

func (h *Handler) fail(w http.ResponseWriter, key, op string, err error) {
	h.seen.Forget(key)
	h.logger.Error("ingest failed", "op", op, "error", err)
	respondJSON(w, http.StatusInternalServerError, errorResponse{Error: op + " failed"})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
