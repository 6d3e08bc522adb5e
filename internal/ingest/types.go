package ingest

import "github.com/mattjoyce/swarmhub/internal/store"

type TaskRequest struct {
	Task           string   `json:"task"`
	CreatorAgentID *string  `json:"creatorAgentId,omitempty"`
	Priority       int      `json:"priority,omitempty"`
	OfferTo        *string  `json:"offerTo,omitempty"`
	AssignTo       *string  `json:"assignTo,omitempty"`
	DependsOn      []string `json:"dependsOn,omitempty"`
	DedupeKey      string   `json:"dedupe_key,omitempty"`
}

type OfferRequest struct {
	AgentID   string `json:"agentId"`
	DedupeKey string `json:"dedupe_key,omitempty"`
}

type InboxRequest struct {
	AgentID   string  `json:"agentId"`
	Content   string  `json:"content"`
	Source    string  `json:"source,omitempty"`
	ChannelID *string `json:"channelId,omitempty"`
	ThreadID  *string `json:"threadId,omitempty"`
	UserID    *string `json:"userId,omitempty"`
	DedupeKey string  `json:"dedupe_key,omitempty"`
}

type ChannelMessageRequest struct {
	AuthorAgentID *string  `json:"authorAgentId,omitempty"`
	Content       string   `json:"content"`
	Mentions      []string `json:"mentions,omitempty"`
	DedupeKey     string   `json:"dedupe_key,omitempty"`
}

// Response is returned for every accepted delivery. At most one of the
// record fields is set, none when Duplicate is true.
type Response struct {
	Duplicate bool                  `json:"duplicate"`
	Updated   bool                  `json:"updated,omitempty"`
	Task      *store.Task           `json:"task,omitempty"`
	Message   *store.InboxMessage   `json:"message,omitempty"`
	Post      *store.ChannelMessage `json:"post,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
