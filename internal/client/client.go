// Package client talks to a swarmhub over HTTP on behalf of one agent.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mattjoyce/swarmhub/internal/api"
	"github.com/mattjoyce/swarmhub/internal/store"
	"github.com/mattjoyce/swarmhub/internal/trigger"
)

// ErrNotRegistered is returned when the hub does not know the agent, for
// example after the hub's store was reset. Callers re-register.
var ErrNotRegistered = errors.New("agent not registered")

// StatusError is a non-2xx hub response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("hub returned %d", e.Code)
	}
	return fmt.Sprintf("hub returned %d: %s", e.Code, e.Message)
}

type Client struct {
	baseURL string
	token   string
	agentID string
	http    *http.Client
	// pollSlack is added to the requested wait so the hub, not the
	// transport, ends an idle poll.
	pollSlack time.Duration
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(baseURL, token, agentID string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		agentID:   agentID,
		http:      &http.Client{},
		pollSlack: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) AgentID() string { return c.agentID }

// Register announces the agent. Repeating it is harmless and revives an
// offline agent.
func (c *Client) Register(ctx context.Context, req api.RegisterRequest) (*store.Agent, error) {
	var agent store.Agent
	if err := c.do(ctx, http.MethodPost, "/agents", req, &agent); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return &agent, nil
}

// Poll holds a long-poll open for up to wait (zero means the hub's
// maximum) and returns the claimed trigger, or nil when the window closed
// empty.
func (c *Client) Poll(ctx context.Context, wait time.Duration) (*trigger.Trigger, error) {
	path := "/poll"
	timeout := c.pollSlack
	if wait > 0 {
		path += "?wait=" + url.QueryEscape(wait.String())
		timeout += wait
	} else {
		timeout += 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var resp trigger.PollResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	return resp.Trigger, nil
}

func (c *Client) Heartbeat(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/agents/heartbeat", nil, nil); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

func (c *Client) Offline(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/agents/offline", nil, nil); err != nil {
		return fmt.Errorf("mark offline: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set(api.AgentIDHeader, c.agentID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && path != "/agents" {
		return ErrNotRegistered
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e api.ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
