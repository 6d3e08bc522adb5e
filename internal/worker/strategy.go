package worker

import (
	"context"
	"errors"
	"time"

	"github.com/mattjoyce/swarmhub/internal/api"
	"github.com/mattjoyce/swarmhub/internal/client"
	"github.com/mattjoyce/swarmhub/internal/resolver"
	"github.com/mattjoyce/swarmhub/internal/store"
	"github.com/mattjoyce/swarmhub/internal/supervisor"
	"github.com/mattjoyce/swarmhub/internal/trigger"
)

//go:generate mockgen -destination=mocks/mocks.go -package=mocks github.com/mattjoyce/swarmhub/internal/worker Strategy,Spawner

// ErrNotRegistered means the hub no longer knows the agent; the loop
// registers again.
var ErrNotRegistered = errors.New("agent not registered")

// Strategy is how the loop obtains triggers. Next blocks for at most one
// poll window and returns nil when it closed empty.
type Strategy interface {
	Register(ctx context.Context) (*store.Agent, error)
	Next(ctx context.Context) (*trigger.Trigger, error)
	Offline(ctx context.Context) error
}

// Spawner runs one agent session.
type Spawner interface {
	Run(ctx context.Context, sp supervisor.Spawn) (supervisor.Result, error)
}

// HubStrategy polls a remote hub over HTTP.
type HubStrategy struct {
	client *client.Client
	reg    api.RegisterRequest
	wait   time.Duration
}

// NewHubStrategy uses wait as the requested poll window; zero defers to the
// hub's maximum.
func NewHubStrategy(c *client.Client, reg api.RegisterRequest, wait time.Duration) *HubStrategy {
	return &HubStrategy{client: c, reg: reg, wait: wait}
}

func (h *HubStrategy) Register(ctx context.Context) (*store.Agent, error) {
	return h.client.Register(ctx, h.reg)
}

func (h *HubStrategy) Next(ctx context.Context) (*trigger.Trigger, error) {
	trig, err := h.client.Poll(ctx, h.wait)
	if errors.Is(err, client.ErrNotRegistered) {
		return nil, ErrNotRegistered
	}
	return trig, err
}

func (h *HubStrategy) Offline(ctx context.Context) error {
	return h.client.Offline(ctx)
}

// InProcess resolves triggers directly against a store, for single-binary
// setups and tests.
type InProcess struct {
	store    *store.Store
	resolver *resolver.Resolver
	reg      store.RegisterRequest
	interval time.Duration
	maxWait  time.Duration
}

func NewInProcess(s *store.Store, r *resolver.Resolver, reg store.RegisterRequest, interval, maxWait time.Duration) *InProcess {
	return &InProcess{store: s, resolver: r, reg: reg, interval: interval, maxWait: maxWait}
}

func (p *InProcess) Register(ctx context.Context) (*store.Agent, error) {
	return p.store.RegisterAgent(ctx, p.reg)
}

func (p *InProcess) Next(ctx context.Context) (*trigger.Trigger, error) {
	if err := p.store.MarkAgentIdle(ctx, p.reg.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotRegistered
		}
		return nil, err
	}
	return p.resolver.Wait(ctx, p.reg.ID, p.interval, p.maxWait)
}

func (p *InProcess) Offline(ctx context.Context) error {
	return p.store.MarkAgentOffline(ctx, p.reg.ID)
}
