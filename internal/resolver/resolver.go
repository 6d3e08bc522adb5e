// Package resolver turns store state into at most one claimed trigger for
// a polling agent.
package resolver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/swarmhub/internal/claim"
	"github.com/mattjoyce/swarmhub/internal/events"
	"github.com/mattjoyce/swarmhub/internal/metrics"
	"github.com/mattjoyce/swarmhub/internal/reaper"
	"github.com/mattjoyce/swarmhub/internal/store"
	"github.com/mattjoyce/swarmhub/internal/trigger"
)

// Sweeper is the part of the reaper the resolver needs for lazy reaping.
type Sweeper interface {
	Sweep(ctx context.Context) (reaper.Released, error)
}

type Resolver struct {
	store      *store.Store
	claims     *claim.Engine
	sweeper    Sweeper
	inboxLimit int
	events     *events.Hub
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

type Option func(*Resolver)

// WithLazySweep runs a reaper sweep before every resolution.
func WithLazySweep(s Sweeper) Option {
	return func(r *Resolver) { r.sweeper = s }
}

func WithEvents(hub *events.Hub) Option {
	return func(r *Resolver) { r.events = hub }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

func WithInboxLimit(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.inboxLimit = n
		}
	}
}

func New(s *store.Store, claims *claim.Engine, logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		store:      s,
		claims:     claims,
		inboxLimit: 10,
		logger:     logger.With("component", "resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// step resolves one trigger kind inside the transaction it is given.
type step struct {
	typ     trigger.Type
	applies func(store.AgentRole) bool
	run     func(ctx context.Context, tx *store.Store, agentID string) (*trigger.Trigger, claim.Outcome, error)
}

func anyRole(store.AgentRole) bool { return true }

func (r *Resolver) steps() []step {
	return []step{
		{trigger.TaskOffered, anyRole, r.offered},
		{trigger.TaskAssigned, anyRole, r.assigned},
		{trigger.InboxMessages, anyRole, r.inbox},
		{trigger.UnreadMentions, anyRole, r.mentions},
		{trigger.TasksFinished, func(role store.AgentRole) bool { return role == store.RoleLead }, r.finished},
	}
}

// Resolve returns the agent's highest-priority available trigger, already
// claimed, or nil. Each claimed kind runs in its own transaction together
// with marking the agent busy. When a kind had a candidate but the claim
// lost a race, Resolve returns nil rather than trying lower kinds.
func (r *Resolver) Resolve(ctx context.Context, agentID string) (*trigger.Trigger, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	if r.sweeper != nil {
		if _, err := r.sweeper.Sweep(ctx); err != nil {
			r.logger.Error("Lazy sweep failed", "error", err)
		}
	}

	for _, s := range r.steps() {
		if !s.applies(agent.Role) {
			continue
		}
		var (
			trig    *trigger.Trigger
			outcome claim.Outcome
		)
		err := r.store.InTx(ctx, func(tx *store.Store) error {
			var err error
			trig, outcome, err = s.run(ctx, tx, agent.ID)
			if err != nil || outcome != claim.Claimed {
				return err
			}
			return tx.MarkAgentBusy(ctx, agent.ID)
		})
		if err != nil {
			return nil, fmt.Errorf("resolve %s for %s: %w", s.typ, agent.ID, err)
		}

		switch outcome {
		case claim.Claimed:
			r.logger.Info("Trigger claimed", "agent_id", agent.ID, "trigger", trig.Type)
			r.events.Publish(events.TriggerClaimed, map[string]any{
				"agent_id": agent.ID,
				"type":     trig.Type,
				"task_id":  trig.TaskID,
				"count":    trig.Count,
			})
			return trig, nil
		case claim.Lost:
			r.logger.Debug("Lost claim race", "agent_id", agent.ID, "trigger", s.typ)
			return nil, nil
		}
	}

	if agent.Role != store.RoleWorker {
		return nil, nil
	}
	n, err := r.store.CountPoolTasks(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return trigger.Pool(n), nil
}

func (r *Resolver) offered(ctx context.Context, tx *store.Store, agentID string) (*trigger.Trigger, claim.Outcome, error) {
	id, err := r.claims.NextOfferedTask(ctx, tx.Querier(), agentID)
	if err != nil || id == "" {
		return nil, claim.Empty, err
	}
	t, err := r.claims.ClaimOfferedTask(ctx, tx.Querier(), id, agentID)
	if err != nil {
		return nil, claim.Empty, err
	}
	if t == nil {
		return nil, claim.Lost, nil
	}
	return trigger.Offered(t), claim.Claimed, nil
}

func (r *Resolver) assigned(ctx context.Context, tx *store.Store, agentID string) (*trigger.Trigger, claim.Outcome, error) {
	t, outcome, err := r.claims.ClaimPendingTask(ctx, tx.Querier(), agentID)
	if err != nil || outcome != claim.Claimed {
		return nil, outcome, err
	}
	return trigger.Assigned(t), outcome, nil
}

func (r *Resolver) inbox(ctx context.Context, tx *store.Store, agentID string) (*trigger.Trigger, claim.Outcome, error) {
	msgs, outcome, err := r.claims.ClaimInboxMessages(ctx, tx.Querier(), agentID, r.inboxLimit)
	if err != nil || outcome != claim.Claimed {
		return nil, outcome, err
	}
	return trigger.Inbox(msgs), outcome, nil
}

func (r *Resolver) mentions(ctx context.Context, tx *store.Store, agentID string) (*trigger.Trigger, claim.Outcome, error) {
	claims, outcome, err := r.claims.ClaimMentions(ctx, tx.Querier(), agentID)
	if err != nil || outcome != claim.Claimed {
		return nil, outcome, err
	}
	channels := make([]trigger.Channel, 0, len(claims))
	for _, c := range claims {
		channels = append(channels, trigger.Channel{
			ChannelID:     c.ChannelID,
			LastReadAt:    c.LastReadAt,
			MentionsCount: c.MentionsCount,
		})
	}
	return trigger.Mentions(channels), outcome, nil
}

func (r *Resolver) finished(ctx context.Context, tx *store.Store, _ string) (*trigger.Trigger, claim.Outcome, error) {
	owners, err := tx.AgentIDsExcludingRole(ctx, store.RoleLead)
	if err != nil {
		return nil, claim.Empty, err
	}
	tasks, outcome, err := r.claims.ClaimTasksFinished(ctx, tx.Querier(), owners)
	if err != nil || outcome != claim.Claimed {
		return nil, outcome, err
	}
	return trigger.Finished(tasks), outcome, nil
}
