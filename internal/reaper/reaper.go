// Package reaper returns claims abandoned by crashed or killed agent
// processes to their pre-claim state.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/swarmhub/internal/config"
	"github.com/mattjoyce/swarmhub/internal/events"
	"github.com/mattjoyce/swarmhub/internal/metrics"
	"github.com/mattjoyce/swarmhub/internal/storage"
	"github.com/mattjoyce/swarmhub/internal/store"
)

// Released counts what one sweep put back.
type Released struct {
	Tasks    int64 `json:"tasks"`
	Inbox    int64 `json:"inbox"`
	Mentions int64 `json:"mentions"`
}

func (r Released) Total() int64 {
	return r.Tasks + r.Inbox + r.Mentions
}

type Reaper struct {
	db         *storage.DB
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
	events     *events.Hub
	metrics    *metrics.Metrics
	logger     *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type Option func(*Reaper)

func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

func WithEvents(hub *events.Hub) Option {
	return func(r *Reaper) { r.events = hub }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reaper) { r.metrics = m }
}

func New(db *storage.DB, cfg config.ReaperConfig, logger *slog.Logger, opts ...Option) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reaper{
		db:         db,
		interval:   cfg.Interval,
		staleAfter: cfg.StaleAfter,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With("component", "reaper"),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweep releases every claim older than staleAfter. It is idempotent and
// safe to run concurrently with claims: each UPDATE re-checks the claimed
// status and age in its own WHERE clause.
func (r *Reaper) Sweep(ctx context.Context) (Released, error) {
	var out Released
	now := r.now()
	nowText := storage.FormatTime(now)
	cutoff := storage.FormatTime(now.Add(-r.staleAfter))

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
UPDATE tasks
SET status = ?, last_updated_at = ?
WHERE status = ? AND last_updated_at < ?;
`), store.TaskOffered, nowText, store.TaskReviewing, cutoff)
	if err != nil {
		return out, fmt.Errorf("release reviewing tasks: %w", err)
	}
	out.Tasks, _ = res.RowsAffected()

	res, err = r.db.ExecContext(ctx, r.db.Rebind(`
UPDATE inbox_messages
SET status = ?, last_updated_at = ?
WHERE status = ? AND last_updated_at < ?;
`), store.InboxUnread, nowText, store.InboxProcessing, cutoff)
	if err != nil {
		return out, fmt.Errorf("release processing inbox messages: %w", err)
	}
	out.Inbox, _ = res.RowsAffected()

	res, err = r.db.ExecContext(ctx, r.db.Rebind(`
UPDATE channel_read_state
SET processing_since = NULL
WHERE processing_since IS NOT NULL AND processing_since < ?;
`), cutoff)
	if err != nil {
		return out, fmt.Errorf("release mention claims: %w", err)
	}
	out.Mentions, _ = res.RowsAffected()

	r.metrics.Reaped("task_offered", out.Tasks)
	r.metrics.Reaped("slack_inbox_message", out.Inbox)
	r.metrics.Reaped("unread_mentions", out.Mentions)
	if out.Total() > 0 {
		r.logger.Warn("Released stale claims",
			"tasks", out.Tasks,
			"inbox", out.Inbox,
			"mentions", out.Mentions,
			"stale_after", r.staleAfter,
		)
		r.events.Publish(events.ClaimsReaped, out)
	}
	return out, nil
}

// Start sweeps once, then on every interval until Stop or ctx ends.
func (r *Reaper) Start(ctx context.Context) error {
	r.logger.Info("Starting reaper", "interval", r.interval, "stale_after", r.staleAfter)
	if _, err := r.Sweep(ctx); err != nil {
		return fmt.Errorf("initial sweep: %w", err)
	}
	r.wg.Add(1)
	go r.tickLoop(ctx)
	return nil
}

func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	r.logger.Info("Reaper stopped")
}

func (r *Reaper) tickLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("Sweep failed", "error", err)
			}
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
