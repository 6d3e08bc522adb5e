package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mattjoyce/swarmhub/internal/store"
	"github.com/mattjoyce/swarmhub/internal/supervisor"
	"github.com/mattjoyce/swarmhub/internal/trigger"
)

// ErrProcessFailed is returned when a session exits non-zero and
// continue_on_error is off.
var ErrProcessFailed = errors.New("agent process failed")

type State int

const (
	StateUnregistered State = iota
	StateRegistered
	StatePolling
	StateDispatching
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StatePolling:
		return "polling"
	case StateDispatching:
		return "dispatching"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Config struct {
	AgentID         string
	Role            store.AgentRole
	ContinueOnError bool
	// MaxIterations stops the loop after that many sessions; zero is
	// unlimited.
	MaxIterations int
	RetryInitial  time.Duration
	RetryMax      time.Duration
}

// Iteration is the record kept for each dispatched trigger.
type Iteration struct {
	N         int
	Trigger   trigger.Type
	ExitCode  int
	LogPath   string
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

type Loop struct {
	cfg      Config
	strategy Strategy
	spawner  Spawner
	logger   *slog.Logger

	onIteration func(Iteration)

	mu        sync.Mutex
	state     State
	iteration int
}

type Option func(*Loop)

// WithIterationHook is called after every session, successful or not.
func WithIterationHook(fn func(Iteration)) Option {
	return func(l *Loop) { l.onIteration = fn }
}

func New(cfg Config, strategy Strategy, spawner Spawner, logger *slog.Logger, opts ...Option) *Loop {
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 500 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = 30 * time.Second
	}
	if cfg.Role == "" {
		cfg.Role = store.RoleWorker
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		cfg:      cfg,
		strategy: strategy,
		spawner:  spawner,
		logger:   logger.With("component", "worker", "agent_id", cfg.AgentID),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()
	if prev != s {
		l.logger.Debug("worker state", "from", prev.String(), "to", s.String())
	}
}

// Iterations is the number of sessions dispatched so far.
func (l *Loop) Iterations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.iteration
}

// Run drives the loop until ctx is cancelled (returns nil), MaxIterations
// is reached (nil), or a session fails in strict mode (ErrProcessFailed).
// Claims held at cancellation are left for the reaper.
func (l *Loop) Run(ctx context.Context) error {
	defer l.terminate()

	transport := l.newBackOff()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if l.State() == StateUnregistered {
			if err := l.register(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
		if l.cfg.MaxIterations > 0 && l.Iterations() >= l.cfg.MaxIterations {
			l.logger.Info("iteration limit reached", "iterations", l.Iterations())
			return nil
		}

		l.setState(StatePolling)
		trig, err := l.strategy.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrNotRegistered) {
				l.logger.Warn("hub lost registration, registering again")
				l.setState(StateUnregistered)
				continue
			}
			wait := transport.NextBackOff()
			l.logger.Warn("poll failed", "error", err, "retry_in", wait)
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		transport.Reset()
		if trig == nil {
			continue
		}

		if err := l.dispatch(ctx, trig); err != nil {
			return err
		}
	}
}

func (l *Loop) register(ctx context.Context) error {
	agent, err := backoff.Retry(ctx, func() (*store.Agent, error) {
		return l.strategy.Register(ctx)
	},
		backoff.WithBackOff(l.newBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.logger.Warn("registration failed", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	l.logger.Info("agent registered", "role", agent.Role, "status", agent.Status)
	l.setState(StateRegistered)
	return nil
}

func (l *Loop) dispatch(ctx context.Context, trig *trigger.Trigger) error {
	l.setState(StateDispatching)
	l.mu.Lock()
	l.iteration++
	n := l.iteration
	l.mu.Unlock()

	logger := l.logger.With("iteration", n, "trigger", trig.Type)
	logger.Info("dispatching trigger")

	res, err := l.spawner.Run(ctx, supervisor.Spawn{
		AgentID:   l.cfg.AgentID,
		Iteration: n,
		Trigger:   string(trig.Type),
		Directive: Directive(l.cfg.Role, trig),
	})
	it := Iteration{
		N:         n,
		Trigger:   trig.Type,
		ExitCode:  res.ExitCode,
		LogPath:   res.LogPath,
		StartedAt: res.StartedAt,
		Duration:  res.Duration,
		Err:       err,
	}
	if l.onIteration != nil {
		l.onIteration(it)
	}
	if ctx.Err() != nil {
		return nil
	}

	switch {
	case err != nil:
		logger.Error("session could not run", "error", err)
		if !l.cfg.ContinueOnError {
			return fmt.Errorf("%w: iteration %d: %v", ErrProcessFailed, n, err)
		}
	case res.ExitCode != 0:
		logger.Error("session exited non-zero", "exit_code", res.ExitCode, "log", res.LogPath)
		if !l.cfg.ContinueOnError {
			return fmt.Errorf("%w: iteration %d exited %d", ErrProcessFailed, n, res.ExitCode)
		}
	default:
		logger.Info("session finished", "duration_ms", res.Duration.Milliseconds(), "log", res.LogPath)
	}
	return nil
}

// terminate marks the agent offline best-effort.
func (l *Loop) terminate() {
	prev := l.State()
	l.setState(StateTerminated)
	if prev == StateUnregistered {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.strategy.Offline(ctx); err != nil {
		l.logger.Warn("mark offline failed", "error", err)
	}
}

func (l *Loop) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.RetryInitial
	b.MaxInterval = l.cfg.RetryMax
	return b
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
