package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/swarmhub/internal/api"
	"github.com/mattjoyce/swarmhub/internal/claim"
	"github.com/mattjoyce/swarmhub/internal/client"
	"github.com/mattjoyce/swarmhub/internal/config"
	"github.com/mattjoyce/swarmhub/internal/lock"
	"github.com/mattjoyce/swarmhub/internal/log"
	"github.com/mattjoyce/swarmhub/internal/resolver"
	"github.com/mattjoyce/swarmhub/internal/storage"
	"github.com/mattjoyce/swarmhub/internal/store"
	"github.com/mattjoyce/swarmhub/internal/supervisor"
	"github.com/mattjoyce/swarmhub/internal/worker"
)

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func runWorker(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file")
	agentID := fs.String("agent", "", "Agent id (overrides worker.agent_id)")
	role := fs.String("role", "", "lead or worker (overrides worker.role)")
	hubURL := fs.String("hub", "", "Hub base URL (overrides worker.hub_url)")
	inProcess := fs.Bool("in-process", false, "Resolve triggers directly against the configured store instead of a hub")
	continueOnError := fs.Bool("continue-on-error", false, "Keep polling after a session exits non-zero")
	maxIterations := fs.Int("max-iterations", -1, "Stop after N sessions (0 = unlimited)")
	var caps stringList
	fs.Var(&caps, "capability", "Agent capability (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	wc := cfg.Worker
	if *agentID != "" {
		wc.AgentID = *agentID
	}
	if *role != "" {
		wc.Role = *role
	}
	if *hubURL != "" {
		wc.HubURL = *hubURL
	}
	if *continueOnError {
		wc.ContinueOnError = true
	}
	if *maxIterations >= 0 {
		wc.MaxIterations = *maxIterations
	}
	if len(caps) > 0 {
		wc.Capabilities = caps
	}
	// Remaining arguments replace the configured agent command.
	if fs.NArg() > 0 {
		wc.Command = fs.Args()
	}
	if wc.AgentID == "" {
		fmt.Fprintln(stderr, "worker needs an agent id (--agent or worker.agent_id)")
		return 1
	}
	if len(wc.Command) == 0 {
		fmt.Fprintln(stderr, "worker needs an agent command (worker.command or trailing arguments)")
		return 1
	}
	agentRole := store.AgentRole(wc.Role)
	if !agentRole.Valid() {
		fmt.Fprintf(stderr, "invalid role %q\n", wc.Role)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithAgent(wc.AgentID)

	pidLock, err := lock.ForAgent(wc.LockDir, wc.AgentID)
	if err != nil {
		logger.Error("failed to acquire agent lock (another worker may be running)", "dir", wc.LockDir, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var strategy worker.Strategy
	if *inProcess {
		db, err := storage.Open(ctx, cfg.State.Driver, cfg.State.Source())
		if err != nil {
			logger.Error("failed to open store", "error", err)
			return 1
		}
		defer db.Close()
		s := store.New(db)
		res := resolver.New(s, claim.New(db.Dialect), log.WithComponent("resolver"), resolver.WithInboxLimit(cfg.Inbox.BatchLimit))
		strategy = worker.NewInProcess(s, res, store.RegisterRequest{
			ID:           wc.AgentID,
			Name:         wc.Name,
			Role:         agentRole,
			Capabilities: wc.Capabilities,
			Capacity:     wc.Capacity,
		}, cfg.Poll.Interval, cfg.Poll.MaxWait)
	} else {
		c := client.New(wc.HubURL, wc.Token, wc.AgentID)
		strategy = worker.NewHubStrategy(c, api.RegisterRequest{
			Name:         wc.Name,
			Role:         wc.Role,
			Capabilities: wc.Capabilities,
			Capacity:     wc.Capacity,
		}, cfg.Poll.MaxWait)
		if wc.HeartbeatInterval > 0 {
			go heartbeatLoop(ctx, c, wc.HeartbeatInterval, logger)
		}
	}

	sup := supervisor.New(supervisor.Config{
		Command:   wc.Command,
		LogDir:    wc.LogDir,
		KillGrace: wc.KillGrace,
	}, supervisor.NewRegistry(wc.RegistryPath), log.WithComponent("supervisor"))
	defer func() {
		if err := sup.Close(); err != nil {
			logger.Warn("failed to flush process registry", "error", err)
		}
	}()

	loop := worker.New(worker.Config{
		AgentID:         wc.AgentID,
		Role:            agentRole,
		ContinueOnError: wc.ContinueOnError,
		MaxIterations:   wc.MaxIterations,
		RetryMax:        wc.RetryMax,
	}, strategy, sup, logger)

	logger.Info("worker starting", "role", agentRole, "hub", wc.HubURL, "in_process", *inProcess)
	if err := loop.Run(ctx); err != nil {
		if errors.Is(err, worker.ErrProcessFailed) {
			logger.Error("stopping after failed session", "error", err)
		} else {
			logger.Error("worker failed", "error", err)
		}
		return 1
	}
	logger.Info("worker stopped", "iterations", loop.Iterations())
	return 0
}

// heartbeatLoop keeps the agent's last_updated_at fresh while a long session
// runs. Failures are left to the poll loop, which re-registers on its own.
func heartbeatLoop(ctx context.Context, c *client.Client, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				logger.Debug("heartbeat failed", "error", err)
			}
		}
	}
}
