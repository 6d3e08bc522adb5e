package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/swarmhub/internal/api"
	"github.com/mattjoyce/swarmhub/internal/auth"
	"github.com/mattjoyce/swarmhub/internal/claim"
	"github.com/mattjoyce/swarmhub/internal/config"
	"github.com/mattjoyce/swarmhub/internal/dedupe"
	"github.com/mattjoyce/swarmhub/internal/events"
	"github.com/mattjoyce/swarmhub/internal/ingest"
	"github.com/mattjoyce/swarmhub/internal/log"
	"github.com/mattjoyce/swarmhub/internal/metrics"
	"github.com/mattjoyce/swarmhub/internal/reaper"
	"github.com/mattjoyce/swarmhub/internal/resolver"
	"github.com/mattjoyce/swarmhub/internal/storage"
	"github.com/mattjoyce/swarmhub/internal/store"
)

func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("swarmhub starting", "version", version, "config", cfg.SourcePath, "state", cfg.State.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.State.Driver, cfg.State.Source())
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.State.Driver, "error", err)
		return 1
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	hub := events.NewHub(cfg.API.EventBuffer)

	s := store.New(db)
	claims := claim.New(db.Dialect, claim.WithMetrics(m))
	rp := reaper.New(db, cfg.Reaper, log.WithComponent("reaper"), reaper.WithEvents(hub), reaper.WithMetrics(m))

	resolverOpts := []resolver.Option{
		resolver.WithEvents(hub),
		resolver.WithMetrics(m),
		resolver.WithInboxLimit(cfg.Inbox.BatchLimit),
	}
	if cfg.Reaper.Lazy {
		resolverOpts = append(resolverOpts, resolver.WithLazySweep(rp))
	}
	res := resolver.New(s, claims, log.WithComponent("resolver"), resolverOpts...)

	deps := api.Deps{Store: s, Resolver: res, Claims: claims, Events: hub, Gatherer: reg}
	if cfg.Ingest.Enabled {
		seen := dedupe.New(cfg.Ingest.DedupeTTL, cfg.Ingest.DedupeMaxEntries)
		deps.Ingest = ingest.New(s, seen, hub, cfg.Ingest, log.WithComponent("ingest")).Routes()
	}

	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	server := api.New(api.Config{
		Listen:       cfg.API.Listen,
		APIKey:       cfg.API.Auth.APIKey,
		Tokens:       tokens,
		PollInterval: cfg.Poll.Interval,
		PollMaxWait:  cfg.Poll.MaxWait,
	}, deps, log.WithComponent("api"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(gctx); err != nil {
			return fmt.Errorf("api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := rp.Start(gctx); err != nil {
			return fmt.Errorf("reaper: %w", err)
		}
		<-gctx.Done()
		rp.Stop()
		return nil
	})

	logger.Info("swarmhub running", "listen", cfg.API.Listen)
	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}
	logger.Info("swarmhub stopped")
	return 0
}

func runReap(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("reap", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Print released counts as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel)

	ctx := context.Background()
	db, err := storage.Open(ctx, cfg.State.Driver, cfg.State.Source())
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open store: %v\n", err)
		return 1
	}
	defer db.Close()

	released, err := reaper.New(db, cfg.Reaper, log.WithComponent("reaper")).Sweep(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Sweep failed: %v\n", err)
		return 1
	}
	if *jsonOut {
		_ = json.NewEncoder(stdout).Encode(released)
		return 0
	}
	fmt.Fprintf(stdout, "Released %d tasks, %d inbox messages, %d mention claims\n", released.Tasks, released.Inbox, released.Mentions)
	return 0
}
