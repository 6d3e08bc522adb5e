package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/mattjoyce/swarmhub/internal/config"
)

func runConfigNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: swarmhub config check|lock [--config PATH]")
		return 1
	}
	switch args[0] {
	case "check":
		return runConfigCheck(args[1:], stdout, stderr)
	case "lock":
		return runConfigLock(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func runConfigCheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Config invalid: %v\n", err)
		return 1
	}
	source := cfg.SourcePath
	if source == "" {
		source = "(defaults)"
	}
	fmt.Fprintf(stdout, "Config OK: %s (state=%s, listen=%s)\n", source, cfg.State.Driver, cfg.API.Listen)
	return 0
}

func runConfigLock(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config lock", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path := *configPath
	if path == "" {
		found, err := config.Discover()
		if err != nil {
			fmt.Fprintf(stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		if found == "" {
			fmt.Fprintln(stderr, "No config file found to lock")
			return 1
		}
		path = found
	}
	manifest, err := config.Lock(path)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to lock config: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Wrote %s\n", manifest)
	return 0
}
