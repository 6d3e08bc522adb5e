// Package supervisor runs one external agent session per trigger and
// reports how it exited.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

const defaultKillGrace = 5 * time.Second

// Spawn describes one session.
type Spawn struct {
	AgentID   string
	Iteration int
	Trigger   string
	// Directive is appended as the command's last argument.
	Directive string
}

type Result struct {
	ExitCode  int
	LogPath   string
	StartedAt time.Time
	Duration  time.Duration
}

type Config struct {
	Command []string
	LogDir  string
	// Env is added to the inherited environment.
	Env       []string
	KillGrace time.Duration
}

type Supervisor struct {
	cfg      Config
	registry *Registry
	logger   *slog.Logger
}

func New(cfg Config, registry *Registry, logger *slog.Logger) *Supervisor {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if registry == nil {
		registry = NewRegistry("")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, registry: registry, logger: logger.With("component", "supervisor")}
}

func (s *Supervisor) Registry() *Registry { return s.registry }

// Run starts the session and blocks until it exits. No timeout is imposed;
// cancelling ctx sends SIGTERM and, after the grace period, SIGKILL. A
// cancelled run returns its Result together with ctx.Err().
func (s *Supervisor) Run(ctx context.Context, sp Spawn) (Result, error) {
	if len(s.cfg.Command) == 0 {
		return Result{}, errors.New("no agent command configured")
	}

	dir := filepath.Join(s.cfg.LogDir, sp.AgentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create log directory: %w", err)
	}
	logPath := filepath.Join(dir, fmt.Sprintf("iteration-%d.log", sp.Iteration))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Result{}, fmt.Errorf("open iteration log: %w", err)
	}
	defer logFile.Close()

	args := append(append([]string{}, s.cfg.Command[1:]...), sp.Directive)
	cmd := exec.Command(s.cfg.Command[0], args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"SWARMHUB_AGENT_ID="+sp.AgentID,
		"SWARMHUB_TRIGGER="+sp.Trigger,
		"SWARMHUB_ITERATION="+strconv.Itoa(sp.Iteration),
	)

	logger := s.logger.With("agent_id", sp.AgentID, "iteration", sp.Iteration, "trigger", sp.Trigger)
	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{LogPath: logPath, StartedAt: started}, fmt.Errorf("start process: %w", err)
	}
	pid := cmd.Process.Pid
	logger.Info("session started", "pid", pid, "log", logPath)

	if err := s.registry.Add(Entry{
		PID:       pid,
		AgentID:   sp.AgentID,
		Iteration: sp.Iteration,
		Trigger:   sp.Trigger,
		StartedAt: started.UTC(),
		LogPath:   logPath,
	}); err != nil {
		logger.Warn("process registry update failed", "error", err)
	}
	defer func() {
		if err := s.registry.Remove(pid); err != nil {
			logger.Warn("process registry update failed", "error", err)
		}
	}()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var runErr error
	select {
	case runErr = <-waitErr:
	case <-ctx.Done():
		logger.Warn("session interrupted, sending SIGTERM", "pid", pid)
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}
		grace := time.NewTimer(s.cfg.KillGrace)
		select {
		case runErr = <-waitErr:
		case <-grace.C:
			logger.Warn("session did not exit after SIGTERM, sending SIGKILL", "pid", pid)
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
			runErr = <-waitErr
		}
		grace.Stop()
	}

	res := Result{
		ExitCode:  exitCode(cmd, runErr),
		LogPath:   logPath,
		StartedAt: started,
		Duration:  time.Since(started),
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return res, fmt.Errorf("wait for process: %w", runErr)
	}
	logger.Info("session exited", "exit_code", res.ExitCode, "duration_ms", res.Duration.Milliseconds())
	return res, nil
}

// Close flushes the registry.
func (s *Supervisor) Close() error {
	return s.registry.Flush()
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}
