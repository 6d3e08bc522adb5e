package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swarmhub.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "empty file yields defaults",
			yaml: "",
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Reaper.StaleAfter != 30*time.Minute {
					t.Errorf("stale_after = %s", cfg.Reaper.StaleAfter)
				}
				if cfg.Poll.MaxWait != 30*time.Second || cfg.Poll.Interval != 2*time.Second {
					t.Errorf("poll defaults not applied: %+v", cfg.Poll)
				}
				if cfg.Inbox.BatchLimit != 10 {
					t.Errorf("batch_limit = %d", cfg.Inbox.BatchLimit)
				}
			},
		},
		{
			name: "overrides keep unrelated defaults",
			yaml: `
service:
  log_level: debug
reaper:
  stale_after: 5m
  lazy: true
worker:
  role: lead
  command: ["claude", "-p"]
  continue_on_error: true
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Reaper.StaleAfter != 5*time.Minute || !cfg.Reaper.Lazy {
					t.Errorf("reaper not parsed: %+v", cfg.Reaper)
				}
				if cfg.Reaper.Interval != time.Minute {
					t.Errorf("reaper.interval default lost: %s", cfg.Reaper.Interval)
				}
				if cfg.Worker.Role != "lead" || len(cfg.Worker.Command) != 2 || !cfg.Worker.ContinueOnError {
					t.Errorf("worker not parsed: %+v", cfg.Worker)
				}
				if cfg.Worker.KillGrace != 5*time.Second {
					t.Errorf("kill_grace default lost: %s", cfg.Worker.KillGrace)
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
state:
  driver: postgres
  dsn: ${SWARMHUB_TEST_DSN}
api:
  auth:
    api_key: ${SWARMHUB_TEST_KEY}
`,
			env: map[string]string{
				"SWARMHUB_TEST_DSN": "postgres://localhost/swarm",
				"SWARMHUB_TEST_KEY": "secret123",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.State.Source() != "postgres://localhost/swarm" {
					t.Errorf("dsn = %q", cfg.State.Source())
				}
				if cfg.API.Auth.APIKey != "secret123" {
					t.Errorf("api_key = %q", cfg.API.Auth.APIKey)
				}
			},
		},
		{
			name: "unset env var is rejected",
			yaml: `
api:
  auth:
    api_key: ${SWARMHUB_TEST_MISSING}
`,
			wantErr: "SWARMHUB_TEST_MISSING",
		},
		{
			name:    "unknown field",
			yaml:    "plugins_dir: ./plugins\n",
			wantErr: "plugins_dir",
		},
		{
			name: "bad driver",
			yaml: `
state:
  driver: mysql
`,
			wantErr: "state.driver",
		},
		{
			name: "max wait below interval",
			yaml: `
poll:
  interval: 10s
  max_wait: 1s
`,
			wantErr: "poll.max_wait",
		},
		{
			name: "token without scopes",
			yaml: `
api:
  auth:
    tokens:
      - token: abc
`,
			wantErr: "scopes",
		},
		{
			name: "bad worker role",
			yaml: `
worker:
  role: manager
`,
			wantErr: "worker.role",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load(writeConfig(t, tt.yaml))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.SourcePath == "" {
				t.Error("SourcePath not recorded")
			}
			tt.checkFn(t, cfg)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDiscoverUsesEnv(t *testing.T) {
	path := writeConfig(t, "")
	t.Setenv(EnvConfigPath, path)

	got, err := Discover()
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got != path {
		t.Fatalf("Discover = %q, want %q", got, path)
	}

	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Discover(); err == nil {
		t.Fatal("expected error for dangling $SWARMHUB_CONFIG")
	}
}

func TestLoadOrDefaultExplicitPath(t *testing.T) {
	path := writeConfig(t, "inbox:\n  batch_limit: 3\n")
	cfg, err := LoadOrDefault(path)
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.Inbox.BatchLimit != 3 {
		t.Fatalf("batch_limit = %d", cfg.Inbox.BatchLimit)
	}
}
