package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// EnvConfigPath names the environment variable consulted by Discover.
const EnvConfigPath = "SWARMHUB_CONFIG"

// Load reads a YAML file over Defaults(), interpolates ${VAR} references,
// verifies the file against a .checksums manifest when one sits next to it,
// and validates the result.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %q: %w", configPath, err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := verifyChecksum(absPath, data); err != nil {
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	return cfg, nil
}

// Parse decodes YAML over Defaults() and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover returns the first config file found, in order: $SWARMHUB_CONFIG,
// ./swarmhub.yaml, ~/.config/swarmhub/config.yaml, /etc/swarmhub/config.yaml.
// An empty path with a nil error means none exists and defaults apply.
func Discover() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("$%s points at %s: %w", EnvConfigPath, p, err)
		}
		return p, nil
	}
	candidates := []string{"./swarmhub.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "swarmhub", "config.yaml"))
	}
	candidates = append(candidates, "/etc/swarmhub/config.yaml")
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// LoadOrDefault loads path, or the discovered file when path is empty, or
// falls back to validated defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		found, err := Discover()
		if err != nil {
			return nil, err
		}
		path = found
	}
	if path == "" {
		cfg := Defaults()
		if err := validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return Load(path)
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and caught by validate where it matters.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	switch cfg.State.Driver {
	case "", "sqlite":
		if cfg.State.Path == "" {
			return fmt.Errorf("state.path is required for the sqlite driver")
		}
	case "postgres", "pgx":
		if cfg.State.DSN == "" {
			return fmt.Errorf("state.dsn is required for the postgres driver")
		}
		if err := unresolved("state.dsn", cfg.State.DSN); err != nil {
			return err
		}
	default:
		return fmt.Errorf("state.driver must be sqlite or postgres (got %q)", cfg.State.Driver)
	}

	if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
		return err
	}
	for i, tok := range cfg.API.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d]", i)
		if tok.Token == "" {
			return fmt.Errorf("%s.token is required", field)
		}
		if err := unresolved(field+".token", tok.Token); err != nil {
			return err
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("%s.scopes must be non-empty", field)
		}
	}

	if cfg.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive")
	}
	if cfg.Poll.MaxWait < cfg.Poll.Interval {
		return fmt.Errorf("poll.max_wait (%s) must be at least poll.interval (%s)", cfg.Poll.MaxWait, cfg.Poll.Interval)
	}
	if cfg.Reaper.Interval <= 0 {
		return fmt.Errorf("reaper.interval must be positive")
	}
	if cfg.Reaper.StaleAfter <= 0 {
		return fmt.Errorf("reaper.stale_after must be positive")
	}
	if cfg.Inbox.BatchLimit <= 0 {
		return fmt.Errorf("inbox.batch_limit must be positive")
	}

	if err := unresolved("ingest.secret", cfg.Ingest.Secret); err != nil {
		return err
	}
	if cfg.Ingest.DedupeTTL < 0 {
		return fmt.Errorf("ingest.dedupe_ttl must not be negative")
	}

	switch cfg.Worker.Role {
	case "lead", "worker":
	default:
		return fmt.Errorf("worker.role must be lead or worker (got %q)", cfg.Worker.Role)
	}
	if err := unresolved("worker.token", cfg.Worker.Token); err != nil {
		return err
	}
	if cfg.Worker.MaxIterations < 0 {
		return fmt.Errorf("worker.max_iterations must not be negative")
	}
	return nil
}
