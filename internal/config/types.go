package config

import "time"

// Config is the complete swarmhub configuration. The hub reads service,
// state, api, poll, reaper, inbox and ingest; a worker reads service and
// worker.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	State   StateConfig   `yaml:"state"`
	API     APIConfig     `yaml:"api"`
	Poll    PollConfig    `yaml:"poll"`
	Reaper  ReaperConfig  `yaml:"reaper"`
	Inbox   InboxConfig   `yaml:"inbox"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Worker  WorkerConfig  `yaml:"worker"`

	// SourcePath is the file the config was loaded from, empty for defaults.
	SourcePath string `yaml:"-"`
}

type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// StateConfig selects the Store backend. Driver is "sqlite" (Path) or
// "postgres" (DSN).
type StateConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// Source returns what storage.Open expects for the configured driver.
func (s StateConfig) Source() string {
	if s.Driver == "postgres" || s.Driver == "pgx" {
		return s.DSN
	}
	return s.Path
}

type APIConfig struct {
	Listen      string        `yaml:"listen"`
	Auth        APIAuthConfig `yaml:"auth"`
	EventBuffer int           `yaml:"event_buffer"`
}

// APIAuthConfig enables bearer auth when either field is set.
type APIAuthConfig struct {
	// APIKey is a single token with full access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// PollConfig bounds one long-poll window on the hub.
type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxWait  time.Duration `yaml:"max_wait"`
}

type ReaperConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
	// Lazy runs a sweep before every resolution as well.
	Lazy bool `yaml:"lazy"`
}

type InboxConfig struct {
	BatchLimit int `yaml:"batch_limit"`
}

type IngestConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Secret           string        `yaml:"secret"`
	DedupeTTL        time.Duration `yaml:"dedupe_ttl"`
	DedupeMaxEntries int           `yaml:"dedupe_max_entries"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes"`
}

// WorkerConfig drives one agent process.
type WorkerConfig struct {
	HubURL       string   `yaml:"hub_url"`
	Token        string   `yaml:"token"`
	AgentID      string   `yaml:"agent_id"`
	Name         string   `yaml:"name"`
	Role         string   `yaml:"role"`
	Capabilities []string `yaml:"capabilities"`
	Capacity     int      `yaml:"capacity"`

	// Command is the external agent session; the directive is appended as
	// the last argument.
	Command         []string      `yaml:"command"`
	LogDir          string        `yaml:"log_dir"`
	RegistryPath    string        `yaml:"registry_path"`
	LockDir         string        `yaml:"lock_dir"`
	ContinueOnError bool          `yaml:"continue_on_error"`
	MaxIterations   int           `yaml:"max_iterations"`
	KillGrace       time.Duration `yaml:"kill_grace"`
	RetryMax        time.Duration `yaml:"retry_max"`
	// HeartbeatInterval applies to hub mode; zero disables heartbeats.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "swarmhub",
			LogLevel: "info",
		},
		State: StateConfig{
			Driver: "sqlite",
			Path:   "./data/swarmhub.db",
		},
		API: APIConfig{
			Listen:      "127.0.0.1:8420",
			EventBuffer: 256,
		},
		Poll: PollConfig{
			Interval: 2 * time.Second,
			MaxWait:  30 * time.Second,
		},
		Reaper: ReaperConfig{
			Interval:   time.Minute,
			StaleAfter: 30 * time.Minute,
		},
		Inbox: InboxConfig{
			BatchLimit: 10,
		},
		Ingest: IngestConfig{
			Enabled:          true,
			DedupeTTL:        10 * time.Minute,
			DedupeMaxEntries: 10000,
			MaxBodyBytes:     1 << 20,
		},
		Worker: WorkerConfig{
			HubURL:       "http://127.0.0.1:8420",
			Role:         "worker",
			Capacity:     1,
			LogDir:       "./data/logs",
			RegistryPath: "./data/processes.json",
			LockDir:      "./data/locks",
			KillGrace:    5 * time.Second,
			RetryMax:     30 * time.Second,

			HeartbeatInterval: 30 * time.Second,
		},
	}
}
