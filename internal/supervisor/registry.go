package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Entry is one running agent session.
type Entry struct {
	PID       int       `json:"pid"`
	AgentID   string    `json:"agent_id"`
	Iteration int       `json:"iteration"`
	Trigger   string    `json:"trigger"`
	StartedAt time.Time `json:"started_at"`
	LogPath   string    `json:"log_path"`
}

type registryFile struct {
	UpdatedAt time.Time `json:"updated_at"`
	Processes []Entry   `json:"processes"`
}

// Registry tracks running sessions and mirrors them to a JSON file on every
// change. An empty path keeps it in memory only.
type Registry struct {
	mu      sync.Mutex
	path    string
	running map[int]Entry
}

func NewRegistry(path string) *Registry {
	return &Registry{path: path, running: make(map[int]Entry)}
}

func (r *Registry) Add(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[e.PID] = e
	return r.saveLocked()
}

func (r *Registry) Remove(pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, pid)
	return r.saveLocked()
}

// Snapshot returns running entries ordered by start time.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Flush writes the current state regardless of changes.
func (r *Registry) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked()
}

func (r *Registry) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(r.running))
	for _, e := range r.running {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].PID < out[j].PID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (r *Registry) saveLocked() error {
	if r.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}
	b, err := json.MarshalIndent(registryFile{UpdatedAt: time.Now().UTC(), Processes: r.snapshotLocked()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

// LoadRegistry reads a registry file, for inspection after a crash.
func LoadRegistry(path string) ([]Entry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f registryFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode registry %s: %w", path, err)
	}
	return f.Processes, nil
}
