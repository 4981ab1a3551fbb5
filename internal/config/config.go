// Package config loads per-butler butler.toml files and discovers the
// roster directory layout the CLI operates on.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tzeusy/butlers/internal/scheduler"
)

// DefaultRosterDir is where `butlers list` and `butlers up` look for
// butler directories.
const DefaultRosterDir = "roster"

// ConfigFileName is the per-butler config file.
const ConfigFileName = "butler.toml"

// Butler is the [butler] table of butler.toml.
type Butler struct {
	Name                  string   `toml:"name"`
	Port                  int      `toml:"port"`
	Description           string   `toml:"description"`
	Modules               []string `toml:"modules"`
	Runtime               string   `toml:"runtime"`
	Model                 string   `toml:"model"`
	MaxConcurrentSessions int64    `toml:"max_concurrent_sessions"`
	TickIntervalSeconds   int      `toml:"tick_interval_seconds"`
	RuntimeTimeoutSeconds int      `toml:"runtime_timeout_seconds"`

	Schedule []scheduler.Entry `toml:"schedule"`
}

// Config is one parsed butler.toml plus its directory.
type Config struct {
	Butler Butler `toml:"butler"`

	// Dir is the directory the config was loaded from (holds the system
	// prompt files and runtime scratch space).
	Dir string `toml:"-"`
}

// TickInterval returns the scheduler tick cadence (default 60s).
func (c *Config) TickInterval() time.Duration {
	if c.Butler.TickIntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Butler.TickIntervalSeconds) * time.Second
}

// RuntimeTimeout returns the per-invocation runtime timeout (0 means the
// adapter default).
func (c *Config) RuntimeTimeout() time.Duration {
	if c.Butler.RuntimeTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Butler.RuntimeTimeoutSeconds) * time.Second
}

// Load parses one butler directory's butler.toml.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, ConfigFileName)
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parse %s: unknown keys %v", path, undecoded)
	}

	if cfg.Butler.Name == "" {
		return nil, fmt.Errorf("%s: butler.name is required", path)
	}
	if cfg.Butler.Port <= 0 {
		return nil, fmt.Errorf("%s: butler.port is required", path)
	}
	if cfg.Butler.Runtime == "" {
		cfg.Butler.Runtime = "gemini"
	}
	if cfg.Butler.MaxConcurrentSessions <= 0 {
		cfg.Butler.MaxConcurrentSessions = 1
	}
	for _, entry := range cfg.Butler.Schedule {
		if entry.Name == "" || entry.Cron == "" || entry.Prompt == "" {
			return nil, fmt.Errorf("%s: schedule entries need name, cron, and prompt", path)
		}
		if err := scheduler.ValidateCron(entry.Cron); err != nil {
			return nil, fmt.Errorf("%s: schedule %q: %w", path, entry.Name, err)
		}
	}

	cfg.Dir = dir
	return &cfg, nil
}

// LoadRoster discovers and parses every roster/*/butler.toml under dir,
// sorted by butler name.
func LoadRoster(dir string) ([]*Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read roster dir %s: %w", dir, err)
	}

	var configs []*Config
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		butlerDir := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(butlerDir, ConfigFileName)); err != nil {
			continue
		}
		cfg, err := Load(butlerDir)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	sort.Slice(configs, func(i, j int) bool {
		return configs[i].Butler.Name < configs[j].Butler.Name
	})
	return configs, nil
}
