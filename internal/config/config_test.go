package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeButlerTOML(t *testing.T, dir, contents string) string {
	t.Helper()
	butlerDir := filepath.Join(dir, "health")
	require.NoError(t, os.MkdirAll(butlerDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(butlerDir, ConfigFileName), []byte(contents), 0o600))
	return butlerDir
}

const validTOML = `
[butler]
name = "health"
port = 8101
description = "Health tracking butler"
modules = ["schedule", "state", "mailbox"]
runtime = "gemini"
max_concurrent_sessions = 2
tick_interval_seconds = 30

[[butler.schedule]]
name = "morning-checkin"
cron = "0 9 * * *"
prompt = "Review overnight health data and flag anomalies."
`

func TestLoad(t *testing.T) {
	dir := writeButlerTOML(t, t.TempDir(), validTOML)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "health", cfg.Butler.Name)
	assert.Equal(t, 8101, cfg.Butler.Port)
	assert.Equal(t, []string{"schedule", "state", "mailbox"}, cfg.Butler.Modules)
	assert.Equal(t, int64(2), cfg.Butler.MaxConcurrentSessions)
	assert.Equal(t, 30*time.Second, cfg.TickInterval())
	assert.Equal(t, dir, cfg.Dir)

	require.Len(t, cfg.Butler.Schedule, 1)
	assert.Equal(t, "morning-checkin", cfg.Butler.Schedule[0].Name)
}

func TestLoad_Defaults(t *testing.T) {
	dir := writeButlerTOML(t, t.TempDir(), `
[butler]
name = "general"
port = 8100
`)
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "gemini", cfg.Butler.Runtime)
	assert.Equal(t, int64(1), cfg.Butler.MaxConcurrentSessions)
	assert.Equal(t, 60*time.Second, cfg.TickInterval())
	assert.Zero(t, cfg.RuntimeTimeout())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"missing name", "[butler]\nport = 8100\n"},
		{"missing port", "[butler]\nname = \"x\"\n"},
		{"bad cron", "[butler]\nname = \"x\"\nport = 1\n[[butler.schedule]]\nname = \"s\"\ncron = \"nope\"\nprompt = \"p\"\n"},
		{"incomplete schedule", "[butler]\nname = \"x\"\nport = 1\n[[butler.schedule]]\nname = \"s\"\n"},
		{"unknown key", "[butler]\nname = \"x\"\nport = 1\nflavor = \"grape\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeButlerTOML(t, t.TempDir(), tt.toml)
			_, err := Load(dir)
			assert.Error(t, err)
		})
	}
}

func TestLoadRoster(t *testing.T) {
	rosterDir := t.TempDir()
	writeButlerTOML(t, rosterDir, validTOML)

	// A second butler, plus a directory without butler.toml that must be
	// skipped.
	otherDir := filepath.Join(rosterDir, "general")
	require.NoError(t, os.MkdirAll(otherDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(otherDir, ConfigFileName),
		[]byte("[butler]\nname = \"general\"\nport = 8100\n"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(rosterDir, "notes"), 0o755))

	configs, err := LoadRoster(rosterDir)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "general", configs[0].Butler.Name)
	assert.Equal(t, "health", configs[1].Butler.Name)
}
