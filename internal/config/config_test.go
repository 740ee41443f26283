package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points every XDG location into a temp dir so that a developer's
// own configuration never leaks into the tests
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	t.Setenv("XDG_RUNTIME_DIR", filepath.Join(dir, "runtime"))
	for _, key := range []string{"AGENTCTL_STATE_DIR", "AGENTCTL_PUSH_INTERVAL", "AGENTCTL_LOG_LEVEL", "AGENTCTL_PULL_LISTEN_ADDR"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
	return dir
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "state", "agentctl"), cfg.StateDir)
	assert.Equal(t, filepath.Join(dir, "state", "agentctl", "run", "agent.socket"), cfg.AgentSocket)
	assert.Equal(t, filepath.Join(dir, "runtime", "agentctl", "daemon.sock"), cfg.ControlSocket)
	assert.Equal(t, filepath.Join(dir, "state", "agentctl", "registry.yaml"), cfg.RegistryPath())
	assert.Equal(t, ":8000", cfg.Pull.ListenAddr)
	assert.Equal(t, 3, cfg.Pull.MaxConnections)
	assert.Equal(t, 60*time.Second, cfg.Push.Interval)
	assert.Equal(t, 2*time.Second, cfg.Socket.Timeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Allowlist().Empty())
}

func TestLoad_FileEnvAndFlagPrecedence(t *testing.T) {
	isolate(t)
	path := writeConfig(t, `
state_dir: /srv/agentctl
push:
  interval: 30s
  max_backoff: 5m
pull:
  listen_addr: "127.0.0.1:9000"
  allowed_ips: ["10.0.0.0/8", "192.0.2.7"]
log:
  level: warn
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "/srv/agentctl", cfg.StateDir)
	assert.Equal(t, "/srv/agentctl/run/daemon.sock", cfg.ControlSocket, "an explicit state dir hosts the control socket")
	assert.Equal(t, 30*time.Second, cfg.Push.Interval)
	assert.Equal(t, "127.0.0.1:9000", cfg.Pull.ListenAddr)
	assert.Equal(t, "10.0.0.0/8, 192.0.2.7", cfg.Allowlist().String())
	assert.Equal(t, "warn", cfg.Log.Level)

	t.Setenv("AGENTCTL_PUSH_INTERVAL", "45s")
	t.Setenv("AGENTCTL_STATE_DIR", "/tmp/isolated")
	cfg, err = Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Push.Interval)
	assert.Equal(t, "/tmp/isolated", cfg.StateDir)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("state-dir", "", "")
	flags.String("log-level", "", "")
	require.NoError(t, flags.Parse([]string{"--log-level=debug"}))
	cfg, err = Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/tmp/isolated", cfg.StateDir, "unset flags do not override the environment")
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	isolate(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.ErrorIs(t, err, ErrConfig)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed yaml", "push: [\n"},
		{"zero interval", "push:\n  interval: 0s\n"},
		{"backoff below interval", "push:\n  interval: 10m\n  max_backoff: 1m\n"},
		{"bad allowlist", "pull:\n  allowed_ips: [\"10.0.0.300\"]\n"},
		{"bad listen addr", "pull:\n  listen_addr: \"8000\"\n"},
		{"no connections allowed", "pull:\n  max_connections: 0\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"bad log format", "log:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			_, err := Load(writeConfig(t, tt.body), nil)
			require.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestManagerConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load(writeConfig(t, "pull:\n  allowed_ips: [\"127.0.0.1\"]\nshutdown:\n  grace: 3s\n"), nil)
	require.NoError(t, err)

	mc := cfg.ManagerConfig()
	assert.Equal(t, 3*time.Second, mc.ShutdownGrace)
	assert.Equal(t, cfg.Push.Interval, mc.Push.Interval)
	assert.False(t, mc.Pull.Allowlist.Empty())
	assert.Equal(t, 100, mc.JournalKeep)
}
