package paths

import (
	"os"
	"path/filepath"
)

func DefaultRuntimeDir() string {
	if x := os.Getenv("XDG_RUNTIME_DIR"); x != "" {
		return filepath.Join(x, "agentctl")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agentctl")
}

func DefaultStateDir() string {
	if x := os.Getenv("XDG_STATE_HOME"); x != "" {
		return filepath.Join(x, "agentctl")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state", "agentctl")
}

func DefaultConfigDir() string {
	if x := os.Getenv("XDG_CONFIG_HOME"); x != "" {
		return filepath.Join(x, "agentctl")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "agentctl")
}

func DefaultConfigPath() string { return filepath.Join(DefaultConfigDir(), "agentctl.yaml") }

// The helpers below derive locations from an explicit state directory so
// that every component can be pointed at an isolated tree.

func RegistryPath(stateDir string) string    { return filepath.Join(stateDir, "registry.yaml") }
func JournalPath(stateDir string) string     { return filepath.Join(stateDir, "journal.db") }
func AgentSocketPath(stateDir string) string { return filepath.Join(stateDir, "run", "agent.socket") }

func ControlSocketPath(runtimeDir string) string { return filepath.Join(runtimeDir, "daemon.sock") }
func PIDPath(runtimeDir string) string           { return filepath.Join(runtimeDir, "daemon.pid") }
