// Package config loads agentctl settings from defaults, an optional YAML
// file, AGENTCTL_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gurisko/agentctl/internal/agentsock"
	"github.com/gurisko/agentctl/internal/journal"
	"github.com/gurisko/agentctl/internal/manager"
	"github.com/gurisko/agentctl/internal/netutil"
	"github.com/gurisko/agentctl/internal/paths"
	"github.com/gurisko/agentctl/internal/pull"
	"github.com/gurisko/agentctl/internal/push"
)

// ErrConfig indicates unusable configuration
var ErrConfig = errors.New("invalid configuration")

// EnvPrefix is prepended to every environment variable, e.g.
// AGENTCTL_STATE_DIR or AGENTCTL_PUSH_INTERVAL
const EnvPrefix = "AGENTCTL"

type Config struct {
	StateDir      string `mapstructure:"state_dir"`
	AgentSocket   string `mapstructure:"agent_socket"`
	ControlSocket string `mapstructure:"control_socket"`
	PIDFile       string `mapstructure:"pid_file"`

	Socket   SocketConfig   `mapstructure:"socket"`
	Pull     PullConfig     `mapstructure:"pull"`
	Push     PushConfig     `mapstructure:"push"`
	Manager  ManagerConfig  `mapstructure:"manager"`
	Shutdown ShutdownConfig `mapstructure:"shutdown"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Log      LogConfig      `mapstructure:"log"`
}

type SocketConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type PullConfig struct {
	ListenAddr       string        `mapstructure:"listen_addr"`
	AllowedIPs       []string      `mapstructure:"allowed_ips"`
	MaxConnections   int           `mapstructure:"max_connections"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	RelayTimeout     time.Duration `mapstructure:"relay_timeout"`
}

type PushConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	UploadTimeout time.Duration `mapstructure:"upload_timeout"`
}

type ManagerConfig struct {
	RescanInterval time.Duration `mapstructure:"rescan_interval"`
}

type ShutdownConfig struct {
	Grace time.Duration `mapstructure:"grace"`
}

type JournalConfig struct {
	Keep int `mapstructure:"keep"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("socket.timeout", agentsock.DefaultTimeout)
	v.SetDefault("pull.listen_addr", pull.DefaultListenAddr)
	v.SetDefault("pull.allowed_ips", []string{})
	v.SetDefault("pull.max_connections", pull.DefaultMaxConnections)
	v.SetDefault("pull.handshake_timeout", pull.DefaultHandshakeTimeout)
	v.SetDefault("pull.relay_timeout", pull.DefaultRelayTimeout)
	v.SetDefault("push.interval", push.DefaultInterval)
	v.SetDefault("push.max_backoff", push.DefaultMaxBackoff)
	v.SetDefault("push.dial_timeout", push.DefaultDialTimeout)
	v.SetDefault("push.upload_timeout", push.DefaultUploadTimeout)
	v.SetDefault("manager.rescan_interval", manager.DefaultRescanInterval)
	v.SetDefault("shutdown.grace", manager.DefaultShutdownGrace)
	v.SetDefault("journal.keep", journal.DefaultKeep)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// flagKeys maps command-line flag names to configuration keys
var flagKeys = map[string]string{
	"state-dir": "state_dir",
	"log-level": "log.level",
}

// Load reads configuration. An empty path means the default location,
// which may be absent; an explicit path must exist. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Keys without defaults are invisible to AutomaticEnv during Unmarshal
	for _, key := range []string{"state_dir", "agent_socket", "control_socket", "pid_file"} {
		_ = v.BindEnv(key)
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("%w: binding --%s: %w", ErrConfig, name, err)
				}
			}
		}
	}

	explicit := path != ""
	if !explicit {
		path = paths.DefaultConfigPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: reading %s: %w", ErrConfig, path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	cfg.fillPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// fillPaths derives file locations that were not configured. An explicit
// state directory also hosts the control socket, so that separate state
// directories never share a daemon.
func (c *Config) fillPaths() {
	runtimeDir := paths.DefaultRuntimeDir()
	if c.StateDir == "" {
		c.StateDir = paths.DefaultStateDir()
	} else {
		runtimeDir = filepath.Join(c.StateDir, "run")
	}
	if c.AgentSocket == "" {
		c.AgentSocket = paths.AgentSocketPath(c.StateDir)
	}
	if c.ControlSocket == "" {
		c.ControlSocket = paths.ControlSocketPath(runtimeDir)
	}
	if c.PIDFile == "" {
		c.PIDFile = paths.PIDPath(runtimeDir)
	}
}

// Validate reports the first unusable setting
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
	}

	if c.StateDir == "" {
		return invalid("state_dir must not be empty")
	}
	if _, _, err := net.SplitHostPort(c.Pull.ListenAddr); err != nil {
		return invalid("pull.listen_addr %q: %v", c.Pull.ListenAddr, err)
	}
	if _, err := netutil.ParseAllowlist(c.Pull.AllowedIPs); err != nil {
		return invalid("pull.allowed_ips: %v", err)
	}
	if c.Pull.MaxConnections <= 0 {
		return invalid("pull.max_connections must be positive, got %d", c.Pull.MaxConnections)
	}
	if c.Journal.Keep <= 0 {
		return invalid("journal.keep must be positive, got %d", c.Journal.Keep)
	}

	durations := []struct {
		key string
		d   time.Duration
	}{
		{"socket.timeout", c.Socket.Timeout},
		{"pull.handshake_timeout", c.Pull.HandshakeTimeout},
		{"pull.relay_timeout", c.Pull.RelayTimeout},
		{"push.interval", c.Push.Interval},
		{"push.max_backoff", c.Push.MaxBackoff},
		{"push.dial_timeout", c.Push.DialTimeout},
		{"push.upload_timeout", c.Push.UploadTimeout},
		{"manager.rescan_interval", c.Manager.RescanInterval},
		{"shutdown.grace", c.Shutdown.Grace},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return invalid("%s must be positive, got %s", d.key, d.d)
		}
	}
	if c.Push.MaxBackoff < c.Push.Interval {
		return invalid("push.max_backoff (%s) is shorter than push.interval (%s)", c.Push.MaxBackoff, c.Push.Interval)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level %q: want debug, info, warn or error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return invalid("log.format %q: want text or json", c.Log.Format)
	}
	return nil
}

func (c *Config) RegistryPath() string { return paths.RegistryPath(c.StateDir) }
func (c *Config) JournalPath() string  { return paths.JournalPath(c.StateDir) }

// Allowlist parses pull.allowed_ips. Validate has already accepted it.
func (c *Config) Allowlist() netutil.Allowlist {
	al, _ := netutil.ParseAllowlist(c.Pull.AllowedIPs)
	return al
}

// ManagerConfig assembles the connection manager's settings
func (c *Config) ManagerConfig() manager.Config {
	return manager.Config{
		Push: push.Config{
			Interval:      c.Push.Interval,
			MaxBackoff:    c.Push.MaxBackoff,
			DialTimeout:   c.Push.DialTimeout,
			UploadTimeout: c.Push.UploadTimeout,
		},
		Pull: pull.Config{
			ListenAddr:       c.Pull.ListenAddr,
			Allowlist:        c.Allowlist(),
			MaxConnections:   c.Pull.MaxConnections,
			HandshakeTimeout: c.Pull.HandshakeTimeout,
			RelayTimeout:     c.Pull.RelayTimeout,
		},
		RescanInterval: c.Manager.RescanInterval,
		ShutdownGrace:  c.Shutdown.Grace,
		JournalKeep:    c.Journal.Keep,
	}
}
