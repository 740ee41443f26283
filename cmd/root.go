package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gurisko/agentctl/internal/config"
	"github.com/gurisko/agentctl/internal/logging"
)

var (
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "agentctl - monitoring agent connection controller",
	Long: `agentctl connects the local monitoring agent to remote monitoring sites.

Registered sites either pull agent output over mutually authenticated TLS
(pull mode) or receive it on a schedule (push mode). The daemon keeps the
connections in line with the registry; the other commands edit the registry
and report on it.`,
	PersistentPreRunE: loadConfig,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default $XDG_CONFIG_HOME/agentctl/agentctl.yaml)")
	pf.String("state-dir", "", "state directory holding the registry and journal")
	pf.String("log-level", "", "log level: debug, info, warn or error")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return err
	}
	cfg = c
	logger = logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Writer: os.Stderr,
	})
	slog.SetDefault(logger)
	return nil
}

func Execute() error {
	// Silence usage and errors to avoid cluttering output with Cobra defaults
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	return rootCmd.ExecuteContext(context.Background())
}
