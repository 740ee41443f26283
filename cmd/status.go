//go:build unix

package cmd

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gurisko/agentctl/internal/agentsock"
	"github.com/gurisko/agentctl/internal/apiclient"
	"github.com/gurisko/agentctl/internal/journal"
	"github.com/gurisko/agentctl/internal/registry"
	"github.com/gurisko/agentctl/internal/status"
)

const statusTimeout = 10 * time.Second

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent socket health and connection states",
	Long: `Show whether the local agent socket is operational and the state of
every registered connection.

Live states come from the daemon. When it is not running every connection is
reported as stopped, with the last outcomes recorded in the journal.

Examples:
  agentctl status
  agentctl status --json | jq '.connections[] | select(.state=="failed")'`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
	defer cancel()

	reporter := &status.Reporter{
		Registry:  registry.NewStore(cfg.RegistryPath()),
		Agent:     agentsock.New(cfg.AgentSocket, cfg.Socket.Timeout),
		States:    status.DaemonSource{Client: apiclient.New(cfg.ControlSocket)},
		Allowlist: cfg.Allowlist(),
		Logger:    logger,
	}

	j, err := journal.OpenReadOnly(cfg.JournalPath())
	switch {
	case err == nil:
		defer j.Close()
		reporter.Outcomes = j
	case !errors.Is(err, journal.ErrNotFound):
		logger.Warn("journal unavailable, last outcomes omitted", "err", err)
	}

	report, err := reporter.Report(ctx)
	if err != nil {
		return err
	}
	if statusJSON {
		return status.WriteJSON(os.Stdout, report)
	}
	return status.WriteText(os.Stdout, report)
}
