//go:build unix

package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gurisko/agentctl/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the agentctl daemon",
	Long: `Control the agentctl daemon that runs the registered connections.

The daemon:
- listens for pull sites and schedules uploads to push sites
- follows registry changes made by "agentctl connections"
- serves its live state on a Unix control socket`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Long: `Start the agentctl daemon in foreground mode.

For background operation, run it under your service manager or use:
  nohup agentctl daemon start > /tmp/agentctl-daemon.log 2>&1 &`,
	RunE: startDaemon,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Long:  "Stop the running daemon gracefully. Open connections get the configured shutdown grace period.",
	RunE:  stopDaemon,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon status",
	Long:  "Check if the agentctl daemon is running. See \"agentctl status\" for connection states.",
	RunE:  statusDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
}

func startDaemon(cmd *cobra.Command, args []string) error {
	return daemon.New(cfg, logger).Start(cmd.Context())
}

func stopDaemon(cmd *cobra.Command, args []string) error {
	if err := daemon.New(cfg, logger).Stop(); err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Println("agentctl daemon is not running")
			return nil
		}
		return err
	}
	fmt.Println("agentctl daemon stopped")
	return nil
}

func statusDaemon(cmd *cobra.Command, args []string) error {
	status, err := daemon.New(cfg, logger).GetStatus()
	if err != nil {
		return err
	}

	if !status.Running {
		switch {
		case status.PID > 0 && status.ErrorMessage != "":
			fmt.Printf("agentctl daemon process exists (PID: %d) but not responding\n", status.PID)
			fmt.Printf("  Socket: %s\n", status.SocketPath)
			fmt.Printf("  Error: %v\n", status.ErrorMessage)
		case status.PID > 0:
			fmt.Printf("agentctl daemon is not running (stale pidfile)\n")
			fmt.Printf("  Socket: %s\n", status.SocketPath)
		default:
			fmt.Printf("agentctl daemon is not running\n")
			fmt.Printf("  Socket: %s\n", status.SocketPath)
		}
		return nil
	}

	fmt.Printf("agentctl daemon running (PID: %d)\n", status.PID)
	fmt.Printf("  Socket: %s\n", status.SocketPath)
	fmt.Printf("  Uptime: %s\n", status.Uptime.Round(time.Second))
	return nil
}
