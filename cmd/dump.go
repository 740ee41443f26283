//go:build unix

package cmd

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gurisko/agentctl/internal/agentsock"
)

var dumpTimeout time.Duration

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print one snapshot from the local agent socket",
	Long: `Read the local agent socket once and print what it returns, exactly as
pull and push sites would receive it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := agentsock.New(cfg.AgentSocket, cfg.Socket.Timeout)
		data, err := c.ReadSnapshot(cmd.Context(), dumpTimeout)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

func init() {
	rootCmd.AddCommand(dumpCmd)
	dumpCmd.Flags().DurationVar(&dumpTimeout, "timeout", 30*time.Second, "read timeout")
}
