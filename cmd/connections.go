//go:build unix

package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gurisko/agentctl/internal/apiclient"
	"github.com/gurisko/agentctl/internal/limits"
	"github.com/gurisko/agentctl/internal/registry"
)

const nudgeTimeout = 2 * time.Second

var connectionsCmd = &cobra.Command{
	Use:     "connections",
	Aliases: []string{"conn"},
	Short:   "Manage registered site connections",
}

var (
	connListJSON bool
	connRmYes    bool
	connRmJSON   bool
)

var connectionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered connections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := registry.NewStore(cfg.RegistryPath()).Load()
		if err != nil {
			return err
		}
		if connListJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(reg.Registrations)
		}
		if reg.Len() == 0 {
			fmt.Println("No connections registered")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMODE\tADDRESS\tUUID\tCREATED")
		for _, r := range reg.Registrations {
			addr := r.Address
			if addr == "" {
				addr = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Mode, addr, r.UUID, r.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var connectionsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Register connections from a site bundle",
	Long: `Register one or more connections from a YAML or JSON bundle issued by a
monitoring site. Use "-" to read the bundle from stdin.

A bundle holds id, mode (push or pull), address (push only), certificate,
private_key, trust_anchor and optionally uuid, peer_name and label. An id
that is already registered is refused; remove it first to change its mode.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

var connectionsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a connection by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := strings.TrimSpace(args[0])
		if ok, err := confirm(fmt.Sprintf("Remove connection %s?", id)); err != nil || !ok {
			return err
		}

		removed, err := registry.NewStore(cfg.RegistryPath()).Remove(id)
		if err != nil {
			return err
		}
		nudgeDaemon(cmd.Context())

		if connRmJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"removed": []string{removed.ID}})
		}
		fmt.Println("Removed", removed.ID)
		return nil
	},
}

var connectionsRemoveAllCmd = &cobra.Command{
	Use:   "remove-all",
	Short: "Remove every registered connection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if ok, err := confirm("Remove ALL connections?"); err != nil || !ok {
			return err
		}

		removed, err := registry.NewStore(cfg.RegistryPath()).RemoveAll()
		if err != nil {
			return err
		}
		nudgeDaemon(cmd.Context())

		ids := make([]string, 0, len(removed))
		for _, r := range removed {
			ids = append(ids, r.ID)
		}
		if connRmJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"removed": ids})
		}
		fmt.Printf("Removed %d connection(s)\n", len(ids))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(connectionsCmd)
	connectionsCmd.AddCommand(connectionsListCmd, connectionsImportCmd, connectionsRemoveCmd, connectionsRemoveAllCmd)

	connectionsListCmd.Flags().BoolVar(&connListJSON, "json", false, "output JSON")
	for _, c := range []*cobra.Command{connectionsRemoveCmd, connectionsRemoveAllCmd} {
		c.Flags().BoolVarP(&connRmYes, "yes", "y", false, "assume yes")
		c.Flags().BoolVar(&connRmJSON, "json", false, "print JSON")
	}
}

func runImport(cmd *cobra.Command, args []string) error {
	data, err := readBundle(args[0])
	if err != nil {
		return err
	}
	bundles, err := registry.ParseBundles(data)
	if err != nil {
		return err
	}

	store := registry.NewStore(cfg.RegistryPath())
	var errs []error
	imported := 0
	for _, b := range bundles {
		r, err := b.Registration()
		if err == nil {
			r, err = store.Insert(r)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		imported++
		logger.Debug("registered connection", "registration", r)
		fmt.Printf("Imported %s (%s, uuid=%s)\n", r.ID, r.Mode, r.UUID)
	}
	if imported > 0 {
		nudgeDaemon(cmd.Context())
	}
	return errors.Join(errs...)
}

func readBundle(path string) ([]byte, error) {
	var src io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		src = f
	}
	data, err := io.ReadAll(io.LimitReader(src, limits.Bundle+1))
	if err != nil {
		return nil, err
	}
	if len(data) > limits.Bundle {
		return nil, fmt.Errorf("%w: bundle exceeds %d bytes", registry.ErrInvalid, limits.Bundle)
	}
	return data, nil
}

// confirm asks on the terminal unless -y was given. It refuses to prompt
// on non-interactive stdin.
func confirm(question string) (bool, error) {
	if connRmYes {
		return true, nil
	}
	if fi, _ := os.Stdin.Stat(); fi == nil || (fi.Mode()&os.ModeCharDevice) == 0 {
		return false, errors.New("refusing to prompt on non-interactive stdin; use -y to confirm")
	}
	fmt.Printf("%s [y/N]: ", question)
	reader := bufio.NewReader(os.Stdin)
	ans, _ := reader.ReadString('\n')
	ans = strings.ToLower(strings.TrimSpace(ans))
	if ans != "y" && ans != "yes" {
		fmt.Println("aborted")
		return false, nil
	}
	return true, nil
}

// nudgeDaemon asks a running daemon to apply registry changes now. The
// daemon also notices them on its own, so failures are only logged.
func nudgeDaemon(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, nudgeTimeout)
	defer cancel()

	err := apiclient.New(cfg.ControlSocket).PostJSON(ctx, "/api/reconcile", struct{}{}, nil)
	switch {
	case err == nil:
		logger.Debug("daemon reconciled")
	case errors.Is(err, apiclient.ErrDaemonUnavailable):
		logger.Debug("daemon not running; changes apply on next start")
	case apiclient.IsShuttingDown(err):
		logger.Debug("daemon is shutting down; changes apply on next start")
	default:
		logger.Warn("daemon did not reconcile", "err", err)
	}
}
