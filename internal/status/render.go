package status

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/gurisko/agentctl/internal/manager"
)

// WriteJSON renders the report as indented JSON
func WriteJSON(w io.Writer, rep Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// WriteText renders the report for humans
func WriteText(w io.Writer, rep Report) error {
	var b strings.Builder

	if rep.AgentSocket.Operational {
		fmt.Fprintf(&b, "Agent socket: %s\n", color.GreenString("operational"))
	} else {
		fmt.Fprintf(&b, "Agent socket: %s: %s\n", color.New(color.FgRed, color.Bold).Sprint("inoperational (!!)"), rep.AgentSocket.Reason)
	}

	if rep.DaemonRunning {
		b.WriteString("Daemon: " + color.GreenString("running") + "\n")
	} else {
		b.WriteString("Daemon: " + color.YellowString("not running") + "\n")
	}
	fmt.Fprintf(&b, "IP allowlist: %s\n", rep.IPAllowlist)
	if rep.Pull != nil {
		s := rep.Pull.Stats
		fmt.Fprintf(&b, "Pull listener: %s (relayed %d, rejected %d, refused %d, agent unavailable %d, failed %d)\n",
			rep.Pull.Address, s.Relayed, s.Rejected, s.Refused, s.AgentUnavailable, s.Failed)
	}
	b.WriteString("\n")

	if len(rep.Connections) == 0 {
		b.WriteString("No connections\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	fmt.Fprintf(&b, "Connections: %d\n", len(rep.Connections))
	for _, c := range rep.Connections {
		b.WriteString("\n")
		b.WriteString(color.New(color.Bold).Sprint(c.ID))
		if c.Label != "" {
			b.WriteString(color.HiBlackString(" (" + c.Label + ")"))
		}
		b.WriteString("\n")

		field(&b, "UUID", c.UUID)
		field(&b, "Mode", string(c.Mode))
		if c.Address != "" {
			field(&b, "Address", c.Address)
		}
		if c.PeerName != "" {
			field(&b, "Peer name", c.PeerName)
		}
		state := stateColor(c.State).Sprint(string(c.State))
		if c.Reason != "" {
			state += ": " + c.Reason
		}
		field(&b, "State", state)
		if c.LastSuccess != nil {
			field(&b, "Last success", formatTime(*c.LastSuccess))
		}
		if c.LastFailure != nil {
			failure := formatTime(*c.LastFailure)
			if c.LastError != "" {
				failure += " (" + c.LastError + ")"
			}
			field(&b, "Last failure", failure)
		}
		if c.Certificate != nil {
			cert := fmt.Sprintf("%s, issued by %s, expires %s", c.Certificate.Subject, c.Certificate.Issuer, formatTime(c.Certificate.NotAfter))
			if time.Until(c.Certificate.NotAfter) < 0 {
				cert = color.RedString(cert + " (expired)")
			}
			field(&b, "Certificate", cert)
		}
		field(&b, "Registered", formatTime(c.CreatedAt))
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func field(b *strings.Builder, name, value string) {
	fmt.Fprintf(b, "  %-14s %s\n", name+":", value)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func stateColor(s manager.ConnectionState) *color.Color {
	switch s {
	case manager.StateActive:
		return color.New(color.FgGreen)
	case manager.StateFailed:
		return color.New(color.FgRed)
	case manager.StateConnecting, manager.StateIdle:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgYellow)
	}
}
