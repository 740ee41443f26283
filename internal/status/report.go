// Package status assembles what `agentctl status` prints: agent socket
// health, the registered connections and their live or last known state.
// Building a report never opens a network connection.
package status

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gurisko/agentctl/internal/agentsock"
	"github.com/gurisko/agentctl/internal/journal"
	"github.com/gurisko/agentctl/internal/manager"
	"github.com/gurisko/agentctl/internal/netutil"
	"github.com/gurisko/agentctl/internal/pull"
	"github.com/gurisko/agentctl/internal/registry"
)

// ReasonDaemonNotRunning is reported for every connection while no daemon
// answers on the control socket
const ReasonDaemonNotRunning = "daemon not running"

// HealthChecker probes the local agent socket
type HealthChecker interface {
	Check(ctx context.Context) agentsock.Health
}

// RegistryLoader reads the registry
type RegistryLoader interface {
	Load() (*registry.Registry, error)
}

// StateSource supplies live connection states, normally from the daemon
type StateSource interface {
	Overview(ctx context.Context) (*manager.Overview, error)
}

// OutcomeSource supplies persisted last outcomes
type OutcomeSource interface {
	Latest(ctx context.Context) (map[string]journal.Outcome, error)
}

// Report is one status snapshot
type Report struct {
	AgentSocket   agentsock.Health `json:"agent_socket"`
	DaemonRunning bool             `json:"daemon_running"`
	IPAllowlist   string           `json:"ip_allowlist"`
	Pull          *PullSummary     `json:"pull,omitempty"`
	Connections   []Connection     `json:"connections"`
	GeneratedAt   time.Time        `json:"generated_at"`
}

// PullSummary describes the pull listener of a running daemon
type PullSummary struct {
	Address string     `json:"address"`
	Stats   pull.Stats `json:"stats"`
}

// Connection is one registration as shown by status
type Connection struct {
	ID          string                  `json:"id"`
	UUID        string                  `json:"uuid"`
	Mode        registry.Mode           `json:"mode"`
	Address     string                  `json:"address,omitempty"`
	PeerName    string                  `json:"peer_name,omitempty"`
	Label       string                  `json:"label,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	State       manager.ConnectionState `json:"state"`
	Reason      string                  `json:"reason,omitempty"`
	LastSuccess *time.Time              `json:"last_success,omitempty"`
	LastFailure *time.Time              `json:"last_failure,omitempty"`
	LastError   string                  `json:"last_error,omitempty"`
	Certificate *CertificateInfo        `json:"certificate,omitempty"`
}

// CertificateInfo summarises the host identity used for a connection
type CertificateInfo struct {
	Subject  string    `json:"subject"`
	Issuer   string    `json:"issuer"`
	NotAfter time.Time `json:"not_after"`
}

// Reporter builds reports
type Reporter struct {
	Registry RegistryLoader
	Agent    HealthChecker
	// States may be nil when no daemon is expected
	States StateSource
	// Outcomes may be nil when no journal exists yet
	Outcomes  OutcomeSource
	Allowlist netutil.Allowlist
	Logger    *slog.Logger
	Now       func() time.Time
}

func (r *Reporter) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Report probes the agent socket once and merges registry, daemon state
// and journal. Only an unreadable registry is an error.
func (r *Reporter) Report(ctx context.Context) (Report, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	rep := Report{
		AgentSocket: r.Agent.Check(ctx),
		IPAllowlist: r.Allowlist.String(),
		GeneratedAt: now().UTC(),
	}

	current, err := r.Registry.Load()
	if err != nil {
		return rep, err
	}

	live := map[string]manager.Entry{}
	if r.States != nil {
		ov, err := r.States.Overview(ctx)
		switch {
		case err == nil:
			rep.DaemonRunning = true
			for _, e := range ov.Connections {
				live[e.ID] = e
			}
			if ov.Pull.Address != "" {
				rep.Pull = &PullSummary{Address: ov.Pull.Address, Stats: ov.Pull.Stats}
			}
		default:
			r.logger().Debug("daemon state unavailable", "err", err)
		}
	}

	outcomes := map[string]journal.Outcome{}
	if r.Outcomes != nil {
		if got, err := r.Outcomes.Latest(ctx); err == nil {
			outcomes = got
		} else if !errors.Is(err, journal.ErrNotFound) {
			r.logger().Warn("journal unreadable", "err", err)
		}
	}

	rep.Connections = make([]Connection, 0, current.Len())
	for _, reg := range current.Registrations {
		c := Connection{
			ID:        reg.ID,
			UUID:      reg.UUID,
			Mode:      reg.Mode,
			Address:   reg.Address,
			PeerName:  reg.PeerName,
			Label:     reg.Label,
			CreatedAt: reg.CreatedAt,
		}
		if leaf, err := reg.Identity.Leaf(); err == nil {
			c.Certificate = &CertificateInfo{
				Subject:  leaf.Subject.CommonName,
				Issuer:   leaf.Issuer.CommonName,
				NotAfter: leaf.NotAfter.UTC(),
			}
		}

		switch e, ok := live[reg.ID]; {
		case !rep.DaemonRunning:
			c.State = manager.StateStopped
			c.Reason = ReasonDaemonNotRunning
		case ok:
			c.State = e.State
			c.Reason = e.Reason
			c.LastSuccess, c.LastFailure = e.LastSuccess, e.LastFailure
			c.LastError = e.LastError
		default:
			c.State = manager.StateIdle
			c.Reason = "not yet picked up by the daemon"
		}

		if o, ok := outcomes[reg.ID]; ok {
			c.LastSuccess = newer(c.LastSuccess, o.LastSuccess)
			c.LastFailure = newer(c.LastFailure, o.LastFailure)
			if c.LastError == "" {
				c.LastError = o.LastError
			}
		}
		rep.Connections = append(rep.Connections, c)
	}
	return rep, nil
}

func newer(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}
