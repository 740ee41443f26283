package manager

import (
	"time"

	"github.com/gurisko/agentctl/internal/pull"
	"github.com/gurisko/agentctl/internal/registry"
)

// ConnectionState is the lifecycle state of one registration
type ConnectionState string

const (
	// StateIdle means the connection is configured and waiting: a push
	// registration between cycles, including a retry after a failure
	StateIdle ConnectionState = "idle"
	// StateConnecting covers a push cycle's dial and TLS handshake
	StateConnecting ConnectionState = "connecting"
	// StateActive means data can flow: a push upload in flight, or a pull
	// registration routed on a listening socket
	StateActive  ConnectionState = "active"
	StateFailed  ConnectionState = "failed"
	StateStopped ConnectionState = "stopped"
)

// Entry is a copy of the manager's view of one registration
type Entry struct {
	ID          string          `json:"id"`
	UUID        string          `json:"uuid"`
	Mode        registry.Mode   `json:"mode"`
	Address     string          `json:"address,omitempty"`
	State       ConnectionState `json:"state"`
	Reason      string          `json:"reason,omitempty"`
	Failures    int             `json:"consecutive_failures,omitempty"`
	Since       time.Time       `json:"since"`
	LastSuccess *time.Time      `json:"last_success,omitempty"`
	LastFailure *time.Time      `json:"last_failure,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
}

func (e *Entry) set(state ConnectionState, reason string, now time.Time) {
	if e.State != state {
		e.Since = now
	}
	e.State = state
	e.Reason = reason
}

// succeeded and failed record a transfer outcome. Neither changes State.
func (e *Entry) succeeded(now time.Time) {
	t := now
	e.LastSuccess = &t
	e.Failures = 0
}

func (e *Entry) failed(reason string, now time.Time) {
	t := now
	e.LastFailure = &t
	e.LastError = reason
	e.Failures++
}

func (e Entry) clone() Entry {
	if e.LastSuccess != nil {
		t := *e.LastSuccess
		e.LastSuccess = &t
	}
	if e.LastFailure != nil {
		t := *e.LastFailure
		e.LastFailure = &t
	}
	return e
}

// Overview is the daemon's answer to a status query
type Overview struct {
	Connections []Entry      `json:"connections"`
	Pull        PullOverview `json:"pull"`
}

// PullOverview describes the shared pull listener
type PullOverview struct {
	Address string     `json:"address,omitempty"`
	Stats   pull.Stats `json:"stats"`
}
