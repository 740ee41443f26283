//go:build unix

package daemon

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gurisko/agentctl/internal/manager"
	"github.com/gurisko/agentctl/internal/registry"
)

// ReconcileResponse reports the connection count after a reconcile
type ReconcileResponse struct {
	Connections int `json:"connections"`
}

// handleConnections returns the live connection states and pull listener
// counters
func (d *Daemon) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, d.manager.Overview(), http.StatusOK)
}

// handleReconcile applies registry changes immediately. The CLI calls it
// after import and remove so that it need not wait for the file watcher.
func (d *Daemon) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Body != nil {
		defer r.Body.Close()
	}

	if err := d.manager.Reconcile(r.Context()); err != nil {
		if errors.Is(err, manager.ErrClosed) {
			writeError(w, "daemon is shutting down", http.StatusServiceUnavailable)
			return
		}
		if errors.Is(err, registry.ErrCorrupt) {
			// The run loop owns the shutdown that follows corruption
			d.manager.Nudge()
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		writeError(w, fmt.Sprintf("reconcile failed: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, ReconcileResponse{Connections: len(d.manager.Snapshot())}, http.StatusOK)
}
