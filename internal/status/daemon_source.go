package status

import (
	"context"

	"github.com/gurisko/agentctl/internal/apiclient"
	"github.com/gurisko/agentctl/internal/manager"
)

// DaemonSource reads live state from the daemon's control socket
type DaemonSource struct {
	Client *apiclient.Client
}

func (d DaemonSource) Overview(ctx context.Context) (*manager.Overview, error) {
	var ov manager.Overview
	if err := d.Client.GetJSON(ctx, "/api/connections", &ov); err != nil {
		return nil, err
	}
	return &ov, nil
}
