package pull

import (
	"sync/atomic"
	"time"
)

// Stats counts pull connections by outcome since the listener started
type Stats struct {
	Accepted         int64 `json:"accepted"`
	Rejected         int64 `json:"rejected"`
	Relayed          int64 `json:"relayed"`
	AgentUnavailable int64 `json:"agent_unavailable"`
	Failed           int64 `json:"failed"`
	Refused          int64 `json:"refused"`
}

type counters struct {
	accepted         atomic.Int64
	rejected         atomic.Int64
	relayed          atomic.Int64
	agentUnavailable atomic.Int64
	failed           atomic.Int64
	refused          atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Accepted:         c.accepted.Load(),
		Rejected:         c.rejected.Load(),
		Relayed:          c.relayed.Load(),
		AgentUnavailable: c.agentUnavailable.Load(),
		Failed:           c.failed.Load(),
		Refused:          c.refused.Load(),
	}
}

// Outcome classifies how a pull connection ended
type Outcome string

const (
	OutcomeRelayed          Outcome = "relayed"
	OutcomeRejected         Outcome = "rejected"
	OutcomeAgentUnavailable Outcome = "agent_unavailable"
	OutcomeFailed           Outcome = "failed"
	OutcomeRefused          Outcome = "refused"
)

// Event reports the end of one pull connection. RegistrationID is empty
// when the connection never got as far as routing.
type Event struct {
	RegistrationID string
	Outcome        Outcome
	Remote         string
	Bytes          int64
	Err            error
	At             time.Time
}
