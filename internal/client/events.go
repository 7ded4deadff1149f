package client

import "syncwire/internal/wire"

// Event types emitted on the session's event channel.
const (
	EventConnectionChanged = "CONNECTION_CHANGED"
	EventMutationSent      = "MUTATION_SENT"
	EventOptimisticApplied = "OPTIMISTIC_MUTATION_APPLIED"
	EventOptimisticUndone  = "OPTIMISTIC_MUTATION_UNDONE"
	EventReplyReceived     = "REPLY_RECEIVED"
	EventRejectReceived    = "REJECT_RECEIVED"
)

// Event is one observation of session activity.
type Event struct {
	Type       string
	MutationID string
	Resource   string
	Optimistic bool
	State      wire.ConnState
	Message    string
}

// emit delivers without blocking; a slow consumer loses events rather than
// stalling the session.
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}
