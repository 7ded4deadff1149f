package wire

import (
	"syncwire/internal/query"
	"syncwire/internal/record"
)

// Message types carried in Envelope.Type. SUBSCRIBE, UNSUBSCRIBE, QUERY and
// MUTATE flow client to server; REPLY and REJECT flow back; a server-sent
// MUTATE is a live delta for a standing query.
const (
	TypeSubscribe   = "SUBSCRIBE"
	TypeUnsubscribe = "UNSUBSCRIBE"
	TypeQuery       = "QUERY"
	TypeMutate      = "MUTATE"
	TypeReply       = "REPLY"
	TypeReject      = "REJECT"
)

// Envelope is the framed JSON message exchanged over the sync transport.
// Every message carries an id; REPLY and REJECT echo the id of the message
// they answer. Fields are populated per type, the rest stay empty.
type Envelope struct {
	ID         string              `json:"id"`
	Type       string              `json:"type"`
	Resource   string              `json:"resource,omitempty"`
	ResourceID string              `json:"resourceId,omitempty"`
	Procedure  string              `json:"procedure,omitempty"`
	Payload    record.Materialized `json:"payload,omitempty"`
	Input      any                 `json:"input,omitempty"`
	Query      *query.Raw          `json:"query,omitempty"`
	QueryHash  string              `json:"queryHash,omitempty"`
	Data       any                 `json:"data,omitempty"`
	Message    string              `json:"message,omitempty"`
}

// Reply builds the success answer to the message with the given id.
func Reply(id string, data any) *Envelope {
	return &Envelope{ID: id, Type: TypeReply, Data: data}
}

// Reject builds the failure answer to the message with the given id.
func Reject(id, resource, message string) *Envelope {
	return &Envelope{ID: id, Type: TypeReject, Resource: resource, Message: message}
}

// Delta builds a server-pushed live mutation for a standing query.
func Delta(mut *record.Mutation) *Envelope {
	return &Envelope{
		ID:         mut.ID,
		Type:       TypeMutate,
		Resource:   mut.Resource,
		ResourceID: mut.ResourceID,
		Procedure:  mut.Procedure,
		Payload:    mut.Payload,
	}
}

// ConnState is the client transport lifecycle.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
