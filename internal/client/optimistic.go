package client

import (
	"syncwire/internal/query"
	"syncwire/internal/record"
)

// OptimisticHandler runs an application's local prediction of a custom
// mutation. It reads the current overlay through the proxy and records the
// writes the server is expected to make. If it returns an error, nothing is
// recorded and the wire send is suppressed.
type OptimisticHandler func(p *Proxy, input map[string]any) error

// Proxy is the optimistic storage surface handed to handlers: synchronous
// reads against the replica plus a write log. It is a builder over the log,
// not a mutable store; the session applies the log afterwards and keeps the
// inverse operations as the rollback.
type Proxy struct {
	store *Store
	clock *record.Clock
	ops   []proxyOp
}

type proxyOp struct {
	procedure string
	resource  string
	id        string
	payload   record.Materialized
}

// Query reads the current overlay.
func (p *Proxy) Query(resource string) *Query {
	return p.store.Query(resource)
}

// One is shorthand for Query(resource).One(id).
func (p *Proxy) One(resource, id string) *Query {
	return p.store.Query(resource).One(id)
}

// Where is shorthand for Query(resource).Where(w).
func (p *Proxy) Where(resource string, w query.Where) *Query {
	return p.store.Query(resource).Where(w)
}

// Insert records an optimistic insert.
func (p *Proxy) Insert(resource, id string, fields map[string]any) {
	payload := record.FromPlain(fields, p.clock.Next())
	payload["id"] = record.FieldValue{Value: id}
	p.ops = append(p.ops, proxyOp{
		procedure: record.ProcedureInsert,
		resource:  resource,
		id:        id,
		payload:   payload,
	})
}

// Update records an optimistic update.
func (p *Proxy) Update(resource, id string, fields map[string]any) {
	p.ops = append(p.ops, proxyOp{
		procedure: record.ProcedureUpdate,
		resource:  resource,
		id:        id,
		payload:   record.FromPlain(fields, p.clock.Next()),
	})
}

// apply commits the collected log to the replica and returns the rollback:
// the inverse log applied in reverse order.
func (p *Proxy) apply(c *Client, mutationID string) func() {
	inverses := make([]func(), 0, len(p.ops))
	for _, op := range p.ops {
		op := op
		switch op.procedure {
		case record.ProcedureInsert:
			p.store.ApplyInsert(op.resource, op.id, op.payload)
			inverses = append(inverses, func() {
				p.store.Delete(op.resource, op.id)
			})
		case record.ProcedureUpdate:
			prev := p.store.Snapshot(op.resource, op.id)
			p.store.ApplyUpdate(op.resource, op.id, op.payload)
			inverses = append(inverses, func() {
				p.store.Restore(op.resource, op.id, prev)
			})
		}
		c.emit(Event{
			Type:       EventOptimisticApplied,
			MutationID: mutationID,
			Resource:   op.resource,
			Optimistic: true,
		})
	}
	return func() {
		for i := len(inverses) - 1; i >= 0; i-- {
			inverses[i]()
		}
		c.emit(Event{Type: EventOptimisticUndone, MutationID: mutationID, Optimistic: true})
	}
}
