package client

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"syncwire/internal/record"
	"syncwire/internal/schema"
	"syncwire/internal/wire"
)

// Insert sends a generic insert, applying it optimistically first. Generic
// mutations carry concrete field timestamps, so they require a live
// connection; offline callers get ErrNotConnected and no local change.
func (c *Client) Insert(ctx context.Context, resource, id string, fields map[string]any) (any, error) {
	if c.State() != wire.StateConnected {
		return nil, ErrNotConnected
	}

	payload := record.FromPlain(fields, c.clock.Next())
	payload[schema.IDField] = record.FieldValue{Value: id}

	mutationID := uuid.NewString()
	c.store.ApplyInsert(resource, id, payload)
	c.emit(Event{Type: EventOptimisticApplied, MutationID: mutationID, Resource: resource, Optimistic: true})
	rollback := func() {
		c.store.Delete(resource, id)
		c.emit(Event{Type: EventOptimisticUndone, MutationID: mutationID, Resource: resource, Optimistic: true})
	}

	env := &wire.Envelope{
		ID:         mutationID,
		Type:       wire.TypeMutate,
		Resource:   resource,
		ResourceID: id,
		Procedure:  record.ProcedureInsert,
		Payload:    payload,
	}
	return c.sendAndAwait(ctx, env, rollback)
}

// Update sends a generic update with an optimistic local apply. The previous
// record snapshot is the rollback.
func (c *Client) Update(ctx context.Context, resource, id string, fields map[string]any) (any, error) {
	if c.State() != wire.StateConnected {
		return nil, ErrNotConnected
	}

	payload := record.FromPlain(fields, c.clock.Next())

	mutationID := uuid.NewString()
	prev := c.store.Snapshot(resource, id)
	c.store.ApplyUpdate(resource, id, payload)
	c.emit(Event{Type: EventOptimisticApplied, MutationID: mutationID, Resource: resource, Optimistic: true})
	rollback := func() {
		c.store.Restore(resource, id, prev)
		c.emit(Event{Type: EventOptimisticUndone, MutationID: mutationID, Resource: resource, Optimistic: true})
	}

	env := &wire.Envelope{
		ID:         mutationID,
		Type:       wire.TypeMutate,
		Resource:   resource,
		ResourceID: id,
		Procedure:  record.ProcedureUpdate,
		Payload:    payload,
	}
	return c.sendAndAwait(ctx, env, rollback)
}

// Mutate invokes a custom procedure. If an optimistic handler is registered,
// its predicted writes land immediately and are undone on rejection. Offline,
// a mutation with a handler is queued for replay as the original call, not as
// its predicted deltas; without a handler it fails.
func (c *Client) Mutate(ctx context.Context, resource, procedure string, input map[string]any) (any, error) {
	c.mu.Lock()
	handler := c.handlers[resource][procedure]
	connected := c.state == wire.StateConnected
	c.mu.Unlock()

	mutationID := uuid.NewString()
	var rollback func()
	if handler != nil {
		proxy := &Proxy{store: c.store, clock: c.clock}
		if err := runHandler(handler, proxy, input); err != nil {
			return nil, err
		}
		rollback = proxy.apply(c, mutationID)
	}

	env := &wire.Envelope{
		ID:        mutationID,
		Type:      wire.TypeMutate,
		Resource:  resource,
		Procedure: procedure,
		Input:     input,
	}

	if !connected {
		if handler == nil {
			return nil, ErrNotConnected
		}
		c.enqueue(env, rollback)
		return nil, nil
	}
	return c.sendAndAwait(ctx, env, rollback)
}

// runHandler confines a panicking prediction to its own mutation: nothing is
// recorded and the send is suppressed, like an error return.
func runHandler(h OptimisticHandler, p *Proxy, input map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("optimistic handler panic: %v", r)
		}
	}()
	return h(p, input)
}

func (c *Client) sendAndAwait(ctx context.Context, env *wire.Envelope, rollback func()) (any, error) {
	p, err := c.send(env, rollback)
	if err != nil {
		if rollback != nil {
			rollback()
		}
		return nil, err
	}
	c.emit(Event{Type: EventMutationSent, MutationID: env.ID, Resource: env.Resource, Optimistic: rollback != nil})
	return c.await(ctx, p)
}
