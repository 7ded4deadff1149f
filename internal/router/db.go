package router

import (
	"context"

	"syncwire/internal/query"
	"syncwire/internal/record"
	"syncwire/internal/schema"
)

// DB is the collection-typed storage facade handed to lifecycle hooks and
// custom mutation handlers. It runs on the handler's transaction; writes are
// stamped with fresh timestamps and carry the request's message id.
type DB struct {
	tx    Tx
	reg   *schema.Registry
	clock *record.Clock
	msgID string
}

func newDB(tx Tx, reg *schema.Registry, clock *record.Clock, msgID string) *DB {
	return &DB{tx: tx, reg: reg, clock: clock, msgID: msgID}
}

// Collection scopes the facade to one resource.
func (d *DB) Collection(resource string) *Collection {
	return &Collection{db: d, resource: resource}
}

type Collection struct {
	db       *DB
	resource string
}

// FindByID fetches one record; store.ErrNotFound when absent.
func (c *Collection) FindByID(ctx context.Context, id string, inc query.Include) (record.Materialized, error) {
	return c.db.tx.FindByID(ctx, c.resource, id, inc)
}

// Find runs a predicate query against the transaction.
func (c *Collection) Find(ctx context.Context, w query.Where, inc query.Include) ([]record.Materialized, error) {
	return c.db.tx.Get(ctx, query.Raw{Resource: c.resource, Where: w, Include: inc})
}

// Insert writes a new record from bare field values, stamping every field
// with the next clock timestamp.
func (c *Collection) Insert(ctx context.Context, id string, fields map[string]any) (record.Materialized, error) {
	payload := record.FromPlain(fields, c.db.clock.Next())
	rec, _, err := c.db.tx.Insert(ctx, c.resource, id, payload, c.db.msgID)
	return rec, err
}

// Update merges bare field values onto a stored record under per-field LWW.
// Returns the merged record and the fields that won.
func (c *Collection) Update(ctx context.Context, id string, fields map[string]any) (record.Materialized, []string, error) {
	payload := record.FromPlain(fields, c.db.clock.Next())
	return c.db.tx.Update(ctx, c.resource, id, payload, c.db.msgID)
}
