package router

import (
	"context"
	"fmt"

	"syncwire/internal/loader"
	"syncwire/internal/query"
	"syncwire/internal/record"
	"syncwire/internal/schema"
	"syncwire/internal/store"
	"syncwire/internal/wire"
)

// Backend is the persistence surface the router drives. *store.Store
// satisfies it through StoreBackend.
type Backend interface {
	Get(ctx context.Context, q query.Raw) ([]record.Materialized, error)
	FindByID(ctx context.Context, resource, id string, inc query.Include) (record.Materialized, error)
	Transaction(ctx context.Context, fn func(tx Tx) error) error
	Clock() *record.Clock
}

// Tx is the transactional slice of the backend handed to mutation handlers.
type Tx interface {
	Get(ctx context.Context, q query.Raw) ([]record.Materialized, error)
	FindByID(ctx context.Context, resource, id string, inc query.Include) (record.Materialized, error)
	Insert(ctx context.Context, resource, id string, payload record.Materialized, mutationID string) (record.Materialized, []string, error)
	Update(ctx context.Context, resource, id string, payload record.Materialized, mutationID string) (record.Materialized, []string, error)
}

// StoreBackend adapts *store.Store to the Backend interface.
type StoreBackend struct {
	Store *store.Store
}

func (b StoreBackend) Get(ctx context.Context, q query.Raw) ([]record.Materialized, error) {
	return b.Store.Get(ctx, q)
}

func (b StoreBackend) FindByID(ctx context.Context, resource, id string, inc query.Include) (record.Materialized, error) {
	return b.Store.FindByID(ctx, resource, id, inc)
}

func (b StoreBackend) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	return b.Store.Transaction(ctx, func(t *store.Tx) error { return fn(t) })
}

func (b StoreBackend) Clock() *record.Clock {
	return b.Store.Clock()
}

// Request is one decoded client message handed through the middleware chain.
// Context carries whatever the transport's context provider extracted
// (auth claims, cookies) and is addressable from authorization policies.
type Request struct {
	MessageID  string
	Type       string
	Resource   string
	ResourceID string
	Procedure  string
	Payload    record.Materialized
	Input      any
	Query      query.Raw
	Context    map[string]any
}

// Response is the payload of the REPLY envelope. Query is the effective query
// after read-policy narrowing; sessions register subscriptions against it.
type Response struct {
	Data           any       `json:"data,omitempty"`
	AcceptedValues []string  `json:"acceptedValues,omitempty"`
	QueryHash      string    `json:"queryHash,omitempty"`
	Query          query.Raw `json:"-"`
}

type Handler func(ctx context.Context, req *Request) (*Response, error)

// Middleware wraps a handler; chains compose right to left so the first
// middleware mounted sees the request first.
type Middleware func(next Handler) Handler

// Router dispatches decoded requests to per-resource routes.
type Router struct {
	reg     *schema.Registry
	backend Backend
	loader  *loader.Loader
	routes  map[string]*Route
	use     []Middleware
}

func New(reg *schema.Registry, backend Backend) *Router {
	return &Router{
		reg:     reg,
		backend: backend,
		loader:  loader.New(backend, reg),
		routes:  make(map[string]*Route),
	}
}

// Use appends router-wide middleware, run before any route middleware.
func (r *Router) Use(mw ...Middleware) {
	r.use = append(r.use, mw...)
}

// Mount registers a route. The resource must exist in the registry.
func (r *Router) Mount(rt *Route) error {
	if r.reg.Entity(rt.Resource) == nil {
		return fmt.Errorf("mount %q: unknown resource", rt.Resource)
	}
	r.routes[rt.Resource] = rt
	return nil
}

// Backend exposes the persistence surface for read-only consumers such as the
// livequery engine's data source.
func (r *Router) Backend() Backend {
	return r.backend
}

// Handle runs one request through the route's middleware chain down to the
// type-specific handler.
func (r *Router) Handle(ctx context.Context, req *Request) (*Response, error) {
	rt, ok := r.routes[req.Resource]
	if !ok {
		return nil, UnknownResourceError(req.Resource)
	}

	core := func(ctx context.Context, req *Request) (*Response, error) {
		return r.dispatch(ctx, rt, req)
	}
	h := core
	chain := append(append([]Middleware{}, r.use...), rt.Middleware...)
	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i](h)
	}
	return h(ctx, req)
}

func (r *Router) dispatch(ctx context.Context, rt *Route, req *Request) (*Response, error) {
	switch req.Type {
	case wire.TypeQuery, wire.TypeSubscribe:
		return r.handleQuery(ctx, rt, req)
	case wire.TypeMutate:
		switch req.Procedure {
		case record.ProcedureInsert, record.ProcedureUpdate:
			return r.handleGeneric(ctx, rt, req)
		default:
			return r.handleCustom(ctx, rt, req)
		}
	default:
		return nil, ValidationError(fmt.Sprintf("unsupported message type %q", req.Type))
	}
}

// finder is the read surface authorize needs; satisfied by Backend and Tx.
type finder interface {
	FindByID(ctx context.Context, resource, id string, inc query.Include) (record.Materialized, error)
}

// authorize resolves a policy against the target record. A predicate decision
// implies an include derived from its relational descents; the target is
// re-fetched with that include and matched in memory.
func (r *Router) authorize(ctx context.Context, f finder, p Policy, req *Request, rec record.Materialized) error {
	if p == nil {
		return nil
	}
	d, err := p(ctx, req, rec)
	if err != nil {
		return err
	}
	if !d.Allow {
		return NotAuthorizedError()
	}
	if len(d.Where) == 0 {
		return nil
	}
	full := rec
	if inc := query.IncludeFor(r.reg, req.Resource, d.Where); len(inc) > 0 {
		full, err = f.FindByID(ctx, req.Resource, rec.ID(), inc)
		if err != nil {
			return err
		}
	}
	if !query.Matches(r.reg, req.Resource, d.Where, full.Plain()) {
		return NotAuthorizedError()
	}
	return nil
}
