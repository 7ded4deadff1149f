package router

import (
	"context"

	"syncwire/internal/query"
)

// handleQuery resolves the route's read policy, AND-merges any policy
// predicate into the request's where, and reads through the batching loader.
// The response carries the canonical hash of the effective query so the
// session can key its standing subscription.
func (r *Router) handleQuery(ctx context.Context, rt *Route, req *Request) (*Response, error) {
	q := req.Query
	q.Resource = req.Resource

	if p := rt.Auth.Read; p != nil {
		d, err := p(ctx, req, nil)
		if err != nil {
			return nil, err
		}
		if !d.Allow {
			return nil, NotAuthorizedError()
		}
		if len(d.Where) > 0 {
			q.Where = query.And(q.Where, d.Where)
		}
	}

	rows, err := r.loader.Load(ctx, q)
	if err != nil {
		return nil, err
	}
	return &Response{Data: rows, QueryHash: query.Hash(q), Query: q}, nil
}
