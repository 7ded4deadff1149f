package router

import (
	"context"
	"errors"

	"syncwire/internal/record"
	"syncwire/internal/store"
)

// handleGeneric runs the INSERT/UPDATE algorithm: precondition checks, merge,
// pre-authorization, transactional write carrying the client message id,
// post-authorization (failure rolls the write back), lifecycle hooks, reply
// with the materialized result and the accepted field list.
func (r *Router) handleGeneric(ctx context.Context, rt *Route, req *Request) (*Response, error) {
	if req.ResourceID == "" {
		return nil, ValidationError("resourceId is required")
	}
	if len(req.Payload) == 0 {
		return nil, ValidationError("input is required")
	}

	target, err := r.backend.FindByID(ctx, req.Resource, req.ResourceID, nil)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	isInsert := req.Procedure == record.ProcedureInsert
	if isInsert && target != nil {
		return nil, AlreadyExistsError()
	}
	if !isInsert && target == nil {
		return nil, NotFoundError()
	}

	// Merge before authorization: a mutation in which every field loses the
	// timestamp comparison is rejected without consulting policies.
	_, accepted := record.Merge(req.Payload, target)
	if len(accepted) == 0 {
		return nil, MutationRejectedError()
	}

	var resp *Response
	err = r.backend.Transaction(ctx, func(tx Tx) error {
		db := newDB(tx, r.reg, r.backend.Clock(), req.MessageID)

		if !isInsert {
			if err := r.authorize(ctx, tx, rt.Auth.UpdatePre, req, target); err != nil {
				return err
			}
			if rt.BeforeUpdate != nil {
				if err := rt.BeforeUpdate(ctx, req, db, target); err != nil {
					return err
				}
			}
		} else if rt.BeforeInsert != nil {
			if err := rt.BeforeInsert(ctx, req, db, nil); err != nil {
				return err
			}
		}

		var result record.Materialized
		var acceptedValues []string
		var werr error
		if isInsert {
			result, acceptedValues, werr = tx.Insert(ctx, req.Resource, req.ResourceID, req.Payload, req.MessageID)
		} else {
			result, acceptedValues, werr = tx.Update(ctx, req.Resource, req.ResourceID, req.Payload, req.MessageID)
		}
		switch {
		case errors.Is(werr, store.ErrAlreadyExists):
			return AlreadyExistsError()
		case errors.Is(werr, store.ErrNotFound):
			return NotFoundError()
		case werr != nil:
			return werr
		}
		// A concurrent writer may have won every field between the merge
		// check and the write.
		if result == nil {
			return MutationRejectedError()
		}

		post := rt.Auth.Insert
		after := rt.AfterInsert
		if !isInsert {
			post = rt.Auth.UpdatePost
			after = rt.AfterUpdate
		}
		if err := r.authorize(ctx, tx, post, req, result); err != nil {
			return err
		}
		if after != nil {
			if err := after(ctx, req, db, result); err != nil {
				return err
			}
		}

		resp = &Response{Data: result, AcceptedValues: acceptedValues}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
