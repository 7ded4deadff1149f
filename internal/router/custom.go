package router

import (
	"context"

	"syncwire/internal/schema"
)

// handleCustom validates the input against the procedure's declared schema
// and runs the handler inside a transaction with the db facade. Writes made
// through the facade inherit the request's message id, so the envelopes they
// emit correlate with the originating client mutation.
func (r *Router) handleCustom(ctx context.Context, rt *Route, req *Request) (*Response, error) {
	m, ok := rt.Mutations[req.Procedure]
	if !ok {
		return nil, UnknownProcedureError(req.Procedure)
	}

	if m.Validate != nil {
		value, issues := m.Validate.Validate(req.Input)
		if len(issues) > 0 {
			return nil, ValidationError(schema.JoinIssues(issues))
		}
		req.Input = value
	}

	var resp *Response
	err := r.backend.Transaction(ctx, func(tx Tx) error {
		data, err := m.Handler(ctx, req, newDB(tx, r.reg, r.backend.Clock(), req.MessageID))
		if err != nil {
			return err
		}
		resp = &Response{Data: data}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
