package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"syncwire/internal/query"
	"syncwire/internal/record"
	"syncwire/internal/schema"
)

// Decision is the outcome of an authorization policy. Allow=false rejects
// outright. A non-empty Where narrows instead: for reads it is AND-merged into
// the query predicate, for writes the target record must match it.
type Decision struct {
	Allow bool
	Where query.Where
}

func Allow() Decision               { return Decision{Allow: true} }
func Deny() Decision                { return Decision{} }
func Filter(w query.Where) Decision { return Decision{Allow: true, Where: w} }

// Policy authorizes one request against an optional target record. rec is nil
// for reads and for inserts evaluated before the write.
type Policy func(ctx context.Context, req *Request, rec record.Materialized) (Decision, error)

// Auth groups the per-route authorization policies. Nil policies allow.
// UpdatePre sees the record as stored before the merge, UpdatePost and Insert
// see the written result inside the transaction; a failed post check rolls
// the write back.
type Auth struct {
	Read       Policy
	Insert     Policy
	UpdatePre  Policy
	UpdatePost Policy
}

// Hook runs inside the mutation transaction with a storage facade. Returning
// an error aborts and rolls back.
type Hook func(ctx context.Context, req *Request, db *DB, rec record.Materialized) error

// Mutation is a custom procedure: input validation followed by a handler run
// inside a transaction against the db facade.
type Mutation struct {
	Validate schema.Validator
	Handler  func(ctx context.Context, req *Request, db *DB) (any, error)
}

// Route wires one resource into the router.
type Route struct {
	Resource   string
	Middleware []Middleware
	Auth       Auth

	BeforeInsert Hook
	AfterInsert  Hook
	BeforeUpdate Hook
	AfterUpdate  Hook

	Mutations map[string]*Mutation
}

// ExprPolicy builds a Policy from an expr-lang boolean expression. The
// expression sees `context` (the request context from the context provider),
// `record` (the target, plain form, nil-safe) and `input` (the mutation
// payload, plain form). The program is compiled once and cached.
func ExprPolicy(src string) Policy {
	var once sync.Once
	var prog *vm.Program
	var compileErr error
	return func(ctx context.Context, req *Request, rec record.Materialized) (Decision, error) {
		once.Do(func() {
			prog, compileErr = expr.Compile(src, expr.AsBool())
		})
		if compileErr != nil {
			return Deny(), fmt.Errorf("compile policy: %w", compileErr)
		}
		env := map[string]any{
			"context": req.Context,
			"record":  map[string]any{},
			"input":   map[string]any{},
		}
		if rec != nil {
			env["record"] = rec.Plain()
		}
		if req.Payload != nil {
			env["input"] = req.Payload.Plain()
		}
		out, err := expr.Run(prog, env)
		if err != nil {
			return Deny(), fmt.Errorf("evaluate policy: %w", err)
		}
		allowed, ok := out.(bool)
		if !ok {
			return Deny(), fmt.Errorf("policy did not return bool")
		}
		return Decision{Allow: allowed}, nil
	}
}
