package router

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"syncwire/internal/query"
	"syncwire/internal/record"
	"syncwire/internal/schema"
	"syncwire/internal/store"
	"syncwire/internal/wire"
)

// memBackend is an in-memory Backend with snapshot-restore transactions.
type memBackend struct {
	reg   *schema.Registry
	data  map[string]map[string]record.Materialized
	clock *record.Clock
}

func newMemBackend(reg *schema.Registry) *memBackend {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	return &memBackend{
		reg:  reg,
		data: make(map[string]map[string]record.Materialized),
		clock: record.NewClockAt(func() time.Time {
			n++
			return base.Add(time.Duration(n) * time.Second)
		}),
	}
}

func (b *memBackend) Clock() *record.Clock { return b.clock }

func (b *memBackend) Get(ctx context.Context, q query.Raw) ([]record.Materialized, error) {
	var out []record.Materialized
	for _, rec := range b.data[q.Resource] {
		if query.Matches(b.reg, q.Resource, q.Where, rec.Plain()) {
			out = append(out, rec)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (b *memBackend) FindByID(ctx context.Context, resource, id string, inc query.Include) (record.Materialized, error) {
	rec, ok := b.data[resource][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (b *memBackend) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	snapshot := make(map[string]map[string]record.Materialized, len(b.data))
	for res, recs := range b.data {
		cp := make(map[string]record.Materialized, len(recs))
		for id, rec := range recs {
			cp[id] = rec
		}
		snapshot[res] = cp
	}
	if err := fn(&memTx{b: b}); err != nil {
		b.data = snapshot
		return err
	}
	return nil
}

type memTx struct {
	b *memBackend
}

func (t *memTx) Get(ctx context.Context, q query.Raw) ([]record.Materialized, error) {
	return t.b.Get(ctx, q)
}

func (t *memTx) FindByID(ctx context.Context, resource, id string, inc query.Include) (record.Materialized, error) {
	return t.b.FindByID(ctx, resource, id, inc)
}

func (t *memTx) Insert(ctx context.Context, resource, id string, payload record.Materialized, mutationID string) (record.Materialized, []string, error) {
	if _, ok := t.b.data[resource][id]; ok {
		return nil, nil, store.ErrAlreadyExists
	}
	merged, accepted := record.Merge(payload, nil)
	merged["id"] = record.FieldValue{Value: id}
	if t.b.data[resource] == nil {
		t.b.data[resource] = make(map[string]record.Materialized)
	}
	t.b.data[resource][id] = merged
	return merged, accepted, nil
}

func (t *memTx) Update(ctx context.Context, resource, id string, payload record.Materialized, mutationID string) (record.Materialized, []string, error) {
	existing, ok := t.b.data[resource][id]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	merged, accepted := record.Merge(payload, existing)
	if len(accepted) == 0 {
		return nil, nil, nil
	}
	t.b.data[resource][id] = merged
	return merged, accepted, nil
}

func routerFixture(t *testing.T) (*Router, *memBackend) {
	t.Helper()
	reg := schema.NewRegistry()
	reg.AddEntity(&schema.Entity{Name: "users", Fields: []schema.Field{
		{Name: "name", Type: schema.TypeString},
	}})
	b := newMemBackend(reg)
	return New(reg, b), b
}

func stamped(fields map[string]any, ts string) record.Materialized {
	return record.FromPlain(fields, ts)
}

func TestGenericInsertThenDuplicateRejected(t *testing.T) {
	r, _ := routerFixture(t)
	if err := r.Mount(&Route{Resource: "users"}); err != nil {
		t.Fatalf("mount: %v", err)
	}

	req := &Request{
		MessageID:  "m1",
		Type:       wire.TypeMutate,
		Resource:   "users",
		ResourceID: "u1",
		Procedure:  record.ProcedureInsert,
		Payload:    stamped(map[string]any{"name": "A"}, "2026-01-01T00:00:02.000Z"),
	}
	resp, err := r.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(resp.AcceptedValues) != 1 || resp.AcceptedValues[0] != "name" {
		t.Fatalf("accepted: %v", resp.AcceptedValues)
	}

	_, err = r.Handle(context.Background(), req)
	var app *AppError
	if !errors.As(err, &app) || app.Message != "Resource already exists" {
		t.Fatalf("duplicate insert must reject, got %v", err)
	}
}

func TestGenericUpdateStaleFieldsRejected(t *testing.T) {
	r, b := routerFixture(t)
	if err := r.Mount(&Route{Resource: "users"}); err != nil {
		t.Fatalf("mount: %v", err)
	}

	insert := &Request{
		MessageID: "m1", Type: wire.TypeMutate, Resource: "users", ResourceID: "u1",
		Procedure: record.ProcedureInsert,
		Payload:   stamped(map[string]any{"name": "A"}, "2026-01-01T00:00:02.000Z"),
	}
	if _, err := r.Handle(context.Background(), insert); err != nil {
		t.Fatalf("insert: %v", err)
	}

	update := &Request{
		MessageID: "m2", Type: wire.TypeMutate, Resource: "users", ResourceID: "u1",
		Procedure: record.ProcedureUpdate,
		Payload:   stamped(map[string]any{"name": "B"}, "2026-01-01T00:00:01.000Z"),
	}
	_, err := r.Handle(context.Background(), update)
	var app *AppError
	if !errors.As(err, &app) || app.Message != "Mutation rejected" {
		t.Fatalf("stale update must reject with Mutation rejected, got %v", err)
	}
	if got := b.data["users"]["u1"]["name"].Value; got != "A" {
		t.Fatalf("stored name must stay A, got %v", got)
	}
	if got := b.data["users"]["u1"].Timestamp("name"); got != "2026-01-01T00:00:02.000Z" {
		t.Fatalf("stored timestamp must stay, got %v", got)
	}
}

func TestUpdateMissingTargetRejected(t *testing.T) {
	r, _ := routerFixture(t)
	if err := r.Mount(&Route{Resource: "users"}); err != nil {
		t.Fatalf("mount: %v", err)
	}
	_, err := r.Handle(context.Background(), &Request{
		MessageID: "m1", Type: wire.TypeMutate, Resource: "users", ResourceID: "ghost",
		Procedure: record.ProcedureUpdate,
		Payload:   stamped(map[string]any{"name": "B"}, "2026-01-01T00:00:01.000Z"),
	})
	var app *AppError
	if !errors.As(err, &app) || app.Message != "Resource not found" {
		t.Fatalf("expected Resource not found, got %v", err)
	}
}

func TestReadPolicyFiltersPerContext(t *testing.T) {
	r, _ := routerFixture(t)
	err := r.Mount(&Route{
		Resource: "users",
		Auth: Auth{
			Read: func(ctx context.Context, req *Request, rec record.Materialized) (Decision, error) {
				return Filter(query.Where{"id": req.Context["userId"]}), nil
			},
		},
	})
	if err != nil {
		t.Fatalf("mount: %v", err)
	}

	for i, id := range []string{"u1", "u2"} {
		_, err := r.Handle(context.Background(), &Request{
			MessageID: "m" + id, Type: wire.TypeMutate, Resource: "users", ResourceID: id,
			Procedure: record.ProcedureInsert,
			Payload:   stamped(map[string]any{"name": "N"}, fmt.Sprintf("2026-01-01T00:00:0%d.000Z", i+1)),
		})
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	for _, tc := range []struct {
		userID string
		want   string
	}{
		{"u1", "u1"},
		{"u2", "u2"},
	} {
		resp, err := r.Handle(context.Background(), &Request{
			MessageID: "q" + tc.userID, Type: wire.TypeQuery, Resource: "users",
			Context: map[string]any{"userId": tc.userID},
		})
		if err != nil {
			t.Fatalf("query as %s: %v", tc.userID, err)
		}
		rows := resp.Data.([]record.Materialized)
		if len(rows) != 1 || rows[0].ID() != tc.want {
			t.Fatalf("subscriber %s must see only %s, got %v", tc.userID, tc.want, rows)
		}
		if len(resp.Query.Where) == 0 {
			t.Fatalf("effective query must carry the policy predicate")
		}
	}
}

func TestPostPolicyFailureRollsBack(t *testing.T) {
	r, b := routerFixture(t)
	err := r.Mount(&Route{
		Resource: "users",
		Auth: Auth{
			Insert: func(ctx context.Context, req *Request, rec record.Materialized) (Decision, error) {
				return Deny(), nil
			},
		},
	})
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	_, err = r.Handle(context.Background(), &Request{
		MessageID: "m1", Type: wire.TypeMutate, Resource: "users", ResourceID: "u1",
		Procedure: record.ProcedureInsert,
		Payload:   stamped(map[string]any{"name": "A"}, "2026-01-01T00:00:01.000Z"),
	})
	var app *AppError
	if !errors.As(err, &app) || app.Message != "Not authorized" {
		t.Fatalf("expected Not authorized, got %v", err)
	}
	if _, ok := b.data["users"]["u1"]; ok {
		t.Fatal("denied insert must be rolled back")
	}
}

func TestExprPolicyOverContext(t *testing.T) {
	p := ExprPolicy(`context.role == "admin"`)
	d, err := p(context.Background(), &Request{Context: map[string]any{"role": "admin"}}, nil)
	if err != nil || !d.Allow {
		t.Fatalf("admin must pass: %v %v", d, err)
	}
	d, err = p(context.Background(), &Request{Context: map[string]any{"role": "guest"}}, nil)
	if err != nil || d.Allow {
		t.Fatalf("guest must fail: %v %v", d, err)
	}
}

func TestCustomMutationValidationAndHandler(t *testing.T) {
	r, b := routerFixture(t)
	err := r.Mount(&Route{
		Resource: "users",
		Mutations: map[string]*Mutation{
			"rename": {
				Validate: &schema.MapValidator{
					Fields:   map[string]schema.FieldType{"id": schema.TypeID, "name": schema.TypeString},
					Required: []string{"id", "name"},
				},
				Handler: func(ctx context.Context, req *Request, db *DB) (any, error) {
					in := req.Input.(map[string]any)
					rec, _, err := db.Collection("users").Update(ctx, in["id"].(string), map[string]any{"name": in["name"]})
					return rec, err
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("mount: %v", err)
	}

	if _, err := r.Handle(context.Background(), &Request{
		MessageID: "m1", Type: wire.TypeMutate, Resource: "users", ResourceID: "u1",
		Procedure: record.ProcedureInsert,
		Payload:   stamped(map[string]any{"name": "A"}, "2026-01-01T00:00:00.000Z"),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, err = r.Handle(context.Background(), &Request{
		MessageID: "m2", Type: wire.TypeMutate, Resource: "users", Procedure: "rename",
		Input: map[string]any{"id": "u1"},
	})
	var app *AppError
	if !errors.As(err, &app) || app.Code != "VALIDATION_FAILED" {
		t.Fatalf("missing field must fail validation, got %v", err)
	}

	if _, err := r.Handle(context.Background(), &Request{
		MessageID: "m3", Type: wire.TypeMutate, Resource: "users", Procedure: "rename",
		Input: map[string]any{"id": "u1", "name": "B"},
	}); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if got := b.data["users"]["u1"]["name"].Value; got != "B" {
		t.Fatalf("custom handler must update name, got %v", got)
	}
}

func TestMiddlewareComposesRightToLeft(t *testing.T) {
	r, _ := routerFixture(t)
	var order []string
	mw := func(tag string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, req *Request) (*Response, error) {
				order = append(order, tag)
				return next(ctx, req)
			}
		}
	}
	r.Use(mw("global"))
	err := r.Mount(&Route{Resource: "users", Middleware: []Middleware{mw("a"), mw("b")}})
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	if _, err := r.Handle(context.Background(), &Request{
		MessageID: "q1", Type: wire.TypeQuery, Resource: "users",
	}); err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(order) != 3 || order[0] != "global" || order[1] != "a" || order[2] != "b" {
		t.Fatalf("middleware order: %v", order)
	}
}

func TestUnknownResourceRejected(t *testing.T) {
	r, _ := routerFixture(t)
	_, err := r.Handle(context.Background(), &Request{Type: wire.TypeQuery, Resource: "ghosts"})
	var app *AppError
	if !errors.As(err, &app) || app.Code != "UNKNOWN_RESOURCE" {
		t.Fatalf("expected UNKNOWN_RESOURCE, got %v", err)
	}
}
