package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"syncwire/internal/query"
	"syncwire/internal/record"
	"syncwire/internal/schema"
)

// Get runs a raw query and returns materialized values.
func (s *Store) Get(ctx context.Context, q query.Raw) ([]record.Materialized, error) {
	return s.get(ctx, s.DB, q)
}

// Get runs a raw query inside the transaction.
func (t *Tx) Get(ctx context.Context, q query.Raw) ([]record.Materialized, error) {
	return t.store.get(ctx, t.sqlTx, q)
}

func (s *Store) get(ctx context.Context, qr Querier, q query.Raw) ([]record.Materialized, error) {
	sqlStr, args, err := s.compileSelect(q)
	if err != nil {
		return nil, err
	}
	rows, err := QueryRows(ctx, qr, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", q.Resource, err)
	}
	e := s.Registry.Entity(q.Resource)
	out := make([]record.Materialized, 0, len(rows))
	for _, row := range rows {
		out = append(out, materializeRow(s.Registry, e, row, q.Include))
	}
	return out, nil
}

// FindByID fetches a single record by id with an optional include.
// Returns ErrNotFound when absent.
func (s *Store) FindByID(ctx context.Context, resource, id string, inc query.Include) (record.Materialized, error) {
	return s.findByID(ctx, s.DB, resource, id, inc)
}

// FindByID fetches a single record by id inside the transaction.
func (t *Tx) FindByID(ctx context.Context, resource, id string, inc query.Include) (record.Materialized, error) {
	return t.store.findByID(ctx, t.sqlTx, resource, id, inc)
}

func (s *Store) findByID(ctx context.Context, qr Querier, resource, id string, inc query.Include) (record.Materialized, error) {
	results, err := s.get(ctx, qr, query.Raw{
		Resource: resource,
		Where:    query.Where{schema.IDField: id},
		Include:  inc,
		Limit:    1,
	})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNotFound
	}
	return results[0], nil
}

// Insert writes a new record and its per-field timestamps, then buffers the
// INSERT mutation envelope for post-commit fan-out. mutationID carries the
// originating client message id; empty means server-originated.
func (t *Tx) Insert(ctx context.Context, resource, id string, payload record.Materialized, mutationID string) (record.Materialized, []string, error) {
	e := t.store.Registry.Entity(resource)
	if e == nil {
		return nil, nil, fmt.Errorf("unknown resource %q", resource)
	}

	var exists int
	pb := t.store.Dialect.NewParamBuilder()
	row := t.sqlTx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = %s", e.Name, pb.Add(id)), pb.Params()...)
	if err := row.Scan(&exists); err != nil {
		return nil, nil, fmt.Errorf("check existing %s/%s: %w", resource, id, err)
	}
	if exists > 0 {
		return nil, nil, ErrAlreadyExists
	}

	cols, vals, accepted := t.store.writableColumns(e, payload)

	pb = t.store.Dialect.NewParamBuilder()
	placeholders := make([]string, 0, len(cols)+1)
	insertCols := append([]string{schema.IDField}, cols...)
	placeholders = append(placeholders, pb.Add(id))
	for _, v := range vals {
		placeholders = append(placeholders, pb.Add(v))
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		e.Name, strings.Join(insertCols, ", "), strings.Join(placeholders, ", "))
	if _, err := t.sqlTx.ExecContext(ctx, stmt, pb.Params()...); err != nil {
		return nil, nil, fmt.Errorf("insert %s/%s: %w", resource, id, err)
	}

	if err := t.upsertMeta(ctx, e, id, payload, accepted); err != nil {
		return nil, nil, err
	}

	stored := record.AcceptedOnly(payload, accepted)
	stored[schema.IDField] = record.FieldValue{Value: id}
	// The envelope carries only fields whose meta timestamp is present.
	t.push(&record.Mutation{
		ID:         orNewID(mutationID),
		Resource:   resource,
		ResourceID: id,
		Procedure:  record.ProcedureInsert,
		Payload:    metaOnly(stored),
	}, stored.Plain())
	return stored, accepted, nil
}

// Update merges the payload onto the stored record under per-field LWW and
// buffers the UPDATE mutation envelope. Fields that lose the merge are
// silently rejected; accepted reports the fields that won. An empty accepted
// set writes nothing and buffers nothing.
func (t *Tx) Update(ctx context.Context, resource, id string, payload record.Materialized, mutationID string) (record.Materialized, []string, error) {
	e := t.store.Registry.Entity(resource)
	if e == nil {
		return nil, nil, fmt.Errorf("unknown resource %q", resource)
	}

	existingMeta, err := t.readMeta(ctx, e, id)
	if err != nil {
		return nil, nil, err
	}

	var accepted []string
	for _, f := range e.Fields {
		if f.Name == schema.IDField {
			continue
		}
		fv, ok := payload[f.Name]
		if !ok {
			continue
		}
		prev := existingMeta[f.Name]
		switch {
		case fv.Meta == nil:
			if prev == "" {
				accepted = append(accepted, f.Name)
			}
		case prev == "" || fv.Meta.Timestamp > prev:
			accepted = append(accepted, f.Name)
		}
	}
	sort.Strings(accepted)
	if len(accepted) == 0 {
		return nil, nil, nil
	}

	pb := t.store.Dialect.NewParamBuilder()
	sets := make([]string, 0, len(accepted))
	for _, name := range accepted {
		f := e.Field(name)
		sets = append(sets, name+" = "+pb.Add(columnValue(f, payload[name].Value)))
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s",
		e.Name, strings.Join(sets, ", "), pb.Add(id))
	affected, err := Exec(ctx, t.sqlTx, stmt, pb.Params()...)
	if err != nil {
		return nil, nil, fmt.Errorf("update %s/%s: %w", resource, id, err)
	}
	if affected == 0 {
		return nil, nil, ErrNotFound
	}

	if err := t.upsertMeta(ctx, e, id, payload, accepted); err != nil {
		return nil, nil, err
	}

	merged, err := t.FindByID(ctx, resource, id, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("refetch %s/%s: %w", resource, id, err)
	}

	delta := record.AcceptedOnly(payload, accepted)
	delta[schema.IDField] = record.FieldValue{Value: id}
	t.push(&record.Mutation{
		ID:         orNewID(mutationID),
		Resource:   resource,
		ResourceID: id,
		Procedure:  record.ProcedureUpdate,
		Payload:    metaOnly(delta),
	}, merged.Plain())
	return merged, accepted, nil
}

// Insert outside an explicit transaction runs in its own transaction.
func (s *Store) Insert(ctx context.Context, resource, id string, payload record.Materialized, mutationID string) (result record.Materialized, accepted []string, err error) {
	err = s.Transaction(ctx, func(tx *Tx) error {
		result, accepted, err = tx.Insert(ctx, resource, id, payload, mutationID)
		return err
	})
	return result, accepted, err
}

// Update outside an explicit transaction runs in its own transaction.
func (s *Store) Update(ctx context.Context, resource, id string, payload record.Materialized, mutationID string) (result record.Materialized, accepted []string, err error) {
	err = s.Transaction(ctx, func(tx *Tx) error {
		result, accepted, err = tx.Update(ctx, resource, id, payload, mutationID)
		return err
	})
	return result, accepted, err
}

// writableColumns selects the payload fields that exist on the entity,
// returning column names, driver-ready values, and the accepted field list
// (fields carrying a meta timestamp, plus unmet fields on insert).
func (s *Store) writableColumns(e *schema.Entity, payload record.Materialized) (cols []string, vals []any, accepted []string) {
	for _, f := range e.Fields {
		if f.Name == schema.IDField {
			continue
		}
		fv, ok := payload[f.Name]
		if !ok {
			continue
		}
		cols = append(cols, f.Name)
		vals = append(vals, columnValue(&f, fv.Value))
		accepted = append(accepted, f.Name)
	}
	sort.Strings(accepted)
	return cols, vals, accepted
}

// readMeta loads the meta shadow row for an id as field -> timestamp.
func (t *Tx) readMeta(ctx context.Context, e *schema.Entity, id string) (map[string]string, error) {
	pb := t.store.Dialect.NewParamBuilder()
	rows, err := QueryRows(ctx, t.sqlTx,
		fmt.Sprintf("SELECT * FROM %s WHERE id = %s", e.MetaTable(), pb.Add(id)), pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("read meta %s/%s: %w", e.Name, id, err)
	}
	out := make(map[string]string)
	if len(rows) == 0 {
		return out, nil
	}
	for col, v := range rows[0] {
		if col == schema.IDField || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[col] = s
		}
	}
	return out, nil
}

// upsertMeta writes the per-field timestamps for the accepted fields.
func (t *Tx) upsertMeta(ctx context.Context, e *schema.Entity, id string, payload record.Materialized, accepted []string) error {
	var metaCols []string
	var metaVals []any
	for _, name := range accepted {
		fv := payload[name]
		if fv.Meta == nil {
			continue
		}
		metaCols = append(metaCols, name)
		metaVals = append(metaVals, fv.Meta.Timestamp)
	}
	if len(metaCols) == 0 {
		return nil
	}
	pb := t.store.Dialect.NewParamBuilder()
	cols := append([]string{schema.IDField}, metaCols...)
	placeholders := []string{pb.Add(id)}
	for _, v := range metaVals {
		placeholders = append(placeholders, pb.Add(v))
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) %s",
		e.MetaTable(),
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		t.store.Dialect.UpsertClause(schema.IDField, metaCols))
	if _, err := t.sqlTx.ExecContext(ctx, stmt, pb.Params()...); err != nil {
		return fmt.Errorf("upsert meta %s/%s: %w", e.Name, id, err)
	}
	return nil
}

// columnValue converts a materialized value to its driver representation.
func columnValue(f *schema.Field, v any) any {
	if v == nil {
		return nil
	}
	if f != nil && f.Type == schema.TypeJSON {
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return string(data)
	}
	return v
}

// metaOnly restricts an envelope payload to the id plus fields carrying a
// meta timestamp.
func metaOnly(m record.Materialized) record.Materialized {
	out := make(record.Materialized, len(m))
	for name, fv := range m {
		if name == schema.IDField {
			out[name] = record.FieldValue{Value: fv.Value}
			continue
		}
		if fv.Meta != nil {
			out[name] = fv
		}
	}
	return out
}

func orNewID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}
