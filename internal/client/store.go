package client

import (
	"sort"
	"sync"

	"syncwire/internal/query"
	"syncwire/internal/record"
	"syncwire/internal/schema"
)

// Store is the client's in-memory relational store: the local replica that
// live deltas and optimistic mutations are applied to.
type Store struct {
	reg *schema.Registry

	mu   sync.RWMutex
	data map[string]map[string]record.Materialized
}

func NewStore(reg *schema.Registry) *Store {
	return &Store{reg: reg, data: make(map[string]map[string]record.Materialized)}
}

// ApplyInsert merges an insert payload into the replica. Field-level LWW
// applies, so a replayed or out-of-order insert cannot clobber newer values.
func (s *Store) ApplyInsert(resource, id string, payload record.Materialized) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(resource, id, payload)
}

// ApplyUpdate merges an update payload into the replica under per-field LWW.
func (s *Store) ApplyUpdate(resource, id string, payload record.Materialized) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(resource, id, payload)
}

func (s *Store) applyLocked(resource, id string, payload record.Materialized) {
	if s.data[resource] == nil {
		s.data[resource] = make(map[string]record.Materialized)
	}
	existing := s.data[resource][id]
	merged, _ := record.Merge(payload, existing)
	merged[schema.IDField] = record.FieldValue{Value: id}
	s.data[resource][id] = merged
}

// Delete removes a record; used to roll back an optimistic insert.
func (s *Store) Delete(resource, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[resource], id)
}

// Restore puts a snapshot back; used to roll back an optimistic update. A nil
// snapshot deletes.
func (s *Store) Restore(resource, id string, snapshot record.Materialized) {
	if snapshot == nil {
		s.Delete(resource, id)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[resource] == nil {
		s.data[resource] = make(map[string]record.Materialized)
	}
	s.data[resource][id] = snapshot
}

// Snapshot returns a shallow copy of one record, or nil.
func (s *Store) Snapshot(resource, id string) record.Materialized {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[resource][id]
	if !ok {
		return nil
	}
	cp := make(record.Materialized, len(rec))
	for k, v := range rec {
		cp[k] = v
	}
	return cp
}

// Query starts a builder over the replica.
func (s *Store) Query(resource string) *Query {
	return &Query{store: s, raw: query.Raw{Resource: resource}}
}

// Query is the synchronous builder surface over the local replica.
type Query struct {
	store *Store
	raw   query.Raw
}

// One narrows the query to a single id.
func (q *Query) One(id string) *Query {
	next := *q
	next.raw.Where = query.And(q.raw.Where, query.Where{schema.IDField: id})
	next.raw.Limit = 1
	return &next
}

// Where AND-merges a predicate.
func (q *Query) Where(w query.Where) *Query {
	next := *q
	next.raw.Where = query.And(q.raw.Where, w)
	return &next
}

// Include attaches related records to the projection.
func (q *Query) Include(inc query.Include) *Query {
	next := *q
	next.raw.Include = query.MergeInclude(q.raw.Include, inc)
	return &next
}

// Sort orders results by a field.
func (q *Query) Sort(field, dir string) *Query {
	next := *q
	next.raw.Sort = append(append([]query.Sort{}, q.raw.Sort...), query.Sort{Field: field, Dir: dir})
	return &next
}

// Get evaluates the query against the replica. Relational descents in the
// predicate and the include tree resolve through the replica's own records.
func (q *Query) Get() []record.Materialized {
	s := q.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	inc := query.MergeInclude(q.raw.Include, query.IncludeFor(s.reg, q.raw.Resource, q.raw.Where))
	var out []record.Materialized
	for _, rec := range s.data[q.raw.Resource] {
		full := s.resolveLocked(q.raw.Resource, rec, inc)
		if !query.Matches(s.reg, q.raw.Resource, q.raw.Where, full.Plain()) {
			continue
		}
		out = append(out, s.resolveLocked(q.raw.Resource, rec, q.raw.Include))
	}
	sortRows(out, q.raw.Sort)
	if q.raw.Limit > 0 && len(out) > q.raw.Limit {
		out = out[:q.raw.Limit]
	}
	return out
}

// First returns the first match, or nil.
func (q *Query) First() record.Materialized {
	rows := q.Get()
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

// resolveLocked attaches included relations from the replica.
func (s *Store) resolveLocked(resource string, rec record.Materialized, inc query.Include) record.Materialized {
	out := make(record.Materialized, len(rec)+len(inc))
	for k, v := range rec {
		out[k] = v
	}
	for name := range inc {
		rel := s.reg.Relation(resource, name)
		if rel == nil {
			continue
		}
		child, _ := inc.Child(name)
		if rel.IsOne() {
			fk, _ := rec[rel.Column].Value.(string)
			target, ok := s.data[rel.Target][fk]
			if fk == "" || !ok {
				out[name] = record.FieldValue{Value: nil}
				continue
			}
			out[name] = record.FieldValue{Value: s.resolveLocked(rel.Target, target, child)}
		} else {
			var list []record.Materialized
			for _, target := range s.data[rel.Target] {
				if fk, _ := target[rel.Column].Value.(string); fk == rec.ID() {
					list = append(list, s.resolveLocked(rel.Target, target, child))
				}
			}
			sortRows(list, nil)
			out[name] = record.FieldValue{Value: list}
		}
	}
	return out
}

// sortRows orders rows by the sort spec, falling back to id so local reads
// are deterministic.
func sortRows(rows []record.Materialized, specs []query.Sort) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, sp := range specs {
			a, b := rows[i][sp.Field].Value, rows[j][sp.Field].Value
			cmp := compareValues(a, b)
			if cmp == 0 {
				continue
			}
			if sp.Dir == "desc" {
				return cmp > 0
			}
			return cmp < 0
		}
		return rows[i].ID() < rows[j].ID()
	})
}

func compareValues(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, _ := a.(string)
	bs, _ := b.(string)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
