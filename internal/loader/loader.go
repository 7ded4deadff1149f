package loader

import (
	"context"
	"sync"
	"time"

	"syncwire/internal/query"
	"syncwire/internal/record"
	"syncwire/internal/schema"
)

// batchWindow is the coalescing tick: lookups arriving inside one window
// share a batch.
const batchWindow = time.Millisecond

// Getter is the read surface the loader batches over.
type Getter interface {
	Get(ctx context.Context, q query.Raw) ([]record.Materialized, error)
}

// Loader coalesces concurrent single-key lookups into one predicate query per
// scheduler tick. Lookups sharing (resource, common predicate, include) are
// merged into a single $in query against the discriminating column; each
// requester gets back only the rows matching its own key.
type Loader struct {
	source Getter
	reg    *schema.Registry

	mu      sync.Mutex
	batches map[string]*batch

	// schedule queues a batch drain for the next tick. Overridable in tests.
	schedule func(fn func())
}

type batch struct {
	raw    query.Raw // common shape, unique-key condition stripped
	column string
	keys   []any
	seen   map[any]bool

	// sort/limit survive only when exactly one member requested them
	sortReqs  int
	sort      []query.Sort
	limit     int
	unsorted  query.Raw
	waiters   []*waiter
	scheduled bool
}

type waiter struct {
	key any
	ch  chan batchResult
}

type batchResult struct {
	rows []record.Materialized
	err  error
}

func New(source Getter, reg *schema.Registry) *Loader {
	return &Loader{
		source:   source,
		reg:      reg,
		batches:  make(map[string]*batch),
		schedule: func(fn func()) { time.AfterFunc(batchWindow, fn) },
	}
}

// Load resolves a raw query. Queries with a single equality condition on the
// id column (or a declared unique field) join the current tick's batch;
// everything else passes through to the source directly.
func (l *Loader) Load(ctx context.Context, q query.Raw) ([]record.Materialized, error) {
	column, key, common, ok := l.splitUniqueKey(q)
	if !ok {
		return l.source.Get(ctx, q)
	}

	w := &waiter{key: key, ch: make(chan batchResult, 1)}

	l.mu.Lock()
	bk := batchKey(q.Resource, column, common, q.Include)
	b, exists := l.batches[bk]
	if !exists {
		b = &batch{
			raw:    query.Raw{Resource: q.Resource, Where: common, Include: q.Include},
			column: column,
			seen:   make(map[any]bool),
		}
		l.batches[bk] = b
	}
	if !b.seen[key] {
		b.seen[key] = true
		b.keys = append(b.keys, key)
	}
	if len(q.Sort) > 0 || q.Limit > 0 {
		b.sortReqs++
		b.sort = q.Sort
		b.limit = q.Limit
	}
	b.waiters = append(b.waiters, w)
	if !b.scheduled {
		b.scheduled = true
		l.schedule(func() { l.drain(bk) })
	}
	l.mu.Unlock()

	select {
	case res := <-w.ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.rows, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drain executes one batch and dispatches results to its waiters.
func (l *Loader) drain(bk string) {
	l.mu.Lock()
	b, ok := l.batches[bk]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.batches, bk)
	l.mu.Unlock()

	combined := b.raw
	combined.Where = query.And(combined.Where, query.Where{
		b.column: map[string]any{query.OpIn: b.keys},
	})
	// Cohort-merge semantics: sort/limit apply only when a single member
	// asked for them, otherwise both are dropped.
	if b.sortReqs == 1 {
		combined.Sort = b.sort
		combined.Limit = b.limit
	}

	rows, err := l.source.Get(context.Background(), combined)
	if err != nil {
		for _, w := range b.waiters {
			w.ch <- batchResult{err: err}
		}
		return
	}

	for _, w := range b.waiters {
		var mine []record.Materialized
		for _, row := range rows {
			fv, ok := row[b.column]
			if ok && equalKey(fv.Value, w.key) {
				mine = append(mine, row)
			}
		}
		w.ch <- batchResult{rows: mine}
	}
}

// splitUniqueKey extracts the discriminating equality condition from the
// predicate. Returns the column, the key value, and the remaining common
// predicate.
func (l *Loader) splitUniqueKey(q query.Raw) (string, any, query.Where, bool) {
	e := l.reg.Entity(q.Resource)
	if e == nil || len(q.Where) == 0 {
		return "", nil, nil, false
	}
	candidates := []string{schema.IDField}
	for _, f := range e.Fields {
		if f.Unique {
			candidates = append(candidates, f.Name)
		}
	}
	for _, col := range candidates {
		key, ok := query.UniqueEq(q.Where, col)
		if !ok || key == nil {
			continue
		}
		common := make(query.Where, len(q.Where)-1)
		for k, v := range q.Where {
			if k != col {
				common[k] = v
			}
		}
		return col, key, common, true
	}
	return "", nil, nil, false
}

func batchKey(resource, column string, common query.Where, inc query.Include) string {
	return column + "\x00" + query.Hash(query.Raw{
		Resource: resource,
		Where:    common,
		Include:  inc,
	})
}

func equalKey(a, b any) bool {
	return a == b
}
