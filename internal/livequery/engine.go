package livequery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"syncwire/internal/query"
	"syncwire/internal/record"
	"syncwire/internal/schema"
	"syncwire/internal/store"
)

// DataSource resolves an entity with an include tree; the engine uses it to
// evaluate relational predicates and to fetch rewire targets. An absent record
// must be reported with an error matching store.ErrNotFound; any other error
// is treated as transient and never changes query membership.
type DataSource interface {
	FindByID(ctx context.Context, resource, id string, inc query.Include) (record.Materialized, error)
}

func notFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// Options tunes engine edge behavior.
type Options struct {
	// StrictInserts turns a replayed INSERT for a known object into an error
	// instead of a silent drop.
	StrictInserts bool
}

// Engine maintains the graph of standing queries and observed objects and
// turns committed mutations into per-query deltas.
type Engine struct {
	reg    *schema.Registry
	source DataSource
	opts   Options

	mu      sync.Mutex
	queries map[string]*QueryNode
	objects map[string]*ObjectNode
	nextSub int
}

func New(reg *schema.Registry, source DataSource, opts Options) *Engine {
	return &Engine{
		reg:     reg,
		source:  source,
		opts:    opts,
		queries: make(map[string]*QueryNode),
		objects: make(map[string]*ObjectNode),
	}
}

// RegisterQuery adds a subscriber to the query, creating the node on first
// sight. A non-empty parentHash records the child edge under parentRelation
// in the parent. The returned closure removes the subscriber and prunes the
// node once nothing references it.
func (e *Engine) RegisterQuery(q query.Raw, sub Subscriber, parentHash, parentRelation string) (string, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.register(q, sub, parentHash, parentRelation)
}

func (e *Engine) register(q query.Raw, sub Subscriber, parentHash, parentRelation string) (string, func()) {
	hash := query.Hash(q)
	qn, ok := e.queries[hash]
	if !ok {
		qn = newQueryNode(hash, q)
		e.queries[hash] = qn
	}
	if parentHash != "" {
		parent := e.queries[parentHash]
		if parent != nil {
			qn.Parents[parentHash] = true
			qn.ParentRelation = parentRelation
			if parent.ChildrenByRelation[parentRelation] == nil {
				parent.ChildrenByRelation[parentRelation] = make(map[string]bool)
			}
			parent.ChildrenByRelation[parentRelation][hash] = true
		}
	}

	var subID int
	if sub != nil {
		e.nextSub++
		subID = e.nextSub
		qn.subscribers[subID] = sub
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if sub != nil {
				delete(qn.subscribers, subID)
			}
			e.pruneIfOrphan(qn)
		})
	}
	return hash, unsubscribe
}

// Subscribe registers the query plus, recursively, one child query per
// relational descent of its predicate. Child queries carry no subscriber of
// their own; their transitions propagate to the parent's result set.
func (e *Engine) Subscribe(q query.Raw, sub Subscriber) (string, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	hash, unsub := e.register(q, sub, "", "")
	childUnsubs := e.registerChildren(q, hash)
	return hash, func() {
		unsub()
		for _, u := range childUnsubs {
			u()
		}
	}
}

func (e *Engine) registerChildren(q query.Raw, parentHash string) []func() {
	var unsubs []func()
	for name, cond := range q.Where {
		rel := e.reg.Relation(q.Resource, name)
		if rel == nil {
			continue
		}
		child := query.Raw{Resource: rel.Target, Where: toWhere(cond)}
		childHash, unsub := e.register(child, nil, parentHash, name)
		unsubs = append(unsubs, unsub)
		unsubs = append(unsubs, e.registerChildren(child, childHash)...)
	}
	return unsubs
}

// pruneIfOrphan removes a query node that has no subscribers and no parents,
// severing its edges in both directions and cascading to orphaned children.
func (e *Engine) pruneIfOrphan(qn *QueryNode) {
	if len(qn.subscribers) > 0 || len(qn.Parents) > 0 {
		return
	}
	delete(e.queries, qn.Hash)
	for id := range qn.MatchingIDs {
		if obj := e.objects[objectKey(qn.Raw.Resource, id)]; obj != nil {
			delete(obj.MatchedQueries, qn.Hash)
		}
	}
	for _, children := range qn.ChildrenByRelation {
		for childHash := range children {
			if child := e.queries[childHash]; child != nil {
				delete(child.Parents, qn.Hash)
				e.pruneIfOrphan(child)
			}
		}
	}
}

// LoadQueryResults seeds a query's matching set from an initial result read.
// Each row upserts its ObjectNode and records its relation links.
func (e *Engine) LoadQueryResults(q query.Raw, results []record.Materialized) {
	e.mu.Lock()
	defer e.mu.Unlock()

	hash := query.Hash(q)
	qn, ok := e.queries[hash]
	if !ok {
		return
	}
	for _, row := range results {
		id := row.ID()
		if id == "" {
			continue
		}
		obj := e.upsertObject(q.Resource, id)
		obj.Seen = true
		qn.MatchingIDs[id] = true
		obj.MatchedQueries[hash] = true
		e.linkRelations(obj, row.Plain())
	}
}

// HandleMutation re-evaluates every standing query affected by one committed
// mutation and emits per-query deltas. snapshot is the post-commit plain form
// of the entity.
func (e *Engine) HandleMutation(mut *record.Mutation, snapshot map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch mut.Procedure {
	case record.ProcedureInsert:
		return e.handleInsert(mut, snapshot)
	case record.ProcedureUpdate:
		return e.handleUpdate(mut, snapshot)
	default:
		return fmt.Errorf("unsupported procedure %q", mut.Procedure)
	}
}

func (e *Engine) handleInsert(mut *record.Mutation, snapshot map[string]any) error {
	key := objectKey(mut.Resource, mut.ResourceID)
	if obj, ok := e.objects[key]; ok && obj.Seen {
		if e.opts.StrictInserts {
			return fmt.Errorf("insert for known object %s", key)
		}
		logrus.WithField("object", key).Debug("dropping replayed insert")
		return nil
	}

	value := snapshot
	if value == nil {
		value = mut.Payload.Plain()
	}

	matched, err := e.matchingQueries(mut.Resource, mut.ResourceID, value)
	if err != nil {
		return err
	}

	obj := e.upsertObject(mut.Resource, mut.ResourceID)
	obj.Seen = true
	e.linkRelations(obj, value)

	for _, qn := range matched {
		qn.MatchingIDs[mut.ResourceID] = true
		obj.MatchedQueries[qn.Hash] = true
		e.notify(qn, mut)
		e.propagateToParents(qn, obj)
	}
	return nil
}

func (e *Engine) handleUpdate(mut *record.Mutation, snapshot map[string]any) error {
	key := objectKey(mut.Resource, mut.ResourceID)
	obj, ok := e.objects[key]
	if !ok {
		return fmt.Errorf("update for unknown object %s", key)
	}

	value := snapshot
	if value == nil {
		value = mut.Payload.Plain()
	}

	// Relation diff: payload value wins when the column is present (explicit
	// null clears the relation), otherwise the snapshot value.
	type relChange struct {
		rel      *schema.Relation
		old, new string
	}
	var changes []relChange
	for _, rel := range e.reg.OutgoingRelations(mut.Resource) {
		newID := obj.Outgoing[rel.Name]
		if fv, ok := mut.Payload[rel.Column]; ok {
			newID = toID(fv.Value)
		} else if v, ok := snapshot[rel.Column]; ok {
			newID = toID(v)
		}
		if old := obj.Outgoing[rel.Name]; old != newID {
			changes = append(changes, relChange{rel: rel, old: old, new: newID})
		}
	}

	// Predicate transitions.
	var notifySet []*QueryNode
	for _, qn := range e.sameResourceQueries(mut.Resource) {
		matchedBefore := qn.MatchingIDs[mut.ResourceID]
		matchesNow, err := e.evaluate(qn, mut.ResourceID, value)
		if err != nil {
			// A transient read failure must not masquerade as a membership
			// change; the query keeps its previous result set.
			logrus.WithError(err).WithField("query", qn.Hash).
				Warn("predicate evaluation failed, membership unchanged")
			continue
		}
		switch {
		case matchesNow && !matchedBefore:
			qn.MatchingIDs[mut.ResourceID] = true
			obj.MatchedQueries[qn.Hash] = true
			notifySet = append(notifySet, qn)
			e.propagateToParents(qn, obj)
		case !matchesNow && matchedBefore:
			delete(qn.MatchingIDs, mut.ResourceID)
			delete(obj.MatchedQueries, qn.Hash)
			notifySet = append(notifySet, qn)
			e.propagateToParents(qn, obj)
		case matchesNow && matchedBefore:
			// The row changed while staying in the query; parents with a
			// predicate over this relation may still flip.
			notifySet = append(notifySet, qn)
			e.propagateToParents(qn, obj)
		}
	}

	// Apply relation changes to both sides of the link maps, then rewire the
	// child queries keyed on each changed relation.
	for _, ch := range changes {
		e.unlink(obj, ch.rel, ch.old)
		e.link(obj, ch.rel, ch.new)
		e.rewireChildren(mut.Resource, ch.rel, ch.old, ch.new)
	}

	for _, qn := range notifySet {
		e.notify(qn, mut)
	}
	return nil
}

// matchingQueries evaluates every same-resource query against a fresh value:
// shallow predicates synchronously, relational ones fetched in parallel.
func (e *Engine) matchingQueries(resource, id string, value map[string]any) ([]*QueryNode, error) {
	var matched []*QueryNode
	var deep []*QueryNode
	for _, qn := range e.sameResourceQueries(resource) {
		if len(qn.Raw.Where) == 0 || query.IsShallow(e.reg, resource, qn.Raw.Where) {
			if query.Matches(e.reg, resource, qn.Raw.Where, value) {
				matched = append(matched, qn)
			}
			continue
		}
		deep = append(deep, qn)
	}
	if len(deep) == 0 {
		return matched, nil
	}

	results := make([]bool, len(deep))
	g, ctx := errgroup.WithContext(context.Background())
	for i, qn := range deep {
		g.Go(func() error {
			ok, err := e.evaluateDeep(ctx, qn, id)
			results[i] = ok
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, qn := range deep {
		if results[i] {
			matched = append(matched, qn)
		}
	}
	return matched, nil
}

func (e *Engine) evaluate(qn *QueryNode, id string, value map[string]any) (bool, error) {
	if len(qn.Raw.Where) == 0 {
		return true, nil
	}
	if query.IsShallow(e.reg, qn.Raw.Resource, qn.Raw.Where) {
		return query.Matches(e.reg, qn.Raw.Resource, qn.Raw.Where, value), nil
	}
	return e.evaluateDeep(context.Background(), qn, id)
}

func (e *Engine) evaluateDeep(ctx context.Context, qn *QueryNode, id string) (bool, error) {
	inc := query.IncludeFor(e.reg, qn.Raw.Resource, qn.Raw.Where)
	rec, err := e.source.FindByID(ctx, qn.Raw.Resource, id, inc)
	if err != nil {
		if notFound(err) {
			return false, nil
		}
		return false, err
	}
	return query.Matches(e.reg, qn.Raw.Resource, qn.Raw.Where, rec.Plain()), nil
}

// propagateToParents re-evaluates parent queries when an object enters or
// leaves a child query: the sources pointing at the object through the
// parent relation may have started or stopped matching.
func (e *Engine) propagateToParents(child *QueryNode, obj *ObjectNode) {
	for parentHash := range child.Parents {
		parent := e.queries[parentHash]
		if parent == nil {
			continue
		}
		rel := child.ParentRelation
		for srcID := range obj.Incoming[rel] {
			e.reevaluateForParent(parent, srcID)
		}
	}
}

// reevaluateForParent fetches one candidate row with the parent's include and
// reconciles its membership. Entry synthesizes an INSERT delta carrying the
// fetched record; exit synthesizes an UPDATE delta so subscribers re-check.
func (e *Engine) reevaluateForParent(parent *QueryNode, id string) {
	inc := query.MergeInclude(
		parent.Raw.Include,
		query.IncludeFor(e.reg, parent.Raw.Resource, parent.Raw.Where),
	)
	rec, err := e.source.FindByID(context.Background(), parent.Raw.Resource, id, inc)
	if err != nil && !notFound(err) {
		logrus.WithError(err).WithField("query", parent.Hash).
			Warn("parent reevaluation fetch failed, membership unchanged")
		return
	}
	matchedBefore := parent.MatchingIDs[id]
	matchesNow := err == nil && query.Matches(e.reg, parent.Raw.Resource, parent.Raw.Where, rec.Plain())
	if matchesNow == matchedBefore {
		return
	}

	obj := e.upsertObject(parent.Raw.Resource, id)
	if matchesNow {
		parent.MatchingIDs[id] = true
		obj.MatchedQueries[parent.Hash] = true
		e.linkRelations(obj, rec.Plain())
		e.notify(parent, &record.Mutation{
			ID:         id,
			Resource:   parent.Raw.Resource,
			ResourceID: id,
			Procedure:  record.ProcedureInsert,
			Payload:    rec,
		})
		return
	}
	delete(parent.MatchingIDs, id)
	delete(obj.MatchedQueries, parent.Hash)
	payload := record.Materialized{"id": record.FieldValue{Value: id}}
	if err == nil {
		payload = rec
	}
	e.notify(parent, &record.Mutation{
		ID:         id,
		Resource:   parent.Raw.Resource,
		ResourceID: id,
		Procedure:  record.ProcedureUpdate,
		Payload:    payload,
	})
}

// rewireChildren moves the targets of a changed relation between the child
// queries keyed on it: the old target leaves, each new target is fetched,
// registered and announced to the child's subscribers as an INSERT.
func (e *Engine) rewireChildren(resource string, rel *schema.Relation, oldID, newID string) {
	for _, qn := range e.sameResourceQueries(resource) {
		children := qn.ChildrenByRelation[rel.Name]
		for childHash := range children {
			child := e.queries[childHash]
			if child == nil {
				continue
			}
			if oldID != "" && child.MatchingIDs[oldID] {
				delete(child.MatchingIDs, oldID)
				if obj := e.objects[objectKey(rel.Target, oldID)]; obj != nil {
					delete(obj.MatchedQueries, childHash)
				}
			}
			if newID == "" {
				continue
			}
			rec, err := e.source.FindByID(context.Background(), rel.Target, newID, child.Raw.Include)
			if err != nil {
				logrus.WithError(err).WithField("object", objectKey(rel.Target, newID)).
					Warn("rewire target fetch failed")
				continue
			}
			child.MatchingIDs[newID] = true
			obj := e.upsertObject(rel.Target, newID)
			obj.MatchedQueries[childHash] = true
			e.linkRelations(obj, rec.Plain())
			e.notify(child, &record.Mutation{
				ID:         newID,
				Resource:   rel.Target,
				ResourceID: newID,
				Procedure:  record.ProcedureInsert,
				Payload:    rec,
			})
		}
	}
}

func (e *Engine) sameResourceQueries(resource string) []*QueryNode {
	var out []*QueryNode
	for _, qn := range e.queries {
		if qn.Raw.Resource == resource {
			out = append(out, qn)
		}
	}
	return out
}

func (e *Engine) upsertObject(resource, id string) *ObjectNode {
	key := objectKey(resource, id)
	obj, ok := e.objects[key]
	if !ok {
		obj = newObjectNode(resource, id)
		e.objects[key] = obj
	}
	return obj
}

// linkRelations records the object's outgoing links from its plain value.
func (e *Engine) linkRelations(obj *ObjectNode, value map[string]any) {
	for _, rel := range e.reg.OutgoingRelations(obj.Resource) {
		v, ok := value[rel.Column]
		if !ok {
			continue
		}
		target := toID(v)
		if old := obj.Outgoing[rel.Name]; old != target {
			e.unlink(obj, rel, old)
			e.link(obj, rel, target)
		}
	}
}

func (e *Engine) link(obj *ObjectNode, rel *schema.Relation, targetID string) {
	if targetID == "" {
		delete(obj.Outgoing, rel.Name)
		return
	}
	obj.Outgoing[rel.Name] = targetID
	target := e.upsertObject(rel.Target, targetID)
	if target.Incoming[rel.Name] == nil {
		target.Incoming[rel.Name] = make(map[string]bool)
	}
	target.Incoming[rel.Name][obj.ID] = true
}

func (e *Engine) unlink(obj *ObjectNode, rel *schema.Relation, targetID string) {
	if targetID == "" {
		return
	}
	if target := e.objects[objectKey(rel.Target, targetID)]; target != nil {
		delete(target.Incoming[rel.Name], obj.ID)
	}
	if obj.Outgoing[rel.Name] == targetID {
		delete(obj.Outgoing, rel.Name)
	}
}

// notify delivers one delta to every subscriber, recovering panics so a bad
// callback cannot take down the fan-out worker.
func (e *Engine) notify(qn *QueryNode, mut *record.Mutation) {
	for _, sub := range qn.subscribers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logrus.WithField("query", qn.Hash).Errorf("subscriber panic: %v", r)
				}
			}()
			sub(mut)
		}()
	}
}

func toWhere(cond any) query.Where {
	switch w := cond.(type) {
	case query.Where:
		return w
	case map[string]any:
		return query.Where(w)
	default:
		return nil
	}
}

func toID(v any) string {
	s, _ := v.(string)
	return s
}
